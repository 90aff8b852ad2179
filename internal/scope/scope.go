package scope

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// Separator joins key components.
	Separator = "/"

	maxIdentifierLength = 190
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty, too long or contains the key separator.
	ErrInvalidUserID = errors.New("scope: invalid user id")
	// ErrInvalidAppID indicates that an application identifier is empty, too long or contains the key separator.
	ErrInvalidAppID = errors.New("scope: invalid app id")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateComponent(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying identifier.
func (id UserID) String() string {
	return string(id)
}

// AppID represents a validated application identifier.
type AppID string

// NewAppID validates raw input and returns an AppID.
func NewAppID(rawInput string) (AppID, error) {
	trimmed, err := validateComponent(rawInput, ErrInvalidAppID)
	if err != nil {
		return "", err
	}
	return AppID(trimmed), nil
}

// String returns the underlying identifier.
func (id AppID) String() string {
	return string(id)
}

// Scope is the (user, application) pair that bounds every log.
type Scope struct {
	User UserID
	App  AppID
}

// New validates both components and returns a Scope.
func New(rawUser, rawApp string) (Scope, error) {
	user, err := NewUserID(rawUser)
	if err != nil {
		return Scope{}, err
	}
	app, err := NewAppID(rawApp)
	if err != nil {
		return Scope{}, err
	}
	return Scope{User: user, App: app}, nil
}

// Key composes <namespace>/<user>/<app>[/<suffix>...].
func (s Scope) Key(namespace string, suffix ...string) string {
	parts := make([]string, 0, 3+len(suffix))
	parts = append(parts, namespace, s.User.String(), s.App.String())
	parts = append(parts, suffix...)
	return strings.Join(parts, Separator)
}

// String renders the scope for logs.
func (s Scope) String() string {
	return s.User.String() + Separator + s.App.String()
}

// UserKey composes <namespace>/<user>.
func UserKey(namespace string, user UserID) string {
	return namespace + Separator + user.String()
}

func validateComponent(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	if strings.Contains(trimmed, Separator) {
		return "", fmt.Errorf("%w: contains %q", sentinel, Separator)
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", fmt.Errorf("%w: contains NUL", sentinel)
	}
	return trimmed, nil
}
