// Package access authorizes callers against the credentials granted to them.
// A credential is accepted when it is a member of tokens/<identity> and the
// caller claims no other user than its identity.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
	"github.com/MarcoPoloResearchLab/difflog/internal/store"
	"go.uber.org/zap"
)

const namespace = "tokens"

var (
	// ErrDenied is returned for every rejected authorization.
	ErrDenied = errors.New("access: denied")
	// ErrInvalidCredential indicates an empty credential on grant or revoke.
	ErrInvalidCredential = errors.New("access: invalid credential")

	errMissingStore = errors.New("store is required")
)

// Credentials are what a caller presents.
type Credentials struct {
	Identity   string
	Credential string
}

// TokenVerifier checks a signed credential and returns its subject.
type TokenVerifier interface {
	ValidateToken(token string) (string, error)
}

// GateConfig describes the dependencies of a Gate.
type GateConfig struct {
	Store store.Store
	// Verifier is optional. When set, credentials must also verify and name the identity.
	Verifier TokenVerifier
	Logger   *zap.Logger
}

// Gate is safe for concurrent use.
type Gate struct {
	store    store.Store
	verifier TokenVerifier
	logger   *zap.Logger
}

func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: cfg.Store, verifier: cfg.Verifier, logger: logger}, nil
}

// TokensKey names the credential set of a user.
func TokensKey(user scope.UserID) string {
	return scope.UserKey(namespace, user)
}

// Authorize returns the authorized user or an error wrapping ErrDenied.
// Storage failures are returned as such and never reported as denials.
func (g *Gate) Authorize(ctx context.Context, credentials Credentials, claimedUser string) (scope.UserID, error) {
	if credentials.Identity == "" || credentials.Credential == "" {
		return "", g.deny("missing_credentials", credentials.Identity)
	}
	identity, err := scope.NewUserID(credentials.Identity)
	if err != nil || identity.String() != credentials.Identity {
		return "", g.deny("invalid_identity", credentials.Identity)
	}
	if claimedUser != identity.String() {
		return "", g.deny("user_mismatch", credentials.Identity)
	}
	if g.verifier != nil {
		subject, err := g.verifier.ValidateToken(credentials.Credential)
		if err != nil || subject != identity.String() {
			return "", g.deny("token_rejected", credentials.Identity)
		}
	}
	granted, err := g.store.IsMember(ctx, TokensKey(identity), credentials.Credential)
	if err != nil {
		if errors.Is(err, store.ErrInvalidKey) {
			return "", g.deny("invalid_credential", credentials.Identity)
		}
		g.logger.Error("access check failed", zap.String("user_id", identity.String()), zap.Error(err))
		return "", fmt.Errorf("access: membership lookup: %w", err)
	}
	if !granted {
		return "", g.deny("not_granted", credentials.Identity)
	}
	return identity, nil
}

// Grant adds credential to the user's set, reporting whether it was new.
func (g *Gate) Grant(ctx context.Context, user scope.UserID, credential string) (bool, error) {
	if strings.TrimSpace(credential) == "" {
		return false, ErrInvalidCredential
	}
	added, err := g.store.AddMember(ctx, TokensKey(user), credential)
	if err != nil {
		return false, fmt.Errorf("access: grant: %w", err)
	}
	g.logger.Info("credential granted", zap.String("user_id", user.String()), zap.Bool("new", added))
	return added, nil
}

// Revoke removes credential from the user's set, reporting whether it existed.
func (g *Gate) Revoke(ctx context.Context, user scope.UserID, credential string) (bool, error) {
	if strings.TrimSpace(credential) == "" {
		return false, ErrInvalidCredential
	}
	removed, err := g.store.RemoveMember(ctx, TokensKey(user), credential)
	if err != nil {
		return false, fmt.Errorf("access: revoke: %w", err)
	}
	g.logger.Info("credential revoked", zap.String("user_id", user.String()), zap.Bool("existed", removed))
	return removed, nil
}

func (g *Gate) deny(reason, identity string) error {
	g.logger.Info("access denied", zap.String("reason", reason), zap.String("user_id", identity))
	return fmt.Errorf("%w: %s", ErrDenied, reason)
}
