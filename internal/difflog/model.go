package difflog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/difflog/internal/scope"
)

const (
	namespace      = "data"
	diffsSuffix    = "diffs"
	opaquesSegment = "opaques"

	maxOpaqueIDLength = 190
)

var (
	// ErrInvalidOpaqueID indicates that an opaque id is empty, too long or contains NUL.
	ErrInvalidOpaqueID = errors.New("difflog: invalid opaque id")
	// ErrInvalidPayload indicates an empty payload.
	ErrInvalidPayload = errors.New("difflog: invalid payload")
)

// OpaqueID is the caller-chosen idempotency token of a submission.
type OpaqueID string

// NewOpaqueID validates raw input and returns an OpaqueID. The id is kept
// byte for byte; "x" and " x " are different ids.
func NewOpaqueID(rawInput string) (OpaqueID, error) {
	if rawInput == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOpaqueID)
	}
	if len(rawInput) > maxOpaqueIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOpaqueID, maxOpaqueIDLength)
	}
	if strings.ContainsRune(rawInput, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidOpaqueID)
	}
	return OpaqueID(rawInput), nil
}

// String returns the underlying identifier.
func (id OpaqueID) String() string {
	return string(id)
}

// Payload is an opaque submission body. It is stored verbatim.
type Payload string

// NewPayload rejects empty payloads.
func NewPayload(raw string) (Payload, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	return Payload(raw), nil
}

// String returns the payload text.
func (p Payload) String() string {
	return string(p)
}

// SubmitResult is the outcome of Submit.
type SubmitResult struct {
	Rank int64
	// Duplicate reports that the opaque id already held a rank.
	Duplicate bool
}

// RankResult is the outcome of Rank.
type RankResult struct {
	Rank  int64
	Found bool
	Count int64
}

// DiffsKey names the ordered collection of a scope.
func DiffsKey(sc scope.Scope) string {
	return sc.Key(namespace, diffsSuffix)
}

// PayloadKey names the stored payload of one opaque id.
func PayloadKey(sc scope.Scope, opaque OpaqueID) string {
	return sc.Key(namespace, opaquesSegment, opaque.String())
}
