package security

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Session ID length bounds.
const (
	MinSessionIDLength = 8
	MaxSessionIDLength = 64
)

// ErrInvalidSessionID is wrapped by every ValidateSessionID failure.
var ErrInvalidSessionID = errors.New("invalid session ID")

var validSessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// reservedSessionIDs collide with object keys in JavaScript clients.
var reservedSessionIDs = []string{"__proto__", "constructor", "prototype"}

// GenerateSessionID returns a random UUIDv4.
func GenerateSessionID() string {
	return uuid.NewString()
}

// ValidateSessionID accepts 8 to 64 characters of letters, digits, hyphens
// and underscores.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: session ID is required", ErrInvalidSessionID)
	case len(id) < MinSessionIDLength:
		return fmt.Errorf("%w: too short (min %d characters)", ErrInvalidSessionID, MinSessionIDLength)
	case len(id) > MaxSessionIDLength:
		return fmt.Errorf("%w: too long (max %d characters)", ErrInvalidSessionID, MaxSessionIDLength)
	case !validSessionIDPattern.MatchString(id):
		return fmt.Errorf("%w: use letters, digits, hyphens and underscores only", ErrInvalidSessionID)
	}

	lower := strings.ToLower(id)
	for _, reserved := range reservedSessionIDs {
		if lower == reserved {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidSessionID, id)
		}
	}
	return nil
}
