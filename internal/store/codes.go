// codes.go -- invitation code generation.
package store

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/gofrs/uuid/v5"
)

var codePattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewInvitationCode returns a random UUIDv4 rendered as 32 lowercase hex chars.
func NewInvitationCode() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("generating invitation code: %w", err)
	}
	return hex.EncodeToString(id.Bytes()), nil
}

// ValidCode reports whether code has the shape of an invitation code.
// Lets callers skip a store round-trip for obvious garbage.
func ValidCode(code string) bool { return codePattern.MatchString(code) }
