// pkce.go -- PKCE (RFC 7636) verifier and S256 challenge generation.
package oauth

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/oauth2"
)

// verifierAlphabet is restricted to letters and digits.
// Some providers reject the '-', '_', '.' and '~' characters RFC 7636 otherwise allows.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// VerifierLength is the number of characters in a generated code_verifier.
// 64 chars over a 62-symbol alphabet is ~381 bits, comfortably above the 256-bit floor.
const VerifierLength = 64

// GeneratePKCE returns a fresh code_verifier and its S256 code_challenge.
// An error means the entropy source failed; the login attempt must be aborted.
func GeneratePKCE() (verifier, challenge string, err error) {
	verifier, err = randomAlphanumeric(VerifierLength)
	if err != nil {
		return "", "", fmt.Errorf("generating code verifier: %w", err)
	}
	return verifier, ChallengeS256(verifier), nil
}

// ChallengeS256 derives the code_challenge for verifier: base64url_no_pad(sha256(verifier)).
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// randomAlphanumeric draws n characters uniformly from verifierAlphabet.
// Bytes >= 248 are rejected so the modulo does not bias toward the first 8 symbols.
func randomAlphanumeric(n int) (string, error) {
	const limit = 256 - (256 % len(verifierAlphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
