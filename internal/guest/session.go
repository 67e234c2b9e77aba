// session.go

// Onboarding cookie management. The cookie carries a random token; the
// registry key is derived from it so a leaked session store reveals no cookies.
package guest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"
)

const sessionCookie = "__Host-onboarding"

// GenerateToken returns a 256-bit random cookie token, base64url encoded.
func GenerateToken() (string, error) {
	var token [32]byte
	if _, err := rand.Read(token[:]); err != nil {
		return "", fmt.Errorf("generating token with rand: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(token[:]), nil
}

// SessionKey derives the registry key from a cookie token: base64url(sha256(raw token)).
// Returns false for a token that is not valid base64url.
func SessionKey(token string) (string, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 32 {
		return "", false
	}
	sum := sha256.Sum256(raw)
	return base64.RawURLEncoding.EncodeToString(sum[:]), true
}

// SetSessionCookie writes __Host-onboarding with HttpOnly, Secure, SameSite=Lax.
// Lax keeps the cookie on the top-level redirect back from the provider.
func SetSessionCookie(w http.ResponseWriter, token string, ttl time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// ClearSessionCookie overwrites __Host-onboarding with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// clientIP returns the bare client address. RemoteAddr is already
// rewritten by middleware.RealIP when the router runs behind a proxy.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
