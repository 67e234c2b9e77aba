// handler.go -- HTTP handlers for the guest onboarding endpoints.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/eduinvite/internal/captcha"
	"github.com/MGallo-Code/eduinvite/internal/metrics"
	"github.com/MGallo-Code/eduinvite/internal/onboarding"
	"github.com/MGallo-Code/eduinvite/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 16 << 10

// Flow runs onboarding steps against the session stored under a key.
// Satisfied by *onboarding.Orchestrator -- defined here (at consumer) per Go convention.
type Flow interface {
	View(ctx context.Context, key string) (onboarding.View, error)
	Reset(ctx context.Context, key string) error
	SubmitCode(ctx context.Context, key, code string) (onboarding.View, error)
	SetMailAddress(ctx context.Context, key, mail string) (onboarding.View, error)
	BeginLogin(ctx context.Context, key string, stepUp bool) (string, error)
	HandleCallback(ctx context.Context, key string, cb onboarding.Callback) (onboarding.View, error)
	VerifyAttributes(ctx context.Context, key string) (onboarding.View, error)
}

// AdminStore defines the invitation and group operations behind /admin.
// Satisfied by *store.PostgresStore and *store.MemoryStore.
type AdminStore interface {
	CreateInvitation(ctx context.Context, guestID, groupID uuid.UUID, mailAddress string) (string, error)
	FindInvitationByCode(ctx context.Context, code string) (*store.Invitation, error)
	ListInvitations(ctx context.Context, f store.ListFilter) ([]store.Invitation, error)
	UpsertGroup(ctx context.Context, g *store.Group) error
}

// GroupInvalidator drops a cached group after an update. Satisfied by *store.GroupCache.
type GroupInvalidator interface {
	Invalidate(id uuid.UUID)
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisRateLimiter and *store.MemoryRateLimiter.
type RateLimiter interface {
	// Allow returns store.ErrRateLimitExceeded when the key is over policy or locked out.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// CaptchaVerifier checks a CAPTCHA token. Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// HealthChecker pings one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// CodeSubmitPolicy is the default rate limit per client IP on code submissions.
var CodeSubmitPolicy = store.RateLimit{
	MaxAttempts: 10,
	Window:      10 * time.Minute,
	LockoutTTL:  15 * time.Minute,
}

// AdminAuthPolicy is the default rate limit per client IP on admin requests.
var AdminAuthPolicy = store.RateLimit{
	MaxAttempts: 30,
	Window:      time.Minute,
	LockoutTTL:  15 * time.Minute,
}

// Handler holds dependencies for the guest, admin and health endpoints.
// Captcha, Groups, Cache and Metrics are optional.
type Handler struct {
	Flow    Flow
	Admin   AdminStore
	Groups  GroupInvalidator
	RL      RateLimiter
	Captcha CaptchaVerifier
	Metrics *metrics.Metrics

	DB    HealthChecker
	Cache HealthChecker

	CodePolicy     store.RateLimit
	AdminPolicy    store.RateLimit
	SessionTTL     time.Duration
	AdminTokenHash string
}

// sessionKey pulls the registry key injected by RequireSession.
func sessionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, ok := SessionKeyFromContext(r.Context())
	if !ok {
		InternalServerError(w, r, errors.New("missing session context"))
	}
	return key, ok
}

// decode reads a bounded JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		logWarn(r, "failed to decode request body", "error", err)
		BadRequest(w, r, "error decoding request body")
		return false
	}
	return true
}

// respond writes the view on success and the failure notice otherwise.
func respond(w http.ResponseWriter, view onboarding.View, err error) {
	if err != nil {
		Failure(w, err, &view)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetSession handles GET /accept -- returns the current session view.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	view, err := h.Flow.View(r.Context(), key)
	if err != nil {
		Failure(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SubmitCode handles POST /accept/code -- binds the session to an invitation.
// Rate limited per client IP; CAPTCHA-verified when a verifier is configured.
// Both checks run before any store lookup.
func (h *Handler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var input struct {
		Code         string `json:"code"`
		CaptchaToken string `json:"captcha_token"`
	}
	if !decode(w, r, &input) {
		return
	}

	ip := clientIP(r)
	if err := h.RL.Allow(r.Context(), "code:ip:"+ip, h.CodePolicy); err != nil {
		if errors.Is(err, store.ErrRateLimitExceeded) {
			logInfo(r, "code submission rate limited")
			if h.Metrics != nil {
				h.Metrics.RateLimited.Inc()
			}
			TooManyRequests(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}

	if h.Captcha != nil {
		if err := h.Captcha.Verify(r.Context(), input.CaptchaToken, ip); err != nil {
			if errors.Is(err, captcha.ErrRejected) {
				logInfo(r, "captcha rejected", "error", err)
				Forbidden(w)
				return
			}
			logError(r, "captcha verification failed", "error", err)
			writeMessage(w, http.StatusServiceUnavailable, "captcha verification unavailable")
			return
		}
	}

	view, err := h.Flow.SubmitCode(r.Context(), key, input.Code)
	respond(w, view, err)
}

// SetMailAddress handles POST /accept/mail -- records a replacement mail address.
func (h *Handler) SetMailAddress(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	var input struct {
		MailAddress string `json:"mail_address"`
	}
	if !decode(w, r, &input) {
		return
	}
	view, err := h.Flow.SetMailAddress(r.Context(), key, input.MailAddress)
	respond(w, view, err)
}

// Login handles GET /login -- redirects to the provider with a fresh PKCE challenge.
// ?step_up=1 forces re-authentication for an MFA step-up.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	stepUp := r.URL.Query().Get("step_up") == "1"
	authURL, err := h.Flow.BeginLogin(r.Context(), key, stepUp)
	if err != nil {
		view, _ := h.Flow.View(r.Context(), key)
		Failure(w, err, &view)
		return
	}
	logInfo(r, "redirecting to identity provider", "step_up", stepUp)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback handles GET /oidc_callback -- completes the login and, when the
// group's gate allows, accepts the invitation.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	view, err := h.Flow.HandleCallback(r.Context(), key, onboarding.Callback{
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	respond(w, view, err)
}

// Verify handles POST /accept/verify -- retries verification and acceptance.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	view, err := h.Flow.VerifyAttributes(r.Context(), key)
	respond(w, view, err)
}

// Reset handles DELETE /accept -- discards the session and its cookie.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	key, ok := sessionKey(w, r)
	if !ok {
		return
	}
	if err := h.Flow.Reset(r.Context(), key); err != nil {
		Failure(w, err, nil)
		return
	}
	ClearSessionCookie(w)
	logInfo(r, "onboarding session reset")
	OK(w, "session reset")
}
