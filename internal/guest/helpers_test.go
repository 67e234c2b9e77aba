package guest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MGallo-Code/eduinvite/internal/metrics"
	"github.com/MGallo-Code/eduinvite/internal/oauth"
	"github.com/MGallo-Code/eduinvite/internal/onboarding"
	"github.com/MGallo-Code/eduinvite/internal/store"
	"github.com/MGallo-Code/eduinvite/internal/testutil"
)

// --- Test environment ---

// env is a Handler over in-memory stores and a fake provider, routed the way main wires it.
type env struct {
	h       *Handler
	ms      *store.MemoryStore
	prov    *testutil.FakeProvider
	emitter *testutil.RecordingEmitter
	metrics *metrics.Metrics
	router  http.Handler
	code    string
	group   *store.Group
}

func newEnv(t *testing.T, mutate func(*store.Group)) *env {
	t.Helper()
	e := &env{
		ms: store.NewMemoryStore(),
		prov: testutil.NewFakeProvider(oauth.Claims{
			"sub":                      "sub-1",
			"eduperson_principal_name": "guest@eduid.ch",
		}),
		emitter: &testutil.RecordingEmitter{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	e.code, e.group = testutil.SeedInvitation(t, e.ms, mutate)

	machine := onboarding.NewMachine(onboarding.MachineConfig{
		Invitations: e.ms,
		Groups:      e.ms,
		Provider:    e.prov,
	})
	registry := onboarding.NewRegistry(store.NewMemorySessionStore(time.Hour), time.Hour)
	e.h = &Handler{
		Flow:        onboarding.NewOrchestrator(registry, machine, e.emitter, e.metrics),
		Admin:       e.ms,
		RL:          store.NewMemoryRateLimiter(),
		Metrics:     e.metrics,
		CodePolicy:  CodeSubmitPolicy,
		AdminPolicy: AdminAuthPolicy,
		SessionTTL:  time.Hour,
	}
	e.router = testRouter(e.h)
	return e
}

// testRouter mirrors buildRouter's grouping without the global middleware.
func testRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", h.CheckHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.RequireSession)
		r.Use(h.CSRFMiddleware)
		r.Get("/accept", h.GetSession)
		r.Delete("/accept", h.Reset)
		r.Post("/accept/code", h.SubmitCode)
		r.Post("/accept/mail", h.SetMailAddress)
		r.Post("/accept/verify", h.Verify)
		r.Get("/login", h.Login)
		r.Get("/oidc_callback", h.Callback)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(h.RequireAdmin)
		r.Post("/invitations", h.CreateInvitation)
		r.Get("/invitations", h.ListInvitations)
		r.Get("/invitations/{code}", h.GetInvitation)
		r.Put("/groups/{id}", h.PutGroup)
	})
	return r
}

// guestClient carries the onboarding cookie and CSRF token between requests.
type guestClient struct {
	t      *testing.T
	router http.Handler
	token  string
	csrf   string
}

func (e *env) client(t *testing.T) *guestClient {
	t.Helper()
	c := &guestClient{t: t, router: e.router}
	w := c.do(http.MethodGet, "/accept", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /accept: status %d", w.Code)
	}
	c.csrf = decodeView(t, w).CSRFToken
	return c
}

// do sends a request with the client's cookie and CSRF header and records the response.
func (c *guestClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rdr = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, path, rdr)
	r.RemoteAddr = "203.0.113.7:51000"
	if c.token != "" {
		r.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.token})
	}
	if c.csrf != "" {
		r.Header.Set("X-CSRF-Token", c.csrf)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, r)

	for _, ck := range w.Result().Cookies() {
		if ck.Name != sessionCookie {
			continue
		}
		if ck.MaxAge < 0 {
			c.token = ""
		} else {
			c.token = ck.Value
		}
	}
	return w
}

// login follows GET /login and the provider redirect back to /oidc_callback.
func (c *guestClient) login(e *env, stepUp bool) *httptest.ResponseRecorder {
	c.t.Helper()
	path := "/login"
	if stepUp {
		path += "?step_up=1"
	}
	w := c.do(http.MethodGet, path, nil)
	if w.Code != http.StatusFound {
		c.t.Fatalf("GET %s: expected 302, got %d: %s", path, w.Code, w.Body)
	}
	return c.do(http.MethodGet, "/oidc_callback?code="+e.prov.LastCode(), nil)
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) onboarding.View {
	t.Helper()
	var v onboarding.View
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding view: %v (%s)", err, w.Body)
	}
	return v
}

type failureBody struct {
	Message  string           `json:"message"`
	Kind     string           `json:"kind"`
	Recovery string           `json:"recovery"`
	Session  *onboarding.View `json:"session"`
}

// assertFailure checks status and notice kind of an onboarding error response.
func assertFailure(t *testing.T, w *httptest.ResponseRecorder, status int, kind string) failureBody {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d (%s)", status, w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
	var f failureBody
	json.Unmarshal(w.Body.Bytes(), &f)
	if f.Kind != kind {
		t.Errorf("kind: expected %q, got %q", kind, f.Kind)
	}
	if f.Message == "" || f.Recovery == "" {
		t.Errorf("notice incomplete: %+v", f)
	}
	return f
}

// assertMessage checks a plain {"message": ...} response.
func assertMessage(t *testing.T, w *httptest.ResponseRecorder, status int, msg string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status: expected %d, got %d", status, w.Code)
	}
	want := `{"message":"` + msg + `"}`
	if got := w.Body.String(); got != want {
		t.Errorf("body: expected %q, got %q", want, got)
	}
}

// stubCaptcha returns err from every Verify.
type stubCaptcha struct {
	err   error
	calls int
}

func (s *stubCaptcha) Verify(context.Context, string, string) error {
	s.calls++
	return s.err
}
