// main_test.go
//
// Level 3 smoke tests
// run() with the in-memory backend over a real listener.
// Catches middleware ordering, route grouping, real cookie/header behavior and
// the background provisioning worker that handler tests cannot exercise.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/eduinvite/internal/config"
	"github.com/MGallo-Code/eduinvite/internal/guest"
	"github.com/MGallo-Code/eduinvite/internal/oauth"
	"github.com/MGallo-Code/eduinvite/internal/testutil"
)

// --- Smoke fixtures ---

const smokeAdminToken = "smoke-admin-token-0123456789"

var (
	adminHashOnce sync.Once
	adminHash     string
)

// smokeAdminHash hashes smokeAdminToken once; Argon2id is slow on purpose.
func smokeAdminHash(t *testing.T) string {
	t.Helper()
	adminHashOnce.Do(func() {
		h, err := guest.HashToken(smokeAdminToken)
		if err != nil {
			panic(err)
		}
		adminHash = h
	})
	return adminHash
}

// fakeProviders maps an OIDC client id to the provider run() should use.
var fakeProviders sync.Map

func fakeProviderFor(_ context.Context, cfg *config.Config) (oauth.Provider, error) {
	p, ok := fakeProviders.Load(cfg.OIDC.ClientID)
	if !ok {
		return nil, fmt.Errorf("no fake provider registered for client %q", cfg.OIDC.ClientID)
	}
	return p.(*testutil.FakeProvider), nil
}

func guestClaims() oauth.Claims {
	return oauth.Claims{
		"sub":                      "smoke-sub",
		"eduperson_principal_name": "smoke@eduid.ch",
		"given_name":               "Grace",
		"family_name":              "Hopper",
		"email":                    "grace@example.org",
	}
}

// smokeConfig returns a valid memory-backed config with its own fake provider.
func smokeConfig(t *testing.T) (*config.Config, *testutil.FakeProvider) {
	t.Helper()
	clientID := "smoke-" + strings.ReplaceAll(t.Name(), "/", "-")
	prov := testutil.NewFakeProvider(guestClaims())
	fakeProviders.Store(clientID, prov)
	t.Cleanup(func() { fakeProviders.Delete(clientID) })

	return &config.Config{
		StoreBackend: config.BackendMemory,
		Port:         "0",
		LogLevel:     slog.LevelWarn,
		OIDC: config.OIDC{
			ClientID:         clientID,
			RedirectURI:      "http://localhost/oidc_callback",
			WellKnownURL:     "https://idp.example.org/.well-known/openid-configuration",
			Scope:            "openid",
			Timeout:          time.Second,
			UserinfoAttempts: 1,
			RetryInterval:    10 * time.Millisecond,
		},
		PKCETTL:              10 * time.Minute,
		SessionTTL:           time.Hour,
		RateSweepInterval:    time.Minute,
		MFAACRValues:         []string{"https://refeds.org/profile/mfa"},
		GroupCacheSize:       16,
		GroupCacheTTL:        time.Minute,
		AdminTokenHash:       smokeAdminHash(t),
		RateCodeMax:          10,
		RateCodeWindow:       10 * time.Minute,
		RateCodeLockout:      15 * time.Minute,
		RateAdminMax:         100,
		RateAdminWindow:      time.Minute,
		RateAdminLockout:     15 * time.Minute,
		ProvisionQueueMax:    100,
	}, prov
}

// startServer runs run() until the test ends and returns its base URL.
func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx, cfg, ready) }()

	select {
	case addr := <-ready:
		t.Cleanup(func() {
			cancel()
			if err := <-runErr; err != nil {
				t.Errorf("run: %v", err)
			}
		})
		return addr
	case err := <-runErr:
		cancel()
		t.Fatalf("run failed to start: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("run did not become ready")
	}
	return ""
}

// smokeClient carries the onboarding cookie and CSRF token by hand; the
// cookie is Secure so a cookiejar would not send it over plain http.
type smokeClient struct {
	t     *testing.T
	base  string
	token string
	csrf  string
	admin bool
}

var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

// do sends a request and returns status and body. Fatals on transport errors.
func (c *smokeClient) do(method, path, body string) (*http.Response, []byte) {
	c.t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.base+path, rdr)
	if err != nil {
		c.t.Fatalf("building %s %s: %v", method, path, err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Cookie", "__Host-onboarding="+c.token)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	if c.admin {
		req.Header.Set("Authorization", "Bearer "+smokeAdminToken)
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	for _, ck := range resp.Cookies() {
		if ck.Name == "__Host-onboarding" {
			c.token = ck.Value
		}
	}
	return resp, raw
}

type smokeView struct {
	State           string `json:"state"`
	CSRFToken       string `json:"csrf_token"`
	GroupName       string `json:"group_name"`
	AlreadyAccepted bool   `json:"already_accepted"`
	Kind            string `json:"kind"`
}

func decodeSmokeView(t *testing.T, raw []byte) smokeView {
	t.Helper()
	var v smokeView
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decoding view: %v (%s)", err, raw)
	}
	return v
}

// newGuest opens a session and picks up its CSRF token.
func newGuest(t *testing.T, base string) *smokeClient {
	t.Helper()
	c := &smokeClient{t: t, base: base}
	resp, raw := c.do(http.MethodGet, "/accept", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /accept: expected 200, got %d", resp.StatusCode)
	}
	if c.token == "" {
		t.Fatal("GET /accept: no __Host-onboarding cookie")
	}
	c.csrf = decodeSmokeView(t, raw).CSRFToken
	return c
}

// createInvitation creates a group and an invitation in it through the admin API.
func createInvitation(t *testing.T, base string, groupID uuid.UUID) string {
	t.Helper()
	admin := &smokeClient{t: t, base: base, admin: true}
	resp, raw := admin.do(http.MethodPut, "/admin/groups/"+groupID.String(),
		`{"name":"Visiting researchers","redirect_url":"https://wiki.example.org","validity_days":30}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT group: expected 200, got %d (%s)", resp.StatusCode, raw)
	}
	return createInvitationIn(t, base, groupID)
}

func createInvitationIn(t *testing.T, base string, groupID uuid.UUID) string {
	t.Helper()
	admin := &smokeClient{t: t, base: base, admin: true}
	resp, raw := admin.do(http.MethodPost, "/admin/invitations",
		fmt.Sprintf(`{"group_id":%q,"mail_address":"guest@example.org"}`, groupID))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST invitation: expected 201, got %d (%s)", resp.StatusCode, raw)
	}
	var out struct {
		InvitationID string `json:"invitation_id"`
	}
	json.Unmarshal(raw, &out)
	if out.InvitationID == "" {
		t.Fatalf("POST invitation: no invitation_id in %s", raw)
	}
	return out.InvitationID
}

// onboard walks a guest from code entry through the provider callback.
func onboard(t *testing.T, c *smokeClient, prov *testutil.FakeProvider, code string) smokeView {
	t.Helper()
	resp, raw := c.do(http.MethodPost, "/accept/code", fmt.Sprintf(`{"code":%q}`, code))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /accept/code: expected 200, got %d (%s)", resp.StatusCode, raw)
	}

	resp, _ = c.do(http.MethodGet, "/login", "")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("GET /login: expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); !strings.Contains(loc, "code_challenge_method=S256") {
		t.Errorf("Location: expected S256 challenge, got %q", loc)
	}

	// Without an MFA requirement the callback verifies and accepts in one step.
	resp, raw = c.do(http.MethodGet, "/oidc_callback?code="+prov.LastCode(), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /oidc_callback: expected 200, got %d (%s)", resp.StatusCode, raw)
	}
	return decodeSmokeView(t, raw)
}

// scrape returns the /metrics exposition.
func scrape(t *testing.T, base string) string {
	t.Helper()
	_, raw := (&smokeClient{t: t, base: base}).do(http.MethodGet, "/metrics", "")
	return string(raw)
}

// --- Smoke tests ---

func TestSmoke_Health(t *testing.T) {
	cfg, _ := smokeConfig(t)
	base := startServer(t, cfg)

	resp, raw := (&smokeClient{t: t, base: base}).do(http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
	want := `{"postgres":"ok","redis":"disabled"}`
	if got := strings.TrimSpace(string(raw)); got != want {
		t.Errorf("body: expected %s, got %s", want, got)
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "json") {
		t.Errorf("Content-Type: expected json, got %q", resp.Header.Get("Content-Type"))
	}
}

func TestSmoke_AdminDisabledWithoutHash(t *testing.T) {
	cfg, _ := smokeConfig(t)
	cfg.AdminTokenHash = ""
	base := startServer(t, cfg)

	admin := &smokeClient{t: t, base: base, admin: true}
	if resp, _ := admin.do(http.MethodGet, "/admin/invitations", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: expected 404, got %d", resp.StatusCode)
	}
}

func TestSmoke_AdminRequiresToken(t *testing.T) {
	cfg, _ := smokeConfig(t)
	base := startServer(t, cfg)

	anon := &smokeClient{t: t, base: base}
	if resp, _ := anon.do(http.MethodGet, "/admin/invitations", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: expected 401, got %d", resp.StatusCode)
	}
}

func TestSmoke_CSRF(t *testing.T) {
	cfg, _ := smokeConfig(t)
	base := startServer(t, cfg)

	t.Run("POST without session cookie", func(t *testing.T) {
		c := &smokeClient{t: t, base: base}
		if resp, _ := c.do(http.MethodPost, "/accept/code", `{"code":"x"}`); resp.StatusCode != http.StatusForbidden {
			t.Errorf("status: expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("POST without CSRF header", func(t *testing.T) {
		c := newGuest(t, base)
		c.csrf = ""
		if resp, _ := c.do(http.MethodPost, "/accept/code", `{"code":"x"}`); resp.StatusCode != http.StatusForbidden {
			t.Errorf("status: expected 403, got %d", resp.StatusCode)
		}
	})
}

func TestSmoke_FullOnboarding(t *testing.T) {
	cfg, prov := smokeConfig(t)
	base := startServer(t, cfg)

	groupID := uuid.Must(uuid.NewV4())
	code := createInvitation(t, base, groupID)

	c := newGuest(t, base)
	view := onboard(t, c, prov, code)
	if view.State != "completed" || view.AlreadyAccepted {
		t.Errorf("view: expected completed first acceptance, got %+v", view)
	}
	if view.GroupName != "Visiting researchers" {
		t.Errorf("group_name: expected %q, got %q", "Visiting researchers", view.GroupName)
	}

	resp, raw := c.do(http.MethodPost, "/accept/verify", "")
	if v := decodeSmokeView(t, raw); resp.StatusCode != http.StatusOK || v.State != "completed" {
		t.Errorf("repeat verify: expected 200 completed, got %d %+v", resp.StatusCode, v)
	}

	// A second guest with the same code binds nothing new.
	other := newGuest(t, base)
	if v := onboard(t, other, prov, code); !v.AlreadyAccepted {
		t.Errorf("second guest: expected already_accepted, got %+v", v)
	}

	admin := &smokeClient{t: t, base: base, admin: true}
	resp, raw = admin.do(http.MethodGet, "/admin/invitations/"+code, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET invitation: expected 200, got %d", resp.StatusCode)
	}
	var inv struct {
		AcceptedAt *time.Time `json:"accepted_at"`
		EPPN       *string    `json:"eppn"`
	}
	json.Unmarshal(raw, &inv)
	if inv.AcceptedAt == nil || inv.EPPN == nil || *inv.EPPN != "smoke@eduid.ch" {
		t.Errorf("invitation: expected accepted by smoke@eduid.ch, got %s", raw)
	}

	metrics := scrape(t, base)
	for _, want := range []string{
		`eduinvite_acceptances_total{outcome="accepted"} 1`,
		// the repeat verify and the second guest
		`eduinvite_acceptances_total{outcome="already_accepted"} 2`,
		`eduinvite_provisioning_events_total{result="ok"} 1`,
	} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics: missing %q", want)
		}
	}
}

func TestSmoke_ResetClearsSession(t *testing.T) {
	cfg, _ := smokeConfig(t)
	base := startServer(t, cfg)

	c := newGuest(t, base)
	old := c.token
	resp, _ := c.do(http.MethodDelete, "/accept", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE /accept: expected 200, got %d", resp.StatusCode)
	}
	c.csrf = ""
	_, raw := c.do(http.MethodGet, "/accept", "")
	if c.token == old {
		t.Error("cookie: expected a new token after reset")
	}
	if v := decodeSmokeView(t, raw); v.State != "no_code" {
		t.Errorf("state: expected no_code, got %q", v.State)
	}
}

// TestSmoke_RedisAndGroupsFile runs the Redis-backed session store, rate
// limiter and provisioning queue on miniredis, with groups seeded from TOML.
func TestSmoke_RedisAndGroupsFile(t *testing.T) {
	mr := miniredis.RunT(t)

	groupID := uuid.Must(uuid.NewV4())
	groupsFile := filepath.Join(t.TempDir(), "groups.toml")
	toml := fmt.Sprintf("[[group]]\nid = %q\nname = \"Summer school\"\nvalidity_days = 7\n", groupID)
	if err := os.WriteFile(groupsFile, []byte(toml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, prov := smokeConfig(t)
	cfg.RedisURL = "redis://" + mr.Addr()
	cfg.GroupsFile = groupsFile
	base := startServer(t, cfg)

	resp, raw := (&smokeClient{t: t, base: base}).do(http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"redis":"ok"`) {
		t.Errorf("health: expected redis ok, got %d %s", resp.StatusCode, raw)
	}

	code := createInvitationIn(t, base, groupID)
	c := newGuest(t, base)
	if v := onboard(t, c, prov, code); v.GroupName != "Summer school" {
		t.Errorf("group_name: expected %q, got %q", "Summer school", v.GroupName)
	}

	// The worker delivers asynchronously.
	want := `eduinvite_provisioning_deliveries_total{result="ok"} 1`
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(scrape(t, base), want) {
		if time.Now().After(deadline) {
			t.Fatalf("metrics: %q never appeared", want)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSmoke_UnknownGroupsFile(t *testing.T) {
	cfg, _ := smokeConfig(t)
	cfg.GroupsFile = filepath.Join(t.TempDir(), "missing.toml")

	err := run(context.Background(), cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "groups file") {
		t.Errorf("expected groups file error, got %v", err)
	}
}

// --- hash-token ---

func TestHashToken(t *testing.T) {
	t.Run("prints a verifiable hash", func(t *testing.T) {
		var out strings.Builder
		if err := hashToken(strings.NewReader(smokeAdminToken+"\n"), &out); err != nil {
			t.Fatalf("hashToken: %v", err)
		}
		hash := strings.TrimSpace(out.String())
		ok, err := guest.VerifyToken(smokeAdminToken, hash)
		if err != nil || !ok {
			t.Errorf("VerifyToken: expected true, got %v, %v", ok, err)
		}
	})

	t.Run("rejects short tokens", func(t *testing.T) {
		if err := hashToken(strings.NewReader("short"), io.Discard); err == nil {
			t.Error("expected error for short token, got nil")
		}
	})
}
