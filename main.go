package main

import (
	"bufio"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MGallo-Code/eduinvite/internal/captcha"
	"github.com/MGallo-Code/eduinvite/internal/config"
	"github.com/MGallo-Code/eduinvite/internal/guest"
	"github.com/MGallo-Code/eduinvite/internal/metrics"
	"github.com/MGallo-Code/eduinvite/internal/oauth"
	"github.com/MGallo-Code/eduinvite/internal/onboarding"
	"github.com/MGallo-Code/eduinvite/internal/provision"
	"github.com/MGallo-Code/eduinvite/internal/store"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// `eduinvite hash-token` reads an admin token on stdin and prints its ADMIN_TOKEN_HASH.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		if err := hashToken(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "hash-token:", err)
			os.Exit(1)
		}
		return
	}

	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// hashToken hashes the first line of in with Argon2id.
func hashToken(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	token := strings.TrimSpace(line)
	if len(token) < 16 {
		return errors.New("token must be at least 16 characters")
	}
	hash, err := guest.HashToken(token)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

// newProvider discovers the eduID endpoints. Tests swap it for a fake.
var newProvider = func(ctx context.Context, cfg *config.Config) (oauth.Provider, error) {
	hc := oauth.NewHTTPClient(cfg.OIDC.Timeout)
	return oauth.NewEduIDProvider(ctx, hc, cfg.OIDC.WellKnownURL, oauth.EduIDConfig{
		ClientID:         cfg.OIDC.ClientID,
		ClientSecret:     cfg.OIDC.ClientSecret,
		RedirectURI:      cfg.OIDC.RedirectURI,
		Scope:            cfg.OIDC.Scope,
		UserinfoAttempts: cfg.OIDC.UserinfoAttempts,
		RetryInterval:    cfg.OIDC.RetryInterval,
	})
}

// invitationBackend is everything run needs from the invitation store.
// Satisfied by *store.PostgresStore and *store.MemoryStore.
type invitationBackend interface {
	onboarding.InvitationStore
	guest.AdminStore
	store.GroupSource
	guest.HealthChecker
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	// Stops background workers when run returns early on a setup error.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var invitations invitationBackend
	switch cfg.StoreBackend {
	case config.BackendMemory:
		slog.Warn("using in-memory invitation store; data is lost on restart")
		invitations = store.NewMemoryStore()
	default:
		ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to set up postgres store: %w", err)
		}
		defer ps.Close()

		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			return fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		if err := ps.Migrate(ctx, migrationsFS); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		invitations = ps
	}

	if cfg.GroupsFile != "" {
		groups, err := store.LoadGroupsFile(cfg.GroupsFile)
		if err != nil {
			return fmt.Errorf("failed to load groups file: %w", err)
		}
		if err := store.SeedGroups(ctx, invitations, groups); err != nil {
			return fmt.Errorf("failed to seed groups: %w", err)
		}
		slog.Info("seeded groups", "count", len(groups), "file", cfg.GroupsFile)
	}
	groupCache := store.NewGroupCache(invitations, cfg.GroupCacheSize, cfg.GroupCacheTTL)

	// Fresh registry per run so repeated runs in one process do not collide.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var sink provision.Sink = provision.LogSink{}
	if cfg.ProvisionWebhookURL != "" {
		sink = &provision.WebhookSink{
			URL:    cfg.ProvisionWebhookURL,
			Token:  cfg.ProvisionWebhookToken,
			Client: &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var (
		blobs   onboarding.BlobStore
		rl      guest.RateLimiter
		emitter provision.Emitter
		cache   guest.HealthChecker
	)
	if cfg.RedisURL != "" {
		// One client; sessions, rate limits and the queue share its pool.
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()

		rs := store.NewRedisSessionStore(rdb)
		blobs, cache = rs, rs
		rl = store.NewRedisRateLimiter(rdb)

		q := provision.NewQueuedEmitter(sink, rdb, int64(cfg.ProvisionQueueMax))
		q.OnResult = func(result string) { m.Deliveries.WithLabelValues(result).Inc() }
		emitter = q
		g.Go(func() error { return q.StartWorker(gctx) })
	} else {
		slog.Warn("REDIS_URL not set; sessions and rate limits are process-local")
		blobs = store.NewMemorySessionStore(cfg.SessionTTL)

		mrl := store.NewMemoryRateLimiter()
		rl = mrl
		g.Go(func() error { return sweepEvery(gctx, cfg.RateSweepInterval, mrl.Sweep) })

		emitter = &provision.DirectEmitter{Sink: sink}
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up oidc provider: %w", err)
	}

	machine := onboarding.NewMachine(onboarding.MachineConfig{
		Invitations: invitations,
		Groups:      groupCache,
		Provider:    provider,
		MFA:         onboarding.NewACRPolicy(cfg.MFAACRValues...),
		PKCETTL:     cfg.PKCETTL,
	})
	orch := onboarding.NewOrchestrator(onboarding.NewRegistry(blobs, cfg.SessionTTL), machine, emitter, m)

	h := &guest.Handler{
		Flow:    orch,
		Admin:   invitations,
		Groups:  groupCache,
		RL:      rl,
		Metrics: m,
		DB:      invitations,
		Cache:   cache,
		CodePolicy: store.RateLimit{
			MaxAttempts: cfg.RateCodeMax,
			Window:      cfg.RateCodeWindow,
			LockoutTTL:  cfg.RateCodeLockout,
		},
		AdminPolicy: store.RateLimit{
			MaxAttempts: cfg.RateAdminMax,
			Window:      cfg.RateAdminWindow,
			LockoutTTL:  cfg.RateAdminLockout,
		},
		SessionTTL:     cfg.SessionTTL,
		AdminTokenHash: cfg.AdminTokenHash,
	}
	if cfg.TurnstileSecret != "" {
		h.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret, captcha.ActionSubmitCode)
	}
	if cfg.AdminTokenHash == "" {
		slog.Info("ADMIN_TOKEN_HASH not set; admin routes disabled")
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{
		Handler:           buildRouter(h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		slog.Info("eduinvite listening", "addr", ln.Addr().String(), "backend", cfg.StoreBackend)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	err = g.Wait()
	slog.Info("server stopped")
	return err
}

// sweepEvery calls fn every interval until ctx is cancelled.
func sweepEvery(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return nil
		}
	}
}

// buildRouter wires all routes and middleware.
func buildRouter(h *guest.Handler, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Handle("/metrics", metricsHandler)

	// Onboarding routes; every request carries the session cookie.
	r.Group(func(r chi.Router) {
		r.Use(h.RequireSession)
		// CSRF reads the session key injected by RequireSession above
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

	return otelhttp.NewHandler(r, "eduinvite")
}
