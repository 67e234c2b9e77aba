// orchestrator.go -- runs state machine operations against registry sessions,
// logs and measures them, and emits provisioning events on acceptance.
package onboarding

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MGallo-Code/eduinvite/internal/metrics"
	"github.com/MGallo-Code/eduinvite/internal/oauth"
	"github.com/MGallo-Code/eduinvite/internal/provision"
)

var tracer = otel.Tracer("github.com/MGallo-Code/eduinvite/internal/onboarding")

// maxLoggedBody caps provider response bodies in debug logs.
const maxLoggedBody = 512

// IdentityView is the part of the verified identity shown to the guest.
type IdentityView struct {
	Subject string `json:"sub"`
	EPPN    string `json:"eppn,omitempty"`
	ACR     string `json:"acr,omitempty"`
}

// View is the guest-facing snapshot of a session.
type View struct {
	State           State         `json:"state"`
	Steps           Steps         `json:"steps"`
	Actions         []Action      `json:"actions"`
	GroupName       string        `json:"group_name,omitempty"`
	RedirectURL     string        `json:"redirect_url,omitempty"`
	RedirectText    string        `json:"redirect_text,omitempty"`
	MailAddress     string        `json:"mail_address,omitempty"`
	Policy          Policy        `json:"policy"`
	Identity        *IdentityView `json:"identity,omitempty"`
	AlreadyAccepted bool          `json:"already_accepted"`
	LastError       string        `json:"last_error,omitempty"`
	CSRFToken       string        `json:"csrf_token"`
}

// NewView snapshots s. Never includes the PKCE verifier or raw claims.
func NewView(s *Session) View {
	v := View{
		State:           s.State(),
		Steps:           s.Steps,
		Actions:         s.Actions(),
		GroupName:       s.GroupName,
		RedirectURL:     s.RedirectURL,
		RedirectText:    s.RedirectText,
		MailAddress:     s.EffectiveMail(),
		Policy:          s.Policy,
		AlreadyAccepted: s.AlreadyAccepted,
		LastError:       s.LastError,
		CSRFToken:       s.CSRFToken,
	}
	if s.Steps.IdentityLogin {
		eppn, _ := s.IdentityClaims[EPPNClaim].(string)
		v.Identity = &IdentityView{Subject: s.Subject(), EPPN: eppn, ACR: s.ACR}
	}
	if v.Actions == nil {
		v.Actions = []Action{}
	}
	return v
}

// Callback carries the provider's redirect parameters.
type Callback struct {
	Code             string
	Error            string
	ErrorDescription string
}

// Orchestrator is the entry point for the HTTP layer.
type Orchestrator struct {
	registry *Registry
	machine  *Machine
	emitter  provision.Emitter
	metrics  *metrics.Metrics
}

// NewOrchestrator wires the collaborators. m may be nil.
func NewOrchestrator(r *Registry, machine *Machine, emitter provision.Emitter, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{registry: r, machine: machine, emitter: emitter, metrics: m}
}

// View returns the current session snapshot, creating the session if needed.
func (o *Orchestrator) View(ctx context.Context, key string) (View, error) {
	return o.run(ctx, "view", key, func(context.Context, *Session) error { return nil })
}

// Reset discards the session under key; the next request starts from NoCode.
func (o *Orchestrator) Reset(ctx context.Context, key string) error {
	return o.registry.Delete(ctx, key)
}

// SubmitCode binds the session to an invitation.
func (o *Orchestrator) SubmitCode(ctx context.Context, key, code string) (View, error) {
	view, err := o.run(ctx, "submit_code", key, func(ctx context.Context, s *Session) error {
		_, err := o.machine.SubmitCode(ctx, s, code)
		return err
	})
	if o.metrics != nil {
		o.metrics.CodeSubmissions.WithLabelValues(resultLabel(err)).Inc()
	}
	return view, err
}

// SetMailAddress records the guest's replacement mail address.
func (o *Orchestrator) SetMailAddress(ctx context.Context, key, mail string) (View, error) {
	return o.run(ctx, "set_mail", key, func(_ context.Context, s *Session) error {
		return o.machine.SetMailAddress(s, mail)
	})
}

// BeginLogin returns the provider redirect URL for a new login attempt.
func (o *Orchestrator) BeginLogin(ctx context.Context, key string, stepUp bool) (string, error) {
	var authURL string
	_, err := o.run(ctx, "begin_login", key, func(_ context.Context, s *Session) error {
		u, err := o.machine.BeginLogin(s, stepUp)
		authURL = u
		return err
	})
	return authURL, err
}

// HandleCallback completes the login and, when the group's gate allows it,
// accepts the invitation in the same request.
func (o *Orchestrator) HandleCallback(ctx context.Context, key string, cb Callback) (View, error) {
	var accepted *AcceptResult
	var ev provision.Event
	view, err := o.run(ctx, "callback", key, func(ctx context.Context, s *Session) error {
		switch {
		case cb.Error != "":
			return o.machine.FailLogin(s, cb.Error)
		case cb.Code == "":
			return ErrMalformedCallback
		}
		if err := o.machine.CompleteLogin(ctx, s, cb.Code); err != nil {
			return err
		}
		res, err := o.machine.VerifyAttributes(ctx, s)
		if err != nil {
			return err
		}
		accepted, ev = res, eventFor(s, res)
		return nil
	})
	if o.metrics != nil {
		o.metrics.Logins.WithLabelValues(loginResult(err)).Inc()
	}
	o.afterAccept(ctx, accepted, ev)
	return view, err
}

// VerifyAttributes retries the verification gate and acceptance.
func (o *Orchestrator) VerifyAttributes(ctx context.Context, key string) (View, error) {
	var accepted *AcceptResult
	var ev provision.Event
	view, err := o.run(ctx, "verify", key, func(ctx context.Context, s *Session) error {
		res, err := o.machine.VerifyAttributes(ctx, s)
		if err != nil {
			return err
		}
		accepted, ev = res, eventFor(s, res)
		return nil
	})
	o.afterAccept(ctx, accepted, ev)
	return view, err
}

// loginResult labels a callback outcome. A successful login that still needs
// step-up counts as ok.
func loginResult(err error) string {
	if errors.Is(err, ErrStepUpRequired) {
		return "ok"
	}
	return resultLabel(err)
}

// resultLabel is "ok" or the notice kind for err.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	n, _ := NoticeFor(err)
	return n.Kind
}

func eventFor(s *Session, res *AcceptResult) provision.Event {
	return provision.Event{
		InvitationID: s.InviteCode,
		GuestID:      s.GuestID,
		GroupID:      s.GroupID,
		GroupName:    s.GroupName,
		Subject:      s.Subject(),
		EPPN:         res.EPPN,
		MailAddress:  s.EffectiveMail(),
		AcceptedAt:   res.AcceptedAt,
	}
}

// afterAccept records the acceptance outcome and emits provisioning for the
// call that performed it. AlreadyAccepted never re-emits.
func (o *Orchestrator) afterAccept(ctx context.Context, res *AcceptResult, ev provision.Event) {
	if res == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.Acceptances.WithLabelValues(res.Outcome.String()).Inc()
	}
	if !res.Performed {
		slog.InfoContext(ctx, "invitation already accepted", "invitation_id", ev.InvitationID)
		return
	}
	slog.InfoContext(ctx, "invitation accepted",
		"invitation_id", ev.InvitationID, "guest_id", ev.GuestID, "group_id", ev.GroupID, "sub", ev.Subject)

	if o.emitter == nil {
		return
	}
	// The acceptance is durable; a failed emit is logged, not returned.
	result := "ok"
	if err := o.emitter.Emit(context.WithoutCancel(ctx), ev); err != nil {
		result = "error"
		slog.ErrorContext(ctx, "provisioning emit failed", "invitation_id", ev.InvitationID, "error", err)
	}
	if o.metrics != nil {
		o.metrics.ProvisioningEvents.WithLabelValues(result).Inc()
	}
}

// run executes fn on the session under key inside a span and returns the
// post-operation view.
func (o *Orchestrator) run(ctx context.Context, op, key string, fn func(context.Context, *Session) error) (View, error) {
	ctx, span := tracer.Start(ctx, "onboarding."+op)
	defer span.End()
	start := time.Now()

	var view View
	err := o.registry.With(ctx, key, func(s *Session) error {
		err := fn(ctx, s)
		view = NewView(s)
		return err
	})

	if o.metrics != nil {
		o.metrics.ObserveStep(op, start)
	}
	span.SetAttributes(attribute.String("onboarding.state", view.State.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
		logFailure(ctx, op, err)
	}
	return view, err
}

// logFailure logs err at the level its notice kind calls for. Provider
// response bodies go to debug only, truncated.
func logFailure(ctx context.Context, op string, err error) {
	notice, level := NoticeFor(err)
	attrs := []any{"op", op, "kind", notice.Kind, "error", err}

	var status int
	var body []byte
	var te *oauth.TokenExchangeError
	var ue *oauth.UserinfoError
	switch {
	case errors.As(err, &te):
		status, body = te.StatusCode, te.Body
	case errors.As(err, &ue):
		status, body = ue.StatusCode, ue.Body
	}
	if status != 0 {
		attrs = append(attrs, "provider_status", status)
	}
	slog.Log(ctx, level, "onboarding step failed", attrs...)

	if len(body) > 0 {
		if len(body) > maxLoggedBody {
			body = body[:maxLoggedBody]
		}
		slog.DebugContext(ctx, "provider error body", "op", op, "body", string(body))
	}
}
