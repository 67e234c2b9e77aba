// Package provision hands accepted guests to the downstream provisioning system.
//
// The onboarding flow emits one Event per Accepted invitation. A Sink performs
// the actual hand-off (log line or webhook); QueuedEmitter decouples the HTTP
// request from the sink through a Redis list.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Event describes one accepted invitation.
type Event struct {
	InvitationID string    `json:"invitation_id"`
	GuestID      uuid.UUID `json:"guest_id"`
	GroupID      uuid.UUID `json:"group_id"`
	GroupName    string    `json:"group_name"`
	Subject      string    `json:"sub"`
	EPPN         string    `json:"eppn"`
	MailAddress  string    `json:"mail_address"`
	AcceptedAt   time.Time `json:"accepted_at"`
}

// Sink delivers an Event to the provisioning system.
type Sink interface {
	Provision(ctx context.Context, ev Event) error
}

// Emitter accepts events from the onboarding flow.
// Satisfied by *QueuedEmitter and *DirectEmitter.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// LogSink writes each event as a structured log line. Default when no webhook is configured.
type LogSink struct{}

func (LogSink) Provision(_ context.Context, ev Event) error {
	slog.Info("guest provisioned",
		"invitation_id", ev.InvitationID,
		"guest_id", ev.GuestID,
		"group_id", ev.GroupID,
		"sub", ev.Subject,
		"eppn", ev.EPPN,
	)
	return nil
}

// WebhookSink POSTs each event as JSON to URL.
type WebhookSink struct {
	URL    string
	Token  string // sent as a Bearer token when set
	Client *http.Client
}

// Provision returns an error on transport failure or a non-2xx response.
func (s *WebhookSink) Provision(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// DirectEmitter calls the sink inline. Used when Redis is not configured.
type DirectEmitter struct {
	Sink Sink
}

func (d *DirectEmitter) Emit(ctx context.Context, ev Event) error {
	return d.Sink.Provision(ctx, ev)
}
