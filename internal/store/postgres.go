// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and invitation/group queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes inspected by the store.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// codeAttempts bounds retries when a generated invitation code collides.
const codeAttempts = 3

const invitationColumns = `invitation_id, guest_id, group_id, mail_address, invited_at, accepted_at, eppn, eduid_props`

// PostgresStore is the durable invitation and group store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a verified connection pool to PostgreSQL.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// scanInvitation reads one row selected with invitationColumns.
func scanInvitation(row pgx.Row) (*Invitation, error) {
	var inv Invitation
	err := row.Scan(&inv.InvitationID, &inv.GuestID, &inv.GroupID, &inv.MailAddress,
		&inv.InvitedAt, &inv.AcceptedAt, &inv.EPPN, &inv.EduIDProps)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// FindInvitationByCode fetches the invitation whose id equals code.
// Returns ErrNotFound when no row matches.
func (s *PostgresStore) FindInvitationByCode(ctx context.Context, code string) (*Invitation, error) {
	inv, err := scanInvitation(s.pool.QueryRow(ctx,
		"SELECT "+invitationColumns+" FROM invitations WHERE invitation_id = $1", code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching invitation: %w", err)
	}
	return inv, nil
}

// CreateInvitation inserts a new pending invitation and returns its code.
// Regenerates the code on the (unlikely) primary key collision.
// Returns ErrNotFound if groupID does not exist.
func (s *PostgresStore) CreateInvitation(ctx context.Context, guestID, groupID uuid.UUID, mailAddress string) (string, error) {
	for range codeAttempts {
		code, err := NewInvitationCode()
		if err != nil {
			return "", err
		}
		_, err = s.pool.Exec(ctx,
			"INSERT INTO invitations (invitation_id, guest_id, group_id, mail_address) VALUES ($1, $2, $3, $4)",
			code, guestID, groupID, mailAddress)
		if err == nil {
			return code, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				continue
			case pgForeignKeyViolation:
				return "", fmt.Errorf("group %s: %w", groupID, ErrNotFound)
			}
		}
		return "", fmt.Errorf("inserting invitation: %w", err)
	}
	return "", fmt.Errorf("inserting invitation: code collided %d times", codeAttempts)
}

// TryAccept binds attrs to the invitation iff it is not yet accepted.
// The guard and the write are one UPDATE, so concurrent callers for the same
// code see exactly one Accepted. The returned time is the stored accepted_at
// in both outcomes. Returns ErrNotFound for an unknown code.
func (s *PostgresStore) TryAccept(ctx context.Context, code string, attrs Attributes) (AcceptOutcome, time.Time, error) {
	props := attrs.Props
	if props == nil {
		props = map[string]any{}
	}
	var acceptedAt time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE invitations
		SET accepted_at = now(), eppn = $2, eduid_props = $3, mail_address = COALESCE($4, mail_address)
		WHERE invitation_id = $1 AND accepted_at IS NULL
		RETURNING accepted_at`,
		code, attrs.EPPN, props, attrs.MailAddress,
	).Scan(&acceptedAt)
	if err == nil {
		return Accepted, acceptedAt.UTC(), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, fmt.Errorf("accepting invitation: %w", err)
	}

	// Zero rows: either someone else accepted it, or it never existed.
	var earlier *time.Time
	err = s.pool.QueryRow(ctx,
		"SELECT accepted_at FROM invitations WHERE invitation_id = $1", code,
	).Scan(&earlier)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, time.Time{}, ErrNotFound
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("reading accepted_at: %w", err)
	}
	if earlier == nil {
		return 0, time.Time{}, fmt.Errorf("accepting invitation %s: accepted_at still unset", code)
	}
	return AlreadyAccepted, earlier.UTC(), nil
}

// ListInvitations returns invitations newest first, narrowed by f.
func (s *PostgresStore) ListInvitations(ctx context.Context, f ListFilter) ([]Invitation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+invitationColumns+` FROM invitations
		WHERE ($1::uuid IS NULL OR group_id = $1)
		  AND (NOT $2 OR accepted_at IS NULL)
		ORDER BY invited_at DESC
		LIMIT $3`,
		nullableUUID(f.GroupID), f.PendingOnly, f.limit())
	if err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}
	defer rows.Close()

	var out []Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning invitation: %w", err)
		}
		out = append(out, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing invitations: %w", err)
	}
	return out, nil
}

// GetGroup fetches a group by id. Returns ErrNotFound when absent.
func (s *PostgresStore) GetGroup(ctx context.Context, id uuid.UUID) (*Group, error) {
	var g Group
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, redirect_url, redirect_text, idin_required, mfa_required, can_edit_mail_address, validity_days
		FROM groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.RedirectURL, &g.RedirectText, &g.IdinRequired, &g.MFARequired, &g.CanEditMailAddress, &g.ValidityDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching group: %w", err)
	}
	return &g, nil
}

// UpsertGroup inserts g or replaces every column of the existing row.
func (s *PostgresStore) UpsertGroup(ctx context.Context, g *Group) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO groups (id, name, redirect_url, redirect_text, idin_required, mfa_required, can_edit_mail_address, validity_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			redirect_url = EXCLUDED.redirect_url,
			redirect_text = EXCLUDED.redirect_text,
			idin_required = EXCLUDED.idin_required,
			mfa_required = EXCLUDED.mfa_required,
			can_edit_mail_address = EXCLUDED.can_edit_mail_address,
			validity_days = EXCLUDED.validity_days,
			updated_at = now()`,
		g.ID, g.Name, g.RedirectURL, g.RedirectText, g.IdinRequired, g.MFARequired, g.CanEditMailAddress, g.ValidityDays)
	if err != nil {
		return fmt.Errorf("upserting group: %w", err)
	}
	return nil
}

// nullableUUID maps uuid.Nil to SQL NULL.
func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
