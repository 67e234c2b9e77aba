// admin_handler.go -- Invitation and group management under /admin.
package guest

import (
	"errors"
	"net/http"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/MGallo-Code/eduinvite/internal/store"
)

// invitationResponse is the admin view of an invitation.
type invitationResponse struct {
	InvitationID string         `json:"invitation_id"`
	GuestID      uuid.UUID      `json:"guest_id"`
	GroupID      uuid.UUID      `json:"group_id"`
	MailAddress  string         `json:"mail_address"`
	InvitedAt    time.Time      `json:"invited_at"`
	AcceptedAt   *time.Time     `json:"accepted_at"`
	EPPN         *string        `json:"eppn"`
	EduIDProps   map[string]any `json:"eduid_props,omitempty"`
}

func toInvitationResponse(inv *store.Invitation) invitationResponse {
	return invitationResponse{
		InvitationID: inv.InvitationID,
		GuestID:      inv.GuestID,
		GroupID:      inv.GroupID,
		MailAddress:  inv.MailAddress,
		InvitedAt:    inv.InvitedAt,
		AcceptedAt:   inv.AcceptedAt,
		EPPN:         inv.EPPN,
		EduIDProps:   inv.EduIDProps,
	}
}

// CreateInvitation handles POST /admin/invitations.
// Returns 201 with the invitation code; guest_id is generated when omitted.
func (h *Handler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var input struct {
		GuestID     uuid.UUID `json:"guest_id"`
		GroupID     uuid.UUID `json:"group_id"`
		MailAddress string    `json:"mail_address"`
	}
	if !decode(w, r, &input) {
		return
	}
	if input.GroupID == uuid.Nil {
		BadRequest(w, r, "group_id is required")
		return
	}
	mail := strings.TrimSpace(input.MailAddress)
	if addr, err := netmail.ParseAddress(mail); err != nil || addr.Address != mail {
		BadRequest(w, r, "invalid mail_address")
		return
	}
	if input.GuestID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		input.GuestID = id
	}

	code, err := h.Admin.CreateInvitation(r.Context(), input.GuestID, input.GroupID, mail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			BadRequest(w, r, "unknown group_id")
			return
		}
		InternalServerError(w, r, err)
		return
	}

	logInfo(r, "invitation created", "guest_id", input.GuestID, "group_id", input.GroupID)
	writeJSON(w, http.StatusCreated, map[string]string{
		"invitation_id": code,
		"guest_id":      input.GuestID.String(),
	})
}

// ListInvitations handles GET /admin/invitations?group_id=&pending=true&limit=.
func (h *Handler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.ListFilter
	if v := q.Get("group_id"); v != "" {
		id, err := uuid.FromString(v)
		if err != nil {
			BadRequest(w, r, "invalid group_id")
			return
		}
		f.GroupID = id
	}
	f.PendingOnly = q.Get("pending") == "true"
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, r, "invalid limit")
			return
		}
		f.Limit = n
	}

	invs, err := h.Admin.ListInvitations(r.Context(), f)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	out := make([]invitationResponse, 0, len(invs))
	for i := range invs {
		out = append(out, toInvitationResponse(&invs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": out})
}

// GetInvitation handles GET /admin/invitations/{code}.
func (h *Handler) GetInvitation(w http.ResponseWriter, r *http.Request) {
	code := strings.ToLower(chi.URLParam(r, "code"))
	if !store.ValidCode(code) {
		NotFound(w)
		return
	}
	inv, err := h.Admin.FindInvitationByCode(r.Context(), code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			NotFound(w)
			return
		}
		InternalServerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvitationResponse(inv))
}

// PutGroup handles PUT /admin/groups/{id} -- creates or replaces a group.
// The cached copy is dropped so the next code submission sees the change.
func (h *Handler) PutGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.FromString(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, r, "invalid group id")
		return
	}
	var g store.Group
	if !decode(w, r, &g) {
		return
	}
	g.ID = id
	if err := store.ValidateGroup(&g); err != nil {
		BadRequest(w, r, err.Error())
		return
	}
	if err := h.Admin.UpsertGroup(r.Context(), &g); err != nil {
		InternalServerError(w, r, err)
		return
	}
	if h.Groups != nil {
		h.Groups.Invalidate(id)
	}
	logInfo(r, "group updated", "group_id", id)
	writeJSON(w, http.StatusOK, g)
}
