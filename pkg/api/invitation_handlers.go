package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/httputil"
	"github.com/spaceport-hq/spaceport/pkg/invitations"
)

// createInvitation handles POST /invitations. The caller must be a
// superuser or hold the admin role in every space the invitation grants.
func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	handle := s.requireSession(w, r)
	if handle == nil {
		return
	}
	caller := handle.View().EffectiveUser

	var req struct {
		Email  string `json:"email"`
		Grants []struct {
			SpaceID int64     `json:"space_id"`
			Role    auth.Role `json:"role"`
		} `json:"grants"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	if len(req.Grants) == 0 {
		httputil.WriteBadRequest(w, "at least one grant is required")
		return
	}

	grants := make([]auth.SpaceGrant, 0, len(req.Grants))
	for _, grant := range req.Grants {
		if !caller.IsSuperuser {
			role, err := s.deps.Spaces.RoleIn(r.Context(), caller.ID, grant.SpaceID)
			if err != nil {
				s.logger(r).WithError(err).Error("failed to check role")
				httputil.WriteInternalError(w)
				return
			}
			if !role.AtLeast(auth.RoleAdmin) {
				writeStatus(w, auth.StatusForbidden.WithMessage(
					fmt.Sprintf("admin role required in space %d", grant.SpaceID)))
				return
			}
		}
		grants = append(grants, auth.SpaceGrant{SpaceID: grant.SpaceID, Role: grant.Role})
	}

	inv, err := s.deps.Invitations.Create(r.Context(), invitations.CreateParams{
		Token:     uuid.NewString(),
		Email:     req.Email,
		Grants:    grants,
		ExpiresAt: time.Now().Add(s.deps.AuthConfig.InvitationTTL),
		CreatedBy: caller.ID,
	})
	if err != nil {
		s.logger(r).WithError(err).Error("failed to create invitation")
		httputil.WriteInternalError(w)
		return
	}

	link := fmt.Sprintf("%s/signup?invitation=%s", s.deps.AuthConfig.BaseURL, inv.Token)
	if s.deps.Mailer != nil {
		body := fmt.Sprintf("You have been invited. Sign up here: %s", link)
		if _, err := s.deps.Mailer.Send(r.Context(), req.Email, "You're invited", body); err != nil {
			s.logger(r).WithError(err).Error("failed to send invitation mail")
			httputil.WriteInternalError(w)
			return
		}
	}

	httputil.WriteCreated(w, map[string]interface{}{
		"token":      inv.Token,
		"link":       link,
		"expires_at": inv.ExpiresAt,
	})
}

// acceptInvitation handles POST /invitations/{token}/accept. A logged-in
// user consumes the invitation and gains its space grants; memberships the
// user already holds keep their existing role.
func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	handle := s.requireSession(w, r)
	if handle == nil {
		return
	}
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	userID := handle.View().EffectiveUser.ID
	result, err := s.deps.Invitations.Redeem(r.Context(), invitations.RedeemParams{
		Token:  token,
		UserID: &userID,
	})
	if err != nil {
		s.logger(r).WithError(err).Error("invitation accept failed")
		httputil.WriteInternalError(w)
		return
	}
	if result.Status.OK() {
		s.countRedemption("redeemed")
	} else {
		s.countRedemption("rejected")
	}
	writeStatus(w, result.Status)
}

// getInvitation handles GET /invitations/{token}, the pre-signup preview.
func (s *Server) getInvitation(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.ParsePathStringOrError(w, r, "token")
	if !ok {
		return
	}

	inv, err := s.deps.Invitations.FetchByToken(r.Context(), token)
	if err == invitations.ErrNotFound {
		writeStatus(w, auth.StatusNotFound.WithMessage("invitation not found"))
		return
	}
	if err != nil {
		s.logger(r).WithError(err).Error("failed to fetch invitation")
		httputil.WriteInternalError(w)
		return
	}
	if inv.UserID != nil {
		writeStatus(w, auth.StatusConflict.WithMessage("invitation already used"))
		return
	}
	if time.Now().After(inv.ExpiresAt) {
		writeStatus(w, auth.StatusExpired.WithMessage("invitation expired"))
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"email":      inv.Email,
		"grants":     inv.Grants,
		"expires_at": inv.ExpiresAt,
	})
}
