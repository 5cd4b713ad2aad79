package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/httputil"
	"github.com/spaceport-hq/spaceport/pkg/invitations"
	"github.com/spaceport-hq/spaceport/pkg/secctx"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// login handles POST /login
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Username == "" && req.Email == "" {
		httputil.WriteBadRequest(w, "username or email is required")
		return
	}
	if req.Username != "" && req.Email != "" {
		httputil.WriteBadRequest(w, "provide either username or email, not both")
		return
	}

	result, err := s.deps.Users.VerifyCredentials(r.Context(),
		users.Identifier{Username: req.Username, Email: req.Email}, req.Password)
	if err != nil {
		s.logger(r).WithError(err).Error("credential verification failed")
		httputil.WriteInternalError(w)
		return
	}
	if !result.Status.OK() {
		s.countAuthAttempt("failure")
		writeStatus(w, result.Status)
		return
	}

	session, err := s.deps.Sessions.Open(r.Context(), result.UserID)
	if err != nil {
		s.logger(r).WithError(err).Error("failed to open session")
		httputil.WriteInternalError(w)
		return
	}

	s.countAuthAttempt("success")
	s.setSessionCookie(w, session.ID)
	writeStatus(w, auth.StatusOK)
}

// logout handles POST /logout
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := s.sessionIDFromCookie(r); sessionID != "" {
		if err := s.deps.Sessions.Close(r.Context(), sessionID); err != nil {
			s.logger(r).WithError(err).Error("failed to close session")
			httputil.WriteInternalError(w)
			return
		}
	}
	s.clearSessionCookie(w)
	writeStatus(w, auth.StatusOK)
}

// signup handles POST /signup. With an invitation token the request redeems
// the invitation; without one it is an open signup, refused when the
// deployment requires invitations. An optional space slug joins the new
// account to that space as a member unless the space requires an invitation.
func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username        string `json:"username"`
		FirstName       string `json:"first_name"`
		LastName        string `json:"last_name"`
		Email           string `json:"email"`
		Password        string `json:"password"`
		Space           string `json:"space"`
		InvitationToken string `json:"invitation_token"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Username, "username") ||
		!httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	var userID int64
	if req.InvitationToken != "" {
		// The account email is the address the invitation was sent to,
		// so none is asked for here.
		result, err := s.deps.Invitations.Redeem(r.Context(), invitations.RedeemParams{
			Token:     req.InvitationToken,
			Username:  req.Username,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Password:  req.Password,
		})
		if err != nil {
			s.logger(r).WithError(err).Error("invitation redemption failed")
			httputil.WriteInternalError(w)
			return
		}
		if !result.Status.OK() {
			s.countRedemption("rejected")
			writeStatus(w, result.Status)
			return
		}
		s.countRedemption("redeemed")
		userID = result.UserID
	} else {
		if s.deps.AuthConfig.InvitationRequired {
			writeStatus(w, auth.StatusForbidden.WithMessage("signup requires an invitation"))
			return
		}
		if !httputil.RequireNonEmpty(w, req.Email, "email") {
			return
		}
		var grants []auth.SlugGrant
		if req.Space != "" {
			space, err := s.deps.Spaces.GetBySlug(r.Context(), req.Space)
			if errors.Is(err, spaces.ErrNotFound) {
				writeStatus(w, auth.StatusNotFound.WithMessage("space not found"))
				return
			}
			if err != nil {
				s.logger(r).WithError(err).Error("failed to look up signup space")
				httputil.WriteInternalError(w)
				return
			}
			if space.InvitationRequired {
				writeStatus(w, auth.StatusForbidden.WithMessage("space requires an invitation"))
				return
			}
			grants = []auth.SlugGrant{{Slug: space.Slug, Role: auth.RoleMember}}
		}
		result, err := s.deps.Users.CreateUser(r.Context(), users.CreateUserParams{
			Username:    req.Username,
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			Email:       req.Email,
			Password:    req.Password,
			IsActive:    true,
			SpaceGrants: grants,
		})
		if err != nil {
			s.logger(r).WithError(err).Error("signup failed")
			httputil.WriteInternalError(w)
			return
		}
		if !result.Status.OK() {
			writeStatus(w, result.Status)
			return
		}
		userID = result.UserID
	}

	session, err := s.deps.Sessions.Open(r.Context(), userID)
	if err != nil {
		s.logger(r).WithError(err).Error("failed to open session after signup")
		httputil.WriteInternalError(w)
		return
	}
	s.setSessionCookie(w, session.ID)
	httputil.WriteCreated(w, auth.StatusOK)
}

// resetPassword handles POST /reset_password. The response is identical
// whether or not the address is registered.
func (s *Server) resetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	user, err := s.deps.Users.AskResetPassword(r.Context(), req.Email)
	if err != nil {
		s.logger(r).WithError(err).Error("password reset lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	if user != nil {
		token, err := s.deps.Signer.Sign(user.ID, user.Email, s.deps.AuthConfig.PasswordResetTTL)
		if err != nil {
			s.logger(r).WithError(err).Error("failed to sign reset token")
			httputil.WriteInternalError(w)
			return
		}
		if s.deps.Mailer != nil {
			link := fmt.Sprintf("%s/change_password?token=%s", s.deps.AuthConfig.BaseURL, token)
			body := fmt.Sprintf("Use this link to reset your password: %s", link)
			if _, err := s.deps.Mailer.Send(r.Context(), user.Email, "Reset your password", body); err != nil {
				s.logger(r).WithError(err).Error("failed to send reset mail")
				httputil.WriteInternalError(w)
				return
			}
		}
	}

	writeStatus(w, auth.StatusOK)
}

// changePassword handles POST /change_password?token=...
func (s *Server) changePassword(w http.ResponseWriter, r *http.Request) {
	token := httputil.ParseQueryString(r, "token", "")
	if token == "" {
		httputil.WriteBadRequest(w, "token is required")
		return
	}
	claims, err := s.deps.Signer.Verify(token)
	if err != nil {
		writeStatus(w, auth.StatusAuthFailed.WithMessage("invalid or expired token"))
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}

	if err := s.deps.Users.ChangePassword(r.Context(), claims.UserID, req.Password); err != nil {
		s.logger(r).WithError(err).Error("failed to change password")
		httputil.WriteInternalError(w)
		return
	}
	if s.deps.Mailer != nil {
		body := "Your password was changed. If this was not you, reset it immediately."
		if _, err := s.deps.Mailer.Send(r.Context(), claims.Email, "Your password was changed", body); err != nil {
			s.logger(r).WithError(err).Warn("failed to send password change confirmation")
		}
	}
	writeStatus(w, auth.StatusOK)
}

func (s *Server) countAuthAttempt(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) countRedemption(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.InvitationsRedeemedTotal.WithLabelValues(outcome).Inc()
	}
}

// requireSession returns the resolved handle when the caller is
// authenticated, writing a 401 otherwise.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) *secctx.Handle {
	handle := secctx.HandleFrom(r.Context())
	if handle == nil || handle.View() == nil {
		writeStatus(w, auth.StatusAuthFailed)
		return nil
	}
	return handle
}
