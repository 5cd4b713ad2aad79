package api

import (
	"net/http"

	"github.com/spaceport-hq/spaceport/pkg/httputil"
)

// impersonate handles GET /impersonate/{username}
func (s *Server) impersonate(w http.ResponseWriter, r *http.Request) {
	handle := s.requireSession(w, r)
	if handle == nil {
		return
	}
	username, ok := httputil.ParsePathStringOrError(w, r, "username")
	if !ok {
		return
	}

	status, err := s.deps.Sessions.Impersonate(r.Context(), handle.View().SessionID, username)
	if err != nil {
		s.logger(r).WithError(err).Error("impersonation failed")
		httputil.WriteInternalError(w)
		return
	}
	if status.OK() && s.deps.Metrics != nil {
		s.deps.Metrics.ImpersonationsTotal.WithLabelValues("start").Inc()
	}
	writeStatus(w, status)
}

// exitImpersonate handles GET /impersonate/quit
func (s *Server) exitImpersonate(w http.ResponseWriter, r *http.Request) {
	handle := s.requireSession(w, r)
	if handle == nil {
		return
	}

	status, err := s.deps.Sessions.ExitImpersonate(r.Context(), handle.View().SessionID)
	if err != nil {
		s.logger(r).WithError(err).Error("failed to exit impersonation")
		httputil.WriteInternalError(w)
		return
	}
	if status.OK() && s.deps.Metrics != nil {
		s.deps.Metrics.ImpersonationsTotal.WithLabelValues("exit").Inc()
	}
	writeStatus(w, status)
}
