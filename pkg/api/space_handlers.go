package api

import (
	"net/http"

	"github.com/spaceport-hq/spaceport/pkg/httputil"
	"github.com/spaceport-hq/spaceport/pkg/secctx"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
)

// explore handles GET /explore. Anonymous callers see publicly browsable
// spaces; authenticated callers additionally see their memberships.
func (s *Server) explore(w http.ResponseWriter, r *http.Request) {
	public, err := s.deps.Spaces.ListPubliclyBrowsable(r.Context())
	if err != nil {
		s.logger(r).WithError(err).Error("failed to list public spaces")
		httputil.WriteInternalError(w)
		return
	}

	response := struct {
		Spaces      []spaces.SpaceSummary `json:"spaces"`
		Memberships []spaces.Membership   `json:"memberships,omitempty"`
	}{Spaces: public}

	if handle := secctx.HandleFrom(r.Context()); handle != nil && handle.View() != nil {
		memberships, err := s.deps.Spaces.MembershipsOf(r.Context(), handle.View().EffectiveUser.ID)
		if err != nil {
			s.logger(r).WithError(err).Error("failed to list memberships")
			httputil.WriteInternalError(w)
			return
		}
		response.Memberships = memberships
	}

	httputil.WriteSuccess(w, response)
}
