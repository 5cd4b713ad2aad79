package api

import (
	"net/http"
	"strconv"

	"github.com/spaceport-hq/spaceport/pkg/audit"
	"github.com/spaceport-hq/spaceport/pkg/httputil"
)

const defaultAuditLimit = 100

// listAuditEvents handles GET /auditevents. Results are scoped to the
// caller's visible spaces; a superuser sees the full log.
func (s *Server) listAuditEvents(w http.ResponseWriter, r *http.Request) {
	handle := s.requireSession(w, r)
	if handle == nil {
		return
	}

	limit := defaultAuditLimit
	if raw := httputil.ParseQueryString(r, "limit", ""); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httputil.WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	var events []*audit.Event
	var err error
	if handle.View().EffectiveUser.IsSuperuser {
		events, err = s.deps.Audit.ListAll(r.Context(), limit)
	} else {
		events, err = s.deps.Audit.List(r.Context(), handle.Context().VisibleSpaceIDs, limit)
	}
	if err != nil {
		s.logger(r).WithError(err).Error("failed to list audit events")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{"events": events})
}
