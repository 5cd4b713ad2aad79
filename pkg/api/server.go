// Package api exposes the HTTP surface: authentication, signup, discovery,
// impersonation, invitations, password reset and audit queries. Every request
// passes through the security context middleware, which binds it to a
// dedicated database connection for its lifetime.
package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/spaceport-hq/spaceport/pkg/audit"
	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/config"
	"github.com/spaceport-hq/spaceport/pkg/httputil"
	"github.com/spaceport-hq/spaceport/pkg/invitations"
	"github.com/spaceport-hq/spaceport/pkg/mail"
	"github.com/spaceport-hq/spaceport/pkg/middleware"
	"github.com/spaceport-hq/spaceport/pkg/observability"
	"github.com/spaceport-hq/spaceport/pkg/secctx"
	"github.com/spaceport-hq/spaceport/pkg/sessions"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
	"github.com/spaceport-hq/spaceport/pkg/tokens"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// Deps carries everything the server needs. LoginLimiter, Metrics and Mailer
// may be nil; the corresponding behavior is skipped.
type Deps struct {
	Binder      *secctx.Binder
	Sessions    *sessions.Manager
	Users       *users.Service
	Spaces      *spaces.Service
	Invitations *invitations.Service
	Audit       *audit.Recorder
	Signer      *tokens.Signer
	Mailer      mail.Sender
	Metrics     *observability.Metrics
	Logger      *observability.Logger

	AuthConfig   config.AuthConfig
	LoginLimiter *middleware.LoginLimiter
}

// Server is the HTTP API.
type Server struct {
	router *mux.Router
	deps   Deps
}

// NewServer creates the API server and wires its routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthz).Methods("GET")

	api := s.router.NewRoute().Subrouter()
	api.Use(s.withSecurityContext)

	api.Handle("/login", s.limited(s.login)).Methods("POST")
	api.HandleFunc("/logout", s.logout).Methods("POST")
	api.HandleFunc("/signup", s.signup).Methods("POST")
	api.HandleFunc("/explore", s.explore).Methods("GET")
	api.HandleFunc("/impersonate/quit", s.exitImpersonate).Methods("GET")
	api.HandleFunc("/impersonate/{username}", s.impersonate).Methods("GET")
	api.HandleFunc("/invitations", s.createInvitation).Methods("POST")
	api.HandleFunc("/invitations/{token}", s.getInvitation).Methods("GET")
	api.HandleFunc("/invitations/{token}/accept", s.acceptInvitation).Methods("POST")
	api.Handle("/reset_password", s.limited(s.resetPassword)).Methods("POST")
	api.HandleFunc("/change_password", s.changePassword).Methods("POST")
	api.HandleFunc("/auditevents", s.listAuditEvents).Methods("GET")
}

// limited wraps credential-guessing endpoints with the login rate limiter
// when one is configured.
func (s *Server) limited(h http.HandlerFunc) http.Handler {
	if s.deps.LoginLimiter == nil {
		return h
	}
	return s.deps.LoginLimiter.Handler(h)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

// withSecurityContext binds the request to a dedicated connection carrying
// the caller's identity, and tears it down when the handler returns. A stale
// session cookie is cleared and the request proceeds anonymously.
func (s *Server) withSecurityContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := s.sessionIDFromCookie(r)

		handle, err := s.deps.Binder.Bind(r.Context(), sessionID)
		if err != nil {
			s.logger(r).WithError(err).Error("failed to bind security context")
			httputil.WriteInternalError(w)
			return
		}
		defer handle.Close()

		if handle.SessionInvalid {
			s.clearSessionCookie(w)
		}

		if s.deps.Metrics != nil {
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				route := r.URL.Path
				if current := mux.CurrentRoute(r); current != nil {
					if tmpl, err := current.GetPathTemplate(); err == nil {
						route = tmpl
					}
				}
				s.deps.Metrics.HTTPRequestsTotal.
					WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			}()
			w = rw
		}

		next.ServeHTTP(w, r.WithContext(secctx.WithHandle(r.Context(), handle)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logger(r *http.Request) *observability.Logger {
	if s.deps.Logger != nil {
		return observability.WithTraceContext(r.Context(),
			s.deps.Logger.WithField("path", r.URL.Path))
	}
	return observability.FromContext(r.Context())
}

// writeStatus renders a structured outcome with its HTTP code.
func writeStatus(w http.ResponseWriter, status auth.Status) {
	httputil.WriteJSON(w, status.Code, status)
}
