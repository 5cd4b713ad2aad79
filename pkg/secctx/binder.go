// Package secctx binds a request to a dedicated database connection carrying
// the caller's security context as connection-local settings. Data access for
// the request runs on that connection, so row visibility can be enforced in
// the database as well as in Go. Teardown is unconditional: a connection
// whose settings cannot be cleared is discarded rather than returned to the
// pool.
package secctx

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spaceport-hq/spaceport/pkg/observability"
	"github.com/spaceport-hq/spaceport/pkg/sessions"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
)

// Connection-local setting names installed on every bound connection.
const (
	settingUserID         = "spaceport.user_id"
	settingImpersonatedBy = "spaceport.impersonated_by"
	settingSpaceIDs       = "spaceport.space_ids"
)

// teardownTimeout bounds the reset of a bound connection. Teardown uses its
// own deadline so a cancelled request cannot leave settings behind.
const teardownTimeout = 5 * time.Second

// SecurityContext is the resolved principal of a request. A zero
// EffectiveUserID means anonymous.
type SecurityContext struct {
	EffectiveUserID int64
	ImpersonatedBy  *int64
	VisibleSpaceIDs []int64
}

// Anonymous reports whether no authenticated user is behind the request.
func (sc SecurityContext) Anonymous() bool { return sc.EffectiveUserID == 0 }

// CanSee reports whether a space is in the caller's visible set.
func (sc SecurityContext) CanSee(spaceID int64) bool {
	for _, id := range sc.VisibleSpaceIDs {
		if id == spaceID {
			return true
		}
	}
	return false
}

// Binder resolves sessions into bound connections.
type Binder struct {
	db       *sql.DB
	sessions *sessions.Manager
	spaces   *spaces.Service
	metrics  *observability.Metrics
}

// NewBinder creates a binder. metrics may be nil.
func NewBinder(db *sql.DB, sessionMgr *sessions.Manager, spaceSvc *spaces.Service, metrics *observability.Metrics) *Binder {
	return &Binder{db: db, sessions: sessionMgr, spaces: spaceSvc, metrics: metrics}
}

// Handle is a bound connection plus the security context installed on it.
// Close must be called exactly once per request; extra calls are no-ops.
type Handle struct {
	conn    *sql.Conn
	sc      SecurityContext
	view    *sessions.View
	metrics *observability.Metrics

	// SessionInvalid is set when a session id was presented but did not
	// resolve. The caller should clear the client's cookie.
	SessionInvalid bool

	mu     sync.Mutex
	closed bool
}

// Bind resolves the session (empty means anonymous), takes a dedicated
// connection from the pool and installs the security context on it. An
// invalid session degrades to anonymous rather than failing the request.
func (b *Binder) Bind(ctx context.Context, sessionID string) (*Handle, error) {
	handle := &Handle{metrics: b.metrics}

	if sessionID != "" {
		view, err := b.sessions.Resolve(ctx, sessionID)
		switch {
		case errors.Is(err, sessions.ErrInvalidSession):
			handle.SessionInvalid = true
		case err != nil:
			return nil, err
		default:
			handle.view = view
			handle.sc.EffectiveUserID = view.EffectiveUser.ID
			if view.ImpersonatedBy != nil {
				id := view.ImpersonatedBy.ID
				handle.sc.ImpersonatedBy = &id
			}
			handle.sc.VisibleSpaceIDs = view.VisibleSpaceIDs
		}
	}

	if handle.view == nil {
		public, err := b.spaces.PublicSpaceIDs(ctx)
		if err != nil {
			return nil, err
		}
		handle.sc.VisibleSpaceIDs = public
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if err := install(ctx, conn, handle.sc); err != nil {
		conn.Close()
		return nil, err
	}
	handle.conn = conn

	if b.metrics != nil {
		b.metrics.BoundContexts.Inc()
	}
	return handle, nil
}

func install(ctx context.Context, conn *sql.Conn, sc SecurityContext) error {
	userID := ""
	if !sc.Anonymous() {
		userID = strconv.FormatInt(sc.EffectiveUserID, 10)
	}
	impersonatedBy := ""
	if sc.ImpersonatedBy != nil {
		impersonatedBy = strconv.FormatInt(*sc.ImpersonatedBy, 10)
	}

	_, err := conn.ExecContext(ctx, `
		SELECT set_config($1, $2, false),
		       set_config($3, $4, false),
		       set_config($5, $6, false)
	`, settingUserID, userID,
		settingImpersonatedBy, impersonatedBy,
		settingSpaceIDs, joinIDs(sc.VisibleSpaceIDs))
	if err != nil {
		return fmt.Errorf("failed to install security context: %w", err)
	}
	return nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Conn returns the bound connection.
func (h *Handle) Conn() *sql.Conn { return h.conn }

// Context returns the installed security context.
func (h *Handle) Context() SecurityContext { return h.sc }

// View returns the resolved session, or nil for anonymous requests.
func (h *Handle) View() *sessions.View { return h.view }

// Close clears the installed settings and returns the connection to the
// pool. It runs under its own deadline, independent of the request context.
// If the settings cannot be cleared the connection is poisoned so the pool
// drops it instead of handing it to another request.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	if h.metrics != nil {
		h.metrics.BoundContexts.Dec()
	}
	if h.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	_, err := h.conn.ExecContext(ctx, `
		SELECT set_config($1, '', false),
		       set_config($2, '', false),
		       set_config($3, '', false)
	`, settingUserID, settingImpersonatedBy, settingSpaceIDs)
	if err != nil {
		// Mark the underlying connection bad so the pool drops it
		// rather than recycling it with stale settings.
		h.conn.Raw(func(interface{}) error { return driver.ErrBadConn })
		h.conn.Close()
		return nil
	}
	return h.conn.Close()
}

type contextKey struct{}

// WithHandle attaches a handle to the request context.
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, contextKey{}, h)
}

// HandleFrom returns the handle attached to the context, or nil.
func HandleFrom(ctx context.Context) *Handle {
	h, _ := ctx.Value(contextKey{}).(*Handle)
	return h
}
