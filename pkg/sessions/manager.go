// Package sessions manages server-side session records, including one-hop
// impersonation and expiry sweeping. Session ids are opaque UUIDs handed to
// clients in a cookie; all state lives in postgres.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/spaceport-hq/spaceport/pkg/audit"
	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// ErrInvalidSession covers unknown, expired and malformed session ids alike.
var ErrInvalidSession = errors.New("invalid session")

// Manager owns the sessions table.
type Manager struct {
	db       *sql.DB
	users    *users.Service
	spaces   *spaces.Service
	recorder *audit.Recorder
	ttl      time.Duration
}

// NewManager creates a session manager. ttl bounds how long a session may go
// unused before Sweep removes it.
func NewManager(db *sql.DB, userSvc *users.Service, spaceSvc *spaces.Service, recorder *audit.Recorder, ttl time.Duration) *Manager {
	return &Manager{db: db, users: userSvc, spaces: spaceSvc, recorder: recorder, ttl: ttl}
}

// Session is a raw session row.
type Session struct {
	ID                string     `json:"id"`
	UserID            int64      `json:"user_id"`
	ImpersonateUserID *int64     `json:"impersonate_user_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
}

// View is a resolved session: the identity requests act as, who is behind it
// when impersonating, and which spaces that identity can see.
type View struct {
	SessionID       string
	EffectiveUser   *auth.User
	ImpersonatedBy  *auth.User
	VisibleSpaceIDs []int64
}

// Open creates a session for an already-verified user.
func (m *Manager) Open(ctx context.Context, userID int64) (*Session, error) {
	session := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
	}
	err := m.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, user_id, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 second')
		RETURNING created_at, expires_at
	`, session.ID, userID, int64(m.ttl.Seconds())).Scan(&session.CreatedAt, &session.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	return session, nil
}

// Resolve authenticates a session id and loads the effective identity. The
// effective user is the impersonation target when one is set, otherwise the
// session owner. Visibility always follows the effective user; a superuser
// acting as someone else sees only what that someone sees.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (*View, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrInvalidSession
	}

	var userID int64
	var impersonateID sql.NullInt64
	var expiresAt time.Time
	err := m.db.QueryRowContext(ctx, `
		SELECT user_id, impersonate_user_id, expires_at
		FROM sessions
		WHERE id = $1
	`, sessionID).Scan(&userID, &impersonateID, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, ErrInvalidSession
	}

	if _, err := m.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = NOW() WHERE id = $1`, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	view := &View{SessionID: sessionID}

	effectiveID := userID
	if impersonateID.Valid {
		effectiveID = impersonateID.Int64
		root, err := m.users.GetByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		view.ImpersonatedBy = root
	}

	effective, err := m.users.GetByID(ctx, effectiveID)
	if err != nil {
		return nil, err
	}
	if !effective.IsActive {
		return nil, ErrInvalidSession
	}
	view.EffectiveUser = effective

	view.VisibleSpaceIDs, err = m.visibleSpaceIDs(ctx, effective)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// visibleSpaceIDs is the membership set of the effective user, nothing more.
// Publicly browsable spaces widen only the anonymous scope, never an
// authenticated one.
func (m *Manager) visibleSpaceIDs(ctx context.Context, user *auth.User) ([]int64, error) {
	if user.IsSuperuser {
		return m.spaces.AllSpaceIDs(ctx)
	}

	memberships, err := m.spaces.MembershipsOf(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(memberships))
	for _, membership := range memberships {
		ids = append(ids, membership.SpaceID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Impersonate switches the session onto a target identity. Only a superuser
// who is not already impersonating may do so; the privilege check runs
// against the session owner, never the current effective user, so chains are
// impossible.
func (m *Manager) Impersonate(ctx context.Context, sessionID, targetUsername string) (auth.Status, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Status{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ownerID int64
	var impersonateID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, impersonate_user_id
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
		FOR UPDATE
	`, sessionID).Scan(&ownerID, &impersonateID)
	if err == sql.ErrNoRows {
		return auth.StatusAuthFailed, nil
	}
	if err != nil {
		return auth.Status{}, fmt.Errorf("failed to lock session: %w", err)
	}
	if impersonateID.Valid {
		return auth.StatusForbidden.WithMessage("already impersonating"), nil
	}

	owner, err := m.users.GetByID(ctx, ownerID)
	if err != nil {
		return auth.Status{}, err
	}
	if !owner.IsSuperuser {
		return auth.StatusForbidden, nil
	}

	var targetID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = $1`, targetUsername).Scan(&targetID)
	if err == sql.ErrNoRows {
		return auth.StatusNotFound.WithMessage("user not found: " + targetUsername), nil
	}
	if err != nil {
		return auth.Status{}, fmt.Errorf("failed to look up target user: %w", err)
	}
	if targetID == ownerID {
		return auth.StatusInvalid.WithMessage("cannot impersonate yourself"), nil
	}

	// A target who is mid-impersonation on their own session would make the
	// effective identity ambiguous.
	var targetBusy bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sessions
			WHERE user_id = $1 AND impersonate_user_id IS NOT NULL AND expires_at > NOW()
		)
	`, targetID).Scan(&targetBusy)
	if err != nil {
		return auth.Status{}, fmt.Errorf("failed to check target sessions: %w", err)
	}
	if targetBusy {
		return auth.StatusConflict.WithMessage("target user is impersonating"), nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET impersonate_user_id = $1 WHERE id = $2`,
		targetID, sessionID); err != nil {
		return auth.Status{}, fmt.Errorf("failed to start impersonation: %w", err)
	}

	if m.recorder != nil {
		err := m.recorder.RecordTx(ctx, tx, &audit.Event{
			EntityType: audit.EntityUser,
			EntityID:   targetID,
			EventType:  audit.EventImpersonateStarted,
			AuthorID:   &ownerID,
		})
		if err != nil {
			return auth.Status{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return auth.Status{}, fmt.Errorf("failed to commit impersonation: %w", err)
	}
	return auth.StatusOK, nil
}

// ExitImpersonate restores the session to its owner. Calling it on a session
// that is not impersonating is a no-op.
func (m *Manager) ExitImpersonate(ctx context.Context, sessionID string) (auth.Status, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Status{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var ownerID int64
	var impersonateID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, impersonate_user_id
		FROM sessions
		WHERE id = $1
		FOR UPDATE
	`, sessionID).Scan(&ownerID, &impersonateID)
	if err == sql.ErrNoRows {
		return auth.StatusAuthFailed, nil
	}
	if err != nil {
		return auth.Status{}, fmt.Errorf("failed to lock session: %w", err)
	}
	if !impersonateID.Valid {
		return auth.StatusOK, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET impersonate_user_id = NULL WHERE id = $1`, sessionID); err != nil {
		return auth.Status{}, fmt.Errorf("failed to end impersonation: %w", err)
	}

	if m.recorder != nil {
		err := m.recorder.RecordTx(ctx, tx, &audit.Event{
			EntityType: audit.EntityUser,
			EntityID:   impersonateID.Int64,
			EventType:  audit.EventImpersonateEnded,
			AuthorID:   &ownerID,
		})
		if err != nil {
			return auth.Status{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return auth.Status{}, fmt.Errorf("failed to commit: %w", err)
	}
	return auth.StatusOK, nil
}

// Close deletes a session. Unknown ids are ignored so repeated logouts and
// stale cookies stay harmless.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil
	}
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

// Sweep removes expired sessions and reports how many were deleted.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	result, err := m.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	swept, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return swept, nil
}
