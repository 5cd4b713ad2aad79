// Package invitations manages single-use invitations carrying pre-assigned
// space memberships. Redemption is an atomic check-and-set: a token is
// consumed exactly once no matter how many requests race on it.
package invitations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spaceport-hq/spaceport/pkg/audit"
	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// ErrNotFound signals an unknown invitation token.
var ErrNotFound = errors.New("invitation not found")

// Service persists invitations and redeems them.
type Service struct {
	db       *sql.DB
	users    *users.Service
	recorder *audit.Recorder
}

// NewService creates an invitation service.
func NewService(db *sql.DB, userSvc *users.Service, recorder *audit.Recorder) *Service {
	return &Service{db: db, users: userSvc, recorder: recorder}
}

// Invitation is a stored invitation. UserID is set once redeemed.
type Invitation struct {
	ID        int64             `json:"id"`
	Token     string            `json:"token"`
	Email     string            `json:"email"`
	Grants    []auth.SpaceGrant `json:"grants"`
	UserID    *int64            `json:"user_id,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateParams describes a new invitation. Grants name the spaces the
// redeemer will join and with what role.
type CreateParams struct {
	Token     string
	Email     string
	Grants    []auth.SpaceGrant
	ExpiresAt time.Time

	// CreatedBy is the inviting user, recorded as the audit author.
	CreatedBy int64
}

// Create stores an invitation and its membership grants atomically.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Invitation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	inv := &Invitation{
		Token:     p.Token,
		Email:     p.Email,
		Grants:    p.Grants,
		ExpiresAt: p.ExpiresAt,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO invitations (token, email, invited_by, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, p.Token, p.Email, p.CreatedBy, p.ExpiresAt).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create invitation: %w", err)
	}

	spaceIDs := make([]int64, 0, len(p.Grants))
	for _, grant := range p.Grants {
		role := grant.Role
		if role == "" {
			role = auth.RoleMember
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO space_invitations (invitation_id, space_id, role)
			VALUES ($1, $2, $3)
		`, inv.ID, grant.SpaceID, role); err != nil {
			return nil, fmt.Errorf("failed to attach space %d: %w", grant.SpaceID, err)
		}
		spaceIDs = append(spaceIDs, grant.SpaceID)
	}

	if s.recorder != nil {
		err := s.recorder.RecordTx(ctx, tx, &audit.Event{
			EntityType: audit.EntityInvitation,
			EntityID:   inv.ID,
			SpaceIDs:   spaceIDs,
			EventType:  audit.EventCreated,
			AuthorID:   &p.CreatedBy,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invitation: %w", err)
	}
	return inv, nil
}

// FetchByToken loads an invitation and its grants for display before
// redemption.
func (s *Service) FetchByToken(ctx context.Context, token string) (*Invitation, error) {
	inv := &Invitation{}
	var userID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, token, email, user_id, expires_at, created_at
		FROM invitations
		WHERE token = $1
	`, token).Scan(&inv.ID, &inv.Token, &inv.Email, &userID, &inv.ExpiresAt, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch invitation: %w", err)
	}
	if userID.Valid {
		id := userID.Int64
		inv.UserID = &id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT space_id, role
		FROM space_invitations
		WHERE invitation_id = $1
		ORDER BY space_id
	`, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch invitation grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var grant auth.SpaceGrant
		if err := rows.Scan(&grant.SpaceID, &grant.Role); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		inv.Grants = append(inv.Grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grants: %w", err)
	}
	return inv, nil
}

// RedeemParams describes the account to create during redemption. The email
// always comes from the invitation itself, never from the caller. When
// UserID is set the invitation is accepted by that existing account instead
// and the remaining fields are ignored: only the grants are applied.
type RedeemParams struct {
	Token     string
	Username  string
	FirstName string
	LastName  string
	Password  string
	UserID    *int64
}

// RedeemResult is the outcome of a redemption attempt.
type RedeemResult struct {
	Status auth.Status `json:"status"`
	UserID int64       `json:"user_id,omitempty"`
}

// Redeem consumes an invitation and creates the invited account with its
// grants in one transaction. The account takes the address the invitation
// was sent to. The invitation row is locked before the used check, so of any
// number of concurrent attempts exactly one succeeds; the rest see a
// conflict.
func (s *Service) Redeem(ctx context.Context, p RedeemParams) (*RedeemResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var invID int64
	var usedBy sql.NullInt64
	var email string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT id, user_id, email, expires_at
		FROM invitations
		WHERE token = $1
		FOR UPDATE
	`, p.Token).Scan(&invID, &usedBy, &email, &expiresAt)
	if err == sql.ErrNoRows {
		return &RedeemResult{Status: auth.StatusNotFound.WithMessage("invitation not found")}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock invitation: %w", err)
	}
	if usedBy.Valid {
		return &RedeemResult{Status: auth.StatusConflict.WithMessage("invitation already used")}, nil
	}
	if time.Now().After(expiresAt) {
		return &RedeemResult{Status: auth.StatusExpired.WithMessage("invitation expired")}, nil
	}

	var redeemerID int64
	if p.UserID != nil {
		redeemerID = *p.UserID
	} else {
		created, err := s.users.CreateUserTx(ctx, tx, users.CreateUserParams{
			Username:  p.Username,
			FirstName: p.FirstName,
			LastName:  p.LastName,
			Email:     email,
			Password:  p.Password,
			IsActive:  true,
		})
		if err != nil {
			return nil, err
		}
		if !created.Status.OK() {
			return &RedeemResult{Status: created.Status}, nil
		}
		redeemerID = created.UserID
	}

	var spaceIDs []int64
	rows, err := tx.QueryContext(ctx, `
		INSERT INTO space_users (user_id, space_id, role)
		SELECT $1, space_id, role
		FROM space_invitations
		WHERE invitation_id = $2
		ON CONFLICT (user_id, space_id) DO NOTHING
		RETURNING space_id
	`, redeemerID, invID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply invitation grants: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan granted space: %w", err)
		}
		spaceIDs = append(spaceIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate granted spaces: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`UPDATE invitations SET user_id = $1 WHERE id = $2`,
		redeemerID, invID); err != nil {
		return nil, fmt.Errorf("failed to mark invitation used: %w", err)
	}

	if s.recorder != nil {
		err := s.recorder.RecordTx(ctx, tx, &audit.Event{
			EntityType: audit.EntityInvitation,
			EntityID:   invID,
			SpaceIDs:   spaceIDs,
			EventType:  audit.EventRedeemed,
			AuthorID:   &redeemerID,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit redemption: %w", err)
	}
	return &RedeemResult{Status: auth.StatusOK, UserID: redeemerID}, nil
}
