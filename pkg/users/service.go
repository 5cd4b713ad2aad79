// Package users is the credential store: user records, password verification
// and password maintenance. Expected failures (duplicates, bad credentials)
// come back as structured statuses so callers can branch without unwrapping
// errors.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/spaceport-hq/spaceport/pkg/audit"
	"github.com/spaceport-hq/spaceport/pkg/auth"
)

// ErrAmbiguousIdentifier signals a lookup that supplied both or neither of
// username and email. This is a caller bug, not an expected condition.
var ErrAmbiguousIdentifier = errors.New("exactly one of username or email must be set")

const pqUniqueViolation = "23505"

// Service persists users and verifies credentials.
type Service struct {
	db       *sql.DB
	recorder *audit.Recorder

	// fallbackHash is compared against when an identifier does not resolve,
	// so unknown-user and wrong-password take comparable time.
	fallbackHash string
}

// NewService creates a user service. The audit recorder may be nil in tests.
func NewService(db *sql.DB, recorder *audit.Recorder) *Service {
	fallback, err := auth.HashPassword(fmt.Sprintf("fallback-%d", time.Now().UnixNano()))
	if err != nil {
		// rand.Read failing means the process cannot do anything
		// credential-related at all.
		panic(fmt.Sprintf("failed to create fallback hash: %v", err))
	}
	return &Service{db: db, recorder: recorder, fallbackHash: fallback}
}

// CreateUserParams describes a new user. SpaceGrants are applied in the same
// transaction as the user row; partial success is not observable.
type CreateUserParams struct {
	Username         string
	FirstName        string
	LastName         string
	Email            string
	Password         string
	IsActive         bool
	IsSuperuser      bool
	IsServiceAccount bool
	SpaceGrants      []auth.SlugGrant

	// CreatedBy is recorded as the audit author; nil means self-service or
	// system.
	CreatedBy *int64
}

// CreateUserResult carries the outcome status and, on success, the new id.
type CreateUserResult struct {
	Status auth.Status `json:"status"`
	UserID int64       `json:"user_id,omitempty"`
}

// CreateUser creates a user plus membership grants atomically.
func (s *Service) CreateUser(ctx context.Context, p CreateUserParams) (*CreateUserResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := s.CreateUserTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if !res.Status.OK() {
		return res, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user creation: %w", err)
	}
	return res, nil
}

// CreateUserTx runs user creation inside an existing transaction. Invitation
// redemption uses this to keep check-and-set, user row and grants atomic.
func (s *Service) CreateUserTx(ctx context.Context, tx *sql.Tx, p CreateUserParams) (*CreateUserResult, error) {
	hash, err := auth.HashPassword(p.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var userID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO users (username, first_name, last_name, email, password_hash,
		                   is_active, is_superuser, is_service_account)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, p.Username, p.FirstName, p.LastName, p.Email, hash,
		p.IsActive, p.IsSuperuser, p.IsServiceAccount).Scan(&userID)
	if err != nil {
		if status, ok := duplicateStatus(err); ok {
			return &CreateUserResult{Status: status}, nil
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	var grantedSpaceIDs []int64
	for _, grant := range p.SpaceGrants {
		role := grant.Role
		if role == "" {
			role = auth.RoleMember
		}
		var spaceID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO space_users (user_id, space_id, role)
			SELECT $1, id, $2 FROM spaces WHERE slug = $3
			RETURNING space_id
		`, userID, role, grant.Slug).Scan(&spaceID)
		if err == sql.ErrNoRows {
			return &CreateUserResult{
				Status: auth.StatusNotFound.WithMessage("space not found: " + grant.Slug),
			}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to grant membership in %q: %w", grant.Slug, err)
		}
		grantedSpaceIDs = append(grantedSpaceIDs, spaceID)
	}

	if s.recorder != nil {
		err := s.recorder.RecordTx(ctx, tx, &audit.Event{
			EntityType: audit.EntityUser,
			EntityID:   userID,
			SpaceIDs:   grantedSpaceIDs,
			EventType:  audit.EventCreated,
			AuthorID:   p.CreatedBy,
		})
		if err != nil {
			return nil, err
		}
	}

	return &CreateUserResult{Status: auth.StatusOK, UserID: userID}, nil
}

// duplicateStatus maps a unique-constraint violation to a Conflict status.
func duplicateStatus(err error) (auth.Status, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != pqUniqueViolation {
		return auth.Status{}, false
	}
	switch {
	case strings.Contains(pqErr.Constraint, "username"):
		return auth.StatusConflict.WithMessage("username already exists"), true
	case strings.Contains(pqErr.Constraint, "email"):
		return auth.StatusConflict.WithMessage("email already exists"), true
	default:
		return auth.StatusConflict, true
	}
}

// Identifier selects a user by exactly one of username or email.
type Identifier struct {
	Username string
	Email    string
}

func (id Identifier) value() (column, value string, err error) {
	switch {
	case id.Username != "" && id.Email == "":
		return "username", id.Username, nil
	case id.Email != "" && id.Username == "":
		return "email", id.Email, nil
	default:
		return "", "", ErrAmbiguousIdentifier
	}
}

// VerifyResult carries the verification outcome. On failure the status is
// always auth.StatusAuthFailed regardless of cause.
type VerifyResult struct {
	Status auth.Status
	UserID int64
}

var authFailed = &VerifyResult{Status: auth.StatusAuthFailed}

// VerifyCredentials checks a password against the stored hash. Unknown
// identifier, wrong password and inactive account all return the identical
// failure; a successful check updates last_login_at.
func (s *Service) VerifyCredentials(ctx context.Context, id Identifier, password string) (*VerifyResult, error) {
	column, value, err := id.value()
	if err != nil {
		return nil, err
	}

	var userID int64
	var hash string
	var isActive bool
	err = s.db.QueryRowContext(ctx,
		`SELECT id, password_hash, is_active FROM users WHERE `+column+` = $1`, value,
	).Scan(&userID, &hash, &isActive)
	if err == sql.ErrNoRows {
		// Burn a comparison so this branch is not observably faster.
		_, _ = auth.VerifyPassword(password, s.fallbackHash)
		return authFailed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	ok, err := auth.VerifyPassword(password, hash)
	if err != nil {
		// Unverifiable stored hash (empty for service accounts): same
		// failure shape as a mismatch.
		return authFailed, nil
	}
	if !ok || !isActive {
		return authFailed, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = NOW() WHERE id = $1`, userID); err != nil {
		return nil, fmt.Errorf("failed to update last login: %w", err)
	}

	return &VerifyResult{Status: auth.StatusOK, UserID: userID}, nil
}

// ChangePassword re-hashes and stores a new password. The caller has already
// verified the out-of-band reset token and extracted the user id from it.
func (s *Service) ChangePassword(ctx context.Context, userID int64, newPassword string) error {
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1 WHERE id = $2`, hash, userID)
	if err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user not found: %d", userID)
	}

	if s.recorder != nil {
		err := s.recorder.Record(ctx, &audit.Event{
			EntityType: audit.EntityUser,
			EntityID:   userID,
			EventType:  audit.EventPasswordChanged,
			AuthorID:   &userID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AskResetPassword resolves an email to a user. A nil user (and nil error)
// means the address is not registered; callers must render the same
// success-shaped response either way.
func (s *Service) AskResetPassword(ctx context.Context, email string) (*auth.User, error) {
	user := &auth.User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, is_active
		FROM users
		WHERE email = $1 AND is_active IS TRUE
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user by email: %w", err)
	}
	return user, nil
}

// GetByID loads a full user record.
func (s *Service) GetByID(ctx context.Context, id int64) (*auth.User, error) {
	user := &auth.User{}
	var lastLogin sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, first_name, last_name, email,
		       is_active, is_superuser, is_service_account, last_login_at, created_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.Email,
		&user.IsActive, &user.IsSuperuser, &user.IsServiceAccount, &lastLogin, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}
	return user, nil
}
