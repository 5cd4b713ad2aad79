// Package spaces manages the tenant tree and the membership table binding
// users to spaces with a role.
package spaces

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/spaceport-hq/spaceport/pkg/auth"
)

var (
	// ErrNotFound signals an unknown space.
	ErrNotFound = errors.New("space not found")
	// ErrParentNotFound signals a parent id that does not resolve. Parents
	// must pre-exist; the tree grows insert-only, so this is the only cycle
	// guard the model needs.
	ErrParentNotFound = errors.New("parent space not found")
)

// Space is a tenant/organizational unit. Root spaces have a nil parent.
type Space struct {
	ID                  int64     `json:"id"`
	ParentSpaceID       *int64    `json:"parent_space_id,omitempty"`
	Slug                string    `json:"slug"`
	Title               string    `json:"title"`
	IsPubliclyBrowsable bool      `json:"is_publicly_browsable"`
	InvitationRequired  bool      `json:"invitation_required"`
	CreatedAt           time.Time `json:"created_at"`
}

// SpaceSummary is the anonymous-discovery projection of a space.
type SpaceSummary struct {
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

// Membership is one (user, space, role) grant.
type Membership struct {
	SpaceID int64     `json:"space_id"`
	Slug    string    `json:"slug"`
	Title   string    `json:"title"`
	Role    auth.Role `json:"role"`
}

// Service persists spaces and memberships.
type Service struct {
	db *sql.DB
}

// NewService creates a space service on the given pool.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateSpaceParams describes a new space.
type CreateSpaceParams struct {
	ParentSpaceID       *int64
	Slug                string
	Title               string
	IsPubliclyBrowsable bool
	InvitationRequired  bool
}

// Create inserts a space. The parent, when given, must already exist.
func (s *Service) Create(ctx context.Context, p CreateSpaceParams) (*Space, error) {
	if p.ParentSpaceID != nil {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM spaces WHERE id = $1)`, *p.ParentSpaceID,
		).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check parent space: %w", err)
		}
		if !exists {
			return nil, ErrParentNotFound
		}
	}

	space := &Space{
		ParentSpaceID:       p.ParentSpaceID,
		Slug:                p.Slug,
		Title:               p.Title,
		IsPubliclyBrowsable: p.IsPubliclyBrowsable,
		InvitationRequired:  p.InvitationRequired,
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO spaces (parent_space_id, slug, title, is_publicly_browsable, invitation_required)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, p.ParentSpaceID, p.Slug, p.Title, p.IsPubliclyBrowsable, p.InvitationRequired).
		Scan(&space.ID, &space.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create space: %w", err)
	}

	return space, nil
}

// Get retrieves a space by id.
func (s *Service) Get(ctx context.Context, id int64) (*Space, error) {
	return s.get(ctx, `WHERE id = $1`, id)
}

// GetBySlug retrieves a space by slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*Space, error) {
	return s.get(ctx, `WHERE slug = $1`, slug)
}

func (s *Service) get(ctx context.Context, where string, arg interface{}) (*Space, error) {
	space := &Space{}
	var parentID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, parent_space_id, slug, title, is_publicly_browsable, invitation_required, created_at
		FROM spaces
		`+where, arg).
		Scan(&space.ID, &parentID, &space.Slug, &space.Title,
			&space.IsPubliclyBrowsable, &space.InvitationRequired, &space.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get space: %w", err)
	}
	if parentID.Valid {
		id := parentID.Int64
		space.ParentSpaceID = &id
	}
	return space, nil
}

// ListPubliclyBrowsable returns spaces visible to anonymous callers, oldest
// first.
func (s *Service) ListPubliclyBrowsable(ctx context.Context) ([]SpaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slug, title
		FROM spaces
		WHERE is_publicly_browsable IS TRUE
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list public spaces: %w", err)
	}
	defer rows.Close()

	var summaries []SpaceSummary
	for rows.Next() {
		var summary SpaceSummary
		if err := rows.Scan(&summary.Slug, &summary.Title); err != nil {
			return nil, fmt.Errorf("failed to scan space: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// GrantMembership binds a user to a space with a role. Granting an existing
// membership updates the role; uniqueness is on (user_id, space_id).
func (s *Service) GrantMembership(ctx context.Context, userID, spaceID int64, role auth.Role) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_users (user_id, space_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, space_id) DO UPDATE SET role = EXCLUDED.role
	`, userID, spaceID, role)
	if err != nil {
		return fmt.Errorf("failed to grant membership: %w", err)
	}
	return nil
}

// RevokeMembership removes a user from a space. Revoking a membership that
// does not exist is a no-op.
func (s *Service) RevokeMembership(ctx context.Context, userID, spaceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM space_users WHERE user_id = $1 AND space_id = $2`, userID, spaceID)
	if err != nil {
		return fmt.Errorf("failed to revoke membership: %w", err)
	}
	return nil
}

// MembershipsOf returns all memberships of a user, ordered by space id.
func (s *Service) MembershipsOf(ctx context.Context, userID int64) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_users.space_id, spaces.slug, spaces.title, space_users.role
		FROM space_users
		INNER JOIN spaces ON space_users.space_id = spaces.id
		WHERE space_users.user_id = $1
		ORDER BY space_users.space_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.SpaceID, &m.Slug, &m.Title, &m.Role); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// RoleIn returns the user's role in a space, or "" when not a member.
func (s *Service) RoleIn(ctx context.Context, userID, spaceID int64) (auth.Role, error) {
	var role auth.Role
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM space_users WHERE user_id = $1 AND space_id = $2`, userID, spaceID,
	).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get role: %w", err)
	}
	return role, nil
}

// AllSpaceIDs returns every space id, ordered. Superusers see everything.
func (s *Service) AllSpaceIDs(ctx context.Context) ([]int64, error) {
	return s.idList(ctx, `SELECT id FROM spaces ORDER BY id`)
}

// PublicSpaceIDs returns the ids of publicly browsable spaces, ordered. This
// is the visible set of an anonymous principal.
func (s *Service) PublicSpaceIDs(ctx context.Context) ([]int64, error) {
	return s.idList(ctx, `SELECT id FROM spaces WHERE is_publicly_browsable IS TRUE ORDER BY id`)
}

func (s *Service) idList(ctx context.Context, query string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list space ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan space id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
