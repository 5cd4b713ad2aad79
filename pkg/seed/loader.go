// Package seed loads an initial dataset from a YAML fixture: a space tree,
// users with memberships, and open invitations. It drives the regular
// service layer rather than raw inserts, so seeded data obeys the same rules
// as data created through the API.
package seed

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/invitations"
	"github.com/spaceport-hq/spaceport/pkg/observability"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// Fixture is the root of a seed file.
type Fixture struct {
	Spaces      []SpaceNode       `yaml:"spaces"`
	Users       []UserEntry       `yaml:"users"`
	Invitations []InvitationEntry `yaml:"invitations"`
}

// SpaceNode is a space with nested children.
type SpaceNode struct {
	Slug               string      `yaml:"slug"`
	Title              string      `yaml:"title"`
	PubliclyBrowsable  bool        `yaml:"publicly_browsable"`
	InvitationRequired bool        `yaml:"invitation_required"`
	Children           []SpaceNode `yaml:"children"`
}

// UserEntry is a seeded user with optional memberships.
type UserEntry struct {
	Username    string            `yaml:"username"`
	FirstName   string            `yaml:"first_name"`
	LastName    string            `yaml:"last_name"`
	Email       string            `yaml:"email"`
	Password    string            `yaml:"password"`
	Superuser   bool              `yaml:"superuser"`
	Service     bool              `yaml:"service_account"`
	Memberships []MembershipEntry `yaml:"memberships"`
}

// MembershipEntry binds a seeded user or invitation to a space by slug.
type MembershipEntry struct {
	Space string    `yaml:"space"`
	Role  auth.Role `yaml:"role"`
}

// InvitationEntry is a pre-created invitation. InvitedBy names a user seeded
// earlier in the same fixture.
type InvitationEntry struct {
	Email     string            `yaml:"email"`
	InvitedBy string            `yaml:"invited_by"`
	Grants    []MembershipEntry `yaml:"grants"`
}

// Loader seeds the database through the service layer.
type Loader struct {
	spaces        *spaces.Service
	users         *users.Service
	invitations   *invitations.Service
	invitationTTL time.Duration
	logger        *observability.Logger
}

// NewLoader creates a seed loader.
func NewLoader(spaceSvc *spaces.Service, userSvc *users.Service, invitationSvc *invitations.Service, invitationTTL time.Duration, logger *observability.Logger) *Loader {
	return &Loader{
		spaces:        spaceSvc,
		users:         userSvc,
		invitations:   invitationSvc,
		invitationTTL: invitationTTL,
		logger:        logger,
	}
}

// ParseFixture decodes a fixture from YAML.
func ParseFixture(r io.Reader) (*Fixture, error) {
	fixture := &Fixture{}
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(fixture); err != nil {
		return nil, fmt.Errorf("failed to parse seed fixture: %w", err)
	}
	return fixture, nil
}

// LoadFile reads and applies a fixture file.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	fixture, err := ParseFixture(f)
	if err != nil {
		return err
	}
	return l.Load(ctx, fixture)
}

// Load applies a fixture: spaces first (parents before children), then users,
// then invitations.
func (l *Loader) Load(ctx context.Context, fixture *Fixture) error {
	spaceIDs := map[string]int64{}
	for _, node := range fixture.Spaces {
		if err := l.loadSpace(ctx, node, nil, spaceIDs); err != nil {
			return err
		}
	}

	userIDs := map[string]int64{}
	for _, entry := range fixture.Users {
		grants := make([]auth.SlugGrant, 0, len(entry.Memberships))
		for _, membership := range entry.Memberships {
			grants = append(grants, auth.SlugGrant{Slug: membership.Space, Role: membership.Role})
		}
		res, err := l.users.CreateUser(ctx, users.CreateUserParams{
			Username:         entry.Username,
			FirstName:        entry.FirstName,
			LastName:         entry.LastName,
			Email:            entry.Email,
			Password:         entry.Password,
			IsActive:         true,
			IsSuperuser:      entry.Superuser,
			IsServiceAccount: entry.Service,
			SpaceGrants:      grants,
		})
		if err != nil {
			return fmt.Errorf("failed to seed user %q: %w", entry.Username, err)
		}
		if !res.Status.OK() {
			return fmt.Errorf("failed to seed user %q: %s", entry.Username, res.Status.Message)
		}
		userIDs[entry.Username] = res.UserID
		l.logger.Info("seeded user", "username", entry.Username, "user_id", res.UserID)
	}

	for _, entry := range fixture.Invitations {
		invitedBy, ok := userIDs[entry.InvitedBy]
		if !ok {
			return fmt.Errorf("failed to seed invitation for %q: inviter %q is not in the fixture", entry.Email, entry.InvitedBy)
		}
		grants := make([]auth.SpaceGrant, 0, len(entry.Grants))
		for _, grant := range entry.Grants {
			id, ok := spaceIDs[grant.Space]
			if !ok {
				space, err := l.spaces.GetBySlug(ctx, grant.Space)
				if err != nil {
					return fmt.Errorf("failed to seed invitation for %q: %w", entry.Email, err)
				}
				id = space.ID
			}
			grants = append(grants, auth.SpaceGrant{SpaceID: id, Role: grant.Role})
		}
		inv, err := l.invitations.Create(ctx, invitations.CreateParams{
			Token:     uuid.NewString(),
			Email:     entry.Email,
			Grants:    grants,
			ExpiresAt: time.Now().Add(l.invitationTTL),
			CreatedBy: invitedBy,
		})
		if err != nil {
			return fmt.Errorf("failed to seed invitation for %q: %w", entry.Email, err)
		}
		l.logger.Info("seeded invitation", "email", entry.Email, "token", inv.Token)
	}

	return nil
}

func (l *Loader) loadSpace(ctx context.Context, node SpaceNode, parentID *int64, spaceIDs map[string]int64) error {
	space, err := l.spaces.Create(ctx, spaces.CreateSpaceParams{
		ParentSpaceID:       parentID,
		Slug:                node.Slug,
		Title:               node.Title,
		IsPubliclyBrowsable: node.PubliclyBrowsable,
		InvitationRequired:  node.InvitationRequired,
	})
	if err != nil {
		return fmt.Errorf("failed to seed space %q: %w", node.Slug, err)
	}
	spaceIDs[node.Slug] = space.ID
	l.logger.Info("seeded space", "slug", node.Slug, "space_id", space.ID)

	for _, child := range node.Children {
		if err := l.loadSpace(ctx, child, &space.ID, spaceIDs); err != nil {
			return err
		}
	}
	return nil
}
