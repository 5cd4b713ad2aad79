package sessions

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/spaces"
	"github.com/spaceport-hq/spaceport/pkg/storage"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// TestVisibilityIsMembershipSet resolves a session for a plain member
// against a real database while an unrelated publicly browsable space
// exists: the visible set is exactly the membership set. Requires
// TEST_POSTGRES_PRIMARY.
func TestVisibilityIsMembershipSet(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	postgresURL := os.Getenv("TEST_POSTGRES_PRIMARY")
	if postgresURL == "" {
		t.Skip("TEST_POSTGRES_PRIMARY not set")
	}

	ctx := context.Background()
	cfg := storage.DefaultConfig()
	cfg.URL = postgresURL
	db, err := storage.Open(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, storage.Migrate(ctx, db))

	userSvc := users.NewService(db, nil)
	spaceSvc := spaces.NewService(db)
	mgr := NewManager(db, userSvc, spaceSvc, nil, time.Hour)

	suffix := uuid.NewString()[:8]
	public, err := spaceSvc.Create(ctx, spaces.CreateSpaceParams{
		Slug:                "lobby-" + suffix,
		Title:               "Lobby",
		IsPubliclyBrowsable: true,
	})
	require.NoError(t, err)
	home, err := spaceSvc.Create(ctx, spaces.CreateSpaceParams{
		Slug:  "home-" + suffix,
		Title: "Home",
	})
	require.NoError(t, err)

	member, err := userSvc.CreateUser(ctx, users.CreateUserParams{
		Username:    "member-" + suffix,
		Email:       fmt.Sprintf("member-%s@example.com", suffix),
		Password:    "pw",
		IsActive:    true,
		SpaceGrants: []auth.SlugGrant{{Slug: home.Slug, Role: auth.RoleMember}},
	})
	require.NoError(t, err)
	require.True(t, member.Status.OK())

	session, err := mgr.Open(ctx, member.UserID)
	require.NoError(t, err)
	view, err := mgr.Resolve(ctx, session.ID)
	require.NoError(t, err)

	assert.Equal(t, []int64{home.ID}, view.VisibleSpaceIDs,
		"a member of one space sees exactly that space")
	assert.NotContains(t, view.VisibleSpaceIDs, public.ID,
		"publicly browsable spaces stay out of an authenticated scope")
}
