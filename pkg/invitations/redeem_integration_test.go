package invitations

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/storage"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

// TestRedeemExactlyOnce hammers one invitation from many goroutines against a
// real database and asserts a single winner. Requires TEST_POSTGRES_PRIMARY.
func TestRedeemExactlyOnce(t *testing.T) {
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
	svc := NewService(db, userSvc, nil)

	var spaceID int64
	err = db.QueryRowContext(ctx, `
		INSERT INTO spaces (slug, title) VALUES ($1, $2) RETURNING id
	`, "race-"+uuid.NewString()[:8], "Race").Scan(&spaceID)
	require.NoError(t, err)

	token := uuid.NewString()
	inviter, err := userSvc.CreateUser(ctx, users.CreateUserParams{
		Username: "inviter-" + token[:8],
		Email:    fmt.Sprintf("inviter-%s@example.com", token[:8]),
		Password: "pw",
		IsActive: true,
	})
	require.NoError(t, err)
	require.True(t, inviter.Status.OK())

	_, err = svc.Create(ctx, CreateParams{
		Token:     token,
		Email:     "race@example.com",
		Grants:    []auth.SpaceGrant{{SpaceID: spaceID, Role: auth.RoleMember}},
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedBy: inviter.UserID,
	})
	require.NoError(t, err)

	const attempts = 16
	var mu sync.Mutex
	var statuses []auth.Status

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < attempts; i++ {
		i := i
		group.Go(func() error {
			res, err := svc.Redeem(groupCtx, RedeemParams{
				Token:    token,
				Username: fmt.Sprintf("racer-%s-%d", token[:8], i),
				Password: "pw",
			})
			if err != nil {
				return err
			}
			mu.Lock()
			statuses = append(statuses, res.Status)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, group.Wait())

	var won, conflicted int
	for _, status := range statuses {
		switch status.Code {
		case auth.StatusOK.Code:
			won++
		case auth.StatusConflict.Code:
			conflicted++
		default:
			t.Fatalf("unexpected status: %+v", status)
		}
	}
	assert.Equal(t, 1, won, "exactly one attempt should redeem the invitation")
	assert.Equal(t, attempts-1, conflicted)

	var winnerEmail string
	err = db.QueryRowContext(ctx, `
		SELECT u.email FROM users u
		JOIN invitations i ON i.user_id = u.id
		WHERE i.token = $1
	`, token).Scan(&winnerEmail)
	require.NoError(t, err)
	assert.Equal(t, "race@example.com", winnerEmail, "account takes the invited address")
}

// TestAcceptKeepsExistingRole has an existing user accept an invitation that
// names a space the user already belongs to: the new membership is added and
// the pre-existing one keeps its role.
func TestAcceptKeepsExistingRole(t *testing.T) {
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
	svc := NewService(db, userSvc, nil)

	run := uuid.NewString()[:8]
	slugOne := "one-" + run
	var spaceOne, spaceTwo int64
	require.NoError(t, db.QueryRowContext(ctx, `
		INSERT INTO spaces (slug, title, is_publicly_browsable) VALUES ($1, $2, TRUE) RETURNING id
	`, slugOne, "One").Scan(&spaceOne))
	require.NoError(t, db.QueryRowContext(ctx, `
		INSERT INTO spaces (slug, title, invitation_required) VALUES ($1, $2, TRUE) RETURNING id
	`, "two-"+run, "Two").Scan(&spaceTwo))

	alice, err := userSvc.CreateUser(ctx, users.CreateUserParams{
		Username:    "alice-" + run,
		Email:       fmt.Sprintf("alice-%s@example.com", run),
		Password:    "pw",
		IsActive:    true,
		SpaceGrants: []auth.SlugGrant{{Slug: slugOne, Role: auth.RoleAdmin}},
	})
	require.NoError(t, err)
	require.True(t, alice.Status.OK())

	token := uuid.NewString()
	_, err = svc.Create(ctx, CreateParams{
		Token: token,
		Email: fmt.Sprintf("alice-%s@example.com", run),
		Grants: []auth.SpaceGrant{
			{SpaceID: spaceOne, Role: auth.RoleMember},
			{SpaceID: spaceTwo, Role: auth.RoleMember},
		},
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedBy: alice.UserID,
	})
	require.NoError(t, err)

	res, err := svc.Redeem(ctx, RedeemParams{Token: token, UserID: &alice.UserID})
	require.NoError(t, err)
	require.True(t, res.Status.OK())

	roles := map[int64]string{}
	rows, err := db.QueryContext(ctx,
		`SELECT space_id, role FROM space_users WHERE user_id = $1`, alice.UserID)
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var spaceID int64
		var role string
		require.NoError(t, rows.Scan(&spaceID, &role))
		roles[spaceID] = role
	}
	require.NoError(t, rows.Err())

	assert.Equal(t, map[int64]string{
		spaceOne: "admin",
		spaceTwo: "member",
	}, roles)
}
