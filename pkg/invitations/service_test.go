package invitations

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaceport-hq/spaceport/pkg/auth"
	"github.com/spaceport-hq/spaceport/pkg/users"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, users.NewService(db, nil), nil), mock
}

func TestCreate(t *testing.T) {
	svc, mock := newTestService(t)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO invitations").
		WithArgs("tok-123", "grace@example.com", int64(1), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(5), now))
	mock.ExpectExec("INSERT INTO space_invitations").
		WithArgs(int64(5), int64(3), auth.RoleAdmin).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inv, err := svc.Create(context.Background(), CreateParams{
		Token:     "tok-123",
		Email:     "grace@example.com",
		Grants:    []auth.SpaceGrant{{SpaceID: 3, Role: auth.RoleAdmin}},
		ExpiresAt: now.Add(7 * 24 * time.Hour),
		CreatedBy: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), inv.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchByToken(t *testing.T) {
	ctx := context.Background()

	t.Run("returns invitation with grants", func(t *testing.T) {
		svc, mock := newTestService(t)
		now := time.Now()

		mock.ExpectQuery("SELECT id, token, email, user_id, expires_at, created_at").
			WithArgs("tok-123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "token", "email", "user_id", "expires_at", "created_at"}).
				AddRow(int64(5), "tok-123", "grace@example.com", nil, now.Add(time.Hour), now))
		mock.ExpectQuery("SELECT space_id, role").
			WithArgs(int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"space_id", "role"}).
				AddRow(int64(3), "admin").AddRow(int64(4), "member"))

		inv, err := svc.FetchByToken(ctx, "tok-123")
		require.NoError(t, err)
		assert.Nil(t, inv.UserID)
		require.Len(t, inv.Grants, 2)
		assert.Equal(t, auth.RoleAdmin, inv.Grants[0].Role)
	})

	t.Run("unknown token", func(t *testing.T) {
		svc, mock := newTestService(t)
		mock.ExpectQuery("SELECT id, token, email, user_id, expires_at, created_at").
			WillReturnError(sql.ErrNoRows)

		_, err := svc.FetchByToken(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRedeem(t *testing.T) {
	ctx := context.Background()

	params := RedeemParams{
		Token:    "tok-123",
		Username: "grace",
		Password: "pw",
	}

	t.Run("redeems and creates account", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, email, expires_at").
			WithArgs("tok-123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "email", "expires_at"}).
				AddRow(int64(5), nil, "grace@example.com", time.Now().Add(time.Hour)))
		// The account is created with the address the invitation was
		// sent to, not anything caller supplied.
		mock.ExpectQuery("INSERT INTO users").
			WithArgs("grace", "", "", "grace@example.com", sqlmock.AnyArg(),
				true, false, false).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
		mock.ExpectQuery("INSERT INTO space_users").
			WithArgs(int64(9), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"space_id"}).AddRow(int64(3)))
		mock.ExpectExec("UPDATE invitations SET user_id").
			WithArgs(int64(9), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := svc.Redeem(ctx, params)
		require.NoError(t, err)
		assert.True(t, res.Status.OK())
		assert.Equal(t, int64(9), res.UserID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("accepted by existing account", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, email, expires_at").
			WithArgs("tok-123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "email", "expires_at"}).
				AddRow(int64(5), nil, "grace@example.com", time.Now().Add(time.Hour)))
		mock.ExpectQuery("INSERT INTO space_users").
			WithArgs(int64(4), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"space_id"}).AddRow(int64(3)))
		mock.ExpectExec("UPDATE invitations SET user_id").
			WithArgs(int64(4), int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		existing := int64(4)
		res, err := svc.Redeem(ctx, RedeemParams{Token: "tok-123", UserID: &existing})
		require.NoError(t, err)
		assert.True(t, res.Status.OK())
		assert.Equal(t, existing, res.UserID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already used conflicts", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, email, expires_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "email", "expires_at"}).
				AddRow(int64(5), int64(8), "grace@example.com", time.Now().Add(time.Hour)))
		mock.ExpectRollback()

		res, err := svc.Redeem(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, auth.StatusConflict.Code, res.Status.Code)
		assert.Equal(t, "invitation already used", res.Status.Message)
	})

	t.Run("expired invitation", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, email, expires_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "email", "expires_at"}).
				AddRow(int64(5), nil, "grace@example.com", time.Now().Add(-time.Minute)))
		mock.ExpectRollback()

		res, err := svc.Redeem(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, auth.StatusExpired.Code, res.Status.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, email, expires_at").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		res, err := svc.Redeem(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, auth.StatusNotFound.Code, res.Status.Code)
	})

	t.Run("duplicate username surfaces conflict", func(t *testing.T) {
		svc, mock := newTestService(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, user_id, email, expires_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "email", "expires_at"}).
				AddRow(int64(5), nil, "grace@example.com", time.Now().Add(time.Hour)))
		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "users_username_key"})
		mock.ExpectRollback()

		res, err := svc.Redeem(ctx, params)
		require.NoError(t, err)
		assert.Equal(t, auth.StatusConflict.Code, res.Status.Code)
		assert.Equal(t, "username already exists", res.Status.Message)
	})
}
