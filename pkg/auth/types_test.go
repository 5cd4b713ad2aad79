package auth

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleMember))
	assert.True(t, RoleAdmin.AtLeast(RoleAdmin))
	assert.True(t, RoleMember.AtLeast(RoleMember))
	assert.False(t, RoleMember.AtLeast(RoleAdmin))

	// Unknown roles rank below member but are still representable.
	custom := Role("auditor")
	assert.False(t, custom.AtLeast(RoleMember))
	assert.Equal(t, "auditor", string(custom))
}

func TestStatusWithMessage(t *testing.T) {
	s := StatusConflict.WithMessage("username already exists")
	assert.Equal(t, StatusConflict.Code, s.Code)
	assert.Equal(t, "username already exists", s.Message)
	// The shared value is untouched.
	assert.Equal(t, "conflict", StatusConflict.Message)
}

func TestStatusOK(t *testing.T) {
	assert.True(t, StatusOK.OK())
	for _, s := range []Status{StatusAuthFailed, StatusForbidden, StatusNotFound, StatusConflict, StatusExpired, StatusInvalid} {
		assert.False(t, s.OK(), "status %d must not be ok", s.Code)
	}
}

func TestUserJSONHidesPasswordHash(t *testing.T) {
	u := User{ID: 1, Username: "alice", PasswordHash: "$argon2id$..."}
	raw, err := json.Marshal(u)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "argon2id")
}
