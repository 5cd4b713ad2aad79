package auth

import "time"

// User is an identity record. IDs are stable and never reused; accounts are
// deactivated rather than deleted so historical references stay valid.
type User struct {
	ID               int64      `json:"id"`
	Username         string     `json:"username"`
	FirstName        string     `json:"first_name,omitempty"`
	LastName         string     `json:"last_name,omitempty"`
	Email            string     `json:"email,omitempty"`
	PasswordHash     string     `json:"-"` // never serialized
	IsActive         bool       `json:"is_active"`
	IsSuperuser      bool       `json:"is_superuser"`
	IsServiceAccount bool       `json:"is_service_account"`
	LastLoginAt      *time.Time `json:"last_login_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Role is a membership role within a space. It is an open enumeration:
// unknown values round-trip through the store untouched so new roles do not
// require a schema change.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// rank orders the built-in roles for threshold checks. Unknown roles rank
// below member.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleMember:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r meets the given minimum role.
func (r Role) AtLeast(min Role) bool {
	return r.rank() >= min.rank()
}

// SpaceGrant binds a role to a space by id. Used where the space is already
// resolved (invitations, seeded grants).
type SpaceGrant struct {
	SpaceID int64 `json:"space_id" yaml:"space_id"`
	Role    Role  `json:"role" yaml:"role"`
}

// SlugGrant binds a role to a space by slug. Used at boundaries where callers
// speak slugs (signup forms, fixtures, the CLI).
type SlugGrant struct {
	Slug string `json:"slug" yaml:"slug"`
	Role Role   `json:"role" yaml:"role"`
}

// Status classifies the outcome of an operation. The numeric code follows
// HTTP conventions so transport layers can pass it through directly.
type Status struct {
	Code    int    `json:"status_code"`
	Message string `json:"status"`
}

var (
	StatusOK         = Status{Code: 200, Message: "ok"}
	StatusAuthFailed = Status{Code: 401, Message: "authentication failed"}
	StatusForbidden  = Status{Code: 403, Message: "forbidden"}
	StatusNotFound   = Status{Code: 404, Message: "not found"}
	StatusConflict   = Status{Code: 409, Message: "conflict"}
	StatusExpired    = Status{Code: 410, Message: "expired"}
	StatusInvalid    = Status{Code: 422, Message: "invalid"}
)

// OK reports whether the status is a success.
func (s Status) OK() bool {
	return s.Code == StatusOK.Code
}

// WithMessage returns a copy of s carrying a more specific message. The code
// is preserved so callers branching on it are unaffected.
func (s Status) WithMessage(msg string) Status {
	s.Message = msg
	return s
}
