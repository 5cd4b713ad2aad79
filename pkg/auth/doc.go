// Package auth holds the identity primitives shared by every other package:
// the User record, the membership Role enumeration, structured operation
// outcomes (Status), and password hashing.
//
// # Outcomes vs errors
//
// Operations that can fail for reasons a caller must branch on (duplicate
// username, wrong password, invitation already used) return a Status inside
// their result instead of an error. Errors are reserved for infrastructure
// failures: unreachable database, broken transaction, integrity violations
// that should never happen.
//
// # Anti-enumeration
//
// StatusAuthFailed is returned for unknown identifiers, wrong passwords and
// inactive accounts alike. Callers must never specialize it; the equal shape
// across those branches is a hard guarantee, not a cosmetic choice.
package auth
