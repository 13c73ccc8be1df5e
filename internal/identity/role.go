package identity

import (
	"fmt"
	"strings"
)

// Role is the per-application privilege level of an account. Values are
// ordered; compare with the methods below, never with string logic.
type Role int

const (
	RoleGuest Role = iota
	RoleUser
	RolePremiumUser
	RoleAdmin
	RoleOwner
)

var roleNames = [...]string{
	RoleGuest:       "guest",
	RoleUser:        "user",
	RolePremiumUser: "premium_user",
	RoleAdmin:       "admin",
	RoleOwner:       "owner",
}

// DefaultRole is what a link falls back to after expiry or downgrade.
const DefaultRole = RoleUser

func (r Role) String() string {
	if r < RoleGuest || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r >= RoleGuest && int(r) < len(roleNames)
}

// AtLeast reports r >= other.
func (r Role) AtLeast(other Role) bool { return r >= other }

// Above reports r > other.
func (r Role) Above(other Role) bool { return r > other }

// Managing reports whether the role administers the application.
func (r Role) Managing() bool { return r >= RoleAdmin }

// ParseRole maps a role name onto the enumeration.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range roleNames {
		if n == name {
			return Role(i), nil
		}
	}
	return RoleGuest, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: role %d", ErrInvalidInput, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
