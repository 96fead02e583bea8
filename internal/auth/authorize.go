package auth

import (
	"slices"

	"bloodnet.org/internal/matching"
)

// Principal is the caller established from a validated token.
type Principal struct {
	UserID string
	Roles  []matching.Role
}

// PrincipalFromClaims builds the principal a token speaks for. Claims come
// from ParseAndValidate, which has already rejected unknown roles.
func PrincipalFromClaims(c *Claims) Principal {
	p := Principal{UserID: c.Subject}
	for _, name := range c.Roles {
		if role, ok := matching.ParseRole(name); ok && !slices.Contains(p.Roles, role) {
			p.Roles = append(p.Roles, role)
		}
	}
	return p
}

// HasRole reports whether the principal carries role. The ROLE_ prefix and
// case are ignored.
func (p Principal) HasRole(role string) bool {
	r, ok := matching.ParseRole(role)
	return ok && slices.Contains(p.Roles, r)
}

// HasAnyRole reports whether the principal carries at least one of roles.
func (p Principal) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// Actor is the engine's view of the principal.
func (p Principal) Actor() matching.Actor {
	return matching.Actor{UserID: p.UserID, Roles: slices.Clone(p.Roles)}
}
