package auth

import "strings"

// SuperRole bypasses every permission check. Guards short-circuit on it
// explicitly instead of relying on a "*" entry, so the bypass is visible in
// audits and tests.
const SuperRole = "admin"

const (
	RoleAdmin      = "admin"
	RoleOfficer    = "officer"
	RoleSteward    = "steward"
	RoleOrganizer  = "organizer"
	RoleInstructor = "instructor"
	RoleMember     = "member"
)

// Permission is the parsed form of a "resource:action" wire string. Parsing
// happens once at the boundary; internal checks work on the typed pair.
type Permission struct {
	Resource string
	Action   string
}

func ParsePermission(raw string) Permission {
	resource, action, found := strings.Cut(raw, ":")
	if !found {
		return Permission{Resource: raw}
	}
	return Permission{Resource: resource, Action: action}
}

func (p Permission) String() string {
	if p.Action == "" {
		return p.Resource
	}
	return p.Resource + ":" + p.Action
}

// RolePermissions is the static role catalog. Effective permissions for an
// account are the union over its active role assignments.
var RolePermissions = map[string][]string{
	RoleAdmin: {
		"*",
	},
	RoleOfficer: {
		"members:*",
		"dues:*",
		"grievances:*",
		"documents:read",
		"reports:read",
	},
	RoleSteward: {
		"members:read",
		"grievances:read",
		"grievances:write",
		"documents:read",
	},
	RoleOrganizer: {
		"members:read",
		"members:write",
		"salting:*",
		"documents:read",
	},
	RoleInstructor: {
		"training:*",
		"members:read",
	},
	RoleMember: {
		"dues:read_own",
		"documents:read",
		"training:read",
	},
}

// Has reports whether held satisfies required. Rules, in order: a literal "*"
// grants everything; an exact match grants; "resource:*" grants any action on
// that resource. No deeper wildcard nesting is supported.
func Has(required string, held []string) bool {
	req := ParsePermission(required)
	for _, h := range held {
		if h == "*" {
			return true
		}
		if h == required {
			return true
		}
		p := ParsePermission(h)
		if p.Action == "*" && p.Resource == req.Resource {
			return true
		}
	}
	return false
}

func HasAny(required []string, held []string) bool {
	for _, r := range required {
		if Has(r, held) {
			return true
		}
	}
	return false
}

func HasAll(required []string, held []string) bool {
	for _, r := range required {
		if !Has(r, held) {
			return false
		}
	}
	return true
}

// EffectivePermissions flattens a set of role names into the union of their
// catalog permissions. Unknown roles contribute nothing. Grants are strictly
// additive; no role can subtract a permission granted by another.
func EffectivePermissions(roles []string) []string {
	seen := make(map[string]struct{})
	flat := make([]string, 0, 8)
	for _, role := range roles {
		for _, perm := range RolePermissions[role] {
			if _, ok := seen[perm]; ok {
				continue
			}
			seen[perm] = struct{}{}
			flat = append(flat, perm)
		}
	}
	return flat
}

func holdsRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
