package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// WildcardPermission grants everything.
const WildcardPermission = "*"

// MatchPermission reports whether pattern grants permission. A pattern is
// "*", an exact permission, or a prefix ending in "*" such as "tools.*".
func MatchPermission(pattern, permission string) bool {
	if pattern == WildcardPermission || pattern == permission {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(permission, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// HasPermission reports whether any entry of granted covers required.
func HasPermission(granted []string, required string) bool {
	for _, pattern := range granted {
		if MatchPermission(pattern, required) {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether granted covers every entry of required
// and returns the first one that is missing.
func HasAllPermissions(granted, required []string) (string, bool) {
	for _, r := range required {
		if !HasPermission(granted, r) {
			return r, false
		}
	}
	return "", true
}

// Role is a named permission set. Roles may inherit from other roles.
type Role struct {
	Name        string
	Permissions []string
	Inherits    []string
}

// RoleTable expands role names into permissions.
type RoleTable struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewRoleTable creates a table with the built-in roles plus extra.
func NewRoleTable(extra ...Role) *RoleTable {
	t := &RoleTable{roles: make(map[string]Role)}
	for _, r := range []Role{
		{Name: "admin", Permissions: []string{WildcardPermission}},
		{Name: "operator", Permissions: []string{"tools.*", "rpc.*", "system.*"}},
		{Name: "viewer", Permissions: []string{"tools.list", "tools.describe", "rpc.*"}},
	} {
		t.roles[r.Name] = r
	}
	for _, r := range extra {
		t.roles[r.Name] = r
	}
	return t
}

// Define adds or replaces a role. Unknown inherited roles are rejected.
func (t *RoleTable) Define(role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, parent := range role.Inherits {
		if _, ok := t.roles[parent]; !ok && parent != role.Name {
			return fmt.Errorf("role %s inherits unknown role %s", role.Name, parent)
		}
	}
	t.roles[role.Name] = role
	return nil
}

// Expand returns the sorted union of permissions granted by roles,
// following inheritance. Cycles are tolerated.
func (t *RoleTable) Expand(roles []string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	perms := make(map[string]struct{})
	var walk func(name string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		role, ok := t.roles[name]
		if !ok {
			return
		}
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
		for _, parent := range role.Inherits {
			walk(parent)
		}
	}
	for _, r := range roles {
		walk(r)
	}

	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func mergePermissions(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if _, ok := set[p]; ok {
				continue
			}
			set[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
