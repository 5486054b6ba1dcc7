package rbac

import (
	"regexp"
	"sort"
	"strings"
)

// Permission is a capability tag of the form resource:action, or the
// wildcard.
type Permission string

const Wildcard Permission = "*"

const (
	SystemView      Permission = "system:view"
	SystemRestart   Permission = "system:restart"
	SystemReset     Permission = "system:reset"
	CertRegenerate  Permission = "cert:regenerate"
	LogsView        Permission = "logs:view"
	LogsDownload    Permission = "logs:download"
	DevicesView     Permission = "devices:view"
	DevicesApprove  Permission = "devices:approve"
	DevicesManage   Permission = "devices:manage"
	BackupDownload  Permission = "backup:download"
	BackupRestore   Permission = "backup:restore"
	UsersCreate     Permission = "users:create"
	UsersDelete     Permission = "users:delete"
	TokenRegenerate Permission = "token:regenerate"
	TokensManage    Permission = "tokens:manage"
	RolesManage     Permission = "roles:manage"
)

var catalogue = []Permission{
	SystemView, SystemRestart,
	CertRegenerate,
	LogsView, LogsDownload,
	DevicesView, DevicesApprove, DevicesManage,
	BackupDownload, BackupRestore, SystemReset,
	UsersCreate, UsersDelete,
	TokenRegenerate, TokensManage,
	RolesManage,
}

// Catalogue lists every permission the controller knows how to check.
func Catalogue() []Permission {
	out := make([]Permission, len(catalogue))
	copy(out, catalogue)
	return out
}

var permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*(:[a-z][a-z0-9_-]*)+$`)

// Valid reports whether p is the wildcard or well formed.
func (p Permission) Valid() bool {
	return p == Wildcard || permissionPattern.MatchString(string(p))
}

// PermissionSet is a role's resolved grants. The wildcard is just another
// member; Allows is the only place that interprets it.
type PermissionSet map[Permission]struct{}

func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s PermissionSet) Allows(p Permission) bool {
	if _, ok := s[Wildcard]; ok {
		return true
	}
	_, ok := s[p]
	return ok
}

// Sorted returns the members in lexical order.
func (s PermissionSet) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InferFromPath derives a permission from a request path:
// /api/users/delete becomes api:users:delete. Routes that guard anything
// sensitive declare their permission instead of relying on this.
func InferFromPath(path string) Permission {
	return Permission(strings.ReplaceAll(strings.Trim(path, "/"), "/", ":"))
}

// ParseList splits a comma-separated permission list, dropping blanks and
// duplicates while keeping the first-seen order.
func ParseList(csv string) []Permission {
	seen := make(map[Permission]bool)
	var out []Permission
	for _, part := range strings.Split(csv, ",") {
		p := Permission(strings.TrimSpace(part))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
