// Package rbac resolves operator permissions from role assignments.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/store"
)

var (
	ErrLoginRequired     = apperr.Auth("login required")
	ErrUserGone          = apperr.Auth("user no longer exists")
	ErrPermissionDenied  = apperr.Permission("permission denied")
	ErrRoleNotFound      = apperr.NotFound("role not found")
	ErrInvalidPermission = apperr.Validation("invalid permission")
)

type Engine struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Engine {
	return &Engine{db: db}
}

// Resolve returns the permission set granted to username through its role.
// A username with no user row fails as an authentication error so a session
// cannot outlive its account.
func (e *Engine) Resolve(ctx context.Context, username string) (PermissionSet, error) {
	if username == "" {
		return nil, ErrLoginRequired
	}
	db := e.db.WithContext(ctx)
	var user store.User
	if err := db.Select("id", "role_id").Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserGone
		}
		return nil, apperr.Internal("failed to load user", err)
	}
	var perms []string
	err := db.Model(&store.RolePermission{}).
		Where("role_id = ?", user.RoleID).
		Pluck("permission", &perms).Error
	if err != nil {
		return nil, apperr.Internal("failed to load permissions", err)
	}
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[Permission(p)] = struct{}{}
	}
	return set, nil
}

// Check fails unless username currently holds perm or the wildcard.
func (e *Engine) Check(ctx context.Context, username string, perm Permission) error {
	set, err := e.Resolve(ctx, username)
	if err != nil {
		return err
	}
	if !set.Allows(perm) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, perm)
	}
	return nil
}

// RoleView is a role with its permissions.
type RoleView struct {
	ID          uint         `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

func (e *Engine) ListRoles(ctx context.Context) ([]RoleView, error) {
	var roles []store.Role
	if err := e.db.WithContext(ctx).Preload("Permissions").Order("id").Find(&roles).Error; err != nil {
		return nil, apperr.Internal("failed to list roles", err)
	}
	out := make([]RoleView, 0, len(roles))
	for _, r := range roles {
		set := make(PermissionSet, len(r.Permissions))
		for _, p := range r.Permissions {
			set[Permission(p.Permission)] = struct{}{}
		}
		out = append(out, RoleView{ID: r.ID, Name: r.Name, Permissions: set.Sorted()})
	}
	return out, nil
}

// RoleByName returns the role with the given name.
func (e *Engine) RoleByName(ctx context.Context, name string) (*store.Role, error) {
	var role store.Role
	if err := e.db.WithContext(ctx).Where("name = ?", name).First(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, apperr.Internal("failed to load role", err)
	}
	return &role, nil
}

// SetRolePermissions replaces the permissions of a role.
func (e *Engine) SetRolePermissions(ctx context.Context, roleID uint, perms []Permission) (*RoleView, error) {
	for _, p := range perms {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
	}
	var role store.Role
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&role, roleID).Error; err != nil {
			return err
		}
		if err := tx.Where("role_id = ?", roleID).Delete(&store.RolePermission{}).Error; err != nil {
			return err
		}
		return insertPermissions(tx, roleID, perms)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, apperr.Internal("failed to update role", err)
	}
	return &RoleView{ID: role.ID, Name: role.Name, Permissions: NewPermissionSet(perms...).Sorted()}, nil
}

func insertPermissions(tx *gorm.DB, roleID uint, perms []Permission) error {
	if len(perms) == 0 {
		return nil
	}
	rows := make([]store.RolePermission, 0, len(perms))
	for _, p := range perms {
		rows = append(rows, store.RolePermission{RoleID: roleID, Permission: string(p)})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// RoleSeed describes the roles created on first start.
type RoleSeed struct {
	Roles []SeedRole `yaml:"roles"`
}

type SeedRole struct {
	Name        string       `yaml:"name"`
	Permissions []Permission `yaml:"permissions"`
}

// DefaultSeed grants admin everything and user read access to the fleet.
func DefaultSeed() RoleSeed {
	return RoleSeed{Roles: []SeedRole{
		{Name: "admin", Permissions: []Permission{Wildcard}},
		{Name: "user", Permissions: []Permission{DevicesView}},
	}}
}

// LoadSeed reads a YAML role seed. An empty path yields DefaultSeed.
func LoadSeed(path string) (RoleSeed, error) {
	if path == "" {
		return DefaultSeed(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RoleSeed{}, fmt.Errorf("read role seed %s: %w", path, err)
	}
	var seed RoleSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return RoleSeed{}, fmt.Errorf("parse role seed %s: %w", path, err)
	}
	for _, r := range seed.Roles {
		if r.Name == "" {
			return RoleSeed{}, fmt.Errorf("role seed %s: role without name", path)
		}
		for _, p := range r.Permissions {
			if !p.Valid() {
				return RoleSeed{}, fmt.Errorf("role seed %s: role %s: invalid permission %q", path, r.Name, p)
			}
		}
	}
	return seed, nil
}

// Seed creates missing roles with their seeded permissions. Roles that
// already exist are left alone so operator edits survive restarts.
func (e *Engine) Seed(ctx context.Context, seed RoleSeed) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range seed.Roles {
			role := store.Role{Name: r.Name}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&role)
			if res.Error != nil {
				return fmt.Errorf("seed role %s: %w", r.Name, res.Error)
			}
			if res.RowsAffected == 0 {
				continue
			}
			if err := insertPermissions(tx, role.ID, r.Permissions); err != nil {
				return fmt.Errorf("seed role %s permissions: %w", r.Name, err)
			}
		}
		return nil
	})
}
