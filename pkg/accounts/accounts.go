// Package accounts manages operator logins.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/credential"
	"github.com/wiretide/wiretide/pkg/store"
)

// AdminUsername is the built-in account that can never be deleted.
const AdminUsername = "admin"

const minPasswordLength = 8

var (
	ErrInvalidCredentials = apperr.Auth("invalid username or password")
	ErrWrongPassword      = apperr.Permission("invalid current password")
	ErrPasswordMismatch   = apperr.Validation("new passwords do not match")
	ErrPasswordTooShort   = apperr.Validation(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	ErrUsernameRequired   = apperr.Validation("username is required")
	ErrUserExists         = apperr.Conflict("user already exists")
	ErrUserNotFound       = apperr.NotFound("user not found")
	ErrRoleNotFound       = apperr.NotFound("role not found")
	ErrDeleteAdmin        = apperr.Conflict("default admin cannot be deleted")
	ErrDeleteSelf         = apperr.Conflict("you cannot delete your own account")
)

type Accounts struct {
	db   *gorm.DB
	cost int
}

type Option func(*Accounts)

// WithCost sets the bcrypt cost. Tests use bcrypt.MinCost.
func WithCost(cost int) Option {
	return func(a *Accounts) { a.cost = cost }
}

func New(db *gorm.DB, opts ...Option) *Accounts {
	a := &Accounts{db: db, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UserView is an account without its password hash.
type UserView struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// EnsureAdmin creates the built-in admin account if it is missing. When
// password is empty a random one is generated and returned; otherwise the
// returned string is empty. An existing admin keeps its password.
func (a *Accounts) EnsureAdmin(ctx context.Context, password string) (string, error) {
	generated := ""
	if password == "" {
		tok, err := credential.NewToken()
		if err != nil {
			return "", err
		}
		password, generated = tok, tok
	}
	role, err := a.role(ctx, a.db, AdminUsername)
	if err != nil {
		return "", err
	}
	hash, err := a.hash(password)
	if err != nil {
		return "", err
	}
	res := a.db.WithContext(ctx).Omit("Role").Clauses(clause.OnConflict{DoNothing: true}).
		Create(&store.User{Username: AdminUsername, PasswordHash: hash, RoleID: role.ID})
	if res.Error != nil {
		return "", apperr.Internal("failed to create admin", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", nil
	}
	return generated, nil
}

// Authenticate checks a username/password pair. Unknown users and wrong
// passwords fail identically.
func (a *Accounts) Authenticate(ctx context.Context, username, password string) (*UserView, error) {
	var user store.User
	err := a.db.WithContext(ctx).Preload("Role").Where("username = ?", username).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, apperr.Internal("failed to load user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &UserView{ID: user.ID, Username: user.Username, Role: user.Role.Name}, nil
}

func (a *Accounts) ChangePassword(ctx context.Context, username, oldPassword, newPassword, confirm string) error {
	if newPassword != confirm {
		return ErrPasswordMismatch
	}
	if len(newPassword) < minPasswordLength {
		return ErrPasswordTooShort
	}
	if _, err := a.Authenticate(ctx, username, oldPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return ErrWrongPassword
		}
		return err
	}
	hash, err := a.hash(newPassword)
	if err != nil {
		return err
	}
	err = a.db.WithContext(ctx).Model(&store.User{}).
		Where("username = ?", username).
		Update("password_hash", hash).Error
	if err != nil {
		return apperr.Internal("failed to update password", err)
	}
	return nil
}

func (a *Accounts) List(ctx context.Context) ([]UserView, error) {
	var users []store.User
	if err := a.db.WithContext(ctx).Preload("Role").Order("id").Find(&users).Error; err != nil {
		return nil, apperr.Internal("failed to list users", err)
	}
	out := make([]UserView, 0, len(users))
	for _, u := range users {
		out = append(out, UserView{ID: u.ID, Username: u.Username, Role: u.Role.Name})
	}
	return out, nil
}

// Create adds an operator with the named role.
func (a *Accounts) Create(ctx context.Context, username, password, roleName string) (*UserView, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	if len(password) < minPasswordLength {
		return nil, ErrPasswordTooShort
	}
	role, err := a.role(ctx, a.db, roleName)
	if err != nil {
		return nil, err
	}
	hash, err := a.hash(password)
	if err != nil {
		return nil, err
	}
	user := store.User{Username: username, PasswordHash: hash, RoleID: role.ID}
	if err := a.db.WithContext(ctx).Omit("Role").Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUserExists
		}
		return nil, apperr.Internal("failed to create user", err)
	}
	return &UserView{ID: user.ID, Username: user.Username, Role: role.Name}, nil
}

// Delete removes username on behalf of actor. The built-in admin and the
// actor's own account are protected.
func (a *Accounts) Delete(ctx context.Context, actor, username string) error {
	switch {
	case username == AdminUsername:
		return ErrDeleteAdmin
	case username == actor:
		return ErrDeleteSelf
	}
	res := a.db.WithContext(ctx).Where("username = ?", username).Delete(&store.User{})
	if res.Error != nil {
		return apperr.Internal("failed to delete user", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (a *Accounts) role(ctx context.Context, db *gorm.DB, name string) (*store.Role, error) {
	var role store.Role
	if err := db.WithContext(ctx).Where("name = ?", name).First(&role).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
		}
		return nil, apperr.Internal("failed to load role", err)
	}
	return &role, nil
}

func (a *Accounts) hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return "", apperr.Internal("failed to hash password", err)
	}
	return string(out), nil
}
