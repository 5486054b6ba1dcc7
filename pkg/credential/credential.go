// Package credential persists the two agent-facing credential tiers: one
// rotating shared token used by every agent, and a set of static integration
// tokens that never expire.
package credential

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/store"
)

const (
	KeySharedToken       = "shared_token"
	KeySharedTokenExpiry = "shared_token_expiry"

	// HeaderAPIToken carries an agent or integration credential. The legacy
	// "Authorization: Bearer" form is accepted too.
	HeaderAPIToken = "X-API-Token"

	tokenBytes = 32
)

var (
	ErrMissingToken = apperr.Auth("missing API token")
	ErrInvalidToken = apperr.Auth("invalid API token")
	ErrTokenExpired = apperr.Auth("API token expired")

	ErrStaticTokenNotFound = apperr.NotFound("token not found")
)

// SharedToken is the fleet-wide agent credential.
type SharedToken struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the token may still be presented at now.
func (t SharedToken) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

type Store struct {
	db     *gorm.DB
	events events.Publisher
	now    func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithEvents(p events.Publisher) Option {
	return func(s *Store) { s.events = events.OrNop(p) }
}

func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, events: events.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the stored shared token whether or not it has expired. The
// zero value is returned when none was ever issued.
func (s *Store) Current(ctx context.Context) (SharedToken, error) {
	tok, _, err := s.read(s.db.WithContext(ctx))
	return tok, err
}

// IssueOrRotateSharedToken returns the current token while it is valid and
// otherwise replaces it with a fresh one that lives for ttl.
//
// Replacement is a compare-and-swap on the expiry row: only the caller whose
// conditional write matched the expiry it observed installs its token. A
// caller that loses the race returns the winner's token, so two concurrent
// callers near expiry never hand out different values.
func (s *Store) IssueOrRotateSharedToken(ctx context.Context, ttl time.Duration) (SharedToken, error) {
	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < 3; attempt++ {
		cur, rawExpiry, err := s.read(db)
		if err != nil {
			return SharedToken{}, err
		}
		now := s.now().UTC()
		if cur.Valid(now) {
			return cur, nil
		}

		next, err := s.generate(now, ttl)
		if err != nil {
			return SharedToken{}, err
		}
		won, err := s.swap(db, rawExpiry, next)
		if err != nil {
			return SharedToken{}, err
		}
		if won {
			s.events.Publish(ctx, events.New(events.TokenRotated, "", map[string]any{
				"expires_at": next.ExpiresAt,
				"forced":     false,
			}))
			return next, nil
		}
	}
	// Lost every race; whatever is stored now came from a concurrent winner.
	return s.Current(ctx)
}

// ForceRotate replaces the shared token regardless of its validity.
func (s *Store) ForceRotate(ctx context.Context, ttl time.Duration) (SharedToken, error) {
	next, err := s.generate(s.now().UTC(), ttl)
	if err != nil {
		return SharedToken{}, err
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create([]store.Setting{
			{Key: KeySharedToken, Value: next.Value},
			{Key: KeySharedTokenExpiry, Value: formatExpiry(next.ExpiresAt)},
		}).Error
	})
	if err != nil {
		return SharedToken{}, apperr.Internal("failed to rotate token", err)
	}
	s.events.Publish(ctx, events.New(events.TokenRotated, "", map[string]any{
		"expires_at": next.ExpiresAt,
		"forced":     true,
	}))
	return next, nil
}

// VerifyAgentToken checks a presented credential against the current shared
// token. Comparison is exact after trimming surrounding whitespace.
func (s *Store) VerifyAgentToken(ctx context.Context, presented string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return ErrMissingToken
	}
	cur, err := s.Current(ctx)
	if err != nil {
		return err
	}
	if cur.Value == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(cur.Value)) != 1 {
		return ErrInvalidToken
	}
	if !cur.Valid(s.now().UTC()) {
		return ErrTokenExpired
	}
	return nil
}

// PresentedToken extracts a credential from the X-API-Token header, falling
// back to an "Authorization: Bearer" header.
func PresentedToken(apiToken, authorization string) string {
	if tok := strings.TrimSpace(apiToken); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && strings.EqualFold(authorization[:len(prefix)], prefix) {
		return strings.TrimSpace(authorization[len(prefix):])
	}
	return ""
}

// swap installs next if the stored expiry row still holds rawExpiry (empty
// meaning no row yet). Both rows change in one transaction so readers never
// see a new expiry paired with the old token.
func (s *Store) swap(db *gorm.DB, rawExpiry string, next SharedToken) (bool, error) {
	won := false
	err := db.Transaction(func(tx *gorm.DB) error {
		expiry := formatExpiry(next.ExpiresAt)
		var res *gorm.DB
		if rawExpiry == "" {
			res = tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&store.Setting{Key: KeySharedTokenExpiry, Value: expiry})
		} else {
			res = tx.Model(&store.Setting{}).
				Where(map[string]any{"key": KeySharedTokenExpiry, "value": rawExpiry}).
				Update("value", expiry)
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		won = true
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&store.Setting{Key: KeySharedToken, Value: next.Value}).Error
	})
	if err != nil {
		return false, apperr.Internal("failed to rotate token", err)
	}
	return won, nil
}

// read returns the stored token and the raw expiry value it was read with.
func (s *Store) read(db *gorm.DB) (SharedToken, string, error) {
	values, err := store.GetSettings(db, KeySharedToken, KeySharedTokenExpiry)
	if err != nil {
		return SharedToken{}, "", apperr.Internal("failed to read token", err)
	}
	tok := SharedToken{Value: strings.TrimSpace(values[KeySharedToken])}
	raw := values[KeySharedTokenExpiry]
	// An unparseable expiry leaves ExpiresAt zero, which reads as expired.
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		tok.ExpiresAt = ts
	}
	return tok, raw, nil
}

func (s *Store) generate(now time.Time, ttl time.Duration) (SharedToken, error) {
	value, err := NewToken()
	if err != nil {
		return SharedToken{}, err
	}
	return SharedToken{Value: value, ExpiresAt: now.Add(ttl)}, nil
}

// NewToken returns a URL-safe token carrying 256 bits of randomness.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Internal("failed to generate token", fmt.Errorf("read random: %w", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func formatExpiry(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// VerifyStaticToken looks presented up in the static token set.
func (s *Store) VerifyStaticToken(ctx context.Context, presented string) (*store.StaticToken, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, ErrMissingToken
	}
	var tok store.StaticToken
	err := s.db.WithContext(ctx).Where("token = ?", presented).First(&tok).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, apperr.Internal("failed to verify token", err)
	}
	return &tok, nil
}

// CreateStaticToken mints a new integration token. The value is only
// returned here; listings never include it.
func (s *Store) CreateStaticToken(ctx context.Context, description string) (*store.StaticToken, string, error) {
	value, err := NewToken()
	if err != nil {
		return nil, "", err
	}
	tok := &store.StaticToken{
		Token:       value,
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(tok).Error; err != nil {
		return nil, "", apperr.Internal("failed to create token", err)
	}
	return tok, value, nil
}

func (s *Store) ListStaticTokens(ctx context.Context) ([]store.StaticToken, error) {
	var out []store.StaticToken
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, apperr.Internal("failed to list tokens", err)
	}
	return out, nil
}

func (s *Store) DeleteStaticToken(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&store.StaticToken{}, id)
	if res.Error != nil {
		return apperr.Internal("failed to delete token", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaticTokenNotFound
	}
	return nil
}
