// Package distribution stores operator-authored configuration packages and
// serves them to the devices they belong to. Each package is addressed by the
// SHA-256 of its canonical encoding so both ends can check it arrived intact.
package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/store"
)

var (
	ErrInvalidPackage = apperr.Validation("package must be a JSON object")
	ErrDigestMismatch = apperr.Validation("sha256 does not match package")
)

// DeviceGate admits only devices that may currently receive packages.
type DeviceGate interface {
	RequireTrusted(ctx context.Context, mac string) (*store.Device, error)
}

type Distributor struct {
	db     *gorm.DB
	gate   DeviceGate
	events events.Publisher
	now    func() time.Time
}

type Option func(*Distributor)

func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

func WithEvents(p events.Publisher) Option {
	return func(d *Distributor) { d.events = events.OrNop(p) }
}

func New(db *gorm.DB, gate DeviceGate, opts ...Option) *Distributor {
	d := &Distributor{db: db, gate: gate, events: events.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Queued is what a device receives from Fetch. Available is false and the
// package empty when nothing was ever queued.
type Queued struct {
	Package   json.RawMessage `json:"package"`
	Available bool            `json:"available"`
	SHA256    *string         `json:"sha256"`
}

// QueueResult acknowledges a queued package.
type QueueResult struct {
	Status string   `json:"status"`
	Keys   []string `json:"keys"`
	SHA256 string   `json:"sha256"`
}

// Queue replaces the outstanding package for mac. The device must exist and
// be approved, and claimedDigest must equal the digest recomputed here.
func (d *Distributor) Queue(ctx context.Context, mac string, pkg json.RawMessage, claimedDigest string) (*QueueResult, error) {
	dev, err := d.gate.RequireTrusted(ctx, mac)
	if err != nil {
		return nil, err
	}

	canon, err := Canonical(pkg)
	if err != nil {
		return nil, ErrInvalidPackage
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(canon, &obj); err != nil || obj == nil {
		return nil, ErrInvalidPackage
	}
	digest, err := Digest(canon)
	if err != nil {
		return nil, ErrInvalidPackage
	}
	if strings.ToLower(strings.TrimSpace(claimedDigest)) != digest {
		return nil, ErrDigestMismatch
	}

	row := store.ConfigPackage{
		MAC:       dev.MAC,
		Package:   datatypes.JSON(canon),
		SHA256:    digest,
		CreatedAt: d.now().UTC(),
	}
	err = d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mac"}},
		DoUpdates: clause.AssignmentColumns([]string{"package", "sha256", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return nil, apperr.Internal("failed to queue package", err)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d.events.Publish(ctx, events.New(events.ConfigQueued, dev.MAC, map[string]any{
		"sha256": digest,
		"keys":   keys,
	}))
	return &QueueResult{Status: "queued", Keys: keys, SHA256: digest}, nil
}

// Fetch returns the outstanding package for an approved device. Unknown and
// unapproved devices fail even when a package is stored for them.
func (d *Distributor) Fetch(ctx context.Context, mac string) (*Queued, error) {
	dev, err := d.gate.RequireTrusted(ctx, mac)
	if err != nil {
		return nil, err
	}
	row, err := d.Pending(ctx, dev.MAC)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &Queued{Package: json.RawMessage(`{}`), Available: false}, nil
	}
	digest := row.SHA256
	return &Queued{Package: json.RawMessage(row.Package), Available: true, SHA256: &digest}, nil
}

// Pending returns the stored package for mac without any approval check, or
// nil when there is none. Operator views use it; devices go through Fetch.
func (d *Distributor) Pending(ctx context.Context, mac string) (*store.ConfigPackage, error) {
	var row store.ConfigPackage
	err := d.db.WithContext(ctx).Where("mac = ?", store.NormalizeMAC(mac)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperr.Internal("failed to load package", err)
	}
	return &row, nil
}
