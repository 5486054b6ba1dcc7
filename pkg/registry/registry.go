// Package registry owns the device lifecycle:
//
//	waiting -> approved | denied | blocked
//	any non-removed state -> removed
//	removed -> waiting (re-registration only)
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/store"
)

var (
	ErrDeviceNotFound    = apperr.NotFound("device not found")
	ErrDeviceNotApproved = apperr.Permission("device not approved")
	ErrDeviceRemoved     = apperr.Conflict("device is removed; it must re-register first")
	ErrInvalidDeviceType = apperr.Validation("invalid or missing device type")
	ErrInvalidMAC        = apperr.Validation("invalid mac address")
)

type Registry struct {
	db     *gorm.DB
	events events.Publisher
	now    func() time.Time
}

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithEvents(p events.Publisher) Option {
	return func(r *Registry) { r.events = events.OrNop(p) }
}

func New(db *gorm.DB, opts ...Option) *Registry {
	r := &Registry{db: db, events: events.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registration is what a device reports on first contact and every restart.
type Registration struct {
	MAC            string `json:"mac" binding:"required"`
	Hostname       string `json:"hostname"`
	IP             string `json:"-"`
	SSHFingerprint string `json:"ssh_fingerprint"`
	SSHEnabled     bool   `json:"ssh_enabled"`
}

// Register inserts a new device in the waiting state or refreshes an existing
// one. Status is preserved except that a removed device returns to waiting.
// The upsert is a single statement so concurrent registrations cannot lose
// each other's writes.
func (r *Registry) Register(ctx context.Context, reg Registration) (*store.Device, error) {
	mac, err := parseDeviceMAC(reg.MAC)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	dev := store.Device{
		MAC:            mac,
		Hostname:       reg.Hostname,
		IP:             reg.IP,
		DeviceType:     store.TypeUnknown,
		Status:         store.StatusWaiting,
		SSHFingerprint: reg.SSHFingerprint,
		SSHEnabled:     reg.SSHEnabled,
		LastSeen:       now,
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "mac"}},
		DoUpdates: clause.Assignments(map[string]any{
			"hostname":   reg.Hostname,
			"ip":         reg.IP,
			"last_seen":  now,
			"updated_at": now,
			"status": gorm.Expr("CASE WHEN devices.status = ? THEN ? ELSE devices.status END",
				store.StatusRemoved, store.StatusWaiting),
		}),
	}).Create(&dev).Error
	if err != nil {
		return nil, apperr.Internal("failed to register device", err)
	}

	out, err := r.Get(ctx, mac)
	if err != nil {
		return nil, err
	}
	r.events.Publish(ctx, events.New(events.DeviceRegistered, mac, map[string]any{
		"hostname": out.Hostname,
		"status":   out.Status,
	}))
	return out, nil
}

// Approve trusts a device and assigns its type. The type must be one of the
// non-unknown enumeration values.
func (r *Registry) Approve(ctx context.Context, mac, deviceType string) (*store.Device, error) {
	t, ok := store.ParseDeviceType(deviceType)
	if !ok {
		return nil, ErrInvalidDeviceType
	}
	mac = store.NormalizeMAC(mac)
	err := r.transition(ctx, mac, map[string]any{
		"approved":    true,
		"status":      store.StatusApproved,
		"device_type": t,
	}, true)
	if err != nil {
		return nil, err
	}
	r.events.Publish(ctx, events.New(events.DeviceApproved, mac, map[string]any{"device_type": t}))
	return r.Get(ctx, mac)
}

func (r *Registry) Deny(ctx context.Context, mac string) (*store.Device, error) {
	return r.setStatus(ctx, mac, store.StatusDenied, events.DeviceDenied)
}

func (r *Registry) Block(ctx context.Context, mac string) (*store.Device, error) {
	return r.setStatus(ctx, mac, store.StatusBlocked, events.DeviceBlocked)
}

// Remove is allowed from every state and is idempotent. The approved flag is
// kept; Trusted() already fails for a removed device.
func (r *Registry) Remove(ctx context.Context, mac string) (*store.Device, error) {
	return r.setStatus(ctx, mac, store.StatusRemoved, events.DeviceRemoved)
}

func (r *Registry) setStatus(ctx context.Context, mac string, status store.DeviceStatus, ev events.Type) (*store.Device, error) {
	mac = store.NormalizeMAC(mac)
	guard := status != store.StatusRemoved
	if err := r.transition(ctx, mac, map[string]any{"status": status}, guard); err != nil {
		return nil, err
	}
	r.events.Publish(ctx, events.New(ev, mac, nil))
	return r.Get(ctx, mac)
}

// transition applies updates in one conditional statement. With guard set,
// removed devices are left alone and reported as a conflict.
func (r *Registry) transition(ctx context.Context, mac string, updates map[string]any, guard bool) error {
	updates["updated_at"] = r.now().UTC()
	q := r.db.WithContext(ctx).Model(&store.Device{}).Where("mac = ?", mac)
	if guard {
		q = q.Where("status <> ?", store.StatusRemoved)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return apperr.Internal("failed to update device", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if _, err := r.Get(ctx, mac); err != nil {
		return err
	}
	return ErrDeviceRemoved
}

// SetAgentUpdate toggles the per-device agent self-update opt-in.
func (r *Registry) SetAgentUpdate(ctx context.Context, mac string, enabled bool) error {
	mac = store.NormalizeMAC(mac)
	res := r.db.WithContext(ctx).Model(&store.Device{}).
		Where("mac = ?", mac).
		Update("agent_update_allowed", enabled)
	if res.Error != nil {
		return apperr.Internal("failed to update device", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, mac string) (*store.Device, error) {
	var dev store.Device
	err := r.db.WithContext(ctx).Where("mac = ?", store.NormalizeMAC(mac)).First(&dev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, apperr.Internal("failed to load device", err)
	}
	return &dev, nil
}

// RequireTrusted returns the device only if it is currently approved. Unknown
// and untrusted MACs both fail closed.
func (r *Registry) RequireTrusted(ctx context.Context, mac string) (*store.Device, error) {
	dev, err := r.Get(ctx, mac)
	if err != nil {
		return nil, err
	}
	if !dev.Trusted() {
		return nil, ErrDeviceNotApproved
	}
	return dev, nil
}

// Summary is the list view of a device. LastSeen is the most recent of the
// telemetry update time and the registration last-seen.
type Summary struct {
	Hostname           string             `json:"hostname"`
	MAC                string             `json:"mac"`
	IP                 string             `json:"ip"`
	LastSeen           time.Time          `json:"last_seen"`
	Status             store.DeviceStatus `json:"status"`
	SSHEnabled         bool               `json:"ssh_enabled"`
	DeviceType         store.DeviceType   `json:"device_type"`
	Approved           bool               `json:"approved"`
	AgentUpdateAllowed bool               `json:"agent_update_allowed"`
}

// List returns every device, most recently active first.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	db := r.db.WithContext(ctx)
	var devices []store.Device
	if err := db.Find(&devices).Error; err != nil {
		return nil, apperr.Internal("failed to list devices", err)
	}
	var snapshots []store.TelemetrySnapshot
	if err := db.Select("mac", "updated_at").Find(&snapshots).Error; err != nil {
		return nil, apperr.Internal("failed to list telemetry", err)
	}
	updated := make(map[string]time.Time, len(snapshots))
	for _, s := range snapshots {
		updated[s.MAC] = s.UpdatedAt
	}

	out := make([]Summary, 0, len(devices))
	for _, d := range devices {
		seen := d.LastSeen
		if ts, ok := updated[d.MAC]; ok && !ts.IsZero() {
			seen = ts
		}
		out = append(out, Summary{
			Hostname:           d.Hostname,
			MAC:                d.MAC,
			IP:                 d.IP,
			LastSeen:           seen,
			Status:             d.Status,
			SSHEnabled:         d.SSHEnabled,
			DeviceType:         d.DeviceType,
			Approved:           d.Approved,
			AgentUpdateAllowed: d.AgentUpdateAllowed,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].MAC < out[j].MAC
	})
	return out, nil
}

func parseDeviceMAC(raw string) (string, error) {
	mac := store.NormalizeMAC(raw)
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, raw)
	}
	return hw.String(), nil
}
