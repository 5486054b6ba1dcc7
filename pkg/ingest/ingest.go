// Package ingest turns agent status pushes into telemetry snapshots.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/events"
	"github.com/wiretide/wiretide/pkg/store"
)

var (
	ErrUnknownDevice = apperr.NotFound("device not registered")
	ErrDeviceRemoved = apperr.Conflict("device is removed; it must re-register first")
)

type Ingestor struct {
	db     *gorm.DB
	events events.Publisher
	now    func() time.Time
}

type Option func(*Ingestor)

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

func WithEvents(p events.Publisher) Option {
	return func(i *Ingestor) { i.events = events.OrNop(p) }
}

func New(db *gorm.DB, opts ...Option) *Ingestor {
	i := &Ingestor{db: db, events: events.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Result summarizes an accepted push.
type Result struct {
	MAC     string `json:"mac"`
	Events  int    `json:"events"`
	Profile string `json:"profile"`
}

// Accept decodes body and stores it as the device's latest snapshot. The
// device's last-seen time and SSH flag are refreshed in the same transaction.
func (i *Ingestor) Accept(ctx context.Context, body []byte) (*Result, error) {
	rep, err := Decode(body)
	if err != nil {
		return nil, err
	}
	now := i.now().UTC()

	snap := store.TelemetrySnapshot{
		MAC:                rep.MAC,
		Model:              rep.Model,
		WANIP:              rep.WANIP,
		DNSServers:         mustJSON(rep.DNSServers),
		NTPSynced:          rep.NTPSynced,
		FirewallEnabled:    rep.FirewallEnabled,
		FirewallProfile:    rep.FirewallProfile,
		SecurityLogSamples: mustJSON(rep.SecurityLogSamples),
		Clients:            mustJSON(rep.Clients),
		UpdatedAt:          now,
	}

	err = i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dev store.Device
		if err := tx.Select("id", "status").Where("mac = ?", rep.MAC).First(&dev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownDevice
			}
			return err
		}
		if dev.Status == store.StatusRemoved {
			return ErrDeviceRemoved
		}

		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "mac"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"model", "wan_ip", "dns_servers", "ntp_synced", "firewall_enabled",
				"firewall_profile_active", "security_log_samples", "clients", "updated_at",
			}),
		}).Create(&snap).Error
		if err != nil {
			return err
		}
		return tx.Model(&store.Device{}).Where("id = ?", dev.ID).Updates(map[string]any{
			"last_seen":   now,
			"ssh_enabled": rep.SSHEnabled,
			"status_raw":  datatypes.JSON(body),
		}).Error
	})
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperr.Internal("failed to store telemetry", err)
	}

	i.events.Publish(ctx, events.New(events.TelemetryPushed, rep.MAC, map[string]any{
		"model":   rep.Model,
		"clients": len(rep.Clients),
	}))
	return &Result{MAC: rep.MAC, Events: len(rep.SecurityLogSamples), Profile: rep.FirewallProfile}, nil
}

// Snapshot returns the stored snapshot for mac.
func (i *Ingestor) Snapshot(ctx context.Context, mac string) (*store.TelemetrySnapshot, error) {
	var snap store.TelemetrySnapshot
	err := i.db.WithContext(ctx).Where("mac = ?", store.NormalizeMAC(mac)).First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("no telemetry for device")
		}
		return nil, apperr.Internal("failed to load telemetry", err)
	}
	return &snap, nil
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(b)
}
