// Package events carries fleet lifecycle notifications to operators and
// integrations. It is an outbound feed only: devices never receive
// configuration through it.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	DeviceRegistered Type = "device.registered"
	DeviceApproved   Type = "device.approved"
	DeviceDenied     Type = "device.denied"
	DeviceBlocked    Type = "device.blocked"
	DeviceRemoved    Type = "device.removed"
	TelemetryPushed  Type = "device.telemetry"
	ConfigQueued     Type = "config.queued"
	TokenRotated     Type = "token.rotated"
)

type Event struct {
	ID   string         `json:"id"`
	Type Type           `json:"type"`
	MAC  string         `json:"mac,omitempty"`
	Time time.Time      `json:"time"`
	Data map[string]any `json:"data,omitempty"`
}

func New(t Type, mac string, data map[string]any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: t,
		MAC:  mac,
		Time: time.Now().UTC(),
		Data: data,
	}
}

// Publisher receives events. Implementations must not block the caller on
// network I/O.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Bus fans an event out to every attached sink.
type Bus struct {
	mu    sync.RWMutex
	sinks []Publisher
}

func NewBus(sinks ...Publisher) *Bus {
	return &Bus{sinks: sinks}
}

func (b *Bus) Attach(p Publisher) {
	b.mu.Lock()
	b.sinks = append(b.sinks, p)
	b.mu.Unlock()
}

func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	sinks := make([]Publisher, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(ctx, ev)
	}
}

// Recorder keeps published events in memory. Tests use it to assert on
// emitted notifications.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []Type {
	evs := r.Events()
	out := make([]Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}
