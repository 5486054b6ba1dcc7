// Package topology builds the fleet-wide view of connected clients from the
// per-device client lists in telemetry. Nothing here is persisted.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/wiretide/wiretide/pkg/apperr"
	"github.com/wiretide/wiretide/pkg/store"
)

type ConnType string

const (
	Wifi     ConnType = "wifi"
	Ethernet ConnType = "ethernet"
)

// DefaultNetworks is the RFC 1918 private space.
var DefaultNetworks = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// placeholder MACs agents emit for unresolved neighbours.
var sentinelMACs = map[string]bool{
	"0/0/0":             true,
	"00:00:00:00:00:00": true,
	"ff:ff:ff:ff:ff:ff": true,
}

// Client is one merged client record.
type Client struct {
	MAC          string           `json:"mac"`
	IP           *string          `json:"ip"`
	Hostname     *string          `json:"hostname"`
	Type         ConnType         `json:"type"`
	ConnectedTo  string           `json:"connected_to"`
	ConnectedMAC string           `json:"connected_mac"`
	DeviceType   store.DeviceType `json:"device_type"`
}

// Sighting is one client as reported by one device.
type Sighting struct {
	MAC          string `json:"mac"`
	IP           string `json:"ip"`
	Hostname     string `json:"hostname"`
	ConnectedVia string `json:"connected_via"`
}

// Report is one managed device's client list.
type Report struct {
	DeviceMAC  string
	Hostname   string
	DeviceType store.DeviceType
	Clients    []Sighting
}

type Reconciler struct {
	db       *gorm.DB
	networks []netip.Prefix
}

// New returns a Reconciler that keeps client IPs inside networks. An empty
// list means DefaultNetworks.
func New(db *gorm.DB, networks []string) (*Reconciler, error) {
	if len(networks) == 0 {
		networks = DefaultNetworks
	}
	prefixes := make([]netip.Prefix, 0, len(networks))
	for _, n := range networks {
		p, err := netip.ParsePrefix(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("client network %q: %w", n, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return &Reconciler{db: db, networks: prefixes}, nil
}

// Reconcile loads every non-removed device's latest client list and merges
// them. Devices are visited oldest telemetry first so the result does not
// depend on table order.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Client, error) {
	db := r.db.WithContext(ctx)
	var devices []store.Device
	if err := db.Select("mac", "hostname", "device_type", "status").Find(&devices).Error; err != nil {
		return nil, apperr.Internal("failed to load devices", err)
	}
	var snaps []store.TelemetrySnapshot
	if err := db.Select("mac", "clients", "updated_at").Order("updated_at, mac").Find(&snaps).Error; err != nil {
		return nil, apperr.Internal("failed to load telemetry", err)
	}

	managed := make(map[string]bool, len(devices))
	byMAC := make(map[string]store.Device, len(devices))
	for _, d := range devices {
		mac := store.NormalizeMAC(d.MAC)
		managed[mac] = true
		byMAC[mac] = d
	}

	reports := make([]Report, 0, len(snaps))
	for _, s := range snaps {
		dev, ok := byMAC[store.NormalizeMAC(s.MAC)]
		if !ok || dev.Status == store.StatusRemoved {
			continue
		}
		reports = append(reports, Report{
			DeviceMAC:  dev.MAC,
			Hostname:   dev.Hostname,
			DeviceType: dev.DeviceType,
			Clients:    decodeSightings(s.Clients),
		})
	}
	return Merge(reports, managed, r.Private), nil
}

// Private reports whether ip lies inside the configured client networks.
func (r *Reconciler) Private(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range r.networks {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Merge folds reports, in order, into one client list. A Wi-Fi sighting
// rebinds a client to the reporting device; any sighting fills in a missing
// IP or hostname but never replaces a known one. Managed device MACs are
// never listed as clients.
func Merge(reports []Report, managed map[string]bool, private func(string) bool) []Client {
	merged := make(map[string]*Client)
	for _, rep := range reports {
		devType := rep.DeviceType
		if devType == "" {
			devType = store.TypeUnknown
		}
		for _, s := range rep.Clients {
			mac := store.NormalizeMAC(s.MAC)
			if mac == "" || sentinelMACs[mac] || managed[mac] {
				continue
			}
			ip := optional(s.IP)
			if ip != nil && !private(*ip) {
				ip = nil
			}
			host := optional(s.Hostname)
			if host != nil && strings.EqualFold(*host, "unknown") {
				host = nil
			}
			conn := Ethernet
			if strings.EqualFold(strings.TrimSpace(s.ConnectedVia), string(Wifi)) {
				conn = Wifi
			}

			c, seen := merged[mac]
			if !seen {
				merged[mac] = &Client{
					MAC:          mac,
					IP:           ip,
					Hostname:     host,
					Type:         conn,
					ConnectedTo:  rep.Hostname,
					ConnectedMAC: rep.DeviceMAC,
					DeviceType:   devType,
				}
				continue
			}
			if conn == Wifi {
				c.Type = Wifi
				c.ConnectedTo = rep.Hostname
				c.ConnectedMAC = rep.DeviceMAC
				c.DeviceType = devType
			}
			if c.IP == nil {
				c.IP = ip
			}
			if c.Hostname == nil {
				c.Hostname = host
			}
		}
	}

	out := make([]Client, 0, len(merged))
	for _, c := range merged {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Type == Wifi) != (b.Type == Wifi) {
			return a.Type == Wifi
		}
		ka, kb := sortKey(a), sortKey(b)
		if ka != kb {
			return ka < kb
		}
		return a.MAC < b.MAC
	})
	return out
}

func sortKey(c Client) string {
	if c.Hostname != nil {
		return strings.ToLower(*c.Hostname)
	}
	return c.MAC
}

// decodeSightings reads a stored client list. Entries that are not objects
// and fields that are not strings are ignored; a malformed list yields none.
func decodeSightings(raw []byte) []Sighting {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	str := func(m map[string]any, k string) string {
		v, _ := m[k].(string)
		return v
	}
	out := make([]Sighting, 0, len(entries))
	for _, item := range entries {
		var e map[string]any
		if json.Unmarshal(item, &e) != nil || e == nil {
			continue
		}
		out = append(out, Sighting{
			MAC:          str(e, "mac"),
			IP:           str(e, "ip"),
			Hostname:     str(e, "hostname"),
			ConnectedVia: str(e, "connected_via"),
		})
	}
	return out
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
