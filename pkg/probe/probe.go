// Package probe gathers the device status an agent pushes to the controller.
package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/wiretide/wiretide/pkg/config"
)

// Status is the schema_version 2 status body.
type Status struct {
	SchemaVersion      int      `json:"schema_version"`
	MAC                string   `json:"mac"`
	Model              string   `json:"model"`
	WANIP              string   `json:"wan_ip"`
	DNSServers         []string `json:"dns_servers"`
	NTPSynced          bool     `json:"ntp_synced"`
	FirewallEnabled    bool     `json:"firewall_enabled"`
	FirewallProfile    string   `json:"firewall_profile_active"`
	SecurityLogSamples []string `json:"security_log_samples"`
	Clients            []Client `json:"clients"`
	SSHEnabled         bool     `json:"ssh_enabled"`

	// Errors maps a probe name to its failure. It stays on the agent.
	Errors map[string]string `json:"-"`
}

type Client struct {
	MAC          string `json:"mac"`
	IP           string `json:"ip,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	ConnectedVia string `json:"connected_via"`
}

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type namedProbe struct {
	name string
	fn   func(context.Context, *Status) error
}

type Collector struct {
	checks  config.ChecksConfig
	timeout time.Duration
	run     Runner
	read    func(string) ([]byte, error)

	mu     sync.Mutex
	errors map[string]string
}

type Option func(*Collector)

func WithRunner(r Runner) Option {
	return func(c *Collector) { c.run = r }
}

func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(c *Collector) { c.read = fn }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Collector) { c.timeout = d }
}

func NewCollector(checks config.ChecksConfig, opts ...Option) *Collector {
	c := &Collector{
		checks:  checks,
		timeout: 10 * time.Second,
		run:     execRunner,
		read:    os.ReadFile,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs every probe in parallel under one deadline. A failing probe
// leaves its fields at their zero value and is recorded in Status.Errors.
func (c *Collector) Collect(ctx context.Context, mac string) *Status {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	c.errors = make(map[string]string)
	c.mu.Unlock()

	st := &Status{
		SchemaVersion:      2,
		MAC:                strings.ToLower(mac),
		Model:              "unknown",
		DNSServers:         []string{},
		SecurityLogSamples: []string{},
		Clients:            []Client{},
	}

	probes := []namedProbe{
		{"model", c.probeModel},
		{"wan_ip", c.probeWANIP},
		{"dns", c.probeDNS},
		{"ntp", c.probeNTP},
		{"ssh", c.probeSSH},
	}
	if c.checks.Firewall.Enable {
		probes = append(probes, namedProbe{"firewall", c.probeFirewall})
	}
	if c.checks.Clients.Enable {
		probes = append(probes, namedProbe{"clients", c.probeClients})
	}
	if c.checks.Security.Enable {
		probes = append(probes, namedProbe{"security_log", c.probeSecurityLog})
	}

	// Each probe fills a private copy; results are merged after Wait so
	// probes never write the shared struct concurrently.
	results := make([]Status, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(i int, name string, fn func(context.Context, *Status) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.recordError(name, fmt.Sprintf("panic: %v", r))
				}
			}()
			if err := fn(ctx, &results[i]); err != nil {
				c.recordError(name, err.Error())
			}
		}(i, p.name, p.fn)
	}
	wg.Wait()

	for i, p := range probes {
		merge(st, &results[i], p.name)
	}

	c.mu.Lock()
	st.Errors = c.errors
	c.mu.Unlock()
	return st
}

func merge(dst, src *Status, probe string) {
	switch probe {
	case "model":
		if src.Model != "" {
			dst.Model = src.Model
		}
	case "wan_ip":
		dst.WANIP = src.WANIP
	case "dns":
		if src.DNSServers != nil {
			dst.DNSServers = src.DNSServers
		}
	case "ntp":
		dst.NTPSynced = src.NTPSynced
	case "ssh":
		dst.SSHEnabled = src.SSHEnabled
	case "firewall":
		dst.FirewallEnabled = src.FirewallEnabled
		dst.FirewallProfile = src.FirewallProfile
	case "clients":
		if src.Clients != nil {
			dst.Clients = src.Clients
		}
	case "security_log":
		if src.SecurityLogSamples != nil {
			dst.SecurityLogSamples = src.SecurityLogSamples
		}
	}
}

func (c *Collector) recordError(probe, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[probe] = msg
}

// InterfaceMAC returns the lowercase hardware address of iface.
func InterfaceMAC(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", err
	}
	if len(ifi.HardwareAddr) == 0 {
		return "", fmt.Errorf("interface %s has no hardware address", iface)
	}
	return strings.ToLower(ifi.HardwareAddr.String()), nil
}
