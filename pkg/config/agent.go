package config

import (
	"net/url"
)

type AgentConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Reporting ReportingConfig `yaml:"reporting"`
	Checks    ChecksConfig    `yaml:"checks"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type DeviceConfig struct {
	// Interface whose hardware address identifies the device.
	Interface string `yaml:"interface"`
	Hostname  string `yaml:"hostname"`
	StateDir  string `yaml:"state_dir"`
	// ApplyCommand receives each verified package on stdin.
	ApplyCommand string `yaml:"apply_command"`
}

type ReportingConfig struct {
	Interval int `yaml:"interval_s"`
	Jitter   int `yaml:"jitter_s"`
}

type ChecksConfig struct {
	Firewall FirewallCheck `yaml:"firewall"`
	Clients  ClientsCheck  `yaml:"clients"`
	DNS      DNSCheck      `yaml:"dns"`
	Security SecurityCheck `yaml:"security_log"`
}

type FirewallCheck struct {
	Enable      bool   `yaml:"enable"`
	LinuxPrefer string `yaml:"linux_prefer"`
}

type ClientsCheck struct {
	Enable   bool   `yaml:"enable"`
	ARPPath  string `yaml:"arp_path"`
	LeaseDir string `yaml:"lease_file"`
	// WirelessIfPrefix marks neighbours on matching interfaces as Wi-Fi.
	WirelessIfPrefix string `yaml:"wireless_if_prefix"`
}

type DNSCheck struct {
	ResolvConf string `yaml:"resolv_conf"`
}

type SecurityCheck struct {
	Enable  bool   `yaml:"enable"`
	LogPath string `yaml:"log_path"`
	Match   string `yaml:"match"`
}

type HealthConfig struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

// DefaultAgent returns an agent config with sensible defaults.
func DefaultAgent() *AgentConfig {
	return &AgentConfig{
		Server: ServerConfig{
			URL:             "http://localhost:8080",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Device: DeviceConfig{
			Interface: "br-lan",
			StateDir:  "/var/lib/wiretide",
		},
		Reporting: ReportingConfig{
			Interval: 60,
			Jitter:   10,
		},
		Checks: ChecksConfig{
			Firewall: FirewallCheck{Enable: true, LinuxPrefer: "auto"},
			Clients: ClientsCheck{
				Enable:           true,
				ARPPath:          "/proc/net/arp",
				LeaseDir:         "/tmp/dhcp.leases",
				WirelessIfPrefix: "wlan",
			},
			DNS:      DNSCheck{ResolvConf: "/etc/resolv.conf"},
			Security: SecurityCheck{Enable: false, LogPath: "/var/log/messages", Match: "DROP"},
		},
		Health:  HealthConfig{TimeDriftMaxS: 120},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
	}
}

// LoadAgent reads the agent config from path with env var overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgent()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	envString("WIRETIDE_SERVER_URL", &cfg.Server.URL)
	envString("WIRETIDE_INTERFACE", &cfg.Device.Interface)
	envString("WIRETIDE_STATE_DIR", &cfg.Device.StateDir)
	envInt("WIRETIDE_INTERVAL_S", &cfg.Reporting.Interval)
	envString("WIRETIDE_LOG_LEVEL", &cfg.Logging.Level)

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &Error{"server URL must be an http(s) URL"}
	}
	if c.Reporting.Interval < 10 {
		return ErrInvalidInterval
	}
	if c.Reporting.Jitter < 0 {
		c.Reporting.Jitter = 0
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	c.Tracing.normalize()
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"reporting interval must be >= 10s"}
)
