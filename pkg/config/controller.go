package config

import (
	"net/netip"
	"time"
)

type ControllerConfig struct {
	Server       HTTPConfig         `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Tokens       TokensConfig       `yaml:"tokens"`
	Session      SessionConfig      `yaml:"session"`
	Accounts     AccountsConfig     `yaml:"accounts"`
	Topology     TopologyConfig     `yaml:"topology"`
	Register     RateLimitConfig    `yaml:"register"`
	AgentUpdates AgentUpdatesConfig `yaml:"agent_updates"`
	Events       EventsConfig       `yaml:"events"`
	System       SystemConfig       `yaml:"system"`
	Compliance   ComplianceConfig   `yaml:"compliance"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type HTTPConfig struct {
	Listen         string `yaml:"listen"`
	TLSCert        string `yaml:"tls_cert"`
	TLSKey         string `yaml:"tls_key"`
	ReadTimeoutS   int    `yaml:"read_timeout_s"`
	WriteTimeoutS  int    `yaml:"write_timeout_s"`
	ShutdownGraceS int    `yaml:"shutdown_grace_s"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type TokensConfig struct {
	SharedTTLMinutes int `yaml:"shared_ttl_minutes"`
}

func (t TokensConfig) SharedTTL() time.Duration {
	return time.Duration(t.SharedTTLMinutes) * time.Minute
}

type SessionConfig struct {
	Secret  string `yaml:"secret"`
	MaxAgeS int    `yaml:"max_age_s"`
	Cookie  string `yaml:"cookie"`
	Secure  bool   `yaml:"secure"`
}

func (s SessionConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeS) * time.Second
}

type AccountsConfig struct {
	AdminPassword string `yaml:"admin_password"`
	RolesFile     string `yaml:"roles_file"`
}

type TopologyConfig struct {
	ClientNetworks []string `yaml:"client_networks"`
}

// RateLimitConfig bounds unauthenticated device endpoints per client IP.
type RateLimitConfig struct {
	Limit   int `yaml:"rate_limit"`
	WindowS int `yaml:"window_s"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowS) * time.Second
}

// AgentUpdatesConfig is written into the key/value table at startup and
// served to agents from /config/agent.
type AgentUpdatesConfig struct {
	Enabled             bool   `yaml:"enabled"`
	URL                 string `yaml:"url"`
	MinSupportedVersion string `yaml:"min_supported_version"`
}

type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type SystemConfig struct {
	CertDir     string `yaml:"cert_dir"`
	ServiceName string `yaml:"service_name"`
	UseSudo     bool   `yaml:"use_sudo"`
}

// ComplianceConfig lists the rules device snapshots are checked against.
type ComplianceConfig struct {
	Rules []ComplianceRule `yaml:"rules"`
}

type ComplianceRule struct {
	Name   string `yaml:"name"`
	Check  string `yaml:"check"`
	Action string `yaml:"action"` // "deny" or "warn"
}

// DefaultController returns a controller config with sensible defaults.
func DefaultController() *ControllerConfig {
	return &ControllerConfig{
		Server: HTTPConfig{
			Listen:         ":8080",
			ReadTimeoutS:   15,
			WriteTimeoutS:  30,
			ShutdownGraceS: 10,
		},
		Store:  StoreConfig{Path: "/opt/wiretide/wiretide.db"},
		Tokens: TokensConfig{SharedTTLMinutes: 60},
		Session: SessionConfig{
			MaxAgeS: 3600,
			Cookie:  "wiretide_session",
		},
		Topology: TopologyConfig{
			ClientNetworks: []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		},
		Register: RateLimitConfig{Limit: 30, WindowS: 60},
		Events: EventsConfig{MQTT: MQTTConfig{
			ClientID:    "wiretide-controller",
			TopicPrefix: "wiretide",
		}},
		System: SystemConfig{
			CertDir:     "/opt/wiretide/certs",
			ServiceName: "wiretide.service",
			UseSudo:     true,
		},
		Compliance: ComplianceConfig{Rules: []ComplianceRule{
			{Name: "firewall", Check: "firewall_enabled == true", Action: "deny"},
			{Name: "time-sync", Check: "ntp_synced == true", Action: "warn"},
		}},
		Logging: defaultLogging(),
		Tracing: defaultTracing(),
	}
}

// LoadController reads the controller config from path, then applies
// WIRETIDE_* environment overrides.
func LoadController(path string) (*ControllerConfig, error) {
	cfg := DefaultController()
	if err := readYAML(path, cfg); err != nil {
		return nil, err
	}

	envString("WIRETIDE_LISTEN", &cfg.Server.Listen)
	envString("WIRETIDE_DB_PATH", &cfg.Store.Path)
	envString("WIRETIDE_SESSION_SECRET", &cfg.Session.Secret)
	envBool("WIRETIDE_SESSION_SECURE", &cfg.Session.Secure)
	envString("WIRETIDE_ADMIN_PASSWORD", &cfg.Accounts.AdminPassword)
	envString("WIRETIDE_ROLES_FILE", &cfg.Accounts.RolesFile)
	envInt("WIRETIDE_TOKEN_TTL_MINUTES", &cfg.Tokens.SharedTTLMinutes)
	envString("WIRETIDE_MQTT_BROKER", &cfg.Events.MQTT.Broker)
	envString("WIRETIDE_LOG_LEVEL", &cfg.Logging.Level)
	envString("WIRETIDE_OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	if cfg.Events.MQTT.Broker != "" && path == "" {
		cfg.Events.MQTT.Enabled = true
	}

	return cfg, nil
}

func (c *ControllerConfig) Validate() error {
	if c.Server.Listen == "" {
		return &Error{"server.listen is required"}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return &Error{"server.tls_cert and server.tls_key must be set together"}
	}
	if c.Store.Path == "" {
		return ErrMissingStorePath
	}
	if c.Tokens.SharedTTLMinutes <= 0 {
		return &Error{"tokens.shared_ttl_minutes must be positive"}
	}
	if c.Session.Secret == "" {
		return ErrMissingSessionSecret
	}
	if len(c.Session.Secret) < 16 {
		return &Error{"session.secret must be at least 16 characters"}
	}
	if c.Session.MaxAgeS <= 0 {
		c.Session.MaxAgeS = 3600
	}
	if c.Session.Cookie == "" {
		c.Session.Cookie = "wiretide_session"
	}
	for _, n := range c.Topology.ClientNetworks {
		if _, err := netip.ParsePrefix(n); err != nil {
			return &Error{"topology.client_networks: invalid CIDR " + n}
		}
	}
	if c.Register.Limit < 0 {
		c.Register.Limit = 0
	}
	if c.Register.WindowS <= 0 {
		c.Register.WindowS = 60
	}
	if c.Events.MQTT.Enabled && c.Events.MQTT.Broker == "" {
		return &Error{"events.mqtt.broker is required when mqtt is enabled"}
	}
	if c.Server.ShutdownGraceS <= 0 {
		c.Server.ShutdownGraceS = 10
	}
	c.Tracing.normalize()
	return nil
}

var (
	ErrMissingStorePath     = &Error{"store.path is required"}
	ErrMissingSessionSecret = &Error{"session.secret is required (or set WIRETIDE_SESSION_SECRET)"}
)
