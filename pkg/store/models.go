package store

import (
	"time"

	"gorm.io/datatypes"
)

// DeviceStatus is the lifecycle state of a managed appliance.
type DeviceStatus string

const (
	StatusWaiting  DeviceStatus = "waiting"
	StatusApproved DeviceStatus = "approved"
	StatusDenied   DeviceStatus = "denied"
	StatusBlocked  DeviceStatus = "blocked"
	StatusRemoved  DeviceStatus = "removed"
)

// DeviceType classifies an appliance. Only non-unknown values can be assigned
// on approval.
type DeviceType string

const (
	TypeUnknown     DeviceType = "unknown"
	TypeRouter      DeviceType = "router"
	TypeSwitch      DeviceType = "switch"
	TypeFirewall    DeviceType = "firewall"
	TypeAccessPoint DeviceType = "access_point"
)

// ParseDeviceType returns the assignable type for raw, or false when raw is
// unknown or not part of the enumeration.
func ParseDeviceType(raw string) (DeviceType, bool) {
	switch t := DeviceType(raw); t {
	case TypeRouter, TypeSwitch, TypeFirewall, TypeAccessPoint:
		return t, true
	}
	return TypeUnknown, false
}

// Device is one appliance in the fleet, keyed by its lowercase MAC.
type Device struct {
	ID                 uint           `gorm:"primaryKey" json:"-"`
	MAC                string         `gorm:"uniqueIndex;not null" json:"mac"`
	Hostname           string         `json:"hostname"`
	IP                 string         `json:"ip"`
	DeviceType         DeviceType     `gorm:"not null;default:unknown" json:"device_type"`
	Status             DeviceStatus   `gorm:"index;not null;default:waiting" json:"status"`
	Approved           bool           `gorm:"not null;default:false" json:"approved"`
	SSHFingerprint     string         `json:"ssh_fingerprint"`
	SSHEnabled         bool           `json:"ssh_enabled"`
	AgentUpdateAllowed bool           `gorm:"not null;default:false" json:"agent_update_allowed"`
	LastSeen           time.Time      `json:"last_seen"`
	StatusRaw          datatypes.JSON `gorm:"type:text" json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"-"`
}

func (Device) TableName() string { return "devices" }

// Trusted reports whether the device may receive credentials and packages.
// The stored flag alone is not enough: a removed, denied or blocked device
// keeps its historic flag.
func (d *Device) Trusted() bool {
	return d.Approved && d.Status == StatusApproved
}

// TelemetrySnapshot is the latest normalized status push of a device.
type TelemetrySnapshot struct {
	MAC                string         `gorm:"primaryKey" json:"mac"`
	Model              string         `json:"model"`
	WANIP              string         `gorm:"column:wan_ip" json:"wan_ip"`
	DNSServers         datatypes.JSON `gorm:"type:text" json:"dns_servers"`
	NTPSynced          bool           `json:"ntp_synced"`
	FirewallEnabled    bool           `json:"firewall_enabled"`
	FirewallProfile    string         `gorm:"column:firewall_profile_active" json:"firewall_profile_active"`
	SecurityLogSamples datatypes.JSON `gorm:"type:text" json:"security_log_samples"`
	Clients            datatypes.JSON `gorm:"type:text" json:"clients"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

func (TelemetrySnapshot) TableName() string { return "device_status" }

// ConfigPackage is the single outstanding configuration package for a device.
type ConfigPackage struct {
	MAC       string         `gorm:"primaryKey" json:"mac"`
	Package   datatypes.JSON `gorm:"type:text;not null" json:"package"`
	SHA256    string         `gorm:"column:sha256;not null" json:"sha256"`
	CreatedAt time.Time      `json:"created_at"`
}

func (ConfigPackage) TableName() string { return "device_configs" }

// StaticToken is a non-expiring integration credential.
type StaticToken struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Token       string    `gorm:"uniqueIndex;not null" json:"-"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

func (StaticToken) TableName() string { return "tokens" }

// Setting is one row of the controller's key/value table. The shared agent
// token and its expiry live here.
type Setting struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value;not null"`
}

func (Setting) TableName() string { return "config" }

type Role struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	Name        string           `gorm:"uniqueIndex;not null" json:"name"`
	Permissions []RolePermission `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

func (Role) TableName() string { return "roles" }

type RolePermission struct {
	RoleID     uint   `gorm:"primaryKey;autoIncrement:false"`
	Permission string `gorm:"primaryKey"`
}

func (RolePermission) TableName() string { return "role_permissions" }

type User struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	RoleID       uint      `gorm:"index;not null" json:"role_id"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

func (User) TableName() string { return "users" }
