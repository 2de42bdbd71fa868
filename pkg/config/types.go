package config

import (
	"time"

	"github.com/dorad-project/dorad/pkg/config/system"
)

// Config is the normalized, immutable-after-load in-memory representation
// of a dorad deployment: networks, coordination, DDNS, and ambient
// settings. It is read-only once returned from Load.
type Config struct {
	Logging      system.LoggingConfig `json:"logging,omitempty" yaml:"logging,omitempty"`
	Server       ServerConfig         `json:"server,omitempty" yaml:"server,omitempty"`
	Admin        AdminConfig          `json:"admin,omitempty" yaml:"admin,omitempty"`
	Coordination CoordinationConfig  `json:"coordination,omitempty" yaml:"coordination,omitempty"`
	DDNS         DDNSConfig           `json:"ddns,omitempty" yaml:"ddns,omitempty"`
	Classes      []ClientClassConfig  `json:"classes,omitempty" yaml:"classes,omitempty"`
	Networks     []NetworkConfig      `json:"networks,omitempty" yaml:"networks,omitempty"`
}

// ServerConfig governs process-level concerns: bind addresses, worker
// scheduling, and instance identity.
type ServerConfig struct {
	InstanceID     string   `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	V4Addrs        []string `json:"v4_addrs,omitempty" yaml:"v4_addrs,omitempty"`
	V6Addrs        []string `json:"v6_addrs,omitempty" yaml:"v6_addrs,omitempty"`
	Interfaces     []string `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	Threads        int      `json:"threads,omitempty" yaml:"threads,omitempty"`
	MaxLiveMsgs    int      `json:"max_live_msgs,omitempty" yaml:"max_live_msgs,omitempty"`
	RequestTimeout Duration `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	ShutdownGrace  Duration `json:"shutdown_grace,omitempty" yaml:"shutdown_grace,omitempty"`
	DatabaseURL    string   `json:"database_url,omitempty" yaml:"database_url,omitempty"`
}

// AdminConfig governs the read-only HTTP admin/metrics surface.
type AdminConfig struct {
	Enabled       bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty"`
}

// CoordinationConfig governs the clustered coordination layer. When
// BackendMode is "standalone" (the default), an in-process KV substitutes
// for the JetStream cluster and the coordinator degrades gracefully to a
// single-node allocator.
type CoordinationConfig struct {
	BackendMode          string   `json:"backend_mode,omitempty" yaml:"backend_mode,omitempty"`
	NATSServers          []string `json:"nats_servers,omitempty" yaml:"nats_servers,omitempty"`
	CacheThreshold       float64  `json:"cache_threshold,omitempty" yaml:"cache_threshold,omitempty"`
	StatePollInterval    Duration `json:"state_poll_interval,omitempty" yaml:"state_poll_interval,omitempty"`
	LeaseGCInterval      Duration `json:"lease_gc_interval,omitempty" yaml:"lease_gc_interval,omitempty"`
	ConflictRetryBudget  int      `json:"conflict_retry_budget,omitempty" yaml:"conflict_retry_budget,omitempty"`
}

const (
	BackendModeStandalone = "standalone"
	BackendModeNATS       = "nats"
)

// DDNSConfig governs forward/reverse DNS update dispatch.
type DDNSConfig struct {
	Enabled        bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Servers        []string `json:"servers,omitempty" yaml:"servers,omitempty"`
	TSIGKeyName    string   `json:"tsig_key_name,omitempty" yaml:"tsig_key_name,omitempty"`
	TSIGSecret     string   `json:"tsig_secret,omitempty" yaml:"tsig_secret,omitempty"`
	TSIGAlgorithm  string   `json:"tsig_algorithm,omitempty" yaml:"tsig_algorithm,omitempty"`
	ForwardZone    string   `json:"forward_zone,omitempty" yaml:"forward_zone,omitempty"`
	ReverseZone    string   `json:"reverse_zone,omitempty" yaml:"reverse_zone,omitempty"`
}

// ClientClassConfig is a named predicate + options bundle, evaluated by
// pkg/classify before allocation.
type ClientClassConfig struct {
	Name       string            `json:"name" yaml:"name"`
	Expression string            `json:"expression" yaml:"expression"`
	Options    map[uint32]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// NetworkConfig is immutable at runtime once loaded: a subnet plus its
// ranges, reservations, exceptions, classes, and per-network policy.
type NetworkConfig struct {
	Name             string             `json:"name" yaml:"name"`
	Subnet           string             `json:"subnet" yaml:"subnet"`
	Ranges           []RangeConfig      `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	Reservations     []ReservationConfig `json:"reservations,omitempty" yaml:"reservations,omitempty"`
	ProbationPeriod  Duration           `json:"probation_period,omitempty" yaml:"probation_period,omitempty"`
	PingCheck        bool               `json:"ping_check,omitempty" yaml:"ping_check,omitempty"`
	PingTimeout      Duration           `json:"ping_timeout,omitempty" yaml:"ping_timeout,omitempty"`
	Authoritative    bool               `json:"authoritative,omitempty" yaml:"authoritative,omitempty"`
	ServerID         string             `json:"server_id,omitempty" yaml:"server_id,omitempty"`
	ServerName       string             `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	FileName         string             `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	DefaultLeaseTime Duration           `json:"default_lease_time,omitempty" yaml:"default_lease_time,omitempty"`
	MinLeaseTime     Duration           `json:"min_lease_time,omitempty" yaml:"min_lease_time,omitempty"`
	MaxLeaseTime     Duration           `json:"max_lease_time,omitempty" yaml:"max_lease_time,omitempty"`
	Options          map[uint32]string  `json:"options,omitempty" yaml:"options,omitempty"`
	Interfaces       []string           `json:"interfaces,omitempty" yaml:"interfaces,omitempty"`
	ChaddrOnly       bool               `json:"chaddr_only,omitempty" yaml:"chaddr_only,omitempty"`
	BootpEnable      bool               `json:"bootp_enable,omitempty" yaml:"bootp_enable,omitempty"`
	RapidCommit      bool               `json:"rapid_commit,omitempty" yaml:"rapid_commit,omitempty"`
	FloodProtection  *FloodProtectionConfig `json:"flood_protection,omitempty" yaml:"flood_protection,omitempty"`
}

// FloodProtectionConfig configures the per-MAC token bucket described in
// spec.md §4.5.
type FloodProtectionConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Packets int  `json:"packets,omitempty" yaml:"packets,omitempty"`
	Secs    int  `json:"secs,omitempty" yaml:"secs,omitempty"`
}

// RangeConfig is a contiguous IP interval with its own options, lease
// timing, optional class binding, and exception set.
type RangeConfig struct {
	Start     string            `json:"start" yaml:"start"`
	End       string            `json:"end" yaml:"end"`
	Except    []string          `json:"except,omitempty" yaml:"except,omitempty"`
	Class     string            `json:"class,omitempty" yaml:"class,omitempty"`
	LeaseTime Duration          `json:"lease_time,omitempty" yaml:"lease_time,omitempty"`
	Options   map[uint32]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// ReservationConfig is either IP-anchored (IP set) or IP-free (Match set,
// IP chosen from a range at allocation time).
type ReservationConfig struct {
	IP      string             `json:"ip,omitempty" yaml:"ip,omitempty"`
	Match   *ReservationMatch  `json:"match,omitempty" yaml:"match,omitempty"`
	Options map[uint32]string  `json:"options,omitempty" yaml:"options,omitempty"`
}

// ReservationMatch identifies a client by chaddr or by an option value,
// for reservations that are not IP-anchored.
type ReservationMatch struct {
	Chaddr       string `json:"chaddr,omitempty" yaml:"chaddr,omitempty"`
	OptionCode   uint32 `json:"option_code,omitempty" yaml:"option_code,omitempty"`
	OptionValue  string `json:"option_value,omitempty" yaml:"option_value,omitempty"`
}

// Duration wraps time.Duration for YAML, the way the teacher's
// caddy.Duration wraps time.Duration for its own config surface: it
// unmarshals from integer seconds or a Go duration string ("90s"), and
// marshals as a Go duration string.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var secs int64
	if err := unmarshal(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
