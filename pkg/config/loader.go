package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, defaults, and validates a config file. Startup aborts
// (a Config error, per spec.md §7) on any failure.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.MaxLiveMsgs == 0 {
		c.Server.MaxLiveMsgs = 4096
	}
	if c.Server.Threads == 0 {
		c.Server.Threads = 1
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = Duration(secToDur(5))
	}
	if c.Server.ShutdownGrace == 0 {
		c.Server.ShutdownGrace = Duration(secToDur(10))
	}
	if c.Admin.ListenAddress == "" {
		c.Admin.ListenAddress = ":8080"
	}
	if c.Coordination.BackendMode == "" {
		c.Coordination.BackendMode = BackendModeStandalone
	}
	if c.Coordination.CacheThreshold == 0 {
		c.Coordination.CacheThreshold = 1.0
	}
	if c.Coordination.StatePollInterval == 0 {
		c.Coordination.StatePollInterval = Duration(secToDur(5))
	}
	if c.Coordination.LeaseGCInterval == 0 {
		c.Coordination.LeaseGCInterval = Duration(secToDur(60))
	}
	if c.Coordination.ConflictRetryBudget == 0 {
		c.Coordination.ConflictRetryBudget = 8
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	for i := range c.Networks {
		n := &c.Networks[i]
		if n.DefaultLeaseTime == 0 {
			n.DefaultLeaseTime = Duration(secToDur(3600))
		}
		if n.MinLeaseTime == 0 {
			n.MinLeaseTime = n.DefaultLeaseTime
		}
		if n.MaxLeaseTime == 0 {
			n.MaxLeaseTime = n.DefaultLeaseTime
		}
		if n.PingTimeout == 0 {
			n.PingTimeout = Duration(secToDur(1))
		}
		if n.ProbationPeriod == 0 {
			n.ProbationPeriod = Duration(secToDur(86400))
		}
	}
}

func secToDur(s int64) (d int64) { return s * 1e9 }

// applyEnvOverrides mirrors spec.md §6's environment surface. For DORA_ID,
// V4_ADDR, V6_ADDR, DORA_NATS_SERVERS and DATABASE_URL the file wins and
// the environment only fills a value the file left blank; DORA_BACKEND_MODE
// and DORA_LOG, when set, always replace the file's (or default) value.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DORA_ID"); v != "" && c.Server.InstanceID == "" {
		c.Server.InstanceID = v
	}
	if v := os.Getenv("V4_ADDR"); v != "" && len(c.Server.V4Addrs) == 0 {
		c.Server.V4Addrs = []string{v}
	}
	if v := os.Getenv("V6_ADDR"); v != "" && len(c.Server.V6Addrs) == 0 {
		c.Server.V6Addrs = []string{v}
	}
	if v := os.Getenv("DORA_BACKEND_MODE"); v != "" {
		c.Coordination.BackendMode = v
	}
	if v := os.Getenv("DORA_NATS_SERVERS"); v != "" && len(c.Coordination.NATSServers) == 0 {
		c.Coordination.NATSServers = strings.Split(v, ",")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && c.Server.DatabaseURL == "" {
		c.Server.DatabaseURL = v
	}
	if v := os.Getenv("DORA_LOG"); v != "" {
		c.Logging.Level = v
	}
}

// Validate enforces the structural invariants spec.md §3 requires before a
// network's ranges/reservations can be trusted by the allocator: valid
// CIDRs, ranges within the subnet, no duplicate reservation IPs, and no
// classifier cycles (checked by pkg/classify separately at pipeline build
// time).
func (c *Config) Validate() error {
	if c.Server.InstanceID == "" {
		return fmt.Errorf("server.instance_id must be set")
	}
	if c.Coordination.BackendMode != BackendModeStandalone && c.Coordination.BackendMode != BackendModeNATS {
		return fmt.Errorf("coordination.backend_mode must be %q or %q", BackendModeStandalone, BackendModeNATS)
	}
	if c.Coordination.BackendMode == BackendModeNATS && len(c.Coordination.NATSServers) == 0 {
		return fmt.Errorf("coordination.nats_servers required when backend_mode is %q", BackendModeNATS)
	}

	seen := make(map[string]bool)
	for i, n := range c.Networks {
		if n.Name == "" {
			return fmt.Errorf("networks[%d]: name is required", i)
		}
		if seen[n.Name] {
			return fmt.Errorf("networks[%d]: duplicate network name %q", i, n.Name)
		}
		seen[n.Name] = true

		_, subnet, err := net.ParseCIDR(n.Subnet)
		if err != nil {
			return fmt.Errorf("networks[%s].subnet: %w", n.Name, err)
		}

		for ri, r := range n.Ranges {
			start := net.ParseIP(r.Start)
			end := net.ParseIP(r.End)
			if start == nil || end == nil {
				return fmt.Errorf("networks[%s].ranges[%d]: invalid start/end", n.Name, ri)
			}
			if !subnet.Contains(start) || !subnet.Contains(end) {
				return fmt.Errorf("networks[%s].ranges[%d]: range not contained in subnet %s", n.Name, ri, n.Subnet)
			}
			if r.Class != "" && !c.hasClass(r.Class) {
				return fmt.Errorf("networks[%s].ranges[%d]: unknown class %q", n.Name, ri, r.Class)
			}
		}

		reservedIPs := make(map[string]bool)
		for ri, r := range n.Reservations {
			if r.IP == "" && r.Match == nil {
				return fmt.Errorf("networks[%s].reservations[%d]: either ip or match must be set", n.Name, ri)
			}
			if r.IP != "" {
				if reservedIPs[r.IP] {
					return fmt.Errorf("networks[%s].reservations[%d]: duplicate reserved ip %s", n.Name, ri, r.IP)
				}
				reservedIPs[r.IP] = true
			}
		}
	}

	return nil
}

func (c *Config) hasClass(name string) bool {
	for _, cl := range c.Classes {
		if cl.Name == name {
			return true
		}
	}
	return false
}

// GetNetwork returns the named network, or nil.
func (c *Config) GetNetwork(name string) *NetworkConfig {
	for i := range c.Networks {
		if c.Networks[i].Name == name {
			return &c.Networks[i]
		}
	}
	return nil
}
