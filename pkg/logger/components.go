package logger

// Component names used with logger.Component / logger.Get. These double as
// the keys accepted in the config's logging.components override map, and as
// dotted prefixes ("pipeline.v4") for per-plugin overrides.
const (
	ComponentMain          = "main"
	ComponentConfig        = "config"
	ComponentListener      = "listener"
	ComponentPipeline      = "pipeline"
	ComponentClassify      = "classify"
	ComponentAllocator     = "allocator"
	ComponentLeaseStore    = "leasestore"
	ComponentCoordination  = "coordination"
	ComponentHostOptions   = "hostoptions"
	ComponentDHCPv4        = "dhcp4"
	ComponentDHCPv6        = "dhcp6"
	ComponentDDNS          = "ddns"
	ComponentAdmin         = "admin"
	ComponentMetrics       = "metrics"
)
