// Package dhcp6 implements the DHCPv6 state machine of spec.md §4.6 as a
// chain of pipeline.Plugin stages: classify, resolve (DUID+IAID client_key
// + subnet selection), floodguard, the SOLICIT/REQUEST/RENEW/REBIND/
// DECLINE/RELEASE/INFORMATION-REQUEST handler, host-options, DDNS, and
// finalize, mirroring pkg/dhcp4's standard order for the v6 message set.
package dhcp6

import (
	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/ddns"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// Deps bundles the collaborators the v6 pipeline needs; supplied by
// cmd/dorad's startup wiring.
type Deps struct {
	Networks    []*config.NetworkConfig
	Allocator   *allocator.Allocator
	Coordinator *coordination.Coordinator
	Classify    *classify.Registry
	KV          coordination.KV
	DDNS        ddns.Client
	InstanceID  string
	Metrics     pipeline.Metrics
}

// NewDispatcher builds the fixed, topologically ordered v6 pipeline.
func NewDispatcher(d Deps) (*pipeline.Dispatcher, error) {
	plugins := []pipeline.Plugin{
		newClassifyPlugin(d.Classify),
		newResolvePlugin(d.Networks),
		newFloodGuardPlugin(d.Networks),
		newStatemachinePlugin(d.Allocator, d.Coordinator, d.Classify, d.InstanceID),
		newHostoptionsPlugin(d.KV),
		newDDNSPlugin(d.DDNS),
		newFinalizePlugin(),
	}
	return pipeline.New(plugins, d.Metrics)
}
