// Package dhcp4 implements the DHCPv4 state machine of spec.md §4.5 as a
// chain of pipeline.Plugin stages: classify, resolve (client_key +
// subnet selection), floodguard, the DISCOVER/REQUEST/DECLINE/RELEASE/
// INFORM/BOOTP handler, host-options, DDNS, and finalize — the standard
// v4 order spec.md §4.1 names.
package dhcp4

import (
	"github.com/dorad-project/dorad/pkg/allocator"
	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/coordination"
	"github.com/dorad-project/dorad/pkg/ddns"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// Deps bundles the collaborators the v4 pipeline needs; supplied by
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

// NewDispatcher builds the fixed, topologically ordered v4 pipeline.
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
