package dhcp4

import (
	"context"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// floodGuard implements spec.md §4.5's per-MAC token bucket: drop if more
// than Packets messages are observed within Secs seconds for a chaddr.
type floodGuard struct {
	mu      sync.Mutex
	packets int
	window  time.Duration
	seen    map[string][]time.Time
}

func newFloodGuard(cfg *config.FloodProtectionConfig) *floodGuard {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return &floodGuard{
		packets: cfg.Packets,
		window:  time.Duration(cfg.Secs) * time.Second,
		seen:    make(map[string][]time.Time),
	}
}

// Allow records mac's arrival at now and reports whether it stays under
// the configured rate.
func (g *floodGuard) Allow(mac string, now time.Time) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	times := g.seen[mac]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.seen[mac] = kept

	return len(kept) <= g.packets
}

// floodGuardPlugin is the pipeline stage guarding admission per spec.md
// §4.5: it consults the resolved network's flood_protection config,
// dropping silently once a chaddr exceeds the configured rate.
type floodGuardPlugin struct {
	guards map[string]*floodGuard
}

func newFloodGuardPlugin(networks []*config.NetworkConfig) *floodGuardPlugin {
	guards := make(map[string]*floodGuard, len(networks))
	for _, n := range networks {
		guards[n.Name] = newFloodGuard(n.FloodProtection)
	}
	return &floodGuardPlugin{guards: guards}
}

func (p *floodGuardPlugin) Name() string           { return "floodguard" }
func (p *floodGuardPlugin) Prerequisites() []string { return []string{"resolve"} }

func (p *floodGuardPlugin) Handle(_ context.Context, msg *pipeline.MsgContext) (pipeline.Outcome, error) {
	if msg.Network == nil {
		return pipeline.Continue, nil
	}
	guard := p.guards[msg.Network.Name]
	if guard == nil {
		return pipeline.Continue, nil
	}
	req := msg.In.(*dhcpv4.DHCPv4)
	if !guard.Allow(req.ClientHWAddr.String(), msg.ReceivedAt) {
		return pipeline.NoResponse, nil
	}
	return pipeline.Continue, nil
}
