package dhcp6

import (
	"context"
	"sync"
	"time"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// floodGuard is pkg/dhcp4's per-MAC token bucket adapted to key on DUID,
// since DHCPv6 has no chaddr.
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

func (g *floodGuard) Allow(duid string, now time.Time) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.window)
	times := g.seen[duid]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.seen[duid] = kept

	return len(kept) <= g.packets
}

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
	if !guard.Allow(msg.DUID, msg.ReceivedAt) {
		return pipeline.NoResponse, nil
	}
	return pipeline.Continue, nil
}
