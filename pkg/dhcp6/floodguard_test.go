package dhcp6

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

func TestFloodGuardNilConfigAlwaysAllows(t *testing.T) {
	g := newFloodGuard(nil)
	now := time.Now()
	for i := 0; i < 100; i++ {
		assert.True(t, g.Allow("0001deadbeef", now))
	}
}

func TestFloodGuardTripsOverRate(t *testing.T) {
	g := newFloodGuard(&config.FloodProtectionConfig{Enabled: true, Packets: 3, Secs: 10})
	now := time.Now()

	for i := 0; i < 3; i++ {
		assert.True(t, g.Allow("0001deadbeef", now))
	}
	assert.False(t, g.Allow("0001deadbeef", now))
}

func TestFloodGuardWindowExpires(t *testing.T) {
	g := newFloodGuard(&config.FloodProtectionConfig{Enabled: true, Packets: 1, Secs: 1})
	now := time.Now()

	assert.True(t, g.Allow("0001deadbeef", now))
	assert.False(t, g.Allow("0001deadbeef", now))
	assert.True(t, g.Allow("0001deadbeef", now.Add(2*time.Second)))
}

func TestFloodGuardPluginDropsSilentlyOverRate(t *testing.T) {
	network := &config.NetworkConfig{
		Name:            "office6",
		FloodProtection: &config.FloodProtectionConfig{Enabled: true, Packets: 1, Secs: 60},
	}
	p := newFloodGuardPlugin([]*config.NetworkConfig{network})
	now := time.Now()

	msg := &pipeline.MsgContext{Network: network, DUID: "0001deadbeef", ReceivedAt: now}
	outcome, err := p.Handle(context.Background(), msg)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)

	msg2 := &pipeline.MsgContext{Network: network, DUID: "0001deadbeef", ReceivedAt: now}
	outcome2, err := p.Handle(context.Background(), msg2)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome2)
}

func TestFloodGuardPluginSkipsUnresolvedNetwork(t *testing.T) {
	p := newFloodGuardPlugin(nil)
	msg := &pipeline.MsgContext{}

	outcome, err := p.Handle(context.Background(), msg)
	assert.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
}
