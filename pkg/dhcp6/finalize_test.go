package dhcp6

import (
	"context"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/pipeline"
)

func TestFinalizePluginRespondsWhenResponseBuilt(t *testing.T) {
	p := newFinalizePlugin()
	msg := &pipeline.MsgContext{Out: &dhcpv6.Message{MessageType: dhcpv6.MessageTypeReply}}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Respond, outcome)
}

func TestFinalizePluginNoResponseWithoutBuiltReply(t *testing.T) {
	p := newFinalizePlugin()
	msg := &pipeline.MsgContext{}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.NoResponse, outcome)
}
