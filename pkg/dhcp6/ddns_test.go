package dhcp6

import (
	"context"
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorad-project/dorad/pkg/pipeline"
)

type fakeDDNSClientV6 struct {
	forwardCalls int
	reverseCalls int
	forwardErr   error
	reverseErr   error
}

func (f *fakeDDNSClientV6) UpdateForward(_ context.Context, _ string, _ net.IP, _ uint32) error {
	f.forwardCalls++
	return f.forwardErr
}

func (f *fakeDDNSClientV6) UpdateReverse(_ context.Context, _ net.IP, _ string, _ uint32) error {
	f.reverseCalls++
	return f.reverseErr
}

func (f *fakeDDNSClientV6) Remove(context.Context, string, net.IP) error { return nil }

// encodeDNSName is decodeDNSName's inverse, used only to build test fixtures.
func encodeDNSName(name string) []byte {
	var out []byte
	for _, label := range splitLabels(name) {
		out = append(out, byte(len(label)))
		out = append(out, label...)
	}
	out = append(out, 0)
	return out
}

func splitLabels(name string) []string {
	var labels []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			labels = append(labels, name[start:i])
			start = i + 1
		}
	}
	labels = append(labels, name[start:])
	return labels
}

func fqdnOption(flags byte, name string) *dhcpv6.OptionGeneric {
	data := append([]byte{flags}, encodeDNSName(name)...)
	return &dhcpv6.OptionGeneric{OptionCode: optionClientFQDN, OptionData: data}
}

func TestDecodeDNSNameRoundTrips(t *testing.T) {
	assert.Equal(t, "host1.example.com", decodeDNSName(encodeDNSName("host1.example.com")))
	assert.Equal(t, "", decodeDNSName(nil))
}

func TestDDNSPluginUpdatesForwardAndReverse(t *testing.T) {
	client := &fakeDDNSClientV6{}
	p := newDDNSPlugin(client)

	req := &dhcpv6.Message{MessageType: dhcpv6.MessageTypeRequest}
	req.AddOption(fqdnOption(0, "host1.example.com"))
	resp := withIAAddr(dhcpv6.MessageTypeReply, 1, "2001:db8::10")
	msg := &pipeline.MsgContext{In: req, Out: resp, Lease: &leaseStub{}}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, 1, client.forwardCalls)
	assert.Equal(t, 1, client.reverseCalls)
}

func TestDDNSPluginSkipsWithoutFQDNOption(t *testing.T) {
	client := &fakeDDNSClientV6{}
	p := newDDNSPlugin(client)

	req := &dhcpv6.Message{MessageType: dhcpv6.MessageTypeRequest}
	resp := withIAAddr(dhcpv6.MessageTypeReply, 1, "2001:db8::11")
	msg := &pipeline.MsgContext{In: req, Out: resp, Lease: &leaseStub{}}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, 0, client.forwardCalls)
}

func TestDDNSPluginSkipsWhenNoUpdateFlagSet(t *testing.T) {
	client := &fakeDDNSClientV6{}
	p := newDDNSPlugin(client)

	req := &dhcpv6.Message{MessageType: dhcpv6.MessageTypeRequest}
	req.AddOption(fqdnOption(0x08, "host2.example.com")) // N bit set: server must not update
	resp := withIAAddr(dhcpv6.MessageTypeReply, 1, "2001:db8::12")
	msg := &pipeline.MsgContext{In: req, Out: resp, Lease: &leaseStub{}}

	outcome, err := p.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, pipeline.Continue, outcome)
	assert.Equal(t, 0, client.forwardCalls)
}

// leaseStub satisfies msg.Lease's "non-nil means a lease was issued" check
// without depending on pkg/lease's concrete record shape.
type leaseStub struct{}
