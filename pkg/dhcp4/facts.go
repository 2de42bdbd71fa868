package dhcp4

import (
	"fmt"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// facts adapts an inbound DHCPv4 message and its arrival metadata to
// classify.Facts, per spec.md §4.2's field/option/metadata surface.
type facts struct {
	msg *dhcpv4.DHCPv4
	ctx *pipeline.MsgContext
}

func newFacts(msg *dhcpv4.DHCPv4, ctx *pipeline.MsgContext) *facts {
	return &facts{msg: msg, ctx: ctx}
}

func (f *facts) Field(name string) (classify.Value, error) {
	switch strings.ToLower(name) {
	case "chaddr":
		return classify.BytesValue(f.msg.ClientHWAddr), nil
	case "hlen":
		return classify.IntValue(int64(len(f.msg.ClientHWAddr))), nil
	case "htype":
		return classify.IntValue(int64(f.msg.HWType)), nil
	case "ciaddr":
		return classify.IPValue(f.msg.ClientIPAddr), nil
	case "giaddr":
		return classify.IPValue(f.msg.GatewayIPAddr), nil
	case "yiaddr":
		return classify.IPValue(f.msg.YourIPAddr), nil
	case "siaddr":
		return classify.IPValue(f.msg.ServerIPAddr), nil
	case "msgtype":
		return classify.IntValue(int64(f.msg.MessageType())), nil
	case "iface":
		return classify.StrValue(f.ctx.Iface), nil
	case "len":
		return classify.IntValue(int64(len(f.msg.ToBytes()))), nil
	default:
		return classify.EmptyValue(), nil
	}
}

func (f *facts) Option(code uint32) (classify.Value, error) {
	opt := f.msg.Options.Get(dhcpv4.GenericOptionCode(code))
	if opt == nil {
		return classify.EmptyValue(), nil
	}
	return classify.BytesValue(opt), nil
}

func (f *facts) Member(class string) (bool, error) {
	return f.ctx.HasClass(class), nil
}

// clientKey resolves spec.md §4.5's client_key rule: chaddr_only forces
// chaddr; otherwise prefer option 61, falling back to chaddr.
func clientKey(msg *dhcpv4.DHCPv4, chaddrOnly bool) string {
	if !chaddrOnly {
		if id := msg.Options.Get(dhcpv4.OptionClientIdentifier); len(id) > 0 {
			return fmt.Sprintf("id:%x", id)
		}
	}
	return "mac:" + msg.ClientHWAddr.String()
}
