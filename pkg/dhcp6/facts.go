package dhcp6

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/dorad-project/dorad/pkg/classify"
	"github.com/dorad-project/dorad/pkg/pipeline"
)

// iaIDToUint32 and uint32ToIaID convert between this package's uint32 IAID
// representation and the [4]byte form github.com/insomniacslk/dhcp's
// dhcpv6.OptIANA carries on the wire.
func iaIDToUint32(id [4]byte) uint32 {
	return binary.BigEndian.Uint32(id[:])
}

func uint32ToIaID(id uint32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], id)
	return b
}

// facts adapts an inbound DHCPv6 message and its arrival metadata to
// classify.Facts, mirroring pkg/dhcp4's facts.go for the v6 field set
// spec.md §4.6 operates over.
type facts struct {
	msg *dhcpv6.Message
	ctx *pipeline.MsgContext
}

func newFacts(msg *dhcpv6.Message, ctx *pipeline.MsgContext) *facts {
	return &facts{msg: msg, ctx: ctx}
}

func (f *facts) Field(name string) (classify.Value, error) {
	switch strings.ToLower(name) {
	case "msgtype":
		return classify.IntValue(int64(f.msg.MessageType)), nil
	case "duid":
		if duid := f.msg.Options.ClientID(); duid != nil {
			return classify.StrValue(hex.EncodeToString(duid.ToBytes())), nil
		}
		return classify.EmptyValue(), nil
	case "iaid":
		if ia := f.msg.Options.OneIANA(); ia != nil {
			return classify.IntValue(int64(iaIDToUint32(ia.IaId))), nil
		}
		return classify.EmptyValue(), nil
	case "iface":
		return classify.StrValue(f.ctx.Iface), nil
	case "len":
		return classify.IntValue(int64(len(f.msg.ToBytes()))), nil
	default:
		return classify.EmptyValue(), nil
	}
}

func (f *facts) Option(code uint32) (classify.Value, error) {
	opt := f.msg.GetOneOption(dhcpv6.OptionCode(uint16(code)))
	if opt == nil {
		return classify.EmptyValue(), nil
	}
	return classify.BytesValue(opt.ToBytes()), nil
}

func (f *facts) Member(class string) (bool, error) {
	return f.ctx.HasClass(class), nil
}

// clientKey resolves spec.md §4.6's client keying rule: the DUID from
// option 1 (client-id) paired with the IAID of the request's IA_NA. A
// client may hold multiple leases with distinct IAIDs, but one MsgContext
// carries exactly one IA per RFC 8415 request/reply exchange here, matching
// the single-IA handling lion7-caddydhcp's range/file handlers use.
func clientKey(duidHex string, iaid uint32) string {
	return "duid:" + duidHex + "/iaid:" + strconv.FormatUint(uint64(iaid), 10)
}
