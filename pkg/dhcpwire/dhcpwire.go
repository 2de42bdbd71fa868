// Package dhcpwire wraps github.com/insomniacslk/dhcp's dhcpv4/dhcpv6
// codecs behind the decode/encode surface spec.md §6 treats as an
// external collaborator, following the usage patterns of
// lion7-caddydhcp's handle4/handle6 (dhcpv4.FromBytes,
// dhcpv4.NewReplyFromRequest, dhcpv6.FromBytes,
// dhcpv6.NewAdvertiseFromSolicit, relay re-encapsulation).
package dhcpwire

import (
	"fmt"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv6"
)

// DecodeV4 parses a raw DHCPv4 datagram.
func DecodeV4(buf []byte) (*dhcpv4.DHCPv4, error) {
	m, err := dhcpv4.FromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("dhcpwire: decode v4: %w", err)
	}
	return m, nil
}

// EncodeV4 serializes a DHCPv4 message.
func EncodeV4(m *dhcpv4.DHCPv4) []byte {
	return m.ToBytes()
}

// NewReplyV4 builds the reply skeleton (matching transaction id, chaddr,
// flags) for req, and stamps the message type spec.md §4.5 dictates for
// each inbound message type.
func NewReplyV4(req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType) (*dhcpv4.DHCPv4, error) {
	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		return nil, fmt.Errorf("dhcpwire: build v4 reply: %w", err)
	}
	resp.UpdateOption(dhcpv4.OptMessageType(msgType))
	return resp, nil
}

// IsBOOTP reports whether m carries no DHCP message-type option (53) — the
// BOOTP fallback path spec.md §4.5 names. The magic cookie is not
// inspected here.
func IsBOOTP(m *dhcpv4.DHCPv4) bool {
	return m.MessageType() == dhcpv4.MessageTypeNone
}

// NewBOOTPReply builds a reply skeleton for a BOOTP request, matching
// transaction id and chaddr but stamping no DHCP message-type option,
// since plain BOOTP has none.
func NewBOOTPReply(req *dhcpv4.DHCPv4) *dhcpv4.DHCPv4 {
	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		resp = &dhcpv4.DHCPv4{}
	}
	return resp
}

// DecodeV6 parses a raw DHCPv6 datagram, which may be a plain Message or
// a RelayMessage wrapper.
func DecodeV6(buf []byte) (dhcpv6.DHCPv6, error) {
	m, err := dhcpv6.FromBytes(buf)
	if err != nil {
		return nil, fmt.Errorf("dhcpwire: decode v6: %w", err)
	}
	return m, nil
}

// InnerMessageV6 unwraps relay encapsulation (if any) to the leaf message
// the v6 state machine operates on.
func InnerMessageV6(m dhcpv6.DHCPv6) (*dhcpv6.Message, error) {
	inner, err := m.GetInnerMessage()
	if err != nil {
		return nil, fmt.Errorf("dhcpwire: unwrap v6 relay: %w", err)
	}
	return inner, nil
}

// NewAdvertiseOrReply builds ADVERTISE for req, or REPLY when req carries
// a Rapid Commit option and the caller has enabled the feature, per
// spec.md §4.6's SOLICIT handling.
func NewAdvertiseOrReply(req *dhcpv6.Message, rapidCommitEnabled bool) (*dhcpv6.Message, error) {
	if rapidCommitEnabled && req.GetOneOption(dhcpv6.OptionRapidCommit) != nil {
		return dhcpv6.NewReplyFromMessage(req)
	}
	return dhcpv6.NewAdvertiseFromSolicit(req)
}

// NewReplyV6 builds a REPLY to req, for every non-SOLICIT v6 message type.
func NewReplyV6(req *dhcpv6.Message) (*dhcpv6.Message, error) {
	resp, err := dhcpv6.NewReplyFromMessage(req)
	if err != nil {
		return nil, fmt.Errorf("dhcpwire: build v6 reply: %w", err)
	}
	return resp, nil
}

// EncodeV6 serializes outer, re-encapsulating resp inside a
// RELAY-REPL if the original request arrived relayed (outer is a
// *dhcpv6.RelayMessage), per lion7-caddydhcp's handle6.
func EncodeV6(outer dhcpv6.DHCPv6, resp *dhcpv6.Message) ([]byte, error) {
	if relay, ok := outer.(*dhcpv6.RelayMessage); ok {
		encapsulated, err := dhcpv6.NewRelayReplFromRelayForw(relay, resp)
		if err != nil {
			return nil, fmt.Errorf("dhcpwire: relay-repl from relay-forw: %w", err)
		}
		return encapsulated.ToBytes(), nil
	}
	return resp.ToBytes(), nil
}
