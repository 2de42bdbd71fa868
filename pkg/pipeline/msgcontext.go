package pipeline

import (
	"net"
	"time"

	"github.com/dorad-project/dorad/pkg/config"
)

// Family discriminates the message family a MsgContext carries.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// MsgContext is the per-request mutable state spec.md §3 describes: the
// decoded inbound message, the response being built, the chosen subnet,
// matched classes, arrival metadata, resolved client_key, and the
// pipeline's outcome flag. It is created on ingress and discarded once
// the dispatcher returns.
type MsgContext struct {
	Family Family

	// In and Out hold the family-specific decoded messages
	// (*dhcpv4.DHCPv4 or dhcpv6.DHCPv6), boxed as any so this package has
	// no dependency on pkg/dhcpwire; plugins type-assert to their family.
	In  any
	Out any

	// Outer holds the raw decoded v6 envelope (dhcpv6.DHCPv6, which may be
	// a *dhcpv6.RelayMessage) before InnerMessageV6 unwrapping. It is nil
	// for v4. The resolve plugin reads a relay's link-address hint from
	// it; the listener uses it again at encode time to re-encapsulate the
	// reply inside a RELAY-REPL.
	Outer any

	Network   *config.NetworkConfig
	Subnet    string
	Classes   []string
	ClassSet  map[string]bool
	ClientKey string

	// DUID/IAID are populated for v6 requests only.
	DUID string
	IAID uint32

	Iface     string
	SrcAddr   net.Addr
	LocalIP   net.IP
	Broadcast bool

	ReceivedAt time.Time

	// Lease is set by the statemachine plugin once a candidate has been
	// confirmed, for downstream host-options/ddns/finalize plugins.
	Lease any

	outcome Outcome
}

// HasClass reports whether class was matched for this message.
func (m *MsgContext) HasClass(class string) bool {
	return m.ClassSet != nil && m.ClassSet[class]
}

// SetClasses records the matched class set in both ordered-slice and
// lookup-map form.
func (m *MsgContext) SetClasses(classes []string) {
	m.Classes = classes
	m.ClassSet = make(map[string]bool, len(classes))
	for _, c := range classes {
		m.ClassSet[c] = true
	}
}
