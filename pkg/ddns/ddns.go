// Package ddns implements the DDNS update dispatch collaborator of
// spec.md §4.9: forward (A/AAAA) and reverse (PTR) RFC 2136 dynamic
// updates, optionally TSIG-signed, backed by github.com/miekg/dns —
// present in the retrieved corpus as an indirect dependency of
// lion7-caddydhcp's ACME/DNS provider stack and promoted to direct use
// here since dorad is the first component in the corpus to speak the DNS
// wire protocol itself.
package ddns

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/dorad-project/dorad/pkg/config"
	"github.com/dorad-project/dorad/pkg/logger"
)

// Client issues forward and reverse DDNS updates.
type Client interface {
	UpdateForward(ctx context.Context, fqdn string, ip net.IP, ttl uint32) error
	UpdateReverse(ctx context.Context, ip net.IP, fqdn string, ttl uint32) error
	Remove(ctx context.Context, fqdn string, ip net.IP) error
}

// NoopClient is used when DDNS is disabled in config.
type NoopClient struct{}

func (NoopClient) UpdateForward(context.Context, string, net.IP, uint32) error { return nil }
func (NoopClient) UpdateReverse(context.Context, net.IP, string, uint32) error { return nil }
func (NoopClient) Remove(context.Context, string, net.IP) error               { return nil }

// RFC2136Client dispatches RFC 2136 dynamic updates via dns.Client,
// optionally TSIG-signed.
type RFC2136Client struct {
	cfg    config.DDNSConfig
	client *dns.Client
	log    *slog.Logger
}

// New builds a Client from cfg. If cfg.Enabled is false, a NoopClient is
// returned so callers need not branch on configuration.
func New(cfg config.DDNSConfig) Client {
	if !cfg.Enabled {
		return NoopClient{}
	}
	c := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	if cfg.TSIGKeyName != "" {
		c.TsigSecret = map[string]string{dns.Fqdn(cfg.TSIGKeyName): cfg.TSIGSecret}
	}
	return &RFC2136Client{cfg: cfg, client: c, log: logger.Component(logger.ComponentDDNS)}
}

func (c *RFC2136Client) server() string {
	if len(c.cfg.Servers) == 0 {
		return ""
	}
	srv := c.cfg.Servers[0]
	if !strings.Contains(srv, ":") {
		srv += ":53"
	}
	return srv
}

func (c *RFC2136Client) sign(m *dns.Msg) {
	if c.cfg.TSIGKeyName == "" {
		return
	}
	algo := c.cfg.TSIGAlgorithm
	if algo == "" {
		algo = dns.HmacSHA256
	}
	m.SetTsig(dns.Fqdn(c.cfg.TSIGKeyName), algo, 300, time.Now().Unix())
}

func (c *RFC2136Client) exchange(ctx context.Context, m *dns.Msg) error {
	server := c.server()
	if server == "" {
		return fmt.Errorf("ddns: no server configured")
	}
	resp, _, err := c.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return fmt.Errorf("ddns: exchange: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("ddns: update rejected: %s", dns.RcodeToString[resp.Rcode])
	}
	return nil
}

// UpdateForward composes and sends an A/AAAA update for fqdn -> ip,
// scoped to the configured forward zone.
func (c *RFC2136Client) UpdateForward(ctx context.Context, fqdn string, ip net.IP, ttl uint32) error {
	zone := dns.Fqdn(c.cfg.ForwardZone)
	m := new(dns.Msg)
	m.SetUpdate(zone)

	rrType := dns.TypeA
	if ip.To4() == nil {
		rrType = dns.TypeAAAA
	}
	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", dns.Fqdn(fqdn), ttl, dns.TypeToString[rrType], ip.String()))
	if err != nil {
		return fmt.Errorf("ddns: build forward rr: %w", err)
	}
	clear, err := dns.NewRR(fmt.Sprintf("%s 0 ANY %s", dns.Fqdn(fqdn), dns.TypeToString[rrType]))
	if err != nil {
		return fmt.Errorf("ddns: build forward rrset-clear: %w", err)
	}
	m.RemoveRRset([]dns.RR{clear})
	m.Insert([]dns.RR{rr})
	c.sign(m)

	if err := c.exchange(ctx, m); err != nil {
		c.log.Warn("forward ddns update failed", "fqdn", fqdn, "error", err)
		return err
	}
	return nil
}

// UpdateReverse composes and sends a PTR update for ip -> fqdn, scoped
// to the configured reverse zone.
func (c *RFC2136Client) UpdateReverse(ctx context.Context, ip net.IP, fqdn string, ttl uint32) error {
	zone := dns.Fqdn(c.cfg.ReverseZone)
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return fmt.Errorf("ddns: reverse addr: %w", err)
	}
	m := new(dns.Msg)
	m.SetUpdate(zone)

	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN PTR %s", arpa, ttl, dns.Fqdn(fqdn)))
	if err != nil {
		return fmt.Errorf("ddns: build reverse rr: %w", err)
	}
	clear, err := dns.NewRR(fmt.Sprintf("%s 0 ANY PTR", arpa))
	if err != nil {
		return fmt.Errorf("ddns: build reverse rrset-clear: %w", err)
	}
	m.RemoveRRset([]dns.RR{clear})
	m.Insert([]dns.RR{rr})
	c.sign(m)

	if err := c.exchange(ctx, m); err != nil {
		c.log.Warn("reverse ddns update failed", "ip", ip.String(), "error", err)
		return err
	}
	return nil
}

// Remove deletes every record at fqdn in the forward zone and at ip's
// reverse name in the reverse zone, best-effort: each failure is logged and
// Remove always returns nil. No pipeline plugin calls Remove.
func (c *RFC2136Client) Remove(ctx context.Context, fqdn string, ip net.IP) error {
	nameWildcard, err := dns.NewRR(fmt.Sprintf("%s 0 ANY ANY", dns.Fqdn(fqdn)))
	if err == nil {
		m := new(dns.Msg)
		m.SetUpdate(dns.Fqdn(c.cfg.ForwardZone))
		m.RemoveName([]dns.RR{nameWildcard})
		c.sign(m)
		if err := c.exchange(ctx, m); err != nil {
			c.log.Warn("ddns forward removal failed", "fqdn", fqdn, "error", err)
		}
	}

	if ip != nil {
		arpa, err := dns.ReverseAddr(ip.String())
		if err == nil {
			ptrWildcard, err := dns.NewRR(fmt.Sprintf("%s 0 ANY ANY", arpa))
			if err == nil {
				rm := new(dns.Msg)
				rm.SetUpdate(dns.Fqdn(c.cfg.ReverseZone))
				rm.RemoveName([]dns.RR{ptrWildcard})
				c.sign(rm)
				if err := c.exchange(ctx, rm); err != nil {
					c.log.Warn("ddns reverse removal failed", "ip", ip.String(), "error", err)
				}
			}
		}
	}
	return nil
}

// FQDNFlags decodes the S/N flag byte carried by v4 option 81 / v6
// option 39, per spec.md §4.9.
type FQDNFlags struct {
	ServerUpdatesForward bool // S bit
	NoUpdate             bool // N bit
}

// DecodeFQDNFlags parses the flags octet of the FQDN option.
func DecodeFQDNFlags(b byte) FQDNFlags {
	return FQDNFlags{
		ServerUpdatesForward: b&0x1 != 0,
		NoUpdate:             b&0x8 != 0,
	}
}
