package client

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// defaultResolvPort is the port assumed for candidates discovered by
// resolving Token.HostName (spec.md §4.5 ServerFinder).
const defaultResolvPort = 443

// resolveHostCandidates looks up hostName's A/AAAA records against the
// system's configured resolvers, read the same way dig-style DNS tooling
// does from /etc/resolv.conf, and returns them as dialable candidates.
// It supplements a token's fixed candidate list rather than replacing it;
// a resolution failure is not fatal, just an empty result.
func resolveHostCandidates(hostName string, timeout time.Duration) ([]netip.AddrPort, error) {
	if hostName == "" {
		return nil, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return nil, fmt.Errorf("[session] no system resolver configured: %w", err)
	}

	c := &dns.Client{Timeout: timeout}
	server := conf.Servers[0] + ":" + conf.Port

	var out []netip.AddrPort
	for _, qtype := range [2]uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(hostName), qtype)
		resp, _, err := c.Exchange(m, server)
		if err != nil || resp == nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(rec.A.To4()); ok {
					out = append(out, netip.AddrPortFrom(a, defaultResolvPort))
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(rec.AAAA.To16()); ok {
					out = append(out, netip.AddrPortFrom(a, defaultResolvPort))
				}
			}
		}
	}
	return out, nil
}
