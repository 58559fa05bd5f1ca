package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// AddressResolver turns a domain name into the IPv4 addresses it
// currently resolves to. Implementations never return duplicates.
type AddressResolver interface {
	LookupIPv4(ctx context.Context, domain string) ([]string, error)
}

// DNSResolver queries a single DNS server directly over UDP. Asking the
// router's own dnsmasq keeps the answers consistent with what LAN
// clients see, which matters for CDN-backed domains.
type DNSResolver struct {
	Server string
	client *dns.Client
}

// NewDNSResolver creates a resolver against server (host:port). An empty
// server falls back to the local dnsmasq.
func NewDNSResolver(server string) *DNSResolver {
	if server == "" {
		server = "127.0.0.1:53"
	}
	return &DNSResolver{
		Server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// LookupIPv4 resolves the A records for domain. A NOERROR answer with no
// A records yields an empty slice and no error.
func (r *DNSResolver) LookupIPv4(ctx context.Context, domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
	msg.RecursionDesired = true

	reply, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", domain, err)
	}
	if reply.Rcode != dns.RcodeSuccess && reply.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("resolve %s: %s", domain, dns.RcodeToString[reply.Rcode])
	}

	seen := make(map[string]bool)
	var addrs []string
	for _, rr := range reply.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip := a.A.String()
		if !seen[ip] {
			seen[ip] = true
			addrs = append(addrs, ip)
		}
	}
	return addrs, nil
}
