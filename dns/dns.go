// Package dns resolves SIP targets with A/AAAA, SRV and NAPTR lookups (RFC 3263).
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Resolver wraps net.Resolver with NAPTR lookups and SIP target resolution.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// When set, all lookups go to this server unless Resolver.Dial is set.
	// If empty, the system's default resolver configuration is used.
	NameServer string
	// Timeout specifies the timeout for DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

func (r *Resolver) std() *net.Resolver {
	if r.NameServer == "" || r.Resolver.Dial != nil {
		return &r.Resolver
	}
	ns, _ := r.nameserver()
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: r.timeout()}
			return errtrace.Wrap2(d.DialContext(ctx, network, ns))
		},
	}
}

// LookupIP looks up host addresses for the network "ip", "ip4" or "ip6".
// IPv4 addresses are returned in the 4-byte form.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.std().LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

type SRV = net.SRV

// LookupSRV looks up SRV records sorted by priority and randomized by weight.
// If service and proto are empty, host is queried directly.
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.std().LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	// Lower values are processed first.
	Order uint16
	// Preference specifies the preference for records with equal Order values.
	Preference uint16
	// Flags control the interpretation of the record: "s" (SRV lookup), "a" (A/AAAA lookup), "u" (terminal URI).
	Flags string
	// Service is the service and protocol, e.g. "SIP+D2U" (UDP), "SIP+D2T" (TCP), "SIPS+D2T" (TLS).
	Service string
	// Regexp is a substitution expression, usually empty.
	Regexp string
	// Replacement is the next domain name to query.
	Replacement string
}

// LookupNAPTR queries NAPTR records for the given host.
// Records are sorted by Order, then by Preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	ns, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, ns)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}
	slices.SortStableFunc(recs, func(a, b *NAPTR) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Preference, b.Preference))
	})
	return recs, nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		if _, _, err := net.SplitHostPort(r.NameServer); err != nil {
			return net.JoinHostPort(r.NameServer, "53"), nil //nolint:nilerr
		}
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

var defResolver = &Resolver{}

// DefaultResolver returns the resolver that uses the system configuration.
func DefaultResolver() *Resolver { return defResolver }

func LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	return errtrace.Wrap2(defResolver.LookupIP(ctx, "ip", host))
}

func LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	return errtrace.Wrap2(defResolver.LookupSRV(ctx, service, proto, host))
}

func LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	return errtrace.Wrap2(defResolver.LookupNAPTR(ctx, host))
}
