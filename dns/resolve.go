package dns

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"braces.dev/errtrace"
)

// DefaultPort is the SIP port used when neither the target nor DNS carries one.
const DefaultPort uint16 = 5060

// ErrNoAddress is returned when the target resolves to no address.
var ErrNoAddress = errors.New("no address")

var naptrServices = map[string]string{
	"udp": "SIP+D2U",
	"tcp": "SIP+D2T",
	"tls": "SIPS+D2T",
}

// ResolveAddr resolves the SIP target "host[:port]" to a single address (RFC 3263 Section 4).
//
// IP literals are returned as is. When the target has a port, only A/AAAA records are queried.
// Otherwise NAPTR records are queried for the service matching proto, then
// SRV records "_sip._<proto>", and finally A/AAAA records on [DefaultPort].
func (r *Resolver) ResolveAddr(ctx context.Context, target, proto string) (netip.AddrPort, error) {
	proto = strings.ToLower(proto)
	if proto == "" {
		proto = "udp"
	}

	host, port, err := splitTarget(target)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), cmpPort(port)), nil
	}
	if port != 0 {
		return errtrace.Wrap2(r.resolveIP(ctx, host, port))
	}

	if svc, ok := naptrServices[proto]; ok {
		if recs, err := r.LookupNAPTR(ctx, host); err == nil {
			for _, rec := range recs {
				if !strings.EqualFold(rec.Service, svc) || !strings.EqualFold(rec.Flags, "s") {
					continue
				}
				if ap, err := r.resolveSRV(ctx, "", "", rec.Replacement); err == nil {
					return ap, nil
				}
			}
		}
	}

	srvProto := proto
	if proto == "tls" {
		srvProto = "tcp"
	}
	if ap, err := r.resolveSRV(ctx, "sip", srvProto, host); err == nil {
		return ap, nil
	}
	return errtrace.Wrap2(r.resolveIP(ctx, host, DefaultPort))
}

func (r *Resolver) resolveSRV(ctx context.Context, service, proto, host string) (netip.AddrPort, error) {
	srvs, err := r.LookupSRV(ctx, service, proto, strings.TrimSuffix(host, "."))
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	var errs []error
	for _, srv := range srvs {
		ap, err := r.resolveIP(ctx, strings.TrimSuffix(srv.Target, "."), srv.Port)
		if err == nil {
			return ap, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return netip.AddrPort{}, errtrace.Wrap(ErrNoAddress)
	}
	return netip.AddrPort{}, errtrace.Wrap(errors.Join(errs...))
}

func (r *Resolver) resolveIP(ctx context.Context, host string, port uint16) (netip.AddrPort, error) {
	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, errtrace.Wrap(err)
	}
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			return netip.AddrPortFrom(addr.Unmap(), port), nil
		}
	}
	return netip.AddrPort{}, errtrace.Wrap(ErrNoAddress)
}

func splitTarget(target string) (string, uint16, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", 0, errtrace.Wrap(&net.AddrError{Err: "empty target"})
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// no port, possibly a bracketed IPv6 literal
		return strings.Trim(target, "[]"), 0, nil //nolint:nilerr
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, errtrace.Wrap(&net.AddrError{Err: "invalid port", Addr: target})
	}
	return host, uint16(port), nil
}

func cmpPort(p uint16) uint16 {
	if p == 0 {
		return DefaultPort
	}
	return p
}

// ResolveAddr resolves the SIP target with the default resolver.
func ResolveAddr(ctx context.Context, target, proto string) (netip.AddrPort, error) {
	return errtrace.Wrap2(defResolver.ResolveAddr(ctx, target, proto))
}
