package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlockedUpstream is returned when a provider base URL, or an address it
// resolves or dials to, is not publicly routable.
var ErrBlockedUpstream = errors.New("security: upstream address not allowed")

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.google":          true,
}

// Carrier-grade NAT is not covered by netip's IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// CheckUpstreamURL vets a provider base URL at registration. Literal IPs are
// checked directly; host names are resolved and every answer is checked.
func CheckUpstreamURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if blockedHosts[strings.ToLower(host)] {
		return fmt.Errorf("%w: host %q", ErrBlockedUpstream, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("cannot resolve URL host: %s", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

// DialControl is a net.Dialer Control hook that refuses connections to
// non-public addresses. Registration-time checks alone miss DNS answers that
// change after a listing is accepted.
func DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedUpstream, address)
	}
	return checkAddr(ap.Addr())
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return fmt.Errorf("%w: loopback %s", ErrBlockedUpstream, addr)
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr):
		return fmt.Errorf("%w: private %s", ErrBlockedUpstream, addr)
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local %s", ErrBlockedUpstream, addr)
	case addr.IsUnspecified(), addr.IsMulticast():
		return fmt.Errorf("%w: %s", ErrBlockedUpstream, addr)
	}
	return nil
}
