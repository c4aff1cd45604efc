package transport

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// DefaultPort is assumed for peer addresses given without one.
const DefaultPort = 7400

// PeerAddress is the dialable address of a peer's replication server.
// Examples:
//   - 192.0.2.10:7400
//   - node.example.net (port defaults to DefaultPort)
//   - [2001:db8::1]:7401
type PeerAddress struct {
	Host string
	Port int
}

// ParsePeerAddress parses host[:port]. IPv6 hosts with a port must be
// bracketed.
func ParsePeerAddress(addr string) (PeerAddress, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return PeerAddress{}, fmt.Errorf("address cannot be empty")
	}
	if strings.Contains(addr, "://") {
		return PeerAddress{}, fmt.Errorf("invalid address %q: scheme not allowed", addr)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port, or a bare IPv6 literal.
		host, portStr = strings.Trim(addr, "[]"), ""
		if strings.Contains(host, ":") && net.ParseIP(host) == nil {
			return PeerAddress{}, fmt.Errorf("invalid address %q: %w", addr, err)
		}
	}
	if host == "" {
		return PeerAddress{}, fmt.Errorf("invalid address %q: host cannot be empty", addr)
	}
	if strings.ContainsAny(host, "/@ ") {
		return PeerAddress{}, fmt.Errorf("invalid address %q: bad host", addr)
	}

	port := DefaultPort
	if portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port < 0 || port > 65535 {
			return PeerAddress{}, fmt.Errorf("invalid address %q: bad port", addr)
		}
	}
	return PeerAddress{Host: host, Port: port}, nil
}

// String returns the canonical host:port form.
func (a PeerAddress) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsUnspecified reports whether the host is a wildcard such as 0.0.0.0,
// which listeners accept but peers cannot dial.
func (a PeerAddress) IsUnspecified() bool {
	ip := net.ParseIP(a.Host)
	return ip != nil && ip.IsUnspecified()
}

// Validate checks that a is dialable.
func (a PeerAddress) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("port %d out of range", a.Port)
	}
	if a.IsUnspecified() {
		return fmt.Errorf("%s is not dialable", a.Host)
	}
	return nil
}

// NormalizePeers canonicalizes addrs, dropping duplicates and entries that
// do not parse or cannot be dialed. The result is sorted.
func NormalizePeers(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, s := range addrs {
		a, err := ParsePeerAddress(s)
		if err != nil || a.Validate() != nil {
			continue
		}
		out = append(out, a.String())
	}
	slices.Sort(out)
	return slices.Compact(out)
}
