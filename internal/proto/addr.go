package proto

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Network kinds reported by CountNetworks.
const (
	NetIPv4  = "ipv4"
	NetIPv6  = "ipv6"
	NetOnion = "onion"
)

// SplitAddr parses "host:port".
func SplitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("bad port: %q", portStr)
	}
	return host, port, nil
}

func AddrPort(addr string) int {
	_, port, err := SplitAddr(addr)
	if err != nil {
		return 0
	}
	return port
}

// AddrNetwork classifies addr as ipv4, ipv6 or onion; "" when unparsable.
func AddrNetwork(addr string) string {
	host, _, err := SplitAddr(addr)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(strings.ToLower(host), ".onion") {
		return NetOnion
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	if ip.Is4() || ip.Is4In6() {
		return NetIPv4
	}
	return NetIPv6
}

// IsLocalAddr reports loopback, unspecified or link-local addresses.
func IsLocalAddr(addr string) bool {
	host, _, err := SplitAddr(addr)
	if err != nil {
		host = addr
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()
}

// IsPrivateAddr reports RFC1918 (and unique-local v6) space.
func IsPrivateAddr(addr string) bool {
	host, _, err := SplitAddr(addr)
	if err != nil {
		return false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsPrivate()
}

// IsRoutable is false for local and private addresses.
func IsRoutable(addr string) bool {
	return AddrNetwork(addr) != "" && !IsLocalAddr(addr) && !IsPrivateAddr(addr)
}
