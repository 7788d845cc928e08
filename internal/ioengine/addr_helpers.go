package ioengine

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// resolveIPv4 turns a dotted-quad or hostname into the 4-byte form
// unix.SockaddrInet4 wants.
func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte

	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return out, fmt.Errorf("resolve %q: %w", host, err)
		}
		for _, candidate := range ips {
			if v4 := candidate.To4(); v4 != nil {
				ip = v4
				break
			}
		}
		if ip == nil {
			return out, fmt.Errorf("no IPv4 address found for %q", host)
		}
	}

	v4 := ip.To4()
	if v4 == nil {
		return out, fmt.Errorf("%q is not an IPv4 address", host)
	}
	copy(out[:], v4)
	return out, nil
}

// formatSockaddr renders a peer address from accept(2) as "ip:port"
// for logging and connection-registry bookkeeping.
func formatSockaddr(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	default:
		return "unknown"
	}
}
