// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package xroads

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// parseAddress splits an endpoint address "transport://address" into its
// parts, and checks that the transport is known.
func parseAddress(addr string) (proto, rest string, _ error) {
	proto, rest, ok := strings.Cut(addr, "://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("address %q: %w", addr, ErrInvalid)
	}
	switch proto {
	case "inproc", "tcp", "ipc":
		return proto, rest, nil
	}
	return "", "", fmt.Errorf("transport %q: %w", proto, ErrProtocol)
}

// A netAddress is a resolved network endpoint.
type netAddress struct {
	proto  string // "tcp" or "ipc"
	family int    // unix.AF_INET, unix.AF_INET6, unix.AF_UNIX
	sa     unix.Sockaddr
}

// resolveAddress resolves a tcp or ipc address. If bind is true, the
// address names a local interface: "*" means any interface, and a port of
// "*" or "0" asks for an ephemeral port. Otherwise the address names a
// peer, optionally preceded by a source part "src;" that is ignored.
func resolveAddress(proto, addr string, bind, ipv4only bool) (netAddress, error) {
	if proto == "ipc" {
		if len(addr) > len(unix.RawSockaddrUnix{}.Path)-1 {
			return netAddress{}, fmt.Errorf("ipc path %q is too long: %w", addr, ErrInvalid)
		}
		return netAddress{proto: proto, family: unix.AF_UNIX, sa: &unix.SockaddrUnix{Name: addr}}, nil
	}
	if !bind {
		if _, tail, ok := strings.Cut(addr, ";"); ok {
			addr = tail
		}
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return netAddress{}, fmt.Errorf("tcp address %q: %w", addr, ErrInvalid)
	}

	var port int
	if bind && (portStr == "*" || portStr == "0") {
		port = 0
	} else if port, err = strconv.Atoi(portStr); err != nil || port <= 0 || port > 65535 {
		return netAddress{}, fmt.Errorf("tcp port %q: %w", portStr, ErrInvalid)
	}

	var ip net.IP
	switch {
	case bind && host == "*":
		ip = net.IPv4zero
		if !ipv4only {
			ip = net.IPv6zero
		}
	case host == "":
		return netAddress{}, fmt.Errorf("tcp address %q has no host: %w", addr, ErrInvalid)
	default:
		if ip = net.ParseIP(host); ip == nil {
			ips, err := net.LookupIP(host)
			if err != nil {
				return netAddress{}, fmt.Errorf("resolve %q: %w", host, ErrInvalid)
			}
			ip = pickIP(ips, ipv4only)
		}
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return netAddress{proto: proto, family: unix.AF_INET, sa: sa}, nil
	} else if ipv4only || ip == nil {
		return netAddress{}, fmt.Errorf("no IPv4 address for %q: %w", host, ErrInvalid)
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return netAddress{proto: proto, family: unix.AF_INET6, sa: sa}, nil
}

// pickIP returns the first usable address in ips, preferring IPv4.
func pickIP(ips []net.IP, ipv4only bool) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}
	if !ipv4only && len(ips) != 0 {
		return ips[0]
	}
	return nil
}

// sockaddrString renders sa as an endpoint address for proto.
func sockaddrString(proto string, sa unix.Sockaddr) string {
	switch t := sa.(type) {
	case *unix.SockaddrInet4:
		return proto + "://" + net.JoinHostPort(net.IP(t.Addr[:]).String(), strconv.Itoa(t.Port))
	case *unix.SockaddrInet6:
		return proto + "://" + net.JoinHostPort(net.IP(t.Addr[:]).String(), strconv.Itoa(t.Port))
	case *unix.SockaddrUnix:
		return proto + "://" + t.Name
	}
	return proto + "://?"
}
