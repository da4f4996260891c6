package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/wire"
)

// Source identifies where a PeerAddress was learned from.
type Source uint8

const (
	// SourceLocal addresses come from the local address book.
	SourceLocal Source = iota + 1
	// SourceDNS addresses come from DNS seeding.
	SourceDNS
	// SourceConfig addresses were given in the node configuration.
	SourceConfig
	// SourceGossip addresses were announced by a peer in an addr message.
	SourceGossip
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceDNS:
		return "dns"
	case SourceConfig:
		return "config"
	case SourceGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

// PeerAddress is a candidate network endpoint of a Bitcoin peer. Two
// addresses denote the same peer when their IP and port match, regardless of
// Source.
type PeerAddress struct {
	IP     net.IP
	Port   uint16
	Source Source
}

// NewPeerAddress returns a PeerAddress, normalizing IPv4-in-IPv6 addresses to
// their 4-byte form.
func NewPeerAddress(ip net.IP, port uint16, source Source) PeerAddress {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return PeerAddress{IP: ip, Port: port, Source: source}
}

// ParsePeerAddress parses an "ip:port" pair. Host names are not resolved, use
// ResolvePeerAddresses for those.
func ParsePeerAddress(hostport string, source Source) (PeerAddress, error) {
	host, portString, err := net.SplitHostPort(hostport)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: %w", hostport, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return PeerAddress{}, fmt.Errorf("invalid peer address %q: %q is not an IP", hostport, host)
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("invalid port %q: %w", portString, err)
	}
	address := NewPeerAddress(ip, uint16(port), source)
	return address, address.Validate()
}

// ResolvePeerAddresses resolves a "host:port" pair into addresses, by
// expanding out a DNS hostname to IP addresses.
func ResolvePeerAddresses(ctx context.Context, hostport string, source Source) ([]PeerAddress, error) {
	if address, err := ParsePeerAddress(hostport, source); err == nil {
		return []PeerAddress{address}, nil
	}

	host, portString, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("invalid peer address %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portString, err)
	}

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	addresses := make([]PeerAddress, 0, len(ips))
	for _, ip := range ips {
		addresses = append(addresses, NewPeerAddress(ip, uint16(port), source))
	}
	return addresses, nil
}

// PeerAddressFromWire converts an address announced on the wire.
func PeerAddressFromWire(na *wire.NetAddress, source Source) PeerAddress {
	return NewPeerAddress(na.IP, na.Port, source)
}

// NetAddress converts the address into its wire representation.
func (a PeerAddress) NetAddress(services wire.ServiceFlag) *wire.NetAddress {
	return wire.NewNetAddressIPPort(a.IP, a.Port, services)
}

// String formats the address as ip:port.
func (a PeerAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Equal reports whether a and b denote the same endpoint.
func (a PeerAddress) Equal(b PeerAddress) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Validate validates a PeerAddress.
func (a PeerAddress) Validate() error {
	if a.IP == nil || a.IP.IsUnspecified() {
		return errors.New("no IP address")
	}
	if a.Port == 0 {
		return errors.New("no port")
	}
	return nil
}
