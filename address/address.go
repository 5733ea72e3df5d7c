// Package address provides a type for representing a server address.
package address

import (
	"net"
	"strings"
)

// Address is a normalized host:port identifying a single server endpoint.
// Two addresses that refer to the same server always compare equal after
// normalization, regardless of casing or an implicit default port.
type Address string

// defaultPort is appended when an address carries no explicit port.
const defaultPort = "27017"

// Host returns the hostname portion of the address.
func (a Address) Host() string {
	host, _, err := net.SplitHostPort(string(a))
	if err != nil {
		return string(a)
	}
	return host
}

// Network returns the network type for the address, "unix" for a
// filesystem-path style address ending in ".sock", otherwise "tcp".
func (a Address) Network() string {
	if strings.HasSuffix(string(a), ".sock") {
		return "unix"
	}
	return "tcp"
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return string(a)
}

// Normalize lowercases the address and appends the default port if one is
// not already present. Every ServerDescription and Link is keyed by a
// normalized Address so that "Host:27017" and "host" collide correctly.
func Normalize(addr string) Address {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if addr == "" {
		return Address(addr)
	}
	if strings.HasSuffix(addr, ".sock") {
		return Address(addr)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, defaultPort)
	}
	return Address(addr)
}
