package peer

import (
	"fmt"
	"net"
	"strconv"

	"github.com/btcsuite/btcd/wire"
)

// unspecifiedAddress is advertised when the remote address of a connection
// can't be expressed as an IP and port, such as for in-memory pipes.
func unspecifiedAddress(services wire.ServiceFlag) *wire.NetAddress {
	return &wire.NetAddress{
		IP:       net.IPv4zero,
		Services: services,
	}
}

// NetAddress converts addr into a bitcoin network address carrying the given
// services. The timestamp is left unset as version messages don't use it.
func NetAddress(addr net.Addr, services wire.ServiceFlag) *wire.NetAddress {
	if addr == nil {
		return unspecifiedAddress(services)
	}

	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return &wire.NetAddress{
			IP:       tcpAddr.IP,
			Port:     uint16(tcpAddr.Port),
			Services: services,
		}
	}

	na, err := ParseNetAddress(addr.String(), services)
	if err != nil {
		return unspecifiedAddress(services)
	}

	return na
}

// ParseNetAddress parses a "host:port" string holding a literal IP address.
func ParseNetAddress(hostPort string,
	services wire.ServiceFlag) (*wire.NetAddress, error) {

	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", host)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	return &wire.NetAddress{
		IP:       ip,
		Port:     uint16(port),
		Services: services,
	}, nil
}
