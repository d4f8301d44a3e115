package rtps

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	LOCATOR_KIND_INVALID  = -1
	LOCATOR_KIND_RESERVED = 0
	LOCATOR_KIND_UDPV4    = 1
	LOCATOR_KIND_UDPV6    = 2
	LOCATOR_KIND_TCPv4    = 4
	LOCATOR_KIND_TCPv6    = 8
	LOCATOR_KIND_MEMORY   = 0x01000000 // vendor range, used by the in-process hub
	LOCATOR_PORT_INVALID  = 0

	LocatorLen = 4 + 4 + 16
)

// Locator is a transport kind + address + port. The address is always
// 16 bytes on the wire; ipv4 addresses live in the last 4.
type Locator struct {
	Kind    int32
	Port    uint32
	Address [16]byte
}

func NewUDPv4Locator(ip net.IP, port uint16) Locator {
	loc := Locator{
		Kind: LOCATOR_KIND_UDPV4,
		Port: uint32(port),
	}
	if ip4 := ip.To4(); ip4 != nil {
		copy(loc.Address[12:], ip4)
	}
	return loc
}

// NewMemoryLocator builds a locator for the in-process transport. The
// address carries an arbitrary node id.
func NewMemoryLocator(node uint32, port uint32) Locator {
	loc := Locator{Kind: LOCATOR_KIND_MEMORY, Port: port}
	binary.BigEndian.PutUint32(loc.Address[12:], node)
	return loc
}

func LocatorFromBytes(bin binary.ByteOrder, b []byte) (Locator, error) {
	if len(b) < LocatorLen {
		return Locator{}, ErrShortBuffer
	}
	loc := Locator{
		Kind: int32(bin.Uint32(b[0:])),
		Port: bin.Uint32(b[4:]),
	}
	copy(loc.Address[:], b[8:24])
	return loc, nil
}

func (loc Locator) Bytes(bin binary.ByteOrder) []byte {
	buf := make([]byte, LocatorLen)
	bin.PutUint32(buf, uint32(loc.Kind))
	bin.PutUint32(buf[4:], loc.Port)
	copy(buf[8:], loc.Address[:])
	return buf
}

func (loc Locator) IP() net.IP {
	if loc.Kind == LOCATOR_KIND_UDPV4 || loc.Kind == LOCATOR_KIND_TCPv4 {
		return net.IPv4(loc.Address[12], loc.Address[13], loc.Address[14], loc.Address[15])
	}
	ip := make(net.IP, net.IPv6len)
	copy(ip, loc.Address[:])
	return ip
}

func (loc Locator) IsValid() bool {
	return loc.Kind != LOCATOR_KIND_INVALID && loc.Kind != LOCATOR_KIND_RESERVED
}

func (loc Locator) IsMulticast() bool {
	switch loc.Kind {
	case LOCATOR_KIND_UDPV4, LOCATOR_KIND_UDPV6:
		return loc.IP().IsMulticast()
	}
	return false
}

func (loc Locator) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: loc.IP(), Port: int(loc.Port)}
}

func (loc Locator) String() string {
	switch loc.Kind {
	case LOCATOR_KIND_UDPV4, LOCATOR_KIND_UDPV6:
		return fmt.Sprintf("udp://%s:%d", loc.IP().String(), loc.Port)
	case LOCATOR_KIND_MEMORY:
		return fmt.Sprintf("mem://%d:%d", binary.BigEndian.Uint32(loc.Address[12:]), loc.Port)
	}
	return fmt.Sprintf("locator(%d)://%x:%d", loc.Kind, loc.Address, loc.Port)
}

// AppendUnique adds loc to list unless an identical locator is already there.
func AppendUnique(list []Locator, locs ...Locator) []Locator {
outer:
	for _, loc := range locs {
		for _, l := range list {
			if l == loc {
				continue outer
			}
		}
		list = append(list, loc)
	}
	return list
}
