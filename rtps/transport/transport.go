// Package transport moves RTPS messages between locators. The protocol
// engine only sees locators and byte slices.
package transport

import (
	"errors"
	"net"

	"github.com/liamstask/go-rtps/rtps"
)

// well known port mapping parameters
const (
	PORT_PB = 7400
	PORT_DG = 250
	PORT_PG = 2
	PORT_D0 = 0
	PORT_D1 = 10
	PORT_D2 = 1
	PORT_D3 = 11
)

var DefaultMulticastGroup = net.IPv4(239, 255, 0, 1)

var (
	ErrAddressInUse = errors.New("transport: address in use")
	ErrUnsupported  = errors.New("transport: unsupported locator")
	ErrClosed       = errors.New("transport: closed")
)

// ReceiveFunc handles one received message. b is only valid for the
// duration of the call.
type ReceiveFunc func(b []byte)

type Transport interface {
	// Kind is the locator kind this transport serves.
	Kind() int32

	// OpenInputChannel delivers every message arriving at loc to fn,
	// from a goroutine owned by the transport.
	OpenInputChannel(loc rtps.Locator, fn ReceiveFunc) error

	Send(b []byte, loc rtps.Locator) error

	UnicastLocator(port uint32) rtps.Locator
	MulticastLocator(port uint32) rtps.Locator

	Close() error
}

// Ports computes the well known ports of one domain.
type Ports struct {
	Domain uint32
}

func (p Ports) MetaMulticast() uint32 {
	return PORT_PB + PORT_DG*p.Domain + PORT_D0
}

func (p Ports) MetaUnicast(participantID uint32) uint32 {
	return PORT_PB + PORT_DG*p.Domain + PORT_D1 + PORT_PG*participantID
}

func (p Ports) UserMulticast() uint32 {
	return PORT_PB + PORT_DG*p.Domain + PORT_D2
}

func (p Ports) UserUnicast(participantID uint32) uint32 {
	return PORT_PB + PORT_DG*p.Domain + PORT_D3 + PORT_PG*participantID
}
