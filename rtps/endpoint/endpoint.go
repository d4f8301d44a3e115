// Package endpoint implements the RTPS writer and reader state machines:
// per matched reader acknowledgment tracking on the writer side, and per
// matched writer sequence tracking and fragment reassembly on the reader
// side.
//
// Each endpoint shares the mutex of its history. Network handlers
// (ProcessData, ProcessAckNack, ...) and timer callbacks take it, so the
// receive path and application calls never see a half updated proxy.
package endpoint

import (
	"time"

	"github.com/liamstask/go-rtps/rtps"
	"github.com/liamstask/go-rtps/rtps/history"
)

// Sender puts an encoded message on the wire. Implementations must not
// keep b after Send returns.
type Sender interface {
	Send(b []byte, locs []rtps.Locator) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(b []byte, locs []rtps.Locator) error

func (f SenderFunc) Send(b []byte, locs []rtps.Locator) error {
	return f(b, locs)
}

type WriterTimes struct {
	HeartbeatPeriod         time.Duration `toml:"heartbeat_period"`
	NackResponseDelay       time.Duration `toml:"nack_response_delay"`
	NackSuppressionDuration time.Duration `toml:"nack_suppression_duration"`
}

func DefaultWriterTimes() WriterTimes {
	return WriterTimes{
		HeartbeatPeriod:   3 * time.Second,
		NackResponseDelay: 5 * time.Millisecond,
	}
}

type ReaderTimes struct {
	HeartbeatResponseDelay time.Duration `toml:"heartbeat_response_delay"`
	InitialAckNackDelay    time.Duration `toml:"initial_acknack_delay"`
}

func DefaultReaderTimes() ReaderTimes {
	return ReaderTimes{
		HeartbeatResponseDelay: 5 * time.Millisecond,
		InitialAckNackDelay:    5 * time.Millisecond,
	}
}

// fragment headroom: INFO_DST, INFO_TS, DATA_FRAG header and inline qos
const messageOverhead = rtps.HeaderLen + 16 + 12 + 36 + 64

type WriterConfig struct {
	GUID           rtps.GUID
	Qos            rtps.EndpointQos
	Pool           history.PoolConfig
	PayloadMaxSize int
	Times          WriterTimes

	// MaxMessageSize bounds every message sent, 0 is the default.
	MaxMessageSize int
	// FragmentSize splits larger payloads into DATA_FRAG. 0 fragments
	// only what cannot fit a message.
	FragmentSize int
	// Throughput limits sending to this many bytes per second, 0 is
	// unlimited.
	Throughput int
}

func (c *WriterConfig) historyConfig() history.Config {
	return history.Config{
		Pool:           c.Pool,
		PayloadMaxSize: c.PayloadMaxSize,
		History:        c.Qos.History,
		ResourceLimits: c.Qos.ResourceLimits,
	}
}

func (c *WriterConfig) maxMessageSize() int {
	if c.MaxMessageSize <= rtps.HeaderLen {
		return rtps.DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

func (c *WriterConfig) fragmentSize() int {
	limit := c.maxMessageSize() - messageOverhead
	if c.FragmentSize <= 0 || c.FragmentSize > limit {
		return limit
	}
	return c.FragmentSize
}

type ReaderConfig struct {
	GUID           rtps.GUID
	Qos            rtps.EndpointQos
	Pool           history.PoolConfig
	PayloadMaxSize int
	Times          ReaderTimes
	MaxMessageSize int

	// AcceptUnknownWriters makes the reader take data from writers it was
	// never matched with, best effort. The participant discovery reader
	// works this way.
	AcceptUnknownWriters bool
}

func (c *ReaderConfig) historyConfig() history.Config {
	return history.Config{
		Pool:           c.Pool,
		PayloadMaxSize: c.PayloadMaxSize,
		History:        c.Qos.History,
		ResourceLimits: c.Qos.ResourceLimits,
	}
}

// RemoteReader is what a writer needs to know about a matched reader.
type RemoteReader struct {
	GUID             rtps.GUID
	Unicast          []rtps.Locator
	Multicast        []rtps.Locator
	Reliability      rtps.ReliabilityKind
	Durability       rtps.DurabilityKind
	ExpectsInlineQos bool
}

// RemoteWriter is what a reader needs to know about a matched writer.
type RemoteWriter struct {
	GUID        rtps.GUID
	Unicast     []rtps.Locator
	Multicast   []rtps.Locator
	Reliability rtps.ReliabilityKind
	Durability  rtps.DurabilityKind
}

// destinations prefers unicast, as multicast locators reach every
// participant in the group.
func destinations(unicast, multicast []rtps.Locator) []rtps.Locator {
	if len(unicast) > 0 {
		return unicast
	}
	return multicast
}
