// Package history holds the ordered, bounded change collections that back
// every writer and reader, and the pool their changes are drawn from.
package history

import (
	"time"

	"github.com/liamstask/go-rtps/rtps"
)

type ChangeKind uint8

const (
	Alive ChangeKind = iota
	NotAliveDisposed
	NotAliveUnregistered
	NotAliveDisposedUnregistered
)

func (k ChangeKind) String() string {
	switch k {
	case Alive:
		return "alive"
	case NotAliveDisposed:
		return "disposed"
	case NotAliveUnregistered:
		return "unregistered"
	case NotAliveDisposedUnregistered:
		return "disposed+unregistered"
	}
	return "unknown"
}

// StatusInfo is the PID_STATUS_INFO encoding of the kind.
func (k ChangeKind) StatusInfo() uint8 {
	switch k {
	case NotAliveDisposed:
		return rtps.STATUS_INFO_DISPOSED
	case NotAliveUnregistered:
		return rtps.STATUS_INFO_UNREGISTERED
	case NotAliveDisposedUnregistered:
		return rtps.STATUS_INFO_DISPOSED | rtps.STATUS_INFO_UNREGISTERED
	}
	return 0
}

func ChangeKindFromStatusInfo(flags uint8) ChangeKind {
	switch flags & (rtps.STATUS_INFO_DISPOSED | rtps.STATUS_INFO_UNREGISTERED) {
	case rtps.STATUS_INFO_DISPOSED:
		return NotAliveDisposed
	case rtps.STATUS_INFO_UNREGISTERED:
		return NotAliveUnregistered
	case rtps.STATUS_INFO_DISPOSED | rtps.STATUS_INFO_UNREGISTERED:
		return NotAliveDisposedUnregistered
	}
	return Alive
}

// CacheChange is one sample or lifecycle marker. Changes are drawn from a
// Pool and owned by exactly one History between Add and Remove.
type CacheChange struct {
	Kind            ChangeKind
	WriterGUID      rtps.GUID
	SeqNum          rtps.SeqNum
	Instance        rtps.InstanceHandle
	SourceTimestamp time.Time
	ReceptionTime   time.Time

	// Payload is the serialized payload, encapsulation header included.
	// Its capacity is the buffer the pool handed out.
	Payload []byte

	IsRead bool

	fragSize  uint32
	fragCount uint32
	fragsLeft uint32
	received  []uint32 // bitmap of received fragments, bit i is fragment i+1
}

// reset returns every logical field to its zero value, keeping the
// payload buffer.
func (c *CacheChange) reset() {
	buf := c.Payload[:0]
	recv := c.received[:0]
	*c = CacheChange{Payload: buf, received: recv}
}

// SetPayload copies b into the change's buffer. It reports false if b
// does not fit and grow is not set.
func (c *CacheChange) SetPayload(b []byte, grow bool) bool {
	if len(b) > cap(c.Payload) {
		if !grow {
			return false
		}
		c.Payload = make([]byte, len(b))
	}
	c.Payload = c.Payload[:len(b)]
	copy(c.Payload, b)
	return true
}

// CopyFrom copies the logical fields and payload of src. It reports false
// if the payload did not fit.
func (c *CacheChange) CopyFrom(src *CacheChange, grow bool) bool {
	if !c.SetPayload(src.Payload, grow) {
		return false
	}
	c.Kind = src.Kind
	c.WriterGUID = src.WriterGUID
	c.SeqNum = src.SeqNum
	c.Instance = src.Instance
	c.SourceTimestamp = src.SourceTimestamp
	c.ReceptionTime = src.ReceptionTime
	c.IsRead = src.IsRead
	return true
}

// SetFragmentSize prepares the change for fragmented delivery of a sample
// of sampleSize bytes. On the reader side every fragment starts missing;
// on the writer side it only records the split.
func (c *CacheChange) SetFragmentSize(fragSize uint16, sampleSize uint32, missing bool) {
	c.fragSize = uint32(fragSize)
	c.fragCount = 0
	c.fragsLeft = 0
	c.received = c.received[:0]
	if fragSize == 0 {
		return
	}
	c.fragCount = (sampleSize + c.fragSize - 1) / c.fragSize
	if !missing {
		return
	}
	c.fragsLeft = c.fragCount
	words := int((c.fragCount + 31) / 32)
	for i := 0; i < words; i++ {
		c.received = append(c.received, 0)
	}
}

func (c *CacheChange) FragmentSize() uint16 {
	return uint16(c.fragSize)
}

func (c *CacheChange) FragmentCount() uint32 {
	return c.fragCount
}

// Fragment returns the payload bytes of fragment n, counted from 1.
func (c *CacheChange) Fragment(n uint32) []byte {
	if n == 0 || n > c.fragCount {
		return nil
	}
	off := (n - 1) * c.fragSize
	end := off + c.fragSize
	if end > uint32(len(c.Payload)) {
		end = uint32(len(c.Payload))
	}
	return c.Payload[off:end]
}

func (c *CacheChange) hasFragment(n uint32) bool {
	i := n - 1
	return c.received[i/32]&(1<<(i%32)) != 0
}

// AddFragments copies count fragments starting at fragment start (from 1)
// into place. Fragments outside the sample, or data too short to fill
// them, are rejected without touching the buffer.
func (c *CacheChange) AddFragments(data []byte, start uint32, count uint16) bool {
	if c.fragCount == 0 || start == 0 || count == 0 {
		return false
	}
	last := start + uint32(count) - 1
	if last < start || last > c.fragCount {
		return false
	}
	off := (start - 1) * c.fragSize
	end := last * c.fragSize
	if end > uint32(len(c.Payload)) {
		end = uint32(len(c.Payload))
	}
	if off >= end || uint32(len(data)) < end-off {
		return false
	}
	copy(c.Payload[off:end], data)
	for n := start; n <= last; n++ {
		if !c.hasFragment(n) {
			i := n - 1
			c.received[i/32] |= 1 << (i % 32)
			c.fragsLeft--
		}
	}
	return true
}

// IsFullyAssembled reports whether every fragment has arrived. Changes
// that were never fragmented are always assembled.
func (c *CacheChange) IsFullyAssembled() bool {
	return c.fragsLeft == 0
}

// MissingFragments lists fragments not yet received, limited to the 256
// wide window a NACK_FRAG can carry.
func (c *CacheChange) MissingFragments() rtps.FragNumSet {
	var set rtps.FragNumSet
	for n := uint32(1); n <= c.fragCount; n++ {
		if c.hasFragment(n) {
			continue
		}
		if set.Base == 0 {
			set.Base = n
		}
		if !set.Add(n) {
			break
		}
	}
	return set
}
