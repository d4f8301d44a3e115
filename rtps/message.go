package rtps

import (
	"encoding/binary"
	"fmt"
)

const (
	MY_RTPS_VERSION_MAJOR = 2
	MY_RTPS_VERSION_MINOR = 1

	HeaderLen = 20

	// DefaultMaxMessageSize keeps a message inside one UDP datagram.
	DefaultMaxMessageSize = 65500
)

var MyProtoVersion = ProtoVersion{Major: MY_RTPS_VERSION_MAJOR, Minor: MY_RTPS_VERSION_MINOR}

type Header struct {
	Version    ProtoVersion
	Vendor     VendorID
	GUIDPrefix GUIDPrefix
}

func NewHeader(prefix GUIDPrefix) Header {
	return Header{
		Version:    MyProtoVersion,
		Vendor:     MY_RTPS_VENDOR_ID,
		GUIDPrefix: prefix,
	}
}

func (h Header) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:], Magic)
	b[4], b[5] = h.Version.Major, h.Version.Minor
	binary.BigEndian.PutUint16(b[6:], uint16(h.Vendor))
	copy(b[8:], h.GUIDPrefix[:])
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortBuffer
	}
	if binary.BigEndian.Uint32(b[0:]) != Magic {
		return Header{}, fmt.Errorf("bad magic: %w", ErrMalformed)
	}
	hdr := Header{
		Version: ProtoVersion{Major: b[4], Minor: b[5]},
		Vendor:  VendorID(binary.BigEndian.Uint16(b[6:])),
	}
	copy(hdr.GUIDPrefix[:], b[8:HeaderLen])
	return hdr, nil
}

// SubmsgIterator walks the submessages of one message.
type SubmsgIterator struct {
	b   []byte
	err error
}

// ParseMessage validates the message header and returns an iterator over
// the submessages that follow it.
func ParseMessage(b []byte) (Header, *SubmsgIterator, error) {
	hdr, err := ParseHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	return hdr, &SubmsgIterator{b: b[HeaderLen:]}, nil
}

// Next returns the next submessage. It returns false at the end of the
// message or when the remaining bytes cannot hold a submessage, in which
// case Err reports why.
func (it *SubmsgIterator) Next() (Submessage, bool) {
	if it.err != nil || len(it.b) == 0 {
		return Submessage{}, false
	}
	if len(it.b) < SubmsgHeaderLen {
		it.err = fmt.Errorf("submessage header: %w", ErrShortBuffer)
		return Submessage{}, false
	}
	hdr := SubmsgHeader{ID: it.b[0], Flags: it.b[1]}
	hdr.Length = hdr.ByteOrder().Uint16(it.b[2:])
	rest := it.b[SubmsgHeaderLen:]

	var body []byte
	switch {
	case hdr.Length == 0 && hdr.ID != SUBMSG_ID_PAD && hdr.ID != SUBMSG_ID_INFO_TS:
		// zero length means the submessage runs to the end of the message
		body = rest
	case int(hdr.Length) > len(rest):
		it.err = fmt.Errorf("submessage 0x%02x length %d exceeds message: %w", hdr.ID, hdr.Length, ErrShortBuffer)
		return Submessage{}, false
	default:
		body = rest[:hdr.Length]
	}
	it.b = rest[len(body):]
	return Submessage{Header: hdr, Body: body}, true
}

func (it *SubmsgIterator) Err() error {
	return it.err
}

// submessage is what the builder can encode
type submessage interface {
	Len() int
	put(b []byte) int
}

// MessageBuilder accumulates submessages behind a header, up to a maximum
// message size.
type MessageBuilder struct {
	hdr     Header
	maxSize int
	buf     []byte
	n       int
	count   int
}

func NewMessageBuilder(hdr Header, maxSize int) *MessageBuilder {
	if maxSize <= HeaderLen {
		maxSize = DefaultMaxMessageSize
	}
	mb := &MessageBuilder{hdr: hdr, maxSize: maxSize, buf: make([]byte, maxSize)}
	mb.Reset()
	return mb
}

// Reset drops all submessages, keeping the header.
func (mb *MessageBuilder) Reset() {
	mb.hdr.put(mb.buf)
	mb.n = HeaderLen
	mb.count = 0
}

func (mb *MessageBuilder) MaxSize() int {
	return mb.maxSize
}

// Room is how many more bytes of submessages fit.
func (mb *MessageBuilder) Room() int {
	return mb.maxSize - mb.n
}

// Count is the number of submessages added since the last Reset.
func (mb *MessageBuilder) Count() int {
	return mb.count
}

// Bytes returns the encoded message. It stays valid until the next Reset.
func (mb *MessageBuilder) Bytes() []byte {
	return mb.buf[:mb.n]
}

func (mb *MessageBuilder) add(sm submessage) bool {
	if sm.Len() > mb.Room() {
		return false
	}
	mb.n += sm.put(mb.buf[mb.n:])
	mb.count++
	return true
}

func (mb *MessageBuilder) AddData(d *Data) bool            { return mb.add(d) }
func (mb *MessageBuilder) AddDataFrag(d *DataFrag) bool    { return mb.add(d) }
func (mb *MessageBuilder) AddHeartbeat(hb *Heartbeat) bool { return mb.add(hb) }
func (mb *MessageBuilder) AddAckNack(an *AckNack) bool     { return mb.add(an) }
func (mb *MessageBuilder) AddGap(g *Gap) bool              { return mb.add(g) }
func (mb *MessageBuilder) AddNackFrag(nf *NackFrag) bool   { return mb.add(nf) }
func (mb *MessageBuilder) AddInfoTS(ts *InfoTS) bool       { return mb.add(ts) }
func (mb *MessageBuilder) AddInfoDst(dst *InfoDst) bool    { return mb.add(dst) }
