package rtps

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	FLAGS_SM_ENDIAN = 0x01 // applies to all submessages

	FLAGS_INFOTS_INVALIDATE = 0x02

	FLAGS_DATA_INLINE_QOS = 0x02
	FLAGS_DATA_DATAFLAG   = 0x04
	FLAGS_DATA_KEYFLAG    = 0x08

	FLAGS_DATAFRAG_INLINE_QOS = 0x02
	FLAGS_DATAFRAG_KEYFLAG    = 0x04

	FLAGS_ACKNACK_FINAL = 0x02

	FLAGS_HEARTBEAT_FLAG_FINAL      = 0x02
	FLAGS_HEARTBEAT_FLAG_LIVELINESS = 0x04

	SUBMSG_ID_PAD            = 0x01
	SUBMSG_ID_ACKNACK        = 0x06
	SUBMSG_ID_HEARTBEAT      = 0x07
	SUBMSG_ID_GAP            = 0x08
	SUBMSG_ID_INFO_TS        = 0x09
	SUBMSG_ID_INFO_SRC       = 0x0c
	SUBMSG_ID_INFO_REPLY_IP4 = 0x0d
	SUBMSG_ID_INFO_DST       = 0x0e
	SUBMSG_ID_INFO_REPLY     = 0x0f
	SUBMSG_ID_NACK_FRAG      = 0x12
	SUBMSG_ID_HEARTBEAT_FRAG = 0x13
	SUBMSG_ID_DATA           = 0x15
	SUBMSG_ID_DATA_FRAG      = 0x16

	SubmsgHeaderLen = 4

	dataOctetsToInlineQos     = 16
	dataFragOctetsToInlineQos = 28
)

type SubmsgHeader struct {
	ID     uint8
	Flags  uint8
	Length uint16 // octetsToNextHeader
}

func (h SubmsgHeader) ByteOrder() binary.ByteOrder {
	if h.Flags&FLAGS_SM_ENDIAN != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (h SubmsgHeader) put(b []byte) {
	b[0], b[1] = h.ID, h.Flags
	h.ByteOrder().PutUint16(b[2:], h.Length)
}

// Submessage is one undecoded submessage within a message.
type Submessage struct {
	Header SubmsgHeader
	Body   []byte
}

func (sm Submessage) ByteOrder() binary.ByteOrder {
	return sm.Header.ByteOrder()
}

// Data is a decoded DATA submessage. Payload is the serialized payload,
// encapsulation header included, with any alignment padding removed.
type Data struct {
	ReaderID  EntityID
	WriterID  EntityID
	SeqNum    SeqNum
	InlineQos ParamList
	Bin       binary.ByteOrder // for InlineQos values
	Payload   []byte
	KeyOnly   bool // payload is the serialized key
}

// DataFrag is a decoded DATA_FRAG submessage. Fragment numbers start at 1.
type DataFrag struct {
	ReaderID      EntityID
	WriterID      EntityID
	SeqNum        SeqNum
	FragStart     uint32
	FragsInSubmsg uint16
	FragSize      uint16
	SampleSize    uint32
	InlineQos     ParamList
	Bin           binary.ByteOrder
	Fragments     []byte
	KeyOnly       bool
}

type Heartbeat struct {
	ReaderID   EntityID
	WriterID   EntityID
	First      SeqNum
	Last       SeqNum
	Count      uint32
	Final      bool
	Liveliness bool
}

type AckNack struct {
	ReaderID EntityID
	WriterID EntityID
	State    SeqNumSet
	Count    uint32
	Final    bool
}

type Gap struct {
	ReaderID EntityID
	WriterID EntityID
	Start    SeqNum
	List     SeqNumSet
}

type NackFrag struct {
	ReaderID EntityID
	WriterID EntityID
	SeqNum   SeqNum
	State    FragNumSet
	Count    uint32
}

type HeartbeatFrag struct {
	ReaderID EntityID
	WriterID EntityID
	SeqNum   SeqNum
	LastFrag uint32
	Count    uint32
}

type InfoTS struct {
	Invalidate bool
	Timestamp  time.Time
}

type InfoDst struct {
	GUIDPrefix GUIDPrefix
}

type InfoSrc struct {
	Version    ProtoVersion
	Vendor     VendorID
	GUIDPrefix GUIDPrefix
}

func putEntityIDs(b []byte, reader, writer EntityID) {
	// entity ids are always big endian
	binary.BigEndian.PutUint32(b[0:], uint32(reader))
	binary.BigEndian.PutUint32(b[4:], uint32(writer))
}

func entityIDsFromBytes(b []byte) (EntityID, EntityID) {
	return EntityID(binary.BigEndian.Uint32(b[0:])), EntityID(binary.BigEndian.Uint32(b[4:]))
}

func malformed(what string, err error) error {
	return fmt.Errorf("%s: %w", what, err)
}

// padding for a serialized payload, recorded in the last two bits of the
// encapsulation options
func payloadPadding(payload []byte) int {
	if len(payload) < 4 {
		return 0
	}
	return (4 - len(payload)%4) % 4
}

func stripPayloadPadding(payload []byte) []byte {
	if len(payload) < 4 {
		return payload
	}
	pad := int(payload[3] & 0x3)
	if pad > len(payload)-4 {
		return payload
	}
	return payload[:len(payload)-pad]
}

func DecodeData(sm Submessage) (Data, error) {
	b := sm.Body
	bin := sm.ByteOrder()
	if len(b) < 20 {
		return Data{}, malformed("DATA", ErrShortBuffer)
	}
	d := Data{Bin: bin}
	toInlineQos := int(bin.Uint16(b[2:]))
	d.ReaderID, d.WriterID = entityIDsFromBytes(b[4:])
	d.SeqNum = seqNumFromBytes(bin, b[12:])
	if d.SeqNum <= 0 {
		return Data{}, malformed("DATA sequence number", ErrMalformed)
	}

	off := 4 + toInlineQos
	if off > len(b) {
		return Data{}, malformed("DATA inline qos offset", ErrShortBuffer)
	}
	flags := sm.Header.Flags
	if flags&FLAGS_DATA_INLINE_QOS != 0 {
		pl, n, err := ParseParamList(bin, b[off:])
		if err != nil {
			return Data{}, malformed("DATA inline qos", err)
		}
		d.InlineQos = pl
		off += n
	}
	if flags&(FLAGS_DATA_DATAFLAG|FLAGS_DATA_KEYFLAG) != 0 {
		d.KeyOnly = flags&FLAGS_DATA_KEYFLAG != 0 && flags&FLAGS_DATA_DATAFLAG == 0
		d.Payload = stripPayloadPadding(b[off:])
	}
	return d, nil
}

// Len is the encoded size of the submessage, header included.
func (d *Data) Len() int {
	n := SubmsgHeaderLen + 20 + len(d.Payload) + payloadPadding(d.Payload)
	if len(d.InlineQos) > 0 {
		n += paramListLen(d.InlineQos)
	}
	return n
}

func (d *Data) put(b []byte) int {
	bin := binary.ByteOrder(binary.LittleEndian)
	n := d.Len()
	flags := uint8(FLAGS_SM_ENDIAN)
	if len(d.InlineQos) > 0 {
		flags |= FLAGS_DATA_INLINE_QOS
	}
	if len(d.Payload) > 0 {
		if d.KeyOnly {
			flags |= FLAGS_DATA_KEYFLAG
		} else {
			flags |= FLAGS_DATA_DATAFLAG
		}
	}
	SubmsgHeader{ID: SUBMSG_ID_DATA, Flags: flags, Length: uint16(n - SubmsgHeaderLen)}.put(b)
	body := b[SubmsgHeaderLen:n]
	bin.PutUint16(body[0:], 0)
	bin.PutUint16(body[2:], dataOctetsToInlineQos)
	putEntityIDs(body[4:], d.ReaderID, d.WriterID)
	d.SeqNum.put(bin, body[12:])
	off := 20
	if len(d.InlineQos) > 0 {
		off += putParamList(bin, d.InlineQos, body[off:])
	}
	putPayload(d.Payload, body[off:])
	return n
}

func putPayload(payload []byte, b []byte) {
	n := copy(b, payload)
	pad := payloadPadding(payload)
	for i := 0; i < pad; i++ {
		b[n+i] = 0
	}
	if pad > 0 {
		b[3] = (b[3] &^ 0x3) | uint8(pad)
	}
}

func paramListLen(pl ParamList) int {
	n := 4 // sentinel
	for _, p := range pl {
		n += 4 + (len(p.Value)+3)&^3
	}
	return n
}

func putParamList(bin binary.ByteOrder, pl ParamList, b []byte) int {
	w := NewParamListWriter(bin)
	for _, p := range pl {
		w.Add(p.PID, p.Value)
	}
	return copy(b, w.Bytes())
}

func DecodeDataFrag(sm Submessage) (DataFrag, error) {
	b := sm.Body
	bin := sm.ByteOrder()
	if len(b) < 32 {
		return DataFrag{}, malformed("DATA_FRAG", ErrShortBuffer)
	}
	d := DataFrag{Bin: bin}
	toInlineQos := int(bin.Uint16(b[2:]))
	d.ReaderID, d.WriterID = entityIDsFromBytes(b[4:])
	d.SeqNum = seqNumFromBytes(bin, b[12:])
	d.FragStart = bin.Uint32(b[20:])
	d.FragsInSubmsg = bin.Uint16(b[24:])
	d.FragSize = bin.Uint16(b[26:])
	d.SampleSize = bin.Uint32(b[28:])
	if d.SeqNum <= 0 || d.FragStart == 0 || d.FragSize == 0 || d.FragsInSubmsg == 0 {
		return DataFrag{}, malformed("DATA_FRAG header", ErrMalformed)
	}

	off := 4 + toInlineQos
	if off > len(b) {
		return DataFrag{}, malformed("DATA_FRAG inline qos offset", ErrShortBuffer)
	}
	if sm.Header.Flags&FLAGS_DATAFRAG_INLINE_QOS != 0 {
		pl, n, err := ParseParamList(bin, b[off:])
		if err != nil {
			return DataFrag{}, malformed("DATA_FRAG inline qos", err)
		}
		d.InlineQos = pl
		off += n
	}
	d.KeyOnly = sm.Header.Flags&FLAGS_DATAFRAG_KEYFLAG != 0
	d.Fragments = b[off:]
	return d, nil
}

func (d *DataFrag) Len() int {
	n := SubmsgHeaderLen + 32 + (len(d.Fragments)+3)&^3
	if len(d.InlineQos) > 0 {
		n += paramListLen(d.InlineQos)
	}
	return n
}

func (d *DataFrag) put(b []byte) int {
	bin := binary.ByteOrder(binary.LittleEndian)
	n := d.Len()
	flags := uint8(FLAGS_SM_ENDIAN)
	if len(d.InlineQos) > 0 {
		flags |= FLAGS_DATAFRAG_INLINE_QOS
	}
	if d.KeyOnly {
		flags |= FLAGS_DATAFRAG_KEYFLAG
	}
	SubmsgHeader{ID: SUBMSG_ID_DATA_FRAG, Flags: flags, Length: uint16(n - SubmsgHeaderLen)}.put(b)
	body := b[SubmsgHeaderLen:n]
	bin.PutUint16(body[0:], 0)
	bin.PutUint16(body[2:], dataFragOctetsToInlineQos)
	putEntityIDs(body[4:], d.ReaderID, d.WriterID)
	d.SeqNum.put(bin, body[12:])
	bin.PutUint32(body[20:], d.FragStart)
	bin.PutUint16(body[24:], d.FragsInSubmsg)
	bin.PutUint16(body[26:], d.FragSize)
	bin.PutUint32(body[28:], d.SampleSize)
	off := 32
	if len(d.InlineQos) > 0 {
		off += putParamList(bin, d.InlineQos, body[off:])
	}
	c := copy(body[off:], d.Fragments)
	for i := off + c; i < len(body); i++ {
		body[i] = 0
	}
	return n
}

func DecodeHeartbeat(sm Submessage) (Heartbeat, error) {
	b := sm.Body
	if len(b) < 28 {
		return Heartbeat{}, malformed("HEARTBEAT", ErrShortBuffer)
	}
	bin := sm.ByteOrder()
	hb := Heartbeat{
		First:      seqNumFromBytes(bin, b[8:]),
		Last:       seqNumFromBytes(bin, b[16:]),
		Count:      bin.Uint32(b[24:]),
		Final:      sm.Header.Flags&FLAGS_HEARTBEAT_FLAG_FINAL != 0,
		Liveliness: sm.Header.Flags&FLAGS_HEARTBEAT_FLAG_LIVELINESS != 0,
	}
	hb.ReaderID, hb.WriterID = entityIDsFromBytes(b)
	// an empty history announces first = last + 1
	if hb.First <= 0 || hb.Last < 0 || hb.Last < hb.First-1 {
		return Heartbeat{}, malformed("HEARTBEAT range", ErrMalformed)
	}
	return hb, nil
}

func (hb *Heartbeat) Len() int {
	return SubmsgHeaderLen + 28
}

func (hb *Heartbeat) put(b []byte) int {
	bin := binary.LittleEndian
	flags := uint8(FLAGS_SM_ENDIAN)
	if hb.Final {
		flags |= FLAGS_HEARTBEAT_FLAG_FINAL
	}
	if hb.Liveliness {
		flags |= FLAGS_HEARTBEAT_FLAG_LIVELINESS
	}
	SubmsgHeader{ID: SUBMSG_ID_HEARTBEAT, Flags: flags, Length: 28}.put(b)
	body := b[SubmsgHeaderLen:]
	putEntityIDs(body, hb.ReaderID, hb.WriterID)
	hb.First.put(bin, body[8:])
	hb.Last.put(bin, body[16:])
	bin.PutUint32(body[24:], hb.Count)
	return hb.Len()
}

func DecodeAckNack(sm Submessage) (AckNack, error) {
	b := sm.Body
	if len(b) < 8 {
		return AckNack{}, malformed("ACKNACK", ErrShortBuffer)
	}
	bin := sm.ByteOrder()
	an := AckNack{Final: sm.Header.Flags&FLAGS_ACKNACK_FINAL != 0}
	an.ReaderID, an.WriterID = entityIDsFromBytes(b)
	sns, n, err := seqNumSetFromBytes(bin, b[8:])
	if err != nil {
		return AckNack{}, malformed("ACKNACK state", err)
	}
	if sns.Base <= 0 {
		return AckNack{}, malformed("ACKNACK base", ErrMalformed)
	}
	if len(b) < 8+n+4 {
		return AckNack{}, malformed("ACKNACK count", ErrShortBuffer)
	}
	an.State = sns
	an.Count = bin.Uint32(b[8+n:])
	return an, nil
}

func (an *AckNack) Len() int {
	return SubmsgHeaderLen + 8 + an.State.wireLen() + 4
}

func (an *AckNack) put(b []byte) int {
	bin := binary.LittleEndian
	n := an.Len()
	flags := uint8(FLAGS_SM_ENDIAN)
	if an.Final {
		flags |= FLAGS_ACKNACK_FINAL
	}
	SubmsgHeader{ID: SUBMSG_ID_ACKNACK, Flags: flags, Length: uint16(n - SubmsgHeaderLen)}.put(b)
	body := b[SubmsgHeaderLen:n]
	putEntityIDs(body, an.ReaderID, an.WriterID)
	an.State.put(bin, body[8:])
	bin.PutUint32(body[len(body)-4:], an.Count)
	return n
}

func DecodeGap(sm Submessage) (Gap, error) {
	b := sm.Body
	if len(b) < 16 {
		return Gap{}, malformed("GAP", ErrShortBuffer)
	}
	bin := sm.ByteOrder()
	g := Gap{Start: seqNumFromBytes(bin, b[8:])}
	g.ReaderID, g.WriterID = entityIDsFromBytes(b)
	sns, _, err := seqNumSetFromBytes(bin, b[16:])
	if err != nil {
		return Gap{}, malformed("GAP list", err)
	}
	if g.Start <= 0 || sns.Base < g.Start {
		return Gap{}, malformed("GAP range", ErrMalformed)
	}
	g.List = sns
	return g, nil
}

func (g *Gap) Len() int {
	return SubmsgHeaderLen + 16 + g.List.wireLen()
}

func (g *Gap) put(b []byte) int {
	bin := binary.LittleEndian
	n := g.Len()
	SubmsgHeader{ID: SUBMSG_ID_GAP, Flags: FLAGS_SM_ENDIAN, Length: uint16(n - SubmsgHeaderLen)}.put(b)
	body := b[SubmsgHeaderLen:n]
	putEntityIDs(body, g.ReaderID, g.WriterID)
	g.Start.put(bin, body[8:])
	g.List.put(bin, body[16:])
	return n
}

// ForEach calls fn for every sequence number the gap declares irrelevant:
// [Start, List.Base) plus the members of List.
func (g *Gap) ForEach(fn func(SeqNum)) {
	for sn := g.Start; sn < g.List.Base; sn++ {
		fn(sn)
	}
	g.List.ForEach(fn)
}

func DecodeNackFrag(sm Submessage) (NackFrag, error) {
	b := sm.Body
	if len(b) < 16 {
		return NackFrag{}, malformed("NACK_FRAG", ErrShortBuffer)
	}
	bin := sm.ByteOrder()
	nf := NackFrag{SeqNum: seqNumFromBytes(bin, b[8:])}
	nf.ReaderID, nf.WriterID = entityIDsFromBytes(b)
	fns, n, err := fragNumSetFromBytes(bin, b[16:])
	if err != nil {
		return NackFrag{}, malformed("NACK_FRAG state", err)
	}
	if len(b) < 16+n+4 {
		return NackFrag{}, malformed("NACK_FRAG count", ErrShortBuffer)
	}
	nf.State = fns
	nf.Count = bin.Uint32(b[16+n:])
	return nf, nil
}

func (nf *NackFrag) Len() int {
	return SubmsgHeaderLen + 16 + nf.State.wireLen() + 4
}

func (nf *NackFrag) put(b []byte) int {
	bin := binary.LittleEndian
	n := nf.Len()
	SubmsgHeader{ID: SUBMSG_ID_NACK_FRAG, Flags: FLAGS_SM_ENDIAN, Length: uint16(n - SubmsgHeaderLen)}.put(b)
	body := b[SubmsgHeaderLen:n]
	putEntityIDs(body, nf.ReaderID, nf.WriterID)
	nf.SeqNum.put(bin, body[8:])
	nf.State.put(bin, body[16:])
	bin.PutUint32(body[len(body)-4:], nf.Count)
	return n
}

func DecodeHeartbeatFrag(sm Submessage) (HeartbeatFrag, error) {
	b := sm.Body
	if len(b) < 24 {
		return HeartbeatFrag{}, malformed("HEARTBEAT_FRAG", ErrShortBuffer)
	}
	bin := sm.ByteOrder()
	hf := HeartbeatFrag{
		SeqNum:   seqNumFromBytes(bin, b[8:]),
		LastFrag: bin.Uint32(b[16:]),
		Count:    bin.Uint32(b[20:]),
	}
	hf.ReaderID, hf.WriterID = entityIDsFromBytes(b)
	return hf, nil
}

func DecodeInfoTS(sm Submessage) (InfoTS, error) {
	if sm.Header.Flags&FLAGS_INFOTS_INVALIDATE != 0 {
		return InfoTS{Invalidate: true}, nil
	}
	t, err := TimeFromBytes(sm.ByteOrder(), sm.Body)
	if err != nil {
		return InfoTS{}, malformed("INFO_TS", err)
	}
	return InfoTS{Timestamp: t}, nil
}

func (ts *InfoTS) Len() int {
	if ts.Invalidate {
		return SubmsgHeaderLen
	}
	return SubmsgHeaderLen + 8
}

func (ts *InfoTS) put(b []byte) int {
	if ts.Invalidate {
		SubmsgHeader{ID: SUBMSG_ID_INFO_TS, Flags: FLAGS_SM_ENDIAN | FLAGS_INFOTS_INVALIDATE}.put(b)
		return SubmsgHeaderLen
	}
	SubmsgHeader{ID: SUBMSG_ID_INFO_TS, Flags: FLAGS_SM_ENDIAN, Length: 8}.put(b)
	putTime(ts.Timestamp, binary.LittleEndian, b[SubmsgHeaderLen:])
	return ts.Len()
}

func DecodeInfoDst(sm Submessage) (InfoDst, error) {
	gp, err := GUIDPrefixFromBytes(sm.Body)
	if err != nil {
		return InfoDst{}, malformed("INFO_DST", err)
	}
	return InfoDst{GUIDPrefix: gp}, nil
}

func (d *InfoDst) Len() int {
	return SubmsgHeaderLen + GUIDPrefixLen
}

func (d *InfoDst) put(b []byte) int {
	SubmsgHeader{ID: SUBMSG_ID_INFO_DST, Flags: FLAGS_SM_ENDIAN, Length: GUIDPrefixLen}.put(b)
	copy(b[SubmsgHeaderLen:], d.GUIDPrefix[:])
	return d.Len()
}

func DecodeInfoSrc(sm Submessage) (InfoSrc, error) {
	b := sm.Body
	if len(b) < 8+GUIDPrefixLen {
		return InfoSrc{}, malformed("INFO_SRC", ErrShortBuffer)
	}
	src := InfoSrc{
		Version: ProtoVersion{Major: b[4], Minor: b[5]},
		Vendor:  VendorID(binary.BigEndian.Uint16(b[6:])),
	}
	copy(src.GUIDPrefix[:], b[8:])
	return src, nil
}
