package rtps

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

const (
	PID_PAD                                 = 0x0000
	PID_SENTINEL                            = 0x0001
	PID_PARTICIPANT_LEASE_DURATION          = 0x0002
	PID_TOPIC_NAME                          = 0x0005
	PID_OWNERSHIP_STRENGTH                  = 0x0006
	PID_TYPE_NAME                           = 0x0007
	PID_PROTOCOL_VERSION                    = 0x0015
	PID_VENDOR_ID                           = 0x0016
	PID_RELIABILITY                         = 0x001a
	PID_LIVELINESS                          = 0x001b
	PID_DURABILITY                          = 0x001d
	PID_OWNERSHIP                           = 0x001f
	PID_PRESENTATION                        = 0x0021
	PID_DEADLINE                            = 0x0023
	PID_DESTINATION_ORDER                   = 0x0025
	PID_PARTITION                           = 0x0029
	PID_USER_DATA                           = 0x002c
	PID_UNICAST_LOCATOR                     = 0x002f
	PID_MULTICAST_LOCATOR                   = 0x0030
	PID_DEFAULT_UNICAST_LOCATOR             = 0x0031
	PID_METATRAFFIC_UNICAST_LOCATOR         = 0x0032
	PID_METATRAFFIC_MULTICAST_LOCATOR       = 0x0033
	PID_PARTICIPANT_MANUAL_LIVELINESS_COUNT = 0x0034
	PID_HISTORY                             = 0x0040
	PID_RESOURCE_LIMITS                     = 0x0041
	PID_EXPECTS_INLINE_QOS                  = 0x0043
	PID_DEFAULT_MULTICAST_LOCATOR           = 0x0048
	PID_TRANSPORT_PRIORITY                  = 0x0049
	PID_PARTICIPANT_GUID                    = 0x0050
	PID_BUILTIN_ENDPOINT_SET                = 0x0058
	PID_PROPERTY_LIST                       = 0x0059
	PID_ENDPOINT_GUID                       = 0x005a
	PID_ENTITY_NAME                         = 0x0062
	PID_KEY_HASH                            = 0x0070
	PID_STATUS_INFO                         = 0x0071

	// vendor specific parameters have the high bit set
	PID_VENDOR_SPECIFIC = 0x8000
)

// status info flags, carried in the last octet of PID_STATUS_INFO
const (
	STATUS_INFO_DISPOSED     = 0x01
	STATUS_INFO_UNREGISTERED = 0x02
)

const (
	SCHEME_CDR_BE    = 0x0000
	SCHEME_CDR_LE    = 0x0001
	SCHEME_PL_CDR_BE = 0x0002
	SCHEME_PL_CDR_LE = 0x0003
)

type ParamID uint16

type Param struct {
	PID   ParamID
	Value []uint8 // must be 32-bit aligned
}

type ParamList []Param

// Find returns the first parameter with the given id.
func (pl ParamList) Find(pid ParamID) (Param, bool) {
	for _, p := range pl {
		if p.PID == pid {
			return p, true
		}
	}
	return Param{}, false
}

func newParamFromBytes(bin binary.ByteOrder, b []byte) (Param, error) {
	if len(b) < 4 {
		return Param{}, ErrShortBuffer
	}
	sz := int(bin.Uint16(b[2:]))
	if len(b) < sz+4 {
		return Param{}, ErrShortBuffer
	}

	return Param{
		PID:   ParamID(bin.Uint16(b[0:])),
		Value: b[4 : 4+sz],
	}, nil
}

// ParseParamList decodes a parameter list up to and including its
// sentinel. It returns the number of bytes consumed.
func ParseParamList(bin binary.ByteOrder, b []byte) (ParamList, int, error) {
	var plist ParamList
	n := 0

	for len(b) >= 4 {
		p, err := newParamFromBytes(bin, b)
		if err != nil {
			return nil, 0, err
		}
		b = b[4+len(p.Value):]
		n += 4 + len(p.Value)
		if p.PID == PID_SENTINEL {
			return plist, n, nil
		}
		if p.PID == PID_PAD {
			continue
		}
		plist = append(plist, p)
	}
	return nil, 0, fmt.Errorf("parameter list without sentinel: %w", ErrMalformed)
}

func (p Param) String(bin binary.ByteOrder) (string, error) {
	if len(p.Value) < 4 {
		return "", ErrShortBuffer
	}
	sz := int(bin.Uint32(p.Value[0:]))
	if sz == 0 {
		return "", nil
	}
	if len(p.Value) < 4+sz {
		return "", ErrShortBuffer
	}
	// cdr strings include their nul terminator
	s := p.Value[4 : 4+sz]
	if s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

func (p Param) Uint32(bin binary.ByteOrder) (uint32, error) {
	if len(p.Value) < 4 {
		return 0, ErrShortBuffer
	}
	return bin.Uint32(p.Value), nil
}

func (p Param) Bool() (bool, error) {
	if len(p.Value) < 1 {
		return false, ErrShortBuffer
	}
	return p.Value[0] != 0, nil
}

func (p Param) Locator(bin binary.ByteOrder) (Locator, error) {
	return LocatorFromBytes(bin, p.Value)
}

func (p Param) GUID() (GUID, error) {
	return GUIDFromBytes(p.Value)
}

func (p Param) Duration(bin binary.ByteOrder) (time.Duration, error) {
	return DurationFromBytes(bin, p.Value)
}

func (p Param) Reliability(bin binary.ByteOrder) (ReliabilityQos, error) {
	return newQosReliabilityFromBytes(bin, p.Value)
}

func (p Param) History(bin binary.ByteOrder) (HistoryQos, error) {
	return newQosHistoryFromBytes(bin, p.Value)
}

func (p Param) ResourceLimits(bin binary.ByteOrder) (ResourceLimitsQos, error) {
	return newQosResourceLimitsFromBytes(bin, p.Value)
}

func (p Param) Liveliness(bin binary.ByteOrder) (LivelinessQos, error) {
	return newQosLivelinessFromBytes(bin, p.Value)
}

// Octets decodes a sequence<octet>.
func (p Param) Octets(bin binary.ByteOrder) ([]byte, error) {
	if len(p.Value) < 4 {
		return nil, ErrShortBuffer
	}
	sz := int(bin.Uint32(p.Value))
	if len(p.Value) < 4+sz {
		return nil, ErrShortBuffer
	}
	return append([]byte(nil), p.Value[4:4+sz]...), nil
}

// Strings decodes a sequence<string>, as used by PID_PARTITION.
func (p Param) Strings(bin binary.ByteOrder) ([]string, error) {
	if len(p.Value) < 4 {
		return nil, ErrShortBuffer
	}
	return parseStrings(bin, p.Value[4:], int(bin.Uint32(p.Value)))
}

// Properties decodes a PID_PROPERTY_LIST into name/value pairs.
func (p Param) Properties(bin binary.ByteOrder) (map[string]string, error) {
	if len(p.Value) < 4 {
		return nil, ErrShortBuffer
	}
	n := int(bin.Uint32(p.Value))
	strs, err := parseStrings(bin, p.Value[4:], 2*n)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string, n)
	for i := 0; i+1 < len(strs); i += 2 {
		props[strs[i]] = strs[i+1]
	}
	return props, nil
}

func parseStrings(bin binary.ByteOrder, b []byte, n int) ([]string, error) {
	if n < 0 || n > len(b)/4 {
		return nil, ErrMalformed
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 4 {
			return nil, ErrShortBuffer
		}
		sz := int(bin.Uint32(b))
		if sz < 0 || len(b) < 4+sz {
			return nil, ErrShortBuffer
		}
		s := b[4 : 4+sz]
		if sz > 0 && s[sz-1] == 0 {
			s = s[:sz-1]
		}
		out = append(out, string(s))
		padded := (4 + sz + 3) &^ 3
		if padded > len(b) {
			padded = len(b)
		}
		b = b[padded:]
	}
	return out, nil
}

func packParamString(bin binary.ByteOrder, s string) []byte {
	b := make([]byte, (4+len(s)+1+3) & ^0x3) // must be 32-bit aligned
	bin.PutUint32(b[0:], uint32(len(s)+1))
	copy(b[4:], []byte(s))
	b[4+len(s)] = 0
	return b
}

// ParamListWriter accumulates an encoded parameter list.
type ParamListWriter struct {
	bin binary.ByteOrder
	buf bytes.Buffer
}

func NewParamListWriter(bin binary.ByteOrder) *ParamListWriter {
	return &ParamListWriter{bin: bin}
}

func (w *ParamListWriter) Add(pid ParamID, value []byte) {
	padded := (len(value) + 3) &^ 3
	var hdr [4]byte
	w.bin.PutUint16(hdr[:], uint16(pid))
	w.bin.PutUint16(hdr[2:], uint16(padded))
	w.buf.Write(hdr[:])
	w.buf.Write(value)
	for i := len(value); i < padded; i++ {
		w.buf.WriteByte(0)
	}
}

func (w *ParamListWriter) AddString(pid ParamID, s string) {
	w.Add(pid, packParamString(w.bin, s))
}

func (w *ParamListWriter) AddUint32(pid ParamID, v uint32) {
	b := make([]byte, 4)
	w.bin.PutUint32(b, v)
	w.Add(pid, b)
}

func (w *ParamListWriter) AddBool(pid ParamID, v bool) {
	b := make([]byte, 4)
	if v {
		b[0] = 1
	}
	w.Add(pid, b)
}

func (w *ParamListWriter) AddLocator(pid ParamID, loc Locator) {
	w.Add(pid, loc.Bytes(w.bin))
}

func (w *ParamListWriter) AddGUID(pid ParamID, g GUID) {
	w.Add(pid, g.Bytes())
}

func (w *ParamListWriter) AddDuration(pid ParamID, d time.Duration) {
	w.Add(pid, DurationToBytes(d, w.bin))
}

func (w *ParamListWriter) AddOctets(pid ParamID, v []byte) {
	b := make([]byte, 4, 4+len(v))
	w.bin.PutUint32(b, uint32(len(v)))
	w.Add(pid, append(b, v...))
}

func (w *ParamListWriter) AddStrings(pid ParamID, strs []string) {
	b := make([]byte, 4)
	w.bin.PutUint32(b, uint32(len(strs)))
	for _, s := range strs {
		b = append(b, packParamString(w.bin, s)...)
	}
	w.Add(pid, b)
}

func (w *ParamListWriter) AddProperties(pid ParamID, props map[string]string) {
	b := make([]byte, 4)
	w.bin.PutUint32(b, uint32(len(props)))
	for _, k := range sortedKeys(props) {
		b = append(b, packParamString(w.bin, k)...)
		b = append(b, packParamString(w.bin, props[k])...)
	}
	w.Add(pid, b)
}

func (w *ParamListWriter) AddReliability(q ReliabilityQos) {
	w.Add(PID_RELIABILITY, q.bytes(w.bin))
}

func (w *ParamListWriter) AddHistory(q HistoryQos) {
	w.Add(PID_HISTORY, q.bytes(w.bin))
}

func (w *ParamListWriter) AddResourceLimits(q ResourceLimitsQos) {
	w.Add(PID_RESOURCE_LIMITS, q.bytes(w.bin))
}

func (w *ParamListWriter) AddLiveliness(q LivelinessQos) {
	w.Add(PID_LIVELINESS, q.bytes(w.bin))
}

// AddKeyHash writes the 16 byte key hash, which is never byte swapped.
func (w *ParamListWriter) AddKeyHash(h InstanceHandle) {
	w.Add(PID_KEY_HASH, h[:])
}

// AddStatusInfo writes the status info flags, always big endian.
func (w *ParamListWriter) AddStatusInfo(flags uint8) {
	w.Add(PID_STATUS_INFO, []byte{0, 0, 0, flags})
}

// Bytes terminates the list with a sentinel and returns the encoding.
func (w *ParamListWriter) Bytes() []byte {
	var sentinel [4]byte
	w.bin.PutUint16(sentinel[:], PID_SENTINEL)
	w.buf.Write(sentinel[:])
	return w.buf.Bytes()
}

// Encapsulate prefixes body with the 4 byte encapsulation header.
func Encapsulate(scheme uint16, body []byte) []byte {
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint16(out, scheme)
	return append(out, body...)
}

// Decapsulate splits a serialized payload into its scheme, the byte order
// the scheme implies, and the body.
func Decapsulate(b []byte) (uint16, binary.ByteOrder, []byte, error) {
	if len(b) < 4 {
		return 0, nil, nil, ErrShortBuffer
	}
	scheme := binary.BigEndian.Uint16(b[0:]) // always big endian
	var bin binary.ByteOrder
	switch scheme {
	case SCHEME_CDR_LE, SCHEME_PL_CDR_LE:
		bin = binary.LittleEndian
	case SCHEME_CDR_BE, SCHEME_PL_CDR_BE:
		bin = binary.BigEndian
	default:
		return 0, nil, nil, fmt.Errorf("encapsulation scheme 0x%04x: %w", scheme, ErrMalformed)
	}
	return scheme, bin, b[4:], nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
