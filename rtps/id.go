package rtps

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/rs/xid"
)

const (
	GUIDPrefixLen     = 12
	GUIDLen           = GUIDPrefixLen + 4
	Magic             = 0x52545053 // RTPS in ASCII
	MY_RTPS_VENDOR_ID = 0x1234
)

const (
	ENTITYID_UNKNOWN                                = 0x0
	ENTITYID_PARTICIPANT                            = 0x1c1
	ENTITYID_SEDP_BUILTIN_TOPIC_WRITER              = 0x2c2
	ENTITYID_SEDP_BUILTIN_TOPIC_READER              = 0x2c7
	ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER       = 0x3c2
	ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER       = 0x3c7
	ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER      = 0x4c2
	ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER      = 0x4c7
	ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER        = 0x100c2
	ENTITYID_SPDP_BUILTIN_PARTICIPANT_READER        = 0x100c7
	ENTITYID_P2P_BUILTIN_PARTICIPANT_MESSAGE_WRITER = 0x200c2
	ENTITYID_P2P_BUILTIN_PARTICIPANT_MESSAGE_READER = 0x200c7
	ENTITYID_SOURCE_MASK                            = 0xc0
	ENTITYID_SOURCE_USER                            = 0x00
	ENTITYID_SOURCE_BUILTIN                         = 0xc0
	ENTITYID_SOURCE_VENDOR                          = 0x40
	ENTITYID_KIND_MASK                              = 0x3f
	ENTITYID_KIND_WRITER_WITH_KEY                   = 0x02
	ENTITYID_KIND_WRITER_NO_KEY                     = 0x03
	ENTITYID_KIND_READER_NO_KEY                     = 0x04
	ENTITYID_KIND_READER_WITH_KEY                   = 0x07
	ENTITYID_ALLOCSTEP                              = 0x100
)

// Builtin endpoint ids, named the way the discovery code refers to them.
const (
	EIDUnknown      EntityID = ENTITYID_UNKNOWN
	EIDParticipant  EntityID = ENTITYID_PARTICIPANT
	SPDPWriterID    EntityID = ENTITYID_SPDP_BUILTIN_PARTICIPANT_WRITER
	SPDPReaderID    EntityID = ENTITYID_SPDP_BUILTIN_PARTICIPANT_READER
	SEDPPubWriterID EntityID = ENTITYID_SEDP_BUILTIN_PUBLICATIONS_WRITER
	SEDPPubReaderID EntityID = ENTITYID_SEDP_BUILTIN_PUBLICATIONS_READER
	SEDPSubWriterID EntityID = ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_WRITER
	SEDPSubReaderID EntityID = ENTITYID_SEDP_BUILTIN_SUBSCRIPTIONS_READER
)

var (
	UnknownGUIDPrefix GUIDPrefix
	UnknownGUID       GUID
)

func VendorName(id VendorID) string {
	switch id {
	case 0x0101:
		return "RTI Connext"
	case 0x0102:
		return "PrismTech OpenSplice"
	case 0x0103:
		return "OCI OpenDDS"
	case 0x0104:
		return "MilSoft"
	case 0x0105:
		return "Gallium InterCOM"
	case 0x0106:
		return "TwinOaks CoreDX"
	case 0x0107:
		return "Lakota Technical Systems"
	case 0x0108:
		return "ICOUP Consulting"
	case 0x0109:
		return "ETRI"
	case 0x010a:
		return "RTI Connext Micro"
	case 0x010b:
		return "PrismTech Vortex Cafe"
	case 0x010c:
		return "PrismTech Vortex Gateway"
	case 0x010d:
		return "PrismTech Vortex Lite"
	case 0x010e:
		return "Technicolor Qeo"
	case 0x010f:
		return "eProsima"
	case 0x0120:
		return "PrismTech Vortex Cloud"
	case MY_RTPS_VENDOR_ID:
		return "go-rtps"
	default:
		return "unknown"
	}
}

// EntityID is an entity id.
// NB: always encoded big endian, regardless of submessage endian flag
type EntityID uint32

func (eid EntityID) Kind() uint8 {
	return uint8(eid & 0xff)
}

// EntityIDAllocator hands out user entity ids that are unique within one participant.
type EntityIDAllocator struct {
	next atomic.Uint32
}

func (a *EntityIDAllocator) New(entityKind uint8) EntityID {
	// For user IDs, "the entityKey field within the EntityId_t
	// can be chosen arbitrarily by the middleware implementation
	// as long as the resulting EntityId_t is unique within the Participant.", sec 9.3.1.2
	return EntityID(a.next.Add(ENTITYID_ALLOCSTEP) | uint32(entityKind))
}

func (eid EntityID) IsWriter() bool {
	switch eid & ENTITYID_KIND_MASK {
	case ENTITYID_KIND_WRITER_WITH_KEY, ENTITYID_KIND_WRITER_NO_KEY:
		return true
	}
	return false
}

func (eid EntityID) IsReader() bool {
	switch eid & ENTITYID_KIND_MASK {
	case ENTITYID_KIND_READER_WITH_KEY, ENTITYID_KIND_READER_NO_KEY:
		return true
	}
	return false
}

func (eid EntityID) IsKeyed() bool {
	k := eid & ENTITYID_KIND_MASK
	return k == ENTITYID_KIND_WRITER_WITH_KEY || k == ENTITYID_KIND_READER_WITH_KEY
}

func (eid EntityID) IsBuiltin() bool {
	return (eid & ENTITYID_SOURCE_MASK) == ENTITYID_SOURCE_BUILTIN
}

func (eid EntityID) IsBuiltinEndpoint() bool {
	return eid.IsBuiltin() && eid != ENTITYID_PARTICIPANT
}

func (eid EntityID) String() string {
	return fmt.Sprintf("0x%08x", uint32(eid))
}

type VendorID uint16

type ProtoVersion struct {
	Major uint8
	Minor uint8
}

// GUIDPrefix identifies a participant. Arrays rather than slices so
// prefixes and GUIDs can key maps directly.
type GUIDPrefix [GUIDPrefixLen]byte

// NewGUIDPrefix builds a prefix from the vendor id followed by the tail of
// a fresh xid (machine id, pid and a process-wide counter).
func NewGUIDPrefix() GUIDPrefix {
	var gp GUIDPrefix
	id := xid.New()
	b := id.Bytes()
	gp[0] = MY_RTPS_VENDOR_ID >> 8
	gp[1] = MY_RTPS_VENDOR_ID & 0xff
	copy(gp[2:], b[2:])
	return gp
}

func GUIDPrefixFromBytes(b []byte) (GUIDPrefix, error) {
	var gp GUIDPrefix
	if len(b) < GUIDPrefixLen {
		return gp, ErrShortBuffer
	}
	copy(gp[:], b)
	return gp, nil
}

func (gp GUIDPrefix) IsUnknown() bool {
	return gp == UnknownGUIDPrefix
}

func (gp GUIDPrefix) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x-%02x%02x%02x%02x-%02x%02x%02x%02x",
		gp[0], gp[1], gp[2], gp[3], gp[4], gp[5], gp[6], gp[7], gp[8], gp[9], gp[10], gp[11])
}

type GUID struct {
	Prefix   GUIDPrefix
	EntityID EntityID
}

func NewGUID(prefix GUIDPrefix, eid EntityID) GUID {
	return GUID{Prefix: prefix, EntityID: eid}
}

func GUIDFromBytes(b []byte) (GUID, error) {
	if len(b) < GUIDLen {
		return GUID{}, ErrShortBuffer
	}
	var g GUID
	copy(g.Prefix[:], b)
	g.EntityID = EntityID(binary.BigEndian.Uint32(b[GUIDPrefixLen:]))
	return g, nil
}

func (g GUID) Bytes() []byte {
	b := make([]byte, GUIDLen)
	copy(b, g.Prefix[:])
	binary.BigEndian.PutUint32(b[GUIDPrefixLen:], uint32(g.EntityID))
	return b
}

// InstanceHandle returns the key hash identifying this entity as a
// discovery instance.
func (g GUID) InstanceHandle() InstanceHandle {
	var h InstanceHandle
	copy(h[:], g.Bytes())
	return h
}

func (g GUID) IsUnknown() bool {
	return g.EntityID == ENTITYID_UNKNOWN && g.Prefix.IsUnknown()
}

// Less orders GUIDs by prefix bytes, then entity id.
func (g GUID) Less(o GUID) bool {
	for i := range g.Prefix {
		if g.Prefix[i] != o.Prefix[i] {
			return g.Prefix[i] < o.Prefix[i]
		}
	}
	return g.EntityID < o.EntityID
}

func (g GUID) String() string {
	return fmt.Sprintf("[%s : 0x%x]", g.Prefix.String(), uint32(g.EntityID))
}

// InstanceHandle is the 16 byte key hash of a keyed sample.
type InstanceHandle [16]byte

var HandleNil InstanceHandle

func (h InstanceHandle) IsNil() bool {
	return h == HandleNil
}

func (h InstanceHandle) String() string {
	return hex.EncodeToString(h[:])
}

// KeyHash derives the instance handle of a serialized key: the key itself,
// zero padded, when it fits in 16 bytes and its MD5 sum otherwise.
func KeyHash(key []byte) InstanceHandle {
	var h InstanceHandle
	if len(key) <= len(h) {
		copy(h[:], key)
		return h
	}
	return md5.Sum(key)
}

// Builtin endpoint set bits, announced in PID_BUILTIN_ENDPOINT_SET.
const (
	BUILTIN_EP_PARTICIPANT_ANNOUNCER           = 0x00000001
	BUILTIN_EP_PARTICIPANT_DETECTOR            = 0x00000002
	BUILTIN_EP_PUBLICATION_ANNOUNCER           = 0x00000004
	BUILTIN_EP_PUBLICATION_DETECTOR            = 0x00000008
	BUILTIN_EP_SUBSCRIPTION_ANNOUNCER          = 0x00000010
	BUILTIN_EP_SUBSCRIPTION_DETECTOR           = 0x00000020
	BUILTIN_EP_PARTICIPANT_PROXY_ANNOUNCER     = 0x00000040
	BUILTIN_EP_PARTICIPANT_PROXY_DETECTOR      = 0x00000080
	BUILTIN_EP_PARTICIPANT_STATE_ANNOUNCER     = 0x00000100
	BUILTIN_EP_PARTICIPANT_STATE_DETECTOR      = 0x00000200
	BUILTIN_EP_PARTICIPANT_MESSAGE_DATA_WRITER = 0x00000400
	BUILTIN_EP_PARTICIPANT_MESSAGE_DATA_READER = 0x00000800

	// what this implementation runs: SPDP plus both SEDP pairs
	BUILTIN_EP_DEFAULT_SET = 0x3f
)
