package rtps

import (
	"encoding/binary"
	"time"
)

const (
	QOS_RELIABILITY_KIND_BEST_EFFORT = 1
	QOS_RELIABILITY_KIND_RELIABLE    = 2
	QOS_HISTORY_KIND_KEEP_LAST       = 0
	QOS_HISTORY_KIND_KEEP_ALL        = 1
	QOS_PRESENTATION_SCOPE_TOPIC     = 1
)

type ReliabilityKind uint32

const (
	BestEffort ReliabilityKind = QOS_RELIABILITY_KIND_BEST_EFFORT
	Reliable   ReliabilityKind = QOS_RELIABILITY_KIND_RELIABLE
)

func (k ReliabilityKind) String() string {
	switch k {
	case BestEffort:
		return "best-effort"
	case Reliable:
		return "reliable"
	}
	return "unknown"
}

type DurabilityKind uint32

const (
	Volatile DurabilityKind = iota
	TransientLocal
	Transient
	Persistent
)

type HistoryKind uint32

const (
	KeepLast HistoryKind = QOS_HISTORY_KIND_KEEP_LAST
	KeepAll  HistoryKind = QOS_HISTORY_KIND_KEEP_ALL
)

type LivelinessKind uint32

const (
	AutomaticLiveliness LivelinessKind = iota
	ManualByParticipantLiveliness
	ManualByTopicLiveliness
)

type OwnershipKind uint32

const (
	SharedOwnership OwnershipKind = iota
	ExclusiveOwnership
)

// DestinationOrderKind selects how a reader orders samples from several
// writers. Only by-reception ordering is applied; by-source-timestamp is
// carried on the wire for matching but not enforced.
type DestinationOrderKind uint32

const (
	ByReceptionTimestamp DestinationOrderKind = iota
	BySourceTimestamp
)

type ReliabilityQos struct {
	Kind            ReliabilityKind
	MaxBlockingTime time.Duration
}

func newQosReliabilityFromBytes(bin binary.ByteOrder, b []byte) (ReliabilityQos, error) {
	if len(b) < 4+4+4 {
		return ReliabilityQos{}, ErrShortBuffer
	}
	dur, err := DurationFromBytes(bin, b[4:])
	if err != nil {
		return ReliabilityQos{}, err
	}
	return ReliabilityQos{
		Kind:            ReliabilityKind(bin.Uint32(b[0:])),
		MaxBlockingTime: dur,
	}, nil
}

func (r *ReliabilityQos) bytes(bin binary.ByteOrder) []byte {
	b := make([]byte, 4, 12)
	bin.PutUint32(b, uint32(r.Kind))
	return append(b, DurationToBytes(r.MaxBlockingTime, bin)...)
}

type HistoryQos struct {
	Kind  HistoryKind
	Depth int32
}

func newQosHistoryFromBytes(bin binary.ByteOrder, b []byte) (HistoryQos, error) {
	if len(b) < 4+4 {
		return HistoryQos{}, ErrShortBuffer
	}
	return HistoryQos{
		Kind:  HistoryKind(bin.Uint32(b[0:])),
		Depth: int32(bin.Uint32(b[4:])),
	}, nil
}

func (h *HistoryQos) bytes(bin binary.ByteOrder) []byte {
	b := make([]byte, 8)
	bin.PutUint32(b, uint32(h.Kind))
	bin.PutUint32(b[4:], uint32(h.Depth))
	return b
}

// ResourceLimitsQos bounds a history. Values <= 0 mean unlimited.
type ResourceLimitsQos struct {
	MaxSamples            int32
	MaxInstances          int32
	MaxSamplesPerInstance int32
}

func newQosResourceLimitsFromBytes(bin binary.ByteOrder, b []byte) (ResourceLimitsQos, error) {
	if len(b) < 12 {
		return ResourceLimitsQos{}, ErrShortBuffer
	}
	return ResourceLimitsQos{
		MaxSamples:            int32(bin.Uint32(b[0:])),
		MaxInstances:          int32(bin.Uint32(b[4:])),
		MaxSamplesPerInstance: int32(bin.Uint32(b[8:])),
	}, nil
}

func (r *ResourceLimitsQos) bytes(bin binary.ByteOrder) []byte {
	b := make([]byte, 12)
	bin.PutUint32(b, uint32(r.MaxSamples))
	bin.PutUint32(b[4:], uint32(r.MaxInstances))
	bin.PutUint32(b[8:], uint32(r.MaxSamplesPerInstance))
	return b
}

type LivelinessQos struct {
	Kind          LivelinessKind
	LeaseDuration time.Duration
}

func newQosLivelinessFromBytes(bin binary.ByteOrder, b []byte) (LivelinessQos, error) {
	if len(b) < 12 {
		return LivelinessQos{}, ErrShortBuffer
	}
	dur, err := DurationFromBytes(bin, b[4:])
	if err != nil {
		return LivelinessQos{}, err
	}
	return LivelinessQos{Kind: LivelinessKind(bin.Uint32(b)), LeaseDuration: dur}, nil
}

func (l *LivelinessQos) bytes(bin binary.ByteOrder) []byte {
	b := make([]byte, 4, 12)
	bin.PutUint32(b, uint32(l.Kind))
	return append(b, DurationToBytes(l.LeaseDuration, bin)...)
}

// EndpointQos is the subset of DDS QoS the protocol engine consumes or
// announces through discovery.
type EndpointQos struct {
	Reliability       ReliabilityQos
	Durability        DurabilityKind
	History           HistoryQos
	ResourceLimits    ResourceLimitsQos
	Liveliness        LivelinessQos
	Ownership         OwnershipKind
	OwnershipStrength int32
	Deadline          time.Duration
	DestinationOrder  DestinationOrderKind
	Partitions        []string
	UserData          []byte
}

func DefaultWriterQos() EndpointQos {
	return EndpointQos{
		Reliability: ReliabilityQos{Kind: Reliable, MaxBlockingTime: 100 * time.Millisecond},
		Durability:  Volatile,
		History:     HistoryQos{Kind: KeepLast, Depth: 1},
		Liveliness:  LivelinessQos{Kind: AutomaticLiveliness, LeaseDuration: DurationInfinite},
		Deadline:    DurationInfinite,
	}
}

func DefaultReaderQos() EndpointQos {
	q := DefaultWriterQos()
	q.Reliability.Kind = BestEffort
	return q
}
