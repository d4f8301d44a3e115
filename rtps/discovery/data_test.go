package discovery

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/liamstask/go-rtps/rtps"
)

var (
	localPrefix  = rtps.GUIDPrefix{0xa, 0, 0, 1}
	remotePrefix = rtps.GUIDPrefix{0xb, 0, 0, 2}
)

func participantData(prefix rtps.GUIDPrefix) ParticipantProxyData {
	return ParticipantProxyData{
		GUIDPrefix:       prefix,
		ProtoVersion:     rtps.MyProtoVersion,
		VendorID:         rtps.MY_RTPS_VENDOR_ID,
		BuiltinEndpoints: rtps.BUILTIN_EP_DEFAULT_SET,
		MetaUnicast:      []rtps.Locator{rtps.NewMemoryLocator(uint32(prefix[0]), 7410)},
		MetaMulticast:    []rtps.Locator{rtps.NewMemoryLocator(0, 7400)},
		DefaultUnicast:   []rtps.Locator{rtps.NewMemoryLocator(uint32(prefix[0]), 7411)},
		LeaseDuration:    20 * time.Second,
		Name:             "node",
	}
}

func TestParticipantData(t *testing.T) {
	want := participantData(remotePrefix)
	want.ExpectsInlineQos = true
	want.DefaultMulticast = []rtps.Locator{rtps.NewUDPv4Locator(net.IPv4(239, 255, 0, 1), 7401)}
	want.ManualLivelinessCount = 3
	want.UserData = []byte("hello")
	want.Properties = map[string]string{"host": "a", "pid": "42"}

	got, err := UnmarshalParticipant(want.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("participant data (-want +got):\n%s", diff)
	}
}

func TestParticipantDataInfiniteLease(t *testing.T) {
	d := participantData(remotePrefix)
	d.LeaseDuration = rtps.DurationInfinite
	got, err := UnmarshalParticipant(d.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.LeaseDuration != rtps.DurationInfinite {
		t.Errorf("lease got %v", got.LeaseDuration)
	}
}

func TestMalformedParticipantData(t *testing.T) {
	noGUID := rtps.NewParamListWriter(binary.LittleEndian)
	noGUID.AddString(rtps.PID_ENTITY_NAME, "anonymous")

	shortGUID := rtps.NewParamListWriter(binary.LittleEndian)
	shortGUID.Add(rtps.PID_PARTICIPANT_GUID, remotePrefix[:8])

	full := participantData(remotePrefix)
	noSentinel := full.Marshal()
	noSentinel = noSentinel[:len(noSentinel)-4]

	cases := []struct {
		name string
		b    []byte
		want error
	}{
		{"empty", nil, rtps.ErrShortBuffer},
		{"cdr", rtps.Encapsulate(rtps.SCHEME_CDR_LE, []byte{1, 0, 0, 0}), rtps.ErrMalformed},
		{"no guid", rtps.Encapsulate(rtps.SCHEME_PL_CDR_LE, noGUID.Bytes()), rtps.ErrMalformed},
		{"no sentinel", noSentinel, rtps.ErrMalformed},
		{"short guid", rtps.Encapsulate(rtps.SCHEME_PL_CDR_LE, shortGUID.Bytes()), rtps.ErrShortBuffer},
	}
	for i, tc := range cases {
		_, err := UnmarshalParticipant(tc.b)
		if !errors.Is(err, tc.want) {
			t.Errorf("[%d] %s: got %v want %v", i, tc.name, err, tc.want)
		}
	}
}

func TestEndpointData(t *testing.T) {
	q := rtps.DefaultWriterQos()
	q.Durability = rtps.TransientLocal
	q.History = rtps.HistoryQos{Kind: rtps.KeepAll}
	q.ResourceLimits = rtps.ResourceLimitsQos{MaxSamples: 10, MaxInstances: 2, MaxSamplesPerInstance: 5}
	q.Ownership = rtps.ExclusiveOwnership
	q.OwnershipStrength = 7
	q.Deadline = time.Second
	q.Partitions = []string{"a", "b*"}
	q.UserData = []byte{1, 2, 3}

	w := WriterProxyData{EndpointInfo{
		GUID:     rtps.NewGUID(remotePrefix, 0x102),
		Topic:    "chatter",
		TypeName: "std_msgs::String",
		Qos:      q,
		Unicast:  []rtps.Locator{rtps.NewMemoryLocator(2, 7411)},
	}}
	gotW, err := UnmarshalWriter(w.Marshal())
	if err != nil {
		t.Fatalf("unmarshal writer: %v", err)
	}
	if diff := cmp.Diff(w, gotW); diff != "" {
		t.Errorf("writer data (-want +got):\n%s", diff)
	}

	rq := rtps.DefaultReaderQos()
	rq.Liveliness = rtps.LivelinessQos{Kind: rtps.ManualByTopicLiveliness, LeaseDuration: time.Minute}
	r := ReaderProxyData{
		EndpointInfo: EndpointInfo{
			GUID:      rtps.NewGUID(remotePrefix, 0x107),
			Topic:     "chatter",
			TypeName:  "std_msgs::String",
			Qos:       rq,
			Multicast: []rtps.Locator{rtps.NewMemoryLocator(0, 7401)},
		},
		ExpectsInlineQos: true,
	}
	gotR, err := UnmarshalReader(r.Marshal())
	if err != nil {
		t.Fatalf("unmarshal reader: %v", err)
	}
	if diff := cmp.Diff(r, gotR); diff != "" {
		t.Errorf("reader data (-want +got):\n%s", diff)
	}
}

func TestEndpointDataDefaults(t *testing.T) {
	pl := rtps.NewParamListWriter(binary.LittleEndian)
	pl.AddGUID(rtps.PID_ENDPOINT_GUID, rtps.NewGUID(remotePrefix, 0x107))
	b := rtps.Encapsulate(rtps.SCHEME_PL_CDR_LE, pl.Bytes())

	w, err := UnmarshalWriter(b)
	if err != nil {
		t.Fatalf("unmarshal writer: %v", err)
	}
	if diff := cmp.Diff(rtps.DefaultWriterQos(), w.Qos); diff != "" {
		t.Errorf("writer qos (-want +got):\n%s", diff)
	}
	r, err := UnmarshalReader(b)
	if err != nil {
		t.Fatalf("unmarshal reader: %v", err)
	}
	if diff := cmp.Diff(rtps.DefaultReaderQos(), r.Qos); diff != "" {
		t.Errorf("reader qos (-want +got):\n%s", diff)
	}
}
