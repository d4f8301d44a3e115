package rtps

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParamString(t *testing.T) {

	cases := []struct{ s string }{
		{"i am a test"},
		{"test"}, // already aligned
		{""},     // empty
	}

	order := binary.LittleEndian

	for i, c := range cases {
		pstr := Param{
			PID:   0x123, // don't care
			Value: packParamString(order, c.s),
		}
		if len(pstr.Value)&0x3 != 0 {
			t.Errorf("[%d] packed str len not 32-bit aligned", i)
		}
		strout, err := pstr.String(order)
		if err != nil {
			t.Errorf("error unpacking str: %v", err)
		}
		if strout != c.s {
			t.Errorf("[%d] str mismatch. got %v, want %v", i, strout, c.s)
		}
	}

}

func TestParamListRoundtrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		guid := NewGUID(GUIDPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, SEDPPubWriterID)
		loc := NewUDPv4Locator([]byte{192, 168, 1, 10}, 7411)
		rel := ReliabilityQos{Kind: Reliable, MaxBlockingTime: 100 * time.Millisecond}
		hist := HistoryQos{Kind: KeepLast, Depth: 10}
		parts := []string{"a*", "sensors"}
		props := map[string]string{"fastdds.type": "raw", "host": "node1"}

		w := NewParamListWriter(order)
		w.AddString(PID_TOPIC_NAME, "chatter")
		w.AddGUID(PID_ENDPOINT_GUID, guid)
		w.AddLocator(PID_UNICAST_LOCATOR, loc)
		w.AddDuration(PID_PARTICIPANT_LEASE_DURATION, 20*time.Second)
		w.AddUint32(PID_BUILTIN_ENDPOINT_SET, BUILTIN_EP_DEFAULT_SET)
		w.AddBool(PID_EXPECTS_INLINE_QOS, true)
		w.AddReliability(rel)
		w.AddHistory(hist)
		w.AddStrings(PID_PARTITION, parts)
		w.AddOctets(PID_USER_DATA, []byte{1, 2, 3})
		w.AddProperties(PID_PROPERTY_LIST, props)
		b := w.Bytes()

		if len(b)&0x3 != 0 {
			t.Fatalf("%v: list not 32-bit aligned: %d", order, len(b))
		}

		pl, n, err := ParseParamList(order, b)
		if err != nil {
			t.Fatalf("%v: ParseParamList: %v", order, err)
		}
		if n != len(b) {
			t.Errorf("%v: consumed %d of %d bytes", order, n, len(b))
		}

		find := func(pid ParamID) Param {
			p, ok := pl.Find(pid)
			if !ok {
				t.Fatalf("%v: pid 0x%04x missing", order, pid)
			}
			return p
		}

		if s, _ := find(PID_TOPIC_NAME).String(order); s != "chatter" {
			t.Errorf("%v: topic got %q", order, s)
		}
		if g, _ := find(PID_ENDPOINT_GUID).GUID(); g != guid {
			t.Errorf("%v: guid got %v, want %v", order, g, guid)
		}
		if l, _ := find(PID_UNICAST_LOCATOR).Locator(order); l != loc {
			t.Errorf("%v: locator got %v, want %v", order, l, loc)
		}
		if d, _ := find(PID_PARTICIPANT_LEASE_DURATION).Duration(order); d != 20*time.Second {
			t.Errorf("%v: lease got %v", order, d)
		}
		if v, _ := find(PID_BUILTIN_ENDPOINT_SET).Uint32(order); v != BUILTIN_EP_DEFAULT_SET {
			t.Errorf("%v: endpoint set got 0x%x", order, v)
		}
		if v, _ := find(PID_EXPECTS_INLINE_QOS).Bool(); !v {
			t.Errorf("%v: expects inline qos lost", order)
		}
		if r, _ := find(PID_RELIABILITY).Reliability(order); r != rel {
			t.Errorf("%v: reliability got %+v, want %+v", order, r, rel)
		}
		if h, _ := find(PID_HISTORY).History(order); h != hist {
			t.Errorf("%v: history got %+v, want %+v", order, h, hist)
		}
		gotParts, err := find(PID_PARTITION).Strings(order)
		if err != nil {
			t.Errorf("%v: partitions: %v", order, err)
		}
		if diff := cmp.Diff(parts, gotParts); diff != "" {
			t.Errorf("%v: partitions mismatch (-want +got):\n%s", order, diff)
		}
		ud, _ := find(PID_USER_DATA).Octets(order)
		if diff := cmp.Diff([]byte{1, 2, 3}, ud); diff != "" {
			t.Errorf("%v: user data mismatch (-want +got):\n%s", order, diff)
		}
		gotProps, err := find(PID_PROPERTY_LIST).Properties(order)
		if err != nil {
			t.Errorf("%v: properties: %v", order, err)
		}
		if diff := cmp.Diff(props, gotProps); diff != "" {
			t.Errorf("%v: properties mismatch (-want +got):\n%s", order, diff)
		}
	}
}

func TestParamListMalformed(t *testing.T) {
	order := binary.LittleEndian

	cases := []struct {
		name string
		b    []byte
	}{
		{"no sentinel", []byte{0x05, 0x00, 0x04, 0x00, 1, 2, 3, 4}},
		{"length past end", []byte{0x05, 0x00, 0x40, 0x00, 1, 2, 3, 4}},
		{"truncated header", []byte{0x05, 0x00}},
	}

	for i, c := range cases {
		if _, _, err := ParseParamList(order, c.b); err == nil {
			t.Errorf("[%d] %s: expected error", i, c.name)
		}
	}

	// a string whose length runs past the parameter
	bad := Param{PID: PID_TOPIC_NAME, Value: []byte{0xff, 0, 0, 0, 'a', 0, 0, 0}}
	if _, err := bad.String(order); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("oversized string: got %v, want %v", err, ErrShortBuffer)
	}
}

func TestEncapsulation(t *testing.T) {
	body := []byte{1, 2, 3, 4}
	cases := []struct {
		scheme uint16
		order  binary.ByteOrder
	}{
		{SCHEME_CDR_LE, binary.LittleEndian},
		{SCHEME_PL_CDR_LE, binary.LittleEndian},
		{SCHEME_CDR_BE, binary.BigEndian},
		{SCHEME_PL_CDR_BE, binary.BigEndian},
	}

	for i, c := range cases {
		scheme, order, out, err := Decapsulate(Encapsulate(c.scheme, body))
		if err != nil {
			t.Fatalf("[%d] Decapsulate: %v", i, err)
		}
		if scheme != c.scheme || order != c.order {
			t.Errorf("[%d] got scheme 0x%x order %v", i, scheme, order)
		}
		if diff := cmp.Diff(body, out); diff != "" {
			t.Errorf("[%d] body mismatch (-want +got):\n%s", i, diff)
		}
	}

	if _, _, _, err := Decapsulate([]byte{0x12, 0x34, 0, 0}); !errors.Is(err, ErrMalformed) {
		t.Errorf("unknown scheme: got %v, want %v", err, ErrMalformed)
	}
}
