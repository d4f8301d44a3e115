package rtps

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestTimeRoundtrip(t *testing.T) {

	cases := []struct{ t time.Time }{
		{time.Unix(1451457191, 226962928)}, // arbitrary point in time
		{time.Unix(1451457191, 0)},
		{time.Unix(0, 999999999)},
	}

	for i, c := range cases {
		b := TimeToBytes(c.t, binary.LittleEndian)

		tout, err := TimeFromBytes(binary.LittleEndian, b)
		if err != nil {
			t.Errorf("[%d] TimeFromBytes: %v", i, err)
		}
		if !tout.Equal(c.t) {
			t.Errorf("[%d] time roundtrip mismatch. got %v, want %v", i, tout, c.t)
		}
	}
}

func TestDurationRoundtrip(t *testing.T) {
	cases := []struct{ d time.Duration }{
		{time.Duration(1451457191)}, // arbitrary duration
		{20 * time.Second},
		{100 * time.Millisecond},
		{0},
		{DurationInfinite},
	}

	for i, c := range cases {
		b := DurationToBytes(c.d, binary.LittleEndian)

		dout, err := DurationFromBytes(binary.LittleEndian, b)
		if err != nil {
			t.Errorf("[%d] DurationFromBytes: %v", i, err)
		}
		if dout != c.d {
			t.Errorf("[%d] duration roundtrip mismatch. got %v, want %v", i, dout, c.d)
		}
	}
}

func TestDurationInfiniteWire(t *testing.T) {
	b := DurationToBytes(DurationInfinite, binary.BigEndian)
	want := []byte{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	if string(b) != string(want) {
		t.Errorf("infinite duration encoding: got %x, want %x", b, want)
	}
}
