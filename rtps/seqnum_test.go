package rtps

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSeqNumHighLow(t *testing.T) {
	cases := []struct {
		hi int32
		lo uint32
	}{
		{0, 1},
		{0, 0xffffffff},
		{1, 0},
		{-1, 0},
	}

	for i, c := range cases {
		sn := NewSeqNum(c.hi, c.lo)
		if sn.High() != c.hi || sn.Low() != c.lo {
			t.Errorf("[%d] got %d/%d, want %d/%d", i, sn.High(), sn.Low(), c.hi, c.lo)
		}
	}
	if NewSeqNum(1, 0) != 1<<32 {
		t.Errorf("high word not shifted")
	}
}

func TestSeqNumSet(t *testing.T) {
	cases := []struct {
		base    SeqNum
		add     []SeqNum
		members []SeqNum
		numBits uint32
	}{
		{3, []SeqNum{3, 4}, []SeqNum{3, 4}, 2},
		{1, []SeqNum{1, 33, 64}, []SeqNum{1, 33, 64}, 64},
		{10, []SeqNum{9, 10, 266}, []SeqNum{10}, 1}, // below base and past the window are refused
		{5, nil, nil, 0},
	}

	for i, c := range cases {
		sns := NewSeqNumSet(c.base)
		for _, sn := range c.add {
			sns.Add(sn)
		}
		if diff := cmp.Diff(c.members, sns.Members()); diff != "" {
			t.Errorf("[%d] members mismatch (-want +got):\n%s", i, diff)
		}
		if sns.NumBits != c.numBits {
			t.Errorf("[%d] numBits got %d, want %d", i, sns.NumBits, c.numBits)
		}

		b := make([]byte, sns.wireLen())
		sns.put(binary.LittleEndian, b)
		out, n, err := seqNumSetFromBytes(binary.LittleEndian, b)
		if err != nil {
			t.Fatalf("[%d] decode: %v", i, err)
		}
		if n != len(b) {
			t.Errorf("[%d] consumed %d of %d", i, n, len(b))
		}
		if diff := cmp.Diff(sns, out); diff != "" {
			t.Errorf("[%d] wire roundtrip mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func TestSeqNumSetBitOrder(t *testing.T) {
	// bit 0 is the most significant bit of the first word
	sns := NewSeqNumSet(100)
	sns.Add(100)
	sns.Add(131)
	if sns.Bitmap[0] != 0x80000001 {
		t.Errorf("bitmap word 0: got 0x%08x", sns.Bitmap[0])
	}
}

func TestSeqNumSetTooLarge(t *testing.T) {
	b := make([]byte, 12)
	NewSeqNum(0, 1).put(binary.LittleEndian, b)
	binary.LittleEndian.PutUint32(b[8:], 257)
	if _, _, err := seqNumSetFromBytes(binary.LittleEndian, b); err == nil {
		t.Errorf("expected error for 257 bit set")
	}
}

func TestFragNumSet(t *testing.T) {
	fns := FragNumSet{Base: 2}
	for _, fn := range []uint32{1, 2, 5, 300} {
		fns.Add(fn)
	}
	var got []uint32
	fns.ForEach(func(fn uint32) { got = append(got, fn) })
	if diff := cmp.Diff([]uint32{2, 5}, got); diff != "" {
		t.Errorf("members mismatch (-want +got):\n%s", diff)
	}

	b := make([]byte, fns.wireLen())
	fns.put(binary.BigEndian, b)
	out, _, err := fragNumSetFromBytes(binary.BigEndian, b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(fns, out); diff != "" {
		t.Errorf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}
