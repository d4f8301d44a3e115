package rtps

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	MaxSeqNum = 0x7fffffffffffffff

	// MaxSetBits is the largest bitmap a SequenceNumberSet or
	// FragmentNumberSet may carry on the wire.
	MaxSetBits  = 256
	maxSetWords = MaxSetBits / 32
)

var (
	SeqNumUnknown = NewSeqNum(-1, 0)
)

// SeqNum is the 64 bit sequence number of a change. On the wire it is
// split into a signed high word and an unsigned low word.
type SeqNum int64

func NewSeqNum(hi int32, lo uint32) SeqNum {
	return SeqNum(int64(hi)<<32 | int64(lo))
}

func (sn SeqNum) High() int32 {
	return int32(int64(sn) >> 32)
}

func (sn SeqNum) Low() uint32 {
	return uint32(sn)
}

func (sn SeqNum) put(bin binary.ByteOrder, b []byte) {
	bin.PutUint32(b[0:], uint32(sn.High()))
	bin.PutUint32(b[4:], sn.Low())
}

func seqNumFromBytes(bin binary.ByteOrder, b []byte) SeqNum {
	return NewSeqNum(int32(bin.Uint32(b[0:])), bin.Uint32(b[4:]))
}

// SeqNumSet is a base sequence number plus a bitmap of up to 256
// following numbers. Bit i set means base+i is in the set.
type SeqNumSet struct {
	Base    SeqNum // first sequence number in the set
	NumBits uint32 // total bit count
	Bitmap  [maxSetWords]uint32
}

func NewSeqNumSet(base SeqNum) SeqNumSet {
	return SeqNumSet{Base: base}
}

func (sns *SeqNumSet) Valid() bool {
	if sns.Base <= 0 {
		return false
	}
	return sns.NumBits <= MaxSetBits
}

func (sns *SeqNumSet) BitMapWords() int {
	return int((sns.NumBits + 31) / 32)
}

// Add puts sn into the set. It reports false if sn falls outside the
// window [Base, Base+256).
func (sns *SeqNumSet) Add(sn SeqNum) bool {
	if sn < sns.Base || sn >= sns.Base+MaxSetBits {
		return false
	}
	off := uint32(sn - sns.Base)
	sns.Bitmap[off/32] |= 1 << (31 - off%32)
	if off+1 > sns.NumBits {
		sns.NumBits = off + 1
	}
	return true
}

func (sns *SeqNumSet) Contains(sn SeqNum) bool {
	if sn < sns.Base || sn >= sns.Base+SeqNum(sns.NumBits) {
		return false
	}
	off := uint32(sn - sns.Base)
	return sns.Bitmap[off/32]&(1<<(31-off%32)) != 0
}

func (sns *SeqNumSet) Empty() bool {
	for i := 0; i < sns.BitMapWords(); i++ {
		if sns.Bitmap[i] != 0 {
			return false
		}
	}
	return true
}

// Last is the highest number the bitmap can represent.
func (sns *SeqNumSet) Last() SeqNum {
	if sns.NumBits == 0 {
		return sns.Base - 1
	}
	return sns.Base + SeqNum(sns.NumBits) - 1
}

// ForEach calls fn for every member in ascending order.
func (sns *SeqNumSet) ForEach(fn func(SeqNum)) {
	for off := uint32(0); off < sns.NumBits; off++ {
		if sns.Bitmap[off/32]&(1<<(31-off%32)) != 0 {
			fn(sns.Base + SeqNum(off))
		}
	}
}

func (sns *SeqNumSet) Members() []SeqNum {
	var out []SeqNum
	sns.ForEach(func(sn SeqNum) { out = append(out, sn) })
	return out
}

func (sns SeqNumSet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d:[", sns.Base)
	first := true
	sns.ForEach(func(sn SeqNum) {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&sb, "%d", sn)
	})
	sb.WriteByte(']')
	return sb.String()
}

func (sns *SeqNumSet) wireLen() int {
	return 12 + 4*sns.BitMapWords()
}

func (sns *SeqNumSet) put(bin binary.ByteOrder, b []byte) {
	sns.Base.put(bin, b)
	bin.PutUint32(b[8:], sns.NumBits)
	for i := 0; i < sns.BitMapWords(); i++ {
		bin.PutUint32(b[12+i*4:], sns.Bitmap[i])
	}
}

func seqNumSetFromBytes(bin binary.ByteOrder, b []byte) (SeqNumSet, int, error) {
	if len(b) < 12 {
		return SeqNumSet{}, 0, ErrShortBuffer
	}
	sns := SeqNumSet{
		Base:    seqNumFromBytes(bin, b),
		NumBits: bin.Uint32(b[8:]),
	}
	if sns.NumBits > MaxSetBits {
		return SeqNumSet{}, 0, fmt.Errorf("sequence number set with %d bits: %w", sns.NumBits, ErrMalformed)
	}
	n := sns.wireLen()
	if len(b) < n {
		return SeqNumSet{}, 0, ErrShortBuffer
	}
	for i := 0; i < sns.BitMapWords(); i++ {
		sns.Bitmap[i] = bin.Uint32(b[12+i*4:])
	}
	return sns, n, nil
}

// FragNumSet is the fragment-number analogue of SeqNumSet, used by
// NACK_FRAG. Fragment numbers start at 1.
type FragNumSet struct {
	Base    uint32
	NumBits uint32
	Bitmap  [maxSetWords]uint32
}

func (fns *FragNumSet) Add(fn uint32) bool {
	if fn < fns.Base || fn >= fns.Base+MaxSetBits {
		return false
	}
	off := fn - fns.Base
	fns.Bitmap[off/32] |= 1 << (31 - off%32)
	if off+1 > fns.NumBits {
		fns.NumBits = off + 1
	}
	return true
}

func (fns *FragNumSet) ForEach(fn func(uint32)) {
	for off := uint32(0); off < fns.NumBits; off++ {
		if fns.Bitmap[off/32]&(1<<(31-off%32)) != 0 {
			fn(fns.Base + off)
		}
	}
}

func (fns *FragNumSet) words() int {
	return int((fns.NumBits + 31) / 32)
}

func (fns *FragNumSet) wireLen() int {
	return 8 + 4*fns.words()
}

func (fns *FragNumSet) put(bin binary.ByteOrder, b []byte) {
	bin.PutUint32(b[0:], fns.Base)
	bin.PutUint32(b[4:], fns.NumBits)
	for i := 0; i < fns.words(); i++ {
		bin.PutUint32(b[8+i*4:], fns.Bitmap[i])
	}
}

func fragNumSetFromBytes(bin binary.ByteOrder, b []byte) (FragNumSet, int, error) {
	if len(b) < 8 {
		return FragNumSet{}, 0, ErrShortBuffer
	}
	fns := FragNumSet{
		Base:    bin.Uint32(b[0:]),
		NumBits: bin.Uint32(b[4:]),
	}
	if fns.NumBits > MaxSetBits || fns.Base == 0 {
		return FragNumSet{}, 0, ErrMalformed
	}
	n := fns.wireLen()
	if len(b) < n {
		return FragNumSet{}, 0, ErrShortBuffer
	}
	for i := 0; i < fns.words(); i++ {
		fns.Bitmap[i] = bin.Uint32(b[8+i*4:])
	}
	return fns, n, nil
}
