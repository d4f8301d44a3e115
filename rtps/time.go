package rtps

import (
	"encoding/binary"
	"math"
	"time"
)

// RTPS 9.3.2:
// The representation of the time is the one defined by the IETF Network Time Protocol (NTP) Standard (IETF RFC 1305).
// In this representation, time is expressed in seconds and fraction of seconds using the formula:
//    time = seconds + (fraction / 2^(32))
// The time origin is represented by the reserved value TIME_ZERO and corresponds to the Unix prime epoch 0h, 1 January 1970.
//
// Duration_t uses the same seconds + fraction layout.

const (
	nanosPerSec = 1e9

	// DurationInfinite is how an infinite lease or blocking time is held in memory.
	DurationInfinite = time.Duration(math.MaxInt64)
)

var (
	TimeZero     = time.Unix(0, 0)
	TimeInvalid  = time.Unix(-1, 0xffffffff)
	TimeInfinite = time.Unix(0x7fffffff, 0xffffffff)
)

func TimeFromBytes(order binary.ByteOrder, b []byte) (time.Time, error) {
	if len(b) < 8 {
		return TimeInvalid, ErrShortBuffer
	}

	sec := int64(int32(order.Uint32(b[0:])))
	frac := int64(order.Uint32(b[4:]))
	return time.Unix(sec, (frac*nanosPerSec)>>32).UTC(), nil
}

func TimeToBytes(t time.Time, order binary.ByteOrder) []byte {
	b := make([]byte, 8)
	putTime(t, order, b)
	return b
}

func putTime(t time.Time, order binary.ByteOrder, b []byte) {
	sec := uint32(t.Unix())
	frac := uint32((nanosPerSec - 1 + (int64(t.Nanosecond()) << 32)) / nanosPerSec)
	order.PutUint32(b[0:], sec)
	order.PutUint32(b[4:], frac)
}

func DurationToBytes(d time.Duration, order binary.ByteOrder) []byte {
	buf := make([]byte, 8)
	if d == DurationInfinite {
		order.PutUint32(buf, 0x7fffffff)
		order.PutUint32(buf[4:], 0xffffffff)
		return buf
	}
	nsec := d.Nanoseconds()
	frac := ((nsec % nanosPerSec) << 32) / nanosPerSec
	order.PutUint32(buf, uint32(nsec/nanosPerSec))
	order.PutUint32(buf[4:], uint32(frac))
	return buf
}

func DurationFromBytes(order binary.ByteOrder, b []byte) (time.Duration, error) {
	if len(b) < 8 {
		return time.Duration(0), ErrShortBuffer
	}

	sec := order.Uint32(b[0:])
	frac := order.Uint32(b[4:])
	if sec == 0x7fffffff && frac == 0xffffffff {
		return DurationInfinite, nil
	}
	nsec := (int64(frac)*nanosPerSec + (1<<32 - 1)) >> 32

	return time.Duration(int64(sec)*nanosPerSec + nsec), nil
}
