package main

import (
	"encoding/binary"
	"errors"

	"github.com/liamstask/go-rtps/rtps"
)

// The CLI speaks the string message type ROS 2 uses, so it can talk to
// the usual demo talkers and listeners.
const stringTypeName = "std_msgs::msg::dds_::String_"

var errBadString = errors.New("malformed cdr string")

// encodeString serializes s as an encapsulated CDR string: a length that
// counts the terminating NUL, then the bytes.
func encodeString(s string) []byte {
	body := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(s)+1), uint32(len(s)+1))
	body = append(body, s...)
	body = append(body, 0)
	return rtps.Encapsulate(rtps.SCHEME_CDR_LE, body)
}

func decodeString(payload []byte) (string, error) {
	_, bin, body, err := rtps.Decapsulate(payload)
	if err != nil {
		return "", err
	}
	if len(body) < 4 {
		return "", errBadString
	}
	n := int(bin.Uint32(body))
	if n == 0 || n > len(body)-4 || body[4+n-1] != 0 {
		return "", errBadString
	}
	return string(body[4 : 4+n-1]), nil
}
