package tlv

import (
	"errors"
	"fmt"
)

// RAW SCANNING:
// The reflection based Unmarshal works on decoded packets and loses the exact encoding
// of each object. Secure Messaging MACs and SOD digests are computed over the bytes as
// they were received, so this file offers a minimal scanner that keeps them.
//
// Tag:    1 to 4 bytes. If b5-b1 of the first byte are all set, further bytes follow
//         while their b8 is set.
// Length: short form (< 0x80) or long form 0x81..0x84 followed by 1 to 4 bytes.
//         The indefinite form (0x80) is not allowed in ICAO 9303 files.

// ErrTruncated is returned when the input ends before the announced length.
var ErrTruncated = errors.New("tlv: truncated data object")

// Object is a single data object with its exact encoding.
type Object struct {
	Tag   uint32
	Value []byte
	Raw   []byte // tag + length + value as found in the input
}

// IsConstructed reports whether b6 of the first tag byte is set.
func (o Object) IsConstructed() bool {
	return IsConstructed(o.Tag)
}

// IsConstructed reports whether the tag denotes a constructed object.
func IsConstructed(tag uint32) bool {
	first := TagBytes(tag)[0]
	return first&0x20 != 0
}

// ParseHeader decodes the tag and length at the start of data. It does not require
// the value to be present, which lets callers learn a file size from its first bytes.
func ParseHeader(data []byte) (tag uint32, length int, headerLen int, err error) {
	if len(data) == 0 {
		return 0, 0, 0, ErrTruncated
	}

	pos := 0
	tag = uint32(data[pos])
	pos++

	if data[0]&0x1F == 0x1F {
		for {
			if pos >= len(data) {
				return 0, 0, 0, ErrTruncated
			}
			if pos > 3 {
				return 0, 0, 0, fmt.Errorf("tlv: tag longer than 4 bytes")
			}
			b := data[pos]
			tag = tag<<8 | uint32(b)
			pos++
			if b&0x80 == 0 {
				break
			}
		}
	}

	if pos >= len(data) {
		return 0, 0, 0, ErrTruncated
	}

	first := data[pos]
	pos++

	switch {
	case first < 0x80:
		length = int(first)
	case first == 0x80:
		return 0, 0, 0, fmt.Errorf("tlv: indefinite length not supported")
	case first <= 0x84:
		n := int(first & 0x7F)
		if pos+n > len(data) {
			return 0, 0, 0, ErrTruncated
		}
		for i := 0; i < n; i++ {
			length = length<<8 | int(data[pos+i])
		}
		pos += n
	default:
		return 0, 0, 0, fmt.Errorf("tlv: invalid length byte %02X", first)
	}

	return tag, length, pos, nil
}

// Next decodes the first object of data and returns it with the remaining bytes.
func Next(data []byte) (Object, []byte, error) {
	tag, length, hl, err := ParseHeader(data)
	if err != nil {
		return Object{}, nil, err
	}
	if hl+length > len(data) {
		return Object{}, nil, ErrTruncated
	}

	end := hl + length
	return Object{
		Tag:   tag,
		Value: data[hl:end],
		Raw:   data[:end],
	}, data[end:], nil
}

// Split decodes a concatenation of data objects.
func Split(data []byte) ([]Object, error) {
	var objects []Object
	for len(data) > 0 {
		obj, rest, err := Next(data)
		if err != nil {
			return nil, err
		}
		objects = append(objects, obj)
		data = rest
	}
	return objects, nil
}

// Find returns the first object with the given tag, or nil.
func Find(objects []Object, tag uint32) *Object {
	for i := range objects {
		if objects[i].Tag == tag {
			return &objects[i]
		}
	}
	return nil
}

// TagBytes returns the big-endian encoding of a tag without leading zero bytes.
func TagBytes(tag uint32) []byte {
	switch {
	case tag > 0xFFFFFF:
		return []byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFF:
		return []byte{byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag)}
	}
}

// EncodeLength returns the DER (minimal) encoding of a length.
func EncodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	case n <= 0xFFFFFF:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	default:
		return []byte{0x84, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// Encode builds a single data object.
func Encode(tag uint32, value []byte) []byte {
	out := append(TagBytes(tag), EncodeLength(len(value))...)
	return append(out, value...)
}
