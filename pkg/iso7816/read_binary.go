package iso7816

import (
	"fmt"

	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// READ BINARY COMMAND LOGIC (ISO 7816-4):
// The READ BINARY command reads a slice of a transparent Elementary File.
//
// INS 'B0' (even):
// - P1 b8 = 0: P1-P2 is a 15-bit offset into the current EF (max 0x7FFF).
// - P1 b8 = 1: P1 b5-b1 is a Short File Identifier, P2 is an 8-bit offset.
//
// INS 'B1' (odd):
// - P1-P2 = 0000 (current EF), the offset is sent as data object '54'.
// - The response data is wrapped in a discretionary data object '53'.
// Used for files larger than 32 KiB (e.g. DG2 with a high resolution portrait).

// MaxEvenOffset is the largest offset addressable with INS 'B0'.
const MaxEvenOffset = 0x7FFF

// ReadBinary reads ne bytes at offset in the current EF. Offsets beyond
// MaxEvenOffset switch to the odd instruction.
func ReadBinary(offset, ne int) (*CommandAPDU, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	if ne <= 0 {
		return nil, fmt.Errorf("invalid length %d", ne)
	}

	if offset <= MaxEvenOffset {
		return NewCommandAPDU(Plain, mustInstruction(INS_READ_BINARY),
			byte(offset>>8), byte(offset), nil, ne), nil
	}

	// Room for the '53' header in front of the requested bytes.
	odd := ne + 2 + len(tlv.EncodeLength(ne))
	if ne <= MaxShortLe && odd > MaxShortLe {
		odd = MaxShortLe
	}

	return NewCommandAPDU(Plain, mustInstruction(INS_READ_BINARY_BER),
		0x00, 0x00, tlv.Encode(0x54, offsetBytes(offset)), odd), nil
}

// ReadBinarySFI reads ne bytes at a one byte offset of the EF referenced by its short
// file identifier, which also makes it the current EF.
func ReadBinarySFI(sfi byte, offset byte, ne int) (*CommandAPDU, error) {
	if sfi == 0 || sfi > 30 {
		return nil, fmt.Errorf("invalid short file identifier %d", sfi)
	}
	if ne <= 0 {
		return nil, fmt.Errorf("invalid length %d", ne)
	}
	return NewCommandAPDU(Plain, mustInstruction(INS_READ_BINARY), 0x80|sfi, offset, nil, ne), nil
}

// ReadBinaryPayload returns the file bytes carried by a READ BINARY response,
// removing the '53' wrapper of the odd instruction.
func ReadBinaryPayload(ins InsCode, data []byte) ([]byte, error) {
	if ins != INS_READ_BINARY_BER {
		return data, nil
	}
	if len(data) == 0 {
		return nil, nil
	}

	obj, _, err := tlv.Next(data)
	if err != nil {
		return nil, fmt.Errorf("odd READ BINARY response: %w", err)
	}
	if obj.Tag != 0x53 {
		return nil, fmt.Errorf("odd READ BINARY response: unexpected tag %X", obj.Tag)
	}
	return obj.Value, nil
}

// ReadBinaryOffset decodes the offset of a READ BINARY command (card side).
func ReadBinaryOffset(cmd *CommandAPDU) (offset int, sfi byte, err error) {
	switch cmd.Instruction.Raw {
	case INS_READ_BINARY:
		if cmd.P1&0x80 != 0 {
			return int(cmd.P2), cmd.P1 & 0x1F, nil
		}
		return int(cmd.P1)<<8 | int(cmd.P2), 0, nil
	case INS_READ_BINARY_BER:
		value, err := tlv.GetValue(cmd.Data, 0x54)
		if err != nil {
			return 0, 0, err
		}
		for _, b := range value {
			offset = offset<<8 | int(b)
		}
		return offset, 0, nil
	default:
		return 0, 0, fmt.Errorf("%s is not READ BINARY", cmd.Instruction.Raw)
	}
}

func offsetBytes(offset int) []byte {
	switch {
	case offset <= 0xFF:
		return []byte{byte(offset)}
	case offset <= 0xFFFF:
		return []byte{byte(offset >> 8), byte(offset)}
	default:
		return []byte{byte(offset >> 16), byte(offset >> 8), byte(offset)}
	}
}
