package iso7816

import (
	"fmt"

	"github.com/gregLibert/mrtd-reader/pkg/bits"
)

// CLASS BYTE (ISO/IEC 7816-4, first interindustry range 000x xxxx):
//
//	b8 b7   00           interindustry, first range (channels 0-3)
//	b5      chaining     1 = more commands of the chain follow
//	b4 b3   SM indicator 00 none, 01 proprietary, 10 ISO header not processed,
//	                     11 ISO header authenticated
//	b2 b1   logical channel
//
// An eMRTD inspection system never leaves the basic channel, so the classes seen on
// the wire are 00 (plain), 0C (Secure Messaging), 10 (chained PACE GENERAL
// AUTHENTICATE) and 1C. Proprietary (1xxx xxxx) and further interindustry
// (01xx xxxx) classes are rejected.

// SecureMessaging is the SM indicator of the class byte.
type SecureMessaging uint8

const (
	SMNone         SecureMessaging = 0b00
	SMProprietary  SecureMessaging = 0b01
	SMHeaderNoProc SecureMessaging = 0b10
	// SMHeaderAuth is what ICAO 9303 Secure Messaging announces: CLA 0C.
	SMHeaderAuth SecureMessaging = 0b11
)

func (s SecureMessaging) String() string {
	switch s {
	case SMNone:
		return "none"
	case SMProprietary:
		return "proprietary"
	case SMHeaderNoProc:
		return "ISO, header not processed"
	case SMHeaderAuth:
		return "ISO, header authenticated"
	default:
		return fmt.Sprintf("SM(%d)", uint8(s))
	}
}

// Class is a decoded class byte.
type Class struct {
	Raw             byte
	IsChained       bool
	SecureMessaging SecureMessaging
	Channel         uint8 // 0-3
}

// Plain is CLA 00: basic channel, no SM, last or only command.
var Plain = Class{}

// NewClass decodes a class byte of the first interindustry range.
func NewClass(cla byte) (Class, error) {
	switch {
	case cla == 0xFF:
		return Class{}, fmt.Errorf("invalid CLA FF: reserved for PPS")
	case bits.IsSet(cla, 8):
		return Class{}, fmt.Errorf("proprietary CLA %02X not supported", cla)
	case bits.IsSet(cla, 7):
		return Class{}, fmt.Errorf("further interindustry CLA %02X not supported", cla)
	case bits.IsSet(cla, 6):
		return Class{}, fmt.Errorf("reserved CLA %02X", cla)
	}

	return Class{
		Raw:             cla,
		IsChained:       bits.IsSet(cla, 5),
		SecureMessaging: SecureMessaging(bits.GetRange(cla, 4, 3)),
		Channel:         bits.GetRange(cla, 2, 1),
	}, nil
}

// Encode computes the class byte from the decoded fields.
func (c *Class) Encode() (byte, error) {
	if c.Channel > 3 {
		return 0, fmt.Errorf("logical channel %d outside the first interindustry range", c.Channel)
	}
	if c.SecureMessaging > SMHeaderAuth {
		return 0, fmt.Errorf("invalid SM indicator %d", c.SecureMessaging)
	}

	var cla byte
	if c.IsChained {
		cla = bits.Set(cla, 5)
	}
	cla = bits.SetRange(cla, 4, 3, byte(c.SecureMessaging))
	cla = bits.SetRange(cla, 2, 1, c.Channel)
	return cla, nil
}

// Protected returns a copy of c announcing Secure Messaging with an authenticated
// header (00 becomes 0C).
func (c Class) Protected() Class {
	out := c
	out.SecureMessaging = SMHeaderAuth
	out.Raw, _ = out.Encode()
	return out
}

// WithChaining returns a copy of c with the command chaining bit set or cleared.
func (c Class) WithChaining(more bool) Class {
	out := c
	out.IsChained = more
	out.Raw, _ = out.Encode()
	return out
}

// Verbose returns a one line description such as "CLA 1C: chained, SM ISO, header
// authenticated, channel 0".
func (c Class) Verbose() string {
	chain := "last or only"
	if c.IsChained {
		chain = "chained"
	}
	return fmt.Sprintf("CLA %02X: %s, SM %s, channel %d", c.Raw, chain, c.SecureMessaging, c.Channel)
}
