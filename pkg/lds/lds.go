// Package lds decodes the Logical Data Structure of an eMRTD (ICAO 9303-10): the
// file identifiers of the eMRTD application, EF.COM, the data groups, EF.ATR/INFO and
// the Document Security Object in EF.SOD.
package lds

import "fmt"

// AID of the eMRTD application.
var AID = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}

// File identifiers. EF.CardAccess and EF.ATR/INFO live in the master file, the others
// in the eMRTD application.
const (
	FIDCardAccess uint16 = 0x011C
	FIDATRInfo    uint16 = 0x2F01
	FIDCOM        uint16 = 0x011E
	FIDSOD        uint16 = 0x011D
)

// File tags.
const (
	TagCOM uint32 = 0x60
	TagSOD uint32 = 0x77
)

// DataGroupNumber is the number of a data group, 1 to 16.
type DataGroupNumber int

// dgTags maps a data group number to the tag of its file (ICAO 9303-10 §4.6.1).
var dgTags = [17]byte{
	0,
	0x61, 0x75, 0x63, 0x76, 0x65, 0x66, 0x67, 0x68,
	0x69, 0x6A, 0x6B, 0x6C, 0x6D, 0x6E, 0x6F, 0x70,
}

// Valid reports whether n names a data group.
func (n DataGroupNumber) Valid() bool {
	return n >= 1 && n <= 16
}

// FID returns the file identifier, 0101 to 0110.
func (n DataGroupNumber) FID() uint16 {
	return 0x0100 + uint16(n)
}

// Tag returns the tag that starts the data group file.
func (n DataGroupNumber) Tag() uint32 {
	if !n.Valid() {
		return 0
	}
	return uint32(dgTags[n])
}

func (n DataGroupNumber) String() string {
	return fmt.Sprintf("DG%d", int(n))
}

// DataGroupByTag returns the data group whose file starts with tag.
func DataGroupByTag(tag uint32) (DataGroupNumber, bool) {
	for n := DataGroupNumber(1); n <= 16; n++ {
		if uint32(dgTags[n]) == tag {
			return n, true
		}
	}
	return 0, false
}

// DataGroupByFID returns the data group stored under fid.
func DataGroupByFID(fid uint16) (DataGroupNumber, bool) {
	n := DataGroupNumber(int(fid) - 0x0100)
	return n, n.Valid()
}

// FileName names an elementary file for logs and errors.
func FileName(fid uint16) string {
	switch fid {
	case FIDCardAccess:
		return "EF.CardAccess"
	case FIDATRInfo:
		return "EF.ATR/INFO"
	case FIDCOM:
		return "EF.COM"
	case FIDSOD:
		return "EF.SOD"
	}
	if n, ok := DataGroupByFID(fid); ok {
		return "EF." + n.String()
	}
	return fmt.Sprintf("EF %04X", fid)
}
