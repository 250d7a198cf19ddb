package iso7816

import (
	"fmt"
)

// SELECT (INS A4) AS USED BY AN eMRTD READER:
//
//	00 A4 00 0C 02 3F00              MF, home of EF.CardAccess and EF.ATR/INFO
//	00 A4 04 0C 07 A0000002471001    eMRTD application, by DF name
//	00 A4 02 0C 02 011E              EF under the current DF, by file identifier
//
// P2 is always 0C: first or only occurrence, no response data. LDS files carry
// their length in their own TLV header, so the FCP/FCI templates are never asked for.

// SelectionMethod is the P1 of SELECT.
type SelectionMethod byte

const (
	SelectByFileID         SelectionMethod = 0x00
	SelectEFUnderCurrentDF SelectionMethod = 0x02
	SelectByDFName         SelectionMethod = 0x04
)

// selectNoResponseData is P2: first occurrence, no FCI/FCP/FMD returned.
const selectNoResponseData = 0x0C

func (s SelectionMethod) String() string {
	switch s {
	case SelectByFileID:
		return "by file identifier"
	case SelectEFUnderCurrentDF:
		return "EF under current DF"
	case SelectByDFName:
		return "by DF name"
	default:
		return fmt.Sprintf("method %02X", byte(s))
	}
}

// NewSelectCommand builds a case 3 SELECT without response data.
func NewSelectCommand(method SelectionMethod, data []byte) *CommandAPDU {
	return NewCommandAPDU(Plain, mustInstruction(INS_SELECT), byte(method), selectNoResponseData, data, 0)
}

// SelectApplication selects an application by its AID.
func SelectApplication(aid []byte) *CommandAPDU {
	return NewSelectCommand(SelectByDFName, aid)
}

// SelectFile selects an elementary file of the current DF by its identifier.
func SelectFile(fid uint16) *CommandAPDU {
	return NewSelectCommand(SelectEFUnderCurrentDF, []byte{byte(fid >> 8), byte(fid)})
}

// SelectMasterFile selects the MF.
func SelectMasterFile() *CommandAPDU {
	return NewSelectCommand(SelectByFileID, []byte{0x3F, 0x00})
}
