package iso7816

// AUTHENTICATION COMMANDS (ISO 7816-4, used by ICAO 9303 access control):
//
// GET CHALLENGE         00 84 00 00 08            -> 8 byte nonce (BAC RND.IC)
// EXTERNAL AUTHENTICATE 00 82 00 00 28 <E||M> 28  -> chip cryptogram (BAC)
// MSE:SET AT            00 22 C1 A4 <CRTs>        -> selects the PACE protocol and password
// GENERAL AUTHENTICATE  x0 86 00 00 <7C ...> 00   -> one PACE step. Every step but the
//                                                    last is sent with the chaining bit
//                                                    (CLA 10).

// Lengths used by the BAC mutual authentication.
const (
	ChallengeLength  = 8
	CryptogramLength = 0x28
)

// MSE:Set AT P1-P2: set for mutual authentication, authentication template.
const (
	mseSetATP1 = 0xC1
	mseSetATP2 = 0xA4
)

// GetChallenge requests a nonce of the given length from the chip.
func GetChallenge(length int) *CommandAPDU {
	return NewCommandAPDU(Plain, mustInstruction(INS_GET_CHALLENGE), 0x00, 0x00, nil, length)
}

// ExternalAuthenticate sends the terminal cryptogram and expects ne bytes back.
func ExternalAuthenticate(data []byte, ne int) *CommandAPDU {
	return NewCommandAPDU(Plain, mustInstruction(INS_EXTERNAL_AUTHENTICATE), 0x00, 0x00, data, ne)
}

// MSESetAT builds MANAGE SECURITY ENVIRONMENT: Set Authentication Template with the
// given control reference templates (e.g. 80 OID, 83 password ref, 84 domain params).
func MSESetAT(crt []byte) *CommandAPDU {
	return NewCommandAPDU(Plain, mustInstruction(INS_MANAGE_SECURITY_ENVIRONMENT), mseSetATP1, mseSetATP2, crt, 0)
}

// GeneralAuthenticate builds one step of a GENERAL AUTHENTICATE chain. data is the
// complete dynamic authentication data object (tag 7C).
func GeneralAuthenticate(data []byte, last bool) *CommandAPDU {
	return NewCommandAPDU(Plain.WithChaining(!last), mustInstruction(INS_GENERAL_AUTHENTICATE),
		0x00, 0x00, data, MaxShortLe)
}
