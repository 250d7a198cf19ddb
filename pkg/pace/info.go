package pace

import (
	"encoding/asn1"
	"fmt"

	"github.com/gregLibert/mrtd-reader/pkg/sm"
)

// PACE PROTOCOL IDENTIFIERS (BSI TR-03110 / ICAO 9303-11 §9.2.3):
//
//	id-PACE                 0.4.0.127.0.7.2.2.4
//	id-PACE-DH-GM           id-PACE.1
//	id-PACE-ECDH-GM         id-PACE.2
//	id-PACE-DH-IM           id-PACE.3
//	id-PACE-ECDH-IM         id-PACE.4
//	id-PACE-ECDH-CAM        id-PACE.6
//
// The last arc selects the cipher: 1 3DES-CBC-CBC, 2 AES-CBC-CMAC-128,
// 3 AES-CBC-CMAC-192, 4 AES-CBC-CMAC-256.

var oidPACE = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 4}

// Mapping is the nonce mapping of a PACE variant.
type Mapping int

const (
	MappingUnknown Mapping = iota
	GenericMapping
	IntegratedMapping
	ChipAuthenticationMapping
)

func (m Mapping) String() string {
	switch m {
	case GenericMapping:
		return "GM"
	case IntegratedMapping:
		return "IM"
	case ChipAuthenticationMapping:
		return "CAM"
	default:
		return "unknown"
	}
}

// KeyAgreement is the Diffie-Hellman flavour of a PACE variant.
type KeyAgreement int

const (
	KeyAgreementUnknown KeyAgreement = iota
	DH
	ECDH
)

func (k KeyAgreement) String() string {
	switch k {
	case DH:
		return "DH"
	case ECDH:
		return "ECDH"
	default:
		return "unknown"
	}
}

// Info is a PACEInfo found in EF.CardAccess.
type Info struct {
	Protocol    asn1.ObjectIdentifier
	Version     int
	ParameterID int
	// HasParameterID is false when the optional parameterId was absent.
	HasParameterID bool
}

// IsPACE reports whether oid is one of the id-PACE-* protocols.
func IsPACE(oid asn1.ObjectIdentifier) bool {
	return len(oid) == len(oidPACE)+2 && oid[:len(oidPACE)].Equal(oidPACE)
}

// ProtocolOID builds the identifier of a PACE variant.
func ProtocolOID(ka KeyAgreement, m Mapping, alg sm.Algorithm) (asn1.ObjectIdentifier, error) {
	var variant int
	switch {
	case ka == DH && m == GenericMapping:
		variant = 1
	case ka == ECDH && m == GenericMapping:
		variant = 2
	case ka == DH && m == IntegratedMapping:
		variant = 3
	case ka == ECDH && m == IntegratedMapping:
		variant = 4
	case ka == ECDH && m == ChipAuthenticationMapping:
		variant = 6
	default:
		return nil, fmt.Errorf("no PACE protocol for %s-%s", ka, m)
	}

	cipher := int(alg)
	if alg < sm.TripleDES || alg > sm.AES256 {
		return nil, fmt.Errorf("no PACE protocol for %s", alg)
	}

	oid := append(asn1.ObjectIdentifier{}, oidPACE...)
	return append(oid, variant, cipher), nil
}

func (i Info) variant() int {
	if !IsPACE(i.Protocol) {
		return 0
	}
	return i.Protocol[len(oidPACE)]
}

// Mapping returns the nonce mapping of the protocol.
func (i Info) Mapping() Mapping {
	switch i.variant() {
	case 1, 2:
		return GenericMapping
	case 3, 4:
		return IntegratedMapping
	case 6:
		return ChipAuthenticationMapping
	default:
		return MappingUnknown
	}
}

// KeyAgreement returns the Diffie-Hellman flavour of the protocol.
func (i Info) KeyAgreement() KeyAgreement {
	switch i.variant() {
	case 1, 3:
		return DH
	case 2, 4, 6:
		return ECDH
	default:
		return KeyAgreementUnknown
	}
}

// Cipher returns the secure messaging algorithm the protocol establishes.
func (i Info) Cipher() (sm.Algorithm, error) {
	if !IsPACE(i.Protocol) {
		return 0, fmt.Errorf("%s is not a PACE protocol", i.Protocol)
	}
	switch alg := sm.Algorithm(i.Protocol[len(oidPACE)+1]); alg {
	case sm.TripleDES, sm.AES128, sm.AES192, sm.AES256:
		return alg, nil
	default:
		return 0, fmt.Errorf("unknown PACE cipher arc %d", int(alg))
	}
}

// Supported reports whether Authenticate can run this variant: the generic mapping
// with ECDH over a standardized curve or DH over a standardized MODP group.
func (i Info) Supported() bool {
	_, err := resolve(i)
	return err == nil
}

func (i Info) String() string {
	alg, _ := i.Cipher()
	return fmt.Sprintf("PACE-%s-%s-%s (param %d)", i.KeyAgreement(), i.Mapping(), alg, i.ParameterID)
}
