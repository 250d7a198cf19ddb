package pace

import (
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// EF.CardAccess (ICAO 9303-11 §9.2.11):
//
//	SecurityInfos ::= SET OF SecurityInfo
//	SecurityInfo  ::= SEQUENCE {
//	    protocol     OBJECT IDENTIFIER,
//	    requiredData ANY DEFINED BY protocol,
//	    optionalData ANY DEFINED BY protocol OPTIONAL }
//	PACEInfo      ::= SEQUENCE {
//	    protocol    OBJECT IDENTIFIER (id-PACE-*),
//	    version     INTEGER, -- MUST be 2
//	    parameterId INTEGER OPTIONAL }

// SecurityInfo is an entry of EF.CardAccess that is not a PACEInfo, kept as found.
type SecurityInfo struct {
	Protocol asn1.ObjectIdentifier
	Raw      []byte
}

// CardAccess is the decoded content of EF.CardAccess.
type CardAccess struct {
	PACE  []Info
	Other []SecurityInfo
}

// ParseCardAccess decodes EF.CardAccess.
func ParseCardAccess(data []byte) (*CardAccess, error) {
	input := cryptobyte.String(data)

	var set cryptobyte.String
	if !input.ReadASN1(&set, cbasn1.SET) {
		return nil, fmt.Errorf("card access: malformed SecurityInfos")
	}

	out := &CardAccess{}
	for !set.Empty() {
		var element cryptobyte.String
		if !set.ReadASN1Element(&element, cbasn1.SEQUENCE) {
			return nil, fmt.Errorf("card access: malformed SecurityInfo")
		}
		raw := []byte(element)

		var body cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !element.ReadASN1(&body, cbasn1.SEQUENCE) || !body.ReadASN1ObjectIdentifier(&oid) {
			return nil, fmt.Errorf("card access: SecurityInfo without protocol")
		}

		if !IsPACE(oid) {
			out.Other = append(out.Other, SecurityInfo{Protocol: oid, Raw: raw})
			continue
		}

		info, err := parsePACEInfo(oid, body)
		if err != nil {
			return nil, fmt.Errorf("card access: %s: %w", oid, err)
		}
		out.PACE = append(out.PACE, info)
	}

	return out, nil
}

func parsePACEInfo(oid asn1.ObjectIdentifier, body cryptobyte.String) (Info, error) {
	info := Info{Protocol: oid}

	var version int64
	if !body.ReadASN1Integer(&version) {
		return Info{}, fmt.Errorf("missing version")
	}
	info.Version = int(version)

	if body.PeekASN1Tag(cbasn1.INTEGER) {
		var id int64
		if !body.ReadASN1Integer(&id) {
			return Info{}, fmt.Errorf("malformed parameterId")
		}
		info.ParameterID = int(id)
		info.HasParameterID = true
	}

	return info, nil
}

// EncodeCardAccess builds the content of EF.CardAccess. Non PACE entries are copied
// verbatim.
func EncodeCardAccess(ca *CardAccess) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SET, func(b *cryptobyte.Builder) {
		for _, info := range ca.PACE {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(info.Protocol)
				b.AddASN1Int64(int64(info.Version))
				if info.HasParameterID {
					b.AddASN1Int64(int64(info.ParameterID))
				}
			})
		}
		for _, other := range ca.Other {
			b.AddBytes(other.Raw)
		}
	})
	return b.Bytes()
}

// Preferred returns the first PACEInfo that Authenticate can run.
func (ca *CardAccess) Preferred() (Info, bool) {
	for _, info := range ca.PACE {
		if info.Supported() {
			return info, true
		}
	}
	return Info{}, false
}
