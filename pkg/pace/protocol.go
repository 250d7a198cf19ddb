package pace

import (
	"crypto/subtle"
	"encoding/asn1"
	"io"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"

	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// Dynamic authentication data objects (inside tag 7C).
const (
	tagDynamicAuthData = "7C"
	tagEncryptedNonce  = "80"
	tagMappingIFD      = "81"
	tagMappingIC       = "82"
	tagEphemeralIFD    = "83"
	tagEphemeralIC     = "84"
	tagTokenIFD        = "85"
	tagTokenIC         = "86"
	tagPublicKey       = "7F49"
	tagPublicKeyOID    = "06"
	tagDHPublicValue   = "84"
	tagECPoint         = "86"
)

// MSE:Set AT control reference templates.
const (
	crtProtocol     uint32 = 0x80
	crtPassword     uint32 = 0x83
	crtDomainParams uint32 = 0x84
	passwordMRZ     byte   = 0x01
)

// authData is the content of a GENERAL AUTHENTICATE response.
type authData struct {
	Objects struct {
		EncryptedNonce []byte `tlv:"80"`
		MappingIC      []byte `tlv:"82"`
		EphemeralIC    []byte `tlv:"84"`
		TokenIC        []byte `tlv:"86"`
	} `tlv:"7C"`
}

func parseAuthData(data []byte) (*authData, error) {
	var out authData
	if err := tlv.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "dynamic authentication data")
	}
	return &out, nil
}

// encodeAuthData wraps one data object in tag 7C.
func encodeAuthData(tag string, value []byte) ([]byte, error) {
	return bertlv.Encode([]bertlv.TLV{{
		Tag:  tagDynamicAuthData,
		TLVs: []bertlv.TLV{{Tag: tag, Value: value}},
	}})
}

// group is the Diffie-Hellman group of the domain parameters. Elements are passed in
// their wire encoding.
type group interface {
	publicKeyTag() string
	generator() []byte
	generateKey(rand io.Reader, generator []byte) (priv, pub []byte, err error)
	// agree checks peer and returns priv applied to it.
	agree(priv, peer []byte) ([]byte, error)
	mapGenerator(nonce, shared []byte) ([]byte, error)
	// secret is the key derivation input of a shared element.
	secret(shared []byte) ([]byte, error)
}

// params are the resolved parameters of a supported PACEInfo.
type params struct {
	info Info
	grp  group
	alg  sm.Algorithm
}

func resolve(info Info) (*params, error) {
	if info.Mapping() != GenericMapping {
		return nil, errors.Errorf("%s mapping is not supported", info.Mapping())
	}
	alg, err := info.Cipher()
	if err != nil {
		return nil, err
	}
	if !info.HasParameterID {
		return nil, errors.New("PACEInfo without standardized domain parameters")
	}

	var grp group
	switch info.KeyAgreement() {
	case ECDH:
		curve, err := StandardCurve(info.ParameterID)
		if err != nil {
			return nil, err
		}
		grp = ecGroup{curve: curve}
	case DH:
		modp, err := standardGroup(info.ParameterID)
		if err != nil {
			return nil, err
		}
		grp = modp
	default:
		return nil, errors.Errorf("%s key agreement is not supported", info.KeyAgreement())
	}
	return &params{info: info, grp: grp, alg: alg}, nil
}

// passwordKey derives Kπ from the MRZ: KDF(SHA-1(MRZ information), 3).
func (p *params) passwordKey(key mrz.Key) ([]byte, error) {
	return sm.DeriveKey(p.alg, key.Seed(), sm.CounterPACE)
}

// mseData builds the CRTs of MSE:Set AT.
func (p *params) mseData() ([]byte, error) {
	oid, err := oidContent(p.info.Protocol)
	if err != nil {
		return nil, err
	}
	data := tlv.Encode(crtProtocol, oid)
	data = append(data, tlv.Encode(crtPassword, []byte{passwordMRZ})...)
	if p.info.HasParameterID {
		data = append(data, tlv.Encode(crtDomainParams, []byte{byte(p.info.ParameterID)})...)
	}
	return data, nil
}

// sessionKeys derives KSenc and KSmac from the shared secret.
func (p *params) sessionKeys(shared []byte) (enc, mac []byte, err error) {
	secret, err := p.grp.secret(shared)
	if err != nil {
		return nil, nil, err
	}
	return sm.SessionKeys(p.alg, secret)
}

// token computes the authentication token over the peer's ephemeral public key.
func (p *params) token(macKey []byte, peer []byte) ([]byte, error) {
	oid, err := oidContent(p.info.Protocol)
	if err != nil {
		return nil, err
	}
	data, err := bertlv.Encode([]bertlv.TLV{{
		Tag: tagPublicKey,
		TLVs: []bertlv.TLV{
			{Tag: tagPublicKeyOID, Value: oid},
			{Tag: p.grp.publicKeyTag(), Value: peer},
		},
	}})
	if err != nil {
		return nil, errors.Wrap(err, "encode public key data object")
	}
	if p.alg == sm.TripleDES {
		data = sm.Pad(data, p.alg.BlockSize())
	}
	return sm.MAC(p.alg, macKey, data)
}

func (p *params) newSession(enc, mac []byte) (*sm.Session, error) {
	return sm.NewSession(p.alg, enc, mac, make([]byte, p.alg.BlockSize()))
}

func equalToken(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// oidContent returns the content octets of the DER encoding of oid.
func oidContent(oid asn1.ObjectIdentifier) ([]byte, error) {
	der, err := asn1.Marshal(oid)
	if err != nil {
		return nil, errors.Wrap(err, "encode protocol identifier")
	}
	obj, _, err := tlv.Next(der)
	if err != nil {
		return nil, err
	}
	return obj.Value, nil
}
