package verify

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/osanderson/brainpool"
)

// CERTIFICATE PARSING:
// Many document signer and CSCA certificates use brainpool curves, sometimes with
// explicit domain parameters instead of a named curve. crypto/x509 rejects both, so
// certificates are decoded here down to what verification needs: names, serial
// number, validity, subject key identifier, public key and the signed TBS bytes.
// Cert is set as well when crypto/x509 accepts the certificate, which enables full
// path building.

var (
	oidPublicKeyRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidPublicKeyRSAPSS = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	oidPublicKeyECDSA  = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	oidSubjectKeyID    = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidAuthorityKeyID  = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidPrimeField      = asn1.ObjectIdentifier{1, 2, 840, 10045, 1, 1}
	oidBrainpoolP192r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 3}
	oidBrainpoolP224r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 5}
	oidBrainpoolP256r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 7}
	oidBrainpoolP320r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 9}
	oidBrainpoolP384r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 11}
	oidBrainpoolP512r1 = asn1.ObjectIdentifier{1, 3, 36, 3, 3, 2, 8, 1, 1, 13}
	oidNamedCurveP224  = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	oidNamedCurveP256  = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	oidNamedCurveP384  = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	oidNamedCurveP521  = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

var (
	errUnsupportedKey    = errors.New("unsupported public key")
	errUnsupportedCurve  = errors.New("unsupported elliptic curve")
	errUnsupportedScheme = errors.New("unsupported signature algorithm")
)

var namedCurves = []struct {
	oid   asn1.ObjectIdentifier
	curve func() elliptic.Curve
}{
	{oidNamedCurveP224, elliptic.P224},
	{oidNamedCurveP256, elliptic.P256},
	{oidNamedCurveP384, elliptic.P384},
	{oidNamedCurveP521, elliptic.P521},
	{oidBrainpoolP192r1, brainpool.P192r1},
	{oidBrainpoolP224r1, brainpool.P224r1},
	{oidBrainpoolP256r1, brainpool.P256r1},
	{oidBrainpoolP320r1, brainpool.P320r1},
	{oidBrainpoolP384r1, brainpool.P384r1},
	{oidBrainpoolP512r1, brainpool.P512r1},
}

type certificate struct {
	TBS                asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
}

type tbsCertificate struct {
	Version            int `asn1:"optional,explicit,default:0,tag:0"`
	SerialNumber       *big.Int
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Issuer             asn1.RawValue
	Validity           validity
	Subject            asn1.RawValue
	PublicKey          publicKeyInfo
	IssuerUniqueID     asn1.BitString   `asn1:"optional,tag:1"`
	SubjectUniqueID    asn1.BitString   `asn1:"optional,tag:2"`
	Extensions         []pkix.Extension `asn1:"omitempty,optional,explicit,tag:3"`
}

type validity struct {
	NotBefore, NotAfter time.Time
}

type publicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// ecParameters is the explicit form of SEC 1 ECParameters.
type ecParameters struct {
	Version int
	FieldID struct {
		FieldType asn1.ObjectIdentifier
		Prime     *big.Int
	}
	Curve struct {
		A, B []byte
		Seed asn1.BitString `asn1:"optional"`
	}
	Base     []byte
	Order    *big.Int
	Cofactor *big.Int `asn1:"optional"`
}

// Certificate is an X.509 certificate reduced to what verification uses.
type Certificate struct {
	Raw            []byte
	RawTBS         []byte
	RawIssuer      []byte
	RawSubject     []byte
	SerialNumber   *big.Int
	NotBefore      time.Time
	NotAfter       time.Time
	SubjectKeyID   []byte
	AuthorityKeyID []byte
	PublicKey      crypto.PublicKey

	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte

	// Cert is the crypto/x509 view, nil when crypto/x509 cannot parse the certificate.
	Cert *x509.Certificate
}

// ParseCertificate decodes a DER certificate.
func ParseCertificate(der []byte) (*Certificate, error) {
	var cert certificate
	rest, err := asn1.Unmarshal(der, &cert)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("certificate: trailing data")
	}

	var tbs tbsCertificate
	if _, err := asn1.Unmarshal(cert.TBS.FullBytes, &tbs); err != nil {
		return nil, fmt.Errorf("certificate: tbsCertificate: %w", err)
	}

	pub, err := parsePublicKey(tbs.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}

	c := &Certificate{
		Raw:                der,
		RawTBS:             cert.TBS.FullBytes,
		RawIssuer:          tbs.Issuer.FullBytes,
		RawSubject:         tbs.Subject.FullBytes,
		SerialNumber:       tbs.SerialNumber,
		NotBefore:          tbs.Validity.NotBefore,
		NotAfter:           tbs.Validity.NotAfter,
		PublicKey:          pub,
		SignatureAlgorithm: cert.SignatureAlgorithm,
		Signature:          cert.Signature.RightAlign(),
	}
	for _, ext := range tbs.Extensions {
		switch {
		case ext.Id.Equal(oidSubjectKeyID):
			var ski []byte
			if _, err := asn1.Unmarshal(ext.Value, &ski); err == nil {
				c.SubjectKeyID = ski
			}
		case ext.Id.Equal(oidAuthorityKeyID):
			var aki struct {
				ID []byte `asn1:"optional,tag:0"`
			}
			if _, err := asn1.Unmarshal(ext.Value, &aki); err == nil {
				c.AuthorityKeyID = aki.ID
			}
		}
	}

	if x, err := x509.ParseCertificate(der); err == nil {
		c.Cert = x
	}
	return c, nil
}

// ValidAt reports whether t is within the validity period.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// Subject returns the subject as text, for reports.
func (c *Certificate) Subject() string {
	var name pkix.RDNSequence
	if _, err := asn1.Unmarshal(c.RawSubject, &name); err != nil {
		return fmt.Sprintf("%X", c.RawSubject)
	}
	return name.String()
}

// Issuer returns the issuer as text, for reports.
func (c *Certificate) Issuer() string {
	var name pkix.RDNSequence
	if _, err := asn1.Unmarshal(c.RawIssuer, &name); err != nil {
		return fmt.Sprintf("%X", c.RawIssuer)
	}
	return name.String()
}

// CheckSignatureFrom checks that parent signed c.
func (c *Certificate) CheckSignatureFrom(parent *Certificate) error {
	return verifySignature(parent.PublicKey, c.SignatureAlgorithm, nil, c.RawTBS, c.Signature)
}

// issuedBy reports whether c names parent as its issuer.
func (c *Certificate) issuedBy(parent *Certificate) bool {
	if !bytes.Equal(c.RawIssuer, parent.RawSubject) {
		return false
	}
	if len(c.AuthorityKeyID) > 0 && len(parent.SubjectKeyID) > 0 {
		return bytes.Equal(c.AuthorityKeyID, parent.SubjectKeyID)
	}
	return true
}

func parsePublicKey(spki publicKeyInfo) (crypto.PublicKey, error) {
	alg := spki.Algorithm.Algorithm
	bits := spki.PublicKey.RightAlign()

	switch {
	case alg.Equal(oidPublicKeyRSA), alg.Equal(oidPublicKeyRSAPSS):
		key, err := x509.ParsePKCS1PublicKey(bits)
		if err != nil {
			return nil, fmt.Errorf("RSA public key: %w", err)
		}
		return key, nil

	case alg.Equal(oidPublicKeyECDSA):
		curve, err := ecCurve(spki.Algorithm.Parameters.FullBytes)
		if err != nil {
			return nil, err
		}
		x, y := elliptic.Unmarshal(curve, bits)
		if x == nil {
			return nil, fmt.Errorf("EC public key: invalid point")
		}
		return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil

	default:
		return nil, fmt.Errorf("%w %s", errUnsupportedKey, alg)
	}
}

// ecCurve resolves named or explicit EC domain parameters.
func ecCurve(params []byte) (elliptic.Curve, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err == nil {
		for _, c := range namedCurves {
			if c.oid.Equal(oid) {
				return c.curve(), nil
			}
		}
		return nil, fmt.Errorf("%w %s", errUnsupportedCurve, oid)
	}

	var explicit ecParameters
	if _, err := asn1.Unmarshal(params, &explicit); err != nil {
		return nil, fmt.Errorf("EC parameters: %w", err)
	}
	if !explicit.FieldID.FieldType.Equal(oidPrimeField) || explicit.FieldID.Prime == nil || explicit.Order == nil {
		return nil, fmt.Errorf("%w: not a prime field", errUnsupportedCurve)
	}
	for _, c := range namedCurves {
		p := c.curve().Params()
		if p.P.Cmp(explicit.FieldID.Prime) == 0 && p.N.Cmp(explicit.Order) == 0 {
			return c.curve(), nil
		}
	}
	return nil, fmt.Errorf("%w: explicit parameters of %d bits", errUnsupportedCurve, explicit.FieldID.Prime.BitLen())
}
