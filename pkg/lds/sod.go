package lds

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// DOCUMENT SECURITY OBJECT (ICAO 9303-10 §4.6.2):
// EF.SOD is tag 77 around a CMS ContentInfo of type signedData (RFC 5652). The
// encapsulated content is an LDSSecurityObject:
//
//	LDSSecurityObject ::= SEQUENCE {
//	    version             LDSSecurityObjectVersion,   -- v0 or v1
//	    hashAlgorithm       DigestAlgorithmIdentifier,
//	    dataGroupHashValues SEQUENCE SIZE (2..ub-DataGroups) OF DataGroupHash,
//	    ldsVersionInfo      LDSVersionInfo OPTIONAL }   -- v1 only
//	DataGroupHash ::= SEQUENCE {
//	    dataGroupNumber    DataGroupNumber,
//	    dataGroupHashValue OCTET STRING }
//
// The signer signs the DER encoding of the signed attributes as a SET, while the SOD
// carries them as [0] IMPLICIT. The exact received bytes are kept for that reason.

var (
	OIDSignedData        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDData              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDLDSSecurityObject = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	OIDContentType       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

var hashAlgorithms = []struct {
	oid  asn1.ObjectIdentifier
	hash crypto.Hash
}{
	{asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}, crypto.SHA1},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, crypto.SHA256},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}, crypto.SHA384},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}, crypto.SHA512},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}, crypto.SHA224},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 5}, crypto.SHA512_224},
	{asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 6}, crypto.SHA512_256},
}

// HashFunc maps a digest algorithm identifier to its hash function.
func HashFunc(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	for _, a := range hashAlgorithms {
		if a.oid.Equal(oid) {
			return a.hash, true
		}
	}
	return 0, false
}

// HashOID is the inverse of HashFunc.
func HashOID(h crypto.Hash) (asn1.ObjectIdentifier, bool) {
	for _, a := range hashAlgorithms {
		if a.hash == h {
			return a.oid, true
		}
	}
	return nil, false
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version                 int
	DigestAlgorithms        []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapsulatedContentInfo encapsulatedContentInfo
	Certificates            []asn1.RawValue `asn1:"optional,tag:0,set"`
	CRLs                    []asn1.RawValue `asn1:"optional,tag:1,set"`
	SignerInfos             []signerInfo    `asn1:"set"`
}

type encapsulatedContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// Attribute is a CMS attribute with its values still encoded.
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

type ldsSecurityObject struct {
	Version             int
	HashAlgorithm       pkix.AlgorithmIdentifier
	DataGroupHashValues []dataGroupHash
	LDSVersionInfo      ldsVersionInfo `asn1:"optional"`
}

type dataGroupHash struct {
	DataGroupNumber    int
	DataGroupHashValue []byte
}

type ldsVersionInfo struct {
	LDSVersion     string `asn1:"printable"`
	UnicodeVersion string `asn1:"printable"`
}

// SignerIdentifier names the document signer certificate, either by issuer and serial
// number or by subject key identifier.
type SignerIdentifier struct {
	Issuer       []byte // DER encoded Name
	SerialNumber *big.Int
	SubjectKeyID []byte
}

// SignerInfo is the single signer of an SOD.
type SignerInfo struct {
	Version            int
	SID                SignerIdentifier
	DigestAlgorithm    asn1.ObjectIdentifier
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	// SignedAttributes is the DER of the signed attributes re-tagged as a SET, which
	// is the input of the signature. It is nil when the signer has none.
	SignedAttributes []byte
	Attributes       []Attribute
}

// Attribute returns the values of the first attribute of type oid.
func (s *SignerInfo) Attribute(oid asn1.ObjectIdentifier) ([]asn1.RawValue, bool) {
	for _, a := range s.Attributes {
		if a.Type.Equal(oid) {
			return a.Values, true
		}
	}
	return nil, false
}

// MessageDigest decodes the messageDigest signed attribute.
func (s *SignerInfo) MessageDigest() ([]byte, error) {
	values, ok := s.Attribute(OIDMessageDigest)
	if !ok || len(values) != 1 {
		return nil, fmt.Errorf("messageDigest attribute missing")
	}
	var digest []byte
	if _, err := asn1.Unmarshal(values[0].FullBytes, &digest); err != nil {
		return nil, fmt.Errorf("messageDigest attribute: %w", err)
	}
	return digest, nil
}

// ContentType decodes the contentType signed attribute.
func (s *SignerInfo) ContentType() (asn1.ObjectIdentifier, error) {
	values, ok := s.Attribute(OIDContentType)
	if !ok || len(values) != 1 {
		return nil, fmt.Errorf("contentType attribute missing")
	}
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(values[0].FullBytes, &oid); err != nil {
		return nil, fmt.Errorf("contentType attribute: %w", err)
	}
	return oid, nil
}

// SecurityObject is the decoded EF.SOD.
type SecurityObject struct {
	Raw []byte

	// Encapsulated content
	ContentType asn1.ObjectIdentifier
	Content     []byte

	// LDSSecurityObject
	Version         int
	DigestAlgorithm asn1.ObjectIdentifier
	Hashes          map[DataGroupNumber][]byte
	LDSVersion      string
	UnicodeVersion  string

	Signer       SignerInfo
	Certificates [][]byte // DER, in the order found
}

// HashFunc returns the hash function of the data group digests.
func (s *SecurityObject) HashFunc() (crypto.Hash, bool) {
	return HashFunc(s.DigestAlgorithm)
}

// DataGroups lists the data groups with a digest, in ascending order.
func (s *SecurityObject) DataGroups() []DataGroupNumber {
	out := make([]DataGroupNumber, 0, len(s.Hashes))
	for n := range s.Hashes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseSecurityObject decodes EF.SOD down to the data group digests. It checks the
// structure only; signatures are checked by package verify.
func ParseSecurityObject(raw []byte) (*SecurityObject, error) {
	const op = "lds.ParseSecurityObject"

	obj, _, err := tlv.Next(raw)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	if obj.Tag != TagSOD {
		return nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "unexpected tag %X, want 77", obj.Tag)
	}

	sod, err := parseSignedData(obj.Value)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	sod.Raw = raw
	return sod, nil
}

func parseSignedData(der []byte) (*SecurityObject, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("failed to parse ContentInfo: %w", err)
	}
	if !ci.ContentType.Equal(OIDSignedData) {
		return nil, fmt.Errorf("content type %s is not signedData", ci.ContentType)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("failed to parse SignedData: %w", err)
	}
	if len(sd.SignerInfos) != 1 {
		return nil, fmt.Errorf("expected one SignerInfo, found %d", len(sd.SignerInfos))
	}

	eContent := sd.EncapsulatedContentInfo.EContent
	if len(eContent) == 0 {
		return nil, fmt.Errorf("no eContent found in EncapsulatedContentInfo")
	}

	var lso ldsSecurityObject
	if _, err := asn1.Unmarshal(eContent, &lso); err != nil {
		return nil, fmt.Errorf("failed to parse LDSSecurityObject: %w", err)
	}

	sod := &SecurityObject{
		ContentType:     sd.EncapsulatedContentInfo.EContentType,
		Content:         eContent,
		Version:         lso.Version,
		DigestAlgorithm: lso.HashAlgorithm.Algorithm,
		Hashes:          make(map[DataGroupNumber][]byte, len(lso.DataGroupHashValues)),
		LDSVersion:      lso.LDSVersionInfo.LDSVersion,
		UnicodeVersion:  lso.LDSVersionInfo.UnicodeVersion,
	}
	for _, h := range lso.DataGroupHashValues {
		n := DataGroupNumber(h.DataGroupNumber)
		if !n.Valid() {
			return nil, fmt.Errorf("digest for invalid data group %d", h.DataGroupNumber)
		}
		if _, dup := sod.Hashes[n]; dup {
			return nil, fmt.Errorf("duplicate digest for %s", n)
		}
		sod.Hashes[n] = h.DataGroupHashValue
	}

	for _, cert := range sd.Certificates {
		sod.Certificates = append(sod.Certificates, cert.FullBytes)
	}

	signer, err := parseSignerInfo(sd.SignerInfos[0])
	if err != nil {
		return nil, err
	}
	sod.Signer = *signer
	return sod, nil
}

func parseSignerInfo(si signerInfo) (*SignerInfo, error) {
	out := &SignerInfo{
		Version:            si.Version,
		DigestAlgorithm:    si.DigestAlgorithm.Algorithm,
		SignatureAlgorithm: si.SignatureAlgorithm,
		Signature:          si.Signature,
	}

	switch {
	case si.SID.Class == asn1.ClassUniversal && si.SID.Tag == asn1.TagSequence:
		var ias issuerAndSerialNumber
		if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
			return nil, fmt.Errorf("signer identifier: %w", err)
		}
		out.SID = SignerIdentifier{Issuer: ias.Issuer.FullBytes, SerialNumber: ias.SerialNumber}
	case si.SID.Class == asn1.ClassContextSpecific && si.SID.Tag == 0:
		out.SID = SignerIdentifier{SubjectKeyID: si.SID.Bytes}
	default:
		return nil, fmt.Errorf("unsupported signer identifier")
	}

	if len(si.SignedAttrs.FullBytes) == 0 {
		return out, nil
	}

	set := append([]byte(nil), si.SignedAttrs.FullBytes...)
	set[0] = 0x31
	if _, err := asn1.UnmarshalWithParams(set, &out.Attributes, "set"); err != nil {
		return nil, fmt.Errorf("signed attributes: %w", err)
	}
	out.SignedAttributes = set
	return out, nil
}

// MarshalLDSSecurityObject encodes a version 0 LDSSecurityObject, the content a
// document signer signs.
func MarshalLDSSecurityObject(h crypto.Hash, hashes map[DataGroupNumber][]byte) ([]byte, error) {
	oid, ok := HashOID(h)
	if !ok {
		return nil, fmt.Errorf("unsupported hash %s", h)
	}

	numbers := make([]int, 0, len(hashes))
	for n := range hashes {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	lso := ldsSecurityObject{
		HashAlgorithm: pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
	}
	for _, n := range numbers {
		lso.DataGroupHashValues = append(lso.DataGroupHashValues, dataGroupHash{
			DataGroupNumber:    n,
			DataGroupHashValue: hashes[DataGroupNumber(n)],
		})
	}
	return asn1.Marshal(lso)
}
