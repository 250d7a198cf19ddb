package trust

import (
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"
)

// CSCA MASTER LIST (ICAO 9303-12 §9):
// A CMS SignedData whose encapsulated content, of type id-icao-cscaMasterList, is
//
//	CscaMasterList ::= SEQUENCE {
//	    version  CscaMasterListVersion,   -- v0
//	    certList SET OF Certificate }
//
// The signer is a master list signer certificate issued by the publishing CSCA.

var oidCSCAMasterList = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 2}

type masterList struct {
	Version  int
	CertList []asn1.RawValue `asn1:"set"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	EncapContentInfo struct {
		EContentType asn1.ObjectIdentifier
		EContent     []byte `asn1:"explicit,optional,tag:0"`
	}
	Certificates asn1.RawValue `asn1:"optional,tag:0"`
	CRLs         asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos  asn1.RawValue
}

// ParseMasterList returns the DER certificates of a CSCA master list. The CMS
// signature is checked unless opts.SkipMasterListSignature is set.
func ParseMasterList(data []byte, opts Options) ([][]byte, error) {
	content, err := masterListContent(data, opts)
	if err != nil {
		return nil, err
	}

	var ml masterList
	if _, err := asn1.Unmarshal(content, &ml); err != nil {
		return nil, fmt.Errorf("trust: master list content: %w", err)
	}
	certs := make([][]byte, 0, len(ml.CertList))
	for _, c := range ml.CertList {
		certs = append(certs, c.FullBytes)
	}
	return certs, nil
}

func masterListContent(data []byte, opts Options) ([]byte, error) {
	if !opts.SkipMasterListSignature {
		p7, err := pkcs7.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("trust: master list: %w", err)
		}
		if err := p7.Verify(); err != nil {
			return nil, fmt.Errorf("trust: master list signature: %w", err)
		}
		return p7.Content, nil
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(data, &ci); err != nil {
		return nil, fmt.Errorf("trust: master list: %w", err)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("trust: master list signed data: %w", err)
	}
	if !sd.EncapContentInfo.EContentType.Equal(oidCSCAMasterList) {
		return nil, fmt.Errorf("trust: content type %s is not a CSCA master list", sd.EncapContentInfo.EContentType)
	}
	return sd.EncapContentInfo.EContent, nil
}

// AddMasterList adds the certificates of a CSCA master list and returns their number.
func (s *Store) AddMasterList(data []byte, opts Options) (int, error) {
	certs, err := ParseMasterList(data, opts)
	if err != nil {
		return 0, err
	}
	for _, der := range certs {
		if err := s.Add(der); err != nil {
			return 0, err
		}
	}
	return len(certs), nil
}
