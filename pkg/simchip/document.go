// Package simchip simulates an ICAO 9303 chip: a master file with EF.CardAccess and
// EF.ATR/INFO, and an eMRTD application whose files are protected by BAC, PACE or
// nothing. It drives the same handshake code as the terminal through the chip side
// responders of packages bac and pace, so a reader can be exercised end to end
// without hardware.
package simchip

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"time"

	"go.mozilla.org/pkcs7"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/pace"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// SpecimenMRZ is the TD3 specimen of ICAO 9303-4 (document L898902C3, born 740812,
// expiring 120415).
const SpecimenMRZ = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<" +
	"L898902C36UTO7408122F1204159ZE184226B<<<<<10"

// Options shape a simulated document. The zero value gives the specimen passport
// without EF.CardAccess.
type Options struct {
	MRZ          string      // TD3, TD2 or TD1 text; SpecimenMRZ when empty
	Hash         crypto.Hash // data group digests and signature; SHA-256 when zero
	PortraitSize int         // length of the DG2 placeholder; 2048 when zero
	// DataGroups are extra files, complete with their outer tag.
	DataGroups map[lds.DataGroupNumber][]byte
	// PACE lists the PACEInfos written to EF.CardAccess. The chip runs the first
	// supported one.
	PACE []pace.Info
	// ExtendedLength announces extended length support in EF.ATR/INFO.
	ExtendedLength bool
	Now            time.Time
	Rand           io.Reader
}

// Document is the content of a simulated chip. Files may be edited after creation,
// e.g. to tamper with a data group after the SOD was signed.
type Document struct {
	Key   mrz.Key
	MRZ   *mrz.Data
	Files map[uint16][]byte // eMRTD application, by FID
	// MasterFiles holds EF.CardAccess and EF.ATR/INFO when present.
	MasterFiles map[uint16][]byte

	CSCA           *x509.Certificate
	DocumentSigner *x509.Certificate

	dsKey *ecdsa.PrivateKey
	hash  crypto.Hash
	rand  io.Reader
}

// NewSpecimen builds and signs a document.
func NewSpecimen(opts Options) (*Document, error) {
	if opts.MRZ == "" {
		opts.MRZ = SpecimenMRZ
	}
	if opts.Hash == 0 {
		opts.Hash = crypto.SHA256
	}
	if opts.PortraitSize == 0 {
		opts.PortraitSize = 2048
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	data, err := mrz.Parse(opts.MRZ)
	if err != nil {
		return nil, err
	}
	key, err := data.Key()
	if err != nil {
		return nil, err
	}

	d := &Document{
		Key:         key,
		MRZ:         data,
		Files:       make(map[uint16][]byte),
		MasterFiles: make(map[uint16][]byte),
		hash:        opts.Hash,
		rand:        opts.Rand,
	}

	d.Files[lds.DataGroupNumber(1).FID()] = tlv.Encode(0x61, tlv.Encode(0x5F1F, []byte(data.Raw)))
	d.Files[lds.DataGroupNumber(2).FID()] = portrait(opts.PortraitSize)
	for n, raw := range opts.DataGroups {
		if !n.Valid() {
			return nil, fmt.Errorf("simchip: invalid data group %d", int(n))
		}
		d.Files[n.FID()] = raw
	}
	d.Files[lds.FIDCOM] = d.com()

	if len(opts.PACE) > 0 {
		ca, err := pace.EncodeCardAccess(&pace.CardAccess{PACE: opts.PACE})
		if err != nil {
			return nil, fmt.Errorf("simchip: card access: %w", err)
		}
		d.MasterFiles[lds.FIDCardAccess] = ca
	}
	if opts.ExtendedLength {
		// 7F66 { 02 max command length, 02 max response length }
		ext := append(tlv.Encode(0x02, []byte{0x01, 0x00, 0x00}), tlv.Encode(0x02, []byte{0x01, 0x00, 0x00})...)
		d.MasterFiles[lds.FIDATRInfo] = tlv.Encode(0x7F66, ext)
	}

	if err := d.issueCertificates(opts.Now); err != nil {
		return nil, err
	}
	if err := d.Sign(); err != nil {
		return nil, err
	}
	return d, nil
}

// com lists the data groups present.
func (d *Document) com() []byte {
	var tags []byte
	for n := lds.DataGroupNumber(1); n <= 16; n++ {
		if _, ok := d.Files[n.FID()]; ok {
			tags = append(tags, byte(n.Tag()))
		}
	}
	body := tlv.Encode(0x5F01, []byte("0107"))
	body = append(body, tlv.Encode(0x5F36, []byte("040000"))...)
	body = append(body, tlv.Encode(0x5C, tags)...)
	return tlv.Encode(lds.TagCOM, body)
}

// portrait builds a DG2 shaped file (biometric information template) around filler
// bytes standing in for the facial image.
func portrait(size int) []byte {
	image := make([]byte, size)
	for i := range image {
		image[i] = byte(i % 251)
	}
	bdb := tlv.Encode(0x7F60, tlv.Encode(0x5F2E, image))
	bit := tlv.Encode(0x7F61, append(tlv.Encode(0x02, []byte{0x01}), bdb...))
	return tlv.Encode(0x75, bit)
}

// DataGroup returns the raw file of data group n.
func (d *Document) DataGroup(n lds.DataGroupNumber) []byte {
	return d.Files[n.FID()]
}

// DataGroups returns every data group file present.
func (d *Document) DataGroups() map[lds.DataGroupNumber][]byte {
	out := make(map[lds.DataGroupNumber][]byte)
	for n := lds.DataGroupNumber(1); n <= 16; n++ {
		if raw, ok := d.Files[n.FID()]; ok {
			out[n] = raw
		}
	}
	return out
}

func (d *Document) issueCertificates(now time.Time) error {
	cscaKey, err := ecdsa.GenerateKey(elliptic.P384(), d.rand)
	if err != nil {
		return fmt.Errorf("simchip: generate CSCA key: %w", err)
	}
	cscaTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Country: []string{"UT"}, Organization: []string{"Utopia"}, CommonName: "CSCA Utopia"},
		NotBefore:             now.AddDate(-1, 0, 0),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	cscaDER, err := x509.CreateCertificate(d.rand, cscaTemplate, cscaTemplate, &cscaKey.PublicKey, cscaKey)
	if err != nil {
		return fmt.Errorf("simchip: issue CSCA: %w", err)
	}
	if d.CSCA, err = x509.ParseCertificate(cscaDER); err != nil {
		return err
	}

	if d.dsKey, err = ecdsa.GenerateKey(elliptic.P256(), d.rand); err != nil {
		return fmt.Errorf("simchip: generate document signer key: %w", err)
	}
	dsTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Country: []string{"UT"}, Organization: []string{"Utopia"}, CommonName: "Document Signer Utopia"},
		NotBefore:    now.AddDate(0, -1, 0),
		NotAfter:     now.AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	dsDER, err := x509.CreateCertificate(d.rand, dsTemplate, d.CSCA, &d.dsKey.PublicKey, cscaKey)
	if err != nil {
		return fmt.Errorf("simchip: issue document signer: %w", err)
	}
	d.DocumentSigner, err = x509.ParseCertificate(dsDER)
	return err
}

// Sign rebuilds EF.SOD over the current data groups.
func (d *Document) Sign() error {
	hashes := make(map[lds.DataGroupNumber][]byte)
	for n, raw := range d.DataGroups() {
		h := d.hash.New()
		h.Write(raw)
		hashes[n] = h.Sum(nil)
	}
	sod, err := SignSecurityObject(d.hash, hashes, d.DocumentSigner, d.dsKey)
	if err != nil {
		return err
	}
	d.Files[lds.FIDSOD] = sod
	return nil
}

// SignSecurityObject builds EF.SOD: the LDSSecurityObject over hashes, signed by
// signer and wrapped in tag 77.
func SignSecurityObject(h crypto.Hash, hashes map[lds.DataGroupNumber][]byte, signer *x509.Certificate, key crypto.PrivateKey) ([]byte, error) {
	digestOID, ok := pkcs7Digests[h]
	if !ok {
		return nil, fmt.Errorf("simchip: unsupported hash %s", h)
	}

	content, err := lds.MarshalLDSSecurityObject(h, hashes)
	if err != nil {
		return nil, fmt.Errorf("simchip: security object: %w", err)
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("simchip: signed data: %w", err)
	}
	sd.GetSignedData().ContentInfo.ContentType = lds.OIDLDSSecurityObject
	sd.SetDigestAlgorithm(digestOID)
	if err := sd.AddSigner(signer, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("simchip: add signer: %w", err)
	}
	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("simchip: sign: %w", err)
	}
	return tlv.Encode(lds.TagSOD, der), nil
}

var pkcs7Digests = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   pkcs7.OIDDigestAlgorithmSHA1,
	crypto.SHA256: pkcs7.OIDDigestAlgorithmSHA256,
	crypto.SHA384: pkcs7.OIDDigestAlgorithmSHA384,
	crypto.SHA512: pkcs7.OIDDigestAlgorithmSHA512,
}
