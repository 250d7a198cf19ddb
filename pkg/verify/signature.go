package verify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
)

// SIGNATURE ALGORITHMS:
// The SignerInfo names either a combined algorithm (sha256WithRSAEncryption,
// ecdsa-with-SHA256, ...) or only the key type (rsaEncryption, id-ecPublicKey), in
// which case the hash is the SignerInfo digest algorithm. BSI TR-03111 plain ECDSA
// signatures (r || s) are accepted next to the DER SEQUENCE form.

type scheme int

const (
	schemePKCS1v15 scheme = iota
	schemePSS
	schemeECDSA
	schemeECDSAPlain
)

var signatureAlgorithms = []struct {
	oid    asn1.ObjectIdentifier
	scheme scheme
	hash   crypto.Hash // zero: the digest algorithm of the signer
}{
	{oidPublicKeyRSA, schemePKCS1v15, 0},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}, schemePKCS1v15, crypto.SHA1},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}, schemePKCS1v15, crypto.SHA224},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}, schemePKCS1v15, crypto.SHA256},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}, schemePKCS1v15, crypto.SHA384},
	{asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}, schemePKCS1v15, crypto.SHA512},
	{oidPublicKeyRSAPSS, schemePSS, 0},
	{oidPublicKeyECDSA, schemeECDSA, 0},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}, schemeECDSA, crypto.SHA1},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}, schemeECDSA, crypto.SHA224},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}, schemeECDSA, crypto.SHA256},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}, schemeECDSA, crypto.SHA384},
	{asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}, schemeECDSA, crypto.SHA512},
	{asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 1}, schemeECDSAPlain, crypto.SHA1},
	{asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 2}, schemeECDSAPlain, crypto.SHA224},
	{asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 3}, schemeECDSAPlain, crypto.SHA256},
	{asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 4}, schemeECDSAPlain, crypto.SHA384},
	{asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 1, 1, 4, 1, 5}, schemeECDSAPlain, crypto.SHA512},
}

// pssParameters is RSASSA-PSS-params (RFC 4055). The mask generation function is
// always MGF1 with the message hash in practice, which is what crypto/rsa implements.
type pssParameters struct {
	Hash       pkix.AlgorithmIdentifier `asn1:"explicit,optional,tag:0"`
	MGF        pkix.AlgorithmIdentifier `asn1:"explicit,optional,tag:1"`
	SaltLength int                      `asn1:"explicit,optional,default:20,tag:2"`
	Trailer    int                      `asn1:"explicit,optional,default:1,tag:3"`
}

// verifySignature verifies sig over message. digestAlg is the hash of algorithms that
// only name the key type; nil when there is none, as for certificates.
func verifySignature(pub crypto.PublicKey, alg pkix.AlgorithmIdentifier, digestAlg asn1.ObjectIdentifier, message, sig []byte) error {
	sch, h, err := resolveAlgorithm(alg, digestAlg)
	if err != nil {
		return err
	}
	if !h.Available() {
		return fmt.Errorf("%w: hash %s not available", errUnsupportedScheme, h)
	}
	hasher := h.New()
	hasher.Write(message)
	digest := hasher.Sum(nil)

	switch sch {
	case schemePKCS1v15, schemePSS:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s with a %T key", errUnsupportedScheme, alg.Algorithm, pub)
		}
		if sch == schemePKCS1v15 {
			return rsa.VerifyPKCS1v15(key, h, digest, sig)
		}
		salt := rsa.PSSSaltLengthAuto
		if params, err := parsePSS(alg); err == nil && params.SaltLength > 0 {
			salt = params.SaltLength
		}
		return rsa.VerifyPSS(key, h, digest, sig, &rsa.PSSOptions{SaltLength: salt, Hash: h})

	default:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: %s with a %T key", errUnsupportedScheme, alg.Algorithm, pub)
		}
		if ecdsa.VerifyASN1(key, digest, sig) {
			return nil
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		if len(sig) == 2*size {
			r := new(big.Int).SetBytes(sig[:size])
			s := new(big.Int).SetBytes(sig[size:])
			if ecdsa.Verify(key, digest, r, s) {
				return nil
			}
		}
		return fmt.Errorf("ECDSA verification failure")
	}
}

func resolveAlgorithm(alg pkix.AlgorithmIdentifier, digestAlg asn1.ObjectIdentifier) (scheme, crypto.Hash, error) {
	for _, a := range signatureAlgorithms {
		if !a.oid.Equal(alg.Algorithm) {
			continue
		}
		h := a.hash
		if a.scheme == schemePSS {
			params, err := parsePSS(alg)
			if err != nil {
				return 0, 0, fmt.Errorf("RSASSA-PSS parameters: %w", err)
			}
			h = crypto.SHA1
			if len(params.Hash.Algorithm) > 0 {
				var ok bool
				if h, ok = lds.HashFunc(params.Hash.Algorithm); !ok {
					return 0, 0, fmt.Errorf("%w: PSS hash %s", errUnsupportedScheme, params.Hash.Algorithm)
				}
			}
		}
		if h == 0 {
			var ok bool
			if h, ok = lds.HashFunc(digestAlg); !ok {
				return 0, 0, fmt.Errorf("%w: %s without a digest algorithm", errUnsupportedScheme, alg.Algorithm)
			}
		}
		return a.scheme, h, nil
	}
	return 0, 0, fmt.Errorf("%w %s", errUnsupportedScheme, alg.Algorithm)
}

func parsePSS(alg pkix.AlgorithmIdentifier) (*pssParameters, error) {
	params := &pssParameters{SaltLength: 20}
	if len(alg.Parameters.FullBytes) == 0 || alg.Parameters.Tag == asn1.TagNull {
		return params, nil
	}
	if _, err := asn1.Unmarshal(alg.Parameters.FullBytes, params); err != nil {
		return nil, err
	}
	return params, nil
}
