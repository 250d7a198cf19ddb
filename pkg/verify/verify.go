// Package verify performs passive authentication of an eMRTD: the data groups read
// from the chip against the digests of EF.SOD, the SOD signature against its document
// signer certificate, and optionally that certificate against trusted CSCAs.
//
// Results are data, not errors: every data group, the signature and the chain get an
// independent status, so that a caller may keep trusting the groups that matched.
package verify

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/trust"
)

// Status is the integrity of one data group.
type Status int

const (
	// NotRead: listed in EF.SOD but not supplied.
	NotRead Status = iota
	// Valid: the digest matches.
	Valid
	// Invalid: the digest differs, or cannot be computed.
	Invalid
	// NotListed: supplied but absent from EF.SOD.
	NotListed
)

func (s Status) String() string {
	switch s {
	case NotRead:
		return "not read"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case NotListed:
		return "not listed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SignatureStatus is the outcome of the SOD signature check.
type SignatureStatus int

const (
	SignatureValid SignatureStatus = iota
	SignatureInvalid
	// SignatureUnsupported: the algorithm or key type is not implemented.
	SignatureUnsupported
	// SignerMissing: EF.SOD embeds no certificate matching the signer identifier.
	SignerMissing
)

func (s SignatureStatus) String() string {
	switch s {
	case SignatureValid:
		return "valid"
	case SignatureInvalid:
		return "invalid"
	case SignatureUnsupported:
		return "unsupported algorithm"
	case SignerMissing:
		return "signer certificate missing"
	default:
		return fmt.Sprintf("SignatureStatus(%d)", int(s))
	}
}

// ChainStatus is the outcome of the document signer certificate validation.
type ChainStatus int

const (
	// ChainNotEvaluated: no trust anchors were supplied.
	ChainNotEvaluated ChainStatus = iota
	ChainValid
	ChainInvalid
)

func (s ChainStatus) String() string {
	switch s {
	case ChainNotEvaluated:
		return "not evaluated"
	case ChainValid:
		return "valid"
	case ChainInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("ChainStatus(%d)", int(s))
	}
}

// Options configure Verify.
type Options struct {
	// Roots are the trusted CSCA certificates. Nil skips chain validation.
	Roots *trust.Store
	// Intermediates may link the document signer to a root, e.g. link certificates.
	Intermediates []*x509.Certificate
	// CurrentTime is the validation time. Zero means now.
	CurrentTime time.Time
	Logger      *slog.Logger
}

// Result is the outcome of Verify. It is not modified after Verify returns.
type Result struct {
	DataGroups map[lds.DataGroupNumber]Status
	Signature  SignatureStatus
	Chain      ChainStatus
	// Signer is the document signer certificate, nil when SignerMissing.
	Signer   *Certificate
	Failures []string
}

// Valid reports whether the signature is valid, every supplied data group matched
// and the chain, when evaluated, is valid.
func (r *Result) Valid() bool {
	if r.Signature != SignatureValid || r.Chain == ChainInvalid {
		return false
	}
	for _, s := range r.DataGroups {
		if s == Invalid || s == NotListed {
			return false
		}
	}
	return true
}

// Err returns nil for a valid result, and a KindVerification error listing the
// failures otherwise.
func (r *Result) Err() error {
	if r.Valid() {
		return nil
	}
	return mrtderr.Errorf(mrtderr.KindVerification, "verify.Verify", "%s", strings.Join(r.Failures, "; "))
}

func (r *Result) fail(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}

// Verify checks the data groups in groups, keyed by number and holding complete files,
// against sod.
func Verify(sod *lds.SecurityObject, groups map[lds.DataGroupNumber][]byte, opts Options) *Result {
	if opts.CurrentTime.IsZero() {
		opts.CurrentTime = time.Now()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Result{DataGroups: make(map[lds.DataGroupNumber]Status)}
	checkDataGroups(r, sod, groups)
	checkSignature(r, sod)
	if r.Signer != nil {
		checkChain(r, sod, opts)
	}

	for _, n := range sortedNumbers(r.DataGroups) {
		if s := r.DataGroups[n]; s == Invalid || s == NotListed {
			logger.Warn("data group not authenticated", "dg", n.String(), "status", s.String())
		}
	}
	logger.Info("passive authentication",
		"valid", r.Valid(),
		"signature", r.Signature.String(),
		"chain", r.Chain.String(),
		"groups", len(groups))
	return r
}

func checkDataGroups(r *Result, sod *lds.SecurityObject, groups map[lds.DataGroupNumber][]byte) {
	h, ok := sod.HashFunc()
	if ok && !h.Available() {
		ok = false
	}
	if !ok {
		r.fail("unsupported digest algorithm %s", sod.DigestAlgorithm)
	}

	for n := range sod.Hashes {
		r.DataGroups[n] = NotRead
	}
	for _, n := range sortedNumbers(groups) {
		want, listed := sod.Hashes[n]
		switch {
		case !listed:
			r.DataGroups[n] = NotListed
			r.fail("%s is not listed in EF.SOD", n)
		case !ok:
			r.DataGroups[n] = Invalid
		default:
			hasher := h.New()
			hasher.Write(groups[n])
			if bytes.Equal(hasher.Sum(nil), want) {
				r.DataGroups[n] = Valid
			} else {
				r.DataGroups[n] = Invalid
				r.fail("%s digest mismatch", n)
			}
		}
	}
}

func checkSignature(r *Result, sod *lds.SecurityObject) {
	signer, err := findSigner(sod)
	if err != nil {
		r.Signature = SignerMissing
		r.fail("%v", err)
		return
	}
	r.Signer = signer

	si := &sod.Signer
	message := sod.Content
	if si.SignedAttributes != nil {
		if err := checkSignedAttributes(sod); err != nil {
			r.Signature = SignatureInvalid
			if errors.Is(err, errUnsupportedScheme) {
				r.Signature = SignatureUnsupported
			}
			r.fail("signed attributes: %v", err)
			return
		}
		message = si.SignedAttributes
	}

	err = verifySignature(signer.PublicKey, si.SignatureAlgorithm, si.DigestAlgorithm, message, si.Signature)
	switch {
	case err == nil:
		r.Signature = SignatureValid
	case errors.Is(err, errUnsupportedScheme), errors.Is(err, errUnsupportedKey):
		r.Signature = SignatureUnsupported
		r.fail("signature: %v", err)
	default:
		r.Signature = SignatureInvalid
		r.fail("signature: %v", err)
	}
}

// checkSignedAttributes binds the signed attributes to the content: messageDigest
// must be the digest of eContent and contentType its type.
func checkSignedAttributes(sod *lds.SecurityObject) error {
	si := &sod.Signer

	h, ok := lds.HashFunc(si.DigestAlgorithm)
	if !ok || !h.Available() {
		return fmt.Errorf("%w: digest %s", errUnsupportedScheme, si.DigestAlgorithm)
	}
	digest, err := si.MessageDigest()
	if err != nil {
		return err
	}
	hasher := h.New()
	hasher.Write(sod.Content)
	if !bytes.Equal(hasher.Sum(nil), digest) {
		return fmt.Errorf("messageDigest does not match the security object")
	}

	ct, err := si.ContentType()
	if err != nil {
		return err
	}
	if !ct.Equal(sod.ContentType) {
		return fmt.Errorf("contentType %s, encapsulated content is %s", ct, sod.ContentType)
	}
	return nil
}

// findSigner returns the embedded certificate named by the signer identifier.
func findSigner(sod *lds.SecurityObject) (*Certificate, error) {
	sid := sod.Signer.SID
	var lastErr error
	for _, der := range sod.Certificates {
		c, err := ParseCertificate(der)
		if err != nil {
			lastErr = err
			continue
		}
		if len(sid.SubjectKeyID) > 0 {
			if bytes.Equal(sid.SubjectKeyID, c.SubjectKeyID) {
				return c, nil
			}
			continue
		}
		if bytes.Equal(sid.Issuer, c.RawIssuer) && sid.SerialNumber != nil && sid.SerialNumber.Cmp(c.SerialNumber) == 0 {
			return c, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("document signer certificate: %w", lastErr)
	}
	return nil, fmt.Errorf("no document signer certificate in EF.SOD")
}

// checkChain validates the document signer against opts.Roots. crypto/x509 path
// building is used when every certificate involved parses with it; otherwise, as for
// brainpool keys, the signer must be issued directly by a root.
func checkChain(r *Result, sod *lds.SecurityObject, opts Options) {
	if opts.Roots == nil || opts.Roots.Len() == 0 {
		r.Chain = ChainNotEvaluated
		return
	}
	signer := r.Signer

	if signer.Cert != nil {
		intermediates := x509.NewCertPool()
		for _, c := range opts.Intermediates {
			intermediates.AddCert(c)
		}
		for _, der := range sod.Certificates {
			if c, err := x509.ParseCertificate(der); err == nil && !bytes.Equal(der, signer.Raw) {
				intermediates.AddCert(c)
			}
		}
		_, err := signer.Cert.Verify(x509.VerifyOptions{
			Roots:         opts.Roots.Pool(),
			Intermediates: intermediates,
			CurrentTime:   opts.CurrentTime,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err == nil {
			r.Chain = ChainValid
			return
		}
		var unknown x509.UnknownAuthorityError
		if !errors.As(err, &unknown) {
			r.Chain = ChainInvalid
			r.fail("certificate chain: %v", err)
			return
		}
	}

	if err := checkIssuedByRoot(signer, opts); err != nil {
		r.Chain = ChainInvalid
		r.fail("certificate chain: %v", err)
		return
	}
	r.Chain = ChainValid
}

func checkIssuedByRoot(signer *Certificate, opts Options) error {
	if !signer.ValidAt(opts.CurrentTime) {
		return fmt.Errorf("document signer %q is not valid at %s", signer.Subject(), opts.CurrentTime.Format(time.RFC3339))
	}

	var lastErr error
	for _, der := range opts.Roots.Certificates() {
		root, err := ParseCertificate(der)
		if err != nil || !signer.issuedBy(root) {
			continue
		}
		if !root.ValidAt(opts.CurrentTime) {
			lastErr = fmt.Errorf("CSCA %q is not valid at %s", root.Subject(), opts.CurrentTime.Format(time.RFC3339))
			continue
		}
		if err := signer.CheckSignatureFrom(root); err != nil {
			lastErr = fmt.Errorf("signature by CSCA %q: %w", root.Subject(), err)
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("no trusted CSCA issued %q (issuer %q)", signer.Subject(), signer.Issuer())
}

func sortedNumbers[V any](m map[lds.DataGroupNumber]V) []lds.DataGroupNumber {
	out := make([]lds.DataGroupNumber, 0, len(m))
	for n := range m {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
