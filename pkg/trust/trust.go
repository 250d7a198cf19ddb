// Package trust loads the country signing CA certificates (CSCAs) that anchor
// passive authentication.
//
// CSCAs are published as PEM or DER files, as CSCA master lists (a CMS SignedData
// carrying a set of certificates) and as ICAO PKD LDIF exports. All of them end up
// in a Store, which keeps the DER of every certificate: crypto/x509 cannot parse
// certificates with brainpool keys, and those are only reachable as raw bytes.
package trust

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is a set of trusted certificates. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	pool *x509.CertPool
	raw  [][]byte
	seen map[string]bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{pool: x509.NewCertPool(), seen: make(map[string]bool)}
}

// FromCertificates returns a Store holding certs.
func FromCertificates(certs ...*x509.Certificate) *Store {
	s := New()
	for _, c := range certs {
		s.AddCertificate(c)
	}
	return s
}

// certificate is the outer structure of an X.509 certificate, enough to accept
// certificates crypto/x509 rejects.
type certificate struct {
	TBS                asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
}

// Add adds a DER certificate. Duplicates are ignored.
func (s *Store) Add(der []byte) error {
	var c certificate
	rest, err := asn1.Unmarshal(der, &c)
	if err != nil {
		return fmt.Errorf("trust: certificate: %w", err)
	}
	if len(rest) > 0 {
		return fmt.Errorf("trust: certificate: trailing data")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[string(der)] {
		return nil
	}
	s.seen[string(der)] = true
	s.raw = append(s.raw, bytes.Clone(der))
	if parsed, err := x509.ParseCertificate(der); err == nil {
		s.pool.AddCert(parsed)
	}
	return nil
}

// AddCertificate adds a parsed certificate.
func (s *Store) AddCertificate(c *x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen[string(c.Raw)] {
		return
	}
	s.seen[string(c.Raw)] = true
	s.raw = append(s.raw, c.Raw)
	s.pool.AddCert(c)
}

// Pool returns the certificates crypto/x509 can parse, as a pool.
func (s *Store) Pool() *x509.CertPool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool.Clone()
}

// Certificates returns the DER of every certificate, in insertion order.
func (s *Store) Certificates() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([][]byte(nil), s.raw...)
}

// Len returns the number of certificates.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.raw)
}

// AddPEM adds the certificates of a PEM bundle, or of a single DER certificate.
// It returns the number of certificates read.
func (s *Store) AddPEM(data []byte) (int, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		if err := s.Add(data); err != nil {
			return 0, err
		}
		return 1, nil
	}

	n := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if err := s.Add(block.Bytes); err != nil {
			return n, err
		}
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("trust: no certificate in PEM data")
	}
	return n, nil
}

// Options control how files are loaded.
type Options struct {
	// SkipMasterListSignature accepts master lists whose signature cannot be checked,
	// e.g. because the signer uses a brainpool key.
	SkipMasterListSignature bool
}

// Load reads path: a directory (every file in it), an LDIF export (.ldif), a master
// list (.ml, .mls) or a PEM/DER certificate file.
func Load(path string, opts Options) (*Store, error) {
	s := New()
	if err := s.Load(path, opts); err != nil {
		return nil, err
	}
	return s, nil
}

// Load adds the certificates found at path to s. See the Load function.
func (s *Store) Load(path string, opts Options) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return fmt.Errorf("trust: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			if err := s.Load(filepath.Join(path, e.Name()), opts); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ldif":
		_, err = s.AddLDIF(data, opts)
	case ".ml", ".mls":
		_, err = s.AddMasterList(data, opts)
	default:
		_, err = s.AddPEM(data)
	}
	if err != nil {
		return fmt.Errorf("%w (%s)", err, filepath.Base(path))
	}
	return nil
}
