// Package bac implements Basic Access Control (ICAO 9303-11 §4.3), the MRZ based
// mutual authentication that opens a 3DES secure messaging session.
//
// Flow (terminal view):
//
//	GET CHALLENGE                      -> RND.IC
//	S    = RND.IFD || RND.IC || K.IFD
//	EXTERNAL AUTHENTICATE E(S) || MAC   -> E(R) || MAC, R = RND.IC || RND.IFD || K.IC
//	KSseed = K.IFD xor K.IC, SSC = RND.IC[4:8] || RND.IFD[4:8]
package bac

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
)

const (
	nonceLength = 8
	keyLength   = 16
	// plaintext of both cryptograms: two nonces and a key share
	plaintextLength = 2*nonceLength + keyLength
)

// AccessKeys returns Kenc and Kmac derived from the MRZ key.
func AccessKeys(key mrz.Key) (enc, mac []byte, err error) {
	if key.IsZero() {
		return nil, nil, mrtderr.Errorf(mrtderr.KindInput, "bac.AccessKeys", "missing MRZ key")
	}
	return sm.SessionKeys(sm.TripleDES, key.Seed()[:keyLength])
}

// Authenticate runs BAC over client and returns the established session. Any
// protector installed on client is removed first, because the handshake itself is not
// protected. The caller installs the returned session with client.SetProtector.
//
// Rejection by the chip or a bad chip cryptogram is reported as KindAuthentication.
// Transport failures keep KindTransport.
func Authenticate(ctx context.Context, client *iso7816.Client, key mrz.Key, rand io.Reader) (*sm.Session, error) {
	const op = "bac.Authenticate"

	kenc, kmac, err := AccessKeys(key)
	if err != nil {
		return nil, err
	}

	client.SetProtector(nil)

	resp, err := client.Transmit(ctx, iso7816.GetChallenge(iso7816.ChallengeLength))
	if err != nil {
		return nil, err
	}
	rndIC := resp.Data
	if len(rndIC) != nonceLength {
		return nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "challenge must be %d bytes, got %d", nonceLength, len(rndIC))
	}

	secret := make([]byte, nonceLength+keyLength)
	if _, err := io.ReadFull(rand, secret); err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, errors.Wrap(err, "generate RND.IFD and K.IFD"))
	}
	rndIFD, kIFD := secret[:nonceLength], secret[nonceLength:]

	s := make([]byte, 0, plaintextLength)
	s = append(s, rndIFD...)
	s = append(s, rndIC...)
	s = append(s, kIFD...)

	cryptogram, err := seal(kenc, kmac, s)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	resp, err = client.Transmit(ctx, iso7816.ExternalAuthenticate(cryptogram, iso7816.CryptogramLength))
	if err != nil {
		return nil, reject(op, err)
	}

	r, err := open(kenc, kmac, resp.Data)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindAuthentication, op, err)
	}
	if !bytes.Equal(r[:nonceLength], rndIC) || subtle.ConstantTimeCompare(r[nonceLength:2*nonceLength], rndIFD) != 1 {
		return nil, mrtderr.Errorf(mrtderr.KindAuthentication, op, "chip did not echo the nonces")
	}
	kIC := r[2*nonceLength:]

	session, err := newSession(kIFD, kIC, rndIC, rndIFD)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	logger := client.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("bac session established", "algorithm", session.Algorithm().String())
	return session, nil
}

// reject classifies a failed EXTERNAL AUTHENTICATE. The chip answers a wrong
// cryptogram with 6300, 6982 or similar, which all mean the MRZ key did not match.
func reject(op string, err error) error {
	switch mrtderr.KindOf(err) {
	case mrtderr.KindTransport, mrtderr.KindIntegrity:
		return err
	default:
		return mrtderr.E(mrtderr.KindAuthentication, op, err)
	}
}

// seal encrypts a 32 byte plaintext and appends its retail MAC.
func seal(kenc, kmac, plaintext []byte) ([]byte, error) {
	e, err := sm.Encrypt(sm.TripleDES, kenc, nil, plaintext)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt")
	}
	m, err := sm.MAC(sm.TripleDES, kmac, sm.Pad(e, 8))
	if err != nil {
		return nil, errors.Wrap(err, "mac")
	}
	return append(e, m...), nil
}

// open verifies and decrypts a cryptogram produced by seal.
func open(kenc, kmac, cryptogram []byte) ([]byte, error) {
	if len(cryptogram) != plaintextLength+sm.MACLength {
		return nil, errors.Errorf("cryptogram must be %d bytes, got %d", plaintextLength+sm.MACLength, len(cryptogram))
	}
	e, m := cryptogram[:plaintextLength], cryptogram[plaintextLength:]

	expected, err := sm.MAC(sm.TripleDES, kmac, sm.Pad(e, 8))
	if err != nil {
		return nil, errors.Wrap(err, "mac")
	}
	if subtle.ConstantTimeCompare(expected, m) != 1 {
		return nil, errors.New("cryptogram checksum mismatch")
	}

	plaintext, err := sm.Decrypt(sm.TripleDES, kenc, nil, e)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt")
	}
	return plaintext, nil
}

// newSession derives the session keys from the two key shares. The counter is built
// from the low halves of the chip nonce and the terminal nonce, in that order.
func newSession(kIFD, kIC, rndIC, rndIFD []byte) (*sm.Session, error) {
	seed := make([]byte, keyLength)
	for i := range seed {
		seed[i] = kIFD[i] ^ kIC[i]
	}

	ksEnc, ksMac, err := sm.SessionKeys(sm.TripleDES, seed)
	if err != nil {
		return nil, err
	}

	ssc := make([]byte, 0, nonceLength)
	ssc = append(ssc, rndIC[4:]...)
	ssc = append(ssc, rndIFD[4:]...)

	return sm.NewSession(sm.TripleDES, ksEnc, ksMac, ssc)
}
