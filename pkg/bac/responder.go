package bac

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
)

// Responder is the chip side of BAC. It answers GET CHALLENGE and EXTERNAL
// AUTHENTICATE for a document whose MRZ key it knows.
type Responder struct {
	kenc, kmac []byte
	rand       io.Reader
	rndIC      []byte
}

// NewResponder prepares the chip side for key.
func NewResponder(key mrz.Key, rand io.Reader) (*Responder, error) {
	kenc, kmac, err := AccessKeys(key)
	if err != nil {
		return nil, err
	}
	return &Responder{kenc: kenc, kmac: kmac, rand: rand}, nil
}

// Challenge generates RND.IC. A new challenge replaces the previous one.
func (r *Responder) Challenge() ([]byte, error) {
	r.rndIC = make([]byte, nonceLength)
	if _, err := io.ReadFull(r.rand, r.rndIC); err != nil {
		r.rndIC = nil
		return nil, errors.Wrap(err, "generate RND.IC")
	}
	return append([]byte(nil), r.rndIC...), nil
}

// Authenticate checks the terminal cryptogram and returns the chip cryptogram with the
// chip side of the new session. The challenge is consumed whatever the outcome.
func (r *Responder) Authenticate(cryptogram []byte) ([]byte, *sm.Session, error) {
	const op = "bac.Responder"

	rndIC := r.rndIC
	r.rndIC = nil
	if rndIC == nil {
		return nil, nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "no challenge issued")
	}

	s, err := open(r.kenc, r.kmac, cryptogram)
	if err != nil {
		return nil, nil, mrtderr.E(mrtderr.KindAuthentication, op, err)
	}
	rndIFD, echoed, kIFD := s[:nonceLength], s[nonceLength:2*nonceLength], s[2*nonceLength:]
	if !bytes.Equal(echoed, rndIC) {
		return nil, nil, mrtderr.Errorf(mrtderr.KindAuthentication, op, "terminal did not echo RND.IC")
	}

	kIC := make([]byte, keyLength)
	if _, err := io.ReadFull(r.rand, kIC); err != nil {
		return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, errors.Wrap(err, "generate K.IC"))
	}

	plaintext := make([]byte, 0, plaintextLength)
	plaintext = append(plaintext, rndIC...)
	plaintext = append(plaintext, rndIFD...)
	plaintext = append(plaintext, kIC...)

	reply, err := seal(r.kenc, r.kmac, plaintext)
	if err != nil {
		return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	session, err := newSession(kIFD, kIC, rndIC, rndIFD)
	if err != nil {
		return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	return reply, session, nil
}
