package pace

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// Responder is the chip side of PACE with the generic mapping. It processes the MSE:Set AT data and the
// four GENERAL AUTHENTICATE steps in order; any error resets it.
type Responder struct {
	p    *params
	kpi  []byte
	rand io.Reader

	step   int
	nonce  []byte
	mapped []byte
	ephPub []byte
	ifdPub []byte
	ksEnc  []byte
	ksMac  []byte
}

// NewResponder prepares the chip side for key and the protocol announced in info.
func NewResponder(key mrz.Key, info Info, rand io.Reader) (*Responder, error) {
	p, err := resolve(info)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, "pace.NewResponder", err)
	}
	kpi, err := p.passwordKey(key)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, "pace.NewResponder", err)
	}
	return &Responder{p: p, kpi: kpi, rand: rand, step: -1}, nil
}

// SetAT checks the MSE:Set AT templates and arms the handshake.
func (r *Responder) SetAT(data []byte) error {
	const op = "pace.Responder.SetAT"
	r.step = -1

	objects, err := tlv.Split(data)
	if err != nil {
		return mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	want, err := oidContent(r.p.info.Protocol)
	if err != nil {
		return mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	if proto := tlv.Find(objects, crtProtocol); proto == nil || !bytes.Equal(proto.Value, want) {
		return mrtderr.Errorf(mrtderr.KindProtocol, op, "unsupported protocol")
	}
	if pwd := tlv.Find(objects, crtPassword); pwd == nil || !bytes.Equal(pwd.Value, []byte{passwordMRZ}) {
		return mrtderr.Errorf(mrtderr.KindProtocol, op, "unsupported password reference")
	}
	if dp := tlv.Find(objects, crtDomainParams); dp != nil && !bytes.Equal(dp.Value, []byte{byte(r.p.info.ParameterID)}) {
		return mrtderr.Errorf(mrtderr.KindProtocol, op, "unsupported domain parameters")
	}

	r.step = 0
	return nil
}

// Step processes the dynamic authentication data of one GENERAL AUTHENTICATE. The
// session is returned by the last step only.
func (r *Responder) Step(data []byte) ([]byte, *sm.Session, error) {
	out, session, err := r.advance(data)
	if err != nil {
		r.step = -1
		return nil, nil, err
	}
	return out, session, nil
}

func (r *Responder) advance(data []byte) ([]byte, *sm.Session, error) {
	const op = "pace.Responder.Step"

	objects, err := requestObjects(data)
	if err != nil {
		return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	switch r.step {
	case 0:
		r.nonce = make([]byte, r.p.alg.BlockSize())
		if _, err := io.ReadFull(r.rand, r.nonce); err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, errors.Wrap(err, "generate nonce"))
		}
		z, err := sm.Encrypt(r.p.alg, r.kpi, nil, r.nonce)
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		return r.reply(tagEncryptedNonce, z, nil)

	case 1:
		terminal := tlv.Find(objects, 0x81)
		if terminal == nil {
			return nil, nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "missing mapping data")
		}
		priv, pub, err := r.p.grp.generateKey(r.rand, r.p.grp.generator())
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		h, err := r.p.grp.agree(priv, terminal.Value)
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		if r.mapped, err = r.p.grp.mapGenerator(r.nonce, h); err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		return r.reply(tagMappingIC, pub, nil)

	case 2:
		terminal := tlv.Find(objects, 0x83)
		if terminal == nil {
			return nil, nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "missing ephemeral public key")
		}
		priv, pub, err := r.p.grp.generateKey(r.rand, r.mapped)
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		shared, err := r.p.grp.agree(priv, terminal.Value)
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		if r.ksEnc, r.ksMac, err = r.p.sessionKeys(shared); err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		r.ephPub, r.ifdPub = pub, bytes.Clone(terminal.Value)
		return r.reply(tagEphemeralIC, pub, nil)

	case 3:
		terminal := tlv.Find(objects, 0x85)
		if terminal == nil {
			return nil, nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "missing authentication token")
		}
		expected, err := r.p.token(r.ksMac, r.ephPub)
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		if !equalToken(expected, terminal.Value) {
			return nil, nil, mrtderr.Errorf(mrtderr.KindAuthentication, op, "terminal authentication token mismatch")
		}
		tIC, err := r.p.token(r.ksMac, r.ifdPub)
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		session, err := r.p.newSession(r.ksEnc, r.ksMac)
		if err != nil {
			return nil, nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
		return r.reply(tagTokenIC, tIC, session)

	default:
		return nil, nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "no authentication in progress")
	}
}

func (r *Responder) reply(tag string, value []byte, session *sm.Session) ([]byte, *sm.Session, error) {
	out, err := encodeAuthData(tag, value)
	if err != nil {
		return nil, nil, mrtderr.E(mrtderr.KindProtocol, "pace.Responder.Step", err)
	}
	if session != nil {
		r.step = -1
	} else {
		r.step++
	}
	return out, session, nil
}

// requestObjects returns the objects inside tag 7C.
func requestObjects(data []byte) ([]tlv.Object, error) {
	outer, rest, err := tlv.Next(data)
	if err != nil {
		return nil, err
	}
	if outer.Tag != 0x7C || len(rest) != 0 {
		return nil, errors.New("expected a single 7C data object")
	}
	return tlv.Split(outer.Value)
}
