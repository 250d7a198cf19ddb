// Package pace implements Password Authenticated Connection Establishment
// (ICAO 9303-11 §4.4) with the MRZ as password.
//
// The generic mapping is run with ECDH on the standardized curves and with DH on the
// RFC 5114 MODP groups. A chip that offers only the integrated or chip authentication
// mappings yields a KindProtocol error, and the caller falls back to BAC.
//
// Flow (terminal view), every step is a GENERAL AUTHENTICATE of the same chain:
//
//	MSE:Set AT (protocol OID, MRZ password, parameter ID)
//	7C{}                  -> 7C{80 z}           s = D(Kπ, z)
//	7C{81 PK.map.IFD}     -> 7C{82 PK.map.IC}   Ĝ = s·G + SK.map.IFD·PK.map.IC   (DH: g^s·h)
//	7C{83 PK.eph.IFD}     -> 7C{84 PK.eph.IC}   K = x(SK.eph.IFD·PK.eph.IC)      (DH: y^x)
//	7C{85 T.IFD}          -> 7C{86 T.IC}        T = MAC(KSmac, 7F49{06 OID, 86 PK}) (DH: 84 y)
package pace

import (
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
)

const op = "pace.Authenticate"

// Authenticate runs PACE with info over client and returns the established session
// (SSC zero). Any protector installed on client is removed first. The caller installs
// the returned session with client.SetProtector.
func Authenticate(ctx context.Context, client *iso7816.Client, key mrz.Key, info Info, rand io.Reader) (*sm.Session, error) {
	if key.IsZero() {
		return nil, mrtderr.Errorf(mrtderr.KindInput, op, "missing MRZ key")
	}

	p, err := resolve(info)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	kpi, err := p.passwordKey(key)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	client.SetProtector(nil)

	crt, err := p.mseData()
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	if _, err := client.Transmit(ctx, iso7816.MSESetAT(crt)); err != nil {
		return nil, keepTransport(mrtderr.KindProtocol, err)
	}

	// Step 1: encrypted nonce
	resp, err := generalAuthenticate(ctx, client, "", nil, false)
	if err != nil {
		return nil, err
	}
	if len(resp.Objects.EncryptedNonce) == 0 {
		return nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "missing encrypted nonce")
	}
	nonce, err := sm.Decrypt(p.alg, kpi, nil, resp.Objects.EncryptedNonce)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, errors.Wrap(err, "decrypt nonce"))
	}

	// Step 2: generic mapping
	mapPriv, mapPub, err := p.grp.generateKey(rand, p.grp.generator())
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	resp, err = generalAuthenticate(ctx, client, tagMappingIFD, mapPub, false)
	if err != nil {
		return nil, err
	}
	h, err := p.grp.agree(mapPriv, resp.Objects.MappingIC)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, errors.Wrap(err, "chip mapping data"))
	}
	mapped, err := p.grp.mapGenerator(nonce, h)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	// Step 3: ephemeral key agreement on the mapped generator
	ephPriv, ephPub, err := p.grp.generateKey(rand, mapped)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	resp, err = generalAuthenticate(ctx, client, tagEphemeralIFD, ephPub, false)
	if err != nil {
		return nil, err
	}
	chipPub := resp.Objects.EphemeralIC
	shared, err := p.grp.agree(ephPriv, chipPub)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, errors.Wrap(err, "chip ephemeral key"))
	}
	if bytes.Equal(chipPub, ephPub) {
		return nil, mrtderr.Errorf(mrtderr.KindProtocol, op, "chip echoed the terminal ephemeral key")
	}

	ksEnc, ksMac, err := p.sessionKeys(shared)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	// Step 4: mutual authentication
	tIFD, err := p.token(ksMac, chipPub)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	resp, err = generalAuthenticate(ctx, client, tagTokenIFD, tIFD, true)
	if err != nil {
		return nil, err
	}
	expected, err := p.token(ksMac, ephPub)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	if !equalToken(expected, resp.Objects.TokenIC) {
		return nil, mrtderr.Errorf(mrtderr.KindAuthentication, op, "chip authentication token mismatch")
	}

	session, err := p.newSession(ksEnc, ksMac)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}

	logger := client.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("pace session established", "protocol", info.String())
	return session, nil
}

// generalAuthenticate sends one step of the chain. An empty tag sends 7C00. A status
// error on the last step means the chip rejected the password; on the earlier steps it
// refused the parameters and is reported as KindProtocol.
func generalAuthenticate(ctx context.Context, client *iso7816.Client, tag string, value []byte, last bool) (*authData, error) {
	data := []byte{0x7C, 0x00}
	if tag != "" {
		var err error
		if data, err = encodeAuthData(tag, value); err != nil {
			return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
		}
	}

	resp, err := client.Transmit(ctx, iso7816.GeneralAuthenticate(data, last))
	if err != nil {
		if last {
			return nil, keepTransport(mrtderr.KindAuthentication, err)
		}
		return nil, keepTransport(mrtderr.KindProtocol, err)
	}

	out, err := parseAuthData(resp.Data)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, op, err)
	}
	return out, nil
}

// keepTransport reclassifies a chip rejection, but keeps transport and integrity
// failures as they are.
func keepTransport(kind mrtderr.Kind, err error) error {
	switch mrtderr.KindOf(err) {
	case mrtderr.KindTransport, mrtderr.KindIntegrity:
		return err
	default:
		return mrtderr.E(kind, op, err)
	}
}
