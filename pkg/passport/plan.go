package passport

import (
	"context"
	"errors"

	"github.com/gregLibert/mrtd-reader/pkg/bac"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/pace"
)

// ACCESS CONTROL SELECTION (ICAO 9303-11 §4):
// The capabilities read from the master file are turned into one accessPlan before
// any handshake starts:
//
//	EF.CardAccess with a PACEInfo we implement  -> pacePlan (BAC fallback per policy)
//	otherwise                                   -> bacPlan
//
// A pacePlan never falls back after the chip rejected the credentials: a wrong MRZ
// key must surface as an authentication error, not as a BAC attempt.

// Protocol is the access control a session runs under.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolBAC
	ProtocolPACE
)

func (p Protocol) String() string {
	switch p {
	case ProtocolBAC:
		return "BAC"
	case ProtocolPACE:
		return "PACE"
	default:
		return "none"
	}
}

// capabilities is what the master file tells about the chip. Both files are optional.
type capabilities struct {
	cardAccess *pace.CardAccess
	atrInfo    *lds.ATRInfo
}

type accessPlan interface {
	establish(ctx context.Context, s *Session) error
	String() string
}

type pacePlan struct {
	info     pace.Info
	fallback *bacPlan // nil: no fallback
}

type bacPlan struct {
	probe bool
}

// decide picks the access plan and the APDU length mode.
func decide(cfg Config, caps capabilities) (accessPlan, bool, error) {
	extended := false
	switch cfg.Length {
	case LengthExtended:
		extended = true
	case LengthAuto:
		extended = caps.atrInfo != nil && caps.atrInfo.ExtendedLength
	}

	fallback := &bacPlan{probe: cfg.ProbeUnprotected}
	if cfg.Fallback == BACOnly || caps.cardAccess == nil || len(caps.cardAccess.PACE) == 0 {
		return fallback, extended, nil
	}

	info, ok := caps.cardAccess.Preferred()
	if !ok {
		if cfg.Fallback == FallbackNever {
			return nil, false, mrtderr.Errorf(mrtderr.KindProtocol, "passport.Open",
				"EF.CardAccess offers no supported PACE protocol (%s)", caps.cardAccess.PACE[0])
		}
		return fallback, extended, nil
	}
	if cfg.Fallback == FallbackNever {
		fallback = nil
	}
	return &pacePlan{info: info, fallback: fallback}, extended, nil
}

func (p *pacePlan) String() string {
	if p.fallback != nil {
		return "PACE " + p.info.String() + ", then " + p.fallback.String()
	}
	return "PACE " + p.info.String()
}

func (p *pacePlan) establish(ctx context.Context, s *Session) error {
	session, err := pace.Authenticate(ctx, s.client, s.cfg.Key, p.info, s.cfg.rand())
	if err == nil {
		s.secure(session, ProtocolPACE)
		return s.reader.SelectApplication(ctx)
	}

	switch mrtderr.KindOf(err) {
	case mrtderr.KindAuthentication, mrtderr.KindTransport, mrtderr.KindInput:
		return err
	}
	if p.fallback == nil {
		return err
	}
	s.logger.Warn("PACE failed, falling back to BAC", "err", err)
	return p.fallback.establish(ctx, s)
}

func (p *bacPlan) String() string {
	if p.probe {
		return "plain, then BAC"
	}
	return "BAC"
}

func (p *bacPlan) establish(ctx context.Context, s *Session) error {
	s.client.SetProtector(nil)
	if err := s.reader.SelectApplication(ctx); err != nil {
		return err
	}

	if p.probe {
		err := s.reader.SelectFile(ctx, lds.FIDCOM)
		if err == nil {
			_, err = s.client.Transmit(ctx, mustReadBinary(0, 1))
		}
		if err == nil {
			s.protocol = ProtocolNone
			s.logger.Info("chip answers without access control")
			return nil
		}
		if !unprotectedRefused(err) {
			return err
		}
		s.logger.Debug("plain access refused", "err", err)
	}

	session, err := bac.Authenticate(ctx, s.client, s.cfg.Key, s.cfg.rand())
	if err != nil {
		return err
	}
	s.secure(session, ProtocolBAC)
	return nil
}

// unprotectedRefused reports whether err is the chip refusing plain access, as
// opposed to the link failing.
func unprotectedRefused(err error) bool {
	var se *iso7816.StatusError
	if errors.As(err, &se) {
		return true
	}
	return mrtderr.KindOf(err) == mrtderr.KindNotFound
}

func mustReadBinary(offset, ne int) *iso7816.CommandAPDU {
	cmd, err := iso7816.ReadBinary(offset, ne)
	if err != nil {
		panic(err)
	}
	return cmd
}
