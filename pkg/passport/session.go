// Package passport establishes a session with an ICAO 9303 chip and reads the
// document.
//
// Open runs the access control the chip asks for (PACE, BAC, or none) and returns a
// Session bound to one transport channel. Read is the single blocking call most
// callers need: open, read EF.COM, EF.SOD and the data groups, then verify them.
//
// A Session is not resumable. Once the link is lost or a secure messaging check
// fails, every later call returns an error and a new session must be opened on a new
// channel.
package passport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/pace"
	"github.com/gregLibert/mrtd-reader/pkg/reader"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/transport"
)

// Session is an authenticated link to a chip. Its methods serialise access; it must
// not be shared between concurrent reads of different documents.
type Session struct {
	ID uuid.UUID

	cfg      Config
	ch       *transport.Channel
	client   *iso7816.Client
	reader   *reader.Reader
	logger   *slog.Logger
	protocol Protocol
	extended bool
	plan     accessPlan
	caps     capabilities

	mu     sync.Mutex
	sm     *sm.Session
	dead   error
	closed bool
}

// Open takes ownership of ch and runs access control. On error ch is closed.
func Open(ctx context.Context, ch *transport.Channel, cfg Config) (*Session, error) {
	const op = "passport.Open"

	if cfg.Key.IsZero() {
		_ = ch.Close()
		return nil, mrtderr.Errorf(mrtderr.KindInput, op, "missing MRZ key")
	}

	id := uuid.New()
	logger := cfg.logger().With("session", id.String())

	client := iso7816.NewClient(ch)
	client.Logger = logger
	rd := reader.New(client)
	rd.MaxBlockSize = cfg.maxBlockSize()
	rd.Logger = logger

	s := &Session{
		ID:     id,
		cfg:    cfg,
		ch:     ch,
		client: client,
		reader: rd,
		logger: logger,
	}

	if err := s.open(ctx); err != nil {
		s.logger.Warn("session not established", "err", err, "kind", mrtderr.KindOf(err).String())
		_ = ch.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) open(ctx context.Context) error {
	caps, err := discover(ctx, s.reader, s.logger)
	if err != nil {
		return err
	}
	s.caps = caps

	plan, extended, err := decide(s.cfg, caps)
	if err != nil {
		return err
	}
	s.plan, s.extended = plan, extended
	s.client.Extended = extended
	s.logger.Debug("access plan", "plan", plan.String(), "extended", extended)

	if err := plan.establish(ctx, s); err != nil {
		return err
	}
	s.logger.Info("session established", "protocol", s.protocol.String(), "extended", extended)
	return nil
}

// discover reads EF.CardAccess and EF.ATR/INFO from the master file. Missing or
// unreadable files mean the capability is absent; only a lost link is fatal.
func discover(ctx context.Context, rd *reader.Reader, logger *slog.Logger) (capabilities, error) {
	var caps capabilities

	if err := rd.SelectMasterFile(ctx); err != nil {
		if mrtderr.KindOf(err) == mrtderr.KindTransport {
			return caps, err
		}
		logger.Debug("master file not selectable", "err", err)
	}

	raw, err := rd.ReadFile(ctx, lds.FIDCardAccess)
	switch {
	case err == nil:
		ca, err := pace.ParseCardAccess(raw)
		if err != nil {
			logger.Warn("ignoring malformed EF.CardAccess", "err", err)
			break
		}
		caps.cardAccess = ca
	case mrtderr.KindOf(err) == mrtderr.KindTransport:
		return caps, err
	default:
		logger.Debug("no EF.CardAccess", "err", err)
	}

	raw, err = rd.ReadTransparent(ctx, lds.FIDATRInfo)
	switch {
	case err == nil:
		info, err := lds.ParseATRInfo(raw)
		if err != nil {
			logger.Warn("ignoring malformed EF.ATR/INFO", "err", err)
			break
		}
		caps.atrInfo = info
	case mrtderr.KindOf(err) == mrtderr.KindTransport:
		return caps, err
	default:
		logger.Debug("no EF.ATR/INFO", "err", err)
	}
	return caps, nil
}

// secure installs the secure messaging session of a successful handshake.
func (s *Session) secure(session *sm.Session, p Protocol) {
	session.Logger = s.logger
	s.mu.Lock()
	s.sm = session
	s.mu.Unlock()
	s.client.SetProtector(session)
	s.protocol = p
}

// Protocol is the access control the session runs under.
func (s *Session) Protocol() Protocol {
	return s.protocol
}

// Extended reports whether extended length APDUs are in use.
func (s *Session) Extended() bool {
	return s.extended
}

// CardAccess is the parsed EF.CardAccess, nil when the chip has none.
func (s *Session) CardAccess() *pace.CardAccess {
	return s.caps.cardAccess
}

// ReadFile reads an elementary file of the eMRTD application. A transport or
// integrity failure ends the session.
func (s *Session) ReadFile(ctx context.Context, fid uint16) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}

	data, err := s.reader.ReadFile(ctx, fid)
	if err != nil {
		switch mrtderr.KindOf(err) {
		case mrtderr.KindTransport, mrtderr.KindIntegrity:
			s.terminate(err)
		}
		return nil, err
	}
	return data, nil
}

func (s *Session) usable() error {
	switch {
	case s.closed:
		return mrtderr.Errorf(mrtderr.KindTransport, "passport.Session", "session closed")
	case s.dead != nil:
		return mrtderr.E(mrtderr.KindOf(s.dead), "passport.Session", s.dead)
	}
	return nil
}

func (s *Session) terminate(err error) {
	s.dead = err
	if s.sm != nil {
		s.sm.Terminate()
	}
	s.logger.Warn("session terminated", "err", err, "kind", mrtderr.KindOf(err).String())
}

// Err returns the failure that ended the session, or nil while it is usable.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// Close erases the session keys and closes the channel.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.sm != nil {
		s.sm.Terminate()
	}
	return s.ch.Close()
}
