package transport

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// scardCard maps the PC/SC removal codes to ErrTagLost.
type scardCard struct {
	card *scard.Card
}

func (s *scardCard) Transmit(cmd []byte) ([]byte, error) {
	resp, err := s.card.Transmit(cmd)
	if err != nil {
		return nil, mapSCardError(err)
	}
	return resp, nil
}

func mapSCardError(err error) error {
	switch {
	case errors.Is(err, scard.ErrRemovedCard),
		errors.Is(err, scard.ErrResetCard),
		errors.Is(err, scard.ErrNoSmartcard),
		errors.Is(err, scard.ErrUnpoweredCard):
		return fmt.Errorf("%w: %v", ErrTagLost, err)
	default:
		return err
	}
}

// ListPCSCReaders returns the reader names known to the PC/SC service.
func ListPCSCReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish PC/SC context: %w", err)
	}
	defer ctx.Release()

	return ctx.ListReaders()
}

// OpenPCSC connects to the chip on the named reader (the first reader when empty)
// through the system PC/SC library.
func OpenPCSC(reader string, opts ...Option) (*Channel, string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, "", fmt.Errorf("establish PC/SC context: %w", err)
	}

	if reader == "" {
		readers, err := ctx.ListReaders()
		if err != nil || len(readers) == 0 {
			if relErr := ctx.Release(); relErr != nil {
				err = errors.Join(err, relErr)
			}
			return nil, "", fmt.Errorf("no smart card reader found: %w", errors.Join(err, ErrNoReader))
		}
		reader = readers[0]
	}

	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if relErr := ctx.Release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return nil, "", fmt.Errorf("connect to %q: %w", reader, mapSCardError(err))
	}

	closer := func() error {
		return errors.Join(card.Disconnect(scard.LeaveCard), ctx.Release())
	}

	return NewChannel(&scardCard{card: card}, append(opts, WithCloser(closer))...), reader, nil
}
