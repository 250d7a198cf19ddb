package transport

import (
	"errors"
	"fmt"

	pcsc "github.com/gballet/go-libpcsclite"
)

// ErrNoReader reports that no reader is connected.
var ErrNoReader = errors.New("transport: no reader")

// liteCard adapts a pcscd client card handle to Card.
type liteCard struct {
	card *pcsc.Card
}

func (l *liteCard) Transmit(cmd []byte) ([]byte, error) {
	resp, _, err := l.card.Transmit(cmd)
	if err != nil {
		return nil, mapLiteError(err)
	}
	return resp, nil
}

// mapLiteError maps the removal codes of a pcscd reply to ErrTagLost. The client
// only reports the return code in the error text.
func mapLiteError(err error) error {
	var code uint32
	if _, scanErr := fmt.Sscanf(err.Error(), "invalid return code: %x", &code); scanErr != nil {
		return err
	}
	switch pcsc.ErrorCode(code) {
	case pcsc.ErrSCardRemovedCard,
		pcsc.ErrSCardResetCard,
		pcsc.ErrSCardNoSmartCard,
		pcsc.ErrSCardUnpoweredCard,
		pcsc.ErrSCardUnresponsiveCard:
		return fmt.Errorf("%w: %v", ErrTagLost, err)
	default:
		return err
	}
}

// OpenPCSCLite connects through the pcscd socket with the pure Go client, which does
// not need the PC/SC C library at build time.
func OpenPCSCLite(reader string, opts ...Option) (*Channel, string, error) {
	client, err := pcsc.EstablishContext(pcsc.PCSCDSockName, pcsc.ScopeSystem)
	if err != nil {
		return nil, "", fmt.Errorf("establish pcscd context: %w", err)
	}

	if reader == "" {
		readers, err := client.ListReaders()
		if err != nil || len(readers) == 0 {
			if relErr := client.ReleaseContext(); relErr != nil {
				err = errors.Join(err, relErr)
			}
			return nil, "", fmt.Errorf("no smart card reader found: %w", errors.Join(err, ErrNoReader))
		}
		reader = readers[0]
	}

	card, err := client.Connect(reader, pcsc.ShareShared, pcsc.ProtocolAny)
	if err != nil {
		if relErr := client.ReleaseContext(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return nil, "", fmt.Errorf("connect to %q: %w", reader, err)
	}

	closer := func() error {
		return errors.Join(card.Disconnect(pcsc.LeaveCard), client.ReleaseContext())
	}

	return NewChannel(&liteCard{card: card}, append(opts, WithCloser(closer))...), reader, nil
}
