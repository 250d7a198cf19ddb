package iso7816

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
// It implements the automatic handling of ISO 7816-3 transport behaviors that are
// often exposed to the application layer:
//
// 1. "61 XX" (Response Available):
//    The chip indicates that XX bytes are waiting (00 means 256). The client sends
//    GET RESPONSE until a final status arrives and concatenates the data fields.
//
// 2. "6C XX" (Wrong Length):
//    The chip indicates that the expected length (Le) was incorrect and suggests XX.
//    The client re-sends the original command with Le = XX.
//
// Send() performs only this physical part and returns the Trace. Transmit() is the
// logical exchange: protection (Secure Messaging), Send, unprotection, then status
// mapping.

// maxChainedResponses bounds the GET RESPONSE loop against a chip that never ends it.
const maxChainedResponses = 512

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(ctx context.Context, cmd []byte) ([]byte, error)
}

// Protector applies Secure Messaging to a command and removes it from the response.
// The response given to Unwrap is the complete one, after GET RESPONSE chaining.
type Protector interface {
	Wrap(cmd *CommandAPDU) (*CommandAPDU, error)
	Unwrap(resp *ResponseAPDU) (*ResponseAPDU, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter
	// Extended allows extended length APDUs. It must only be set when the chip
	// announced support for them.
	Extended bool
	Logger   *slog.Logger

	protector Protector
}

// NewClient creates a new Client instance.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// SetProtector installs (or, with nil, removes) the Secure Messaging layer.
func (c *Client) SetProtector(p Protector) {
	c.protector = p
}

// Protector returns the installed Secure Messaging layer, or nil.
func (c *Client) Protector() Protector {
	return c.protector
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// MaxNe is the largest response length the client may ask for.
func (c *Client) MaxNe() int {
	if c.Extended {
		return MaxExtendedLe
	}
	return MaxShortLe
}

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
func (c *Client) Send(ctx context.Context, cmd *CommandAPDU) (Trace, error) {
	if !c.Extended && (cmd.Extended || len(cmd.Data) > MaxShortLc || cmd.Ne > MaxShortLe) {
		return nil, mrtderr.Errorf(mrtderr.KindProtocol, "iso7816.Send",
			"%s needs extended length, which the chip does not support", cmd.Instruction.Raw)
	}

	var trace Trace
	current := cmd

	for steps := 0; ; steps++ {
		if steps > maxChainedResponses {
			return trace, mrtderr.Errorf(mrtderr.KindProtocol, "iso7816.Send", "response chaining does not terminate")
		}

		resp, err := c.exchange(ctx, current)
		if err != nil {
			return trace, err
		}
		trace = append(trace, Transaction{Command: current, Response: resp})

		sw1, sw2 := resp.Status.SW1(), resp.Status.SW2()

		switch sw1 {
		case 0x61:
			// GET RESPONSE uses the logical channel of the original command, without SM
			cls := Class{Channel: cmd.Class.Channel}
			cls.Raw, _ = cls.Encode()
			current = NewCommandAPDU(cls, mustInstruction(INS_GET_RESPONSE), 0x00, 0x00, nil, decodeShortLe(sw2))
		case 0x6C:
			// a protected command is bound to the counter it consumed
			if current.Class.SecureMessaging != SMNone {
				return trace, nil
			}
			retry := *current
			retry.Ne = decodeShortLe(sw2)
			current = &retry
		default:
			return trace, nil
		}
	}
}

func (c *Client) exchange(ctx context.Context, cmd *CommandAPDU) (*ResponseAPDU, error) {
	rawCmd, err := cmd.Bytes()
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, "iso7816.Send", fmt.Errorf("encoding error: %w", err))
	}

	rawResp, err := c.Card.Transmit(ctx, rawCmd)
	if err != nil {
		if mrtderr.KindOf(err) == mrtderr.KindUnknown {
			return nil, mrtderr.E(mrtderr.KindTransport, "iso7816.Send", err)
		}
		return nil, err
	}

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, mrtderr.E(mrtderr.KindProtocol, "iso7816.Send", err)
	}
	return resp, nil
}

// Transmit performs one logical exchange and maps a non success status word to a
// classified *StatusError. The response is returned alongside a status error so that
// callers can inspect warnings such as 6282 (end of file reached).
func (c *Client) Transmit(ctx context.Context, cmd *CommandAPDU) (*ResponseAPDU, error) {
	wire := cmd
	if c.protector != nil {
		var err error
		if wire, err = c.protector.Wrap(cmd); err != nil {
			return nil, err
		}
	}

	trace, err := c.Send(ctx, wire)
	if err != nil {
		return nil, err
	}

	resp := trace.Response()
	if c.protector != nil {
		if resp, err = c.protector.Unwrap(resp); err != nil {
			return nil, err
		}
	}

	log := c.logger()
	if c.protector == nil && log.Enabled(ctx, slog.LevelDebug) {
		// plain READ BINARY only, the report cannot decode protected data
		if rb, err := NewReadBinaryResult(trace); err == nil {
			log.Debug("read binary report", "report", rb.Describe())
		}
	}

	log.Debug("apdu exchange",
		"ins", cmd.Instruction.Raw.String(),
		"p1p2", fmt.Sprintf("%02X%02X", cmd.P1, cmd.P2),
		"protected", c.protector != nil,
		"steps", len(trace),
		"sw", fmt.Sprintf("%04X", uint16(resp.Status)),
		"length", len(resp.Data))

	return resp, resp.Err(cmd.Instruction.Raw)
}
