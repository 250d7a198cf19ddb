// Package transport owns the half-duplex link to a contactless chip.
//
// A Channel wraps any Card (a PC/SC handle, a simulated chip) and adds what the upper
// layers rely on: one exchange at a time, a bounded wait per exchange, cancellation
// through context.Context, and fail-fast behaviour once the link is lost. A lost tag
// cannot be resumed: every later exchange on the same Channel fails with
// mrtderr.KindTransport and the caller must start a new session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
)

// DefaultTimeout bounds a single command/response exchange.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTagLost reports that the chip left the field or was reset.
	ErrTagLost = errors.New("transport: tag lost")
	// ErrTimeout reports that the chip did not answer within the exchange timeout.
	ErrTimeout = errors.New("transport: exchange timed out")
	// ErrNoResponse reports an empty answer.
	ErrNoResponse = errors.New("transport: no response")
	// ErrClosed reports use of a closed channel.
	ErrClosed = errors.New("transport: channel closed")
)

// Card is a raw APDU exchanger. *scard.Card satisfies it.
type Card interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Channel serialises exchanges with a Card.
type Channel struct {
	card    Card
	timeout time.Duration
	logger  *slog.Logger
	closer  func() error

	mu     sync.Mutex
	failed error
}

// Option configures a Channel.
type Option func(*Channel)

// WithTimeout sets the per-exchange timeout. Zero or negative keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for raw APDU tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCloser registers the function releasing the underlying reader on Close.
func WithCloser(fn func() error) Option {
	return func(c *Channel) {
		c.closer = fn
	}
}

// NewChannel wraps card.
func NewChannel(card Card, opts ...Option) *Channel {
	c := &Channel{
		card:    card,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout returns the per-exchange timeout.
func (c *Channel) Timeout() time.Duration {
	return c.timeout
}

type result struct {
	resp []byte
	err  error
}

// Transmit sends one command APDU and waits for its response.
func (c *Channel) Transmit(ctx context.Context, cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed != nil {
		return nil, mrtderr.E(mrtderr.KindTransport, "transport.Transmit", c.failed)
	}
	if err := ctx.Err(); err != nil {
		return nil, mrtderr.E(mrtderr.KindTransport, "transport.Transmit", err)
	}

	c.logger.Debug("C-APDU", "data", fmt.Sprintf("%X", cmd))

	done := make(chan result, 1)
	start := time.Now()
	go func() {
		resp, err := c.card.Transmit(cmd)
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-done:
	case <-timer.C:
		res.err = fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err == nil && len(res.resp) == 0 {
		res.err = ErrNoResponse
	}
	if res.err != nil {
		// The card may still be busy with cmd: nothing else may be sent on this link.
		c.failed = res.err
		c.logger.Warn("transport failure", "err", res.err)
		return nil, mrtderr.E(mrtderr.KindTransport, "transport.Transmit", res.err)
	}

	c.logger.Debug("R-APDU", "data", fmt.Sprintf("%X", res.resp), "elapsed", time.Since(start))
	return res.resp, nil
}

// Err returns the failure that closed the link, or nil while it is usable.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Close releases the reader. Later exchanges fail with ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed == nil {
		c.failed = ErrClosed
	}
	if c.closer == nil {
		return nil
	}
	closer := c.closer
	c.closer = nil
	return closer()
}
