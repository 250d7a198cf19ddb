package passport

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/reader"
	"github.com/gregLibert/mrtd-reader/pkg/transport"
	"github.com/gregLibert/mrtd-reader/pkg/trust"
)

// LengthMode selects short or extended length APDUs.
type LengthMode int

const (
	// LengthAuto uses extended length when EF.ATR/INFO announces it.
	LengthAuto LengthMode = iota
	LengthShort
	LengthExtended
)

func (m LengthMode) String() string {
	switch m {
	case LengthAuto:
		return "auto"
	case LengthShort:
		return "short"
	case LengthExtended:
		return "extended"
	default:
		return fmt.Sprintf("LengthMode(%d)", int(m))
	}
}

// ParseLengthMode accepts "auto", "short" and "extended".
func ParseLengthMode(s string) (LengthMode, error) {
	for _, m := range []LengthMode{LengthAuto, LengthShort, LengthExtended} {
		if s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown APDU length mode %q", s)
}

// FallbackPolicy decides what happens when PACE cannot be used.
type FallbackPolicy int

const (
	// FallbackOnUnsupported runs BAC when the chip offers no PACE the reader implements,
	// or when PACE fails for any reason other than rejected credentials.
	FallbackOnUnsupported FallbackPolicy = iota
	// FallbackNever fails the session instead of running BAC on a chip that
	// announces PACE.
	FallbackNever
	// BACOnly ignores EF.CardAccess.
	BACOnly
)

func (p FallbackPolicy) String() string {
	switch p {
	case FallbackOnUnsupported:
		return "on-unsupported"
	case FallbackNever:
		return "never"
	case BACOnly:
		return "bac-only"
	default:
		return fmt.Sprintf("FallbackPolicy(%d)", int(p))
	}
}

// ParseFallbackPolicy accepts "on-unsupported", "never" and "bac-only".
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	for _, p := range []FallbackPolicy{FallbackOnUnsupported, FallbackNever, BACOnly} {
		if s == p.String() {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown PACE fallback policy %q", s)
}

// Config is everything a session needs. The zero value of every field but Key is
// usable.
type Config struct {
	Key mrz.Key

	// Timeout bounds every exchange. Zero means transport.DefaultTimeout.
	Timeout time.Duration
	// MaxBlockSize bounds the bytes asked by one READ BINARY. Zero means
	// reader.DefaultMaxBlockSize.
	MaxBlockSize int
	Length       LengthMode
	Fallback     FallbackPolicy
	// ProbeUnprotected tries EF.COM in plain before BAC, for chips without access
	// control.
	ProbeUnprotected bool

	// DataGroups are read by Read when EF.COM lists them. Nil reads every listed
	// data group.
	DataGroups []lds.DataGroupNumber
	// Trust anchors the signer chain. Nil skips chain validation.
	Trust *trust.Store
	// Time is the verification time. Zero means now.
	Time time.Time

	// Rand feeds the handshakes. Nil means crypto/rand.
	Rand   io.Reader
	Logger *slog.Logger
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c Config) rand() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

func (c Config) maxBlockSize() int {
	if c.MaxBlockSize > 0 {
		return c.MaxBlockSize
	}
	return reader.DefaultMaxBlockSize
}

// ChannelOptions returns the transport options matching c, for building the channel
// handed to Open.
func (c Config) ChannelOptions() []transport.Option {
	return []transport.Option{
		transport.WithTimeout(c.Timeout),
		transport.WithLogger(c.Logger),
	}
}
