// Package config reads the settings of the command line reader from the environment,
// optionally seeded by a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/passport"
	"github.com/gregLibert/mrtd-reader/pkg/trust"
)

// DefaultEnvFile is read when it exists and no other file is named.
const DefaultEnvFile = ".env"

// Config holds every MRTD_* variable.
type Config struct {
	LogLevel string `env:"MRTD_LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`

	Backend         string        `env:"MRTD_PCSC_BACKEND" env-default:"scard" env-description:"PC/SC client: scard (system library) or pcsclite (pcscd socket)"`
	Reader          string        `env:"MRTD_READER" env-description:"reader name, the first reader when empty"`
	ExchangeTimeout time.Duration `env:"MRTD_EXCHANGE_TIMEOUT" env-default:"10s" env-description:"bound of a single APDU exchange"`

	MaxBlockSize     int    `env:"MRTD_MAX_BLOCK_SIZE" env-default:"223" env-description:"bytes asked by one READ BINARY"`
	APDULength       string `env:"MRTD_APDU_LENGTH" env-default:"auto" env-description:"auto, short or extended"`
	PACEFallback     string `env:"MRTD_PACE_FALLBACK" env-default:"on-unsupported" env-description:"on-unsupported, never or bac-only"`
	ProbeUnprotected bool   `env:"MRTD_PROBE_UNPROTECTED" env-default:"true" env-description:"try EF.COM without access control before BAC"`
	DataGroups       []int  `env:"MRTD_DATA_GROUPS" env-separator:"," env-description:"data groups to read, all listed in EF.COM when empty"`

	TrustStore              string `env:"MRTD_TRUST_STORE" env-description:"CSCA file or directory: PEM, DER, master list (.ml) or LDIF"`
	SkipMasterListSignature bool   `env:"MRTD_SKIP_MASTERLIST_SIGNATURE" env-description:"accept master lists whose signature cannot be checked"`

	DocumentNumber string `env:"MRTD_DOCUMENT_NUMBER" env-description:"document number of the MRZ key"`
	DateOfBirth    string `env:"MRTD_DATE_OF_BIRTH" env-description:"YYMMDD or YYYY-MM-DD"`
	DateOfExpiry   string `env:"MRTD_DATE_OF_EXPIRY" env-description:"YYMMDD or YYYY-MM-DD"`
}

// Load reads envFile into the environment, then the environment into a Config.
// Variables already set win over the file. An empty envFile reads DefaultEnvFile
// when it exists.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			envFile = DefaultEnvFile
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage returns a flag.Usage replacement that also lists the environment variables.
func Usage(header string, usage func()) func() {
	var cfg Config
	return cleanenv.Usage(&cfg, &header, usage)
}

func (c *Config) validate() error {
	switch c.Backend {
	case "scard", "pcsclite":
	default:
		return fmt.Errorf("config: MRTD_PCSC_BACKEND %q: want scard or pcsclite", c.Backend)
	}
	if c.ExchangeTimeout <= 0 {
		return fmt.Errorf("config: MRTD_EXCHANGE_TIMEOUT must be positive")
	}
	if c.MaxBlockSize <= 0 || c.MaxBlockSize > 0xFFFF {
		return fmt.Errorf("config: MRTD_MAX_BLOCK_SIZE %d out of range", c.MaxBlockSize)
	}
	if _, err := passport.ParseLengthMode(c.APDULength); err != nil {
		return fmt.Errorf("config: MRTD_APDU_LENGTH: %w", err)
	}
	if _, err := passport.ParseFallbackPolicy(c.PACEFallback); err != nil {
		return fmt.Errorf("config: MRTD_PACE_FALLBACK: %w", err)
	}
	for _, n := range c.DataGroups {
		if !lds.DataGroupNumber(n).Valid() {
			return fmt.Errorf("config: MRTD_DATA_GROUPS: no data group %d", n)
		}
	}
	return nil
}

// Key builds the MRZ key from the three credential variables.
func (c *Config) Key() (mrz.Key, error) {
	return mrz.NewKey(c.DocumentNumber, c.DateOfBirth, c.DateOfExpiry)
}

// Trust loads the trust store, nil when MRTD_TRUST_STORE is empty.
func (c *Config) Trust() (*trust.Store, error) {
	if c.TrustStore == "" {
		return nil, nil
	}
	return trust.Load(c.TrustStore, trust.Options{SkipMasterListSignature: c.SkipMasterListSignature})
}

// Passport returns the session configuration. The MRZ key and the trust store are
// left to the caller.
func (c *Config) Passport() passport.Config {
	length, _ := passport.ParseLengthMode(c.APDULength)
	fallback, _ := passport.ParseFallbackPolicy(c.PACEFallback)

	var groups []lds.DataGroupNumber
	for _, n := range c.DataGroups {
		groups = append(groups, lds.DataGroupNumber(n))
	}

	return passport.Config{
		Timeout:          c.ExchangeTimeout,
		MaxBlockSize:     c.MaxBlockSize,
		Length:           length,
		Fallback:         fallback,
		ProbeUnprotected: c.ProbeUnprotected,
		DataGroups:       groups,
	}
}
