package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/passport"
)

// unset removes key for the duration of the test.
func unset(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, "scard", cfg.Backend)
	require.Equal(t, 10*time.Second, cfg.ExchangeTimeout)
	require.Equal(t, 223, cfg.MaxBlockSize)
	require.True(t, cfg.ProbeUnprotected)
	require.Empty(t, cfg.DataGroups)

	pc := cfg.Passport()
	require.Equal(t, passport.LengthAuto, pc.Length)
	require.Equal(t, passport.FallbackOnUnsupported, pc.Fallback)
	require.Nil(t, pc.DataGroups)

	store, err := cfg.Trust()
	require.NoError(t, err)
	require.Nil(t, store)
}

func TestLoad_Environment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MRTD_PCSC_BACKEND", "pcsclite")
	t.Setenv("MRTD_EXCHANGE_TIMEOUT", "3s")
	t.Setenv("MRTD_APDU_LENGTH", "extended")
	t.Setenv("MRTD_PACE_FALLBACK", "never")
	t.Setenv("MRTD_DATA_GROUPS", "1,2,14")
	t.Setenv("MRTD_PROBE_UNPROTECTED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "pcsclite", cfg.Backend)

	pc := cfg.Passport()
	require.Equal(t, 3*time.Second, pc.Timeout)
	require.Equal(t, passport.LengthExtended, pc.Length)
	require.Equal(t, passport.FallbackNever, pc.Fallback)
	require.False(t, pc.ProbeUnprotected)
	require.Equal(t, []lds.DataGroupNumber{1, 2, 14}, pc.DataGroups)
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	unset(t, "MRTD_READER")
	unset(t, "MRTD_DOCUMENT_NUMBER")
	unset(t, "MRTD_DATE_OF_BIRTH")
	unset(t, "MRTD_DATE_OF_EXPIRY")

	env := "MRTD_READER=ACS ACR122U\n" +
		"MRTD_DOCUMENT_NUMBER=L898902C3\n" +
		"MRTD_DATE_OF_BIRTH=1974-08-12\n" +
		"MRTD_DATE_OF_EXPIRY=120415\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultEnvFile), []byte(env), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "ACS ACR122U", cfg.Reader)

	key, err := cfg.Key()
	require.NoError(t, err)
	require.Equal(t, "740812", key.DateOfBirth())

	_, err = Load(filepath.Join(dir, "missing.env"))
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := map[string]string{
		"MRTD_PCSC_BACKEND":   "nfc",
		"MRTD_APDU_LENGTH":    "long",
		"MRTD_PACE_FALLBACK":  "sometimes",
		"MRTD_DATA_GROUPS":    "1,17",
		"MRTD_MAX_BLOCK_SIZE": "0",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestKey_Invalid(t *testing.T) {
	cfg := &Config{DocumentNumber: "L898902C3", DateOfBirth: "741312", DateOfExpiry: "120415"}
	_, err := cfg.Key()
	require.ErrorIs(t, err, mrtderr.ErrInput)
}

func TestTrust(t *testing.T) {
	cfg := &Config{TrustStore: filepath.Join(t.TempDir(), "missing")}
	_, err := cfg.Trust()
	require.Error(t, err)
}
