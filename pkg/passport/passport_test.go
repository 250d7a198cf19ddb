package passport

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/pace"
	"github.com/gregLibert/mrtd-reader/pkg/simchip"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
	"github.com/gregLibert/mrtd-reader/pkg/transport"
	"github.com/gregLibert/mrtd-reader/pkg/trust"
	"github.com/gregLibert/mrtd-reader/pkg/verify"
)

func specimenKey(t *testing.T, doe string) mrz.Key {
	t.Helper()
	key, err := mrz.NewKey("L898902C3", "740812", doe)
	require.NoError(t, err)
	return key
}

func paceInfo(t *testing.T, ka pace.KeyAgreement, m pace.Mapping) pace.Info {
	t.Helper()
	oid, err := pace.ProtocolOID(ka, m, sm.AES128)
	require.NoError(t, err)
	return pace.Info{Protocol: oid, Version: 2, ParameterID: 13, HasParameterID: true}
}

type fixture struct {
	doc  *simchip.Document
	chip *simchip.Chip
}

func newFixture(t *testing.T, opts simchip.Options, cfg simchip.Config) *fixture {
	t.Helper()
	doc, err := simchip.NewSpecimen(opts)
	require.NoError(t, err)
	chip, err := simchip.New(doc, cfg)
	require.NoError(t, err)
	return &fixture{doc: doc, chip: chip}
}

func (f *fixture) channel(cfg Config) *transport.Channel {
	return transport.NewChannel(f.chip, cfg.ChannelOptions()...)
}

func (f *fixture) sent(ins iso7816.InsCode) bool {
	for _, cmd := range f.chip.Commands() {
		if cmd.Instruction.Raw == ins {
			return true
		}
	}
	return false
}

func TestRead_SpecimenBAC(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true, ResponseChunk: 64})
	cfg := Config{Key: specimenKey(t, "120415")}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)

	require.Equal(t, ProtocolBAC, res.Protocol)
	require.Equal(t, []lds.DataGroupNumber{1, 2}, res.COM.DataGroups)
	require.Equal(t, f.doc.DataGroups(), res.DataGroups)
	require.Empty(t, res.Skipped)

	require.NotNil(t, res.DG1)
	require.Equal(t, "L898902C3", res.DG1.DocumentNumber)
	require.Equal(t, "ERIKSSON", res.DG1.PrimaryIdentifier)

	require.True(t, res.Verification.Valid(), res.Verification.Failures)
	require.Equal(t, verify.ChainNotEvaluated, res.Verification.Chain)

	sod, err := base64.StdEncoding.DecodeString(res.SODBase64())
	require.NoError(t, err)
	require.Equal(t, f.doc.Files[lds.FIDSOD], sod)
}

func TestRead_WrongCredentials(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	// expiry date off by one day
	cfg := Config{Key: specimenKey(t, "120416")}

	_, err := Read(context.Background(), f.channel(cfg), cfg)
	require.Error(t, err)
	require.ErrorIs(t, err, mrtderr.ErrAuthentication)
	require.NotErrorIs(t, err, mrtderr.ErrTransport)
	require.False(t, mrtderr.Retryable(err))
}

func TestRead_MissingKey(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})

	_, err := Read(context.Background(), f.channel(Config{}), Config{})
	require.ErrorIs(t, err, mrtderr.ErrInput)
	require.Empty(t, f.chip.Commands())
}

func TestRead_PACE(t *testing.T) {
	info := paceInfo(t, pace.ECDH, pace.GenericMapping)
	f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true, PACE: true})
	cfg := Config{Key: f.doc.Key}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.Equal(t, ProtocolPACE, res.Protocol)
	require.True(t, res.Verification.Valid(), res.Verification.Failures)
	require.True(t, f.sent(iso7816.INS_GENERAL_AUTHENTICATE))
	require.False(t, f.sent(iso7816.INS_GET_CHALLENGE))
}

func TestRead_PACEWrongCredentialsDoesNotFallBack(t *testing.T) {
	info := paceInfo(t, pace.ECDH, pace.GenericMapping)
	f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true, PACE: true})
	cfg := Config{Key: specimenKey(t, "120416")}

	_, err := Read(context.Background(), f.channel(cfg), cfg)
	require.ErrorIs(t, err, mrtderr.ErrAuthentication)
	require.False(t, f.sent(iso7816.INS_GET_CHALLENGE))
}

func TestRead_PACEFallback(t *testing.T) {
	// EF.CardAccess announces PACE, the chip only answers BAC.
	info := paceInfo(t, pace.ECDH, pace.GenericMapping)

	t.Run("on-unsupported", func(t *testing.T) {
		f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true})
		cfg := Config{Key: f.doc.Key}

		res, err := Read(context.Background(), f.channel(cfg), cfg)
		require.NoError(t, err)
		require.Equal(t, ProtocolBAC, res.Protocol)
		require.True(t, f.sent(iso7816.INS_MANAGE_SECURITY_ENVIRONMENT))
	})

	t.Run("never", func(t *testing.T) {
		f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true})
		cfg := Config{Key: f.doc.Key, Fallback: FallbackNever}

		_, err := Read(context.Background(), f.channel(cfg), cfg)
		require.ErrorIs(t, err, mrtderr.ErrProtocol)
		require.False(t, f.sent(iso7816.INS_GET_CHALLENGE))
	})

	t.Run("bac-only", func(t *testing.T) {
		f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true, PACE: true})
		cfg := Config{Key: f.doc.Key, Fallback: BACOnly}

		res, err := Read(context.Background(), f.channel(cfg), cfg)
		require.NoError(t, err)
		require.Equal(t, ProtocolBAC, res.Protocol)
		require.False(t, f.sent(iso7816.INS_MANAGE_SECURITY_ENVIRONMENT))
	})
}

func TestRead_PACEStepRefusedFallsBack(t *testing.T) {
	info := paceInfo(t, pace.ECDH, pace.GenericMapping)

	for step := 1; step <= 3; step++ {
		f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true, PACE: true, RejectPACEStep: step})
		cfg := Config{Key: f.doc.Key}

		res, err := Read(context.Background(), f.channel(cfg), cfg)
		require.NoError(t, err, "step %d", step)
		require.Equal(t, ProtocolBAC, res.Protocol)
		require.True(t, f.sent(iso7816.INS_GENERAL_AUTHENTICATE))
		require.True(t, f.sent(iso7816.INS_GET_CHALLENGE))
		require.True(t, res.Verification.Valid(), res.Verification.Failures)
	}

	// a refused token is a wrong password
	f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true, PACE: true, RejectPACEStep: 4})
	cfg := Config{Key: f.doc.Key}
	_, err := Read(context.Background(), f.channel(cfg), cfg)
	require.ErrorIs(t, err, mrtderr.ErrAuthentication)
	require.False(t, f.sent(iso7816.INS_GET_CHALLENGE))
}

func TestRead_PACEDiffieHellman(t *testing.T) {
	oid, err := pace.ProtocolOID(pace.DH, pace.GenericMapping, sm.AES128)
	require.NoError(t, err)

	tests := []struct {
		name        string
		parameterID int
		extended    bool
	}{
		{"1024-bit MODP", 0, false},
		{"2048-bit MODP", 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := pace.Info{Protocol: oid, Version: 2, ParameterID: tt.parameterID, HasParameterID: true}
			f := newFixture(t,
				simchip.Options{PACE: []pace.Info{info}, ExtendedLength: tt.extended},
				simchip.Config{BAC: true, PACE: true, ResponseChunk: 128})
			cfg := Config{Key: f.doc.Key, Fallback: FallbackNever}

			res, err := Read(context.Background(), f.channel(cfg), cfg)
			require.NoError(t, err)
			require.Equal(t, ProtocolPACE, res.Protocol)
			require.True(t, res.Verification.Valid(), res.Verification.Failures)
			require.False(t, f.sent(iso7816.INS_GET_CHALLENGE))
		})
	}
}

func TestRead_UnsupportedPACEInfo(t *testing.T) {
	info := paceInfo(t, pace.DH, pace.IntegratedMapping)
	f := newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.Equal(t, ProtocolBAC, res.Protocol)
	require.False(t, f.sent(iso7816.INS_MANAGE_SECURITY_ENVIRONMENT))

	f = newFixture(t, simchip.Options{PACE: []pace.Info{info}}, simchip.Config{BAC: true})
	cfg.Fallback = FallbackNever
	_, err = Read(context.Background(), f.channel(cfg), cfg)
	require.ErrorIs(t, err, mrtderr.ErrProtocol)
}

func TestRead_ProbeUnprotected(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{})
	cfg := Config{Key: f.doc.Key, ProbeUnprotected: true}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.Equal(t, ProtocolNone, res.Protocol)
	require.True(t, res.Verification.Valid())
	require.False(t, f.sent(iso7816.INS_GET_CHALLENGE))

	// a protected chip refuses the probe and BAC follows
	f = newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	res, err = Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.Equal(t, ProtocolBAC, res.Protocol)
}

func TestRead_DataGroupSelection(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key, DataGroups: []lds.DataGroupNumber{1, 3}}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.Len(t, res.DataGroups, 1)
	require.Equal(t, verify.Valid, res.Verification.DataGroups[1])
	require.Equal(t, verify.NotRead, res.Verification.DataGroups[2])
	require.True(t, res.Verification.Valid())
}

func TestRead_TrustAnchors(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key, Trust: trust.FromCertificates(f.doc.CSCA)}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.Equal(t, verify.ChainValid, res.Verification.Chain)
	require.Equal(t, f.doc.DocumentSigner.Raw, res.Verification.Signer.Raw)
}

func TestOpen_ExtendedLength(t *testing.T) {
	for mode, want := range map[LengthMode]bool{LengthAuto: true, LengthShort: false, LengthExtended: true} {
		f := newFixture(t, simchip.Options{ExtendedLength: true}, simchip.Config{BAC: true})
		cfg := Config{Key: f.doc.Key, Length: mode}
		s, err := Open(context.Background(), f.channel(cfg), cfg)
		require.NoError(t, err)
		require.Equal(t, want, s.Extended(), mode.String())
		require.NoError(t, s.Close())
	}

	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key}
	s, err := Open(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.False(t, s.Extended())
	require.Nil(t, s.CardAccess())
	require.NoError(t, s.Close())
}

func TestSession_TagLost(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key}

	s, err := Open(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ReadFile(context.Background(), lds.FIDCOM)
	require.NoError(t, err)

	f.chip.Remove()
	_, err = s.ReadFile(context.Background(), lds.FIDSOD)
	require.ErrorIs(t, err, mrtderr.ErrTransport)
	require.True(t, mrtderr.Retryable(err))
	require.Error(t, s.Err())

	// not resumable
	_, err = s.ReadFile(context.Background(), lds.FIDCOM)
	require.ErrorIs(t, err, mrtderr.ErrTransport)
}

func TestRead_TagLostMidRead(t *testing.T) {
	f := newFixture(t, simchip.Options{PortraitSize: 4000}, simchip.Config{BAC: true})
	f.chip.RemoveAfter(20)
	cfg := Config{Key: f.doc.Key}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.Nil(t, res)
	require.ErrorIs(t, err, mrtderr.ErrTransport)
}

func TestSession_IntegrityFailureIsTerminal(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key}

	s, err := Open(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	defer s.Close()

	f.chip.CorruptNextResponse()
	_, err = s.ReadFile(context.Background(), lds.FIDCOM)
	require.ErrorIs(t, err, mrtderr.ErrIntegrity)

	_, err = s.ReadFile(context.Background(), lds.FIDCOM)
	require.ErrorIs(t, err, mrtderr.ErrIntegrity)
}

func TestSession_Closed(t *testing.T) {
	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key}

	s, err := Open(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.ReadFile(context.Background(), lds.FIDCOM)
	require.ErrorIs(t, err, mrtderr.ErrTransport)
}

func TestRead_LogsSessionID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f := newFixture(t, simchip.Options{}, simchip.Config{BAC: true})
	cfg := Config{Key: f.doc.Key, Logger: logger}

	res, err := Read(context.Background(), f.channel(cfg), cfg)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "session="+res.SessionID.String())
	require.Contains(t, buf.String(), "protocol=BAC")
}

func TestDecide(t *testing.T) {
	supported := paceInfo(t, pace.ECDH, pace.GenericMapping)
	unsupported := paceInfo(t, pace.ECDH, pace.IntegratedMapping)
	withPACE := &pace.CardAccess{PACE: []pace.Info{unsupported, supported}}
	onlyIM := &pace.CardAccess{PACE: []pace.Info{unsupported}}

	tests := []struct {
		name     string
		cfg      Config
		caps     capabilities
		want     string
		extended bool
		wantErr  bool
	}{
		{name: "no card access", caps: capabilities{}, want: "BAC"},
		{name: "pace", caps: capabilities{cardAccess: withPACE}, want: "PACE " + supported.String() + ", then BAC"},
		{name: "pace never", cfg: Config{Fallback: FallbackNever}, caps: capabilities{cardAccess: withPACE}, want: "PACE " + supported.String()},
		{name: "bac only", cfg: Config{Fallback: BACOnly}, caps: capabilities{cardAccess: withPACE}, want: "BAC"},
		{name: "probe", cfg: Config{ProbeUnprotected: true}, want: "plain, then BAC"},
		{name: "unsupported pace", caps: capabilities{cardAccess: onlyIM}, want: "BAC"},
		{name: "unsupported pace never", cfg: Config{Fallback: FallbackNever}, caps: capabilities{cardAccess: onlyIM}, wantErr: true},
		{name: "extended auto", caps: capabilities{atrInfo: &lds.ATRInfo{ExtendedLength: true}}, want: "BAC", extended: true},
		{name: "extended forced short", cfg: Config{Length: LengthShort}, caps: capabilities{atrInfo: &lds.ATRInfo{ExtendedLength: true}}, want: "BAC"},
		{name: "extended forced", cfg: Config{Length: LengthExtended}, want: "BAC", extended: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan, extended, err := decide(tc.cfg, tc.caps)
			if tc.wantErr {
				require.ErrorIs(t, err, mrtderr.ErrProtocol)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, plan.String())
			require.Equal(t, tc.extended, extended)
		})
	}
}

func TestParsePolicies(t *testing.T) {
	for _, p := range []FallbackPolicy{FallbackOnUnsupported, FallbackNever, BACOnly} {
		got, err := ParseFallbackPolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := ParseFallbackPolicy("sometimes")
	require.Error(t, err)

	for _, m := range []LengthMode{LengthAuto, LengthShort, LengthExtended} {
		got, err := ParseLengthMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err = ParseLengthMode("long")
	require.Error(t, err)
}
