package bac

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/mrz"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func specimenKey(t *testing.T) mrz.Key {
	t.Helper()
	key, err := mrz.NewKey("L898902C<", "690806", "940623")
	require.NoError(t, err)
	return key
}

type scriptedCard struct {
	t         *testing.T
	responses []string
	sent      []string
	err       error
}

func (s *scriptedCard) Transmit(_ context.Context, cmd []byte) ([]byte, error) {
	s.sent = append(s.sent, strings.ToUpper(hex.EncodeToString(cmd)))
	if s.err != nil {
		return nil, s.err
	}
	require.NotEmpty(s.t, s.responses, "script exhausted")
	next := s.responses[0]
	s.responses = s.responses[1:]
	return mustHex(s.t, next), nil
}

func TestAuthenticate_ICAOWorkedExample(t *testing.T) {
	card := &scriptedCard{t: t, responses: []string{
		"4608F91988702212 9000",
		"46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F2F2D235D074D7449 9000",
	}}
	random := bytes.NewReader(mustHex(t, "781723860C06C226 0B795240CB7049B01C19B33E32804F0B"))

	session, err := Authenticate(context.Background(), iso7816.NewClient(card), specimenKey(t), random)
	require.NoError(t, err)

	require.Equal(t, []string{
		"0084000008",
		"0082000028" +
			"72C29C2371CC9BDB65B779B8E8D37B29ECC154AA56A8799FAE2F498F76ED92F2" +
			"5F1448EEA8AD90A7" + "28",
	}, card.sent)
	require.Equal(t, mustHex(t, "887022120C06C226"), session.SSC())

	// the session must reproduce the protected SELECT EF.COM of the same example
	wrapped, err := session.Wrap(iso7816.SelectFile(0x011E))
	require.NoError(t, err)
	raw, err := wrapped.Bytes()
	require.NoError(t, err)
	require.Equal(t, "0CA4020C158709016375432908C044F68E08BF8B92D635FF24F800", strings.ToUpper(hex.EncodeToString(raw)))
}

func TestAuthenticate_ChipRejection(t *testing.T) {
	for _, sw := range []string{"6300", "6982", "6A80"} {
		t.Run(sw, func(t *testing.T) {
			card := &scriptedCard{t: t, responses: []string{"4608F91988702212 9000", sw}}

			_, err := Authenticate(context.Background(), iso7816.NewClient(card), specimenKey(t), rand.Reader)
			require.ErrorIs(t, err, mrtderr.ErrAuthentication)
			require.False(t, mrtderr.Retryable(err))
		})
	}
}

func TestAuthenticate_BadChipCryptogram(t *testing.T) {
	card := &scriptedCard{t: t, responses: []string{
		"4608F91988702212 9000",
		"46B9342A41396CD7386BF5803104D7CEDC122B9132139BAF2EEDC94EE178534F2F2D235D074D7448 9000",
	}}
	random := bytes.NewReader(mustHex(t, "781723860C06C226 0B795240CB7049B01C19B33E32804F0B"))

	_, err := Authenticate(context.Background(), iso7816.NewClient(card), specimenKey(t), random)
	require.ErrorIs(t, err, mrtderr.ErrAuthentication)
}

func TestAuthenticate_TransportFailure(t *testing.T) {
	card := &scriptedCard{t: t, err: errors.New("tag lost")}

	_, err := Authenticate(context.Background(), iso7816.NewClient(card), specimenKey(t), rand.Reader)
	require.ErrorIs(t, err, mrtderr.ErrTransport)
}

func TestAuthenticate_MissingKey(t *testing.T) {
	card := &scriptedCard{t: t}

	_, err := Authenticate(context.Background(), iso7816.NewClient(card), mrz.Key{}, rand.Reader)
	require.ErrorIs(t, err, mrtderr.ErrInput)
	require.Empty(t, card.sent)
}

// chip answers BAC commands with a Responder, then one protected SELECT.
type chip struct {
	t         *testing.T
	responder *Responder
	session   *sm.Session
}

func (c *chip) Transmit(_ context.Context, raw []byte) ([]byte, error) {
	cmd, err := iso7816.ParseCommandAPDU(raw)
	require.NoError(c.t, err)

	switch cmd.Instruction.Raw {
	case iso7816.INS_GET_CHALLENGE:
		rnd, err := c.responder.Challenge()
		require.NoError(c.t, err)
		return append(rnd, 0x90, 0x00), nil
	case iso7816.INS_EXTERNAL_AUTHENTICATE:
		reply, session, err := c.responder.Authenticate(cmd.Data)
		if err != nil {
			return []byte{0x63, 0x00}, nil
		}
		c.session = session
		return append(reply, 0x90, 0x00), nil
	default:
		plain, err := c.session.UnwrapCommand(cmd)
		require.NoError(c.t, err)
		require.Equal(c.t, iso7816.INS_SELECT, plain.Instruction.Raw)
		resp, err := c.session.WrapResponse(&iso7816.ResponseAPDU{Status: iso7816.SW_NO_ERROR})
		require.NoError(c.t, err)
		return resp.Bytes(), nil
	}
}

func TestAuthenticate_AgainstResponder(t *testing.T) {
	chipKey := specimenKey(t)

	tests := []struct {
		name          string
		dob, expiry   string
		wantAuthError bool
	}{
		{"Matching Key", "690806", "940623", false},
		{"Wrong Date Of Birth", "690807", "940623", true},
		{"Expiry Off By One Day", "690806", "940624", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder, err := NewResponder(chipKey, rand.Reader)
			require.NoError(t, err)
			card := &chip{t: t, responder: responder}
			client := iso7816.NewClient(card)

			key, err := mrz.NewKey("L898902C<", tt.dob, tt.expiry)
			require.NoError(t, err)

			session, err := Authenticate(context.Background(), client, key, rand.Reader)
			if tt.wantAuthError {
				require.ErrorIs(t, err, mrtderr.ErrAuthentication)
				return
			}
			require.NoError(t, err)

			client.SetProtector(session)
			resp, err := client.Transmit(context.Background(), iso7816.SelectFile(0x011E))
			require.NoError(t, err)
			require.Equal(t, iso7816.SW_NO_ERROR, resp.Status)
		})
	}
}

func TestResponder_RequiresChallenge(t *testing.T) {
	responder, err := NewResponder(specimenKey(t), rand.Reader)
	require.NoError(t, err)

	_, _, err = responder.Authenticate(make([]byte, 40))
	require.ErrorIs(t, err, mrtderr.ErrProtocol)
}
