package sm

import (
	"crypto/cipher"
	"crypto/subtle"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/mrtderr"
	"github.com/gregLibert/mrtd-reader/pkg/tlv"
)

// PROTECTED APDU LAYOUT (ICAO 9303-11 §9.8):
//
// Command:  CLA' INS P1 P2 Lc' [DO87|DO85] [DO97] DO8E Le'
//   DO87  01 || E(KSenc, pad(data))  even INS
//   DO85  E(KSenc, pad(data))        odd INS, the data is BER-TLV
//   DO97  Le of the unprotected command
//   DO8E  MAC(KSmac, pad(SSC || pad(CLA' INS P1 P2) || DO87 || DO97))
//
// Response: [DO87|DO85] DO99 DO8E SW1 SW2
//   DO99  status word of the unprotected response
//   DO8E  MAC(KSmac, pad(SSC || DO87 || DO99))
//
// The SSC is incremented before every protection and every verification, so one
// command/response pair consumes two steps. For AES the CBC IV is E(KSenc, SSC); for
// 3DES it is zero.

const (
	tagCryptogramPadded uint32 = 0x87
	tagCryptogramTLV    uint32 = 0x85
	tagExpectedLength   uint32 = 0x97
	tagStatus           uint32 = 0x99
	tagChecksum         uint32 = 0x8E
)

// paddingIndicator prefixes the cryptogram in DO87.
const paddingIndicator = 0x01

// Session holds the keys and the send sequence counter of an established channel.
// Any failure after the counter was stepped terminates the session, and every later
// call returns the same error.
type Session struct {
	Logger *slog.Logger

	alg    Algorithm
	encKey []byte
	macKey []byte
	enc    cipher.Block

	mu     sync.Mutex
	ssc    []byte
	oddIns bool
	err    error
}

// NewSession creates a session from KSenc, KSmac and the initial counter.
func NewSession(alg Algorithm, encKey, macKey, ssc []byte) (*Session, error) {
	if len(ssc) != alg.BlockSize() {
		return nil, errors.Errorf("%s send sequence counter must be %d bytes, got %d", alg, alg.BlockSize(), len(ssc))
	}
	enc, err := NewBlock(alg, encKey)
	if err != nil {
		return nil, errors.Wrap(err, "KSenc")
	}
	if _, err := NewBlock(alg, macKey); err != nil {
		return nil, errors.Wrap(err, "KSmac")
	}

	return &Session{
		alg:    alg,
		encKey: append([]byte(nil), encKey...),
		macKey: append([]byte(nil), macKey...),
		enc:    enc,
		ssc:    append([]byte(nil), ssc...),
	}, nil
}

// Algorithm returns the cipher family of the session.
func (s *Session) Algorithm() Algorithm {
	return s.alg
}

// SSC returns a copy of the current send sequence counter.
func (s *Session) SSC() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.ssc...)
}

// Err returns the termination error, or nil while the session is usable.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Wrap protects a command (terminal side).
func (s *Session) Wrap(cmd *iso7816.CommandAPDU) (*iso7816.CommandAPDU, error) {
	const op = "sm.Wrap"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.increment()

	cla := cmd.Class.Protected()
	header := []byte{cla.Raw, byte(cmd.Instruction.Raw), cmd.P1, cmd.P2}

	var body []byte
	if len(cmd.Data) > 0 {
		do, err := s.encryptDO(cmd.Data, isOdd(cmd.Instruction.Raw))
		if err != nil {
			return nil, s.fail(op, err)
		}
		body = append(body, do...)
	}
	if cmd.Ne > 0 {
		body = append(body, tlv.Encode(tagExpectedLength, encodeLe(cmd.Ne, cmd.Extended))...)
	}

	input := append(Pad(header, s.alg.BlockSize()), body...)
	mac, err := s.checksum(input)
	if err != nil {
		return nil, s.fail(op, err)
	}
	body = append(body, tlv.Encode(tagChecksum, mac)...)

	extended := cmd.Extended || len(body) > iso7816.MaxShortLc
	ne := iso7816.MaxShortLe
	if extended {
		ne = iso7816.MaxExtendedLe
	}

	return &iso7816.CommandAPDU{
		Class:       cla,
		Instruction: cmd.Instruction,
		P1:          cmd.P1,
		P2:          cmd.P2,
		Data:        body,
		Ne:          ne,
		Extended:    extended,
	}, nil
}

// Unwrap verifies and decrypts a response (terminal side).
//
// A response made of a status word only is not protected. 6987 and 6988 mean that the
// chip aborted secure messaging and terminate the session, as does a bare 9000. Any
// other bare status word is returned unchanged for the caller to map.
func (s *Session) Unwrap(resp *iso7816.ResponseAPDU) (*iso7816.ResponseAPDU, error) {
	const op = "sm.Unwrap"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.increment()

	if len(resp.Data) == 0 {
		switch resp.Status {
		case iso7816.SW_ERR_SM_OBJ_MISSING, iso7816.SW_ERR_SM_OBJ_INCORRECT:
			return nil, s.fail(op, errors.Errorf("chip aborted secure messaging: %s", resp.Status))
		case iso7816.SW_NO_ERROR:
			return nil, s.fail(op, errors.New("unprotected success response"))
		}
		s.logger().Debug("unprotected status response", "sw", resp.Status.String())
		return resp, nil
	}

	objects, err := tlv.Split(resp.Data)
	if err != nil {
		return nil, s.fail(op, errors.Wrap(err, "malformed protected response"))
	}

	macInput, mac, err := splitChecksum(objects)
	if err != nil {
		return nil, s.fail(op, err)
	}
	if err := s.verify(macInput, mac); err != nil {
		return nil, s.fail(op, err)
	}

	do99 := tlv.Find(objects, tagStatus)
	if do99 == nil || len(do99.Value) != 2 {
		return nil, s.fail(op, errors.New("missing or malformed DO99"))
	}

	data, err := s.decryptDO(objects)
	if err != nil {
		return nil, s.fail(op, err)
	}

	return &iso7816.ResponseAPDU{
		Data:   data,
		Status: iso7816.NewStatusWord(do99.Value[0], do99.Value[1]),
	}, nil
}

// UnwrapCommand verifies and decrypts a protected command (chip side).
func (s *Session) UnwrapCommand(cmd *iso7816.CommandAPDU) (*iso7816.CommandAPDU, error) {
	const op = "sm.UnwrapCommand"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.increment()

	if cmd.Class.SecureMessaging == iso7816.SMNone {
		return nil, s.fail(op, errors.New("unprotected command"))
	}

	objects, err := tlv.Split(cmd.Data)
	if err != nil {
		return nil, s.fail(op, errors.Wrap(err, "malformed protected command"))
	}

	macInput, mac, err := splitChecksum(objects)
	if err != nil {
		return nil, s.fail(op, err)
	}
	header := []byte{cmd.Class.Raw, byte(cmd.Instruction.Raw), cmd.P1, cmd.P2}
	if err := s.verify(append(Pad(header, s.alg.BlockSize()), macInput...), mac); err != nil {
		return nil, s.fail(op, err)
	}

	data, err := s.decryptDO(objects)
	if err != nil {
		return nil, s.fail(op, err)
	}

	ne := 0
	if do97 := tlv.Find(objects, tagExpectedLength); do97 != nil {
		if ne, err = decodeLe(do97.Value); err != nil {
			return nil, s.fail(op, err)
		}
	}

	cla := cmd.Class
	cla.SecureMessaging = iso7816.SMNone
	cla.Raw, _ = cla.Encode()
	s.oddIns = isOdd(cmd.Instruction.Raw)

	return &iso7816.CommandAPDU{
		Class:       cla,
		Instruction: cmd.Instruction,
		P1:          cmd.P1,
		P2:          cmd.P2,
		Data:        data,
		Ne:          ne,
		Extended:    cmd.Extended,
	}, nil
}

// WrapResponse protects a response (chip side). The cryptogram object follows the
// parity of the instruction of the last unwrapped command.
func (s *Session) WrapResponse(resp *iso7816.ResponseAPDU) (*iso7816.ResponseAPDU, error) {
	const op = "sm.WrapResponse"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}
	s.increment()

	var body []byte
	if len(resp.Data) > 0 {
		do, err := s.encryptDO(resp.Data, s.oddIns)
		if err != nil {
			return nil, s.fail(op, err)
		}
		body = append(body, do...)
	}
	body = append(body, tlv.Encode(tagStatus, []byte{resp.Status.SW1(), resp.Status.SW2()})...)

	mac, err := s.checksum(body)
	if err != nil {
		return nil, s.fail(op, err)
	}
	body = append(body, tlv.Encode(tagChecksum, mac)...)

	return &iso7816.ResponseAPDU{Data: body, Status: resp.Status}, nil
}

// Terminate ends the session. Later calls fail with a KindIntegrity error.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = mrtderr.Errorf(mrtderr.KindIntegrity, "sm.Terminate", "session terminated")
	}
}

func (s *Session) fail(op string, err error) error {
	s.err = mrtderr.E(mrtderr.KindIntegrity, op, err)
	s.logger().Warn("secure messaging session terminated", "op", op, "error", err)
	return s.err
}

func (s *Session) increment() {
	for i := len(s.ssc) - 1; i >= 0; i-- {
		s.ssc[i]++
		if s.ssc[i] != 0 {
			return
		}
	}
}

func (s *Session) iv() []byte {
	if s.alg == TripleDES {
		return nil
	}
	iv := make([]byte, len(s.ssc))
	s.enc.Encrypt(iv, s.ssc)
	return iv
}

func (s *Session) checksum(message []byte) ([]byte, error) {
	input := make([]byte, 0, len(s.ssc)+len(message))
	input = append(input, s.ssc...)
	input = append(input, message...)
	return MAC(s.alg, s.macKey, Pad(input, s.alg.BlockSize()))
}

func (s *Session) verify(message, mac []byte) error {
	expected, err := s.checksum(message)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return errors.New("checksum mismatch")
	}
	return nil
}

func (s *Session) encryptDO(data []byte, odd bool) ([]byte, error) {
	cryptogram, err := encryptCBC(s.enc, s.iv(), Pad(data, s.alg.BlockSize()))
	if err != nil {
		return nil, errors.Wrap(err, "encrypt data field")
	}
	if odd {
		return tlv.Encode(tagCryptogramTLV, cryptogram), nil
	}
	return tlv.Encode(tagCryptogramPadded, append([]byte{paddingIndicator}, cryptogram...)), nil
}

// decryptDO returns the plaintext of DO87 or DO85, or nil when neither is present.
func (s *Session) decryptDO(objects []tlv.Object) ([]byte, error) {
	var cryptogram []byte
	if do := tlv.Find(objects, tagCryptogramPadded); do != nil {
		if len(do.Value) < 1 || do.Value[0] != paddingIndicator {
			return nil, errors.New("DO87 without padding indicator 01")
		}
		cryptogram = do.Value[1:]
	} else if do := tlv.Find(objects, tagCryptogramTLV); do != nil {
		cryptogram = do.Value
	} else {
		return nil, nil
	}

	plain, err := decryptCBC(s.enc, s.iv(), cryptogram)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt data field")
	}
	plain, err = Unpad(plain)
	if err != nil {
		return nil, errors.Wrap(err, "decrypted data field")
	}
	return plain, nil
}

// splitChecksum returns the encoding of every object preceding DO8E, and the DO8E
// value. DO8E must be the last object.
func splitChecksum(objects []tlv.Object) ([]byte, []byte, error) {
	var input []byte
	for i, obj := range objects {
		if obj.Tag != tagChecksum {
			input = append(input, obj.Raw...)
			continue
		}
		if i != len(objects)-1 {
			return nil, nil, errors.New("DO8E is not the last data object")
		}
		if len(obj.Value) != MACLength {
			return nil, nil, errors.Errorf("DO8E must be %d bytes, got %d", MACLength, len(obj.Value))
		}
		return input, obj.Value, nil
	}
	return nil, nil, errors.New("missing DO8E")
}

func isOdd(ins iso7816.InsCode) bool {
	return ins&0x01 == 0x01
}

// encodeLe encodes Ne the way the unprotected command would carry it.
func encodeLe(ne int, extended bool) []byte {
	if !extended && ne <= iso7816.MaxShortLe {
		return []byte{byte(ne)} // 256 -> 00
	}
	return []byte{byte(ne >> 8), byte(ne)} // 65536 -> 0000
}

func decodeLe(b []byte) (int, error) {
	switch len(b) {
	case 1:
		if b[0] == 0 {
			return iso7816.MaxShortLe, nil
		}
		return int(b[0]), nil
	case 2:
		ne := int(b[0])<<8 | int(b[1])
		if ne == 0 {
			return iso7816.MaxExtendedLe, nil
		}
		return ne, nil
	default:
		return 0, errors.Errorf("DO97 must be 1 or 2 bytes, got %d", len(b))
	}
}
