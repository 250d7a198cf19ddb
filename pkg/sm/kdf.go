// Package sm implements ICAO 9303 Secure Messaging: session key derivation, padding,
// message authentication and the protection of command and response APDUs.
//
// Both sides of the channel are provided. The terminal side (Wrap, Unwrap) plugs into
// iso7816.Client as its Protector; the chip side (UnwrapCommand, WrapResponse) is used
// by the simulated chip.
package sm

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Algorithm is the block cipher family protecting a session.
type Algorithm int

const (
	TripleDES Algorithm = iota + 1
	AES128
	AES192
	AES256
)

func (a Algorithm) String() string {
	switch a {
	case TripleDES:
		return "3DES"
	case AES128:
		return "AES-128"
	case AES192:
		return "AES-192"
	case AES256:
		return "AES-256"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// KeyLength is the length in bytes of a derived key. 3DES keys are two-key
// (Ka || Kb) with adjusted parity.
func (a Algorithm) KeyLength() int {
	switch a {
	case TripleDES, AES128:
		return 16
	case AES192:
		return 24
	case AES256:
		return 32
	default:
		return 0
	}
}

// BlockSize is the cipher block size, which is also the length of the send
// sequence counter.
func (a Algorithm) BlockSize() int {
	if a == TripleDES {
		return 8
	}
	return 16
}

// KDF counters.
const (
	CounterEnc  uint32 = 1
	CounterMAC  uint32 = 2
	CounterPACE uint32 = 3
)

// DeriveKey computes the ICAO 9303 key derivation function
// KDF(K, c) = H(K || c) truncated to the key length of alg.
// SHA-1 is used for 3DES and AES-128, SHA-256 for AES-192 and AES-256.
func DeriveKey(alg Algorithm, seed []byte, counter uint32) ([]byte, error) {
	input := make([]byte, len(seed)+4)
	copy(input, seed)
	binary.BigEndian.PutUint32(input[len(seed):], counter)

	switch alg {
	case TripleDES:
		sum := sha1.Sum(input)
		key := append([]byte(nil), sum[:16]...)
		adjustParity(key)
		return key, nil
	case AES128:
		sum := sha1.Sum(input)
		return append([]byte(nil), sum[:16]...), nil
	case AES192:
		sum := sha256.Sum256(input)
		return append([]byte(nil), sum[:24]...), nil
	case AES256:
		sum := sha256.Sum256(input)
		return append([]byte(nil), sum[:]...), nil
	default:
		return nil, errors.Errorf("unsupported algorithm %s", alg)
	}
}

// adjustParity sets the least significant bit of every byte so that each DES key
// byte has odd parity.
func adjustParity(key []byte) {
	for i, b := range key {
		ones := 0
		for v := b >> 1; v != 0; v >>= 1 {
			ones += int(v & 1)
		}
		if ones%2 == 0 {
			key[i] = b | 0x01
		} else {
			key[i] = b &^ 0x01
		}
	}
}

// SessionKeys derives KSenc and KSmac from a key seed.
func SessionKeys(alg Algorithm, seed []byte) (enc, mac []byte, err error) {
	if enc, err = DeriveKey(alg, seed, CounterEnc); err != nil {
		return nil, nil, errors.Wrap(err, "derive KSenc")
	}
	if mac, err = DeriveKey(alg, seed, CounterMAC); err != nil {
		return nil, nil, errors.Wrap(err, "derive KSmac")
	}
	return enc, mac, nil
}
