package sm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

// MACLength is the length of every ICAO 9303 checksum (DO8E, authentication tokens).
const MACLength = 8

// Pad applies ISO/IEC 9797-1 padding method 2: a mandatory 80 byte followed by zero
// bytes up to a multiple of blockSize.
func Pad(data []byte, blockSize int) []byte {
	n := len(data) + 1
	if rem := n % blockSize; rem != 0 {
		n += blockSize - rem
	}
	out := make([]byte, n)
	copy(out, data)
	out[len(data)] = 0x80
	return out
}

// Unpad removes ISO/IEC 9797-1 padding method 2.
func Unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, errors.New("missing 80 padding delimiter")
		}
	}
	return nil, errors.New("missing 80 padding delimiter")
}

// NewBlock returns the block cipher for a derived key. Two-key 3DES keys are expanded
// to Ka || Kb || Ka.
func NewBlock(alg Algorithm, key []byte) (cipher.Block, error) {
	if len(key) != alg.KeyLength() {
		return nil, errors.Errorf("%s key must be %d bytes, got %d", alg, alg.KeyLength(), len(key))
	}

	switch alg {
	case TripleDES:
		full := make([]byte, 0, 24)
		full = append(full, key...)
		full = append(full, key[:8]...)
		return des.NewTripleDESCipher(full)
	case AES128, AES192, AES256:
		return aes.NewCipher(key)
	default:
		return nil, errors.Errorf("unsupported algorithm %s", alg)
	}
}

// Encrypt applies CBC encryption. data must already be padded.
func Encrypt(alg Algorithm, key, iv, data []byte) ([]byte, error) {
	block, err := NewBlock(alg, key)
	if err != nil {
		return nil, err
	}
	return encryptCBC(block, iv, data)
}

// Decrypt reverses Encrypt. Padding is left in place.
func Decrypt(alg Algorithm, key, iv, data []byte) ([]byte, error) {
	block, err := NewBlock(alg, key)
	if err != nil {
		return nil, err
	}
	return decryptCBC(block, iv, data)
}

func encryptCBC(block cipher.Block, iv, data []byte) ([]byte, error) {
	if iv == nil {
		iv = make([]byte, block.BlockSize())
	}
	if len(data)%block.BlockSize() != 0 {
		return nil, errors.Errorf("data length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func decryptCBC(block cipher.Block, iv, data []byte) ([]byte, error) {
	if iv == nil {
		iv = make([]byte, block.BlockSize())
	}
	if len(data) == 0 || len(data)%block.BlockSize() != 0 {
		return nil, errors.Errorf("cryptogram length %d is not a multiple of the block size", len(data))
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

// MAC computes an 8 byte checksum over data.
//
// For 3DES it is the ISO/IEC 9797-1 MAC algorithm 3 ("retail MAC") and data must be
// padded by the caller. For AES it is CMAC truncated to 8 bytes.
func MAC(alg Algorithm, key, data []byte) ([]byte, error) {
	switch alg {
	case TripleDES:
		return retailMAC(key, data)
	case AES128, AES192, AES256:
		block, err := NewBlock(alg, key)
		if err != nil {
			return nil, err
		}
		h, err := cmac.NewWithTagSize(block, block.BlockSize())
		if err != nil {
			return nil, errors.Wrap(err, "create CMAC")
		}
		if _, err := h.Write(data); err != nil {
			return nil, errors.Wrap(err, "update CMAC")
		}
		return h.Sum(nil)[:MACLength], nil
	default:
		return nil, errors.Errorf("unsupported algorithm %s", alg)
	}
}

// retailMAC runs single DES CBC with Ka over all blocks, then decrypts the last
// block with Kb and encrypts it again with Ka.
func retailMAC(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, errors.Errorf("retail MAC key must be 16 bytes, got %d", len(key))
	}
	if len(data) == 0 || len(data)%des.BlockSize != 0 {
		return nil, errors.Errorf("retail MAC input length %d is not a multiple of 8", len(data))
	}

	ka, err := des.NewCipher(key[:8])
	if err != nil {
		return nil, errors.Wrap(err, "create DES cipher from Ka")
	}
	kb, err := des.NewCipher(key[8:])
	if err != nil {
		return nil, errors.Wrap(err, "create DES cipher from Kb")
	}

	h := make([]byte, des.BlockSize)
	for i := 0; i < len(data); i += des.BlockSize {
		for j := 0; j < des.BlockSize; j++ {
			h[j] ^= data[i+j]
		}
		ka.Encrypt(h, h)
	}
	kb.Decrypt(h, h)
	ka.Encrypt(h, h)
	return h, nil
}
