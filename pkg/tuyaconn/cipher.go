package tuyaconn

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"fmt"
)

// cipher implements AES-128 ECB with PKCS#7 padding over the device's local
// key, the only symmetric primitive the Tuya LAN protocol uses. Go's
// standard library deliberately does not export an ECB cipher.BlockMode
// (it is a bad default for general use), so the block loop is written out
// by hand here, block-by-block, the same way a fixed-size-block cipher mode
// gets composed from a raw block cipher in this corpus (see the DES-ECB
// helpers the smartcard-session examples use).
type cipher struct {
	block cipherBlock
}

// cipherBlock is the subset of cipher.Block this package depends on.
type cipherBlock interface {
	BlockSize() int
	Encrypt(dst, src []byte)
	Decrypt(dst, src []byte)
}

func newCipher(localKey []byte) (*cipher, error) {
	if len(localKey) != 16 {
		return nil, fmt.Errorf("tuyaconn: local key must be 16 bytes, got %d", len(localKey))
	}
	block, err := aes.NewCipher(localKey)
	if err != nil {
		return nil, fmt.Errorf("tuyaconn: init AES cipher: %w", err)
	}
	return &cipher{block: block}, nil
}

// encrypt pads data to a block boundary with PKCS#7, encrypts it with
// AES-128 ECB, and optionally base64-encodes the ciphertext.
func (c *cipher) encrypt(data []byte, b64 bool) ([]byte, error) {
	padded := pkcs7Pad(data, c.block.BlockSize())
	out := make([]byte, len(padded))
	bs := c.block.BlockSize()
	for off := 0; off < len(padded); off += bs {
		c.block.Encrypt(out[off:off+bs], padded[off:off+bs])
	}
	if b64 {
		encoded := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
		base64.StdEncoding.Encode(encoded, out)
		return encoded, nil
	}
	return out, nil
}

// decrypt optionally base64-decodes data, decrypts it with AES-128 ECB, and
// strips the PKCS#7 padding.
func (c *cipher) decrypt(data []byte, b64 bool) ([]byte, error) {
	if b64 {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, data)
		if err != nil {
			return nil, fmt.Errorf("%w: base64 decode: %v", ErrDecrypt, err)
		}
		data = decoded[:n]
	}

	bs := c.block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not a multiple of block size %d", ErrDecrypt, len(data), bs)
	}
	out := make([]byte, len(data))
	for off := 0; off < len(data); off += bs {
		c.block.Decrypt(out[off:off+bs], data[off:off+bs])
	}
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid PKCS#7 padding length %d", ErrDecrypt, padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: malformed PKCS#7 padding", ErrDecrypt)
		}
	}
	return bytes.Clone(data[:len(data)-padLen]), nil
}
