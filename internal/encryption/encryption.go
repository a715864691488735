package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// IVSize is the length of the random IV generated for every Encrypt call.
const IVSize = aes.BlockSize

var (
	ErrCrypto     = errors.New("crypto error")
	ErrInvalidKey = errors.New("encryption key must be 32 bytes (64 hex characters) for AES-256")
)

type Service interface {
	Encrypt(plaintext []byte) (ciphertext, iv []byte, err error)
	Decrypt(ciphertext, iv []byte) ([]byte, error)
	Digest(data []byte) string
}

type service struct {
	block cipher.Block
}

// NewService builds an AES-256-CBC engine bound to key.
func NewService(key []byte) (Service, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return &service{block: block}, nil
}

// NewServiceFromHex decodes a hex-encoded 32-byte key.
func NewServiceFromHex(hexKey string) (Service, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key must be a valid hex string: %w", err)
	}
	return NewService(key)
}

func (s *service) Encrypt(plaintext []byte) ([]byte, []byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("%w: generating iv: %v", ErrCrypto, err)
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(s.block, iv).CryptBlocks(ciphertext, padded)

	return ciphertext, iv, nil
}

func (s *service) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrCrypto, IVSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrCrypto)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(s.block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

// Digest returns the hex SHA-256 of data.
func (s *service) Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PKCS#7
func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrCrypto)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrCrypto)
		}
	}
	return data[:len(data)-n], nil
}
