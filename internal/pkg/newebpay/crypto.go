package newebpay

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPayload = errors.New("newebpay: invalid encrypted payload")

// Encrypt AES-256-CBC + PKCS7，输出小写十六进制
func Encrypt(plain, hashKey, hashIV string) (string, error) {
	block, err := newCipher(hashKey, hashIV)
	if err != nil {
		return "", err
	}

	data := pkcs7Pad([]byte(plain), aes.BlockSize)
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(block, []byte(hashIV)).CryptBlocks(out, data)
	return hex.EncodeToString(out), nil
}

// Decrypt 解密十六进制密文
func Decrypt(encrypted, hashKey, hashIV string) (string, error) {
	block, err := newCipher(hashKey, hashIV)
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(encrypted))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: length %d is not a multiple of block size", ErrInvalidPayload, len(raw))
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, []byte(hashIV)).CryptBlocks(out, raw)

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func newCipher(hashKey, hashIV string) (cipher.Block, error) {
	if len(hashKey) != 32 {
		return nil, fmt.Errorf("newebpay: hash key must be 32 bytes, got %d", len(hashKey))
	}
	if len(hashIV) != aes.BlockSize {
		return nil, fmt.Errorf("newebpay: hash iv must be %d bytes, got %d", aes.BlockSize, len(hashIV))
	}
	return aes.NewCipher([]byte(hashKey))
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPayload
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: bad padding", ErrInvalidPayload)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrInvalidPayload)
		}
	}
	return data[:len(data)-n], nil
}
