package toolkit

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"fmt"
)

// Cipher fields in connector configs and password env variables are
// AES-128-CBC enciphered with the owning row's id as salt. Key material
// is derived from the app secret and the salt so that moving a value
// between rows invalidates it.

func aesKeyIV(secret, salt string) (key, iv []byte) {
	k := md5.Sum([]byte(secret + salt))
	i := md5.Sum([]byte(salt))
	return k[:], i[:]
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

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded data length: %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding length: %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("corrupt padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// EncipherByAES enciphers data with the app secret and a per-row salt,
// returning a base64 string.
func EncipherByAES(data, secret, salt string) (string, error) {
	key, iv := aesKeyIV(secret, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	plain := pkcs7Pad([]byte(data), block.BlockSize())
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecipherByAES reverses EncipherByAES.
func DecipherByAES(data, secret, salt string) (string, error) {
	key, iv := aesKeyIV(secret, salt)

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	if len(raw)%block.BlockSize() != 0 {
		return "", fmt.Errorf("invalid ciphertext length: %d", len(raw))
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	plain, err := pkcs7Unpad(out, block.BlockSize())
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
