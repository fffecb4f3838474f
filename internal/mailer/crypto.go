package mailer

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const ivSeparator = "::"

var ErrNoSecretKey = errors.New("secret key material is not configured")

func secretKey(authKey, authSalt string) ([]byte, error) {
	if authKey == "" && authSalt == "" {
		return nil, ErrNoSecretKey
	}
	sum := sha256.Sum256([]byte(authKey + authSalt))
	return sum[:], nil
}

// EncryptSecret stores plain as base64(iv "::" base64(AES-256-CBC(plain))).
func EncryptSecret(plain, authKey, authSalt string) (string, error) {
	if plain == "" {
		return "", nil
	}
	key, err := secretKey(authKey, authSalt)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	return encryptWithIV(plain, key, iv)
}

func encryptWithIV(plain string, key, iv []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad([]byte(plain), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	inner := append(append(append([]byte{}, iv...), ivSeparator...), base64.StdEncoding.EncodeToString(ct)...)
	return base64.StdEncoding.EncodeToString(inner), nil
}

// DecryptSecret reverses EncryptSecret. Values stored before encryption
// was introduced are plain base64 and are decoded as-is.
func DecryptSecret(stored, authKey, authSalt string) (string, error) {
	stored = strings.TrimSpace(stored)
	if stored == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	// The IV can contain the separator bytes; only the fixed offset counts.
	sep := aes.BlockSize
	if len(raw) <= sep+len(ivSeparator) || !bytes.Equal(raw[sep:sep+len(ivSeparator)], []byte(ivSeparator)) {
		return string(raw), nil
	}

	key, err := secretKey(authKey, authSalt)
	if err != nil {
		return "", err
	}
	ct, err := base64.StdEncoding.DecodeString(string(raw[sep+len(ivSeparator):]))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", errors.New("ciphertext is not a whole number of blocks")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, raw[:aes.BlockSize]).CryptBlocks(plain, ct)
	out, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("invalid padding")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("invalid padding, wrong key?")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("invalid padding, wrong key?")
		}
	}
	return b[:len(b)-n], nil
}
