package cloudsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// CookieCloud encrypts with CryptoJS defaults: OpenSSL's salted envelope
// and the legacy MD5 EVP_BytesToKey derivation, AES-256-CBC underneath.

const opensslMagic = "Salted__"

func decrypt(encrypted, uuid, password string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("cookiecloud payload: %w", err)
	}
	if len(raw) < 16 || string(raw[:8]) != opensslMagic {
		return nil, errors.New("cookiecloud payload: missing Salted__ header")
	}
	salt, ct := raw[8:16], raw[16:]
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("cookiecloud payload: ciphertext not block-aligned")
	}

	key, iv := deriveKeyIV(passphrase(uuid, password), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("%w (wrong uuid or password?)", err)
	}
	return plain, nil
}

// passphrase is what both ends agree on: the first 16 hex characters of
// MD5("<uuid>-<password>").
func passphrase(uuid, password string) []byte {
	sum := md5.Sum([]byte(uuid + "-" + password))
	return []byte(hex.EncodeToString(sum[:])[:16])
}

// deriveKeyIV is OpenSSL's EVP_BytesToKey with MD5: hash chaining until
// 48 bytes (32-byte key + 16-byte IV) are derived.
func deriveKeyIV(pass, salt []byte) (key, iv []byte) {
	var derived, prev []byte
	for len(derived) < 48 {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:32], derived[32:48]
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("cookiecloud payload: empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errors.New("cookiecloud payload: bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("cookiecloud payload: bad padding")
		}
	}
	return b[:len(b)-n], nil
}
