package cloudsync

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"testing"
)

// encryptPayload builds the same CryptoJS/OpenSSL envelope the
// CookieCloud browser extension produces.
func encryptPayload(t *testing.T, plain []byte, uuid, password string) string {
	t.Helper()
	salt := []byte("saltsalt")
	key, iv := deriveKeyIV(passphrase(uuid, password), salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	envelope := append([]byte(opensslMagic), salt...)
	envelope = append(envelope, ct...)
	return base64.StdEncoding.EncodeToString(envelope)
}

func TestDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	plain := []byte(`{"cookie_data":{"right.com.cn":[{"name":"site_auth","value":"abc"}]}}`)
	enc := encryptPayload(t, plain, "user-1", "secret")

	got, err := decrypt(enc, "user-1", "secret")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypt = %q, want %q", got, plain)
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	t.Parallel()
	plain := []byte(`{"cookie_data":{}}`)
	enc := encryptPayload(t, plain, "user-1", "secret")

	got, err := decrypt(enc, "user-1", "not-the-password")
	if err == nil && bytes.Equal(got, plain) {
		t.Fatal("wrong password recovered the plaintext")
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"not base64":      "%%%",
		"no magic header": base64.StdEncoding.EncodeToString([]byte("hello world, no salt")),
		"too short":       base64.StdEncoding.EncodeToString([]byte("Salted__")),
		"unaligned body":  base64.StdEncoding.EncodeToString(append([]byte("Salted__saltsalt"), 1, 2, 3)),
	}
	for name, enc := range cases {
		if _, err := decrypt(enc, "u", "p"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDeriveKeyIV(t *testing.T) {
	t.Parallel()
	key1, iv1 := deriveKeyIV(passphrase("u", "p"), []byte("saltsalt"))
	key2, iv2 := deriveKeyIV(passphrase("u", "p"), []byte("saltsalt"))
	if len(key1) != 32 || len(iv1) != 16 {
		t.Fatalf("lengths = %d/%d", len(key1), len(iv1))
	}
	if !bytes.Equal(key1, key2) || !bytes.Equal(iv1, iv2) {
		t.Fatal("derivation not deterministic")
	}
	key3, _ := deriveKeyIV(passphrase("u", "p"), []byte("othersal"))
	if bytes.Equal(key1, key3) {
		t.Fatal("different salt produced the same key")
	}
}

func TestPkcs7Unpad(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      []byte
		want    []byte
		wantErr bool
	}{
		{"one byte pad", append([]byte("abcdefghijklmno"), 1), []byte("abcdefghijklmno"), false},
		{"full block pad", bytes.Repeat([]byte{16}, 16), []byte{}, false},
		{"zero pad byte", append([]byte("abc"), 0), nil, true},
		{"pad longer than input", []byte{5, 5}, nil, true},
		{"inconsistent pad", append([]byte("abcdefghijklmn"), 3, 2), nil, true},
		{"empty", nil, nil, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := pkcs7Unpad(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("pkcs7Unpad(%v) succeeded with %q", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("pkcs7Unpad: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("pkcs7Unpad = %q, want %q", got, tt.want)
			}
		})
	}
}
