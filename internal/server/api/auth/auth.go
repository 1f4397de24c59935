package auth

import (
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	AutoGenKeyLength = 16
	Base62Chars      = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	PBKDF2Iterations = 100000
	PBKDF2Salt       = "usbfs-Key-v1"

	sessionInfo = "usbfs-Session-v1"
)

var ErrEmptyPassword = errors.New("password cannot be empty")

// GenerateKey returns a random base62 password for servers started without
// one. Bytes at or above 248 are redrawn so every character is equally likely.
func GenerateKey() (string, error) {
	key := make([]byte, 0, AutoGenKeyLength)
	buf := make([]byte, AutoGenKeyLength)
	for len(key) < AutoGenKeyLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= 248 || len(key) == AutoGenKeyLength {
				continue
			}
			key = append(key, Base62Chars[b%62])
		}
	}
	return string(key), nil
}

// DeriveKey stretches a password to a 32 byte key.
func DeriveKey(password string) ([]byte, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	return pbkdf2.Key(sha256.New, password, []byte(PBKDF2Salt), PBKDF2Iterations, chacha20poly1305.KeySize)
}

// SessionKeys are the two per-direction keys of one authenticated
// connection. Each side seals with its own key, so the frame counters of
// the two directions never share a nonce space.
type SessionKeys struct {
	ClientToServer []byte
	ServerToClient []byte
}

// DeriveSessionKeys expands the password key and both handshake nonces
// into SessionKeys with HKDF-SHA256.
func DeriveSessionKeys(key, clientNonce, serverNonce []byte) (SessionKeys, error) {
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	var ks SessionKeys
	for _, dst := range []struct {
		label string
		key   *[]byte
	}{
		{"client->server", &ks.ClientToServer},
		{"server->client", &ks.ServerToClient},
	} {
		*dst.key = make([]byte, chacha20poly1305.KeySize)
		r := hkdf.New(sha256.New, key, salt, []byte(sessionInfo+" "+dst.label))
		if _, err := io.ReadFull(r, *dst.key); err != nil {
			return SessionKeys{}, err
		}
	}
	return ks, nil
}
