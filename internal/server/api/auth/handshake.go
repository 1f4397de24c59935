package auth

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	apitypes "github.com/Alia5/usbfs/apitypes"
	apierror "github.com/Alia5/usbfs/internal/server/api/error"
)

// Wire layout:
//
//	client: HandshakeMagic | client nonce | HMAC(client role, client nonce)
//	server: "OK\0" | server nonce | HMAC(server role, client nonce, server nonce)
//
// A server that rejects the client answers with a problem+json line instead.
const (
	HandshakeMagic = "uFS1\x00"
	NonceSize      = 32
	authContext    = "usbfs-Auth-v1"
	acceptPrefix   = "OK\x00"
)

var (
	// ErrRejected means the server closed the connection during the
	// handshake without an explanation.
	ErrRejected = errors.New("handshake rejected by server")
	// ErrServerProof means the server answered but does not hold the key.
	ErrServerProof = errors.New("server failed to prove the key")
)

// Session is the outcome of a completed handshake.
type Session struct {
	ClientNonce []byte
	ServerNonce []byte
	Keys        SessionKeys
}

// ClientConn seals client writes with the client->server key.
func (s Session) ClientConn(c net.Conn) (net.Conn, error) {
	return WrapConn(c, s.Keys.ClientToServer, s.Keys.ServerToClient)
}

// ServerConn seals server writes with the server->client key.
func (s Session) ServerConn(c net.Conn) (net.Conn, error) {
	return WrapConn(c, s.Keys.ServerToClient, s.Keys.ClientToServer)
}

func proof(key []byte, role string, nonces ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte(authContext))
	_, _ = mac.Write([]byte(role))
	for _, n := range nonces {
		_, _ = mac.Write(n)
	}
	return mac.Sum(nil)
}

func newNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// IsAuthHandshake checks if the next bytes in reader match the handshake magic
func IsAuthHandshake(r *bufio.Reader) (bool, error) {
	b, err := r.Peek(len(HandshakeMagic))
	if err != nil {
		return false, err
	}
	return string(b) == HandshakeMagic, nil
}

// Client runs the client side of the handshake. A problem+json rejection
// from the server is returned as *apitypes.ApiError.
func Client(r *bufio.Reader, w io.Writer, key []byte) (Session, error) {
	if len(key) == 0 {
		return Session{}, fmt.Errorf("handshake: missing key")
	}
	clientNonce, err := newNonce()
	if err != nil {
		return Session{}, err
	}

	msg := make([]byte, 0, len(HandshakeMagic)+NonceSize+sha256.Size)
	msg = append(msg, HandshakeMagic...)
	msg = append(msg, clientNonce...)
	msg = append(msg, proof(key, "client", clientNonce)...)
	if _, err := w.Write(msg); err != nil {
		return Session{}, fmt.Errorf("write handshake: %w", err)
	}

	prefix := make([]byte, len(acceptPrefix))
	if _, err := io.ReadFull(r, prefix); err != nil {
		if errors.Is(err, io.EOF) {
			return Session{}, ErrRejected
		}
		return Session{}, fmt.Errorf("read handshake response: %w", err)
	}
	if string(prefix) != acceptPrefix {
		rest, _ := r.ReadString('\n')
		line := strings.TrimSuffix(string(prefix)+rest, "\n")
		var apiErr apitypes.ApiError
		if err := json.Unmarshal([]byte(line), &apiErr); err == nil && (apiErr.Status != 0 || apiErr.Title != "") {
			return Session{}, &apiErr
		}
		return Session{}, fmt.Errorf("invalid handshake response from server: %q", line)
	}

	reply := make([]byte, NonceSize+sha256.Size)
	if _, err := io.ReadFull(r, reply); err != nil {
		return Session{}, fmt.Errorf("read server nonce: %w", err)
	}
	serverNonce, serverProof := reply[:NonceSize], reply[NonceSize:]
	if !hmac.Equal(serverProof, proof(key, "server", clientNonce, serverNonce)) {
		return Session{}, ErrServerProof
	}
	return newSession(key, clientNonce, serverNonce)
}

// Server runs the server side of the handshake after IsAuthHandshake
// reported the magic. A wrong client proof is returned as a 401 ApiError
// for the caller to send back.
func Server(r *bufio.Reader, w io.Writer, key []byte) (Session, error) {
	if len(key) == 0 {
		return Session{}, fmt.Errorf("handshake: missing key")
	}
	if _, err := r.Discard(len(HandshakeMagic)); err != nil {
		return Session{}, fmt.Errorf("discard handshake magic: %w", err)
	}
	hello := make([]byte, NonceSize+sha256.Size)
	if _, err := io.ReadFull(r, hello); err != nil {
		return Session{}, fmt.Errorf("read client hello: %w", err)
	}
	clientNonce, clientProof := hello[:NonceSize], hello[NonceSize:]
	if !hmac.Equal(clientProof, proof(key, "client", clientNonce)) {
		return Session{}, apierror.ErrUnauthorized("invalid password")
	}

	serverNonce, err := newNonce()
	if err != nil {
		return Session{}, err
	}
	msg := make([]byte, 0, len(acceptPrefix)+NonceSize+sha256.Size)
	msg = append(msg, acceptPrefix...)
	msg = append(msg, serverNonce...)
	msg = append(msg, proof(key, "server", clientNonce, serverNonce)...)
	if _, err := w.Write(msg); err != nil {
		return Session{}, fmt.Errorf("write response: %w", err)
	}
	return newSession(key, clientNonce, serverNonce)
}

func newSession(key, clientNonce, serverNonce []byte) (Session, error) {
	ks, err := DeriveSessionKeys(key, clientNonce, serverNonce)
	if err != nil {
		return Session{}, err
	}
	return Session{ClientNonce: clientNonce, ServerNonce: serverNonce, Keys: ks}, nil
}
