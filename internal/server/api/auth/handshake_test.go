package auth_test

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apitypes "github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/server/api/auth"
)

func mustKey(t *testing.T, password string) []byte {
	t.Helper()
	key, err := auth.DeriveKey(password)
	require.NoError(t, err)
	return key
}

// clientHello captures what Client sends before it waits for the server.
func clientHello(t *testing.T, key []byte) []byte {
	t.Helper()
	var out bytes.Buffer
	_, err := auth.Client(bufio.NewReader(strings.NewReader("")), &out, key)
	require.ErrorIs(t, err, auth.ErrRejected)
	require.Len(t, out.Bytes(), len(auth.HandshakeMagic)+auth.NonceSize+sha256.Size)
	return out.Bytes()
}

func TestIsAuthHandshake(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    bool
		wantErr error
	}{
		{name: "magic", input: auth.HandshakeMagic, want: true},
		{name: "plain request", input: "bus/list\x00"},
		{name: "incomplete", input: "uF", wantErr: io.EOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.IsAuthHandshake(bufio.NewReader(strings.NewReader(tt.input)))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandshake(t *testing.T) {
	key := mustKey(t, "test123")
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	type result struct {
		sess auth.Session
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sess, err := auth.Server(bufio.NewReader(s), s, key)
		done <- result{sess, err}
	}()

	cs, err := auth.Client(bufio.NewReader(c), c, key)
	require.NoError(t, err)
	srv := <-done
	require.NoError(t, srv.err)

	assert.Equal(t, cs.ClientNonce, srv.sess.ClientNonce)
	assert.Equal(t, cs.ServerNonce, srv.sess.ServerNonce)
	assert.Equal(t, cs.Keys, srv.sess.Keys)

	client, err := cs.ClientConn(c)
	require.NoError(t, err)
	server, err := srv.sess.ServerConn(s)
	require.NoError(t, err)

	go func() { _, _ = client.Write([]byte("serial/0/1-1/0\x00")) }()
	line, err := bufio.NewReader(server).ReadString('\x00')
	require.NoError(t, err)
	assert.Equal(t, "serial/0/1-1/0\x00", line)
}

func TestServerHandshakeErrors(t *testing.T) {
	key := mustKey(t, "test123")
	hello := clientHello(t, key)

	closed := func() io.Writer {
		_, w := io.Pipe()
		_ = w.Close()
		return w
	}

	tests := []struct {
		name    string
		input   []byte
		writer  io.Writer
		key     []byte
		wantErr string
		status  int
	}{
		{name: "wrong password", input: hello, key: mustKey(t, "123test"), status: 401},
		{name: "short hello", input: append([]byte(auth.HandshakeMagic), "short"...), key: key, wantErr: "read client hello: unexpected EOF"},
		{name: "no magic", input: []byte("sh"), key: key, wantErr: "discard handshake magic: EOF"},
		{name: "closed writer", input: hello, writer: closed(), key: key, wantErr: "write response: io: read/write on closed pipe"},
		{name: "no key", input: hello, wantErr: "handshake: missing key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tt.writer
			if w == nil {
				w = &bytes.Buffer{}
			}
			_, err := auth.Server(bufio.NewReader(bytes.NewReader(tt.input)), w, tt.key)
			require.Error(t, err)
			if tt.status != 0 {
				var apiErr apitypes.ApiError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tt.status, apiErr.Status)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestClientHandshakeErrors(t *testing.T) {
	key := mustKey(t, "test123")
	nonce := bytes.Repeat([]byte{0x42}, auth.NonceSize)

	tests := []struct {
		name      string
		response  string
		wantIs    error
		wantAPI   int
		wantMatch string
	}{
		{name: "closed", response: "", wantIs: auth.ErrRejected},
		{name: "problem json", response: `{"status":401,"title":"Unauthorized","detail":"invalid password"}` + "\n", wantAPI: 401},
		{name: "garbage", response: "NO\x00whatever\n", wantMatch: "invalid handshake response"},
		{name: "truncated nonce", response: "OK\x00" + string(nonce[:5]), wantMatch: "read server nonce: unexpected EOF"},
		{name: "forged proof", response: "OK\x00" + string(nonce) + strings.Repeat("\x00", sha256.Size), wantIs: auth.ErrServerProof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Client(bufio.NewReader(strings.NewReader(tt.response)), &bytes.Buffer{}, key)
			require.Error(t, err)
			switch {
			case tt.wantIs != nil:
				assert.ErrorIs(t, err, tt.wantIs)
			case tt.wantAPI != 0:
				var apiErr *apitypes.ApiError
				require.True(t, errors.As(err, &apiErr))
				assert.Equal(t, tt.wantAPI, apiErr.Status)
			default:
				assert.ErrorContains(t, err, tt.wantMatch)
			}
		})
	}
}
