package auth_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/internal/server/api/auth"
)

func sessionKeys(t *testing.T, password string) auth.SessionKeys {
	t.Helper()
	key, err := auth.DeriveKey(password)
	require.NoError(t, err)
	ks, err := auth.DeriveSessionKeys(key, make([]byte, auth.NonceSize), make([]byte, auth.NonceSize))
	require.NoError(t, err)
	return ks
}

func sealedFrame(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var hdr [4]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)
	return append(hdr[:], body...)
}

var errOpen = errors.New("open")

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestConn(t *testing.T) {
	tests := []struct {
		name     string
		wrongKey bool
		payload  []byte
		wantErr  string
	}{
		{name: "serial chunk", payload: []byte("AT+GMR\r\n")},
		{name: "split across frames", payload: bytes.Repeat([]byte{0x5a}, 3*auth.MaxFrame+17)},
		{name: "differing keys", wrongKey: true, payload: []byte("x"), wantErr: "message authentication failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ck := sessionKeys(t, "test123")
			sk := ck
			if tt.wrongKey {
				sk = sessionKeys(t, "123test")
			}
			c, s := tcpPair(t)
			client, err := auth.Session{Keys: ck}.ClientConn(c)
			require.NoError(t, err)
			server, err := auth.Session{Keys: sk}.ServerConn(s)
			require.NoError(t, err)

			go func() { _, _ = client.Write(tt.payload) }()

			got := make([]byte, len(tt.payload))
			_, err = io.ReadFull(server, got)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.payload, got)
		})
	}
}

func TestWrapConnBadKeyLength(t *testing.T) {
	good := sessionKeys(t, "test123").ClientToServer
	tests := []struct {
		name       string
		send, recv []byte
		wantErr    string
	}{
		{name: "send", send: []byte{1, 2, 3}, recv: good, wantErr: "send key"},
		{name: "receive", send: good, recv: nil, wantErr: "receive key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := net.Pipe()
			defer c.Close()
			_, err := auth.WrapConn(c, tt.send, tt.recv)
			assert.ErrorContains(t, err, tt.wantErr)
			assert.ErrorContains(t, err, "bad key length")
		})
	}
}

func TestConnBidirectional(t *testing.T) {
	ks := sessionKeys(t, "test123")
	assert.NotEqual(t, ks.ClientToServer, ks.ServerToClient)

	c, s := tcpPair(t)
	client, err := auth.Session{Keys: ks}.ClientConn(c)
	require.NoError(t, err)
	server, err := auth.Session{Keys: ks}.ServerConn(s)
	require.NoError(t, err)

	// Both directions count from zero independently.
	for i := range 3 {
		_, err = client.Write([]byte{byte(i)})
		require.NoError(t, err)
		_, err = server.Write([]byte{byte(0x10 + i)})
		require.NoError(t, err)
	}
	got := make([]byte, 3)
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, got)
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x11, 0x12}, got)
}

func TestConnRejectsReplayAndOversize(t *testing.T) {
	sess := auth.Session{Keys: sessionKeys(t, "test123")}

	// Capture two client frames and the first frame the server sends.
	var wire bytes.Buffer
	c, s := tcpPair(t)
	w, err := sess.ClientConn(c)
	require.NoError(t, err)
	sw, err := sess.ServerConn(s)
	require.NoError(t, err)
	go func() {
		_, _ = w.Write([]byte("one"))
		_, _ = w.Write([]byte("two"))
		_, _ = sw.Write([]byte("own"))
	}()
	first, second := sealedFrame(t, s), sealedFrame(t, s)
	reflected := sealedFrame(t, c)

	tests := []struct {
		name    string
		frames  [][]byte
		want    string
		wantErr error
	}{
		{name: "in order", frames: [][]byte{first, second}, want: "onetwo"},
		{name: "replayed", frames: [][]byte{first, first}, want: "one", wantErr: auth.ErrFrameOrder},
		{name: "reordered", frames: [][]byte{second}, wantErr: auth.ErrFrameOrder},
		{name: "reflected", frames: [][]byte{reflected}, wantErr: errOpen},
		{name: "oversize", frames: [][]byte{{0xff, 0xff, 0xff, 0xff}}, wantErr: auth.ErrFrameTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire.Reset()
			for _, f := range tt.frames {
				wire.Write(f)
			}
			a, b := net.Pipe()
			defer a.Close()
			go func() {
				_, _ = a.Write(wire.Bytes())
				_ = a.Close()
			}()
			r, err := sess.ServerConn(b)
			require.NoError(t, err)

			got := make([]byte, len(tt.want))
			_, err = io.ReadFull(r, got)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			if tt.wantErr == errOpen {
				_, err = r.Read(make([]byte, 8))
				assert.ErrorContains(t, err, "message authentication failed")
			} else if tt.wantErr != nil {
				_, err = r.Read(make([]byte, 8))
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
