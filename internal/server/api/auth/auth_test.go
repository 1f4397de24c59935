package auth_test

import (
	"testing"

	"github.com/Alia5/usbfs/internal/server/api/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKey(t *testing.T) {
	seen := map[string]bool{}
	for range 32 {
		key, err := auth.GenerateKey()
		require.NoError(t, err)
		assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)
		assert.False(t, seen[key], "duplicate key %s", key)
		seen[key] = true
	}
}

func BenchmarkGenerateKey(b *testing.B) {
	for b.Loop() {
		if _, err := auth.GenerateKey(); err != nil {
			b.Fatal(err)
		}
	}
}

func TestDeriveKey(t *testing.T) {

	type testCase struct {
		name        string
		password    string
		expectedKey []byte
		expectedErr error
	}

	testCases := []testCase{
		{
			name:        "Normal Password",
			password:    "password123",
			expectedKey: []byte{0x57, 0x3c, 0x28, 0x24, 0x4a, 0x8c, 0xdb, 0x2b, 0x9a, 0x0, 0x61, 0xfd, 0xbe, 0x7d, 0xcc, 0x17, 0x98, 0xff, 0xd3, 0x49, 0x80, 0x3e, 0xb8, 0x65, 0x56, 0x57, 0x5b, 0xd0, 0xfb, 0xa2, 0x68, 0x4a},
		},
		{
			name:        "Simple Password",
			password:    "1",
			expectedKey: []byte{0xa1, 0xc2, 0x23, 0x80, 0x5b, 0x74, 0xde, 0x59, 0xbc, 0x1b, 0xb1, 0x87, 0xf8, 0x9b, 0x8a, 0x42, 0x86, 0x49, 0x7e, 0x5c, 0xde, 0xc3, 0x81, 0xc4, 0x3c, 0x6a, 0xa1, 0x23, 0xdf, 0xde, 0xab, 0x25},
		},
		{
			name:        "empty password",
			password:    "",
			expectedErr: auth.ErrEmptyPassword,
		},
		{
			name:        "long password",
			password:    "dkfghdfg90d78h350ß8dgfjkdfg#---23489dfg!!!@!@#$$%&/()=",
			expectedKey: []byte{0x8, 0x3b, 0x3d, 0xea, 0x57, 0xb0, 0xcd, 0x3f, 0xcd, 0xb0, 0x92, 0x9, 0xfe, 0xc9, 0xc3, 0x16, 0x4a, 0xfc, 0xb2, 0xf5, 0x50, 0x89, 0x30, 0xf4, 0x52, 0x6a, 0xf4, 0x6d, 0x30, 0x17, 0xff, 0x53},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			derivedKey, err := auth.DeriveKey(tc.password)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expectedKey, derivedKey)
		})
	}
}

func TestDeriveSessionKeys(t *testing.T) {
	key := make([]byte, 32)
	serverNonce := make([]byte, 32)
	clientNonce := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
		serverNonce[i] = byte(i + 10)
		clientNonce[i] = byte(i + 20)
	}

	ks, err := auth.DeriveSessionKeys(key, clientNonce, serverNonce)
	require.NoError(t, err)
	assert.Len(t, ks.ClientToServer, 32)
	assert.Len(t, ks.ServerToClient, 32)
	assert.NotEqual(t, ks.ClientToServer, ks.ServerToClient)

	again, err := auth.DeriveSessionKeys(key, clientNonce, serverNonce)
	require.NoError(t, err)
	assert.Equal(t, ks, again)

	swapped, err := auth.DeriveSessionKeys(key, serverNonce, clientNonce)
	require.NoError(t, err)
	assert.NotEqual(t, ks.ClientToServer, swapped.ClientToServer, "nonce order is part of the salt")

	clientNonce[0] = 99
	changed, err := auth.DeriveSessionKeys(key, clientNonce, serverNonce)
	require.NoError(t, err)
	assert.NotEqual(t, ks.ClientToServer, changed.ClientToServer)
	assert.NotEqual(t, ks.ServerToClient, changed.ServerToClient)
}
