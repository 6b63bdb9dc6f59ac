package main

import (
	"bytes"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.c0redev.securetcp/internal/proto"
	"dev.c0redev.securetcp/internal/store"
)

func connString(t *testing.T, pub []byte) string {
	t.Helper()
	cs := &proto.ConnectionString{IP: net.IPv4(127, 0, 0, 1), Port: 13222, PublicKey: pub}
	s, err := cs.Encode()
	require.NoError(t, err)
	return s
}

func TestTarget(t *testing.T) {
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	log := zerolog.Nop()
	key := bytes.Repeat([]byte{4}, 65)
	other := bytes.Repeat([]byte{5}, 65)

	t.Run("connection string pins", func(t *testing.T) {
		addr, pub, err := target(db, connString(t, key), "", false, log)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:13222", addr)
		assert.Equal(t, key, pub)
	})

	t.Run("address reuses pinned key", func(t *testing.T) {
		addr, pub, err := target(db, "", "127.0.0.1:13222", false, log)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:13222", addr)
		assert.Equal(t, key, pub)
	})

	t.Run("different key refused", func(t *testing.T) {
		_, _, err := target(db, connString(t, other), "", false, log)
		assert.ErrorIs(t, err, store.ErrKeyMismatch)
	})

	t.Run("different key replaced", func(t *testing.T) {
		_, pub, err := target(db, connString(t, other), "", true, log)
		require.NoError(t, err)
		assert.Equal(t, other, pub)
		_, pub, err = target(db, "", "127.0.0.1:13222", false, log)
		require.NoError(t, err)
		assert.Equal(t, other, pub)
	})

	t.Run("unknown address is unverified", func(t *testing.T) {
		addr, pub, err := target(db, "", "10.0.0.9:13222", false, log)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.9:13222", addr)
		assert.Nil(t, pub)
	})

	t.Run("nothing to dial", func(t *testing.T) {
		_, _, err := target(db, "", "", false, log)
		assert.Error(t, err)
	})

	t.Run("bad connection string", func(t *testing.T) {
		_, _, err := target(db, "!!", "", false, log)
		assert.ErrorIs(t, err, proto.ErrInvalidConnectionString)
	})
}
