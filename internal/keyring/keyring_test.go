package keyring_test

import (
	"context"
	"testing"

	"github.com/andrebq/peermux/internal/keyring"
	"github.com/andrebq/peermux/internal/store"
	"github.com/andrebq/peermux/relay/peerid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = keyring.Params{Time: 1, Memory: 1024, Threads: 1}

func newKeyring(t *testing.T) (*keyring.Keyring, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return keyring.New(st).WithParams(fast), st
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	kr, _ := newKeyring(t)

	_, err := kr.Load(ctx, []byte("secret"))
	require.ErrorIs(t, err, keyring.ErrNoIdentity)
	_, err = kr.PeerID(ctx)
	require.ErrorIs(t, err, keyring.ErrNoIdentity)

	key, err := kr.Create(ctx, []byte("secret"))
	require.NoError(t, err)
	id := peerid.FromPublicKey(key.PubKey())

	stored, err := kr.PeerID(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, stored)

	loaded, err := kr.Load(ctx, []byte("secret"))
	require.NoError(t, err)
	assert.True(t, key.Key.Equals(&loaded.Key))

	_, err = kr.Load(ctx, []byte("wrong"))
	assert.ErrorIs(t, err, keyring.ErrBadPassphrase)

	_, err = kr.Create(ctx, []byte("secret"))
	assert.ErrorIs(t, err, keyring.ErrExists)
}

func TestLoadOrCreate(t *testing.T) {
	ctx := context.Background()
	kr, _ := newKeyring(t)

	first, created, err := kr.LoadOrCreate(ctx, nil)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := kr.LoadOrCreate(ctx, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, peerid.FromPublicKey(first.PubKey()), peerid.FromPublicKey(again.PubKey()))
}

func TestTamperedPeerID(t *testing.T) {
	ctx := context.Background()
	kr, st := newKeyring(t)
	_, err := kr.Create(ctx, []byte("secret"))
	require.NoError(t, err)

	ops := st.Ops(true)
	var raw map[string]any
	require.NoError(t, store.GetJSON(ctx, &raw, ops.KV(), keyring.NodeKey))
	raw["peer_id"] = "03b661d965727a0751bd876efe3c826f89d5056f98501924222abd552bc2ba0ab1"
	require.NoError(t, store.PutJSON(ctx, ops.KV(), keyring.NodeKey, raw))
	require.NoError(t, ops.Close())

	_, err = kr.Load(ctx, []byte("secret"))
	assert.ErrorIs(t, err, keyring.ErrBadPassphrase)
}
