package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"stabilitypool/storage"
)

type kvRecord struct {
	Name   string
	Amount *big.Int
	Flag   bool
}

func TestManagerKVRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())

	var missing kvRecord
	ok, err := mgr.KVGet([]byte("record"), &missing)
	require.NoError(t, err)
	require.False(t, ok)

	in := kvRecord{Name: "pool", Amount: big.NewInt(1_000_000), Flag: true}
	require.NoError(t, mgr.KVPut([]byte("record"), &in))

	var out kvRecord
	ok, err = mgr.KVGet([]byte("record"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in.Name, out.Name)
	require.Zero(t, in.Amount.Cmp(out.Amount))
	require.True(t, out.Flag)

	ok, err = mgr.KVGet([]byte("record"), nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, mgr.KVDelete([]byte("record")))
	ok, err = mgr.KVGet([]byte("record"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerRejectsEmptyKeys(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.Error(t, mgr.KVPut(nil, uint64(1)))
	_, err := mgr.KVGet([]byte{}, nil)
	require.Error(t, err)
	require.Error(t, mgr.KVDelete(nil))
	require.Error(t, mgr.NewBatch().Put(nil, uint64(1)))
}

func TestManagerHashesKeys(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	require.NoError(t, mgr.KVPut([]byte("plain"), uint64(7)))

	_, err := db.Get([]byte("plain"))
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = db.Get(kvKey([]byte("plain")))
	require.NoError(t, err)
}

func TestManagerBatchIsAtomic(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.KVPut([]byte("stale"), uint64(1)))

	batch := mgr.NewBatch()
	require.NoError(t, batch.Put([]byte("a"), uint64(10)))
	require.NoError(t, batch.Put([]byte("b"), uint64(20)))
	batch.Delete([]byte("stale"))
	require.Equal(t, 3, batch.Len())

	ok, err := mgr.KVGet([]byte("a"), nil)
	require.NoError(t, err)
	require.False(t, ok, "batched write must not be visible before Write")

	require.NoError(t, batch.Write())
	var value uint64
	ok, err = mgr.KVGet([]byte("b"), &value)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(20), value)
	ok, err = mgr.KVGet([]byte("stale"), nil)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mgr.NewBatch().Write(), "empty batch is a no-op")
}
