package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"stabilitypool/storage"
)

// Manager provides RLP-encoded key/value access on top of a storage backend.
// Keys are keccak256-hashed before they reach the database.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes the value stored under key.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return m.db.Delete(kvKey(key))
}

// Batch stages RLP-encoded writes that are applied together.
type Batch struct {
	batch storage.Batch
}

// NewBatch starts a batch against the manager's database.
func (m *Manager) NewBatch() *Batch {
	return &Batch{batch: m.db.NewBatch()}
}

// Put encodes value and stages it under key.
func (b *Batch) Put(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	b.batch.Put(kvKey(key), encoded)
	return nil
}

// Delete stages the removal of key.
func (b *Batch) Delete(key []byte) {
	b.batch.Delete(kvKey(key))
}

// Len reports the number of staged writes.
func (b *Batch) Len() int { return b.batch.Len() }

// Write applies every staged write atomically.
func (b *Batch) Write() error {
	if b.batch.Len() == 0 {
		return nil
	}
	return b.batch.Write()
}
