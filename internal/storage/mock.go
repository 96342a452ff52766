package storage

import (
	"errors"
	"sync"
)

// errInjected is returned by MemStore saves while FailSaves is set.
var errInjected = errors.New("injected save failure")

// MemStore is an in-memory implementation of Backend for use in unit tests.
// It is exported so that the keys and abuse tests can use it without
// creating files on disk.
type MemStore struct {
	mu        sync.Mutex
	keys      []KeyRecord
	blocks    map[string]BlockRecord
	failSaves bool

	keySaves   int
	blockSaves int
}

var _ Backend = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blocks: make(map[string]BlockRecord)}
}

// FailSaves makes every subsequent save return a persistence error until
// called again with false.
func (m *MemStore) FailSaves(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSaves = fail
}

// Saves returns how many key and block saves succeeded.
func (m *MemStore) Saves() (keys, blocks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keySaves, m.blockSaves
}

// --- Keys ---

func (m *MemStore) LoadKeys() ([]KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]KeyRecord(nil), m.keys...), nil
}

func (m *MemStore) SaveKeys(keys []KeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return persistErr("write keys", "memory", errInjected)
	}
	m.keys = append([]KeyRecord(nil), keys...)
	m.keySaves++
	return nil
}

// --- Blocks ---

func (m *MemStore) LoadBlocks() (map[string]*BlockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*BlockRecord, len(m.blocks))
	for addr, rec := range m.blocks {
		rec := rec
		out[addr] = &rec
	}
	return out, nil
}

func (m *MemStore) SaveBlocks(blocks map[string]*BlockRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return persistErr("write blocks", "memory", errInjected)
	}
	m.blocks = make(map[string]BlockRecord, len(blocks))
	for addr, rec := range blocks {
		m.blocks[addr] = *rec
	}
	m.blockSaves++
	return nil
}

// Paths is empty for the in-memory store.
func (m *MemStore) Paths() []string { return nil }

// Close is a no-op for the in-memory store.
func (m *MemStore) Close() error { return nil }
