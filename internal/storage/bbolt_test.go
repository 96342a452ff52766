package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleKeys() []KeyRecord {
	return []KeyRecord{
		{Token: "c3d4-0001", Plugin: "Telemetry", State: KeyActive},
		{Token: "b2c3-0002", Plugin: "Telemetry", State: KeyExpired},
		{Token: "a1b2-0003", Plugin: "Backup", State: KeyRemoved},
	}
}

func sampleBlocks() map[string]*BlockRecord {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exp := at.Add(5 * time.Minute)
	return map[string]*BlockRecord{
		"203.0.113.42": {Address: "203.0.113.42", BlockedAt: at, ExpiresAt: &exp, RequestsDuringBlock: 3, HasLoggedBlockedEvent: true},
		"2001:db8::1":  {Address: "2001:db8::1", BlockedAt: at, Permanent: true, RequestsDuringBlock: 10},
	}
}

// --- Keys ---

func TestBoltStore_Keys_FreshStart(t *testing.T) {
	s := newTestStore(t)
	keys, err := s.LoadKeys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBoltStore_Keys_RoundTripPreservesOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveKeys(sampleKeys()))

	got, err := s.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, sampleKeys(), got)
}

func TestBoltStore_Keys_SaveReplacesPreviousSet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveKeys(sampleKeys()))
	require.NoError(t, s.SaveKeys(sampleKeys()[:1]))

	got, err := s.LoadKeys()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBoltStore_Keys_OrderBeyondSingleByteIndex(t *testing.T) {
	s := newTestStore(t)
	keys := make([]KeyRecord, 300)
	for i := range keys {
		keys[i] = KeyRecord{Token: fmt.Sprintf("tok-%04d", i), Plugin: "p"}
	}
	require.NoError(t, s.SaveKeys(keys))

	got, err := s.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, keys, got)
}

// --- Blocks ---

func TestBoltStore_Blocks_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveBlocks(sampleBlocks()))

	got, err := s.LoadBlocks()
	require.NoError(t, err)
	require.Len(t, got, 2)

	want := sampleBlocks()
	for addr, rec := range want {
		require.Contains(t, got, addr)
		assert.Equal(t, rec.Address, got[addr].Address)
		assert.Equal(t, rec.Permanent, got[addr].Permanent)
		assert.Equal(t, rec.RequestsDuringBlock, got[addr].RequestsDuringBlock)
		assert.Equal(t, rec.HasLoggedBlockedEvent, got[addr].HasLoggedBlockedEvent)
		assert.True(t, rec.BlockedAt.Equal(got[addr].BlockedAt))
	}
	assert.Nil(t, got["2001:db8::1"].ExpiresAt)
	require.NotNil(t, got["203.0.113.42"].ExpiresAt)
	assert.True(t, want["203.0.113.42"].ExpiresAt.Equal(*got["203.0.113.42"].ExpiresAt))
}

func TestBoltStore_Blocks_DeleteBySaving(t *testing.T) {
	s := newTestStore(t)
	blocks := sampleBlocks()
	require.NoError(t, s.SaveBlocks(blocks))

	delete(blocks, "203.0.113.42")
	require.NoError(t, s.SaveBlocks(blocks))

	got, err := s.LoadBlocks()
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.NotContains(t, got, "203.0.113.42")
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveKeys(sampleKeys()))
	require.NoError(t, s1.SaveBlocks(sampleBlocks()))
	require.NoError(t, s1.Close())

	// Reopen and confirm state survived restart.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	keys, err := s2.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, sampleKeys(), keys)

	blocks, err := s2.LoadBlocks()
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
}

func TestBoltStore_CorruptBlockValue(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put([]byte("198.51.100.7"), []byte("{not json"))
	}))

	_, err := s.LoadBlocks()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
}

// --- Locking / permission / directory tests ---

func TestBoltStore_DatabaseLocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	s1, err := Open(path)
	require.NoError(t, err)
	defer s1.Close()

	// Second Open must time out (bbolt holds an exclusive file lock).
	_, err = Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "timeout")
}

func TestBoltStore_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX file-mode bits are not applicable on Windows")
	}
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path)
	require.NoError(t, err)
	_ = s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(),
		"state.db must be owner-read/write only (0600)")
}

func TestBoltStore_ReadOnlyDirectory_FailsGracefully(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("directory write semantics differ on Windows")
	}
	if os.Getuid() == 0 {
		t.Skip("root bypasses permission checks; test not meaningful")
	}
	roDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(roDir, 0o555))

	_, err := Open(filepath.Join(roDir, "state.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage: open")
}

func TestBoltStore_Paths(t *testing.T) {
	s := newTestStore(t)
	paths := s.Paths()
	require.Len(t, paths, 1)
	_, err := os.Stat(paths[0])
	assert.NoError(t, err)
}

// --- sanitizeAddr tests (package-level function) ---

func TestSanitizeAddr(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"203.0.113.42", "203.0.113.42"},
		{"203.0.113.42/32", "203.0.113.42"},
		{"2001:db8::1", "2001_db8__1"},
		{"2001:db8::1/128", "2001_db8__1"},
		{"::1", "__1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, sanitizeAddr(tt.input), "input=%s", tt.input)
	}
}
