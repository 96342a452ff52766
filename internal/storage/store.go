package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrPersistence marks every I/O fault raised while reading or writing state.
// Callers test for it with errors.Is.
var ErrPersistence = errors.New("persistence failure")

// PersistenceError carries the failed operation and the file it touched.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

func persistErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Path: path, Err: err}
}

// KeyState is the usage state of a key. The states are mutually exclusive.
type KeyState int

const (
	KeyActive KeyState = iota
	KeyExpired
	KeyRemoved
)

func (s KeyState) String() string {
	switch s {
	case KeyExpired:
		return "expired"
	case KeyRemoved:
		return "removed"
	default:
		return "active"
	}
}

// parseKeyState maps the on-disk marker to a state. Anything that is not
// "expired" or "removed" reads as active.
func parseKeyState(s string) KeyState {
	switch strings.TrimSpace(s) {
	case "expired":
		return KeyExpired
	case "removed":
		return KeyRemoved
	default:
		return KeyActive
	}
}

// KeyRecord is one issued key.
type KeyRecord struct {
	Token  string
	Plugin string
	State  KeyState
}

// BlockRecord is the persisted abuse state of one client address.
type BlockRecord struct {
	Address               string     `json:"-"`
	BlockedAt             time.Time  `json:"blockedAt"`
	Permanent             bool       `json:"permanent"`
	ExpiresAt             *time.Time `json:"expiresAt"`
	RequestsDuringBlock   int        `json:"requestsDuringBlock"`
	HasLoggedBlockedEvent bool       `json:"hasLoggedBlockedEvent"`
}

// Active reports whether the record still denies admission at now.
func (r *BlockRecord) Active(now time.Time) bool {
	if r.Permanent {
		return true
	}
	return r.ExpiresAt != nil && now.Before(*r.ExpiresAt)
}

// KeyStore loads and saves the full ordered key list.
type KeyStore interface {
	LoadKeys() ([]KeyRecord, error)
	SaveKeys(keys []KeyRecord) error
}

// Ledger loads and saves the full set of block records keyed by address.
type Ledger interface {
	LoadBlocks() (map[string]*BlockRecord, error)
	SaveBlocks(blocks map[string]*BlockRecord) error
}

// PluginStore loads and saves the registered plugin names.
type PluginStore interface {
	LoadPlugins() ([]string, error)
	SavePlugins(names []string) error
}

// Backend is a KeyStore and Ledger pair sharing one lifetime.
type Backend interface {
	KeyStore
	Ledger

	// Paths lists the files backing the state, for size reporting.
	Paths() []string

	Close() error
}

// Backend kinds accepted by OpenBackend.
const (
	BackendFile  = "file"
	BackendBbolt = "bbolt"
)

// OpenBackend opens the configured state backend under dataDir.
func OpenBackend(kind, dataDir, keysFile, ledgerFile string) (Backend, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, persistErr("mkdir", dataDir, err)
	}
	switch kind {
	case BackendFile, "":
		return &FileBackend{
			KeyFile:    NewKeyFile(filepath.Join(dataDir, keysFile)),
			LedgerFile: NewLedgerFile(filepath.Join(dataDir, ledgerFile)),
		}, nil
	case BackendBbolt:
		return Open(filepath.Join(dataDir, "state.db"))
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", kind)
	}
}

// FileBackend keeps keys and blocks in their flat files.
type FileBackend struct {
	*KeyFile
	*LedgerFile
}

var _ Backend = (*FileBackend)(nil)

func (b *FileBackend) Paths() []string { return []string{b.KeyFile.Path(), b.LedgerFile.Path()} }

// Close is a no-op; every save already reached disk.
func (b *FileBackend) Close() error { return nil }

// sanitizeAddr strips a CIDR suffix and replaces IPv6 colons with
// underscores so the result is usable as a bbolt key.
func sanitizeAddr(addr string) string {
	if i := strings.IndexByte(addr, '/'); i != -1 {
		addr = addr[:i]
	}
	return strings.ReplaceAll(addr, ":", "_")
}

// writeFileAtomic replaces path with data through a temp file and rename, so
// a crash mid-write leaves either the old or the new contents.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// readFileIfExists returns nil data for a missing file.
func readFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}
