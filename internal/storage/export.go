package storage

import (
	"os"
	"path/filepath"
)

// Source is anything keys and blocks can be read from.
type Source interface {
	KeyStore
	Ledger
}

// Export writes the keys and blocks held by src to flat files in dir, using
// the same formats as the file backend. It returns the number of keys and
// blocks written.
func Export(src Source, dir, keysFile, ledgerFile string) (int, int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, 0, persistErr("mkdir", dir, err)
	}
	keys, err := src.LoadKeys()
	if err != nil {
		return 0, 0, err
	}
	blocks, err := src.LoadBlocks()
	if err != nil {
		return 0, 0, err
	}
	if err := NewKeyFile(filepath.Join(dir, keysFile)).SaveKeys(keys); err != nil {
		return 0, 0, err
	}
	if err := NewLedgerFile(filepath.Join(dir, ledgerFile)).SaveBlocks(blocks); err != nil {
		return len(keys), 0, err
	}
	return len(keys), len(blocks), nil
}
