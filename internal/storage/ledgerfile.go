package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// LedgerFile stores block records as one JSON object keyed by address.
type LedgerFile struct {
	path string
}

// NewLedgerFile returns a LedgerFile backed by path. The file is created on
// the first save.
func NewLedgerFile(path string) *LedgerFile { return &LedgerFile{path: path} }

func (f *LedgerFile) Path() string { return f.path }

func (f *LedgerFile) LoadBlocks() (map[string]*BlockRecord, error) {
	data, err := readFileIfExists(f.path)
	if err != nil {
		return nil, persistErr("read", f.path, err)
	}
	blocks, err := DecodeLedger(data)
	if err != nil {
		return nil, persistErr("decode", f.path, err)
	}
	return blocks, nil
}

func (f *LedgerFile) SaveBlocks(blocks map[string]*BlockRecord) error {
	data, err := EncodeLedger(blocks)
	if err != nil {
		return persistErr("encode", f.path, err)
	}
	return persistErr("write", f.path, writeFileAtomic(f.path, data, 0o600))
}

// DecodeLedger parses the ledger JSON. Empty input is an empty ledger.
func DecodeLedger(data []byte) (map[string]*BlockRecord, error) {
	blocks := make(map[string]*BlockRecord)
	if len(bytes.TrimSpace(data)) == 0 {
		return blocks, nil
	}
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("ledger json: %w", err)
	}
	for addr, rec := range blocks {
		if rec == nil {
			delete(blocks, addr)
			continue
		}
		rec.Address = addr
		if rec.Permanent {
			rec.ExpiresAt = nil
		}
	}
	return blocks, nil
}

// EncodeLedger renders the ledger as indented JSON. Map keys are emitted in
// sorted order by encoding/json.
func EncodeLedger(blocks map[string]*BlockRecord) ([]byte, error) {
	if blocks == nil {
		blocks = map[string]*BlockRecord{}
	}
	return json.MarshalIndent(blocks, "", "  ")
}
