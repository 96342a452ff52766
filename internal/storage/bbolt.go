package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Compile-time proof that BoltStore satisfies the Backend interface.
var _ Backend = (*BoltStore)(nil)

var (
	bucketKeys   = []byte("keys")
	bucketBlocks = []byte("blocks")
)

// BoltStore is an ACID bbolt-backed Backend. Each save rewrites its bucket
// inside a single Update, so readers see either the previous or the new set.
// Key values use the same "token:plugin:state" encoding as KeyFile and block
// values the same JSON shape as LedgerFile.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (or creates) a bbolt database at path and initialises the
// required buckets.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, persistErr("open", path, err)
	}

	// Ensure buckets exist.
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKeys); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketBlocks)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, persistErr("init buckets", path, err)
	}

	return &BoltStore{db: db}, nil
}

// --- Keys ---

func (s *BoltStore) LoadKeys() ([]KeyRecord, error) {
	var out []KeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, v []byte) error {
			if rec, ok := parseKeyLine(string(v)); ok {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, persistErr("read keys", s.db.Path(), err)
	}
	return out, nil
}

// SaveKeys replaces the keys bucket. Records are keyed by their big-endian
// position so cursor order equals list order.
func (s *BoltStore) SaveKeys(keys []KeyRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKeys); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketKeys)
		if err != nil {
			return err
		}
		for i, k := range keys {
			var pos [8]byte
			binary.BigEndian.PutUint64(pos[:], uint64(i))
			if err := b.Put(pos[:], []byte(formatKeyLine(k))); err != nil {
				return err
			}
		}
		return nil
	})
	return persistErr("write keys", s.db.Path(), err)
}

// --- Blocks ---

// boltBlock is the stored value: the ledger JSON shape plus the address,
// since the bucket key is sanitised and cannot be reversed for IPv6.
type boltBlock struct {
	Address string `json:"address"`
	BlockRecord
}

func (s *BoltStore) LoadBlocks() (map[string]*BlockRecord, error) {
	blocks := make(map[string]*BlockRecord)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			var bb boltBlock
			if err := json.Unmarshal(v, &bb); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			rec := bb.BlockRecord
			rec.Address = bb.Address
			if rec.Permanent {
				rec.ExpiresAt = nil
			}
			blocks[bb.Address] = &rec
			return nil
		})
	})
	if err != nil {
		return nil, persistErr("read blocks", s.db.Path(), err)
	}
	return blocks, nil
}

func (s *BoltStore) SaveBlocks(blocks map[string]*BlockRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketBlocks); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketBlocks)
		if err != nil {
			return err
		}
		for addr, rec := range blocks {
			data, err := json.Marshal(boltBlock{Address: addr, BlockRecord: *rec})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(sanitizeAddr(addr)), data); err != nil {
				return err
			}
		}
		return nil
	})
	return persistErr("write blocks", s.db.Path(), err)
}

// Paths returns the database file.
func (s *BoltStore) Paths() []string { return []string{s.db.Path()} }

// Close cleanly closes the underlying bbolt database.
func (s *BoltStore) Close() error { return s.db.Close() }
