// inject_state writes a block record into a keygate data directory for smoke
// testing the admission path. It is a standalone tool, not part of the
// service.
//
// Usage:
//
//	go run ./scripts/inject_state --data-dir ./DataFiles --backend bbolt --ip 203.0.113.42
//	go run ./scripts/inject_state --data-dir ./DataFiles --ip 203.0.113.42 --permanent
package main

import (
	"flag"
	"fmt"
	"log"
	"net/netip"
	"strings"
	"time"

	"github.com/developingchet/keygate/internal/storage"
)

// normalizeAddr strips CIDR notation and unmaps IPv4-mapped IPv6 addresses,
// matching how the service keys the ledger.
func normalizeAddr(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, '/'); idx != -1 {
		raw = raw[:idx]
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", raw, err)
	}
	return addr.Unmap().String(), nil
}

// buildBlock returns a record for addr that is either permanent or expires
// after cooldown.
func buildBlock(addr string, permanent bool, cooldown time.Duration, now time.Time) *storage.BlockRecord {
	rec := &storage.BlockRecord{
		Address:   addr,
		BlockedAt: now.UTC(),
		Permanent: permanent,
	}
	if !permanent {
		exp := now.Add(cooldown).UTC()
		rec.ExpiresAt = &exp
	}
	return rec
}

// inject merges rec into the ledger, replacing any record for the same address.
func inject(ledger storage.Ledger, rec *storage.BlockRecord) error {
	blocks, err := ledger.LoadBlocks()
	if err != nil {
		return err
	}
	if blocks == nil {
		blocks = make(map[string]*storage.BlockRecord)
	}
	blocks[rec.Address] = rec
	return ledger.SaveBlocks(blocks)
}

func main() {
	dataDir := flag.String("data-dir", "./DataFiles", "keygate data directory")
	backend := flag.String("backend", storage.BackendFile, "state backend: file or bbolt")
	ledgerFile := flag.String("ledger-file", "blocked_ips.json", "ledger file name (file backend)")
	ip := flag.String("ip", "", "address to block (required)")
	permanent := flag.Bool("permanent", false, "write a permanent block instead of a cooldown")
	cooldown := flag.Duration("cooldown", 15*time.Minute, "cooldown length for a temporary block")
	flag.Parse()

	if *ip == "" {
		log.Fatal("--ip is required")
	}
	addr, err := normalizeAddr(*ip)
	if err != nil {
		log.Fatal(err)
	}

	b, err := storage.OpenBackend(*backend, *dataDir, "keys.txt", *ledgerFile)
	if err != nil {
		log.Fatalf("open backend: %v", err)
	}
	defer b.Close()

	rec := buildBlock(addr, *permanent, *cooldown, time.Now())
	if err := inject(b, rec); err != nil {
		log.Fatalf("write block: %v", err)
	}

	if rec.Permanent {
		fmt.Printf("[inject_state] %s blocked permanently\n", addr)
	} else {
		fmt.Printf("[inject_state] %s blocked until %s\n", addr, rec.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println("[inject_state] done; restart keygate to observe loaded state")
}
