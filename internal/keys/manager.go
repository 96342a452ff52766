// Package keys manages the lifecycle of single-use plugin access keys.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/sink"
	"github.com/developingchet/keygate/internal/storage"
)

// Record is a single key as held by the manager.
type Record = storage.KeyRecord

// State aliases the persisted key state.
type State = storage.KeyState

const (
	Active  = storage.KeyActive
	Expired = storage.KeyExpired
	Removed = storage.KeyRemoved
)

var (
	ErrNotFound             = errors.New("key not found")
	ErrPluginMismatch       = errors.New("key does not belong to this plugin")
	ErrAlreadyUsed          = errors.New("key already used")
	ErrAlreadyRevokedOrUsed = errors.New("key already revoked or used")
	ErrAlreadyActive        = errors.New("key already active")
	ErrUnknownPlugin        = errors.New("plugin not registered")
	ErrBadPosition          = errors.New("no key at that position")
)

// Reason maps an error returned by the manager to a stable label for logs
// and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPluginMismatch):
		return "plugin_mismatch"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrAlreadyRevokedOrUsed):
		return "already_revoked_or_used"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrUnknownPlugin):
		return "unknown_plugin"
	case errors.Is(err, ErrBadPosition):
		return "bad_position"
	case errors.Is(err, storage.ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}

// PluginChecker reports whether a plugin name is registered.
type PluginChecker interface {
	Has(name string) bool
}

const (
	tokenBytes = 16
	groupSize  = 4
)

// Manager owns the key list. Every mutation is persisted before it returns;
// a failed save leaves the in-memory list as it was.
type Manager struct {
	mu      sync.Mutex
	store   storage.KeyStore
	plugins PluginChecker
	events  sink.Publisher
	records []Record // most recent first
	byToken map[string]int

	rand io.Reader
}

// New loads the key list from store.
func New(store storage.KeyStore, plugins PluginChecker, events sink.Publisher) (*Manager, error) {
	if events == nil {
		events = sink.Discard
	}
	m := &Manager{
		store:   store,
		plugins: plugins,
		events:  events,
		rand:    rand.Reader,
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload replaces the in-memory list with the stored one.
func (m *Manager) Reload() error {
	records, err := m.store.LoadKeys()
	if err != nil {
		return fmt.Errorf("keys: load: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	m.reindex()
	return nil
}

// Issue creates a new active key for plugin and persists it.
func (m *Manager) Issue(plugin string) (Record, error) {
	if m.plugins != nil && !m.plugins.Has(plugin) {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownPlugin, plugin)
	}
	// The owner is stored as a field of a "token:plugin:state" line.
	if plugin == "" || strings.ContainsAny(plugin, ":\r\n") {
		return Record{}, fmt.Errorf("%w: %q cannot be stored", ErrUnknownPlugin, plugin)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	token, err := m.newToken()
	if err != nil {
		return Record{}, err
	}
	rec := Record{Token: token, Plugin: plugin, State: Active}

	next := make([]Record, 0, len(m.records)+1)
	next = append(next, rec)
	next = append(next, m.records...)
	if err := m.store.SaveKeys(next); err != nil {
		m.persistFailed("issue", err)
		return Record{}, fmt.Errorf("keys: issue: %w", err)
	}
	m.records = next
	m.reindex()

	log.Info().Str("plugin", plugin).Str("key", sink.MaskToken(token)).Msg("key issued")
	e := sink.NewEvent(sink.KindKeyIssued, "key issued")
	e.Plugin = plugin
	e.Token = token
	m.events.Publish(e)
	return rec, nil
}

// Consume marks an active key owned by plugin as used. Exactly one of any
// number of concurrent calls for the same token succeeds.
func (m *Manager) Consume(token, plugin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byToken[token]
	if !ok {
		return ErrNotFound
	}
	rec := m.records[i]
	if rec.Plugin != plugin {
		return ErrPluginMismatch
	}
	if rec.State != Active {
		return ErrAlreadyUsed
	}
	return m.transition(i, Expired, "consume")
}

// Revoke marks an active key as removed.
func (m *Manager) Revoke(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byToken[token]
	if !ok {
		return ErrNotFound
	}
	if m.records[i].State != Active {
		return ErrAlreadyRevokedOrUsed
	}
	if err := m.transition(i, Removed, "revoke"); err != nil {
		return err
	}
	e := sink.NewEvent(sink.KindKeyRevoked, "key revoked")
	e.Plugin = m.records[i].Plugin
	e.Token = token
	m.events.Publish(e)
	return nil
}

// Renew reactivates an expired or removed key.
func (m *Manager) Renew(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.byToken[token]
	if !ok {
		return ErrNotFound
	}
	if m.records[i].State == Active {
		return ErrAlreadyActive
	}
	if err := m.transition(i, Active, "renew"); err != nil {
		return err
	}
	e := sink.NewEvent(sink.KindKeyRenewed, "key renewed")
	e.Plugin = m.records[i].Plugin
	e.Token = token
	m.events.Publish(e)
	return nil
}

// List returns a copy of every key, most recent first.
func (m *Manager) List() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// At returns the key at the 1-based position in List order.
func (m *Manager) At(pos int) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos < 1 || pos > len(m.records) {
		return Record{}, fmt.Errorf("%w: %d (1-%d)", ErrBadPosition, pos, len(m.records))
	}
	return m.records[pos-1], nil
}

// Counts returns the number of keys in each state.
func (m *Manager) Counts() map[State]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[State]int{Active: 0, Expired: 0, Removed: 0}
	for _, r := range m.records {
		out[r.State]++
	}
	return out
}

// transition sets the state of records[i], persists, and restores the old
// state if the save fails. Caller holds mu.
func (m *Manager) transition(i int, to State, op string) error {
	from := m.records[i].State
	m.records[i].State = to
	if err := m.store.SaveKeys(m.records); err != nil {
		m.records[i].State = from
		m.persistFailed(op, err)
		return fmt.Errorf("keys: %s: %w", op, err)
	}
	log.Debug().
		Str("key", sink.MaskToken(m.records[i].Token)).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("key state changed")
	return nil
}

func (m *Manager) persistFailed(op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("key store write failed")
	e := sink.NewEvent(sink.KindPersistenceFailure, "key store write failed: "+op)
	e.Reason = err.Error()
	m.events.Publish(e)
}

// newToken draws random tokens until one is not already in use. Caller
// holds mu.
func (m *Manager) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	for {
		if _, err := io.ReadFull(m.rand, buf); err != nil {
			return "", fmt.Errorf("keys: generate token: %w", err)
		}
		token := formatToken(hex.EncodeToString(buf))
		if _, taken := m.byToken[token]; !taken {
			return token, nil
		}
		log.Debug().Msg("token collision, regenerating")
	}
}

func formatToken(h string) string {
	groups := make([]string, 0, len(h)/groupSize+1)
	for len(h) > groupSize {
		groups = append(groups, h[:groupSize])
		h = h[groupSize:]
	}
	groups = append(groups, h)
	return strings.Join(groups, "-")
}

func (m *Manager) reindex() {
	m.byToken = make(map[string]int, len(m.records))
	for i, r := range m.records {
		if _, dup := m.byToken[r.Token]; !dup {
			m.byToken[r.Token] = i
		}
	}
}
