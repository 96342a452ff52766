package keys

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developingchet/keygate/internal/sink"
	"github.com/developingchet/keygate/internal/storage"
)

func TestMain(m *testing.M) {
	orig := log.Logger
	log.Logger = zerolog.New(io.Discard)
	code := m.Run()
	log.Logger = orig
	os.Exit(code)
}

type pluginSet map[string]bool

func (p pluginSet) Has(name string) bool { return p[name] }

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []*sink.Event
}

func (r *recorder) Publish(e *sink.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) kinds() []sink.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sink.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func newManager(t *testing.T) (*Manager, *storage.MemStore, *recorder) {
	t.Helper()
	store := storage.NewMemStore()
	rec := &recorder{}
	m, err := New(store, pluginSet{"Telemetry": true, "Backup": true}, rec)
	require.NoError(t, err)
	return m, store, rec
}

func issue(t *testing.T, m *Manager, plugin string) string {
	t.Helper()
	r, err := m.Issue(plugin)
	require.NoError(t, err)
	return r.Token
}

func TestIssue_TokenShapeAndPersistence(t *testing.T) {
	m, store, rec := newManager(t)

	r, err := m.Issue("Telemetry")
	require.NoError(t, err)
	assert.Equal(t, Active, r.State)
	assert.Equal(t, "Telemetry", r.Plugin)
	assert.Regexp(t, `^[0-9a-f]{4}(-[0-9a-f]{4}){7}$`, r.Token)

	stored, err := store.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, []Record{r}, stored)
	assert.Equal(t, []sink.Kind{sink.KindKeyIssued}, rec.kinds())
}

func TestIssue_UnknownPlugin(t *testing.T) {
	m, store, _ := newManager(t)
	_, err := m.Issue("Nope")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
	keys, _ := store.Saves()
	assert.Zero(t, keys)
}

func TestIssue_RejectsUnstorablePluginName(t *testing.T) {
	store := storage.NewMemStore()
	m, err := New(store, pluginSet{"Tele:metry": true, "": true}, nil)
	require.NoError(t, err)

	for _, name := range []string{"Tele:metry", ""} {
		_, err := m.Issue(name)
		assert.ErrorIs(t, err, ErrUnknownPlugin, name)
	}
	keys, _ := store.Saves()
	assert.Zero(t, keys)
	assert.Empty(t, m.List())
}

func TestIssue_MostRecentFirst(t *testing.T) {
	m, _, _ := newManager(t)
	first := issue(t, m, "Telemetry")
	second := issue(t, m, "Backup")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].Token)
	assert.Equal(t, first, list[1].Token)
}

func TestIssue_RegeneratesOnCollision(t *testing.T) {
	m, _, _ := newManager(t)
	zeros := make([]byte, tokenBytes)
	ones := bytes.Repeat([]byte{0x11}, tokenBytes)

	m.rand = bytes.NewReader(zeros)
	first := issue(t, m, "Telemetry")

	// Same bytes again, then fresh ones.
	m.rand = bytes.NewReader(append(append([]byte(nil), zeros...), ones...))
	second := issue(t, m, "Telemetry")

	assert.Equal(t, "0000-0000-0000-0000-0000-0000-0000-0000", first)
	assert.Equal(t, "1111-1111-1111-1111-1111-1111-1111-1111", second)
}

func TestIssue_RandomFailure(t *testing.T) {
	m, _, _ := newManager(t)
	m.rand = bytes.NewReader(nil)
	_, err := m.Issue("Telemetry")
	require.Error(t, err)
	assert.Empty(t, m.List())
}

func TestIssue_UniqueTokens(t *testing.T) {
	m, _, _ := newManager(t)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		tok := issue(t, m, "Telemetry")
		require.False(t, seen[tok], "duplicate token %s", tok)
		seen[tok] = true
	}
}

func TestConsume_Once(t *testing.T) {
	m, store, _ := newManager(t)
	tok := issue(t, m, "Telemetry")

	require.NoError(t, m.Consume(tok, "Telemetry"))
	assert.ErrorIs(t, m.Consume(tok, "Telemetry"), ErrAlreadyUsed)

	stored, err := store.LoadKeys()
	require.NoError(t, err)
	assert.Equal(t, Expired, stored[0].State)
}

func TestConsume_NotFound(t *testing.T) {
	m, _, _ := newManager(t)
	assert.ErrorIs(t, m.Consume("ffff-ffff", "Telemetry"), ErrNotFound)
}

func TestConsume_PluginMismatchLeavesKeyActive(t *testing.T) {
	m, _, _ := newManager(t)
	tok := issue(t, m, "Telemetry")

	assert.ErrorIs(t, m.Consume(tok, "Backup"), ErrPluginMismatch)
	assert.ErrorIs(t, m.Consume(tok, "telemetry"), ErrPluginMismatch, "match is case-sensitive")
	assert.Equal(t, Active, m.List()[0].State)
	require.NoError(t, m.Consume(tok, "Telemetry"))
}

func TestConsume_Concurrent_ExactlyOneWins(t *testing.T) {
	m, _, _ := newManager(t)
	tok := issue(t, m, "Telemetry")

	const n = 64
	var wins, used atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := m.Consume(tok, "Telemetry")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyUsed):
				used.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(n-1), used.Load())
}

func TestConsume_PersistenceFailureRollsBack(t *testing.T) {
	m, store, rec := newManager(t)
	tok := issue(t, m, "Telemetry")

	store.FailSaves(true)
	err := m.Consume(tok, "Telemetry")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrPersistence)
	assert.Equal(t, "persistence", Reason(err))
	assert.Equal(t, Active, m.List()[0].State)
	assert.Contains(t, rec.kinds(), sink.KindPersistenceFailure)

	store.FailSaves(false)
	require.NoError(t, m.Consume(tok, "Telemetry"))
}

func TestRevokeRenewCycle(t *testing.T) {
	m, _, rec := newManager(t)
	tok := issue(t, m, "Telemetry")

	require.NoError(t, m.Revoke(tok))
	assert.ErrorIs(t, m.Revoke(tok), ErrAlreadyRevokedOrUsed)
	assert.ErrorIs(t, m.Consume(tok, "Telemetry"), ErrAlreadyUsed)

	require.NoError(t, m.Renew(tok))
	assert.ErrorIs(t, m.Renew(tok), ErrAlreadyActive)
	require.NoError(t, m.Consume(tok, "Telemetry"))

	assert.ErrorIs(t, m.Revoke(tok), ErrAlreadyRevokedOrUsed, "used keys cannot be revoked")
	require.NoError(t, m.Renew(tok))

	assert.Equal(t,
		[]sink.Kind{sink.KindKeyIssued, sink.KindKeyRevoked, sink.KindKeyRenewed, sink.KindKeyRenewed},
		rec.kinds())
}

func TestRevokeRenew_NotFound(t *testing.T) {
	m, _, _ := newManager(t)
	assert.ErrorIs(t, m.Revoke("nope"), ErrNotFound)
	assert.ErrorIs(t, m.Renew("nope"), ErrNotFound)
}

func TestRevoke_PersistenceFailure(t *testing.T) {
	m, store, _ := newManager(t)
	tok := issue(t, m, "Telemetry")

	store.FailSaves(true)
	assert.ErrorIs(t, m.Revoke(tok), storage.ErrPersistence)
	assert.Equal(t, Active, m.List()[0].State)
}

func TestIssue_PersistenceFailureAddsNothing(t *testing.T) {
	m, store, _ := newManager(t)
	store.FailSaves(true)
	_, err := m.Issue("Telemetry")
	assert.ErrorIs(t, err, storage.ErrPersistence)
	assert.Empty(t, m.List())
}

func TestAt(t *testing.T) {
	m, _, _ := newManager(t)
	older := issue(t, m, "Telemetry")
	newer := issue(t, m, "Telemetry")

	r, err := m.At(1)
	require.NoError(t, err)
	assert.Equal(t, newer, r.Token)
	r, err = m.At(2)
	require.NoError(t, err)
	assert.Equal(t, older, r.Token)

	_, err = m.At(0)
	assert.ErrorIs(t, err, ErrBadPosition)
	_, err = m.At(3)
	assert.ErrorIs(t, err, ErrBadPosition)
}

func TestList_IsCopy(t *testing.T) {
	m, _, _ := newManager(t)
	issue(t, m, "Telemetry")
	list := m.List()
	list[0].State = Removed
	assert.Equal(t, Active, m.List()[0].State)
}

func TestCounts(t *testing.T) {
	m, _, _ := newManager(t)
	a := issue(t, m, "Telemetry")
	b := issue(t, m, "Telemetry")
	issue(t, m, "Backup")
	require.NoError(t, m.Consume(a, "Telemetry"))
	require.NoError(t, m.Revoke(b))

	assert.Equal(t, map[State]int{Active: 1, Expired: 1, Removed: 1}, m.Counts())
}

func TestReload_PicksUpFileEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.txt")
	require.NoError(t, os.WriteFile(path, []byte("aaaa-0001:Telemetry:active"), 0o600))

	m, err := New(storage.NewKeyFile(path), pluginSet{"Telemetry": true}, nil)
	require.NoError(t, err)
	require.Len(t, m.List(), 1)

	require.NoError(t, os.WriteFile(path,
		[]byte("bbbb-0002:Telemetry:active\naaaa-0001:Telemetry:expired"), 0o600))
	require.NoError(t, m.Reload())

	assert.Len(t, m.List(), 2)
	assert.ErrorIs(t, m.Consume("aaaa-0001", "Telemetry"), ErrAlreadyUsed)
	require.NoError(t, m.Consume("bbbb-0002", "Telemetry"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bbbb-0002:Telemetry:expired\naaaa-0001:Telemetry:expired", string(data))
}

func TestFormatToken(t *testing.T) {
	assert.Equal(t, "abcd-ef01", formatToken("abcdef01"))
	assert.Equal(t, "abcd-ef", formatToken("abcdef"))
	assert.Equal(t, "abc", formatToken("abc"))
	assert.Equal(t, 8, len(strings.Split(formatToken(strings.Repeat("a", 32)), "-")))
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrNotFound, "not_found"},
		{ErrPluginMismatch, "plugin_mismatch"},
		{ErrAlreadyUsed, "already_used"},
		{ErrAlreadyRevokedOrUsed, "already_revoked_or_used"},
		{ErrAlreadyActive, "already_active"},
		{ErrUnknownPlugin, "unknown_plugin"},
		{ErrBadPosition, "bad_position"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Reason(tc.err))
	}
}
