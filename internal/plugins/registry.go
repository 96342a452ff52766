// Package plugins holds the set of tool names keys may be issued for.
package plugins

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/developingchet/keygate/internal/storage"
)

var (
	ErrInvalidName    = errors.New("invalid plugin name")
	ErrDuplicate      = errors.New("plugin already registered")
	ErrBadPosition    = errors.New("no plugin at that position")
	ErrNoneRegistered = errors.New("no plugins registered")
)

// Registry is the in-memory, ordered list of registered plugins. It is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	store storage.PluginStore
	names []string
}

// Load builds a Registry from store.
func Load(store storage.PluginStore) (*Registry, error) {
	r := &Registry{store: store}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the in-memory list with the stored one. A stored name that
// could not be written into a key record fails the reload and leaves the
// current list in place.
func (r *Registry) Reload() error {
	names, err := r.store.LoadPlugins()
	if err != nil {
		return fmt.Errorf("plugins: load: %w", err)
	}
	for _, n := range names {
		if err := validateName(n); err != nil {
			return fmt.Errorf("plugins: load: %w", err)
		}
	}
	r.mu.Lock()
	r.names = names
	r.mu.Unlock()
	return nil
}

// Has reports whether name is registered (exact match).
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.names {
		if n == name {
			return true
		}
	}
	return false
}

// List returns the registered names in file order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// At returns the plugin at the 1-based position.
func (r *Registry) At(pos int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.names) == 0 {
		return "", ErrNoneRegistered
	}
	if pos < 1 || pos > len(r.names) {
		return "", fmt.Errorf("%w: %d (1-%d)", ErrBadPosition, pos, len(r.names))
	}
	return r.names[pos-1], nil
}

// Add registers a new plugin name and persists the list.
func (r *Registry) Add(name string) error {
	name = strings.TrimSpace(name)
	if err := validateName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.names {
		if n == name {
			return fmt.Errorf("%w: %s", ErrDuplicate, name)
		}
	}
	next := append(append([]string(nil), r.names...), name)
	if err := r.store.SavePlugins(next); err != nil {
		return fmt.Errorf("plugins: save: %w", err)
	}
	r.names = next
	return nil
}

// Remove deletes the plugin at the 1-based position and persists the list.
// Keys already issued for it are left untouched.
func (r *Registry) Remove(pos int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.names) == 0 {
		return "", ErrNoneRegistered
	}
	if pos < 1 || pos > len(r.names) {
		return "", fmt.Errorf("%w: %d (1-%d)", ErrBadPosition, pos, len(r.names))
	}
	removed := r.names[pos-1]
	next := make([]string, 0, len(r.names)-1)
	next = append(next, r.names[:pos-1]...)
	next = append(next, r.names[pos:]...)
	if err := r.store.SavePlugins(next); err != nil {
		return "", fmt.Errorf("plugins: save: %w", err)
	}
	r.names = next
	return removed, nil
}

// validateName rejects names that would break the key record format.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, ":\r\n") {
		return fmt.Errorf("%w: %q must not contain ':' or line breaks", ErrInvalidName, name)
	}
	return nil
}
