// Package console is the operator's line-oriented admin interface, read from
// standard input while the server runs.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/keys"
	"github.com/developingchet/keygate/internal/plugins"
	"github.com/developingchet/keygate/internal/storage"
)

// PageSize is the number of keys shown per keylist page.
const PageSize = 10

// KeyAdmin is the subset of keys.Manager the console drives.
type KeyAdmin interface {
	Issue(plugin string) (keys.Record, error)
	Revoke(token string) error
	Renew(token string) error
	List() []keys.Record
	Reload() error
}

// PluginAdmin is the subset of plugins.Registry the console drives.
type PluginAdmin interface {
	List() []string
	At(pos int) (string, error)
	Add(name string) error
	Remove(pos int) (string, error)
	Reload() error
}

// BlockLister lists the abuse ledger.
type BlockLister interface {
	Blocked() []storage.BlockRecord
}

// Config wires a Console.
type Config struct {
	Keys    KeyAdmin
	Plugins PluginAdmin
	Blocks  BlockLister
	In      io.Reader
	Out     io.Writer
	// Exit is called when the operator types exit.
	Exit func()
}

// Console reads commands line by line. A command that needs a follow-up
// answer (keygen without a number, pladd without a name) consumes the next
// line as that answer.
type Console struct {
	cfg     Config
	st      styles
	mu      sync.Mutex
	pending func(answer string)
}

type styles struct {
	title   lipgloss.Style
	number  lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	muted   lipgloss.Style
	active  lipgloss.Style
	expired lipgloss.Style
	removed lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		number:  r.NewStyle().Foreground(lipgloss.Color("12")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		fail:    r.NewStyle().Foreground(lipgloss.Color("9")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
		active:  r.NewStyle().Foreground(lipgloss.Color("2")),
		expired: r.NewStyle().Foreground(lipgloss.Color("1")),
		removed: r.NewStyle().Foreground(lipgloss.Color("5")),
	}
}

// New returns a Console writing to cfg.Out. Colours are dropped
// automatically when Out is not a terminal.
func New(cfg Config) *Console {
	if cfg.Exit == nil {
		cfg.Exit = func() {}
	}
	return &Console{cfg: cfg, st: newStyles(lipgloss.NewRenderer(cfg.Out))}
}

// Run executes lines from In until it is exhausted, exit is typed or ctx is
// canceled.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.cfg.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.println(c.st.title.Render("== keygate console ==") + c.st.muted.Render(" (type 'help')"))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("console: read: %w", err)
					}
				default:
				}
				return nil
			}
			if c.Execute(line) {
				c.cfg.Exit()
				return nil
			}
		}
	}
}

// Execute runs one input line and reports whether the console should stop.
func (c *Console) Execute(line string) bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if pending != nil {
		pending(strings.TrimSpace(line))
		return false
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	log.Debug().Str("cmd", cmd).Msg("console command")

	switch cmd {
	case "help":
		c.help()
	case "keygen":
		c.keygen(args)
	case "keylist":
		c.keylist(args)
	case "keyremove":
		c.keyremove(args)
	case "keyrenew":
		c.keyrenew(args)
	case "pllist":
		c.pllist()
	case "pladd":
		c.pladd(args)
	case "plremove":
		c.plremove(args)
	case "reload":
		c.reload()
	case "blocklist":
		c.blocklist()
	case "exit":
		c.println(c.st.fail.Render("Shutting down..."))
		return true
	default:
		c.failf("Unknown command. Type 'help' for the list of commands.")
	}
	return false
}

var commands = [][2]string{
	{"help", "Show this help."},
	{"keygen [#]", "Generate a key for a plugin."},
	{"keylist [page]", "List keys, oldest first, 10 per page."},
	{"keyremove #", "Mark a key as REMOVED."},
	{"keyrenew #", "Reactivate a REMOVED or EXPIRED key."},
	{"pllist", "List registered plugins."},
	{"pladd [name]", "Register a plugin."},
	{"plremove #", "Unregister a plugin by number."},
	{"reload", "Reload keys and plugins from disk."},
	{"blocklist", "List blocked addresses."},
	{"exit", "Stop the service."},
}

func (c *Console) help() {
	c.println(c.st.title.Render("Commands:"))
	for _, cmd := range commands {
		c.println(c.st.number.Render(fmt.Sprintf("  %-15s", cmd[0])) + " " + cmd[1])
	}
}

func (c *Console) keygen(args []string) {
	names := c.cfg.Plugins.List()
	if len(names) == 0 {
		c.failf("No plugins registered. Add one with 'pladd'.")
		return
	}
	if len(args) > 0 {
		c.issueAt(args[0])
		return
	}
	c.println(c.st.title.Render("Select a plugin by number:"))
	c.listPlugins(names)
	c.ask("Plugin number: ", c.issueAt)
}

func (c *Console) issueAt(arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		c.failf("Invalid number.")
		return
	}
	name, err := c.cfg.Plugins.At(n)
	if err != nil {
		c.failf("Invalid number: %v", err)
		return
	}
	rec, err := c.cfg.Keys.Issue(name)
	if err != nil {
		c.failf("Could not generate key: %v", err)
		return
	}
	c.okf("New key for %s: %s", name, rec.Token)
}

// oldestFirst returns the key list in display order.
func (c *Console) oldestFirst() []keys.Record {
	list := c.cfg.Keys.List()
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list
}

func (c *Console) keylist(args []string) {
	list := c.oldestFirst()
	pages := (len(list) + PageSize - 1) / PageSize
	if pages == 0 {
		pages = 1
	}
	page := 1
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			page = n
		}
	}
	if page < 1 || page > pages {
		c.failf("Invalid page. Choose between 1 and %d.", pages)
		return
	}

	c.println(c.st.title.Render(fmt.Sprintf("Keys (page %d/%d):", page, pages)))
	start := (page - 1) * PageSize
	end := min(start+PageSize, len(list))
	for i, k := range list[start:end] {
		c.println(c.st.number.Render(fmt.Sprintf("%d.", start+i+1)) + " " +
			c.stateStyle(k.State).Render(k.Token) +
			fmt.Sprintf(" (plugin: %s, %s)", k.Plugin, strings.ToUpper(k.State.String())))
	}
	if page < pages {
		c.okf("More keys: 'keylist %d'.", page+1)
	} else {
		c.okf("No more pages.")
	}
}

func (c *Console) stateStyle(s keys.State) lipgloss.Style {
	switch s {
	case keys.Expired:
		return c.st.expired
	case keys.Removed:
		return c.st.removed
	default:
		return c.st.active
	}
}

// keyAt resolves a displayed key number.
func (c *Console) keyAt(args []string) (keys.Record, bool) {
	list := c.oldestFirst()
	n := 0
	if len(args) > 0 {
		n, _ = strconv.Atoi(args[0])
	}
	if n < 1 || n > len(list) {
		c.failf("Invalid number. Enter a number between 1 and %d.", len(list))
		return keys.Record{}, false
	}
	return list[n-1], true
}

func (c *Console) keyremove(args []string) {
	rec, ok := c.keyAt(args)
	if !ok {
		return
	}
	switch err := c.cfg.Keys.Revoke(rec.Token); {
	case errors.Is(err, keys.ErrAlreadyRevokedOrUsed):
		c.failf("Key is already %s.", strings.ToUpper(rec.State.String()))
	case err != nil:
		c.failf("Could not remove key: %v", err)
	default:
		c.okf("Key %q marked as REMOVED.", rec.Token)
	}
}

func (c *Console) keyrenew(args []string) {
	rec, ok := c.keyAt(args)
	if !ok {
		return
	}
	switch err := c.cfg.Keys.Renew(rec.Token); {
	case errors.Is(err, keys.ErrAlreadyActive):
		c.failf("Key is already ACTIVE.")
	case err != nil:
		c.failf("Could not renew key: %v", err)
	default:
		c.okf("Key %q renewed to ACTIVE.", rec.Token)
	}
}

func (c *Console) pllist() {
	names := c.cfg.Plugins.List()
	if len(names) == 0 {
		c.failf("No plugins registered.")
		return
	}
	c.println(c.st.title.Render("Registered plugins:"))
	c.listPlugins(names)
}

func (c *Console) listPlugins(names []string) {
	for i, n := range names {
		c.println(c.st.number.Render(fmt.Sprintf("%d.", i+1)) + " " + n)
	}
}

func (c *Console) pladd(args []string) {
	if len(args) > 0 {
		c.addPlugin(strings.Join(args, " "))
		return
	}
	c.ask("New plugin name: ", c.addPlugin)
}

func (c *Console) addPlugin(name string) {
	switch err := c.cfg.Plugins.Add(name); {
	case errors.Is(err, plugins.ErrDuplicate):
		c.warnf("Plugin %q is already registered.", strings.TrimSpace(name))
	case err != nil:
		c.failf("Invalid name: %v", err)
	default:
		c.okf("Plugin %q added.", strings.TrimSpace(name))
		log.Info().Str("plugin", strings.TrimSpace(name)).Msg("plugin added")
	}
}

func (c *Console) plremove(args []string) {
	if len(c.cfg.Plugins.List()) == 0 {
		c.failf("No plugins registered to remove.")
		return
	}
	n := 0
	if len(args) > 0 {
		n, _ = strconv.Atoi(args[0])
	}
	name, err := c.cfg.Plugins.Remove(n)
	if err != nil {
		c.failf("Invalid number: %v", err)
		return
	}
	c.okf("Plugin %q removed.", name)
	log.Info().Str("plugin", name).Msg("plugin removed")
}

func (c *Console) reload() {
	if err := c.cfg.Keys.Reload(); err != nil {
		c.failf("Reload failed: %v", err)
		return
	}
	if err := c.cfg.Plugins.Reload(); err != nil {
		c.failf("Reload failed: %v", err)
		return
	}
	c.warnf("Data reloaded.")
}

func (c *Console) blocklist() {
	if c.cfg.Blocks == nil {
		c.failf("Abuse ledger unavailable.")
		return
	}
	blocks := c.cfg.Blocks.Blocked()
	if len(blocks) == 0 {
		c.okf("No blocked addresses.")
		return
	}
	c.println(c.st.title.Render("Blocked addresses:"))
	for i, b := range blocks {
		until := "PERMANENT"
		style := c.st.fail
		if !b.Permanent && b.ExpiresAt != nil {
			until = "until " + b.ExpiresAt.Local().Format("15:04:05")
			style = c.st.warn
		}
		c.println(c.st.number.Render(fmt.Sprintf("%d.", i+1)) + " " +
			style.Render(b.Address) +
			fmt.Sprintf(" (%s, %d requests during block)", until, b.RequestsDuringBlock))
	}
}

func (c *Console) ask(prompt string, answer func(string)) {
	c.mu.Lock()
	c.pending = answer
	c.mu.Unlock()
	fmt.Fprint(c.cfg.Out, c.st.muted.Render(prompt))
}

func (c *Console) println(s string) { fmt.Fprintln(c.cfg.Out, s) }

func (c *Console) okf(format string, a ...any) {
	c.println(c.st.ok.Render(fmt.Sprintf(format, a...)))
}

func (c *Console) warnf(format string, a ...any) {
	c.println(c.st.warn.Render(fmt.Sprintf(format, a...)))
}

func (c *Console) failf(format string, a ...any) {
	c.println(c.st.fail.Render(fmt.Sprintf(format, a...)))
}

