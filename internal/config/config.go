package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/developingchet/keygate/internal/request"
)

// Config holds all runtime configuration.
type Config struct {
	// HTTP
	ListenAddr        string        `koanf:"listen_addr"`
	TrustProxyHeaders bool          `koanf:"trust_proxy_headers"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	MaxReportBytes    int64         `koanf:"max_report_bytes"`

	// State
	DataDir      string `koanf:"data_dir"`
	KeysFile     string `koanf:"keys_file"`
	PluginsFile  string `koanf:"plugins_file"`
	LedgerFile   string `koanf:"ledger_file"`
	StateBackend string `koanf:"state_backend"` // file | bbolt

	// Abuse policy
	RateWindow          time.Duration `koanf:"rate_window"`
	RateLimit           int           `koanf:"rate_limit"`
	BlockCooldown       time.Duration `koanf:"block_cooldown"`
	EscalationThreshold int           `koanf:"escalation_threshold"`
	SweepInterval       time.Duration `koanf:"sweep_interval"`
	AdmissionAllowlist  string        `koanf:"admission_allowlist"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	LogFile        string `koanf:"log_file"`
	MetricsAddr    string `koanf:"metrics_addr"` // "" = disabled
	ConsoleEnabled bool   `koanf:"console_enabled"`

	// Notifications
	NotifyWebhookURL string        `koanf:"notify_webhook_url"`
	NotifyUsername   string        `koanf:"notify_username"`
	NotifyTimeout    time.Duration `koanf:"notify_timeout"`
	NotifyWorkers    int           `koanf:"notify_workers"`
	NotifyBuffer     int           `koanf:"notify_buffer"`

	// Allowlist is AdmissionAllowlist parsed by Load.
	Allowlist request.Allowlist `koanf:"-"`

	// BuildVersion is set by main from ldflags, never from the environment.
	BuildVersion string `koanf:"-"`
}

// defaults is the lowest-priority layer.
var defaults = map[string]any{
	"listen_addr":          ":8121",
	"trust_proxy_headers":  false,
	"request_timeout":      15 * time.Second,
	"max_report_bytes":     1 << 20,
	"data_dir":             "./DataFiles",
	"keys_file":            "keys.txt",
	"plugins_file":         "PL.txt",
	"ledger_file":          "blocked_ips.json",
	"state_backend":        "file",
	"rate_window":          time.Minute,
	"rate_limit":           10,
	"block_cooldown":       5 * time.Minute,
	"escalation_threshold": 10,
	"sweep_interval":       30 * time.Second,
	"admission_allowlist":  "",
	"log_level":            "info",
	"log_format":           "json",
	"log_file":             "",
	"metrics_addr":         ":9090",
	"console_enabled":      true,
	"notify_webhook_url":   "",
	"notify_username":      "keygate",
	"notify_timeout":       10 * time.Second,
	"notify_workers":       2,
	"notify_buffer":        256,
}

// Load reads configuration from (lowest → highest priority):
//  1. Built-in defaults
//  2. YAML file at CONFIG_FILE env var path (if set)
//  3. Environment variables, after merging the dotenv file at ENV_FILE
//     (default ".env") into the process environment
func Load() (*Config, error) {
	if err := loadDotenv(); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	// Layer 1: defaults.
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", cfgFile, err)
		}
	}

	// Layer 3: environment variables.
	// Transform: "RATE_LIMIT" → "rate_limit". Only known keys are kept so
	// unrelated variables never shadow the YAML layer.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if _, ok := defaults[key]; !ok {
			return ""
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// Normalise string fields.
	cfg.LogLevel = strings.TrimSpace(strings.ToLower(cfg.LogLevel))
	cfg.LogFormat = strings.TrimSpace(strings.ToLower(cfg.LogFormat))
	cfg.StateBackend = strings.TrimSpace(strings.ToLower(cfg.StateBackend))
	cfg.NotifyWebhookURL = strings.TrimSpace(cfg.NotifyWebhookURL)

	// The original deployments set only PORT in their .env.
	if os.Getenv("LISTEN_ADDR") == "" && os.Getenv("PORT") != "" {
		cfg.ListenAddr = ":" + strings.TrimSpace(os.Getenv("PORT"))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotenv merges the dotenv file into the environment without overriding
// variables that are already set. A missing default file is not an error.
func loadDotenv() error {
	path, explicit := os.LookupEnv("ENV_FILE")
	if !explicit {
		path = ".env"
	}
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	var errs []string

	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, "LISTEN_ADDR is required (e.g., :8121)")
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, "REQUEST_TIMEOUT must not be negative")
	}
	if c.MaxReportBytes < 1024 {
		errs = append(errs, "MAX_REPORT_BYTES must be at least 1024")
	}

	switch c.StateBackend {
	case "file", "bbolt":
	default:
		errs = append(errs, `STATE_BACKEND must be "file" or "bbolt"`)
	}

	if c.RateWindow < time.Second {
		errs = append(errs, "RATE_WINDOW must be at least 1s")
	}
	if c.RateLimit < 1 {
		errs = append(errs, "RATE_LIMIT must be at least 1")
	}
	if c.BlockCooldown < time.Second {
		errs = append(errs, "BLOCK_COOLDOWN must be at least 1s")
	}
	if c.EscalationThreshold < 1 {
		errs = append(errs, "ESCALATION_THRESHOLD must be at least 1")
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, "SWEEP_INTERVAL must be at least 1s")
	}
	allow, err := request.ParseAllowlist(c.AdmissionAllowlist)
	if err != nil {
		errs = append(errs, "ADMISSION_ALLOWLIST: "+err.Error())
	}
	c.Allowlist = allow

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		errs = append(errs, "LOG_LEVEL must be one of trace, debug, info, warn, error")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, `LOG_FORMAT must be "json" or "text"`)
	}

	if c.NotifyWebhookURL != "" {
		u, err := url.Parse(c.NotifyWebhookURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			errs = append(errs, "NOTIFY_WEBHOOK_URL must be an http(s) URL")
		}
	}
	if c.NotifyWorkers < 1 || c.NotifyWorkers > 32 {
		errs = append(errs, "NOTIFY_WORKERS must be between 1 and 32")
	}
	if c.NotifyBuffer < 1 {
		errs = append(errs, "NOTIFY_BUFFER must be at least 1")
	}
	if c.NotifyTimeout < time.Second {
		errs = append(errs, "NOTIFY_TIMEOUT must be at least 1s")
	}

	// DataDir path sanitisation: reject traversal sequences and null bytes.
	if strings.Contains(c.DataDir, "..") {
		errs = append(errs, `DATA_DIR must not contain ".." (directory traversal)`)
	}
	if strings.ContainsRune(c.DataDir, 0) {
		errs = append(errs, "DATA_DIR must not contain null bytes")
	}
	for name, v := range map[string]string{
		"KEYS_FILE":    c.KeysFile,
		"PLUGINS_FILE": c.PluginsFile,
		"LEDGER_FILE":  c.LedgerFile,
	} {
		if v == "" || strings.ContainsAny(v, `/\`) || strings.ContainsRune(v, 0) || v == "." || v == ".." {
			errs = append(errs, name+" must be a plain file name inside DATA_DIR")
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%d configuration error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	}
	return nil
}
