// Package gatekeeper wires the key manager, the abuse engine and the plugin
// routes into one running service.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/developingchet/keygate/internal/abuse"
	"github.com/developingchet/keygate/internal/config"
	"github.com/developingchet/keygate/internal/console"
	"github.com/developingchet/keygate/internal/httpapi"
	"github.com/developingchet/keygate/internal/keys"
	"github.com/developingchet/keygate/internal/plugins"
	"github.com/developingchet/keygate/internal/sink"
	"github.com/developingchet/keygate/internal/storage"
	"github.com/developingchet/keygate/internal/telemetry"
	"github.com/developingchet/keygate/internal/validation"
)

const shutdownTimeout = 5 * time.Second

// Gatekeeper owns every long-lived component of the service.
type Gatekeeper struct {
	cfg     *config.Config
	sinks   []sink.Sink
	backend storage.Backend
	plugins *plugins.Registry
	keys    *keys.Manager
	engine  *abuse.Engine
	events  *eventPool

	httpSrv    *http.Server
	metricsSrv *http.Server // nil when MetricsAddr == ""

	consoleIn  io.Reader
	consoleOut io.Writer
}

// New opens the state backend, loads keys, plugins and the abuse ledger, and
// builds the HTTP servers. Nothing is listening until Run.
func New(cfg *config.Config, sinks []sink.Sink) (*Gatekeeper, error) {
	backend, err := storage.OpenBackend(cfg.StateBackend, cfg.DataDir, cfg.KeysFile, cfg.LedgerFile)
	if err != nil {
		return nil, err
	}

	g := &Gatekeeper{
		cfg:        cfg,
		sinks:      sinks,
		backend:    backend,
		events:     newEventPool(cfg.NotifyBuffer, sinks),
		consoleIn:  os.Stdin,
		consoleOut: os.Stdout,
	}

	g.plugins, err = plugins.Load(storage.NewPluginFile(filepath.Join(cfg.DataDir, cfg.PluginsFile)))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	g.keys, err = keys.New(backend, g.plugins, g.events)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	g.engine, err = abuse.New(backend, abuse.Policy{
		Window:              cfg.RateWindow,
		Limit:               cfg.RateLimit,
		Cooldown:            cfg.BlockCooldown,
		EscalationThreshold: cfg.EscalationThreshold,
	}, g.events)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	flow := validation.NewFlow(g.engine, g.keys, g.events, cfg.Allowlist.Contains)
	g.httpSrv = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.Config{
			Flow:         flow,
			Admit:        g.engine,
			Archive:      telemetry.NewArchive(cfg.DataDir),
			Events:       g.events,
			Allowlist:    cfg.Allowlist.Contains,
			TrustProxy:   cfg.TrustProxyHeaders,
			MaxBodyBytes: cfg.MaxReportBytes,
			Timeout:      cfg.RequestTimeout,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			if err := g.Healthy(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		g.metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		}
	}

	return g, nil
}

// Run serves until ctx is cancelled, a server fails or the operator types
// exit in the console.
func (g *Gatekeeper) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Deliveries outlive ctx so Close can drain the queue.
	g.events.start(context.WithoutCancel(ctx), g.cfg.NotifyWorkers)
	janitorPass(g.engine, g.keys, g.backend.Paths())

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Info().Str("addr", g.cfg.ListenAddr).Msg("plugin API listening")
		return serve(gctx, g.httpSrv)
	})
	if g.metricsSrv != nil {
		grp.Go(func() error {
			log.Info().Str("addr", g.cfg.MetricsAddr).Msg("metrics server listening")
			return serve(gctx, g.metricsSrv)
		})
	}
	grp.Go(func() error {
		runJanitor(gctx, g.engine, g.keys, g.backend.Paths(), g.cfg.SweepInterval)
		return nil
	})
	if g.cfg.ConsoleEnabled {
		con := console.New(console.Config{
			Keys:    g.keys,
			Plugins: g.plugins,
			Blocks:  g.engine,
			In:      g.consoleIn,
			Out:     g.consoleOut,
			Exit:    cancel,
		})
		grp.Go(func() error { return con.Run(gctx) })
	}

	log.Info().
		Str("version", g.cfg.BuildVersion).
		Str("backend", g.cfg.StateBackend).
		Str("data_dir", g.cfg.DataDir).
		Int("plugins", len(g.plugins.List())).
		Int("keys", len(g.keys.List())).
		Int("rate_limit", g.cfg.RateLimit).
		Str("rate_window", g.cfg.RateWindow.String()).
		Str("cooldown", g.cfg.BlockCooldown.String()).
		Int("escalation_threshold", g.cfg.EscalationThreshold).
		Int("sinks", len(g.sinks)).
		Str("log_level", g.cfg.LogLevel).
		Msg("keygate started")

	err := grp.Wait()
	log.Info().Msg("keygate stopped")
	return err
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gatekeeper: serve %s: %w", srv.Addr, err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("server shutdown error")
		}
		return nil
	}
}

// Healthy checks that all configured sinks can reach their upstream services.
func (g *Gatekeeper) Healthy(ctx context.Context) error {
	for _, s := range g.sinks {
		if err := s.Healthy(ctx); err != nil {
			return fmt.Errorf("sink %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Close runs a final sweep, drains pending notifications and releases the
// backend and sinks.
func (g *Gatekeeper) Close() {
	if _, err := g.engine.Sweep(); err != nil {
		log.Warn().Err(err).Msg("final sweep failed")
	}
	g.events.stop()
	if err := g.backend.Close(); err != nil {
		log.Warn().Err(err).Msg("backend close failed")
	}
	for _, s := range g.sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("sink", s.Name()).Msg("sink close failed")
		}
	}
}

// Probe performs the container healthcheck against a running instance's
// metrics server.
func Probe(ctx context.Context, metricsAddr string) error {
	if metricsAddr == "" {
		return errors.New("gatekeeper: metrics server disabled; nothing to probe")
	}
	host, port, err := net.SplitHostPort(metricsAddr)
	if err != nil {
		return fmt.Errorf("gatekeeper: metrics address %q: %w", metricsAddr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	url := "http://" + net.JoinHostPort(host, port) + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("gatekeeper: probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gatekeeper: probe %s: status %d", url, resp.StatusCode)
	}
	return nil
}
