// Package httpapi exposes the plugin-facing HTTP routes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/request"
	"github.com/developingchet/keygate/internal/sink"
	"github.com/developingchet/keygate/internal/telemetry"
	"github.com/developingchet/keygate/internal/validation"
)

// DefaultMaxBodyBytes caps /report bodies.
const DefaultMaxBodyBytes = 1 << 20

// Validator runs one key validation.
type Validator interface {
	Validate(ctx context.Context, req validation.Request) validation.Verdict
}

// Archiver stores plugin reports.
type Archiver interface {
	Save(body []byte, r *telemetry.Report) (string, error)
}

// Config wires the router.
type Config struct {
	Flow    Validator
	Admit   validation.Admitter
	Archive Archiver
	Events  sink.Publisher

	// Allowlist reports addresses that skip admission on the ancillary routes.
	Allowlist func(addr string) bool

	// Filters check validate parameters; nil means request.DefaultFilters().
	Filters []request.Filter

	TrustProxy   bool
	MaxBodyBytes int64
	Timeout      time.Duration
}

type handler struct {
	cfg Config
}

// NewRouter returns the HTTP handler for /validate, /initialize and /report.
func NewRouter(cfg Config) http.Handler {
	if cfg.Events == nil {
		cfg.Events = sink.Discard
	}
	if cfg.Allowlist == nil {
		cfg.Allowlist = func(string) bool { return false }
	}
	if cfg.Filters == nil {
		cfg.Filters = request.DefaultFilters()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &handler{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if cfg.Timeout > 0 {
		r.Use(middleware.Timeout(cfg.Timeout))
	}

	// Paths with an empty or missing segment still answer with the
	// missing-parameters body.
	r.Get("/validate", h.validate)
	r.Get("/validate/{key}", h.validate)
	r.Get("/validate/{key}/{pluginName}", h.validate)

	r.Group(func(r chi.Router) {
		r.Use(h.admission)
		r.Get("/initialize/{pluginName}", h.initialize)
		r.Get("/initialize", h.initialize)
		r.Post("/report", h.report)
	})
	return r
}

func (h *handler) validate(w http.ResponseWriter, r *http.Request) {
	caller := request.ClientAddress(r, h.cfg.TrustProxy)
	params := request.ParseValidate(chi.URLParam(r, "key"), chi.URLParam(r, "pluginName"), r.URL.Query())

	if p := request.Pipeline(h.cfg.Filters, params); p != nil {
		// Malformed requests still count against the caller.
		if !h.admit(w, caller) {
			return
		}
		log.Debug().Str("ip", caller).Str("filter", p.Filter).Str("detail", p.Detail).Msg("validate request rejected")
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":   false,
			"message": request.MissingParamsMessage,
		})
		return
	}

	v := h.cfg.Flow.Validate(r.Context(), validation.Request{
		Token:         params.Key,
		Plugin:        params.Plugin,
		CallerAddress: caller,
		ServerAddress: params.Address,
		Port:          params.Port,
		ServerName:    params.Name,
		Extras:        params.Extras,
	})

	if v.Status == http.StatusTooManyRequests || v.Status == http.StatusServiceUnavailable {
		writeJSON(w, v.Status, map[string]any{"message": v.Message})
		return
	}
	body := map[string]any{"valid": v.Valid, "message": v.Message}
	if v.Valid {
		extras := v.Extras
		if extras == nil {
			extras = map[string]string{}
		}
		body["extras"] = extras
	}
	writeJSON(w, v.Status, body)
}

func (h *handler) initialize(w http.ResponseWriter, r *http.Request) {
	caller := request.ClientAddress(r, h.cfg.TrustProxy)
	plugin := chi.URLParam(r, "pluginName")

	in, err := telemetry.ParseInitialize(plugin, r.URL.Query(), caller, r.UserAgent())
	if err != nil {
		log.Warn().Str("ip", caller).EmbedObject(in).Msg("initialize rejected: missing parameters")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid parameters"})
		return
	}

	log.Info().EmbedObject(in).Msg("plugin initialized")
	e := sink.NewEvent(sink.KindPluginInitialized, "plugin initialized")
	e.Address = caller
	e.Plugin = in.PluginName
	e.Fields = map[string]string{
		"server":    in.Name,
		"port":      in.Port,
		"public_ip": in.PublicIP,
		"version":   in.Version,
	}
	h.cfg.Events.Publish(e)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Initialization complete",
		"data":    in,
	})
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	caller := request.ClientAddress(r, h.cfg.TrustProxy)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"ok": false, "error": "report too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "could not read body"})
		return
	}
	rep, err := telemetry.ParseReport(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "body must be a JSON object"})
		return
	}

	path, err := h.cfg.Archive.Save(body, rep)
	if err != nil {
		log.Error().Err(err).Str("ip", caller).Msg("report could not be archived")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "report could not be saved"})
		return
	}

	log.Warn().EmbedObject(rep).Str("path", path).Msg("plugin error report")
	e := sink.NewEvent(sink.KindPluginReported, string(rep.Message))
	e.Address = caller
	e.Plugin = string(rep.Plugin)
	e.Fields = map[string]string{
		"server":    string(rep.ServerName),
		"port":      string(rep.Port),
		"public_ip": string(rep.PublicIP),
		"version":   string(rep.PluginVersion),
	}
	h.cfg.Events.Publish(e)

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": path})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}
