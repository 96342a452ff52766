// Package validation runs a plugin's key check: admission against the abuse
// engine, single-use consumption of the key, and the resulting verdict.
package validation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/abuse"
	"github.com/developingchet/keygate/internal/keys"
	"github.com/developingchet/keygate/internal/metrics"
	"github.com/developingchet/keygate/internal/sink"
	"github.com/developingchet/keygate/internal/storage"
)

// Client-facing messages.
const (
	MessageTooManyAttempts = "too many attempts"
	MessageInvalidToken    = "Token is invalid or already used"
	MessageUnavailable     = "Service temporarily unavailable"
)

// Admitter decides whether a caller may proceed.
type Admitter interface {
	Admit(addr string) (abuse.Decision, error)
}

// Consumer marks a key as used.
type Consumer interface {
	Consume(token, plugin string) error
}

// Request is one validation attempt.
type Request struct {
	Token         string
	Plugin        string
	CallerAddress string
	ServerAddress string
	Port          string
	ServerName    string
	Extras        map[string]string
}

// Verdict is the outcome shown to the client. Reason is the internal cause
// and is never sent back.
type Verdict struct {
	Valid   bool
	Message string
	Extras  map[string]string
	Reason  string
	Status  int
}

// Flow ties admission and consumption together. Allowlisted callers skip
// admission entirely.
type Flow struct {
	admit     Admitter
	keys      Consumer
	events    sink.Publisher
	allowlist func(addr string) bool
}

// NewFlow returns a Flow. allow may be nil.
func NewFlow(admit Admitter, keys Consumer, events sink.Publisher, allow func(addr string) bool) *Flow {
	if events == nil {
		events = sink.Discard
	}
	if allow == nil {
		allow = func(string) bool { return false }
	}
	return &Flow{admit: admit, keys: keys, events: events, allowlist: allow}
}

// Validate runs one attempt. It never returns an error; every outcome is a
// verdict and every outcome is published.
func (f *Flow) Validate(ctx context.Context, req Request) Verdict {
	logger := log.With().
		Str("ip", req.CallerAddress).
		Str("plugin", req.Plugin).
		Str("key", sink.MaskToken(req.Token)).
		Logger()

	if !f.allowlist(req.CallerAddress) {
		d, err := f.admit.Admit(req.CallerAddress)
		if err != nil || !d.Allowed {
			v := Verdict{Message: MessageTooManyAttempts, Reason: string(d.Reason), Status: http.StatusTooManyRequests}
			if err != nil {
				v = Verdict{Message: MessageUnavailable, Reason: "persistence", Status: http.StatusServiceUnavailable}
				logger.Error().Err(err).Msg("admission state could not be saved")
			} else {
				logger.Warn().Str("reason", v.Reason).Msg("validation denied")
			}
			metrics.Validations.WithLabelValues(resultLabel(v)).Inc()
			f.publish(sink.KindValidationDenied, req, v)
			return v
		}
	}

	if err := ctx.Err(); err != nil {
		v := Verdict{Message: MessageUnavailable, Reason: "canceled", Status: http.StatusServiceUnavailable}
		metrics.Validations.WithLabelValues("error").Inc()
		f.publish(sink.KindValidationFailed, req, v)
		return v
	}

	err := f.keys.Consume(req.Token, req.Plugin)
	switch {
	case err == nil:
		v := Verdict{
			Valid:   true,
			Message: SuccessMessage(req),
			Extras:  req.Extras,
			Reason:  "ok",
			Status:  http.StatusOK,
		}
		logger.Info().Str("name", req.ServerName).Str("port", req.Port).Msg("key validated")
		metrics.Validations.WithLabelValues("success").Inc()
		f.publish(sink.KindValidationSucceeded, req, v)
		return v

	case errors.Is(err, storage.ErrPersistence):
		v := Verdict{Message: MessageUnavailable, Reason: "persistence", Status: http.StatusServiceUnavailable}
		logger.Error().Err(err).Msg("key state could not be saved")
		metrics.Validations.WithLabelValues("error").Inc()
		f.publish(sink.KindValidationFailed, req, v)
		return v

	default:
		v := Verdict{Message: MessageInvalidToken, Reason: keys.Reason(err), Status: http.StatusOK}
		logger.Info().Str("reason", v.Reason).Msg("key rejected")
		metrics.Validations.WithLabelValues("failed").Inc()
		metrics.ValidationFailures.WithLabelValues(v.Reason).Inc()
		f.publish(sink.KindValidationFailed, req, v)
		return v
	}
}

// SuccessMessage is the text returned for a validated key.
func SuccessMessage(req Request) string {
	return fmt.Sprintf(`[%s] Plugin validated successfully for "%s" from %s:%s`,
		req.Plugin, req.ServerName, req.ServerAddress, req.Port)
}

func resultLabel(v Verdict) string {
	if v.Status == http.StatusServiceUnavailable {
		return "error"
	}
	return "denied"
}

func (f *Flow) publish(kind sink.Kind, req Request, v Verdict) {
	e := sink.NewEvent(kind, v.Message)
	e.Address = req.CallerAddress
	e.Plugin = req.Plugin
	e.Token = req.Token
	e.Reason = v.Reason
	e.Fields = map[string]string{
		"server": req.ServerName,
		"port":   req.Port,
	}
	if req.ServerAddress != "" {
		e.Fields["server_ip"] = req.ServerAddress
	}
	f.events.Publish(e)
}
