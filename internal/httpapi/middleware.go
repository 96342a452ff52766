package httpapi

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/developingchet/keygate/internal/request"
	"github.com/developingchet/keygate/internal/validation"
)

// admission runs the abuse engine in front of the ancillary plugin routes.
func (h *handler) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.admit(w, request.ClientAddress(r, h.cfg.TrustProxy)) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admit counts one request from addr and writes the refusal when the caller
// may not proceed.
func (h *handler) admit(w http.ResponseWriter, addr string) bool {
	if h.cfg.Admit == nil || h.cfg.Allowlist(addr) {
		return true
	}
	d, err := h.cfg.Admit.Admit(addr)
	if err != nil {
		log.Error().Err(err).Str("ip", addr).Msg("admission state could not be saved")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"message": validation.MessageUnavailable})
		return false
	}
	if !d.Allowed {
		log.Warn().Str("ip", addr).Str("reason", string(d.Reason)).Msg("request denied")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": validation.MessageTooManyAttempts})
		return false
	}
	return true
}
