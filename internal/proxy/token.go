package proxy

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/ratelimit"
	"github.com/alexjbarnes/authrelay/internal/store"
)

const deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"

// HandleToken returns the POST /device/token handler serving the two
// grants devices use: polling out a device code and refreshing an
// access token.
func HandleToken(cfg *config.Config, reg *device.Registry, issuer *device.Issuer, limiter *ratelimit.Limiter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !parseForm(w, r) {
			return
		}

		if r.PostForm.Get("client_id") == "" {
			writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "client_id is required")
			return
		}

		switch r.PostForm.Get("grant_type") {
		case deviceCodeGrant:
			pollDevice(w, r, reg, limiter, logger)
		case "refresh_token":
			refreshToken(w, r, cfg, issuer, limiter, logger)
		case "":
			writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "grant_type is required")
		default:
			writeJSONError(w, http.StatusBadRequest, errUnsupportedGrantType, "")
		}
	}
}

// pollDevice answers one poll against a device code. The limiter is
// keyed by the device code itself, so one impatient device cannot eat
// another's budget.
func pollDevice(w http.ResponseWriter, r *http.Request, reg *device.Registry, limiter *ratelimit.Limiter, logger *slog.Logger) {
	deviceCode := r.PostForm.Get("device_code")
	if deviceCode == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "device_code is required")
		return
	}

	ok, err := limiter.Allow(r.Context(), deviceCode)
	if err != nil {
		logger.Error("checking rate limit", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errInvalidRequest, "")

		return
	}

	if !ok {
		writeJSONError(w, http.StatusBadRequest, errSlowDown, "")
		return
	}

	req, err := reg.Request(r.Context(), deviceCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "device_code is invalid or expired")
			return
		}

		logger.Error("looking up device request", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errInvalidRequest, "")

		return
	}

	switch req.Status {
	case device.StatusPending:
		writeJSONError(w, http.StatusBadRequest, errAuthorizationPending, "")
	case device.StatusComplete:
		// One delivery: the record goes before the response. A racing
		// duplicate poll may still get a copy; nothing is leaked beyond
		// what the winner already received.
		if err := reg.Cancel(r.Context(), deviceCode); err != nil {
			logger.Warn("deleting device request", "error", err)
		}

		logger.Info("device token delivered")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(req.TokenResponse)
	default:
		writeJSONError(w, http.StatusBadRequest, errInvalidGrant, "")
	}
}

// refreshToken serves the refresh_token grant for relay-issued tokens.
// Only the relay's own client may use it; the limiter is keyed by
// client IP because the grant carries no device code.
func refreshToken(w http.ResponseWriter, r *http.Request, cfg *config.Config, issuer *device.Issuer, limiter *ratelimit.Limiter, logger *slog.Logger) {
	if r.PostForm.Get("client_id") != cfg.ClientID {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "unknown client_id")
		return
	}

	usagePoints := r.PostForm.Get("usage_points_id")
	refresh := r.PostForm.Get("refresh_token")

	if usagePoints == "" || refresh == "" {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "usage_points_id and refresh_token are required")
		return
	}

	ok, err := limiter.Allow(r.Context(), "ip-"+remoteIP(r))
	if err != nil {
		logger.Error("checking rate limit", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errInvalidRequest, "")

		return
	}

	if !ok {
		writeJSONError(w, http.StatusBadRequest, errSlowDown, "")
		return
	}

	tok, err := issuer.Refresh(r.Context(), refresh, usagePoints)
	if err != nil {
		if errors.Is(err, device.ErrUnknownToken) || errors.Is(err, device.ErrUsagePointMismatch) {
			writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "refresh_token is not valid")
			return
		}

		logger.Error("refreshing token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errInvalidRequest, "")

		return
	}

	logger.Info("access token refreshed")
	writeJSON(w, http.StatusOK, tok)
}
