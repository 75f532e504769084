package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/ratelimit"
	"github.com/alexjbarnes/authrelay/internal/upstream"
)

// HandleDataProxy returns the GET /data/proxy/{path...} handler. It
// validates the relay-issued bearer token, then replays the request
// against the upstream data API using the relay's own service
// credentials.
func HandleDataProxy(cfg *config.Config, issuer *device.Issuer, limiter *ratelimit.Limiter, creds *upstream.Credentials, up *upstream.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.PathValue("path")
		if path == "" {
			writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "no upstream path given")
			return
		}

		usagePoint := r.URL.Query().Get("usage_point_id")
		if usagePoint == "" {
			writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "usage_point_id is required")
			return
		}

		if !cfg.DisableDataEndpointAuth {
			if !authorizeData(w, r, issuer, usagePoint, logger) {
				return
			}
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

		svc, err := creds.Token(r.Context())
		if err != nil {
			logger.Error("obtaining service credentials", "error", err)
			writeJSONError(w, http.StatusBadGateway, errInvalidRequest, "upstream credentials unavailable")

			return
		}

		resp, err := up.Data(r.Context(), path, r.URL.RawQuery, svc.Authorization())

		// One retry with fresh credentials when the upstream thinks the
		// service token has gone stale.
		if err == nil && resp.StatusCode == http.StatusForbidden {
			logger.Info("service token rejected, renewing")

			svc, err = creds.Renew(r.Context())
			if err == nil {
				resp, err = up.Data(r.Context(), path, r.URL.RawQuery, svc.Authorization())
			}
		}

		if err != nil {
			logger.Error("calling upstream data endpoint", "error", err)
			writeJSONError(w, http.StatusBadGateway, errInvalidRequest, "upstream request failed")

			return
		}

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}

		w.WriteHeader(http.StatusOK)
		w.Write(resp.Body)
	}
}

// authorizeData checks the bearer token on a data request. The status
// codes are deliberately oblique: a missing header and a usage-point
// mismatch both read as not-found, so a probing caller cannot tell a
// bad token apart from a bad path.
func authorizeData(w http.ResponseWriter, r *http.Request, issuer *device.Issuer, usagePoint string, logger *slog.Logger) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeJSONError(w, http.StatusNotFound, errUnauthorized, "")
		return false
	}

	token := strings.TrimPrefix(header, "Bearer ")

	err := issuer.Authorized(r.Context(), token, usagePoint)
	switch {
	case err == nil:
		return true
	case errors.Is(err, device.ErrUnknownToken):
		writeJSONError(w, http.StatusForbidden, errUnauthorized, "")
	case errors.Is(err, device.ErrUsagePointMismatch):
		writeJSONError(w, http.StatusNotFound, errUnauthorized, "")
	default:
		logger.Error("validating bearer token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, errInvalidRequest, "")
	}

	return false
}
