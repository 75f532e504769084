// Package server provides HTTP server construction for authrelay.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/proxy"
	"github.com/alexjbarnes/authrelay/internal/ratelimit"
	"github.com/alexjbarnes/authrelay/internal/upstream"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Config      *config.Config
	Registry    *device.Registry
	Issuer      *device.Issuer
	Limiter     *ratelimit.Limiter
	Upstream    *upstream.Client
	Credentials *upstream.Credentials
	Logger      *slog.Logger
}

// NewMux builds the HTTP mux with the device flow, browser, and data
// proxy endpoints. The device-facing endpoints sit behind the minimum
// client version gate.
func NewMux(cfg MuxConfig) http.Handler {
	gate := proxy.RequireVersion(cfg.Config.VersionMin)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", proxy.HandleIndex(cfg.Logger))
	mux.HandleFunc("GET /device", proxy.HandleDevicePage(cfg.Logger))
	mux.HandleFunc("GET /auth/verify_code", proxy.HandleVerifyCode(cfg.Config, cfg.Registry, cfg.Logger))
	mux.HandleFunc("GET /auth/redirect", proxy.HandleRedirect(cfg.Config, cfg.Registry, cfg.Issuer, cfg.Upstream, cfg.Logger))

	mux.Handle("POST /device/code", gate(proxy.HandleDeviceCode(cfg.Config, cfg.Registry, cfg.Logger)))
	mux.Handle("POST /device/token", gate(proxy.HandleToken(cfg.Config, cfg.Registry, cfg.Issuer, cfg.Limiter, cfg.Logger)))
	mux.Handle("POST /device/proxy", gate(proxy.HandleTokenProxy(cfg.Config, cfg.Upstream, cfg.Logger)))
	mux.Handle("GET /data/proxy/{path...}", gate(proxy.HandleDataProxy(cfg.Config, cfg.Issuer, cfg.Limiter, cfg.Credentials, cfg.Upstream, cfg.Logger)))

	return RequestLogger(cfg.Logger)(mux)
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger logs each request with a generated request id, method,
// path, status, and duration.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(rec, r)

			logger.Info("request",
				slog.String("request_id", uuid.NewString()),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
