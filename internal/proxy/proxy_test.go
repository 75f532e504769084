package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/ratelimit"
	"github.com/alexjbarnes/authrelay/internal/store"
)

// fixture bundles the collaborators most handler tests need.
type fixture struct {
	cfg      *config.Config
	store    *store.Memory
	registry *device.Registry
	issuer   *device.Issuer
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mem := store.NewMemory()
	t.Cleanup(mem.Stop)

	return &fixture{
		cfg: &config.Config{
			BaseURL:                "https://relay.example.com",
			LimitRequestsPerMinute: 12,
			AuthorizationEndpoint:  "https://upstream.example.com/authorize",
			TokenEndpoint:          "https://upstream.example.com/token",
			ClientID:               "relay-client",
			Flow:                   config.FlowDirect,
		},
		store:    mem,
		registry: device.NewRegistry(mem),
		issuer:   device.NewIssuer(mem),
		limiter:  ratelimit.New(mem, 12),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// beginFlow starts a device flow and returns the grant.
func (f *fixture) beginFlow(t *testing.T) *device.Grant {
	t.Helper()

	grant, err := f.registry.Begin(context.Background(), "dev-client", "", "")
	require.NoError(t, err)

	return grant
}

// postForm performs a form POST against a handler.
func postForm(t *testing.T, h http.HandlerFunc, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	h(w, req)

	return w
}
