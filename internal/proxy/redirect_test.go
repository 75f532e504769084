package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/store"
	"github.com/alexjbarnes/authrelay/internal/upstream"
)

// startFlow begins a flow and saves a consumable state, returning the
// grant and state value ready for the redirect.
func startFlow(t *testing.T, f *fixture) (*device.Grant, string) {
	t.Helper()

	grant := f.beginFlow(t)
	state := device.NewState("")
	require.NoError(t, f.registry.SaveState(context.Background(), state, device.NormalizeUserCode(grant.UserCode)))

	return grant, state
}

func redirectRequest(t *testing.T, h http.HandlerFunc, query url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/auth/redirect?"+query.Encode(), nil)
	w := httptest.NewRecorder()
	h(w, req)

	return w
}

func TestHandleRedirect_DirectIssue(t *testing.T) {
	f := newFixture(t)
	grant, state := startFlow(t, f)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, nil, f.logger)

	w := redirectRequest(t, h, url.Values{
		"state":          {state},
		"code":           {"upstream-code"},
		"usage_point_id": {"usage-1"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Device connected")

	ctx := context.Background()

	// The device request now carries a relay-issued token.
	req, err := f.registry.Request(ctx, grant.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, device.StatusComplete, req.Status)

	body := string(req.TokenResponse)
	assert.Equal(t, "Bearer", gjson.Get(body, "token_type").String())
	assert.Equal(t, "usage-1", gjson.Get(body, "usage_points_id").String())
	assert.Equal(t, int64(12600), gjson.Get(body, "expires_in").Int())
	assert.NoError(t, f.issuer.Authorized(ctx, gjson.Get(body, "access_token").String(), "usage-1"))

	// Session gone, state consumed.
	_, err = f.registry.Session(ctx, device.NormalizeUserCode(grant.UserCode))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.registry.ConsumeState(ctx, state)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleRedirect_DirectIssueMissingUsagePoint(t *testing.T) {
	f := newFixture(t)
	grant, state := startFlow(t, f)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, nil, f.logger)

	w := redirectRequest(t, h, url.Values{
		"state": {state},
		"code":  {"upstream-code"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The flow is dead: both records purged so the device stops polling.
	ctx := context.Background()
	_, err := f.registry.Request(ctx, grant.DeviceCode)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.registry.Session(ctx, device.NormalizeUserCode(grant.UserCode))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleRedirect_UpstreamError(t *testing.T) {
	f := newFixture(t)
	grant, state := startFlow(t, f)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, nil, f.logger)

	w := redirectRequest(t, h, url.Values{
		"error":             {"access_denied"},
		"error_description": {"the user said no"},
		"state":             {state},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "access_denied")
	assert.Contains(t, w.Body.String(), "the user said no")

	// Records untouched: the device polls until the codes expire.
	ctx := context.Background()
	_, err := f.registry.Request(ctx, grant.DeviceCode)
	assert.NoError(t, err)
	_, err = f.registry.ConsumeState(ctx, state)
	assert.NoError(t, err)
}

func TestHandleRedirect_MissingParams(t *testing.T) {
	f := newFixture(t)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, nil, f.logger)

	w := redirectRequest(t, h, url.Values{"code": {"x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = redirectRequest(t, h, url.Values{"state": {"x"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRedirect_StateReplay(t *testing.T) {
	f := newFixture(t)
	_, state := startFlow(t, f)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, nil, f.logger)

	q := url.Values{
		"state":          {state},
		"code":           {"upstream-code"},
		"usage_point_id": {"usage-1"},
	}

	require.Equal(t, http.StatusOK, redirectRequest(t, h, q).Code)

	w := redirectRequest(t, h, q)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "already used")
}

func exchangeFixture(t *testing.T, upstreamHandler http.HandlerFunc) (*fixture, *upstream.Client) {
	t.Helper()

	srv := httptest.NewServer(upstreamHandler)
	t.Cleanup(srv.Close)

	f := newFixture(t)
	f.cfg.Flow = config.FlowDevice
	f.cfg.TokenEndpoint = srv.URL + "/token"

	return f, upstream.NewClient(upstream.Config{TokenEndpoint: srv.URL + "/token"})
}

func TestHandleRedirect_ExchangeFlow(t *testing.T) {
	var gotForm url.Values

	f, up := exchangeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"up-tok","token_type":"Bearer","expires_in":3600}`))
	})
	f.cfg.ClientSecret = "relay-secret"
	f.cfg.PKCE = true

	grant, state := startFlow(t, f)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, up, f.logger)

	w := redirectRequest(t, h, url.Values{
		"state":          {state},
		"code":           {"upstream-code"},
		"usage_point_id": {"usage-9"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The upstream saw the relay's secret and the session's verifier.
	assert.Equal(t, "authorization_code", gotForm.Get("grant_type"))
	assert.Equal(t, "upstream-code", gotForm.Get("code"))
	assert.Equal(t, "relay-secret", gotForm.Get("client_secret"))
	assert.Len(t, gotForm.Get("code_verifier"), 64)

	// Extra redirect params merged in; state and code kept out.
	req, err := f.registry.Request(context.Background(), grant.DeviceCode)
	require.NoError(t, err)

	body := string(req.TokenResponse)
	assert.Equal(t, "up-tok", gjson.Get(body, "access_token").String())
	assert.Equal(t, "usage-9", gjson.Get(body, "usage_point_id").String())
	assert.False(t, gjson.Get(body, "state").Exists())
	assert.False(t, gjson.Get(body, "code").Exists())
}

func TestHandleRedirect_RedirectParamsWinOverTokenFields(t *testing.T) {
	f, up := exchangeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"up-tok","usage_point_id":"from-upstream"}`))
	})

	grant, state := startFlow(t, f)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, up, f.logger)

	w := redirectRequest(t, h, url.Values{
		"state":          {state},
		"code":           {"upstream-code"},
		"usage_point_id": {"from-redirect"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	req, err := f.registry.Request(context.Background(), grant.DeviceCode)
	require.NoError(t, err)

	body := string(req.TokenResponse)
	assert.Equal(t, "from-redirect", gjson.Get(body, "usage_point_id").String())
}

func TestHandleRedirect_ExchangeRejected(t *testing.T) {
	f, up := exchangeFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	grant, state := startFlow(t, f)
	h := HandleRedirect(f.cfg, f.registry, f.issuer, up, f.logger)

	w := redirectRequest(t, h, url.Values{
		"state": {state},
		"code":  {"bad-code"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_grant")

	// Everything purged.
	ctx := context.Background()
	_, err := f.registry.Request(ctx, grant.DeviceCode)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.registry.Session(ctx, device.NormalizeUserCode(grant.UserCode))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.registry.ConsumeState(ctx, state)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
