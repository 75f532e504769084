package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/ratelimit"
	"github.com/alexjbarnes/authrelay/internal/upstream"
)

// dataFixture wires the data proxy against fake credential and data
// upstreams, returning the fixture and an issued device token.
type dataFixture struct {
	*fixture
	creds *upstream.Credentials
	up    *upstream.Client
	token *device.Token
}

func newDataFixture(t *testing.T, dataHandler http.HandlerFunc) *dataFixture {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /credentials", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token_type":"Bearer","access_token":"svc-tok","expires_in":3600}`))
	})
	mux.Handle("GET /data/", http.StripPrefix("/data", dataHandler))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := newFixture(t)

	up := upstream.NewClient(upstream.Config{
		CredentialsEndpoint: srv.URL + "/credentials",
		DataEndpoint:        srv.URL + "/data",
	})

	tok, err := f.issuer.Issue(context.Background(), "usage-1")
	require.NoError(t, err)

	return &dataFixture{
		fixture: f,
		creds:   upstream.NewCredentials(f.store, up, "relay-client", "relay-secret"),
		up:      up,
		token:   tok,
	}
}

func (d *dataFixture) handler() http.HandlerFunc {
	return HandleDataProxy(d.cfg, d.issuer, d.limiter, d.creds, d.up, d.logger)
}

// dataRequest performs a GET with the path wired into the route pattern
// the mux would normally populate.
func dataRequest(t *testing.T, h http.HandlerFunc, target, bearer string) *httptest.ResponseRecorder {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("GET /data/proxy/{path...}", h)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	return w
}

func TestHandleDataProxy_Forwards(t *testing.T) {
	d := newDataFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/metering/usage", r.URL.Path)
		assert.Equal(t, "Bearer svc-tok", r.Header.Get("Authorization"))
		assert.Equal(t, "usage-1", r.URL.Query().Get("usage_point_id"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"readings":[1,2,3]}`))
	})

	w := dataRequest(t, d.handler(), "/data/proxy/metering/usage?usage_point_id=usage-1", d.token.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"readings":[1,2,3]}`, w.Body.String())
}

func TestHandleDataProxy_MissingUsagePoint(t *testing.T) {
	d := newDataFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	w := dataRequest(t, d.handler(), "/data/proxy/metering/usage", d.token.AccessToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errInvalidRequest, gjson.Get(w.Body.String(), "error").String())
}

func TestHandleDataProxy_AuthFailures(t *testing.T) {
	d := newDataFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached")
	})
	h := d.handler()

	// No Authorization header at all.
	w := dataRequest(t, h, "/data/proxy/metering/usage?usage_point_id=usage-1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errUnauthorized, gjson.Get(w.Body.String(), "error").String())

	// Unknown token.
	w = dataRequest(t, h, "/data/proxy/metering/usage?usage_point_id=usage-1", "deadbeef")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Valid token, wrong usage point.
	w = dataRequest(t, h, "/data/proxy/metering/usage?usage_point_id=usage-2", d.token.AccessToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDataProxy_AuthDisabled(t *testing.T) {
	d := newDataFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	d.cfg.DisableDataEndpointAuth = true

	w := dataRequest(t, d.handler(), "/data/proxy/metering/usage?usage_point_id=usage-1", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleDataProxy_RenewsOn403(t *testing.T) {
	var dataCalls atomic.Int64

	d := newDataFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if dataCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		w.Write([]byte(`{"ok":true}`))
	})

	w := dataRequest(t, d.handler(), "/data/proxy/metering/usage?usage_point_id=usage-1", d.token.AccessToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	assert.Equal(t, int64(2), dataCalls.Load())
}

func TestHandleDataProxy_SingleRetry(t *testing.T) {
	var dataCalls atomic.Int64

	d := newDataFixture(t, func(w http.ResponseWriter, r *http.Request) {
		dataCalls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"still no"}`))
	})

	w := dataRequest(t, d.handler(), "/data/proxy/metering/usage?usage_point_id=usage-1", d.token.AccessToken)

	// A second 403 is passed through, not retried again.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"error":"still no"}`, w.Body.String())
	assert.Equal(t, int64(2), dataCalls.Load())
}

func TestHandleDataProxy_RateLimited(t *testing.T) {
	d := newDataFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	d.cfg.DisableDataEndpointAuth = true

	// One request per minute; the second hits the wall.
	d.limiter = ratelimit.New(d.store, 1)
	h := d.handler()

	w := dataRequest(t, h, "/data/proxy/metering/usage?usage_point_id=usage-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = dataRequest(t, h, "/data/proxy/metering/usage?usage_point_id=usage-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errSlowDown, gjson.Get(w.Body.String(), "error").String())
}
