package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tidwall/gjson"
)

func gateRequest(t *testing.T, min, userAgent string) *httptest.ResponseRecorder {
	t.Helper()

	handler := RequireVersion(min)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	return w
}

func TestRequireVersion_Disabled(t *testing.T) {
	w := gateRequest(t, "", "anything")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRequireVersion_UnparseableMinDisablesGate(t *testing.T) {
	for _, ua := range []string{"myapp/0.0.1", "curl", ""} {
		w := gateRequest(t, "not-a-version", ua)
		assert.Equal(t, http.StatusNoContent, w.Code, "user agent %q", ua)
	}
}

func TestRequireVersion_AcceptsEqualAndNewer(t *testing.T) {
	assert.Equal(t, http.StatusNoContent, gateRequest(t, "2.0.0", "myapp/2.0.0").Code)
	assert.Equal(t, http.StatusNoContent, gateRequest(t, "2.0.0", "myapp/2.1.3").Code)
	assert.Equal(t, http.StatusNoContent, gateRequest(t, "2.0.0", "myapp/2.0.0 (linux; arm64)").Code)
}

func TestRequireVersion_RejectsOldAndMissing(t *testing.T) {
	for _, ua := range []string{"myapp/1.9.9", "myapp", "", "curl"} {
		w := gateRequest(t, "2.0.0", ua)
		assert.Equal(t, http.StatusBadRequest, w.Code, "user agent %q", ua)
		assert.Equal(t, errVersionMismatch, gjson.Get(w.Body.String(), "error").String())
	}
}
