// Package proxy implements the relay's HTTP surface: the device code
// endpoints a browserless client drives, the browser pages that collect
// the user code and finish the upstream consent, and the authenticated
// pass-through to the upstream data API.
package proxy

import (
	"encoding/json"
	"net"
	"net/http"
)

// OAuth error codes returned by the token and data endpoints.
const (
	errInvalidRequest       = "invalid_request"
	errInvalidGrant         = "invalid_grant"
	errUnsupportedGrantType = "unsupported_grant_type"
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"
	errUnauthorized         = "Unauthorized"
	errVersionMismatch      = "version_mismatch"
)

// maxRequestBody caps form bodies on the token endpoints.
const maxRequestBody = 64 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	body := map[string]string{"error": errCode}
	if description != "" {
		body["error_description"] = description
	}

	writeJSON(w, status, body)
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// parseForm bounds and parses a form body.
func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "invalid form data")
		return false
	}

	return true
}
