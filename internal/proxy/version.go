package proxy

import (
	"net/http"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// RequireVersion rejects clients whose User-Agent advertises a version
// older than min. The User-Agent is expected as "name/version"; anything
// after the first space is ignored. An empty or unparseable min disables
// the check. Clients that fail the gate get version_mismatch before any
// other validation runs.
func RequireVersion(min string) func(http.Handler) http.Handler {
	var floor *semver.Version
	if min != "" {
		if v, err := semver.NewVersion(min); err == nil {
			floor = v
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if floor == nil {
				next.ServeHTTP(w, r)
				return
			}

			version := userAgentVersion(r.UserAgent())
			if version == nil || version.LessThan(floor) {
				writeJSONError(w, http.StatusBadRequest, errVersionMismatch,
					"client version "+min+" or newer is required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// userAgentVersion extracts the version from a "name/version ..." user
// agent, or nil when there is none to extract.
func userAgentVersion(ua string) *semver.Version {
	ua, _, _ = strings.Cut(ua, " ")

	_, raw, found := strings.Cut(ua, "/")
	if !found {
		return nil
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil
	}

	return v
}
