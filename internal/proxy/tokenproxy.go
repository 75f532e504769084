package proxy

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/upstream"
)

// HandleTokenProxy returns the POST /device/proxy handler: a verbatim
// pass-through to the upstream token endpoint for devices that manage
// their own grants, with the relay's client secret injected so it never
// ships to the device.
func HandleTokenProxy(cfg *config.Config, up *upstream.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !parseForm(w, r) {
			return
		}

		resp, err := up.PassThrough(r.Context(), r.PostForm, cfg.ClientSecret, cfg.EffectiveRedirectURI())
		if err != nil {
			logger.Error("proxying token request", "error", err)
			writeJSONError(w, http.StatusBadGateway, errInvalidRequest, "upstream request failed")

			return
		}

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}

		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	}
}
