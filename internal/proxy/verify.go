package proxy

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/store"
)

// pkceChallenge derives the S256 code challenge from a verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// HandleVerifyCode returns the GET /auth/verify_code handler. The
// browser arrives here from the code-entry form; on a valid code the
// user is bounced to the upstream authorization endpoint with a fresh
// CSRF state bound to their code.
func HandleVerifyCode(cfg *config.Config, reg *device.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		code := device.NormalizeUserCode(q.Get("code"))
		if code == "" {
			renderPage(w, logger, http.StatusBadRequest, devicePage, devicePageData{
				State: q.Get("state"),
				Error: "Enter the code shown on your device.",
			})

			return
		}

		sess, err := reg.Session(r.Context(), code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				renderPage(w, logger, http.StatusBadRequest, devicePage, devicePageData{
					State: q.Get("state"),
					Error: "That code was not recognized. It may have expired; check your device for a fresh one.",
				})

				return
			}

			logger.Error("looking up session", "error", err)
			renderPage(w, logger, http.StatusInternalServerError, errorPage, errorPageData{
				Message: "The relay could not verify your code. Please try again.",
			})

			return
		}

		// The caller's own state value (if any) rides along appended to
		// ours, so it comes back intact on the redirect.
		state := device.NewState(q.Get("state"))
		if err := reg.SaveState(r.Context(), state, code); err != nil {
			logger.Error("saving state", "error", err)
			renderPage(w, logger, http.StatusInternalServerError, errorPage, errorPageData{
				Message: "The relay could not verify your code. Please try again.",
			})

			return
		}

		params := url.Values{}
		params.Set("response_type", "code")
		params.Set("client_id", sess.ClientID)
		params.Set("state", state)

		if cfg.ConsentDuration != "" {
			params.Set("duration", cfg.ConsentDuration)
		}

		if sess.Scope != "" {
			params.Set("scope", sess.Scope)
		}

		params.Set("redirect_uri", cfg.EffectiveRedirectURI())

		if cfg.PKCE {
			params.Set("code_challenge", pkceChallenge(sess.PKCEVerifier))
			params.Set("code_challenge_method", "S256")
		}

		sep := "?"
		if u, err := url.Parse(cfg.AuthorizationEndpoint); err == nil && u.RawQuery != "" {
			sep = "&"
		}

		logger.Info("redirecting to upstream authorization", "client_id", sess.ClientID)
		http.Redirect(w, r, cfg.AuthorizationEndpoint+sep+params.Encode(), http.StatusFound)
	}
}
