package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
	"github.com/alexjbarnes/authrelay/internal/store"
	"github.com/alexjbarnes/authrelay/internal/upstream"
)

// exchangeError carries the upstream's raw rejection so the page can
// show the user what the authorization server actually said.
type exchangeError struct {
	body []byte
}

func (e *exchangeError) Error() string {
	return "upstream rejected the authorization code"
}

// HandleRedirect returns the GET /auth/redirect handler, the landing
// point after upstream consent. It closes the loop: validates the CSRF
// state, turns the redirect into a token response, attaches it to the
// device request, and tells the user they are done.
func HandleRedirect(cfg *config.Config, reg *device.Registry, issuer *device.Issuer, up *upstream.Client, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		// The upstream reports consent denials and its own failures in
		// an error parameter. Nothing to clean up: the state stays
		// until it expires, and the device polls out the clock.
		if upErr := q.Get("error"); upErr != "" {
			logger.Warn("upstream authorization error", "error", upErr)
			renderPage(w, logger, http.StatusBadRequest, errorPage, errorPageData{
				Message: "The authorization server reported: " + upErr,
				Detail:  q.Get("error_description"),
			})

			return
		}

		state := q.Get("state")
		code := q.Get("code")

		if state == "" || code == "" {
			renderPage(w, logger, http.StatusBadRequest, errorPage, errorPageData{
				Message: "The redirect from the authorization server was missing required parameters.",
			})

			return
		}

		st, err := reg.ConsumeState(r.Context(), state)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				renderPage(w, logger, http.StatusBadRequest, errorPage, errorPageData{
					Message: "This authorization link has expired or was already used.",
				})

				return
			}

			logger.Error("consuming state", "error", err)
			renderPage(w, logger, http.StatusInternalServerError, errorPage, errorPageData{
				Message: "The relay could not complete the authorization. Please try again.",
			})

			return
		}

		sess, err := reg.Session(r.Context(), st.UserCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				renderPage(w, logger, http.StatusBadRequest, errorPage, errorPageData{
					Message: "Your device session expired before authorization finished. Start over from your device.",
				})

				return
			}

			logger.Error("looking up session", "error", err)
			renderPage(w, logger, http.StatusInternalServerError, errorPage, errorPageData{
				Message: "The relay could not complete the authorization. Please try again.",
			})

			return
		}

		var tokenResponse json.RawMessage
		if cfg.ExchangeFlow() {
			tokenResponse, err = exchangeToken(r.Context(), cfg, up, sess, code, q)
		} else {
			tokenResponse, err = issueToken(r.Context(), issuer, q)
		}

		if err != nil {
			var exErr *exchangeError
			if errors.As(err, &exErr) {
				// The flow cannot finish. Purge everything so the
				// device stops polling instead of running the clock out.
				purge(r, reg, st.UserCode, sess.DeviceCode, logger)

				logger.Warn("upstream code exchange failed", "client_id", sess.ClientID)
				renderPage(w, logger, http.StatusBadRequest, errorPage, errorPageData{
					Message: "The authorization server rejected the request.",
					Detail:  string(exErr.body),
				})

				return
			}

			logger.Error("completing authorization", "error", err)
			renderPage(w, logger, http.StatusInternalServerError, errorPage, errorPageData{
				Message: "The relay could not complete the authorization. Please try again.",
			})

			return
		}

		if err := reg.Complete(r.Context(), sess.DeviceCode, tokenResponse); err != nil {
			logger.Error("completing device request", "error", err)
			renderPage(w, logger, http.StatusInternalServerError, errorPage, errorPageData{
				Message: "The relay could not complete the authorization. Please try again.",
			})

			return
		}

		if err := reg.DeleteSession(r.Context(), st.UserCode); err != nil {
			logger.Warn("deleting session", "error", err)
		}

		logger.Info("authorization complete", "client_id", sess.ClientID)
		renderPage(w, logger, http.StatusOK, signedInPage, nil)
	}
}

// issueToken mints relay-local credentials from the redirect parameters.
// The upstream put the usage points the user consented to in the query.
func issueToken(ctx context.Context, issuer *device.Issuer, q url.Values) (json.RawMessage, error) {
	usagePoints := q.Get("usage_point_id")
	if usagePoints == "" {
		return nil, &exchangeError{body: []byte(`{"error":"invalid_request","error_description":"usage_point_id missing from redirect"}`)}
	}

	tok, err := issuer.Issue(ctx, usagePoints)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encoding token: %w", err)
	}

	return raw, nil
}

// exchangeToken redeems the authorization code upstream and merges any
// extra redirect parameters into the token response.
func exchangeToken(ctx context.Context, cfg *config.Config, up *upstream.Client, sess *device.Session, code string, q url.Values) (json.RawMessage, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", sess.ClientID)
	form.Set("redirect_uri", cfg.EffectiveRedirectURI())

	// The relay's own secret wins over whatever the device supplied.
	secret := sess.ClientSecret
	if cfg.ClientSecret != "" {
		secret = cfg.ClientSecret
	}

	if secret != "" {
		form.Set("client_secret", secret)
	}

	if cfg.PKCE {
		form.Set("code_verifier", sess.PKCEVerifier)
	}

	resp, err := up.Exchange(ctx, form)
	if err != nil {
		return nil, err
	}

	if !gjson.GetBytes(resp.Body, "access_token").Exists() {
		return nil, &exchangeError{body: resp.Body}
	}

	return mergeRedirectParams(resp.Body, q)
}

// mergeRedirectParams folds the redirect's extra query parameters into
// the upstream token response, so upstream-specific values attached to
// the redirect (usage points, consent identifiers) reach the device.
// Redirect values win over fields of the same name in the token body;
// state and code are flow plumbing and stay out.
func mergeRedirectParams(body []byte, q url.Values) (json.RawMessage, error) {
	merged := map[string]any{}
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	for key, values := range q {
		if key == "state" || key == "code" || len(values) == 0 {
			continue
		}

		merged[key] = values[0]
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encoding token response: %w", err)
	}

	return raw, nil
}

// purge removes a flow's remaining records after an unrecoverable
// failure. Every delete is best effort; the records expire regardless.
func purge(r *http.Request, reg *device.Registry, userCode, deviceCode string, logger *slog.Logger) {
	if err := reg.DeleteSession(r.Context(), userCode); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("deleting session", "error", err)
	}

	if err := reg.Cancel(r.Context(), deviceCode); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("cancelling device request", "error", err)
	}
}
