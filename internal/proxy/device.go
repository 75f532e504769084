package proxy

import (
	"log/slog"
	"math"
	"net/http"

	"github.com/alexjbarnes/authrelay/internal/config"
	"github.com/alexjbarnes/authrelay/internal/device"
)

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// HandleDeviceCode returns the POST /device/code handler. It starts a
// device flow: the device gets a code pair, shows the user code, and
// polls /device/token with the device code.
func HandleDeviceCode(cfg *config.Config, reg *device.Registry, logger *slog.Logger) http.HandlerFunc {
	// The advertised poll interval keeps a well-behaved device inside
	// the rate limit.
	interval := int(math.Round(60 / float64(cfg.LimitRequestsPerMinute)))
	if interval < 1 {
		interval = 1
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !parseForm(w, r) {
			return
		}

		clientID := r.PostForm.Get("client_id")
		if clientID == "" {
			writeJSONError(w, http.StatusBadRequest, errInvalidRequest, "client_id is required")
			return
		}

		grant, err := reg.Begin(r.Context(), clientID, r.PostForm.Get("client_secret"), r.PostForm.Get("scope"))
		if err != nil {
			logger.Error("starting device flow", "error", err)
			writeJSONError(w, http.StatusInternalServerError, errInvalidRequest, "could not start device flow")

			return
		}

		logger.Info("device flow started", "client_id", clientID, "user_code", grant.UserCode)

		writeJSON(w, http.StatusOK, deviceCodeResponse{
			DeviceCode:      grant.DeviceCode,
			UserCode:        grant.UserCode,
			VerificationURI: cfg.BaseURL + "/device",
			ExpiresIn:       grant.ExpiresIn,
			Interval:        interval,
		})
	}
}

// HandleDevicePage returns the GET /device handler rendering the
// user-code entry form, prefilled from the query when the device put the
// code in the link it displayed.
func HandleDevicePage(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		renderPage(w, logger, http.StatusOK, devicePage, devicePageData{
			Code:  q.Get("code"),
			State: q.Get("state"),
		})
	}
}

// HandleIndex returns the GET / handler.
func HandleIndex(logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		renderPage(w, logger, http.StatusOK, indexPage, nil)
	}
}
