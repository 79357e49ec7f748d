package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/auth"
	"github.com/EFForg/portal-access/db"
	"github.com/EFForg/portal-access/email"
	"github.com/EFForg/portal-access/models"
	"github.com/EFForg/portal-access/sweeper"
)

////////////////////////////////
//  *****   REST API   *****  //
////////////////////////////////

// Largest request body we read.
const maxBodyBytes = 64 << 10

// API is the HTTP API that this service provides.
// All requests respond with an response JSON, with fields:
// {
//     status_code // HTTP status code of request
//     message // Any error message accompanying the status_code. If 200, empty.
//     response // Response data (as JSON) from this request.
// }
// Any POST request accepts either a JSON body or form values.
type API struct {
	Database      db.Database
	Lifecycle     *models.Lifecycle
	Authenticator *auth.Authenticator
	Sweeper       Sweeper
	Identity      IdentitySource
	// SweepSecret, if set, lets external schedulers trigger a sweep by
	// sending it in the X-Sweep-Secret header.
	SweepSecret string
	// SecureCookies marks the session cookie Secure.
	SecureCookies bool
	// TrustForwardHeader makes the last X-Forwarded-For entry the client
	// address. Only enable it behind a reverse proxy.
	TrustForwardHeader bool
	AllowedOrigins     []string
}

// Sweeper runs a retention sweep on demand.
type Sweeper interface {
	SweepNow(ctx context.Context) (sweeper.Report, error)
}

type response struct {
	StatusCode int         `json:"status_code"`
	Message    string      `json:"message"`
	Response   interface{} `json:"response"`
	header     http.Header
	cookie     *http.Cookie
}

type apiHandler func(r *http.Request) response

func (api *API) wrapper(handler apiHandler) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		response := handler(r)
		if response.StatusCode == http.StatusInternalServerError {
			packet := raven.NewPacket(response.Message, raven.NewHttp(r))
			raven.Capture(packet, nil)
			// Internal details stay in sentry.
			response.Message = "internal server error"
		}
		api.writeJSON(w, response)
	}
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

// RegisterHandlers binds API functions to the given http server,
// and returns the resulting handler.
func (api *API) RegisterHandlers(mux *http.ServeMux) http.Handler {
	mux.HandleFunc("/sns", HandleSESNotification(api.Database))
	mux.HandleFunc("/api/ping", pingHandler)

	mux.Handle("/auth/login",
		api.throttleHandler(time.Minute, 30, http.HandlerFunc(api.wrapper(api.login))))
	mux.HandleFunc("/auth/logout", api.wrapper(api.logout))
	mux.HandleFunc("/auth/session", api.wrapper(api.session))

	mux.Handle("/subscriptions",
		api.throttleHandler(time.Hour, 20, http.HandlerFunc(api.wrapper(api.subscriptions))))
	mux.HandleFunc("/subscriptions/verify", api.wrapper(api.verify))
	mux.Handle("/subscriptions/management-link",
		api.throttleHandler(time.Hour, 20, http.HandlerFunc(api.wrapper(api.managementLink))))
	mux.HandleFunc("/subscriptions/filters", api.wrapper(api.filters))
	mux.HandleFunc("/subscriptions/unsubscribe", api.wrapper(api.unsubscribe))

	mux.HandleFunc("/admin/sweep", api.wrapper(api.sweep))
	mux.HandleFunc("/admin/subscriptions/claim", api.wrapper(api.requireAdmin(api.claim)))
	mux.HandleFunc("/admin/subscriptions/broadcast", api.wrapper(api.requireAdmin(api.broadcast)))
	return api.middleware(mux)
}

// errorResponse maps domain errors to status codes. Messages of
// authorization failures are fixed so they never say which part was wrong.
func errorResponse(err error) response {
	switch {
	case errors.Is(err, models.ErrValidation):
		return badRequest(err.Error())
	case errors.Is(err, models.ErrInvalidOrExpired):
		return response{StatusCode: http.StatusForbidden, Message: models.ErrInvalidOrExpired.Error()}
	case errors.Is(err, models.ErrForbidden):
		return response{StatusCode: http.StatusForbidden, Message: models.ErrForbidden.Error()}
	case errors.Is(err, models.ErrNotFound):
		return response{StatusCode: http.StatusNotFound, Message: models.ErrNotFound.Error()}
	case errors.Is(err, models.ErrConflict), errors.Is(err, sweeper.ErrSweepInProgress):
		return response{StatusCode: http.StatusConflict, Message: err.Error()}
	}
	return serverError(err.Error())
}

func methodNotAllowed(path string, methods ...string) response {
	return response{StatusCode: http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("%s only accepts %s requests", path, strings.Join(methods, " and "))}
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// decodeJSON reads the request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(models.ErrValidation, "couldn't read request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrapf(models.ErrValidation, "malformed JSON body: %v", err)
	}
	return nil
}

// parseForm parses the query and body as form values, reading at most
// maxBodyBytes of the body.
func parseForm(r *http.Request) error {
	if r.Body != nil {
		r.Body = ioutil.NopCloser(io.LimitReader(r.Body, maxBodyBytes))
	}
	if err := r.ParseForm(); err != nil {
		return errors.Wrapf(models.ErrValidation, "malformed form body: %v", err)
	}
	return nil
}

// Retrieves `param` as a boolean form value from `http.Request` r.
// If `param` isn't specified, returns nil.
func getBool(param string, r *http.Request) (*bool, error) {
	raw := r.FormValue(param)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.Wrapf(models.ErrValidation, "expected parameter %s to be a boolean, was %q", param, raw)
	}
	return &b, nil
}

// Writes `v` as a JSON object to http.ResponseWriter `w`. If an error
// occurs, writes `http.StatusInternalServerError` to `w`.
func (api *API) writeJSON(w http.ResponseWriter, apiResponse response) {
	for key, values := range apiResponse.header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if apiResponse.cookie != nil {
		http.SetCookie(w, apiResponse.cookie)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(apiResponse.StatusCode)
	b, err := json.MarshalIndent(apiResponse, "", "  ")
	if err != nil {
		msg := fmt.Sprintf("Internal error: could not format JSON. (%s)\n", err)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "%s\n", b)
}

func badRequest(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusBadRequest,
		Message:    fmt.Sprintf(format, a...),
	}
}

func serverError(format string, a ...interface{}) response {
	return response{
		StatusCode: http.StatusInternalServerError,
		Message:    fmt.Sprintf(format, a...),
	}
}

type ravenExtraContent string

// Class satisfies raven's Interface interface so we can send this as extra context.
// https://github.com/getsentry/raven-go/issues/125
func (r ravenExtraContent) Class() string {
	return "extra"
}

func (r ravenExtraContent) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}

// HandleSESNotification handles AWS SES bounces and complaints submitted to a webhook
// via AWS SNS (Simple Notification Service).
// The SNS webhook is configured to include a secret API key stored in the environment.
func HandleSESNotification(database email.BlacklistStore) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		keyParam := r.URL.Query()["amazon_authorize_key"]
		key := os.Getenv("AMAZON_AUTHORIZE_KEY")
		if key == "" || len(keyParam) == 0 || !secretMatches(key, keyParam[0]) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			raven.CaptureError(err, nil)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		data := &email.BlacklistRequest{}
		err = json.Unmarshal(body, data)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			raven.CaptureError(err, nil, ravenExtraContent(body))
			return
		}

		tags := map[string]string{"notification_type": data.Reason}
		raven.CaptureMessage("Received SES notification", tags, ravenExtraContent(data.Raw))

		if err := data.Blacklist(database); err != nil {
			raven.CaptureError(err, nil)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
	}
}
