package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/auth"
	"github.com/EFForg/portal-access/models"
)

// SessionCookie carries the admin session token.
const SessionCookie = "portal_session"

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req loginRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Username, validation.Required),
		validation.Field(&req.Password, validation.Required),
	)
}

// secretMatches compares a presented secret in constant time. An empty
// configured secret never matches.
func secretMatches(configured string, presented string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// clientID identifies the client for login throttling: the peer address,
// or the address our reverse proxy appended to X-Forwarded-For.
func (api *API) clientID(r *http.Request) string {
	if api.TrustForwardHeader {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			hops := strings.Split(forwarded, ",")
			if last := strings.TrimSpace(hops[len(hops)-1]); last != "" {
				return last
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sessionToken returns the token from the session cookie or a bearer
// Authorization header.
func sessionToken(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	const prefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func (api *API) isAdmin(r *http.Request) bool {
	_, ok := api.Authenticator.Session(sessionToken(r))
	return ok
}

func unauthorized() response {
	return response{StatusCode: http.StatusUnauthorized, Message: "unauthorized"}
}

// requireAdmin rejects requests without a live admin session.
func (api *API) requireAdmin(handler apiHandler) apiHandler {
	return func(r *http.Request) response {
		if !api.isAdmin(r) {
			return unauthorized()
		}
		return handler(r)
	}
}

func (api *API) sessionCookie(token string, expires time.Time) *http.Cookie {
	cookie := &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   api.SecureCookies,
		SameSite: http.SameSiteStrictMode,
		Expires:  expires,
	}
	if token == "" {
		cookie.MaxAge = -1
	} else {
		cookie.MaxAge = int(time.Until(expires).Seconds())
	}
	return cookie
}

// Login handles requests to /auth/login
//   POST /auth/login
//        username, password: admin credentials.
//        Sets {token, expiresAt} as response and the session cookie.
//        Failures set {error, remainingAttempts} (401), or
//        {error: "locked", retryAfterSeconds} (429) with a Retry-After header.
func (api *API) login(r *http.Request) response {
	if r.Method != http.MethodPost {
		return methodNotAllowed("/auth/login", "POST")
	}
	var req loginRequest
	if isJSON(r) {
		if err := decodeJSON(r, &req); err != nil {
			return errorResponse(err)
		}
	} else {
		if err := parseForm(r); err != nil {
			return errorResponse(err)
		}
		req = loginRequest{Username: r.FormValue("username"), Password: r.FormValue("password")}
	}
	if err := req.Validate(); err != nil {
		return badRequest(err.Error())
	}

	session, err := api.Authenticator.Authenticate(r.Context(), api.clientID(r), req.Username, req.Password)
	var locked *auth.LockedError
	var invalid *auth.InvalidCredentialsError
	switch {
	case errors.As(err, &locked):
		header := http.Header{}
		header.Set("Retry-After", strconv.Itoa(locked.RetryAfterSeconds()))
		return response{
			StatusCode: http.StatusTooManyRequests,
			Message:    "too many failed attempts",
			Response: map[string]interface{}{
				"error":             "locked",
				"retryAfterSeconds": locked.RetryAfterSeconds(),
			},
			header: header,
		}
	case errors.As(err, &invalid):
		return response{
			StatusCode: http.StatusUnauthorized,
			Message:    "invalid credentials",
			Response: map[string]interface{}{
				"error":             "invalid credentials",
				"remainingAttempts": invalid.RemainingAttempts,
			},
		}
	case err != nil:
		return serverError(err.Error())
	}
	return response{
		StatusCode: http.StatusOK,
		Response: map[string]interface{}{
			"token":     session.Token,
			"expiresAt": session.ExpiresAt,
		},
		cookie: api.sessionCookie(session.Token, session.ExpiresAt),
	}
}

// Logout handles requests to /auth/logout
//   POST /auth/logout
//        Revokes the current session and clears the cookie.
func (api *API) logout(r *http.Request) response {
	if r.Method != http.MethodPost {
		return methodNotAllowed("/auth/logout", "POST")
	}
	if token := sessionToken(r); token != "" {
		api.Authenticator.Logout(token)
	}
	return response{StatusCode: http.StatusOK, cookie: api.sessionCookie("", time.Unix(0, 0))}
}

// Session handles requests to /auth/session
//   GET /auth/session
//        Sets the live session's {expiresAt} as response, or 401.
func (api *API) session(r *http.Request) response {
	session, ok := api.Authenticator.Session(sessionToken(r))
	if !ok {
		return unauthorized()
	}
	return response{StatusCode: http.StatusOK, Response: session}
}

// adminEmail validates an email parameter for admin endpoints.
func adminEmail(raw string) (string, error) {
	canonical, err := models.ValidateEmail(raw)
	if err != nil {
		return "", err
	}
	return canonical, nil
}
