package api

import (
	"context"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/models"
)

// SweepSecretHeader authorizes scheduled sweeps.
const SweepSecretHeader = "X-Sweep-Secret"

// Sweep handles requests to /admin/sweep
//   POST /admin/sweep
//        Requires the X-Sweep-Secret header or an admin session.
//        Runs a retention sweep and sets its report as response.
func (api *API) sweep(r *http.Request) response {
	if r.Method != http.MethodPost {
		return methodNotAllowed("/admin/sweep", "POST")
	}
	if !secretMatches(api.SweepSecret, r.Header.Get(SweepSecretHeader)) && !api.isAdmin(r) {
		return unauthorized()
	}
	// A client that hangs up doesn't stop the sweep halfway.
	report, err := api.Sweeper.SweepNow(context.WithoutCancel(r.Context()))
	if err != nil {
		return errorResponse(err)
	}
	return response{StatusCode: http.StatusOK, Response: report}
}

type claimRequest struct {
	Email    string `json:"email"`
	Identity string `json:"identity"`
}

func (req claimRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.Required),
		validation.Field(&req.Identity, validation.Required, validation.By(isUUID)),
	)
}

func isUUID(value interface{}) error {
	s, _ := value.(string)
	if _, err := uuid.Parse(s); err != nil {
		return errors.New("must be a UUID")
	}
	return nil
}

// Claim handles requests to /admin/subscriptions/claim
//   POST /admin/subscriptions/claim
//        email: subscribed address.
//        identity: UUID of the account that may unsubscribe it without a token.
func (api *API) claim(r *http.Request) response {
	if r.Method != http.MethodPost {
		return methodNotAllowed("/admin/subscriptions/claim", "POST")
	}
	var req claimRequest
	if isJSON(r) {
		if err := decodeJSON(r, &req); err != nil {
			return errorResponse(err)
		}
	} else {
		if err := parseForm(r); err != nil {
			return errorResponse(err)
		}
		req = claimRequest{Email: r.FormValue("email"), Identity: r.FormValue("identity")}
	}
	if err := req.Validate(); err != nil {
		return badRequest(err.Error())
	}
	email, err := adminEmail(req.Email)
	if err != nil {
		return errorResponse(err)
	}
	sub, err := api.Lifecycle.ClaimSubscription(r.Context(), email, uuid.MustParse(req.Identity))
	if err != nil {
		return errorResponse(err)
	}
	return response{StatusCode: http.StatusOK, Response: sub}
}

type broadcastRequest struct {
	Emails []string `json:"emails"`
}

// Broadcast handles requests to /admin/subscriptions/broadcast
//   GET /admin/subscriptions/broadcast?tags=<tag,tag>
//        Sets the addresses that should receive a broadcast carrying tags
//        as response.
//   POST /admin/subscriptions/broadcast
//        emails: addresses a broadcast went out to.
func (api *API) broadcast(r *http.Request) response {
	switch r.Method {
	case http.MethodGet:
		var tags []string
		for _, value := range r.URL.Query()["tags"] {
			tags = append(tags, strings.Split(value, ",")...)
		}
		subs, err := api.Lifecycle.BroadcastSelect(r.Context())
		if err != nil {
			return errorResponse(err)
		}
		emails := []string{}
		for _, sub := range subs {
			if sub.Wants(tags) {
				emails = append(emails, sub.Email)
			}
		}
		return response{StatusCode: http.StatusOK, Response: emails}
	case http.MethodPost:
		var req broadcastRequest
		if isJSON(r) {
			if err := decodeJSON(r, &req); err != nil {
				return errorResponse(err)
			}
		} else {
			if err := parseForm(r); err != nil {
				return errorResponse(err)
			}
			req.Emails = r.Form["emails"]
		}
		if len(req.Emails) == 0 {
			return errorResponse(errors.Wrap(models.ErrValidation, "emails: cannot be blank"))
		}
		if err := api.Lifecycle.MarkNotified(r.Context(), req.Emails); err != nil {
			return errorResponse(err)
		}
		return response{StatusCode: http.StatusOK, Response: req.Emails}
	}
	return methodNotAllowed("/admin/subscriptions/broadcast", "GET", "POST")
}
