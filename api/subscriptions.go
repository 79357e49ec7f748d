package api

import (
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/models"
)

// Limits on the tag filter a subscriber may store.
const (
	maxTags      = 50
	maxTagLength = 64
)

// Shown for every management link request, so the response never says
// whether the address is subscribed.
const managementLinkMessage = "If that address is subscribed, a management link is on its way."

type subscriptionRequest struct {
	Email      string   `json:"email"`
	Token      string   `json:"token"`
	ReceiveAll *bool    `json:"receiveAll"`
	Tags       []string `json:"tags"`
}

// parseSubscriptionRequest reads a JSON body, or query and form values.
// Form tags may be repeated or comma-separated.
func parseSubscriptionRequest(r *http.Request) (subscriptionRequest, error) {
	var req subscriptionRequest
	if r.Method == http.MethodPost && isJSON(r) {
		err := decodeJSON(r, &req)
		return req, err
	}
	if err := parseForm(r); err != nil {
		return req, err
	}
	req.Email = r.FormValue("email")
	req.Token = r.FormValue("token")
	receiveAll, err := getBool("receiveAll", r)
	if err != nil {
		return req, err
	}
	req.ReceiveAll = receiveAll
	for _, value := range r.Form["tags"] {
		req.Tags = append(req.Tags, strings.Split(value, ",")...)
	}
	return req, nil
}

func tagLength(value interface{}) error {
	tags, _ := value.([]string)
	for _, tag := range tags {
		if len(tag) > maxTagLength {
			return errors.Errorf("tag %q is longer than %d characters", tag, maxTagLength)
		}
	}
	return nil
}

func (req subscriptionRequest) validateFilters() error {
	err := validation.ValidateStruct(&req,
		validation.Field(&req.Email, validation.Required),
		validation.Field(&req.ReceiveAll, validation.NotNil),
		validation.Field(&req.Tags, validation.Length(0, maxTags), validation.By(tagLength)),
	)
	if err != nil {
		return errors.Wrap(models.ErrValidation, err.Error())
	}
	return nil
}

// Subscriptions handles requests to /subscriptions
//   POST /subscriptions
//        email: address to subscribe. A verification email is sent.
//   GET /subscriptions?email=<email>&token=<token>
//        Sets the subscription as response.
func (api *API) subscriptions(r *http.Request) response {
	req, err := parseSubscriptionRequest(r)
	if err != nil {
		return errorResponse(err)
	}
	switch r.Method {
	case http.MethodPost:
		if _, err := api.Lifecycle.Subscribe(r.Context(), req.Email); err != nil {
			return errorResponse(err)
		}
		return response{StatusCode: http.StatusOK,
			Response: "Thank you for subscribing! Please check your inbox to confirm your address."}
	case http.MethodGet:
		sub, err := api.Lifecycle.FetchByToken(r.Context(), req.Email, req.Token)
		if err != nil {
			return errorResponse(err)
		}
		return response{StatusCode: http.StatusOK, Response: sub}
	}
	return methodNotAllowed("/subscriptions", "GET", "POST")
}

// Verify handles requests to /subscriptions/verify
//   GET|POST /subscriptions/verify?email=<email>&token=<token>
//        Redeems the verification token. Sets the subscription as response.
func (api *API) verify(r *http.Request) response {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		return methodNotAllowed("/subscriptions/verify", "GET", "POST")
	}
	req, err := parseSubscriptionRequest(r)
	if err != nil {
		return errorResponse(err)
	}
	sub, err := api.Lifecycle.Verify(r.Context(), req.Email, req.Token)
	if err != nil {
		return errorResponse(err)
	}
	return response{StatusCode: http.StatusOK, Response: sub}
}

// ManagementLink handles requests to /subscriptions/management-link
//   POST /subscriptions/management-link
//        email: subscribed address. Mails a fresh management link if the
//        address is subscribed; the response is the same either way.
func (api *API) managementLink(r *http.Request) response {
	if r.Method != http.MethodPost {
		return methodNotAllowed("/subscriptions/management-link", "POST")
	}
	req, err := parseSubscriptionRequest(r)
	if err != nil {
		return errorResponse(err)
	}
	if err := api.Lifecycle.RequestManagementAccess(r.Context(), req.Email); err != nil {
		return errorResponse(err)
	}
	return response{StatusCode: http.StatusOK, Response: managementLinkMessage}
}

// Filters handles requests to /subscriptions/filters
//   POST /subscriptions/filters
//        email, token: the management link's parameters.
//        receiveAll: required boolean.
//        tags: tag filter, used when receiveAll is false.
func (api *API) filters(r *http.Request) response {
	if r.Method != http.MethodPost {
		return methodNotAllowed("/subscriptions/filters", "POST")
	}
	req, err := parseSubscriptionRequest(r)
	if err != nil {
		return errorResponse(err)
	}
	if err := req.validateFilters(); err != nil {
		return errorResponse(err)
	}
	sub, err := api.Lifecycle.UpdateFilters(r.Context(), req.Email, req.Token, *req.ReceiveAll, req.Tags)
	if err != nil {
		return errorResponse(err)
	}
	return response{StatusCode: http.StatusOK, Response: sub}
}

// Unsubscribe handles requests to /subscriptions/unsubscribe
//   POST /subscriptions/unsubscribe
//        email: subscribed address.
//        token: optional when the request carries the linked identity.
func (api *API) unsubscribe(r *http.Request) response {
	if r.Method != http.MethodPost {
		return methodNotAllowed("/subscriptions/unsubscribe", "POST")
	}
	req, err := parseSubscriptionRequest(r)
	if err != nil {
		return errorResponse(err)
	}
	var source IdentitySource = noIdentity{}
	if api.Identity != nil {
		source = api.Identity
	}
	if err := api.Lifecycle.Unsubscribe(r.Context(), req.Email, req.Token, source.Identity(r)); err != nil {
		return errorResponse(err)
	}
	return response{StatusCode: http.StatusOK, Response: "You have been unsubscribed."}
}
