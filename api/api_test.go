package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/EFForg/portal-access/auth"
	"github.com/EFForg/portal-access/db"
	"github.com/EFForg/portal-access/models"
	"github.com/EFForg/portal-access/sweeper"
)

var api *API
var server *httptest.Server
var database *db.MemDatabase
var notifier *mockNotifier
var sweeps *mockSweeper

// Mock notifier, remembers the last token mailed to each address.
type mockNotifier struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (n *mockNotifier) Send(_ context.Context, to string, _ models.NotificationKind, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens[to] = token
	return nil
}

func (n *mockNotifier) token(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tokens[email]
}

type mockSweeper struct {
	mu          sync.Mutex
	calls       int
	err         error
	cancellable bool
}

func (s *mockSweeper) SweepNow(ctx context.Context) (sweeper.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.cancellable = ctx.Done() != nil
	if s.err != nil {
		return sweeper.Report{}, s.err
	}
	return sweeper.Report{TotalExpired: 2, DeletedCount: 2, BlobsDeleted: 3, PerReleaseErrors: []string{}}, nil
}

// Load env. vars, initialize DB hook, and tests API
func TestMain(m *testing.M) {
	godotenv.Overload("../.env.test")
	cfg, err := db.LoadEnvironmentVariables()
	if err != nil {
		log.Fatal(err)
	}
	database = db.InitMemDatabase(cfg)
	notifier = &mockNotifier{tokens: make(map[string]string)}
	sweeps = &mockSweeper{}
	credentials := auth.Credentials{
		Username: os.Getenv("ADMIN_USERNAME"),
		Password: os.Getenv("ADMIN_PASSWORD"),
	}
	api = &API{
		Database:           database,
		Lifecycle:          &models.Lifecycle{Store: database, Notifier: notifier},
		Authenticator:      auth.NewAuthenticator(credentials, database),
		Sweeper:            sweeps,
		Identity:           HeaderIdentity{Key: os.Getenv("IDENTITY_KEY")},
		SweepSecret:        os.Getenv("SWEEP_SECRET"),
		TrustForwardHeader: true,
		AllowedOrigins:     []string{"foo.example.com", "bar.example.com"},
	}
	mux := http.NewServeMux()
	server = httptest.NewServer(api.RegisterHandlers(mux))
	code := m.Run()
	server.Close()
	os.Exit(code)
}

func teardown() {
	api.Database.ClearTables()
}

type apiResponse struct {
	StatusCode int             `json:"status_code"`
	Message    string          `json:"message"`
	Response   json.RawMessage `json:"response"`
}

// testRequest sends body as JSON, or without a body if it is nil.
func testRequest(t *testing.T, method string, path string, body interface{}, header http.Header) (apiResponse, *http.Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := ioutil.ReadAll(resp.Body)
	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("couldn't decode response %q: %v", raw, err)
	}
	if decoded.StatusCode != resp.StatusCode {
		t.Errorf("envelope status %d differs from HTTP status %d", decoded.StatusCode, resp.StatusCode)
	}
	return decoded, resp
}

func fromClient(addr string) http.Header {
	return http.Header{"X-Forwarded-For": {addr}}
}

func login(t *testing.T, client string) *http.Cookie {
	t.Helper()
	body := map[string]string{"username": os.Getenv("ADMIN_USERNAME"), "password": os.Getenv("ADMIN_PASSWORD")}
	resp, httpResp := testRequest(t, "POST", "/auth/login", body, fromClient(client))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed with %d: %s", resp.StatusCode, resp.Message)
	}
	for _, cookie := range httpResp.Cookies() {
		if cookie.Name == SessionCookie {
			return cookie
		}
	}
	t.Fatal("login didn't set a session cookie")
	return nil
}

func withCookie(header http.Header, cookie *http.Cookie) http.Header {
	if header == nil {
		header = http.Header{}
	}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)
	return header
}

func TestPing(t *testing.T) {
	resp, err := http.Get(server.URL + "/api/ping")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ping returned %d", resp.StatusCode)
	}
}

func TestLoginSessionLogout(t *testing.T) {
	defer teardown()
	cookie := login(t, "198.51.100.1")
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteStrictMode {
		t.Errorf("session cookie should be HttpOnly and SameSite=Strict, got %+v", cookie)
	}

	resp, _ := testRequest(t, "GET", "/auth/session", nil, withCookie(nil, cookie))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session lookup returned %d", resp.StatusCode)
	}
	var session struct {
		ExpiresAt string `json:"expiresAt"`
	}
	json.Unmarshal(resp.Response, &session)
	if session.ExpiresAt == "" {
		t.Error("session response should carry expiresAt")
	}

	bearer := http.Header{"Authorization": {"Bearer " + cookie.Value}}
	if resp, _ := testRequest(t, "GET", "/auth/session", nil, bearer); resp.StatusCode != http.StatusOK {
		t.Errorf("bearer token should be accepted, got %d", resp.StatusCode)
	}

	testRequest(t, "POST", "/auth/logout", nil, withCookie(nil, cookie))
	if resp, _ := testRequest(t, "GET", "/auth/session", nil, withCookie(nil, cookie)); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("session should be gone after logout, got %d", resp.StatusCode)
	}
}

func TestLoginRequiresFields(t *testing.T) {
	defer teardown()
	resp, _ := testRequest(t, "POST", "/auth/login", map[string]string{"username": "admin"}, fromClient("198.51.100.2"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing password should be rejected with 400, got %d", resp.StatusCode)
	}
	if _, ok, _ := database.GetAttempts(context.Background(), "198.51.100.2", time.Now()); ok {
		t.Error("a rejected request shouldn't count as an attempt")
	}
}

func TestLoginForm(t *testing.T) {
	defer teardown()
	data := url.Values{}
	data.Set("username", os.Getenv("ADMIN_USERNAME"))
	data.Set("password", os.Getenv("ADMIN_PASSWORD"))
	req, err := http.NewRequest("POST", server.URL+"/auth/login", strings.NewReader(data.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", "198.51.100.3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("form login returned %d", resp.StatusCode)
	}
}

func TestLoginLockout(t *testing.T) {
	defer teardown()
	client := fromClient("198.51.100.4")
	wrong := map[string]string{"username": os.Getenv("ADMIN_USERNAME"), "password": "wrong"}
	for want := 4; want >= 0; want-- {
		resp, _ := testRequest(t, "POST", "/auth/login", wrong, client)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("failed login returned %d, want 401", resp.StatusCode)
		}
		var body struct {
			Error             string `json:"error"`
			RemainingAttempts int    `json:"remainingAttempts"`
		}
		json.Unmarshal(resp.Response, &body)
		if body.RemainingAttempts != want {
			t.Errorf("remainingAttempts = %d, want %d", body.RemainingAttempts, want)
		}
	}

	right := map[string]string{"username": os.Getenv("ADMIN_USERNAME"), "password": os.Getenv("ADMIN_PASSWORD")}
	resp, httpResp := testRequest(t, "POST", "/auth/login", right, client)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("locked client should get 429 even with the right password, got %d", resp.StatusCode)
	}
	if got := httpResp.Header.Get("Retry-After"); got != "900" {
		t.Errorf("Retry-After = %q, want 900", got)
	}
	var body struct {
		Error             string `json:"error"`
		RetryAfterSeconds int    `json:"retryAfterSeconds"`
	}
	json.Unmarshal(resp.Response, &body)
	if body.Error != "locked" || body.RetryAfterSeconds != 900 {
		t.Errorf("unexpected lockout body %+v", body)
	}

	// Other clients are unaffected.
	login(t, "198.51.100.5")
}

func TestForwardedForUsesLastHop(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.9:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.9")
	if got := (&API{}).clientID(r); got != "10.0.0.9" {
		t.Errorf("untrusted forward header should be ignored, got %s", got)
	}
	if got := (&API{TrustForwardHeader: true}).clientID(r); got != "198.51.100.9" {
		t.Errorf("clientID = %s, want the last hop", got)
	}
}

func subscribe(t *testing.T, email string) string {
	t.Helper()
	resp, _ := testRequest(t, "POST", "/subscriptions", map[string]string{"email": email}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subscribe returned %d: %s", resp.StatusCode, resp.Message)
	}
	token := notifier.token(models.CanonicalEmail(email))
	if token == "" {
		t.Fatal("no verification email was sent")
	}
	return token
}

func query(email string, token string) string {
	return url.Values{"email": {email}, "token": {token}}.Encode()
}

func TestSubscriptionLifecycle(t *testing.T) {
	defer teardown()
	token := subscribe(t, "Reader@Example.com")
	if resp, _ := testRequest(t, "POST", "/subscriptions", map[string]string{"email": "not-an-address"}, nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid email should give 400, got %d", resp.StatusCode)
	}

	resp, _ := testRequest(t, "GET", "/subscriptions/verify?"+query("reader@example.com", "wrong"), nil, nil)
	if resp.StatusCode != http.StatusForbidden || resp.Message != models.ErrInvalidOrExpired.Error() {
		t.Errorf("wrong token should give 403 %q, got %d %q", models.ErrInvalidOrExpired, resp.StatusCode, resp.Message)
	}
	resp, _ = testRequest(t, "GET", "/subscriptions/verify?"+query("reader@example.com", token), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify returned %d: %s", resp.StatusCode, resp.Message)
	}
	var sub models.Subscription
	json.Unmarshal(resp.Response, &sub)
	if !sub.IsVerified || !sub.IsActive {
		t.Errorf("subscription should be active and verified, got %+v", sub)
	}
	if strings.Contains(string(resp.Response), token) {
		t.Error("responses must not echo the token")
	}
	resp, _ = testRequest(t, "GET", "/subscriptions/verify?"+query("reader@example.com", token), nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("a token can only be redeemed once, got %d", resp.StatusCode)
	}

	testRequest(t, "POST", "/subscriptions/management-link", map[string]string{"email": "reader@example.com"}, nil)
	manage := notifier.token("reader@example.com")
	if manage == "" || manage == token {
		t.Fatal("management link should carry a fresh token")
	}
	resp, _ = testRequest(t, "GET", "/subscriptions?"+query("reader@example.com", manage), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("fetch by token returned %d", resp.StatusCode)
	}

	filters := map[string]interface{}{
		"email": "reader@example.com", "token": manage, "receiveAll": false, "tags": []string{"privacy", " privacy", "surveillance"},
	}
	resp, _ = testRequest(t, "POST", "/subscriptions/filters", filters, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filters returned %d: %s", resp.StatusCode, resp.Message)
	}
	json.Unmarshal(resp.Response, &sub)
	if sub.ReceiveAll || len(sub.SubscribedTags) != 2 {
		t.Errorf("unexpected filters %+v", sub)
	}

	resp, _ = testRequest(t, "POST", "/subscriptions/unsubscribe", map[string]string{"email": "reader@example.com", "token": manage}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unsubscribe returned %d: %s", resp.StatusCode, resp.Message)
	}
	stored, err := database.GetSubscription(context.Background(), "reader@example.com")
	if err != nil || stored.IsActive {
		t.Errorf("subscription should be inactive, got %+v (%v)", stored, err)
	}
}

func TestManagementLinkIsGeneric(t *testing.T) {
	defer teardown()
	subscribe(t, "known@example.com")
	known, _ := testRequest(t, "POST", "/subscriptions/management-link", map[string]string{"email": "known@example.com"}, nil)
	unknown, _ := testRequest(t, "POST", "/subscriptions/management-link", map[string]string{"email": "unknown@example.com"}, nil)
	if known.StatusCode != http.StatusOK || unknown.StatusCode != http.StatusOK {
		t.Errorf("management link should always succeed, got %d and %d", known.StatusCode, unknown.StatusCode)
	}
	if string(known.Response) != string(unknown.Response) || known.Message != unknown.Message {
		t.Error("responses for known and unknown addresses should be identical")
	}
	if notifier.token("unknown@example.com") != "" {
		t.Error("no email should go to an unknown address")
	}
}

func TestFiltersValidation(t *testing.T) {
	defer teardown()
	token := subscribe(t, "filters@example.com")
	manyTags := make([]string, maxTags+1)
	for i := range manyTags {
		manyTags[i] = fmt.Sprintf("tag%d", i)
	}
	cases := []struct {
		body map[string]interface{}
		want int
	}{
		{map[string]interface{}{"email": "filters@example.com", "token": token}, http.StatusBadRequest},
		{map[string]interface{}{"email": "filters@example.com", "token": token, "receiveAll": false, "tags": manyTags}, http.StatusBadRequest},
		{map[string]interface{}{"email": "filters@example.com", "token": token, "receiveAll": false, "tags": []string{strings.Repeat("x", maxTagLength+1)}}, http.StatusBadRequest},
		{map[string]interface{}{"email": "filters@example.com", "token": "wrong", "receiveAll": true}, http.StatusForbidden},
		{map[string]interface{}{"email": "nobody@example.com", "token": token, "receiveAll": true}, http.StatusForbidden},
		{map[string]interface{}{"email": "filters@example.com", "token": token, "receiveAll": true, "tags": []string{"ignored"}}, http.StatusOK},
	}
	for _, tc := range cases {
		resp, _ := testRequest(t, "POST", "/subscriptions/filters", tc.body, nil)
		if resp.StatusCode != tc.want {
			t.Errorf("filters %v returned %d, want %d (%s)", tc.body, resp.StatusCode, tc.want, resp.Message)
		}
	}
}

func TestUnsubscribeRequiresAuthorization(t *testing.T) {
	defer teardown()
	subscribe(t, "victim@example.com")
	resp, _ := testRequest(t, "POST", "/subscriptions/unsubscribe", map[string]string{"email": "victim@example.com"}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("unsubscribe without token should give 403, got %d", resp.StatusCode)
	}
	stored, _ := database.GetSubscription(context.Background(), "victim@example.com")
	if !stored.IsActive {
		t.Error("subscription should still be active")
	}
}

func TestUnsubscribeWithLinkedIdentity(t *testing.T) {
	defer teardown()
	subscribe(t, "member@example.com")
	identity := uuid.New()
	cookie := login(t, "198.51.100.6")

	claim := map[string]string{"email": "member@example.com", "identity": identity.String()}
	if resp, _ := testRequest(t, "POST", "/admin/subscriptions/claim", claim, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("claim without a session should give 401, got %d", resp.StatusCode)
	}
	if resp, _ := testRequest(t, "POST", "/admin/subscriptions/claim", claim, withCookie(nil, cookie)); resp.StatusCode != http.StatusOK {
		t.Fatalf("claim returned %d: %s", resp.StatusCode, resp.Message)
	}

	body := map[string]string{"email": "member@example.com"}
	forged := http.Header{IdentityHeader: {identity.String()}, IdentityKeyHeader: {"guess"}}
	if resp, _ := testRequest(t, "POST", "/subscriptions/unsubscribe", body, forged); resp.StatusCode != http.StatusForbidden {
		t.Errorf("identity without the right key should give 403, got %d", resp.StatusCode)
	}
	other := http.Header{IdentityHeader: {uuid.New().String()}, IdentityKeyHeader: {os.Getenv("IDENTITY_KEY")}}
	if resp, _ := testRequest(t, "POST", "/subscriptions/unsubscribe", body, other); resp.StatusCode != http.StatusForbidden {
		t.Errorf("another identity should give 403, got %d", resp.StatusCode)
	}
	linked := http.Header{IdentityHeader: {identity.String()}, IdentityKeyHeader: {os.Getenv("IDENTITY_KEY")}}
	if resp, _ := testRequest(t, "POST", "/subscriptions/unsubscribe", body, linked); resp.StatusCode != http.StatusOK {
		t.Errorf("linked identity should be able to unsubscribe, got %d: %s", resp.StatusCode, resp.Message)
	}
}

func TestBroadcast(t *testing.T) {
	defer teardown()
	for _, email := range []string{"all@example.com", "tagged@example.com", "pending@example.com"} {
		token := subscribe(t, email)
		if email != "pending@example.com" {
			testRequest(t, "GET", "/subscriptions/verify?"+query(email, token), nil, nil)
		}
	}
	testRequest(t, "POST", "/subscriptions/management-link", map[string]string{"email": "tagged@example.com"}, nil)
	testRequest(t, "POST", "/subscriptions/filters", map[string]interface{}{
		"email": "tagged@example.com", "token": notifier.token("tagged@example.com"), "receiveAll": false, "tags": []string{"privacy"},
	}, nil)

	cookie := login(t, "198.51.100.7")
	cases := map[string][]string{
		"":        {"all@example.com", "tagged@example.com"},
		"privacy": {"all@example.com", "tagged@example.com"},
		"courts":  {"all@example.com"},
	}
	for tags, want := range cases {
		resp, _ := testRequest(t, "GET", "/admin/subscriptions/broadcast?tags="+tags, nil, withCookie(nil, cookie))
		var emails []string
		json.Unmarshal(resp.Response, &emails)
		if strings.Join(emails, ",") != strings.Join(want, ",") {
			t.Errorf("broadcast to %q reaches %v, want %v", tags, emails, want)
		}
	}

	resp, _ := testRequest(t, "POST", "/admin/subscriptions/broadcast", map[string][]string{"emails": {"all@example.com"}}, withCookie(nil, cookie))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("marking broadcast returned %d", resp.StatusCode)
	}
	stored, _ := database.GetSubscription(context.Background(), "all@example.com")
	if stored.LastNotifiedAt == nil {
		t.Error("LastNotifiedAt should be set")
	}
}

func TestSweepAuthorization(t *testing.T) {
	defer teardown()
	before := sweeps.calls
	if resp, _ := testRequest(t, "POST", "/admin/sweep", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("sweep without secret should give 401, got %d", resp.StatusCode)
	}
	if resp, _ := testRequest(t, "POST", "/admin/sweep", nil, http.Header{SweepSecretHeader: {"nope"}}); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("sweep with wrong secret should give 401, got %d", resp.StatusCode)
	}
	if sweeps.calls != before {
		t.Error("unauthorized requests must not sweep")
	}

	resp, _ := testRequest(t, "POST", "/admin/sweep", nil, http.Header{SweepSecretHeader: {os.Getenv("SWEEP_SECRET")}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sweep returned %d", resp.StatusCode)
	}
	var report sweeper.Report
	json.Unmarshal(resp.Response, &report)
	if report.DeletedCount != 2 || report.BlobsDeleted != 3 {
		t.Errorf("unexpected report %+v", report)
	}
	sweeps.mu.Lock()
	if sweeps.cancellable {
		t.Error("a sweep must not be tied to the request lifetime")
	}
	sweeps.mu.Unlock()

	cookie := login(t, "198.51.100.8")
	if resp, _ := testRequest(t, "POST", "/admin/sweep", nil, withCookie(nil, cookie)); resp.StatusCode != http.StatusOK {
		t.Errorf("admin session should be able to sweep, got %d", resp.StatusCode)
	}

	sweeps.mu.Lock()
	sweeps.err = sweeper.ErrSweepInProgress
	sweeps.mu.Unlock()
	defer func() { sweeps.err = nil }()
	if resp, _ := testRequest(t, "POST", "/admin/sweep", nil, withCookie(nil, cookie)); resp.StatusCode != http.StatusConflict {
		t.Errorf("overlapping sweep should give 409, got %d", resp.StatusCode)
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	resp := errorResponse(errors.New("pq: password authentication failed"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	rec := httptest.NewRecorder()
	api.wrapper(func(*http.Request) response { return resp })(rec, httptest.NewRequest("GET", "/", nil))
	if strings.Contains(rec.Body.String(), "pq:") {
		t.Error("internal error details should not reach the client")
	}
}

const bounceNotification = `{
	"Type": "Notification",
	"Timestamp": "2019-07-21T18:47:13.498Z",
	"Message": "{\"notificationType\":\"Bounce\",\"bounce\":{\"bounceType\":\"Permanent\",\"bouncedRecipients\":[{\"emailAddress\":\"Bounced@example.com\"}]}}"
}`

func TestSESNotification(t *testing.T) {
	defer teardown()
	post := func(key string, body string) int {
		resp, err := http.Post(server.URL+"/sns?amazon_authorize_key="+key, "text/plain", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode
	}
	if code := post("wrong", bounceNotification); code != http.StatusUnauthorized {
		t.Errorf("wrong key should give 401, got %d", code)
	}
	if code := post(os.Getenv("AMAZON_AUTHORIZE_KEY"), "{"); code != http.StatusBadRequest {
		t.Errorf("malformed body should give 400, got %d", code)
	}
	if code := post(os.Getenv("AMAZON_AUTHORIZE_KEY"), bounceNotification); code != http.StatusOK {
		t.Fatalf("notification returned %d", code)
	}
	if blacklisted, _ := database.IsBlacklistedEmail("bounced@example.com"); !blacklisted {
		t.Error("bounced address should be blacklisted")
	}
}

func TestPanicRecovery(t *testing.T) {
	panicServer := httptest.NewServer(recoveryHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("oh no")
	})))
	defer panicServer.Close()

	resp, err := http.Get(panicServer.URL)
	if err != nil {
		t.Fatalf("Request to panic endpoint failed: %s\n", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected server to respond with 500, got %d", resp.StatusCode)
	}
}

func TestAllowedOrigins(t *testing.T) {
	get := func(origin string) *http.Response {
		req, err := http.NewRequest("GET", server.URL+"/api/ping", nil)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}
	corsHeader := get("foo.example.com").Header["Access-Control-Allow-Origin"]
	if len(corsHeader) != 1 || corsHeader[0] != "foo.example.com" {
		t.Error("Expected CORS header to be set for allowed domain")
	}
	if get("baz.example.com").Header["Access-Control-Allow-Origin"] != nil {
		t.Error("Expected CORS header not to be set for disallowed domain")
	}
}
