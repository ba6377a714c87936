package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/gitbrew/gitbrew/internal/middleware"
	"github.com/gitbrew/gitbrew/internal/model"
	"github.com/gitbrew/gitbrew/internal/terminal"
)

const testWebhookSecret = "test-webhook-secret"

type appliedActivity struct {
	login      string
	externalID string
	occurredAt time.Time
}

type stubLedger struct {
	applied   []appliedActivity
	applyErr  error
	installed []string
}

func (s *stubLedger) Apply(ctx context.Context, login, externalID string, occurredAt time.Time) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, appliedActivity{login, externalID, occurredAt})
	return nil
}

func (s *stubLedger) MarkInstalled(ctx context.Context, login string) error {
	s.installed = append(s.installed, login)
	return nil
}

type stubProcessor struct {
	calls int
	err   error
}

func (s *stubProcessor) ProcessPendingOrders(ctx context.Context) error {
	s.calls++
	return s.err
}

type stubOAuth struct {
	exchangeResp *terminal.TokenResponse
	exchangeErr  error
	exchanged    []string
}

func (s *stubOAuth) AuthorizeURL(state, scope string) string {
	return "https://auth.terminal.example/authorize?state=" + state
}

func (s *stubOAuth) ExchangeCode(ctx context.Context, code string) (*terminal.TokenResponse, error) {
	s.exchanged = append(s.exchanged, code)
	return s.exchangeResp, s.exchangeErr
}

type stubUsers struct {
	user    *model.User
	userErr error

	upserted  []*model.TokenRecord
	statusSet map[string]int
}

func (s *stubUsers) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return s.user, s.userErr
}

func (s *stubUsers) UpsertTokenRecord(ctx context.Context, rec *model.TokenRecord) error {
	s.upserted = append(s.upserted, rec)
	return nil
}

func (s *stubUsers) SetOnboardingStatus(ctx context.Context, userID string, status int) error {
	if s.statusSet == nil {
		s.statusSet = map[string]int{}
	}
	s.statusSet[userID] = status
	return nil
}

type testDeps struct {
	ledger    *stubLedger
	processor *stubProcessor
	oauth     *stubOAuth
	users     *stubUsers
	auth      *middleware.AuthMiddleware
}

func newTestHandler(t *testing.T, webhookSecret string) (*Handler, *testDeps) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	deps := &testDeps{
		ledger:    &stubLedger{},
		processor: &stubProcessor{},
		oauth:     &stubOAuth{},
		users:     &stubUsers{},
		auth:      middleware.NewAuthMiddleware("test-secret"),
	}

	h := NewHandler(deps.ledger, deps.processor, deps.oauth, deps.users,
		logger, deps.auth, webhookSecret, "test-cron-secret", 14)

	return h, deps
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(event string, body []byte, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/github-webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	return req
}

func pushBody(t *testing.T) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]interface{}{
		"ref": "refs/heads/main",
		"commits": []map[string]interface{}{
			{
				"id":        "sha-1",
				"message":   "fix streak counter",
				"timestamp": "2025-03-01T10:00:00Z",
				"author":    map[string]string{"username": "octocat"},
			},
			{
				"id":        "sha-2",
				"message":   "add tests",
				"timestamp": "2025-03-01T11:00:00Z",
				"author":    map[string]string{"username": "octocat"},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal push body: %v", err)
	}
	return body
}

func TestGithubWebhook_PushProcessed(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)

	body := pushBody(t)
	rec := httptest.NewRecorder()

	h.GithubWebhook(rec, webhookRequest("push", body, sign(body, testWebhookSecret)))

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	if len(deps.ledger.applied) != 2 {
		t.Fatalf("applied events = %d, want 2", len(deps.ledger.applied))
	}
	first := deps.ledger.applied[0]
	if first.login != "octocat" || first.externalID != "sha-1" {
		t.Fatalf("unexpected first activity: %+v", first)
	}
	wantTime := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if !first.occurredAt.Equal(wantTime) {
		t.Fatalf("occurredAt = %v, want %v", first.occurredAt, wantTime)
	}
}

func TestGithubWebhook_TamperedSignatureRejected(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)

	body := pushBody(t)
	rec := httptest.NewRecorder()

	h.GithubWebhook(rec, webhookRequest("push", body, sign(body, "wrong-secret")))

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if len(deps.ledger.applied) != 0 {
		t.Fatalf("state mutated despite an invalid signature")
	}
}

func TestGithubWebhook_MissingSignatureRejected(t *testing.T) {
	h, _ := newTestHandler(t, testWebhookSecret)

	rec := httptest.NewRecorder()
	h.GithubWebhook(rec, webhookRequest("push", pushBody(t), ""))

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGithubWebhook_SecretNotConfigured(t *testing.T) {
	h, _ := newTestHandler(t, "")

	body := pushBody(t)
	rec := httptest.NewRecorder()

	h.GithubWebhook(rec, webhookRequest("push", body, sign(body, testWebhookSecret)))

	if rec.Result().StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusInternalServerError)
	}
}

func TestGithubWebhook_MalformedJSONRejected(t *testing.T) {
	h, _ := newTestHandler(t, testWebhookSecret)

	body := []byte("{not json")
	rec := httptest.NewRecorder()

	h.GithubWebhook(rec, webhookRequest("push", body, sign(body, testWebhookSecret)))

	if rec.Result().StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestGithubWebhook_UnknownEventAccepted(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)

	body := []byte(`{"zen":"Keep it logically awesome."}`)
	rec := httptest.NewRecorder()

	h.GithubWebhook(rec, webhookRequest("ping", body, sign(body, testWebhookSecret)))

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if len(deps.ledger.applied) != 0 || len(deps.ledger.installed) != 0 {
		t.Fatalf("unknown event produced side effects")
	}
}

func TestGithubWebhook_InstallationMarksUser(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)

	body := []byte(`{"action":"created","sender":{"login":"octocat"}}`)
	rec := httptest.NewRecorder()

	h.GithubWebhook(rec, webhookRequest("installation", body, sign(body, testWebhookSecret)))

	if rec.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusOK)
	}
	if len(deps.ledger.installed) != 1 || deps.ledger.installed[0] != "octocat" {
		t.Fatalf("installation not recorded: %v", deps.ledger.installed)
	}
}

func TestProcessOrders_RequiresBearerToken(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "no header", header: "", want: http.StatusUnauthorized},
		{name: "wrong token", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic dXNlcg==", want: http.StatusUnauthorized},
		{name: "valid token", header: "Bearer test-cron-secret", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/cron/process-orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			h.ProcessOrders(rec, req)

			if rec.Result().StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", rec.Result().StatusCode, tt.want)
			}
		})
	}

	if deps.processor.calls != 1 {
		t.Fatalf("processor calls = %d, want 1", deps.processor.calls)
	}
}

func TestProcessOrders_FailureHidesDetails(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)
	deps.processor.err = context.DeadlineExceeded

	req := httptest.NewRequest(http.MethodGet, "/api/cron/process-orders", nil)
	req.Header.Set("Authorization", "Bearer test-cron-secret")
	rec := httptest.NewRecorder()

	h.ProcessOrders(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}

	var body map[string]string
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "cron job failed" {
		t.Fatalf("error body = %q, internal detail leaked", body["error"])
	}
}

func TestTerminalAuthorize_SetsStateCookieAndRedirects(t *testing.T) {
	h, _ := newTestHandler(t, testWebhookSecret)

	req := httptest.NewRequest(http.MethodGet, "/api/oauth/terminal", nil)
	rec := httptest.NewRecorder()

	h.TerminalAuthorize(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusTemporaryRedirect)
	}

	var state string
	for _, c := range res.Cookies() {
		if c.Name == "terminal_oauth_state" {
			state = c.Value
			if !c.HttpOnly {
				t.Fatalf("state cookie is not httpOnly")
			}
		}
	}
	if state == "" {
		t.Fatalf("state cookie not set")
	}

	location := res.Header.Get("Location")
	if location != "https://auth.terminal.example/authorize?state="+state {
		t.Fatalf("redirect location = %s does not carry the state", location)
	}
}

func authorizedRequest(t *testing.T, auth *middleware.AuthMiddleware, method, target string) *http.Request {
	t.Helper()

	w := httptest.NewRecorder()
	auth.SetAuthCookie(w, "user-1")
	cookies := w.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatalf("no auth cookie issued")
	}

	req := httptest.NewRequest(method, target, nil)
	req.AddCookie(cookies[0])
	return req
}

func callbackViaMiddleware(h *Handler, auth *middleware.AuthMiddleware, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	auth.Middleware(http.HandlerFunc(h.TerminalCallback)).ServeHTTP(rec, req)
	return rec
}

func TestTerminalCallback_StateMismatch(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)

	req := authorizedRequest(t, deps.auth, http.MethodGet, "/api/terminal-redirect?code=abc&state=from-url")
	req.AddCookie(&http.Cookie{Name: "terminal_oauth_state", Value: "from-cookie"})

	rec := callbackViaMiddleware(h, deps.auth, req)

	res := rec.Result()
	if res.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := res.Header.Get("Location"); loc != "/onboarding/2?error=state_mismatch" {
		t.Fatalf("redirect = %s, want state_mismatch error", loc)
	}
	if len(deps.oauth.exchanged) != 0 {
		t.Fatalf("code exchanged despite state mismatch")
	}
}

func TestTerminalCallback_Success(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)
	deps.oauth.exchangeResp = &terminal.TokenResponse{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresIn:    86400,
	}

	req := authorizedRequest(t, deps.auth, http.MethodGet, "/api/terminal-redirect?code=auth-code&state=st-1")
	req.AddCookie(&http.Cookie{Name: "terminal_oauth_state", Value: "st-1"})

	rec := callbackViaMiddleware(h, deps.auth, req)

	res := rec.Result()
	if res.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := res.Header.Get("Location"); loc != "/" {
		t.Fatalf("redirect = %s, want /", loc)
	}

	if len(deps.users.upserted) != 1 {
		t.Fatalf("token record not persisted")
	}
	stored := deps.users.upserted[0]
	if stored.UserID != "user-1" || stored.AccessToken != "access" || stored.RefreshToken != "refresh" {
		t.Fatalf("unexpected token record: %+v", stored)
	}
	if deps.users.statusSet["user-1"] != model.OnboardingStatusLinked {
		t.Fatalf("onboarding status not updated")
	}
}

func TestGetUser_ReturnsStreakStatus(t *testing.T) {
	h, deps := newTestHandler(t, testWebhookSecret)

	last := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	deps.users.user = &model.User{
		ID:               "user-1",
		CurrentStreak:    5,
		LongestStreak:    9,
		LastActivityDate: &last,
	}

	req := authorizedRequest(t, deps.auth, http.MethodGet, "/api/user")
	rec := httptest.NewRecorder()
	deps.auth.Middleware(http.HandlerFunc(h.GetUser)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var body userResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.CurrentStreak != 5 || body.LongestStreak != 9 {
		t.Fatalf("unexpected streaks: %+v", body)
	}
	if body.LastActivityDate != "2025-03-01" {
		t.Fatalf("lastActivityDate = %s, want 2025-03-01", body.LastActivityDate)
	}
	if body.DaysLeft != 9 {
		t.Fatalf("daysLeft = %d, want 9", body.DaysLeft)
	}
}
