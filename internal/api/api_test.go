package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/flowoff/flowcloser/internal/messaging"
	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/twiliowhatsapp"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// signBody returns the X-Hub-Signature-256 value Meta would send for body.
func signBody(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type askCall struct {
	message string
	opts    agent.AskOptions
}

type fakeAgent struct {
	reply string
	err   error
	calls []askCall
}

func (f *fakeAgent) Ask(ctx context.Context, message string, opts agent.AskOptions) (string, error) {
	f.calls = append(f.calls, askCall{message: message, opts: opts})
	return f.reply, f.err
}

type fakeLeads struct {
	leads       []models.LeadRecord
	metrics     models.LeadMetrics
	listErr     error
	lastFilters models.LeadFilters
	deleted     []string
}

func (f *fakeLeads) List(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error) {
	f.lastFilters = filters
	return f.leads, len(f.leads), f.listErr
}

func (f *fakeLeads) Metrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error) {
	return f.metrics, nil
}

func (f *fakeLeads) DeleteUser(ctx context.Context, userPlatformID string) (int, error) {
	f.deleted = append(f.deleted, userPlatformID)
	return 2, nil
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []models.InboundMessage
}

func (f *fakeRelay) Submit(msg models.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeRelay) submitted() []models.InboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InboundMessage(nil), f.msgs...)
}

type testServer struct {
	handler http.Handler
	agent   *fakeAgent
	leads   *fakeLeads
	relay   *fakeRelay
}

func newTestServer(opts ...Option) *testServer {
	ts := &testServer{
		agent: &fakeAgent{reply: "Olá! Como posso ajudar?"},
		leads: &fakeLeads{},
		relay: &fakeRelay{},
	}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	ts.handler = NewServer(ts.agent, ts.leads, ts.relay, opts...).Router()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode body %q: %v", rr.Body.String(), err)
	}
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]string
	decodeBody(t, rr, &body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
	if body["timestamp"] != "2025-03-10T12:00:00Z" {
		t.Errorf("timestamp = %q", body["timestamp"])
	}
}

func TestAgentsHandler(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	var body struct {
		Agents []string `json:"agents"`
		Status string   `json:"status"`
	}
	decodeBody(t, rr, &body)
	if len(body.Agents) != 1 || body.Agents[0] != "flowcloser" || body.Status != "ok" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestMessageHandler_GeneratesSession(t *testing.T) {
	ts := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/agents/flowcloser/message",
		strings.NewReader(`{"message":"quero um site","context":{"name":"Ana"}}`))
	req.Header.Set("Content-Type", "application/json")
	rr := ts.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body messageResponse
	decodeBody(t, rr, &body)
	if body.Response != ts.agent.reply {
		t.Errorf("response = %q", body.Response)
	}
	if !strings.HasPrefix(body.SessionID, "session_") {
		t.Errorf("sessionId = %q, want generated session_ id", body.SessionID)
	}
	if len(ts.agent.calls) != 1 {
		t.Fatalf("expected 1 agent call, got %d", len(ts.agent.calls))
	}
	call := ts.agent.calls[0]
	if call.opts.Channel != "api" || call.opts.UserID != body.SessionID {
		t.Errorf("unexpected ask options: %+v", call.opts)
	}
	if call.opts.Context["name"] != "Ana" {
		t.Errorf("context not forwarded: %+v", call.opts.Context)
	}
}

func TestMessageHandler_KeepsCallerIdentity(t *testing.T) {
	ts := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/agents/flowcloser/message",
		strings.NewReader(`{"message":"oi","sessionId":"s1","channel":"whatsapp","userId":"u1"}`))
	rr := ts.do(req)
	var body messageResponse
	decodeBody(t, rr, &body)
	if body.SessionID != "s1" {
		t.Errorf("sessionId = %q, want s1", body.SessionID)
	}
	if opts := ts.agent.calls[0].opts; opts.Channel != "whatsapp" || opts.UserID != "u1" {
		t.Errorf("unexpected ask options: %+v", opts)
	}
}

func TestMessageHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		agentErr error
		status   int
		code     models.ErrorCode
	}{
		{"missing message", `{"sessionId":"s1"}`, nil, http.StatusBadRequest, models.ErrorCodeValidation},
		{"blank message", `{"message":"   "}`, nil, http.StatusBadRequest, models.ErrorCodeValidation},
		{"invalid json", `{`, nil, http.StatusBadRequest, models.ErrorCodeValidation},
		{"both models failed", `{"message":"oi"}`, &agent.FallbackError{Primary: errors.New("a"), Fallback: errors.New("b")}, http.StatusBadGateway, models.ErrorCodeExternalAPI},
		{"unexpected error", `{"message":"oi"}`, errors.New("boom"), http.StatusInternalServerError, models.ErrorCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.agent.err = tt.agentErr
			rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/agents/flowcloser/message", strings.NewReader(tt.body)))
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rr.Code)
			}
			var resp models.APIResponse
			decodeBody(t, rr, &resp)
			if resp.Status != "error" || resp.Code != string(tt.code) {
				t.Errorf("unexpected envelope: %+v", resp)
			}
			if strings.Contains(rr.Body.String(), "boom") {
				t.Error("internal error cause leaked into response")
			}
		})
	}
}

func TestVerifyWebhookHandler(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		status int
		body   string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=flowcloser_webhook_neo&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", http.StatusForbidden, "Forbidden"},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=flowcloser_webhook_neo&hub.challenge=12345", http.StatusForbidden, "Forbidden"},
		{"missing", "", http.StatusForbidden, "Forbidden"},
	}
	ts := newTestServer()
	for _, path := range []string{"/api/webhooks/instagram", "/api/webhooks/whatsapp"} {
		for _, tt := range tests {
			t.Run(path+"/"+tt.name, func(t *testing.T) {
				rr := ts.do(httptest.NewRequest(http.MethodGet, path+"?"+tt.query, nil))
				if rr.Code != tt.status || rr.Body.String() != tt.body {
					t.Errorf("got %d %q, want %d %q", rr.Code, rr.Body.String(), tt.status, tt.body)
				}
			})
		}
	}
}

func TestVerifyWebhookHandler_CustomToken(t *testing.T) {
	ts := newTestServer(WithVerifyToken("secret-token"))
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/webhooks/instagram?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=ok", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("got %d %q", rr.Code, rr.Body.String())
	}
}

const instagramPayload = `{
  "object": "instagram",
  "entry": [{
    "id": "page-entry",
    "time": 1741608000000,
    "messaging": [
      {"sender": {"id": "user-1"}, "recipient": {"id": "ig-page"}, "timestamp": 1741608000000, "message": {"mid": "m-1", "text": "Quero um site urgente"}},
      {"sender": {"id": "ig-page"}, "recipient": {"id": "user-1"}, "message": {"mid": "m-2", "text": "resposta", "is_echo": true}},
      {"sender": {"id": "user-2"}, "recipient": {"id": "ig-page"}, "read": {"mid": "m-1"}}
    ]
  }]
}`

func TestInstagramWebhook_SubmitsTextMessages(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/instagram", strings.NewReader(instagramPayload)))
	if rr.Code != http.StatusOK || rr.Body.String() != "EVENT_RECEIVED" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
	msgs := ts.relay.submitted()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 submitted message, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.MessageID != "m-1" || msg.SenderID != "user-1" || msg.PageID != "ig-page" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Platform != models.PlatformInstagram || msg.Provider != "meta" {
		t.Errorf("unexpected platform/provider: %s/%s", msg.Platform, msg.Provider)
	}
	if !msg.Time.Equal(time.UnixMilli(1741608000000)) {
		t.Errorf("time = %v", msg.Time)
	}
}

func TestInstagramWebhook_PageObjectIsMessenger(t *testing.T) {
	ts := newTestServer()
	payload := `{"object":"page","entry":[{"id":"fb-page","messaging":[{"sender":{"id":"u"},"message":{"mid":"x","text":"oi"}}]}]}`
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/instagram", strings.NewReader(payload)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	msgs := ts.relay.submitted()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Platform != models.PlatformMessenger || msgs[0].PageID != "fb-page" {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
	if !msgs[0].Time.Equal(testNow) {
		t.Errorf("time without timestamp should be now, got %v", msgs[0].Time)
	}
}

func TestWebhook_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown instagram object", "/api/webhooks/instagram", `{"object":"user","entry":[]}`, http.StatusNotFound},
		{"unknown whatsapp object", "/api/webhooks/whatsapp", `{"object":"instagram","entry":[]}`, http.StatusNotFound},
		{"invalid json", "/api/webhooks/instagram", `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			rr := ts.do(httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body)))
			if rr.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rr.Code)
			}
			if n := len(ts.relay.submitted()); n != 0 {
				t.Errorf("expected nothing submitted, got %d", n)
			}
		})
	}
}

func TestWebhook_Signature(t *testing.T) {
	const secret = "app-secret"
	body := []byte(instagramPayload)
	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid", signBody(secret, body), http.StatusOK},
		{"missing", "", http.StatusForbidden},
		{"wrong secret", signBody("other", body), http.StatusForbidden},
		{"no prefix", strings.TrimPrefix(signBody(secret, body), "sha256="), http.StatusForbidden},
		{"not hex", "sha256=zz", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(WithAppSecret(secret))
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/instagram", bytes.NewReader(body))
			if tt.header != "" {
				req.Header.Set(SignatureHeader, tt.header)
			}
			rr := ts.do(req)
			if rr.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rr.Code)
			}
		})
	}
}

func TestWebhook_ClientCertificate(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"meta cert", "X-Client-Certificate", "CN=client.webhooks.fbclientcerts.com,O=Meta", http.StatusOK},
		{"aws header", "X-Amzn-Mtls-Clientcert-Subject", "CN=client.webhooks.fbclientcerts.com", http.StatusOK},
		{"other cert", "X-Client-Certificate", "CN=evil.example.com", http.StatusForbidden},
		{"no header", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/instagram", strings.NewReader(instagramPayload))
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			if rr := ts.do(req); rr.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rr.Code)
			}
		})
	}
}

func TestWhatsAppWebhook_CloudMessages(t *testing.T) {
	payload := `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "waba",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "5511999999999", "phone_number_id": "phone-1"},
        "messages": [
          {"from": "5511988887777", "id": "wamid.1", "timestamp": "1741608000", "type": "text", "text": {"body": "preciso de um app"}},
          {"from": "5511988887777", "id": "wamid.2", "timestamp": "1741608001", "type": "image"}
        ]
      }
    }]
  }]
}`
	ts := newTestServer()
	rr := ts.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/whatsapp", strings.NewReader(payload)))
	if rr.Code != http.StatusOK || rr.Body.String() != "EVENT_RECEIVED" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
	msgs := ts.relay.submitted()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	want := models.InboundMessage{
		MessageID: "wamid.1",
		Platform:  models.PlatformWhatsApp,
		Provider:  "meta",
		SenderID:  "5511988887777",
		PageID:    "phone-1",
		Text:      "preciso de um app",
		Time:      time.Unix(1741608000, 0).UTC(),
	}
	if msgs[0] != want {
		t.Errorf("got %+v, want %+v", msgs[0], want)
	}
}

func TestWebhook_NilRelayStillAcknowledges(t *testing.T) {
	h := NewServer(&fakeAgent{}, &fakeLeads{}, nil).Router()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/webhooks/instagram", strings.NewReader(instagramPayload)))
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestTwilioWebhookMounted(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	ts := newTestServer(WithTwilioWebhook(svc.WebhookHandler))

	form := url.Values{"From": {"whatsapp:+5511988887777"}, "To": {"whatsapp:+14155238886"}, "Body": {"oi"}, "MessageSid": {"SM1"}}
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := ts.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	select {
	case msg := <-svc.Inbound():
		if msg.SenderID != "+5511988887777" || msg.Text != "oi" {
			t.Errorf("unexpected inbound: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no inbound message emitted")
	}

	bare := newTestServer()
	if rr := bare.do(httptest.NewRequest(http.MethodPost, "/api/webhooks/twilio", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 without twilio webhook, got %d", rr.Code)
	}
}

func TestLeadsHandler(t *testing.T) {
	ts := newTestServer(WithStorageName("sqlite+minio"))
	ts.leads.leads = []models.LeadRecord{{ID: "1", UserPlatformID: "u1", PageID: "p1", Score: 75, Qualified: true}}
	ts.leads.metrics = models.LeadMetrics{Total: 1, Qualified: 1, Today: 1}

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/leads?account_name=flowoff&platform=instagram&from=2025-03-01&to=2025-03-10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body leadsResponse
	decodeBody(t, rr, &body)
	if body.Count != 1 || len(body.Data) != 1 || body.Data[0].UserPlatformID != "u1" {
		t.Errorf("unexpected data: %+v", body)
	}
	if body.Metrics.Qualified != 1 || body.Storage != "sqlite+minio" {
		t.Errorf("unexpected metrics/storage: %+v %q", body.Metrics, body.Storage)
	}
	f := ts.leads.lastFilters
	if f.AccountName != "flowoff" || f.Platform != "instagram" || f.Limit != DefaultLeadsLimit {
		t.Errorf("unexpected filters: %+v", f)
	}
}

func TestLeadsHandler_EmptyDataIsArray(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/leads", nil))
	if !strings.Contains(rr.Body.String(), `"data":[]`) {
		t.Errorf("expected empty data array, got %s", rr.Body.String())
	}
}

func TestLeadsHandler_StoreError(t *testing.T) {
	ts := newTestServer()
	ts.leads.listErr = errors.New("disk gone")
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/api/leads", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestParseFilters(t *testing.T) {
	q := url.Values{
		"from":  {"2025-03-01"},
		"to":    {"2025-03-10"},
		"limit": {"25"},
	}
	f := parseFilters(q, DefaultLeadsLimit)
	if f.Limit != 25 {
		t.Errorf("limit = %d, want 25", f.Limit)
	}
	if want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC); f.From == nil || !f.From.Equal(want) {
		t.Errorf("from = %v, want %v", f.From, want)
	}
	if want := time.Date(2025, 3, 10, 23, 59, 59, 999999999, time.UTC); f.To == nil || !f.To.Equal(want) {
		t.Errorf("to = %v, want end of day %v", f.To, want)
	}

	f = parseFilters(url.Values{"limit": {"abc"}, "from": {"yesterday"}, "to": {"2025-03-10T15:00:00Z"}}, DefaultDashboardLimit)
	if f.Limit != DefaultDashboardLimit {
		t.Errorf("invalid limit should fall back to default, got %d", f.Limit)
	}
	if f.From != nil {
		t.Errorf("unparseable from should be ignored, got %v", f.From)
	}
	if want := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC); f.To == nil || !f.To.Equal(want) {
		t.Errorf("to = %v, want %v", f.To, want)
	}
}

func TestDashboardHandler_EscapesLeadFields(t *testing.T) {
	ts := newTestServer()
	ts.leads.leads = []models.LeadRecord{{Name: "<script>alert(1)</script>", Company: "ACME & Co", Score: 80, Qualified: true, CreatedAt: testNow}}
	ts.leads.metrics = models.LeadMetrics{Total: 1, Qualified: 1}

	rr := ts.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	html := rr.Body.String()
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Error("lead name rendered unescaped")
	}
	for _, want := range []string{"&lt;script&gt;", "ACME &amp; Co", "Total: 1", "10/03/2025 12:00"} {
		if !strings.Contains(html, want) {
			t.Errorf("dashboard missing %q", want)
		}
	}
	if ts.leads.lastFilters.Limit != DefaultDashboardLimit {
		t.Errorf("dashboard limit = %d, want %d", ts.leads.lastFilters.Limit, DefaultDashboardLimit)
	}
}

func TestLegalPages(t *testing.T) {
	ts := newTestServer()
	for path, title := range map[string]string{
		"/privacy-policy":   "Política de Privacidade",
		"/terms-of-service": "Termos de Serviço",
	} {
		rr := ts.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s: content type %q", path, ct)
		}
		if !strings.Contains(rr.Body.String(), title) {
			t.Errorf("%s: missing title %q", path, title)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer()
	ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	rr := ts.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "flowcloser_http_requests_total") {
		t.Error("metrics output missing flowcloser_http_requests_total")
	}
}
