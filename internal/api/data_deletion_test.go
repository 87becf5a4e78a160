package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/flowoff/flowcloser/internal/agent"
	"github.com/flowoff/flowcloser/internal/models"
)

const testAppSecret = "meta-app-secret"

func mustSign(t *testing.T, payload SignedRequest, secret string) string {
	t.Helper()
	signed, err := EncodeSignedRequest(payload, secret)
	if err != nil {
		t.Fatalf("EncodeSignedRequest: %v", err)
	}
	return signed
}

func TestParseSignedRequest(t *testing.T) {
	valid := mustSign(t, SignedRequest{UserID: "12345", Expires: testNow.Unix() + 3600, IssuedAt: testNow.Unix()}, testAppSecret)

	req, err := ParseSignedRequest(valid, testAppSecret, testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.UserID != "12345" || req.Algorithm != "HMAC-SHA256" {
		t.Errorf("unexpected payload: %+v", req)
	}

	sig, payload, _ := strings.Cut(valid, ".")
	tests := []struct {
		name   string
		signed string
		secret string
		want   error
	}{
		{"no secret", valid, "", ErrAppSecretNotSet},
		{"wrong secret", valid, "other", ErrInvalidSignature},
		{"no separator", sig + payload, testAppSecret, ErrMalformedSignedReq},
		{"extra part", valid + ".x", testAppSecret, ErrMalformedSignedReq},
		{"bad signature encoding", "!!!." + payload, testAppSecret, ErrMalformedSignedReq},
		{"expired", mustSign(t, SignedRequest{UserID: "1", Expires: testNow.Unix() - 1}, testAppSecret), testAppSecret, ErrSignedRequestExpired},
		{"missing user", mustSign(t, SignedRequest{Expires: testNow.Unix() + 60}, testAppSecret), testAppSecret, ErrMissingUserID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignedRequest(tt.signed, tt.secret, testNow)
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseSignedRequest_PaddedSegments(t *testing.T) {
	signed := mustSign(t, SignedRequest{UserID: "42"}, testAppSecret)
	sig, payload, _ := strings.Cut(signed, ".")
	// Re-encode with padding the way some clients send it.
	rawSig, _ := base64.RawURLEncoding.DecodeString(sig)
	padded := base64.URLEncoding.EncodeToString(rawSig) + "." + payload
	if _, err := ParseSignedRequest(padded, testAppSecret, testNow); err != nil {
		t.Errorf("padded signature rejected: %v", err)
	}
}

func postDeletion(ts *testServer, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/data-deletion", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.do(req)
}

func TestDataDeletion_DeletesLeadsAndSessions(t *testing.T) {
	sessions := agent.NewMemorySessionStore(20)
	ctx := context.Background()
	key := agent.SessionKey(agent.DefaultAppName, "instagram", "12345")
	if err := sessions.Append(ctx, key, models.Turn{Role: models.RoleUser, Content: "oi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ts := newTestServer(
		WithAppSecret(testAppSecret),
		WithSessions(sessions),
		WithPublicBaseURL("https://flowcloser.example.com/"),
	)
	signed := mustSign(t, SignedRequest{UserID: "12345", Expires: testNow.Unix() + 60}, testAppSecret)
	rr := postDeletion(ts, url.Values{"signed_request": {signed}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	decodeBody(t, rr, &body)

	code := body["confirmation_code"]
	if len(code) != 16 || strings.ToUpper(code) != code {
		t.Errorf("confirmation code %q is not 16 uppercase hex chars", code)
	}
	if want := "https://flowcloser.example.com/data-deletion-status?code=" + code; body["url"] != want {
		t.Errorf("url = %q, want %q", body["url"], want)
	}
	if len(ts.leads.deleted) != 1 || ts.leads.deleted[0] != "12345" {
		t.Errorf("leads deleted for %v, want [12345]", ts.leads.deleted)
	}
	if turns, _ := sessions.Load(ctx, key); len(turns) != 0 {
		t.Errorf("session history not deleted: %v", turns)
	}

	status := ts.do(httptest.NewRequest(http.MethodGet, "/data-deletion-status?code="+code, nil))
	if status.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", status.Code)
	}
	var rec deletionRecord
	decodeBody(t, status, &rec)
	if rec.ConfirmationCode != code || rec.Status != DeletionStatusCompleted || rec.LeadsDeleted != 2 || !rec.SessionsDeleted {
		t.Errorf("unexpected status record: %+v", rec)
	}
}

func TestDataDeletion_JSONBodyAndDerivedURL(t *testing.T) {
	ts := newTestServer(WithAppSecret(testAppSecret))
	signed := mustSign(t, SignedRequest{UserID: "777"}, testAppSecret)
	req := httptest.NewRequest(http.MethodPost, "/api/data-deletion", strings.NewReader(`{"signed_request":"`+signed+`"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Host = "api.flowoff.xyz"
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := ts.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	decodeBody(t, rr, &body)
	if !strings.HasPrefix(body["url"], "https://api.flowoff.xyz/data-deletion-status?code=") {
		t.Errorf("url = %q", body["url"])
	}
}

func TestDataDeletion_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		form   url.Values
	}{
		{"missing signed_request", testAppSecret, url.Values{}},
		{"bad signature", testAppSecret, url.Values{"signed_request": {"abc.def"}}},
		{"no app secret", "", url.Values{"signed_request": {"abc.def"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(WithAppSecret(tt.secret))
			rr := postDeletion(ts, tt.form)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rr.Code)
			}
			if len(ts.leads.deleted) != 0 {
				t.Error("leads deleted for a rejected request")
			}
		})
	}
}

func TestDataDeletionStatus_UnknownCode(t *testing.T) {
	ts := newTestServer()
	if rr := ts.do(httptest.NewRequest(http.MethodGet, "/data-deletion-status?code=DEADBEEFDEADBEEF", nil)); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if rr := ts.do(httptest.NewRequest(http.MethodGet, "/data-deletion-status", nil)); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without code, got %d", rr.Code)
	}
}
