package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/util"
)

// Errors returned while parsing a Meta signed_request.
var (
	ErrAppSecretNotSet      = errors.New("app secret not configured")
	ErrMalformedSignedReq   = errors.New("malformed signed_request")
	ErrInvalidSignature     = errors.New("invalid signed_request signature")
	ErrSignedRequestExpired = errors.New("signed_request expired")
	ErrMissingUserID        = errors.New("signed_request has no user_id")
)

// DeletionStatusCompleted is reported once a deletion request has been carried out.
const DeletionStatusCompleted = "completed"

// SignedRequest is the decoded payload of a Meta signed_request.
type SignedRequest struct {
	UserID    string `json:"user_id"`
	Algorithm string `json:"algorithm"`
	Expires   int64  `json:"expires"`
	IssuedAt  int64  `json:"issued_at"`
}

// ParseSignedRequest verifies "<b64url signature>.<b64url payload>" with
// HMAC-SHA256 over the encoded payload and decodes it.
func ParseSignedRequest(signedRequest, appSecret string, now time.Time) (SignedRequest, error) {
	var req SignedRequest
	if appSecret == "" {
		return req, ErrAppSecretNotSet
	}
	encodedSig, payload, ok := strings.Cut(signedRequest, ".")
	if !ok || encodedSig == "" || payload == "" || strings.Contains(payload, ".") {
		return req, ErrMalformedSignedReq
	}
	sig, err := decodeBase64URL(encodedSig)
	if err != nil {
		return req, fmt.Errorf("%w: signature: %v", ErrMalformedSignedReq, err)
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(payload))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return req, ErrInvalidSignature
	}
	raw, err := decodeBase64URL(payload)
	if err != nil {
		return req, fmt.Errorf("%w: payload: %v", ErrMalformedSignedReq, err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("%w: payload: %v", ErrMalformedSignedReq, err)
	}
	if req.Expires > 0 && req.Expires < now.Unix() {
		return req, ErrSignedRequestExpired
	}
	if req.UserID == "" {
		return req, ErrMissingUserID
	}
	if req.Algorithm == "" {
		req.Algorithm = "HMAC-SHA256"
	}
	return req, nil
}

// EncodeSignedRequest builds a signed_request for payload, the inverse of ParseSignedRequest.
func EncodeSignedRequest(payload SignedRequest, appSecret string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)) + "." + encoded, nil
}

// decodeBase64URL accepts URL-safe base64 with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// deletionRecord is what the status page reports for a confirmation code.
type deletionRecord struct {
	ConfirmationCode string    `json:"confirmation_code"`
	Status           string    `json:"status"`
	RequestedAt      time.Time `json:"requested_at"`
	LeadsDeleted     int       `json:"leads_deleted"`
	SessionsDeleted  bool      `json:"sessions_deleted"`
}

// deletionLog remembers confirmation codes for the lifetime of the process.
type deletionLog struct {
	mu      sync.RWMutex
	records map[string]deletionRecord
}

func newDeletionLog() *deletionLog {
	return &deletionLog{records: make(map[string]deletionRecord)}
}

func (l *deletionLog) add(rec deletionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.ConfirmationCode] = rec
}

func (l *deletionLog) get(code string) (deletionRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[code]
	return rec, ok
}

// signedRequestField reads signed_request from a form or JSON body.
func signedRequestField(r *http.Request) string {
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		var body struct {
			SignedRequest string `json:"signed_request"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			slog.Debug("signedRequestField: failed to decode JSON", "error", err)
			return ""
		}
		return body.SignedRequest
	}
	return r.PostFormValue("signed_request")
}

// baseURL returns the configured public base URL or one derived from the request.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/")
	}
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host
}

// dataDeletionHandler implements Meta's data deletion request callback.
func (s *Server) dataDeletionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	signed := signedRequestField(r)
	if signed == "" {
		writeError(w, models.ValidationError("signed_request is required"))
		return
	}
	req, err := ParseSignedRequest(signed, s.cfg.AppSecret, s.cfg.Now())
	if err != nil {
		if errors.Is(err, ErrAppSecretNotSet) {
			slog.Error("Server.dataDeletionHandler: app secret not configured")
		} else {
			slog.Warn("Server.dataDeletionHandler: invalid signed_request", "error", err)
		}
		writeError(w, models.ValidationError("Invalid signed_request"))
		return
	}

	code := util.GenerateConfirmationCode()
	slog.Info("Server.dataDeletionHandler: deletion requested", "user", req.UserID, "confirmation_code", code)

	deleted, err := s.leads.DeleteUser(r.Context(), req.UserID)
	if err != nil {
		slog.Error("Server.dataDeletionHandler: failed to delete leads", "user", req.UserID, "error", err)
		writeError(w, err)
		return
	}
	sessionsDeleted := false
	if s.cfg.Sessions != nil {
		if err := s.cfg.Sessions.Delete(r.Context(), req.UserID); err != nil {
			slog.Error("Server.dataDeletionHandler: failed to delete sessions", "user", req.UserID, "error", err)
		} else {
			sessionsDeleted = true
		}
	}

	s.deletions.add(deletionRecord{
		ConfirmationCode: code,
		Status:           DeletionStatusCompleted,
		RequestedAt:      s.cfg.Now().UTC(),
		LeadsDeleted:     deleted,
		SessionsDeleted:  sessionsDeleted,
	})
	slog.Info("Server.dataDeletionHandler: deletion completed", "user", req.UserID, "leads_deleted", deleted, "sessions_deleted", sessionsDeleted)

	writeJSONResponse(w, http.StatusOK, map[string]string{
		"url":               s.baseURL(r) + "/data-deletion-status?code=" + url.QueryEscape(code),
		"confirmation_code": code,
	})
}

func (s *Server) dataDeletionStatusHandler(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
	if code == "" {
		writeError(w, models.ValidationError("code is required"))
		return
	}
	rec, ok := s.deletions.get(code)
	if !ok {
		writeError(w, models.NotFoundError("Unknown confirmation code"))
		return
	}
	writeJSONResponse(w, http.StatusOK, rec)
}
