package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowoff/flowcloser/internal/metrics"
	"github.com/flowoff/flowcloser/internal/models"
)

// Meta webhook constants.
const (
	SignatureHeader       = "X-Hub-Signature-256"
	MetaClientCertCN      = "client.webhooks.fbclientcerts.com"
	eventReceived         = "EVENT_RECEIVED"
	objectInstagram       = "instagram"
	objectPage            = "page"
	objectWhatsAppAccount = "whatsapp_business_account"
	providerMeta          = "meta"
)

// clientCertHeaders carry the client certificate subject set by a TLS-terminating proxy.
var clientCertHeaders = []string{"X-Client-Certificate", "X-Amzn-Mtls-Clientcert-Subject"}

// metaWebhook is the envelope shared by Instagram, Messenger and WhatsApp Cloud webhooks.
type metaWebhook struct {
	Object string      `json:"object"`
	Entry  []metaEntry `json:"entry"`
}

type metaEntry struct {
	ID        string               `json:"id"`
	Time      int64                `json:"time"`
	Messaging []metaMessagingEvent `json:"messaging"`
	Changes   []metaChange         `json:"changes"`
}

type metaParticipant struct {
	ID string `json:"id"`
}

type metaMessagingEvent struct {
	Sender    metaParticipant `json:"sender"`
	Recipient metaParticipant `json:"recipient"`
	Timestamp int64           `json:"timestamp"`
	Message   *struct {
		Mid    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

type metaChange struct {
	Field string `json:"field"`
	Value struct {
		MessagingProduct string `json:"messaging_product"`
		Metadata         struct {
			DisplayPhoneNumber string `json:"display_phone_number"`
			PhoneNumberID      string `json:"phone_number_id"`
		} `json:"metadata"`
		Messages []struct {
			From      string `json:"from"`
			ID        string `json:"id"`
			Timestamp string `json:"timestamp"`
			Type      string `json:"type"`
			Text      *struct {
				Body string `json:"body"`
			} `json:"text"`
		} `json:"messages"`
	} `json:"value"`
}

// verifyWebhookHandler answers the Meta subscription handshake.
func (s *Server) verifyWebhookHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "subscribe" && hmac.Equal([]byte(token), []byte(s.cfg.VerifyToken)) {
		slog.Info("Server.verifyWebhookHandler: webhook verified", "path", r.URL.Path)
		writeText(w, http.StatusOK, challenge)
		return
	}
	slog.Warn("Server.verifyWebhookHandler: verification failed", "path", r.URL.Path, "mode", mode)
	metrics.WebhookRejected.WithLabelValues("verify_token").Inc()
	writeText(w, http.StatusForbidden, "Forbidden")
}

func (s *Server) instagramWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readMetaWebhook(w, r)
	if !ok {
		return
	}
	if payload.Object != objectInstagram && payload.Object != objectPage {
		slog.Warn("Server.instagramWebhookHandler: unknown object", "object", payload.Object)
		metrics.WebhookRejected.WithLabelValues("object").Inc()
		writeText(w, http.StatusNotFound, "Not Found")
		return
	}
	msgs := pageMessages(payload, s.cfg.Now())
	slog.Debug("Server.instagramWebhookHandler: parsed webhook", "object", payload.Object, "entries", len(payload.Entry), "messages", len(msgs))
	s.submit(msgs)
	writeText(w, http.StatusOK, eventReceived)
}

func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	payload, ok := s.readMetaWebhook(w, r)
	if !ok {
		return
	}
	if payload.Object != objectWhatsAppAccount {
		slog.Warn("Server.whatsappWebhookHandler: unknown object", "object", payload.Object)
		metrics.WebhookRejected.WithLabelValues("object").Inc()
		writeText(w, http.StatusNotFound, "Not Found")
		return
	}
	msgs := cloudMessages(payload, s.cfg.Now())
	slog.Debug("Server.whatsappWebhookHandler: parsed webhook", "entries", len(payload.Entry), "messages", len(msgs))
	s.submit(msgs)
	writeText(w, http.StatusOK, eventReceived)
}

// readMetaWebhook checks the client certificate and body signature, then
// decodes the payload. On failure the response has been written.
func (s *Server) readMetaWebhook(w http.ResponseWriter, r *http.Request) (metaWebhook, bool) {
	var payload metaWebhook
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !verifyClientCertificate(r) {
		metrics.WebhookRejected.WithLabelValues("certificate").Inc()
		writeText(w, http.StatusForbidden, "Forbidden")
		return payload, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("Server.readMetaWebhook: failed to read body", "error", err)
		metrics.WebhookRejected.WithLabelValues("payload").Inc()
		writeText(w, http.StatusBadRequest, "Bad Request")
		return payload, false
	}
	if !verifySignature(s.cfg.AppSecret, body, r.Header.Get(SignatureHeader)) {
		slog.Warn("Server.readMetaWebhook: invalid signature", "path", r.URL.Path)
		metrics.WebhookRejected.WithLabelValues("signature").Inc()
		writeText(w, http.StatusForbidden, "Forbidden")
		return payload, false
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		slog.Warn("Server.readMetaWebhook: invalid JSON", "error", err)
		metrics.WebhookRejected.WithLabelValues("payload").Inc()
		writeText(w, http.StatusBadRequest, "Bad Request")
		return payload, false
	}
	return payload, true
}

// submit hands messages to the relay; the webhook is acknowledged regardless.
func (s *Server) submit(msgs []models.InboundMessage) {
	for _, msg := range msgs {
		metrics.WebhookEvents.WithLabelValues(string(msg.Platform)).Inc()
		if s.relay == nil {
			slog.Warn("Server.submit: no relay configured, dropping message", "platform", msg.Platform, "sender", msg.SenderID)
			continue
		}
		s.relay.Submit(msg)
	}
}

// verifySignature checks an X-Hub-Signature-256 header against the raw body.
// Without an app secret every request passes.
func verifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// verifyClientCertificate rejects requests whose forwarded client certificate
// subject is not Meta's. Requests without the header pass.
func verifyClientCertificate(r *http.Request) bool {
	for _, h := range clientCertHeaders {
		subject := r.Header.Get(h)
		if subject == "" {
			continue
		}
		if !strings.Contains(subject, MetaClientCertCN) {
			slog.Warn("Server.verifyClientCertificate: client certificate CN mismatch", "header", h)
			return false
		}
		return true
	}
	return true
}

// pageMessages extracts text messages from an Instagram or Messenger webhook.
// Echoes of our own replies are skipped.
func pageMessages(payload metaWebhook, now time.Time) []models.InboundMessage {
	platform := models.PlatformInstagram
	if payload.Object == objectPage {
		platform = models.PlatformMessenger
	}
	var out []models.InboundMessage
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.Text == "" || ev.Message.IsEcho || ev.Sender.ID == "" {
				continue
			}
			pageID := ev.Recipient.ID
			if pageID == "" {
				pageID = entry.ID
			}
			at := now.UTC()
			if ev.Timestamp > 0 {
				at = time.UnixMilli(ev.Timestamp).UTC()
			}
			out = append(out, models.InboundMessage{
				MessageID: ev.Message.Mid,
				Platform:  platform,
				Provider:  providerMeta,
				SenderID:  ev.Sender.ID,
				PageID:    pageID,
				Text:      ev.Message.Text,
				Time:      at,
			})
		}
	}
	return out
}

// cloudMessages extracts text messages from a WhatsApp Cloud API webhook.
func cloudMessages(payload metaWebhook, now time.Time) []models.InboundMessage {
	var out []models.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.Text == nil || m.Text.Body == "" || m.From == "" {
					continue
				}
				at := now.UTC()
				if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil && ts > 0 {
					at = time.Unix(ts, 0).UTC()
				}
				out = append(out, models.InboundMessage{
					MessageID: m.ID,
					Platform:  models.PlatformWhatsApp,
					Provider:  providerMeta,
					SenderID:  m.From,
					PageID:    change.Value.Metadata.PhoneNumberID,
					Text:      m.Text.Body,
					Time:      at,
				})
			}
		}
	}
	return out
}
