package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/twiliowhatsapp"
	"github.com/flowoff/flowcloser/internal/util"
	twilioclient "github.com/twilio/twilio-go/client"
)

// ProviderTwilio names the Twilio WhatsApp provider in receipts and metrics.
const ProviderTwilio = "twilio"

// emptyTwiML acknowledges a webhook without sending an automatic reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

var phoneNumberRegex = regexp.MustCompile(`[^\d]`)

// WebhookValidator checks the X-Twilio-Signature of a webhook request.
type WebhookValidator interface {
	ValidateWebhook(url string, params map[string]string, signature string) bool
}

// TwilioService implements Service on Twilio's WhatsApp API. Inbound messages
// arrive through WebhookHandler.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	validator WebhookValidator
	publicURL string
	retry     []util.RetryOption
	receipts  chan models.Receipt
	inbound   chan models.InboundMessage
	mu        sync.RWMutex
	stopped   bool
}

// NewTwilioService creates a new TwilioService around a Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...Option) *TwilioService {
	cfg := applyOpts(opts)
	return &TwilioService{
		client:   client,
		retry:    cfg.Retry,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// RequireSignature makes WebhookHandler reject requests whose signature does
// not match publicURL, the full URL Twilio is configured to call.
func (s *TwilioService) RequireSignature(v WebhookValidator, publicURL string) {
	s.validator = v
	s.publicURL = publicURL
}

// ValidateAndCanonicalizeRecipient strips the whatsapp: prefix and every
// non-digit, requiring at least 6 digits. The result is in E.164 with a leading +.
func ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix), "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return "+" + canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive by webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.inbound)
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	canonicalTo, err := ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}

	err = util.Retry(ctx, "twilio.send", func() error {
		err := s.client.SendMessage(ctx, canonicalTo, body)
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status < 500 {
			return util.Permanent(err)
		}
		return err
	}, s.retry...)
	status := models.MessageStatusSent
	if err != nil {
		status = models.MessageStatusFailed
	}
	s.safeEmitReceipt(models.Receipt{To: canonicalTo, Provider: ProviderTwilio, Status: status, Time: time.Now().Unix()})
	return err
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Inbound returns the channel of messages received through the webhook.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- receipt:
	case <-time.After(DefaultChannelTimeout):
	}
}

// WebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Inbound() channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.WebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.validator.ValidateWebhook(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.WebhookHandler: invalid signature")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		slog.Warn("TwilioService.WebhookHandler: missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	sender, err := ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("TwilioService.WebhookHandler: invalid sender", "error", err)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}
	msg := models.InboundMessage{
		MessageID: r.PostFormValue("MessageSid"),
		Platform:  models.PlatformWhatsApp,
		Provider:  ProviderTwilio,
		SenderID:  sender,
		PageID:    strings.TrimPrefix(r.PostFormValue("To"), twiliowhatsapp.WhatsAppPrefix),
		Text:      body,
		Time:      time.Now().UTC(),
	}
	slog.Info("TwilioService.WebhookHandler: inbound message", "from", sender, "body_length", len(body))
	s.safeEmitInbound(msg)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

// safeEmitInbound pushes a message into the inbound channel without blocking forever.
func (s *TwilioService) safeEmitInbound(msg models.InboundMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.SenderID)
		return
	}
	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.SenderID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.SenderID)
	}
}
