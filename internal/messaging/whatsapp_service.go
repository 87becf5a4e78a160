package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
	"github.com/flowoff/flowcloser/internal/util"
	"github.com/flowoff/flowcloser/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// ProviderWhatsmeow names the linked-device WhatsApp provider.
const ProviderWhatsmeow = "whatsmeow"

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // set when client is the real whatsmeow client
	retry    []util.RetryOption
	receipts chan models.Receipt
	inbound  chan models.InboundMessage
	mu       sync.RWMutex
	stopped  bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender, opts ...Option) *WhatsAppService {
	cfg := applyOpts(opts)
	service := &WhatsAppService{
		client:   client,
		retry:    cfg.Retry,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		inbound:  make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	}
	return service
}

// Start subscribes to whatsmeow events. Without a real client it is a no-op.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no whatsmeow client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.receipts)
	close(s.inbound)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	err := util.Retry(ctx, "whatsmeow.send", func() error {
		return s.client.SendMessage(ctx, to, body)
	}, s.retry...)
	status := models.MessageStatusSent
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", to)
		status = models.MessageStatusFailed
	}
	s.emitReceipt(models.Receipt{To: to, Provider: ProviderWhatsmeow, Status: status, Time: time.Now().Unix()})
	return err
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Inbound returns a channel of incoming messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// messageText returns the text of a plain or extended text message.
func messageText(evt *events.Message) (string, bool) {
	if evt.Message == nil {
		return "", false
	}
	if evt.Message.Conversation != nil {
		return evt.Message.GetConversation(), true
	}
	if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		return evt.Message.GetExtendedTextMessage().GetText(), true
	}
	return "", false
}

// handleIncomingMessage forwards text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text, ok := messageText(evt)
	if !ok || text == "" {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}

	msg := models.InboundMessage{
		MessageID: string(evt.Info.ID),
		Platform:  models.PlatformWhatsApp,
		Provider:  ProviderWhatsmeow,
		SenderID:  "+" + evt.Info.Sender.User,
		PageID:    evt.Info.Chat.User,
		Text:      text,
		Time:      evt.Info.Timestamp.UTC(),
	}
	if s.waClient != nil && s.waClient.GetClient() != nil && s.waClient.GetClient().Store.ID != nil {
		msg.PageID = s.waClient.GetClient().Store.ID.User
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.inbound <- msg:
		slog.Info("WhatsAppService incoming message forwarded", "from", msg.SenderID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.SenderID, "timeout", DefaultChannelTimeout)
	}
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.emitReceipt(models.Receipt{
		To:       "+" + evt.MessageSource.Sender.User,
		Provider: ProviderWhatsmeow,
		Status:   status,
		Time:     evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) emitReceipt(r models.Receipt) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService receipts channel blocked, dropping receipt", "to", r.To)
	}
}
