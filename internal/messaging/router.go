package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowoff/flowcloser/internal/accounts"
	"github.com/flowoff/flowcloser/internal/metrics"
	"github.com/flowoff/flowcloser/internal/models"
)

// ProviderMeta names replies sent through the Graph API.
const ProviderMeta = "meta"

// Router sends a reply back over the channel a message arrived on.
type Router struct {
	meta             *MetaClient
	accounts         *accounts.Registry
	whatsapp         Sender
	whatsappProvider string
}

// NewRouter creates a router. whatsapp may be nil when no WhatsApp provider is configured.
func NewRouter(meta *MetaClient, registry *accounts.Registry, whatsapp Sender, whatsappProvider string) *Router {
	if whatsappProvider == "" {
		whatsappProvider = "none"
	}
	return &Router{meta: meta, accounts: registry, whatsapp: whatsapp, whatsappProvider: whatsappProvider}
}

// Reply sends body to the sender of msg.
func (r *Router) Reply(ctx context.Context, msg models.InboundMessage, body string) (models.Receipt, error) {
	provider, err := r.send(ctx, msg, body)
	metrics.OutboundMessages.WithLabelValues(provider, metrics.Outcome(err)).Inc()

	receipt := models.Receipt{To: msg.SenderID, Provider: provider, Status: models.MessageStatusSent, Time: time.Now().Unix()}
	if err != nil {
		receipt.Status = models.MessageStatusFailed
		slog.Error("Router.Reply: send failed", "platform", msg.Platform, "provider", provider, "to", msg.SenderID, "error", err)
		return receipt, err
	}
	slog.Info("Router.Reply: message sent", "platform", msg.Platform, "provider", provider, "to", msg.SenderID)
	return receipt, nil
}

func (r *Router) send(ctx context.Context, msg models.InboundMessage, body string) (string, error) {
	switch msg.Platform {
	case models.PlatformInstagram, models.PlatformMessenger:
		if r.meta == nil {
			return ProviderMeta, ErrNotConfigured
		}
		acc, _ := r.accounts.Resolve(msg.PageID, msg.Platform)
		pageID := msg.PageID
		if pageID == "" {
			pageID = acc.PageID
		}
		sender := PageSender{Client: r.meta, PageID: pageID, AccessToken: acc.PageAccessToken}
		return ProviderMeta, sender.SendMessage(ctx, msg.SenderID, body)
	case models.PlatformWhatsApp:
		if r.whatsapp == nil {
			return r.whatsappProvider, ErrNotConfigured
		}
		return r.whatsappProvider, r.whatsapp.SendMessage(ctx, msg.SenderID, body)
	default:
		return "none", fmt.Errorf("no reply channel for platform %q", msg.Platform)
	}
}
