package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowoff/flowcloser/internal/leads"
)

// ToolHandler executes a tool call. args is the raw JSON object sent by the model.
type ToolHandler func(ctx context.Context, sess *Session, args json.RawMessage) (string, error)

// Tool is a function the model may call during an invocation.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema of args
	Handler     ToolHandler
}

// ToolConfig holds the values tools expose to the model.
type ToolConfig struct {
	PortfolioURL string
}

// DefaultPortfolioURL is used when no portfolio link is configured.
const DefaultPortfolioURL = "https://flowoff.xyz"

// DefaultTools returns the sales toolset.
func DefaultTools(cfg ToolConfig) []Tool {
	if cfg.PortfolioURL == "" {
		cfg.PortfolioURL = DefaultPortfolioURL
	}
	return []Tool{
		qualifyLeadTool(),
		portfolioTool(cfg.PortfolioURL),
		microOfferTool(),
		channelContextTool(),
	}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	return nil
}

func toJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type qualifyArgs struct {
	Message    string   `json:"message"`
	Budget     string   `json:"budget"`
	Timeline   string   `json:"timeline"`
	PainPoints []string `json:"painPoints"`
}

func qualifyLeadTool() Tool {
	return Tool{
		Name:        "qualify_lead",
		Description: "Extract project type, urgency, intent, name and company from what the lead said and compute a 0-100 lead score. Use it once the lead has described a need.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message":  stringProp("The lead's own words describing the need"),
				"budget":   stringProp("Budget mentioned by the lead, if any"),
				"timeline": stringProp("Deadline mentioned by the lead, if any"),
				"painPoints": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Problems the lead wants solved",
				},
			},
			"required": []string{"message"},
		},
		Handler: func(ctx context.Context, sess *Session, raw json.RawMessage) (string, error) {
			var args qualifyArgs
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			signals := leads.Extract(args.Message, nil)
			in := signals.ScoreInput()
			in.Budget = args.Budget
			in.Timeline = args.Timeline
			in.PainPoints = args.PainPoints
			score := leads.Score(in)
			qualified := leads.IsQualified(score)

			if sess != nil {
				lead, _ := sess.State["lead"].(map[string]any)
				if lead == nil {
					lead = map[string]any{}
				}
				if signals.Intent != "" {
					lead["intent"] = signals.Intent
					sess.State["lead_intent"] = signals.Intent
				}
				if len(args.PainPoints) > 0 {
					lead["painPoints"] = args.PainPoints
				}
				lead["score"] = score
				sess.State["lead"] = lead
			}
			slog.Debug("qualify_lead executed", "score", score, "qualified", qualified)
			return toJSON(map[string]any{"signals": signals, "score": score, "qualified": qualified})
		},
	}
}

func portfolioTool(url string) Tool {
	return Tool{
		Name:        "send_portfolio_visual",
		Description: "Get the visual portfolio link to send with a proposal or when the lead asks for examples.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"projectType": stringProp("site, webapp, pwa or sistema"),
			},
		},
		Handler: func(ctx context.Context, sess *Session, raw json.RawMessage) (string, error) {
			var args struct {
				ProjectType string `json:"projectType"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			kind := args.ProjectType
			if kind == "" {
				kind = "projeto"
			}
			return toJSON(map[string]string{
				"url":     url,
				"message": fmt.Sprintf("Dá uma olhada nesse flow visual: ele mostra como seu %s pode ficar.", kind),
			})
		},
	}
}

// microOffers maps a project type to its entry offer.
var microOffers = map[string]string{
	"site":    "Landing page de alta conversão no ar em 7 dias",
	"webapp":  "MVP do webapp com o fluxo principal em 3 semanas",
	"pwa":     "PWA instalável com modo offline em 2 semanas",
	"sistema": "Módulo piloto do sistema com painel de gestão em 4 semanas",
}

func microOfferTool() Tool {
	return Tool{
		Name:        "create_micro_offer",
		Description: "Create a short entry offer for the lead's project type and urgency.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"projectType": stringProp("site, webapp, pwa or sistema"),
				"urgency":     stringProp("urgent or a deadline such as '2 semanas'"),
			},
			"required": []string{"projectType"},
		},
		Handler: func(ctx context.Context, sess *Session, raw json.RawMessage) (string, error) {
			var args struct {
				ProjectType string `json:"projectType"`
				Urgency     string `json:"urgency"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			offer, ok := microOffers[strings.ToLower(args.ProjectType)]
			if !ok {
				offer = "Diagnóstico gratuito com proposta visual em 48h"
			}
			if leads.IsUrgent(args.Urgency) {
				offer += " + prioridade na fila de produção"
			}
			if sess != nil {
				offers, _ := sess.State["micro_offers"].([]string)
				sess.State["micro_offers"] = append(offers, offer)
			}
			return offer, nil
		},
	}
}

func channelContextTool() Tool {
	return Tool{
		Name:        "get_channel_context",
		Description: "Get tone and call-to-action guidance for the conversation channel.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel": stringProp("instagram, whatsapp or api; defaults to the current channel"),
			},
		},
		Handler: func(ctx context.Context, sess *Session, raw json.RawMessage) (string, error) {
			var args struct {
				Channel string `json:"channel"`
			}
			if err := decodeArgs(raw, &args); err != nil {
				return "", err
			}
			if args.Channel == "" && sess != nil {
				args.Channel = sess.Channel
			}
			return ChannelAdaptation(args.Channel), nil
		},
	}
}

// FindTool returns the tool with the given name.
func FindTool(tools []Tool, name string) (Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}
