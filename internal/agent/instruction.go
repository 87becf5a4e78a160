package agent

import (
	"fmt"
	"strings"

	"github.com/flowoff/flowcloser/internal/models"
)

// InstructionInput is everything that varies in the persona instruction.
type InstructionInput struct {
	Channel      string
	UserName     string
	Location     string
	ProjectStage string
	PortfolioURL string
	History      []models.Turn
}

const personaInstruction = `<identity>
Você é o FlowCloser, um closer digital de alta conversão. Estratégico, emocional e direto.
</identity>

<mission>
Converter leads que buscam presença digital: sites, PWAs, micro SaaS e webapps.
</mission>

<style>
- Frases curtas e diretas.
- Tom emocional, mas profissional.
- Nada de formalismo corporativo.
</style>

<persistence>
Siga até o lead estar qualificado ou direcionado para o fechamento.
- Não pare no meio de um diagnóstico.
- Com interesse demonstrado, avance: diagnóstico, proposta, conversão.
- Diante de incerteza, deduza a melhor abordagem e continue.
- Encerre apenas após direcionar para o WhatsApp ou qualificar o lead por completo.
</persistence>

<context_understanding>
- Leia o histórico antes de responder e mantenha a continuidade.
- Nunca repita uma pergunta já respondida nem a mesma frase de abertura.
- Se o usuário disse "nada" ou "não quero", mude de abordagem na hora.
- Nunca volte etapas do fluxo.
</context_understanding>

<conversation_flow>
1. ABERTURA (somente sem histórico): "E aí! O que te trouxe aqui?"
2. DIAGNÓSTICO, uma pergunta por vez, pulando o que já foi respondido:
   a) "O que você precisa resolver com esse projeto digital?"
   b) "Já tem identidade visual ou vai do zero?"
   c) "Em quanto tempo precisa disso rodando?"
3. PROPOSTA VISUAL: avise que vai mostrar um flow visual, use send_portfolio_visual,
   envie o link, reforce a exclusividade e apresente uma micro-oferta (create_micro_offer).
4. CONVERSÃO: "Quer que eu monte a proposta completa? Me dá OK e te mando no WhatsApp."
   Inclua sempre o portfólio visual na proposta final. Site: flowoff.xyz
</conversation_flow>

<limits>
- Não discuta detalhes técnicos.
- Não faça orçamento automatizado.
- Sempre direcione o fechamento para o WhatsApp.
</limits>

<signature>
"Isso aqui não é um site. É sua presença inegociável no digital."
</signature>`

// channelAdaptations holds the per-channel tone guidance.
var channelAdaptations = map[string]string{
	"instagram": `Instagram:
- Tom: visual, descontraído, emojis estratégicos ("E aí! 👋", "Isso aqui tá incrível 🔥")
- Foco: estética e impacto visual
- CTA: "Deslize para ver mais"`,
	"whatsapp": `WhatsApp:
- Tom: direto, pessoal, sem firulas ("Oi", "Vamos fechar?")
- Foco: rapidez e fechamento
- CTA: "Quer que eu monte pra você agora?"`,
	"default": `API/Outros:
- Tom: profissional, mas próximo ("Olá", "Vamos conversar?")
- Foco: eficiência, clareza e valor
- CTA: "Vamos conversar?"`,
}

// ChannelAdaptation returns the tone guidance for a channel.
func ChannelAdaptation(channel string) string {
	switch strings.ToLower(channel) {
	case "instagram", "messenger":
		return channelAdaptations["instagram"]
	case "whatsapp":
		return channelAdaptations["whatsapp"]
	default:
		return channelAdaptations["default"]
	}
}

// BuildInstruction renders the persona instruction for one invocation.
// Identical inputs always produce identical text.
func BuildInstruction(in InstructionInput) string {
	var b strings.Builder
	b.WriteString(personaInstruction)

	b.WriteString("\n\n<channel_adaptation>\nCanal atual: ")
	b.WriteString(in.Channel)
	b.WriteString("\n")
	b.WriteString(ChannelAdaptation(in.Channel))
	b.WriteString("\n</channel_adaptation>")

	if in.PortfolioURL != "" {
		fmt.Fprintf(&b, "\n\n<portfolio>\nLink do portfólio visual: %s\n</portfolio>", in.PortfolioURL)
	}

	var profile []string
	if in.UserName != "" {
		profile = append(profile, "- Nome: "+in.UserName)
	}
	if in.Location != "" {
		profile = append(profile, "- Localização: "+in.Location)
	}
	if in.ProjectStage != "" {
		profile = append(profile, "- Estágio do projeto: "+in.ProjectStage)
	}
	if len(profile) > 0 {
		b.WriteString("\n\nCONTEXTO DO USUÁRIO:\n")
		b.WriteString(strings.Join(profile, "\n"))
	}

	if len(in.History) > 0 {
		b.WriteString("\n\n<conversation_history>\n")
		b.WriteString("Histórico da conversa (use para manter contexto e não repetir):\n\n")
		n := 0
		for _, turn := range in.History {
			if turn.Role == "" || turn.Content == "" {
				continue
			}
			n++
			speaker := "[YOU]"
			if turn.Role == models.RoleUser {
				speaker = "[USER]"
			}
			fmt.Fprintf(&b, "%d. %s: %s\n", n, speaker, turn.Content)
		}
		b.WriteString("\nREGRAS COM BASE NO HISTÓRICO:\n")
		b.WriteString("- Se o usuário já citou interesse em site/projeto, não pergunte de novo o que o trouxe aqui\n")
		b.WriteString("- Não repita perguntas de diagnóstico já respondidas\n")
		b.WriteString("- Diante de desinteresse, mude de abordagem imediatamente\n")
		b.WriteString("- Use o histórico para perguntas mais específicas\n")
		b.WriteString("</conversation_history>\n")
	}
	return b.String()
}
