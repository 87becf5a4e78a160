package api

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

// legalTemplate renders the privacy policy and terms pages linked from the Meta app settings.
var legalTemplate = template.Must(template.New("legal").Parse(`<!DOCTYPE html>
<html lang="pt-BR">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.Title}} - FlowCloser</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; max-width: 800px; margin: 0 auto; padding: 20px; color: #333; background: #f5f5f5; }
.container { background: white; padding: 40px; border-radius: 10px; box-shadow: 0 2px 10px rgba(0,0,0,0.1); }
h1 { color: #1a73e8; margin-top: 0; }
h2 { color: #5f6368; margin-top: 30px; font-size: 1.3em; }
.update-date { color: #5f6368; font-size: 14px; margin-bottom: 30px; }
.footer { text-align: center; color: #5f6368; font-size: 14px; margin-top: 40px; }
</style>
</head>
<body>
<div class="container">
<h1>{{.Title}}</h1>
<p class="update-date">Última atualização: {{.Updated}}</p>
{{range .Sections}}<h2>{{.Heading}}</h2>
{{range .Paragraphs}}<p>{{.}}</p>
{{end}}{{if .Items}}<ul>
{{range .Items}}<li>{{.}}</li>
{{end}}</ul>
{{end}}{{end}}<hr>
<div class="footer">
<p>© {{.Year}} NΞØ Protocol - FlowCloser. Todos os direitos reservados.</p>
<p>Contato: privacy@flowoff.xyz</p>
</div>
</div>
</body>
</html>
`))

type legalSection struct {
	Heading    string
	Paragraphs []string
	Items      []string
}

type legalPage struct {
	Title    string
	Updated  string
	Year     int
	Sections []legalSection
}

var privacySections = []legalSection{
	{
		Heading:    "1. Informações que coletamos",
		Paragraphs: []string{"O FlowCloser é um assistente de atendimento que responde mensagens enviadas às nossas páginas no Instagram, Facebook e WhatsApp. Ao conversar conosco, coletamos:"},
		Items: []string{
			"Identificador da sua conta na plataforma (ID do Instagram, Messenger ou número do WhatsApp)",
			"O conteúdo das mensagens que você nos envia",
			"Informações de projeto que você compartilha, como tipo de projeto, urgência e preferência de contato",
		},
	},
	{
		Heading: "2. Como usamos as informações",
		Items: []string{
			"Responder às suas mensagens de forma contextualizada",
			"Qualificar oportunidades comerciais e priorizar o atendimento humano",
			"Melhorar a qualidade das respostas do assistente",
		},
	},
	{
		Heading:    "3. Compartilhamento",
		Paragraphs: []string{"O texto das mensagens é processado por provedores de modelos de linguagem para gerar as respostas. Não vendemos seus dados a terceiros."},
	},
	{
		Heading:    "4. Retenção e exclusão",
		Paragraphs: []string{"O histórico de conversa é mantido por tempo limitado. Você pode solicitar a exclusão dos seus dados a qualquer momento pelas configurações de aplicativos do Facebook ou pelo e-mail privacy@flowoff.xyz. Após a solicitação, os registros de lead e o histórico de conversa associados à sua conta são removidos."},
	},
	{
		Heading:    "5. Seus direitos",
		Paragraphs: []string{"Nos termos da LGPD, você pode solicitar acesso, correção ou exclusão dos seus dados pessoais."},
	},
}

var termsSections = []legalSection{
	{
		Heading:    "1. Aceitação",
		Paragraphs: []string{"Ao enviar mensagens às páginas atendidas pelo FlowCloser, você concorda com estes termos."},
	},
	{
		Heading:    "2. O serviço",
		Paragraphs: []string{"O FlowCloser é um assistente automatizado que responde dúvidas sobre os serviços da FlowOff e encaminha propostas. As respostas têm caráter informativo e não constituem proposta comercial vinculante até confirmação por nossa equipe."},
	},
	{
		Heading: "3. Uso adequado",
		Items: []string{
			"Não envie dados sensíveis, como senhas ou dados de cartão",
			"Não utilize o serviço para spam ou conteúdo ilícito",
		},
	},
	{
		Heading:    "4. Limitação de responsabilidade",
		Paragraphs: []string{"O serviço é fornecido no estado em que se encontra. Podemos alterar ou interromper o assistente a qualquer momento."},
	},
	{
		Heading:    "5. Contato",
		Paragraphs: []string{"Dúvidas sobre estes termos: privacy@flowoff.xyz."},
	},
}

func renderLegalPage(w http.ResponseWriter, title string, sections []legalSection) {
	now := time.Now()
	page := legalPage{
		Title:    title,
		Updated:  now.Format("02/01/2006"),
		Year:     now.Year(),
		Sections: sections,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := legalTemplate.Execute(w, page); err != nil {
		slog.Error("renderLegalPage: failed to render template", "title", title, "error", err)
	}
}

func privacyPolicyHandler(w http.ResponseWriter, r *http.Request) {
	renderLegalPage(w, "Política de Privacidade", privacySections)
}

func termsOfServiceHandler(w http.ResponseWriter, r *http.Request) {
	renderLegalPage(w, "Termos de Serviço", termsSections)
}
