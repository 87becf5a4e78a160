package agent

import (
	"strings"
	"testing"

	"github.com/flowoff/flowcloser/internal/models"
)

func TestBuildInstructionDeterministic(t *testing.T) {
	in := InstructionInput{
		Channel:  "whatsapp",
		UserName: "Rafa",
		History:  []models.Turn{{Role: models.RoleUser, Content: "oi"}},
	}
	if BuildInstruction(in) != BuildInstruction(in) {
		t.Fatal("instruction is not deterministic")
	}
}

func TestBuildInstructionSections(t *testing.T) {
	out := BuildInstruction(InstructionInput{
		Channel:      "whatsapp",
		UserName:     "Rafa",
		Location:     "Recife",
		ProjectStage: "ideia",
		PortfolioURL: "https://flowoff.xyz/portfolio",
		History: []models.Turn{
			{Role: models.RoleUser, Content: "quero um site"},
			{Role: models.RoleAssistant, Content: "Para quando?"},
			{Role: models.RoleUser, Content: ""},
		},
	})
	for _, want := range []string{
		"<identity>",
		"Canal atual: whatsapp",
		"Vamos fechar?",
		"https://flowoff.xyz/portfolio",
		"- Nome: Rafa",
		"- Localização: Recife",
		"- Estágio do projeto: ideia",
		"1. [USER]: quero um site\n",
		"2. [YOU]: Para quando?\n",
		"</conversation_history>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("instruction missing %q", want)
		}
	}
	// The persona block has its own numbered steps; history entries carry a role tag.
	if strings.Contains(out, "3. [") {
		t.Error("empty turns should be skipped")
	}
}

func TestBuildInstructionWithoutOptionalParts(t *testing.T) {
	out := BuildInstruction(InstructionInput{Channel: "api"})
	if strings.Contains(out, "CONTEXTO DO USUÁRIO") || strings.Contains(out, "<conversation_history>") {
		t.Error("optional sections rendered without data")
	}
	if !strings.Contains(out, "API/Outros") {
		t.Error("unknown channels should get the default adaptation")
	}
}

func TestChannelAdaptation(t *testing.T) {
	if !strings.Contains(ChannelAdaptation("Instagram"), "Instagram") {
		t.Error("instagram adaptation not selected case-insensitively")
	}
	if ChannelAdaptation("messenger") != ChannelAdaptation("instagram") {
		t.Error("messenger should share the instagram tone")
	}
}
