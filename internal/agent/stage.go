package agent

import "strings"

// Stage is the coarse position of a lead in the sales conversation.
type Stage string

const (
	StageOpening    Stage = "opening"
	StageDiagnosis  Stage = "diagnosis"
	StageProposal   Stage = "proposal"
	StageConversion Stage = "conversion"
	StageClosed     Stage = "closed"
)

// stageBuckets is checked in order; the first bucket with a keyword hit wins.
var stageBuckets = []struct {
	stage    Stage
	keywords []string
}{
	{StageConversion, []string{"quero", "preciso", "orçamento", "preço"}},
	{StageProposal, []string{"como", "quando", "quanto tempo", "prazo"}},
	{StageClosed, []string{"sim", "ok", "vamos", "fechar"}},
	{StageDiagnosis, []string{"projeto", "site", "app", "sistema"}},
}

// DetectStage classifies a message by substring match on its lowercase form.
// The result is advisory and only used for logging and hooks.
func DetectStage(message string) Stage {
	msg := strings.ToLower(message)
	for _, b := range stageBuckets {
		for _, kw := range b.keywords {
			if strings.Contains(msg, kw) {
				return b.stage
			}
		}
	}
	return StageOpening
}
