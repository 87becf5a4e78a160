package leads

import (
	"strings"

	"github.com/flowoff/flowcloser/internal/models"
)

// Scoring weights. Signals add independently; the total is capped at MaxScore.
const (
	BaseScore         = 50
	MaxScore          = 100
	intentPoints      = 10
	budgetPoints      = 10
	timelinePoints    = 10
	painPointsPoints  = 10
	qualifiedPoints   = 10
	projectTypePoints = 5
	urgentPoints      = 10
)

// ScoreInput is the full set of signals the scorer understands. The extractor
// fills only a subset; the qualify_lead tool and API callers may fill the rest.
type ScoreInput struct {
	Intent      string   `json:"intent,omitempty"`
	Budget      string   `json:"budget,omitempty"`
	Timeline    string   `json:"timeline,omitempty"`
	PainPoints  []string `json:"painPoints,omitempty"`
	Qualified   bool     `json:"qualified,omitempty"`
	ProjectType string   `json:"projectType,omitempty"`
	Urgency     string   `json:"urgency,omitempty"`
}

// ScoreInput converts extracted signals into scorer input.
func (s Signals) ScoreInput() ScoreInput {
	return ScoreInput{
		Intent:      s.Intent,
		ProjectType: s.ProjectType,
		Urgency:     s.Urgency,
	}
}

// Score maps signals to a value in [0, 100].
func Score(in ScoreInput) int {
	score := BaseScore
	if in.Intent != "" {
		score += intentPoints
	}
	if in.Budget != "" {
		score += budgetPoints
	}
	if in.Timeline != "" {
		score += timelinePoints
	}
	if len(in.PainPoints) > 0 {
		score += painPointsPoints
	}
	if in.Qualified {
		score += qualifiedPoints
	}
	if in.ProjectType != "" {
		score += projectTypePoints
	}
	if IsUrgent(in.Urgency) {
		score += urgentPoints
	}
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// IsQualified reports whether a score meets the qualified-lead threshold.
func IsQualified(score int) bool {
	return score >= models.QualifiedScoreThreshold
}

// IsUrgent reports whether an urgency value counts as urgent for scoring.
func IsUrgent(urgency string) bool {
	u := strings.ToLower(urgency)
	return strings.Contains(u, "urgent") || strings.Contains(u, "urgente")
}
