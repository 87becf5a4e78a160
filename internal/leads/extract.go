// Package leads turns inbound conversation text into lead records.
//
// Extraction is an ordered table of rules: for each field the first rule that
// matches wins, so priority and overlap can be read straight off the table.
package leads

import (
	"regexp"
	"strings"

	"github.com/flowoff/flowcloser/internal/models"
)

// Field names a signal produced by the extractor.
type Field string

const (
	FieldProjectType Field = "projectType"
	FieldUrgency     Field = "urgency"
	FieldIntent      Field = "intent"
	FieldName        Field = "name"
	FieldCompany     Field = "company"
)

// Signals holds what was extracted from a message. An empty string means the
// field is unknown; it is never written over a stored value.
type Signals struct {
	ProjectType string `json:"projectType,omitempty"`
	Urgency     string `json:"urgency,omitempty"`
	Intent      string `json:"intent,omitempty"`
	Name        string `json:"name,omitempty"`
	Company     string `json:"company,omitempty"`
}

func (s *Signals) get(f Field) string {
	switch f {
	case FieldProjectType:
		return s.ProjectType
	case FieldUrgency:
		return s.Urgency
	case FieldIntent:
		return s.Intent
	case FieldName:
		return s.Name
	case FieldCompany:
		return s.Company
	}
	return ""
}

func (s *Signals) set(f Field, v string) {
	switch f {
	case FieldProjectType:
		s.ProjectType = v
	case FieldUrgency:
		s.Urgency = v
	case FieldIntent:
		s.Intent = v
	case FieldName:
		s.Name = v
	case FieldCompany:
		s.Company = v
	}
}

// source selects which text a rule is evaluated against.
type source int

const (
	// sourceCombined is the lowercased history plus message.
	sourceCombined source = iota
	// sourceRaw is the current message as received.
	sourceRaw
)

// rule is one row of the extraction table.
type rule struct {
	field  Field
	source source
	match  func(text string) (string, bool)
}

// keywords matches when text contains any of the words and yields value.
func keywords(value string, words ...string) func(string) (string, bool) {
	return func(text string) (string, bool) {
		for _, w := range words {
			if strings.Contains(text, w) {
				return value, true
			}
		}
		return "", false
	}
}

// verbatim yields the whole regexp match unchanged.
func verbatim(re *regexp.Regexp) func(string) (string, bool) {
	return func(text string) (string, bool) {
		m := re.FindString(text)
		return m, m != ""
	}
}

// capture yields the trimmed first group when it is longer than minLen bytes.
func capture(re *regexp.Regexp, minLen int) func(string) (string, bool) {
	return func(text string) (string, bool) {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			return "", false
		}
		v := strings.TrimSpace(m[1])
		if v == "" || len(v) <= minLen {
			return "", false
		}
		return v, true
	}
}

var durationPattern = regexp.MustCompile(`\d+\s*(dias|dia|days|day|semanas|semana|weeks|week|meses|mês|months|month)`)

// extractionRules is evaluated top to bottom; within a field the first match wins.
var extractionRules = []rule{
	{FieldProjectType, sourceCombined, keywords("webapp", "webapp", "web app", "aplicativo web")},
	{FieldProjectType, sourceCombined, keywords("site", "site", "website", "página")},
	{FieldProjectType, sourceCombined, keywords("pwa", "pwa", "progressive web app")},
	{FieldProjectType, sourceCombined, keywords("sistema", "sistema", "app")},

	{FieldUrgency, sourceCombined, keywords("urgent", "urgente", "urgent", "rápido", "rapido")},
	{FieldUrgency, sourceCombined, verbatim(durationPattern)},

	{FieldIntent, sourceCombined, keywords("update", "atualizar", "modernizar", "melhorar")},
	{FieldIntent, sourceCombined, keywords("create", "criar", "fazer", "novo")},
	{FieldIntent, sourceCombined, keywords("interested", "preciso", "quero", "gostaria")},

	{FieldName, sourceRaw, capture(regexp.MustCompile(`(?i)meu nome é ([\p{L}\s]+)`), 0)},
	{FieldName, sourceRaw, capture(regexp.MustCompile(`(?i)eu sou ([\p{L}\s]+)`), 0)},
	{FieldName, sourceRaw, capture(regexp.MustCompile(`(?i)chamo-me ([\p{L}\s]+)`), 0)},
	{FieldName, sourceRaw, capture(regexp.MustCompile(`(?i)sou o ([\p{L}\s]+)`), 0)},
	{FieldName, sourceRaw, capture(regexp.MustCompile(`(?i)sou a ([\p{L}\s]+)`), 0)},

	// "da X" and "na X" also hit ordinary prepositions ("comida caseira" -> "caseira").
	{FieldCompany, sourceRaw, capture(regexp.MustCompile(`(?i)empresa (\w+)`), 2)},
	{FieldCompany, sourceRaw, capture(regexp.MustCompile(`(?i)da (\w+)`), 2)},
	{FieldCompany, sourceRaw, capture(regexp.MustCompile(`(?i)na (\w+)`), 2)},
}

// Extract derives lead signals from a message and optional prior turns.
// Keyword fields look at the lowercased history plus message; name and company
// only look at the raw message.
func Extract(message string, history []models.Turn) Signals {
	combined := strings.ToLower(message)
	if len(history) > 0 {
		parts := make([]string, 0, len(history)+1)
		for _, t := range history {
			parts = append(parts, t.Content)
		}
		parts = append(parts, message)
		combined = strings.ToLower(strings.Join(parts, " "))
	}

	var out Signals
	for _, r := range extractionRules {
		if out.get(r.field) != "" {
			continue
		}
		text := combined
		if r.source == sourceRaw {
			text = message
		}
		if v, ok := r.match(text); ok {
			out.set(r.field, v)
		}
	}
	return out
}
