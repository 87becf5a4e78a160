package store

import (
	"sort"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
	"github.com/google/uuid"
)

// newLead builds a record for a first interaction, applying defaults.
func newLead(in models.LeadUpsert, now time.Time) models.LeadRecord {
	rec := models.LeadRecord{
		ID:             uuid.NewString(),
		UserPlatformID: in.UserPlatformID,
		PageID:         in.NormalizedPageID(),
		Platform:       string(models.DefaultLeadPlatform),
		AccountName:    models.DefaultLeadAccount,
		Name:           "Lead " + in.UserPlatformID,
		Company:        models.DefaultLeadCompany,
		Budget:         models.DefaultLeadBudget,
		Status:         models.LeadStatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	last := now
	rec.LastContactAt = &last
	return applyUpsert(rec, in)
}

// mergeLead applies an interaction over an existing record. The id and
// created_at of the existing record are preserved.
func mergeLead(existing models.LeadRecord, in models.LeadUpsert, now time.Time) models.LeadRecord {
	rec := applyUpsert(existing, in)
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if in.LastContactAt == nil {
		last := now
		rec.LastContactAt = &last
	}
	return rec
}

// applyUpsert copies every provided field of in onto rec.
func applyUpsert(rec models.LeadRecord, in models.LeadUpsert) models.LeadRecord {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&rec.Platform, in.Platform)
	set(&rec.AccountName, in.AccountName)
	set(&rec.Name, in.Name)
	set(&rec.Company, in.Company)
	set(&rec.ProjectType, in.ProjectType)
	set(&rec.Urgency, in.Urgency)
	set(&rec.ContactPreference, in.ContactPreference)
	set(&rec.Budget, in.Budget)
	set(&rec.Status, in.Status)
	set(&rec.ProposalURL, in.ProposalURL)
	set(&rec.ProposalType, in.ProposalType)
	if in.Score != nil {
		rec.Score = clampScore(*in.Score)
	}
	if in.Qualified != nil {
		rec.Qualified = *in.Qualified
	}
	if in.LastContactAt != nil {
		last := *in.LastContactAt
		rec.LastContactAt = &last
	}
	return rec
}

func clampScore(s int) int {
	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}

// filterLeads returns the records matching filters, newest first, plus the
// pre-limit count.
func filterLeads(all []models.LeadRecord, filters models.LeadFilters) ([]models.LeadRecord, int) {
	out := make([]models.LeadRecord, 0, len(all))
	for _, r := range all {
		if filters.Match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	count := len(out)
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, count
}

// computeMetrics counts total, qualified and created-since-midnight-UTC leads.
func computeMetrics(all []models.LeadRecord, filters models.LeadFilters, now time.Time) models.LeadMetrics {
	filters.Limit = 0
	matched, _ := filterLeads(all, filters)
	today := models.StartOfUTCDay(now)
	var m models.LeadMetrics
	m.Total = len(matched)
	for _, r := range matched {
		if r.Qualified {
			m.Qualified++
		}
		if !r.CreatedAt.Before(today) {
			m.Today++
		}
	}
	return m
}
