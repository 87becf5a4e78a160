package models

import (
	"errors"
	"time"
)

// QualifiedScoreThreshold is the minimum score for a lead to count as qualified.
const QualifiedScoreThreshold = 60

// LeadStatusNew is the status given to a lead on insert. Status is free-form
// afterwards.
const LeadStatusNew = "new"

// Defaults applied when a lead is created without the corresponding field.
const (
	DefaultLeadCompany  = "N/A"
	DefaultLeadBudget   = "unknown"
	DefaultLeadPageID   = "unknown_page"
	DefaultLeadAccount  = "unknown_account"
	DefaultLeadPlatform = PlatformInstagram
)

// ErrMissingUserPlatformID is returned when an upsert has no platform user id.
var ErrMissingUserPlatformID = errors.New("user_platform_id is required")

// LeadRecord is a prospective customer identified by (page_id, user_platform_id).
type LeadRecord struct {
	ID                string     `json:"id"`
	UserPlatformID    string     `json:"user_platform_id"`
	PageID            string     `json:"page_id"`
	Platform          string     `json:"platform"`
	AccountName       string     `json:"account_name"`
	Name              string     `json:"name"`
	Company           string     `json:"company"`
	ProjectType       string     `json:"project_type,omitempty"`
	Urgency           string     `json:"urgency,omitempty"`
	ContactPreference string     `json:"contact_preference,omitempty"`
	Budget            string     `json:"budget"`
	Score             int        `json:"score"`
	Qualified         bool       `json:"qualified"`
	Status            string     `json:"status"`
	ProposalURL       string     `json:"proposal_url,omitempty"`
	ProposalType      string     `json:"proposal_type,omitempty"`
	IPFSCID           string     `json:"ipfs_cid,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastContactAt     *time.Time `json:"last_contact_at,omitempty"`
}

// Key returns the uniqueness key of the record.
func (r LeadRecord) Key() LeadKey {
	return LeadKey{PageID: r.PageID, UserPlatformID: r.UserPlatformID}
}

// LeadKey is the (page_id, user_platform_id) identity of a lead.
type LeadKey struct {
	PageID         string
	UserPlatformID string
}

// LeadUpsert carries the fields of one interaction. Empty strings and nil
// pointers mean "not provided" and never overwrite stored values.
type LeadUpsert struct {
	UserPlatformID    string     `json:"user_platform_id"`
	PageID            string     `json:"page_id"`
	Platform          string     `json:"platform"`
	AccountName       string     `json:"account_name"`
	Name              string     `json:"name,omitempty"`
	Company           string     `json:"company,omitempty"`
	ProjectType       string     `json:"project_type,omitempty"`
	Urgency           string     `json:"urgency,omitempty"`
	ContactPreference string     `json:"contact_preference,omitempty"`
	Budget            string     `json:"budget,omitempty"`
	Score             *int       `json:"score,omitempty"`
	Qualified         *bool      `json:"qualified,omitempty"`
	Status            string     `json:"status,omitempty"`
	ProposalURL       string     `json:"proposal_url,omitempty"`
	ProposalType      string     `json:"proposal_type,omitempty"`
	LastContactAt     *time.Time `json:"last_contact_at,omitempty"`
}

// Validate checks the minimum required fields of an upsert.
func (u *LeadUpsert) Validate() error {
	if u.UserPlatformID == "" {
		return ErrMissingUserPlatformID
	}
	return nil
}

// NormalizedPageID returns the page id the record will be keyed under.
func (u *LeadUpsert) NormalizedPageID() string {
	if u.PageID == "" {
		return DefaultLeadPageID
	}
	return u.PageID
}

// LeadFilters selects leads for listing and metrics. Zero values disable a filter.
type LeadFilters struct {
	AccountName string     `json:"account_name,omitempty"`
	PageID      string     `json:"page_id,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	Status      string     `json:"status,omitempty"`
	From        *time.Time `json:"from,omitempty"`
	To          *time.Time `json:"to,omitempty"`
	Limit       int        `json:"limit,omitempty"` // 0 means unlimited
}

// Match reports whether a record satisfies every set filter.
// The date range is inclusive on both ends.
func (f LeadFilters) Match(r LeadRecord) bool {
	if f.AccountName != "" && r.AccountName != f.AccountName {
		return false
	}
	if f.PageID != "" && r.PageID != f.PageID {
		return false
	}
	if f.Platform != "" && r.Platform != f.Platform {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.From != nil && r.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// LeadMetrics summarizes a filtered lead set.
type LeadMetrics struct {
	Total     int `json:"total"`
	Qualified int `json:"qualified"`
	Today     int `json:"today"`
}

// StartOfUTCDay returns midnight UTC of the day containing t.
func StartOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
