package models

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestReceiptFields(t *testing.T) {
	r := Receipt{To: "+123", Provider: "meta", Status: MessageStatusSent, Time: 123456}
	if r.To != "+123" || r.Status != MessageStatusSent || r.Time != 123456 {
		t.Error("Receipt struct fields not set correctly")
	}
}

func TestLeadUpsertValidate(t *testing.T) {
	u := LeadUpsert{}
	if err := u.Validate(); !errors.Is(err, ErrMissingUserPlatformID) {
		t.Fatalf("expected ErrMissingUserPlatformID, got %v", err)
	}
	u.UserPlatformID = "42"
	if err := u.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := u.NormalizedPageID(); got != DefaultLeadPageID {
		t.Errorf("NormalizedPageID() = %q, want %q", got, DefaultLeadPageID)
	}
}

func TestLeadFiltersMatch(t *testing.T) {
	created := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	r := LeadRecord{AccountName: "flowoff", PageID: "p1", Platform: "instagram", Status: "new", CreatedAt: created}

	before := created.Add(-time.Hour)
	after := created.Add(time.Hour)
	tests := []struct {
		name string
		f    LeadFilters
		want bool
	}{
		{"empty", LeadFilters{}, true},
		{"account match", LeadFilters{AccountName: "flowoff"}, true},
		{"account mismatch", LeadFilters{AccountName: "other"}, false},
		{"page mismatch", LeadFilters{PageID: "p2"}, false},
		{"platform mismatch", LeadFilters{Platform: "whatsapp"}, false},
		{"status mismatch", LeadFilters{Status: "contacted"}, false},
		{"inclusive from", LeadFilters{From: &created}, true},
		{"inclusive to", LeadFilters{To: &created}, true},
		{"inside range", LeadFilters{From: &before, To: &after}, true},
		{"after range", LeadFilters{To: &before}, false},
		{"before range", LeadFilters{From: &after}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.Match(r); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStartOfUTCDay(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	in := time.Date(2025, 3, 10, 23, 30, 0, 0, loc) // 02:30 UTC on the 11th
	want := time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC)
	if got := StartOfUTCDay(in); !got.Equal(want) {
		t.Errorf("StartOfUTCDay() = %v, want %v", got, want)
	}
}

func TestAsAppError(t *testing.T) {
	v := ValidationError("message is required")
	if got := AsAppError(v); got != v || got.Status != http.StatusBadRequest {
		t.Errorf("AsAppError should return the validation error unchanged, got %+v", got)
	}

	ext := ExternalAPIError("graph send failed", errors.New("boom"), map[string]any{"status": 500})
	if ext.Status != http.StatusBadGateway || ext.Code != ErrorCodeExternalAPI {
		t.Errorf("unexpected external error: %+v", ext)
	}
	if ext.Error() != "graph send failed: boom" {
		t.Errorf("Error() = %q", ext.Error())
	}

	internal := AsAppError(errors.New("disk full"))
	if internal.Status != http.StatusInternalServerError || internal.Code != ErrorCodeInternal {
		t.Errorf("unexpected internal error: %+v", internal)
	}
}

func TestAPIResponseBuilder(t *testing.T) {
	resp := NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage("nope").
		WithCode(ErrorCodeValidation).
		Build()
	if resp.Status != "error" || resp.Message != "nope" || resp.Code != string(ErrorCodeValidation) {
		t.Errorf("unexpected response: %+v", resp)
	}
}
