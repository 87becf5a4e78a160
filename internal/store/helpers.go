package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
)

// sqliteTimeLayout is fixed width so that TEXT comparison orders like time.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// leadColumns is the column list shared by every lead query.
const leadColumns = `id, user_platform_id, page_id, platform, account_name, name, company,
	project_type, urgency, contact_preference, budget, score, qualified, status,
	proposal_url, proposal_type, ipfs_cid, created_at, updated_at, last_contact_at`

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// positional renders the n-th (1-based) placeholder.
	positional func(n int) string
	// encodeTime converts a timestamp into a driver value.
	encodeTime func(t time.Time) any
}

var sqliteDialect = dialect{
	name:       "sqlite",
	positional: func(int) string { return "?" },
	encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
}

var postgresDialect = dialect{
	name:       "postgres",
	positional: func(n int) string { return "$" + strconv.Itoa(n) },
	encodeTime: func(t time.Time) any { return t.UTC() },
}

// sqlLeads implements the lead contract on top of database/sql. The merge is
// computed in Go inside a transaction so every backend shares one semantics.
type sqlLeads struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// parseDBTime accepts the value shapes the drivers hand back for timestamps.
func parseDBTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimeText(string(t))
	case string:
		return parseTimeText(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func parseTimeText(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanLead scans one row produced by a leadColumns select.
func scanLead(row rowScanner) (models.LeadRecord, error) {
	var r models.LeadRecord
	var projectType, urgency, contactPref, proposalURL, proposalType, cid sql.NullString
	var created, updated, lastContact any
	err := row.Scan(
		&r.ID, &r.UserPlatformID, &r.PageID, &r.Platform, &r.AccountName, &r.Name, &r.Company,
		&projectType, &urgency, &contactPref, &r.Budget, &r.Score, &r.Qualified, &r.Status,
		&proposalURL, &proposalType, &cid, &created, &updated, &lastContact,
	)
	if err != nil {
		return r, err
	}
	r.ProjectType = projectType.String
	r.Urgency = urgency.String
	r.ContactPreference = contactPref.String
	r.ProposalURL = proposalURL.String
	r.ProposalType = proposalType.String
	r.IPFSCID = cid.String
	if r.CreatedAt, err = parseDBTime(created); err != nil {
		return r, fmt.Errorf("scan created_at failed: %w", err)
	}
	if r.UpdatedAt, err = parseDBTime(updated); err != nil {
		return r, fmt.Errorf("scan updated_at failed: %w", err)
	}
	last, err := parseDBTime(lastContact)
	if err != nil {
		return r, fmt.Errorf("scan last_contact_at failed: %w", err)
	}
	if !last.IsZero() {
		r.LastContactAt = &last
	}
	return r, nil
}

// bind rewrites '?' placeholders into the dialect's positional form.
func (s *sqlLeads) bind(query string) string {
	if s.dialect.name == "sqlite" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString(s.dialect.positional(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *sqlLeads) timeArg(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return s.dialect.encodeTime(*t)
}

// where renders the filter predicates; the limit is not included.
func (s *sqlLeads) where(filters models.LeadFilters) (string, []any) {
	var conds []string
	var args []any
	eq := func(col, v string) {
		if v != "" {
			conds = append(conds, col+" = ?")
			args = append(args, v)
		}
	}
	eq("account_name", filters.AccountName)
	eq("page_id", filters.PageID)
	eq("platform", filters.Platform)
	eq("status", filters.Status)
	if filters.From != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, s.dialect.encodeTime(*filters.From))
	}
	if filters.To != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, s.dialect.encodeTime(*filters.To))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqlLeads) upsert(ctx context.Context, in models.LeadUpsert) (models.LeadRecord, error) {
	if err := in.Validate(); err != nil {
		return models.LeadRecord{}, err
	}
	key := models.LeadKey{PageID: in.NormalizedPageID(), UserPlatformID: in.UserPlatformID}
	now := s.now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.LeadRecord{}, fmt.Errorf("begin upsert failed: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanLead(tx.QueryRowContext(ctx,
		s.bind(`SELECT `+leadColumns+` FROM leads WHERE page_id = ? AND user_platform_id = ?`),
		key.PageID, key.UserPlatformID))
	var rec models.LeadRecord
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rec = newLead(in, now)
		_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO leads (`+leadColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), s.leadArgs(rec)...)
		if err != nil {
			return models.LeadRecord{}, fmt.Errorf("insert lead failed: %w", err)
		}
	case err != nil:
		return models.LeadRecord{}, fmt.Errorf("load lead failed: %w", err)
	default:
		rec = mergeLead(existing, in, now)
		args := s.leadArgs(rec)
		// id, user_platform_id and page_id are the identity; the rest is rewritten.
		_, err = tx.ExecContext(ctx, s.bind(`UPDATE leads SET platform = ?, account_name = ?, name = ?,
			company = ?, project_type = ?, urgency = ?, contact_preference = ?, budget = ?, score = ?,
			qualified = ?, status = ?, proposal_url = ?, proposal_type = ?, ipfs_cid = ?, created_at = ?,
			updated_at = ?, last_contact_at = ? WHERE id = ?`), append(args[3:], rec.ID)...)
		if err != nil {
			return models.LeadRecord{}, fmt.Errorf("update lead failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return models.LeadRecord{}, fmt.Errorf("commit upsert failed: %w", err)
	}
	slog.Debug("sqlLeads.upsert succeeded", "backend", s.dialect.name, "id", rec.ID, "page_id", key.PageID)
	return rec, nil
}

func (s *sqlLeads) leadArgs(r models.LeadRecord) []any {
	return []any{
		r.ID, r.UserPlatformID, r.PageID, r.Platform, r.AccountName, r.Name, r.Company,
		nilIfEmpty(r.ProjectType), nilIfEmpty(r.Urgency), nilIfEmpty(r.ContactPreference), r.Budget,
		r.Score, r.Qualified, r.Status, nilIfEmpty(r.ProposalURL), nilIfEmpty(r.ProposalType),
		nilIfEmpty(r.IPFSCID), s.dialect.encodeTime(r.CreatedAt), s.dialect.encodeTime(r.UpdatedAt),
		s.timeArg(r.LastContactAt),
	}
}

func (s *sqlLeads) list(ctx context.Context, filters models.LeadFilters) ([]models.LeadRecord, int, error) {
	where, args := s.where(filters)

	var count int
	if err := s.db.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM leads`+where), args...).Scan(&count); err != nil {
		slog.Error("sqlLeads.list count failed", "backend", s.dialect.name, "error", err)
		return nil, 0, fmt.Errorf("failed to count leads: %w", err)
	}

	query := `SELECT ` + leadColumns + ` FROM leads` + where + ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(filters.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		slog.Error("sqlLeads.list query failed", "backend", s.dialect.name, "error", err)
		return nil, 0, fmt.Errorf("failed to query leads: %w", err)
	}
	defer rows.Close()

	out := []models.LeadRecord{}
	for rows.Next() {
		r, err := scanLead(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan lead row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate lead rows: %w", err)
	}
	return out, count, nil
}

func (s *sqlLeads) metrics(ctx context.Context, filters models.LeadFilters) (models.LeadMetrics, error) {
	where, args := s.where(filters)
	today := s.dialect.encodeTime(models.StartOfUTCDay(s.now()))
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN qualified THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN created_at >= ? THEN 1 ELSE 0 END), 0)
		FROM leads` + where
	var m models.LeadMetrics
	err := s.db.QueryRowContext(ctx, s.bind(query), append([]any{today}, args...)...).
		Scan(&m.Total, &m.Qualified, &m.Today)
	if err != nil {
		slog.Error("sqlLeads.metrics failed", "backend", s.dialect.name, "error", err)
		return m, fmt.Errorf("failed to compute lead metrics: %w", err)
	}
	return m, nil
}

func (s *sqlLeads) setCID(ctx context.Context, key models.LeadKey, cid string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`UPDATE leads SET ipfs_cid = ? WHERE page_id = ? AND user_platform_id = ?`),
		cid, key.PageID, key.UserPlatformID)
	if err != nil {
		return fmt.Errorf("failed to set lead cid: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("lead %s/%s not found", key.PageID, key.UserPlatformID)
	}
	return nil
}

func (s *sqlLeads) deleteByUser(ctx context.Context, userPlatformID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM leads WHERE user_platform_id = ?`), userPlatformID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete leads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted leads: %w", err)
	}
	return int(n), nil
}
