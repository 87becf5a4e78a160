package api

import (
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/flowoff/flowcloser/internal/models"
)

// Default page sizes.
const (
	DefaultLeadsLimit     = 100
	DefaultDashboardLimit = 200
)

type leadsResponse struct {
	Data    []models.LeadRecord `json:"data"`
	Count   int                 `json:"count"`
	Metrics models.LeadMetrics  `json:"metrics"`
	Filters models.LeadFilters  `json:"filters"`
	Storage string              `json:"storage"`
}

// parseDate accepts RFC 3339 timestamps and plain YYYY-MM-DD dates.
// Unparseable values disable the filter.
func parseDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04", time.DateOnly} {
		if t, err := time.Parse(layout, value); err == nil {
			u := t.UTC()
			return &u
		}
	}
	slog.Debug("parseDate: ignoring unparseable date", "value", value)
	return nil
}

// parseFilters reads lead filters from a query string.
func parseFilters(q url.Values, defaultLimit int) models.LeadFilters {
	f := models.LeadFilters{
		AccountName: q.Get("account_name"),
		PageID:      q.Get("page_id"),
		Platform:    q.Get("platform"),
		Status:      q.Get("status"),
		From:        parseDate(q.Get("from")),
		To:          parseDate(q.Get("to")),
		Limit:       defaultLimit,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	// A bare end date covers the whole day.
	if f.To != nil && len(q.Get("to")) == len(time.DateOnly) {
		end := f.To.Add(24*time.Hour - time.Nanosecond)
		f.To = &end
	}
	return f
}

func (s *Server) leadsHandler(w http.ResponseWriter, r *http.Request) {
	filters := parseFilters(r.URL.Query(), DefaultLeadsLimit)
	leads, count, err := s.leads.List(r.Context(), filters)
	if err != nil {
		slog.Error("Server.leadsHandler: failed to list leads", "error", err)
		writeError(w, err)
		return
	}
	m, err := s.leads.Metrics(r.Context(), filters)
	if err != nil {
		slog.Error("Server.leadsHandler: failed to compute metrics", "error", err)
		writeError(w, err)
		return
	}
	if leads == nil {
		leads = []models.LeadRecord{}
	}
	writeJSONResponse(w, http.StatusOK, leadsResponse{
		Data:    leads,
		Count:   count,
		Metrics: m,
		Filters: filters,
		Storage: s.cfg.StorageName,
	})
}

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"orDash": func(s string) string {
		if s == "" {
			return "-"
		}
		return s
	},
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return t.UTC().Format("02/01/2006 15:04")
	},
	"dateInput": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format(time.DateOnly)
	},
}).Parse(`<!doctype html>
<html lang="pt-BR">
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="30">
<title>Leads | FlowCloser</title>
<style>
body { font-family: sans-serif; background: #0f172a; color: #e2e8f0; padding: 20px; }
table { width: 100%; border-collapse: collapse; margin-top: 20px; }
th, td { padding: 12px; border-bottom: 1px solid #1e293b; text-align: left; }
.card { background: #1e293b; padding: 15px; border-radius: 8px; display: inline-block; margin-right: 10px; }
form input, form select { background: #1e293b; color: #e2e8f0; border: 1px solid #334155; padding: 6px; }
</style>
</head>
<body>
<h1>Dashboard de Leads</h1>
<form method="get" action="/dashboard">
<input name="account_name" placeholder="Conta" value="{{.Filters.AccountName}}">
<input name="platform" placeholder="Plataforma" value="{{.Filters.Platform}}">
<input name="status" placeholder="Status" value="{{.Filters.Status}}">
<input type="date" name="from" value="{{dateInput .Filters.From}}">
<input type="date" name="to" value="{{dateInput .Filters.To}}">
<button type="submit">Filtrar</button>
</form>
<div class="card">Total: {{.Metrics.Total}}</div>
<div class="card">Qualificados: {{.Metrics.Qualified}}</div>
<div class="card">Hoje: {{.Metrics.Today}}</div>
<div class="card">Armazenamento: {{.Storage}}</div>
<table>
<thead>
<tr><th>Nome</th><th>Empresa</th><th>Score</th><th>Status</th><th>Conta</th><th>Plataforma</th><th>Qualificado</th><th>Projeto</th><th>Data</th></tr>
</thead>
<tbody>
{{range .Leads}}<tr>
<td>{{orDash .Name}}</td>
<td>{{orDash .Company}}</td>
<td>{{.Score}}</td>
<td>{{orDash .Status}}</td>
<td>{{.AccountName}}</td>
<td>{{.Platform}}</td>
<td>{{if .Qualified}}✅{{else}}–{{end}}</td>
<td>{{orDash .ProjectType}}</td>
<td>{{date .CreatedAt}}</td>
</tr>
{{else}}<tr><td colspan="9">Nenhum lead encontrado.</td></tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

type dashboardData struct {
	Leads   []models.LeadRecord
	Metrics models.LeadMetrics
	Filters models.LeadFilters
	Storage string
}

func (s *Server) dashboardHandler(w http.ResponseWriter, r *http.Request) {
	filters := parseFilters(r.URL.Query(), DefaultDashboardLimit)
	leads, _, err := s.leads.List(r.Context(), filters)
	if err != nil {
		slog.Error("Server.dashboardHandler: failed to list leads", "error", err)
		http.Error(w, "Erro ao carregar dashboard", http.StatusInternalServerError)
		return
	}
	m, err := s.leads.Metrics(r.Context(), filters)
	if err != nil {
		slog.Error("Server.dashboardHandler: failed to compute metrics", "error", err)
		http.Error(w, "Erro ao carregar dashboard", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := dashboardData{Leads: leads, Metrics: m, Filters: filters, Storage: s.cfg.StorageName}
	if err := dashboardTemplate.Execute(w, data); err != nil {
		slog.Error("Server.dashboardHandler: failed to render template", "error", err)
	}
}
