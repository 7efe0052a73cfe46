// Package dashboard renders the collector's summary page. Every value
// reaches the page through html/template, so error messages and URLs
// captured from clients are escaped.
package dashboard

import (
	_ "embed"
	"html/template"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/database"
)

//go:embed dashboard.html.tmpl
var pageTemplate string

var page = template.Must(template.New("dashboard").Parse(pageTemplate))

type TypeRow struct {
	Type  string
	Count string
	Share string
}

type ErrorRow struct {
	When    string
	Type    string
	Message string
	URL     string
	Session string
}

type FunnelRow struct {
	FunnelID       string
	Started        string
	Completed      string
	Abandoned      string
	ConversionRate string
	AvgCompletion  string
}

// Model is everything the page shows, already formatted.
type Model struct {
	Title       string
	GeneratedAt string
	TotalErrors string
	Sessions    string
	LastError   string
	Types       []TypeRow
	Recent      []ErrorRow
	Funnels     []FunnelRow
}

// NewModel formats s relative to now.
func NewModel(s database.Summary, now time.Time) Model {
	m := Model{
		Title:       "pagetrace",
		GeneratedAt: now.UTC().Format(time.RFC3339),
		TotalErrors: humanize.Comma(int64(s.TotalErrors)),
		Sessions:    humanize.Comma(int64(s.Sessions)),
		LastError:   "never",
	}
	if s.LastErrorAtMS > 0 {
		m.LastError = humanize.RelTime(time.UnixMilli(s.LastErrorAtMS), now, "ago", "from now")
	}

	for _, t := range s.ErrorsByType {
		m.Types = append(m.Types, TypeRow{
			Type:  t.Type,
			Count: humanize.Comma(int64(t.Count)),
			Share: percent(t.Count, s.TotalErrors),
		})
	}
	for _, e := range s.RecentErrors {
		m.Recent = append(m.Recent, ErrorRow{
			When:    humanize.RelTime(time.UnixMilli(e.Timestamp), now, "ago", "from now"),
			Type:    e.Type,
			Message: e.Message,
			URL:     e.URL,
			Session: e.SessionID,
		})
	}
	for _, f := range s.Funnels {
		row := FunnelRow{
			FunnelID:       f.FunnelID,
			Started:        humanize.Comma(int64(f.Started)),
			Completed:      humanize.Comma(int64(f.Completed)),
			Abandoned:      humanize.Comma(int64(f.Abandoned)),
			ConversionRate: percent(f.Completed, f.Started),
			AvgCompletion:  "-",
		}
		if f.AvgCompletionTimeMS > 0 {
			d := time.Duration(f.AvgCompletionTimeMS * float64(time.Millisecond))
			row.AvgCompletion = d.Round(time.Second).String()
		}
		m.Funnels = append(m.Funnels, row)
	}
	return m
}

func percent(part, whole int) string {
	if whole <= 0 {
		return "0%"
	}
	return humanize.FtoaWithDigits(float64(part)/float64(whole)*100, 1) + "%"
}

func Render(w io.Writer, m Model) error {
	if err := page.Execute(w, m); err != nil {
		return xerrors.Errorf("render dashboard: %w", err)
	}
	return nil
}
