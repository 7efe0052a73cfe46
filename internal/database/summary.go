package database

import (
	"context"
	"database/sql"

	"golang.org/x/xerrors"
)

type ErrorTypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type RecentError struct {
	ErrorID   string `json:"errorId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	URL       string `json:"url"`
}

type FunnelStats struct {
	FunnelID            string  `json:"funnelId"`
	Started             int     `json:"started"`
	Completed           int     `json:"completed"`
	Abandoned           int     `json:"abandoned"`
	AvgCompletionTimeMS float64 `json:"avgCompletionTimeMs"`
}

type Summary struct {
	TotalErrors   int              `json:"totalErrors"`
	Sessions      int              `json:"sessions"`
	ErrorsByType  []ErrorTypeCount `json:"errorsByType"`
	RecentErrors  []RecentError    `json:"recentErrors"`
	Funnels       []FunnelStats    `json:"funnels"`
	LastErrorAtMS int64            `json:"lastErrorAtMs"`
}

// Summary aggregates what the collector has stored. recent bounds the
// number of RecentErrors returned.
func (d *Database) Summary(ctx context.Context, recent int) (Summary, error) {
	var summary Summary

	var last sql.NullInt64
	err := d.db.QueryRowContext(ctx, `
	SELECT COUNT(*), COUNT(DISTINCT session_id), MAX(ts) FROM error_events`).
		Scan(&summary.TotalErrors, &summary.Sessions, &last)
	if err != nil {
		return Summary{}, xerrors.Errorf("failed to count errors: %w", err)
	}
	summary.LastErrorAtMS = last.Int64

	rows, err := d.db.QueryContext(ctx, `
	SELECT type, COUNT(*) FROM error_events GROUP BY type ORDER BY COUNT(*) DESC, type`)
	if err != nil {
		return Summary{}, xerrors.Errorf("failed to group errors: %w", err)
	}
	for rows.Next() {
		var c ErrorTypeCount
		if err := rows.Scan(&c.Type, &c.Count); err != nil {
			rows.Close()
			return Summary{}, xerrors.Errorf("failed to scan error count: %w", err)
		}
		summary.ErrorsByType = append(summary.ErrorsByType, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Summary{}, xerrors.Errorf("failed to iterate error counts: %w", err)
	}

	rows, err = d.db.QueryContext(ctx, `
	SELECT error_id, session_id, ts, type, message, COALESCE(url, '')
	FROM error_events ORDER BY ts DESC, id DESC LIMIT ?`, recent)
	if err != nil {
		return Summary{}, xerrors.Errorf("failed to query recent errors: %w", err)
	}
	for rows.Next() {
		var e RecentError
		if err := rows.Scan(&e.ErrorID, &e.SessionID, &e.Timestamp, &e.Type, &e.Message, &e.URL); err != nil {
			rows.Close()
			return Summary{}, xerrors.Errorf("failed to scan recent error: %w", err)
		}
		summary.RecentErrors = append(summary.RecentErrors, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Summary{}, xerrors.Errorf("failed to iterate recent errors: %w", err)
	}

	rows, err = d.db.QueryContext(ctx, `
	SELECT funnel_id,
	  SUM(type = 'funnel_started'),
	  SUM(type = 'funnel_completed'),
	  SUM(type = 'funnel_abandoned'),
	  COALESCE(AVG(CASE WHEN type = 'funnel_completed' THEN json_extract(data_json, '$.completionTime') END), 0)
	FROM funnel_events GROUP BY funnel_id ORDER BY funnel_id`)
	if err != nil {
		return Summary{}, xerrors.Errorf("failed to aggregate funnels: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f FunnelStats
		if err := rows.Scan(&f.FunnelID, &f.Started, &f.Completed, &f.Abandoned, &f.AvgCompletionTimeMS); err != nil {
			return Summary{}, xerrors.Errorf("failed to scan funnel stats: %w", err)
		}
		summary.Funnels = append(summary.Funnels, f)
	}
	if err := rows.Err(); err != nil {
		return Summary{}, xerrors.Errorf("failed to iterate funnel stats: %w", err)
	}
	return summary, nil
}
