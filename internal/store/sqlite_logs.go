package store

import (
	"context"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Request log
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (user_id, account_id, model, input_tokens, output_tokens,
			cost_usd, status, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.UserID, l.AccountID, l.Model, l.InputTokens, l.OutputTokens,
		l.CostUSD, l.Status, l.DurationMs, l.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error) {
	where, args := buildLogWhere(opts.UserID, opts.AccountID, time.Time{}, time.Time{})

	var total int
	_ = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := make([]interface{}, len(args))
	copy(fetchArgs, args)
	fetchArgs = append(fetchArgs, limit, opts.Offset)

	query := fmt.Sprintf(`SELECT id, user_id, account_id, model, input_tokens, output_tokens,
		cost_usd, status, duration_ms, created_at
		FROM request_log WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)

	rows, err := s.db.QueryContext(ctx, query, fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		if err := rows.Scan(&l.ID, &l.UserID, &l.AccountID, &l.Model,
			&l.InputTokens, &l.OutputTokens, &l.CostUSD, &l.Status, &l.DurationMs, &ts); err != nil {
			return nil, 0, err
		}
		l.CreatedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildLogWhere(userID, accountID string, since, until time.Time) (string, []interface{}) {
	where := "1=1"
	var args []interface{}
	if userID != "" {
		where += " AND user_id = ?"
		args = append(args, userID)
	}
	if accountID != "" {
		where += " AND account_id = ?"
		args = append(args, accountID)
	}
	if !since.IsZero() {
		where += " AND created_at >= ?"
		args = append(args, since.Unix())
	}
	if !until.IsZero() {
		where += " AND created_at < ?"
		args = append(args, until.Unix())
	}
	return where, args
}

// ---------------------------------------------------------------------------
// Dashboard & analytics queries
// ---------------------------------------------------------------------------

// QueryUsagePeriods returns request/token/cost totals for a set of rolling
// windows (today, yesterday, 3d, 7d, 30d), optionally scoped to one user.
func (s *SQLiteStore) QueryUsagePeriods(ctx context.Context, userID string) ([]UsagePeriod, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterdayStart := todayStart.Add(-24 * time.Hour)

	periods := []struct {
		label string
		since time.Time
		until time.Time
	}{
		{"today", todayStart, now},
		{"yesterday", yesterdayStart, todayStart},
		{"3d", now.Add(-3 * 24 * time.Hour), now},
		{"7d", now.Add(-7 * 24 * time.Hour), now},
		{"30d", now.Add(-30 * 24 * time.Hour), now},
	}

	result := make([]UsagePeriod, 0, len(periods))
	for _, p := range periods {
		where, args := buildLogWhere(userID, "", p.since, p.until)
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cost_usd),0)
			FROM request_log WHERE %s`, where), args...)
		up := UsagePeriod{Label: p.label}
		if err := row.Scan(&up.Requests, &up.InputTokens, &up.OutputTokens, &up.CostUSD); err != nil {
			return nil, err
		}
		result = append(result, up)
	}
	return result, nil
}

// QueryUserTotalCosts returns lifetime cost in USD for every user that has
// logged at least one request.
func (s *SQLiteStore) QueryUserTotalCosts(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(SUM(cost_usd),0) FROM request_log GROUP BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]float64)
	for rows.Next() {
		var userID string
		var cost float64
		if err := rows.Scan(&userID, &cost); err != nil {
			return nil, err
		}
		result[userID] = cost
	}
	return result, rows.Err()
}

// QueryModelUsage returns a per-model usage breakdown over the trailing 7
// days, optionally scoped to one user, ordered by total tokens descending.
func (s *SQLiteStore) QueryModelUsage(ctx context.Context, userID string) ([]ModelUsageRow, error) {
	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	where, args := buildLogWhere(userID, "", since, time.Time{})

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT model, COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
		COALESCE(SUM(cost_usd),0)
		FROM request_log WHERE %s GROUP BY model ORDER BY SUM(input_tokens + output_tokens) DESC`, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ModelUsageRow
	for rows.Next() {
		var m ModelUsageRow
		if err := rows.Scan(&m.Model, &m.Requests, &m.InputTokens, &m.OutputTokens, &m.CostUSD); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
