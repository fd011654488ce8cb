// Package store persists the execution log and daily P&L to a local sqlite
// database. The executions table is append-only and sufficient to rebuild
// daily P&L after a restart; rows older than the retention window are
// pruned on open.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"predictarb/pkg/types"
)

const retention = 30 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	success     INTEGER NOT NULL,
	profit      REAL NOT NULL,
	executed_at TIMESTAMP NOT NULL,
	result      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_executed_at ON executions(executed_at);

CREATE TABLE IF NOT EXISTS daily_pnl (
	date     TEXT PRIMARY KEY,
	realized REAL NOT NULL
);
`

// Store wraps the sqlite database. Safe for concurrent use; database/sql
// serializes access to the single connection sqlite allows for writes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path, migrates the schema, and
// prunes executions past retention.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if n, err := s.prune(time.Now().Add(-retention)); err != nil {
		s.logger.Warn("prune failed", "error", err)
	} else if n > 0 {
		s.logger.Info("pruned old executions", "rows", n)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveExecution appends one execution result.
func (s *Store) SaveExecution(r types.ExecutionResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO executions (id, kind, success, profit, executed_at, result)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), boolToInt(r.Success), r.RealizedProfit,
		r.ExecutedAt.UTC(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns the most recent results, newest first.
func (s *Store) ListExecutions(limit int) ([]types.ExecutionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT result FROM executions ORDER BY executed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var r types.ExecutionResult
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("unmarshal execution: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RealizedProfitSince sums execution profit from the cutoff forward. Used
// to rebuild daily P&L on startup.
func (s *Store) RealizedProfitSince(cutoff time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT SUM(profit) FROM executions WHERE executed_at >= ?`, cutoff.UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum profit: %w", err)
	}
	return total.Float64, nil
}

// UpsertDailyPnl writes the realized P&L for one UTC date ("2006-01-02").
func (s *Store) UpsertDailyPnl(date string, realized float64) error {
	_, err := s.db.Exec(
		`INSERT INTO daily_pnl (date, realized) VALUES (?, ?)
		 ON CONFLICT(date) DO UPDATE SET realized = excluded.realized`,
		date, realized,
	)
	if err != nil {
		return fmt.Errorf("upsert daily pnl: %w", err)
	}
	return nil
}

// DailyPnl reads one UTC date's realized P&L; ok=false when no row exists.
func (s *Store) DailyPnl(date string) (float64, bool, error) {
	var realized float64
	err := s.db.QueryRow(
		`SELECT realized FROM daily_pnl WHERE date = ?`, date).Scan(&realized)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query daily pnl: %w", err)
	}
	return realized, true, nil
}

func (s *Store) prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM executions WHERE executed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
