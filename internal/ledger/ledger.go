// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/switchboardhq/switchboard/internal/domain"
)

// Timestamps are stored as REAL fractional epoch seconds to stay readable
// with plain sqlite tooling.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromEpochSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

const runColumns = `id, start_time, end_time, provider, model, status,
	tokens_in, tokens_out, prompt_tokens, completion_tokens, total_tokens,
	cost_estimate, log_file, error_message`

// CreateRun inserts the starting record for a run with status running.
// A retry with the same id overwrites rather than duplicates.
func (l *Ledger) CreateRun(ctx context.Context, id, provider, model, logFile string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO runs (id, start_time, provider, model, status, log_file)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, epochSeconds(time.Now()), provider, model, string(domain.RunRunning), logFile,
	)
	if err != nil {
		l.logger.Error("create run failed", "run_id", id, "error", err)
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun applies a sparse patch: only non-nil fields touch columns.
// Updating an unknown id is a silent no-op, as is an empty patch.
func (l *Ledger) UpdateRun(ctx context.Context, id string, patch domain.RunPatch) error {
	if patch.IsEmpty() {
		return nil
	}

	set := make([]string, 0, 9)
	args := make([]any, 0, 10)
	if patch.EndTime != nil {
		set = append(set, "end_time = ?")
		args = append(args, epochSeconds(*patch.EndTime))
	}
	if patch.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.TokensIn != nil {
		set = append(set, "tokens_in = ?")
		args = append(args, *patch.TokensIn)
	}
	if patch.TokensOut != nil {
		set = append(set, "tokens_out = ?")
		args = append(args, *patch.TokensOut)
	}
	if patch.PromptTokens != nil {
		set = append(set, "prompt_tokens = ?")
		args = append(args, *patch.PromptTokens)
	}
	if patch.CompletionTokens != nil {
		set = append(set, "completion_tokens = ?")
		args = append(args, *patch.CompletionTokens)
	}
	if patch.TotalTokens != nil {
		set = append(set, "total_tokens = ?")
		args = append(args, *patch.TotalTokens)
	}
	if patch.CostEstimate != nil {
		set = append(set, "cost_estimate = ?")
		args = append(args, *patch.CostEstimate)
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	args = append(args, id)

	l.mu.Lock()
	defer l.mu.Unlock()

	query := `UPDATE runs SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		l.logger.Error("update run failed", "run_id", id, "error", err)
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

// AppendEvent records one timeline event for a run. Audit writes must never
// break the forwarding path, so failures are logged and swallowed here.
func (l *Ledger) AppendEvent(ctx context.Context, runID string, ts time.Time, event, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (run_id, timestamp, event, details) VALUES (?, ?, ?, ?)`,
		runID, epochSeconds(ts), event, details,
	)
	if err != nil {
		l.logger.Error("append event failed", "run_id", runID, "event", event, "error", err)
	}
}

// GetRun returns one run by id, or domain.ErrRunNotFound.
func (l *Ledger) GetRun(ctx context.Context, id string) (domain.RunRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, domain.ErrRunNotFound
	}
	if err != nil {
		return domain.RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

// RecentRuns returns the newest runs first, at most limit of them.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	return collectRuns(rows)
}

// AllRuns returns every run, newest first.
func (l *Ledger) AllRuns(ctx context.Context) ([]domain.RunRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return collectRuns(rows)
}

// EventsForRun returns a run's timeline oldest first. The id tiebreak keeps
// insertion order for events that share a timestamp.
func (l *Ledger) EventsForRun(ctx context.Context, runID string) ([]domain.EventRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, timestamp, event, details FROM events
		 WHERE run_id = ? ORDER BY timestamp ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.EventRecord
	for rows.Next() {
		var (
			rec domain.EventRecord
			ts  float64
		)
		if err := rows.Scan(&rec.RunID, &ts, &rec.Type, &rec.Details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		rec.Timestamp = fromEpochSeconds(ts)
		events = append(events, rec)
	}
	return events, rows.Err()
}

// AddDeniedCommand appends one audit row. An empty runID stores NULL.
func (l *Ledger) AddDeniedCommand(ctx context.Context, runID, command string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO denied_commands (timestamp, run_id, command) VALUES (?, ?, ?)`,
		epochSeconds(time.Now()), nullString(runID), command,
	)
	if err != nil {
		l.logger.Error("add denied command failed", "run_id", runID, "error", err)
		return fmt.Errorf("failed to add denied command: %w", err)
	}
	return nil
}

// DeniedCommands lists audit rows. Filtered by run the list reads oldest
// first; unfiltered it reads newest first. The asymmetry is historical and
// callers depend on it.
func (l *Ledger) DeniedCommands(ctx context.Context, runID string) ([]domain.DeniedCommandRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if runID != "" {
		rows, err = l.db.QueryContext(ctx,
			`SELECT timestamp, run_id, command FROM denied_commands
			 WHERE run_id = ? ORDER BY timestamp ASC`, runID)
	} else {
		rows, err = l.db.QueryContext(ctx,
			`SELECT timestamp, run_id, command FROM denied_commands
			 ORDER BY timestamp DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query denied commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var denied []domain.DeniedCommandRecord
	for rows.Next() {
		var (
			rec domain.DeniedCommandRecord
			ts  float64
			rid sql.NullString
		)
		if err := rows.Scan(&ts, &rid, &rec.Command); err != nil {
			return nil, fmt.Errorf("failed to scan denied command: %w", err)
		}
		rec.Timestamp = fromEpochSeconds(ts)
		rec.RunID = rid.String
		denied = append(denied, rec)
	}
	return denied, rows.Err()
}

// Backup copies the database file to dest. An empty dest picks a
// timestamped sibling of the live file. Best-effort: failures are logged
// and reported by returning a path with a .bak.error marker, never an error.
func (l *Ledger) Backup(dest string) string {
	ext := filepath.Ext(l.path)
	stem := strings.TrimSuffix(l.path, ext)
	if dest == "" {
		dest = stem + ".bak." + time.Now().Format("20060102150405") + ext
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.copyDatabase(dest); err != nil {
		l.logger.Error("backup failed", "dest", dest, "error", err)
		return stem + ".bak.error"
	}

	l.logger.Info("backup written", "dest", dest)
	return dest
}

func (l *Ledger) copyDatabase(dest string) error {
	// Fold WAL contents into the main file so a plain copy is complete.
	if _, err := l.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint before backup: %w", err)
	}

	src, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open database file: %w", err)
	}
	defer func() { _ = src.Close() }()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy database: %w", err)
	}
	return out.Close()
}

func collectRuns(rows *sql.Rows) ([]domain.RunRecord, error) {
	defer func() { _ = rows.Close() }()

	var runs []domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.RunRecord, error) {
	var (
		rec    domain.RunRecord
		start  float64
		end    sql.NullFloat64
		status string
		inTok  sql.NullInt64
		outTok sql.NullInt64
		prompt sql.NullInt64
		compl  sql.NullInt64
		total  sql.NullInt64
		cost   sql.NullFloat64
		errMsg sql.NullString
	)

	if err := row.Scan(&rec.ID, &start, &end, &rec.Provider, &rec.Model, &status,
		&inTok, &outTok, &prompt, &compl, &total, &cost, &rec.LogFile, &errMsg); err != nil {
		return domain.RunRecord{}, err
	}

	rec.StartTime = fromEpochSeconds(start)
	rec.Status = domain.RunStatus(status)
	if end.Valid {
		t := fromEpochSeconds(end.Float64)
		rec.EndTime = &t
	}
	rec.TokensIn = nullableInt(inTok)
	rec.TokensOut = nullableInt(outTok)
	rec.PromptTokens = nullableInt(prompt)
	rec.CompletionTokens = nullableInt(compl)
	rec.TotalTokens = nullableInt(total)
	if cost.Valid {
		c := cost.Float64
		rec.CostEstimate = &c
	}
	if errMsg.Valid {
		m := errMsg.String
		rec.ErrorMessage = &m
	}
	return rec, nil
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
