// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/switchboardhq/switchboard/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "runs.db"), discardLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func statusPtr(s domain.RunStatus) *domain.RunStatus { return &s }
func intPtr(n int) *int                              { return &n }
func strPtr(s string) *string                        { return &s }

func TestCreateRunUpsert(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if err := l.CreateRun(ctx, "run-1", "openai", "gpt-4o", "logs/run-1.log"); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := l.CreateRun(ctx, "run-1", "anthropic", "", "logs/run-1.log"); err != nil {
		t.Fatalf("recreate run: %v", err)
	}

	rec, err := l.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if rec.Provider != "anthropic" {
		t.Fatalf("expected overwrite to win, got provider %q", rec.Provider)
	}
	if rec.Model != "" {
		t.Fatalf("expected empty model, got %q", rec.Model)
	}
	if rec.Status != domain.RunRunning {
		t.Fatalf("expected status running, got %q", rec.Status)
	}

	all, err := l.AllRuns(ctx)
	if err != nil {
		t.Fatalf("all runs: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 run after upsert, got %d", len(all))
	}
}

func TestUpdateRunSparsePatch(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if err := l.CreateRun(ctx, "run-1", "openai", "gpt-4o", "logs/run-1.log"); err != nil {
		t.Fatalf("create run: %v", err)
	}

	end := time.Now()
	err := l.UpdateRun(ctx, "run-1", domain.RunPatch{
		EndTime: &end,
		Status:  statusPtr(domain.RunSuccess),
	})
	if err != nil {
		t.Fatalf("update run: %v", err)
	}

	// A later patch must not clobber fields it does not mention.
	err = l.UpdateRun(ctx, "run-1", domain.RunPatch{
		TokensIn:  intPtr(5),
		TokensOut: intPtr(7),
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	rec, err := l.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if rec.Status != domain.RunSuccess {
		t.Fatalf("expected status success, got %q", rec.Status)
	}
	if rec.EndTime == nil {
		t.Fatal("expected end_time set")
	}
	if rec.EndTime.Before(rec.StartTime) {
		t.Fatalf("end %v before start %v", rec.EndTime, rec.StartTime)
	}
	if rec.TokensIn == nil || *rec.TokensIn != 5 {
		t.Fatalf("expected tokens_in 5, got %v", rec.TokensIn)
	}
	if rec.TokensOut == nil || *rec.TokensOut != 7 {
		t.Fatalf("expected tokens_out 7, got %v", rec.TokensOut)
	}
	if rec.TotalTokens != nil {
		t.Fatalf("expected total_tokens absent, got %v", *rec.TotalTokens)
	}
	if rec.ErrorMessage != nil {
		t.Fatalf("expected no error message, got %q", *rec.ErrorMessage)
	}
}

func TestUpdateRunEmptyPatch(t *testing.T) {
	l := testLedger(t)

	if err := l.UpdateRun(context.Background(), "missing", domain.RunPatch{}); err != nil {
		t.Fatalf("empty patch should be a no-op, got %v", err)
	}
	// Patching an unknown id is silent too.
	err := l.UpdateRun(context.Background(), "missing", domain.RunPatch{
		ErrorMessage: strPtr("boom"),
	})
	if err != nil {
		t.Fatalf("patch on unknown id should not error, got %v", err)
	}
}

func TestGetRunNotFound(t *testing.T) {
	l := testLedger(t)

	_, err := l.GetRun(context.Background(), "nope")
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunsNewestFirst(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if err := l.CreateRun(ctx, id, "openai", "", ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	recent, err := l.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(recent))
	}
	if recent[0].ID != "run-c" || recent[1].ID != "run-b" {
		t.Fatalf("expected newest first, got %s, %s", recent[0].ID, recent[1].ID)
	}

	all, err := l.AllRuns(ctx)
	if err != nil {
		t.Fatalf("all runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "run-c" || all[2].ID != "run-a" {
		t.Fatalf("expected start_time DESC, got %s .. %s", all[0].ID, all[2].ID)
	}
}

func TestEventsOrderedByTimestamp(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	base := time.Now()
	// Insert out of chronological order.
	l.AppendEvent(ctx, "run-1", base.Add(2*time.Second), domain.EventRequestFinished, "200")
	l.AppendEvent(ctx, "run-1", base, domain.EventRequestReceived, "/v1/chat/completions")
	l.AppendEvent(ctx, "run-1", base.Add(time.Second), domain.EventRequestSent, "https://api.openai.com/v1/chat/completions")
	l.AppendEvent(ctx, "run-other", base, domain.EventRequestReceived, "")

	events, err := l.EventsForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("events for run: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{domain.EventRequestReceived, domain.EventRequestSent, domain.EventRequestFinished}
	for i, w := range want {
		if events[i].Type != w {
			t.Fatalf("event %d: expected %s got %s", i, w, events[i].Type)
		}
	}
	for i := 1; i < len(events); i++ {
		if events[i].Timestamp.Before(events[i-1].Timestamp) {
			t.Fatalf("timestamps not non-decreasing at %d", i)
		}
	}
}

func TestEventsEqualTimestampKeepInsertionOrder(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	ts := time.Now()
	l.AppendEvent(ctx, "run-1", ts, domain.EventRequestReceived, "")
	l.AppendEvent(ctx, "run-1", ts, domain.EventRequestSent, "")

	events, err := l.EventsForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("events for run: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != domain.EventRequestReceived || events[1].Type != domain.EventRequestSent {
		t.Fatalf("expected insertion order on timestamp tie, got %s, %s",
			events[0].Type, events[1].Type)
	}
}

func TestAppendEventNeverFailsCaller(t *testing.T) {
	l := testLedger(t)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Database is closed; the append must swallow the failure.
	l.AppendEvent(context.Background(), "run-1", time.Now(), domain.EventError, "late write")
}

func TestDeniedCommandOrderingAsymmetry(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	add := func(runID, cmd string) {
		t.Helper()
		if err := l.AddDeniedCommand(ctx, runID, cmd); err != nil {
			t.Fatalf("add denied command: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	add("run-1", "rm -rf /")
	add("", "curl evil.example")
	add("run-1", "sudo reboot")

	filtered, err := l.DeniedCommands(ctx, "run-1")
	if err != nil {
		t.Fatalf("denied commands filtered: %v", err)
	}
	if len(filtered) != 2 {
		t.Fatalf("expected 2 filtered rows, got %d", len(filtered))
	}
	if filtered[0].Command != "rm -rf /" || filtered[1].Command != "sudo reboot" {
		t.Fatalf("expected oldest first when filtered, got %q, %q",
			filtered[0].Command, filtered[1].Command)
	}

	all, err := l.DeniedCommands(ctx, "")
	if err != nil {
		t.Fatalf("denied commands unfiltered: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(all))
	}
	if all[0].Command != "sudo reboot" {
		t.Fatalf("expected newest first unfiltered, got %q", all[0].Command)
	}
	if all[2].RunID != "run-1" {
		t.Fatalf("expected run id preserved, got %q", all[2].RunID)
	}
	if all[1].RunID != "" {
		t.Fatalf("expected empty run id for global entry, got %q", all[1].RunID)
	}
}

func TestBackupDefaultName(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	if err := l.CreateRun(ctx, "run-1", "openai", "gpt-4o", ""); err != nil {
		t.Fatalf("create run: %v", err)
	}

	dest := l.Backup("")
	if !regexp.MustCompile(`runs\.bak\.\d{14}\.db$`).MatchString(dest) {
		t.Fatalf("unexpected backup name %q", dest)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty backup")
	}

	// The copy must be a loadable database containing the run.
	backup, err := Open(dest, discardLogger())
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer func() { _ = backup.Close() }()
	if _, err := backup.GetRun(ctx, "run-1"); err != nil {
		t.Fatalf("run missing from backup: %v", err)
	}
}

func TestBackupExplicitDest(t *testing.T) {
	l := testLedger(t)

	dest := filepath.Join(t.TempDir(), "copy.db")
	if got := l.Backup(dest); got != dest {
		t.Fatalf("expected %q, got %q", dest, got)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("stat backup: %v", err)
	}
}

func TestBackupFailureReturnsErrorMarker(t *testing.T) {
	l := testLedger(t)

	dest := filepath.Join(t.TempDir(), "missing", "deep", "copy.db")
	got := l.Backup(dest)
	if filepath.Base(got) != "runs.bak.error" {
		t.Fatalf("expected error marker path, got %q", got)
	}
}

func TestEpochSecondsRoundTrip(t *testing.T) {
	now := time.Now()
	got := fromEpochSeconds(epochSeconds(now))
	if d := math.Abs(float64(got.Sub(now))); d > float64(2*time.Microsecond) {
		t.Fatalf("round trip drifted by %v", time.Duration(d))
	}
}
