// SPDX-License-Identifier: Apache-2.0

// Command cli inspects the gateway's run ledger and transcript store from
// the terminal, without going through the admin HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"github.com/switchboardhq/switchboard/internal/config"
	"github.com/switchboardhq/switchboard/internal/domain"
	"github.com/switchboardhq/switchboard/internal/ledger"
	"github.com/switchboardhq/switchboard/internal/transcript"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	cfg := config.Load()
	logger := newLogger()
	ctx := context.Background()

	led, err := ledger.Open(cfg.DatabasePath, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	defer led.Close()

	store, err := transcript.NewStore(
		cfg.LogDir,
		int64(cfg.MaxLogSizeMB)*1024*1024,
		time.Duration(cfg.LogCompressDays)*24*time.Hour,
		logger,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	args := os.Args[2:]

	var runErr error
	switch os.Args[1] {
	case "runs":
		runErr = listRuns(ctx, led, args)
	case "run":
		runErr = showRun(ctx, led, args)
	case "events":
		runErr = listEvents(ctx, led, args)
	case "transcript":
		runErr = showTranscript(store, args)
	case "denied":
		runErr = listDenied(ctx, led, args)
	case "backup":
		runErr = runBackup(led, args)
	case "stats":
		runErr = showStats(store)
	case "top":
		runErr = showTop(store, args)
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "error:", runErr)
		os.Exit(1)
	}
}

func listRuns(ctx context.Context, led *ledger.Ledger, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 0, "show at most N runs, newest first (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		runs []domain.RunRecord
		err  error
	)
	if *limit > 0 {
		runs, err = led.RecentRuns(ctx, *limit)
	} else {
		runs, err = led.AllRuns(ctx)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tMODEL\tSTARTED\tDURATION\tTOKENS")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.Status,
			run.Provider,
			run.Model,
			run.StartTime.Format(time.RFC3339),
			runDuration(run),
			tokensOrDash(run.TotalTokens),
		)
	}
	return w.Flush()
}

func showRun(ctx context.Context, led *ledger.Ledger, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: run <id>")
	}

	run, err := led.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("id:         %s\n", run.ID)
	fmt.Printf("status:     %s\n", run.Status)
	fmt.Printf("provider:   %s\n", run.Provider)
	fmt.Printf("model:      %s\n", run.Model)
	fmt.Printf("started:    %s\n", run.StartTime.Format(time.RFC3339))
	if run.EndTime != nil {
		fmt.Printf("ended:      %s\n", run.EndTime.Format(time.RFC3339))
		fmt.Printf("duration:   %s\n", runDuration(run))
	}
	fmt.Printf("tokens in:  %s\n", tokensOrDash(run.TokensIn))
	fmt.Printf("tokens out: %s\n", tokensOrDash(run.TokensOut))
	fmt.Printf("total:      %s\n", tokensOrDash(run.TotalTokens))
	if run.LogFile != "" {
		fmt.Printf("log file:   %s\n", run.LogFile)
	}
	if run.ErrorMessage != nil {
		fmt.Printf("error:      %s\n", *run.ErrorMessage)
	}
	return nil
}

func listEvents(ctx context.Context, led *ledger.Ledger, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: events <run-id>")
	}

	events, err := led.EventsForRun(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tDETAILS")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			ev.Timestamp.Format(time.RFC3339),
			ev.Type,
			ev.Details,
		)
	}
	return w.Flush()
}

func showTranscript(store *transcript.Store, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: transcript <run-id>")
	}

	text, err := store.Read(args[0])
	if err != nil {
		return err
	}

	fmt.Print(text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Println()
	}
	return nil
}

func listDenied(ctx context.Context, led *ledger.Ledger, args []string) error {
	fs := flag.NewFlagSet("denied", flag.ExitOnError)
	runID := fs.String("run", "", "only commands recorded for this run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rows, err := led.DeniedCommands(ctx, *runID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tCOMMAND")
	for _, row := range rows {
		run := row.RunID
		if run == "" {
			run = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n",
			row.Timestamp.Format(time.RFC3339),
			run,
			row.Command,
		)
	}
	return w.Flush()
}

func runBackup(led *ledger.Ledger, args []string) error {
	dest := ""
	if len(args) > 0 {
		dest = args[0]
	}
	fmt.Println(led.Backup(dest))
	return nil
}

func showStats(store *transcript.Store) error {
	stats, err := store.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("directory:   %s\n", store.Dir())
	fmt.Printf("transcripts: %d\n", stats.BlobCount)
	fmt.Printf("total bytes: %d\n", stats.TotalBytes)
	return nil
}

func showTop(store *transcript.Store, args []string) error {
	fs := flag.NewFlagSet("top", flag.ExitOnError)
	n := fs.Int("n", 10, "number of transcripts to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	blobs, err := store.Top(*n)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBYTES")
	for _, b := range blobs {
		fmt.Fprintf(w, "%s\t%s\n", b.Name, strconv.FormatInt(b.SizeBytes, 10))
	}
	return w.Flush()
}

func runDuration(run domain.RunRecord) string {
	if run.EndTime == nil {
		return "-"
	}
	return run.EndTime.Sub(run.StartTime).Round(time.Millisecond).String()
}

func tokensOrDash(n *int) string {
	if n == nil {
		return "-"
	}
	return strconv.Itoa(*n)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage(w *os.File) {
	_, _ = fmt.Fprintln(w, `usage: cli <command> [args]

commands:
  runs [-limit N]     list runs, newest first
  run <id>            show one run
  events <run-id>     print the event timeline for a run
  transcript <run-id> print a run transcript
  denied [-run <id>]  list denied commands
  backup [dest]       back up the ledger database
  stats               transcript store totals
  top [-n N]          largest transcripts on disk`)
}
