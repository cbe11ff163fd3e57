// Command nhle-ingest pages through the National Heritage List for England,
// enriches records from their list entry pages and upserts them into a store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/nhle-ingest/internal/config"
	"github.com/Sternrassler/nhle-ingest/pkg/logging"
	"github.com/urfave/cli/v3"
)

const version = "0.1.0"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// exitError carries the process exit code for an action error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: exitUsage, err: err}
}

func failure(err error) error {
	return &exitError{code: exitFailed, err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newCommand(stdout, stderr)
	err := cmd.Run(ctx, args)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "nhle-ingest: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

func newCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "nhle-ingest",
		Usage:     "ingest listed buildings from the NHLE into a local store",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "resume", Usage: "continue from the stored cursor instead of starting fresh"},
			&cli.BoolFlag{Name: "reset", Usage: "clear the cursor and detail cache, then exit"},
			&cli.BoolFlag{Name: "stats", Usage: "print store statistics and exit"},
			&cli.StringFlag{Name: "export", Usage: "write the store as NDJSON to `DEST` (path or s3://bucket/key) and exit"},
			&cli.IntFlag{Name: "sample", Usage: "stop after `N` committed records"},
			&cli.BoolFlag{Name: "full", Usage: "run until the source is exhausted"},
			&cli.IntFlag{Name: "page-size", Usage: "records requested per page"},
			&cli.IntFlag{Name: "workers", Usage: "concurrent detail fetches per page"},
			&cli.BoolFlag{Name: "details", Value: true, Usage: "enrich records from list entry pages"},
			&cli.StringFlag{Name: "ledger", Usage: "ledger backend (file, postgres, redis)"},
			&cli.StringFlag{Name: "ledger-path", Usage: "file ledger `PATH`"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		// Exit codes are decided by run.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return action(ctx, cmd, stdout)
		},
	}
}

func action(ctx context.Context, cmd *cli.Command, out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return usageError(err)
	}
	if err := applyFlags(&cfg, cmd); err != nil {
		return usageError(err)
	}
	if err := cfg.Validate(); err != nil {
		return usageError(err)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Setup(logging.Config{Level: level, Pretty: cfg.LogPretty, Output: os.Stderr})

	modes := 0
	for _, name := range []string{"reset", "stats"} {
		if cmd.Bool(name) {
			modes++
		}
	}
	if cmd.String("export") != "" {
		modes++
	}
	if modes > 1 {
		return usageError(fmt.Errorf("--reset, --stats and --export are mutually exclusive"))
	}

	readOnly := cmd.Bool("stats") || cmd.String("export") != ""
	a, err := openApp(ctx, cfg, readOnly)
	if err != nil {
		return failure(err)
	}
	defer a.Close()

	a.serveMetrics(ctx)

	switch {
	case cmd.Bool("reset"):
		return a.reset(ctx, out)
	case cmd.Bool("stats"):
		return a.stats(ctx, out)
	case cmd.String("export") != "":
		return a.export(ctx, cmd.String("export"), out)
	}
	return a.ingest(ctx, cmd.Bool("resume"), out)
}

func applyFlags(cfg *config.Config, cmd *cli.Command) error {
	if cmd.IsSet("sample") && cmd.IsSet("full") {
		return fmt.Errorf("--sample and --full are mutually exclusive")
	}
	if cmd.IsSet("sample") {
		if cmd.Int("sample") <= 0 {
			return fmt.Errorf("--sample must be > 0")
		}
		cfg.SampleTarget = int64(cmd.Int("sample"))
	}
	if cmd.Bool("full") {
		cfg.SampleTarget = 0
	}
	if cmd.IsSet("page-size") {
		cfg.PageSize = int(cmd.Int("page-size"))
	}
	if cmd.IsSet("workers") {
		cfg.Workers = int(cmd.Int("workers"))
	}
	if cmd.IsSet("details") {
		cfg.Details = cmd.Bool("details")
	}
	if cmd.IsSet("ledger") {
		cfg.Ledger = cmd.String("ledger")
	}
	if cmd.IsSet("ledger-path") {
		cfg.LedgerPath = cmd.String("ledger-path")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	return nil
}
