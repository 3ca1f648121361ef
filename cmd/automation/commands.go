package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"kanban-ai/internal/adapter/runlog"
	"kanban-ai/internal/domain"
	"kanban-ai/internal/infra/config"
	"kanban-ai/internal/infra/logger"
	"kanban-ai/internal/infra/tracer"
	"kanban-ai/internal/usecase/automation"
)

// bootstrap loads config and sets up logging and tracing. The returned
// cleanup must run before exit.
func bootstrap(ctx context.Context) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("logger: %w", err)
	}
	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, nil, nil, fmt.Errorf("tracer: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown", "error", err)
		}
		logCloser()
	}
	return cfg, log, cleanup, nil
}

func runAutomation() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	return a.serve(ctx)
}

func runCheck() error {
	ctx := context.Background()
	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	a.engine.Start(ctx)
	if err := a.engine.InitializeScheduledTriggers(ctx); err != nil {
		return err
	}
	for _, ch := range a.board.Channels() {
		a.engine.CheckThresholds(ctx, ch.ID)
	}
	// Cascading event triggers run in the background; let them finish.
	a.engine.Wait()
	printRuns(os.Stdout, a.board.Runs())
	return nil
}

func runNow(args []string) error {
	pos := positional(args)
	if len(pos) != 1 {
		return fmt.Errorf("usage: run-now INSTRUCTION_ID")
	}
	ctx := context.Background()
	cfg, log, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	a.engine.Start(ctx)
	res, err := a.engine.RunNow(ctx, pos[0])
	if err != nil {
		return err
	}
	a.engine.Wait()
	printResult(os.Stdout, res)
	return res.Err
}

func runHistory(args []string) error {
	pos := positional(args)
	if len(pos) != 1 {
		return fmt.Errorf("usage: history INSTRUCTION_ID [--limit N]")
	}
	limit, err := parseLimit(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Store.RunLogPath == "" {
		return fmt.Errorf("store.run_log_path is not configured")
	}
	runs, err := runlog.Open(cfg.Store.RunLogPath)
	if err != nil {
		return err
	}
	defer runs.Close()

	id := pos[0]
	if id == "all" {
		id = ""
	}
	list, err := runs.ListRuns(context.Background(), id, limit)
	if err != nil {
		return err
	}
	printRuns(os.Stdout, list)
	return nil
}

func runEncrypt(args []string) error {
	pos := positional(args)
	if len(pos) != 1 {
		return fmt.Errorf("usage: encrypt VALUE")
	}
	passphrase := os.Getenv("KANBANAI_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("KANBANAI_CONFIG_KEY is not set")
	}
	enc, err := config.EncryptValue(pos[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + enc)
	return nil
}

// parseLimit reads --limit N or --limit=N; 0 means the run log default.
func parseLimit(args []string) (int, error) {
	for i, arg := range args {
		var v string
		switch {
		case arg == "--limit" && i+1 < len(args):
			v = args[i+1]
		case strings.HasPrefix(arg, "--limit="):
			v = strings.TrimPrefix(arg, "--limit=")
		default:
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid --limit %q", v)
		}
		return n, nil
	}
	return 0, nil
}

func printResult(w io.Writer, res automation.ExecutionResult) {
	status := "ok"
	if !res.Record.Success {
		status = "failed: " + res.Record.Error
	}
	fmt.Fprintf(w, "%s  %s  cards=%d skipped=%d  %s\n",
		res.Record.Timestamp.Format(time.RFC3339), res.Record.TriggeredBy,
		res.Record.CardsAffected, res.CardsSkipped, status)
}

func printRuns(w io.Writer, runs []domain.InstructionRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tINSTRUCTION\tTRIGGER\tCARDS\tSTATUS")
	for _, r := range runs {
		status := "ok"
		if !r.Success {
			status = "failed: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Format(time.RFC3339), r.InstructionTitle, r.TriggeredBy, r.CardsAffected, status)
	}
	tw.Flush()
}
