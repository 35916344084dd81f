package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/tannatlabs/lens/pkg/logger"
	"github.com/tannatlabs/lens/pkg/pipeline"
	"github.com/tannatlabs/lens/pkg/store/duckdb"
)

const (
	defaultModel     = string(anthropic.ModelClaudeSonnet4_5)
	defaultMaxTokens = 4096
	defaultDeadline  = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	duckdbPathFlag := flag.String("duckdb-path", ".tmp/lens/reviews.duckdb", "DuckDB database file (or set LENS_DUCKDB_PATH env var)")
	modelFlag := flag.String("model", defaultModel, "Anthropic model identifier")
	maxTokensFlag := flag.Int64("max-tokens", defaultMaxTokens, "Max tokens per model response")
	deadlineFlag := flag.Duration("deadline", defaultDeadline, "Per-request deadline (0 disables)")
	quietFlag := flag.Bool("quiet", false, "suppress progress output")

	flag.Parse()

	question := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if question == "" {
		return fmt.Errorf("usage: lens [flags] <question>")
	}

	_ = godotenv.Load()
	if env := os.Getenv("LENS_DUCKDB_PATH"); env != "" {
		*duckdbPathFlag = env
	}
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY must be set")
	}

	log := logger.New(*verboseFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := duckdb.New(duckdb.Config{Logger: log, Path: *duckdbPathFlag})
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer st.Close()

	prompts, err := pipeline.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	orchestrator, err := pipeline.NewOrchestrator(pipeline.Config{
		Logger:    log,
		LLM:       pipeline.NewAnthropicLLMClient(log, anthropic.Model(*modelFlag), *maxTokensFlag),
		Store:     st,
		Prompts:   prompts,
		Deadline:  *deadlineFlag,
		FollowUps: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	var progress pipeline.ProgressFunc
	if !*quietFlag {
		progress = func(ev pipeline.ProgressEvent) {
			if ev.Status == pipeline.ProgressProcessing {
				fmt.Fprintf(os.Stderr, "... %s\n", ev.Message)
			}
		}
	}

	final, err := orchestrator.Ask(ctx, question, nil, progress)
	if err != nil {
		return err
	}

	fmt.Println(final.Text)
	for _, artifact := range final.Artifacts {
		if artifact.Table != nil && artifact.Table.Rendered != "" {
			fmt.Println()
			fmt.Print(artifact.Table.Rendered)
		}
	}
	if len(final.FollowUps) > 0 {
		fmt.Println("\nYou could also ask:")
		for _, q := range final.FollowUps {
			fmt.Printf("  - %s\n", q)
		}
	}
	return nil
}
