package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/tannatlabs/lens/pkg/api"
	"github.com/tannatlabs/lens/pkg/api/metrics"
	"github.com/tannatlabs/lens/pkg/logger"
	"github.com/tannatlabs/lens/pkg/pipeline"
	"github.com/tannatlabs/lens/pkg/runlog"
	"github.com/tannatlabs/lens/pkg/store/clickhouse"
	"github.com/tannatlabs/lens/pkg/store/duckdb"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr        = "0.0.0.0:3020"
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultModel             = string(anthropic.ModelClaudeSonnet4_5)
	defaultMaxTokens         = 4096
	defaultDeadline          = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")
	readHeaderTimeoutFlag := flag.Duration("read-header-timeout", defaultReadHeaderTimeout, "HTTP read header timeout")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", defaultShutdownTimeout, "Server shutdown timeout")

	storeFlag := flag.String("store", "duckdb", "Datastore backend: duckdb or clickhouse")
	duckdbPathFlag := flag.String("duckdb-path", ".tmp/lens/reviews.duckdb", "DuckDB database file (or set LENS_DUCKDB_PATH env var)")
	clickhouseAddrFlag := flag.String("clickhouse-addr", "localhost:9000", "ClickHouse address (or set LENS_CLICKHOUSE_ADDR env var)")
	clickhouseDBFlag := flag.String("clickhouse-db", "reviews", "ClickHouse database name")
	clickhouseUserFlag := flag.String("clickhouse-user", "default", "ClickHouse username")
	clickhouseTLSFlag := flag.Bool("clickhouse-tls", false, "Use TLS for ClickHouse")

	modelFlag := flag.String("model", defaultModel, "Anthropic model identifier")
	maxTokensFlag := flag.Int64("max-tokens", defaultMaxTokens, "Max tokens per model response")
	deadlineFlag := flag.Duration("deadline", defaultDeadline, "Per-request deadline (0 disables)")
	runLogFlag := flag.String("run-log", "", "Path to a JSONL run log (empty disables)")
	followUpsFlag := flag.Bool("follow-ups", true, "Suggest follow-up questions after each answer")

	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	if env := os.Getenv("LENS_DUCKDB_PATH"); env != "" {
		*duckdbPathFlag = env
	}
	if env := os.Getenv("LENS_CLICKHOUSE_ADDR"); env != "" {
		*clickhouseAddrFlag = env
	}

	log := logger.New(*verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY must be set")
	}

	var (
		st  pipeline.Store
		err error
	)
	switch *storeFlag {
	case "duckdb":
		var s *duckdb.Store
		s, err = duckdb.New(duckdb.Config{Logger: log, Path: *duckdbPathFlag})
		if err == nil {
			defer s.Close()
			st = s
		}
	case "clickhouse":
		var s *clickhouse.Store
		s, err = clickhouse.New(clickhouse.Config{
			Logger:   log,
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDBFlag,
			Username: *clickhouseUserFlag,
			Password: os.Getenv("LENS_CLICKHOUSE_PASSWORD"),
			UseTLS:   *clickhouseTLSFlag,
		})
		if err == nil {
			defer s.Close()
			st = s
		}
	default:
		return fmt.Errorf("unknown store backend %q", *storeFlag)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s store: %w", *storeFlag, err)
	}
	log.Info("using datastore", "backend", *storeFlag)

	prompts, err := pipeline.LoadPrompts()
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	cfg := pipeline.Config{
		Logger:    log,
		LLM:       pipeline.NewAnthropicLLMClient(log, anthropic.Model(*modelFlag), *maxTokensFlag),
		Store:     st,
		Prompts:   prompts,
		Deadline:  *deadlineFlag,
		FollowUps: *followUpsFlag,
	}
	if *runLogFlag != "" {
		sink, err := runlog.NewFileSink(*runLogFlag)
		if err != nil {
			return fmt.Errorf("failed to open run log: %w", err)
		}
		defer sink.Close()
		cfg.RunLog = sink
	}

	orchestrator, err := pipeline.NewOrchestrator(cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	listener, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer listener.Close()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	srv, err := api.New(api.Config{
		Logger:            log,
		Orchestrator:      orchestrator,
		Listener:          listener,
		ReadHeaderTimeout: *readHeaderTimeoutFlag,
		ShutdownTimeout:   *shutdownTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create api server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return nil
	case err := <-serverErrCh:
		if err != nil {
			log.Error("server: server error causing shutdown", "error", err)
		}
		return err
	}
}
