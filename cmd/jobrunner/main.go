package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/seantiz/jobrunner/internal/api"
	"github.com/seantiz/jobrunner/internal/config"
	"github.com/seantiz/jobrunner/internal/engine"
	"github.com/seantiz/jobrunner/internal/shell"
	"github.com/seantiz/jobrunner/internal/store"
	"github.com/seantiz/jobrunner/internal/workload"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("jobrunner: %v", err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("jobrunner", pflag.ContinueOnError)
	file := flags.StringP("file", "f", "", "read commands from `path` instead of stdin")
	prompt := flags.String("prompt", "", "prompt printed before each command line")
	listen := flags.String("listen", "", "serve the HTTP API on `addr`")
	dbPath := flags.String("db", "", "sqlite database `path`")
	configPath := flags.String("config", os.Getenv("JOBRUNNER_CONFIG"), "YAML config `file`")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)
	logger.Info("jobrunner: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
	)

	var input io.Reader = os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			return fmt.Errorf("open command file: %w", err)
		}
		defer f.Close()
		input = f
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	reg := workload.NewDefaultRegistry()
	sink := engine.NewSink(os.Stdout)
	eng := engine.NewEngine(db, reg, sink, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The API outlives the shell so detached dispatches stay observable
	// until the engine has shut down.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	serverDone := make(chan error, 1)
	if cfg.ListenAddr != "" {
		srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)
		go func() { serverDone <- srv.Run(serverCtx) }()
	} else {
		close(serverDone)
	}

	var opts []shell.Option
	if *prompt != "" {
		opts = append(opts, shell.WithPrompt(*prompt))
	}
	sh := shell.New(eng, sink, logger, opts...)

	shellDone := make(chan error, 1)
	go func() { shellDone <- sh.Run(ctx, input) }()

	select {
	case err := <-shellDone:
		if err != nil && ctx.Err() == nil {
			logger.Error("shell stopped", "error", err)
		}
		stats := sh.Stats()
		logger.Info("input finished, waiting for running instances",
			"lines", stats.Lines,
			"dispatched", stats.Dispatched,
			"rejected", stats.Rejected,
		)
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	}
	// Restore default signal handling so a second signal kills the process.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("instances cancelled at shutdown", "error", err)
	}

	stopServer()
	if err := <-serverDone; err != nil {
		return fmt.Errorf("api server: %w", err)
	}
	logger.Info("jobrunner: stopped")
	return nil
}
