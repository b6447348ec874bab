package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mattjoyce/cloudagent/internal/backend"
	"github.com/mattjoyce/cloudagent/internal/config"
	"github.com/mattjoyce/cloudagent/internal/storage"
	"github.com/mattjoyce/cloudagent/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(os.Args[2:])
	case "ask":
		err = runAsk(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	case "mock":
		err = runMock(os.Args[2:])
	case "version":
		fmt.Printf("cloudagent %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage: cloudagent <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  chat      Chat with the agent in a TUI")
	fmt.Fprintln(os.Stderr, "  ask       Ask one question and print the reasoning and answer")
	fmt.Fprintln(os.Stderr, "  sessions  List, create, rename, delete or show sessions")
	fmt.Fprintln(os.Stderr, "  mock      Run a scripted local backend")
	fmt.Fprintln(os.Stderr, "  version   Print version")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func newLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(level)}))
}

// openLogFile opens the client log file so log lines never land on the
// terminal the TUI draws to.
func openLogFile(cfg *config.Config) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Service.LogFile), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Service.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// clientEnv is everything a client command needs to talk to the backend.
type clientEnv struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend *backend.Client
	db      *sql.DB
	cache   *store.Syncer
	closers []io.Closer
}

func (e *clientEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
}

func openClientEnv(ctx context.Context, configPath string) (*clientEnv, error) {
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	env := &clientEnv{cfg: cfg}
	logFile, err := openLogFile(cfg)
	if err != nil {
		return nil, err
	}
	env.closers = append(env.closers, logFile)
	env.logger = newLogger(logFile, cfg.Service.LogLevel)
	slog.SetDefault(env.logger)

	env.backend = backend.NewClient(backend.Options{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		RequestTimeout: cfg.API.RequestTimeout,
		Logger:         env.logger,
	})

	db, err := storage.OpenSQLite(ctx, cfg.Cache.Path)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	env.db = db
	env.closers = append(env.closers, db)
	env.cache = store.NewSyncer(db, env.backend, env.logger)

	env.logger.Info("client started", "version", version, "config", configPath, "api", cfg.API.BaseURL)
	return env, nil
}

// resolveSession returns id, creating a new session when it is empty.
func (e *clientEnv) resolveSession(ctx context.Context, id string) (store.ID, error) {
	if id != "" {
		return store.ID(id), nil
	}
	created, err := e.backend.CreateSession(ctx, "")
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if err := e.cache.InvalidateList(ctx); err != nil {
		e.logger.Warn("failed to invalidate session list", "error", err)
	}
	e.logger.Info("session created", "session_id", created.SessionID)
	return created.SessionID, nil
}

func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "config.yaml", "path to config file")
}
