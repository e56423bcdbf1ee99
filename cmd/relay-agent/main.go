package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/floegence/relay-agent/internal/config"
	"github.com/floegence/relay-agent/internal/monitor"
	"github.com/floegence/relay-agent/internal/orch"
	"github.com/floegence/relay-agent/internal/proxy"
	"github.com/floegence/relay-agent/internal/service"
	"github.com/floegence/relay-agent/internal/sessionstore"
	"github.com/floegence/relay-agent/internal/subagent"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("relay-agent %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `relay-agent

Usage:
  relay-agent init [flags]
  relay-agent run [flags]
  relay-agent version

Commands:
  init        Write a starter config file.
  run         Run the orchestrator daemon using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "127.0.0.1:23980", "Protocol listen address")
	proxyURL := fs.String("proxy-url", "", "Execution proxy websocket URL (empty: tool steps unavailable)")
	profilesPath := fs.String("profiles", "", "Model profiles YAML path")
	_ = fs.Parse(args)

	profiles := strings.TrimSpace(*profilesPath)
	if profiles == "" {
		profiles = filepath.Join(config.DefaultStateDir(), "profiles.yaml")
	}

	cfg := &config.Config{
		ListenAddr:   strings.TrimSpace(*listen),
		ProxyURL:     strings.TrimSpace(*proxyURL),
		ProfilesPath: profiles,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	profiles, err := config.LoadProfiles(cfg.ProfilesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load profiles: %v\n", err)
		os.Exit(1)
	}

	stateDir := strings.TrimSpace(cfg.StateDir)
	if stateDir == "" {
		stateDir = config.DefaultStateDir()
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create state dir: %v\n", err)
		os.Exit(1)
	}
	store, err := sessionstore.Open(filepath.Join(stateDir, "sessions.sqlite"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	limits := cfg.Limits.Normalized()

	opts := orch.Options{
		Store:    store,
		Profiles: profiles,
		Limits:   limits,
		Sampler:  monitor.NewSampler(log),
		Logger:   log,
	}
	if url := strings.TrimSpace(cfg.ProxyURL); url != "" {
		px, err := proxy.Dial(ctx, url, time.Duration(limits.ToolTimeoutSec)*time.Second, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect execution proxy: %v\n", err)
			os.Exit(1)
		}
		defer px.Close()
		opts.Proxy = px
	} else {
		log.Warn("no execution proxy configured; tool steps will fail fast")
	}

	o, err := orch.New(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init orchestrator: %v\n", err)
		os.Exit(1)
	}
	agents, err := subagent.New(o, limits, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init subagent coordinator: %v\n", err)
		os.Exit(1)
	}
	svc, err := service.New(service.Options{
		Store:   store,
		Orch:    o,
		Agents:  agents,
		Sampler: opts.Sampler,
		Limits:  limits,
		Logger:  log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init service: %v\n", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", svc)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("relay-agent listening", "addr", cfg.ListenAddr, "version", Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger: text on a TTY (unless the config pins
// json), JSON otherwise.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.TrimSpace(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	ho := &slog.HandlerOptions{Level: level}

	format := strings.TrimSpace(cfg.LogFormat)
	if format == "" {
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		} else {
			format = "json"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, ho))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, ho))
}
