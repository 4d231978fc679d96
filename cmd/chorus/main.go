package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/crewline/chorus/internal/brain"
	"github.com/crewline/chorus/internal/bus"
	"github.com/crewline/chorus/internal/config"
	"github.com/crewline/chorus/internal/console"
	"github.com/crewline/chorus/internal/cron"
	"github.com/crewline/chorus/internal/directive"
	"github.com/crewline/chorus/internal/executor"
	"github.com/crewline/chorus/internal/gateway"
	"github.com/crewline/chorus/internal/intent"
	"github.com/crewline/chorus/internal/ledger"
	"github.com/crewline/chorus/internal/notify"
	"github.com/crewline/chorus/internal/orchestrator"
	otelPkg "github.com/crewline/chorus/internal/otel"
	"github.com/crewline/chorus/internal/repo"
	"github.com/crewline/chorus/internal/roster"
	"github.com/crewline/chorus/internal/sandbox"
	"github.com/crewline/chorus/internal/sink"
	"github.com/crewline/chorus/internal/telemetry"
	"github.com/crewline/chorus/internal/voice"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the interactive operator console

DAEMON MODE:
  %s -daemon                  Run headless (no console, logs to stdout)

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CHORUS_HOME             Data directory (default: ~/.chorus)
  CHORUS_NO_CONSOLE       Set to 1 to disable the console (use with -daemon)
  GEMINI_API_KEY          API key for the google provider
  ANTHROPIC_API_KEY       API key for the anthropic provider
  OPENAI_API_KEY          API key for the openai provider

EXAMPLES:
  Interactive console:    %s
  Daemon mode:            %s -daemon
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CHORUS_NO_CONSOLE") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no operator console, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) in interactive mode so the console stays clean.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		if err := writeStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter agents", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected",
				"bind_addr", cfg.BindAddr)
		}
	}

	// Event bus first; nearly everything publishes through it.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := ledger.Open(filepath.Join(cfg.HomeDir, "chorus.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	// Tasks left open by a previous run have no worker; close them so the
	// terminal-state guarantee holds across restarts.
	recovered, err := store.RecoverInterrupted(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "recovered", len(recovered))

	reg := roster.New(eventBus)
	for _, a := range cfg.Agents {
		if err := reg.Add(roster.Agent{
			ID:           a.AgentID,
			DisplayName:  a.DisplayName,
			Specialty:    a.Specialty,
			Personality:  a.Personality,
			Voice:        a.Voice,
			AutoComplete: a.AutoComplete,
		}); err != nil {
			logger.Error("failed to add agent from config", "agent_id", a.AgentID, "error", err)
		}
	}
	logger.Info("roster seeded", "agents", len(cfg.Agents))

	parser, err := directive.NewParser()
	if err != nil {
		fatalStartup(logger, "E_DIRECTIVE_SCHEMA", err)
	}

	var repoSvc repo.Service
	if cfg.Repo.Path != "" {
		var opts []repo.Option
		if cfg.Repo.Verify && cfg.Repo.VerifyCommand != "" {
			runner, err := sandbox.NewRunner(cfg.Sandbox.Image, cfg.Sandbox.MemoryMB,
				cfg.Sandbox.Network, time.Duration(cfg.Sandbox.TimeoutSeconds)*time.Second)
			if err != nil {
				logger.Warn("sandbox unavailable; commit verification disabled", "error", err)
			} else {
				opts = append(opts, repo.WithVerifier(runner, cfg.Repo.VerifyCommand))
			}
		}
		git, err := repo.NewGit(cfg.Repo.Path, cfg.Repo.BaseBranch, opts...)
		if err != nil {
			logger.Warn("repository unavailable; directives will not be committed",
				"path", cfg.Repo.Path, "error", err)
		} else {
			repoSvc = git
			logger.Info("repository attached", "path", cfg.Repo.Path, "base_branch", cfg.Repo.BaseBranch)
		}
	}

	provider, model, apiKey := cfg.ResolveLLM()
	baseURL := ""
	if p, ok := cfg.Providers[provider]; ok {
		baseURL = p.BaseURL
	}
	primary := brain.NewGenkitModel(ctx, provider, model, apiKey, baseURL, logger)
	if !primary.Live() {
		logger.Warn("llm provider not configured; responses will degrade to fallback text",
			"provider", provider)
	}

	gen := brain.NewGenerator(primary, parser, repoSvc, logger, brain.GeneratorConfig{
		MaxAttempts: cfg.LLM.MaxAttempts,
		RetryBase:   time.Duration(cfg.LLM.RetryBaseMillis) * time.Millisecond,
	})
	gen.SetObservability(metrics, otelProvider.Tracer)
	if len(cfg.LLM.FallbackProviders) > 0 {
		candidates := make([]brain.NamedModel, 0, len(cfg.LLM.FallbackProviders))
		for _, name := range cfg.LLM.FallbackProviders {
			fbURL := ""
			if p, ok := cfg.Providers[name]; ok {
				fbURL = p.BaseURL
			}
			m := brain.NewGenkitModel(ctx, name, "", cfg.LLMProviderAPIKey(name), fbURL, logger)
			if m.Live() {
				candidates = append(candidates, brain.NamedModel{Name: name, Model: m})
			}
		}
		if len(candidates) > 0 {
			gen.SetFailover(brain.NewFailover(candidates, cfg.LLM.FailoverThreshold,
				time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second, logger))
			logger.Info("provider failover enabled", "candidates", len(candidates))
		}
	}

	var synth voice.Synthesizer = voice.NopSynthesizer{}
	if cfg.Voice.Enabled {
		synth = voice.NewExecSynthesizer(cfg.Voice.Command, cfg.Voice.RateWPM)
	}
	seq := voice.NewSequencer(voice.Config{
		Synth: synth,
		Profile: func(agentID string) string {
			if a, ok := reg.Get(agentID); ok {
				return a.Voice
			}
			return ""
		},
		Logger: logger,
		Bus:    eventBus,
	})
	seq.SetMetrics(metrics)

	busSink := sink.NewBus(eventBus)
	var snk sink.Sink = busSink
	if !interactive {
		snk = sink.Multi{busSink, sink.NewLog(logger)}
	}
	gen.SetNotice(snk.OnNotice)

	exec := executor.New(executor.Config{
		Generator:   gen,
		Store:       store,
		Roster:      reg,
		Voice:       seq,
		Sink:        snk,
		Logger:      logger,
		TaskTimeout: time.Duration(cfg.TaskTimeoutMinutes) * time.Minute,
	})
	exec.SetObservability(metrics, otelProvider.Tracer)

	var classifier intent.Classifier = intent.NewKeywords(cfg.Intent.Keywords)
	var wasmClassifier *intent.Wasm
	if cfg.Intent.WASMModule != "" {
		w, err := intent.NewWasm(ctx, cfg.Intent.WASMModule, classifier, logger)
		if err != nil {
			logger.Warn("wasm intent policy unavailable; using keyword classifier", "error", err)
		} else {
			wasmClassifier = w
			classifier = w
			defer wasmClassifier.Close(context.Background())
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		Bus:       eventBus,
		Roster:    reg,
		Ledger:    store,
		Generator: gen,
		Voice:     seq,
		Executor:  exec,
		Intent:    classifier,
		Sink:      snk,
		Logger:    logger,
	})
	orch.SetObservability(metrics, otelProvider.Tracer)
	busSink.SetTraceID(orch.CurrentTraceID)

	// Config watcher hot-reloads the intent policy module on write.
	var watchExtra []string
	if wasmClassifier != nil {
		watchExtra = append(watchExtra, cfg.Intent.WASMModule)
	}
	confWatcher := config.NewWatcher(cfg.HomeDir, logger, watchExtra...)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; hot-reload disabled", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				if wasmClassifier != nil && ev.Path == cfg.Intent.WASMModule {
					if err := wasmClassifier.Reload(ctx, ev.Path); err != nil {
						logger.Error("intent policy reload rejected; retaining previous module", "error", err)
					} else {
						logger.Info("intent policy hot-reloaded", "path", ev.Path)
					}
				}
			}
		}()
	}

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Orchestrator:      orch,
		Store:             store,
		Voice:             seq,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Version:           Version,
	})
	gw.Start(ctx)
	defer gw.Stop()

	server := &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler()}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND",
				fmt.Errorf("%w\n\n  another process is using %s; stop it or change bind_addr in config.yaml", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sched, err := cron.NewScheduler(cron.Config{
		Store:           store,
		Roster:          reg,
		Logger:          logger,
		TaskTimeout:     time.Duration(cfg.TaskTimeoutMinutes) * time.Minute,
		RetainTaskDays:  cfg.RetentionTasksDays,
		RetainEventDays: cfg.RetentionTaskEventsDays,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram notifier enabled but token is missing")
		} else {
			tg := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatIDs, eventBus, logger)
			go func() {
				if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram notifier failed", "error", err)
				}
			}()
		}
	}

	if interactive {
		go func() {
			if err := console.Run(ctx, console.Config{
				Controller: orch,
				EventBus:   eventBus,
				Voice:      seq,
				Version:    Version,
				CancelFunc: stop,
			}); err != nil && ctx.Err() == nil {
				logger.Error("console exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in dependency order: no new messages,
	// in-flight dispatch settles, background workers finish, playback stops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	orch.Drain(drainTimeout)
	exec.Drain(drainTimeout)
	seq.InterruptAll()
	seq.Drain(time.Second)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("CHORUS_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// writeStarterConfig writes a minimal config.yaml with the starter roster.
// Used on first run so the system comes up with someone to talk to.
func writeStarterConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := map[string]interface{}{
		"bind_addr": "127.0.0.1:18930",
		"log_level": "info",
		"llm": map[string]interface{}{
			"provider": "google",
		},
		"agents": config.StarterAgents(),
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
