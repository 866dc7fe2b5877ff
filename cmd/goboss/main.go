package main

import (
	"context"
	"errors"
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

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/audit"
	"github.com/basket/go-boss/internal/boss"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/config"
	"github.com/basket/go-boss/internal/cron"
	"github.com/basket/go-boss/internal/gateway"
	"github.com/basket/go-boss/internal/notify"
	otelPkg "github.com/basket/go-boss/internal/otel"
	"github.com/basket/go-boss/internal/persistence"
	"github.com/basket/go-boss/internal/shared"
	"github.com/basket/go-boss/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Build the boss tree and serve the gateway
  %s -demo                    Submit demo tasks and print the board report

SUBCOMMANDS:
  %s report                   Print the board report from the journal
  %s validate                 Load and validate config and collaborator files
  %s status                   Show daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOBOSS_HOME             Data directory (default: ~/.goboss)
  GOBOSS_AUTH_TOKEN       Gateway bearer token (default: <home>/auth.token)
  GOBOSS_MAX_RETHINKS     Overrides boss.max_rethinks of the root boss
  TELEGRAM_TOKEN          Bot token for telegram notifications
`)
}

func main() {
	demo := flag.Bool("demo", false, "submit demo tasks, print the board report and exit")
	quiet := flag.Bool("quiet", false, "log to file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "report":
			os.Exit(runReportCommand(ctx, os.Stdout, args[1:]))
		case "validate":
			os.Exit(runValidateCommand(os.Stdout, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes up before the logger so a logger failure is still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with a starter boss", "home", cfg.HomeDir)
		if cfg, err = config.Load(); err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	collab, err := config.LoadCollaborators(cfg)
	if err != nil {
		fatalStartup(logger, "E_COLLABORATORS", err)
	}
	logger.Info("startup phase", "phase", "collaborators_loaded",
		"humans", len(collab.Humans), "dsp_servers", len(collab.DSP), "mcp_tools", len(collab.ToolNames()))

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:    cfg.Telemetry.Enabled,
		Exporter:   cfg.Telemetry.Exporter,
		Endpoint:   cfg.Telemetry.Endpoint,
		SampleRate: cfg.Telemetry.SampleRate,
		Version:    Version,
		RootBossID: cfg.Boss.ID,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	eventBus := bus.New()
	sinks := notify.Multi{notify.LogSink{Logger: logger}, notify.BusSink{Bus: eventBus}}

	var bot *tgbotapi.BotAPI
	if cfg.Telegram.Enabled {
		bot, err = tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
		sinks = append(sinks, notify.NewTelegramSink(bot))
		logger.Info("telegram notifications enabled", "bot", bot.Self.UserName)
	}

	root, err := buildTree(ctx, cfg, collab, treeDeps{
		Bus:          eventBus,
		Journal:      store,
		Sink:         sinks,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		fatalStartup(logger, "E_BOSS_TREE", err)
	}
	logger.Info("startup phase", "phase", "boss_tree_built", "root", root.ID(), "children", len(root.Children()))

	if *demo {
		code := runDemo(ctx, os.Stdout, root, eventBus, collab.Humans)
		shutdownTree(root, cfg, logger)
		os.Exit(code)
	}

	runRetention(ctx, store, cfg, logger)
	go func() {
		retention := time.NewTicker(time.Hour)
		defer retention.Stop()
		reap := time.NewTicker(reapInterval)
		defer reap.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-retention.C:
				runRetention(ctx, store, cfg, logger)
			case <-reap.C:
				reapTree(root, logger)
			}
		}
	}()

	if err := cron.Sync(ctx, store, cfg.Schedules, time.Now()); err != nil {
		logger.Warn("some schedules were not synced", "error", err)
	}
	cronSched := cron.NewScheduler(cron.Config{Store: store, Submit: scheduleSubmitter(root), Logger: logger})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	watcher := config.NewWatcher(cfg, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(ctx, watcher, cfg, root, logger)

	if bot != nil {
		responder := notify.NewTelegramResponder(notify.TelegramResponderConfig{
			Bot:        bot,
			Target:     root,
			Roster:     func() []assignee.Human { return currentRoster(cfg, logger) },
			AllowedIDs: cfg.Telegram.AllowedIDs,
			Logger:     logger,
			OnRespond: func(chatID int64, taskID string, err error) {
				outcome, reason := audit.Outcome(err)
				audit.Record(ctx, fmt.Sprintf("telegram:%d", chatID), "human.respond", taskID, outcome, reason)
			},
		})
		go func() {
			if err := responder.Start(ctx); err != nil {
				logger.Error("telegram responder failed", "error", err)
			}
		}()
	}

	serverErr := make(chan error, 1)
	var server *http.Server
	if cfg.Gateway.Enabled {
		token := cfg.Gateway.AuthToken
		if token == "" {
			if token, err = loadAuthToken(cfg.HomeDir); err != nil {
				fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
			}
		}
		warnOpenBind(cfg, logger)
		gw := gateway.New(gateway.Config{
			Root:              root,
			Bus:               eventBus,
			Store:             store,
			AuthToken:         token,
			AllowOrigins:      cfg.Gateway.AllowOrigins,
			RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
			BurstSize:         cfg.Gateway.BurstSize,
			ConfigFingerprint: cfg.Fingerprint(),
			Logger:            logger,
			Metrics:           metrics,
		})
		gw.Start(ctx)
		ln, err := net.Listen("tcp", cfg.Gateway.BindAddr)
		if err != nil {
			fatalStartup(logger, "E_GATEWAY_BIND", err)
		}
		server = &http.Server{
			Handler:           gw.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return shared.WithTraceID(ctx, "-") },
		}
		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
		logger.Info("startup phase", "phase", "gateway_listening", "bind_addr", ln.Addr().String())
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	case <-root.Done():
		logger.Warn("root boss stopped")
	}

	// Stop intake first, then the tree, then let running executions drain.
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	cronSched.Stop()
	shutdownTree(root, cfg, logger)
	logger.Info("shutdown complete")
}

func shutdownTree(root *boss.Boss, cfg config.Config, logger *slog.Logger) {
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := root.Stop(ctx); err != nil {
		logger.Warn("boss stop failed", "error", err)
	}
	if err := root.Drain(ctx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
}

func runRetention(ctx context.Context, store *persistence.Store, cfg config.Config, logger *slog.Logger) {
	result, err := store.RunRetention(ctx, cfg.RetentionTaskEventsDays, cfg.RetentionAuditLogDays)
	if err != nil {
		logger.Error("retention job failed", "error", err)
		return
	}
	if result.PurgedTaskEvents+result.PurgedTransitions+result.PurgedAuditLogs > 0 {
		logger.Info("retention job completed",
			"purged_task_events", result.PurgedTaskEvents,
			"purged_transitions", result.PurgedTransitions,
			"purged_audit_logs", result.PurgedAuditLogs,
		)
	}
}

// reapInterval is how often observed terminal tasks move to bounded history.
const reapInterval = time.Minute

// reapTree moves every boss's observed terminal tasks into history. Reaped
// tasks stay readable through GetStatus and the journal.
func reapTree(root *boss.Boss, logger *slog.Logger) int {
	total := 0
	root.Walk(func(b *boss.Boss) {
		if n := b.Reap(false); n > 0 {
			logger.Debug("reaped tasks", "boss_id", b.ID(), "count", n)
			total += n
		}
	})
	return total
}

// watchConfig reloads the human roster into every boss when the roster file
// changes. Other changes need a restart and are only logged.
func watchConfig(ctx context.Context, w *config.Watcher, cfg config.Config, root *boss.Boss, logger *slog.Logger) {
	for ev := range w.Events() {
		if !ev.IsRoster(cfg) {
			logger.Warn("config changed; restart to apply", "path", ev.Path)
			continue
		}
		humans, err := config.LoadHumans(cfg.Path(cfg.Sources.Humans))
		if err != nil {
			logger.Error("roster reload rejected", "error", err)
			audit.Record(ctx, "config", "roster.reload", ev.Path, audit.OutcomeError, err.Error())
			continue
		}
		root.ReplaceHumans(humans)
		logger.Info("roster reloaded", "humans", len(humans))
		audit.Record(ctx, "config", "roster.reload", ev.Path, audit.OutcomeOK, "")
	}
}

// currentRoster reads the roster file for telegram access checks. A missing
// or invalid file yields no humans.
func currentRoster(cfg config.Config, logger *slog.Logger) []assignee.Human {
	path := cfg.Path(cfg.Sources.Humans)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	humans, err := config.LoadHumans(path)
	if err != nil {
		logger.Warn("roster unreadable", "error", err)
		return nil
	}
	return humans
}

func warnOpenBind(cfg config.Config, logger *slog.Logger) {
	host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr)
	if err != nil {
		return
	}
	h := strings.TrimSpace(strings.ToLower(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && len(cfg.Gateway.AllowOrigins) == 0 {
		logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected", "bind_addr", cfg.Gateway.BindAddr)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime", "runtime.startup", reasonCode, audit.OutcomeError, message)

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

func loadAuthToken(homeDir string) (string, error) {
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

// minimalConfig is the config.yaml written on first run.
type minimalConfig struct {
	LogLevel string `yaml:"log_level"`
	Boss     struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		MaxRethinks int    `yaml:"max_rethinks"`
		MaxRestarts int    `yaml:"max_restarts"`
		WorkerCount int    `yaml:"worker_count"`
	} `yaml:"boss"`
	Gateway struct {
		Enabled  bool   `yaml:"enabled"`
		BindAddr string `yaml:"bind_addr"`
	} `yaml:"gateway"`
}

// writeMinimalConfig writes a config.yaml with a single root boss.
func writeMinimalConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	var mc minimalConfig
	mc.LogLevel = "info"
	mc.Boss.ID = "root"
	mc.Boss.Name = "Root boss"
	mc.Boss.MaxRethinks = 2
	mc.Boss.MaxRestarts = 1
	mc.Boss.WorkerCount = 3
	mc.Gateway.Enabled = true
	mc.Gateway.BindAddr = "127.0.0.1:18790"

	data, err := yaml.Marshal(mc)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
