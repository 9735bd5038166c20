package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"scripthost/internal/host"
	"scripthost/internal/lifecycle"
	"scripthost/internal/metrics"
	"scripthost/internal/script"
	"scripthost/internal/store"
	"scripthost/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	ScriptsDir string `yaml:"scripts_dir"`
	ConfigsDir string `yaml:"configs_dir"`
	Console    bool   `yaml:"console"`
	Web        struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Protocol struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"protocol"`
	Placeholders struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"placeholders"`
	Scheduler struct {
		AsyncPoolSize int `yaml:"async_pool_size"`
	} `yaml:"scheduler"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.ScriptsDir == "" {
		return fmt.Errorf("scripts_dir is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Protocol.Port != "" && c.Protocol.Baud <= 0 {
		return fmt.Errorf("protocol.baud must be positive, got %d", c.Protocol.Baud)
	}
	if c.Scheduler.AsyncPoolSize < 0 {
		return fmt.Errorf("scheduler.async_pool_size must not be negative, got %d", c.Scheduler.AsyncPoolSize)
	}
	return nil
}

// placeholdersEnabled defaults to true when the key is absent.
func (c *Config) placeholdersEnabled() bool {
	return c.Placeholders.Enabled == nil || *c.Placeholders.Enabled
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("scripthost starting", "version", version)

	// Coordinating loop
	ctx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	loop := host.NewLoop(logger)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	timeline, err := host.NewTimeline(loop, cfg.Scheduler.AsyncPoolSize, logger)
	if err != nil {
		logger.Error("create timeline", "err", err)
		os.Exit(1)
	}

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	loader, err := script.NewLoader(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script loader", "err", err)
		os.Exit(1)
	}

	configs, err := script.NewConfigDir(cfg.ConfigsDir)
	if err != nil {
		logger.Error("create configs dir", "err", err)
		os.Exit(1)
	}

	m := metrics.New()
	events := host.NewEventBus(logger, m)
	var placeholders *host.PlaceholderTable
	if cfg.placeholdersEnabled() {
		placeholders = host.NewPlaceholderTable()
	}

	// Optional facilities (no-op when built with no_protocol / no_mqtt tags).
	proto, packets, protoWebOpts := initProtocol(ctx, cfg, loop, timeline, events, logger)
	mqtt, pubsub, mqttWebOpts := initMQTT(cfg, loop, logger)

	mgr, err := lifecycle.New(lifecycle.Config{
		Loader:       loader,
		Loop:         loop,
		Timeline:     timeline,
		Events:       events,
		Commands:     host.NewCommandTable(logger),
		Placeholders: placeholders,
		Packets:      packets,
		PubSub:       pubsub,
		Store:        db,
		Configs:      configs,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("create script manager", "err", err)
		os.Exit(1)
	}

	loadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	reports, err := mgr.LoadAll(loadCtx)
	cancel()
	if err != nil {
		logger.Error("load scripts", "err", err)
	}
	for _, r := range reports {
		if r.Result != script.ResultSuccess {
			logger.Warn("script not loaded", "script", r.Script, "result", r.Result.String())
		}
	}
	logger.Info("scripts loaded", "count", len(reports))

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts,
		web.WithVersion(version),
		web.WithMetrics(m),
		web.WithLivenessCheck("loop", web.LoopCheck(loop)),
	)
	webOpts = append(webOpts, protoWebOpts...)
	webOpts = append(webOpts, mqttWebOpts...)

	webServer := web.NewServer(mgr, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	if cfg.Console {
		go runConsole(ctx, mgr, os.Stdin, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("script shutdown", "err", err)
	}
	mqtt.Stop()
	proto.Stop()
	timeline.Close()
	stopLoop()
	<-loopDone

	logger.Info("goodbye")
}

// runConsole dispatches each line of r as a command with every permission.
func runConsole(ctx context.Context, mgr *lifecycle.Manager, r io.Reader, logger *slog.Logger) {
	sender := host.NewConsoleSender("console", logger.With("component", "console"))
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "/")
		if line == "" {
			continue
		}
		if err := mgr.Execute(ctx, sender, line); err != nil {
			sender.SendMessage(err.Error())
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.ConfigsDir == "" {
		cfg.ConfigsDir = "configs"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "scripthost.db"
	}
	if cfg.Protocol.Baud == 0 {
		cfg.Protocol.Baud = 115200
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "scripthost"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
