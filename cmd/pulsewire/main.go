// Package main is the entry point for the pulsewire broker.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/pulsewire/internal/adapters"
	"github.com/nugget/pulsewire/internal/alertstore"
	"github.com/nugget/pulsewire/internal/api"
	"github.com/nugget/pulsewire/internal/buildinfo"
	"github.com/nugget/pulsewire/internal/chainmirror"
	"github.com/nugget/pulsewire/internal/config"
	"github.com/nugget/pulsewire/internal/distribution"
	"github.com/nugget/pulsewire/internal/events"
	"github.com/nugget/pulsewire/internal/opstate"
	"github.com/nugget/pulsewire/internal/orchestrator"
	"github.com/nugget/pulsewire/internal/publish"
	"github.com/nugget/pulsewire/internal/publisherregistry"
	"github.com/nugget/pulsewire/internal/query"
	"github.com/nugget/pulsewire/internal/subscriberregistry"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("pulsewire - real-time intelligence distribution broker")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the broker (ingestion + HTTP/WebSocket API)")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting pulsewire", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	alertDB, err := sql.Open("sqlite3", cfg.DataDir+"/alerts.db")
	if err != nil {
		logger.Error("failed to open alert database", "error", err)
		os.Exit(1)
	}
	defer alertDB.Close()
	store, err := alertstore.New(alertDB, cfg.Store.MaxAlerts, cfg.Store.HashTTL)
	if err != nil {
		logger.Error("failed to initialize alert store", "error", err)
		os.Exit(1)
	}

	pubDB, err := sql.Open("sqlite3", cfg.DataDir+"/publishers.db")
	if err != nil {
		logger.Error("failed to open publisher database", "error", err)
		os.Exit(1)
	}
	defer pubDB.Close()
	pubs, err := publisherregistry.New(pubDB)
	if err != nil {
		logger.Error("failed to initialize publisher registry", "error", err)
		os.Exit(1)
	}

	var oracle subscriberregistry.BalanceOracle
	if cfg.ChainMirror.Configured() {
		mirror := chainmirror.New(cfg.ChainMirror.URL, cfg.ChainMirror.Token, logger)
		if err := mirror.Connect(context.Background()); err != nil {
			logger.Warn("chain mirror connect failed, subscribers will be local-only", "error", err)
		} else {
			oracle = mirror
			defer mirror.Close()
			logger.Info("chain mirror connected", "url", cfg.ChainMirror.URL)
		}
	} else {
		logger.Info("chain mirror not configured, subscribers are local-only")
	}

	subDB, err := sql.Open("sqlite3", cfg.DataDir+"/subscribers.db")
	if err != nil {
		logger.Error("failed to open subscriber database", "error", err)
		os.Exit(1)
	}
	defer subDB.Close()
	subs, err := subscriberregistry.New(subDB, oracle)
	if err != nil {
		logger.Error("failed to initialize subscriber registry", "error", err)
		os.Exit(1)
	}

	fabric := distribution.New(subs, distribution.Config{
		TrialMode:            cfg.Distribution.TrialMode,
		PricePerAlert:        cfg.Distribution.PricePerAlert,
		StreamBufferSize:     cfg.Distribution.StreamBufferSize,
		BackpressureInterval: cfg.Distribution.BackpressureInterval,
	}, logger)

	opstateStore, err := opstate.NewStore(cfg.DataDir + "/opstate.db")
	if err != nil {
		logger.Error("failed to open opstate database", "error", err)
		os.Exit(1)
	}
	defer opstateStore.Close()

	bus := events.New()
	fabric.SetEvents(bus)

	entries := buildAdapterEntries(cfg, opstateStore, logger)
	orch := orchestrator.New(store, fabric, entries, logger)
	orch.SetEvents(bus)

	var mqttBridges []*adapters.MQTTBridge
	for _, e := range entries {
		if bridge, ok := e.Adapter.(*adapters.MQTTBridge); ok {
			mqttBridges = append(mqttBridges, bridge)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, bridge := range mqttBridges {
		go func(b *adapters.MQTTBridge) {
			if err := b.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}(bridge)
	}

	orch.Start(ctx)
	defer orch.Stop()

	publishSvc := publish.New(pubs, store, fabric, logger)
	publishSvc.SetEvents(bus)
	querySvc := query.New(store)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, subs, pubs, fabric, publishSvc, querySvc, logger)
	server.SetEvents(bus)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		for _, bridge := range mqttBridges {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = bridge.Stop(shutdownCtx)
			cancel()
		}
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("pulsewire stopped")
}

// buildAdapterEntries constructs one orchestrator.Entry per configured
// adapter row (§4.6), substituting a mock adapter wherever the row's
// mock flag is set.
func buildAdapterEntries(cfg *config.Config, state *opstate.Store, logger *slog.Logger) []orchestrator.Entry {
	var entries []orchestrator.Entry

	for _, src := range cfg.Adapters.HTTPNews {
		var a adapters.Adapter
		if src.Mock {
			a = adapters.NewMock(src.Key)
		} else {
			a = adapters.NewHTTPNews(src, logger)
		}
		entries = append(entries, orchestrator.Entry{Adapter: a, Cadence: src.Cadence, Enabled: src.Enabled})
	}

	if rc := cfg.Adapters.RegulatoryEmail; rc.Enabled {
		var a adapters.Adapter
		if rc.Mock {
			a = adapters.NewMock("regulatory-email-mock")
		} else {
			a = adapters.NewRegulatoryEmail(rc, state, logger)
		}
		entries = append(entries, orchestrator.Entry{Adapter: a, Cadence: rc.Cadence, Enabled: rc.Enabled})
	}

	if gc := cfg.Adapters.GitHubAdvisory; gc.Enabled {
		var a adapters.Adapter
		if gc.Mock {
			a = adapters.NewMock("github-advisory-mock")
		} else {
			a = adapters.NewGitHubAdvisory(gc, nil, logger)
		}
		entries = append(entries, orchestrator.Entry{Adapter: a, Cadence: gc.Cadence, Enabled: gc.Enabled})
	}

	if mc := cfg.Adapters.MQTTBridge; mc.Enabled {
		var a adapters.Adapter
		if mc.Mock {
			a = adapters.NewMock("mqtt-bridge-mock")
		} else {
			a = adapters.NewMQTTBridge(mc, logger)
		}
		entries = append(entries, orchestrator.Entry{Adapter: a, Cadence: mc.Cadence, Enabled: mc.Enabled})
	}

	for _, src := range cfg.Adapters.ChangeDetect {
		var a adapters.Adapter
		if src.Mock {
			a = adapters.NewMock("change-detect-mock:" + src.Key)
		} else {
			a = adapters.NewChangeDetect(src, logger)
		}
		entries = append(entries, orchestrator.Entry{Adapter: a, Cadence: src.Cadence, Enabled: src.Enabled})
	}

	if len(entries) == 0 {
		logger.Warn("no adapters configured")
	}
	return entries
}
