package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/postrack/postrack/pkg/alert"
	"github.com/postrack/postrack/pkg/config"
	"github.com/postrack/postrack/pkg/geolocate"
	"github.com/postrack/postrack/pkg/logx"
	"github.com/postrack/postrack/pkg/metrics"
	"github.com/postrack/postrack/pkg/mqttpub"
	"github.com/postrack/postrack/pkg/pipeline"
	"github.com/postrack/postrack/pkg/store"
	"github.com/postrack/postrack/pkg/telemetry"
)

const (
	version = "1.0.0-dev"
	appName = "postrack"
)

func main() {
	var (
		replayDate  = flag.String("date", "", "Replay a past UTC day (YYYY-MM-DD) instead of running live")
		envFile     = flag.String("env", "", "Environment file to load before reading configuration")
		logLevel    = flag.String("log-level", "", "Log level (debug|info|warn|error), overrides configuration")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", appName, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logx.New(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	var replayDay *time.Time
	if *replayDate != "" {
		day, err := time.ParseInLocation("2006-01-02", *replayDate, time.UTC)
		if err != nil {
			logger.Error("invalid replay date, expected YYYY-MM-DD", "date", *replayDate, "error", err)
			os.Exit(1)
		}
		replayDay = &day
	}

	logger.Info("starting postrack",
		"version", version,
		"replay", replayDay != nil,
		"db", cfg.DBPath,
	)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	geolocator, err := geolocate.NewClient(cfg.GeolocationAPIKey, logger)
	if err != nil {
		logger.Error("failed to create geolocation client", "error", err)
		os.Exit(1)
	}

	deps := pipeline.Deps{
		Config:     cfg,
		Store:      st,
		Telemetry:  telemetry.NewClient(cfg.TelemetryBaseURL, cfg.TelemetryToken, cfg.TelemetryRowLimit, logger),
		Geolocator: geolocator,
		Sender:     alert.NewEmailClient(cfg.EmailEndpoint, cfg.EmailAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger),
		Logger:     logger,
	}

	if cfg.MQTTEnabled {
		mqttCfg := mqttpub.DefaultConfig()
		mqttCfg.Enabled = true
		mqttCfg.Broker = cfg.MQTTBroker
		mqttCfg.Port = cfg.MQTTPort
		mqttCfg.Username = cfg.MQTTUsername
		mqttCfg.Password = cfg.MQTTPassword
		mqttCfg.TopicPrefix = cfg.MQTTTopicPrefix

		publisher := mqttpub.NewClient(mqttCfg, logger)
		if err := publisher.Connect(); err != nil {
			logger.Warn("mqtt broker unreachable, continuing without publishing", "error", err)
		} else {
			defer publisher.Disconnect()
			deps.Publisher = publisher
		}
	}

	if cfg.MetricsListen != "" {
		srv := metrics.NewServer(logger)
		port := 0
		if _, err := fmt.Sscanf(cfg.MetricsListen, ":%d", &port); err != nil || port == 0 {
			logger.Warn("unparseable metrics listen address, skipping listener", "listen", cfg.MetricsListen)
		} else if err := srv.Start(port); err != nil {
			logger.Warn("metrics listener failed to start", "error", err)
		} else {
			defer srv.Stop()
			deps.Metrics = srv
		}
	}

	runner := pipeline.New(deps)
	if _, err := runner.Run(context.Background(), replayDay); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}
