package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"stabilitypool/core/state"
	nativecommon "stabilitypool/native/common"
	"stabilitypool/native/issuance"
	"stabilitypool/native/stability"
	"stabilitypool/observability/history"
	"stabilitypool/observability/logging"
	telemetry "stabilitypool/observability/otel"
	"stabilitypool/services/stabilityd/config"
	"stabilitypool/services/stabilityd/journal"
	"stabilitypool/services/stabilityd/positions"
	"stabilitypool/services/stabilityd/server"
	"stabilitypool/storage"
)

var version = "dev"

func main() {
	var cfgPath string
	flag.StringVarP(&cfgPath, "config", "c", "services/stabilityd/config.yaml", "path to stabilityd configuration file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("stabilityd: load config: %v", err)
	}
	logger, err := logging.SetupWithOptions("stabilityd", cfg.Environment, logging.Options{Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("stabilityd: configure logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "stabilityd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		log.Fatalf("stabilityd: init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	db, err := openState(cfg.State)
	if err != nil {
		log.Fatalf("stabilityd: open state: %v", err)
	}
	defer db.Close()

	engine := stability.NewEngine(state.NewStabilityStore(db))
	engine.SetLiquidator(cfg.LiquidatorAddress())
	if cfg.Paused {
		engine.SetPauses(nativecommon.NewPauseSet("stability"))
		logger.Warn("stability pool paused by configuration")
	}

	schedule, err := loadSchedule(cfg.Schedule)
	if err != nil {
		log.Fatalf("stabilityd: load issuance schedule: %v", err)
	}
	engine.SetEmissionSchedule(schedule)

	if endpoint := strings.TrimSpace(cfg.Positions.Endpoint); endpoint != "" {
		client, err := positions.New(endpoint, cfg.Positions.Timeout.Duration, nil)
		if err != nil {
			log.Fatalf("stabilityd: position service: %v", err)
		}
		engine.SetPositions(client)
		engine.SetPositionMonitor(client)
	} else {
		logger.Warn("no position service configured; gain-to-position and withdrawal checks disabled")
	}

	gdb, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		log.Fatalf("stabilityd: open journal: %v", err)
	}
	events, err := journal.New(gdb, logger)
	if err != nil {
		log.Fatalf("stabilityd: journal: %v", err)
	}
	defer events.Close()
	engine.SetEmitter(events)

	auth, err := server.NewAuthenticator(authConfig(cfg.Auth))
	if err != nil {
		log.Fatalf("stabilityd: configure auth: %v", err)
	}
	for _, tok := range cfg.Auth.Tokens {
		logger.Info("api token configured",
			slog.String("name", tok.Name),
			slog.String("token", logging.MaskSecret(tok.Token)),
			slog.Any("scopes", tok.Scopes))
	}
	if cfg.Auth.JWT.Enabled {
		logger.Info("jwt authentication enabled",
			slog.String("issuer", cfg.Auth.JWT.Issuer),
			logging.MaskField("secret", cfg.Auth.JWT.Secret))
	}

	recorder, err := newRecorder(cfg.History.Influx, logger)
	if err != nil {
		log.Fatalf("stabilityd: history recorder: %v", err)
	}
	defer recorder.Close()
	job, err := history.NewJob(ctx, cfg.History.Schedule, recorder, poolSampler(engine), logger)
	if err != nil {
		log.Fatalf("stabilityd: history job: %v", err)
	}
	job.Start()
	defer job.Stop()

	serverCfg := server.Config{
		ListenAddress: cfg.ListenAddress,
		Liquidator:    cfg.LiquidatorAddress(),
		RateLimit:     server.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
	}
	if !cfg.TLS.Disable {
		serverCfg.CertFile = cfg.TLS.CertPath
		serverCfg.KeyFile = cfg.TLS.KeyPath
	}
	srv, err := server.New(serverCfg, engine, events, auth, logger)
	if err != nil {
		log.Fatalf("stabilityd: server: %v", err)
	}

	logger.Info("stabilityd starting",
		slog.String("version", version),
		slog.String("state_backend", cfg.State.Backend),
		slog.String("journal_driver", cfg.Journal.Driver),
		slog.Bool("paused", cfg.Paused))
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("stabilityd stopped")
}

func openState(cfg config.StateConfig) (storage.Database, error) {
	if cfg.Backend == "memory" {
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(cfg.Path)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func loadSchedule(cfg config.ScheduleConfig) (*issuance.Schedule, error) {
	if path := strings.TrimSpace(cfg.Path); path != "" {
		return issuance.LoadSchedule(path)
	}
	return issuance.DefaultSchedule(cfg.DeployedAt)
}

func authConfig(cfg config.AuthConfig) server.AuthConfig {
	out := server.AuthConfig{}
	for _, tok := range cfg.Tokens {
		out.Tokens = append(out.Tokens, server.StaticToken{Name: tok.Name, Token: tok.Token, Scopes: tok.Scopes})
	}
	if cfg.JWT.Enabled {
		out.JWT = &server.JWTOptions{
			Secret:   []byte(cfg.JWT.Secret),
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			Leeway:   cfg.JWT.Leeway.Duration,
		}
	}
	return out
}

func newRecorder(cfg config.InfluxConfig, logger *slog.Logger) (history.Recorder, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return history.NewNoopRecorder(), nil
	}
	logger.Info("recording pool history to influxdb",
		slog.String("url", cfg.URL),
		slog.String("bucket", cfg.Bucket),
		logging.MaskField("influx_token", cfg.Token))
	recorder, err := history.NewInfluxRecorder(history.InfluxConfig{
		URL:    cfg.URL,
		Token:  cfg.Token,
		Org:    cfg.Org,
		Bucket: cfg.Bucket,
		Tags:   cfg.Tags,
	}, logger)
	if err != nil {
		return nil, err
	}
	return recorder, nil
}

func poolSampler(engine *stability.Engine) history.SampleFunc {
	return func(context.Context) (history.Sample, error) {
		pool, err := engine.Pool()
		if err != nil {
			return history.Sample{}, err
		}
		return history.Sample{
			At:              time.Now().UTC(),
			Product:         nativecommon.ToFloat64(pool.P),
			Scale:           pool.CurrentScale,
			Epoch:           pool.CurrentEpoch,
			TotalDeposits:   nativecommon.ToFloat64(pool.TotalDeposits),
			TotalCollateral: nativecommon.ToFloat64(pool.TotalCollateral),
			TokenIssued:     nativecommon.ToFloat64(pool.TotalTokenIssued),
			LossError:       nativecommon.ToFloat64(pool.LastLossError),
		}, nil
	}
}
