package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pulsemarket/archive"
	"pulsemarket/cmd/internal/passphrase"
	"pulsemarket/config"
	"pulsemarket/core/events"
	"pulsemarket/crypto"
	"pulsemarket/gateway"
	"pulsemarket/gateway/middleware"
	"pulsemarket/native/market"
	"pulsemarket/native/oracle"
	"pulsemarket/native/token"
	"pulsemarket/observability/logging"
	telemetry "pulsemarket/observability/otel"
	"pulsemarket/rpc"
	"pulsemarket/rpc/modules"
	"pulsemarket/state"
	"pulsemarket/storage"
)

const (
	keystorePassEnv = "PULSE_KEYSTORE_PASSPHRASE"
	operatorKeyEnv  = "PULSE_OPERATOR_KEY"
)

func main() {
	var (
		cfgPath     string
		dataDir     string
		listenRPC   string
		listenAdmin string
		seedsPath   string
	)
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to the marketd configuration file")
	flag.StringVar(&dataDir, "data-dir", "", "override the configured data directory")
	flag.StringVar(&listenRPC, "listen-rpc", "", "override the JSON-RPC listen address")
	flag.StringVar(&listenAdmin, "listen-admin", "", "override the admin gateway listen address")
	flag.StringVar(&seedsPath, "seeds", "", "override the market seed manifest path")
	flag.Parse()

	passSource := passphrase.NewSource(keystorePassEnv)

	cfg, err := config.Load(cfgPath,
		config.WithKeystorePassphraseSource(passSource.Get),
		config.WithDataDir(dataDir),
		config.WithListenRPC(listenRPC),
		config.WithListenAdmin(listenAdmin),
		config.WithSeedsFile(seedsPath),
	)
	if err != nil {
		log.Fatalf("marketd: load config: %v", err)
	}

	logger := logging.SetupRotating("marketd", cfg.NetworkName, logging.RotationConfig{
		Path:       cfg.Logs.File,
		MaxSizeMB:  cfg.Logs.MaxSizeMB,
		MaxBackups: cfg.Logs.MaxBackups,
		MaxAgeDays: cfg.Logs.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: cfg.NetworkName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("marketd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	operatorKey, err := loadOperatorKey(cfg, passSource)
	if err != nil {
		log.Fatalf("marketd: operator key: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("marketd: prepare data directory: %v", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		log.Fatalf("marketd: open state database: %v", err)
	}
	defer db.Close()

	manager := state.NewManager(db)

	ledger := token.NewLedger()
	ledger.SetState(manager)

	scoreStore, err := oracle.NewStore(cfg.OracleStorePath)
	if err != nil {
		log.Fatalf("marketd: open oracle store: %v", err)
	}
	defer scoreStore.Close()
	scores := oracle.NewPersistentOracle(scoreStore)
	manual := oracle.NewManualOracle()

	engine := market.NewEngine()
	engine.SetState(manager)
	engine.SetTokens(ledger)
	engine.SetOracle(scores)

	registry := market.NewRegistry(engine)
	registry.SetState(manager)
	if err := registry.Bootstrap(market.RegistryConfig{
		DefaultAlpha: new(big.Int).Rsh(new(big.Int).Set(market.Scale), 1),
		Curve:        market.CurveParams{A: new(big.Int).Set(market.Scale), B: big.NewInt(0)},
		Fees: market.FeeParams{
			TradeFeeRate:   big.NewInt(100),
			SettleRakeRate: big.NewInt(250),
			Precision:      big.NewInt(10_000),
		},
		OracleSource: "persistent",
	}); err != nil {
		log.Fatalf("marketd: bootstrap registry: %v", err)
	}

	archiveDSN, err := archive.FileDSN(cfg.ArchivePath)
	if err != nil {
		log.Fatalf("marketd: archive path: %v", err)
	}
	history, err := archive.Open(archiveDSN)
	if err != nil {
		log.Fatalf("marketd: open archive: %v", err)
	}
	defer history.Close()

	hub := rpc.NewHub()
	emitter := events.Fanout(archive.NewRecorder(history), hub)
	engine.SetEmitter(emitter)
	registry.SetEmitter(emitter)

	bootTime := time.Now()
	if cfg.SeedsFile != "" {
		manifest, err := config.LoadSeeds(cfg.SeedsFile)
		if err != nil {
			log.Fatalf("marketd: load seeds: %v", err)
		}
		if err := ensureSeeds(logger, registry, manifest, bootTime); err != nil {
			log.Fatalf("marketd: seed markets: %v", err)
		}
	}

	if cfg.RPCToken == "" {
		logger.Warn("no RPC token configured; mutating JSON-RPC methods are disabled")
	}
	if cfg.AdminSecret == "" {
		logger.Warn("no admin secret configured; admin gateway routes are disabled")
	}

	rpcServer := rpc.NewServer(modules.NewMarketModule(registry, engine), hub, rpc.ServerConfig{
		AuthToken:       cfg.RPCToken,
		TradesPerMinute: cfg.RateLimit.TradesPerMinute,
	})

	admin := gateway.New(gateway.Config{
		Registry: registry,
		Engine:   engine,
		Ledger:   manager,
		Scores:   scores,
		Oracles: map[string]market.ScoreOracle{
			"manual":     manual,
			"persistent": scores,
		},
		Archive: history,
		Auth:    middleware.AuthConfig{Secret: cfg.AdminSecret},
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})

	// The event stream keeps connections open indefinitely, so the RPC
	// server carries no write timeout.
	rpcSrv := &http.Server{
		Addr:              cfg.ListenRPC,
		Handler:           otelhttp.NewHandler(rpcServer, "pulsemarket.rpc"),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	adminSrv := &http.Server{
		Addr:         cfg.ListenAdmin,
		Handler:      admin.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Oracle.FeedEndpoint != "" {
		source := oracle.NewHTTPSource(nil, cfg.Oracle.FeedEndpoint, cfg.Oracle.FeedAPIKey, "feed")
		source.SetMaxAge(time.Duration(cfg.Oracle.FeedMaxAgeSeconds) * time.Second)
		submitter := &feedSubmitter{inner: scores, history: history, logger: logger}
		feed, err := oracle.NewFeed(submitter, []oracle.Source{source},
			time.Duration(cfg.Oracle.FeedIntervalSeconds)*time.Second,
			time.Duration(cfg.Oracle.FeedTimeoutSeconds)*time.Second,
		)
		if err != nil {
			log.Fatalf("marketd: oracle feed: %v", err)
		}
		logger.Info("oracle feed polling",
			logging.MaskField("endpoint", cfg.Oracle.FeedEndpoint),
			slog.Int("interval_seconds", cfg.Oracle.FeedIntervalSeconds),
		)
		go func() {
			if err := feed.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("oracle feed exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	if cfg.Exports.Dir != "" {
		exporter, err := archive.NewExporter(history, cfg.Exports.Dir)
		if err != nil {
			log.Fatalf("marketd: reconciliation exporter: %v", err)
		}
		sched := archive.NewScheduler(archive.SchedulerConfig{
			Exporter:  exporter,
			RunHour:   cfg.Exports.RunHour,
			RunMinute: cfg.Exports.RunMinute,
			Logger:    logger,
		})
		go sched.Start(rootCtx)
		logger.Info("reconciliation exports scheduled",
			slog.String("dir", cfg.Exports.Dir),
			slog.Int("run_hour", cfg.Exports.RunHour),
			slog.Int("run_minute", cfg.Exports.RunMinute),
		)
	}

	errs := make(chan error, 2)
	go func() {
		logger.Info("JSON-RPC listening", slog.String("addr", cfg.ListenRPC))
		if err := rpcSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		logger.Info("admin gateway listening", slog.String("addr", cfg.ListenAdmin))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	logger.Info("marketd running",
		slog.String("network", cfg.NetworkName),
		slog.String("operator", operatorKey.PubKey().Address().String()),
		slog.String("data_dir", cfg.DataDir),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		logger.Error("server failed", slog.Any("error", err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		_ = rpcSrv.Close()
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		_ = adminSrv.Close()
	}
	logger.Info("marketd stopped")
}

// feedSubmitter forwards feed scores to the persistent oracle and archives
// each accepted observation.
type feedSubmitter struct {
	inner   oracle.Submitter
	history *archive.Archive
	logger  *slog.Logger
}

func (f *feedSubmitter) Submit(subject string, score *big.Int, source string) error {
	if err := f.inner.Submit(subject, score, source); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.history.RecordSample(ctx, archive.SampleRow{
		Subject:    subject,
		Score:      score.String(),
		Source:     source,
		ObservedAt: time.Now().Unix(),
	}); err != nil {
		f.logger.Warn("failed to archive oracle sample",
			slog.String("subject", subject), slog.Any("error", err))
	}
	return nil
}

func (f *feedSubmitter) Pending() []string { return f.inner.Pending() }

// loadOperatorKey prefers hex key material from PULSE_OPERATOR_KEY and falls
// back to decrypting the keystore file config.Load ensured on disk.
func loadOperatorKey(cfg *config.Config, pass *passphrase.Source) (*crypto.PrivateKey, error) {
	if raw := strings.TrimSpace(os.Getenv(operatorKeyEnv)); raw != "" {
		trimmed := strings.TrimPrefix(raw, "0x")
		keyBytes, err := hex.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", operatorKeyEnv, err)
		}
		return crypto.PrivateKeyFromBytes(keyBytes)
	}

	secret, err := pass.Get()
	if err != nil {
		return nil, fmt.Errorf("resolve keystore passphrase: %w", err)
	}
	key, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, secret)
	if err != nil {
		return nil, fmt.Errorf("unlock operator keystore: %w", err)
	}
	return key, nil
}

// ensureSeeds creates every manifest market that does not already exist.
func ensureSeeds(logger *slog.Logger, registry *market.Registry, manifest config.SeedManifest, bootTime time.Time) error {
	for _, seed := range manifest.Markets {
		alpha, err := seed.AlphaValue()
		if err != nil {
			return err
		}
		_, err = registry.CreateMarket(market.CreateParams{
			ID:       seed.ID,
			Theta:    big.NewInt(seed.Theta),
			Alpha:    alpha,
			Deadline: seed.DeadlineAt(bootTime),
		})
		switch {
		case errors.Is(err, market.ErrDuplicateMarket):
			logger.Debug("seed market already exists", slog.String("market", seed.ID))
		case err != nil:
			return err
		default:
			logger.Info("seed market created", slog.String("market", seed.ID))
		}
	}
	return nil
}
