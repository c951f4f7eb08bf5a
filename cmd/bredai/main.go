package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"bredai/internal/catalog"
	"bredai/internal/config"
	"bredai/internal/credentials"
	"bredai/internal/dispatch"
	"bredai/internal/knowledge"
	"bredai/internal/metrics"
	"bredai/internal/providers"
	"bredai/internal/search"
	"bredai/internal/secrets"
	"bredai/internal/session"
	"bredai/internal/settings"
	"bredai/internal/storage"
	"bredai/internal/voice"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables override it")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().
		Str("storage", cfg.Storage.Driver).
		Str("credential_mode", cfg.Credentials.Mode).
		Strs("fallback_ring", cfg.Dispatch.Ring).
		Msg("starting bredai")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	vault, err := secrets.NewVault(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize vault")
	}

	settingsRepo := settings.NewRepository(store, vault, log.Logger)
	if n, err := settingsRepo.ResealKeys(ctx); err != nil {
		log.Error().Err(err).Msg("failed to reseal stored api keys")
	} else if n > 0 {
		log.Info().Int("count", n).Str("key_id", vault.CurrentKeyID()).Msg("resealed stored api keys")
	}
	seedAPIKeys(ctx, settingsRepo, cfg.Providers)

	cat, err := catalog.Load(cfg.Files.Catalog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load model catalog")
	}
	if err := applyFallbackModels(cat, cfg.Providers); err != nil {
		log.Fatal().Err(err).Msg("invalid fallback model override")
	}

	index, err := loadKnowledge(cfg.Files.Knowledge)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load knowledge base")
	}

	m := metrics.Global()

	creds, err := buildCredentials(ctx, cfg, store, settingsRepo, m)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credentials")
	}

	ring, _ := cfg.FallbackRing()
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}
	baseURLs := map[providers.Name]string{}
	for name, pc := range cfg.Providers.ByName() {
		if strings.TrimSpace(pc.BaseURL) != "" {
			baseURLs[name] = pc.BaseURL
		}
	}

	searcher := search.New(search.Config{
		Endpoint:   cfg.Search.Endpoint,
		APIKey:     cfg.Search.APIKey,
		EngineID:   cfg.Search.EngineID,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		Limiter:    rate.NewLimiter(rate.Limit(cfg.Search.RatePerSecond), 1),
	})
	if !searcher.Configured() {
		log.Info().Msg("web search disabled: SEARCH_API_KEY or SEARCH_ENGINE_ID missing")
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Catalog:            cat,
		Credentials:        creds,
		Knowledge:          index,
		Search:             searcher,
		Ring:               ring,
		Timeout:            cfg.Dispatch.Timeout,
		BaseURLs:           baseURLs,
		HTTPClient:         httpClient,
		MaxRetries:         cfg.HTTP.MaxRetries,
		BackoffBase:        cfg.HTTP.BackoffBase,
		DefaultTemperature: &cfg.Generation.Temperature,
		DefaultTopP:        &cfg.Generation.TopP,
		Logger:             log.Logger.With().Str("component", "dispatch").Logger(),
		Metrics:            m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize dispatcher")
	}

	controller, err := session.NewController(session.Config{
		Profiles:   session.NewRepository(store),
		Settings:   settingsRepo,
		Dispatcher: dispatcher,
		Catalog:    cat,
		Logger:     log.Logger.With().Str("component", "session").Logger(),
		Metrics:    m,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session controller")
	}
	if err := controller.LoadProfiles(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load profiles")
	}

	errCh := make(chan error, 2)
	var httpServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		httpServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	r := &repl{
		ctx:         ctx,
		controller:  controller,
		settings:    settingsRepo,
		catalog:     cat,
		credentials: creds,
		historyPath: cfg.Files.History,
		out:         os.Stdout,
	}
	speaker := &consoleSpeaker{out: os.Stdout}
	machine := voice.New(voice.Config{
		Recognizer:   consoleRecognizer{out: os.Stdout},
		Synthesizer:  speaker,
		SettleDelay:  cfg.Voice.SettleDelay,
		RetryDelay:   cfg.Voice.RetryDelay,
		OnTranscript: r.onTranscript,
		Logger:       log.Logger.With().Str("component", "voice").Logger(),
	})
	speaker.machine = machine
	r.voice = machine

	go func() {
		errCh <- r.run()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("runtime error")
		}
		cancel()
	}

	machine.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop metrics server")
		}
	}
	r.close()

	log.Info().Msg("stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Driver != config.DriverRedis {
		s, err := storage.OpenSQL(ctx, cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.AutoMigrate)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return storage.NewRedisStore(rdb, cfg.Redis.Prefix), nil
}

// seedAPIKeys copies keys from the environment into settings for providers
// that have none stored. Keys edited at runtime are never overwritten.
func seedAPIKeys(ctx context.Context, repo *settings.Repository, pcs config.ProvidersConfig) {
	for name, pc := range pcs.ByName() {
		if strings.TrimSpace(pc.APIKey) == "" {
			continue
		}
		stored, err := repo.APIKey(ctx, name)
		if err != nil {
			log.Error().Err(err).Str("provider", string(name)).Msg("failed to read stored api key")
			continue
		}
		if stored != "" {
			continue
		}
		if err := repo.SetAPIKey(ctx, name, pc.APIKey); err != nil {
			log.Error().Err(err).Str("provider", string(name)).Msg("failed to seed api key")
			continue
		}
		log.Info().Str("provider", string(name)).Msg("seeded api key from environment")
	}
}

func applyFallbackModels(cat *catalog.Catalog, pcs config.ProvidersConfig) error {
	for name, pc := range pcs.ByName() {
		key := strings.TrimSpace(pc.FallbackModel)
		if key == "" {
			continue
		}
		m, err := cat.Get(key)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if m.Provider != name {
			return fmt.Errorf("%s: model %q belongs to %s", name, key, m.Provider)
		}
		if cat.FallbackModels == nil {
			cat.FallbackModels = map[providers.Name]string{}
		}
		cat.FallbackModels[name] = key
	}
	return nil
}

func loadKnowledge(path string) (*knowledge.Index, error) {
	if path == "" {
		return knowledge.Default(), nil
	}
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	chunks := knowledge.Build(string(doc))
	if len(chunks) == 0 {
		return nil, errors.New("knowledge file has no sections")
	}
	return knowledge.New(chunks), nil
}

func buildCredentials(ctx context.Context, cfg *config.Config, store storage.Store, keys credentials.KeySource, m *metrics.Metrics) (*credentials.Registry, error) {
	rc := credentials.RegistryConfig{
		Mode:    credentials.Mode(cfg.Credentials.Mode),
		Keys:    keys,
		Primary: providers.Gemini,
		Logger:  log.Logger.With().Str("component", "credentials").Logger(),
		Metrics: m,
	}
	if rc.Mode == credentials.ModePool {
		pool, err := credentials.NewPool(ctx, credentials.PoolConfig{
			Provider: providers.Gemini,
			Keys:     cfg.PoolKeys(),
			Store:    store,
			Logger:   rc.Logger,
		})
		if err != nil {
			return nil, err
		}
		rc.Pool = pool
		log.Info().Int("keys", pool.Size()).Msg("credential pool enabled")
	}
	return credentials.NewRegistry(rc)
}

func setupLogger(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	if pretty {
		// the REPL owns stdout
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
