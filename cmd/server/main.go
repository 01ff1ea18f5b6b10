package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brokerage/internal/api"
	"brokerage/internal/config"
	"brokerage/internal/database"
	"brokerage/internal/lock"
	"brokerage/internal/probe"
	"brokerage/internal/registry"
	"brokerage/internal/repository"
	"brokerage/internal/service"
	"brokerage/internal/websocket"
	"brokerage/pkg/crypto"
	"brokerage/pkg/ratelimit"
	"brokerage/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		utils.Error("Server stopped with error", utils.Err(err))
		utils.L().Sync()
		os.Exit(1)
	}
}

func run() error {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Шифрование учетных данных
	codec, err := crypto.NewCodec(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to init credentials codec: %w", err)
	}

	// Справочник брокеров
	reg, err := registry.Load(cfg.Brokers.SeedFile)
	if err != nil {
		return fmt.Errorf("failed to load broker registry: %w", err)
	}
	logger.Info("Broker registry loaded", utils.Int("brokers", len(reg.List())))

	// Хранилище подключений
	store, db, err := initStore(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// Блокировки пар (пользователь, брокер)
	locker, closeLocker, err := initLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	// Проверка подключений у брокеров
	validator := probe.NewValidator(
		probe.WithLogger(logger),
		probe.WithTimeouts(cfg.Probe.Timeout, cfg.Probe.MinTimeout, cfg.Probe.MaxTimeout),
		probe.WithBreaker(cfg.Probe.BreakerFailures, cfg.Probe.BreakerCooldown),
	)
	defer validator.Close()

	oauthClients := make(map[string]probe.ClientCredentials, len(cfg.Brokers.OAuthClients))
	for kind, c := range cfg.Brokers.OAuthClients {
		oauthClients[kind] = probe.ClientCredentials{ClientID: c.ClientID, ClientSecret: c.ClientSecret}
	}

	connService := service.NewConnectionService(store, reg, validator, codec, locker,
		service.ConnectionServiceConfig{ProbeTimeout: cfg.Probe.Timeout, OAuthClients: oauthClients},
		logger,
	)

	// WebSocket hub для статусов подключений
	hub := websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	go hub.Run()
	defer hub.Stop()
	connService.SetNotifier(hub)

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		ConnectionService: connService,
		Hub:               hub,
		JWTSecret:         cfg.Security.JWTSecret,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ProbeLimiter:      ratelimit.NewKeyedLimiter(cfg.Probe.RateLimit, cfg.Probe.RateBurst, 10*time.Minute),
		Logger:            logger,
	}
	if db != nil {
		deps.HealthCheck = db.PingContext
	}

	// HTTP сервер
	// WriteTimeout покрывает проверку у брокера и ожидание блокировки
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.Handler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      2*cfg.Probe.MaxTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", utils.String("addr", server.Addr), utils.Bool("https", cfg.Server.UseHTTPS))
		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Graceful shutdown
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server exited")
	return nil
}

// initStore выбирает хранилище подключений по DB_DRIVER
//
// Для postgres применяет миграции (DB_AUTO_MIGRATE) и записывает справочник
// брокеров в таблицу brokers.
func initStore(ctx context.Context, cfg *config.Config, reg *registry.Registry, logger *utils.Logger) (service.ConnectionStore, *sql.DB, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory connection store, data is lost on restart")
		return repository.NewMemoryConnectionStore(), nil, nil
	}

	// Open дожидается готовности БД, поэтому миграции идут после него
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Connected to database", utils.String("dsn", cfg.Database.DSNWithoutPassword()))

	if cfg.Database.AutoMigrate {
		if err := migrateUp(cfg.Database.URL(), logger); err != nil {
			db.Close()
			return nil, nil, err
		}
	}

	if err := reg.Seed(ctx, repository.NewBrokerRepository(db)); err != nil {
		db.Close()
		return nil, nil, err
	}

	return repository.NewConnectionRepository(db), db, nil
}

// migrateUp применяет миграции отдельным подключением
func migrateUp(databaseURL string, logger *utils.Logger) error {
	mg, err := database.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if err := mg.Close(); err != nil {
			logger.Warn("Failed to close migrator", utils.Err(err))
		}
	}()

	if err := mg.Up(); err != nil {
		return err
	}
	logger.Info("Database migrations applied")
	return nil
}

// initLocker - Redis блокировки при заданном REDIS_URL, иначе в памяти процесса
func initLocker(ctx context.Context, cfg *config.Config, logger *utils.Logger) (lock.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		return lock.NewKeyedMutex(), func() {}, nil
	}

	client, err := lock.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using Redis connection locks", utils.Duration("ttl", cfg.Redis.LockTTL))

	return lock.NewRedisLocker(client, cfg.Redis.LockTTL, logger), func() { client.Close() }, nil
}
