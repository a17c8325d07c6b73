// Точка входа Ownership Verifier — сервиса подтверждения владения ROM.
// Загружает конфигурацию, подключается к PostgreSQL, применяет миграции,
// создаёт сервисный слой и API handlers, запускает фоновые задачи
// (очистка просроченных верификаций, topologymetrics),
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/ownership-verifier/internal/api/handlers"
	"github.com/bigkaa/ownership-verifier/internal/api/middleware"
	"github.com/bigkaa/ownership-verifier/internal/config"
	"github.com/bigkaa/ownership-verifier/internal/database"
	"github.com/bigkaa/ownership-verifier/internal/domain/lifecycle"
	"github.com/bigkaa/ownership-verifier/internal/domain/rbac"
	"github.com/bigkaa/ownership-verifier/internal/ingest"
	"github.com/bigkaa/ownership-verifier/internal/repository"
	"github.com/bigkaa/ownership-verifier/internal/server"
	"github.com/bigkaa/ownership-verifier/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Ownership Verifier запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("OV_DEPHEALTH_GROUP") == "" {
		logger.Warn("OV_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Подключение к PostgreSQL (pgxpool), ожидание до OV_DB_CONNECT_TIMEOUT
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics.
	// Проверка идёт через существующий пул и видит его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Repositories
	verificationRepo := repository.NewVerificationRepository(pool)
	catalogRepo := repository.NewCatalogRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	uow := repository.NewVerificationUnitOfWork(repository.NewTxRunner(pool))

	// 6. Services
	engine := lifecycle.NewEngine(lifecycle.Policy{
		MismatchNotes:           cfg.MismatchNotes,
		RejectNotes:             cfg.RejectNotes,
		ResetDeadlineOnResubmit: cfg.ResetDeadlineOnReupload,
	})

	spooler, err := ingest.NewSpooler(cfg.UploadTempDir, cfg.MaxUploadSize)
	if err != nil {
		logger.Error("Ошибка инициализации каталога загрузок",
			slog.String("dir", cfg.UploadTempDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	catalogSvc := service.NewCatalogService(catalogRepo, cfg.CatalogCacheSize, cfg.CatalogCacheTTL)
	verificationSvc := service.NewVerificationService(
		verificationRepo,
		catalogSvc,
		userRepo,
		spooler,
		engine,
		logger,
	)
	sweeper := service.NewSweeper(uow, engine, cfg.SweepInterval, logger)

	// 7. Readiness checkers (PostgreSQL + Keycloak)
	pgChecker := database.NewReadinessChecker(pool)
	kcChecker, err := middleware.NewKeycloakReadinessChecker(cfg.JWTJWKSURL, cfg.KeycloakCACert, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания Keycloak readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, kcChecker)

	// 8. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		verificationSvc,
		sweeper,
		cfg.MaxUploadSize,
		logger,
	)

	// 9. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(middleware.JWTAuthConfig{
		JWKSURL:     cfg.JWTJWKSURL,
		CACertPath:  cfg.KeycloakCACert,
		Issuer:      cfg.JWTIssuer,
		GroupsClaim: cfg.JWTGroupsClaim,
		Mapping: rbac.GroupMapping{
			AdminGroups:  cfg.RoleAdminGroups,
			EditorGroups: cfg.RoleEditorGroups,
			ViewerGroups: cfg.RoleViewerGroups,
		},
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		Leeway:          cfg.JWTLeeway,
	}, userRepo, logger)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 10. Запуск фоновых задач
	if cfg.SweepEnabled {
		sweeper.Start(ctx)
		logger.Info("Очистка просроченных верификаций запущена",
			slog.String("interval", cfg.SweepInterval.String()),
		)
	} else {
		logger.Info("Периодическая очистка отключена (OV_SWEEP_ENABLED=false), доступен только ручной запуск")
	}

	// 10.1 topologymetrics — мониторинг зависимостей (PostgreSQL + Keycloak)
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "ownership-verifier",
		Group:         cfg.DephealthGroup,
		PgConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, pgDB, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	if dephealthSvc != nil {
		healthHandler.WithDependencies(dephealthSvc)
	}

	// 11. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 12. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if cfg.SweepEnabled {
		sweeper.Stop()
	}

	logger.Info("Ownership Verifier остановлен")
}
