// Пакет database — пул PostgreSQL (pgxpool), миграции схемы
// верификаций (golang-migrate) и проверка готовности.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/ownership-verifier/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Интервалы повторных попыток подключения при старте.
var (
	connectRetryInitial = 500 * time.Millisecond
	connectRetryMax     = 5 * time.Second
)

// Connect создаёт пул подключений и ждёт доступности PostgreSQL
// не дольше cfg.DBConnectTimeout.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга DSN: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула подключений: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectTimeout)
	defer cancel()

	if err := waitForPing(waitCtx, pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка подключения к PostgreSQL: %w", err)
	}

	logger.Info("Подключение к PostgreSQL установлено",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", cfg.DBMaxConns),
	)
	return pool, nil
}

// pinger — часть pgxpool.Pool, нужная для ожидания базы.
type pinger interface {
	Ping(ctx context.Context) error
}

// waitForPing повторяет ping с удвоением паузы до успеха или отмены ctx.
// Возвращает последнюю ошибку ping, если ctx истёк.
func waitForPing(ctx context.Context, p pinger, logger *slog.Logger) error {
	delay := connectRetryInitial
	for attempt := 1; ; attempt++ {
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		logger.Warn("PostgreSQL недоступен, повтор подключения",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay = min(delay*2, connectRetryMax)
	}
}

// Migrate применяет embedded SQL-миграции: справочные таблицы
// каталога и таблицу rom_verifications.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка создания источника миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(cfg))
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ошибка применения миграций: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Миграции применены",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// migrationURL строит URL для драйвера pgx5 golang-migrate.
// Учётные данные экранируются: пароль может содержать @, / и :.
func migrationURL(cfg *config.Config) string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:     fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort),
		Path:     "/" + cfg.DBName,
		RawQuery: url.Values{"sslmode": {cfg.DBSSLMode}}.Encode(),
	}
	return u.String()
}

// ReadinessChecker — готовность PostgreSQL для /health/ready.
// Кроме ping проверяет, что миграция rom_verifications применена.
type ReadinessChecker struct {
	pool *pgxpool.Pool
}

// NewReadinessChecker создаёт проверку готовности PostgreSQL.
func NewReadinessChecker(pool *pgxpool.Pool) *ReadinessChecker {
	return &ReadinessChecker{pool: pool}
}

// CheckReady возвращает "ok", "degraded" (пул исчерпан) или "fail" и сообщение.
func (c *ReadinessChecker) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := c.pool.Ping(ctx); err != nil {
		return "fail", fmt.Sprintf("PostgreSQL недоступен: %v", err)
	}

	var exists bool
	err := c.pool.QueryRow(ctx,
		`SELECT to_regclass('public.rom_verifications') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return "fail", fmt.Sprintf("ошибка проверки схемы: %v", err)
	}
	if !exists {
		return "fail", "таблица rom_verifications отсутствует"
	}

	stat := c.pool.Stat()
	if stat.MaxConns() > 0 && stat.AcquiredConns() >= stat.MaxConns() {
		return "degraded", fmt.Sprintf("пул исчерпан: %d/%d", stat.AcquiredConns(), stat.MaxConns())
	}
	return "ok", "подключение активно"
}
