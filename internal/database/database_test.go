package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/ownership-verifier/internal/config"
)

func TestMigrationURL(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "db.example.com",
		DBPort:     5433,
		DBName:     "romm",
		DBUser:     "romm",
		DBPassword: "p@ss/w:rd",
		DBSSLMode:  "require",
	}

	raw := migrationURL(cfg)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("migrationURL() = %q не разбирается: %v", raw, err)
	}
	if u.Scheme != "pgx5" {
		t.Errorf("scheme = %q, ожидается pgx5", u.Scheme)
	}
	if u.Host != "db.example.com:5433" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/romm" {
		t.Errorf("path = %q, ожидается /romm", u.Path)
	}
	if pass, _ := u.User.Password(); pass != "p@ss/w:rd" {
		t.Errorf("пароль после разбора = %q, ожидается исходный", pass)
	}
	if got := u.Query().Get("sslmode"); got != "require" {
		t.Errorf("sslmode = %q, ожидается require", got)
	}
}

// flakyPinger отвечает ошибкой первые failures вызовов.
type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func shortRetries(t *testing.T) {
	t.Helper()
	initial, maxDelay := connectRetryInitial, connectRetryMax
	connectRetryInitial, connectRetryMax = time.Millisecond, 5*time.Millisecond
	t.Cleanup(func() { connectRetryInitial, connectRetryMax = initial, maxDelay })
}

func TestWaitForPing_Retries(t *testing.T) {
	shortRetries(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &flakyPinger{failures: 3}

	if err := waitForPing(context.Background(), p, logger); err != nil {
		t.Fatalf("waitForPing() вернул ошибку: %v", err)
	}
	if p.calls != 4 {
		t.Errorf("вызовов Ping = %d, ожидается 4", p.calls)
	}
}

func TestWaitForPing_Timeout(t *testing.T) {
	shortRetries(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &flakyPinger{failures: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := waitForPing(ctx, p, logger)
	if err == nil {
		t.Fatal("waitForPing() должен вернуть ошибку по таймауту")
	}
	if err.Error() != "connection refused" {
		t.Errorf("ошибка = %q, ожидается последняя ошибка ping", err)
	}
}

// setupTestDB запускает PostgreSQL в Docker-контейнере через testcontainers.
// Возвращает конфиг и функцию для очистки.
func setupTestDB(t *testing.T) *config.Config {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("romm_test"),
		postgres.WithUsername("romm"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	// Создаём конфиг с минимальными значениями
	t.Setenv("OV_DB_HOST", host)
	t.Setenv("OV_DB_PORT", port.Port())
	t.Setenv("OV_DB_NAME", "romm_test")
	t.Setenv("OV_DB_USER", "romm")
	t.Setenv("OV_DB_PASSWORD", "test-password")
	t.Setenv("OV_DB_SSL_MODE", "disable")
	t.Setenv("OV_KEYCLOAK_URL", "http://localhost:8080")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}

	return cfg
}

// TestConnect проверяет подключение к PostgreSQL через pgxpool.
func TestConnect(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("pool.Ping() вернул ошибку: %v", err)
	}
	if got := pool.Config().MaxConns; got != int32(cfg.DBMaxConns) {
		t.Errorf("MaxConns = %d, ожидается %d", got, cfg.DBMaxConns)
	}
}

// TestMigrate проверяет применение миграций.
func TestMigrate(t *testing.T) {
	cfg := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Применяем миграции
	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}

	// Повторное применение — должно быть без ошибки (ErrNoChange)
	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Повторный Migrate() вернул ошибку: %v", err)
	}

	// Проверяем, что таблицы созданы
	ctx := context.Background()
	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	tables := []string{
		"platforms",
		"roms",
		"users",
		"rom_verifications",
	}

	for _, table := range tables {
		var exists bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			t.Fatalf("Ошибка проверки таблицы %s: %v", table, err)
		}
		if !exists {
			t.Errorf("Таблица %s не создана", table)
		}
	}

	// Уникальность пары (rom_id, user_id) задаётся именованным ограничением
	var constraint string
	err = pool.QueryRow(ctx,
		`SELECT conname FROM pg_constraint
		 WHERE conrelid = 'rom_verifications'::regclass AND contype = 'u'`).Scan(&constraint)
	if err != nil {
		t.Fatalf("Ограничение уникальности не найдено: %v", err)
	}
	if constraint != "unique_rom_user_verification" {
		t.Errorf("constraint = %q, ожидали unique_rom_user_verification", constraint)
	}

	// Статусы перечислены ровно в четырёх значениях
	var labels []string
	err = pool.QueryRow(ctx,
		`SELECT array_agg(enumlabel::text ORDER BY enumsortorder)
		 FROM pg_enum WHERE enumtypid = 'verificationstatus'::regtype`).Scan(&labels)
	if err != nil {
		t.Fatalf("Ошибка чтения verificationstatus: %v", err)
	}
	expected := []string{"pending", "verified", "rejected", "expired"}
	if len(labels) != len(expected) {
		t.Fatalf("verificationstatus = %v, ожидали %v", labels, expected)
	}
	for i := range expected {
		if labels[i] != expected[i] {
			t.Errorf("verificationstatus[%d] = %q, ожидали %q", i, labels[i], expected[i])
		}
	}
}

// TestReadinessChecker проверяет ReadinessChecker.
func TestReadinessChecker(t *testing.T) {
	cfg := setupTestDB(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pool, err := Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Connect() вернул ошибку: %v", err)
	}
	defer pool.Close()

	checker := NewReadinessChecker(pool)

	// До миграций таблицы нет — сервис не готов
	if status, _ := checker.CheckReady(); status != "fail" {
		t.Errorf("CheckReady() до миграций status = %q, ожидали fail", status)
	}

	if err := Migrate(cfg, logger); err != nil {
		t.Fatalf("Migrate() вернул ошибку: %v", err)
	}

	status, msg := checker.CheckReady()
	if status != "ok" {
		t.Errorf("CheckReady() status = %q, message = %q; ожидали status = %q",
			status, msg, "ok")
	}
}
