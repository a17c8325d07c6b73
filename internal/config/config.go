// Пакет config — загрузка и валидация конфигурации Ownership Verifier
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Ownership Verifier.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8000-8099)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Максимальный размер пула подключений
	DBMaxConns int
	// Сколько ждать PostgreSQL при старте
	DBConnectTimeout time.Duration

	// --- Keycloak / JWT ---

	// URL Keycloak (например, https://keycloak.kryukov.lan)
	KeycloakURL string
	// Имя realm в Keycloak
	KeycloakRealm string
	// Issuer JWT (авто-вычисляется из KeycloakURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из KeycloakURL, если не задан)
	JWTJWKSURL string
	// Claim для групп в JWT
	JWTGroupsClaim string
	// Допустимое расхождение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Путь к CA-сертификату Keycloak (опционально)
	KeycloakCACert string
	// Таймаут HTTP-клиента JWKS и проверки готовности Keycloak
	JWKSClientTimeout time.Duration
	// Интервал фонового обновления ключей JWKS
	JWKSRefreshInterval time.Duration

	// --- Маппинг групп → привилегий ---

	// Группы IdP, дающие привилегию admin (через запятую)
	RoleAdminGroups []string
	// Группы IdP, дающие привилегию editor (через запятую)
	RoleEditorGroups []string
	// Группы IdP, дающие привилегию viewer (через запятую)
	RoleViewerGroups []string

	// --- Верификация ---

	// Включена ли периодическая очистка просроченных верификаций
	SweepEnabled bool
	// Интервал запуска очистки
	SweepInterval time.Duration
	// Сдвигать ли дедлайн на конец дня повторной загрузки
	ResetDeadlineOnReupload bool
	// Примечание по умолчанию при несовпадении хешей
	MismatchNotes string
	// Примечание по умолчанию при ручном отклонении
	RejectNotes string

	// --- Загрузка файлов ---

	// Максимальный размер загружаемого файла (байт)
	MaxUploadSize int64
	// Каталог для временных файлов загрузки (пусто — os.TempDir)
	UploadTempDir string

	// --- Кэш каталога ---

	// Максимальное число записей в кэше эталонных хешей
	CatalogCacheSize int
	// TTL записи в кэше эталонных хешей
	CatalogCacheTTL time.Duration

	// --- topologymetrics ---

	// Группа сервиса в topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// OV_PORT — порт HTTP-сервера (по умолчанию 8040)
	cfg.Port, err = getEnvInt("OV_PORT", 8040)
	if err != nil {
		return nil, fmt.Errorf("OV_PORT: %w", err)
	}
	if cfg.Port < 8000 || cfg.Port > 8099 {
		return nil, fmt.Errorf("OV_PORT: значение %d вне допустимого диапазона 8000-8099", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("OV_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("OV_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("OV_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("OV_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("OV_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("OV_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("OV_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("OV_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("OV_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("OV_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("OV_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("OV_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.DBMaxConns, err = getEnvInt("OV_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("OV_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 || cfg.DBMaxConns > 100 {
		return nil, fmt.Errorf("OV_DB_MAX_CONNS: значение %d вне допустимого диапазона 1-100", cfg.DBMaxConns)
	}

	cfg.DBConnectTimeout, err = getEnvDuration("OV_DB_CONNECT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("OV_DB_CONNECT_TIMEOUT: %w", err)
	}
	if cfg.DBConnectTimeout <= 0 {
		return nil, fmt.Errorf("OV_DB_CONNECT_TIMEOUT: должен быть положительным")
	}

	// --- Keycloak / JWT ---

	cfg.KeycloakURL, err = getEnvRequired("OV_KEYCLOAK_URL")
	if err != nil {
		return nil, err
	}
	cfg.KeycloakURL = strings.TrimRight(cfg.KeycloakURL, "/")

	cfg.KeycloakRealm = getEnvDefault("OV_KEYCLOAK_REALM", "romm")

	cfg.JWTIssuer = getEnvDefault("OV_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.KeycloakURL, cfg.KeycloakRealm))
	cfg.JWTJWKSURL = getEnvDefault("OV_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.KeycloakURL, cfg.KeycloakRealm))
	cfg.JWTGroupsClaim = getEnvDefault("OV_JWT_GROUPS_CLAIM", "groups")

	cfg.JWTLeeway, err = getEnvDuration("OV_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("OV_JWT_LEEWAY: %w", err)
	}

	cfg.KeycloakCACert = getEnvDefault("OV_KEYCLOAK_CA_CERT", "")

	cfg.JWKSClientTimeout, err = getEnvDuration("OV_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("OV_JWKS_CLIENT_TIMEOUT: %w", err)
	}

	cfg.JWKSRefreshInterval, err = getEnvDuration("OV_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("OV_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- Маппинг групп → привилегий ---

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("OV_ROLE_ADMIN_GROUPS", "romm-admins"))
	cfg.RoleEditorGroups = parseCSV(getEnvDefault("OV_ROLE_EDITOR_GROUPS", "romm-editors"))
	cfg.RoleViewerGroups = parseCSV(getEnvDefault("OV_ROLE_VIEWER_GROUPS", "romm-viewers"))

	// --- Верификация ---

	cfg.SweepEnabled, err = getEnvBool("OV_SWEEP_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("OV_SWEEP_ENABLED: %w", err)
	}

	// OV_SWEEP_INTERVAL — интервал очистки (по умолчанию 1h, минимум 1m)
	cfg.SweepInterval, err = getEnvDuration("OV_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("OV_SWEEP_INTERVAL: %w", err)
	}
	if cfg.SweepInterval < time.Minute {
		return nil, fmt.Errorf("OV_SWEEP_INTERVAL: значение %s меньше минимального 1m", cfg.SweepInterval)
	}

	cfg.ResetDeadlineOnReupload, err = getEnvBool("OV_RESET_DEADLINE_ON_REUPLOAD", false)
	if err != nil {
		return nil, fmt.Errorf("OV_RESET_DEADLINE_ON_REUPLOAD: %w", err)
	}

	cfg.MismatchNotes = getEnvDefault("OV_MISMATCH_NOTES", "Hash mismatch")
	cfg.RejectNotes = getEnvDefault("OV_REJECT_NOTES", "Rejected by admin")

	// --- Загрузка файлов ---

	// OV_MAX_UPLOAD_SIZE — максимальный размер файла (по умолчанию 4 GiB)
	cfg.MaxUploadSize, err = getEnvInt64("OV_MAX_UPLOAD_SIZE", 4<<30)
	if err != nil {
		return nil, fmt.Errorf("OV_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("OV_MAX_UPLOAD_SIZE: значение %d должно быть положительным", cfg.MaxUploadSize)
	}

	cfg.UploadTempDir = getEnvDefault("OV_UPLOAD_TEMP_DIR", "")

	// --- Кэш каталога ---

	cfg.CatalogCacheSize, err = getEnvInt("OV_CATALOG_CACHE_SIZE", 1024)
	if err != nil {
		return nil, fmt.Errorf("OV_CATALOG_CACHE_SIZE: %w", err)
	}
	if cfg.CatalogCacheSize < 1 || cfg.CatalogCacheSize > 100000 {
		return nil, fmt.Errorf("OV_CATALOG_CACHE_SIZE: значение %d вне допустимого диапазона 1-100000", cfg.CatalogCacheSize)
	}

	cfg.CatalogCacheTTL, err = getEnvDuration("OV_CATALOG_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("OV_CATALOG_CACHE_TTL: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("OV_DEPHEALTH_GROUP", "romm")

	cfg.DephealthCheckInterval, err = getEnvDuration("OV_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("OV_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("OV_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("OV_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без учётных данных
// (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool принимает true/false/1/0 (strconv.ParseBool).
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
