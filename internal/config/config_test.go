package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"OV_DB_HOST":      "localhost",
		"OV_DB_NAME":      "romm",
		"OV_DB_USER":      "romm",
		"OV_DB_PASSWORD":  "secret",
		"OV_KEYCLOAK_URL": "https://keycloak.kryukov.lan",
	}
}

// resetEnvs очищает обязательные переменные и устанавливает envs.
func resetEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k := range minimalEnvs() {
		os.Unsetenv(k)
	}
	setEnvs(t, envs)
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8040 {
		t.Errorf("Port = %d, ожидается 8040", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.DBSSLMode != "disable" {
		t.Errorf("DBSSLMode = %q, ожидается disable", cfg.DBSSLMode)
	}
	if cfg.DBMaxConns != 10 {
		t.Errorf("DBMaxConns = %d, ожидается 10", cfg.DBMaxConns)
	}
	if cfg.DBConnectTimeout != 30*time.Second {
		t.Errorf("DBConnectTimeout = %v, ожидается 30s", cfg.DBConnectTimeout)
	}
	if cfg.KeycloakRealm != "romm" {
		t.Errorf("KeycloakRealm = %q, ожидается romm", cfg.KeycloakRealm)
	}
	if !cfg.SweepEnabled {
		t.Error("SweepEnabled = false, ожидается true")
	}
	if cfg.SweepInterval != time.Hour {
		t.Errorf("SweepInterval = %v, ожидается 1h", cfg.SweepInterval)
	}
	if cfg.ResetDeadlineOnReupload {
		t.Error("ResetDeadlineOnReupload = true, ожидается false")
	}
	if cfg.MismatchNotes != "Hash mismatch" {
		t.Errorf("MismatchNotes = %q, ожидается \"Hash mismatch\"", cfg.MismatchNotes)
	}
	if cfg.RejectNotes != "Rejected by admin" {
		t.Errorf("RejectNotes = %q, ожидается \"Rejected by admin\"", cfg.RejectNotes)
	}
	if cfg.MaxUploadSize != 4<<30 {
		t.Errorf("MaxUploadSize = %d, ожидается 4 GiB", cfg.MaxUploadSize)
	}
	if cfg.CatalogCacheSize != 1024 {
		t.Errorf("CatalogCacheSize = %d, ожидается 1024", cfg.CatalogCacheSize)
	}
	if cfg.CatalogCacheTTL != 5*time.Minute {
		t.Errorf("CatalogCacheTTL = %v, ожидается 5m", cfg.CatalogCacheTTL)
	}
	if cfg.DephealthCheckInterval != 15*time.Second {
		t.Errorf("DephealthCheckInterval = %v, ожидается 15s", cfg.DephealthCheckInterval)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
	if cfg.JWKSClientTimeout != 10*time.Second {
		t.Errorf("JWKSClientTimeout = %v, ожидается 10s", cfg.JWKSClientTimeout)
	}
	if cfg.JWKSRefreshInterval != 15*time.Minute {
		t.Errorf("JWKSRefreshInterval = %v, ожидается 15m", cfg.JWKSRefreshInterval)
	}
	if cfg.KeycloakCACert != "" {
		t.Errorf("KeycloakCACert = %q, ожидается пустая строка", cfg.KeycloakCACert)
	}
}

func TestLoad_JWTAutoDerive(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	expectedIssuer := "https://keycloak.kryukov.lan/realms/romm"
	if cfg.JWTIssuer != expectedIssuer {
		t.Errorf("JWTIssuer = %q, ожидается %q", cfg.JWTIssuer, expectedIssuer)
	}

	expectedJWKS := "https://keycloak.kryukov.lan/realms/romm/protocol/openid-connect/certs"
	if cfg.JWTJWKSURL != expectedJWKS {
		t.Errorf("JWTJWKSURL = %q, ожидается %q", cfg.JWTJWKSURL, expectedJWKS)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	envs := minimalEnvs()
	envs["OV_PORT"] = "8045"
	envs["OV_LOG_LEVEL"] = "debug"
	envs["OV_LOG_FORMAT"] = "text"
	envs["OV_SWEEP_ENABLED"] = "false"
	envs["OV_SWEEP_INTERVAL"] = "30m"
	envs["OV_RESET_DEADLINE_ON_REUPLOAD"] = "true"
	envs["OV_MISMATCH_NOTES"] = "Хеши не совпали"
	envs["OV_MAX_UPLOAD_SIZE"] = "1048576"
	envs["OV_ROLE_ADMIN_GROUPS"] = "admins, super-admins"
	envs["OV_ROLE_VIEWER_GROUPS"] = "viewers, guests"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8045 {
		t.Errorf("Port = %d, ожидается 8045", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if cfg.SweepEnabled {
		t.Error("SweepEnabled = true, ожидается false")
	}
	if cfg.SweepInterval != 30*time.Minute {
		t.Errorf("SweepInterval = %v, ожидается 30m", cfg.SweepInterval)
	}
	if !cfg.ResetDeadlineOnReupload {
		t.Error("ResetDeadlineOnReupload = false, ожидается true")
	}
	if cfg.MismatchNotes != "Хеши не совпали" {
		t.Errorf("MismatchNotes = %q", cfg.MismatchNotes)
	}
	if cfg.MaxUploadSize != 1048576 {
		t.Errorf("MaxUploadSize = %d, ожидается 1048576", cfg.MaxUploadSize)
	}
	if len(cfg.RoleAdminGroups) != 2 || cfg.RoleAdminGroups[1] != "super-admins" {
		t.Errorf("RoleAdminGroups = %v, ожидается [admins super-admins]", cfg.RoleAdminGroups)
	}
	if len(cfg.RoleViewerGroups) != 2 || cfg.RoleViewerGroups[0] != "viewers" {
		t.Errorf("RoleViewerGroups = %v, ожидается [viewers guests]", cfg.RoleViewerGroups)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	requiredVars := []string{
		"OV_DB_HOST", "OV_DB_NAME", "OV_DB_USER", "OV_DB_PASSWORD", "OV_KEYCLOAK_URL",
	}

	for _, missing := range requiredVars {
		t.Run(missing, func(t *testing.T) {
			envs := minimalEnvs()
			delete(envs, missing)
			resetEnvs(t, envs)

			if _, err := Load(); err == nil {
				t.Errorf("Load() не вернул ошибку при отсутствии %s", missing)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"порт ниже диапазона", "OV_PORT", "7999"},
		{"порт выше диапазона", "OV_PORT", "8100"},
		{"порт не число", "OV_PORT", "abc"},
		{"уровень логирования", "OV_LOG_LEVEL", "verbose"},
		{"формат логов", "OV_LOG_FORMAT", "xml"},
		{"режим SSL", "OV_DB_SSL_MODE", "prefer"},
		{"пул пустой", "OV_DB_MAX_CONNS", "0"},
		{"пул слишком большой", "OV_DB_MAX_CONNS", "500"},
		{"таймаут подключения", "OV_DB_CONNECT_TIMEOUT", "0s"},
		{"интервал очистки", "OV_SWEEP_INTERVAL", "abc"},
		{"слишком частая очистка", "OV_SWEEP_INTERVAL", "10s"},
		{"флаг очистки", "OV_SWEEP_ENABLED", "maybe"},
		{"флаг дедлайна", "OV_RESET_DEADLINE_ON_REUPLOAD", "yes please"},
		{"нулевой размер файла", "OV_MAX_UPLOAD_SIZE", "0"},
		{"размер файла не число", "OV_MAX_UPLOAD_SIZE", "1GB"},
		{"размер кэша", "OV_CATALOG_CACHE_SIZE", "0"},
		{"TTL кэша", "OV_CATALOG_CACHE_TTL", "forever"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tt.key] = tt.value
			resetEnvs(t, envs)

			if _, err := Load(); err == nil {
				t.Errorf("Load() не вернул ошибку при %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoad_KeycloakURLTrailingSlash(t *testing.T) {
	envs := minimalEnvs()
	envs["OV_KEYCLOAK_URL"] = "https://keycloak.kryukov.lan/"
	resetEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.KeycloakURL != "https://keycloak.kryukov.lan" {
		t.Errorf("KeycloakURL = %q, ожидается без trailing slash", cfg.KeycloakURL)
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.example.com",
		DBPort:     5432,
		DBName:     "romm",
		DBUser:     "user",
		DBPassword: "pass",
		DBSSLMode:  "disable",
	}
	expected := "host=db.example.com port=5432 dbname=romm user=user password=pass sslmode=disable"
	if dsn := cfg.DatabaseDSN(); dsn != expected {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", dsn, expected)
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &Config{DBHost: "db.example.com", DBPort: 5432, DBName: "romm", DBUser: "user", DBPassword: "pass"}
	expected := "postgres://db.example.com:5432/romm"
	if u := cfg.DatabaseURL(); u != expected {
		t.Errorf("DatabaseURL() = %q, ожидается %q", u, expected)
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			logger := SetupLogger(&Config{LogLevel: slog.LevelInfo, LogFormat: format})
			if logger == nil {
				t.Error("SetupLogger() вернул nil")
			}
		})
	}
}

func TestParseCSV(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"", nil},
		{"admins", []string{"admins"}},
		{"admins,,viewers,", []string{"admins", "viewers"}},
		{" admins , viewers , guests ", []string{"admins", "viewers", "guests"}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseCSV(tt.input)
			if len(result) != len(tt.expected) {
				t.Fatalf("parseCSV(%q) = %v, ожидается %v", tt.input, result, tt.expected)
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("parseCSV(%q)[%d] = %q, ожидается %q", tt.input, i, v, tt.expected[i])
				}
			}
		})
	}
}
