// auth.go — JWT middleware аутентификации и авторизации.
// Проверяет подпись токена Keycloak через JWKS, находит локального
// пользователя по sub и вычисляет привилегию: max(группы IdP, локальная роль).
// Привилегия вычисляется один раз и кладётся в контекст запроса.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/ownership-verifier/internal/api/errors"
	"github.com/bigkaa/ownership-verifier/internal/domain/model"
	"github.com/bigkaa/ownership-verifier/internal/domain/rbac"
	"github.com/bigkaa/ownership-verifier/internal/repository"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyIdentity — идентичность вызывающего в контексте запроса.
const ContextKeyIdentity contextKey = "identity"

// Identity — аутентифицированный пользователь.
type Identity struct {
	// UserID — локальный идентификатор пользователя (users.id)
	UserID int64
	// Subject — sub из JWT
	Subject string
	// Username — локальное имя пользователя
	Username string
	// Groups — группы из JWT
	Groups []string
	// Privilege — итоговая привилегия
	Privilege rbac.Privilege
}

// UserResolver — поиск локального пользователя по sub из JWT.
// Реализуется repository.UserRepository.
type UserResolver interface {
	GetByExternalID(ctx context.Context, externalID string) (*model.User, error)
}

// JWTAuth — middleware для JWT-аутентификации через JWKS Keycloak.
type JWTAuth struct {
	jwks        keyfunc.Keyfunc
	users       UserResolver
	mapping     rbac.GroupMapping
	groupsClaim string
	issuer      string
	jwtLeeway   time.Duration
	logger      *slog.Logger
}

// JWTAuthConfig — параметры JWTAuth.
type JWTAuthConfig struct {
	// JWKSURL — JWKS endpoint Keycloak
	JWKSURL string
	// CACertPath — опциональный CA-сертификат для TLS
	CACertPath string
	// Issuer — ожидаемый iss (пусто — не проверяется)
	Issuer string
	// GroupsClaim — имя claim с группами
	GroupsClaim string
	// Mapping — соответствие групп привилегиям
	Mapping rbac.GroupMapping
	// ClientTimeout — таймаут HTTP-клиента JWKS
	ClientTimeout time.Duration
	// RefreshInterval — интервал обновления ключей
	RefreshInterval time.Duration
	// Leeway — допустимое расхождение часов
	Leeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из Keycloak.
// Стартует даже если Keycloak ещё недоступен: ключи подтянутся при обновлении.
func NewJWTAuth(cfg JWTAuthConfig, users UserResolver, logger *slog.Logger) (*JWTAuth, error) {
	httpClient := &http.Client{Timeout: cfg.ClientTimeout}
	if cfg.CACertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(cfg.CACertPath, cfg.ClientTimeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", cfg.CACertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", cfg.CACertPath),
		)
	}

	storage, err := jwkset.NewStorageFromHTTP(cfg.JWKSURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           cfg.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", cfg.JWKSURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, cfg, users, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, cfg JWTAuthConfig, users UserResolver, logger *slog.Logger) *JWTAuth {
	groupsClaim := cfg.GroupsClaim
	if groupsClaim == "" {
		groupsClaim = "groups"
	}
	return &JWTAuth{
		jwks:        kf,
		users:       users,
		mapping:     cfg.Mapping,
		groupsClaim: groupsClaim,
		issuer:      cfg.Issuer,
		jwtLeeway:   cfg.Leeway,
		logger:      logger.With(slog.String("component", "jwt_auth")),
	}
}

// httpClientWithCA создаёт HTTP-клиент с дополнительным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("файл не содержит PEM-сертификатов")
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}

// Middleware возвращает HTTP middleware JWT-аутентификации.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				apierrors.Unauthorized(w, "Ожидается заголовок Authorization: Bearer <token>")
				return
			}

			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			claims := jwt.MapClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.Any("error", err),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			user, err := j.users.GetByExternalID(r.Context(), subject)
			if err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					apierrors.Forbidden(w, "Пользователь не зарегистрирован в библиотеке")
					return
				}
				j.logger.Error("Ошибка получения пользователя",
					slog.String("sub", subject),
					slog.String("error", err.Error()),
				)
				apierrors.InternalError(w, "Внутренняя ошибка сервера")
				return
			}
			if !user.Enabled {
				apierrors.Forbidden(w, "Учётная запись отключена")
				return
			}

			identity := j.buildIdentity(claims, user)
			ctx := context.WithValue(r.Context(), ContextKeyIdentity, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken извлекает токен из заголовка Authorization.
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// buildIdentity вычисляет привилегию: группы IdP, при их отсутствии
// realm_access.roles, затем повышение локальной ролью.
func (j *JWTAuth) buildIdentity(claims jwt.MapClaims, user *model.User) *Identity {
	groups := stringsClaim(claims[j.groupsClaim])
	idp := j.mapping.MapGroups(groups)

	if idp == rbac.PrivilegeNone {
		if ra, ok := claims["realm_access"].(map[string]any); ok {
			for _, role := range stringsClaim(ra["roles"]) {
				if p, err := rbac.ParseRole(role); err == nil {
					idp = max(idp, p)
				}
			}
		}
	}

	return &Identity{
		UserID:    user.ID,
		Subject:   user.ExternalID,
		Username:  user.Username,
		Groups:    groups,
		Privilege: rbac.Effective(idp, user.Role),
	}
}

// stringsClaim приводит claim-массив к []string. Keycloak может отдавать
// группы с ведущим "/" (полный путь), он отбрасывается.
func stringsClaim(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			result = append(result, strings.TrimPrefix(s, "/"))
		}
	}
	return result
}

// RequirePrivilege возвращает middleware, требующий привилегию не ниже required.
// Проверка выполняется до любой валидации входных данных.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequirePrivilege(required rbac.Privilege) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := IdentityFromContext(r.Context())
			if identity == nil {
				apierrors.Unauthorized(w, "Отсутствует идентичность в контексте")
				return
			}
			if !identity.Privilege.AtLeast(required) {
				apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется %s", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext извлекает Identity из контекста запроса.
// Возвращает nil, если идентичность не найдена.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(ContextKeyIdentity).(*Identity)
	return identity
}

// WithIdentity помещает Identity в контекст.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, identity)
}

// --- ReadinessChecker для Keycloak ---

// KeycloakReadinessChecker — проверка доступности Keycloak через JWKS.
type KeycloakReadinessChecker struct {
	jwksURL string
	client  *http.Client
}

// NewKeycloakReadinessChecker создаёт checker доступности Keycloak.
func NewKeycloakReadinessChecker(jwksURL, caCertPath string, timeout time.Duration) (*KeycloakReadinessChecker, error) {
	client := &http.Client{Timeout: timeout}
	if caCertPath != "" {
		var err error
		client, err = httpClientWithCA(caCertPath, timeout)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA для readiness checker: %w", err)
		}
	}
	return &KeycloakReadinessChecker{jwksURL: jwksURL, client: client}, nil
}

const statusFail = "fail"

// CheckReady проверяет доступность JWKS endpoint Keycloak.
func (k *KeycloakReadinessChecker) CheckReady() (status, message string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, k.jwksURL, http.NoBody)
	if err != nil {
		return statusFail, "ошибка создания запроса: " + err.Error()
	}
	resp, err := k.client.Do(req) //nolint:gosec // URL из конфигурации Keycloak
	if err != nil {
		return statusFail, fmt.Sprintf("Keycloak JWKS недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusFail, fmt.Sprintf("Keycloak JWKS вернул статус %d", resp.StatusCode)
	}

	var jwksResp struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwksResp); err != nil {
		return "degraded", fmt.Sprintf("Keycloak JWKS: невалидный JSON: %v", err)
	}
	if len(jwksResp.Keys) == 0 {
		return "degraded", "Keycloak JWKS: нет ключей"
	}

	return "ok", fmt.Sprintf("JWKS доступен, ключей: %d", len(jwksResp.Keys))
}
