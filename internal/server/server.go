// Пакет server — HTTP-сервер сервиса верификации с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/ownership-verifier/internal/api/middleware"
	"github.com/bigkaa/ownership-verifier/internal/config"
	"github.com/bigkaa/ownership-verifier/internal/domain/rbac"
)

// Handler — обработчики маршрутов. Реализуется *handlers.APIHandler.
type Handler interface {
	HealthLive(w http.ResponseWriter, r *http.Request)
	HealthReady(w http.ResponseWriter, r *http.Request)
	GetMetrics(w http.ResponseWriter, r *http.Request)

	UploadVerification(w http.ResponseWriter, r *http.Request)
	GetVerificationStatus(w http.ResponseWriter, r *http.Request)
	ListMyVerified(w http.ResponseWriter, r *http.Request)

	ListPendingVerifications(w http.ResponseWriter, r *http.Request)
	GetVerificationStats(w http.ResponseWriter, r *http.Request)
	ListSubjectVerifications(w http.ResponseWriter, r *http.Request)
	DecideVerification(w http.ResponseWriter, r *http.Request)
	DeleteVerification(w http.ResponseWriter, r *http.Request)
	RunSweep(w http.ResponseWriter, r *http.Request)
}

// Authenticator — middleware аутентификации. Реализуется *middleware.JWTAuth.
type Authenticator interface {
	Middleware() func(http.Handler) http.Handler
}

// Server — HTTP-сервер сервиса верификации.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// auth может быть nil: тогда идентичность в контексте отсутствует
// и защищённые маршруты отвечают 401.
func New(cfg *config.Config, logger *slog.Logger, handler Handler, auth Authenticator) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(logger, handler, auth),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "http_server")),
		cfg:        cfg,
	}
}

// NewRouter собирает chi-маршрутизатор.
// Health и metrics проверяются Kubernetes напрямую, без API Gateway и без JWT.
func NewRouter(logger *slog.Logger, h Handler, auth Authenticator) http.Handler {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.RequestID)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	router.Route("/api/v1/verifications", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware())
		}

		// Пользовательские операции
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePrivilege(rbac.PrivilegeViewer))
			r.Post("/upload/{subject_id}", h.UploadVerification)
			r.Get("/status/{subject_id}", h.GetVerificationStatus)
			r.Get("/mine/verified", h.ListMyVerified)
		})

		// Операции ревьюера
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePrivilege(rbac.PrivilegeAdmin))
			r.Get("/pending", h.ListPendingVerifications)
			r.Get("/stats", h.GetVerificationStats)
			r.Get("/subjects/{subject_id}", h.ListSubjectVerifications)
			r.Post("/sweep", h.RunSweep)
			r.Post("/{verification_id}/decision", h.DecideVerification)
			r.Delete("/{verification_id}", h.DeleteVerification)
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
