// handler.go — основной обработчик API сервиса верификации.
// Объединяет health и доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/bigkaa/ownership-verifier/internal/domain/model"
	"github.com/bigkaa/ownership-verifier/internal/service"
)

// VerificationService — операции верификации, используемые обработчиками.
// Реализуется *service.VerificationService.
type VerificationService interface {
	Upload(ctx context.Context, subjectID, claimantID int64, fileName string, reader io.Reader) (*model.Verification, error)
	GetStatus(ctx context.Context, subjectID, claimantID int64) (*model.StatusView, error)
	Decide(ctx context.Context, id, reviewerID int64, approved bool, notes *string) (*service.DecisionResult, error)
	Stats(ctx context.Context) (model.VerificationStats, error)
	ListPending(ctx context.Context) ([]*model.PendingView, error)
	ListVerifiedForClaimant(ctx context.Context, claimantID int64) ([]*model.VerifiedView, error)
	ListBySubject(ctx context.Context, subjectID int64) ([]*model.Verification, error)
	Delete(ctx context.Context, id int64) error
}

// SweepRunner — ручной запуск очистки. Реализуется *service.Sweeper.
type SweepRunner interface {
	RunOnce(ctx context.Context) (*service.SweepResult, error)
}

// APIHandler — основной обработчик API.
type APIHandler struct {
	health        *HealthHandler
	verifications VerificationService
	sweeper       SweepRunner
	maxUploadSize int64
	logger        *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// maxUploadSize — лимит тела запроса загрузки (OV_MAX_UPLOAD_SIZE).
func NewAPIHandler(
	health *HealthHandler,
	verifications VerificationService,
	sweeper SweepRunner,
	maxUploadSize int64,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:        health,
		verifications: verifications,
		sweeper:       sweeper,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// idParam разбирает положительный целочисленный параметр пути.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
