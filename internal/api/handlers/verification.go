// verification.go — обработчики /api/v1/verifications.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apierrors "github.com/bigkaa/ownership-verifier/internal/api/errors"
	"github.com/bigkaa/ownership-verifier/internal/api/middleware"
	"github.com/bigkaa/ownership-verifier/internal/domain/model"
	"github.com/bigkaa/ownership-verifier/internal/service"
)

// multipartOverhead — запас на заголовки и границы multipart сверх размера файла.
const multipartOverhead = 1 << 20

// maxDecisionBody — лимит тела запроса решения.
const maxDecisionBody = 64 << 10

// --- DTO ---

type uploadResponse struct {
	Message        string `json:"message"`
	VerificationID int64  `json:"verification_id"`
}

type statusResponse struct {
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	VerificationID *int64     `json:"verification_id,omitempty"`
	FileName       string     `json:"uploaded_file_name,omitempty"`
	UploadedAt     *time.Time `json:"uploaded_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
	CanVerify      bool       `json:"can_verify"`
	IsExpired      bool       `json:"is_expired"`
}

type pendingResponse struct {
	ID         int64     `json:"id"`
	RomID      int64     `json:"rom_id"`
	RomName    string    `json:"rom_name"`
	RomFile    string    `json:"rom_file"`
	Platform   string    `json:"platform"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	FileName   string    `json:"uploaded_file_name"`
	FileSize   int64     `json:"uploaded_file_size"`
	MD5        string    `json:"uploaded_md5_hash"`
	SHA1       string    `json:"uploaded_sha1_hash"`
	UploadedAt time.Time `json:"uploaded_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	CanVerify  bool      `json:"can_verify"`
	IsExpired  bool      `json:"is_expired"`
}

type verifiedResponse struct {
	RomID      int64      `json:"rom_id"`
	RomName    string     `json:"rom_name"`
	Platform   string     `json:"platform"`
	VerifiedAt *time.Time `json:"verified_at"`
	Verifier   *string    `json:"verifier"`
	Notes      *string    `json:"notes"`
}

type verificationResponse struct {
	ID         int64      `json:"id"`
	RomID      int64      `json:"rom_id"`
	UserID     int64      `json:"user_id"`
	Status     string     `json:"status"`
	FileName   string     `json:"uploaded_file_name"`
	FileSize   int64      `json:"uploaded_file_size"`
	MD5        string     `json:"uploaded_md5_hash"`
	SHA1       string     `json:"uploaded_sha1_hash"`
	Notes      *string    `json:"verification_notes"`
	VerifiedAt *time.Time `json:"verified_at"`
	VerifiedBy *int64     `json:"verified_by"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type statsResponse struct {
	Total    int64 `json:"total"`
	Pending  int64 `json:"pending"`
	Verified int64 `json:"verified"`
	Rejected int64 `json:"rejected"`
	Expired  int64 `json:"expired"`
}

type decisionRequest struct {
	Approved *bool   `json:"approved"`
	Notes    *string `json:"notes"`
}

type decisionResponse struct {
	Message        string `json:"message"`
	Status         string `json:"status"`
	VerificationID int64  `json:"verification_id"`
}

type sweepResponse struct {
	Expired int `json:"expired"`
}

// --- Пользовательские endpoints ---

// UploadVerification — POST /api/v1/verifications/upload/{subject_id}.
// Файл читается потоком из multipart-поля "file" без буферизации в памяти.
func (h *APIHandler) UploadVerification(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	subjectID, ok := idParam(r, "subject_id")
	if !ok {
		apierrors.ValidationError(w, "Некорректный идентификатор ROM")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, "Ожидается multipart/form-data с полем file")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			apierrors.ValidationError(w, "Поле file не найдено")
			return
		}
		if err != nil {
			h.handleUploadError(w, fmt.Errorf("%w: %w", service.ErrIngestion, err))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		fileName := part.FileName()
		if fileName == "" {
			apierrors.ValidationError(w, "Имя файла не задано")
			return
		}

		v, err := h.verifications.Upload(r.Context(), subjectID, identity.UserID, fileName, part)
		_ = part.Close()
		if err != nil {
			h.handleUploadError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, uploadResponse{
			Message:        "ROM uploaded successfully for verification",
			VerificationID: v.ID,
		})
		return
	}
}

// handleUploadError — превышение лимита тела запроса отдаётся как 413.
func (h *APIHandler) handleUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		apierrors.TooLarge(w, fmt.Sprintf("Файл превышает допустимый размер %d байт", h.maxUploadSize))
		return
	}
	h.handleServiceError(w, err)
}

// GetVerificationStatus — GET /api/v1/verifications/status/{subject_id}.
func (h *APIHandler) GetVerificationStatus(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	subjectID, ok := idParam(r, "subject_id")
	if !ok {
		apierrors.ValidationError(w, "Некорректный идентификатор ROM")
		return
	}

	view, err := h.verifications.GetStatus(r.Context(), subjectID, identity.UserID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:         view.Status,
		Message:        view.Message,
		VerificationID: view.VerificationID,
		FileName:       view.FileName,
		UploadedAt:     view.CreatedAt,
		ExpiresAt:      view.ExpiresAt,
		VerifiedAt:     view.DecidedAt,
		Notes:          view.Notes,
		CanVerify:      view.CanVerify,
		IsExpired:      view.IsExpired,
	})
}

// ListMyVerified — GET /api/v1/verifications/mine/verified.
func (h *APIHandler) ListMyVerified(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	views, err := h.verifications.ListVerifiedForClaimant(r.Context(), identity.UserID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	items := make([]verifiedResponse, 0, len(views))
	for _, v := range views {
		item := verifiedResponse{
			RomID:      v.SubjectID,
			RomName:    v.SubjectName,
			Platform:   v.PlatformName,
			VerifiedAt: v.VerifiedAt,
			Notes:      v.Notes,
		}
		if v.ReviewerName != "" {
			name := v.ReviewerName
			item.Verifier = &name
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

// --- Административные endpoints ---

// ListPendingVerifications — GET /api/v1/verifications/pending.
func (h *APIHandler) ListPendingVerifications(w http.ResponseWriter, r *http.Request) {
	views, err := h.verifications.ListPending(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	items := make([]pendingResponse, 0, len(views))
	for _, v := range views {
		items = append(items, pendingResponse{
			ID:         v.ID,
			RomID:      v.SubjectID,
			RomName:    v.SubjectName,
			RomFile:    v.SubjectFile,
			Platform:   v.PlatformName,
			UserID:     v.ClaimantID,
			Username:   v.Username,
			FileName:   v.FileName,
			FileSize:   v.FileSize,
			MD5:        v.Digest.Weak,
			SHA1:       v.Digest.Strong,
			UploadedAt: v.CreatedAt,
			ExpiresAt:  v.ExpiresAt,
			CanVerify:  v.CanVerify,
			IsExpired:  v.IsExpired,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

// GetVerificationStats — GET /api/v1/verifications/stats.
func (h *APIHandler) GetVerificationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.verifications.Stats(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Total:    stats.Total,
		Pending:  stats.Pending,
		Verified: stats.Verified,
		Rejected: stats.Rejected,
		Expired:  stats.Expired,
	})
}

// ListSubjectVerifications — GET /api/v1/verifications/subjects/{subject_id}.
func (h *APIHandler) ListSubjectVerifications(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := idParam(r, "subject_id")
	if !ok {
		apierrors.ValidationError(w, "Некорректный идентификатор ROM")
		return
	}

	records, err := h.verifications.ListBySubject(r.Context(), subjectID)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	items := make([]verificationResponse, 0, len(records))
	for _, v := range records {
		items = append(items, toVerificationResponse(v))
	}
	writeJSON(w, http.StatusOK, items)
}

// DecideVerification — POST /api/v1/verifications/{verification_id}/decision.
// Принимает JSON {"approved": bool, "notes": string} или поля формы.
func (h *APIHandler) DecideVerification(w http.ResponseWriter, r *http.Request) {
	identity := middleware.IdentityFromContext(r.Context())
	if identity == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}
	id, ok := idParam(r, "verification_id")
	if !ok {
		apierrors.ValidationError(w, "Некорректный идентификатор верификации")
		return
	}

	req, err := parseDecision(w, r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	res, err := h.verifications.Decide(r.Context(), id, identity.UserID, *req.Approved, req.Notes)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, decisionResponse{
		Message:        res.Outcome.Message,
		Status:         string(res.Outcome.Status),
		VerificationID: id,
	})
}

// parseDecision разбирает тело решения: JSON или форма.
func parseDecision(w http.ResponseWriter, r *http.Request) (*decisionRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDecisionBody)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	req := &decisionRequest{}
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, fmt.Errorf("невалидный JSON: %w", err)
		}
	} else {
		if strings.HasPrefix(mediaType, "multipart/") {
			if err := r.ParseMultipartForm(maxDecisionBody); err != nil {
				return nil, fmt.Errorf("невалидная форма: %w", err)
			}
		} else if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("невалидная форма: %w", err)
		}
		if raw := r.PostFormValue("approved"); raw != "" {
			approved, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("поле approved должно быть true или false")
			}
			req.Approved = &approved
		}
		if _, ok := r.PostForm["notes"]; ok {
			notes := r.PostFormValue("notes")
			req.Notes = &notes
		}
	}

	if req.Approved == nil {
		return nil, errors.New("поле approved обязательно")
	}
	return req, nil
}

// DeleteVerification — DELETE /api/v1/verifications/{verification_id}.
func (h *APIHandler) DeleteVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "verification_id")
	if !ok {
		apierrors.ValidationError(w, "Некорректный идентификатор верификации")
		return
	}
	if err := h.verifications.Delete(r.Context(), id); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunSweep — POST /api/v1/verifications/sweep.
func (h *APIHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.RunOnce(r.Context())
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{Expired: res.Expired})
}

func toVerificationResponse(v *model.Verification) verificationResponse {
	return verificationResponse{
		ID:         v.ID,
		RomID:      v.SubjectID,
		UserID:     v.ClaimantID,
		Status:     string(v.Status),
		FileName:   v.FileName,
		FileSize:   v.FileSize,
		MD5:        v.Digest.Weak,
		SHA1:       v.Digest.Strong,
		Notes:      v.Notes,
		VerifiedAt: v.DecidedAt,
		VerifiedBy: v.ReviewerID,
		ExpiresAt:  v.ExpiresAt,
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
	}
}

// handleServiceError маппит ошибки сервисного слоя в HTTP-ответы.
func (h *APIHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrCannotVerify):
		apierrors.CannotVerify(w, err.Error())
	case errors.Is(err, service.ErrForbidden):
		apierrors.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrTooLarge):
		apierrors.TooLarge(w, err.Error())
	case errors.Is(err, service.ErrIngestion):
		h.logger.Error("Ошибка приёма файла", slog.String("error", err.Error()))
		apierrors.IngestionFailed(w, "Не удалось обработать загруженный файл")
	default:
		h.logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
