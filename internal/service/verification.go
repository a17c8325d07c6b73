// verification.go — бизнес-логика верификации владения ROM.
// Загрузка файла, статус для пользователя, решение ревьюера,
// статистика и списки.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/ownership-verifier/internal/domain/lifecycle"
	"github.com/bigkaa/ownership-verifier/internal/domain/model"
	"github.com/bigkaa/ownership-verifier/internal/ingest"
	"github.com/bigkaa/ownership-verifier/internal/repository"
)

// Prometheus-метрики верификации.
var (
	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ov_uploads_total",
		Help: "Количество загрузок файлов для верификации по результату.",
	}, []string{"result"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ov_decisions_total",
		Help: "Количество решений ревьюеров по итоговому статусу.",
	}, []string{"status"})
)

// Сообщения проекции статуса.
const (
	messageRecordFound    = "Verification record found"
	messageRecordNotFound = "No verification record found"
)

// maxSubmitAttempts — попытки при гонке создания записи для одной пары.
const maxSubmitAttempts = 3

// Spooler — приём загружаемого файла с подсчётом хешей.
type Spooler interface {
	Ingest(ctx context.Context, reader io.Reader, suffix string) (*ingest.Result, error)
}

// UserLookup — получение имён пользователей.
type UserLookup interface {
	ListByIDs(ctx context.Context, ids []int64) (map[int64]*model.User, error)
}

// VerificationService — сервис верификации владения ROM.
type VerificationService struct {
	repo    repository.VerificationRepository
	catalog SubjectLookup
	users   UserLookup
	spooler Spooler
	engine  *lifecycle.Engine
	now     func() time.Time
	logger  *slog.Logger
}

// NewVerificationService создаёт сервис верификации.
func NewVerificationService(
	repo repository.VerificationRepository,
	catalog SubjectLookup,
	users UserLookup,
	spooler Spooler,
	engine *lifecycle.Engine,
	logger *slog.Logger,
) *VerificationService {
	return &VerificationService{
		repo:    repo,
		catalog: catalog,
		users:   users,
		spooler: spooler,
		engine:  engine,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "verification_service")),
	}
}

// Upload принимает файл пользователя для ROM subjectID и создаёт
// или обновляет pending-запись.
//
// Проверки выполняются до приёма файла: ROM существует, владение
// ещё не подтверждено, расширение файла совпадает с каталогом.
func (s *VerificationService) Upload(ctx context.Context, subjectID, claimantID int64, fileName string, reader io.Reader) (*model.Verification, error) {
	subject, err := s.catalog.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.GetByPair(ctx, subjectID, claimantID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("ошибка получения верификации: %w", err)
	}
	if existing != nil && existing.Status == model.StatusVerified {
		uploadsTotal.WithLabelValues("already_verified").Inc()
		return nil, fmt.Errorf("%w: владение ROM уже подтверждено", ErrConflict)
	}

	if err := checkExtension(fileName, subject.FSExtension); err != nil {
		uploadsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	res, err := s.spooler.Ingest(ctx, reader, subject.FSExtension)
	if err != nil {
		uploadsTotal.WithLabelValues("ingestion_failed").Inc()
		if errors.Is(err, ingest.ErrTooLarge) {
			return nil, fmt.Errorf("%w: %w", ErrTooLarge, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrIngestion, err)
	}

	return s.submit(ctx, subject, claimantID, lifecycle.Evidence{
		FileName: fileName,
		FileSize: res.Size,
		Digest:   res.Digest,
	})
}

// SubmitUpload создаёт или заменяет pending-запись по уже посчитанным хешам.
func (s *VerificationService) SubmitUpload(ctx context.Context, subjectID, claimantID int64, fileName string, size int64, digest model.DigestPair) (*model.Verification, error) {
	subject, err := s.catalog.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if err := checkExtension(fileName, subject.FSExtension); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: отрицательный размер файла", ErrValidation)
	}
	return s.submit(ctx, subject, claimantID, lifecycle.Evidence{
		FileName: fileName,
		FileSize: size,
		Digest:   digest,
	})
}

// submit создаёт запись или заменяет файл в существующей.
// Конфликт уникальности при создании означает, что параллельный запрос
// создал запись для той же пары: тогда запись обновляется.
func (s *VerificationService) submit(ctx context.Context, subject *model.Subject, claimantID int64, ev lifecycle.Evidence) (*model.Verification, error) {
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		existing, err := s.repo.GetByPair(ctx, subject.ID, claimantID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			v := s.engine.NewRecord(subject.ID, claimantID, ev, s.now())
			err = s.repo.Create(ctx, v)
			if errors.Is(err, repository.ErrConflict) {
				s.logger.Debug("Запись для пары создана параллельно, повтор",
					slog.Int64("rom_id", subject.ID),
					slog.Int64("user_id", claimantID),
				)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("ошибка создания верификации: %w", err)
			}
			s.logUploaded(v, subject, "created")
			return v, nil

		case err != nil:
			return nil, fmt.Errorf("ошибка получения верификации: %w", err)
		}

		if err := s.engine.Resubmit(existing, ev, s.now()); err != nil {
			return nil, mapTransitionError(err)
		}

		updated, err := s.repo.Update(ctx, existing.ID, resubmitUpdate(existing, s.engine.Policy()), repository.UpdateGuard{
			Statuses: []model.VerificationStatus{model.StatusPending, model.StatusRejected, model.StatusExpired},
		})
		switch {
		case errors.Is(err, repository.ErrNotFound):
			// Запись удалена администратором между чтением и записью
			continue
		case errors.Is(err, repository.ErrGuardFailed):
			uploadsTotal.WithLabelValues("already_verified").Inc()
			return nil, fmt.Errorf("%w: владение ROM уже подтверждено", ErrConflict)
		case err != nil:
			return nil, fmt.Errorf("ошибка обновления верификации: %w", err)
		}
		s.logUploaded(updated, subject, "replaced")
		return updated, nil
	}
	return nil, fmt.Errorf("%w: не удалось сохранить верификацию после %d попыток", ErrConflict, maxSubmitAttempts)
}

// resubmitUpdate — изменения при повторной загрузке.
func resubmitUpdate(v *model.Verification, policy lifecycle.Policy) repository.VerificationUpdate {
	upd := repository.UpdateFromRecord(v)
	if !policy.ResetDeadlineOnResubmit {
		upd.ExpiresAt = nil
	}
	return upd
}

func (s *VerificationService) logUploaded(v *model.Verification, subject *model.Subject, action string) {
	uploadsTotal.WithLabelValues(action).Inc()
	s.logger.Info("Файл для верификации загружен",
		slog.Int64("verification_id", v.ID),
		slog.Int64("rom_id", subject.ID),
		slog.String("rom", subject.FSName),
		slog.Int64("user_id", v.ClaimantID),
		slog.Int64("size", v.FileSize),
		slog.String("action", action),
	)
}

// GetStatus возвращает проекцию статуса для пользователя.
// Отсутствие записи — не ошибка, а статус "none".
func (s *VerificationService) GetStatus(ctx context.Context, subjectID, claimantID int64) (*model.StatusView, error) {
	v, err := s.repo.GetByPair(ctx, subjectID, claimantID)
	if errors.Is(err, repository.ErrNotFound) {
		return &model.StatusView{Status: model.StatusNone, Message: messageRecordNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения верификации: %w", err)
	}

	now := s.now()
	id := v.ID
	expires := v.ExpiresAt
	created := v.CreatedAt
	return &model.StatusView{
		Status:         string(v.Status),
		Message:        messageRecordFound,
		VerificationID: &id,
		FileName:       v.FileName,
		Notes:          v.Notes,
		DecidedAt:      v.DecidedAt,
		ExpiresAt:      &expires,
		CreatedAt:      &created,
		CanVerify:      lifecycle.CanVerify(v, now),
		IsExpired:      displayExpired(v, now),
	}, nil
}

// displayExpired — терминальные verified/rejected не показываются как просроченные.
func displayExpired(v *model.Verification, now time.Time) bool {
	switch v.Status {
	case model.StatusExpired:
		return true
	case model.StatusPending:
		return lifecycle.IsExpired(v, now)
	default:
		return false
	}
}

// DecisionResult — результат решения ревьюера.
type DecisionResult struct {
	Verification *model.Verification
	Outcome      lifecycle.Outcome
}

// Decide применяет решение ревьюера reviewerID к записи id.
//
// Условие (pending и дедлайн не прошёл) проверяется дважды: при чтении
// и повторно в UPDATE, так что решение, записанное после дедлайна
// или после очистки, отклоняется с ErrCannotVerify.
func (s *VerificationService) Decide(ctx context.Context, id, reviewerID int64, approved bool, notes *string) (*DecisionResult, error) {
	v, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: верификация %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("ошибка получения верификации: %w", err)
	}

	now := s.now()
	if !lifecycle.CanVerify(v, now) {
		return nil, fmt.Errorf("%w: статус %s, дедлайн %s", ErrCannotVerify, v.Status, v.ExpiresAt.Format(time.RFC3339))
	}

	var reference model.DigestPair
	subjectName := ""
	if approved {
		subject, err := s.catalog.GetSubject(ctx, v.SubjectID)
		if err != nil {
			return nil, err
		}
		reference = subject.Reference
		subjectName = subject.FSName
	}

	out, err := s.engine.Decide(v, lifecycle.Decision{
		ReviewerID: reviewerID,
		Approved:   approved,
		Notes:      notes,
	}, reference, now)
	if err != nil {
		return nil, mapTransitionError(err)
	}

	guardAt := s.now()
	updated, err := s.repo.Update(ctx, id, repository.VerificationUpdate{
		Status: &v.Status,
		Outcome: &repository.OutcomeFields{
			Notes:      v.Notes,
			ReviewerID: v.ReviewerID,
			DecidedAt:  v.DecidedAt,
		},
	}, repository.UpdateGuard{
		Statuses:          []model.VerificationStatus{model.StatusPending},
		DeadlineNotBefore: &guardAt,
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("%w: верификация %d", ErrNotFound, id)
	case errors.Is(err, repository.ErrGuardFailed):
		return nil, fmt.Errorf("%w: запись изменена или истекла до сохранения решения", ErrCannotVerify)
	case err != nil:
		return nil, fmt.Errorf("ошибка сохранения решения: %w", err)
	}

	decisionsTotal.WithLabelValues(string(out.Status)).Inc()
	s.logger.Info("Решение по верификации принято",
		slog.Int64("verification_id", id),
		slog.String("status", string(out.Status)),
		slog.Bool("hash_matched", out.HashMatched),
		slog.Int64("reviewer_id", reviewerID),
		slog.Int64("user_id", v.ClaimantID),
		slog.String("rom", subjectName),
	)

	return &DecisionResult{Verification: updated, Outcome: out}, nil
}

// Stats возвращает количество записей по статусам.
func (s *VerificationService) Stats(ctx context.Context) (model.VerificationStats, error) {
	stats, err := s.repo.Stats(ctx)
	if err != nil {
		return stats, fmt.Errorf("ошибка получения статистики: %w", err)
	}
	return stats, nil
}

// ListPending возвращает pending-записи с данными ROM и пользователя.
func (s *VerificationService) ListPending(ctx context.Context) ([]*model.PendingView, error) {
	records, err := s.repo.ListByStatus(ctx, model.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка верификаций: %w", err)
	}

	ids := make([]int64, 0, len(records))
	for _, v := range records {
		ids = append(ids, v.ClaimantID)
	}
	users, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей: %w", err)
	}

	now := s.now()
	result := make([]*model.PendingView, 0, len(records))
	for _, v := range records {
		view := &model.PendingView{
			Verification: *v,
			CanVerify:    lifecycle.CanVerify(v, now),
			IsExpired:    lifecycle.IsExpired(v, now),
		}
		if subject := s.lookupSubject(ctx, v.SubjectID); subject != nil {
			view.SubjectName = subject.Name
			view.SubjectFile = subject.FSName
			view.PlatformName = subject.PlatformName
		}
		if u, ok := users[v.ClaimantID]; ok {
			view.Username = u.Username
		}
		result = append(result, view)
	}
	return result, nil
}

// ListVerifiedForClaimant возвращает подтверждённые ROM пользователя.
func (s *VerificationService) ListVerifiedForClaimant(ctx context.Context, claimantID int64) ([]*model.VerifiedView, error) {
	records, err := s.repo.ListByClaimantAndStatus(ctx, claimantID, model.StatusVerified)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка верификаций: %w", err)
	}

	ids := make([]int64, 0, len(records))
	for _, v := range records {
		if v.ReviewerID != nil {
			ids = append(ids, *v.ReviewerID)
		}
	}
	reviewers, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пользователей: %w", err)
	}

	result := make([]*model.VerifiedView, 0, len(records))
	for _, v := range records {
		view := &model.VerifiedView{
			SubjectID:  v.SubjectID,
			VerifiedAt: v.DecidedAt,
			Notes:      v.Notes,
		}
		if subject := s.lookupSubject(ctx, v.SubjectID); subject != nil {
			view.SubjectName = subject.Name
			view.PlatformName = subject.PlatformName
		}
		if v.ReviewerID != nil {
			if u, ok := reviewers[*v.ReviewerID]; ok {
				view.ReviewerName = u.Username
			}
		}
		result = append(result, view)
	}
	return result, nil
}

// ListBySubject возвращает все записи по ROM (административный просмотр).
func (s *VerificationService) ListBySubject(ctx context.Context, subjectID int64) ([]*model.Verification, error) {
	records, err := s.repo.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка верификаций: %w", err)
	}
	return records, nil
}

// Delete удаляет запись (административная операция вне жизненного цикла).
func (s *VerificationService) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: верификация %d", ErrNotFound, id)
		}
		return fmt.Errorf("ошибка удаления верификации: %w", err)
	}
	s.logger.Info("Верификация удалена", slog.Int64("verification_id", id))
	return nil
}

// lookupSubject возвращает ROM или nil, если каталог недоступен.
// Списки отдаются и без данных каталога.
func (s *VerificationService) lookupSubject(ctx context.Context, id int64) *model.Subject {
	subject, err := s.catalog.GetSubject(ctx, id)
	if err != nil {
		s.logger.Warn("ROM не найден в каталоге",
			slog.Int64("rom_id", id),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return subject
}

// checkExtension — имя файла оканчивается на каноническое расширение
// ROM (без учёта регистра). Пустое расширение в каталоге не ограничивает.
func checkExtension(fileName, extension string) error {
	if strings.TrimSpace(fileName) == "" {
		return fmt.Errorf("%w: имя файла не задано", ErrValidation)
	}
	ext := strings.ToLower(strings.TrimPrefix(extension, "."))
	if ext == "" {
		return nil
	}
	if !strings.HasSuffix(strings.ToLower(fileName), "."+ext) {
		return fmt.Errorf("%w: файл должен иметь расширение .%s", ErrValidation, ext)
	}
	return nil
}

// mapTransitionError преобразует отказ автомата в ошибку сервиса.
func mapTransitionError(err error) error {
	var te *lifecycle.TransitionError
	if !errors.As(err, &te) {
		return err
	}
	switch te.Code {
	case lifecycle.CodeAlreadyVerified:
		return fmt.Errorf("%w: %s", ErrConflict, te.Message)
	case lifecycle.CodeCannotVerify:
		return fmt.Errorf("%w: %s", ErrCannotVerify, te.Message)
	default:
		return fmt.Errorf("%w: %s", ErrValidation, te.Message)
	}
}
