package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/ownership-verifier/internal/domain/model"
)

// VerificationRepository — хранилище записей rom_verifications.
type VerificationRepository interface {
	// Create создаёт новую запись. ErrConflict, если запись для пары уже есть.
	Create(ctx context.Context, v *model.Verification) error
	// GetByID возвращает запись по идентификатору.
	GetByID(ctx context.Context, id int64) (*model.Verification, error)
	// GetByPair возвращает запись пары (rom, пользователь).
	GetByPair(ctx context.Context, subjectID, claimantID int64) (*model.Verification, error)
	// ListByStatus возвращает записи со статусом, новые первыми.
	ListByStatus(ctx context.Context, status model.VerificationStatus) ([]*model.Verification, error)
	// ListBySubject возвращает записи по ROM, новые первыми.
	ListBySubject(ctx context.Context, subjectID int64) ([]*model.Verification, error)
	// ListByClaimantAndStatus возвращает записи пользователя со статусом, новые первыми.
	ListByClaimantAndStatus(ctx context.Context, claimantID int64, status model.VerificationStatus) ([]*model.Verification, error)
	// Update атомарно применяет изменения, если выполнено условие guard.
	Update(ctx context.Context, id int64, upd VerificationUpdate, guard UpdateGuard) (*model.Verification, error)
	// Delete удаляет запись (административная операция).
	Delete(ctx context.Context, id int64) error
	// Stats возвращает количество записей по статусам.
	Stats(ctx context.Context) (model.VerificationStats, error)
	// ListOverdue возвращает pending-записи с дедлайном раньше now.
	// Внутри транзакции строки блокируются (FOR UPDATE).
	ListOverdue(ctx context.Context, now time.Time) ([]*model.Verification, error)
}

// VerificationUpdate — набор изменяемых полей. nil — поле не изменяется.
type VerificationUpdate struct {
	Status   *model.VerificationStatus
	Evidence *EvidenceFields
	// Outcome задаёт все три поля решения сразу (в том числе NULL).
	Outcome   *OutcomeFields
	ExpiresAt *time.Time
}

// EvidenceFields — поля загруженного файла.
type EvidenceFields struct {
	FileName string
	FileSize int64
	Digest   model.DigestPair
}

// OutcomeFields — поля решения ревьюера.
type OutcomeFields struct {
	Notes      *string
	ReviewerID *int64
	DecidedAt  *time.Time
}

// UpdateGuard — условие, проверяемое в том же UPDATE.
type UpdateGuard struct {
	// Statuses — допустимые текущие статусы (пусто — любой)
	Statuses []model.VerificationStatus
	// DeadlineNotBefore — expires_at >= значения (дедлайн ещё не прошёл)
	DeadlineNotBefore *time.Time
	// DeadlineBefore — expires_at < значения (дедлайн уже прошёл)
	DeadlineBefore *time.Time
}

// UpdateFromRecord формирует полный набор изменений по записи в памяти.
func UpdateFromRecord(v *model.Verification) VerificationUpdate {
	status := v.Status
	expires := v.ExpiresAt
	return VerificationUpdate{
		Status: &status,
		Evidence: &EvidenceFields{
			FileName: v.FileName,
			FileSize: v.FileSize,
			Digest:   v.Digest,
		},
		Outcome: &OutcomeFields{
			Notes:      v.Notes,
			ReviewerID: v.ReviewerID,
			DecidedAt:  v.DecidedAt,
		},
		ExpiresAt: &expires,
	}
}

const verificationColumns = `id, rom_id, user_id, status::text,
	uploaded_file_name, uploaded_file_size, uploaded_md5_hash, uploaded_sha1_hash,
	verification_notes, verified_by, verified_at, expires_at, created_at, updated_at`

// verificationRepo — реализация VerificationRepository.
type verificationRepo struct {
	db DBTX
}

// NewVerificationRepository создаёт репозиторий верификаций.
func NewVerificationRepository(db DBTX) VerificationRepository {
	return &verificationRepo{db: db}
}

func (r *verificationRepo) Create(ctx context.Context, v *model.Verification) error {
	query := `
		INSERT INTO rom_verifications (rom_id, user_id, status,
			uploaded_file_name, uploaded_file_size, uploaded_md5_hash, uploaded_sha1_hash,
			verification_notes, verified_by, verified_at, expires_at)
		VALUES ($1, $2, $3::text::verificationstatus, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		v.SubjectID, v.ClaimantID, string(v.Status),
		v.FileName, v.FileSize, v.Digest.Weak, v.Digest.Strong,
		v.Notes, v.ReviewerID, v.DecidedAt, v.ExpiresAt,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: верификация для rom %d и пользователя %d уже существует",
				ErrConflict, v.SubjectID, v.ClaimantID)
		}
		return fmt.Errorf("ошибка создания верификации: %w", err)
	}
	return nil
}

func (r *verificationRepo) GetByID(ctx context.Context, id int64) (*model.Verification, error) {
	query := `SELECT ` + verificationColumns + ` FROM rom_verifications WHERE id = $1`
	v, err := scanVerification(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения верификации: %w", err)
	}
	return v, nil
}

func (r *verificationRepo) GetByPair(ctx context.Context, subjectID, claimantID int64) (*model.Verification, error) {
	query := `SELECT ` + verificationColumns + `
		FROM rom_verifications
		WHERE rom_id = $1 AND user_id = $2`
	v, err := scanVerification(r.db.QueryRow(ctx, query, subjectID, claimantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения верификации пары: %w", err)
	}
	return v, nil
}

func (r *verificationRepo) ListByStatus(ctx context.Context, status model.VerificationStatus) ([]*model.Verification, error) {
	query := `SELECT ` + verificationColumns + `
		FROM rom_verifications
		WHERE status = $1::text::verificationstatus
		ORDER BY created_at DESC, id DESC`
	return r.list(ctx, query, string(status))
}

func (r *verificationRepo) ListBySubject(ctx context.Context, subjectID int64) ([]*model.Verification, error) {
	query := `SELECT ` + verificationColumns + `
		FROM rom_verifications
		WHERE rom_id = $1
		ORDER BY created_at DESC, id DESC`
	return r.list(ctx, query, subjectID)
}

func (r *verificationRepo) ListByClaimantAndStatus(ctx context.Context, claimantID int64, status model.VerificationStatus) ([]*model.Verification, error) {
	query := `SELECT ` + verificationColumns + `
		FROM rom_verifications
		WHERE user_id = $1 AND status = $2::text::verificationstatus
		ORDER BY created_at DESC, id DESC`
	return r.list(ctx, query, claimantID, string(status))
}

func (r *verificationRepo) ListOverdue(ctx context.Context, now time.Time) ([]*model.Verification, error) {
	query := `SELECT ` + verificationColumns + `
		FROM rom_verifications
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY id
		FOR UPDATE`
	return r.list(ctx, query, now)
}

func (r *verificationRepo) Update(ctx context.Context, id int64, upd VerificationUpdate, guard UpdateGuard) (*model.Verification, error) {
	// Динамическое построение SET и WHERE
	var sets []string
	args := []any{id}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status))+"::text::verificationstatus")
	}
	if upd.Evidence != nil {
		sets = append(sets,
			"uploaded_file_name = "+arg(upd.Evidence.FileName),
			"uploaded_file_size = "+arg(upd.Evidence.FileSize),
			"uploaded_md5_hash = "+arg(upd.Evidence.Digest.Weak),
			"uploaded_sha1_hash = "+arg(upd.Evidence.Digest.Strong),
		)
	}
	if upd.Outcome != nil {
		sets = append(sets,
			"verification_notes = "+arg(upd.Outcome.Notes),
			"verified_by = "+arg(upd.Outcome.ReviewerID),
			"verified_at = "+arg(upd.Outcome.DecidedAt),
		)
	}
	if upd.ExpiresAt != nil {
		sets = append(sets, "expires_at = "+arg(*upd.ExpiresAt))
	}
	sets = append(sets, "updated_at = now()")

	conditions := []string{"id = $1"}
	if len(guard.Statuses) > 0 {
		statuses := make([]string, len(guard.Statuses))
		for i, s := range guard.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, "status::text = ANY("+arg(statuses)+")")
	}
	if guard.DeadlineNotBefore != nil {
		conditions = append(conditions, "expires_at >= "+arg(*guard.DeadlineNotBefore))
	}
	if guard.DeadlineBefore != nil {
		conditions = append(conditions, "expires_at < "+arg(*guard.DeadlineBefore))
	}

	query := fmt.Sprintf(`
		UPDATE rom_verifications
		SET %s
		WHERE %s
		RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(conditions, " AND "), verificationColumns)

	v, err := scanVerification(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ошибка обновления верификации: %w", err)
	}

	// Ни одна строка не обновлена: записи нет или не выполнено условие
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM rom_verifications WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("ошибка проверки существования верификации: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, fmt.Errorf("%w: верификация %d", ErrGuardFailed, id)
}

func (r *verificationRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM rom_verifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления верификации: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *verificationRepo) Stats(ctx context.Context) (model.VerificationStats, error) {
	var stats model.VerificationStats

	rows, err := r.db.Query(ctx,
		`SELECT status::text, COUNT(*) FROM rom_verifications GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("ошибка подсчёта верификаций: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("ошибка сканирования статистики: %w", err)
		}
		stats.Add(model.VerificationStatus(status), count)
	}
	return stats, rows.Err()
}

func (r *verificationRepo) list(ctx context.Context, query string, args ...any) ([]*model.Verification, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка верификаций: %w", err)
	}
	defer rows.Close()

	var result []*model.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования верификации: %w", err)
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// scanVerification сканирует строку в порядке verificationColumns.
func scanVerification(row pgx.Row) (*model.Verification, error) {
	v := &model.Verification{}
	var status string
	err := row.Scan(
		&v.ID, &v.SubjectID, &v.ClaimantID, &status,
		&v.FileName, &v.FileSize, &v.Digest.Weak, &v.Digest.Strong,
		&v.Notes, &v.ReviewerID, &v.DecidedAt, &v.ExpiresAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	v.Status = model.VerificationStatus(status)
	return v, nil
}
