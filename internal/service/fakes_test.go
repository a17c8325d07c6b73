package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bigkaa/ownership-verifier/internal/domain/model"
	"github.com/bigkaa/ownership-verifier/internal/ingest"
	"github.com/bigkaa/ownership-verifier/internal/repository"
)

// testLogger — логгер без вывода для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memVerificationRepo — хранилище верификаций в памяти с семантикой guard.
type memVerificationRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*model.Verification
	now     func() time.Time

	// failUpdateAfter — Update возвращает ошибку после указанного числа успешных вызовов (0 — никогда)
	failUpdateAfter int
	updates         int
}

func newMemVerificationRepo() *memVerificationRepo {
	return &memVerificationRepo{
		records: make(map[int64]*model.Verification),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func clone(v *model.Verification) *model.Verification {
	c := *v
	return &c
}

func (r *memVerificationRepo) Create(_ context.Context, v *model.Verification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.records {
		if existing.SubjectID == v.SubjectID && existing.ClaimantID == v.ClaimantID {
			return fmt.Errorf("%w: пара", repository.ErrConflict)
		}
	}
	r.nextID++
	v.ID = r.nextID
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now()
	}
	v.UpdatedAt = v.CreatedAt
	r.records[v.ID] = clone(v)
	return nil
}

func (r *memVerificationRepo) GetByID(_ context.Context, id int64) (*model.Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return clone(v), nil
}

func (r *memVerificationRepo) GetByPair(_ context.Context, subjectID, claimantID int64) (*model.Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.records {
		if v.SubjectID == subjectID && v.ClaimantID == claimantID {
			return clone(v), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memVerificationRepo) filter(match func(v *model.Verification) bool) []*model.Verification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Verification
	for _, v := range r.records {
		if match(v) {
			result = append(result, clone(v))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result
}

func (r *memVerificationRepo) ListByStatus(_ context.Context, status model.VerificationStatus) ([]*model.Verification, error) {
	return r.filter(func(v *model.Verification) bool { return v.Status == status }), nil
}

func (r *memVerificationRepo) ListBySubject(_ context.Context, subjectID int64) ([]*model.Verification, error) {
	return r.filter(func(v *model.Verification) bool { return v.SubjectID == subjectID }), nil
}

func (r *memVerificationRepo) ListByClaimantAndStatus(_ context.Context, claimantID int64, status model.VerificationStatus) ([]*model.Verification, error) {
	return r.filter(func(v *model.Verification) bool {
		return v.ClaimantID == claimantID && v.Status == status
	}), nil
}

func (r *memVerificationRepo) ListOverdue(_ context.Context, now time.Time) ([]*model.Verification, error) {
	result := r.filter(func(v *model.Verification) bool {
		return v.Status == model.StatusPending && v.ExpiresAt.Before(now)
	})
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *memVerificationRepo) Update(_ context.Context, id int64, upd repository.VerificationUpdate, guard repository.UpdateGuard) (*model.Verification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failUpdateAfter > 0 && r.updates >= r.failUpdateAfter {
		return nil, errors.New("соединение с базой данных потеряно")
	}

	v, ok := r.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if len(guard.Statuses) > 0 {
		allowed := false
		for _, s := range guard.Statuses {
			if v.Status == s {
				allowed = true
			}
		}
		if !allowed {
			return nil, fmt.Errorf("%w: статус", repository.ErrGuardFailed)
		}
	}
	if guard.DeadlineNotBefore != nil && v.ExpiresAt.Before(*guard.DeadlineNotBefore) {
		return nil, fmt.Errorf("%w: дедлайн", repository.ErrGuardFailed)
	}
	if guard.DeadlineBefore != nil && !v.ExpiresAt.Before(*guard.DeadlineBefore) {
		return nil, fmt.Errorf("%w: дедлайн", repository.ErrGuardFailed)
	}

	updated := clone(v)
	if upd.Status != nil {
		updated.Status = *upd.Status
	}
	if upd.Evidence != nil {
		updated.FileName = upd.Evidence.FileName
		updated.FileSize = upd.Evidence.FileSize
		updated.Digest = upd.Evidence.Digest
	}
	if upd.Outcome != nil {
		updated.Notes = upd.Outcome.Notes
		updated.ReviewerID = upd.Outcome.ReviewerID
		updated.DecidedAt = upd.Outcome.DecidedAt
	}
	if upd.ExpiresAt != nil {
		updated.ExpiresAt = *upd.ExpiresAt
	}
	updated.UpdatedAt = r.now()
	r.records[id] = updated
	r.updates++
	return clone(updated), nil
}

func (r *memVerificationRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.records, id)
	return nil
}

func (r *memVerificationRepo) Stats(_ context.Context) (model.VerificationStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats model.VerificationStats
	for _, v := range r.records {
		stats.Add(v.Status, 1)
	}
	return stats, nil
}

// put сохраняет запись как есть (для подготовки состояния теста).
func (r *memVerificationRepo) put(v *model.Verification) *model.Verification {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	v.ID = r.nextID
	r.records[v.ID] = clone(v)
	return clone(v)
}

func (r *memVerificationRepo) get(id int64) *model.Verification {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.records[id]
	if !ok {
		return nil
	}
	return clone(v)
}

// memUnitOfWork — транзакция поверх memVerificationRepo: при ошибке fn
// состояние восстанавливается из снимка.
type memUnitOfWork struct {
	repo *memVerificationRepo
}

func (u *memUnitOfWork) Within(ctx context.Context, fn func(repo repository.VerificationRepository) error) error {
	u.repo.mu.Lock()
	snapshot := make(map[int64]*model.Verification, len(u.repo.records))
	for id, v := range u.repo.records {
		snapshot[id] = clone(v)
	}
	u.repo.mu.Unlock()

	if err := fn(u.repo); err != nil {
		u.repo.mu.Lock()
		u.repo.records = snapshot
		u.repo.mu.Unlock()
		return err
	}
	return nil
}

// fakeCatalog — каталог ROM в памяти.
type fakeCatalog struct {
	subjects map[int64]*model.Subject
	calls    int
}

func (c *fakeCatalog) GetSubject(_ context.Context, id int64) (*model.Subject, error) {
	c.calls++
	s, ok := c.subjects[id]
	if !ok {
		return nil, fmt.Errorf("%w: ROM %d", ErrNotFound, id)
	}
	return s, nil
}

// fakeCatalogRepo — CatalogRepository для теста кэша.
type fakeCatalogRepo struct {
	subjects map[int64]*model.Subject
	calls    int
}

func (r *fakeCatalogRepo) GetSubject(_ context.Context, id int64) (*model.Subject, error) {
	r.calls++
	s, ok := r.subjects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

// fakeUsers — пользователи в памяти.
type fakeUsers struct {
	users map[int64]*model.User
}

func (u *fakeUsers) ListByIDs(_ context.Context, ids []int64) (map[int64]*model.User, error) {
	result := make(map[int64]*model.User, len(ids))
	for _, id := range ids {
		if user, ok := u.users[id]; ok {
			result[id] = user
		}
	}
	return result, nil
}

// fakeSpooler считает хеши «по содержимому»: строка вида "md5:sha1".
type fakeSpooler struct {
	err   error
	calls int
}

func (s *fakeSpooler) Ingest(_ context.Context, reader io.Reader, _ string) (*ingest.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	weak, strong, _ := strings.Cut(string(data), ":")
	return &ingest.Result{
		Size:   int64(len(data)),
		Digest: model.DigestPair{Weak: weak, Strong: strong},
	}, nil
}
