// sweeper.go — фоновая очистка просроченных верификаций.
//
// Каждый запуск в одной транзакции находит pending-записи с прошедшим
// дедлайном и переводит их в expired. При любой ошибке транзакция
// откатывается целиком: ни одна запись не меняет статус.
//
// Запускается как горутина с периодическим тикером (OV_SWEEP_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/ownership-verifier/internal/domain/lifecycle"
	"github.com/bigkaa/ownership-verifier/internal/domain/model"
	"github.com/bigkaa/ownership-verifier/internal/repository"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ov_sweep_runs_total",
		Help: "Общее количество запусков очистки просроченных верификаций",
	})

	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ov_sweep_expired_total",
		Help: "Общее количество верификаций, переведённых в expired",
	})

	sweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ov_sweep_failures_total",
		Help: "Общее количество запусков очистки, завершившихся откатом",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ov_sweep_duration_seconds",
		Help:    "Длительность очистки в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	// Expired — количество записей, переведённых в expired
	Expired int
	// Duration — длительность выполнения
	Duration time.Duration
}

// Sweeper — сервис очистки просроченных верификаций.
type Sweeper struct {
	uow      repository.VerificationUnitOfWork
	engine   *lifecycle.Engine
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper создаёт сервис очистки.
func NewSweeper(
	uow repository.VerificationUnitOfWork,
	engine *lifecycle.Engine,
	interval time.Duration,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		uow:      uow,
		engine:   engine,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Очистка просроченных верификаций запущена",
		slog.String("interval", s.interval.String()),
	)
}

// Stop останавливает фоновый процесс и дожидается завершения текущего запуска.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("Очистка просроченных верификаций остановлена")
}

// run — основной цикл фоновой горутины.
func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск — сразу после старта
	s.runLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

// runLogged — запуск из тикера: ошибка уже залогирована в RunOnce.
func (s *Sweeper) runLogged(ctx context.Context) {
	_, _ = s.RunOnce(ctx)
}

// RunOnce выполняет один цикл очистки и возвращает количество
// переведённых в expired записей. Потокобезопасен.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now()
	sweepRunsTotal.Inc()

	expired := 0
	err := s.uow.Within(ctx, func(repo repository.VerificationRepository) error {
		expired = 0
		overdue, err := repo.ListOverdue(ctx, now)
		if err != nil {
			return err
		}
		for _, v := range overdue {
			if err := s.engine.Expire(v, now); err != nil {
				return fmt.Errorf("верификация %d: %w", v.ID, err)
			}
			status := model.StatusExpired
			deadline := now
			_, err := repo.Update(ctx, v.ID, repository.VerificationUpdate{Status: &status}, repository.UpdateGuard{
				Statuses:       []model.VerificationStatus{model.StatusPending},
				DeadlineBefore: &deadline,
			})
			if err != nil {
				return fmt.Errorf("верификация %d: %w", v.ID, err)
			}
			s.logger.Debug("Верификация просрочена",
				slog.Int64("verification_id", v.ID),
				slog.Int64("rom_id", v.SubjectID),
				slog.Int64("user_id", v.ClaimantID),
			)
			expired++
		}
		return nil
	})

	result := &SweepResult{Duration: time.Since(start)}
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		sweepFailuresTotal.Inc()
		level := slog.LevelError
		if errors.Is(err, context.Canceled) {
			level = slog.LevelWarn
		}
		s.logger.Log(ctx, level, "Ошибка очистки просроченных верификаций, изменения откатены",
			slog.String("error", err.Error()),
			slog.Duration("duration", result.Duration),
		)
		return result, fmt.Errorf("ошибка очистки просроченных верификаций: %w", err)
	}

	result.Expired = expired
	sweepExpiredTotal.Add(float64(expired))

	if expired > 0 {
		s.logger.Info("Очистка просроченных верификаций завершена",
			slog.Int("expired", expired),
			slog.Duration("duration", result.Duration),
		)
	} else {
		s.logger.Debug("Просроченных верификаций нет",
			slog.Duration("duration", result.Duration),
		)
	}
	return result, nil
}
