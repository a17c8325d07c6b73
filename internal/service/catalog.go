// catalog.go — чтение ROM из каталога через LRU-кэш с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/ownership-verifier/internal/domain/model"
	"github.com/bigkaa/ownership-verifier/internal/repository"
)

// Prometheus-метрики кэша каталога.
var (
	catalogCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ov_catalog_cache_hits_total",
		Help: "Общее количество попаданий в кэш каталога ROM.",
	})
	catalogCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ov_catalog_cache_misses_total",
		Help: "Общее количество промахов кэша каталога ROM.",
	})
)

// SubjectLookup — поиск ROM в каталоге.
type SubjectLookup interface {
	GetSubject(ctx context.Context, id int64) (*model.Subject, error)
}

// CatalogService — кэширующий доступ к каталогу ROM.
// Эталонные хеши меняются редко, поэтому записи живут ttl.
type CatalogService struct {
	repo  repository.CatalogRepository
	cache *expirable.LRU[int64, *model.Subject]
}

// NewCatalogService создаёт сервис каталога с кэшем maxSize записей.
func NewCatalogService(repo repository.CatalogRepository, maxSize int, ttl time.Duration) *CatalogService {
	return &CatalogService{
		repo:  repo,
		cache: expirable.NewLRU[int64, *model.Subject](maxSize, nil, ttl),
	}
}

// GetSubject возвращает ROM по id. Отсутствующие ROM не кэшируются.
func (s *CatalogService) GetSubject(ctx context.Context, id int64) (*model.Subject, error) {
	if subject, ok := s.cache.Get(id); ok {
		catalogCacheHitsTotal.Inc()
		return subject, nil
	}
	catalogCacheMissesTotal.Inc()

	subject, err := s.repo.GetSubject(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: ROM %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("ошибка чтения каталога: %w", err)
	}

	s.cache.Add(id, subject)
	return subject, nil
}
