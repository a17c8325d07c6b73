package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/ownership-verifier/internal/domain/model"
)

// CatalogRepository — чтение ROM из каталога библиотеки.
type CatalogRepository interface {
	// GetSubject возвращает ROM с именем платформы.
	GetSubject(ctx context.Context, id int64) (*model.Subject, error)
}

type catalogRepo struct {
	db DBTX
}

// NewCatalogRepository создаёт репозиторий каталога.
func NewCatalogRepository(db DBTX) CatalogRepository {
	return &catalogRepo{db: db}
}

func (r *catalogRepo) GetSubject(ctx context.Context, id int64) (*model.Subject, error) {
	query := `
		SELECT r.id, r.name, r.fs_name, r.fs_extension, r.md5_hash, r.sha1_hash,
			p.id, p.name
		FROM roms r
		JOIN platforms p ON p.id = r.platform_id
		WHERE r.id = $1`

	s := &model.Subject{}
	var md5, sha1 *string
	err := r.db.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.FSName, &s.FSExtension, &md5, &sha1,
		&s.PlatformID, &s.PlatformName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ROM: %w", err)
	}
	if md5 != nil {
		s.Reference.Weak = *md5
	}
	if sha1 != nil {
		s.Reference.Strong = *sha1
	}
	return s, nil
}
