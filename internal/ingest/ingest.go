// Пакет ingest — приём загружаемого файла во временный spool-файл
// с подсчётом MD5 и SHA-1 на лету.
//
// Временный файл удаляется при любом исходе, в том числе при отмене
// контекста (разрыв соединения клиентом).
package ingest

import (
	"context"
	"crypto/md5"  //nolint:gosec // MD5 — формат эталонных хешей каталога
	"crypto/sha1" //nolint:gosec // SHA-1 — формат эталонных хешей каталога
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/bigkaa/ownership-verifier/internal/domain/model"
)

// Ошибки приёма файла.
var (
	// ErrIngestion — ошибка ввода-вывода при буферизации или хешировании.
	ErrIngestion = errors.New("ошибка приёма файла")
	// ErrTooLarge — файл превышает допустимый размер.
	ErrTooLarge = errors.New("файл превышает допустимый размер")
)

// Result — результат приёма файла.
type Result struct {
	// Size — количество принятых байт
	Size int64
	// Digest — MD5 и SHA-1 содержимого в нижнем регистре
	Digest model.DigestPair
}

// Spooler принимает поток во временный каталог.
type Spooler struct {
	// tempDir — каталог временных файлов (пусто — os.TempDir)
	tempDir string
	// maxSize — максимальный размер файла (0 — без ограничения)
	maxSize int64
}

// NewSpooler создаёт Spooler. Каталог создаётся, если не существует.
func NewSpooler(tempDir string, maxSize int64) (*Spooler, error) {
	if tempDir != "" {
		if err := os.MkdirAll(tempDir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать каталог временных файлов %s: %w", tempDir, err)
		}
	}
	return &Spooler{tempDir: tempDir, maxSize: maxSize}, nil
}

// Ingest записывает данные из reader во временный файл, одновременно
// считая MD5 и SHA-1. suffix — расширение временного файла (без точки).
// Временный файл удаляется до возврата из функции.
func (s *Spooler) Ingest(ctx context.Context, reader io.Reader, suffix string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIngestion, err)
	}

	f, err := os.CreateTemp(s.tempDir, spoolPattern(suffix))
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка создания временного файла: %w", ErrIngestion, err)
	}
	tmpPath := f.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // файл мог быть не создан до конца

	md5Hasher := md5.New()   //nolint:gosec
	sha1Hasher := sha1.New() //nolint:gosec
	w := io.MultiWriter(f, md5Hasher, sha1Hasher)

	src := io.Reader(&ctxReader{ctx: ctx, r: reader})
	if s.maxSize > 0 {
		// Читаем на байт больше лимита, чтобы отличить «ровно лимит» от превышения
		src = io.LimitReader(src, s.maxSize+1)
	}

	size, err := io.Copy(w, src)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: ошибка записи данных: %w", ErrIngestion, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: ошибка закрытия временного файла: %w", ErrIngestion, err)
	}
	if s.maxSize > 0 && size > s.maxSize {
		return nil, fmt.Errorf("%w: больше %d байт", ErrTooLarge, s.maxSize)
	}

	return &Result{
		Size: size,
		Digest: model.DigestPair{
			Weak:   hex.EncodeToString(md5Hasher.Sum(nil)),
			Strong: hex.EncodeToString(sha1Hasher.Sum(nil)),
		},
	}, nil
}

// spoolPattern формирует шаблон имени для os.CreateTemp: verify_{uuid}_*.{ext}
func spoolPattern(suffix string) string {
	suffix = sanitize(strings.TrimPrefix(suffix, "."))
	if len(suffix) > 16 {
		suffix = suffix[:16]
	}
	pattern := "verify_" + uuid.New().String()[:8] + "_*"
	if suffix != "" {
		pattern += "." + suffix
	}
	return pattern
}

// sanitize оставляет только буквы, цифры, '-' и '_'.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ctxReader прерывает чтение при отмене контекста.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// TempDir возвращает каталог временных файлов.
func (s *Spooler) TempDir() string {
	if s.tempDir == "" {
		return os.TempDir()
	}
	return filepath.Clean(s.tempDir)
}
