package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// assertEmptyDir проверяет, что временные файлы удалены.
func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ошибка чтения каталога: %v", err)
	}
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("временные файлы не удалены: %v", names)
	}
}

// TestNewSpooler_CreatesDirectory проверяет создание каталога.
func TestNewSpooler_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")

	s, err := NewSpooler(dir, 0)
	if err != nil {
		t.Fatalf("ошибка создания Spooler: %v", err)
	}
	if s.TempDir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, s.TempDir())
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("каталог не создан: %v", err)
	}
}

// TestIngest_EmptyFile — хеши пустого файла.
func TestIngest_EmptyFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewSpooler(dir, 0)

	res, err := s.Ingest(context.Background(), bytes.NewReader(nil), "zip")
	if err != nil {
		t.Fatalf("ошибка приёма: %v", err)
	}
	if res.Size != 0 {
		t.Errorf("размер: ожидалось 0, получено %d", res.Size)
	}
	if res.Digest.Weak != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("MD5 = %s", res.Digest.Weak)
	}
	if res.Digest.Strong != "da39a3ee5e6b4b0d3255bfef95601890afd80709" {
		t.Errorf("SHA-1 = %s", res.Digest.Strong)
	}
	assertEmptyDir(t, dir)
}

// TestIngest_Content — хеши известной строки.
func TestIngest_Content(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewSpooler(dir, 0)

	res, err := s.Ingest(context.Background(), strings.NewReader("hello world"), ".sfc")
	if err != nil {
		t.Fatalf("ошибка приёма: %v", err)
	}
	if res.Size != 11 {
		t.Errorf("размер: ожидалось 11, получено %d", res.Size)
	}
	if res.Digest.Weak != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("MD5 = %s", res.Digest.Weak)
	}
	if res.Digest.Strong != "2aae6c35c94fcfb415dbe95f408b9ce91ee846ed" {
		t.Errorf("SHA-1 = %s", res.Digest.Strong)
	}
	assertEmptyDir(t, dir)
}

// TestIngest_TooLarge — превышение лимита, файл удалён.
func TestIngest_TooLarge(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewSpooler(dir, 4)

	_, err := s.Ingest(context.Background(), strings.NewReader("12345"), "bin")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидалась ErrTooLarge, получено %v", err)
	}
	assertEmptyDir(t, dir)

	// Ровно лимит — допустимо
	res, err := s.Ingest(context.Background(), strings.NewReader("1234"), "bin")
	if err != nil {
		t.Fatalf("ошибка приёма файла на границе лимита: %v", err)
	}
	if res.Size != 4 {
		t.Errorf("размер: ожидалось 4, получено %d", res.Size)
	}
}

// failingReader отдаёт часть данных, затем ошибку.
type failingReader struct {
	sent bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, io.ErrUnexpectedEOF
}

// TestIngest_ReaderError — ошибка чтения, временный файл удалён.
func TestIngest_ReaderError(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewSpooler(dir, 0)

	_, err := s.Ingest(context.Background(), &failingReader{}, "zip")
	if !errors.Is(err, ErrIngestion) {
		t.Fatalf("ожидалась ErrIngestion, получено %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("исходная ошибка потеряна: %v", err)
	}
	assertEmptyDir(t, dir)
}

// cancelReader отменяет контекст после первого чтения.
type cancelReader struct {
	cancel context.CancelFunc
}

func (r *cancelReader) Read(p []byte) (int, error) {
	r.cancel()
	return copy(p, "chunk"), nil
}

// TestIngest_Cancelled — отмена контекста посреди загрузки.
func TestIngest_Cancelled(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewSpooler(dir, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Ingest(ctx, &cancelReader{cancel: cancel}, "zip")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась context.Canceled, получено %v", err)
	}
	if !errors.Is(err, ErrIngestion) {
		t.Errorf("ожидалась ErrIngestion, получено %v", err)
	}
	assertEmptyDir(t, dir)
}

// TestSpoolPattern проверяет безопасное расширение временного файла.
func TestSpoolPattern(t *testing.T) {
	tests := []struct {
		suffix string
		want   string
	}{
		{"zip", ".zip"},
		{".sfc", ".sfc"},
		{"../../etc", ".etc"},
		{"", "_*"},
	}

	for _, tt := range tests {
		p := spoolPattern(tt.suffix)
		if !strings.HasPrefix(p, "verify_") || !strings.HasSuffix(p, tt.want) {
			t.Errorf("spoolPattern(%q) = %q, ожидался суффикс %q", tt.suffix, p, tt.want)
		}
		if strings.Contains(p, "/") {
			t.Errorf("spoolPattern(%q) содержит разделитель пути: %q", tt.suffix, p)
		}
	}
}
