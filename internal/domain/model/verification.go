// Пакет model — доменные модели сервиса верификации владения ROM.
package model

import "time"

// VerificationStatus — статус верификации.
type VerificationStatus string

const (
	// StatusPending — ожидает решения ревьюера (начальное состояние).
	StatusPending VerificationStatus = "pending"
	// StatusVerified — владение подтверждено.
	StatusVerified VerificationStatus = "verified"
	// StatusRejected — отклонено ревьюером или из-за несовпадения хешей.
	StatusRejected VerificationStatus = "rejected"
	// StatusExpired — истёк срок рассмотрения.
	StatusExpired VerificationStatus = "expired"
)

// AllStatuses — все допустимые статусы в порядке объявления enum в БД.
var AllStatuses = []VerificationStatus{StatusPending, StatusVerified, StatusRejected, StatusExpired}

// Valid проверяет, что статус входит в перечисление.
func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsTerminal — verified, rejected и expired не принимают решений ревьюера.
func (s VerificationStatus) IsTerminal() bool {
	return s == StatusVerified || s == StatusRejected || s == StatusExpired
}

// String реализует fmt.Stringer.
func (s VerificationStatus) String() string {
	return string(s)
}

// DigestPair — пара хешей содержимого файла.
// Weak — MD5 (32 hex), Strong — SHA-1 (40 hex).
type DigestPair struct {
	Weak   string
	Strong string
}

// Verification — запись о попытке пользователя подтвердить владение ROM.
// Хранится в таблице rom_verifications, одна запись на пару (SubjectID, ClaimantID).
type Verification struct {
	// ID — идентификатор записи
	ID int64
	// SubjectID — ROM из каталога (rom_id)
	SubjectID int64
	// ClaimantID — пользователь, заявляющий владение (user_id)
	ClaimantID int64
	// Status — текущий статус
	Status VerificationStatus
	// FileName — имя загруженного файла
	FileName string
	// FileSize — размер загруженного файла в байтах
	FileSize int64
	// Digest — хеши загруженного файла
	Digest DigestPair
	// Notes — примечание ревьюера (nil, если решения не было)
	Notes *string
	// ReviewerID — кто принял решение (nil для pending/expired)
	ReviewerID *int64
	// DecidedAt — время решения (nil для pending/expired)
	DecidedAt *time.Time
	// ExpiresAt — дедлайн рассмотрения, 23:59:59 UTC дня создания
	ExpiresAt time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// ClearOutcome сбрасывает результат рассмотрения.
func (v *Verification) ClearOutcome() {
	v.Notes = nil
	v.ReviewerID = nil
	v.DecidedAt = nil
}

// VerificationStats — количество записей по статусам.
type VerificationStats struct {
	Total    int64
	Pending  int64
	Verified int64
	Rejected int64
	Expired  int64
}

// Add учитывает count записей со статусом status.
func (s *VerificationStats) Add(status VerificationStatus, count int64) {
	switch status {
	case StatusPending:
		s.Pending += count
	case StatusVerified:
		s.Verified += count
	case StatusRejected:
		s.Rejected += count
	case StatusExpired:
		s.Expired += count
	}
	s.Total += count
}
