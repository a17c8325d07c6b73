package model

import "time"

// StatusNone — статус проекции, когда записи для пары нет.
// Это не ошибка, а допустимое пустое состояние.
const StatusNone = "none"

// StatusView — проекция верификации для пользователя.
type StatusView struct {
	Status         string
	Message        string
	VerificationID *int64
	FileName       string
	Notes          *string
	DecidedAt      *time.Time
	ExpiresAt      *time.Time
	CreatedAt      *time.Time
	CanVerify      bool
	IsExpired      bool
}

// PendingView — ожидающая верификация для ревьюера,
// дополненная данными каталога и именем пользователя.
type PendingView struct {
	Verification
	SubjectName  string
	SubjectFile  string
	PlatformName string
	Username     string
	CanVerify    bool
	IsExpired    bool
}

// VerifiedView — подтверждённый ROM пользователя.
type VerifiedView struct {
	SubjectID    int64
	SubjectName  string
	PlatformName string
	VerifiedAt   *time.Time
	ReviewerName string
	Notes        *string
}
