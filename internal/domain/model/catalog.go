package model

import "time"

// Subject — ROM из каталога библиотеки.
// Сервис верификации только читает каталог.
type Subject struct {
	ID int64
	// Name — отображаемое имя ROM
	Name string
	// FSName — имя файла в библиотеке
	FSName string
	// FSExtension — каноническое расширение файла (без точки)
	FSExtension string
	// Reference — эталонные хеши; любое из полей может быть пустым
	Reference DigestPair
	PlatformID   int64
	PlatformName string
}

// User — локальная учётная запись пользователя библиотеки.
type User struct {
	ID int64
	// ExternalID — идентификатор пользователя в IdP (sub)
	ExternalID string
	Username   string
	// Role — локальная роль (viewer, editor, admin)
	Role      string
	Enabled   bool
	CreatedAt time.Time
}
