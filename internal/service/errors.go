// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ROM, запись верификации или эталон не найдены.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — запись уже существует или владение уже подтверждено.
	ErrConflict = errors.New("конфликт")
	// ErrForbidden — недостаточно привилегий.
	ErrForbidden = errors.New("недостаточно привилегий")
	// ErrValidation — ошибка валидации входных данных (расширение файла, поля формы).
	ErrValidation = errors.New("ошибка валидации")
	// ErrCannotVerify — решение по записи невозможно (не pending или истёк дедлайн).
	ErrCannotVerify = errors.New("верификация не может быть обработана")
	// ErrIngestion — ошибка ввода-вывода при приёме файла.
	ErrIngestion = errors.New("ошибка обработки загруженного файла")
	// ErrTooLarge — загруженный файл превышает допустимый размер.
	ErrTooLarge = errors.New("файл превышает допустимый размер")
)
