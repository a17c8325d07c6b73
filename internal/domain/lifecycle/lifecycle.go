// Пакет lifecycle — конечный автомат верификации владения ROM.
//
// Жизненный цикл записи:
//   - pending — начальное состояние, ожидает решения ревьюера
//   - pending → verified | rejected — решение ревьюера
//   - pending → expired — очистка просроченных записей
//   - rejected | expired → pending — повторная загрузка файла
//
// verified — конечное состояние. Engine изменяет только запись в памяти,
// сохранение выполняет вызывающий код.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/ownership-verifier/internal/domain/model"
)

// Коды ошибок переходов.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeAlreadyVerified   = "ALREADY_VERIFIED"
	CodeCannotVerify      = "CANNOT_VERIFY"
	CodeNotExpired        = "NOT_EXPIRED"
)

// Значения примечаний по умолчанию.
const (
	DefaultMismatchNotes = "Hash mismatch"
	DefaultRejectNotes   = "Rejected by admin"
)

// Сообщения о результате решения ревьюера.
const (
	MessageVerified         = "ROM ownership verified successfully"
	MessageRejectedMismatch = "ROM ownership verification rejected - hash mismatch"
	MessageRejected         = "ROM ownership verification rejected"
)

// validTransitions — матрица допустимых переходов.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
var validTransitions = map[model.VerificationStatus]map[model.VerificationStatus]bool{
	model.StatusPending: {
		model.StatusPending:  true, // повторная загрузка
		model.StatusVerified: true,
		model.StatusRejected: true,
		model.StatusExpired:  true,
	},
	model.StatusRejected: {model.StatusPending: true},
	model.StatusExpired:  {model.StatusPending: true},
	model.StatusVerified: {},
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to model.VerificationStatus) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TransitionError — отказ в переходе. Запись при этом не изменяется.
type TransitionError struct {
	Code    string // Машиночитаемый код (CANNOT_VERIFY, ALREADY_VERIFIED, ...)
	Message string // Человекочитаемое описание
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Policy — настраиваемое поведение Engine.
type Policy struct {
	// MismatchNotes — примечание при несовпадении хешей
	MismatchNotes string
	// RejectNotes — примечание при ручном отклонении
	RejectNotes string
	// ResetDeadlineOnResubmit — сдвигать дедлайн на конец дня повторной загрузки
	ResetDeadlineOnResubmit bool
}

// Engine применяет правила жизненного цикла к записи верификации.
// Не хранит состояния, безопасен для конкурентного использования.
type Engine struct {
	policy Policy
}

// NewEngine создаёт Engine. Пустые примечания заменяются значениями по умолчанию.
func NewEngine(policy Policy) *Engine {
	if policy.MismatchNotes == "" {
		policy.MismatchNotes = DefaultMismatchNotes
	}
	if policy.RejectNotes == "" {
		policy.RejectNotes = DefaultRejectNotes
	}
	return &Engine{policy: policy}
}

// Policy возвращает действующую политику.
func (e *Engine) Policy() Policy {
	return e.policy
}

// Deadline возвращает 23:59:59 UTC календарного дня t (в UTC).
func Deadline(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 23, 59, 59, 0, time.UTC)
}

// Evidence — данные загруженного файла.
type Evidence struct {
	FileName string
	FileSize int64
	Digest   model.DigestPair
}

// NewRecord создаёт pending-запись для пары (subject, claimant).
func (e *Engine) NewRecord(subjectID, claimantID int64, ev Evidence, now time.Time) *model.Verification {
	now = now.UTC()
	return &model.Verification{
		SubjectID:  subjectID,
		ClaimantID: claimantID,
		Status:     model.StatusPending,
		FileName:   ev.FileName,
		FileSize:   ev.FileSize,
		Digest:     normalizeDigest(ev.Digest),
		ExpiresAt:  Deadline(now),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Resubmit заменяет загруженный файл и возвращает запись в pending.
// Для verified возвращает ALREADY_VERIFIED без изменения записи.
func (e *Engine) Resubmit(v *model.Verification, ev Evidence, now time.Time) error {
	if v.Status == model.StatusVerified {
		return &TransitionError{
			Code:    CodeAlreadyVerified,
			Message: "владение ROM уже подтверждено",
		}
	}
	if !CanTransition(v.Status, model.StatusPending) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход %s → %s недопустим", v.Status, model.StatusPending),
		}
	}

	now = now.UTC()
	v.Status = model.StatusPending
	v.FileName = ev.FileName
	v.FileSize = ev.FileSize
	v.Digest = normalizeDigest(ev.Digest)
	v.ClearOutcome()
	if e.policy.ResetDeadlineOnResubmit {
		v.ExpiresAt = Deadline(now)
	}
	v.UpdatedAt = now
	return nil
}

// IsExpired — дедлайн прошёл. Не учитывает статус.
func IsExpired(v *model.Verification, now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// CanVerify — запись ожидает решения и дедлайн не прошёл.
func CanVerify(v *model.Verification, now time.Time) bool {
	return v.Status == model.StatusPending && !IsExpired(v, now)
}

// HashMatches сравнивает хеши без учёта регистра: достаточно совпадения
// MD5 или SHA-1. Пустой эталонный хеш не совпадает ни с чем.
func HashMatches(uploaded, reference model.DigestPair) bool {
	if reference.Weak != "" && strings.EqualFold(uploaded.Weak, reference.Weak) {
		return true
	}
	if reference.Strong != "" && strings.EqualFold(uploaded.Strong, reference.Strong) {
		return true
	}
	return false
}

// Decision — решение ревьюера.
type Decision struct {
	ReviewerID int64
	Approved   bool
	// Notes — примечание ревьюера; nil или пустая строка — значение по умолчанию
	Notes *string
}

// Outcome — результат применения решения.
type Outcome struct {
	Status      model.VerificationStatus
	HashMatched bool
	Message     string
}

// Decide применяет решение ревьюера к pending-записи.
//
// Ошибки:
//   - CANNOT_VERIFY — запись не pending или дедлайн прошёл
func (e *Engine) Decide(v *model.Verification, d Decision, reference model.DigestPair, now time.Time) (Outcome, error) {
	if !CanVerify(v, now) {
		return Outcome{}, &TransitionError{
			Code: CodeCannotVerify,
			Message: fmt.Sprintf("верификация %d не может быть обработана (статус %s, истекла: %t)",
				v.ID, v.Status, IsExpired(v, now)),
		}
	}

	var out Outcome
	var notes *string
	switch {
	case d.Approved && HashMatches(v.Digest, reference):
		out = Outcome{Status: model.StatusVerified, HashMatched: true, Message: MessageVerified}
		notes = nonEmpty(d.Notes)
	case d.Approved:
		out = Outcome{Status: model.StatusRejected, Message: MessageRejectedMismatch}
		notes = withDefault(d.Notes, e.policy.MismatchNotes)
	default:
		out = Outcome{Status: model.StatusRejected, HashMatched: HashMatches(v.Digest, reference), Message: MessageRejected}
		notes = withDefault(d.Notes, e.policy.RejectNotes)
	}

	now = now.UTC()
	reviewer := d.ReviewerID
	v.Status = out.Status
	v.ReviewerID = &reviewer
	v.DecidedAt = &now
	v.Notes = notes
	v.UpdatedAt = now
	return out, nil
}

// Expire переводит просроченную pending-запись в expired.
// Поля решения ревьюера не затрагиваются.
func (e *Engine) Expire(v *model.Verification, now time.Time) error {
	if v.Status != model.StatusPending {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход %s → %s недопустим", v.Status, model.StatusExpired),
		}
	}
	if !IsExpired(v, now) {
		return &TransitionError{
			Code:    CodeNotExpired,
			Message: fmt.Sprintf("дедлайн верификации %d ещё не наступил", v.ID),
		}
	}
	v.Status = model.StatusExpired
	v.UpdatedAt = now.UTC()
	return nil
}

// normalizeDigest приводит хеши к нижнему регистру.
func normalizeDigest(d model.DigestPair) model.DigestPair {
	return model.DigestPair{Weak: strings.ToLower(d.Weak), Strong: strings.ToLower(d.Strong)}
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}

func withDefault(s *string, def string) *string {
	if v := nonEmpty(s); v != nil {
		return v
	}
	return &def
}
