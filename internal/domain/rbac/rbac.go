// Пакет rbac — типизированные уровни привилегий пользователя.
// Реализует двухуровневую авторизацию: группы из IdP + локальная роль.
// Правила: итоговая привилегия = max(привилегия из IdP, локальная роль).
// Локальная роль может только повысить привилегию, не понизить.
// Привилегия вычисляется один раз на границе запроса (middleware).
package rbac

import "fmt"

// Privilege — уровень привилегий. Сравнивается как число.
type Privilege int

// Привилегии в порядке возрастания.
const (
	PrivilegeNone Privilege = iota
	PrivilegeViewer
	PrivilegeEditor
	PrivilegeAdmin
)

// Строковые имена ролей (локальная роль users.role и claims).
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleToPrivilege = map[string]Privilege{
	RoleViewer: PrivilegeViewer,
	RoleEditor: PrivilegeEditor,
	RoleAdmin:  PrivilegeAdmin,
}

// String возвращает имя роли.
func (p Privilege) String() string {
	switch p {
	case PrivilegeViewer:
		return RoleViewer
	case PrivilegeEditor:
		return RoleEditor
	case PrivilegeAdmin:
		return RoleAdmin
	default:
		return "none"
	}
}

// AtLeast — привилегия не ниже required.
func (p Privilege) AtLeast(required Privilege) bool {
	return p >= required
}

// ParseRole преобразует имя роли в Privilege.
func ParseRole(role string) (Privilege, error) {
	p, ok := roleToPrivilege[role]
	if !ok {
		return PrivilegeNone, fmt.Errorf("недопустимая роль %q, допустимые: viewer, editor, admin", role)
	}
	return p, nil
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleToPrivilege[role]
	return ok
}

// Effective вычисляет итоговую привилегию = max(idp, local).
// Недопустимая локальная роль игнорируется.
func Effective(idp Privilege, localRole string) Privilege {
	local, err := ParseRole(localRole)
	if err != nil {
		return idp
	}
	return max(idp, local)
}

// GroupMapping — соответствие групп IdP привилегиям.
type GroupMapping struct {
	AdminGroups  []string
	EditorGroups []string
	ViewerGroups []string
}

// MapGroups определяет привилегию по группам IdP.
// Возвращает максимальную привилегию из всех совпадений
// или PrivilegeNone, если ни одна группа не совпала.
func (m GroupMapping) MapGroups(groups []string) Privilege {
	adminSet := toSet(m.AdminGroups)
	editorSet := toSet(m.EditorGroups)
	viewerSet := toSet(m.ViewerGroups)

	highest := PrivilegeNone
	for _, g := range groups {
		switch {
		case adminSet[g]:
			highest = max(highest, PrivilegeAdmin)
		case editorSet[g]:
			highest = max(highest, PrivilegeEditor)
		case viewerSet[g]:
			highest = max(highest, PrivilegeViewer)
		}
	}
	return highest
}

// toSet конвертирует срез строк в map для быстрого поиска.
func toSet(items []string) map[string]bool {
	s := make(map[string]bool, len(items))
	for _, item := range items {
		s[item] = true
	}
	return s
}
