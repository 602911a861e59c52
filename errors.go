package mapsheet

import (
	"errors"
	"fmt"
)

// ErrCancelled — рендер прерван через context. Сопоставляется с *CancelledError
// через errors.Is.
var ErrCancelled = errors.New("операция отменена")

// ErrDuplicateBinding — Add для уже существующего имени.
var ErrDuplicateBinding = errors.New("имя уже существует")

// ParseError — некорректная ссылка или скрипт без результата.
// Offset — позиция маркера $ (в байтах, с нуля).
type ParseError struct {
	Msg    string
	Offset int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s (позиция %d)", e.Msg, e.Offset)
}

// UndefinedVariableError — ссылка $name на отсутствующую привязку.
type UndefinedVariableError struct {
	Name   string
	Offset int
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("нет такой переменной: '%s' (позиция %d)", e.Name, e.Offset)
}

// ScriptEvaluationError оборачивает диагностику интерпретатора выражений.
type ScriptEvaluationError struct {
	Expression string
	Message    string
	Err        error
}

func (e *ScriptEvaluationError) Error() string {
	return fmt.Sprintf("ошибка скрипта %q: %s", e.Expression, e.Message)
}

func (e *ScriptEvaluationError) Unwrap() error { return e.Err }

// CancelledError — кооперативная отмена рендера; Err — причина из context.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	if e.Err == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.Err)
}

func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *CancelledError) Unwrap() error { return e.Err }

// RootCause разворачивает цепочку обёрток до самой внутренней ошибки.
// Сообщение корневой ошибки показывается в UI вместо содержимого.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
	return nil
}
