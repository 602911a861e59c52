package index

import (
	"errors"
	"fmt"
)

// ErrClosed — операция над закрытым индексом или уже применённым Updater.
var ErrClosed = errors.New("индекс закрыт")

// IOError — сбой хранилища при сборке или фиксации поколения.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("индекс: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("индекс: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}
