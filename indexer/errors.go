package indexer

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning — перестроение уже идёт.
var ErrAlreadyRunning = errors.New("индексация уже выполняется")

// LayerIndexingError — сбой индексации одного слоя. Не прерывает
// перестроение: остальные слои индексируются и фиксируются.
type LayerIndexingError struct {
	LayerID string
	Err     error
}

func (e *LayerIndexingError) Error() string {
	return fmt.Sprintf("индексация слоя %s: %v", e.LayerID, e.Err)
}

func (e *LayerIndexingError) Unwrap() error { return e.Err }
