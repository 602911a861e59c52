package mapsheet

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/nikitaxru/mapsheet/feature"
)

// LayerRows — объекты одного слоя для выгрузки.
type LayerRows struct {
	Layer    feature.Layer
	Features []feature.Feature
}

var workbookHeader = []any{"ID", "Title", "Description", "Detail"}

// WriteWorkbook рендерит листы title/description/detail для каждого объекта
// и записывает книгу .xlsx в w: по листу книги на слой, по строке на объект.
// Ошибка рендера не прерывает выгрузку: в ячейку пишется сообщение
// корневой ошибки.
func WriteWorkbook(ctx context.Context, w io.Writer, store *SheetStore, layers []LayerRows) error {
	log := store.log
	startTime := time.Now()
	log.Info("начинаем выгрузку в Excel", "layers", len(layers))

	texts := make(map[string][3]string, len(layers))
	for _, lr := range layers {
		var t [3]string
		for i, kind := range SheetKinds {
			sh, err := store.Sheet(lr.Layer.ID, kind)
			if err != nil {
				return err
			}
			t[i] = sh.TextOrDefault()
		}
		texts[lr.Layer.ID] = t
	}

	f := excelize.NewFile()
	defer f.Close()

	used := map[string]bool{}
	for i, lr := range layers {
		name := sheetName(lr.Layer, used)
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), name); err != nil {
				return fmt.Errorf("лист книги %s: %w", name, err)
			}
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("лист книги %s: %w", name, err)
		}
		if err := f.SetSheetRow(name, "A1", &workbookHeader); err != nil {
			return fmt.Errorf("лист книги %s: %w", name, err)
		}

		t := texts[lr.Layer.ID]
		for r, feat := range lr.Features {
			b := StandardBindings(NewBindings(), lr.Layer, &feat)
			row := []any{feat.ID}
			for _, text := range t {
				out, err := store.renderer.Render(ctx, text, b)
				if err != nil {
					if ctx.Err() != nil {
						return &CancelledError{Err: ctx.Err()}
					}
					log.Warn("ошибка рендера при выгрузке", "layer_id", lr.Layer.ID, "feature_id", feat.ID, "error", err)
					out = RootCause(err).Error()
				}
				row = append(row, valToCell(out))
			}
			cell, err := excelize.CoordinatesToCellName(1, r+2)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(name, cell, &row); err != nil {
				return fmt.Errorf("лист книги %s, строка %d: %w", name, r+2, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("запись книги: %w", err)
	}
	log.Info("выгрузка в Excel завершена", "layers", len(layers), "duration", time.Since(startTime))
	return nil
}

// sheetName — имя листа книги: подпись слоя без запрещённых символов,
// не длиннее 31 символа, уникальное в книге без учёта регистра.
func sheetName(l feature.Layer, used map[string]bool) string {
	base := l.Label
	if strings.TrimSpace(base) == "" {
		base = "layer" + l.ID
	}
	base = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\`, r) {
			return '_'
		}
		return r
	}, base)
	// Excel сравнивает имена листов без учёта регистра
	name := truncateRunes(base, 31)
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		name = truncateRunes(base, 31-len(suffix)) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// valToCell нормализует значение перед записью в Excel: переводы строк
// Markdown сохраняются, висячие пробелы убираются.
func valToCell(s string) any {
	return strings.TrimRight(s, " \t\r\n")
}
