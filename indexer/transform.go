package indexer

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/nikitaxru/mapsheet/feature"
	"github.com/nikitaxru/mapsheet/index"
)

// Transformer превращает объект слоя в документ индекса. Трансформеры
// собираются в цепочку: каждый получает документ предыдущего.
type Transformer interface {
	Transform(ctx context.Context, layer feature.Layer, f feature.Feature, doc index.Document) (index.Document, error)
}

// TransformerFunc — адаптер функции к Transformer.
type TransformerFunc func(ctx context.Context, layer feature.Layer, f feature.Feature, doc index.Document) (index.Document, error)

func (fn TransformerFunc) Transform(ctx context.Context, layer feature.Layer, f feature.Feature, doc index.Document) (index.Document, error) {
	return fn(ctx, layer, f, doc)
}

// Chain применяет трансформеры по порядку.
func Chain(ts ...Transformer) Transformer {
	return TransformerFunc(func(ctx context.Context, layer feature.Layer, f feature.Feature, doc index.Document) (index.Document, error) {
		var err error
		for _, t := range ts {
			if doc, err = t.Transform(ctx, layer, f, doc); err != nil {
				return doc, err
			}
		}
		return doc, nil
	})
}

// DefaultTransformers — FieldTransformer, затем LowerCase.
func DefaultTransformers() Transformer {
	return Chain(FieldTransformer(), LowerCase())
}

// FieldTransformer переносит свойства объекта в строковые поля документа.
// nil и составные значения (геометрия, вложенные структуры) пропускаются,
// время записывается в RFC3339.
func FieldTransformer() Transformer {
	return TransformerFunc(func(_ context.Context, _ feature.Layer, f feature.Feature, doc index.Document) (index.Document, error) {
		if doc.Fields == nil {
			doc.Fields = make(map[string]string, len(f.Properties))
		}
		for name, v := range f.Properties {
			if s, ok := fieldText(v); ok {
				doc.Fields[name] = s
			}
		}
		return doc, nil
	})
}

func fieldText(v any) (string, bool) {
	switch vv := v.(type) {
	case nil:
		return "", false
	case string:
		return vv, vv != ""
	case []byte:
		return string(vv), len(vv) > 0
	case time.Time:
		return vv.Format(time.RFC3339), true
	case bool:
		return strconv.FormatBool(vv), true
	case feature.Envelope:
		return "", false
	case []string:
		return strings.Join(vv, " "), len(vv) > 0
	case fmt.Stringer:
		return vv.String(), true
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}

// LowerCase приводит значения полей к нижнему регистру.
func LowerCase() Transformer {
	return TransformerFunc(func(_ context.Context, _ feature.Layer, _ feature.Feature, doc index.Document) (index.Document, error) {
		for k, v := range doc.Fields {
			doc.Fields[k] = strings.ToLower(v)
		}
		return doc, nil
	})
}
