package mapsheet

import (
	"maps"
	"regexp"
	"slices"

	"github.com/nikitaxru/mapsheet/feature"
)

// Символы, недопустимые в именах переменных выражений.
var rxInvalidVariableChar = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// NormalizeVariable заменяет недопустимые символы имени на '_',
// чтобы свойство объекта было доступно и в скриптах ${...}.
func NormalizeVariable(name string) string {
	return rxInvalidVariableChar.ReplaceAllString(name, "_")
}

// Стандартные переменные слоя.
const (
	VarLayer            = "layer"
	VarLayerName        = "layer_name"
	VarLayerTitle       = "layer_title"
	VarLayerDescription = "layer_description"
	VarLayerKeywords    = "layer_keywords"
)

// StandardVariables перечисляет стандартные переменные слоя и атрибуты его
// схемы (под нормализованными именами) с их типами — для подсказок в редакторе.
func StandardVariables(schema []feature.Attribute) map[string]string {
	out := map[string]string{
		VarLayerName:        "string",
		VarLayerTitle:       "string",
		VarLayerDescription: "string",
		VarLayerKeywords:    "[]string",
	}
	for _, a := range schema {
		out[NormalizeVariable(a.Name)] = a.Type
	}
	return out
}

// StandardBindings заполняет b переменными слоя и свойствами объекта.
// Свойства с именами, изменёнными нормализацией, доступны и под исходным
// именем для ссылок вида $name.
func StandardBindings(b *Bindings, layer feature.Layer, f *feature.Feature) *Bindings {
	b.Set(VarLayer, layer)
	b.Set(VarLayerName, layer.Label)
	b.Set(VarLayerTitle, layer.Label)
	b.Set(VarLayerDescription, layer.Description)
	b.Set(VarLayerKeywords, slices.Clone(layer.Keywords))
	if f == nil {
		return b
	}
	for _, name := range slices.Sorted(maps.Keys(f.Properties)) {
		v := normalizeValue(f.Properties[name])
		b.Set(NormalizeVariable(name), v)
		if n := NormalizeVariable(name); n != name {
			b.Set(name, v)
		}
	}
	return b
}

// normalizeValue приводит значения свойств к типам, понятным выражениям:
// байтовые строки — в string, указатели разыменовываются.
func normalizeValue(v any) any {
	switch vv := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(vv)
	case *string:
		if vv == nil {
			return nil
		}
		return *vv
	default:
		return vv
	}
}
