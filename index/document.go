package index

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Document — единица индексации: объект слоя, приведённый к строковым полям.
type Document struct {
	ID      string            `json:"id"`
	LayerID string            `json:"layer_id"`
	Fields  map[string]string `json:"fields"`
}

// Analyze разбивает текст на термы: NFC-нормализация, границы по символам,
// не являющимся буквой или цифрой, приведение к нижнему регистру.
// Документы и запросы анализируются одинаково.
func Analyze(text string) []string {
	if text == "" {
		return nil
	}
	lower := cases.Lower(language.Und).String(norm.NFC.String(text))
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// fieldName — нормализованное имя поля: регистр не важен.
func fieldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
