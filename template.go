package mapsheet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Движок подстановки для листов слоя.
// Поддержка:
// - $name            — переменная (устаревшая форма)
// - ${expr}          — выражение
// - $expr$           — выражение (устаревшая форма)
// Экранирования нет: $, не подходящий ни под одну форму, остаётся текстом.

// -----------------------------
// Токены
// -----------------------------

// Kind — вид токена.
type Kind int

const (
	Literal Kind = iota
	VariableRef
	ScriptRef
)

func (k Kind) String() string {
	switch k {
	case Literal:
		return "literal"
	case VariableRef:
		return "variable"
	case ScriptRef:
		return "script"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Form — синтаксическая форма, в которой записан токен.
type Form int

const (
	FormText   Form = iota // обычный текст
	FormBare               // $name
	FormBrace              // ${expr}
	FormDollar             // $expr$
)

func (f Form) String() string {
	switch f {
	case FormText:
		return "text"
	case FormBare:
		return "$name"
	case FormBrace:
		return "${expr}"
	case FormDollar:
		return "$expr$"
	default:
		return fmt.Sprintf("Form(%d)", int(f))
	}
}

// Token — фрагмент шаблона. Offset/End — байтовые границы в исходном
// тексте; для ссылок Offset указывает на маркер $.
// Payload — текст литерала, имя переменной или тело выражения.
type Token struct {
	Kind    Kind
	Form    Form
	Offset  int
	End     int
	Payload string
}

// Legacy сообщает, что ссылка записана в устаревшей форме ($name или $expr$).
func (t Token) Legacy() bool {
	return t.Form == FormBare || t.Form == FormDollar
}

// -----------------------------
// Разбор
// -----------------------------

// Parse разбивает текст на токены за один проход слева направо.
// Для каждого $ формы пробуются в порядке: $name, ${...}, $...$.
// Соседние фрагменты текста сливаются в один Literal.
func Parse(text string) []Token {
	var (
		toks      []Token
		litStart  int
		i         int
		noBrace   bool // после этой позиции нет ни одной }
		noClosing bool // после этой позиции нет ни одного $
	)
	for i < len(text) {
		j := strings.IndexByte(text[i:], '$')
		if j < 0 {
			break
		}
		pos := i + j
		tok, ok := scanRef(text, pos, &noBrace, &noClosing)
		if !ok {
			i = pos + 1
			continue
		}
		if pos > litStart {
			toks = append(toks, literal(text, litStart, pos))
		}
		toks = append(toks, tok)
		i = tok.End
		litStart = i
	}
	if litStart < len(text) {
		toks = append(toks, literal(text, litStart, len(text)))
	}
	return toks
}

func literal(text string, start, end int) Token {
	return Token{Kind: Literal, Form: FormText, Offset: start, End: end, Payload: text[start:end]}
}

func scanRef(text string, pos int, noBrace, noClosing *bool) (Token, bool) {
	rest := pos + 1

	k := rest
	for k < len(text) && isNameChar(text[k]) {
		k++
	}
	if k > rest {
		return Token{Kind: VariableRef, Form: FormBare, Offset: pos, End: k, Payload: text[rest:k]}, true
	}

	if !*noBrace && rest < len(text) && text[rest] == '{' {
		c := strings.IndexByte(text[rest+1:], '}')
		switch {
		case c < 0:
			*noBrace = true
		case c > 0:
			end := rest + 1 + c
			return Token{Kind: ScriptRef, Form: FormBrace, Offset: pos, End: end + 1, Payload: text[rest+1 : end]}, true
		}
	}

	if !*noClosing {
		d := strings.IndexByte(text[rest:], '$')
		switch {
		case d < 0:
			*noClosing = true
		case d > 0:
			end := rest + d
			return Token{Kind: ScriptRef, Form: FormDollar, Offset: pos, End: end + 1, Payload: text[rest:end]}, true
		}
	}
	return Token{}, false
}

func isNameChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || c == '-' || c == '.' || c == ':'
}

// LintWarning — ссылка в устаревшей форме.
type LintWarning struct {
	Offset  int
	Form    Form
	Payload string
	Message string
}

// Lint находит ссылки в формах $name и $expr$. На рендер не влияет.
func Lint(text string) []LintWarning {
	var out []LintWarning
	for _, t := range Parse(text) {
		if !t.Legacy() {
			continue
		}
		msg := fmt.Sprintf("устаревшая форма %s, используйте ${%s}", t.Form, t.Payload)
		out = append(out, LintWarning{Offset: t.Offset, Form: t.Form, Payload: t.Payload, Message: msg})
	}
	return out
}

// -----------------------------
// Рендер
// -----------------------------

// Renderer подставляет переменные и результаты выражений в текст.
// Безопасен для конкурентного использования, если таков Evaluator.
type Renderer struct {
	eval     Evaluator
	locale   LocaleResolver
	fallback language.Tag
}

// NewRenderer создаёт рендерер. Если eval == nil, используется
// ExprEvaluator с той же локалью.
func NewRenderer(eval Evaluator, locale LocaleResolver) *Renderer {
	if eval == nil {
		eval = NewExprEvaluator(WithLocale(locale))
	}
	return &Renderer{eval: eval, locale: locale, fallback: DefaultLocale}
}

// Render возвращает текст с подставленными значениями. При отмене ctx
// частичный результат отбрасывается и возвращается *CancelledError.
// Текст без ссылок возвращается как есть.
func (r *Renderer) Render(ctx context.Context, text string, b *Bindings) (string, error) {
	tokens := Parse(text)
	if !hasRefs(tokens) {
		return text, nil
	}
	if err := ctx.Err(); err != nil {
		return "", &CancelledError{Err: err}
	}

	var (
		out strings.Builder
		f   *Formatter
	)
	out.Grow(len(text))
	formatter := func() *Formatter {
		if f == nil {
			f = NewFormatter(ResolveLocale(ctx, r.locale, r.fallback))
		}
		return f
	}

	for _, tok := range tokens {
		switch tok.Kind {
		case Literal:
			out.WriteString(tok.Payload)
			continue
		case VariableRef:
			v, ok := b.Get(tok.Payload)
			if !ok || v == nil {
				return "", &UndefinedVariableError{Name: tok.Payload, Offset: tok.Offset}
			}
			out.WriteString(valueText(v, formatter()))
		case ScriptRef:
			v, err := r.eval.Evaluate(ctx, tok.Payload, b)
			if err != nil {
				return "", scriptError(tok, err)
			}
			if v == nil {
				return "", &ParseError{Msg: "скрипт не вернул значение: " + tok.Payload, Offset: tok.Offset}
			}
			out.WriteString(valueText(v, formatter()))
		}
		if err := ctx.Err(); err != nil {
			return "", &CancelledError{Err: err}
		}
	}
	return out.String(), nil
}

func hasRefs(tokens []Token) bool {
	for _, t := range tokens {
		if t.Kind != Literal {
			return true
		}
	}
	return false
}

func scriptError(tok Token, err error) error {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return err
	}
	var se *ScriptEvaluationError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancelledError{Err: err}
	}
	return &ScriptEvaluationError{Expression: tok.Payload, Message: err.Error(), Err: err}
}

// valueText — текстовое представление значения в шаблоне. f == nil —
// форматирование в локали по умолчанию.
func valueText(v any, f *Formatter) string {
	switch vv := v.(type) {
	case string:
		return vv
	case time.Time:
		if f == nil {
			f = NewFormatter(DefaultLocale)
		}
		return f.FormatDateTime(vv)
	case *time.Time:
		if vv == nil {
			return ""
		}
		return valueText(*vv, f)
	case fmt.Stringer:
		return vv.String()
	case []string:
		return strings.Join(vv, ", ")
	case []any:
		parts := make([]string, len(vv))
		for i, it := range vv {
			parts[i] = valueText(it, f)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(vv)
	}
}
