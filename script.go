package mapsheet

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	expro "github.com/expr-lang/expr"
	"golang.org/x/text/language"
)

// Evaluator вычисляет выражение ${...} против привязок рендера.
// Результат nil означает «скрипт ничего не вернул».
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, b *Bindings) (any, error)
}

// EvaluatorFunc — адаптер функции к Evaluator.
type EvaluatorFunc func(ctx context.Context, expression string, b *Bindings) (any, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, expression string, b *Bindings) (any, error) {
	return f(ctx, expression, b)
}

// ExprEvaluator — Evaluator на expr-lang. Окружение выражения — привязки
// рендера; вспомогательные функции подключаются через expr.Function и
// форматируют в локали, определённой на момент вычисления.
type ExprEvaluator struct {
	locale   LocaleResolver
	fallback language.Tag
}

// ExprOption настраивает ExprEvaluator.
type ExprOption func(*ExprEvaluator)

// WithLocale задаёт источник локали пользователя.
func WithLocale(r LocaleResolver) ExprOption {
	return func(e *ExprEvaluator) { e.locale = r }
}

// WithFallbackLocale задаёт локаль на случай, если источник не ответил.
func WithFallbackLocale(tag language.Tag) ExprOption {
	return func(e *ExprEvaluator) { e.fallback = tag }
}

// NewExprEvaluator создаёт вычислитель; по умолчанию локаль — DefaultLocale.
func NewExprEvaluator(opts ...ExprOption) *ExprEvaluator {
	e := &ExprEvaluator{fallback: DefaultLocale}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate компилирует и выполняет выражение. Ошибки компиляции и
// выполнения возвращаются как *ScriptEvaluationError с исходной
// диагностикой интерпретатора.
func (e *ExprEvaluator) Evaluate(ctx context.Context, expression string, b *Bindings) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, &CancelledError{Err: err}
	}
	h := NewHelpers(NewFormatter(ResolveLocale(ctx, e.locale, e.fallback)))
	env := b.Env()

	opts := append([]expro.Option{expro.Env(env)}, h.Options()...)
	program, err := expro.Compile(expression, opts...)
	if err != nil {
		return nil, &ScriptEvaluationError{Expression: expression, Message: err.Error(), Err: err}
	}
	out, err := expro.Run(program, env)
	if err != nil {
		return nil, &ScriptEvaluationError{Expression: expression, Message: err.Error(), Err: err}
	}
	return out, nil
}

// -----------------------------
// Вспомогательные функции скриптов
// -----------------------------

// Helpers — таблица функций, доступных в ${...}.
type Helpers struct {
	f *Formatter
}

// NewHelpers привязывает функции к форматтеру.
func NewHelpers(f *Formatter) *Helpers { return &Helpers{f: f} }

// Names — имена функций в порядке регистрации.
func (h *Helpers) Names() []string {
	names := make([]string, 0, 11)
	for _, d := range h.table() {
		names = append(names, d.name)
	}
	return names
}

// Options возвращает опции компиляции expr для всех функций.
func (h *Helpers) Options() []expro.Option {
	table := h.table()
	opts := make([]expro.Option, 0, len(table))
	for _, d := range table {
		opts = append(opts, expro.Function(d.name, d.fn))
	}
	return opts
}

type helperDef struct {
	name string
	fn   func(params ...any) (any, error)
}

func (h *Helpers) table() []helperDef {
	date := func(name string, fn func(time.Time) string) helperDef {
		return helperDef{name: name, fn: func(params ...any) (any, error) {
			if err := arity(name, params, 1); err != nil {
				return nil, err
			}
			t, err := asTime(name, params[0])
			if err != nil {
				return nil, err
			}
			return fn(t), nil
		}}
	}
	return []helperDef{
		{name: "format", fn: func(params ...any) (any, error) {
			if err := arity("format", params, 1); err != nil {
				return nil, err
			}
			return h.f.Format(params[0])
		}},
		date("formatDate", h.f.FormatDate),
		date("formatDateMedium", h.f.FormatDate),
		date("formatDateLong", h.f.FormatDateLong),
		date("formatDateTime", h.f.FormatDateTime),
		date("formatDateTimeMedium", h.f.FormatDateTime),
		date("formatDateTimeLong", h.f.FormatDateTimeLong),
		{name: "formatNumber", fn: h.formatNumber},
		{name: "defaults", fn: func(params ...any) (any, error) {
			if err := arity("defaults", params, 2); err != nil {
				return nil, err
			}
			return Defaults(params[0], params[1]), nil
		}},
		{name: "defaultString", fn: func(params ...any) (any, error) {
			if err := arity("defaultString", params, 2); err != nil {
				return nil, err
			}
			return DefaultString(params[0], params[1]), nil
		}},
		{name: "join", fn: func(params ...any) (any, error) {
			if len(params) != 1 && len(params) != 2 {
				return nil, fmt.Errorf("join: ожидалось 1 или 2 аргумента, получено %d", len(params))
			}
			sep := ""
			if len(params) == 2 {
				s, ok := params[1].(string)
				if !ok {
					return nil, fmt.Errorf("join: разделитель должен быть строкой, получено %T", params[1])
				}
				sep = s
			}
			return joinValues(params[0], sep)
		}},
	}
}

// formatNumber(v, minFrac) | (v, minInt, minFrac) | (v, minInt, minFrac, maxInt, maxFrac)
func (h *Helpers) formatNumber(params ...any) (any, error) {
	digits := make([]int, 0, 4)
	for i, p := range params[min(1, len(params)):] {
		n, err := asDigits(p)
		if err != nil {
			return nil, fmt.Errorf("formatNumber: аргумент %d: %w", i+2, err)
		}
		digits = append(digits, n)
	}
	switch len(params) {
	case 2:
		return h.f.FormatNumber(params[0], 0, digits[0], Unbounded, Unbounded)
	case 3:
		return h.f.FormatNumber(params[0], digits[0], digits[1], Unbounded, Unbounded)
	case 5:
		return h.f.FormatNumber(params[0], digits[0], digits[1], digits[2], digits[3])
	default:
		return nil, fmt.Errorf("formatNumber: ожидалось 2, 3 или 5 аргументов, получено %d", len(params))
	}
}

func arity(name string, params []any, n int) error {
	if len(params) != n {
		return fmt.Errorf("%s: ожидалось аргументов: %d, получено %d", name, n, len(params))
	}
	return nil
}

func asTime(name string, v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		if t != nil {
			return *t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: ожидалась дата, получено %T", name, v)
}

func asDigits(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), nil
		}
	}
	return 0, fmt.Errorf("ожидалось целое, получено %v", v)
}

func joinValues(v any, sep string) (string, error) {
	switch vv := v.(type) {
	case nil:
		return "", nil
	case []string:
		return strings.Join(vv, sep), nil
	case []any:
		parts := make([]string, len(vv))
		for i, it := range vv {
			parts[i] = valueText(it, nil)
		}
		return strings.Join(parts, sep), nil
	default:
		return "", fmt.Errorf("join: ожидался список, получено %T", v)
	}
}
