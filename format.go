package mapsheet

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goodsign/monday"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// DefaultLocale — локаль, если хост не смог её определить.
var DefaultLocale = language.German

// LocaleResolver — сервис хоста, определяющий локаль текущего пользователя.
type LocaleResolver interface {
	Locale(ctx context.Context) (language.Tag, error)
}

// LocaleFunc — адаптер функции к LocaleResolver.
type LocaleFunc func(ctx context.Context) (language.Tag, error)

func (f LocaleFunc) Locale(ctx context.Context) (language.Tag, error) { return f(ctx) }

// FixedLocale всегда возвращает tag.
func FixedLocale(tag language.Tag) LocaleResolver {
	return LocaleFunc(func(context.Context) (language.Tag, error) { return tag, nil })
}

// ResolveLocale спрашивает resolver и при ошибке (или его отсутствии)
// возвращает fallback.
func ResolveLocale(ctx context.Context, r LocaleResolver, fallback language.Tag) language.Tag {
	if r == nil {
		return fallback
	}
	tag, err := r.Locale(ctx)
	if err != nil || tag == language.Und {
		return fallback
	}
	return tag
}

// Unbounded — отсутствие ограничения числа цифр в FormatNumber.
const Unbounded = -1

// Formatter — локализованное форматирование дат и чисел для скриптов.
type Formatter struct {
	tag     language.Tag
	printer *message.Printer
	dates   dateLayouts
}

// NewFormatter создаёт форматтер для локали tag.
func NewFormatter(tag language.Tag) *Formatter {
	return &Formatter{
		tag:     tag,
		printer: message.NewPrinter(tag),
		dates:   layoutsFor(tag),
	}
}

// Locale — локаль форматтера.
func (f *Formatter) Locale() language.Tag { return f.tag }

// -----------------------------
// Числа
// -----------------------------

// FormatNumber форматирует число с разделителями локали. Количества цифр
// точные; maxInt/maxFrac < 0 — без ограничения.
func (f *Formatter) FormatNumber(v any, minInt, minFrac, maxInt, maxFrac int) (string, error) {
	n, ok := asNumber(v)
	if !ok {
		return "", fmt.Errorf("formatNumber: ожидалось число, получено %T", v)
	}
	if minInt < 0 || minFrac < 0 {
		return "", fmt.Errorf("formatNumber: отрицательное число цифр (%d, %d)", minInt, minFrac)
	}
	opts := []number.Option{
		number.MinIntegerDigits(minInt),
		number.MinFractionDigits(minFrac),
	}
	// для целой части x/text не умеет ограничение 0, оно трактуется как «без ограничения»
	if maxInt > 0 {
		opts = append(opts, number.MaxIntegerDigits(maxInt))
	}
	if maxFrac < 0 {
		opts = append(opts, number.MaxFractionDigits(-1))
	} else {
		opts = append(opts, number.MaxFractionDigits(maxFrac))
	}
	return f.printer.Sprint(number.Decimal(n, opts...)), nil
}

// Format выбирает формат по типу значения: дата — средний формат даты,
// целое — с группировкой, дробное — минимум одна дробная цифра.
func (f *Formatter) Format(v any) (string, error) {
	switch vv := v.(type) {
	case time.Time:
		return f.FormatDate(vv), nil
	case *time.Time:
		if vv == nil {
			return "", fmt.Errorf("format: nil")
		}
		return f.FormatDate(*vv), nil
	case float32, float64:
		return f.FormatNumber(vv, 1, 1, Unbounded, Unbounded)
	}
	if n, ok := asNumber(v); ok {
		return f.FormatNumber(n, 1, 0, Unbounded, 0)
	}
	return fmt.Sprint(v), nil
}

func asNumber(v any) (any, bool) {
	switch vv := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return vv, true
	default:
		return nil, false
	}
}

// -----------------------------
// Даты
// -----------------------------

// FormatDate — средний формат даты.
func (f *Formatter) FormatDate(t time.Time) string { return f.dates.date(t, false) }

// FormatDateLong — длинный формат даты.
func (f *Formatter) FormatDateLong(t time.Time) string { return f.dates.date(t, true) }

// FormatDateTime — средний формат даты и времени.
func (f *Formatter) FormatDateTime(t time.Time) string { return f.dates.dateTime(t, false) }

// FormatDateTimeLong — длинный формат даты и времени.
func (f *Formatter) FormatDateTimeLong(t time.Time) string { return f.dates.dateTime(t, true) }

// dateLayouts — раскладки time.Format для одной локали. Названия месяцев
// и дней подставляет monday.
type dateLayouts struct {
	locale     monday.Locale
	medium     string
	long       string
	mediumTime string
	longTime   string
	joinMedium string
	joinLong   string
	zones      map[string]string // сокращения часовых поясов локали
}

func (d dateLayouts) date(t time.Time, long bool) string {
	if long {
		return monday.Format(t, d.long, d.locale)
	}
	return monday.Format(t, d.medium, d.locale)
}

func (d dateLayouts) dateTime(t time.Time, long bool) string {
	if long {
		return d.date(t, true) + d.joinLong + d.zone(t.Format(d.longTime))
	}
	return d.date(t, false) + d.joinMedium + t.Format(d.mediumTime)
}

func (d dateLayouts) zone(s string) string {
	for from, to := range d.zones {
		if strings.HasSuffix(s, " "+from) {
			return strings.TrimSuffix(s, from) + to
		}
	}
	return s
}

// Раскладки немецкого и английского совпадают с форматами MEDIUM/LONG
// старой реализации; остальные локали берутся из таблиц monday.
var knownLayouts = map[string]dateLayouts{
	"de": {
		locale:     monday.LocaleDeDE,
		medium:     "02.01.2006",
		long:       "2. January 2006",
		mediumTime: "15:04:05",
		longTime:   "15:04:05 MST",
		joinMedium: " ",
		joinLong:   " um ",
		zones:      map[string]string{"CET": "MEZ", "CEST": "MESZ"},
	},
	"en": {
		locale:     monday.LocaleEnUS,
		medium:     "Jan 2, 2006",
		long:       "January 2, 2006",
		mediumTime: "3:04:05 PM",
		longTime:   "3:04:05 PM MST",
		joinMedium: ", ",
		joinLong:   " at ",
	},
}

// layoutsFor подбирает раскладки по языку и региону тега. Неизвестные
// monday языки форматируются по-английски.
func layoutsFor(tag language.Tag) dateLayouts {
	base, _ := tag.Base()
	if l, ok := knownLayouts[base.String()]; ok {
		return l
	}
	loc, ok := mondayLocale(tag)
	if !ok {
		return knownLayouts["en"]
	}
	return dateLayouts{
		locale:     loc,
		medium:     layoutOr(monday.MediumFormatsByLocale, loc, "02.01.2006"),
		long:       layoutOr(monday.LongFormatsByLocale, loc, "2 January 2006"),
		mediumTime: "15:04:05",
		longTime:   "15:04:05 MST",
		joinMedium: " ",
		joinLong:   " ",
	}
}

func layoutOr(m map[monday.Locale]string, loc monday.Locale, fallback string) string {
	if l, ok := m[loc]; ok && l != "" {
		return l
	}
	return fallback
}

// mondayLocale переводит тег в локаль monday: сначала язык_РЕГИОН
// (регион угадывается, если не задан), затем любая локаль того же языка.
func mondayLocale(tag language.Tag) (monday.Locale, bool) {
	base, _ := tag.Base()
	region, _ := tag.Region()
	supported := monday.ListLocales()
	want := monday.Locale(base.String() + "_" + region.String())
	if slices.Contains(supported, want) {
		return want, true
	}
	var same []monday.Locale
	for _, l := range supported {
		if strings.HasPrefix(string(l), base.String()+"_") {
			same = append(same, l)
		}
	}
	if len(same) == 0 {
		return "", false
	}
	slices.Sort(same)
	return same[0], true
}

// -----------------------------
// Значения по умолчанию
// -----------------------------

// Defaults возвращает fallback, только если v == nil.
func Defaults(v, fallback any) any {
	if isNil(v) {
		return fallback
	}
	return v
}

// DefaultString возвращает fallback, если v — nil, пустая строка или
// строка из одних пробелов.
func DefaultString(v, fallback any) any {
	if isNil(v) {
		return fallback
	}
	switch s := v.(type) {
	case string:
		if strings.TrimSpace(s) == "" {
			return fallback
		}
	case fmt.Stringer:
		if strings.TrimSpace(s.String()) == "" {
			return fallback
		}
	}
	return v
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch vv := v.(type) {
	case *string:
		return vv == nil
	case *time.Time:
		return vv == nil
	}
	return false
}
