package mapsheet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// -----------------------------
// Виды листов
// -----------------------------

// SheetKind — назначение листа слоя.
type SheetKind int

const (
	Title SheetKind = iota
	Description
	Detail
)

// SheetKinds — все виды в порядке отображения.
var SheetKinds = []SheetKind{Title, Description, Detail}

func (k SheetKind) String() string {
	switch k {
	case Title:
		return "title"
	case Description:
		return "description"
	case Detail:
		return "detail"
	default:
		return fmt.Sprintf("SheetKind(%d)", int(k))
	}
}

// ParseSheetKind — обратное к String.
func ParseSheetKind(s string) (SheetKind, error) {
	for _, k := range SheetKinds {
		if k.String() == strings.ToLower(s) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("неизвестный вид листа: %q", s)
}

// DefaultText — текст, используемый, когда лист пуст.
func (k SheetKind) DefaultText() string {
	switch k {
	case Title:
		return "$" + VarLayerName
	case Description:
		return "${join(" + VarLayerKeywords + ", ', ')}"
	case Detail:
		return "$" + VarLayerDescription
	default:
		return ""
	}
}

// SheetEvent публикуется после изменения текста листа.
// External — изменение пришло извне (правка файла), а не через Update.
type SheetEvent struct {
	LayerID  string
	Kind     SheetKind
	Text     string
	External bool
}

// -----------------------------
// Хранилище
// -----------------------------

var rxSheetFile = regexp.MustCompile(`^layer(.+)\.(title|description|detail)$`)

// SheetStore хранит листы в файлах <dir>/layer<id>.<kind> и рассылает
// события об изменениях.
type SheetStore struct {
	dir      string
	renderer *Renderer
	log      *slog.Logger

	mu      sync.RWMutex
	subs    map[int]func(SheetEvent)
	nextSub int
	written map[string]string // последний записанный через Update текст по пути
}

// StoreOption настраивает SheetStore.
type StoreOption func(*SheetStore)

// WithStoreLogger задаёт логгер.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *SheetStore) { s.log = l }
}

// NewSheetStore создаёт хранилище в каталоге dir. Каталог создаётся при
// первой записи.
func NewSheetStore(dir string, r *Renderer, opts ...StoreOption) *SheetStore {
	s := &SheetStore{
		dir:      dir,
		renderer: r,
		log:      slog.Default(),
		subs:     map[int]func(SheetEvent){},
		written:  map[string]string{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.renderer == nil {
		s.renderer = NewRenderer(nil, nil)
	}
	return s
}

// Dir — каталог листов.
func (s *SheetStore) Dir() string { return s.dir }

// Path — путь файла листа.
func (s *SheetStore) Path(layerID string, kind SheetKind) string {
	return filepath.Join(s.dir, "layer"+layerID+"."+kind.String())
}

// Sheet загружает лист; отсутствующий файл — пустой текст.
func (s *SheetStore) Sheet(layerID string, kind SheetKind) (*Sheet, error) {
	text, err := s.read(s.Path(layerID, kind))
	if err != nil {
		return nil, err
	}
	return &Sheet{store: s, layerID: layerID, kind: kind, text: text}, nil
}

func (s *SheetStore) read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("чтение листа %s: %w", path, err)
	}
	return string(data), nil
}

// Subscribe регистрирует получателя событий; возвращает функцию отписки.
func (s *SheetStore) Subscribe(fn func(SheetEvent)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *SheetStore) publish(ev SheetEvent) {
	s.mu.RLock()
	subs := make([]func(SheetEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// write сохраняет текст атомарно: временный файл + rename.
func (s *SheetStore) write(path, text string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("создание каталога листов: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".sheet-*")
	if err != nil {
		return fmt.Errorf("временный файл листа: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("запись листа %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("запись листа %s: %w", path, err)
	}
	s.mu.Lock()
	s.written[path] = text
	s.mu.Unlock()
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("замена листа %s: %w", path, err)
	}
	return nil
}

// Watch следит за каталогом листов и публикует события о внешних правках
// файлов. Блокирует до отмены ctx.
func (s *SheetStore) Watch(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("создание каталога листов: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("наблюдение за %s: %w", s.dir, err)
	}
	s.log.Info("наблюдение за листами запущено", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			s.handleFileEvent(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("ошибка наблюдения за листами", "error", err)
		}
	}
}

func (s *SheetStore) handleFileEvent(path string) {
	m := rxSheetFile.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return
	}
	kind, err := ParseSheetKind(m[2])
	if err != nil {
		return
	}
	text, err := s.read(path)
	if err != nil {
		s.log.Warn("не удалось перечитать лист", "path", path, "error", err)
		return
	}
	s.mu.RLock()
	own, ok := s.written[path]
	s.mu.RUnlock()
	if ok && own == text {
		return
	}
	s.log.Debug("лист изменён извне", "layer_id", m[1], "kind", kind.String())
	s.publish(SheetEvent{LayerID: m[1], Kind: kind, Text: text, External: true})
}

// -----------------------------
// Лист
// -----------------------------

// Sheet — текст одного листа слоя.
type Sheet struct {
	store   *SheetStore
	layerID string
	kind    SheetKind

	mu   sync.RWMutex
	text string
}

// NewSheet — лист без файла, только для проверки и рендера текста.
func NewSheet(text string, r *Renderer) *Sheet {
	return &Sheet{store: NewSheetStore("", r), text: text}
}

// LayerID — идентификатор слоя.
func (sh *Sheet) LayerID() string { return sh.layerID }

// Kind — вид листа.
func (sh *Sheet) Kind() SheetKind { return sh.kind }

// Text возвращает сохранённый текст; false, если он пуст или из пробелов.
func (sh *Sheet) Text() (string, bool) {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if strings.TrimSpace(sh.text) == "" {
		return "", false
	}
	return sh.text, true
}

// TextOrDefault — текст листа или DefaultText его вида.
func (sh *Sheet) TextOrDefault() string {
	if t, ok := sh.Text(); ok {
		return t
	}
	return sh.kind.DefaultText()
}

// Check рендерит произвольный текст, не сохраняя его.
func (sh *Sheet) Check(ctx context.Context, text string, b *Bindings) (string, error) {
	return sh.store.renderer.Render(ctx, text, b)
}

// Build рендерит сохранённый текст листа.
func (sh *Sheet) Build(ctx context.Context, b *Bindings) (string, error) {
	sh.mu.RLock()
	text := sh.text
	sh.mu.RUnlock()
	return sh.store.renderer.Render(ctx, text, b)
}

// Update сохраняет текст как есть (в том числе некорректный) и
// публикует SheetEvent. Пустой текст — очистка листа.
func (sh *Sheet) Update(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sh.store.dir == "" {
		return errors.New("лист не привязан к хранилищу")
	}
	if err := sh.store.write(sh.store.Path(sh.layerID, sh.kind), text); err != nil {
		return err
	}
	sh.mu.Lock()
	sh.text = text
	sh.mu.Unlock()
	sh.store.log.Debug("лист сохранён", "layer_id", sh.layerID, "kind", sh.kind.String(), "size", len(text))
	sh.store.publish(SheetEvent{LayerID: sh.layerID, Kind: sh.kind, Text: text})
	return nil
}
