package mapsheet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/language"

	"github.com/nikitaxru/mapsheet/config"
	"github.com/nikitaxru/mapsheet/feature"
	"github.com/nikitaxru/mapsheet/filter"
	"github.com/nikitaxru/mapsheet/index"
	"github.com/nikitaxru/mapsheet/indexer"
)

// Deps — сервисы хоста.
type Deps struct {
	Layers      feature.LayerSource
	Features    feature.FeatureSource
	Reprojector feature.Reprojector
	Locale      LocaleResolver
	Transformer indexer.Transformer
	Logger      *slog.Logger
	Registerer  prometheus.Registerer
	// StrictReprojection — слой без охвата вместо игнорирования охвата.
	StrictReprojection bool
}

// Service связывает листы, индекс, его перестроение и фильтры в одно целое.
type Service struct {
	cfg config.Config
	log *slog.Logger

	renderer *Renderer
	sheets   *SheetStore
	index    *index.Index
	indexer  *indexer.Indexer
	filters  *filter.Builder

	mu          sync.Mutex
	cancelWatch context.CancelFunc
	watchDone   chan struct{}
}

// NewService проверяет конфигурацию и открывает индекс.
func NewService(cfg config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Layers == nil || deps.Features == nil {
		return nil, fmt.Errorf("сервис: не заданы источники слоёв и объектов")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	fallback, err := language.Parse(cfg.Locale)
	if err != nil {
		return nil, fmt.Errorf("локаль %q: %w", cfg.Locale, err)
	}
	locale := withFallback(deps.Locale, fallback)
	renderer := NewRenderer(NewExprEvaluator(WithLocale(locale), WithFallbackLocale(fallback)), locale)

	idx, err := index.Open(index.Config{
		Dir:        cfg.IndexDir(),
		CacheSize:  cfg.Index.CacheSize,
		SyncWrites: cfg.Index.SyncWrites,
		GCInterval: cfg.Index.GCInterval,
		Logger:     log,
		Registerer: deps.Registerer,
	})
	if err != nil {
		return nil, err
	}

	opts := []indexer.Option{
		indexer.WithInterval(cfg.Index.RecreateInterval),
		indexer.WithMaxParallelLayers(cfg.Index.MaxParallelLayers),
		indexer.WithRootMapID(cfg.RootMapID),
		indexer.WithLogger(log),
		indexer.WithRegisterer(deps.Registerer),
	}
	if deps.Transformer != nil {
		opts = append(opts, indexer.WithTransformer(deps.Transformer))
	}
	fopts := []filter.Option{filter.WithLogger(log)}
	if deps.StrictReprojection {
		fopts = append(fopts, filter.StrictReprojection())
	}

	return &Service{
		cfg:      cfg,
		log:      log,
		renderer: renderer,
		sheets:   NewSheetStore(cfg.SheetsDir(), renderer, WithStoreLogger(log)),
		index:    idx,
		indexer:  indexer.New(deps.Layers, deps.Features, idx, opts...),
		filters:  filter.NewBuilder(idx, deps.Reprojector, fopts...),
	}, nil
}

func withFallback(r LocaleResolver, fallback language.Tag) LocaleResolver {
	return LocaleFunc(func(ctx context.Context) (language.Tag, error) {
		return ResolveLocale(ctx, r, fallback), nil
	})
}

// Start запускает перестроение индекса и наблюдение за файлами листов.
func (s *Service) Start(ctx context.Context) error {
	if err := s.indexer.Start(ctx); err != nil {
		return err
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.mu.Lock()
	s.cancelWatch, s.watchDone = cancel, done
	s.mu.Unlock()
	go func() {
		defer close(done)
		if err := s.sheets.Watch(wctx); err != nil {
			s.log.Warn("наблюдение за листами не запущено", "error", err)
		}
	}()
	return nil
}

// Stop останавливает фоновые задачи и закрывает индекс.
func (s *Service) Stop() error {
	s.indexer.Stop()
	s.mu.Lock()
	cancel, done := s.cancelWatch, s.watchDone
	s.cancelWatch, s.watchDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return s.index.Close()
}

// Renderer — рендерер с локалью сервиса.
func (s *Service) Renderer() *Renderer { return s.renderer }

// Sheets — хранилище листов.
func (s *Service) Sheets() *SheetStore { return s.sheets }

// Index — полнотекстовый индекс.
func (s *Service) Index() *index.Index { return s.index }

// Indexer — задача перестроения индекса.
func (s *Service) Indexer() *indexer.Indexer { return s.indexer }

// Sheet возвращает лист слоя.
func (s *Service) Sheet(layerID string, kind SheetKind) (*Sheet, error) {
	return s.sheets.Sheet(layerID, kind)
}

// NewChecker создаёт фоновую проверку с таймаутом из конфигурации.
func (s *Service) NewChecker() *Checker {
	return NewChecker(s.renderer, WithCheckTimeout(s.cfg.Render.CheckTimeout), WithCheckerLogger(s.log))
}

// NewQuery создаёт запрос пользовательской сессии.
func (s *Service) NewQuery() *filter.Query { return filter.NewQuery(s.filters) }

// Filter строит фильтр слоя из охвата карты и текста запроса.
func (s *Service) Filter(ctx context.Context, layer feature.Layer, extent *feature.Envelope, queryText string) (filter.Filter, error) {
	return s.filters.Build(ctx, layer, extent, queryText)
}

// Export выгружает листы объектов в книгу Excel.
func (s *Service) Export(ctx context.Context, w io.Writer, layers []LayerRows) error {
	return WriteWorkbook(ctx, w, s.sheets, layers)
}
