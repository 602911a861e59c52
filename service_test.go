package mapsheet_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"golang.org/x/text/language"

	"github.com/nikitaxru/mapsheet"
	"github.com/nikitaxru/mapsheet/config"
	"github.com/nikitaxru/mapsheet/feature"
	"github.com/nikitaxru/mapsheet/filter"
)

const (
	defaultWait  = 5 * time.Second
	pollInterval = 20 * time.Millisecond
)

// ServiceSuite — сквозной сценарий: листы, индекс, фильтр, выгрузка
type ServiceSuite struct {
	suite.Suite
	cfg   config.Config
	reg   *prometheus.Registry
	src   *feature.Memory
	svc   *mapsheet.Service
	river feature.Layer
}

func (s *ServiceSuite) SetupTest() {
	cfg := config.Default()
	cfg.DataDir = s.T().TempDir()
	cfg.Index.GCInterval = 0

	s.river = feature.Layer{ID: "rivers", Label: "Flüsse", CRS: "EPSG:25832"}
	s.src = feature.NewMemory()
	s.src.AddLayer(cfg.RootMapID, s.river,
		feature.Feature{ID: "r1", Properties: map[string]any{"name": "Rhein"}},
		feature.Feature{ID: "r2", Properties: map[string]any{"name": "Main"}},
	)

	s.cfg = cfg
	s.reg = prometheus.NewRegistry()
	s.svc = s.newService()
}

func (s *ServiceSuite) newService() *mapsheet.Service {
	svc, err := mapsheet.NewService(s.cfg, mapsheet.Deps{
		Layers:     s.src,
		Features:   s.src,
		Locale:     mapsheet.FixedLocale(language.English),
		Registerer: s.reg,
	})
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) TearDownTest() {
	s.Require().NoError(s.svc.Stop())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

// TestFilterAfterRun — после перестроения индекса фильтр отбирает объекты
func (s *ServiceSuite) TestFilterAfterRun() {
	ctx := context.Background()
	s.Require().NoError(s.svc.Indexer().Run(ctx))

	f, err := s.svc.Filter(ctx, s.river, nil, "rhein")
	s.Require().NoError(err)
	ids, ok := f.(filter.IDs)
	s.Require().True(ok, "фильтр %s", f)
	s.Assert().Equal([]string{"r1"}, ids.Sorted())

	f, err = s.svc.Filter(ctx, s.river, nil, "donau")
	s.Require().NoError(err)
	s.Assert().Equal(filter.Exclude, f)

	f, err = s.svc.Filter(ctx, s.river, nil, "  ")
	s.Require().NoError(err)
	s.Assert().Equal(filter.Include, f)
}

// TestFilterReprojectionSoft — охват в чужой CRS игнорируется
func (s *ServiceSuite) TestFilterReprojectionSoft() {
	extent := &feature.Envelope{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1, CRS: "EPSG:4326"}
	f, err := s.svc.Filter(context.Background(), s.river, extent, "")
	s.Require().NoError(err)
	s.Assert().Equal(filter.Include, f)
}

// TestRendererUsesHostLocale — локаль хоста применяется к форматированию
func (s *ServiceSuite) TestRendererUsesHostLocale() {
	b := mapsheet.NewBindings().MustAdd("n", 1234.5)
	out, err := s.svc.Renderer().Render(context.Background(), "${format(n)}", b)
	s.Require().NoError(err)
	s.Assert().Equal("1,234.5", out)
}

// TestSheetsAndExport — листы сохраняются в каталоге данных и попадают в выгрузку
func (s *ServiceSuite) TestSheetsAndExport() {
	ctx := context.Background()
	sh, err := s.svc.Sheet(s.river.ID, mapsheet.Title)
	s.Require().NoError(err)
	s.Require().NoError(sh.Update(ctx, "${name}"))

	var buf bytes.Buffer
	s.Require().NoError(s.svc.Export(ctx, &buf, []mapsheet.LayerRows{{
		Layer:    s.river,
		Features: []feature.Feature{{ID: "r1", Properties: map[string]any{"name": "Rhein"}}},
	}}))
	s.Assert().NotZero(buf.Len())
}

// TestStartStop — фоновые задачи запускаются и останавливаются
func (s *ServiceSuite) TestStartStop() {
	s.Require().NoError(s.svc.Start(context.Background()))
	s.Assert().Eventually(func() bool {
		ids, err := s.svc.Index().Query(context.Background(), "main")
		return err == nil && len(ids) == 1
	}, defaultWait, pollInterval)
}

// TestRestartOnSameRegistry — сервис пересоздаётся на том же реестре метрик
// и видит зафиксированный индекс
func (s *ServiceSuite) TestRestartOnSameRegistry() {
	ctx := context.Background()
	s.Require().NoError(s.svc.Indexer().Run(ctx))
	s.Require().NoError(s.svc.Stop())

	s.svc = s.newService()
	ids, err := s.svc.Index().Query(ctx, "rhein")
	s.Require().NoError(err)
	s.Assert().Equal([]string{"r1"}, ids)
	s.Require().NoError(s.svc.Indexer().Run(ctx))
}
