package filter_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/nikitaxru/mapsheet/feature"
	"github.com/nikitaxru/mapsheet/filter"
)

// BuilderSuite — сьют тестов построения фильтров
type BuilderSuite struct {
	suite.Suite
	layer  feature.Layer
	hits   map[string][]string
	calls  []string
	failed error
}

func TestBuilderSuite(t *testing.T) {
	suite.Run(t, new(BuilderSuite))
}

func (s *BuilderSuite) SetupTest() {
	s.layer = feature.Layer{ID: "1", CRS: "EPSG:25833"}
	s.hits = map[string][]string{"park": {"f.2", "f.1"}}
	s.calls = nil
	s.failed = nil
}

func (s *BuilderSuite) querier() filter.Querier {
	return filter.QuerierFunc(func(_ context.Context, text string) ([]string, error) {
		s.calls = append(s.calls, text)
		if s.failed != nil {
			return nil, s.failed
		}
		return s.hits[text], nil
	})
}

func reprojectTo(shift float64) feature.Reprojector {
	return feature.ReprojectorFunc(func(_ context.Context, e feature.Envelope, crs string) (feature.Envelope, error) {
		return feature.Envelope{MinX: e.MinX + shift, MinY: e.MinY + shift, MaxX: e.MaxX + shift, MaxY: e.MaxY + shift, CRS: crs}, nil
	})
}

var failingReprojector = feature.ReprojectorFunc(func(context.Context, feature.Envelope, string) (feature.Envelope, error) {
	return feature.Envelope{}, errors.New("нет параметров преобразования")
})

// TestNoRestrictions — без охвата и запроса фильтр пропускает всё
func (s *BuilderSuite) TestNoRestrictions() {
	b := filter.NewBuilder(s.querier(), nil)
	for _, q := range []string{"", "   ", "\t\n"} {
		f, err := b.Build(context.Background(), s.layer, nil, q)
		s.Require().NoError(err)
		s.Assert().Equal(filter.Include, f)
	}
	s.Assert().Empty(s.calls, "пустой запрос не доходит до индекса")
}

// TestZeroHitsExclude — запрос без совпадений исключает все объекты
func (s *BuilderSuite) TestZeroHitsExclude() {
	b := filter.NewBuilder(s.querier(), nil)
	extent := &feature.Envelope{MaxX: 10, MaxY: 10, CRS: "EPSG:25833"}
	f, err := b.Build(context.Background(), s.layer, extent, "nothing")
	s.Require().NoError(err)
	s.Assert().Equal(filter.Exclude, f)
}

// TestHitsAndExtent — совпадения и охват в системе слоя
func (s *BuilderSuite) TestHitsAndExtent() {
	b := filter.NewBuilder(s.querier(), reprojectTo(100))
	extent := &feature.Envelope{MaxX: 10, MaxY: 10, CRS: "EPSG:4326"}
	f, err := b.Build(context.Background(), s.layer, extent, "park")
	s.Require().NoError(err)

	and, ok := f.(filter.AndFilter)
	s.Require().True(ok, "ожидался AndFilter, получено %T", f)
	s.Require().Len(and, 2)
	bbox := and[0].(filter.BBox)
	s.Assert().Equal(feature.Envelope{MinX: 100, MinY: 100, MaxX: 110, MaxY: 110, CRS: "EPSG:25833"}, bbox.Envelope)
	s.Assert().Equal([]string{"f.1", "f.2"}, and[1].(filter.IDs).Sorted())

	inside := feature.Feature{ID: "f.1", Bounds: feature.Envelope{MinX: 105, MinY: 105, MaxX: 106, MaxY: 106}}
	outside := feature.Feature{ID: "f.2", Bounds: feature.Envelope{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}}
	other := feature.Feature{ID: "f.3", Bounds: inside.Bounds}
	s.Assert().True(f.Matches(inside))
	s.Assert().False(f.Matches(outside))
	s.Assert().False(f.Matches(other))
}

// TestReprojectionFailureSoft — по умолчанию охват игнорируется
func (s *BuilderSuite) TestReprojectionFailureSoft() {
	b := filter.NewBuilder(s.querier(), failingReprojector)
	f, err := b.Build(context.Background(), s.layer, &feature.Envelope{CRS: "EPSG:4326"}, "")
	s.Require().NoError(err)
	s.Assert().Equal(filter.Include, f)
}

// TestReprojectionFailureStrict — в строгом режиме слой пуст
func (s *BuilderSuite) TestReprojectionFailureStrict() {
	b := filter.NewBuilder(s.querier(), failingReprojector, filter.StrictReprojection())
	f, err := b.Build(context.Background(), s.layer, &feature.Envelope{CRS: "EPSG:4326"}, "park")
	s.Require().NoError(err)
	s.Assert().Equal(filter.Exclude, f)
}

// TestQuerierError — ошибка индекса возвращается вызывающему
func (s *BuilderSuite) TestQuerierError() {
	s.failed = errors.New("индекс закрыт")
	b := filter.NewBuilder(s.querier(), nil)
	_, err := b.Build(context.Background(), s.layer, nil, "park")
	s.Assert().ErrorIs(err, s.failed)
}

// TestSessionQuery — изменения запроса сессии оповещают подписчиков
func (s *BuilderSuite) TestSessionQuery() {
	q := filter.NewQuery(filter.NewBuilder(s.querier(), nil))
	var changes []filter.Change
	unsubscribe := q.Subscribe(func(c filter.Change) { changes = append(changes, c) })

	q.SetText("park")
	q.SetText("park")
	q.SetExtent(&feature.Envelope{MaxX: 1, MaxY: 1})
	q.SetExtent(&feature.Envelope{MaxX: 1, MaxY: 1})
	s.Assert().Equal([]filter.Change{filter.TextChanged, filter.ExtentChanged}, changes)

	f, err := q.Build(context.Background(), s.layer)
	s.Require().NoError(err)
	s.Assert().Equal("(BBOX(0 0, 1 1; EPSG:25833) AND IN(f.1, f.2))", f.String())

	unsubscribe()
	q.SetExtent(nil)
	s.Assert().Len(changes, 2)
	s.Assert().Nil(q.Extent())
}

func TestAndSimplifies(t *testing.T) {
	ids := filter.NewIDs("a")
	cases := []struct {
		name string
		in   []filter.Filter
		want string
	}{
		{"empty", nil, "INCLUDE"},
		{"include only", []filter.Filter{filter.Include, filter.Include}, "INCLUDE"},
		{"exclude wins", []filter.Filter{ids, filter.Exclude}, "EXCLUDE"},
		{"single", []filter.Filter{filter.Include, ids}, "IN(a)"},
		{"flatten", []filter.Filter{filter.And(ids, filter.NewIDs("b")), filter.NewIDs("c")}, "(IN(a) AND IN(b) AND IN(c))"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := filter.And(tc.in...).String(); got != tc.want {
				t.Fatalf("And => %s, want %s", got, tc.want)
			}
		})
	}
}
