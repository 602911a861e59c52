package index_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/nikitaxru/mapsheet/index"
)

// IndexSuite — сьют тестов полнотекстового индекса
type IndexSuite struct {
	suite.Suite
	dir string
	reg *prometheus.Registry
	idx *index.Index
}

func TestIndexSuite(t *testing.T) {
	suite.Run(t, new(IndexSuite))
}

func (s *IndexSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.reg = prometheus.NewRegistry()
	s.idx = s.open()
}

func (s *IndexSuite) TearDownTest() {
	if s.idx != nil {
		s.Require().NoError(s.idx.Close())
	}
}

func (s *IndexSuite) open() *index.Index {
	idx, err := index.Open(index.Config{Dir: s.dir, CacheSize: 4, Registerer: s.reg})
	s.Require().NoError(err, "open")
	return idx
}

func (s *IndexSuite) rebuild(docs ...index.Document) {
	ctx := context.Background()
	u, err := s.idx.PrepareUpdate(ctx)
	s.Require().NoError(err)
	for _, d := range docs {
		s.Require().NoError(u.Add(d))
	}
	s.Require().NoError(u.Apply(ctx))
}

func doc(id, layer string, fields ...string) index.Document {
	d := index.Document{ID: id, LayerID: layer, Fields: map[string]string{}}
	for i := 0; i+1 < len(fields); i += 2 {
		d.Fields[fields[i]] = fields[i+1]
	}
	return d
}

// TestEmptyIndex — новый индекс ничего не находит
func (s *IndexSuite) TestEmptyIndex() {
	ids, err := s.idx.Query(context.Background(), "anything")
	s.Require().NoError(err)
	s.Assert().Empty(ids)
}

// TestQuerySyntax — И по термам, поле, префикс, регистр
func (s *IndexSuite) TestQuerySyntax() {
	s.rebuild(
		doc("f.1", "streets", "name", "Hauptstraße", "kind", "Primary Road"),
		doc("f.2", "streets", "name", "Hauptweg", "kind", "footway"),
		doc("f.3", "parks", "name", "Stadtpark", "kind", "park road"),
	)
	ctx := context.Background()
	cases := []struct {
		q    string
		want []string
	}{
		{"road", []string{"f.1", "f.3"}},
		{"ROAD", []string{"f.1", "f.3"}},
		{"primary road", []string{"f.1"}},
		{"haupt*", []string{"f.1", "f.2"}},
		{"name:park", nil},
		{"name:stadtpark", []string{"f.3"}},
		{"kind:park", []string{"f.3"}},
		{"Kind:foot*", []string{"f.2"}},
		{"missing", nil},
		{"   ", nil},
	}
	for _, tc := range cases {
		s.Run(tc.q, func() {
			ids, err := s.idx.Query(ctx, tc.q)
			s.Require().NoError(err)
			if tc.want == nil {
				s.Assert().Empty(ids)
				return
			}
			s.Assert().Equal(tc.want, ids)
		})
	}
}

// TestSearchReturnsDocuments — Search отдаёт сохранённые документы
func (s *IndexSuite) TestSearchReturnsDocuments() {
	s.rebuild(doc("a", "l1", "name", "alpha beta"), doc("b", "l1", "name", "beta"))
	docs, err := s.idx.Search(context.Background(), "beta", 1)
	s.Require().NoError(err)
	s.Require().Len(docs, 1)
	s.Assert().Equal("a", docs[0].ID)
	s.Assert().Equal("l1", docs[0].LayerID)
	s.Assert().Equal("alpha beta", docs[0].Fields["name"])
}

// TestCacheTiedToGeneration — после фиксации кеш не отдаёт старые ответы
func (s *IndexSuite) TestCacheTiedToGeneration() {
	ctx := context.Background()
	s.rebuild(doc("1", "l", "name", "river"))
	ids, _ := s.idx.Query(ctx, "river")
	s.Require().Equal([]string{"1"}, ids)

	s.rebuild(doc("2", "l", "name", "river"))
	ids, _ = s.idx.Query(ctx, "river")
	s.Assert().Equal([]string{"2"}, ids)
}

// TestReopenKeepsCommitted — индекс переживает переоткрытие
func (s *IndexSuite) TestReopenKeepsCommitted() {
	s.rebuild(doc("x", "l", "name", "lake"))
	stats, err := s.idx.Stats()
	s.Require().NoError(err)
	s.Require().NoError(s.idx.Close())

	s.idx = s.open()
	ids, err := s.idx.Query(context.Background(), "lake")
	s.Require().NoError(err)
	s.Assert().Equal([]string{"x"}, ids)

	again, err := s.idx.Stats()
	s.Require().NoError(err)
	s.Assert().Equal(stats.Generation, again.Generation)
	s.Assert().EqualValues(1, again.Documents)
	s.Assert().Positive(s.idx.SizeInBytes())
}

// TestOldGenerationRemoved — каталог прежнего поколения удаляется
func (s *IndexSuite) TestOldGenerationRemoved() {
	before, err := s.idx.Stats()
	s.Require().NoError(err)
	s.rebuild(doc("x", "l", "name", "lake"))

	_, err = os.Stat(filepath.Join(s.dir, before.Generation))
	s.Assert().True(os.IsNotExist(err), "старое поколение должно быть удалено")
}

// TestDiscard — отброшенное обновление не меняет индекс
func (s *IndexSuite) TestDiscard() {
	ctx := context.Background()
	s.rebuild(doc("keep", "l", "name", "forest"))

	u, err := s.idx.PrepareUpdate(ctx)
	s.Require().NoError(err)
	s.Require().NoError(u.Add(doc("new", "l", "name", "forest")))
	s.Require().NoError(u.Discard())
	s.Require().NoError(u.Discard())
	s.Assert().ErrorIs(u.Apply(ctx), index.ErrClosed)

	ids, _ := s.idx.Query(ctx, "forest")
	s.Assert().Equal([]string{"keep"}, ids)
	_, err = os.Stat(filepath.Join(s.dir, u.Generation()))
	s.Assert().True(os.IsNotExist(err))
}

// TestApplyCancelled — отменённый контекст не фиксирует поколение
func (s *IndexSuite) TestApplyCancelled() {
	ctx, cancel := context.WithCancel(context.Background())
	u, err := s.idx.PrepareUpdate(ctx)
	s.Require().NoError(err)
	s.Require().NoError(u.Add(doc("1", "l", "name", "hill")))
	cancel()
	s.Assert().ErrorIs(u.Apply(ctx), context.Canceled)

	ids, _ := s.idx.Query(context.Background(), "hill")
	s.Assert().Empty(ids)
}

// TestInvalidDocumentID — идентификатор обязателен
func (s *IndexSuite) TestInvalidDocumentID() {
	u, err := s.idx.PrepareUpdate(context.Background())
	s.Require().NoError(err)
	defer u.Discard()
	s.Assert().Error(u.Add(index.Document{}))
	s.Assert().Error(u.Add(index.Document{ID: "a\x00b"}))
}

// TestClosed — после Close запросы возвращают ErrClosed
func (s *IndexSuite) TestClosed() {
	s.Require().NoError(s.idx.Close())
	_, err := s.idx.Query(context.Background(), "x")
	s.Assert().ErrorIs(err, index.ErrClosed)
	_, err = s.idx.PrepareUpdate(context.Background())
	s.Assert().ErrorIs(err, index.ErrClosed)
	s.idx = nil
}

// TestConcurrentReadersSeeWholeGenerations — читатели (Query и Search) во
// время фиксаций видят либо старое, либо новое поколение целиком
func (s *IndexSuite) TestConcurrentReadersSeeWholeGenerations() {
	const perGen = 20
	ctx := context.Background()
	build := func(gen int) []index.Document {
		docs := make([]index.Document, perGen)
		for i := range docs {
			docs[i] = doc(fmt.Sprintf("g%d-%02d", gen, i), "l", "name", "tree", "gen", fmt.Sprintf("g%d", gen))
		}
		return docs
	}
	s.rebuild(build(0)...)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(search bool) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ids, err := s.idx.Query(ctx, "tree")
				if search {
					var docs []index.Document
					docs, err = s.idx.Search(ctx, "tree", 0)
					ids = make([]string, 0, len(docs))
					for _, d := range docs {
						ids = append(ids, d.ID)
					}
				}
				if err != nil {
					errs <- err.Error()
					return
				}
				if len(ids) != perGen {
					errs <- fmt.Sprintf("получено %d документов", len(ids))
					return
				}
				prefix := ids[0][:3]
				for _, id := range ids {
					if id[:3] != prefix {
						errs <- "смешаны поколения: " + prefix + " и " + id[:3]
						return
					}
				}
			}
		}(r%2 == 1)
	}
	for gen := 1; gen <= 5; gen++ {
		s.rebuild(build(gen)...)
	}
	close(stop)
	wg.Wait()
	close(errs)
	for e := range errs {
		s.Fail(e)
	}
}

// TestReopenSameRegistry — повторное открытие на том же реестре метрик
// продолжает те же счётчики
func (s *IndexSuite) TestReopenSameRegistry() {
	s.rebuild(doc("x", "l", "name", "lake"))
	s.Require().NoError(s.idx.Close())

	s.idx = s.open()
	s.rebuild(doc("y", "l", "name", "lake"))

	mfs, err := s.reg.Gather()
	s.Require().NoError(err)
	var commits float64
	for _, mf := range mfs {
		if mf.GetName() == "mapsheet_index_commits_total" {
			commits = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	s.Assert().Equal(2.0, commits)
}

// TestCommittedGenerationKeptWhenLocked — занятое поколение не заменяется
// пустым и не удаляется
func (s *IndexSuite) TestCommittedGenerationKeptWhenLocked() {
	s.rebuild(doc("x", "l", "name", "lake"))
	stats, err := s.idx.Stats()
	s.Require().NoError(err)

	second, err := index.Open(index.Config{Dir: s.dir, Registerer: s.reg})
	s.Require().Error(err)
	s.Assert().Nil(second)
	var ioe *index.IOError
	s.Assert().ErrorAs(err, &ioe)

	current, err := os.ReadFile(filepath.Join(s.dir, "CURRENT"))
	s.Require().NoError(err)
	s.Assert().Equal(stats.Generation, strings.TrimSpace(string(current)))
	_, err = os.Stat(filepath.Join(s.dir, stats.Generation))
	s.Assert().NoError(err)

	ids, err := s.idx.Query(context.Background(), "lake")
	s.Require().NoError(err)
	s.Assert().Equal([]string{"x"}, ids)
}
