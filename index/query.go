package index

import (
	"bytes"
	"context"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Ключи поколения:
//
//	d/<id>                         — документ в JSON
//	p/<field>\x00<term>\x00<id>    — постинг; field == "" — любое поле
const (
	docPrefix     = "d/"
	postingPrefix = "p/"
	sep           = "\x00"
)

func docKey(id string) []byte { return []byte(docPrefix + id) }

func postingKey(field, term, id string) []byte {
	return []byte(postingPrefix + field + sep + term + sep + id)
}

func postingScan(field, term string, prefix bool) []byte {
	k := postingPrefix + field + sep + term
	if !prefix {
		k += sep
	}
	return []byte(k)
}

// term — одно условие запроса.
type term struct {
	field  string
	text   string
	prefix bool
}

// parseQuery разбирает подмножество синтаксиса Lucene: термы через пробел
// объединяются по И, field:term ограничивает поле, завершающая * — поиск
// по префиксу. Термы анализируются так же, как документы.
func parseQuery(q string) []term {
	var terms []term
	for _, raw := range strings.Fields(q) {
		field, body := "", raw
		if i := strings.IndexByte(raw, ':'); i > 0 && i < len(raw)-1 {
			field, body = fieldName(raw[:i]), raw[i+1:]
		}
		prefix := strings.HasSuffix(body, "*")
		tokens := Analyze(strings.TrimRight(body, "*"))
		for i, t := range tokens {
			terms = append(terms, term{field: field, text: t, prefix: prefix && i == len(tokens)-1})
		}
	}
	return terms
}

// execute пересекает постинги всех термов; результат отсортирован.
func execute(ctx context.Context, db *badger.DB, terms []term) ([]string, error) {
	if len(terms) == 0 {
		return []string{}, nil
	}
	var result map[string]struct{}
	err := db.View(func(txn *badger.Txn) error {
		for _, t := range terms {
			if err := ctx.Err(); err != nil {
				return err
			}
			ids := map[string]struct{}{}
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = postingScan(t.field, t.text, t.prefix)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().Key()
				id := string(key[bytes.LastIndexByte(key, 0)+1:])
				if result != nil {
					if _, ok := result[id]; !ok {
						continue
					}
				}
				ids[id] = struct{}{}
			}
			it.Close()
			result = ids
			if len(result) == 0 {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
