package store

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// trendEntry orders instruments by absolute percentage move, largest first.
type trendEntry struct {
	move decimal.Decimal
	id   string
}

func trendLess(a, b trendEntry) bool {
	if c := a.move.Cmp(b.move); c != 0 {
		return c > 0
	}
	return a.id < b.id
}

// trendIndex keeps instruments sorted for trending queries so a price update
// costs O(log n) instead of a full sort per read.
type trendIndex struct {
	tree *btree.BTreeG[trendEntry]
	keys map[string]trendEntry
}

func newTrendIndex() *trendIndex {
	return &trendIndex{
		tree: btree.NewG[trendEntry](16, trendLess),
		keys: make(map[string]trendEntry),
	}
}

func (t *trendIndex) set(id string, pct decimal.Decimal) {
	if old, ok := t.keys[id]; ok {
		t.tree.Delete(old)
	}
	e := trendEntry{move: pct.Abs(), id: id}
	t.keys[id] = e
	t.tree.ReplaceOrInsert(e)
}

// top returns up to n instrument ids, largest move first.
func (t *trendIndex) top(n int) []string {
	if n <= 0 {
		return nil
	}
	ids := make([]string, 0, min(n, t.tree.Len()))
	t.tree.Ascend(func(e trendEntry) bool {
		ids = append(ids, e.id)
		return len(ids) < n
	})
	return ids
}
