package market

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

// indexEntry orders one book entry by rate, then by insertion sequence.
type indexEntry struct {
	rate decimal.Decimal
	seq  uint64
	id   string
}

// orderIndex keeps order ids sorted by rate with a stable tie-break on
// insertion order. Offers use it ascending, bids descending.
type orderIndex struct {
	tree    *btree.BTreeG[indexEntry]
	entries map[string]indexEntry
	rateSum decimal.Decimal
}

func newOrderIndex(descending bool) *orderIndex {
	less := func(a, b indexEntry) bool {
		if c := a.rate.Cmp(b.rate); c != 0 {
			if descending {
				return c > 0
			}
			return c < 0
		}
		return a.seq < b.seq
	}
	return &orderIndex{
		tree:    btree.NewG[indexEntry](16, less),
		entries: make(map[string]indexEntry),
	}
}

func (x *orderIndex) insert(id string, rate decimal.Decimal, seq uint64) {
	e := indexEntry{rate: rate, seq: seq, id: id}
	x.tree.ReplaceOrInsert(e)
	x.entries[id] = e
	x.rateSum = x.rateSum.Add(rate)
}

func (x *orderIndex) remove(id string) {
	e, ok := x.entries[id]
	if !ok {
		return
	}
	x.tree.Delete(e)
	delete(x.entries, id)
	x.rateSum = x.rateSum.Sub(e.rate)
}

func (x *orderIndex) len() int { return x.tree.Len() }

// ids returns all ids in index order.
func (x *orderIndex) ids() []string {
	out := make([]string, 0, x.tree.Len())
	x.tree.Ascend(func(e indexEntry) bool {
		out = append(out, e.id)
		return true
	})
	return out
}

// reverseIDs returns all ids in reverse index order, ties still in
// insertion order.
func (x *orderIndex) reverseIDs() []string {
	ids := x.ids()
	out := make([]string, 0, len(ids))
	for i := 0; i < len(ids); {
		j := i
		for j < len(ids) && x.entries[ids[j]].rate.Equal(x.entries[ids[i]].rate) {
			j++
		}
		out = append(ids[i:j:j], out...)
		i = j
	}
	return out
}

// firstRate returns the rate at the head of the index.
func (x *orderIndex) firstRate() (decimal.Decimal, bool) {
	e, ok := x.tree.Min()
	return e.rate, ok
}

// lastRate returns the rate at the tail of the index.
func (x *orderIndex) lastRate() (decimal.Decimal, bool) {
	e, ok := x.tree.Max()
	return e.rate, ok
}

// idsAtFirstRate returns every id sharing the head rate, in insertion order.
func (x *orderIndex) idsAtFirstRate() []string {
	head, ok := x.tree.Min()
	if !ok {
		return nil
	}
	var out []string
	x.tree.Ascend(func(e indexEntry) bool {
		if !e.rate.Equal(head.rate) {
			return false
		}
		out = append(out, e.id)
		return true
	})
	return out
}

func (x *orderIndex) avgRate() decimal.Decimal {
	if x.len() == 0 {
		return decimal.Zero
	}
	return x.rateSum.Div(decimal.NewFromInt(int64(x.len())))
}

func (x *orderIndex) clear() {
	x.tree.Clear(false)
	x.entries = make(map[string]indexEntry)
	x.rateSum = decimal.Zero
}
