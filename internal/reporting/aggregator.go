package reporting

import (
	"sync"

	"github.com/digimosa/shop-patrol/internal/models"
)

// Aggregator accumulates the scanned items of one run in arrival order.
// The patrol loop is its only writer; readers get copies.
type Aggregator struct {
	mu    sync.Mutex
	items []models.ScannedItem
	keys  map[string]bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		items: make([]models.ScannedItem, 0),
		keys:  make(map[string]bool),
	}
}

// Append adds items at the end, assigning their sequence numbers.
func (a *Aggregator) Append(items ...models.ScannedItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, it := range items {
		a.add(it)
	}
}

// AppendUnique is Append that skips items whose Key is already held, the
// same union the session store applies. It returns how many were skipped.
func (a *Aggregator) AppendUnique(items ...models.ScannedItem) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	skipped := 0
	for _, it := range items {
		if a.keys[it.Key()] {
			skipped++
			continue
		}
		a.add(it)
	}
	return skipped
}

func (a *Aggregator) add(it models.ScannedItem) {
	it.Seq = len(a.items)
	a.items = append(a.items, it)
	a.keys[it.Key()] = true
}

// Replace overwrites the ERROR item at index i. It reports false when the
// index is out of range or the slot holds a real judgment.
func (a *Aggregator) Replace(i int, item models.ScannedItem) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.items) || a.items[i].Level != models.RiskError {
		return false
	}
	item.Seq = i
	a.items[i] = item
	return true
}

// Items returns a copy of the accumulated items.
func (a *Aggregator) Items() []models.ScannedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.ScannedItem, len(a.items))
	copy(out, a.items)
	return out
}

// Get returns the item at index i.
func (a *Aggregator) Get(i int) (models.ScannedItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i < 0 || i >= len(a.items) {
		return models.ScannedItem{}, false
	}
	return a.items[i], true
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Summary recomputes the counts over every accumulated item.
func (a *Aggregator) Summary() models.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Summarize(a.items)
}

// RiskBearing returns the items above NONE/LOW, in order.
func (a *Aggregator) RiskBearing() []models.ScannedItem {
	return Filter(a.Items(), true)
}

// FailedIndexes lists the positions of ERROR items.
func (a *Aggregator) FailedIndexes() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idx []int
	for i, it := range a.items {
		if it.Level == models.RiskError {
			idx = append(idx, i)
		}
	}
	return idx
}

// Reset replaces the whole set, e.g. when a run is reloaded from the store.
func (a *Aggregator) Reset(items []models.ScannedItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = make([]models.ScannedItem, len(items))
	a.keys = make(map[string]bool, len(items))
	copy(a.items, items)
	for i := range a.items {
		a.items[i].Seq = i
		a.keys[a.items[i].Key()] = true
	}
}

// Summarize counts items: Total, HIGH or CRITICAL, and CRITICAL.
func Summarize(items []models.ScannedItem) models.Summary {
	var s models.Summary
	for _, it := range items {
		s.Add(it.Level)
	}
	return s
}

// Filter returns items unchanged, or only the risk-bearing ones. The input
// slice is never modified.
func Filter(items []models.ScannedItem, riskOnly bool) []models.ScannedItem {
	if !riskOnly {
		return items
	}
	out := make([]models.ScannedItem, 0, len(items))
	for _, it := range items {
		if it.Level.IsRiskBearing() {
			out = append(out, it)
		}
	}
	return out
}
