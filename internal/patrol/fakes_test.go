package patrol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/digimosa/shop-patrol/internal/catalog"
	"github.com/digimosa/shop-patrol/internal/config"
	"github.com/digimosa/shop-patrol/internal/models"
	"github.com/digimosa/shop-patrol/internal/storage"
)

// fakeCatalog serves fixed product lists page by page.
type fakeCatalog struct {
	mu       sync.Mutex
	pageSize int
	shops    map[string][]models.ProductRecord
	fail     map[string]bool // "target#page" or "target#*"
	fetches  map[string]int
	onFetch  func(target string, page int)
	hideTot  bool
}

func newFakeCatalog(pageSize int) *fakeCatalog {
	return &fakeCatalog{
		pageSize: pageSize,
		shops:    make(map[string][]models.ProductRecord),
		fail:     make(map[string]bool),
		fetches:  make(map[string]int),
	}
}

// addShop registers n products; names starting with "risky" are judged HIGH
// by riskByName.
func (c *fakeCatalog) addShop(target string, n int, risky func(i int) bool) {
	products := make([]models.ProductRecord, n)
	for i := range products {
		name := fmt.Sprintf("item %d", i)
		if risky != nil && risky(i) {
			name = fmt.Sprintf("risky item %d", i)
		}
		products[i] = models.ProductRecord{
			Name:         name,
			CanonicalURL: fmt.Sprintf("https://item.example/%s/%d", target, i),
			SourceItemID: fmt.Sprintf("%s:%d", target, i),
		}
	}
	c.mu.Lock()
	c.shops[target] = products
	c.mu.Unlock()
}

// repeat makes position to serve the same product as position from.
func (c *fakeCatalog) repeat(target string, from, to int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shops[target][to] = c.shops[target][from]
}

func (c *fakeCatalog) setFail(key string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail[key] = on
}

func (c *fakeCatalog) fetchCount(target string, page int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches[fmt.Sprintf("%s#%d", target, page)]
}

func (c *fakeCatalog) targetFetches(target string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, v := range c.fetches {
		if strings.HasPrefix(k, target+"#") {
			n += v
		}
	}
	return n
}

func (c *fakeCatalog) FetchPage(ctx context.Context, target string, page int) (catalog.Page, error) {
	c.mu.Lock()
	key := fmt.Sprintf("%s#%d", target, page)
	c.fetches[key]++
	failing := c.fail[key] || c.fail[target+"#*"]
	products, ok := c.shops[target]
	hook := c.onFetch
	c.mu.Unlock()

	if hook != nil {
		hook(target, page)
	}
	if failing || !ok {
		return catalog.Page{}, &catalog.FetchError{StatusCode: 503, Message: "unavailable"}
	}

	total := len(products)
	out := catalog.Page{TotalCount: total, PageCount: (total + c.pageSize - 1) / c.pageSize}
	if c.hideTot {
		out.TotalCount = 0
	}
	start := (page - 1) * c.pageSize
	if start >= total {
		return out, nil
	}
	end := start + c.pageSize
	if end > total {
		end = total
	}
	out.Products = append([]models.ProductRecord(nil), products[start:end]...)
	return out, nil
}

// fakeClassifier judges by name and records concurrency.
type fakeClassifier struct {
	delay    time.Duration
	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
	failing  atomic.Bool
	onCall   func(n int64)
}

func (f *fakeClassifier) Classify(ctx context.Context, p models.ProductRecord) models.RiskAssessment {
	n := f.calls.Inc()
	cur := f.inflight.Inc()
	defer f.inflight.Dec()
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CAS(peak, cur) {
			break
		}
	}
	if f.onCall != nil {
		f.onCall(n)
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if ctx.Err() != nil {
		return models.Failed("cancelled")
	}
	if f.failing.Load() {
		return models.Failed("API混雑/エラー: API:429 quota")
	}
	if strings.HasPrefix(p.Name, "risky") {
		return models.RiskAssessment{Level: models.RiskHigh, Reason: "risky wording"}
	}
	return models.RiskAssessment{Level: models.RiskNone, Reason: "ok"}
}

func testSession() config.SessionConfig {
	return config.SessionConfig{
		Credentials:      []string{"k1", "k2", "k3", "k4"},
		CatalogAuthToken: "app-id",
		BatchSizeCap:     10,
		CredentialFanout: 4,
		RetryLimit:       3,
		RequestTimeoutMs: 1000,
		BackoffBaseMs:    1,
	}
}

func testSettings() Settings {
	return Settings{
		Session:                testSession(),
		MaxPages:               20,
		CheckpointEvery:        1,
		MaxConsecutiveFailures: 3,
		PersistAllItems:        true,
	}
}

func testDeps(cat PageFetcher, cls Classifier, store storage.Gateway) Deps {
	return Deps{Classifier: cls, Catalog: cat, Store: store, PoolSize: 4}
}

// failingStore rejects every write; runs must carry on regardless.
type failingStore struct {
	storage.Gateway
}

var errStoreDown = errors.New("store down")

func (failingStore) Create(ctx context.Context, run *models.PatrolRun) (string, error) {
	return "", errStoreDown
}

func (failingStore) Update(ctx context.Context, id string, patch storage.Patch) error {
	return errStoreDown
}

func itemKeys(items []models.ScannedItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.Key()]++
	}
	return out
}
