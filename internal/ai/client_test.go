package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/digimosa/shop-patrol/internal/allowlist"
	"github.com/digimosa/shop-patrol/internal/credentials"
	"github.com/digimosa/shop-patrol/internal/detectors"
	"github.com/digimosa/shop-patrol/internal/models"
)

func newTestClient(t *testing.T, url string, keys []string, retryLimit int, mutate func(*Options)) *Client {
	t.Helper()
	pool, err := credentials.New(keys)
	require.NoError(t, err)
	opts := Options{
		Endpoint:    url,
		Pool:        pool,
		RetryLimit:  retryLimit,
		Timeout:     2 * time.Second,
		BackoffBase: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := NewClient(opts)
	require.NoError(t, err)
	return c
}

func TestClassify_ParsesJapaneseLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AnalyzeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "key-a", req.APIKey)
		assert.Equal(t, "https://img.example/1.jpg", req.ImageURL)
		_, _ = w.Write([]byte("```json\n{\"risk_level\":\"高\",\"is_critical\":false,\"reason\":\"薬機法に抵触の恐れ\"}\n```"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"key-a"}, 3, nil)
	a := c.Classify(context.Background(), models.ProductRecord{Name: "育毛 サプリ", ImageURL: "https://img.example/1.jpg"})

	assert.Equal(t, models.RiskHigh, a.Level)
	assert.False(t, a.IsCritical)
	assert.Equal(t, "薬機法に抵触の恐れ", a.Reason)
	assert.Equal(t, "高", a.RawLabel)
}

func TestClassify_CriticalFlagPromotesLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"riskLevel":"medium","isCritical":true,"reason":"weapon"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k"}, 0, nil)
	a := c.Classify(context.Background(), models.ProductRecord{Name: "toy"})
	assert.Equal(t, models.RiskCritical, a.Level)
	assert.True(t, a.IsCritical)
}

func TestClassify_RateLimitExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"quota"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k1", "k2"}, 3, nil)
	a := c.Classify(context.Background(), models.ProductRecord{Name: "anything"})

	assert.Equal(t, int32(4), hits.Load())
	assert.Equal(t, models.RiskError, a.Level)
	assert.False(t, a.IsCritical)
	assert.Contains(t, a.Reason, "429")
}

func TestClassify_RecoversAfterServerError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Inc() == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"risk_level":"低","reason":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k"}, 3, nil)
	a := c.Classify(context.Background(), models.ProductRecord{Name: "chair"})
	assert.Equal(t, models.RiskLow, a.Level)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClassify_TimeoutIsRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Inc() == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
			}
			return
		}
		_, _ = w.Write([]byte(`{"risk_level":"高","reason":"brand"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k"}, 3, func(o *Options) { o.Timeout = 100 * time.Millisecond })
	a := c.Classify(context.Background(), models.ProductRecord{Name: "bag"})
	assert.Equal(t, models.RiskHigh, a.Level)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClassify_TimeoutOnEveryAttemptIsError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k1", "k2"}, 2, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	a := c.Classify(context.Background(), models.ProductRecord{Name: "bag"})
	assert.Equal(t, models.RiskError, a.Level)
	assert.Contains(t, a.Reason, "timeout")
	assert.Equal(t, int32(3), hits.Load())
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "短い", truncate("短い", 5))
	assert.Equal(t, "薬機法... (truncated)", truncate("薬機法に抵触", 3))
}

func TestClassify_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"risk_level":"エラー","reason":"API key not valid"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k"}, 3, nil)
	a := c.Classify(context.Background(), models.ProductRecord{Name: "chair"})
	assert.Equal(t, models.RiskError, a.Level)
	assert.Equal(t, "API:400 API key not valid", a.Reason)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClassify_RotatesCredentialsAcrossRetries(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AnalyzeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seen = append(seen, req.APIKey)
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"a", "b", "c"}, 2, nil)
	_ = c.Classify(context.Background(), models.ProductRecord{Name: "x"})

	require.Len(t, seen, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestClassify_UnparseableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("I cannot help with that."))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k"}, 1, nil)
	a := c.Classify(context.Background(), models.ProductRecord{Name: "x"})
	assert.Equal(t, models.RiskError, a.Level)
	assert.Contains(t, a.Reason, "parse failure")
}

func TestClassify_ScreeningOverridesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ds, err := detectors.Defaults(nil, nil)
	require.NoError(t, err)
	c := newTestClient(t, srv.URL, []string{"k"}, 0, func(o *Options) { o.Detectors = ds })

	a := c.Classify(context.Background(), models.ProductRecord{Name: "ハーブ 美容液 お試し"})
	assert.Equal(t, models.RiskCritical, a.Level)
	assert.True(t, a.IsCritical)
	assert.Contains(t, a.Reason, "美容液")
	assert.Contains(t, a.Reason, "AI: Error")
}

func TestClassify_AllowlistSkipsOracle(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
	}))
	defer srv.Close()

	al, err := allowlist.New("")
	require.NoError(t, err)
	require.NoError(t, al.Add("shop:42"))
	c := newTestClient(t, srv.URL, []string{"k"}, 0, func(o *Options) { o.Allowlist = al })

	a := c.Classify(context.Background(), models.ProductRecord{Name: "x", SourceItemID: "shop:42"})
	assert.Equal(t, models.RiskNone, a.Level)
	assert.Zero(t, hits.Load())
}

func TestClassify_CancelledContextStopsRetrying(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Inc()
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"k"}, 5, func(o *Options) { o.BackoffBase = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	a := c.Classify(ctx, models.ProductRecord{Name: "x"})
	assert.Equal(t, models.RiskError, a.Level)
	assert.Equal(t, int32(1), hits.Load())
}

func TestTestCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AnalyzeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.IsTest {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.APIKey == "bad" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"API key not valid"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, []string{"good", "bad"}, 0, nil)
	assert.NoError(t, c.TestCredential(context.Background(), "good"))

	err := c.TestCredential(context.Background(), "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	failures := c.TestPool(context.Background())
	require.Len(t, failures, 1)
	assert.Contains(t, failures, 1)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)

	_, err = NewClient(Options{Endpoint: "http://x"})
	assert.ErrorIs(t, err, credentials.ErrEmptyPool)
}

func TestBackoffGrowsExponentially(t *testing.T) {
	c := newTestClient(t, "http://x", []string{"k"}, 0, func(o *Options) { o.BackoffBase = 100 * time.Millisecond })
	for attempt := 0; attempt < 4; attempt++ {
		d := c.backoff(attempt)
		lo := 100 * time.Millisecond * time.Duration(1<<uint(attempt))
		assert.GreaterOrEqual(t, d, lo)
		assert.Less(t, d, lo+100*time.Millisecond)
	}
}
