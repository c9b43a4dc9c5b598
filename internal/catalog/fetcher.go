// Package catalog pages through a shop's listing on the catalog API and
// normalizes every known response shape into models.ProductRecord.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/metrics"
	"github.com/digimosa/shop-patrol/internal/models"
)

const maxBodyBytes = 8 << 20

// Page is one normalized catalog page. An empty Products slice means the
// listing is exhausted.
type Page struct {
	Products   []models.ProductRecord
	Skipped    int // listed items dropped for lack of a name
	TotalCount int
	PageCount  int
}

// FetchError reports a failed page request.
type FetchError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("catalog: status %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("catalog: status %d", e.StatusCode)
	case e.Err != nil:
		return "catalog: " + e.Err.Error()
	default:
		return "catalog: " + e.Message
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Options configures a Fetcher.
type Options struct {
	Endpoint      string
	AuthToken     string
	PageSize      int
	RatePerSecond float64
	Burst         int
	HTTPClient    *http.Client
	Logger        logger.Logger
}

// Fetcher requests catalog pages, paced by a token bucket.
type Fetcher struct {
	endpoint string
	token    string
	pageSize int
	http     *http.Client
	limiter  *rate.Limiter
	log      logger.Logger
}

// NewFetcher builds a Fetcher.
func NewFetcher(opts Options) (*Fetcher, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("catalog endpoint is required")
	}
	if strings.TrimSpace(opts.AuthToken) == "" {
		return nil, errors.New("catalog auth token is required")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 30
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}

	return &Fetcher{
		endpoint: opts.Endpoint,
		token:    strings.TrimSpace(opts.AuthToken),
		pageSize: opts.PageSize,
		http:     opts.HTTPClient,
		limiter:  rate.NewLimiter(limit, burst),
		log:      opts.Logger,
	}, nil
}

// PageSize is the number of hits requested per page.
func (f *Fetcher) PageSize() int {
	return f.pageSize
}

// FetchPage retrieves the given 1-based page of target's listing.
func (f *Fetcher) FetchPage(ctx context.Context, target string, page int) (Page, error) {
	if page < 1 {
		return Page{}, &FetchError{Message: fmt.Sprintf("invalid page %d", page)}
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return Page{}, &FetchError{Err: err}
	}

	q := url.Values{}
	q.Set("applicationId", f.token)
	q.Set("shopCode", ShopCode(target))
	q.Set("page", strconv.Itoa(page))
	q.Set("hits", strconv.Itoa(f.pageSize))
	q.Set("format", "json")

	sep := "?"
	if strings.Contains(f.endpoint, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+sep+q.Encode(), nil)
	if err != nil {
		return Page{}, &FetchError{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		metrics.CatalogPages.WithLabelValues("error").Inc()
		return Page{}, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.CatalogPages.WithLabelValues("error").Inc()
		return Page{}, &FetchError{StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.CatalogPages.WithLabelValues("error").Inc()
		return Page{}, &FetchError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	p, err := Normalize(body)
	if err != nil {
		metrics.CatalogPages.WithLabelValues("error").Inc()
		return Page{}, err
	}

	if len(p.Products) == 0 {
		metrics.CatalogPages.WithLabelValues("empty").Inc()
	} else {
		metrics.CatalogPages.WithLabelValues("ok").Inc()
	}
	f.log.Debugf(ctx, "[Catalog] %s page %d: %d products (total %d)", target, page, len(p.Products), p.TotalCount)
	return p, nil
}

// ShopCode extracts the shop identifier from a storefront URL. Anything that
// is not a catalog storefront URL is treated as the code itself.
func ShopCode(target string) string {
	target = strings.TrimSpace(target)
	if !strings.Contains(target, "rakuten.co.jp") {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" && part != "gold" {
			return part
		}
	}
	return target
}
