package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/digimosa/shop-patrol/internal/allowlist"
	"github.com/digimosa/shop-patrol/internal/credentials"
	"github.com/digimosa/shop-patrol/internal/detectors"
	"github.com/digimosa/shop-patrol/internal/logger"
	"github.com/digimosa/shop-patrol/internal/metrics"
	"github.com/digimosa/shop-patrol/internal/models"
)

const maxResponseBytes = 1 << 20

// AnalyzeRequest is the body POSTed to the classification oracle.
type AnalyzeRequest struct {
	ProductName string `json:"productName"`
	ImageURL    string `json:"imageUrl,omitempty"`
	APIKey      string `json:"apiKey"`
	IsTest      bool   `json:"isTest,omitempty"`
}

// analyzeResponse accepts both snake_case and camelCase payloads.
type analyzeResponse struct {
	RiskLevel      string `json:"risk_level"`
	RiskLevelCamel string `json:"riskLevel"`
	IsCritical     *bool  `json:"is_critical"`
	IsCriticalAlt  *bool  `json:"isCritical"`
	Reason         string `json:"reason"`
	Error          string `json:"error"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// Options configures a Client.
type Options struct {
	Endpoint    string
	Pool        *credentials.Pool
	RetryLimit  int
	Timeout     time.Duration
	BackoffBase time.Duration
	HTTPClient  *http.Client
	Detectors   []detectors.Detector
	Allowlist   *allowlist.Allowlist
	Logger      logger.Logger
}

// Client classifies products against the risk oracle. It is stateless
// across calls; the retry attempt is threaded explicitly.
type Client struct {
	endpoint    string
	pool        *credentials.Pool
	retryLimit  int
	timeout     time.Duration
	backoffBase time.Duration
	http        *http.Client
	detectors   []detectors.Detector
	allow       *allowlist.Allowlist
	log         logger.Logger

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

// NewClient validates opts and builds a Client.
func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("classifier endpoint is required")
	}
	if opts.Pool == nil || opts.Pool.Size() == 0 {
		return nil, credentials.ErrEmptyPool
	}
	if opts.RetryLimit < 0 {
		opts.RetryLimit = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.HTTPClient == nil {
		// Per-call deadlines come from the context, not the client.
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	return &Client{
		endpoint:    opts.Endpoint,
		pool:        opts.Pool,
		retryLimit:  opts.RetryLimit,
		timeout:     opts.Timeout,
		backoffBase: opts.BackoffBase,
		http:        opts.HTTPClient,
		detectors:   opts.Detectors,
		allow:       opts.Allowlist,
		log:         opts.Logger,
		jitter:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Classify is ClassifyFrom with attempt 0.
func (c *Client) Classify(ctx context.Context, p models.ProductRecord) models.RiskAssessment {
	return c.ClassifyFrom(ctx, p, 0)
}

// ClassifyFrom classifies one product starting at the given attempt. It
// always returns a well-formed assessment; failures degrade to ERROR.
func (c *Client) ClassifyFrom(ctx context.Context, p models.ProductRecord, attempt int) models.RiskAssessment {
	if c.allow.Covers(p) {
		metrics.Classifications.WithLabelValues("allowlisted").Inc()
		return models.RiskAssessment{Level: models.RiskNone, Reason: "allowlisted"}
	}

	a := c.classifyRemote(ctx, p, attempt)

	if hit, ok := detectors.Screen(p.Name, c.detectors); ok {
		metrics.Classifications.WithLabelValues("screened").Inc()
		return screened(a, hit)
	}
	if a.Level == models.RiskError {
		metrics.Classifications.WithLabelValues("error").Inc()
	} else {
		metrics.Classifications.WithLabelValues("ok").Inc()
	}
	return a.Normalize()
}

// screened forces a detector hit to CRITICAL regardless of what the oracle
// said, keeping the oracle's reason for context.
func screened(a models.RiskAssessment, hit detectors.Match) models.RiskAssessment {
	suffix := a.Reason
	if a.Level == models.RiskError {
		suffix = "Error"
	}
	out := models.RiskAssessment{
		Level:      models.RiskCritical,
		IsCritical: true,
		Reason:     fmt.Sprintf("%s (AI: %s)", hit.Reason(), suffix),
		RawLabel:   a.RawLabel,
	}
	return out.Normalize()
}

func (c *Client) classifyRemote(ctx context.Context, p models.ProductRecord, attempt int) models.RiskAssessment {
	cursor := c.pool.Cursor()
	for {
		a, retry := c.send(ctx, p, cursor.Select(attempt))
		if !retry {
			return a
		}
		if attempt >= c.retryLimit {
			c.log.Warnf(ctx, "[AI] giving up on %q after %d attempts: %s", truncate(p.Name, 80), attempt+1, a.Reason)
			return models.Failed("API混雑/エラー: " + a.Reason)
		}
		wait := c.backoff(attempt)
		c.log.Debugf(ctx, "[AI] transient failure for %q (attempt %d): %s, retrying in %s",
			truncate(p.Name, 80), attempt+1, a.Reason, wait)
		if err := sleep(ctx, wait); err != nil {
			return models.Failed(err.Error())
		}
		attempt++
	}
}

// backoff returns base * 2^attempt + U[0, base).
func (c *Client) backoff(attempt int) time.Duration {
	if c.backoffBase <= 0 {
		return 0
	}
	if attempt > 16 {
		attempt = 16
	}
	c.jitterMu.Lock()
	j := time.Duration(c.jitter.Int63n(int64(c.backoffBase)))
	c.jitterMu.Unlock()
	return c.backoffBase*time.Duration(1<<uint(attempt)) + j
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send performs one oracle request. The bool reports whether the failure
// is transient (429, 5xx, timeout, transport error) and worth retrying.
func (c *Client) send(ctx context.Context, p models.ProductRecord, credential string) (models.RiskAssessment, bool) {
	metrics.ClassificationAttempts.Inc()
	metrics.ClassifyInflight.Inc()
	defer metrics.ClassifyInflight.Dec()

	body, err := json.Marshal(AnalyzeRequest{
		ProductName: p.Name,
		ImageURL:    p.ImageURL,
		APIKey:      credential,
	})
	if err != nil {
		return models.Failed(err.Error()), false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, status, err := c.post(callCtx, body)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; another attempt cannot succeed.
			return models.Failed(ctx.Err().Error()), false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Failed("timeout"), true
		}
		return models.Failed(err.Error()), true
	}

	if status == http.StatusTooManyRequests || status >= 500 {
		return models.Failed(fmt.Sprintf("API:%d %s", status, errorMessage(raw))), true
	}
	if status < 200 || status > 299 {
		return models.Failed(fmt.Sprintf("API:%d %s", status, errorMessage(raw))), false
	}

	c.log.Debugf(ctx, "[AI-RESPONSE] %s", truncate(string(raw), 500))
	return parseAssessment(raw), false
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// parseAssessment turns an oracle payload into an assessment. Unparseable
// payloads degrade to ERROR with a diagnostic reason.
func parseAssessment(raw []byte) models.RiskAssessment {
	obj, ok := ExtractJSONObject(string(raw))
	if !ok {
		metrics.Classifications.WithLabelValues("parse_failure").Inc()
		return models.Failed("parse failure")
	}
	var r analyzeResponse
	if err := json.Unmarshal([]byte(obj), &r); err != nil {
		metrics.Classifications.WithLabelValues("parse_failure").Inc()
		return models.Failed("parse failure")
	}

	label := r.RiskLevel
	if label == "" {
		label = r.RiskLevelCamel
	}
	if label == "" {
		metrics.Classifications.WithLabelValues("parse_failure").Inc()
		return models.Failed("parse failure: missing risk level")
	}

	a := models.RiskAssessment{
		Level:    CanonicalLevel(label),
		Reason:   r.Reason,
		RawLabel: label,
	}
	switch {
	case r.IsCritical != nil:
		a.IsCritical = *r.IsCritical
	case r.IsCriticalAlt != nil:
		a.IsCritical = *r.IsCriticalAlt
	}
	if a.Level == models.RiskError && a.Reason == "" {
		a.Reason = fmt.Sprintf("unrecognised risk label %q", label)
	}
	return a.Normalize()
}

func errorMessage(raw []byte) string {
	if obj, ok := ExtractJSONObject(string(raw)); ok {
		var r analyzeResponse
		if json.Unmarshal([]byte(obj), &r) == nil {
			for _, s := range []string{r.Reason, r.Error, r.Message} {
				if s != "" {
					return s
				}
			}
		}
	}
	return truncate(strings.TrimSpace(string(raw)), 120)
}

// TestCredential validates one key with the oracle's test mode.
func (c *Client) TestCredential(ctx context.Context, credential string) error {
	body, err := json.Marshal(AnalyzeRequest{ProductName: "ping", APIKey: credential, IsTest: true})
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, status, err := c.post(callCtx, body)
	if err != nil {
		return fmt.Errorf("oracle unreachable at %s: %w", c.endpoint, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("oracle returned status %d: %s", status, errorMessage(raw))
	}

	var r analyzeResponse
	obj, ok := ExtractJSONObject(string(raw))
	if !ok || json.Unmarshal([]byte(obj), &r) != nil || !strings.EqualFold(r.Status, "OK") {
		return fmt.Errorf("unexpected test response: %s", truncate(string(raw), 120))
	}
	return nil
}

// TestPool checks every credential and returns failures by pool index.
func (c *Client) TestPool(ctx context.Context) map[int]error {
	failures := make(map[int]error)
	for i, cred := range c.pool.All() {
		if err := c.TestCredential(ctx, cred); err != nil {
			failures[i] = err
		}
	}
	return failures
}

func truncate(s string, n int) string {
	cut := models.TruncateRunes(s, n)
	if len(cut) == len(s) {
		return s
	}
	return cut + "... (truncated)"
}
