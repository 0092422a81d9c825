package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/watchvine/catalog-sync/internal/model"
)

// HTTPOptions configures the HTTP snapshot source.
type HTTPOptions struct {
	URL            string
	UserAgent      string
	Timeout        time.Duration
	MaxRetries     int
	RequestsPerSec float64
	Burst          int
}

// HTTPSource fetches catalog snapshots over HTTP with retry and
// adaptive rate limiting. It also downloads product images through
// the same limiter, since both hit the storefront's CDN.
type HTTPSource struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *AdaptiveLimiter
}

// NewHTTPSource creates an HTTPSource with the given options.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.Timeout == 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "catalog-sync/1.0"
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 2
	}
	if opts.Burst == 0 {
		opts.Burst = 2
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPSource{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:    opts,
		limiter: NewAdaptiveLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
	}
}

// Fetch retrieves the full snapshot and decodes it. Records without a
// product URL are dropped with a warning; everything else, including
// an empty snapshot, is passed through for the differ to judge.
func (s *HTTPSource) Fetch(ctx context.Context) ([]model.RawRecord, error) {
	body, err := s.get(ctx, s.opts.URL)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: fetch")
	}
	defer body.Close()

	var records []model.RawRecord
	if err := json.NewDecoder(body).Decode(&records); err != nil {
		return nil, eris.Wrap(err, "snapshot: decode")
	}

	now := time.Now().UTC()
	valid := records[:0]
	for _, r := range records {
		if r.URL == "" {
			zap.L().Warn("snapshot: dropping record without url", zap.String("name", r.Name))
			continue
		}
		if r.ScrapedAt.IsZero() {
			r.ScrapedAt = now
		}
		valid = append(valid, r)
	}

	zap.L().Info("snapshot: fetched",
		zap.Int("records", len(valid)),
		zap.Int("dropped", len(records)-len(valid)),
	)
	return valid, nil
}

// Download fetches a URL (typically a product image) through the same
// limiter and retry policy as snapshots.
func (s *HTTPSource) Download(ctx context.Context, rawURL string) ([]byte, error) {
	body, err := s.get(ctx, rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: download %s", rawURL)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, 32<<20))
	if err != nil {
		return nil, eris.Wrapf(err, "snapshot: read %s", rawURL)
	}
	return data, nil
}

func (s *HTTPSource) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set("Accept", "application/json, image/*;q=0.8, */*;q=0.5")

	resp, err := s.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, eris.Errorf("http %d from %s", resp.StatusCode, rawURL)
	}
	return resp.Body, nil
}

func (s *HTTPSource) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := range s.opts.MaxRetries {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}

		cloned := req.Clone(ctx)
		resp, err := s.client.Do(cloned)
		if err != nil {
			lastErr = err
			zap.L().Warn("http request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			s.backoff(ctx, attempt)
			continue
		}

		// Handle 429 Too Many Requests with adaptive backoff.
		if resp.StatusCode == http.StatusTooManyRequests {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http 429 from %s", req.URL.String())
			s.limiter.OnRateLimit()
			zap.L().Warn("rate limited (429), backing off",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
			)
			s.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, req.URL.String())
			zap.L().Warn("server error, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			s.backoff(ctx, attempt)
			continue
		}

		// Success: increase adaptive rate.
		s.limiter.OnSuccess()

		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "all retries exhausted")
}

func (s *HTTPSource) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int64N(int64(d) / 2))
	d = d + jitter

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
