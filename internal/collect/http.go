package collect

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

const (
	defaultMaxPages = 10
	maxPageBytes    = 32 << 20
	userAgent       = "prospect-cli/1.0"
)

// page is the envelope returned by paged sources. Sources that return a
// bare JSON array are treated as a single page.
type page struct {
	Signals []model.RawSignal `json:"signals"`
	Next    string            `json:"next"`
}

// HTTP pulls signals from a paged JSON endpoint, rate limited per source
// and retrying transient failures.
type HTTP struct {
	src     config.SourceConfig
	client  *http.Client
	limiter *rate.Limiter
	policy  resilience.Policy
}

// NewHTTP creates an HTTP collector for src.
func NewHTTP(src config.SourceConfig) *HTTP {
	timeout := time.Duration(src.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if src.RatePerSec > 0 {
		limit = rate.Limit(src.RatePerSec)
	}
	burst := src.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTP{
		src:     src,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		policy:  resilience.PolicyFor(src),
	}
}

func (h *HTTP) Name() string { return h.src.Name }

func (h *HTTP) Collect(ctx context.Context, emit func(model.RawSignal)) error {
	maxPages := h.src.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	next := h.src.URL
	for n := 0; n < maxPages && next != ""; n++ {
		pg, err := resilience.Retry(ctx, h.policy, func(ctx context.Context) (*page, error) {
			return h.fetch(ctx, next)
		})
		if err != nil {
			return eris.Wrapf(err, "collect: %s page %d", h.src.Name, n+1)
		}
		for _, sig := range pg.Signals {
			emit(sig)
		}
		if len(pg.Signals) == 0 {
			break
		}
		if next, err = resolveNext(next, pg.Next); err != nil {
			return eris.Wrapf(err, "collect: %s next page", h.src.Name)
		}
	}

	zap.L().Debug("collect: http source drained", zap.String("source", h.src.Name))
	return nil
}

func (h *HTTP) fetch(ctx context.Context, rawURL string) (*page, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "GET %s", req.URL.Redacted())
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := resilience.CheckStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}
	return decodePage(body)
}

func decodePage(body []byte) (*page, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return &page{}, nil
	}
	if body[0] == '[' {
		var sigs []model.RawSignal
		if err := json.Unmarshal(body, &sigs); err != nil {
			return nil, eris.Wrap(err, "decode signal array")
		}
		return &page{Signals: sigs}, nil
	}
	var pg page
	if err := json.Unmarshal(body, &pg); err != nil {
		return nil, eris.Wrap(err, "decode page")
	}
	return &pg, nil
}

// resolveNext resolves a possibly relative next link against the current URL.
func resolveNext(current, next string) (string, error) {
	if next == "" {
		return "", nil
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
