package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ammario/tlru"
	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/models"
	"github.com/vincentbai/pagetrace/internal/ratelimit"
)

const (
	DefaultRateLimit = 100
	RateWindow       = time.Minute
	CacheTTL         = 15 * time.Minute

	cacheEntries = 1000
	maxErrorBody = 4 << 10
)

type HTTPOptions struct {
	Client *http.Client
	Clock  quartz.Clock
	// RateLimit caps requests per minute; zero means DefaultRateLimit.
	RateLimit int
	// Name keys the rate limit and labels results.
	Name string
	// Limiter is shared with other callers; nil creates a private one.
	Limiter *ratelimit.Limiter
}

// HTTPProvider posts to {baseURL}/api/translate and expects the standard
// {success, data, error} envelope.
type HTTPProvider struct {
	url     string
	name    string
	limit   int
	client  *http.Client
	limiter *ratelimit.Limiter
	cache   *tlru.Cache[string, Result]
	group   singleflight.Group
}

func NewHTTPProvider(baseURL string, opts HTTPOptions) *HTTPProvider {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.Name == "" {
		opts.Name = "backend"
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(opts.Clock)
	}
	return &HTTPProvider{
		url:     strings.TrimRight(baseURL, "/") + "/api/translate",
		name:    opts.Name,
		limit:   opts.RateLimit,
		client:  opts.Client,
		limiter: opts.Limiter,
		cache:   tlru.New[string](tlru.ConstantCost[Result], cacheEntries),
	}
}

// Translate serves cached results without touching the rate limit.
// Identical concurrent requests share one upstream call.
func (p *HTTPProvider) Translate(ctx context.Context, req Request) (Result, error) {
	req = req.normalize()
	if req.Text == "" {
		return Result{}, ErrEmptyText
	}
	key := req.cacheKey()
	if res, _, ok := p.cache.Get(key); ok {
		return res, nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		if err := p.limiter.Check(p.name, p.limit, RateWindow); err != nil {
			return Result{}, xerrors.Errorf("%s translator: %w", p.name, err)
		}
		res, err := p.fetch(ctx, req)
		if err != nil {
			return Result{}, err
		}
		p.cache.Set(key, res, CacheTTL)
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (p *HTTPProvider) fetch(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, xerrors.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, xerrors.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, xerrors.Errorf("post translate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, xerrors.Errorf("translate returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var env models.Envelope[Result]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Result{}, xerrors.Errorf("decode translate response: %w", err)
	}
	if !env.Success {
		return Result{}, xerrors.Errorf("translate failed: %s", env.Error)
	}
	res := env.Data
	if res.TargetLang == "" {
		res.TargetLang = req.TargetLang
	}
	if res.SourceLang == "" {
		res.SourceLang = req.SourceLang
	}
	if res.Provider == "" {
		res.Provider = p.name
	}
	return res, nil
}
