// Package errortrack captures runtime and API errors, filters and rate
// limits them, and ships them in batches to the analytics errors endpoint.
package errortrack

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/batch"
	"github.com/vincentbai/pagetrace/internal/metrics"
	"github.com/vincentbai/pagetrace/internal/models"
	"github.com/vincentbai/pagetrace/internal/ratelimit"
	"github.com/vincentbai/pagetrace/internal/transport"
)

const (
	DefaultEndpoint = "/api/analytics/errors"

	rateLimitKey    = "errors"
	rateLimitWindow = time.Minute
)

// DefaultIgnorePatterns match browser-extension noise and opaque
// cross-origin errors.
var DefaultIgnorePatterns = []string{
	`chrome-extension://`,
	`moz-extension://`,
	`safari-extension://`,
	`Script error`,
}

type Config struct {
	Endpoint           string
	BatchSize          int
	BatchTimeout       time.Duration
	MaxQueueSize       int
	MaxErrorsPerMinute int
	// IgnorePatterns are case-insensitive regular expressions tested
	// against the message and the source.
	IgnorePatterns []string
	// IgnoredURLs drop errors whose source contains any of them.
	IgnoredURLs []string
	// PageURL identifies where errors come from when a report has no URL.
	PageURL string
}

func DefaultConfig() Config {
	return Config{
		Endpoint:           DefaultEndpoint,
		BatchSize:          batch.DefaultBatchSize,
		BatchTimeout:       batch.DefaultTimeout,
		MaxQueueSize:       batch.DefaultMaxQueue,
		MaxErrorsPerMinute: 10,
		IgnorePatterns:     append([]string(nil), DefaultIgnorePatterns...),
	}
}

// WithDefaults fills every zero field from DefaultConfig and keeps the
// rest.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	if c.BatchSize == 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = def.BatchTimeout
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.MaxErrorsPerMinute == 0 {
		c.MaxErrorsPerMinute = def.MaxErrorsPerMinute
	}
	if c.IgnorePatterns == nil {
		c.IgnorePatterns = def.IgnorePatterns
	}
	return c
}

// Report is an error as observed, before enrichment.
type Report struct {
	Type    models.EventType
	Message string
	Source  string
	Stack   string
	URL     string
	Context map[string]any
}

type Stats struct {
	SessionID        string `json:"sessionId"`
	TotalErrors      int    `json:"totalErrors"`
	QueuedErrors     int    `json:"queuedErrors"`
	ErrorsLastMinute int    `json:"errorsLastMinute"`
}

type Options struct {
	Sink    transport.Sink
	Clock   quartz.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Tracker struct {
	cfg       Config
	sink      transport.Sink
	clock     quartz.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	limiter   *ratelimit.Limiter
	ignore    []*regexp.Regexp
	batcher   *batch.Batcher[models.CapturedEvent]
	sessionID string

	errorCount atomic.Int64
	disabled   atomic.Bool

	cleanupOnce sync.Once
}

func New(cfg Config, opts Options) (*Tracker, error) {
	if opts.Sink == nil {
		return nil, xerrors.New("no sink configured for error tracker")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.MaxErrorsPerMinute <= 0 {
		return nil, xerrors.Errorf("max errors per minute must be positive, got %d", cfg.MaxErrorsPerMinute)
	}

	t := &Tracker{
		cfg:       cfg,
		sink:      opts.Sink,
		clock:     opts.Clock,
		log:       opts.Logger.Named("errortrack"),
		metrics:   opts.Metrics,
		limiter:   ratelimit.New(opts.Clock),
		sessionID: "err_" + uuid.NewString(),
	}

	for _, pattern := range cfg.IgnorePatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, xerrors.Errorf("compile ignore pattern %q: %w", pattern, err)
		}
		t.ignore = append(t.ignore, re)
	}

	b, err := batch.New(t.send,
		batch.WithClock[models.CapturedEvent](opts.Clock),
		batch.WithLogger[models.CapturedEvent](t.log),
		batch.WithBatchSize[models.CapturedEvent](cfg.BatchSize),
		batch.WithTimeout[models.CapturedEvent](cfg.BatchTimeout),
		batch.WithMaxQueue[models.CapturedEvent](cfg.MaxQueueSize),
		batch.WithEvictHook(func(models.CapturedEvent) {
			t.metrics.EventsDropped.WithLabelValues(metrics.ReasonEvicted).Inc()
		}),
	)
	if err != nil {
		return nil, xerrors.Errorf("create batcher: %w", err)
	}
	t.batcher = b
	return t, nil
}

func (t *Tracker) SessionID() string {
	return t.sessionID
}

// Track filters, rate limits and enqueues r. It reports whether the error
// was accepted.
func (t *Tracker) Track(r Report) bool {
	if t.disabled.Load() {
		t.metrics.EventsDropped.WithLabelValues(metrics.ReasonClosed).Inc()
		return false
	}
	if t.shouldIgnore(r) {
		t.log.Debug("ignored error", zap.String("message", r.Message))
		t.metrics.EventsDropped.WithLabelValues(metrics.ReasonFiltered).Inc()
		return false
	}
	if !t.limiter.Allow(rateLimitKey, t.cfg.MaxErrorsPerMinute, rateLimitWindow) {
		t.log.Warn("error rate limit exceeded", zap.Int("max_per_minute", t.cfg.MaxErrorsPerMinute))
		t.metrics.EventsDropped.WithLabelValues(metrics.ReasonRateLimited).Inc()
		return false
	}

	event := t.enrich(r)
	// Counted before Add so a size-triggered flush reports this error in
	// its session totals.
	t.errorCount.Add(1)
	if err := t.batcher.Add(event); err != nil {
		t.errorCount.Add(-1)
		t.metrics.EventsDropped.WithLabelValues(metrics.ReasonClosed).Inc()
		return false
	}
	t.metrics.EventsCaptured.WithLabelValues(string(event.Type)).Inc()
	t.log.Debug("captured error", zap.String("type", string(event.Type)), zap.String("error_id", event.ErrorID))
	return true
}

// CaptureError records err as a manually reported error.
func (t *Tracker) CaptureError(err error, ctx map[string]any) bool {
	if err == nil {
		return false
	}
	r := Report{
		Type:    models.EventManual,
		Message: err.Error(),
		Context: withManual(ctx),
	}
	// xerrors keeps a frame; %+v renders it as the stack.
	if stack := fmt.Sprintf("%+v", err); stack != r.Message {
		r.Stack = stack
	}
	return t.Track(r)
}

// CaptureException is an alias of CaptureError.
func (t *Tracker) CaptureException(err error, ctx map[string]any) bool {
	return t.CaptureError(err, ctx)
}

// CaptureAPIError records a failed backend call. Status 0 means the
// request never got a response.
func (t *Tracker) CaptureAPIError(url, method string, status int, response string, ctx map[string]any) bool {
	merged := make(map[string]any, len(ctx)+4)
	for k, v := range ctx {
		merged[k] = v
	}
	merged["url"] = url
	merged["method"] = method
	merged["status"] = status
	if response != "" {
		merged["response"] = response
	}
	return t.Track(Report{
		Type:    models.EventAPI,
		Message: fmt.Sprintf("API Error: %s %s - %d", method, url, status),
		Source:  url,
		Context: merged,
	})
}

func (t *Tracker) shouldIgnore(r Report) bool {
	for _, re := range t.ignore {
		if re.MatchString(r.Message) || re.MatchString(r.Source) {
			return true
		}
	}
	for _, u := range t.cfg.IgnoredURLs {
		if u != "" && strings.Contains(r.Source, u) {
			return true
		}
	}
	return false
}

func (t *Tracker) enrich(r Report) models.CapturedEvent {
	url := r.URL
	if url == "" {
		url = t.cfg.PageURL
	}
	return models.CapturedEvent{
		Type:      r.Type,
		Message:   r.Message,
		Source:    r.Source,
		Stack:     r.Stack,
		Timestamp: t.clock.Now().UnixMilli(),
		SessionID: t.sessionID,
		ErrorID:   uuid.NewString(),
		URL:       url,
		Context:   t.encodableContext(r.Context),
	}
}

// encodableContext replaces a context that cannot be JSON encoded, so one
// bad report does not fail the whole batch it is sent with.
func (t *Tracker) encodableContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return ctx
	}
	if _, err := json.Marshal(ctx); err != nil {
		t.log.Warn("error context is not encodable", zap.Error(err))
		return map[string]any{"contextError": err.Error()}
	}
	return ctx
}

func (t *Tracker) send(events []models.CapturedEvent) {
	t.metrics.BatchesFlushed.Inc()
	t.sink.Send(context.Background(), t.cfg.Endpoint, models.ErrorBatch{
		Errors: events,
		SessionInfo: models.SessionInfo{
			SessionID:   t.sessionID,
			TotalErrors: int(t.errorCount.Load()),
			URL:         t.cfg.PageURL,
		},
	})
}

func (t *Tracker) Stats() Stats {
	return Stats{
		SessionID:        t.sessionID,
		TotalErrors:      int(t.errorCount.Load()),
		QueuedErrors:     t.batcher.Len(),
		ErrorsLastMinute: t.limiter.Count(rateLimitKey, rateLimitWindow),
	}
}

// Flush sends everything queued now.
func (t *Tracker) Flush() int {
	return t.batcher.Flush()
}

// ClearQueue drops queued errors without sending them.
func (t *Tracker) ClearQueue() {
	t.batcher.Clear()
}

// StartCleanup prunes the rate limit window every minute until ctx is done.
func (t *Tracker) StartCleanup(ctx context.Context) {
	t.cleanupOnce.Do(func() {
		t.clock.TickerFunc(ctx, rateLimitWindow, func() error {
			t.limiter.Prune(rateLimitWindow)
			return nil
		}, "errortrack", "cleanup")
	})
}

// Close performs the final flush and stops accepting errors.
func (t *Tracker) Close() int {
	t.disabled.Store(true)
	return t.batcher.Close()
}

// Disable stops accepting errors and discards what is queued.
func (t *Tracker) Disable() {
	t.disabled.Store(true)
	t.batcher.Clear()
}

func withManual(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	out["manual"] = true
	return out
}
