// Package telemetry assembles the trackers, transport and persisted
// preferences into one Client built at startup and passed to whatever
// needs it.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/errortrack"
	"github.com/vincentbai/pagetrace/internal/funnel"
	"github.com/vincentbai/pagetrace/internal/metrics"
	"github.com/vincentbai/pagetrace/internal/ratelimit"
	"github.com/vincentbai/pagetrace/internal/storage"
	"github.com/vincentbai/pagetrace/internal/translate"
	"github.com/vincentbai/pagetrace/internal/transport"
)

type Config struct {
	// Endpoint is the collector base URL relative endpoints resolve against.
	Endpoint      string
	DisableBeacon bool
	SendTimeout   time.Duration

	Errors  errortrack.Config
	Funnels []funnel.Definition

	// TranslateURL enables the HTTP translator; empty means demo only.
	TranslateURL       string
	TranslateRateLimit int
}

type Options struct {
	Store storage.Store
	// Sink replaces the HTTP transport, e.g. with a transport.Recorder.
	Sink       transport.Sink
	HTTPClient *http.Client
	Clock      quartz.Clock
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

type Client struct {
	Errors     *errortrack.Tracker
	Funnels    *funnel.Tracker
	Translator translate.Provider
	Store      storage.Store
	// Limiter is shared by the translation provider and callers throttling
	// their own endpoints.
	Limiter *ratelimit.Limiter

	log      *zap.Logger
	clock    quartz.Clock
	httpSink *transport.HTTP
	stop     context.CancelFunc
}

func New(ctx context.Context, cfg Config, opts Options) (*Client, error) {
	if opts.Store == nil {
		opts.Store = storage.NewMemory()
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
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}

	c := &Client{
		Store:   opts.Store,
		Limiter: ratelimit.New(opts.Clock),
		log:     opts.Logger.Named("telemetry"),
		clock:   opts.Clock,
	}

	sink := opts.Sink
	if sink == nil {
		c.httpSink = transport.NewHTTP(transport.Options{
			BaseURL:       cfg.Endpoint,
			Client:        opts.HTTPClient,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
			Timeout:       cfg.SendTimeout,
			DisableBeacon: cfg.DisableBeacon,
		})
		sink = c.httpSink
	}

	errs, err := errortrack.New(cfg.Errors.WithDefaults(), errortrack.Options{
		Sink:    sink,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		c.closeSink(ctx)
		return nil, xerrors.Errorf("create error tracker: %w", err)
	}
	c.Errors = errs

	funnels, err := funnel.New(ctx, funnel.Config{Definitions: cfg.Funnels}, funnel.Options{
		Sink:    sink,
		Store:   opts.Store,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		errs.Disable()
		c.closeSink(ctx)
		return nil, xerrors.Errorf("create funnel tracker: %w", err)
	}
	c.Funnels = funnels

	c.Translator = translate.Demo{}
	if cfg.TranslateURL != "" {
		c.Translator = translate.Fallback{
			Primary: translate.NewHTTPProvider(cfg.TranslateURL, translate.HTTPOptions{
				Client:    opts.HTTPClient,
				Clock:     opts.Clock,
				RateLimit: cfg.TranslateRateLimit,
				Limiter:   c.Limiter,
			}),
			Demo:   translate.Demo{},
			Logger: c.log,
		}
	}

	cleanupCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	c.stop = stop
	c.Errors.StartCleanup(cleanupCtx)
	return c, nil
}

// PageView feeds a visited path to funnel tracking unless auto tracking is
// turned off.
func (c *Client) PageView(ctx context.Context, path string) int {
	if !c.AutoTrack(ctx) {
		return 0
	}
	return c.Funnels.CheckPage(ctx, path)
}

// Action feeds a user action to funnel tracking unless auto tracking is
// turned off.
func (c *Client) Action(ctx context.Context, action funnel.Action) int {
	if !c.AutoTrack(ctx) {
		return 0
	}
	return c.Funnels.CheckAction(ctx, action)
}

// Translate translates text into lang, or into the preferred language when
// lang is empty.
func (c *Client) Translate(ctx context.Context, text, lang string) (translate.Result, error) {
	if lang == "" {
		lang = c.Language(ctx)
	}
	return c.Translator.Translate(ctx, translate.Request{Text: text, TargetLang: lang})
}

// InstrumentHTTP returns a copy of base whose failed requests are reported
// as API errors.
func (c *Client) InstrumentHTTP(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	instrumented := *base
	instrumented.Transport = c.Errors.RoundTripper(base.Transport)
	return &instrumented
}

// Close runs the unload sequence: flush queued errors, persist funnel
// progress and wait, until ctx is done, for in-flight sends.
func (c *Client) Close(ctx context.Context) error {
	c.stop()
	flushed := c.Errors.Close()
	c.Funnels.Persist(ctx)
	c.log.Debug("telemetry closed", zap.Int("flushed_errors", flushed))
	return c.closeSink(ctx)
}

func (c *Client) closeSink(ctx context.Context) error {
	if c.httpSink == nil {
		return nil
	}
	return c.httpSink.Close(ctx)
}
