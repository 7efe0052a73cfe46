// Package transport delivers telemetry payloads fire-and-forget. The HTTP
// sink prefers a queued "beacon" path that keeps working through shutdown
// and falls back to a detached asynchronous POST.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/metrics"
)

const (
	PathBeacon = "beacon"
	PathFetch  = "fetch"

	DefaultBeaconQueue = 64
	DefaultTimeout     = 10 * time.Second
)

// Sink accepts payloads for delivery. Send never blocks on the network and
// never reports failure; telemetry loss is accepted.
type Sink interface {
	Send(ctx context.Context, endpoint string, payload any)
}

type beacon struct {
	url  string
	body []byte
}

type HTTP struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	beaconEnabled bool
	beacons       chan beacon

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type Options struct {
	// BaseURL is prefixed to relative endpoints.
	BaseURL string
	Client  *http.Client
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Timeout bounds every request, including ones outliving the caller.
	Timeout time.Duration
	// DisableBeacon forces the fetch path.
	DisableBeacon bool
	// BeaconQueue is the number of payloads the beacon path will hold
	// before refusing more.
	BeaconQueue int
}

func NewHTTP(opts Options) *HTTP {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BeaconQueue <= 0 {
		opts.BeaconQueue = DefaultBeaconQueue
	}

	h := &HTTP{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		client:        opts.Client,
		log:           opts.Logger.Named("transport"),
		metrics:       opts.Metrics,
		timeout:       opts.Timeout,
		beaconEnabled: !opts.DisableBeacon,
	}
	if h.beaconEnabled {
		h.beacons = make(chan beacon, opts.BeaconQueue)
		h.wg.Add(1)
		go h.drainBeacons()
	}
	return h
}

func (h *HTTP) Send(ctx context.Context, endpoint string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Debug("marshal payload", zap.String("endpoint", endpoint), zap.Error(err))
		h.metrics.TransportSends.WithLabelValues("none", "marshal_error").Inc()
		return
	}
	url := h.resolve(endpoint)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.log.Debug("transport closed, dropping payload", zap.String("url", url))
		h.metrics.TransportSends.WithLabelValues("none", "closed").Inc()
		return
	}

	if h.sendBeacon(url, body) {
		return
	}

	// Fetch with keepalive: the request outlives the caller's context.
	reqCtx := context.WithoutCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.post(reqCtx, PathFetch, url, body)
	}()
}

// sendBeacon reports false when the beacon path is disabled or full, the
// same way navigator.sendBeacon refuses to queue.
func (h *HTTP) sendBeacon(url string, body []byte) bool {
	if !h.beaconEnabled {
		return false
	}
	select {
	case h.beacons <- beacon{url: url, body: body}:
		return true
	default:
		h.log.Debug("beacon queue full, falling back to fetch", zap.String("url", url))
		return false
	}
}

func (h *HTTP) drainBeacons() {
	defer h.wg.Done()
	for b := range h.beacons {
		h.post(context.Background(), PathBeacon, b.url, b.body)
	}
}

func (h *HTTP) post(ctx context.Context, path, url string, body []byte) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err := h.do(ctx, url, body)
	if err != nil {
		h.log.Debug("send failed", zap.String("path", path), zap.String("url", url), zap.Error(err))
		h.metrics.TransportSends.WithLabelValues(path, "error").Inc()
		return
	}
	h.metrics.TransportSends.WithLabelValues(path, "ok").Inc()
}

func (h *HTTP) do(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return xerrors.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTP) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return endpoint
	}
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return h.baseURL + endpoint
}

// Close stops accepting payloads and waits, until ctx is done, for queued
// beacons and in-flight requests to finish.
func (h *HTTP) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.beacons != nil {
		close(h.beacons)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return xerrors.Errorf("wait for in-flight sends: %w", ctx.Err())
	}
}
