// Package funnel tracks progress through multi-step conversion funnels.
//
// A funnel starts when any of its steps is first recorded, advances on each
// new distinct step and completes once every step has been recorded, at
// which point it leaves the active set. Abandonment only happens through
// Abandon. Progress is persisted after every mutation and restored by New.
package funnel

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/metrics"
	"github.com/vincentbai/pagetrace/internal/models"
	"github.com/vincentbai/pagetrace/internal/storage"
	"github.com/vincentbai/pagetrace/internal/transport"
)

const DefaultEndpoint = "/api/analytics/funnels"

var (
	ErrUnknownFunnel = xerrors.New("unknown funnel")
	ErrUnknownStep   = xerrors.New("unknown step")
)

type Config struct {
	Endpoint string
	// Definitions replaces the built-in funnels when non-nil.
	Definitions []Definition
}

type Options struct {
	Sink    transport.Sink
	Store   storage.Store
	Clock   quartz.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Action is a named user action, matched against steps' Event.
type Action struct {
	Type string
	Data map[string]any
}

type state struct {
	startTime time.Time
	// completed keeps insertion order; the last entry is the most recently
	// completed step.
	completed []string
}

func (s *state) has(stepID string) bool {
	return slices.Contains(s.completed, stepID)
}

type Tracker struct {
	endpoint  string
	sink      transport.Sink
	store     storage.Store
	clock     quartz.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	sessionID string

	mu     sync.Mutex
	defs   map[string]Definition
	order  []string
	active map[string]*state
}

// New builds a tracker and restores persisted progress from the store.
func New(ctx context.Context, cfg Config, opts Options) (*Tracker, error) {
	if opts.Sink == nil {
		return nil, xerrors.New("no sink configured for funnel tracker")
	}
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
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	defs := cfg.Definitions
	if defs == nil {
		defs = DefaultDefinitions()
	}

	t := &Tracker{
		endpoint:  cfg.Endpoint,
		sink:      opts.Sink,
		store:     opts.Store,
		clock:     opts.Clock,
		log:       opts.Logger.Named("funnel"),
		metrics:   opts.Metrics,
		sessionID: "funnel_" + uuid.NewString(),
		defs:      make(map[string]Definition, len(defs)),
		active:    make(map[string]*state),
	}
	for _, d := range defs {
		if err := t.define(d); err != nil {
			return nil, err
		}
	}
	t.load(ctx)
	return t, nil
}

func (t *Tracker) SessionID() string {
	return t.sessionID
}

// Define registers or replaces a funnel definition. Progress on an active
// funnel is reconciled with the new steps: steps the definition no longer
// has are dropped, and a funnel whose remaining steps are all done
// completes.
func (t *Tracker) Define(ctx context.Context, d Definition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.define(d); err != nil {
		return err
	}
	t.log.Debug("funnel defined", zap.String("funnel_id", d.ID))

	st, ok := t.active[d.ID]
	if !ok {
		return nil
	}
	kept := st.completed[:0]
	for _, step := range st.completed {
		if d.stepIndex(step) >= 0 {
			kept = append(kept, step)
		}
	}
	st.completed = kept
	switch len(st.completed) {
	case 0:
		delete(t.active, d.ID)
	case len(d.Steps):
		t.complete(ctx, d, st)
	}
	t.save(ctx)
	return nil
}

func (t *Tracker) define(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if _, exists := t.defs[d.ID]; !exists {
		t.order = append(t.order, d.ID)
	}
	t.defs[d.ID] = d
	return nil
}

// TrackStep records stepID for funnelID. Recording an already completed
// step is a no-op.
func (t *Tracker) TrackStep(ctx context.Context, funnelID, stepID string, data map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackStep(ctx, funnelID, stepID, data)
}

func (t *Tracker) trackStep(ctx context.Context, funnelID, stepID string, data map[string]any) error {
	def, ok := t.defs[funnelID]
	if !ok {
		t.log.Warn("unknown funnel", zap.String("funnel_id", funnelID))
		return xerrors.Errorf("%q: %w", funnelID, ErrUnknownFunnel)
	}
	stepIndex := def.stepIndex(stepID)
	if stepIndex < 0 {
		t.log.Warn("unknown step", zap.String("funnel_id", funnelID), zap.String("step_id", stepID))
		return xerrors.Errorf("%q in funnel %q: %w", stepID, funnelID, ErrUnknownStep)
	}

	st, ok := t.active[funnelID]
	if !ok {
		st = t.start(ctx, def)
	}
	if st.has(stepID) {
		t.log.Debug("step already completed", zap.String("funnel_id", funnelID), zap.String("step_id", stepID))
		return nil
	}
	st.completed = append(st.completed, stepID)

	now := t.clock.Now()
	fromStart := now.Sub(st.startTime).Milliseconds()
	step := def.Steps[stepIndex]
	t.emit(ctx, models.FunnelEvent{
		Type:          models.FunnelStepCompleted,
		FunnelID:      def.ID,
		FunnelName:    def.Name,
		StepID:        step.ID,
		StepName:      step.Name,
		StepIndex:     &stepIndex,
		TotalSteps:    len(def.Steps),
		TimeFromStart: &fromStart,
		Timestamp:     now.UnixMilli(),
		SessionID:     t.sessionID,
		Data:          data,
	})
	t.log.Debug("step completed",
		zap.String("funnel_id", funnelID),
		zap.String("step_id", stepID),
		zap.Int("completed", len(st.completed)),
		zap.Int("total", len(def.Steps)),
	)

	if len(st.completed) == len(def.Steps) {
		t.complete(ctx, def, st)
	}
	t.save(ctx)
	return nil
}

func (t *Tracker) start(ctx context.Context, def Definition) *state {
	now := t.clock.Now()
	st := &state{startTime: now}
	t.active[def.ID] = st
	t.emit(ctx, models.FunnelEvent{
		Type:       models.FunnelStarted,
		FunnelID:   def.ID,
		FunnelName: def.Name,
		Timestamp:  now.UnixMilli(),
		SessionID:  t.sessionID,
	})
	t.log.Debug("funnel started", zap.String("funnel_id", def.ID))
	return st
}

func (t *Tracker) complete(ctx context.Context, def Definition, st *state) {
	now := t.clock.Now()
	elapsed := now.Sub(st.startTime).Milliseconds()
	t.emit(ctx, models.FunnelEvent{
		Type:           models.FunnelCompleted,
		FunnelID:       def.ID,
		FunnelName:     def.Name,
		TotalSteps:     len(def.Steps),
		CompletionTime: &elapsed,
		Timestamp:      now.UnixMilli(),
		SessionID:      t.sessionID,
	})
	delete(t.active, def.ID)
	t.log.Info("funnel completed", zap.String("funnel_id", def.ID), zap.Int64("completion_ms", elapsed))
}

// CheckPage records every step, across all funnels, whose path is path.
// It returns how many steps matched.
func (t *Tracker) CheckPage(ctx context.Context, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	matched := 0
	for _, id := range t.order {
		for _, step := range t.defs[id].Steps {
			if step.Path != "" && step.Path == path {
				matched++
				_ = t.trackStep(ctx, id, step.ID, nil)
			}
		}
	}
	return matched
}

// CheckAction records every step, across all funnels, whose event is the
// action's type. It returns how many steps matched.
func (t *Tracker) CheckAction(ctx context.Context, action Action) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	matched := 0
	for _, id := range t.order {
		for _, step := range t.defs[id].Steps {
			if step.Event != "" && step.Event == action.Type {
				matched++
				_ = t.trackStep(ctx, id, step.ID, action.Data)
			}
		}
	}
	return matched
}

// Abandon ends an active funnel without completing it. It reports whether
// the funnel was active.
func (t *Tracker) Abandon(ctx context.Context, funnelID, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.active[funnelID]
	if !ok {
		return false
	}
	if reason == "" {
		reason = "unknown"
	}
	def := t.defs[funnelID]

	var last string
	if n := len(st.completed); n > 0 {
		last = st.completed[n-1]
	}
	stepsCompleted := len(st.completed)
	now := t.clock.Now()
	inFunnel := now.Sub(st.startTime).Milliseconds()
	t.emit(ctx, models.FunnelEvent{
		Type:              models.FunnelAbandoned,
		FunnelID:          funnelID,
		FunnelName:        def.Name,
		LastCompletedStep: last,
		StepsCompleted:    &stepsCompleted,
		TotalSteps:        len(def.Steps),
		TimeInFunnel:      &inFunnel,
		Reason:            reason,
		Timestamp:         now.UnixMilli(),
		SessionID:         t.sessionID,
	})
	delete(t.active, funnelID)
	t.save(ctx)
	return true
}

// Reset forgets progress for funnelID without emitting anything.
func (t *Tracker) Reset(ctx context.Context, funnelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, funnelID)
	t.save(ctx)
}

func (t *Tracker) ResetAll(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.active)
	t.save(ctx)
}

type StepProgress struct {
	Step
	Completed bool `json:"completed"`
}

type Progress struct {
	FunnelID       string         `json:"funnelId"`
	FunnelName     string         `json:"funnelName"`
	TotalSteps     int            `json:"totalSteps"`
	CompletedSteps int            `json:"completedSteps"`
	Percent        float64        `json:"progress"`
	Steps          []StepProgress `json:"steps"`
	StartTime      *time.Time     `json:"startTime,omitempty"`
	TimeInFunnel   *time.Duration `json:"timeInFunnel,omitempty"`
}

// Progress reports how far funnelID has got. ok is false for an unknown
// funnel; a known funnel that isn't active reports zero progress.
func (t *Tracker) Progress(funnelID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress(funnelID)
}

func (t *Tracker) progress(funnelID string) (Progress, bool) {
	def, ok := t.defs[funnelID]
	if !ok {
		return Progress{}, false
	}
	st := t.active[funnelID]

	p := Progress{
		FunnelID:   def.ID,
		FunnelName: def.Name,
		TotalSteps: len(def.Steps),
		Steps:      make([]StepProgress, 0, len(def.Steps)),
	}
	for _, s := range def.Steps {
		done := st != nil && st.has(s.ID)
		if done {
			p.CompletedSteps++
		}
		p.Steps = append(p.Steps, StepProgress{Step: s, Completed: done})
	}
	p.Percent = float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	if st != nil {
		start := st.startTime
		in := t.clock.Since(start)
		p.StartTime = &start
		p.TimeInFunnel = &in
	}
	return p, true
}

// Active returns progress for every active funnel with a known
// definition, ordered by funnel id.
func (t *Tracker) Active() []Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Progress, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.progress(id); ok {
			out = append(out, p)
		}
	}
	return out
}

func (t *Tracker) emit(ctx context.Context, event models.FunnelEvent) {
	t.metrics.FunnelEvents.WithLabelValues(event.Type).Inc()
	t.sink.Send(ctx, t.endpoint, event)
}

// Persist writes current progress to the store.
func (t *Tracker) Persist(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.save(ctx)
}
