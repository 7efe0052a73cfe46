package funnel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/vincentbai/pagetrace/internal/metrics"
	"github.com/vincentbai/pagetrace/internal/models"
	"github.com/vincentbai/pagetrace/internal/storage"
	"github.com/vincentbai/pagetrace/internal/transport"
)

var signupSteps = []string{"landing", "signup_page", "signup_form", "signup_submit", "signup_complete"}

type testTracker struct {
	*Tracker
	rec     *transport.Recorder
	store   *storage.Memory
	clock   *quartz.Mock
	metrics *metrics.Metrics
}

func setupTestTracker(t *testing.T) testTracker {
	t.Helper()
	rec := transport.NewRecorder()
	store := storage.NewMemory()
	clock := quartz.NewMock(t)
	m := metrics.New(nil)
	tr, err := New(context.Background(), Config{}, Options{Sink: rec, Store: store, Clock: clock, Metrics: m})
	require.NoError(t, err)
	return testTracker{Tracker: tr, rec: rec, store: store, clock: clock, metrics: m}
}

func (tt testTracker) events(t *testing.T) []models.FunnelEvent {
	t.Helper()
	var out []models.FunnelEvent
	for _, r := range tt.rec.Records(DefaultEndpoint) {
		var e models.FunnelEvent
		require.NoError(t, json.Unmarshal(r.Body, &e))
		out = append(out, e)
	}
	return out
}

func eventTypes(events []models.FunnelEvent) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestDefaultDefinitions(t *testing.T) {
	defs := DefaultDefinitions()
	require.Len(t, defs, 5)
	ids := make([]string, 0, len(defs))
	for _, d := range defs {
		ids = append(ids, d.ID)
		assert.Len(t, d.Steps, 5, d.ID)
	}
	assert.Equal(t, []string{"signup", "activation", "engagement", "lydianiq", "pwa_install"}, ids)
	assert.Equal(t, "/", defs[0].Steps[0].Path)
}

func TestLoadDefinitionsRejectsInvalid(t *testing.T) {
	_, err := LoadDefinitions(strings.NewReader("funnels:\n  - id: x\n    name: X\n    steps: []\n"))
	require.Error(t, err)

	_, err = LoadDefinitions(strings.NewReader("funnels:\n  - id: x\n    bogus: 1\n"))
	require.Error(t, err)

	_, err = LoadDefinitions(strings.NewReader(`
funnels:
  - id: x
    name: X
    steps:
      - { id: a, name: A }
      - { id: a, name: A again }
`))
	require.ErrorContains(t, err, "duplicate step")
}

func TestTrackStepStartsFunnel(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	tt.clock.Advance(1500 * time.Millisecond).MustWait(ctx)
	require.NoError(t, tt.TrackStep(ctx, "signup", "signup_page", map[string]any{"src": "ad"}))

	events := tt.events(t)
	require.Equal(t, []string{models.FunnelStarted, models.FunnelStepCompleted}, eventTypes(events))
	step := events[1]
	assert.Equal(t, "signup", step.FunnelID)
	assert.Equal(t, "User Signup", step.FunnelName)
	assert.Equal(t, "Signup Page", step.StepName)
	require.NotNil(t, step.StepIndex)
	assert.Equal(t, 1, *step.StepIndex)
	assert.Equal(t, 5, step.TotalSteps)
	require.NotNil(t, step.TimeFromStart)
	assert.Zero(t, *step.TimeFromStart)
	assert.Equal(t, "ad", step.Data["src"])
	assert.Equal(t, tt.SessionID(), step.SessionID)
	assert.True(t, strings.HasPrefix(step.SessionID, "funnel_"))
	assert.Equal(t, 1.0, testutil.ToFloat64(tt.metrics.FunnelEvents.WithLabelValues(models.FunnelStarted)))
}

func TestTrackStepIsIdempotent(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tt.TrackStep(ctx, "signup", "landing", nil))
	require.NoError(t, tt.TrackStep(ctx, "signup", "landing", nil))

	assert.Len(t, tt.events(t), 2)
	p, ok := tt.Progress("signup")
	require.True(t, ok)
	assert.Equal(t, 1, p.CompletedSteps)
	assert.InDelta(t, 20.0, p.Percent, 0.001)
}

func TestTrackStepUnknown(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	err := tt.TrackStep(ctx, "nope", "landing", nil)
	assert.True(t, xerrors.Is(err, ErrUnknownFunnel))

	err = tt.TrackStep(ctx, "signup", "nope", nil)
	assert.True(t, xerrors.Is(err, ErrUnknownStep))

	assert.Empty(t, tt.rec.Records(""))
	assert.Empty(t, tt.Active())
}

func TestFunnelCompletes(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	for i, step := range signupSteps {
		if i > 0 {
			tt.clock.Advance(time.Second).MustWait(ctx)
		}
		require.NoError(t, tt.TrackStep(ctx, "signup", step, nil))
	}

	events := tt.events(t)
	require.Len(t, events, 7)
	assert.Equal(t, models.FunnelStarted, events[0].Type)
	last := events[6]
	assert.Equal(t, models.FunnelCompleted, last.Type)
	require.NotNil(t, last.CompletionTime)
	assert.Equal(t, int64(4000), *last.CompletionTime)

	p, ok := tt.Progress("signup")
	require.True(t, ok)
	assert.Zero(t, p.CompletedSteps)
	assert.Nil(t, p.StartTime)
	assert.Empty(t, tt.Active())

	// A step after completion starts a fresh instance.
	tt.rec.Reset()
	require.NoError(t, tt.TrackStep(ctx, "signup", "signup_complete", nil))
	assert.Equal(t, []string{models.FunnelStarted, models.FunnelStepCompleted}, eventTypes(tt.events(t)))
}

func TestCheckPageMatchesAllFunnels(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	assert.Equal(t, 2, tt.CheckPage(ctx, "/"))
	active := tt.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "engagement", active[0].FunnelID)
	assert.Equal(t, "signup", active[1].FunnelID)

	assert.Zero(t, tt.CheckPage(ctx, "/nowhere.html"))
}

func TestCheckAction(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	n := tt.CheckAction(ctx, Action{Type: "iq_problem_entered", Data: map[string]any{"len": 12}})
	assert.Equal(t, 1, n)

	p, ok := tt.Progress("lydianiq")
	require.True(t, ok)
	assert.Equal(t, 1, p.CompletedSteps)
	assert.True(t, p.Steps[1].Completed)
	assert.False(t, p.Steps[0].Completed)
}

func TestAbandon(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	assert.False(t, tt.Abandon(ctx, "signup", "bored"))

	require.NoError(t, tt.TrackStep(ctx, "signup", "signup_form", nil))
	require.NoError(t, tt.TrackStep(ctx, "signup", "landing", nil))
	tt.clock.Advance(3 * time.Second).MustWait(ctx)

	assert.True(t, tt.Abandon(ctx, "signup", ""))
	events := tt.events(t)
	ab := events[len(events)-1]
	assert.Equal(t, models.FunnelAbandoned, ab.Type)
	assert.Equal(t, "unknown", ab.Reason)
	assert.Equal(t, "landing", ab.LastCompletedStep)
	require.NotNil(t, ab.StepsCompleted)
	assert.Equal(t, 2, *ab.StepsCompleted)
	require.NotNil(t, ab.TimeInFunnel)
	assert.Equal(t, int64(3000), *ab.TimeInFunnel)
	assert.Empty(t, tt.Active())
}

func TestProgressRestoredAfterRestart(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tt.TrackStep(ctx, "signup", "landing", nil))
	require.NoError(t, tt.TrackStep(ctx, "signup", "signup_page", nil))
	require.NoError(t, tt.TrackStep(ctx, "activation", "first_login", nil))

	raw, err := tt.store.Get(ctx, storage.KeyFunnelProgress)
	require.NoError(t, err)
	var snap snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, []string{"landing", "signup_page"}, snap.CompletedSteps["signup"])
	assert.Equal(t, tt.clock.Now().UnixMilli(), snap.FunnelStartTimes["signup"])

	reloaded, err := New(ctx, Config{}, Options{Sink: transport.Discard{}, Store: tt.store, Clock: tt.clock})
	require.NoError(t, err)
	p, ok := reloaded.Progress("signup")
	require.True(t, ok)
	assert.Equal(t, 2, p.CompletedSteps)
	require.NotNil(t, p.StartTime)
	assert.Equal(t, tt.clock.Now().UnixMilli(), p.StartTime.UnixMilli())
	assert.Len(t, reloaded.Active(), 2)
}

func TestLoadDropsUnknownFunnelsAndSteps(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Set(ctx, storage.KeyFunnelProgress, []byte(`{
		"activeFunnels": {
			"gone": {"startTime": 1, "steps": ["a"]},
			"signup": {"startTime": 1, "steps": ["landing", "removed"]}
		}
	}`)))

	tr, err := New(ctx, Config{}, Options{Sink: transport.Discard{}, Store: store, Clock: quartz.NewMock(t)})
	require.NoError(t, err)
	active := tr.Active()
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].CompletedSteps)
}

func TestCorruptProgressIsIgnored(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.Set(ctx, storage.KeyFunnelProgress, []byte("{not json")))
	m := metrics.New(nil)

	tr, err := New(ctx, Config{}, Options{Sink: transport.Discard{}, Store: store, Metrics: m})
	require.NoError(t, err)
	assert.Empty(t, tr.Active())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StorageFailures.WithLabelValues("unmarshal")))
}

func TestResetAndDefine(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tt.Define(ctx, Definition{
		ID:    "checkout",
		Name:  "Checkout",
		Steps: []Step{{ID: "cart", Name: "Cart", Path: "/cart"}, {ID: "paid", Name: "Paid", Event: "payment"}},
	}))
	require.Error(t, tt.Define(ctx, Definition{ID: "empty"}))

	assert.Equal(t, 1, tt.CheckPage(ctx, "/cart"))
	require.NoError(t, tt.TrackStep(ctx, "signup", "landing", nil))
	require.Len(t, tt.Active(), 2)

	tt.rec.Reset()
	tt.Reset(ctx, "checkout")
	assert.Len(t, tt.Active(), 1)
	tt.ResetAll(ctx)
	assert.Empty(t, tt.Active())
	assert.Empty(t, tt.rec.Records(""))
}

func TestRedefineActiveFunnel(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	for _, step := range signupSteps[:3] {
		require.NoError(t, tt.TrackStep(ctx, "signup", step, nil))
	}
	tt.rec.Reset()

	short := Definition{
		ID:    "signup",
		Name:  "Signup",
		Steps: []Step{{ID: "landing", Name: "Landing"}, {ID: "signup_complete", Name: "Done"}},
	}
	require.NoError(t, tt.Define(ctx, short))
	p, ok := tt.Progress("signup")
	require.True(t, ok)
	assert.Equal(t, 1, p.CompletedSteps)
	assert.Equal(t, 2, p.TotalSteps)

	require.NoError(t, tt.TrackStep(ctx, "signup", "signup_complete", nil))
	assert.Empty(t, tt.Active())
	assert.Equal(t, []string{models.FunnelStepCompleted, models.FunnelCompleted}, eventTypes(tt.events(t)))

	// Every remaining step already done: the redefinition completes it.
	act := tt.defs["activation"]
	require.NoError(t, tt.TrackStep(ctx, "activation", act.Steps[0].ID, nil))
	require.NoError(t, tt.TrackStep(ctx, "activation", act.Steps[1].ID, nil))
	tt.rec.Reset()
	require.NoError(t, tt.Define(ctx, Definition{ID: "activation", Name: "Activation", Steps: append([]Step(nil), act.Steps[:2]...)}))
	assert.Empty(t, tt.Active())
	assert.Equal(t, []string{models.FunnelCompleted}, eventTypes(tt.events(t)))

	// Nothing left: progress is dropped silently.
	require.NoError(t, tt.TrackStep(ctx, "engagement", tt.defs["engagement"].Steps[0].ID, nil))
	tt.rec.Reset()
	require.NoError(t, tt.Define(ctx, Definition{
		ID:    "engagement",
		Name:  "Engagement",
		Steps: []Step{{ID: "other", Name: "Other", Event: "other"}},
	}))
	assert.Empty(t, tt.Active())
	assert.Empty(t, tt.rec.Records(""))

	var snap snapshot
	raw, err := tt.store.Get(ctx, storage.KeyFunnelProgress)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Empty(t, snap.ActiveFunnels)
}

func TestConcurrentFunnels(t *testing.T) {
	tt := setupTestTracker(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"signup", "engagement", "activation"} {
		def := tt.defs[id]
		for _, s := range def.Steps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = tt.TrackStep(ctx, id, s.ID, nil)
			}()
		}
	}
	wg.Wait()

	assert.Empty(t, tt.Active())
	completed := 0
	for _, e := range tt.events(t) {
		if e.Type == models.FunnelCompleted {
			completed++
		}
	}
	assert.Equal(t, 3, completed)
}
