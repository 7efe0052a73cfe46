package funnel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vincentbai/pagetrace/internal/storage"
)

type activeSnapshot struct {
	StartTime int64    `json:"startTime"`
	Steps     []string `json:"steps"`
}

// snapshot is the persisted progress document. completedSteps and
// funnelStartTimes mirror activeFunnels so the stored document carries the
// full documented layout; load reads activeFunnels only.
type snapshot struct {
	ActiveFunnels    map[string]activeSnapshot `json:"activeFunnels"`
	CompletedSteps   map[string][]string       `json:"completedSteps"`
	FunnelStartTimes map[string]int64          `json:"funnelStartTimes"`
}

func (t *Tracker) save(ctx context.Context) {
	snap := snapshot{
		ActiveFunnels:    make(map[string]activeSnapshot, len(t.active)),
		CompletedSteps:   make(map[string][]string, len(t.active)),
		FunnelStartTimes: make(map[string]int64, len(t.active)),
	}
	for id, st := range t.active {
		steps := append([]string{}, st.completed...)
		start := st.startTime.UnixMilli()
		snap.ActiveFunnels[id] = activeSnapshot{StartTime: start, Steps: steps}
		snap.CompletedSteps[id] = steps
		snap.FunnelStartTimes[id] = start
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		t.storageFailed("marshal", err)
		return
	}
	if err := t.store.Set(ctx, storage.KeyFunnelProgress, raw); err != nil {
		t.storageFailed("save", err)
	}
}

// load restores progress. Funnels without a definition and steps no longer
// in their definition are dropped.
func (t *Tracker) load(ctx context.Context) {
	raw, err := t.store.Get(ctx, storage.KeyFunnelProgress)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		t.storageFailed("load", err)
		return
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.storageFailed("unmarshal", err)
		return
	}

	for id, a := range snap.ActiveFunnels {
		def, ok := t.defs[id]
		if !ok {
			continue
		}
		st := &state{startTime: time.UnixMilli(a.StartTime)}
		for _, step := range a.Steps {
			if def.stepIndex(step) >= 0 && !st.has(step) {
				st.completed = append(st.completed, step)
			}
		}
		if len(st.completed) == 0 || len(st.completed) == len(def.Steps) {
			continue
		}
		t.active[id] = st
	}
	t.log.Debug("funnel progress restored", zap.Int("active", len(t.active)))
}

func (t *Tracker) storageFailed(op string, err error) {
	t.metrics.StorageFailures.WithLabelValues(op).Inc()
	t.log.Warn("funnel progress persistence failed", zap.String("op", op), zap.Error(err))
}
