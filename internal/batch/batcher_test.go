package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]string
}

func (r *recorder) flush(items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
}

func (r *recorder) get() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	copy(out, r.batches)
	return out
}

func setupTestBatcher(t *testing.T, opts ...Option[string]) (*Batcher[string], *recorder, *quartz.Mock) {
	t.Helper()

	clock := quartz.NewMock(t)
	rec := &recorder{}
	opts = append([]Option[string]{
		WithClock[string](clock),
		WithBatchSize[string](5),
		WithTimeout[string](3 * time.Second),
		WithMaxQueue[string](50),
	}, opts...)
	b, err := New(rec.flush, opts...)
	require.NoError(t, err)
	return b, rec, clock
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewValidation(t *testing.T) {
	_, err := New[string](nil)
	require.Error(t, err)

	_, err = New(func([]string) {}, WithBatchSize[string](0))
	require.Error(t, err)

	_, err = New(func([]string) {}, WithMaxQueue[string](-1))
	require.Error(t, err)

	_, err = New(func([]string) {}, WithTimeout[string](0))
	require.Error(t, err)
}

func TestFlushOnBatchSize(t *testing.T) {
	b, rec, _ := setupTestBatcher(t)

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Add(v))
	}
	assert.Empty(t, rec.get())

	require.NoError(t, b.Add("e"))
	assert.Equal(t, [][]string{{"a", "b", "c", "d", "e"}}, rec.get())
	assert.Equal(t, 0, b.Len())
}

func TestFlushAfterDebounce(t *testing.T) {
	ctx := testContext(t)
	b, rec, clock := setupTestBatcher(t)

	require.NoError(t, b.Add("a"))
	clock.Advance(2 * time.Second).MustWait(ctx)
	require.NoError(t, b.Add("b"))

	// The first timer was cancelled by the second Add.
	clock.Advance(2 * time.Second).MustWait(ctx)
	assert.Empty(t, rec.get())

	clock.Advance(time.Second).MustWait(ctx)
	assert.Equal(t, [][]string{{"a", "b"}}, rec.get())
}

func TestManualFlushCancelsTimer(t *testing.T) {
	ctx := testContext(t)
	b, rec, clock := setupTestBatcher(t)

	require.NoError(t, b.Add("a"))
	assert.Equal(t, 1, b.Flush())
	assert.Equal(t, 0, b.Flush())

	_, ok := clock.Peek()
	assert.False(t, ok, "no timer should remain after flush")

	require.NoError(t, b.Add("b"))
	clock.Advance(3 * time.Second).MustWait(ctx)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, rec.get())
}

func TestDropOldestWhenFull(t *testing.T) {
	var evicted []string
	b, rec, _ := setupTestBatcher(t,
		WithMaxQueue[string](3),
		WithBatchSize[string](10),
		WithEvictHook(func(v string) { evicted = append(evicted, v) }),
	)

	for _, v := range []string{"A", "B", "C", "D"} {
		require.NoError(t, b.Add(v))
	}
	assert.Equal(t, []string{"A"}, evicted)
	assert.Equal(t, 3, b.Flush())
	assert.Equal(t, [][]string{{"B", "C", "D"}}, rec.get())
	assert.Equal(t, 0, b.Len())
}

func TestClearDropsWithoutDelivery(t *testing.T) {
	b, rec, clock := setupTestBatcher(t)

	require.NoError(t, b.Add("a"))
	b.Clear()
	assert.Equal(t, 0, b.Len())
	_, ok := clock.Peek()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Flush())
	assert.Empty(t, rec.get())
}

func TestCloseFlushesAndRejects(t *testing.T) {
	b, rec, _ := setupTestBatcher(t)

	require.NoError(t, b.Add("a"))
	require.NoError(t, b.Add("b"))
	assert.Equal(t, 2, b.Close())
	assert.Equal(t, [][]string{{"a", "b"}}, rec.get())

	assert.ErrorIs(t, b.Add("c"), ErrClosed)
}

func TestNoItemDeliveredTwice(t *testing.T) {
	b, rec, _ := setupTestBatcher(t, WithBatchSize[string](3), WithMaxQueue[string](100))

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = b.Add(string(rune('a'+g)) + string(rune('0'+i%10)) + string(rune('A'+i/10)))
			}
		}(g)
	}
	wg.Wait()
	b.Flush()

	seen := map[string]bool{}
	total := 0
	for _, batch := range rec.get() {
		for _, v := range batch {
			assert.False(t, seen[v], "duplicate %s", v)
			seen[v] = true
			total++
		}
	}
	assert.Equal(t, 100, total)
}
