package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tattsum/slack-client-core/internal/domain"
)

// fakeClock はテスト用に手動で進める時計
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func countingLoader(calls *atomic.Int32, value string) Loader[string] {
	return func(ctx context.Context) (string, error) {
		calls.Add(1)
		return value, nil
	}
}

func TestCache_ServesFreshValueUntilTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string]("test", time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	var calls atomic.Int32
	v, err := c.GetOrFetch(ctx, "k", countingLoader(&calls, "v1"))
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	clock.Advance(59 * time.Second)
	v, err = c.GetOrFetch(ctx, "k", countingLoader(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok, "TTLを過ぎた値を返してはいけない")

	v, err = c.GetOrFetch(ctx, "k", countingLoader(&calls, "v2"))
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := New[string]("test", 0, WithClock(clock.Now))
	c.Set("k", "v")

	clock.Advance(24 * 365 * time.Hour)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCache_StampedeGuard(t *testing.T) {
	c := New[string]("test", time.Minute)
	release := make(chan struct{})

	var calls atomic.Int32
	loader := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	const readers = 50
	var wg sync.WaitGroup
	results := make([]string, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrFetch(context.Background(), "k", loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "v", v)
	}
}

func TestCache_StampedeGuardIsPerKey(t *testing.T) {
	c := New[string]("test", time.Minute)
	release := make(chan struct{})
	blocking := func(ctx context.Context) (string, error) {
		<-release
		return "slow", nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrFetch(context.Background(), "slow", blocking)
	}()

	// 別キーの読み込みは実行中の読み込みを待たない
	var calls atomic.Int32
	v, err := c.GetOrFetch(context.Background(), "fast", countingLoader(&calls, "fast"))
	require.NoError(t, err)
	assert.Equal(t, "fast", v)

	close(release)
	<-done
}

func TestCache_ForceFetchBypassesFreshness(t *testing.T) {
	c := New[string]("test", time.Hour)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := c.GetOrFetch(ctx, "k", countingLoader(&calls, "old"))
	require.NoError(t, err)

	v, err := c.ForceFetch(ctx, "k", countingLoader(&calls, "new"))
	require.NoError(t, err)
	assert.Equal(t, "new", v)
	assert.Equal(t, int32(2), calls.Load())

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestCache_ForceFetchDeduplicates(t *testing.T) {
	c := New[string]("test", time.Hour)
	release := make(chan struct{})

	var calls atomic.Int32
	loader := func(ctx context.Context) (string, error) {
		calls.Add(1)
		<-release
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ForceFetch(context.Background(), "k", loader)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// 全員が同じ読み込みに合流した場合は1回、遅れて来た呼び出しは新しい読み込みになる
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.LessOrEqual(t, calls.Load(), int32(10))
}

func TestCache_LoaderErrorIsNotCached(t *testing.T) {
	c := New[string]("test", time.Hour)
	boom := errors.New("boom")

	_, err := c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_InvalidateAllDropsInFlightResult(t *testing.T) {
	c := New[string]("test", time.Hour)
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()

	<-started
	c.InvalidateAll()
	close(release)
	<-done

	_, ok := c.Get("k")
	assert.False(t, ok, "無効化前に始まった読み込み結果は保存しない")

	var calls atomic.Int32
	v, err := c.GetOrFetch(context.Background(), "k", countingLoader(&calls, "fresh"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_InvalidateDuringLoad(t *testing.T) {
	c := New[string]("test", time.Hour)
	started := make(chan struct{})
	release := make(chan struct{})

	var active, maxActive atomic.Int32
	track := func(value string, wait <-chan struct{}) Loader[string] {
		return func(ctx context.Context) (string, error) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			if wait != nil {
				<-wait
			}
			active.Add(-1)
			return value, nil
		}
	}

	firstDone := make(chan string, 1)
	go func() {
		v, _ := c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (string, error) {
			close(started)
			return track("before-invalidate", release)(ctx)
		})
		firstDone <- v
	}()
	<-started

	c.Invalidate("k")

	secondDone := make(chan string, 1)
	go func() {
		v, err := c.GetOrFetch(context.Background(), "k", track("after-invalidate", nil))
		assert.NoError(t, err)
		secondDone <- v
	}()

	// 無効化後の呼び出しは実行中の読み込みが終わるまで新しい読み込みを始めない
	time.Sleep(20 * time.Millisecond)
	select {
	case v := <-secondDone:
		t.Fatalf("実行中の読み込みと並行して取得しました: %q", v)
	default:
	}

	close(release)
	assert.Equal(t, "before-invalidate", <-firstDone)
	assert.Equal(t, "after-invalidate", <-secondDone)
	assert.Equal(t, int32(1), maxActive.Load(), "同じキーのローダーは同時に1つだけ")

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "after-invalidate", v, "無効化前に始まった読み込みで上書きしない")
}

func TestCache_InvalidateDropsInFlightResult(t *testing.T) {
	c := New[string]("test", time.Hour)
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrFetch(context.Background(), "k", func(ctx context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
	}()

	<-started
	c.Invalidate("k")
	close(release)
	<-done

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_Invalidate(t *testing.T) {
	c := New[string]("test", time.Hour)
	c.Set("a", "1")
	c.Set("b", "2")

	c.Invalidate("a")

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, "test", c.Name())
}

func TestCache_WaiterCancellationDoesNotAbortLoad(t *testing.T) {
	c := New[string]("test", time.Hour)
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrFetch(ctx, "k", func(loadCtx context.Context) (string, error) {
			<-release
			return "v", loadCtx.Err()
		})
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestService_InvalidateAll(t *testing.T) {
	s := NewService(DefaultTTLConfig())
	s.Identities.Set("U1", domain.UserIdentity{ID: "U1", Name: "alice"})
	s.Reactions.Set("C1/1", []domain.Reaction{{Name: "eyes", Count: 1}})
	s.Kinds.Set("C1", domain.KindPublic)

	sizes := s.Sizes()
	assert.Equal(t, 1, sizes[NameIdentities])
	assert.Equal(t, 1, sizes[NameReactions])
	assert.Equal(t, 0, sizes[NameChannels])

	s.InvalidateAll()

	assert.Equal(t, 0, s.Identities.Len())
	assert.Equal(t, 0, s.Reactions.Len())
	assert.Equal(t, 0, s.Kinds.Len())
}
