// Package cache はTTL付きのキャッシュと、ワークスペースごとのキャッシュサービスを提供する。
//
// 同じキーに対する読み込みは singleflight で1回にまとめられ、
// 読み込み中に来た呼び出しは実行中の結果を待つ（キャッシュスタンピード対策）。
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slackcore_cache_hits_total",
		Help: "キャッシュヒット数",
	}, []string{"cache"})
	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slackcore_cache_misses_total",
		Help: "キャッシュミス数",
	}, []string{"cache"})
	cacheLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slackcore_cache_loads_total",
		Help: "ローダーの実行回数",
	}, []string{"cache"})
)

// DefaultMaxEntries はキャッシュごとのデフォルトの最大エントリ数
const DefaultMaxEntries = 10000

// Entry はキャッシュされた値と取得時刻
type Entry[V any] struct {
	Value     V
	FetchedAt time.Time
	TTL       time.Duration // 0以下なら明示的に置き換えられるまで有効
}

// Fresh は now 時点でエントリが有効かどうかを返す
func (e Entry[V]) Fresh(now time.Time) bool {
	return e.TTL <= 0 || now.Sub(e.FetchedAt) < e.TTL
}

// Loader はキャッシュミス時に値を取得する関数
type Loader[V any] func(ctx context.Context) (V, error)

type options struct {
	now        func() time.Time
	maxEntries int
}

// Option はキャッシュの設定
type Option func(*options)

// WithClock は現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithMaxEntries は最大エントリ数を設定する。超えた分は古いものから追い出す
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// Cache は文字列キーのTTL付きキャッシュ
type Cache[V any] struct {
	name    string
	ttl     time.Duration
	now     func() time.Time
	entries *lru.Cache[string, Entry[V]]
	group   singleflight.Group

	// mu は無効化と読み込み結果の保存を直列化する
	mu sync.Mutex
	// generation は InvalidateAll ごとに増える
	generation uint64
	// versions は Invalidate ごとに増えるキー単位の版
	versions map[string]uint64
}

// version は無効化の世代。読み込み開始時の版と比べて古い結果を見分ける
type version struct {
	generation uint64
	key        uint64
}

func (v version) before(o version) bool {
	if v.generation != o.generation {
		return v.generation < o.generation
	}
	return v.key < o.key
}

// flightResult は1回の読み込みの結果と、その読み込みが始まった時点の版
type flightResult[V any] struct {
	value   V
	err     error
	started version
}

// New は新しいキャッシュを作成する
func New[V any](name string, ttl time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now, maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(&o)
	}
	entries, err := lru.New[string, Entry[V]](o.maxEntries)
	if err != nil {
		// maxEntries は常に正なので発生しない
		panic("cache: " + err.Error())
	}
	return &Cache[V]{
		name:     name,
		ttl:      ttl,
		now:      o.now,
		entries:  entries,
		versions: make(map[string]uint64),
	}
}

// Name はキャッシュ名を返す
func (c *Cache[V]) Name() string {
	return c.name
}

// Get は有効なエントリがあれば値を返す。期限切れの値は返さない
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lookup(key)
	if ok {
		cacheHitsTotal.WithLabelValues(c.name).Inc()
	} else {
		cacheMissesTotal.WithLabelValues(c.name).Inc()
	}
	return v, ok
}

// Set は値を保存する
func (c *Cache[V]) Set(key string, value V) {
	c.entries.Add(key, Entry[V]{Value: value, FetchedAt: c.now(), TTL: c.ttl})
}

// GetOrFetch は有効な値があればそれを返し、なければ loader で取得して保存する
// 同じキーの読み込みが実行中ならその結果を待つ
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, loader Loader[V]) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	return c.load(ctx, key, false, loader)
}

// ForceFetch は鮮度チェックを行わずに loader で取得し直す
// 同じキーの読み込みが実行中ならその結果を待つ
func (c *Cache[V]) ForceFetch(ctx context.Context, key string, loader Loader[V]) (V, error) {
	cacheMissesTotal.WithLabelValues(c.name).Inc()
	return c.load(ctx, key, true, loader)
}

// Fetch は force に応じて GetOrFetch か ForceFetch を呼ぶ
func (c *Cache[V]) Fetch(ctx context.Context, key string, force bool, loader Loader[V]) (V, error) {
	if force {
		return c.ForceFetch(ctx, key, loader)
	}
	return c.GetOrFetch(ctx, key, loader)
}

// Invalidate はキーのエントリを削除する
// 実行中の読み込みの結果は保存されず、以降の呼び出しはその終了後に読み込み直す
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	c.versions[key]++
	c.entries.Remove(key)
	c.mu.Unlock()
}

// InvalidateAll はすべてのエントリを削除する
// 実行中の読み込みの結果は保存されない
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.generation++
	clear(c.versions)
	c.entries.Purge()
	c.mu.Unlock()
}

// Len はエントリ数を返す
func (c *Cache[V]) Len() int {
	return c.entries.Len()
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	var zero V
	entry, ok := c.entries.Get(key)
	if !ok {
		return zero, false
	}
	if !entry.Fresh(c.now()) {
		return zero, false
	}
	return entry.Value, true
}

func (c *Cache[V]) currentVersion(key string) version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return version{generation: c.generation, key: c.versions[key]}
}

// storeIfCurrent は読み込み開始後に無効化されていなければ値を保存する
func (c *Cache[V]) storeIfCurrent(key string, started version, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if (version{generation: c.generation, key: c.versions[key]}) == started {
		c.Set(key, value)
	}
}

// load は同じキーの読み込みを1つにまとめる
// 実行中の読み込みが呼び出し元から見て無効化前に始まったものなら、終了を待ってから読み込み直す
func (c *Cache[V]) load(ctx context.Context, key string, force bool, loader Loader[V]) (V, error) {
	var zero V
	want := c.currentVersion(key)

	for {
		ch := c.group.DoChan(key, func() (any, error) {
			started := c.currentVersion(key)
			// 待機中に別の読み込みが保存した値があればそれを使う
			if !force {
				if v, ok := c.lookup(key); ok {
					return flightResult[V]{value: v, started: started}, nil
				}
			}
			cacheLoadsTotal.WithLabelValues(c.name).Inc()
			// 最初の呼び出し元のキャンセルが他の待機者に波及しないようにする
			v, err := loader(context.WithoutCancel(ctx))
			if err == nil {
				c.storeIfCurrent(key, started, v)
			}
			return flightResult[V]{value: v, err: err, started: started}, nil
		})

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case res := <-ch:
			r, _ := res.Val.(flightResult[V])
			if r.started.before(want) {
				continue
			}
			if r.err != nil {
				return zero, r.err
			}
			return r.value, nil
		}
	}
}
