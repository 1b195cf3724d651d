// Package query caches remote reads by query identity so repeated evaluations
// reuse results until they go stale or are explicitly reset.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Key identifies a query: contract address, function, then arguments.
type Key string

func NewKey(address, function string, args ...interface{}) Key {
	parts := make([]string, 0, len(args)+2)
	parts = append(parts, strings.ToLower(address), function)
	for _, arg := range args {
		parts = append(parts, strings.ToLower(fmt.Sprint(arg)))
	}
	return Key(strings.Join(parts, "|"))
}

// matches reports whether k equals prefix or extends it by whole segments.
func (k Key) matches(prefix Key) bool {
	return k == prefix || strings.HasPrefix(string(k), string(prefix)+"|")
}

// Result is the observable state of one query.
type Result[T any] struct {
	Key       Key
	Status    Status
	Data      T
	Err       error
	Fetching  bool
	UpdatedAt time.Time
}

func (r Result[T]) IsSuccess() bool { return r.Status == StatusSuccess }
func (r Result[T]) IsError() bool   { return r.Status == StatusError }
func (r Result[T]) IsPending() bool { return r.Status == StatusPending }

// Options tune a single Fetch.
type Options struct {
	// StaleTime overrides the client default. Negative means never stale.
	StaleTime time.Duration
	// Disabled leaves the query pending without fetching.
	Disabled bool
}

// Infinite marks data that never goes stale.
const Infinite time.Duration = -1

type Config struct {
	// StaleTime is how long a successful result is served without refetching.
	StaleTime time.Duration
	// Wait bounds how long Fetch blocks on an in-flight request before
	// reporting the query as pending.
	Wait time.Duration
	// FetchTimeout bounds each remote call.
	FetchTimeout time.Duration
}

type entry struct {
	status    Status
	value     interface{}
	err       error
	updatedAt time.Time
	stale     bool
}

// Client is a concurrency-safe result cache with in-flight de-duplication.
type Client struct {
	mu      sync.RWMutex
	entries map[Key]*entry
	gens    map[Key]uint64
	group   singleflight.Group

	base   context.Context
	cancel context.CancelFunc
	cfg    Config
	now    func() time.Time
}

func NewClient(cfg Config) *Client {
	if cfg.Wait <= 0 {
		cfg.Wait = 3 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Client{
		entries: make(map[Key]*entry),
		gens:    make(map[Key]uint64),
		base:    base,
		cancel:  cancel,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Close aborts in-flight fetches.
func (c *Client) Close() {
	c.cancel()
}

// Fetch returns the cached result for key, refetching with fn when the entry is
// missing, stale or errored. While a fetch is outstanding the previous data is
// returned with Fetching set, or a pending result if there is none.
func Fetch[T any](ctx context.Context, c *Client, key Key, opts Options, fn func(context.Context) (T, error)) Result[T] {
	if opts.Disabled {
		return Result[T]{Key: key, Status: StatusPending}
	}

	staleTime := c.cfg.StaleTime
	if opts.StaleTime != 0 {
		staleTime = opts.StaleTime
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	fresh := ok && c.fresh(e, staleTime)
	var cached Result[T]
	if ok {
		cached = toResult[T](key, e)
	}
	c.mu.RUnlock()

	if fresh {
		return cached
	}
	return fetch(ctx, c, key, cached, ok, fn, true)
}

// Refetch forces a fetch and waits for it regardless of the client's Wait bound.
func Refetch[T any](ctx context.Context, c *Client, key Key, fn func(context.Context) (T, error)) Result[T] {
	c.mu.RLock()
	e, ok := c.entries[key]
	var cached Result[T]
	if ok {
		cached = toResult[T](key, e)
	}
	c.mu.RUnlock()
	return fetch(ctx, c, key, cached, ok, fn, false)
}

// Peek returns the cached result without fetching.
func Peek[T any](c *Client, key Key) (Result[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Result[T]{Key: key, Status: StatusPending}, false
	}
	return toResult[T](key, e), true
}

func fetch[T any](ctx context.Context, c *Client, key Key, cached Result[T], hasCached bool, fn func(context.Context) (T, error), bounded bool) Result[T] {
	c.mu.Lock()
	gen, ok := c.gens[key]
	if !ok {
		c.gens[key] = 0
	}
	c.mu.Unlock()

	ch := c.group.DoChan(string(key)+"#"+strconv.FormatUint(gen, 10), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(c.base, c.cfg.FetchTimeout)
		defer cancel()
		v, err := fn(fctx)
		c.store(key, gen, v, err)
		return v, err
	})

	var timeout <-chan time.Time
	if bounded {
		timer := time.NewTimer(c.cfg.Wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		out := Result[T]{Key: key, UpdatedAt: c.now()}
		if res.Err != nil {
			out.Status = StatusError
			out.Err = res.Err
			return out
		}
		out.Status = StatusSuccess
		out.Data, _ = res.Val.(T)
		return out
	case <-ctx.Done():
	case <-timeout:
	}

	if hasCached && cached.Status == StatusSuccess {
		cached.Fetching = true
		return cached
	}
	return Result[T]{Key: key, Status: StatusPending, Fetching: true}
}

func (c *Client) store(key Key, gen uint64, v interface{}, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		return
	}
	e := &entry{updatedAt: c.now(), value: v, status: StatusSuccess}
	if err != nil {
		e.status = StatusError
		e.err = err
		e.value = nil
		if prev, ok := c.entries[key]; ok && prev.status == StatusSuccess {
			e.value = prev.value
		}
	}
	c.entries[key] = e
}

func (c *Client) fresh(e *entry, staleTime time.Duration) bool {
	if e.stale || e.status != StatusSuccess {
		return false
	}
	if staleTime < 0 {
		return true
	}
	return c.now().Sub(e.updatedAt) < staleTime
}

func toResult[T any](key Key, e *entry) Result[T] {
	out := Result[T]{Key: key, Status: e.status, Err: e.err, UpdatedAt: e.updatedAt}
	if e.value != nil {
		out.Data, _ = e.value.(T)
	}
	return out
}

// Invalidate marks every query matching prefix stale. Cached data is kept and
// served while the next Fetch refreshes it.
func (c *Client) Invalidate(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if key.matches(prefix) {
			e.stale = true
			n++
		}
	}
	return n
}

// Reset drops every query matching prefix so the next Fetch starts from
// pending. Results of fetches already in flight are discarded.
func (c *Client) Reset(prefix Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if key.matches(prefix) {
			delete(c.entries, key)
			n++
		}
	}
	for key := range c.gens {
		if key.matches(prefix) {
			c.gens[key]++
		}
	}
	return n
}

func (c *Client) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
