package filter

import (
	"context"
	"fmt"
	"sync"

	"github.com/songzhibin97/relaygate/pkg/log"
	"golang.org/x/sync/semaphore"
)

// SyncFilter decides on a request by returning. false stops the chain.
type SyncFilter func(ex *Exchange) (bool, error)

// AsyncFilter decides on a request by completing the returned future.
type AsyncFilter func(ex *Exchange) *Future

// Mode selects how a chain executes its filters.
type Mode int

const (
	// ModeSync runs filters in order on a bounded worker pool; the caller waits.
	ModeSync Mode = iota
	// ModeAsync chains filters through future continuations.
	ModeAsync
)

// String returns the string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// ParseMode converts a configuration value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "sync", "":
		return ModeSync, nil
	case "async":
		return ModeAsync, nil
	default:
		return ModeSync, fmt.Errorf("invalid filter mode: %s", s)
	}
}

const defaultWorkers = 64

type entry struct {
	name  string
	sync  SyncFilter
	async AsyncFilter
}

// Chain is an ordered list of named filters run before a request is forwarded.
type Chain struct {
	mode    Mode
	mu      sync.RWMutex
	entries []entry
	names   map[string]struct{}

	workers *semaphore.Weighted
	logger  log.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithWorkers bounds how many sync chain runs execute at once.
func WithWorkers(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.workers = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithLogger sets the chain logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChain creates an empty chain.
func NewChain(mode Mode, opts ...Option) *Chain {
	c := &Chain{
		mode:    mode,
		names:   make(map[string]struct{}),
		workers: semaphore.NewWeighted(defaultWorkers),
		logger:  log.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Mode returns the execution mode.
func (c *Chain) Mode() Mode {
	return c.mode
}

// Add appends a sync filter. Sync filters are accepted by both modes.
func (c *Chain) Add(name string, f SyncFilter) error {
	if f == nil {
		return ErrNilFilter
	}
	return c.add(entry{name: name, sync: f})
}

// AddAsync appends an async filter. Only async chains accept them.
func (c *Chain) AddAsync(name string, f AsyncFilter) error {
	if c.mode == ModeSync {
		return ErrAsyncFilterOnSyncChain
	}
	if f == nil {
		return ErrNilFilter
	}
	return c.add(entry{name: name, async: f})
}

func (c *Chain) add(e entry) error {
	if e.name == "" {
		return ErrEmptyFilterName
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.names[e.name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFilter, e.name)
	}
	c.names[e.name] = struct{}{}
	c.entries = append(c.entries, e)

	c.logger.Debug("filter added", log.String("filter", e.name), log.String("mode", c.mode.String()))
	return nil
}

// Names returns the filter names in execution order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Len returns the number of filters.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Chain) snapshot() []entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries
}

// Run executes the filters in order. It returns false as soon as a filter
// rejects the request, and an error if a filter fails, panics or ctx ends
// first.
func (c *Chain) Run(ctx context.Context, ex *Exchange) (bool, error) {
	entries := c.snapshot()
	if len(entries) == 0 {
		return true, nil
	}
	if c.mode == ModeAsync {
		return c.runAsync(entries, ex).Wait(ctx)
	}
	return c.runSync(ctx, entries, ex)
}

// RunAsync starts the chain and returns its pending outcome. Sync chains run
// on the worker pool as well.
func (c *Chain) RunAsync(ctx context.Context, ex *Exchange) *Future {
	entries := c.snapshot()
	if len(entries) == 0 {
		return Resolved(true, nil)
	}
	if c.mode == ModeAsync {
		return c.runAsync(entries, ex)
	}
	f := NewFuture()
	go func() {
		f.Complete(c.runSync(ctx, entries, ex))
	}()
	return f
}

type outcome struct {
	allow bool
	err   error
}

func (c *Chain) runSync(ctx context.Context, entries []entry, ex *Exchange) (bool, error) {
	if err := c.workers.Acquire(ctx, 1); err != nil {
		return false, err
	}

	result := make(chan outcome, 1)
	go func() {
		defer c.workers.Release(1)
		for _, e := range entries {
			allow, err := callSync(e, ex)
			if err != nil || !allow {
				result <- outcome{allow: false, err: err}
				return
			}
		}
		result <- outcome{allow: true}
	}()

	select {
	case out := <-result:
		return out.allow, out.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (c *Chain) runAsync(entries []entry, ex *Exchange) *Future {
	chain := NewFuture()

	var step func(i int)
	step = func(i int) {
		if i == len(entries) {
			chain.Complete(true, nil)
			return
		}
		e := entries[i]
		callAsync(e, ex).OnComplete(func(allow bool, err error) {
			switch {
			case err != nil:
				chain.Complete(false, err)
			case !allow:
				chain.Complete(false, nil)
			default:
				step(i + 1)
			}
		})
	}
	step(0)

	return chain
}

func callSync(e entry, ex *Exchange) (allow bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			allow = false
			err = &FilterError{Name: e.name, Err: fmt.Errorf("%w: %v", ErrFilterPanic, r)}
		}
	}()

	allow, err = e.sync(ex)
	if err != nil {
		return false, &FilterError{Name: e.name, Err: err}
	}
	return allow, nil
}

func callAsync(e entry, ex *Exchange) (f *Future) {
	if e.sync != nil {
		return Resolved(callSync(e, ex))
	}

	defer func() {
		if r := recover(); r != nil {
			f = Resolved(false, &FilterError{Name: e.name, Err: fmt.Errorf("%w: %v", ErrFilterPanic, r)})
		}
	}()

	inner := e.async(ex)
	if inner == nil {
		return Resolved(false, &FilterError{Name: e.name, Err: ErrNilFuture})
	}

	wrapped := NewFuture()
	inner.OnComplete(func(allow bool, err error) {
		if err != nil {
			wrapped.Complete(false, &FilterError{Name: e.name, Err: err})
			return
		}
		wrapped.Complete(allow, nil)
	})
	return wrapped
}
