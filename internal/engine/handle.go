package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Strategy selects how a Handle provisions engine instances.
type Strategy string

const (
	// StrategyFresh creates a new instance per Acquire and closes it on Release.
	StrategyFresh Strategy = "fresh"
	// StrategyShared lazily creates one instance and serializes its use.
	StrategyShared Strategy = "shared"
	// StrategyPooled keeps up to PoolSize instances, one per concurrent render.
	StrategyPooled Strategy = "pooled"
)

const defaultInitTimeout = 30 * time.Second

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyFresh:
		return StrategyFresh, nil
	case StrategyShared, "":
		return StrategyShared, nil
	case StrategyPooled:
		return StrategyPooled, nil
	}
	return "", fmt.Errorf("unknown engine strategy %q (want fresh, shared or pooled)", s)
}

// HandleConfig configures a Handle.
type HandleConfig struct {
	Strategy Strategy
	// PoolSize bounds concurrent instances for StrategyPooled. Ignored otherwise.
	PoolSize int
	// InitTimeout bounds a single Factory call. Zero means 30s.
	InitTimeout time.Duration
	Logger      *slog.Logger
}

// Handle owns every engine instance and hands them out as Leases. Callers
// never see which Strategy is active.
//
// Concurrent initializations are coalesced: with StrategyShared every caller
// that arrives while the instance is being built waits for that build and
// receives the same instance. A failed build is forgotten before the error is
// returned, so the next Acquire starts a fresh attempt.
type Handle struct {
	strategy    Strategy
	factory     Factory
	initTimeout time.Duration
	logger      *slog.Logger

	// slots bounds concurrent use: 1 for shared, PoolSize for pooled,
	// nil for fresh.
	slots *semaphore.Weighted

	group  singleflight.Group
	mu     sync.Mutex
	shared Engine
	idle   []Engine
	closed bool

	inits atomic.Int64
}

// NewHandle returns a Handle that builds instances with factory.
func NewHandle(factory Factory, cfg HandleConfig) *Handle {
	h := &Handle{
		strategy:    cfg.Strategy,
		factory:     factory,
		initTimeout: cfg.InitTimeout,
		logger:      cfg.Logger,
	}
	if h.strategy == "" {
		h.strategy = StrategyShared
	}
	if h.initTimeout <= 0 {
		h.initTimeout = defaultInitTimeout
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	switch h.strategy {
	case StrategyShared:
		h.slots = semaphore.NewWeighted(1)
	case StrategyPooled:
		size := cfg.PoolSize
		if size < 1 {
			size = 1
		}
		h.slots = semaphore.NewWeighted(int64(size))
	}
	return h
}

// Strategy returns the active provisioning strategy.
func (h *Handle) Strategy() Strategy { return h.strategy }

// Inits returns how many instances have been constructed successfully.
func (h *Handle) Inits() int64 { return h.inits.Load() }

// Lease grants exclusive use of one engine instance until Release.
type Lease struct {
	Engine  Engine
	release func(err error)
	once    sync.Once
}

// Release returns the instance to the Handle. err is the outcome of the
// render; an error wrapping ErrEngineLost drops the instance instead of
// reusing it. Release is safe to call more than once.
func (l *Lease) Release(err error) {
	l.once.Do(func() { l.release(err) })
}

// Acquire returns a usable engine instance. It blocks until one is free or
// ctx is done. Construction failures are returned as *InitError.
func (h *Handle) Acquire(ctx context.Context) (*Lease, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	switch h.strategy {
	case StrategyFresh:
		return h.acquireFresh(ctx)
	case StrategyPooled:
		return h.acquirePooled(ctx)
	default:
		return h.acquireShared(ctx)
	}
}

// Warm builds the shared instance ahead of the first render. It is a no-op
// for the other strategies.
func (h *Handle) Warm(ctx context.Context) error {
	if h.strategy != StrategyShared {
		return nil
	}
	_, err := h.sharedEngine(ctx)
	return err
}

func (h *Handle) acquireFresh(ctx context.Context) (*Lease, error) {
	e, err := h.build(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{Engine: e, release: func(error) { h.closeEngine(e) }}, nil
}

func (h *Handle) acquireShared(ctx context.Context) (*Lease, error) {
	for {
		e, err := h.sharedEngine(ctx)
		if err != nil {
			return nil, err
		}
		if err := h.slots.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		// The previous holder may have dropped e while we waited for the slot.
		h.mu.Lock()
		current := h.shared == e
		h.mu.Unlock()
		if !current {
			h.slots.Release(1)
			continue
		}

		return &Lease{Engine: e, release: func(err error) {
			if errors.Is(err, ErrEngineLost) {
				h.dropShared(e)
			}
			h.slots.Release(1)
		}}, nil
	}
}

// sharedEngine returns the shared instance, building it at most once across
// concurrent callers.
func (h *Handle) sharedEngine(ctx context.Context) (Engine, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if e := h.shared; e != nil {
		h.mu.Unlock()
		return e, nil
	}
	h.mu.Unlock()

	ch := h.group.DoChan("shared", func() (any, error) {
		// The build outlives any single waiter so that a caller giving up
		// does not fail the others.
		e, err := h.build(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.closed {
			go h.closeEngine(e)
			return nil, ErrClosed
		}
		h.shared = e
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Engine), nil
	}
}

// dropShared forgets e and closes it, unless it was already replaced or
// closed by Close.
func (h *Handle) dropShared(e Engine) {
	h.mu.Lock()
	owned := h.shared == e
	if owned {
		h.shared = nil
	}
	h.mu.Unlock()
	if !owned {
		return
	}
	h.logger.Warn("dropping lost render engine", "strategy", h.strategy)
	h.closeEngine(e)
}

func (h *Handle) acquirePooled(ctx context.Context) (*Lease, error) {
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	h.mu.Lock()
	var e Engine
	if n := len(h.idle); n > 0 {
		e = h.idle[n-1]
		h.idle = h.idle[:n-1]
	}
	h.mu.Unlock()

	if e == nil {
		var err error
		e, err = h.build(ctx)
		if err != nil {
			h.slots.Release(1)
			return nil, err
		}
	}

	return &Lease{Engine: e, release: func(err error) {
		defer h.slots.Release(1)
		if errors.Is(err, ErrEngineLost) {
			h.logger.Warn("dropping lost render engine", "strategy", h.strategy)
			h.closeEngine(e)
			return
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			h.closeEngine(e)
			return
		}
		h.idle = append(h.idle, e)
		h.mu.Unlock()
	}}, nil
}

func (h *Handle) build(ctx context.Context) (Engine, error) {
	ctx, cancel := context.WithTimeout(ctx, h.initTimeout)
	defer cancel()

	start := time.Now()
	e, err := h.factory(ctx)
	if err != nil {
		return nil, &InitError{Strategy: h.strategy, Err: err}
	}
	h.inits.Add(1)
	h.logger.Debug("render engine initialized", "strategy", h.strategy, "duration", time.Since(start))
	return e, nil
}

func (h *Handle) closeEngine(e Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		h.logger.Warn("closing render engine", "error", err)
	}
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close releases the shared instance and every idle pooled instance. Call it
// once renders have drained; pooled leases still outstanding close their
// instance on Release.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	shared := h.shared
	h.shared = nil
	idle := h.idle
	h.idle = nil
	h.mu.Unlock()

	if shared != nil {
		h.closeEngine(shared)
	}
	for _, e := range idle {
		h.closeEngine(e)
	}
	return nil
}
