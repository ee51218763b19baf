package inbox

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Factory builds an Engine for a viewer.
type Factory func(viewerID string) (*Engine, error)

// Registry owns one running Engine per viewer.
//
// Engines are created on first use, loaded synchronously so the first request sees the
// viewer's conversations, and stopped after being idle for the configured TTL.
type Registry struct {
	log     *slog.Logger
	factory Factory
	idleTTL time.Duration
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	engines map[string]*managed
}

type managed struct {
	engine   *Engine
	cancel   context.CancelFunc
	lastUsed time.Time
}

// NewRegistry constructs a registry. idleTTL <= 0 keeps engines until Close.
func NewRegistry(log *slog.Logger, factory Factory, idleTTL time.Duration, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		log:     log,
		factory: factory,
		idleTTL: idleTTL,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		engines: make(map[string]*managed),
	}
}

// Get returns the running engine for viewerID, starting it if needed.
func (r *Registry) Get(ctx context.Context, viewerID string) (*Engine, error) {
	viewerID = strings.TrimSpace(viewerID)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if m, ok := r.engines[viewerID]; ok {
		m.lastUsed = time.Now()
		r.mu.Unlock()
		return m.engine, nil
	}

	e, err := r.factory(viewerID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	ectx, cancel := context.WithCancel(r.ctx)
	r.engines[viewerID] = &managed{engine: e, cancel: cancel, lastUsed: time.Now()}
	r.wg.Add(1)
	r.mu.Unlock()

	r.metrics.engineStarted()
	r.log.Info("inbox.engine.start", "viewer_id", viewerID)
	go func() {
		defer r.wg.Done()
		defer r.metrics.engineStopped()
		_ = e.Run(ectx)
		r.log.Info("inbox.engine.stop", "viewer_id", viewerID)
	}()

	// Failure leaves an empty index; Run keeps retrying in the background.
	_ = e.Load(ctx)
	return e, nil
}

// Len returns the number of running engines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Run evicts idle engines until ctx is done, then closes the registry.
func (r *Registry) Run(ctx context.Context) error {
	defer r.Close()

	if r.idleTTL <= 0 {
		<-ctx.Done()
		return nil
	}

	tick := time.NewTicker(max(r.idleTTL/2, time.Second))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			if n := r.sweep(now); n > 0 {
				r.log.Debug("inbox.registry.sweep", "evicted", n)
			}
		}
	}
}

func (r *Registry) sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, m := range r.engines {
		if now.Sub(m.lastUsed) < r.idleTTL {
			continue
		}
		m.cancel()
		delete(r.engines, id)
		n++
	}
	return n
}

// Close stops every engine and waits for them to exit. It is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for id, m := range r.engines {
		m.cancel()
		delete(r.engines, id)
	}
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
