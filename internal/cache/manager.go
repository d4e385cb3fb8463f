package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dmorgan81/imagegen/internal/activity"
	"github.com/dmorgan81/imagegen/internal/image"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/dmorgan81/imagegen/internal/metrics"
	"github.com/dmorgan81/imagegen/internal/model"
	"github.com/samber/do"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var (
	ErrConstruction = errors.New("pipeline construction failed")
	ErrClosed       = errors.New("pipeline cache closed")
)

var tracer = otel.Tracer("github.com/dmorgan81/imagegen/internal/cache")

type entry struct {
	variant  model.Variant
	pipeline image.Pipeline
	lastUsed time.Time
	refs     int
}

// Manager owns the loaded pipelines. An entry is in the map only once its
// pipeline is ready; loads in flight live in the singleflight group.
type Manager struct {
	registry *model.Registry
	loader   image.Loader
	metrics  *metrics.Metrics
	activity *activity.Log
	now      func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[model.Key]*entry
	closed  bool
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithActivity(l *activity.Log) Option {
	return func(m *Manager) { m.activity = l }
}

func New(registry *model.Registry, loader image.Loader, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		loader:   loader,
		now:      time.Now,
		entries:  make(map[model.Key]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func NewManager(i *do.Injector) (*Manager, error) {
	return New(
		do.MustInvoke[*model.Registry](i),
		do.MustInvoke[image.Loader](i),
		WithMetrics(do.MustInvoke[*metrics.Metrics](i)),
		WithActivity(do.MustInvoke[*activity.Log](i)),
	), nil
}

// Acquire returns a lease on the pipeline for key, loading it on a miss.
// Concurrent callers for the same key share a single load. The load itself
// is not cancelled when ctx is; a caller that gives up leaves it to finish
// and populate the cache.
func (m *Manager) Acquire(ctx context.Context, key model.Key) (*Lease, error) {
	variant, err := m.registry.Lookup(key)
	if err != nil {
		return nil, err
	}

	missed := false
	for {
		lease, err := m.lease(key)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			if !missed {
				m.metrics.CacheHit(variant.ID)
			}
			return lease, nil
		}

		if !missed {
			missed = true
			m.metrics.CacheMiss(variant.ID)
		}

		loadCtx := context.WithoutCancel(ctx)
		ch := m.group.DoChan(strconv.Itoa(int(key)), func() (any, error) {
			return nil, m.load(loadCtx, variant)
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
	}
}

func (m *Manager) lease(key model.Key) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	e.refs++
	e.lastUsed = m.now()
	m.metrics.LeaseAcquired()
	return &Lease{m: m, e: e}, nil
}

func (m *Manager) load(ctx context.Context, variant model.Variant) error {
	m.mu.Lock()
	_, ready := m.entries[variant.Key]
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	// another flight finished between our miss and this one starting
	if ready {
		return nil
	}

	ctx, span := tracer.Start(ctx, "cache.load")
	span.SetAttributes(attribute.String("model", variant.ID), attribute.Int("model_choice", int(variant.Key)))
	defer span.End()

	log := log.FromContextOrDiscard(ctx).WithGroup("cache").With("model", variant.ID, "model_choice", variant.Key)
	log.Info("loading pipeline")

	start := time.Now()
	pipeline, err := m.construct(ctx, variant)
	elapsed := time.Since(start)
	m.metrics.Loaded(variant.ID, elapsed, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("pipeline load failed", "error", err, "elapsed", elapsed)
		m.activity.Add(activity.Event{Type: activity.EventLoadFailed, Model: variant.ID, Note: err.Error()})
		return fmt.Errorf("%w: %s: %w", ErrConstruction, variant.ID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.closePipeline(ctx, variant, pipeline)
		return ErrClosed
	}
	m.entries[variant.Key] = &entry{variant: variant, pipeline: pipeline, lastUsed: m.now()}
	resident := len(m.entries)
	m.mu.Unlock()

	m.metrics.SetResident(resident)
	m.activity.Add(activity.Event{Type: activity.EventLoaded, Model: variant.ID, Note: elapsed.Round(time.Millisecond).String()})
	log.Info("pipeline ready", "elapsed", elapsed, "resident", resident)
	return nil
}

// construct shields the process from a panicking loader; a panic inside a
// singleflight DoChan call would otherwise be rethrown on its own goroutine.
func (m *Manager) construct(ctx context.Context, variant model.Variant) (pipeline image.Pipeline, err error) {
	defer func() {
		if r := recover(); r != nil {
			pipeline, err = nil, fmt.Errorf("loader panic: %v", r)
		}
	}()
	return m.loader.Load(ctx, variant)
}

func (m *Manager) release(e *entry) {
	m.mu.Lock()
	e.refs--
	e.lastUsed = m.now()
	m.mu.Unlock()
	m.metrics.LeaseReleased()
}

// Evict removes every entry that has no outstanding lease and has been idle
// for longer than threshold, then closes the evicted pipelines. Close
// failures are logged, not returned.
func (m *Manager) Evict(ctx context.Context, threshold time.Duration) int {
	now := m.now()

	m.mu.Lock()
	var victims []*entry
	for key, e := range m.entries {
		if e.refs > 0 {
			continue
		}
		if now.Sub(e.lastUsed) > threshold {
			delete(m.entries, key)
			victims = append(victims, e)
		}
	}
	resident := len(m.entries)
	m.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}
	m.metrics.SetResident(resident)

	log := log.FromContextOrDiscard(ctx).WithGroup("cache")
	for _, e := range victims {
		idle := now.Sub(e.lastUsed)
		log.Info("evicting idle pipeline", "model", e.variant.ID, "idle", idle)
		m.metrics.Evicted(e.variant.ID)
		m.activity.Add(activity.Event{Type: activity.EventEvicted, Model: e.variant.ID, Note: "idle " + idle.Round(time.Second).String()})
		_ = m.closePipeline(ctx, e.variant, e.pipeline)
	}
	return len(victims)
}

func (m *Manager) closePipeline(ctx context.Context, variant model.Variant, p image.Pipeline) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline close panic: %v", r)
		}
		if err != nil {
			m.metrics.CloseFailed()
			log.FromContextOrDiscard(ctx).WithGroup("cache").Warn("pipeline release failed", "model", variant.ID, "error", err)
		}
	}()
	return p.Close(ctx)
}

// Close releases every pipeline. Later acquires fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.entries
	leases := make(map[model.Key]int, len(entries))
	for key, e := range entries {
		leases[key] = e.refs
	}
	m.entries = make(map[model.Key]*entry)
	m.mu.Unlock()
	m.metrics.SetResident(0)

	var errs []error
	for key, e := range entries {
		if leases[key] > 0 {
			log.FromContextOrDiscard(ctx).WithGroup("cache").Warn("closing pipeline with outstanding leases", "model", e.variant.ID, "leases", leases[key])
		}
		if err := m.closePipeline(ctx, e.variant, e.pipeline); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.variant.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown lets the injector close the cache.
func (m *Manager) Shutdown() error {
	return m.Close(context.Background())
}

type Status struct {
	Variant  model.Variant
	Loaded   bool
	Leases   int
	LastUsed time.Time
}

// Statuses reports every configured variant and whether it is resident.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	variants := m.registry.Variants()
	out := make([]Status, 0, len(variants))
	for _, v := range variants {
		s := Status{Variant: v}
		if e, ok := m.entries[v.Key]; ok {
			s.Loaded = true
			s.Leases = e.refs
			s.LastUsed = e.lastUsed
		}
		out = append(out, s)
	}
	return out
}

// Lease is a checked-out pipeline. The entry cannot be evicted until every
// lease on it is released.
type Lease struct {
	m    *Manager
	e    *entry
	once sync.Once
}

func (l *Lease) Pipeline() image.Pipeline {
	return l.e.pipeline
}

func (l *Lease) Variant() model.Variant {
	return l.e.variant
}

// Release returns the lease. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.release(l.e) })
}
