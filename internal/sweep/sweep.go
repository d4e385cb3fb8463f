package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmorgan81/imagegen/internal/cache"
	"github.com/dmorgan81/imagegen/internal/log"
	"github.com/robfig/cron/v3"
	"github.com/samber/do"
)

// Evicter is the part of the cache the sweeper drives.
type Evicter interface {
	Evict(ctx context.Context, threshold time.Duration) int
}

// Sweeper periodically evicts idle pipelines on its own schedule,
// independent of request handling.
type Sweeper struct {
	ctx       context.Context
	cron      *cron.Cron
	evicter   Evicter
	threshold time.Duration
}

func New(ctx context.Context, evicter Evicter, interval, threshold time.Duration) (*Sweeper, error) {
	if interval < time.Second {
		return nil, fmt.Errorf("sweep interval %s is below one second", interval)
	}

	s := &Sweeper{
		ctx:       ctx,
		evicter:   evicter,
		threshold: threshold,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger{log.FromContextOrDiscard(ctx).WithGroup("sweep")}))),
	}
	if _, err := s.cron.AddFunc("@every "+interval.String(), s.Sweep); err != nil {
		return nil, fmt.Errorf("scheduling sweep: %w", err)
	}
	return s, nil
}

func NewSweeper(i *do.Injector) (*Sweeper, error) {
	return New(
		do.MustInvoke[context.Context](i),
		do.MustInvoke[*cache.Manager](i),
		do.MustInvokeNamed[time.Duration](i, "sweep_interval"),
		do.MustInvokeNamed[time.Duration](i, "idle_threshold"),
	)
}

// Sweep runs one eviction pass.
func (s *Sweeper) Sweep() {
	log := log.FromContextOrDiscard(s.ctx).WithGroup("sweep")
	if n := s.evicter.Evict(s.ctx, s.threshold); n > 0 {
		log.Info("evicted idle pipelines", "count", n, "threshold", s.threshold)
		return
	}
	log.Debug("nothing to evict")
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Shutdown stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Shutdown() error {
	<-s.cron.Stop().Done()
	return nil
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
