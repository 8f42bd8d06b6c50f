package builder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tessera-ai/fedsearch"
	"github.com/tessera-ai/fedsearch/config"
)

// runTimeout bounds one scheduled pass over all tenants.
const runTimeout = 30 * time.Minute

// Scheduler triggers builder runs on a cron schedule for a fixed tenant
// list. Stop waits for an in-flight run to finish, so shutdown never leaves
// a half-executed cron slot behind.
type Scheduler struct {
	builder  *Builder
	schedule string
	tenants  []string
	logger   *zap.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler builds a Scheduler from the builder config. The schedule is a
// standard five-field cron expression.
func NewScheduler(b *Builder, cfg config.BuilderConfig, logger *zap.Logger) (*Scheduler, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: builder is required", fedsearch.ErrInvalidArgument)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("%w: invalid builder schedule %q: %v", fedsearch.ErrInvalidArgument, cfg.Schedule, err)
	}
	return &Scheduler{
		builder:  b,
		schedule: cfg.Schedule,
		tenants:  append([]string(nil), cfg.Tenants...),
		logger:   logger,
		cron:     cron.New(),
	}, nil
}

// Start registers the cron entry and begins scheduling. Calling Start twice
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	_, err := s.cron.AddFunc(s.schedule, func() {
		s.mu.Lock()
		runCtx := s.ctx
		s.mu.Unlock()
		if runCtx == nil {
			return
		}
		runCtx, cancel := context.WithTimeout(runCtx, runTimeout)
		defer cancel()
		s.RunAll(runCtx)
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("%w: schedule builder job: %v", fedsearch.ErrInternal, err)
	}

	s.cron.Start()
	s.started = true
	s.logger.Info("centroid build schedule started",
		zap.String("schedule", s.schedule), zap.Int("tenants", len(s.tenants)))
	return nil
}

// Stop cancels the run context and waits for the cron goroutine and any
// in-flight job to drain.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.started = false
	s.logger.Info("centroid build schedule stopped")
	return nil
}

// RunAll rebuilds every configured tenant once, sequentially. It is also
// what the cron entry invokes; exposing it lets the CLI trigger the same
// pass on demand.
func (s *Scheduler) RunAll(ctx context.Context) []*BuildReport {
	reports := make([]*BuildReport, 0, len(s.tenants))
	for _, tenant := range s.tenants {
		if ctx.Err() != nil {
			break
		}
		report, err := s.builder.Run(ctx, tenant, nil)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			s.logger.Warn("scheduled centroid build interrupted",
				zap.String("tenant", tenant), zap.Error(err))
			continue
		}
	}
	return reports
}
