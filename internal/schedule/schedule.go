// Package schedule triggers pipeline runs on a cron expression.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/headlines/internal/pipeline"
)

// Runner executes one scrape.
type Runner interface {
	Run(ctx context.Context) (pipeline.Result, error)
}

// parser accepts five-field expressions plus descriptors such as "@every 15m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs a Runner on a fixed cron schedule.
type Scheduler struct {
	expr   string
	runner Runner
	logger *zap.Logger
	cron   *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates expr and builds a Scheduler. The schedule does not fire until Start.
func New(expr string, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if _, err := parser.Parse(expr); err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		expr:   expr,
		runner: runner,
		logger: logger,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	if _, err := s.cron.AddFunc(expr, s.tick); err != nil {
		return nil, fmt.Errorf("schedule scrape: %w", err)
	}
	return s, nil
}

// Start begins firing. Runs use a context derived from ctx, canceled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scrape schedule started", zap.String("schedule", s.expr))
}

// Stop cancels any in-flight run and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("scrape schedule stopped")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	res, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Warn("scheduled scrape failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled scrape finished", zap.Int("inserted", len(res.Inserted)))
}
