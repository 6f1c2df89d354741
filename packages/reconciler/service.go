// Package reconciler implements C6, the timer loop: a periodic scan over
// every non-terminal deployment record that fails stage timeouts, retries
// refunds that are in flight or previously failed, and archives terminal
// records past their retention period. Grounded on the reference factory's
// timer.rs (process_failed_deployments, process_refunds) and
// state.rs's per-stage timeout constants, adapted from ic_cdk_timers'
// set_timer_interval into a Go ticker loop in the shape of the teacher's
// price feed refresher (packages/com.r3e.services.pricefeed/refresher.go).
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/refund"
	"github.com/hunterfi/factory/packages/registry"
	"github.com/hunterfi/factory/pkg/logger"
	"github.com/hunterfi/factory/system/framework"
	core "github.com/hunterfi/factory/system/framework/core"
)

// nonTerminalStatuses are the statuses the reconcile tick scans. Deployed/
// Refunded/DeploymentCancelled are terminal and never age out this way.
// Refunding is scanned so its refund is retried on every tick, whatever its
// age (its StageTimeouts entry is not consulted); DeploymentFailed is scanned
// too, per spec §4.6, so a
// refund-eligible failure that fail() could not immediately drive to
// Refunded (no refund processor wired, or the immediate attempt itself
// failed) keeps getting retried instead of sitting orphaned.
var nonTerminalStatuses = []domain.DeploymentStatus{
	domain.PendingPayment,
	domain.AuthorizationConfirmed,
	domain.PaymentReceived,
	domain.CanisterCreated,
	domain.CodeInstalled,
	domain.Initialized,
	domain.Refunding,
	domain.DeploymentFailed,
}

// Service runs the two background sweeps named in spec §4.6: the stage
// timeout / refund-retry reconciler, and the terminal-record archiver.
type Service struct {
	framework.ServiceBase

	store  registry.Store
	refund *refund.Service
	log    *logger.Logger
	tracer core.Tracer

	reconcileInterval time.Duration
	archiveInterval   time.Duration
	stageTimeouts     map[domain.DeploymentStatus]time.Duration
	retentionPeriod   time.Duration
	maxActiveRecords  int

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Config holds the reconciler's tunables, sourced from config.FactoryConfig.
type Config struct {
	ReconcileInterval time.Duration
	ArchiveInterval   time.Duration
	StageTimeouts     map[string]time.Duration
	RetentionPeriod   time.Duration
	MaxActiveRecords  int // 0 disables the excess-count archival branch
}

// New constructs the reconciler. log may be nil.
func New(store registry.Store, refundSvc *refund.Service, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	timeouts := make(map[domain.DeploymentStatus]time.Duration, len(cfg.StageTimeouts))
	for status, d := range cfg.StageTimeouts {
		timeouts[domain.DeploymentStatus(status)] = d
	}
	svc := &Service{
		store:             store,
		refund:            refundSvc,
		log:               log,
		tracer:            core.NoopTracer,
		reconcileInterval: cfg.ReconcileInterval,
		archiveInterval:   cfg.ArchiveInterval,
		stageTimeouts:     timeouts,
		retentionPeriod:   cfg.RetentionPeriod,
		maxActiveRecords:  cfg.MaxActiveRecords,
	}
	svc.SetName("reconciler")
	return svc
}

// WithTracer configures span emission for per-record reconcile attempts.
// Mirrors the teacher price feed refresher's WithTracer.
func (s *Service) WithTracer(tracer core.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tracer == nil {
		s.tracer = core.NoopTracer
	} else {
		s.tracer = tracer
	}
}

// Start launches the reconcile and archive tickers in the background.
// Mirrors the teacher price feed refresher's Start/Stop lifecycle.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.loop(runCtx, s.reconcileInterval, s.reconcileTick)
	go s.loop(runCtx, s.archiveInterval, s.archiveTick)

	s.log.Info("reconciler started")
	s.MarkReady(true)
	return nil
}

// Stop cancels both tickers and waits for the in-flight tick to finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.MarkReady(false)
	s.log.Info("reconciler stopped")
	return nil
}

func (s *Service) Ready(ctx context.Context) error {
	if err := s.ServiceBase.Ready(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("reconciler not running")
	}
	return nil
}

func (s *Service) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer s.wg.Done()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// reconcileTick scans every non-terminal record for a stage timeout and
// retries any refund still in progress or previously failed. Exported as
// ReconcileOnce so tests and cmd/factoryd's startup sweep can drive a
// single pass synchronously instead of waiting on the ticker.
func (s *Service) reconcileTick(ctx context.Context) {
	if err := s.ReconcileOnce(ctx); err != nil {
		s.log.WithError(err).Warn("reconcile tick failed")
	}
}

// ReconcileOnce runs one full scan: stage timeouts first, then a refund
// retry pass over every record that owes one.
func (s *Service) ReconcileOnce(ctx context.Context) error {
	now := time.Now().UTC()
	for _, status := range nonTerminalStatuses {
		records, err := s.store.ListRecordsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list records by status %s: %w", status, err)
		}
		for _, record := range records {
			if err := ctx.Err(); err != nil {
				return err
			}
			s.reconcileRecord(ctx, record, now)
		}
	}
	return nil
}

func (s *Service) reconcileRecord(ctx context.Context, record domain.DeploymentRecord, now time.Time) {
	attrs := map[string]string{"deployment_id": record.DeploymentID, "status": string(record.Status)}
	spanCtx, finishSpan := s.tracer.StartSpan(ctx, "reconciler.reconcile_record", attrs)

	switch record.Status {
	case domain.Refunding:
		finishSpan(s.retryRefund(spanCtx, record))
		return
	case domain.DeploymentFailed:
		finishSpan(s.retryFailedRefund(spanCtx, record))
		return
	}

	timeout, ok := s.stageTimeouts[record.Status]
	if !ok || now.Sub(record.LastUpdated) < timeout {
		finishSpan(nil)
		return
	}
	finishSpan(s.timeoutStage(spanCtx, record))
}

// retryFailedRefund re-drives a DeploymentFailed record whose error is not
// in the no-refund class, per spec §4.6. fail() already attempts this
// immediately; this covers the case where no refund processor was wired at
// the time, or that immediate attempt itself failed.
func (s *Service) retryFailedRefund(ctx context.Context, record domain.DeploymentRecord) error {
	if !refund.NeedsRefund(record) {
		return nil
	}
	return s.retryRefund(ctx, record)
}

// timeoutStage fails a record whose current stage has exceeded its budget,
// matching timer.rs's per-stage reason strings exactly so refund.NeedsRefund
// classifies them the same way the reference canister does.
func (s *Service) timeoutStage(ctx context.Context, record domain.DeploymentRecord) error {
	var reason string
	switch record.Status {
	case domain.PendingPayment:
		reason = "Payment timeout exceeded"
	case domain.AuthorizationConfirmed:
		reason = "Authorization timeout exceeded"
	default:
		reason = fmt.Sprintf("Stage timeout exceeded: %s", record.Status)
	}

	updated, err := s.store.UpdateStatus(ctx, record.DeploymentID, record.Status, domain.DeploymentFailed, record.InstanceID, reason)
	if err != nil {
		s.log.WithField("deployment_id", record.DeploymentID).WithError(err).Warn("failed to mark deployment timed out")
		return err
	}
	s.log.WithField("deployment_id", record.DeploymentID).WithField("reason", reason).Warn("deployment stage timed out")

	if refund.NeedsRefund(updated) {
		return s.retryRefund(ctx, updated)
	}
	return nil
}

func (s *Service) retryRefund(ctx context.Context, record domain.DeploymentRecord) error {
	err := s.refund.ProcessRefund(ctx, record.DeploymentID)
	if err != nil {
		s.log.WithField("deployment_id", record.DeploymentID).WithError(err).Debug("refund retry did not complete")
	}
	return err
}

// archiveTick sweeps terminal records past retention. Exported as
// ArchiveOnce for the same synchronous-drive reason as ReconcileOnce.
func (s *Service) archiveTick(ctx context.Context) {
	if _, err := s.ArchiveOnce(ctx); err != nil {
		s.log.WithError(err).Warn("archive tick failed")
	}
}

// ArchiveOnce removes terminal records older than RetentionPeriod (plus any
// excess beyond MaxActiveRecords, oldest first, when configured) and
// returns how many were archived.
func (s *Service) ArchiveOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.retentionPeriod)
	n, err := s.store.ArchiveOldRecords(ctx, cutoff, s.maxActiveRecords)
	if err != nil {
		return 0, fmt.Errorf("archive old records: %w", err)
	}
	if n > 0 {
		s.log.WithField("archived", n).Info("archived terminal deployment records")
	}
	return n, nil
}
