// Package refund implements C5, the refund processor: idempotent, bounded
// retries that credit a failed or cancelled deployment's fee back to its
// owner via C2, moving the deployment into the dead-letter queue once
// MAX_REFUND_ATTEMPTS is exhausted. Grounded on the reference factory's
// process_balance_refund (payment.rs) and MAX_REFUND_ATTEMPTS gating
// (api.rs).
package refund

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/ledger"
	"github.com/hunterfi/factory/packages/registry"
	"github.com/hunterfi/factory/pkg/logger"
	"github.com/hunterfi/factory/system/framework"
	service "github.com/hunterfi/factory/system/framework/core"
)

// noRefundMarkers name the DeploymentFailed reasons that mean no fee was
// ever collected, so no refund is owed — copied verbatim from timer.rs's
// process_failed_deployments skip rule.
var noRefundMarkers = []string{
	"Fee collection failed",
	"Payment timeout exceeded",
	"Authorization timeout exceeded",
}

// Service drives a deployment's RefundState from NotStarted to Completed (or
// Failed, then dead-lettered after MaxAttempts).
type Service struct {
	framework.ServiceBase

	store      registry.Store
	ledger     *ledger.Service
	maxAttempts int
	log        *logger.Logger
}

// New constructs a refund processor.
func New(store registry.Store, ledgerSvc *ledger.Service, maxAttempts int, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("refund")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	svc := &Service{store: store, ledger: ledgerSvc, maxAttempts: maxAttempts, log: log}
	svc.SetName("refund")
	svc.MarkReady(true)
	return svc
}

// NeedsRefund reports whether record's failure reason entitles it to a
// refund — false for the no-fee-collected branch of DeploymentFailed.
func NeedsRefund(record domain.DeploymentRecord) bool {
	if record.Status != domain.DeploymentFailed && record.Status != domain.Refunding {
		return false
	}
	for _, marker := range noRefundMarkers {
		if strings.Contains(record.ErrorMessage, marker) {
			return false
		}
	}
	return true
}

// ProcessRefund attempts to credit deploymentID's fee back to its owner.
// Idempotent: a record already Refunded or already dead-lettered is a no-op.
func (s *Service) ProcessRefund(ctx context.Context, deploymentID string) error {
	record, err := s.store.GetRecord(ctx, deploymentID)
	if err != nil {
		return err
	}
	if record.Status == domain.Refunded {
		return nil
	}
	if record.Refund.Status == domain.RefundCompleted {
		return nil
	}
	if !NeedsRefund(record) {
		// No fee was collected; finalize without crediting anything back.
		_, err := s.store.UpdateStatus(ctx, deploymentID, record.Status, domain.Refunded, "", "")
		return err
	}

	if record.Refund.Status == domain.RefundFailed && record.Refund.Attempts >= s.maxAttempts {
		return service.NewRefundExhaustedError(deploymentID, record.Refund.Attempts, errors.New(record.Refund.Reason))
	}

	if record.Status != domain.Refunding {
		if record, err = s.store.UpdateStatus(ctx, deploymentID, record.Status, domain.Refunding, "", record.ErrorMessage); err != nil {
			return err
		}
	}

	attempt := record.Refund.Attempts + 1
	refundErr := s.ledger.CreditRefund(ctx, record.Owner, record.FeeAmountE8s, deploymentID)
	_ = s.store.RecordRefundAttempt(ctx, deploymentID, attempt, refundErr == nil, errString(refundErr))

	if refundErr != nil {
		state := domain.RefundState{Status: domain.RefundFailed, Attempts: attempt, Reason: refundErr.Error()}
		if _, err := s.store.UpdateRefund(ctx, deploymentID, state); err != nil {
			return err
		}
		if attempt >= s.maxAttempts {
			if err := s.store.PutDeadLetter(ctx, registry.DeadLetter{
				DeploymentID: deploymentID,
				Attempts:     attempt,
				LastError:    refundErr.Error(),
				CreatedAt:    time.Now().UTC(),
			}); err != nil {
				return err
			}
			s.log.WithField("deployment_id", deploymentID).WithField("attempts", attempt).Warn("refund exhausted, dead-lettered")
			return service.NewRefundExhaustedError(deploymentID, attempt, refundErr)
		}
		s.log.WithField("deployment_id", deploymentID).WithField("attempt", attempt).WithError(refundErr).Warn("refund attempt failed, will retry")
		return refundErr
	}

	now := time.Now().UTC()
	state := domain.RefundState{Status: domain.RefundCompleted, Attempts: attempt, CompletedAt: &now}
	if _, err := s.store.UpdateRefund(ctx, deploymentID, state); err != nil {
		return err
	}
	if _, err := s.store.UpdateStatus(ctx, deploymentID, domain.Refunding, domain.Refunded, "", ""); err != nil {
		return err
	}
	s.log.WithField("deployment_id", deploymentID).WithField("attempt", attempt).Info("refund completed")
	return nil
}

// ResetForRetry clears a dead-lettered deployment's refund state back to
// NotStarted, an admin-only operation (spec §6's admin reset surface).
func (s *Service) ResetForRetry(ctx context.Context, deploymentID string) error {
	record, err := s.store.GetRecord(ctx, deploymentID)
	if err != nil {
		return err
	}
	if record.Refund.Status != domain.RefundFailed {
		return service.NewStateError(deploymentID, string(record.Refund.Status), "reset_refund")
	}
	if _, err := s.store.UpdateRefund(ctx, deploymentID, domain.RefundState{Status: domain.RefundNotStarted}); err != nil {
		return err
	}
	return s.store.ResolveDeadLetter(ctx, deploymentID)
}

// ListDeadLetters returns every deployment whose refund has exhausted its
// retry budget and awaits admin intervention.
func (s *Service) ListDeadLetters(ctx context.Context) ([]registry.DeadLetter, error) {
	return s.store.ListDeadLetters(ctx)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
