// Package factory implements C4, the deployment state machine: the engine
// that carries a DeploymentRecord from PendingPayment through to Deployed
// (or into the failure/cancellation/refund branches), driving C1 (registry),
// C2 (ledger), and C3 (external) exactly as spec §4.4's DAG prescribes.
package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/external"
	"github.com/hunterfi/factory/packages/ledger"
	"github.com/hunterfi/factory/packages/refund"
	"github.com/hunterfi/factory/packages/registry"
	"github.com/hunterfi/factory/pkg/logger"
	"github.com/hunterfi/factory/system/framework"
	service "github.com/hunterfi/factory/system/framework/core"
)

// Service drives deployment requests through the state machine. It embeds
// framework.ServiceBase the way every teacher package service does, even
// though the factory has no background loop of its own — C6 owns the timer.
type Service struct {
	framework.ServiceBase

	store   registry.Store
	ledger  *ledger.Service
	compute external.ComputeClient
	tokens  external.TokenLedgerClient
	retry   external.RetryPolicy
	feeE8s  uint64
	refund  *refund.Service
	log     *logger.Logger
}

// SetRefundProcessor wires C5 in so fail() can schedule a refund attempt the
// moment a deployment moves to DeploymentFailed, per spec §4.4 ("Any
// failure ... schedules a refund attempt"). Optional: a Service with no
// refund processor set still fails deployments correctly, it just leaves
// the refund to the reconciler's next DeploymentFailed scan.
func (s *Service) SetRefundProcessor(r *refund.Service) {
	s.refund = r
}

// New constructs the deployment state machine.
func New(store registry.Store, ledgerSvc *ledger.Service, compute external.ComputeClient, tokens external.TokenLedgerClient, feeE8s uint64, retry external.RetryPolicy, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("factory")
	}
	svc := &Service{
		store:   store,
		ledger:  ledgerSvc,
		compute: compute,
		tokens:  tokens,
		retry:   retry,
		feeE8s:  feeE8s,
		log:     log,
	}
	svc.SetName("factory")
	svc.MarkReady(true)
	return svc
}

// CreateDeploymentRequest validates cfg, confirms its binary module is
// registered, and inserts a new PendingPayment record. It is the single
// skeleton shared by every request_<strategy> operation in spec §6 — the
// reference implementation repeats this skeleton five times in
// deployment.rs; this is its Go generalization over the StrategyConfig
// interface.
func (s *Service) CreateDeploymentRequest(ctx context.Context, owner string, cfg domain.StrategyConfig) (domain.DeploymentRecord, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return domain.DeploymentRecord{}, service.RequiredError("owner")
	}
	if err := cfg.Validate(); err != nil {
		return domain.DeploymentRecord{}, err
	}

	strategyType := cfg.StrategyType()
	hasModule, err := s.store.HasBinaryModule(ctx, strategyType)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if !hasModule {
		return domain.DeploymentRecord{}, service.NewValidationError("strategy_type", fmt.Sprintf("%s binary module not registered", strategyType))
	}

	now := time.Now().UTC()
	id, err := s.store.GenerateDeploymentID(ctx, owner, now)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	configData, err := domain.EncodeConfig(cfg)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	record := domain.DeploymentRecord{
		DeploymentID: id,
		StrategyType: strategyType,
		Owner:        owner,
		FeeAmountE8s: s.feeE8s,
		RequestTime:  now,
		Status:       domain.PendingPayment,
		ConfigData:   configData,
		LastUpdated:  now,
	}
	if err := s.store.PutRecord(ctx, record); err != nil {
		return domain.DeploymentRecord{}, err
	}
	s.log.WithField("deployment_id", id).WithField("strategy_type", strategyType).WithField("owner", owner).Info("deployment request created")
	return record, nil
}

// AuthorizeDeployment checks the owner's external allowance, advances the
// record through AuthorizationConfirmed to PaymentReceived once the fee is
// collected, and returns. It does not itself run ExecuteDeployment — callers
// (the HTTP layer, or a test) trigger it explicitly, which is the Go
// equivalent of the reference implementation's ic_cdk::spawn fire-and-forget
// background task for execute_deployment.
func (s *Service) AuthorizeDeployment(ctx context.Context, owner, deploymentID string) (domain.DeploymentRecord, error) {
	record, err := s.store.GetRecord(ctx, deploymentID)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if record.Owner != owner {
		return domain.DeploymentRecord{}, service.NewAuthError("deployment", deploymentID, owner)
	}
	if record.Status != domain.PendingPayment {
		return domain.DeploymentRecord{}, service.NewStateError(deploymentID, string(record.Status), "confirm_deployment")
	}

	hasAllowance, err := s.tokens.CheckAllowance(ctx, owner, record.FeeAmountE8s)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if !hasAllowance {
		return domain.DeploymentRecord{}, service.NewValidationError("allowance", fmt.Sprintf("approve at least %d e8s to the factory", record.FeeAmountE8s))
	}

	record, err = s.store.UpdateStatus(ctx, deploymentID, domain.PendingPayment, domain.AuthorizationConfirmed, "", "")
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	if err := s.ledger.DebitDeploymentFee(ctx, owner, record.FeeAmountE8s, deploymentID); err != nil {
		// Fee collection failed after authorization: fail the deployment
		// without a refund path, since no fee was ever collected. The
		// message is matched verbatim by the reconciler's refund-skip rule.
		_, _ = s.store.UpdateStatus(ctx, deploymentID, domain.AuthorizationConfirmed, domain.DeploymentFailed, "", "Fee collection failed: "+err.Error())
		return domain.DeploymentRecord{}, err
	}

	record, err = s.store.UpdateStatus(ctx, deploymentID, domain.AuthorizationConfirmed, domain.PaymentReceived, "", "")
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	s.log.WithField("deployment_id", deploymentID).Info("deployment authorized and fee collected")
	return record, nil
}

// CancelDeployment lets the owner withdraw a request that has not yet
// consumed its fee (PendingPayment/AuthorizationConfirmed), or trigger a
// refund for one that has (PaymentReceived and later, short of a terminal
// status) — spec §9's resolved open question on cancellation scope.
func (s *Service) CancelDeployment(ctx context.Context, owner, deploymentID string) (domain.DeploymentRecord, error) {
	record, err := s.store.GetRecord(ctx, deploymentID)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if record.Owner != owner {
		return domain.DeploymentRecord{}, service.NewAuthError("deployment", deploymentID, owner)
	}
	if record.Status.Terminal() || record.Status == domain.Refunding {
		return domain.DeploymentRecord{}, service.NewStateError(deploymentID, string(record.Status), "cancel_deployment")
	}

	if !record.Status.PastPaymentReceived() || (record.Status == domain.DeploymentFailed && !refund.NeedsRefund(record)) {
		return s.store.UpdateStatus(ctx, deploymentID, record.Status, domain.DeploymentCancelled, "", "cancelled by owner before fee collection")
	}

	record, err = s.store.UpdateStatus(ctx, deploymentID, record.Status, domain.Refunding, "", "cancelled by owner")
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	s.log.WithField("deployment_id", deploymentID).Info("deployment cancelled post-payment, routed to refund")
	return record, nil
}

// ExecuteDeployment drives a PaymentReceived record through
// CanisterCreated -> CodeInstalled -> Initialized -> Deployed, writing
// StrategyMetadata at the end. Any stage failure moves the record to
// DeploymentFailed with RefundNotStarted, for C5/C6 to pick up. Grounded on
// deployment.rs's execute_deployment.
func (s *Service) ExecuteDeployment(ctx context.Context, deploymentID string) {
	if err := s.executeDeployment(ctx, deploymentID); err != nil {
		s.log.WithError(err).WithField("deployment_id", deploymentID).Warn("deployment execution failed")
	}
}

func (s *Service) executeDeployment(ctx context.Context, deploymentID string) error {
	record, err := s.store.GetRecord(ctx, deploymentID)
	if err != nil {
		return err
	}
	if record.Status != domain.PaymentReceived {
		return service.NewStateError(deploymentID, string(record.Status), "execute_deployment")
	}

	var instanceID string
	err = external.WithRetry(ctx, s.retry, func() error {
		var createErr error
		instanceID, createErr = s.compute.CreateInstance(ctx)
		return createErr
	})
	if err != nil {
		return s.fail(ctx, deploymentID, domain.PaymentReceived, "", fmt.Sprintf("Failed to create compute instance: %s", err))
	}
	if record, err = s.store.UpdateStatus(ctx, deploymentID, domain.PaymentReceived, domain.CanisterCreated, instanceID, ""); err != nil {
		return err
	}

	module, err := s.store.GetBinaryModule(ctx, record.StrategyType)
	if err != nil {
		return s.fail(ctx, deploymentID, domain.CanisterCreated, instanceID, fmt.Sprintf("binary module not found for strategy type: %s", record.StrategyType))
	}

	err = external.WithRetry(ctx, s.retry, func() error {
		return s.compute.InstallCode(ctx, instanceID, module.Bytes)
	})
	if err != nil {
		return s.fail(ctx, deploymentID, domain.CanisterCreated, instanceID, fmt.Sprintf("Failed to install code: %s", err))
	}
	if record, err = s.store.UpdateStatus(ctx, deploymentID, domain.CanisterCreated, domain.CodeInstalled, instanceID, ""); err != nil {
		return err
	}

	cfg, err := domain.DecodeConfig(record.StrategyType, record.ConfigData)
	if err != nil {
		return s.fail(ctx, deploymentID, domain.CodeInstalled, instanceID, fmt.Sprintf("failed to decode config: %s", err))
	}

	err = external.WithRetry(ctx, s.retry, func() error {
		return s.compute.CallInit(ctx, instanceID, record.StrategyType.InitMethod(), record.Owner, record.ConfigData)
	})
	if err != nil {
		return s.fail(ctx, deploymentID, domain.CodeInstalled, instanceID, fmt.Sprintf("Failed to initialize strategy: %s", err))
	}
	if record, err = s.store.UpdateStatus(ctx, deploymentID, domain.CodeInstalled, domain.Initialized, instanceID, ""); err != nil {
		return err
	}

	metadata := domain.StrategyMetadata{
		InstanceID:   instanceID,
		StrategyType: record.StrategyType,
		Owner:        record.Owner,
		CreatedAt:    time.Now().UTC(),
		Status:       domain.StrategyCreated,
		Exchange:     cfg.ExchangeTag(),
		TradingPair:  domain.DeriveTradingPair(cfg),
	}
	if err := s.store.PutStrategyMetadata(ctx, metadata); err != nil {
		return err
	}
	if _, err := s.store.UpdateStatus(ctx, deploymentID, domain.Initialized, domain.Deployed, instanceID, ""); err != nil {
		return err
	}

	s.log.WithField("deployment_id", deploymentID).WithField("instance_id", instanceID).Info("deployment completed")
	return nil
}

func (s *Service) fail(ctx context.Context, deploymentID string, expected domain.DeploymentStatus, instanceID, reason string) error {
	updated, err := s.store.UpdateStatus(ctx, deploymentID, expected, domain.DeploymentFailed, instanceID, reason)
	if err != nil {
		s.log.WithError(err).WithField("deployment_id", deploymentID).Error("failed to mark deployment failed")
	} else if marked, markErr := s.store.UpdateRefund(ctx, deploymentID, domain.RefundState{Status: domain.RefundNotStarted}); markErr != nil {
		s.log.WithError(markErr).WithField("deployment_id", deploymentID).Error("failed to mark refund not started")
	} else {
		updated = marked
	}
	s.log.WithField("deployment_id", deploymentID).WithField("reason", reason).Warn("deployment failed")

	// Spec §4.4: a failure past fee collection schedules a refund attempt
	// immediately, rather than waiting on the reconciler's next sweep.
	if err == nil && s.refund != nil && refund.NeedsRefund(updated) {
		if refundErr := s.refund.ProcessRefund(ctx, deploymentID); refundErr != nil {
			s.log.WithError(refundErr).WithField("deployment_id", deploymentID).Debug("refund did not complete immediately")
		}
	}
	return service.NewDeploymentFailureError(deploymentID, reason)
}

// GetRecord returns a single deployment record.
func (s *Service) GetRecord(ctx context.Context, id string) (domain.DeploymentRecord, error) {
	return s.store.GetRecord(ctx, id)
}

// ListRecordsByOwner returns all of owner's deployment records.
func (s *Service) ListRecordsByOwner(ctx context.Context, owner string) ([]domain.DeploymentRecord, error) {
	return s.store.ListRecordsByOwner(ctx, owner)
}

// ListAllRecords returns every deployment record (admin operation).
func (s *Service) ListAllRecords(ctx context.Context) ([]domain.DeploymentRecord, error) {
	return s.store.ListAllRecords(ctx)
}

// GetStrategy returns a single deployed strategy's metadata.
func (s *Service) GetStrategy(ctx context.Context, instanceID string) (domain.StrategyMetadata, error) {
	return s.store.GetStrategyMetadata(ctx, instanceID)
}

// ListStrategiesByOwner returns owner's deployed strategies.
func (s *Service) ListStrategiesByOwner(ctx context.Context, owner string) ([]domain.StrategyMetadata, error) {
	return s.store.ListStrategiesByOwner(ctx, owner)
}

// ListAllStrategies returns every deployed strategy (admin operation).
func (s *Service) ListAllStrategies(ctx context.Context) ([]domain.StrategyMetadata, error) {
	return s.store.ListAllStrategies(ctx)
}

// StrategyCount returns the total number of deployed strategies.
func (s *Service) StrategyCount(ctx context.Context) (int, error) {
	return s.store.StrategyCount(ctx)
}

// DeploymentFee returns the flat per-deployment fee.
func (s *Service) DeploymentFee() uint64 { return s.feeE8s }

// RegisterBinaryModule stores the compute payload for strategyType (admin
// operation; spec §4.3's "factory never inspects or runs strategy code").
func (s *Service) RegisterBinaryModule(ctx context.Context, m domain.BinaryModule) error {
	if !m.StrategyType.Valid() {
		return service.NewValidationError("strategy_type", "unknown strategy type")
	}
	if len(m.Bytes) == 0 {
		return service.NewValidationError("wasm_bytes", "binary module cannot be empty")
	}
	m.RegisteredAt = time.Now().UTC()
	return s.store.PutBinaryModule(ctx, m)
}
