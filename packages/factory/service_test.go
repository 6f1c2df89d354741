package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/external"
	"github.com/hunterfi/factory/packages/ledger"
	"github.com/hunterfi/factory/packages/refund"
	"github.com/hunterfi/factory/packages/registry"
	service "github.com/hunterfi/factory/system/framework/core"
)

const feeE8s = 100_000_000

func newTestService(t *testing.T) (*Service, *external.FakeComputeClient, *external.FakeTokenLedgerClient, *ledger.Service) {
	t.Helper()
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	compute := external.NewFakeComputeClient()
	tokens := external.NewFakeTokenLedgerClient()
	svc := New(store, ledgerSvc, compute, tokens, feeE8s, external.RetryPolicy{MaxAttempts: 3}, nil)

	require.NoError(t, svc.RegisterBinaryModule(context.Background(), domain.BinaryModule{
		StrategyType: domain.DollarCostAveraging,
		Version:      "v1",
		ModuleHash:   "hash",
		Bytes:        []byte("wasm"),
	}))
	return svc, compute, tokens, ledgerSvc
}

func validDCAConfig() domain.DCAConfig {
	return domain.DCAConfig{
		Exchange:           domain.ICPSwap,
		BaseToken:          domain.TokenMetadata{Symbol: "ICP", Decimals: 8},
		QuoteToken:         domain.TokenMetadata{Symbol: "ckUSDC", Decimals: 6},
		AmountPerExecution: 1_000_000,
		IntervalSecs:       3600,
		SlippageTolerance:  1.0,
	}
}

// Scenario 1: happy path, request through to Deployed.
func TestHappyPathDeploymentReachesDeployed(t *testing.T) {
	svc, _, tokens, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreateDeploymentRequest(ctx, "owner-1", validDCAConfig())
	require.NoError(t, err)
	require.Equal(t, domain.PendingPayment, record.Status)

	_, err = ledgerDeposit(svc, ctx, "owner-1", feeE8s)
	require.NoError(t, err)
	tokens.Approve("owner-1", feeE8s)

	_, err = svc.AuthorizeDeployment(ctx, "owner-1", record.DeploymentID)
	require.NoError(t, err)

	final, err := pollUntilTerminal(svc, ctx, record.DeploymentID)
	require.NoError(t, err)
	require.Equal(t, domain.Deployed, final.Status)
	require.NotEmpty(t, final.InstanceID)

	strategies, err := svc.ListStrategiesByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, strategies, 1)
}

// Scenario 2: a transient compute failure recovers within the retry budget.
func TestTransientComputeFailureRecoversWithinRetryBudget(t *testing.T) {
	svc, compute, tokens, _ := newTestService(t)
	ctx := context.Background()
	compute.FailCreateTimes = 2 // fewer than MaxAttempts

	record, err := svc.CreateDeploymentRequest(ctx, "owner-1", validDCAConfig())
	require.NoError(t, err)
	_, err = ledgerDeposit(svc, ctx, "owner-1", feeE8s)
	require.NoError(t, err)
	tokens.Approve("owner-1", feeE8s)

	_, err = svc.AuthorizeDeployment(ctx, "owner-1", record.DeploymentID)
	require.NoError(t, err)

	final, err := pollUntilTerminal(svc, ctx, record.DeploymentID)
	require.NoError(t, err)
	require.Equal(t, domain.Deployed, final.Status)
}

// Scenario 4: authorizing a deployment twice fails state validation.
func TestAuthorizeDeploymentRejectsWrongState(t *testing.T) {
	svc, _, tokens, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreateDeploymentRequest(ctx, "owner-1", validDCAConfig())
	require.NoError(t, err)
	_, err = ledgerDeposit(svc, ctx, "owner-1", feeE8s)
	require.NoError(t, err)
	tokens.Approve("owner-1", feeE8s)

	_, err = svc.AuthorizeDeployment(ctx, "owner-1", record.DeploymentID)
	require.NoError(t, err)

	_, err = svc.AuthorizeDeployment(ctx, "owner-1", record.DeploymentID)
	require.Error(t, err)
	require.True(t, service.IsStateError(err))
}

// Scenario 5: a permanent compute failure exhausts retries and fails the
// deployment without completing it.
func TestPermanentComputeFailureFailsDeployment(t *testing.T) {
	svc, compute, tokens, _ := newTestService(t)
	ctx := context.Background()
	compute.Permanent = true
	compute.FailCreateTimes = 1

	record, err := svc.CreateDeploymentRequest(ctx, "owner-1", validDCAConfig())
	require.NoError(t, err)
	_, err = ledgerDeposit(svc, ctx, "owner-1", feeE8s)
	require.NoError(t, err)
	tokens.Approve("owner-1", feeE8s)

	_, err = svc.AuthorizeDeployment(ctx, "owner-1", record.DeploymentID)
	require.NoError(t, err)

	final, err := pollUntilTerminal(svc, ctx, record.DeploymentID)
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentFailed, final.Status)
	require.Contains(t, final.ErrorMessage, "Failed to create compute instance")
}

// A permanent compute failure past fee collection must reach Refunded on
// its own, without a caller ever POSTing /refund, once a refund processor
// is wired — spec §4.4's "schedules a refund attempt".
func TestPermanentComputeFailureAutoRefundsWhenRefundProcessorWired(t *testing.T) {
	svc, compute, tokens, ledgerSvc := newTestService(t)
	refundSvc := refund.New(svc.store, ledgerSvc, 3, nil)
	svc.SetRefundProcessor(refundSvc)
	ctx := context.Background()
	compute.Permanent = true
	compute.FailCreateTimes = 1

	record, err := svc.CreateDeploymentRequest(ctx, "owner-1", validDCAConfig())
	require.NoError(t, err)
	_, err = ledgerDeposit(svc, ctx, "owner-1", feeE8s)
	require.NoError(t, err)
	tokens.Approve("owner-1", feeE8s)

	_, err = svc.AuthorizeDeployment(ctx, "owner-1", record.DeploymentID)
	require.NoError(t, err)

	final, err := pollUntilTerminal(svc, ctx, record.DeploymentID)
	require.NoError(t, err)
	require.Equal(t, domain.Refunded, final.Status)

	acct, err := ledgerSvc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(feeE8s), acct.BalanceE8s)
}

func TestCancelDeploymentBeforePaymentNeedsNoRefund(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	record, err := svc.CreateDeploymentRequest(ctx, "owner-1", validDCAConfig())
	require.NoError(t, err)

	cancelled, err := svc.CancelDeployment(ctx, "owner-1", record.DeploymentID)
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentCancelled, cancelled.Status)
}

func TestCreateDeploymentRequestRejectsUnregisteredStrategy(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	cfg := domain.ValueAvgConfig{
		Exchange:            domain.KongSwap,
		TargetValueIncrease: 1,
		IntervalSecs:        60,
	}
	_, err := svc.CreateDeploymentRequest(ctx, "owner-1", cfg)
	require.Error(t, err)
}

func ledgerDeposit(svc *Service, ctx context.Context, owner string, amount uint64) (domain.DeploymentRecord, error) {
	_, err := svc.ledger.Deposit(ctx, owner, amount)
	return domain.DeploymentRecord{}, err
}

// pollUntilTerminal runs ExecuteDeployment synchronously — AuthorizeDeployment
// leaves that to the caller, mirroring the HTTP layer's explicit trigger.
func pollUntilTerminal(svc *Service, ctx context.Context, deploymentID string) (domain.DeploymentRecord, error) {
	_ = svc.executeDeployment(ctx, deploymentID)
	return svc.GetRecord(ctx, deploymentID)
}
