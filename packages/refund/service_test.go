package refund

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/ledger"
	"github.com/hunterfi/factory/packages/registry"
)

func newFailedRecord(t *testing.T, store registry.Store, ledgerSvc *ledger.Service, owner string, feeE8s uint64, reason string) domain.DeploymentRecord {
	t.Helper()
	ctx := context.Background()
	_, err := ledgerSvc.Deposit(ctx, owner, feeE8s+1_000_000)
	require.NoError(t, err)
	require.NoError(t, ledgerSvc.DebitDeploymentFee(ctx, owner, feeE8s, "dep-1"))

	record := domain.DeploymentRecord{
		DeploymentID: "dep-1",
		StrategyType: domain.DollarCostAveraging,
		Owner:        owner,
		FeeAmountE8s: feeE8s,
		Status:       domain.DeploymentFailed,
		ErrorMessage: reason,
	}
	require.NoError(t, store.PutRecord(ctx, record))
	return record
}

func TestProcessRefundCreditsBalanceAndMarksRefunded(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	svc := New(store, ledgerSvc, 3, nil)
	ctx := context.Background()

	newFailedRecord(t, store, ledgerSvc, "owner-1", 100_000_000, "Failed to create compute instance: boom")

	require.NoError(t, svc.ProcessRefund(ctx, "dep-1"))

	record, err := store.GetRecord(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, domain.Refunded, record.Status)
	require.Equal(t, domain.RefundCompleted, record.Refund.Status)

	acct, err := ledgerSvc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(101_000_000), acct.BalanceE8s)
}

func TestProcessRefundSkipsWhenNoFeeWasCollected(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	svc := New(store, ledgerSvc, 3, nil)
	ctx := context.Background()

	newFailedRecord(t, store, ledgerSvc, "owner-1", 100_000_000, "Fee collection failed: insufficient balance")

	require.NoError(t, svc.ProcessRefund(ctx, "dep-1"))

	record, err := store.GetRecord(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, domain.Refunded, record.Status)
	require.Equal(t, domain.RefundLifecycle(""), record.Refund.Status) // never entered the credit path

	acct, err := ledgerSvc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000), acct.BalanceE8s) // unchanged beyond the original debit
}

func TestProcessRefundIsIdempotent(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	svc := New(store, ledgerSvc, 3, nil)
	ctx := context.Background()

	newFailedRecord(t, store, ledgerSvc, "owner-1", 100_000_000, "Failed to install code: boom")

	require.NoError(t, svc.ProcessRefund(ctx, "dep-1"))
	require.NoError(t, svc.ProcessRefund(ctx, "dep-1")) // second call is a no-op, not a double credit

	acct, err := ledgerSvc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(101_000_000), acct.BalanceE8s)
}

func TestNeedsRefundClassifiesFailureReasons(t *testing.T) {
	require.True(t, NeedsRefund(domain.DeploymentRecord{Status: domain.DeploymentFailed, ErrorMessage: "Failed to create compute instance"}))
	require.False(t, NeedsRefund(domain.DeploymentRecord{Status: domain.DeploymentFailed, ErrorMessage: "Fee collection failed: boom"}))
	require.False(t, NeedsRefund(domain.DeploymentRecord{Status: domain.DeploymentFailed, ErrorMessage: "Payment timeout exceeded"}))
	require.False(t, NeedsRefund(domain.DeploymentRecord{Status: domain.Deployed}))
}
