package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/ledger"
	"github.com/hunterfi/factory/packages/refund"
	"github.com/hunterfi/factory/packages/registry"
)

func testConfig() Config {
	return Config{
		ReconcileInterval: time.Minute,
		ArchiveInterval:   time.Hour,
		RetentionPeriod:   90 * 24 * time.Hour,
		StageTimeouts: map[string]time.Duration{
			"PendingPayment":         24 * time.Hour,
			"AuthorizationConfirmed": 6 * time.Hour,
			"PaymentReceived":        3 * time.Hour,
			"CanisterCreated":        time.Hour,
			"CodeInstalled":          time.Hour,
			"Initialized":            30 * time.Minute,
		},
	}
}

func TestReconcileOnceFailsExpiredPendingPaymentWithoutRefund(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	refundSvc := refund.New(store, ledgerSvc, 3, nil)
	svc := New(store, refundSvc, testConfig(), nil)
	ctx := context.Background()

	stale := domain.DeploymentRecord{
		DeploymentID: "dep-1",
		Owner:        "owner-1",
		StrategyType: domain.DollarCostAveraging,
		FeeAmountE8s: 100_000_000,
		Status:       domain.PendingPayment,
		LastUpdated:  time.Now().UTC().Add(-25 * time.Hour),
	}
	require.NoError(t, store.PutRecord(ctx, stale))

	require.NoError(t, svc.ReconcileOnce(ctx))

	record, err := store.GetRecord(ctx, "dep-1")
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentFailed, record.Status)
	require.Contains(t, record.ErrorMessage, "Payment timeout exceeded")

	acct, err := ledgerSvc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Zero(t, acct.BalanceE8s) // no fee was ever collected, so nothing to refund
}

func TestReconcileOnceFailsAndRefundsExpiredPaymentReceived(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	refundSvc := refund.New(store, ledgerSvc, 3, nil)
	svc := New(store, refundSvc, testConfig(), nil)
	ctx := context.Background()

	_, err := ledgerSvc.Deposit(ctx, "owner-1", 200_000_000)
	require.NoError(t, err)
	require.NoError(t, ledgerSvc.DebitDeploymentFee(ctx, "owner-1", 100_000_000, "dep-2"))

	stuck := domain.DeploymentRecord{
		DeploymentID: "dep-2",
		Owner:        "owner-1",
		StrategyType: domain.DollarCostAveraging,
		FeeAmountE8s: 100_000_000,
		Status:       domain.PaymentReceived,
		LastUpdated:  time.Now().UTC().Add(-4 * time.Hour),
	}
	require.NoError(t, store.PutRecord(ctx, stuck))

	require.NoError(t, svc.ReconcileOnce(ctx))

	record, err := store.GetRecord(ctx, "dep-2")
	require.NoError(t, err)
	require.Equal(t, domain.Refunded, record.Status)

	acct, err := ledgerSvc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(200_000_000), acct.BalanceE8s) // fee credited back
}

// A DeploymentFailed record whose refund was never driven (e.g. fail() ran
// with no refund processor wired) must still reach Refunded once the
// reconciler scans it, per spec §4.6.
func TestReconcileOnceRetriesAlreadyFailedRecordNeedingRefund(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	refundSvc := refund.New(store, ledgerSvc, 3, nil)
	svc := New(store, refundSvc, testConfig(), nil)
	ctx := context.Background()

	_, err := ledgerSvc.Deposit(ctx, "owner-1", 200_000_000)
	require.NoError(t, err)
	require.NoError(t, ledgerSvc.DebitDeploymentFee(ctx, "owner-1", 100_000_000, "dep-4"))

	failed := domain.DeploymentRecord{
		DeploymentID: "dep-4",
		Owner:        "owner-1",
		StrategyType: domain.DollarCostAveraging,
		FeeAmountE8s: 100_000_000,
		Status:       domain.DeploymentFailed,
		ErrorMessage: "Failed to create compute instance: provisioning backend unavailable",
		LastUpdated:  time.Now().UTC(),
	}
	require.NoError(t, store.PutRecord(ctx, failed))

	require.NoError(t, svc.ReconcileOnce(ctx))

	record, err := store.GetRecord(ctx, "dep-4")
	require.NoError(t, err)
	require.Equal(t, domain.Refunded, record.Status)

	acct, err := ledgerSvc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(200_000_000), acct.BalanceE8s)
}

// A DeploymentFailed record in the no-refund class (fee never collected)
// must stay untouched by the same scan.
func TestReconcileOnceLeavesNoRefundFailedRecordAlone(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	refundSvc := refund.New(store, ledgerSvc, 3, nil)
	svc := New(store, refundSvc, testConfig(), nil)
	ctx := context.Background()

	failed := domain.DeploymentRecord{
		DeploymentID: "dep-5",
		Owner:        "owner-1",
		StrategyType: domain.DollarCostAveraging,
		Status:       domain.DeploymentFailed,
		ErrorMessage: "Payment timeout exceeded",
		LastUpdated:  time.Now().UTC(),
	}
	require.NoError(t, store.PutRecord(ctx, failed))

	require.NoError(t, svc.ReconcileOnce(ctx))

	record, err := store.GetRecord(ctx, "dep-5")
	require.NoError(t, err)
	require.Equal(t, domain.DeploymentFailed, record.Status)
}

func TestReconcileOnceLeavesFreshRecordsUntouched(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	refundSvc := refund.New(store, ledgerSvc, 3, nil)
	svc := New(store, refundSvc, testConfig(), nil)
	ctx := context.Background()

	fresh := domain.DeploymentRecord{
		DeploymentID: "dep-3",
		Owner:        "owner-1",
		StrategyType: domain.DollarCostAveraging,
		Status:       domain.PendingPayment,
		LastUpdated:  time.Now().UTC(),
	}
	require.NoError(t, store.PutRecord(ctx, fresh))

	require.NoError(t, svc.ReconcileOnce(ctx))

	record, err := store.GetRecord(ctx, "dep-3")
	require.NoError(t, err)
	require.Equal(t, domain.PendingPayment, record.Status)
}

func TestArchiveOnceRemovesOldTerminalRecords(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	refundSvc := refund.New(store, ledgerSvc, 3, nil)
	svc := New(store, refundSvc, testConfig(), nil)
	ctx := context.Background()

	old := domain.DeploymentRecord{
		DeploymentID: "dep-old",
		Owner:        "owner-1",
		StrategyType: domain.DollarCostAveraging,
		Status:       domain.Deployed,
		LastUpdated:  time.Now().UTC().Add(-100 * 24 * time.Hour),
	}
	require.NoError(t, store.PutRecord(ctx, old))

	archived, err := svc.ArchiveOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, archived)

	_, err = store.GetRecord(ctx, "dep-old")
	require.Error(t, err)
}

func TestStartAndStopLifecycle(t *testing.T) {
	store := registry.NewMemoryStore()
	ledgerSvc := ledger.New(store, nil)
	refundSvc := refund.New(store, ledgerSvc, 3, nil)
	cfg := testConfig()
	cfg.ReconcileInterval = 10 * time.Millisecond
	cfg.ArchiveInterval = 10 * time.Millisecond
	svc := New(store, refundSvc, cfg, nil)
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Ready(ctx))
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, svc.Stop(ctx))
}
