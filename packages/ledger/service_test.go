package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	service "github.com/hunterfi/factory/system/framework/core"

	"github.com/hunterfi/factory/packages/external"
	"github.com/hunterfi/factory/packages/registry"
)

func newTestService() *Service {
	return New(registry.NewMemoryStore(), nil)
}

func TestDepositRejectsBelowMinimum(t *testing.T) {
	svc := newTestService()
	_, err := svc.Deposit(context.Background(), "owner-1", MinDepositE8s-1)
	require.Error(t, err)
}

func TestDepositRejectsAboveMaximum(t *testing.T) {
	svc := newTestService()
	_, err := svc.Deposit(context.Background(), "owner-1", MaxDepositE8s+1)
	require.Error(t, err)
}

func TestDepositRejectsAnonymous(t *testing.T) {
	svc := newTestService()
	_, err := svc.Deposit(context.Background(), anonymousOwner, MinDepositE8s)
	require.Error(t, err)
}

func TestDepositCreditsBalanceAndRecordsTransaction(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	acct, err := svc.Deposit(ctx, "owner-1", 5_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(5_000_000), acct.BalanceE8s)
	require.Equal(t, uint64(5_000_000), acct.TotalDeposited)

	txs, err := svc.ListTransactions(ctx, "owner-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestDebitDeploymentFeeInsufficientFunds(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "owner-1", MinDepositE8s)
	require.NoError(t, err)

	err = svc.DebitDeploymentFee(ctx, "owner-1", MinDepositE8s+1, "dep-1")
	require.Error(t, err)
	require.True(t, service.IsInsufficientFunds(err))
}

func TestDebitDeploymentFeeSucceedsAndRefundRestoresBalance(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "owner-1", 10_000_000)
	require.NoError(t, err)

	require.NoError(t, svc.DebitDeploymentFee(ctx, "owner-1", 4_000_000, "dep-1"))
	acct, err := svc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(6_000_000), acct.BalanceE8s)
	require.Equal(t, uint64(4_000_000), acct.TotalConsumed)

	require.NoError(t, svc.CreditRefund(ctx, "owner-1", 4_000_000, "dep-1"))
	acct, err = svc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), acct.BalanceE8s)
}

func TestWithdrawDebitsBalanceAndRecordsTransaction(t *testing.T) {
	svc := newTestService()
	tokens := external.NewFakeTokenLedgerClient()
	svc.SetTokenClient(tokens, external.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "owner-1", 10_000_000)
	require.NoError(t, err)

	acct, err := svc.Withdraw(ctx, "owner-1", 4_000_000)
	require.NoError(t, err)
	require.Equal(t, uint64(6_000_000), acct.BalanceE8s)
	require.Equal(t, uint64(4_000_000), tokens.Withdrawn["owner-1"])

	txs, err := svc.ListTransactions(ctx, "owner-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2) // deposit + withdrawal
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	svc := newTestService()
	tokens := external.NewFakeTokenLedgerClient()
	svc.SetTokenClient(tokens, external.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "owner-1", MinDepositE8s)
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, "owner-1", MinDepositE8s+1)
	require.Error(t, err)
	require.True(t, service.IsInsufficientFunds(err))
}

// When transfer_out exhausts its retries, Withdraw must revert the debit
// and leave a compensating transaction behind, per spec §4.2.
func TestWithdrawRevertsDebitWhenTransferOutExhausted(t *testing.T) {
	svc := newTestService()
	tokens := external.NewFakeTokenLedgerClient()
	tokens.FailTransferOutTimes = 3
	svc.SetTokenClient(tokens, external.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "owner-1", 10_000_000)
	require.NoError(t, err)

	_, err = svc.Withdraw(ctx, "owner-1", 4_000_000)
	require.Error(t, err)
	require.False(t, service.IsTransient(err)) // permanent once retries are exhausted

	acct, err := svc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), acct.BalanceE8s)

	txs, err := svc.ListTransactions(ctx, "owner-1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2) // deposit + reversal
}

func TestAdminWithdrawNeverTouchesUserBalance(t *testing.T) {
	svc := newTestService()
	tokens := external.NewFakeTokenLedgerClient()
	svc.SetTokenClient(tokens, external.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	_, err := svc.Deposit(ctx, "owner-1", 10_000_000)
	require.NoError(t, err)

	require.NoError(t, svc.AdminWithdraw(ctx, "treasury-wallet", 1_000_000))
	require.Equal(t, uint64(1_000_000), tokens.Withdrawn["treasury-wallet"])

	acct, err := svc.GetAccount(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, uint64(10_000_000), acct.BalanceE8s)
}

func TestCheckBalance(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	ok, err := svc.CheckBalance(ctx, "owner-1", 1)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.Deposit(ctx, "owner-1", MinDepositE8s)
	require.NoError(t, err)

	ok, err = svc.CheckBalance(ctx, "owner-1", MinDepositE8s)
	require.NoError(t, err)
	require.True(t, ok)
}
