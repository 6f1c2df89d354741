// Package ledger implements C2, the balance ledger: the prepaid per-owner
// balance every deployment fee and refund flows through. The factory never
// calls an external token ledger directly on the hot path (spec §4.2 /
// §8's resolved "fee model" question) — deposits move funds in from C3,
// everything else is an internal debit/credit against the owner's balance.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/external"
	"github.com/hunterfi/factory/packages/registry"
	"github.com/hunterfi/factory/pkg/logger"
	"github.com/hunterfi/factory/system/framework"
	service "github.com/hunterfi/factory/system/framework/core"
)

// Transfer fee and deposit bounds, grounded on the reference factory's
// payment.rs constants (MIN/MAX_DEPOSIT_AMOUNT, ICP_TRANSFER_FEE).
const (
	MinDepositE8s  uint64 = 1_000_000
	MaxDepositE8s  uint64 = 10_000_000_000
	TransferFeeE8s uint64 = 10_000
)

const anonymousOwner = "2vxsx-fae" // the IC anonymous principal, rejected identically to payment.rs

// Service implements the balance ledger: deposits, fee debits, and refund
// credits, each backed by an append-only transaction record in registry.Store.
type Service struct {
	framework.ServiceBase
	store  registry.Store
	log    *logger.Logger
	base   *service.Base
	tokens external.TokenLedgerClient
	retry  external.RetryPolicy
}

// storeAccounts adapts registry.Store to service.AccountStore. GetAccount
// never errors for an unknown owner (it lazily returns a zero balance), so
// HasAccount only surfaces genuine store failures.
type storeAccounts struct {
	store registry.Store
}

func (a storeAccounts) HasAccount(ctx context.Context, owner string) (bool, error) {
	_, err := a.store.GetAccount(ctx, owner)
	return err == nil, err
}

// New constructs a ledger service over store.
func New(store registry.Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	svc := &Service{
		store: store,
		log:   log,
		base:  service.NewBase(storeAccounts{store: store}),
		retry: external.DefaultRetryPolicy,
	}
	svc.SetName("ledger")
	svc.MarkReady(true)
	return svc
}

// SetTokenClient wires the external token ledger adapter withdrawals call
// through, along with the retry policy bounding transfer_out's attempts
// (spec §4.3's MAX_WITHDRAWAL_RETRIES). Optional: a ledger with no token
// client configured rejects Withdraw/AdminWithdraw with a permanent
// ExternalCallError instead of panicking, which lets every caller that
// never exercises withdrawal (deposits, fees, refunds) construct a Service
// without one.
func (s *Service) SetTokenClient(tokens external.TokenLedgerClient, retry external.RetryPolicy) {
	if retry.MaxAttempts <= 0 {
		retry = external.DefaultRetryPolicy
	}
	s.tokens = tokens
	s.retry = retry
}

func (s *Service) normalizeOwner(ctx context.Context, owner string) (string, error) {
	owner, err := s.base.NormalizeOwner(ctx, owner)
	if err != nil {
		return "", err
	}
	if owner == anonymousOwner {
		return "", service.NewValidationError("owner", "anonymous identity cannot use the balance ledger")
	}
	return owner, nil
}

// Deposit credits amountE8s to owner's balance after a confirmed external
// transfer-in, recording a TxDeposit transaction.
func (s *Service) Deposit(ctx context.Context, owner string, amountE8s uint64) (domain.UserAccount, error) {
	owner, err := s.normalizeOwner(ctx, owner)
	if err != nil {
		return domain.UserAccount{}, err
	}
	if amountE8s < MinDepositE8s {
		return domain.UserAccount{}, service.NewValidationError("amount", fmt.Sprintf("deposit must be at least %d e8s", MinDepositE8s))
	}
	if amountE8s > MaxDepositE8s {
		return domain.UserAccount{}, service.NewValidationError("amount", fmt.Sprintf("deposit cannot exceed %d e8s", MaxDepositE8s))
	}

	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		return domain.UserAccount{}, err
	}
	now := time.Now().UTC()
	acct.Owner = owner
	acct.BalanceE8s += amountE8s
	acct.TotalDeposited += amountE8s
	acct.LastDepositAt = now

	if err := s.store.PutAccount(ctx, acct); err != nil {
		return domain.UserAccount{}, err
	}
	if err := s.recordTx(ctx, owner, amountE8s, domain.TxDeposit, fmt.Sprintf("Deposit of %s", formatE8s(amountE8s)), now); err != nil {
		return domain.UserAccount{}, err
	}

	s.log.WithField("owner", owner).WithField("amount_e8s", amountE8s).Info("deposit recorded")
	return acct, nil
}

// CheckBalance reports whether owner's balance covers amountE8s.
func (s *Service) CheckBalance(ctx context.Context, owner string, amountE8s uint64) (bool, error) {
	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		return false, err
	}
	return acct.BalanceE8s >= amountE8s, nil
}

// GetAccount returns owner's current balance-ledger account.
func (s *Service) GetAccount(ctx context.Context, owner string) (domain.UserAccount, error) {
	return s.store.GetAccount(ctx, owner)
}

// ListTransactions returns owner's most recent transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, owner string, limit int) ([]domain.TransactionRecord, error) {
	return s.store.ListTransactions(ctx, owner, limit)
}

// DebitDeploymentFee charges owner the deployment fee for deploymentID,
// mirroring payment.rs's process_balance_payment: the description carries
// the deployment id so registry.CountTransactionsByDeployment can trace it
// back without a dedicated foreign-key column.
func (s *Service) DebitDeploymentFee(ctx context.Context, owner string, amountE8s uint64, deploymentID string) error {
	if amountE8s == 0 {
		return service.NewValidationError("amount", "payment amount must be greater than 0")
	}
	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		return err
	}
	if acct.BalanceE8s < amountE8s {
		return service.NewInsufficientFundsError(owner, amountE8s, acct.BalanceE8s)
	}
	acct.BalanceE8s -= amountE8s
	acct.TotalConsumed += amountE8s
	if err := s.store.PutAccount(ctx, acct); err != nil {
		return err
	}

	desc := DescribeFee(deploymentID)
	if err := s.recordTx(ctx, owner, amountE8s, domain.TxDeploymentFee, desc, time.Now().UTC()); err != nil {
		return err
	}
	s.log.WithField("owner", owner).WithField("deployment_id", deploymentID).WithField("amount_e8s", amountE8s).Info("deployment fee charged")
	return nil
}

// CreditRefund returns amountE8s to owner's balance for a failed or
// cancelled deployment, mirroring payment.rs's process_balance_refund.
func (s *Service) CreditRefund(ctx context.Context, owner string, amountE8s uint64, deploymentID string) error {
	if amountE8s == 0 {
		return service.NewValidationError("amount", "refund amount must be greater than 0")
	}
	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		return err
	}
	acct.Owner = owner
	acct.BalanceE8s += amountE8s
	if err := s.store.PutAccount(ctx, acct); err != nil {
		return err
	}

	desc := DescribeRefund(deploymentID)
	if err := s.recordTx(ctx, owner, amountE8s, domain.TxRefund, desc, time.Now().UTC()); err != nil {
		return err
	}
	s.log.WithField("owner", owner).WithField("deployment_id", deploymentID).WithField("amount_e8s", amountE8s).Info("refund credited")
	return nil
}

// Withdraw moves amountE8s out of owner's balance to their external wallet,
// mirroring payment.rs's user_withdraw_funds but following spec §4.2's
// debit-first contract: the balance is debited before transfer_out is
// attempted, and reverted with a compensating transaction if every retry
// in WithRetry's budget fails.
func (s *Service) Withdraw(ctx context.Context, owner string, amountE8s uint64) (domain.UserAccount, error) {
	owner, err := s.normalizeOwner(ctx, owner)
	if err != nil {
		return domain.UserAccount{}, err
	}
	if amountE8s == 0 {
		return domain.UserAccount{}, service.NewValidationError("amount", "withdrawal amount must be greater than 0")
	}
	if amountE8s > MaxDepositE8s {
		return domain.UserAccount{}, service.NewValidationError("amount", fmt.Sprintf("withdrawal cannot exceed %d e8s", MaxDepositE8s))
	}
	if s.tokens == nil {
		return domain.UserAccount{}, service.NewExternalCallError("token_ledger", "transfer_out", false, fmt.Errorf("token ledger client not configured"))
	}

	acct, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		return domain.UserAccount{}, err
	}
	if acct.BalanceE8s < amountE8s {
		return domain.UserAccount{}, service.NewInsufficientFundsError(owner, amountE8s, acct.BalanceE8s)
	}

	acct.BalanceE8s -= amountE8s
	acct.TotalConsumed += amountE8s
	if err := s.store.PutAccount(ctx, acct); err != nil {
		return domain.UserAccount{}, err
	}

	transferErr := external.WithRetry(ctx, s.retry, func() error {
		return s.tokens.TransferOut(ctx, owner, amountE8s)
	})
	if transferErr == nil {
		if err := s.recordTx(ctx, owner, amountE8s, domain.TxWithdrawal, fmt.Sprintf("Withdrawal of %s", formatE8s(amountE8s)), time.Now().UTC()); err != nil {
			return domain.UserAccount{}, err
		}
		s.log.WithField("owner", owner).WithField("amount_e8s", amountE8s).Info("withdrawal completed")
		return acct, nil
	}

	return domain.UserAccount{}, s.revertWithdrawal(ctx, owner, amountE8s, transferErr)
}

// revertWithdrawal undoes Withdraw's debit and records a compensating
// transaction once transfer_out has exhausted its retries, per spec §4.2.
func (s *Service) revertWithdrawal(ctx context.Context, owner string, amountE8s uint64, transferErr error) error {
	reverted, err := s.store.GetAccount(ctx, owner)
	if err != nil {
		s.log.WithField("owner", owner).WithError(err).Error("failed to reload account while reverting withdrawal")
		return transferErr
	}
	reverted.BalanceE8s += amountE8s
	if reverted.TotalConsumed >= amountE8s {
		reverted.TotalConsumed -= amountE8s
	}
	if err := s.store.PutAccount(ctx, reverted); err != nil {
		s.log.WithField("owner", owner).WithError(err).Error("failed to revert withdrawal debit")
		return transferErr
	}

	desc := fmt.Sprintf("Withdrawal reversed after transfer_out failed: %v", transferErr)
	if err := s.recordTx(ctx, owner, amountE8s, domain.TxTransfer, desc, time.Now().UTC()); err != nil {
		s.log.WithField("owner", owner).WithError(err).Warn("failed to record withdrawal reversal transaction")
	}
	s.log.WithField("owner", owner).WithField("amount_e8s", amountE8s).WithError(transferErr).Warn("withdrawal transfer_out failed, debit reverted")
	return service.NewExternalCallError("token_ledger", "transfer_out", false, transferErr)
}

// AdminWithdraw pushes amountE8s straight out to recipient without touching
// any user's balance-ledger account, spec §6's admin withdraw_icp and
// payment.rs's withdraw_funds (the admin variant never calls
// update_user_balance — only user_withdraw_funds does).
func (s *Service) AdminWithdraw(ctx context.Context, recipient string, amountE8s uint64) error {
	if amountE8s == 0 {
		return service.NewValidationError("amount", "withdrawal amount must be greater than 0")
	}
	if s.tokens == nil {
		return service.NewExternalCallError("token_ledger", "transfer_out", false, fmt.Errorf("token ledger client not configured"))
	}
	if err := external.WithRetry(ctx, s.retry, func() error {
		return s.tokens.TransferOut(ctx, recipient, amountE8s)
	}); err != nil {
		s.log.WithField("recipient", recipient).WithField("amount_e8s", amountE8s).WithError(err).Warn("admin withdrawal failed")
		return err
	}
	s.log.WithField("recipient", recipient).WithField("amount_e8s", amountE8s).Info("admin withdrawal completed")
	return nil
}

func (s *Service) recordTx(ctx context.Context, owner string, amountE8s uint64, kind domain.TransactionKind, description string, at time.Time) error {
	return s.store.PutTransaction(ctx, domain.TransactionRecord{
		TransactionID: uuid.NewString(),
		Owner:         owner,
		AmountE8s:     amountE8s,
		Kind:          kind,
		Timestamp:     at,
		Description:   description,
	})
}

// DescribeFee builds the deployment-fee transaction description, matching
// payment.rs's convention closely enough for CountTransactionsByDeployment
// to key off the deployment id substring.
func DescribeFee(deploymentID string) string {
	return fmt.Sprintf("Deployment fee for deployment (ID: %s)", deploymentID)
}

// DescribeRefund builds the refund transaction description, copied verbatim
// from payment.rs's process_balance_refund format string.
func DescribeRefund(deploymentID string) string {
	return fmt.Sprintf("Refund for failed deployment (ID: %s)", deploymentID)
}

func formatE8s(amount uint64) string {
	return fmt.Sprintf("%.8f ICP", float64(amount)/100_000_000.0)
}
