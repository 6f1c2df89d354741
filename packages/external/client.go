// Package external implements C3, the external-service adapter: the
// factory's only boundary to the compute-provisioning backend and the token
// ledger it draws deposits from. The clients make a single attempt per call;
// callers wrap a call in WithRetry, which retries it a bounded number of
// times when classified transient and returns at once otherwise — the
// transient/permanent split mirrors the reference
// factory's SysTransient vs SysFatal rejection-code handling in
// deployment.rs/payment.rs.
package external

import (
	"context"
	"time"

	service "github.com/hunterfi/factory/system/framework/core"
)

// ComputeClient provisions and initializes the isolated compute unit a
// deployed strategy instance runs in.
type ComputeClient interface {
	// CreateInstance provisions a new compute unit and returns its id.
	CreateInstance(ctx context.Context) (string, error)
	// InstallCode loads the strategy's binary module into instanceID.
	InstallCode(ctx context.Context, instanceID string, wasm []byte) error
	// CallInit invokes the strategy-specific init entry point with the
	// decoded, strategy-type-specific config payload.
	CallInit(ctx context.Context, instanceID, method string, owner string, config []byte) error
}

// TokenLedgerClient is the factory's view of the external token ledger used
// to fund owner deposits (spec §4.2's "deposits move funds in from C3").
type TokenLedgerClient interface {
	// CheckAllowance reports whether owner has approved at least amountE8s
	// for transfer to the factory.
	CheckAllowance(ctx context.Context, owner string, amountE8s uint64) (bool, error)
	// TransferIn pulls amountE8s from owner's external wallet into the
	// factory's account, completing a deposit.
	TransferIn(ctx context.Context, owner string, amountE8s uint64) error
	// TransferOut pushes amountE8s from the factory's account to recipient's
	// external wallet, completing a withdrawal (spec §4.3's transfer_out,
	// §6's admin withdraw_icp). Callers retry a transient failure up to
	// MAX_WITHDRAWAL_RETRIES times via WithRetry.
	TransferOut(ctx context.Context, recipient string, amountE8s uint64) error
}

// RetryPolicy bounds how many attempts WithRetry makes at a call that keeps
// failing transiently; once they are used up, the last (transient) error is
// returned as is.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy matches FactoryConfig.MaxExternalCallRetries's default
// of 3, with a short fixed backoff (the reference implementation retries
// synchronously within a single canister call, with no backoff at all;
// a short backoff here is the Go-idiomatic concession to a real network
// hop replacing a same-subnet inter-canister call).
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 200 * time.Millisecond}

// WithRetry runs op, retrying while it returns a transient ExternalCallError,
// up to policy.MaxAttempts times. The final error (transient or permanent)
// is returned unwrapped from retry bookkeeping.
func WithRetry(ctx context.Context, policy RetryPolicy, op func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !service.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.Backoff):
		}
	}
	return lastErr
}
