package external

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	service "github.com/hunterfi/factory/system/framework/core"
)

func TestWithRetryRecoversFromTransientFailure(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), RetryPolicy{MaxAttempts: 3}, func() error {
		calls++
		if calls < 3 {
			client := NewFakeComputeClient()
			client.FailCreateTimes = 1
			_, createErr := client.CreateInstance(context.Background())
			return createErr
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetryStopsOnPermanentFailure(t *testing.T) {
	client := NewFakeComputeClient()
	client.Permanent = true
	client.FailCreateTimes = 1

	calls := 0
	err := WithRetry(context.Background(), RetryPolicy{MaxAttempts: 3}, func() error {
		calls++
		_, createErr := client.CreateInstance(context.Background())
		return createErr
	})
	require.Error(t, err)
	require.Equal(t, 1, calls) // permanent failure never retries
}

func TestFakeComputeClientTransientRecovery(t *testing.T) {
	client := NewFakeComputeClient()
	client.FailInstallTimes = 2

	id, err := client.CreateInstance(context.Background())
	require.NoError(t, err)

	err = client.InstallCode(context.Background(), id, []byte("wasm"))
	require.Error(t, err)
	err = client.InstallCode(context.Background(), id, []byte("wasm"))
	require.Error(t, err)
	err = client.InstallCode(context.Background(), id, []byte("wasm"))
	require.NoError(t, err)
}

func TestFakeTokenLedgerClientAllowance(t *testing.T) {
	client := NewFakeTokenLedgerClient()
	ok, err := client.CheckAllowance(context.Background(), "owner-1", 100)
	require.NoError(t, err)
	require.False(t, ok)

	client.Approve("owner-1", 100)
	ok, err = client.CheckAllowance(context.Background(), "owner-1", 100)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.TransferIn(context.Background(), "owner-1", 100))
	ok, err = client.CheckAllowance(context.Background(), "owner-1", 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFakeTokenLedgerClientTransferOut(t *testing.T) {
	client := NewFakeTokenLedgerClient()
	client.FailTransferOutTimes = 1

	err := client.TransferOut(context.Background(), "owner-1", 100)
	require.Error(t, err)
	require.True(t, service.IsTransient(err))

	require.NoError(t, client.TransferOut(context.Background(), "owner-1", 100))
	require.Equal(t, uint64(100), client.Withdrawn["owner-1"])
}

func TestFakeTokenLedgerClientTransferInsufficientAllowance(t *testing.T) {
	client := NewFakeTokenLedgerClient()
	err := client.TransferIn(context.Background(), "owner-1", 50)
	require.Error(t, err)
	require.True(t, errors.Is(err, service.ErrExternalCall))
	require.True(t, service.IsTransient(err))
}
