package external

import (
	"context"
	"fmt"
	"sync"

	service "github.com/hunterfi/factory/system/framework/core"
)

// FakeComputeClient is an in-memory ComputeClient for tests and local runs,
// grounded on the teacher's hand-rolled mockStore convention (no mocking
// framework). FailCreateTimes/FailInstallTimes/FailInitTimes, when set, name the number of
// leading calls that should fail before the call starts succeeding —
// letting a test script a transient failure that eventually resolves, or a
// permanent one that never does.
type FakeComputeClient struct {
	mu sync.Mutex

	FailCreateTimes  int
	FailInstallTimes int
	FailInitTimes    int
	Permanent        bool // when true, failures never stop (no transient recovery)

	createCalls  int
	installCalls int
	initCalls    int

	instances map[string][]byte
	counter   int
}

// NewFakeComputeClient returns a FakeComputeClient with no scripted failures.
func NewFakeComputeClient() *FakeComputeClient {
	return &FakeComputeClient{instances: make(map[string][]byte)}
}

func (f *FakeComputeClient) CreateInstance(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.shouldFail(f.createCalls, f.FailCreateTimes) {
		return "", service.NewExternalCallError("compute", "create", !f.Permanent, fmt.Errorf("provisioning backend unavailable"))
	}
	f.counter++
	id := fmt.Sprintf("instance-%d", f.counter)
	f.instances[id] = nil
	return id, nil
}

func (f *FakeComputeClient) InstallCode(_ context.Context, instanceID string, wasm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installCalls++
	if f.shouldFail(f.installCalls, f.FailInstallTimes) {
		return service.NewExternalCallError("compute", "install", !f.Permanent, fmt.Errorf("code install rejected"))
	}
	if _, ok := f.instances[instanceID]; !ok {
		return service.NewNotFoundError("instance", instanceID)
	}
	f.instances[instanceID] = wasm
	return nil
}

func (f *FakeComputeClient) CallInit(_ context.Context, instanceID, _ string, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	if f.shouldFail(f.initCalls, f.FailInitTimes) {
		return service.NewExternalCallError("compute", "init", !f.Permanent, fmt.Errorf("strategy init rejected"))
	}
	if _, ok := f.instances[instanceID]; !ok {
		return service.NewNotFoundError("instance", instanceID)
	}
	return nil
}

func (f *FakeComputeClient) shouldFail(callNumber, failUntil int) bool {
	if f.Permanent {
		return failUntil > 0
	}
	return callNumber <= failUntil
}

// FakeTokenLedgerClient is an in-memory TokenLedgerClient for tests.
type FakeTokenLedgerClient struct {
	mu         sync.Mutex
	Allowances map[string]uint64
	DenyAll    bool

	// FailTransferOutTimes/PermanentTransferOut script TransferOut failures
	// the same way FakeComputeClient scripts compute failures.
	FailTransferOutTimes int
	PermanentTransferOut bool
	transferOutCalls     int
	Withdrawn            map[string]uint64
}

// NewFakeTokenLedgerClient returns a FakeTokenLedgerClient with no approvals.
func NewFakeTokenLedgerClient() *FakeTokenLedgerClient {
	return &FakeTokenLedgerClient{Allowances: make(map[string]uint64)}
}

// Approve records owner's allowance, as an external wallet's "approve" call
// would against the real token ledger.
func (f *FakeTokenLedgerClient) Approve(owner string, amountE8s uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Allowances[owner] = amountE8s
}

func (f *FakeTokenLedgerClient) CheckAllowance(_ context.Context, owner string, amountE8s uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DenyAll {
		return false, nil
	}
	return f.Allowances[owner] >= amountE8s, nil
}

func (f *FakeTokenLedgerClient) TransferIn(_ context.Context, owner string, amountE8s uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Allowances[owner] < amountE8s {
		return service.NewExternalCallError("token_ledger", "transfer_in", true, fmt.Errorf("allowance insufficient"))
	}
	f.Allowances[owner] -= amountE8s
	return nil
}

func (f *FakeTokenLedgerClient) TransferOut(_ context.Context, recipient string, amountE8s uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferOutCalls++
	if f.shouldFailTransferOut(f.transferOutCalls) {
		return service.NewExternalCallError("token_ledger", "transfer_out", !f.PermanentTransferOut, fmt.Errorf("transfer_out rejected"))
	}
	if f.Withdrawn == nil {
		f.Withdrawn = make(map[string]uint64)
	}
	f.Withdrawn[recipient] += amountE8s
	return nil
}

func (f *FakeTokenLedgerClient) shouldFailTransferOut(callNumber int) bool {
	if f.PermanentTransferOut {
		return f.FailTransferOutTimes > 0
	}
	return callNumber <= f.FailTransferOutTimes
}
