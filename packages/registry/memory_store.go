package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hunterfi/factory/domain"
	service "github.com/hunterfi/factory/system/framework/core"
)

// MemoryStore is an in-memory Store, mirroring the hand-rolled mockStore
// pattern the teacher uses in every package's testing.go (no mocking
// framework). It backs both unit tests across the factory/ledger/refund/
// reconciler packages and a dependency-free local run of cmd/factoryd.
type MemoryStore struct {
	mu sync.RWMutex

	records    map[string]domain.DeploymentRecord
	metadata   map[string]domain.StrategyMetadata
	accounts   map[string]domain.UserAccount
	txs        map[string]domain.TransactionRecord
	modules    map[domain.StrategyType]domain.BinaryModule
	attempts   map[string][]RefundAttempt
	deadLetter map[string]DeadLetter

	counter uint64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]domain.DeploymentRecord),
		metadata:   make(map[string]domain.StrategyMetadata),
		accounts:   make(map[string]domain.UserAccount),
		txs:        make(map[string]domain.TransactionRecord),
		modules:    make(map[domain.StrategyType]domain.BinaryModule),
		attempts:   make(map[string][]RefundAttempt),
		deadLetter: make(map[string]DeadLetter),
	}
}

func (s *MemoryStore) PutRecord(_ context.Context, r domain.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.DeploymentID] = r
	return nil
}

func (s *MemoryStore) GetRecord(_ context.Context, id string) (domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return domain.DeploymentRecord{}, service.NewNotFoundError("deployment", id)
	}
	return r, nil
}

func (s *MemoryStore) ListRecordsByOwner(_ context.Context, owner string) ([]domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeploymentRecord
	for _, r := range s.records {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListRecordsByStatus(_ context.Context, status domain.DeploymentStatus) ([]domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.DeploymentRecord
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) ListAllRecords(_ context.Context) ([]domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.DeploymentRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(records []domain.DeploymentRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].DeploymentID < records[j].DeploymentID })
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, expectedStatus, newStatus domain.DeploymentStatus, instanceID, errMsg string) (domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return domain.DeploymentRecord{}, service.NewNotFoundError("deployment", id)
	}
	if r.Status != expectedStatus {
		return domain.DeploymentRecord{}, fmt.Errorf("%w: deployment %s is %s, expected %s", service.ErrStaleStatus, id, r.Status, expectedStatus)
	}

	r.Status = newStatus
	if instanceID != "" {
		r.InstanceID = instanceID
	}
	if errMsg != "" {
		r.ErrorMessage = errMsg
	}
	r.LastUpdated = time.Now().UTC()
	s.records[id] = r
	return r, nil
}

func (s *MemoryStore) UpdateRefund(_ context.Context, id string, refund domain.RefundState) (domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return domain.DeploymentRecord{}, service.NewNotFoundError("deployment", id)
	}
	r.Refund = refund
	r.LastUpdated = time.Now().UTC()
	s.records[id] = r
	return r, nil
}

func (s *MemoryStore) GenerateDeploymentID(_ context.Context, owner string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return fmt.Sprintf("%d-%s-%d", now.UnixNano(), owner, s.counter), nil
}

func (s *MemoryStore) ArchiveOldRecords(_ context.Context, cutoff time.Time, maxActive int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type candidate struct {
		id          string
		lastUpdated time.Time
	}
	var terminal []candidate
	for id, r := range s.records {
		if r.Status.Terminal() {
			terminal = append(terminal, candidate{id: id, lastUpdated: r.LastUpdated})
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].lastUpdated.Before(terminal[j].lastUpdated) })

	removed := 0
	for _, c := range terminal {
		overCapacity := maxActive > 0 && len(s.records) > maxActive
		if c.lastUpdated.Before(cutoff) || overCapacity {
			delete(s.records, c.id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) PutStrategyMetadata(_ context.Context, m domain.StrategyMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[m.InstanceID] = m
	return nil
}

func (s *MemoryStore) GetStrategyMetadata(_ context.Context, instanceID string) (domain.StrategyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[instanceID]
	if !ok {
		return domain.StrategyMetadata{}, service.NewNotFoundError("strategy", instanceID)
	}
	return m, nil
}

func (s *MemoryStore) ListStrategiesByOwner(_ context.Context, owner string) ([]domain.StrategyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StrategyMetadata
	for _, m := range s.metadata {
		if m.Owner == owner {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListAllStrategies(_ context.Context) ([]domain.StrategyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.StrategyMetadata, 0, len(s.metadata))
	for _, m := range s.metadata {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) StrategyCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.metadata), nil
}

func (s *MemoryStore) GetAccount(_ context.Context, owner string) (domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[owner]
	if !ok {
		return domain.UserAccount{Owner: owner}, nil
	}
	return a, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, a domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Owner] = a
	return nil
}

func (s *MemoryStore) PutTransaction(_ context.Context, t domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[t.TransactionID] = t
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, owner string, limit int) ([]domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TransactionRecord
	for _, t := range s.txs {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CountTransactionsByDeployment(_ context.Context, deploymentID string, kind domain.TransactionKind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, t := range s.txs {
		if t.Kind == kind && containsDeploymentID(t.Description, deploymentID) {
			count++
		}
	}
	return count, nil
}

// containsDeploymentID checks the transaction description for the
// deployment-id-qualified refund/fee tag (see ledger.DescribeFee /
// ledger.DescribeRefund), which is how a deployment's transactions are
// traced without an extra foreign-key column.
func containsDeploymentID(description, deploymentID string) bool {
	return deploymentID != "" && strings.Contains(description, deploymentID)
}

func (s *MemoryStore) PutBinaryModule(_ context.Context, m domain.BinaryModule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.StrategyType] = m
	return nil
}

func (s *MemoryStore) GetBinaryModule(_ context.Context, strategyType domain.StrategyType) (domain.BinaryModule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[strategyType]
	if !ok {
		return domain.BinaryModule{}, service.NewNotFoundError("binary_module", string(strategyType))
	}
	return m, nil
}

func (s *MemoryStore) HasBinaryModule(_ context.Context, strategyType domain.StrategyType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.modules[strategyType]
	return ok, nil
}

func (s *MemoryStore) RecordRefundAttempt(_ context.Context, deploymentID string, attemptNumber int, succeeded bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[deploymentID] = append(s.attempts[deploymentID], RefundAttempt{
		DeploymentID:  deploymentID,
		AttemptNumber: attemptNumber,
		AttemptedAt:   time.Now().UTC(),
		Succeeded:     succeeded,
		ErrorMessage:  errMsg,
	})
	return nil
}

func (s *MemoryStore) ListRefundAttempts(_ context.Context, deploymentID string) ([]RefundAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RefundAttempt, len(s.attempts[deploymentID]))
	copy(out, s.attempts[deploymentID])
	return out, nil
}

func (s *MemoryStore) PutDeadLetter(_ context.Context, entry DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetter[entry.DeploymentID] = entry
	return nil
}

func (s *MemoryStore) ListDeadLetters(_ context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0, len(s.deadLetter))
	for _, d := range s.deadLetter {
		if !d.Resolved {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) ResolveDeadLetter(_ context.Context, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetter[deploymentID]
	if !ok {
		return service.NewNotFoundError("dead_letter", deploymentID)
	}
	entry.Resolved = true
	s.deadLetter[deploymentID] = entry
	return nil
}
