// Package registry implements C1, the durable record store: the sole owner
// of every durable entity in the factory (deployment records, strategy
// metadata, user accounts, transactions, binary modules). Every other
// component reads and writes exclusively through the Store interface below —
// per spec §4.1's invariant, "no component writes directly to the
// underlying storage".
package registry

import (
	"context"
	"time"

	"github.com/hunterfi/factory/domain"
)

// Store is the durable record store's contract. PostgresStore is the
// production implementation; MemoryStore is the in-memory fake used in
// package tests elsewhere in the module.
type Store interface {
	// Deployment records.
	PutRecord(ctx context.Context, r domain.DeploymentRecord) error
	GetRecord(ctx context.Context, id string) (domain.DeploymentRecord, error)
	ListRecordsByOwner(ctx context.Context, owner string) ([]domain.DeploymentRecord, error)
	ListRecordsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.DeploymentRecord, error)
	ListAllRecords(ctx context.Context) ([]domain.DeploymentRecord, error)

	// UpdateStatus performs the spec's "re-read, mutate, write back" update:
	// it loads the current record, verifies it is still at expectedStatus
	// (failing with ErrStaleStatus otherwise — the Go stand-in for the
	// single-threaded re-read invariant of spec §5), then applies newStatus
	// plus the optional instance id / error message and advances
	// last_updated. instanceID and errMsg are no-ops when empty.
	UpdateStatus(ctx context.Context, id string, expectedStatus, newStatus domain.DeploymentStatus, instanceID, errMsg string) (domain.DeploymentRecord, error)

	// UpdateRefund persists a record's RefundState in place without
	// changing its status (used while InProgress, between attempts).
	UpdateRefund(ctx context.Context, id string, refund domain.RefundState) (domain.DeploymentRecord, error)

	// GenerateDeploymentID returns "{time_ns}-{owner}-{counter}", with the
	// counter persisted so ids remain unique across restarts.
	GenerateDeploymentID(ctx context.Context, owner string, now time.Time) (string, error)

	// ArchiveOldRecords removes terminal records whose LastUpdated predates
	// the retention cutoff, plus any excess beyond maxActive (oldest
	// first), and returns how many were removed.
	ArchiveOldRecords(ctx context.Context, cutoff time.Time, maxActive int) (int, error)

	// Strategy metadata, written once a deployment reaches Initialized, just
	// before it moves to Deployed.
	PutStrategyMetadata(ctx context.Context, m domain.StrategyMetadata) error
	GetStrategyMetadata(ctx context.Context, instanceID string) (domain.StrategyMetadata, error)
	ListStrategiesByOwner(ctx context.Context, owner string) ([]domain.StrategyMetadata, error)
	ListAllStrategies(ctx context.Context) ([]domain.StrategyMetadata, error)
	StrategyCount(ctx context.Context) (int, error)

	// Balance ledger accounts and transactions (C2 operates exclusively
	// through these).
	GetAccount(ctx context.Context, owner string) (domain.UserAccount, error)
	PutAccount(ctx context.Context, a domain.UserAccount) error
	PutTransaction(ctx context.Context, t domain.TransactionRecord) error
	ListTransactions(ctx context.Context, owner string, limit int) ([]domain.TransactionRecord, error)
	CountTransactionsByDeployment(ctx context.Context, deploymentID string, kind domain.TransactionKind) (int, error)

	// Binary modules, one per strategy type, overwritten on re-upload.
	PutBinaryModule(ctx context.Context, m domain.BinaryModule) error
	GetBinaryModule(ctx context.Context, strategyType domain.StrategyType) (domain.BinaryModule, error)
	HasBinaryModule(ctx context.Context, strategyType domain.StrategyType) (bool, error)

	// Refund attempt audit trail and dead-letter queue (C5 supplement,
	// grounded on the teacher's gasbank settlement-attempt/dead-letter
	// tables).
	RecordRefundAttempt(ctx context.Context, deploymentID string, attemptNumber int, succeeded bool, errMsg string) error
	ListRefundAttempts(ctx context.Context, deploymentID string) ([]RefundAttempt, error)
	PutDeadLetter(ctx context.Context, entry DeadLetter) error
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)
	ResolveDeadLetter(ctx context.Context, deploymentID string) error
}

// RefundAttempt is one row of the per-deployment refund audit trail.
type RefundAttempt struct {
	DeploymentID  string
	AttemptNumber int
	AttemptedAt   time.Time
	Succeeded     bool
	ErrorMessage  string
}

// DeadLetter marks a deployment whose refund exhausted MAX_REFUND_ATTEMPTS
// and now requires an admin to reset RefundState before it is retried.
type DeadLetter struct {
	DeploymentID string
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	Resolved     bool
}
