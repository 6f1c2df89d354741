package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hunterfi/factory/domain"
	service "github.com/hunterfi/factory/system/framework/core"
)

// PostgresStore implements Store against PostgreSQL using raw
// database/sql, following the teacher's store_postgres.go convention of
// hand-written parameterized queries rather than an ORM.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-open *sql.DB. Callers apply the schema
// (infrastructure/database.ApplySchema) before constructing the store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) PutRecord(ctx context.Context, r domain.DeploymentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_records (
			deployment_id, strategy_type, owner, fee_amount_e8s, request_time,
			status, instance_id, config_data, error_message, last_updated, refund_attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (deployment_id) DO UPDATE SET
			status = EXCLUDED.status,
			instance_id = EXCLUDED.instance_id,
			error_message = EXCLUDED.error_message,
			last_updated = EXCLUDED.last_updated,
			refund_attempts = EXCLUDED.refund_attempts
	`, r.DeploymentID, string(r.StrategyType), r.Owner, r.FeeAmountE8s, r.RequestTime,
		string(r.Status), nullString(r.InstanceID), r.ConfigData, nullString(r.ErrorMessage), r.LastUpdated, r.Refund.Attempts)
	return err
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (domain.DeploymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT deployment_id, strategy_type, owner, fee_amount_e8s, request_time,
		       status, instance_id, config_data, error_message, last_updated, refund_attempts
		FROM deployment_records WHERE deployment_id = $1
	`, id)
	return scanRecord(row, id)
}

func (s *PostgresStore) listRecords(ctx context.Context, where string, arg any) ([]domain.DeploymentRecord, error) {
	query := `
		SELECT deployment_id, strategy_type, owner, fee_amount_e8s, request_time,
		       status, instance_id, config_data, error_message, last_updated, refund_attempts
		FROM deployment_records`
	var rows *sql.Rows
	var err error
	if where == "" {
		rows, err = s.db.QueryContext(ctx, query+" ORDER BY deployment_id")
	} else {
		rows, err = s.db.QueryContext(ctx, query+" WHERE "+where+" ORDER BY deployment_id", arg)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeploymentRecord
	for rows.Next() {
		r, err := scanRecord(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListRecordsByOwner(ctx context.Context, owner string) ([]domain.DeploymentRecord, error) {
	return s.listRecords(ctx, "owner = $1", owner)
}

func (s *PostgresStore) ListRecordsByStatus(ctx context.Context, status domain.DeploymentStatus) ([]domain.DeploymentRecord, error) {
	return s.listRecords(ctx, "status = $1", string(status))
}

func (s *PostgresStore) ListAllRecords(ctx context.Context) ([]domain.DeploymentRecord, error) {
	return s.listRecords(ctx, "", nil)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, expectedStatus, newStatus domain.DeploymentStatus, instanceID, errMsg string) (domain.DeploymentRecord, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE deployment_records
		SET status = $1,
		    instance_id = COALESCE(NULLIF($2, ''), instance_id),
		    error_message = COALESCE(NULLIF($3, ''), error_message),
		    last_updated = $4
		WHERE deployment_id = $5 AND status = $6
	`, string(newStatus), instanceID, errMsg, now, id, string(expectedStatus))
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if affected == 0 {
		current, getErr := s.GetRecord(ctx, id)
		if getErr != nil {
			return domain.DeploymentRecord{}, getErr
		}
		return domain.DeploymentRecord{}, fmt.Errorf("%w: deployment %s is %s, expected %s", service.ErrStaleStatus, id, current.Status, expectedStatus)
	}
	return s.GetRecord(ctx, id)
}

func (s *PostgresStore) UpdateRefund(ctx context.Context, id string, refund domain.RefundState) (domain.DeploymentRecord, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE deployment_records SET refund_attempts = $1, last_updated = $2 WHERE deployment_id = $3
	`, refund.Attempts, time.Now().UTC(), id); err != nil {
		return domain.DeploymentRecord{}, err
	}
	return s.GetRecord(ctx, id)
}

func (s *PostgresStore) GenerateDeploymentID(ctx context.Context, owner string, now time.Time) (string, error) {
	var counter int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO deployment_id_counter (id, value) VALUES (1, 1)
		ON CONFLICT (id) DO UPDATE SET value = deployment_id_counter.value + 1
		RETURNING value
	`).Scan(&counter)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s-%d", now.UnixNano(), owner, counter), nil
}

func (s *PostgresStore) ArchiveOldRecords(ctx context.Context, cutoff time.Time, maxActive int) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM deployment_records
		WHERE status IN ('Deployed', 'Refunded', 'DeploymentCancelled')
		  AND (last_updated < $1 OR deployment_id IN (
		      SELECT deployment_id FROM deployment_records
		      WHERE status IN ('Deployed', 'Refunded', 'DeploymentCancelled')
		      ORDER BY last_updated ASC
		      OFFSET $2
		  ))
	`, cutoff, maxActiveOffset(maxActive))
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func maxActiveOffset(maxActive int) int {
	if maxActive <= 0 {
		return 1 << 30 // effectively disables the capacity-bound branch
	}
	return maxActive
}

func (s *PostgresStore) PutStrategyMetadata(ctx context.Context, m domain.StrategyMetadata) error {
	pairJSON, err := encodeTradingPair(m.TradingPair)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO strategy_metadata (instance_id, strategy_type, owner, created_at, status, exchange, trading_pair)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (instance_id) DO UPDATE SET status = EXCLUDED.status
	`, m.InstanceID, string(m.StrategyType), m.Owner, m.CreatedAt, string(m.Status), string(m.Exchange), pairJSON)
	return err
}

func (s *PostgresStore) GetStrategyMetadata(ctx context.Context, instanceID string) (domain.StrategyMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT instance_id, strategy_type, owner, created_at, status, exchange, trading_pair
		FROM strategy_metadata WHERE instance_id = $1
	`, instanceID)
	return scanMetadata(row, instanceID)
}

func (s *PostgresStore) ListStrategiesByOwner(ctx context.Context, owner string) ([]domain.StrategyMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, strategy_type, owner, created_at, status, exchange, trading_pair
		FROM strategy_metadata WHERE owner = $1 ORDER BY created_at
	`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StrategyMetadata
	for rows.Next() {
		m, err := scanMetadata(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAllStrategies(ctx context.Context) ([]domain.StrategyMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, strategy_type, owner, created_at, status, exchange, trading_pair
		FROM strategy_metadata ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.StrategyMetadata
	for rows.Next() {
		m, err := scanMetadata(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StrategyCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM strategy_metadata`).Scan(&count)
	return count, err
}

func (s *PostgresStore) GetAccount(ctx context.Context, owner string) (domain.UserAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT owner, balance_e8s, last_deposit_at, total_deposited, total_consumed
		FROM user_accounts WHERE owner = $1
	`, owner)
	var a domain.UserAccount
	var lastDeposit sql.NullTime
	err := row.Scan(&a.Owner, &a.BalanceE8s, &lastDeposit, &a.TotalDeposited, &a.TotalConsumed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserAccount{Owner: owner}, nil
	}
	if err != nil {
		return domain.UserAccount{}, err
	}
	if lastDeposit.Valid {
		a.LastDepositAt = lastDeposit.Time
	}
	return a, nil
}

func (s *PostgresStore) PutAccount(ctx context.Context, a domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_accounts (owner, balance_e8s, last_deposit_at, total_deposited, total_consumed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner) DO UPDATE SET
			balance_e8s = EXCLUDED.balance_e8s,
			last_deposit_at = EXCLUDED.last_deposit_at,
			total_deposited = EXCLUDED.total_deposited,
			total_consumed = EXCLUDED.total_consumed
	`, a.Owner, a.BalanceE8s, nullTime(a.LastDepositAt), a.TotalDeposited, a.TotalConsumed)
	return err
}

func (s *PostgresStore) PutTransaction(ctx context.Context, t domain.TransactionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, owner, amount_e8s, kind, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.TransactionID, t.Owner, t.AmountE8s, string(t.Kind), t.Description, t.Timestamp)
	return err
}

func (s *PostgresStore) ListTransactions(ctx context.Context, owner string, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, owner, amount_e8s, kind, description, created_at
		FROM transactions WHERE owner = $1 ORDER BY created_at DESC LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TransactionRecord
	for rows.Next() {
		var t domain.TransactionRecord
		var kind string
		if err := rows.Scan(&t.TransactionID, &t.Owner, &t.AmountE8s, &kind, &t.Description, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Kind = domain.TransactionKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountTransactionsByDeployment(ctx context.Context, deploymentID string, kind domain.TransactionKind) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM transactions WHERE kind = $1 AND description LIKE '%' || $2 || '%'
	`, string(kind), deploymentID).Scan(&count)
	return count, err
}

func (s *PostgresStore) PutBinaryModule(ctx context.Context, m domain.BinaryModule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO binary_modules (strategy_type, version, module_hash, wasm_bytes, registered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (strategy_type) DO UPDATE SET
			version = EXCLUDED.version,
			module_hash = EXCLUDED.module_hash,
			wasm_bytes = EXCLUDED.wasm_bytes,
			registered_at = EXCLUDED.registered_at
	`, string(m.StrategyType), m.Version, m.ModuleHash, m.Bytes, m.RegisteredAt)
	return err
}

func (s *PostgresStore) GetBinaryModule(ctx context.Context, strategyType domain.StrategyType) (domain.BinaryModule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT strategy_type, version, module_hash, wasm_bytes, registered_at
		FROM binary_modules WHERE strategy_type = $1
	`, string(strategyType))
	var m domain.BinaryModule
	var st string
	if err := row.Scan(&st, &m.Version, &m.ModuleHash, &m.Bytes, &m.RegisteredAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BinaryModule{}, service.NewNotFoundError("binary_module", string(strategyType))
		}
		return domain.BinaryModule{}, err
	}
	m.StrategyType = domain.StrategyType(st)
	return m, nil
}

func (s *PostgresStore) HasBinaryModule(ctx context.Context, strategyType domain.StrategyType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM binary_modules WHERE strategy_type = $1)
	`, string(strategyType)).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) RecordRefundAttempt(ctx context.Context, deploymentID string, attemptNumber int, succeeded bool, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_attempts (deployment_id, attempt_number, attempted_at, succeeded, error_message)
		VALUES ($1, $2, $3, $4, $5)
	`, deploymentID, attemptNumber, time.Now().UTC(), succeeded, nullString(errMsg))
	return err
}

func (s *PostgresStore) ListRefundAttempts(ctx context.Context, deploymentID string) ([]RefundAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deployment_id, attempt_number, attempted_at, succeeded, COALESCE(error_message, '')
		FROM refund_attempts WHERE deployment_id = $1 ORDER BY attempt_number
	`, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RefundAttempt
	for rows.Next() {
		var a RefundAttempt
		if err := rows.Scan(&a.DeploymentID, &a.AttemptNumber, &a.AttemptedAt, &a.Succeeded, &a.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutDeadLetter(ctx context.Context, entry DeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refund_dead_letters (deployment_id, attempts, last_error, created_at, resolved)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (deployment_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			resolved = EXCLUDED.resolved
	`, entry.DeploymentID, entry.Attempts, entry.LastError, entry.CreatedAt, entry.Resolved)
	return err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT deployment_id, attempts, last_error, created_at, resolved
		FROM refund_dead_letters WHERE resolved = false ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.DeploymentID, &d.Attempts, &d.LastError, &d.CreatedAt, &d.Resolved); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolveDeadLetter(ctx context.Context, deploymentID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE refund_dead_letters SET resolved = true WHERE deployment_id = $1
	`, deploymentID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return service.NewNotFoundError("dead_letter", deploymentID)
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
