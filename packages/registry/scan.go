package registry

import (
	"database/sql"
	"encoding/json"

	"github.com/hunterfi/factory/domain"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting scanRecord
// and scanMetadata serve single-row and multi-row queries alike.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, _ string) (domain.DeploymentRecord, error) {
	var r domain.DeploymentRecord
	var strategyType, status string
	var instanceID, errMsg sql.NullString

	err := row.Scan(
		&r.DeploymentID, &strategyType, &r.Owner, &r.FeeAmountE8s, &r.RequestTime,
		&status, &instanceID, &r.ConfigData, &errMsg, &r.LastUpdated, &r.Refund.Attempts,
	)
	if err != nil {
		return domain.DeploymentRecord{}, err
	}

	r.StrategyType = domain.StrategyType(strategyType)
	r.Status = domain.DeploymentStatus(status)
	r.InstanceID = instanceID.String
	r.ErrorMessage = errMsg.String
	return r, nil
}

func scanMetadata(row rowScanner, _ string) (domain.StrategyMetadata, error) {
	var m domain.StrategyMetadata
	var strategyType, status, exchange string
	var pairJSON []byte

	err := row.Scan(&m.InstanceID, &strategyType, &m.Owner, &m.CreatedAt, &status, &exchange, &pairJSON)
	if err != nil {
		return domain.StrategyMetadata{}, err
	}

	m.StrategyType = domain.StrategyType(strategyType)
	m.Status = domain.StrategyRunState(status)
	m.Exchange = domain.Exchange(exchange)
	if len(pairJSON) > 0 {
		if err := json.Unmarshal(pairJSON, &m.TradingPair); err != nil {
			return domain.StrategyMetadata{}, err
		}
	}
	return m, nil
}

func encodeTradingPair(p domain.TradingPair) ([]byte, error) {
	return json.Marshal(p)
}
