package domain

import (
	"encoding/json"

	service "github.com/hunterfi/factory/system/framework/core"
)

// StrategyConfig is implemented by every per-strategy-type configuration.
// Validate enforces the non-zero-amount / non-zero-interval rules the
// reference factory canister applies in strategy_common::types before
// accepting a deployment request.
type StrategyConfig interface {
	Validate() error
	StrategyType() StrategyType
	ExchangeTag() Exchange
}

// DCAConfig configures a Dollar Cost Averaging strategy instance.
type DCAConfig struct {
	Exchange            Exchange
	BaseToken           TokenMetadata
	QuoteToken          TokenMetadata
	AmountPerExecution  uint64
	IntervalSecs        uint64
	MaxExecutions       *uint64 // nil means unlimited
	SlippageTolerance   float64 // percentage, e.g. 1.0 = 1%
}

func (c DCAConfig) Validate() error {
	if c.AmountPerExecution == 0 {
		return NewConfigValidationError("amount_per_execution", "must be greater than 0")
	}
	if c.IntervalSecs == 0 {
		return NewConfigValidationError("interval_secs", "must be greater than 0")
	}
	if err := validateSlippage(c.SlippageTolerance); err != nil {
		return err
	}
	return nil
}

func (c DCAConfig) StrategyType() StrategyType { return DollarCostAveraging }
func (c DCAConfig) ExchangeTag() Exchange      { return c.Exchange }

// ValueAvgConfig configures a Value Averaging strategy instance.
type ValueAvgConfig struct {
	Exchange             Exchange
	BaseToken            TokenMetadata
	QuoteToken           TokenMetadata
	TargetValueIncrease  uint64
	IntervalSecs         uint64
	MaxExecutions        *uint64
	SlippageTolerance    float64
}

func (c ValueAvgConfig) Validate() error {
	if c.TargetValueIncrease == 0 {
		return NewConfigValidationError("target_value_increase", "must be greater than 0")
	}
	if c.IntervalSecs == 0 {
		return NewConfigValidationError("interval_secs", "must be greater than 0")
	}
	if err := validateSlippage(c.SlippageTolerance); err != nil {
		return err
	}
	return nil
}

func (c ValueAvgConfig) StrategyType() StrategyType { return ValueAveraging }
func (c ValueAvgConfig) ExchangeTag() Exchange      { return c.Exchange }

// FixedBalanceConfig configures a Fixed Balance (rebalancing) strategy
// instance.
type FixedBalanceConfig struct {
	Exchange            Exchange
	TokenAllocations    map[string]float64 // token symbol -> allocation ratio
	RebalanceThreshold  float64
	IntervalSecs        uint64
	SlippageTolerance   float64
}

func (c FixedBalanceConfig) Validate() error {
	if len(c.TokenAllocations) == 0 {
		return NewConfigValidationError("token_allocations", "cannot be empty")
	}
	if c.IntervalSecs == 0 {
		return NewConfigValidationError("interval_secs", "must be greater than 0")
	}
	if err := validateSlippage(c.SlippageTolerance); err != nil {
		return err
	}
	return nil
}

func (c FixedBalanceConfig) StrategyType() StrategyType { return FixedBalance }
func (c FixedBalanceConfig) ExchangeTag() Exchange      { return c.Exchange }

// LimitOrderConfig configures a Limit Order strategy instance.
type LimitOrderConfig struct {
	Exchange   Exchange
	BaseToken  TokenMetadata
	QuoteToken TokenMetadata
	OrderType  OrderType
	Price      uint64
	Amount     uint64
	Expiration *uint64 // unix seconds, nil means never expire
}

func (c LimitOrderConfig) Validate() error {
	if c.Amount == 0 {
		return NewConfigValidationError("amount", "must be greater than 0")
	}
	if c.Price == 0 {
		return NewConfigValidationError("price", "must be greater than 0")
	}
	return nil
}

func (c LimitOrderConfig) StrategyType() StrategyType { return LimitOrder }
func (c LimitOrderConfig) ExchangeTag() Exchange      { return c.Exchange }

// SelfHedgingConfig configures a Self-Hedging (volume generation) strategy
// instance.
type SelfHedgingConfig struct {
	Exchange          Exchange
	TradingToken      TokenMetadata
	TransactionSize   uint64
	OrderSplitType    OrderSplitType
	CheckIntervalSecs uint64
	SlippageTolerance float64
}

func (c SelfHedgingConfig) Validate() error {
	if c.TransactionSize == 0 {
		return NewConfigValidationError("transaction_size", "must be greater than 0")
	}
	if c.CheckIntervalSecs == 0 {
		return NewConfigValidationError("check_interval_secs", "must be greater than 0")
	}
	if err := validateSlippage(c.SlippageTolerance); err != nil {
		return err
	}
	return nil
}

func (c SelfHedgingConfig) StrategyType() StrategyType { return SelfHedging }
func (c SelfHedgingConfig) ExchangeTag() Exchange      { return c.Exchange }

func validateSlippage(pct float64) error {
	if pct < 0 || pct > 100 {
		return NewConfigValidationError("slippage_tolerance", "must be within [0, 100]")
	}
	return nil
}

// EncodeConfig serializes a StrategyConfig into the opaque config_data blob
// carried on a DeploymentRecord. The reference implementation candid-encodes
// the config; Go has no candid encoder in the retrieval pack, so JSON is
// substituted as the serialization format consumed only by the factory's
// own decode step (the blob is never inspected by its strategy type tag
// alone — see DecodeConfig).
func EncodeConfig(cfg StrategyConfig) ([]byte, error) {
	return json.Marshal(cfg)
}

// DecodeConfig deserializes config_data back into the concrete config type
// for strategyType. Callers must know the strategy type ahead of time
// (carried alongside config_data on the DeploymentRecord).
func DecodeConfig(strategyType StrategyType, data []byte) (StrategyConfig, error) {
	switch strategyType {
	case DollarCostAveraging:
		var c DCAConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case ValueAveraging:
		var c ValueAvgConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case FixedBalance:
		var c FixedBalanceConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case LimitOrder:
		var c LimitOrderConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	case SelfHedging:
		var c SelfHedgingConfig
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, NewConfigValidationError("strategy_type", "unknown strategy type")
	}
}

// CanonicalFeeToken is the hard-coded quote leg used when a Fixed Balance
// strategy's trading pair is derived for StrategyMetadata (the strategy
// allocates across N tokens, not a single pair).
var CanonicalFeeToken = TokenMetadata{Symbol: "ICP", Decimals: 8}

// ConfigValidationError reports a rejected strategy configuration field.
// It wraps service.ErrInvalidInput so statusFor's errors.Is classification
// maps it to spec §7's ValidationError (HTTP 400) rather than falling
// through to an internal-error response.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e *ConfigValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ConfigValidationError) Unwrap() error { return service.ErrInvalidInput }

// NewConfigValidationError creates a ConfigValidationError.
func NewConfigValidationError(field, message string) error {
	return &ConfigValidationError{Field: field, Message: message}
}
