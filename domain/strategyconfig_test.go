package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDCAConfigValidate(t *testing.T) {
	valid := DCAConfig{AmountPerExecution: 1_000_000, IntervalSecs: 3600, SlippageTolerance: 0.5}
	require.NoError(t, valid.Validate())

	zeroAmount := valid
	zeroAmount.AmountPerExecution = 0
	require.Error(t, zeroAmount.Validate())

	zeroInterval := valid
	zeroInterval.IntervalSecs = 0
	require.Error(t, zeroInterval.Validate())

	badSlippage := valid
	badSlippage.SlippageTolerance = 150
	require.Error(t, badSlippage.Validate())
}

func TestFixedBalanceConfigValidateRequiresAllocations(t *testing.T) {
	cfg := FixedBalanceConfig{IntervalSecs: 60}
	require.Error(t, cfg.Validate())

	cfg.TokenAllocations = map[string]float64{"ICP": 0.5, "ckBTC": 0.5}
	require.NoError(t, cfg.Validate())
}

func TestLimitOrderConfigValidate(t *testing.T) {
	cfg := LimitOrderConfig{Amount: 10, Price: 5}
	require.NoError(t, cfg.Validate())

	cfg.Price = 0
	require.Error(t, cfg.Validate())
}

func TestSelfHedgingConfigValidate(t *testing.T) {
	cfg := SelfHedgingConfig{TransactionSize: 10, CheckIntervalSecs: 30}
	require.NoError(t, cfg.Validate())

	cfg.CheckIntervalSecs = 0
	require.Error(t, cfg.Validate())
}

func TestEncodeDecodeConfigRoundTrip(t *testing.T) {
	original := DCAConfig{
		Exchange:           ICPSwap,
		BaseToken:          TokenMetadata{Symbol: "ICP", Decimals: 8},
		QuoteToken:         TokenMetadata{Symbol: "ckUSDC", Decimals: 6},
		AmountPerExecution: 1_000_000,
		IntervalSecs:       3600,
		SlippageTolerance:  1.0,
	}

	data, err := EncodeConfig(original)
	require.NoError(t, err)

	decoded, err := DecodeConfig(DollarCostAveraging, data)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestDecodeConfigUnknownStrategyType(t *testing.T) {
	_, err := DecodeConfig(StrategyType("bogus"), []byte("{}"))
	require.Error(t, err)
}

func TestDeriveTradingPairFixedBalanceUsesCanonicalQuote(t *testing.T) {
	cfg := FixedBalanceConfig{TokenAllocations: map[string]float64{"ckBTC": 0.6, "ICP": 0.4}}
	pair := DeriveTradingPair(cfg)
	require.Equal(t, "ICP", pair.BaseToken.Symbol) // alphabetically first of ckBTC/ICP
	require.Equal(t, CanonicalFeeToken, pair.QuoteToken)
}

func TestDeriveTradingPairSelfHedgingPairsTokenWithItself(t *testing.T) {
	token := TokenMetadata{Symbol: "ICP", Decimals: 8}
	cfg := SelfHedgingConfig{TradingToken: token, TransactionSize: 1, CheckIntervalSecs: 1}
	pair := DeriveTradingPair(cfg)
	require.Equal(t, token, pair.BaseToken)
	require.Equal(t, token, pair.QuoteToken)
}
