package domain

// DeriveTradingPair computes the trading pair a deployed strategy's
// StrategyMetadata carries, per spec §4.4: DCA/ValueAvg/LimitOrder use the
// config's (base_token, quote_token); FixedBalance uses the first allocated
// token paired against the canonical fee token; SelfHedging pairs its
// trading token against itself (it generates volume on one token, not a
// cross-token trade).
func DeriveTradingPair(cfg StrategyConfig) TradingPair {
	switch c := cfg.(type) {
	case DCAConfig:
		return TradingPair{BaseToken: c.BaseToken, QuoteToken: c.QuoteToken}
	case ValueAvgConfig:
		return TradingPair{BaseToken: c.BaseToken, QuoteToken: c.QuoteToken}
	case LimitOrderConfig:
		return TradingPair{BaseToken: c.BaseToken, QuoteToken: c.QuoteToken}
	case FixedBalanceConfig:
		first := firstAllocatedToken(c.TokenAllocations)
		return TradingPair{BaseToken: TokenMetadata{Symbol: first}, QuoteToken: CanonicalFeeToken}
	case SelfHedgingConfig:
		return TradingPair{BaseToken: c.TradingToken, QuoteToken: c.TradingToken}
	default:
		return TradingPair{}
	}
}

// firstAllocatedToken returns a deterministic "first" key from a token
// allocation map. Map iteration order is unspecified, so callers needing
// stability should not rely on it beyond informational display — the
// StrategyMetadata's trading pair is observational only, never consumed by
// the deployment state machine.
func firstAllocatedToken(allocations map[string]float64) string {
	var first string
	for symbol := range allocations {
		if first == "" || symbol < first {
			first = symbol
		}
	}
	return first
}
