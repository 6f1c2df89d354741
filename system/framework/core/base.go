package service

import (
	"context"
	"strings"
)

// AccountStore resolves whether an owner identifier is known to the ledger.
// Implemented by packages/ledger's store; kept as a narrow interface here so
// system/framework/core has no dependency on any concrete storage package.
type AccountStore interface {
	HasAccount(ctx context.Context, owner string) (bool, error)
}

// Base bundles shared service helpers (owner validation, tracing); the
// ledger service is the one that embeds it.
type Base struct {
	accounts AccountStore
	tracer   Tracer
}

// NewBase constructs a helper optionally bound to an account store. Pass nil
// when the caller only needs trimming/non-empty validation.
func NewBase(accounts AccountStore) *Base {
	return &Base{accounts: accounts, tracer: NoopTracer}
}

// SetTracer configures the tracer used for cross-cutting spans.
func (b *Base) SetTracer(tracer Tracer) {
	if tracer == nil {
		b.tracer = NoopTracer
		return
	}
	b.tracer = tracer
}

// NormalizeOwner trims and validates an owner identifier, optionally
// confirming the owner has a ledger account when an account store is wired.
func (b *Base) NormalizeOwner(ctx context.Context, owner string) (string, error) {
	trimmed := strings.TrimSpace(owner)
	if trimmed == "" {
		return "", RequiredError("owner")
	}
	if b.accounts == nil {
		return trimmed, nil
	}
	ok, err := b.accounts.HasAccount(ctx, trimmed)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", NewNotFoundError("account", trimmed)
	}
	return trimmed, nil
}

// Tracer exposes the currently configured tracer (defaults to no-op).
func (b *Base) Tracer() Tracer {
	if b == nil || b.tracer == nil {
		return NoopTracer
	}
	return b.tracer
}
