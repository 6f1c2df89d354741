package service

import (
	"errors"
	"fmt"
)

// Standard factory errors for consistent error handling across the deployment
// pipeline, the balance ledger, and the reconciler. These enable unified
// error mapping in HTTP handlers and in the reconciler's refund/retry logic.

var (
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed or invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidState indicates an operation was attempted against a
	// deployment record in a status that does not permit it.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnauthorized indicates the caller does not own the resource it is
	// operating on.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientFunds indicates a balance-ledger debit exceeds the
	// account's available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrExternalCall indicates a downstream call (token ledger transfer,
	// compute-unit provisioning) failed.
	ErrExternalCall = errors.New("external call failed")

	// ErrDeploymentFailed indicates a deployment could not be advanced to
	// completion and has moved into the failure branch of the state machine.
	ErrDeploymentFailed = errors.New("deployment failed")

	// ErrRefundExhausted indicates a refund has been retried
	// MAX_REFUND_ATTEMPTS times without succeeding and now requires admin
	// intervention.
	ErrRefundExhausted = errors.New("refund attempts exhausted")

	// ErrStaleStatus indicates a compare-and-set status update lost a race:
	// the record advanced past the caller's last-observed status.
	ErrStaleStatus = errors.New("stale status")
)

// NotFoundError provides detailed not-found errors with resource context.
type NotFoundError struct {
	Resource string // e.g., "deployment", "account", "binary_module"
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError creates a not-found error for a specific resource.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError provides detailed validation errors with field context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// RequiredError creates a validation error for a required field.
func RequiredError(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// StateError reports that a deployment record's current status does not
// permit the attempted transition.
type StateError struct {
	DeploymentID string
	Current      string
	Attempted    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("deployment %s: cannot apply %s while in status %s", e.DeploymentID, e.Attempted, e.Current)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// NewStateError creates a state-transition error.
func NewStateError(deploymentID, current, attempted string) error {
	return &StateError{DeploymentID: deploymentID, Current: current, Attempted: attempted}
}

// AuthError reports that the caller does not own the resource it asked to
// operate on.
type AuthError struct {
	Resource string
	ID       string
	Caller   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s %q does not belong to caller %s", e.Resource, e.ID, e.Caller)
}

func (e *AuthError) Unwrap() error { return ErrUnauthorized }

// NewAuthError creates an ownership/authorization error.
func NewAuthError(resource, id, caller string) error {
	return &AuthError{Resource: resource, ID: id, Caller: caller}
}

// InsufficientFundsError reports a balance-ledger debit that exceeds the
// account's available balance.
type InsufficientFundsError struct {
	Owner     string
	Requested uint64
	Available uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("owner %s: requested %d exceeds available balance %d", e.Owner, e.Requested, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// NewInsufficientFundsError creates an insufficient-funds error.
func NewInsufficientFundsError(owner string, requested, available uint64) error {
	return &InsufficientFundsError{Owner: owner, Requested: requested, Available: available}
}

// ExternalCallError wraps a failure from a downstream dependency (the token
// ledger or the compute-unit manager) and classifies whether the caller
// should retry.
type ExternalCallError struct {
	Service   string // "token_ledger" or "compute"
	Operation string // "transfer", "create", "install", "init"
	Transient bool   // true if the failure is safe to retry
	Err       error
}

func (e *ExternalCallError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s.%s: %s error: %v", e.Service, e.Operation, kind, e.Err)
}

func (e *ExternalCallError) Unwrap() error { return ErrExternalCall }

// NewExternalCallError wraps an external-call failure with a transient/
// permanent classification. Classification mirrors the factory's reference
// implementation, which treats a transient rejection code as retryable and
// anything else (including a fatal rejection code) as terminal.
func NewExternalCallError(service, operation string, transient bool, err error) error {
	return &ExternalCallError{Service: service, Operation: operation, Transient: transient, Err: err}
}

// IsTransient reports whether err is an ExternalCallError marked transient.
func IsTransient(err error) bool {
	var ece *ExternalCallError
	if errors.As(err, &ece) {
		return ece.Transient
	}
	return false
}

// DeploymentFailureError marks a deployment as having moved into the
// failure branch of the state machine, carrying the reason recorded on the
// record's error_message field.
type DeploymentFailureError struct {
	DeploymentID string
	Reason       string
}

func (e *DeploymentFailureError) Error() string {
	return fmt.Sprintf("deployment %s failed: %s", e.DeploymentID, e.Reason)
}

func (e *DeploymentFailureError) Unwrap() error { return ErrDeploymentFailed }

// NewDeploymentFailureError creates a deployment-failure error.
func NewDeploymentFailureError(deploymentID, reason string) error {
	return &DeploymentFailureError{DeploymentID: deploymentID, Reason: reason}
}

// RefundExhaustedError marks a refund that has used up its retry budget.
type RefundExhaustedError struct {
	DeploymentID string
	Attempts     int
	LastErr      error
}

func (e *RefundExhaustedError) Error() string {
	return fmt.Sprintf("deployment %s: refund exhausted after %d attempts: %v", e.DeploymentID, e.Attempts, e.LastErr)
}

func (e *RefundExhaustedError) Unwrap() error { return ErrRefundExhausted }

// NewRefundExhaustedError creates a refund-exhausted error.
func NewRefundExhaustedError(deploymentID string, attempts int, lastErr error) error {
	return &RefundExhaustedError{DeploymentID: deploymentID, Attempts: attempts, LastErr: lastErr}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsValidationError reports whether err is a validation error.
func IsValidationError(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsStateError reports whether err is a state-transition error.
func IsStateError(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsUnauthorized reports whether err is an authorization error.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsInsufficientFunds reports whether err is an insufficient-funds error.
func IsInsufficientFunds(err error) bool { return errors.Is(err, ErrInsufficientFunds) }

// IsStale reports whether err is a compare-and-set staleness error.
func IsStale(err error) bool { return errors.Is(err, ErrStaleStatus) }

// ServiceError wraps an error with service/operation context for logging.
type ServiceError struct {
	Service   string
	Operation string
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Operation, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WrapServiceError wraps an error with service context.
func WrapServiceError(service, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Operation: operation, Err: err}
}
