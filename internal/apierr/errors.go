// Package apierr defines the surface-level error kinds the merchant core
// reports to its HTTP transport collaborator.
package apierr

import (
	"fmt"

	"go.uber.org/zap"
)

// auditLog is a secondary structured-logging stream reserved for
// InternalInvariantFailure: failures that mean the merchant's own
// bookkeeping contradicts itself, as opposed to a caller or exchange error.
// Kept separate from the logrus stream used elsewhere so these can be
// routed and alerted on independently.
var auditLog, _ = zap.NewProduction()

// SetAuditLogger overrides the package's audit stream, letting tests
// substitute a zap/zaptest observer instead of writing to stderr.
func SetAuditLogger(l *zap.Logger) { auditLog = l }

// Kind is one of the error kinds enumerated here.
type Kind string

const (
	BadRequest              Kind = "BadRequest"
	NotFound                Kind = "NotFound"
	Conflict                Kind = "Conflict"
	PreconditionFailed      Kind = "PreconditionFailed"
	FailedDependency        Kind = "FailedDependency"
	ServiceUnavailable      Kind = "ServiceUnavailable"
	GatewayTimeout          Kind = "GatewayTimeout"
	InternalInvariantFailure Kind = "InternalInvariantFailure"
)

// httpStatus mirrors the transport collaborator's expected mapping; the
// transport layer itself is out of scope but handlers need a
// status to hand it.
var httpStatus = map[Kind]int{
	BadRequest:               400,
	NotFound:                 404,
	Conflict:                 409,
	PreconditionFailed:       412,
	FailedDependency:         424,
	ServiceUnavailable:       503,
	GatewayTimeout:           504,
	InternalInvariantFailure: 500,
}

// Error is the stable, user-visible failure shape: a numeric code, a short
// machine tag, a human message, and (when the failure stems from exchange
// behavior) the exchange's own signed proof so a wallet can verify
// independently.
type Error struct {
	Kind    Kind
	Code    int
	Tag     string
	Message string
	Proof   any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Tag, e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Tag, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code the transport collaborator should send.
func (e *Error) HTTPStatus() int { return httpStatus[e.Kind] }

// New constructs an Error. code is the stable numeric code exposed to
// wallets; tag is the short machine-readable string (e.g.
// "AlreadyClaimed", "ExceedsContractAmount").
func New(kind Kind, code int, tag, message string) *Error {
	e := &Error{Kind: kind, Code: code, Tag: tag, Message: message}
	if kind == InternalInvariantFailure && auditLog != nil {
		auditLog.Error("internal invariant failure", zap.Int("code", code), zap.String("tag", tag), zap.String("message", message))
	}
	return e
}

// Wrap attaches an internal cause to a new Error without exposing the
// cause's text directly to the wallet; Message is the intentionally
// surfaced string, cause stays attached for logging and Unwrap only.
func Wrap(kind Kind, code int, tag, message string, cause error) *Error {
	e := New(kind, code, tag, message)
	e.cause = cause
	if kind == InternalInvariantFailure && auditLog != nil {
		auditLog.Error("internal invariant failure cause", zap.String("tag", tag), zap.Error(cause))
	}
	return e
}

// WithProof attaches the exchange's signed proof for independent
// verification by the wallet and returns the same error for chaining.
func (e *Error) WithProof(proof any) *Error {
	e.Proof = proof
	return e
}

// Stable numeric codes. Grouped by
// component so new codes can be added without renumbering existing ones.
const (
	CodeOrderIdExists = 1001
	CodeNoActiveAccount = 1002
	CodeInvalidAmount = 1003
	CodeDeadlineInPast = 1004
	CodeAlreadyClaimed = 1005
	CodeOrderNotFound = 1006

	CodeContractNotFound     = 2001
	CodePaymentInsufficient  = 2002
	CodeDoubleSpend          = 2003
	CodeDenominationInvalid  = 2004
	CodeExchangeUnavailable  = 2005
	CodeExchangeProtocol     = 2006
	CodeServerBusy           = 2007

	CodeContractNotPaid      = 3001
	CodeExceedsContractAmount = 3002

	CodeExchangeReportedUnknownDeposit = 4001
	CodeAmountMismatch                 = 4002
	CodeMerchantAccountMismatch        = 4003
	CodeInvalidExchangeSignature       = 4004

	CodeInstanceDoesNotTip = 5001
	CodeReserveUnknown     = 5002
	CodeReserveExpired     = 5003
	CodeInsufficientFunds  = 5004
)
