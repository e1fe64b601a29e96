package store

import "errors"

// Sentinel causes wrapped into store errors; internal/refund and
// internal/tip translate these into apierr kinds.
var (
	errContractNotPaid       = errors.New("store: contract not paid")
	errExceedsContractAmount = errors.New("store: exceeds contract amount")
	errInsufficientFunds     = errors.New("store: insufficient funds")
)

// IsContractNotPaid reports whether err wraps the "refund before payment"
// condition of this behavior.
func IsContractNotPaid(err error) bool { return errors.Is(err, errContractNotPaid) }

// IsExceedsContractAmount reports whether err wraps the
// ExceedsContractAmount condition.
func IsExceedsContractAmount(err error) bool { return errors.Is(err, errExceedsContractAmount) }

// IsInsufficientFunds reports whether err wraps the tip/withdrawal
// insufficient-funds condition of this behavior.
func IsInsufficientFunds(err error) bool { return errors.Is(err, errInsufficientFunds) }
