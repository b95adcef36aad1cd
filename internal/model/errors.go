package model

import "errors"

// Category groups errors by how callers should react to them.
type Category string

const (
	CategoryAuthorization Category = "authorization"
	CategoryInput         Category = "input"
	CategoryStaleness     Category = "staleness"
	CategorySolvency      Category = "solvency"
	CategoryQueueState    Category = "queue_state"
	CategoryIdempotence   Category = "idempotence"
	CategoryInternal      Category = "internal"
)

var (
	// Authorization.
	ErrAccessDenied = errors.New("access denied")

	// Input validity.
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidShares       = errors.New("invalid shares")
	ErrZeroAddress         = errors.New("zero address")
	ErrInvalidPosition     = errors.New("invalid position")
	ErrInvalidTicket       = errors.New("invalid ticket")
	ErrInvalidFeePercent   = errors.New("invalid fee percent")
	ErrInvalidLtvPercent   = errors.New("invalid ltv percent")
	ErrInvalidLiqThreshold = errors.New("invalid liquidation threshold percent")
	ErrInvalidLiqBonus     = errors.New("invalid liquidation bonus percent")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrDeadlineExpired     = errors.New("deadline expired")
	ErrInvalidProof        = errors.New("invalid proof")
	ErrUnknownCall         = errors.New("unknown call")
	ErrInvalidParams       = errors.New("invalid call params")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrBlocklisted         = errors.New("account is blocklisted")
	ErrTransfersDisabled   = errors.New("share transfers disabled")

	// Staleness.
	ErrNotHarvested      = errors.New("not harvested")
	ErrNotCollateralized = errors.New("not collateralized")
	ErrStaleAttestation  = errors.New("stale attestation")
	ErrTooEarly          = errors.New("too early")

	// Solvency.
	ErrLowLtv                = errors.New("low ltv")
	ErrInvalidHealthFactor   = errors.New("invalid health factor")
	ErrLiquidationDisabled   = errors.New("liquidation disabled")
	ErrInvalidReceivedAssets = errors.New("invalid received assets")
	ErrInsufficientAssets    = errors.New("insufficient assets")
	ErrCapacityExceeded      = errors.New("capacity exceeded")

	// Queue state.
	ErrExitRequestNotProcessed = errors.New("exit request not processed")
	ErrInvalidCheckpointIndex  = errors.New("invalid checkpoint index")

	// Idempotence.
	ErrValueNotChanged = errors.New("value not changed")
)

var categories = []struct {
	cat  Category
	errs []error
}{
	{CategoryAuthorization, []error{ErrAccessDenied}},
	{CategoryInput, []error{
		ErrInvalidAmount, ErrInvalidShares, ErrZeroAddress, ErrInvalidPosition, ErrInvalidTicket,
		ErrInvalidFeePercent, ErrInvalidLtvPercent, ErrInvalidLiqThreshold, ErrInvalidLiqBonus,
		ErrInvalidSignature, ErrDeadlineExpired, ErrInvalidProof, ErrUnknownCall, ErrInvalidParams,
		ErrInsufficientShares, ErrBlocklisted, ErrTransfersDisabled,
	}},
	{CategoryStaleness, []error{ErrNotHarvested, ErrNotCollateralized, ErrStaleAttestation, ErrTooEarly}},
	{CategorySolvency, []error{
		ErrLowLtv, ErrInvalidHealthFactor, ErrLiquidationDisabled, ErrInvalidReceivedAssets,
		ErrInsufficientAssets, ErrCapacityExceeded,
	}},
	{CategoryQueueState, []error{ErrExitRequestNotProcessed, ErrInvalidCheckpointIndex}},
	{CategoryIdempotence, []error{ErrValueNotChanged}},
}

// CategoryOf classifies err. Unknown errors are internal.
func CategoryOf(err error) Category {
	for _, c := range categories {
		for _, e := range c.errs {
			if errors.Is(err, e) {
				return c.cat
			}
		}
	}
	return CategoryInternal
}
