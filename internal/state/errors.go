package state

import (
	"errors"
	"fmt"

	"TroveLedger/internal/ledger"

	"github.com/google/uuid"
)

// Error kinds returned by protocol operations. Operations wrap them with
// context; callers match with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrNotFound               = errors.New("not found")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrNothingToLiquidate     = errors.New("nothing to liquidate")
	ErrTroveNotBelowThreshold = errors.New("trove not below liquidation threshold")
	ErrPoolStateInconsistent  = errors.New("stability pool state inconsistent")
	ErrInvariantViolation     = errors.New("invariant violation")
	ErrExternalDependency     = errors.New("external dependency failure")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

func externalFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrExternalDependency, err)
}

func notFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

func poolInconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPoolStateInconsistent, fmt.Sprintf(format, args...))
}

// custodyFailure classifies a custody rejection. A projection mismatch means
// the ledger totals drifted from custody; anything else is the collaborator
// refusing the movement.
func custodyFailure(err error) error {
	if errors.Is(err, ledger.ErrReconciliation) {
		return fmt.Errorf("%w: %w", ErrInvariantViolation, err)
	}
	return externalFailure(err)
}
