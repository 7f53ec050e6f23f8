package query

import (
	"context"

	"TroveLedger/internal/core"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// LiveTrove is a trove read from core memory, pending rewards included.
type LiveTrove struct {
	Owner       uuid.UUID     `json:"owner"`
	Status      string        `json:"status"`
	Collateral  fpmath.Amount `json:"collateral"`
	Debt        fpmath.Amount `json:"debt"`
	PendingColl fpmath.Amount `json:"pending_coll"`
	PendingDebt fpmath.Amount `json:"pending_debt"`
	ICR         fpmath.Amount `json:"icr"`
	Sequence    int64         `json:"sequence"`
}

// LiveDeposit is a deposit's compounded value and gain right now.
type LiveDeposit struct {
	Owner      uuid.UUID     `json:"owner"`
	Initial    fpmath.Amount `json:"initial"`
	Compounded fpmath.Amount `json:"compounded"`
	Gain       fpmath.Amount `json:"gain"`
	Sequence   int64         `json:"sequence"`
}

// SystemStatus is the system-wide collateral ratio and pool state.
type SystemStatus struct {
	TCR          fpmath.Amount `json:"tcr"`
	RecoveryMode bool          `json:"recovery_mode"`
	Pool         core.PoolView `json:"pool"`
	Sequence     int64         `json:"sequence"`
}

// LiveReader answers from the core's memory through the runner. Reads are
// consistent with a single point in the event sequence and never stale,
// at the cost of a turn on the core goroutine.
type LiveReader struct {
	runner *core.Runner
}

func NewLiveReader(runner *core.Runner) *LiveReader {
	return &LiveReader{runner: runner}
}

func (lr *LiveReader) Trove(ctx context.Context, owner uuid.UUID) (*LiveTrove, error) {
	var (
		out   *LiveTrove
		found bool
	)
	err := lr.runner.Inspect(ctx, func(c *core.DeterministicCore) {
		tm := c.Protocol().Troves()
		t := tm.GetTrove(owner)
		if t == nil {
			return
		}
		found = true
		out = &LiveTrove{Owner: owner, Status: t.Status.String(), Sequence: c.GetSequence()}
		coll, debt, pending, err := tm.EntireDebtAndColl(owner)
		if err != nil {
			return // closed: no live amounts
		}
		price := c.PoolView().Price
		out.Collateral, out.Debt = coll, debt
		out.PendingColl, out.PendingDebt = pending.Collateral, pending.Debt
		out.ICR = fpmath.ICR(coll, debt, price)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return out, nil
}

func (lr *LiveReader) Deposit(ctx context.Context, owner uuid.UUID) (*LiveDeposit, error) {
	var out *LiveDeposit
	err := lr.runner.Inspect(ctx, func(c *core.DeterministicCore) {
		pool := c.Protocol().Pool()
		d := pool.GetDeposit(owner)
		if d == nil {
			return
		}
		out = &LiveDeposit{
			Owner:      owner,
			Initial:    d.Initial,
			Compounded: pool.CompoundedDeposit(owner),
			Gain:       pool.CollateralGain(owner),
			Sequence:   c.GetSequence(),
		}
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (lr *LiveReader) System(ctx context.Context) (*SystemStatus, error) {
	var out SystemStatus
	err := lr.runner.Inspect(ctx, func(c *core.DeterministicCore) {
		tm := c.Protocol().Troves()
		out.Pool = c.PoolView()
		out.TCR = tm.TCR(out.Pool.Price)
		out.RecoveryMode = !out.Pool.Price.IsZero() && tm.IsRecoveryMode(out.Pool.Price)
		out.Sequence = c.GetSequence()
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
