package state

import (
	fpmath "TroveLedger/internal/math"
)

// PendingRewards is redistributed collateral and debt a trove has earned but
// not yet pulled into its own record.
type PendingRewards struct {
	Collateral fpmath.Amount
	Debt       fpmath.Amount
}

func (p PendingRewards) IsZero() bool { return p.Collateral.IsZero() && p.Debt.IsZero() }

// RewardStats counts accumulator updates.
type RewardStats struct {
	Redistributions uint64 `json:"redistributions"`
}

// RewardAccumulator tracks cumulative redistribution per unit staked. Troves
// pull their share lazily on next touch, so a redistribution costs O(1)
// regardless of how many troves are open.
//
// The redistributed amounts sit in the DefaultPool until pulled.
type RewardAccumulator struct {
	lColl     fpmath.Amount
	lDebt     fpmath.Amount
	collCarry fpmath.RemainderCarry
	debtCarry fpmath.RemainderCarry

	defaultColl fpmath.Amount
	defaultDebt fpmath.Amount

	stats RewardStats
}

func NewRewardAccumulator() *RewardAccumulator {
	return &RewardAccumulator{}
}

// L returns the current reward-per-unit-staked accumulators.
func (r *RewardAccumulator) L() (coll, debt fpmath.Amount) { return r.lColl, r.lDebt }

// DefaultPool returns redistributed collateral and debt not yet pulled.
func (r *RewardAccumulator) DefaultPool() (coll, debt fpmath.Amount) {
	return r.defaultColl, r.defaultDebt
}

func (r *RewardAccumulator) Stats() RewardStats { return r.stats }

func (r *RewardAccumulator) snapshot() RewardSnapshot {
	return RewardSnapshot{Collateral: r.lColl, Debt: r.lDebt}
}

// PendingReward computes stake * (L - L_snapshot) for a trove. Inactive
// troves earn nothing. The result never exceeds what the DefaultPool holds.
func (r *RewardAccumulator) PendingReward(t *Trove) PendingRewards {
	if t == nil || !t.IsActive() || t.Stake.IsZero() {
		return PendingRewards{}
	}
	coll := fpmath.MulDiv(t.Stake, r.lColl.Sub(t.Snapshot.Collateral), fpmath.Unit)
	debt := fpmath.MulDiv(t.Stake, r.lDebt.Sub(t.Snapshot.Debt), fpmath.Unit)
	return PendingRewards{
		Collateral: fpmath.Min(coll, r.defaultColl),
		Debt:       fpmath.Min(debt, r.defaultDebt),
	}
}

// HasPendingRewards reports whether the trove's snapshot lags the accumulators.
func (r *RewardAccumulator) HasPendingRewards(t *Trove) bool {
	if t == nil || !t.IsActive() {
		return false
	}
	return t.Snapshot.Collateral.Lt(r.lColl) || t.Snapshot.Debt.Lt(r.lDebt)
}

// reconcile folds a previously computed pending reward into the trove and
// re-snapshots it. The caller moves the same amounts into the ActivePool.
// A second call with nothing redistributed in between is a no-op.
func (r *RewardAccumulator) reconcile(t *Trove, pending PendingRewards) {
	t.Collateral = t.Collateral.Add(pending.Collateral)
	t.Debt = t.Debt.Add(pending.Debt)
	t.Snapshot = r.snapshot()
	r.defaultColl = r.defaultColl.Sub(pending.Collateral)
	r.defaultDebt = r.defaultDebt.Sub(pending.Debt)
}

type redistributionPlan struct {
	coll        fpmath.Amount
	debt        fpmath.Amount
	collPerUnit fpmath.Amount
	debtPerUnit fpmath.Amount
	collCarry   fpmath.RemainderCarry
	debtCarry   fpmath.RemainderCarry
}

func (p redistributionPlan) empty() bool { return p.coll.IsZero() && p.debt.IsZero() }

func (r *RewardAccumulator) planRedistribution(coll, debt, totalStakes fpmath.Amount) (redistributionPlan, error) {
	plan := redistributionPlan{coll: coll, debt: debt, collCarry: r.collCarry, debtCarry: r.debtCarry}
	if plan.empty() {
		return plan, nil
	}
	if totalStakes.IsZero() {
		return redistributionPlan{}, invariantf("redistribution of coll=%s debt=%s with no stake to receive it", coll, debt)
	}
	plan.collPerUnit, plan.collCarry = r.collCarry.PerUnit(coll, totalStakes)
	plan.debtPerUnit, plan.debtCarry = r.debtCarry.PerUnit(debt, totalStakes)
	return plan, nil
}

func (r *RewardAccumulator) applyRedistribution(plan redistributionPlan) {
	if plan.empty() {
		return
	}
	r.lColl = r.lColl.Add(plan.collPerUnit)
	r.lDebt = r.lDebt.Add(plan.debtPerUnit)
	r.collCarry = plan.collCarry
	r.debtCarry = plan.debtCarry
	r.defaultColl = r.defaultColl.Add(plan.coll)
	r.defaultDebt = r.defaultDebt.Add(plan.debt)
	r.stats.Redistributions++
}

// RewardState is the persisted form of the accumulator.
type RewardState struct {
	LColl       fpmath.Amount         `json:"l_coll"`
	LDebt       fpmath.Amount         `json:"l_debt"`
	CollCarry   fpmath.RemainderCarry `json:"coll_carry"`
	DebtCarry   fpmath.RemainderCarry `json:"debt_carry"`
	DefaultColl fpmath.Amount         `json:"default_coll"`
	DefaultDebt fpmath.Amount         `json:"default_debt"`
	Stats       RewardStats           `json:"stats"`
}

func (r *RewardAccumulator) export() RewardState {
	return RewardState{
		LColl: r.lColl, LDebt: r.lDebt,
		CollCarry: r.collCarry, DebtCarry: r.debtCarry,
		DefaultColl: r.defaultColl, DefaultDebt: r.defaultDebt,
		Stats: r.stats,
	}
}

func (r *RewardAccumulator) restore(s RewardState) {
	r.lColl, r.lDebt = s.LColl, s.LDebt
	r.collCarry, r.debtCarry = s.CollCarry, s.DebtCarry
	r.defaultColl, r.defaultDebt = s.DefaultColl, s.DefaultDebt
	r.stats = s.Stats
}
