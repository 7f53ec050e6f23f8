package state

import (
	"fmt"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// LiquidatedTrove records how one trove's collateral and debt were split.
type LiquidatedTrove struct {
	Owner               uuid.UUID     `json:"owner"`
	Collateral          fpmath.Amount `json:"collateral"`
	Debt                fpmath.Amount `json:"debt"`
	CollGasCompensation fpmath.Amount `json:"coll_gas_compensation"`
	DebtOffset          fpmath.Amount `json:"debt_offset"`
	CollToStabilityPool fpmath.Amount `json:"coll_to_stability_pool"`
	DebtRedistributed   fpmath.Amount `json:"debt_redistributed"`
	CollRedistributed   fpmath.Amount `json:"coll_redistributed"`
	CollSurplus         fpmath.Amount `json:"coll_surplus,omitempty"`
	Capped              bool          `json:"capped,omitempty"`
}

// LiquidationTotals aggregates a whole liquidation call.
type LiquidationTotals struct {
	Collateral          fpmath.Amount `json:"collateral"`
	Debt                fpmath.Amount `json:"debt"`
	CollGasCompensation fpmath.Amount `json:"coll_gas_compensation"`
	GasCompensation     fpmath.Amount `json:"gas_compensation"`
	DebtOffset          fpmath.Amount `json:"debt_offset"`
	CollToStabilityPool fpmath.Amount `json:"coll_to_stability_pool"`
	DebtRedistributed   fpmath.Amount `json:"debt_redistributed"`
	CollRedistributed   fpmath.Amount `json:"coll_redistributed"`
	CollSurplus         fpmath.Amount `json:"coll_surplus,omitempty"`
}

func (t *LiquidationTotals) add(lt LiquidatedTrove, gasComp fpmath.Amount) {
	t.Collateral = t.Collateral.Add(lt.Collateral)
	t.Debt = t.Debt.Add(lt.Debt)
	t.CollGasCompensation = t.CollGasCompensation.Add(lt.CollGasCompensation)
	t.GasCompensation = t.GasCompensation.Add(gasComp)
	t.DebtOffset = t.DebtOffset.Add(lt.DebtOffset)
	t.CollToStabilityPool = t.CollToStabilityPool.Add(lt.CollToStabilityPool)
	t.DebtRedistributed = t.DebtRedistributed.Add(lt.DebtRedistributed)
	t.CollRedistributed = t.CollRedistributed.Add(lt.CollRedistributed)
	t.CollSurplus = t.CollSurplus.Add(lt.CollSurplus)
}

// LiquidationResult is what a liquidation call committed.
type LiquidationResult struct {
	Liquidated      []LiquidatedTrove `json:"liquidated"`
	Totals          LiquidationTotals `json:"totals"`
	Offsets         int               `json:"offsets"`
	Redistributions int               `json:"redistributions"`
	PoolReset       bool              `json:"pool_reset"`
	ScaleBump       bool              `json:"scale_bump"`
	Price           fpmath.Amount     `json:"price"`
	Liquidator      uuid.UUID         `json:"liquidator"`
}

// LiquidationEngine closes undercollateralized troves. It is the only writer
// of the pool product and the redistribution accumulators. However many
// troves a call liquidates, it performs at most one offset and one
// redistribution.
//
// In recovery mode (TCR below CCR) a trove with MCR <= ICR < TCR is also
// liquidated when the pool can absorb its whole debt. The pool then receives
// collateral worth debt*MCR and the rest goes to the owner's surplus.
type LiquidationEngine struct {
	params  Params
	troves  *TroveManager
	pool    *StabilityPool
	rewards *RewardAccumulator
	custody AssetCustody
}

func NewLiquidationEngine(params Params, troves *TroveManager, pool *StabilityPool, rewards *RewardAccumulator, custody AssetCustody) *LiquidationEngine {
	return &LiquidationEngine{
		params:  params,
		troves:  troves,
		pool:    pool,
		rewards: rewards,
		custody: custody,
	}
}

type liquidationEntry struct {
	trove   *Trove
	pending PendingRewards
	split   LiquidatedTrove
}

// candidate is a trove that passed eligibility, with its entire values.
type candidate struct {
	trove      *Trove
	pending    PendingRewards
	entireColl fpmath.Amount
	entireDebt fpmath.Amount
	capped     bool
}

type liquidationPlan struct {
	entries      []liquidationEntry
	seen         map[uuid.UUID]bool
	totals       LiquidationTotals
	remaining    fpmath.Amount // pool deposits not yet claimed by this plan
	defaultColl  fpmath.Amount
	defaultDebt  fpmath.Amount
	pendingColl  fpmath.Amount
	pendingDebt  fpmath.Amount
	removedStake fpmath.Amount

	// System totals as earlier entries leave them. Redistribution keeps
	// collateral and debt in the system; everything else leaves it.
	sysColl  fpmath.Amount
	sysDebt  fpmath.Amount
	recovery bool

	offset   offsetPlan
	redist   redistributionPlan
	newStake fpmath.Amount
}

func (le *LiquidationEngine) newPlan(price fpmath.Amount) *liquidationPlan {
	dColl, dDebt := le.rewards.DefaultPool()
	sysColl, sysDebt := le.troves.SystemTotals()
	return &liquidationPlan{
		seen:        make(map[uuid.UUID]bool),
		remaining:   le.pool.TotalDeposits(),
		defaultColl: dColl,
		defaultDebt: dDebt,
		sysColl:     sysColl,
		sysDebt:     sysDebt,
		recovery:    fpmath.ICR(sysColl, sysDebt, price).Lt(le.params.CCR),
	}
}

// eligible reports whether t can be liquidated at price given the troves
// already in the plan. It returns the sentinel describing why not.
func (le *LiquidationEngine) eligible(plan *liquidationPlan, t *Trove, price fpmath.Amount) (candidate, error) {
	if t == nil || !t.IsActive() || plan.seen[t.Owner] {
		return candidate{}, ErrTroveNotBelowThreshold
	}
	if le.troves.ActiveCount()-len(plan.entries) <= 1 {
		return candidate{}, fmt.Errorf("%w: %s is the last open trove", ErrNothingToLiquidate, t.Owner)
	}
	pending := le.rewards.PendingReward(t)
	// Clamp against what earlier entries already pulled from the DefaultPool.
	pending.Collateral = fpmath.Min(pending.Collateral, plan.defaultColl.Sub(plan.pendingColl))
	pending.Debt = fpmath.Min(pending.Debt, plan.defaultDebt.Sub(plan.pendingDebt))

	c := candidate{
		trove:      t,
		pending:    pending,
		entireColl: t.Collateral.Add(pending.Collateral),
		entireDebt: t.Debt.Add(pending.Debt),
	}
	icr := fpmath.ICR(c.entireColl, c.entireDebt, price)
	if icr.Lt(le.params.MCR) {
		return c, nil
	}
	if !plan.recovery {
		return candidate{}, fmt.Errorf("%w: %s has ICR %s", ErrTroveNotBelowThreshold, t.Owner, icr)
	}
	tcr := fpmath.ICR(plan.sysColl, plan.sysDebt, price)
	if icr.Gte(tcr) {
		return candidate{}, fmt.Errorf("%w: %s has ICR %s, TCR is %s", ErrTroveNotBelowThreshold, t.Owner, icr, tcr)
	}
	if plan.remaining.IsZero() || c.entireDebt.Gt(plan.remaining) {
		return candidate{}, fmt.Errorf("%w: pool cannot absorb %s debt of %s", ErrTroveNotBelowThreshold, c.entireDebt, t.Owner)
	}
	c.capped = true
	return c, nil
}

// add splits one trove between the pool and redistribution using whatever
// pool capacity earlier entries left. A capped trove is offset in full and
// keeps its excess collateral as surplus.
func (le *LiquidationEngine) add(plan *liquidationPlan, c candidate, price fpmath.Amount) {
	split := LiquidatedTrove{
		Owner:      c.trove.Owner,
		Collateral: c.entireColl,
		Debt:       c.entireDebt,
		Capped:     c.capped,
	}
	if c.capped {
		cappedColl := fpmath.MulDiv(c.entireDebt, le.params.MCR, price)
		split.CollGasCompensation = le.params.collGasCompensation(cappedColl)
		split.DebtOffset = c.entireDebt
		split.CollToStabilityPool = cappedColl.Sub(split.CollGasCompensation)
		split.CollSurplus = c.entireColl.Sub(cappedColl)
		plan.remaining = plan.remaining.Sub(split.DebtOffset)
	} else {
		split.CollGasCompensation = le.params.collGasCompensation(c.entireColl)
		collToLiquidate := c.entireColl.Sub(split.CollGasCompensation)
		if !plan.remaining.IsZero() && !c.entireDebt.IsZero() {
			split.DebtOffset = fpmath.Min(c.entireDebt, plan.remaining)
			split.CollToStabilityPool = fpmath.MulDiv(collToLiquidate, split.DebtOffset, c.entireDebt)
			plan.remaining = plan.remaining.Sub(split.DebtOffset)
		}
		split.DebtRedistributed = c.entireDebt.Sub(split.DebtOffset)
		split.CollRedistributed = collToLiquidate.Sub(split.CollToStabilityPool)
	}

	plan.entries = append(plan.entries, liquidationEntry{trove: c.trove, pending: c.pending, split: split})
	plan.seen[c.trove.Owner] = true
	plan.pendingColl = plan.pendingColl.Add(c.pending.Collateral)
	plan.pendingDebt = plan.pendingDebt.Add(c.pending.Debt)
	plan.removedStake = plan.removedStake.Add(c.trove.Stake)
	plan.totals.add(split, le.params.GasCompensation)

	plan.sysColl = plan.sysColl.Sub(split.CollToStabilityPool.Add(split.CollGasCompensation).Add(split.CollSurplus))
	plan.sysDebt = plan.sysDebt.Sub(split.DebtOffset)
	// Once the system is back above CCR it stays in normal mode for the rest
	// of the call.
	if plan.recovery {
		plan.recovery = fpmath.ICR(plan.sysColl, plan.sysDebt, price).Lt(le.params.CCR)
	}
}

// finish plans the single offset and the single redistribution and stages
// every custody movement on batch.
func (le *LiquidationEngine) finish(plan *liquidationPlan, liquidator uuid.UUID, batch *ledger.Batch) error {
	if len(plan.entries) == 0 {
		return ErrNothingToLiquidate
	}
	totalStakes := le.troves.TotalStakes()
	if plan.removedStake.Gt(totalStakes) {
		return invariantf("liquidated stake %s exceeds total stake %s", plan.removedStake, totalStakes)
	}
	if plan.totals.DebtOffset.Gt(le.pool.TotalDeposits()) {
		return invariantf("offset %s exceeds pool deposits %s", plan.totals.DebtOffset, le.pool.TotalDeposits())
	}
	plan.newStake = totalStakes.Sub(plan.removedStake)

	var err error
	plan.offset, err = le.pool.planOffset(plan.totals.DebtOffset, plan.totals.CollToStabilityPool)
	if err != nil {
		return err
	}
	plan.redist, err = le.rewards.planRedistribution(plan.totals.CollRedistributed, plan.totals.DebtRedistributed, plan.newStake)
	if err != nil {
		return err
	}

	t := plan.totals
	batch.MoveCollateral(ledger.DefaultPool(), ledger.ActivePool(), plan.pendingColl)
	batch.Burn(ledger.StabilityPoolDeposits(), t.DebtOffset)
	batch.MoveCollateral(ledger.ActivePool(), ledger.StabilityPoolCollateral(), t.CollToStabilityPool)
	batch.MoveCollateral(ledger.ActivePool(), ledger.DefaultPool(), t.CollRedistributed)
	batch.MoveCollateral(ledger.ActivePool(), ledger.UserWallet(liquidator), t.CollGasCompensation)
	batch.MoveCollateral(ledger.ActivePool(), ledger.CollSurplusPool(), t.CollSurplus)
	batch.Transfer(ledger.GasPool(), ledger.UserDebtTokens(liquidator), t.GasCompensation)
	return nil
}

func (le *LiquidationEngine) expectedBalances(plan *liquidationPlan) map[ledger.AccountKey]fpmath.Amount {
	activeColl, activeDebt := le.troves.ActivePool()
	t := plan.totals
	activeColl = activeColl.Add(plan.pendingColl).Sub(t.Collateral)
	activeDebt = activeDebt.Add(plan.pendingDebt).Sub(t.Debt)
	defaultColl := plan.defaultColl.Sub(plan.pendingColl).Add(t.CollRedistributed)
	defaultDebt := plan.defaultDebt.Sub(plan.pendingDebt).Add(t.DebtRedistributed)
	remainingTroves := uint64(le.troves.ActiveCount() - len(plan.entries))

	return map[ledger.AccountKey]fpmath.Amount{
		ledger.ActivePool():              activeColl,
		ledger.DefaultPool():             defaultColl,
		ledger.StabilityPoolDeposits():   plan.offset.newTotal,
		ledger.StabilityPoolCollateral(): plan.offset.newColl,
		ledger.GasPool():                 le.params.GasCompensation.Mul(fpmath.NewAmount(remainingTroves)),
		ledger.DebtIssuance():            activeDebt.Add(defaultDebt),
		ledger.CollSurplusPool():         le.troves.TotalCollSurplus().Add(t.CollSurplus),
	}
}

// commit validates the plan against custody and then writes it. Nothing is
// written unless every check passes.
func (le *LiquidationEngine) commit(plan *liquidationPlan, price fpmath.Amount, liquidator uuid.UUID, batch *ledger.Batch) (LiquidationResult, error) {
	if err := le.custody.CheckProjected(batch, le.expectedBalances(plan)); err != nil {
		return LiquidationResult{}, custodyFailure(err)
	}
	tm := le.troves
	for _, e := range plan.entries {
		if !tm.sorted.Contains(e.trove.Owner) {
			return LiquidationResult{}, externalFailure(fmt.Errorf("risk index does not list %s", e.trove.Owner))
		}
	}
	if err := le.custody.Apply(batch); err != nil {
		return LiquidationResult{}, custodyFailure(err)
	}

	res := LiquidationResult{
		Totals:     plan.totals,
		Price:      price,
		Liquidator: liquidator,
	}
	for _, e := range plan.entries {
		le.rewards.reconcile(e.trove, e.pending)
		e.trove.Collateral = fpmath.Zero()
		e.trove.Debt = fpmath.Zero()
		e.trove.Stake = fpmath.Zero()
		e.trove.Snapshot = RewardSnapshot{}
		e.trove.Status = TroveStatusClosedByLiquidation
		e.trove.Version++
		tm.creditSurplus(e.trove.Owner, e.split.CollSurplus)
		if err := tm.sorted.Remove(e.trove.Owner); err != nil {
			panic(fmt.Sprintf("FATAL: risk index diverged after validation: %v", err))
		}
		res.Liquidated = append(res.Liquidated, e.split)
	}

	t := plan.totals
	tm.activeColl = tm.activeColl.Add(plan.pendingColl).Sub(t.Collateral)
	tm.activeDebt = tm.activeDebt.Add(plan.pendingDebt).Sub(t.Debt)
	tm.activeCount -= len(plan.entries)
	tm.totalStakes = plan.newStake

	if !plan.offset.empty() {
		le.pool.applyOffset(plan.offset)
		res.Offsets = 1
		res.PoolReset = plan.offset.reset
		res.ScaleBump = plan.offset.scaleBump
	}
	if !plan.redist.empty() {
		le.rewards.applyRedistribution(plan.redist)
		res.Redistributions = 1
	}

	// Freeze the ratio new stakes are computed against.
	dColl, _ := le.rewards.DefaultPool()
	tm.totalStakesSnapshot = tm.totalStakes
	tm.totalCollateralSnapshot = tm.activeColl.Add(dColl)
	return res, nil
}

// LiquidateOne liquidates a single trove. It fails with
// ErrTroveNotBelowThreshold when the trove's ICR is at or above MCR and no
// capped liquidation applies.
func (le *LiquidationEngine) LiquidateOne(op Op, liquidator, owner uuid.UUID, price fpmath.Amount) (LiquidationResult, *ledger.Batch, error) {
	t, err := le.troves.activeTrove(owner)
	if err != nil {
		return LiquidationResult{}, nil, err
	}
	plan := le.newPlan(price)
	c, err := le.eligible(plan, t, price)
	if err != nil {
		return LiquidationResult{}, nil, err
	}
	le.add(plan, c, price)
	return le.run(op, plan, price, liquidator)
}

// LiquidateBatch walks the risk index from the riskiest trove and liquidates
// up to maxCount eligible troves at price. Iteration stops at the first trove
// that is not eligible.
func (le *LiquidationEngine) LiquidateBatch(op Op, liquidator uuid.UUID, maxCount int, price fpmath.Amount) (LiquidationResult, *ledger.Batch, error) {
	if maxCount <= 0 {
		return LiquidationResult{}, nil, validationf("max count must be > 0")
	}
	plan := le.newPlan(price)
	id, ok := le.troves.sorted.Head()
	for ok && len(plan.entries) < maxCount {
		t := le.troves.troves[id]
		if t == nil {
			return LiquidationResult{}, nil, externalFailure(fmt.Errorf("risk index lists unknown trove %s", id))
		}
		next, hasNext := le.troves.sorted.Next(id)
		c, err := le.eligible(plan, t, price)
		if err != nil {
			break
		}
		le.add(plan, c, price)
		id, ok = next, hasNext
	}
	return le.run(op, plan, price, liquidator)
}

// LiquidateList liquidates the listed troves that are eligible and skips the
// rest.
func (le *LiquidationEngine) LiquidateList(op Op, liquidator uuid.UUID, owners []uuid.UUID, price fpmath.Amount) (LiquidationResult, *ledger.Batch, error) {
	plan := le.newPlan(price)
	for _, owner := range owners {
		c, err := le.eligible(plan, le.troves.troves[owner], price)
		if err != nil {
			continue
		}
		le.add(plan, c, price)
	}
	return le.run(op, plan, price, liquidator)
}

func (le *LiquidationEngine) run(op Op, plan *liquidationPlan, price fpmath.Amount, liquidator uuid.UUID) (LiquidationResult, *ledger.Batch, error) {
	batch := op.batch()
	if err := le.finish(plan, liquidator, batch); err != nil {
		return LiquidationResult{}, nil, err
	}
	res, err := le.commit(plan, price, liquidator, batch)
	if err != nil {
		return LiquidationResult{}, nil, err
	}
	return res, batch, nil
}
