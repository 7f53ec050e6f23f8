package state

import (
	"fmt"
	"sort"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// TroveManager owns trove records, stakes and the ActivePool totals. Every
// mutating operation starts by pulling the trove's pending redistribution
// rewards, then plans the change and its custody movements, validates both,
// and only then commits.
type TroveManager struct {
	params Params
	troves map[uuid.UUID]*Trove

	activeColl  fpmath.Amount
	activeDebt  fpmath.Amount
	activeCount int

	totalStakes             fpmath.Amount
	totalStakesSnapshot     fpmath.Amount
	totalCollateralSnapshot fpmath.Amount

	// Collateral owed to owners of troves closed by a capped liquidation.
	surplus      map[uuid.UUID]fpmath.Amount
	totalSurplus fpmath.Amount

	rewards *RewardAccumulator
	sorted  RiskOrderedPositions
	custody AssetCustody
}

func NewTroveManager(params Params, rewards *RewardAccumulator, sorted RiskOrderedPositions, custody AssetCustody) *TroveManager {
	return &TroveManager{
		params:  params,
		troves:  make(map[uuid.UUID]*Trove),
		surplus: make(map[uuid.UUID]fpmath.Amount),
		rewards: rewards,
		sorted:  sorted,
		custody: custody,
	}
}

// Adjustment changes a trove's collateral and debt. Zero changes are allowed
// on one side but not both.
type Adjustment struct {
	CollChange   fpmath.Amount
	CollIncrease bool
	DebtChange   fpmath.Amount
	DebtIncrease bool
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetTrove returns a copy of the trove record, or nil.
func (tm *TroveManager) GetTrove(owner uuid.UUID) *Trove {
	t, ok := tm.troves[owner]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// EntireDebtAndColl returns the trove's values including pending rewards.
func (tm *TroveManager) EntireDebtAndColl(owner uuid.UUID) (coll, debt fpmath.Amount, pending PendingRewards, err error) {
	t, ok := tm.troves[owner]
	if !ok || !t.IsActive() {
		return fpmath.Zero(), fpmath.Zero(), PendingRewards{}, notFound("trove", owner)
	}
	pending = tm.rewards.PendingReward(t)
	return t.Collateral.Add(pending.Collateral), t.Debt.Add(pending.Debt), pending, nil
}

// ActivePool returns collateral and debt recorded on open troves.
func (tm *TroveManager) ActivePool() (coll, debt fpmath.Amount) { return tm.activeColl, tm.activeDebt }

func (tm *TroveManager) ActiveCount() int { return tm.activeCount }

func (tm *TroveManager) TotalStakes() fpmath.Amount { return tm.totalStakes }

// StakeSnapshots returns totalStakes and total collateral as frozen at the
// last liquidation.
func (tm *TroveManager) StakeSnapshots() (stakes, coll fpmath.Amount) {
	return tm.totalStakesSnapshot, tm.totalCollateralSnapshot
}

// CollSurplus returns the collateral owner can claim from capped
// liquidations of their troves.
func (tm *TroveManager) CollSurplus(owner uuid.UUID) fpmath.Amount {
	if v, ok := tm.surplus[owner]; ok {
		return v
	}
	return fpmath.Zero()
}

// TotalCollSurplus is what the surplus pool owes all owners.
func (tm *TroveManager) TotalCollSurplus() fpmath.Amount { return tm.totalSurplus }

// SystemTotals returns collateral and debt across active troves and the
// DefaultPool.
func (tm *TroveManager) SystemTotals() (coll, debt fpmath.Amount) {
	dColl, dDebt := tm.rewards.DefaultPool()
	return tm.activeColl.Add(dColl), tm.activeDebt.Add(dDebt)
}

// TCR is the total collateral ratio at price.
func (tm *TroveManager) TCR(price fpmath.Amount) fpmath.Amount {
	coll, debt := tm.SystemTotals()
	return fpmath.ICR(coll, debt, price)
}

// IsRecoveryMode reports whether TCR is below CCR.
func (tm *TroveManager) IsRecoveryMode(price fpmath.Amount) bool {
	return tm.TCR(price).Lt(tm.params.CCR)
}

// ActiveOwners returns the owners of open troves in a stable order.
func (tm *TroveManager) ActiveOwners() []uuid.UUID {
	out := make([]uuid.UUID, 0, tm.activeCount)
	for id, t := range tm.troves {
		if t.IsActive() {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// computeStake scales collateral by the snapshot ratio so stakes stay
// proportional to collateral after redistributions.
func (tm *TroveManager) computeStake(coll fpmath.Amount) fpmath.Amount {
	if tm.totalCollateralSnapshot.IsZero() {
		return coll
	}
	return fpmath.MulDiv(coll, tm.totalStakesSnapshot, tm.totalCollateralSnapshot)
}

// ---------------------------------------------------------------------------
// Planning
// ---------------------------------------------------------------------------

type troveChange struct {
	owner   uuid.UUID
	prev    *Trove
	pending PendingRewards
	next    Trove

	activeColl  fpmath.Amount
	activeDebt  fpmath.Amount
	defaultColl fpmath.Amount
	defaultDebt fpmath.Amount
	totalStakes fpmath.Amount
	activeCount int
}

// baseChange starts a plan from current totals. For an existing trove the
// pending reward is already folded in: reconciliation is the first step of
// every mutation.
func (tm *TroveManager) baseChange(owner uuid.UUID, t *Trove, batch *ledger.Batch) troveChange {
	dColl, dDebt := tm.rewards.DefaultPool()
	c := troveChange{
		owner:       owner,
		prev:        t,
		activeColl:  tm.activeColl,
		activeDebt:  tm.activeDebt,
		defaultColl: dColl,
		defaultDebt: dDebt,
		totalStakes: tm.totalStakes,
		activeCount: tm.activeCount,
	}
	if t == nil {
		return c
	}
	c.pending = tm.rewards.PendingReward(t)
	c.next = *t
	c.next.Collateral = t.Collateral.Add(c.pending.Collateral)
	c.next.Debt = t.Debt.Add(c.pending.Debt)
	c.next.Snapshot = tm.rewards.snapshot()
	c.activeColl = c.activeColl.Add(c.pending.Collateral)
	c.activeDebt = c.activeDebt.Add(c.pending.Debt)
	c.defaultColl = c.defaultColl.Sub(c.pending.Collateral)
	c.defaultDebt = c.defaultDebt.Sub(c.pending.Debt)

	batch.MoveCollateral(ledger.DefaultPool(), ledger.ActivePool(), c.pending.Collateral)
	return c
}

func (tm *TroveManager) activeTrove(owner uuid.UUID) (*Trove, error) {
	t, ok := tm.troves[owner]
	if !ok || !t.IsActive() {
		return nil, notFound("trove", owner)
	}
	return t, nil
}

func (tm *TroveManager) planOpen(owner uuid.UUID, coll, netDebt, price fpmath.Amount, batch *ledger.Batch) (troveChange, error) {
	var version int64
	if existing, ok := tm.troves[owner]; ok {
		if existing.IsActive() {
			return troveChange{}, validationf("trove %s is already active", owner)
		}
		version = existing.Version
	}
	if coll.IsZero() {
		return troveChange{}, validationf("collateral must be > 0")
	}
	if netDebt.Lt(tm.params.MinNetDebt) {
		return troveChange{}, validationf("net debt %s below minimum %s", netDebt, tm.params.MinNetDebt)
	}

	composite := netDebt.Add(tm.params.GasCompensation)
	icr := fpmath.ICR(coll, composite, price)
	if tm.IsRecoveryMode(price) {
		if icr.Lt(tm.params.CCR) {
			return troveChange{}, validationf("ICR %s below CCR %s in recovery mode", icr, tm.params.CCR)
		}
	} else {
		if icr.Lt(tm.params.MCR) {
			return troveChange{}, validationf("ICR %s below MCR %s", icr, tm.params.MCR)
		}
		sysColl, sysDebt := tm.SystemTotals()
		if newTCR := fpmath.ICR(sysColl.Add(coll), sysDebt.Add(composite), price); newTCR.Lt(tm.params.CCR) {
			return troveChange{}, validationf("operation would drop TCR to %s, below CCR %s", newTCR, tm.params.CCR)
		}
	}

	c := tm.baseChange(owner, nil, batch)
	stake := tm.computeStake(coll)
	c.next = Trove{
		Owner:      owner,
		Collateral: coll,
		Debt:       composite,
		Stake:      stake,
		Status:     TroveStatusActive,
		Snapshot:   tm.rewards.snapshot(),
		Version:    version + 1,
	}
	c.activeColl = c.activeColl.Add(coll)
	c.activeDebt = c.activeDebt.Add(composite)
	c.totalStakes = c.totalStakes.Add(stake)
	c.activeCount++

	batch.MoveCollateral(ledger.CollateralIngress(), ledger.ActivePool(), coll)
	batch.Mint(ledger.UserDebtTokens(owner), netDebt)
	batch.Mint(ledger.GasPool(), tm.params.GasCompensation)
	return c, nil
}

// planAdjust applies adj on top of the reconciled trove. Added collateral
// comes from collSource.
func (tm *TroveManager) planAdjust(owner uuid.UUID, adj Adjustment, price fpmath.Amount, collSource ledger.AccountKey, batch *ledger.Batch) (troveChange, error) {
	t, err := tm.activeTrove(owner)
	if err != nil {
		return troveChange{}, err
	}
	if adj.CollChange.IsZero() && adj.DebtChange.IsZero() {
		return troveChange{}, validationf("adjustment must change collateral or debt")
	}

	c := tm.baseChange(owner, t, batch)
	entireColl, entireDebt := c.next.Collateral, c.next.Debt
	oldICR := fpmath.ICR(entireColl, entireDebt, price)

	newColl := entireColl
	if adj.CollIncrease {
		newColl = newColl.Add(adj.CollChange)
	} else {
		if adj.CollChange.Gt(entireColl) {
			return troveChange{}, fmt.Errorf("%w: withdraw %s from trove holding %s",
				ErrInsufficientCollateral, adj.CollChange, entireColl)
		}
		newColl = newColl.Sub(adj.CollChange)
	}

	newDebt := entireDebt
	if adj.DebtIncrease {
		newDebt = newDebt.Add(adj.DebtChange)
	} else {
		netDebt := entireDebt.Sub(tm.params.GasCompensation)
		if adj.DebtChange.Gt(netDebt) {
			return troveChange{}, validationf("repayment %s exceeds net debt %s", adj.DebtChange, netDebt)
		}
		newDebt = newDebt.Sub(adj.DebtChange)
	}
	if net := newDebt.Sub(tm.params.GasCompensation); net.Lt(tm.params.MinNetDebt) {
		return troveChange{}, validationf("net debt %s below minimum %s", net, tm.params.MinNetDebt)
	}

	newICR := fpmath.ICR(newColl, newDebt, price)
	collWithdrawal := !adj.CollIncrease && !adj.CollChange.IsZero()
	debtIncrease := adj.DebtIncrease && !adj.DebtChange.IsZero()
	if tm.IsRecoveryMode(price) {
		if collWithdrawal {
			return troveChange{}, validationf("collateral withdrawal not permitted in recovery mode")
		}
		if debtIncrease {
			if newICR.Lt(tm.params.CCR) {
				return troveChange{}, validationf("ICR %s below CCR %s in recovery mode", newICR, tm.params.CCR)
			}
			if newICR.Lt(oldICR) {
				return troveChange{}, validationf("recovery mode adjustment must not lower ICR")
			}
		}
	} else {
		if newICR.Lt(tm.params.MCR) {
			return troveChange{}, validationf("ICR %s below MCR %s", newICR, tm.params.MCR)
		}
		sysColl, sysDebt := tm.SystemTotals()
		sysColl = sysColl.Sub(entireColl).Add(newColl)
		sysDebt = sysDebt.Sub(entireDebt).Add(newDebt)
		if newTCR := fpmath.ICR(sysColl, sysDebt, price); newTCR.Lt(tm.params.CCR) {
			return troveChange{}, validationf("operation would drop TCR to %s, below CCR %s", newTCR, tm.params.CCR)
		}
	}

	newStake := tm.computeStake(newColl)
	c.totalStakes = c.totalStakes.Sub(t.Stake).Add(newStake)
	c.activeColl = c.activeColl.Sub(entireColl).Add(newColl)
	c.activeDebt = c.activeDebt.Sub(entireDebt).Add(newDebt)
	c.next.Collateral = newColl
	c.next.Debt = newDebt
	c.next.Stake = newStake
	c.next.Version++

	if adj.CollIncrease {
		batch.MoveCollateral(collSource, ledger.ActivePool(), adj.CollChange)
	} else {
		batch.MoveCollateral(ledger.ActivePool(), ledger.UserWallet(owner), adj.CollChange)
	}
	if adj.DebtIncrease {
		batch.Mint(ledger.UserDebtTokens(owner), adj.DebtChange)
	} else {
		batch.Burn(ledger.UserDebtTokens(owner), adj.DebtChange)
	}
	return c, nil
}

func (tm *TroveManager) planClose(owner uuid.UUID, price fpmath.Amount, batch *ledger.Batch) (troveChange, error) {
	t, err := tm.activeTrove(owner)
	if err != nil {
		return troveChange{}, err
	}
	if tm.activeCount <= 1 {
		return troveChange{}, validationf("cannot close the only trove in the system")
	}
	if tm.IsRecoveryMode(price) {
		return troveChange{}, validationf("closing troves is not permitted in recovery mode")
	}

	c := tm.baseChange(owner, t, batch)
	entireColl, entireDebt := c.next.Collateral, c.next.Debt

	sysColl, sysDebt := tm.SystemTotals()
	if newTCR := fpmath.ICR(sysColl.Sub(entireColl), sysDebt.Sub(entireDebt), price); newTCR.Lt(tm.params.CCR) {
		return troveChange{}, validationf("operation would drop TCR to %s, below CCR %s", newTCR, tm.params.CCR)
	}

	c.activeColl = c.activeColl.Sub(entireColl)
	c.activeDebt = c.activeDebt.Sub(entireDebt)
	c.totalStakes = c.totalStakes.Sub(t.Stake)
	c.activeCount--
	c.next.Collateral = fpmath.Zero()
	c.next.Debt = fpmath.Zero()
	c.next.Stake = fpmath.Zero()
	c.next.Status = TroveStatusClosedByOwner
	c.next.Version++

	batch.Burn(ledger.UserDebtTokens(owner), entireDebt.Sub(tm.params.GasCompensation))
	batch.Burn(ledger.GasPool(), tm.params.GasCompensation)
	batch.MoveCollateral(ledger.ActivePool(), ledger.UserWallet(owner), entireColl)
	return c, nil
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

func (tm *TroveManager) expectedBalances(c troveChange) map[ledger.AccountKey]fpmath.Amount {
	return map[ledger.AccountKey]fpmath.Amount{
		ledger.ActivePool():   c.activeColl,
		ledger.DefaultPool():  c.defaultColl,
		ledger.GasPool():      tm.params.GasCompensation.Mul(fpmath.NewAmount(uint64(c.activeCount))),
		ledger.DebtIssuance(): c.activeDebt.Add(c.defaultDebt),
	}
}

// checkIndex verifies the risk index agrees with the trove's current status
// before anything is written.
func (tm *TroveManager) checkIndex(c troveChange) error {
	listed := tm.sorted.Contains(c.owner)
	wasActive := c.prev != nil && c.prev.IsActive()
	if listed != wasActive {
		return externalFailure(fmt.Errorf("risk index listing for %s is %v, trove active is %v", c.owner, listed, wasActive))
	}
	return nil
}

// applyChange writes a validated plan. It cannot fail.
func (tm *TroveManager) applyChange(c troveChange) {
	if c.prev != nil && c.prev.IsActive() {
		tm.rewards.reconcile(c.prev, c.pending)
	}

	wasActive := c.prev != nil && c.prev.IsActive()
	if c.prev != nil {
		*c.prev = c.next
	} else {
		// Opening always starts a new record; a liquidated one is never edited.
		t := c.next
		tm.troves[c.owner] = &t
	}

	tm.activeColl = c.activeColl
	tm.activeDebt = c.activeDebt
	tm.totalStakes = c.totalStakes
	tm.activeCount = c.activeCount

	var err error
	switch {
	case !wasActive && c.next.IsActive():
		err = tm.sorted.Insert(c.owner, c.next.NICR())
	case wasActive && c.next.IsActive():
		err = tm.sorted.Reinsert(c.owner, c.next.NICR())
	case wasActive && !c.next.IsActive():
		err = tm.sorted.Remove(c.owner)
	}
	if err != nil {
		panic(fmt.Sprintf("FATAL: risk index diverged after validation: %v", err))
	}
}

func (tm *TroveManager) commit(c troveChange, batch *ledger.Batch, extra map[ledger.AccountKey]fpmath.Amount) error {
	expected := tm.expectedBalances(c)
	for k, v := range extra {
		expected[k] = v
	}
	if err := tm.custody.CheckProjected(batch, expected); err != nil {
		return custodyFailure(err)
	}
	if err := tm.checkIndex(c); err != nil {
		return err
	}
	if err := tm.custody.Apply(batch); err != nil {
		return custodyFailure(err)
	}
	tm.applyChange(c)
	return nil
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Open creates a trove with coll collateral and netDebt borrowed. The trove's
// recorded debt also carries the gas compensation reserve.
func (tm *TroveManager) Open(op Op, owner uuid.UUID, coll, netDebt, price fpmath.Amount) (*ledger.Batch, error) {
	batch := op.batch()
	c, err := tm.planOpen(owner, coll, netDebt, price, batch)
	if err != nil {
		return nil, err
	}
	if err := tm.commit(c, batch, nil); err != nil {
		return nil, err
	}
	return batch, nil
}

// Adjust reconciles the trove, applies adj and recomputes its stake.
func (tm *TroveManager) Adjust(op Op, owner uuid.UUID, adj Adjustment, price fpmath.Amount) (*ledger.Batch, error) {
	batch := op.batch()
	c, err := tm.planAdjust(owner, adj, price, ledger.CollateralIngress(), batch)
	if err != nil {
		return nil, err
	}
	if err := tm.commit(c, batch, nil); err != nil {
		return nil, err
	}
	return batch, nil
}

// Close reconciles the trove, repays its debt from the owner's tokens and
// returns all collateral to the owner.
func (tm *TroveManager) Close(op Op, owner uuid.UUID, price fpmath.Amount) (*ledger.Batch, error) {
	batch := op.batch()
	c, err := tm.planClose(owner, price, batch)
	if err != nil {
		return nil, err
	}
	if err := tm.commit(c, batch, nil); err != nil {
		return nil, err
	}
	return batch, nil
}

// ApplyPendingRewards pulls the trove's pending redistribution rewards into
// its record. Calling it again with nothing redistributed in between changes
// nothing.
func (tm *TroveManager) ApplyPendingRewards(op Op, owner uuid.UUID) (*ledger.Batch, error) {
	t, err := tm.activeTrove(owner)
	if err != nil {
		return nil, err
	}
	batch := op.batch()
	c := tm.baseChange(owner, t, batch)
	if !c.pending.IsZero() {
		c.next.Version++
	}
	if err := tm.commit(c, batch, nil); err != nil {
		return nil, err
	}
	return batch, nil
}

// ClaimCollSurplus pays the owner's whole surplus to their wallet.
func (tm *TroveManager) ClaimCollSurplus(op Op, owner uuid.UUID) (fpmath.Amount, *ledger.Batch, error) {
	amount := tm.CollSurplus(owner)
	if amount.IsZero() {
		return fpmath.Zero(), nil, validationf("%s has no collateral surplus to claim", owner)
	}
	batch := op.batch()
	batch.MoveCollateral(ledger.CollSurplusPool(), ledger.UserWallet(owner), amount)
	remaining := tm.totalSurplus.Sub(amount)
	expected := map[ledger.AccountKey]fpmath.Amount{ledger.CollSurplusPool(): remaining}
	if err := tm.custody.CheckProjected(batch, expected); err != nil {
		return fpmath.Zero(), nil, custodyFailure(err)
	}
	if err := tm.custody.Apply(batch); err != nil {
		return fpmath.Zero(), nil, custodyFailure(err)
	}
	delete(tm.surplus, owner)
	tm.totalSurplus = remaining
	return amount, batch, nil
}

func (tm *TroveManager) creditSurplus(owner uuid.UUID, amount fpmath.Amount) {
	if amount.IsZero() {
		return
	}
	tm.surplus[owner] = tm.CollSurplus(owner).Add(amount)
	tm.totalSurplus = tm.totalSurplus.Add(amount)
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// SurplusBalance is one owner's unclaimed collateral surplus.
type SurplusBalance struct {
	Owner  uuid.UUID     `json:"owner"`
	Amount fpmath.Amount `json:"amount"`
}

// TroveManagerState is the persisted form of the trove ledger.
type TroveManagerState struct {
	Troves                  []Trove          `json:"troves"`
	ActiveColl              fpmath.Amount    `json:"active_coll"`
	ActiveDebt              fpmath.Amount    `json:"active_debt"`
	ActiveCount             int              `json:"active_count"`
	TotalStakes             fpmath.Amount    `json:"total_stakes"`
	TotalStakesSnapshot     fpmath.Amount    `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot fpmath.Amount    `json:"total_collateral_snapshot"`
	Surplus                 []SurplusBalance `json:"surplus,omitempty"`
}

func (tm *TroveManager) export() TroveManagerState {
	s := TroveManagerState{
		ActiveColl:              tm.activeColl,
		ActiveDebt:              tm.activeDebt,
		ActiveCount:             tm.activeCount,
		TotalStakes:             tm.totalStakes,
		TotalStakesSnapshot:     tm.totalStakesSnapshot,
		TotalCollateralSnapshot: tm.totalCollateralSnapshot,
	}
	for _, t := range tm.troves {
		s.Troves = append(s.Troves, *t)
	}
	sort.Slice(s.Troves, func(i, j int) bool {
		return s.Troves[i].Owner.String() < s.Troves[j].Owner.String()
	})
	for owner, amount := range tm.surplus {
		s.Surplus = append(s.Surplus, SurplusBalance{Owner: owner, Amount: amount})
	}
	sort.Slice(s.Surplus, func(i, j int) bool {
		return s.Surplus[i].Owner.String() < s.Surplus[j].Owner.String()
	})
	return s
}

func (tm *TroveManager) restore(s TroveManagerState) error {
	if tm.sorted.Len() != 0 {
		return fmt.Errorf("restore requires an empty risk index, found %d entries", tm.sorted.Len())
	}
	tm.troves = make(map[uuid.UUID]*Trove, len(s.Troves))
	for i := range s.Troves {
		t := s.Troves[i]
		tm.troves[t.Owner] = &t
		if t.IsActive() {
			if err := tm.sorted.Insert(t.Owner, t.NICR()); err != nil {
				return err
			}
		}
	}
	tm.activeColl, tm.activeDebt, tm.activeCount = s.ActiveColl, s.ActiveDebt, s.ActiveCount
	tm.totalStakes = s.TotalStakes
	tm.totalStakesSnapshot = s.TotalStakesSnapshot
	tm.totalCollateralSnapshot = s.TotalCollateralSnapshot
	tm.surplus = make(map[uuid.UUID]fpmath.Amount, len(s.Surplus))
	tm.totalSurplus = fpmath.Zero()
	for _, b := range s.Surplus {
		tm.creditSurplus(b.Owner, b.Amount)
	}
	return nil
}
