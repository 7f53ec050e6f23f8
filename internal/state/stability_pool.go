package state

import (
	"sort"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// EpochScale addresses one cell of the gain-sum table.
type EpochScale struct {
	Epoch uint64 `json:"epoch"`
	Scale uint64 `json:"scale"`
}

// DepositSnapshot is the pool state a deposit was last re-based against.
type DepositSnapshot struct {
	P     fpmath.Amount `json:"p"`
	S     fpmath.Amount `json:"s"`
	Epoch uint64        `json:"epoch"`
	Scale uint64        `json:"scale"`
}

// Deposit is a stability pool position. Initial is the value at the last
// provide, withdraw or claim; the live value is derived from the snapshot.
type Deposit struct {
	Owner    uuid.UUID       `json:"owner"`
	Initial  fpmath.Amount   `json:"initial"`
	Snapshot DepositSnapshot `json:"snapshot"`
}

// CanonicalBytes returns deterministic serialization for hashing
func (d *Deposit) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16+32*3+16)
	buf = append(buf, d.Owner[:]...)
	buf = appendAmount(buf, d.Initial)
	buf = appendAmount(buf, d.Snapshot.P)
	buf = appendAmount(buf, d.Snapshot.S)
	buf = appendUint64LE(buf, d.Snapshot.Epoch)
	buf = appendUint64LE(buf, d.Snapshot.Scale)
	return buf
}

// PoolStats counts offsets and the bookkeeping transitions they caused.
type PoolStats struct {
	Offsets     uint64 `json:"offsets"`
	EpochResets uint64 `json:"epoch_resets"`
	ScaleBumps  uint64 `json:"scale_bumps"`
}

// StabilityPool absorbs liquidated debt in exchange for the liquidated
// collateral. Every depositor's balance and gain is computed in O(1) from
// the running product P and the gain sums S.
//
// P starts at Unit and shrinks by (1 - loss per unit) on every offset. When
// it would drop below ScaleFactor it is multiplied back up by ScaleFactor and
// the scale increments. A fully drained pool starts a new epoch instead, which
// zeroes every earlier deposit.
type StabilityPool struct {
	p     fpmath.Amount
	epoch uint64
	scale uint64
	sums  map[EpochScale]fpmath.Amount

	totalDeposits fpmath.Amount
	collBalance   fpmath.Amount
	gainCarry     fpmath.RemainderCarry
	lossCarry     fpmath.RemainderCarry

	deposits map[uuid.UUID]*Deposit
	custody  AssetCustody
	stats    PoolStats
}

func NewStabilityPool(custody AssetCustody) *StabilityPool {
	return &StabilityPool{
		p:        fpmath.Unit,
		sums:     make(map[EpochScale]fpmath.Amount),
		deposits: make(map[uuid.UUID]*Deposit),
		custody:  custody,
	}
}

// P returns the running product.
func (sp *StabilityPool) P() fpmath.Amount { return sp.p }

func (sp *StabilityPool) EpochScale() EpochScale { return EpochScale{Epoch: sp.epoch, Scale: sp.scale} }

// Sum returns S for one epoch/scale cell.
func (sp *StabilityPool) Sum(es EpochScale) fpmath.Amount { return sp.sums[es] }

func (sp *StabilityPool) TotalDeposits() fpmath.Amount { return sp.totalDeposits }

// CollateralBalance is collateral held for depositors' unpaid gains.
func (sp *StabilityPool) CollateralBalance() fpmath.Amount { return sp.collBalance }

func (sp *StabilityPool) Stats() PoolStats { return sp.stats }

func (sp *StabilityPool) DepositCount() int { return len(sp.deposits) }

// GetDeposit returns a copy of a deposit, or nil.
func (sp *StabilityPool) GetDeposit(owner uuid.UUID) *Deposit {
	d, ok := sp.deposits[owner]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// CompoundedDeposit returns the depositor's balance after all losses so far.
func (sp *StabilityPool) CompoundedDeposit(owner uuid.UUID) fpmath.Amount {
	return sp.compounded(sp.deposits[owner])
}

// CollateralGain returns the depositor's unpaid collateral gain.
func (sp *StabilityPool) CollateralGain(owner uuid.UUID) fpmath.Amount {
	return fpmath.Min(sp.gain(sp.deposits[owner]), sp.collBalance)
}

func (sp *StabilityPool) compounded(d *Deposit) fpmath.Amount {
	if d == nil || d.Initial.IsZero() {
		return fpmath.Zero()
	}
	snap := d.Snapshot
	if snap.Epoch < sp.epoch {
		return fpmath.Zero()
	}

	var c fpmath.Amount
	switch sp.scale - snap.Scale {
	case 0:
		c = fpmath.MulDiv(d.Initial, sp.p, snap.P)
	case 1:
		c = fpmath.MulDiv(d.Initial, sp.p, snap.P).Div(fpmath.ScaleFactor)
	default:
		return fpmath.Zero()
	}

	// Below a billionth of the original the value is rounding noise.
	if c.Lt(d.Initial.Div(fpmath.ScaleFactor)) {
		return fpmath.Zero()
	}
	return c
}

func (sp *StabilityPool) gain(d *Deposit) fpmath.Amount {
	if d == nil || d.Initial.IsZero() {
		return fpmath.Zero()
	}
	snap := d.Snapshot
	first := sp.sums[EpochScale{snap.Epoch, snap.Scale}].Sub(snap.S)
	second := sp.sums[EpochScale{snap.Epoch, snap.Scale + 1}].Div(fpmath.ScaleFactor)
	return fpmath.MulDiv(d.Initial, first.Add(second), snap.P).Div(fpmath.Unit)
}

func (sp *StabilityPool) currentSnapshot() DepositSnapshot {
	return DepositSnapshot{
		P:     sp.p,
		S:     sp.sums[EpochScale{sp.epoch, sp.scale}],
		Epoch: sp.epoch,
		Scale: sp.scale,
	}
}

// ---------------------------------------------------------------------------
// Provide / withdraw
// ---------------------------------------------------------------------------

type depositPlan struct {
	owner      uuid.UUID
	compounded fpmath.Amount
	gain       fpmath.Amount
	withdrawn  fpmath.Amount
	newInitial fpmath.Amount
	newTotal   fpmath.Amount
	newColl    fpmath.Amount
}

// planProvide re-bases the deposit and adds amount. The unpaid gain is paid
// to the owner's wallet.
func (sp *StabilityPool) planProvide(owner uuid.UUID, amount fpmath.Amount, batch *ledger.Batch) (depositPlan, error) {
	if amount.IsZero() {
		return depositPlan{}, validationf("provide amount must be > 0")
	}
	d := sp.deposits[owner]
	plan := depositPlan{owner: owner, compounded: sp.compounded(d)}
	plan.gain = fpmath.Min(sp.gain(d), sp.collBalance)
	plan.newInitial = plan.compounded.Add(amount)
	plan.newTotal = sp.totalDeposits.Add(amount)
	plan.newColl = sp.collBalance.Sub(plan.gain)

	batch.Transfer(ledger.UserDebtTokens(owner), ledger.StabilityPoolDeposits(), amount)
	batch.MoveCollateral(ledger.StabilityPoolCollateral(), ledger.UserWallet(owner), plan.gain)
	return plan, nil
}

// planWithdraw pays out up to amount of the compounded deposit. The unpaid
// gain goes to gainTo, which is the owner's wallet unless it is being
// claimed into their trove.
func (sp *StabilityPool) planWithdraw(owner uuid.UUID, amount fpmath.Amount, gainTo ledger.AccountKey, batch *ledger.Batch) (depositPlan, error) {
	d := sp.deposits[owner]
	if d == nil || d.Initial.IsZero() {
		return depositPlan{}, notFound("deposit", owner)
	}
	plan := depositPlan{owner: owner, compounded: sp.compounded(d)}
	plan.gain = fpmath.Min(sp.gain(d), sp.collBalance)
	plan.withdrawn = fpmath.Min(fpmath.Min(amount, plan.compounded), sp.totalDeposits)
	plan.newInitial = plan.compounded.Sub(plan.withdrawn)
	plan.newTotal = sp.totalDeposits.Sub(plan.withdrawn)
	plan.newColl = sp.collBalance.Sub(plan.gain)

	batch.Transfer(ledger.StabilityPoolDeposits(), ledger.UserDebtTokens(owner), plan.withdrawn)
	batch.MoveCollateral(ledger.StabilityPoolCollateral(), gainTo, plan.gain)
	return plan, nil
}

func (sp *StabilityPool) applyDeposit(plan depositPlan) {
	sp.totalDeposits = plan.newTotal
	sp.collBalance = plan.newColl
	if plan.newInitial.IsZero() {
		delete(sp.deposits, plan.owner)
		return
	}
	sp.deposits[plan.owner] = &Deposit{
		Owner:    plan.owner,
		Initial:  plan.newInitial,
		Snapshot: sp.currentSnapshot(),
	}
}

func (sp *StabilityPool) expectedBalances(plan depositPlan) map[ledger.AccountKey]fpmath.Amount {
	return map[ledger.AccountKey]fpmath.Amount{
		ledger.StabilityPoolDeposits():   plan.newTotal,
		ledger.StabilityPoolCollateral(): plan.newColl,
	}
}

// DepositResult reports what a provide or withdraw paid out.
type DepositResult struct {
	Compounded fpmath.Amount
	Gain       fpmath.Amount
	Withdrawn  fpmath.Amount
	Remaining  fpmath.Amount
}

func (sp *StabilityPool) commitDeposit(plan depositPlan, batch *ledger.Batch) (DepositResult, error) {
	if err := sp.custody.CheckProjected(batch, sp.expectedBalances(plan)); err != nil {
		return DepositResult{}, custodyFailure(err)
	}
	if err := sp.custody.Apply(batch); err != nil {
		return DepositResult{}, custodyFailure(err)
	}
	sp.applyDeposit(plan)
	return DepositResult{
		Compounded: plan.compounded,
		Gain:       plan.gain,
		Withdrawn:  plan.withdrawn,
		Remaining:  plan.newInitial,
	}, nil
}

// Provide adds amount to the owner's deposit, paying out any gain first.
func (sp *StabilityPool) Provide(op Op, owner uuid.UUID, amount fpmath.Amount) (DepositResult, *ledger.Batch, error) {
	batch := op.batch()
	plan, err := sp.planProvide(owner, amount, batch)
	if err != nil {
		return DepositResult{}, nil, err
	}
	res, err := sp.commitDeposit(plan, batch)
	if err != nil {
		return DepositResult{}, nil, err
	}
	return res, batch, nil
}

// Withdraw pays out min(amount, compounded deposit) and the unpaid gain.
// A zero amount only claims the gain.
func (sp *StabilityPool) Withdraw(op Op, owner uuid.UUID, amount fpmath.Amount) (DepositResult, *ledger.Batch, error) {
	batch := op.batch()
	plan, err := sp.planWithdraw(owner, amount, ledger.UserWallet(owner), batch)
	if err != nil {
		return DepositResult{}, nil, err
	}
	res, err := sp.commitDeposit(plan, batch)
	if err != nil {
		return DepositResult{}, nil, err
	}
	return res, batch, nil
}

// ---------------------------------------------------------------------------
// Offset
// ---------------------------------------------------------------------------

type offsetPlan struct {
	absorbed  fpmath.Amount
	coll      fpmath.Amount
	gainCarry fpmath.RemainderCarry
	lossCarry fpmath.RemainderCarry
	sumKey    EpochScale
	newSum    fpmath.Amount
	newP      fpmath.Amount
	newEpoch  uint64
	newScale  uint64
	newTotal  fpmath.Amount
	newColl   fpmath.Amount
	reset     bool
	scaleBump bool
}

func (p offsetPlan) empty() bool { return p.absorbed.IsZero() && p.coll.IsZero() }

// planOffset computes the effect of cancelling requested debt against the
// pool in exchange for coll. It absorbs min(requested, totalDeposits).
func (sp *StabilityPool) planOffset(requested, coll fpmath.Amount) (offsetPlan, error) {
	plan := offsetPlan{
		gainCarry: sp.gainCarry,
		lossCarry: sp.lossCarry,
		newP:      sp.p,
		newEpoch:  sp.epoch,
		newScale:  sp.scale,
		newTotal:  sp.totalDeposits,
		newColl:   sp.collBalance,
	}
	if requested.IsZero() && coll.IsZero() {
		return plan, nil
	}
	total := sp.totalDeposits
	if total.IsZero() || requested.IsZero() {
		return offsetPlan{}, poolInconsistent("offset of debt=%s coll=%s against pool of %s", requested, coll, total)
	}

	plan.absorbed = fpmath.Min(requested, total)
	plan.coll = coll

	gainPerUnit, gainCarry := sp.gainCarry.PerUnit(coll, total)
	plan.gainCarry = gainCarry

	var lossPerUnit fpmath.Amount
	if plan.absorbed.Eq(total) {
		lossPerUnit = fpmath.Unit
		plan.lossCarry = fpmath.RemainderCarry{}
		plan.reset = true
	} else {
		lossPerUnit, plan.lossCarry = sp.lossCarry.PerUnitRoundUp(plan.absorbed, total)
		// Rounding must not drain a pool that still holds deposits.
		if lossPerUnit.Gte(fpmath.Unit) {
			lossPerUnit = fpmath.Unit.Sub(fpmath.One())
			plan.lossCarry = fpmath.RemainderCarry{}
		}
	}

	// Gains accrue against the product in force when they were earned.
	plan.sumKey = EpochScale{sp.epoch, sp.scale}
	plan.newSum = sp.sums[plan.sumKey].Add(gainPerUnit.Mul(sp.p))

	if plan.reset {
		plan.newEpoch = sp.epoch + 1
		plan.newScale = 0
		plan.newP = fpmath.Unit
	} else {
		factor := fpmath.Unit.Sub(lossPerUnit)
		newP := fpmath.MulDiv(sp.p, factor, fpmath.Unit)
		if newP.Lt(fpmath.ScaleFactor) {
			newP = fpmath.MulDiv(sp.p, factor.Mul(fpmath.ScaleFactor), fpmath.Unit)
			plan.newScale = sp.scale + 1
			plan.scaleBump = true
		}
		if newP.IsZero() {
			return offsetPlan{}, poolInconsistent("product would reach zero (P=%s factor=%s)", sp.p.Raw(), factor.Raw())
		}
		plan.newP = newP
	}

	plan.newTotal = total.Sub(plan.absorbed)
	plan.newColl = sp.collBalance.Add(coll)
	return plan, nil
}

func (sp *StabilityPool) applyOffset(plan offsetPlan) {
	if plan.empty() {
		return
	}
	sp.sums[plan.sumKey] = plan.newSum
	sp.gainCarry = plan.gainCarry
	sp.lossCarry = plan.lossCarry
	sp.p = plan.newP
	sp.epoch = plan.newEpoch
	sp.scale = plan.newScale
	sp.totalDeposits = plan.newTotal
	sp.collBalance = plan.newColl
	sp.stats.Offsets++
	if plan.reset {
		sp.stats.EpochResets++
	}
	if plan.scaleBump {
		sp.stats.ScaleBumps++
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

// SumEntry is one cell of the gain-sum table.
type SumEntry struct {
	Key EpochScale    `json:"key"`
	S   fpmath.Amount `json:"s"`
}

// PoolState is the persisted form of the pool.
type PoolState struct {
	P             fpmath.Amount         `json:"p"`
	Epoch         uint64                `json:"epoch"`
	Scale         uint64                `json:"scale"`
	Sums          []SumEntry            `json:"sums"`
	TotalDeposits fpmath.Amount         `json:"total_deposits"`
	CollBalance   fpmath.Amount         `json:"coll_balance"`
	GainCarry     fpmath.RemainderCarry `json:"gain_carry"`
	LossCarry     fpmath.RemainderCarry `json:"loss_carry"`
	Deposits      []Deposit             `json:"deposits"`
	Stats         PoolStats             `json:"stats"`
}

func (sp *StabilityPool) export() PoolState {
	s := PoolState{
		P: sp.p, Epoch: sp.epoch, Scale: sp.scale,
		TotalDeposits: sp.totalDeposits, CollBalance: sp.collBalance,
		GainCarry: sp.gainCarry, LossCarry: sp.lossCarry,
		Stats: sp.stats,
	}
	for k, v := range sp.sums {
		s.Sums = append(s.Sums, SumEntry{Key: k, S: v})
	}
	sort.Slice(s.Sums, func(i, j int) bool {
		if s.Sums[i].Key.Epoch != s.Sums[j].Key.Epoch {
			return s.Sums[i].Key.Epoch < s.Sums[j].Key.Epoch
		}
		return s.Sums[i].Key.Scale < s.Sums[j].Key.Scale
	})
	for _, d := range sp.deposits {
		s.Deposits = append(s.Deposits, *d)
	}
	sort.Slice(s.Deposits, func(i, j int) bool {
		return s.Deposits[i].Owner.String() < s.Deposits[j].Owner.String()
	})
	return s
}

func (sp *StabilityPool) restore(s PoolState) {
	sp.p, sp.epoch, sp.scale = s.P, s.Epoch, s.Scale
	sp.totalDeposits, sp.collBalance = s.TotalDeposits, s.CollBalance
	sp.gainCarry, sp.lossCarry = s.GainCarry, s.LossCarry
	sp.stats = s.Stats
	sp.sums = make(map[EpochScale]fpmath.Amount, len(s.Sums))
	for _, e := range s.Sums {
		sp.sums[e.Key] = e.S
	}
	sp.deposits = make(map[uuid.UUID]*Deposit, len(s.Deposits))
	for i := range s.Deposits {
		d := s.Deposits[i]
		sp.deposits[d.Owner] = &d
	}
}
