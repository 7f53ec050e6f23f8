package state

import (
	"encoding/json"
	"fmt"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// Receipt describes what one committed operation changed.
type Receipt struct {
	Batch       *ledger.Batch
	Troves      []uuid.UUID
	Deposits    []uuid.UUID
	Deposit     *DepositResult
	Liquidation *LiquidationResult
	PoolChanged bool
}

// Protocol is the whole accounting core: troves, redistribution rewards, the
// stability pool and liquidations, sharing one custody ledger and one price
// source. It is not safe for concurrent use; callers serialize access.
type Protocol struct {
	params  Params
	oracle  PriceOracle
	custody AssetCustody
	sorted  RiskOrderedPositions

	rewards      *RewardAccumulator
	troves       *TroveManager
	pool         *StabilityPool
	liquidations *LiquidationEngine
}

func NewProtocol(params Params, oracle PriceOracle, sorted RiskOrderedPositions, custody AssetCustody) (*Protocol, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if sorted.Len() != 0 {
		return nil, fmt.Errorf("risk index must start empty, has %d entries", sorted.Len())
	}
	rewards := NewRewardAccumulator()
	troves := NewTroveManager(params, rewards, sorted, custody)
	pool := NewStabilityPool(custody)
	return &Protocol{
		params:       params,
		oracle:       oracle,
		custody:      custody,
		sorted:       sorted,
		rewards:      rewards,
		troves:       troves,
		pool:         pool,
		liquidations: NewLiquidationEngine(params, troves, pool, rewards, custody),
	}, nil
}

func (p *Protocol) Params() Params { return p.params }

func (p *Protocol) Troves() *TroveManager { return p.troves }

func (p *Protocol) Pool() *StabilityPool { return p.pool }

func (p *Protocol) Rewards() *RewardAccumulator { return p.rewards }

func (p *Protocol) price(op Op) (fpmath.Amount, error) {
	price, err := p.oracle.GetPrice(op.At)
	if err != nil {
		return fpmath.Zero(), externalFailure(err)
	}
	return price, nil
}

// ---------------------------------------------------------------------------
// Trove operations
// ---------------------------------------------------------------------------

func (p *Protocol) OpenTrove(op Op, owner uuid.UUID, coll, netDebt fpmath.Amount) (Receipt, error) {
	price, err := p.price(op)
	if err != nil {
		return Receipt{}, err
	}
	batch, err := p.troves.Open(op, owner, coll, netDebt, price)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Batch: batch, Troves: []uuid.UUID{owner}}, nil
}

func (p *Protocol) AdjustTrove(op Op, owner uuid.UUID, adj Adjustment) (Receipt, error) {
	price, err := p.price(op)
	if err != nil {
		return Receipt{}, err
	}
	batch, err := p.troves.Adjust(op, owner, adj, price)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Batch: batch, Troves: []uuid.UUID{owner}}, nil
}

func (p *Protocol) CloseTrove(op Op, owner uuid.UUID) (Receipt, error) {
	price, err := p.price(op)
	if err != nil {
		return Receipt{}, err
	}
	batch, err := p.troves.Close(op, owner, price)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Batch: batch, Troves: []uuid.UUID{owner}}, nil
}

// ApplyPendingRewards needs no price: it only moves already-redistributed
// amounts into the trove.
func (p *Protocol) ApplyPendingRewards(op Op, owner uuid.UUID) (Receipt, error) {
	batch, err := p.troves.ApplyPendingRewards(op, owner)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Batch: batch, Troves: []uuid.UUID{owner}}, nil
}

// ---------------------------------------------------------------------------
// Stability pool operations
// ---------------------------------------------------------------------------

func (p *Protocol) ProvideToSP(op Op, owner uuid.UUID, amount fpmath.Amount) (Receipt, error) {
	res, batch, err := p.pool.Provide(op, owner, amount)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Batch: batch, Deposits: []uuid.UUID{owner}, Deposit: &res, PoolChanged: true}, nil
}

// WithdrawFromSP pays out up to amount of the compounded deposit plus the
// collateral gain. Withdrawing principal is refused while any trove is below
// MCR, so depositors cannot front-run a pending liquidation.
func (p *Protocol) WithdrawFromSP(op Op, owner uuid.UUID, amount fpmath.Amount) (Receipt, error) {
	if !amount.IsZero() {
		price, err := p.price(op)
		if err != nil {
			return Receipt{}, err
		}
		if id, icr, ok := p.riskiest(price); ok && icr.Lt(p.params.MCR) {
			return Receipt{}, validationf("withdrawal blocked while trove %s is below MCR (ICR %s)", id, icr)
		}
	}
	res, batch, err := p.pool.Withdraw(op, owner, amount)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Batch: batch, Deposits: []uuid.UUID{owner}, Deposit: &res, PoolChanged: true}, nil
}

func (p *Protocol) riskiest(price fpmath.Amount) (uuid.UUID, fpmath.Amount, bool) {
	id, ok := p.sorted.Head()
	if !ok {
		return uuid.Nil, fpmath.Zero(), false
	}
	coll, debt, _, err := p.troves.EntireDebtAndColl(id)
	if err != nil {
		return uuid.Nil, fpmath.Zero(), false
	}
	return id, fpmath.ICR(coll, debt, price), true
}

// ClaimGainToTrove moves the depositor's collateral gain into their own
// trove instead of their wallet. The deposit is re-based in the same step.
func (p *Protocol) ClaimGainToTrove(op Op, owner uuid.UUID) (Receipt, error) {
	price, err := p.price(op)
	if err != nil {
		return Receipt{}, err
	}
	if _, err := p.troves.activeTrove(owner); err != nil {
		return Receipt{}, err
	}

	batch := op.batch()
	dep, err := p.pool.planWithdraw(owner, fpmath.Zero(), ledger.UserWallet(owner), batch)
	if err != nil {
		return Receipt{}, err
	}
	if dep.gain.IsZero() {
		return Receipt{}, validationf("deposit %s has no collateral gain to claim", owner)
	}
	change, err := p.troves.planAdjust(owner, Adjustment{CollChange: dep.gain, CollIncrease: true}, price, ledger.UserWallet(owner), batch)
	if err != nil {
		return Receipt{}, err
	}

	if err := p.troves.commit(change, batch, p.pool.expectedBalances(dep)); err != nil {
		return Receipt{}, err
	}
	p.pool.applyDeposit(dep)

	res := DepositResult{Compounded: dep.compounded, Gain: dep.gain, Remaining: dep.newInitial}
	return Receipt{
		Batch:       batch,
		Troves:      []uuid.UUID{owner},
		Deposits:    []uuid.UUID{owner},
		Deposit:     &res,
		PoolChanged: true,
	}, nil
}

// ---------------------------------------------------------------------------
// Liquidation
// ---------------------------------------------------------------------------

func (p *Protocol) Liquidate(op Op, liquidator, owner uuid.UUID) (Receipt, error) {
	price, err := p.price(op)
	if err != nil {
		return Receipt{}, err
	}
	res, batch, err := p.liquidations.LiquidateOne(op, liquidator, owner, price)
	if err != nil {
		return Receipt{}, err
	}
	return liquidationReceipt(res, batch), nil
}

// LiquidateBatch liquidates up to maxCount of the riskiest troves. It returns
// ErrNothingToLiquidate when none qualify.
func (p *Protocol) LiquidateBatch(op Op, liquidator uuid.UUID, maxCount int) (Receipt, error) {
	price, err := p.price(op)
	if err != nil {
		return Receipt{}, err
	}
	res, batch, err := p.liquidations.LiquidateBatch(op, liquidator, maxCount, price)
	if err != nil {
		return Receipt{}, err
	}
	return liquidationReceipt(res, batch), nil
}

func (p *Protocol) LiquidateList(op Op, liquidator uuid.UUID, owners []uuid.UUID) (Receipt, error) {
	price, err := p.price(op)
	if err != nil {
		return Receipt{}, err
	}
	res, batch, err := p.liquidations.LiquidateList(op, liquidator, owners, price)
	if err != nil {
		return Receipt{}, err
	}
	return liquidationReceipt(res, batch), nil
}

// ClaimCollSurplus pays the owner the collateral left over from capped
// liquidations of their troves.
func (p *Protocol) ClaimCollSurplus(op Op, owner uuid.UUID) (Receipt, error) {
	_, batch, err := p.troves.ClaimCollSurplus(op, owner)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Batch: batch}, nil
}

func liquidationReceipt(res LiquidationResult, batch *ledger.Batch) Receipt {
	r := Receipt{Batch: batch, Liquidation: &res, PoolChanged: res.Offsets > 0}
	for _, lt := range res.Liquidated {
		r.Troves = append(r.Troves, lt.Owner)
	}
	return r
}

// ---------------------------------------------------------------------------
// Debt token transfers
// ---------------------------------------------------------------------------

// TransferTokens moves debt tokens between users. It is how a borrower
// without enough tokens acquires them to close a trove.
func (p *Protocol) TransferTokens(op Op, from, to uuid.UUID, amount fpmath.Amount) (Receipt, error) {
	if amount.IsZero() {
		return Receipt{}, validationf("transfer amount must be > 0")
	}
	if from == to {
		return Receipt{}, validationf("cannot transfer to self")
	}
	batch := op.batch()
	batch.Transfer(ledger.UserDebtTokens(from), ledger.UserDebtTokens(to), amount)
	if err := p.custody.Check(batch); err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := p.custody.Apply(batch); err != nil {
		return Receipt{}, custodyFailure(err)
	}
	return Receipt{Batch: batch}, nil
}

// ---------------------------------------------------------------------------
// Invariants
// ---------------------------------------------------------------------------

// ExpectedBalances is what custody must hold according to the protocol's
// own totals.
func (p *Protocol) ExpectedBalances() map[ledger.AccountKey]fpmath.Amount {
	activeColl, activeDebt := p.troves.ActivePool()
	defaultColl, defaultDebt := p.rewards.DefaultPool()
	return map[ledger.AccountKey]fpmath.Amount{
		ledger.ActivePool():              activeColl,
		ledger.DefaultPool():             defaultColl,
		ledger.StabilityPoolDeposits():   p.pool.TotalDeposits(),
		ledger.StabilityPoolCollateral(): p.pool.CollateralBalance(),
		ledger.GasPool():                 p.params.GasCompensation.Mul(fpmath.NewAmount(uint64(p.troves.ActiveCount()))),
		ledger.DebtIssuance():            activeDebt.Add(defaultDebt),
		ledger.CollSurplusPool():         p.troves.TotalCollSurplus(),
	}
}

// CheckReconciliation compares custody balances against the protocol totals.
func (p *Protocol) CheckReconciliation() error {
	if err := p.custody.Reconcile(p.ExpectedBalances()); err != nil {
		return custodyFailure(err)
	}
	return nil
}

// Conservation compares the system totals with what open troves and
// depositors can claim. Claims never exceed the totals; the gap is
// accumulated rounding dust.
type Conservation struct {
	SystemColl      fpmath.Amount `json:"system_coll"`
	ClaimedColl     fpmath.Amount `json:"claimed_coll"`
	SystemDebt      fpmath.Amount `json:"system_debt"`
	ClaimedDebt     fpmath.Amount `json:"claimed_debt"`
	TotalDeposits   fpmath.Amount `json:"total_deposits"`
	ClaimedDeposits fpmath.Amount `json:"claimed_deposits"`
	PoolColl        fpmath.Amount `json:"pool_coll"`
	ClaimedGains    fpmath.Amount `json:"claimed_gains"`
}

// CollDust is the unclaimable collateral left by rounding.
func (c Conservation) CollDust() fpmath.Amount { return c.SystemColl.SaturatingSub(c.ClaimedColl) }

// DebtDust is the recorded debt no open trove owes, left by rounding.
func (c Conservation) DebtDust() fpmath.Amount { return c.SystemDebt.SaturatingSub(c.ClaimedDebt) }

// DepositDust is the unclaimable part of totalDeposits.
func (c Conservation) DepositDust() fpmath.Amount {
	return c.TotalDeposits.SaturatingSub(c.ClaimedDeposits)
}

// CheckConservation sums every open trove's entire collateral and debt and
// every depositor's compounded deposit and gain. It walks all positions and
// is meant for tests and audits, not the hot path.
func (p *Protocol) CheckConservation() (Conservation, error) {
	var c Conservation
	c.SystemColl, c.SystemDebt = p.troves.SystemTotals()
	for _, id := range p.troves.ActiveOwners() {
		coll, debt, _, err := p.troves.EntireDebtAndColl(id)
		if err != nil {
			return c, err
		}
		c.ClaimedColl = c.ClaimedColl.Add(coll)
		c.ClaimedDebt = c.ClaimedDebt.Add(debt)
	}
	c.TotalDeposits = p.pool.TotalDeposits()
	c.PoolColl = p.pool.CollateralBalance()
	for owner, d := range p.pool.deposits {
		c.ClaimedDeposits = c.ClaimedDeposits.Add(p.pool.compounded(d))
		c.ClaimedGains = c.ClaimedGains.Add(p.pool.CollateralGain(owner))
	}

	switch {
	case c.ClaimedColl.Gt(c.SystemColl):
		return c, invariantf("troves claim %s collateral, system holds %s", c.ClaimedColl, c.SystemColl)
	case c.ClaimedDebt.Gt(c.SystemDebt):
		return c, invariantf("troves owe %s, system records %s", c.ClaimedDebt, c.SystemDebt)
	case c.ClaimedDeposits.Gt(c.TotalDeposits):
		return c, invariantf("depositors claim %s, pool holds %s", c.ClaimedDeposits, c.TotalDeposits)
	case c.ClaimedGains.Gt(c.PoolColl):
		return c, invariantf("depositors claim %s gain, pool holds %s", c.ClaimedGains, c.PoolColl)
	}
	return c, nil
}

// TCR returns the total collateral ratio at the current oracle price.
func (p *Protocol) TCR(op Op) (fpmath.Amount, error) {
	price, err := p.price(op)
	if err != nil {
		return fpmath.Zero(), err
	}
	return p.troves.TCR(price), nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Snapshot is the complete protocol state, in deterministic order. Custody
// balances are snapshotted separately by their owner.
type Snapshot struct {
	Troves  TroveManagerState `json:"troves"`
	Rewards RewardState       `json:"rewards"`
	Pool    PoolState         `json:"pool"`
}

func (p *Protocol) Export() Snapshot {
	return Snapshot{
		Troves:  p.troves.export(),
		Rewards: p.rewards.export(),
		Pool:    p.pool.export(),
	}
}

// Restore loads a snapshot into a freshly constructed protocol.
func (p *Protocol) Restore(s Snapshot) error {
	if err := p.troves.restore(s.Troves); err != nil {
		return err
	}
	p.rewards.restore(s.Rewards)
	p.pool.restore(s.Pool)
	return nil
}

// CanonicalBytes serializes the full state for hashing. Every collection in
// a Snapshot is sorted, so equal states give equal bytes.
func (p *Protocol) CanonicalBytes() []byte {
	b, err := json.Marshal(p.Export())
	if err != nil {
		panic(fmt.Sprintf("FATAL: protocol state not serializable: %v", err))
	}
	return b
}
