package state

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

type poolFixture struct {
	t    *testing.T
	cust *ledger.Custody
	sp   *StabilityPool
	seq  int64
}

func newPoolFixture(t *testing.T) *poolFixture {
	cust := ledger.NewCustody()
	return &poolFixture{t: t, cust: cust, sp: NewStabilityPool(cust)}
}

func (f *poolFixture) op() Op {
	f.seq++
	return Op{Ref: fmt.Sprintf("pool-test-%d", f.seq), Sequence: f.seq, At: time.Unix(0, 0)}
}

// provide mints the tokens to the user first so custody can fund the deposit.
func (f *poolFixture) provide(owner uuid.UUID, amount fpmath.Amount) {
	f.t.Helper()
	b := ledger.NewBatch(fmt.Sprintf("mint-%d", f.seq), f.seq, 0)
	b.Mint(ledger.UserDebtTokens(owner), amount)
	require.NoError(f.t, f.cust.Apply(b))
	_, _, err := f.sp.Provide(f.op(), owner, amount)
	require.NoError(f.t, err)
}

// offset plans and applies an offset together with the custody movements a
// liquidation would make.
func (f *poolFixture) offset(debt, coll fpmath.Amount) offsetPlan {
	f.t.Helper()
	plan, err := f.sp.planOffset(debt, coll)
	require.NoError(f.t, err)
	b := ledger.NewBatch(fmt.Sprintf("offset-%d", f.seq), f.seq, 0)
	b.Burn(ledger.StabilityPoolDeposits(), plan.absorbed)
	b.MoveCollateral(ledger.CollateralIngress(), ledger.StabilityPoolCollateral(), coll)
	require.NoError(f.t, f.cust.Apply(b))
	f.sp.applyOffset(plan)
	f.seq++
	return plan
}

func (f *poolFixture) reconcile() {
	f.t.Helper()
	require.NoError(f.t, f.cust.Reconcile(map[ledger.AccountKey]fpmath.Amount{
		ledger.StabilityPoolDeposits():   f.sp.TotalDeposits(),
		ledger.StabilityPoolCollateral(): f.sp.CollateralBalance(),
	}))
}

func assertRelClose(t *testing.T, want, got fpmath.Amount, tol string) {
	t.Helper()
	w, g := want.Decimal(), got.Decimal()
	bound := w.Mul(decimal.RequireFromString(tol))
	assert.Truef(t, g.Sub(w).Abs().LessThanOrEqual(bound), "got %s, want %s (rel tol %s)", g, w, tol)
}

func TestStabilityPool_EqualDepositOffset(t *testing.T) {
	f := newPoolFixture(t)
	owners := []uuid.UUID{userID("a"), userID("b"), userID("c")}
	for _, o := range owners {
		f.provide(o, fpmath.Units(100))
	}

	f.offset(fpmath.Units(100), fpmath.Units(1))

	wantDeposit := fpmath.MustParseAmount("66.666666666666666667")
	wantGain := fpmath.MustParseAmount("0.333333333333333333")
	sumDeposits, sumGains := fpmath.Zero(), fpmath.Zero()
	for _, o := range owners {
		d, g := f.sp.CompoundedDeposit(o), f.sp.CollateralGain(o)
		assertRelClose(t, wantDeposit, d, "1e-15")
		assertRelClose(t, wantGain, g, "1e-15")
		sumDeposits = sumDeposits.Add(d)
		sumGains = sumGains.Add(g)
	}

	assert.True(t, sumDeposits.Lte(f.sp.TotalDeposits()))
	assert.True(t, sumGains.Lte(fpmath.Units(1)))
	assertRelClose(t, fpmath.Units(200), sumDeposits, "1e-15")
	assertRelClose(t, fpmath.Units(1), sumGains, "1e-15")
	f.reconcile()
}

func TestStabilityPool_FullOffsetStartsNewEpoch(t *testing.T) {
	f := newPoolFixture(t)
	a, b := userID("a"), userID("b")
	f.provide(a, fpmath.Units(100))
	f.provide(b, fpmath.Units(200))

	plan := f.offset(fpmath.Units(300), fpmath.Units(3))
	require.True(t, plan.reset)

	assert.Equal(t, EpochScale{Epoch: 1, Scale: 0}, f.sp.EpochScale())
	assert.True(t, f.sp.P().Eq(fpmath.Unit))
	assert.True(t, f.sp.TotalDeposits().IsZero())
	assert.True(t, f.sp.CompoundedDeposit(a).IsZero())
	assert.True(t, f.sp.CompoundedDeposit(b).IsZero())
	assert.True(t, f.sp.CollateralGain(a).Eq(fpmath.Units(1)))
	assert.True(t, f.sp.CollateralGain(b).Eq(fpmath.Units(2)))

	// Later activity in the new epoch does not revive old deposits.
	c := userID("c")
	f.provide(c, fpmath.Units(50))
	f.offset(fpmath.Units(10), fpmath.Units(1))
	assert.True(t, f.sp.CompoundedDeposit(a).IsZero())
	assert.True(t, f.sp.CollateralGain(a).Eq(fpmath.Units(1)))

	res, _, err := f.sp.Withdraw(f.op(), a, fpmath.Units(100))
	require.NoError(t, err)
	assert.True(t, res.Withdrawn.IsZero())
	assert.True(t, res.Gain.Eq(fpmath.Units(1)))
	assert.Nil(t, f.sp.GetDeposit(a))

	assertRelClose(t, fpmath.Units(40), f.sp.CompoundedDeposit(c), "1e-15")
	f.reconcile()
}

func TestStabilityPool_RequestAboveDepositsDrainsPool(t *testing.T) {
	f := newPoolFixture(t)
	f.provide(userID("a"), fpmath.Units(100))

	plan := f.offset(fpmath.Units(150), fpmath.Units(2))
	assert.True(t, plan.absorbed.Eq(fpmath.Units(100)))
	assert.True(t, plan.reset)
}

func TestStabilityPool_ScaleTransitionPrecision(t *testing.T) {
	f := newPoolFixture(t)
	a, b := userID("a"), userID("b")
	f.provide(a, fpmath.Units(100))

	// Leave a ten-millionth of the pool: P lands exactly on the boundary.
	f.offset(fpmath.MustParseAmount("99.9999999"), fpmath.Units(1))
	require.Equal(t, EpochScale{Epoch: 0, Scale: 0}, f.sp.EpochScale())
	require.True(t, f.sp.P().Eq(fpmath.ScaleFactor))

	f.provide(b, fpmath.Units(100))

	// Halving the pool pushes P below the boundary and bumps the scale.
	plan := f.offset(fpmath.MustParseAmount("50.00000005"), fpmath.Units(1))
	require.True(t, plan.scaleBump)
	require.Equal(t, EpochScale{Epoch: 0, Scale: 1}, f.sp.EpochScale())
	assert.True(t, f.sp.P().Gte(fpmath.ScaleFactor))

	// a is down to a twentieth of a billionth of its deposit, which counts as gone.
	assert.True(t, f.sp.CompoundedDeposit(a).IsZero())
	assertRelClose(t, fpmath.Units(50), f.sp.CompoundedDeposit(b), "1e-9")

	// b held nearly all of the pool for the second offset.
	assertRelClose(t, fpmath.MustParseAmount("0.9999999990000000010"), f.sp.CollateralGain(b), "1e-9")

	res, _, err := f.sp.Withdraw(f.op(), b, fpmath.Units(100))
	require.NoError(t, err)
	assertRelClose(t, fpmath.Units(50), res.Withdrawn, "1e-9")
	f.reconcile()
}

func TestStabilityPool_CompoundedBelowBillionthRoundsToZero(t *testing.T) {
	f := newPoolFixture(t)
	a, b := userID("a"), userID("b")
	f.provide(a, fpmath.Units(100))

	// Exactly a billionth of the deposit is still owed.
	f.offset(fpmath.MustParseAmount("99.9999999"), fpmath.Units(1))
	assert.True(t, f.sp.CompoundedDeposit(a).Eq(fpmath.MustParseAmount("0.0000001")))

	f.provide(b, fpmath.Units(100))
	f.offset(fpmath.MustParseAmount("50.00000005"), fpmath.Units(1))

	// Half of that billionth is below the threshold and reads as zero; the
	// raw units stay in totalDeposits as dust.
	assert.True(t, f.sp.CompoundedDeposit(a).IsZero())
	total := f.sp.TotalDeposits()
	claimed := f.sp.CompoundedDeposit(b)
	require.True(t, claimed.Lte(total))
	assertRelClose(t, fpmath.MustParseAmount("0.00000005"), total.Sub(claimed), "1e-6")
	f.reconcile()
}

func TestStabilityPool_RepeatedOffsetsStayBounded(t *testing.T) {
	f := newPoolFixture(t)
	rng := rand.New(rand.NewSource(7))
	var owners []uuid.UUID
	initial := fpmath.Zero()
	join := func() {
		o := userID(fmt.Sprintf("depositor-%d", len(owners)))
		owners = append(owners, o)
		f.provide(o, fpmath.Units(1_000_000))
		initial = initial.Add(fpmath.Units(1_000_000))
	}
	for i := 0; i < 3; i++ {
		join()
	}

	for i := 0; i < 1000; i++ {
		if i > 0 && i%100 == 0 {
			join()
		}
		// Absorb between 1% and 9% of what is left.
		frac := fpmath.NewAmount(uint64(1+rng.Intn(9)) * 1e16)
		debt := fpmath.MulDiv(f.sp.TotalDeposits(), frac, fpmath.Unit)
		f.offset(debt, fpmath.MustParseAmount("0.01"))

		sum, gains := fpmath.Zero(), fpmath.Zero()
		for _, o := range owners {
			sum = sum.Add(f.sp.CompoundedDeposit(o))
			gains = gains.Add(f.sp.CollateralGain(o))
		}
		require.Truef(t, sum.Lte(f.sp.TotalDeposits()), "iteration %d: deposits %s exceed total %s", i, sum, f.sp.TotalDeposits())
		require.Truef(t, gains.Lte(f.sp.CollateralBalance()), "iteration %d: gains %s exceed balance %s", i, gains, f.sp.CollateralBalance())
	}
	require.Greater(t, f.sp.Stats().ScaleBumps, uint64(0))

	sum := fpmath.Zero()
	for _, o := range owners {
		sum = sum.Add(f.sp.CompoundedDeposit(o))
	}
	// Deposits written off below a billionth of their initial value, plus
	// at most a billionth of the pool per offset.
	bound := initial.Div(fpmath.ScaleFactor).Add(fpmath.MulDiv(f.sp.TotalDeposits(), fpmath.NewAmount(1e12), fpmath.Unit))
	dust := f.sp.TotalDeposits().Sub(sum)
	assert.Truef(t, dust.Lte(bound), "dust %s exceeds bound %s", dust, bound)
	f.reconcile()
}

func TestStabilityPool_ProvideRebasesAndPaysGain(t *testing.T) {
	f := newPoolFixture(t)
	a := userID("a")
	f.provide(a, fpmath.Units(100))
	f.offset(fpmath.Units(40), fpmath.Units(1))

	b := ledger.NewBatch("mint-topup", 99, 0)
	b.Mint(ledger.UserDebtTokens(a), fpmath.Units(10))
	require.NoError(t, f.cust.Apply(b))

	res, batch, err := f.sp.Provide(f.op(), a, fpmath.Units(10))
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.True(t, res.Compounded.Eq(fpmath.Units(60)))
	assert.True(t, res.Gain.Eq(fpmath.Units(1)))
	assert.True(t, res.Remaining.Eq(fpmath.Units(70)))

	assert.True(t, f.sp.CollateralGain(a).IsZero())
	assert.True(t, f.cust.Balance(ledger.UserWallet(a)).Eq(fpmath.Units(1)))
	f.reconcile()
}

func TestStabilityPool_ProvideZeroRejected(t *testing.T) {
	f := newPoolFixture(t)
	_, _, err := f.sp.Provide(f.op(), userID("a"), fpmath.Zero())
	require.ErrorIs(t, err, ErrValidation)
}

func TestStabilityPool_WithdrawUnknownDeposit(t *testing.T) {
	f := newPoolFixture(t)
	_, _, err := f.sp.Withdraw(f.op(), userID("nobody"), fpmath.Units(1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStabilityPool_OffsetAgainstEmptyPool(t *testing.T) {
	f := newPoolFixture(t)
	_, err := f.sp.planOffset(fpmath.Units(1), fpmath.Units(1))
	require.ErrorIs(t, err, ErrPoolStateInconsistent)

	plan, err := f.sp.planOffset(fpmath.Zero(), fpmath.Zero())
	require.NoError(t, err)
	assert.True(t, plan.empty())
}

func TestStabilityPool_ExportRestore(t *testing.T) {
	f := newPoolFixture(t)
	f.provide(userID("a"), fpmath.Units(100))
	f.provide(userID("b"), fpmath.Units(50))
	f.offset(fpmath.Units(30), fpmath.MustParseAmount("0.7"))

	restored := NewStabilityPool(f.cust)
	restored.restore(f.sp.export())

	assert.Equal(t, f.sp.export(), restored.export())
	assert.True(t, restored.CompoundedDeposit(userID("a")).Eq(f.sp.CompoundedDeposit(userID("a"))))
}
