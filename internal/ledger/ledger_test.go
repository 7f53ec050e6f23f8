package ledger_test

import (
	"errors"
	"testing"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.UserWallet(userID)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:ETH"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	if got := ledger.ActivePool().AccountPath(); got != "system:active_pool:ETH" {
		t.Errorf("got %q, want %q", got, "system:active_pool:ETH")
	}
	if got := ledger.StabilityPoolDeposits().AccountPath(); got != "system:stability_pool:USD" {
		t.Errorf("got %q, want %q", got, "system:stability_pool:USD")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	if got := ledger.DebtIssuance().AccountPath(); got != "external:debt_issuance:USD" {
		t.Errorf("got %q, want %q", got, "external:debt_issuance:USD")
	}
}

func TestAccountKey_StabilityPoolAssetsDistinct(t *testing.T) {
	if ledger.StabilityPoolCollateral() == ledger.StabilityPoolDeposits() {
		t.Error("stability pool collateral and deposit accounts must differ")
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_DeterministicIDs(t *testing.T) {
	a := ledger.NewBatch("evt-1", 1, 100)
	a.Mint(ledger.GasPool(), fpmath.Units(10))
	b := ledger.NewBatch("evt-1", 1, 100)
	b.Mint(ledger.GasPool(), fpmath.Units(10))

	if a.BatchID != b.BatchID {
		t.Error("same event ref should yield the same batch id")
	}
	if a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("same position in batch should yield the same journal id")
	}
}

func TestBatch_ZeroAmountSkipped(t *testing.T) {
	b := ledger.NewBatch("evt-2", 1, 0)
	b.MoveCollateral(ledger.ActivePool(), ledger.DefaultPool(), fpmath.Zero())
	if b.Len() != 0 {
		t.Errorf("got %d journals, want 0", b.Len())
	}
}

func TestBatch_ValidateRejectsMixedAssets(t *testing.T) {
	b := ledger.NewBatch("evt-3", 1, 0)
	b.Journals = append(b.Journals, ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		DebitAccount:  ledger.ActivePool(),
		CreditAccount: ledger.GasPool(),
		AssetID:       ledger.AssetCollateral,
		Amount:        fpmath.Units(1),
	})
	if err := b.Validate(); err == nil {
		t.Error("expected mixed-asset journal to be rejected")
	}
}

// ============================================================================
// Test: Custody
// ============================================================================

func TestCustody_MintBurnSupply(t *testing.T) {
	c := ledger.NewCustody()
	user := uuid.New()

	b := ledger.NewBatch("open", 1, 0)
	b.Mint(ledger.UserDebtTokens(user), fpmath.Units(100))
	b.Mint(ledger.GasPool(), fpmath.Units(10))
	if err := c.Apply(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := c.Supply(); !got.Eq(fpmath.Units(110)) {
		t.Errorf("supply: got %s, want 110", got)
	}

	b = ledger.NewBatch("repay", 2, 0)
	b.Burn(ledger.UserDebtTokens(user), fpmath.Units(40))
	if err := c.Apply(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := c.Balance(ledger.UserDebtTokens(user)); !got.Eq(fpmath.Units(60)) {
		t.Errorf("user balance: got %s, want 60", got)
	}
	if got := c.Supply(); !got.Eq(fpmath.Units(70)) {
		t.Errorf("supply: got %s, want 70", got)
	}
}

func TestCustody_RejectsOverdraftAtomically(t *testing.T) {
	c := ledger.NewCustody()
	user := uuid.New()

	seed := ledger.NewBatch("seed", 1, 0)
	seed.MoveCollateral(ledger.CollateralIngress(), ledger.ActivePool(), fpmath.Units(5))
	if err := c.Apply(seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// First leg is fine, second overdraws; neither may land.
	b := ledger.NewBatch("bad", 2, 0)
	b.MoveCollateral(ledger.ActivePool(), ledger.UserWallet(user), fpmath.Units(3))
	b.MoveCollateral(ledger.ActivePool(), ledger.DefaultPool(), fpmath.Units(3))

	err := c.Apply(b)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := c.Balance(ledger.ActivePool()); !got.Eq(fpmath.Units(5)) {
		t.Errorf("active pool changed: got %s, want 5", got)
	}
	if got := c.Balance(ledger.UserWallet(user)); !got.IsZero() {
		t.Errorf("user wallet changed: got %s", got)
	}
}

func TestCustody_ExternalMayGoNegative(t *testing.T) {
	c := ledger.NewCustody()
	b := ledger.NewBatch("ingress", 1, 0)
	b.MoveCollateral(ledger.CollateralIngress(), ledger.ActivePool(), fpmath.Units(1))
	if err := c.Apply(b); err != nil {
		t.Fatalf("external ingress should be allowed: %v", err)
	}
	if err := c.Reconcile(nil); err != nil {
		t.Errorf("zero-sum check failed: %v", err)
	}
}

func TestCustody_CheckProjected(t *testing.T) {
	c := ledger.NewCustody()
	b := ledger.NewBatch("open", 1, 0)
	b.MoveCollateral(ledger.CollateralIngress(), ledger.ActivePool(), fpmath.Units(2))

	ok := map[ledger.AccountKey]fpmath.Amount{ledger.ActivePool(): fpmath.Units(2)}
	if err := c.CheckProjected(b, ok); err != nil {
		t.Errorf("expected projection to match: %v", err)
	}

	bad := map[ledger.AccountKey]fpmath.Amount{ledger.ActivePool(): fpmath.Units(3)}
	if err := c.CheckProjected(b, bad); !errors.Is(err, ledger.ErrReconciliation) {
		t.Errorf("got %v, want ErrReconciliation", err)
	}
	if got := c.Balance(ledger.ActivePool()); !got.IsZero() {
		t.Error("CheckProjected must not apply the batch")
	}
}

func TestCustody_SnapshotRestore(t *testing.T) {
	c := ledger.NewCustody()
	user := uuid.New()
	b := ledger.NewBatch("seed", 1, 0)
	b.Mint(ledger.UserDebtTokens(user), fpmath.Units(7))
	b.MoveCollateral(ledger.CollateralIngress(), ledger.ActivePool(), fpmath.Units(3))
	if err := c.Apply(b); err != nil {
		t.Fatal(err)
	}

	snap := c.Snapshot()
	restored := ledger.NewCustody()
	restored.Restore(snap)

	if !restored.Balance(ledger.UserDebtTokens(user)).Eq(fpmath.Units(7)) {
		t.Error("debt token balance not restored")
	}
	if !restored.Supply().Eq(c.Supply()) {
		t.Error("supply not restored")
	}
	if len(snap) != 4 {
		t.Errorf("got %d snapshot entries, want 4", len(snap))
	}
}
