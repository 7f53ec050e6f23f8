package projection

import (
	"math/big"
	"testing"

	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceDeltas_NetsPerAccount(t *testing.T) {
	alice := uuid.NewSHA1(uuid.NameSpaceOID, []byte("alice"))
	bob := uuid.NewSHA1(uuid.NameSpaceOID, []byte("bob"))

	b := ledger.NewBatch("cmd-1", 7, 0)
	b.Mint(ledger.UserDebtTokens(alice), fpmath.Units(100))
	b.Transfer(ledger.UserDebtTokens(alice), ledger.UserDebtTokens(bob), fpmath.Units(30))
	b.Transfer(ledger.UserDebtTokens(bob), ledger.UserDebtTokens(alice), fpmath.Units(30))
	b.MoveCollateral(ledger.UserWallet(alice), ledger.ActivePool(), fpmath.Units(5))

	deltas := BalanceDeltas(b)

	byPath := make(map[string]string)
	for _, d := range deltas {
		byPath[d.AccountPath] = d.Delta.String()
	}
	// bob's transfers cancel out and are omitted.
	require.Len(t, deltas, 4)
	assert.Equal(t, fpmath.Units(100).Raw(), byPath[ledger.UserDebtTokens(alice).AccountPath()])
	assert.Equal(t, "-"+fpmath.Units(100).Raw(), byPath[ledger.DebtIssuance().AccountPath()])
	assert.Equal(t, "-"+fpmath.Units(5).Raw(), byPath[ledger.UserWallet(alice).AccountPath()])
	assert.Equal(t, fpmath.Units(5).Raw(), byPath[ledger.ActivePool().AccountPath()])
	_, hasBob := byPath[ledger.UserDebtTokens(bob).AccountPath()]
	assert.False(t, hasBob)

	for i := 1; i < len(deltas); i++ {
		assert.Less(t, deltas[i-1].AccountPath, deltas[i].AccountPath)
	}
}

func TestBalanceDeltas_SumToZeroPerAsset(t *testing.T) {
	owner := uuid.New()
	b := ledger.NewBatch("cmd-2", 1, 0)
	b.MoveCollateral(ledger.CollateralIngress(), ledger.ActivePool(), fpmath.Units(3))
	b.Mint(ledger.UserDebtTokens(owner), fpmath.Units(50))
	b.Mint(ledger.GasPool(), fpmath.Units(10))

	sums := make(map[uint16]*big.Int)
	for _, d := range BalanceDeltas(b) {
		if sums[d.AssetID] == nil {
			sums[d.AssetID] = new(big.Int)
		}
		sums[d.AssetID].Add(sums[d.AssetID], d.Delta)
	}
	require.Len(t, sums, 2)
	for asset, sum := range sums {
		assert.Zero(t, sum.Sign(), "asset %d does not balance", asset)
	}
}

func TestLiquidationMode(t *testing.T) {
	assert.Equal(t, "single", liquidationMode(event.EventTypeLiquidate))
	assert.Equal(t, "batch", liquidationMode(event.EventTypeLiquidateBatch))
	assert.Equal(t, "list", liquidationMode(event.EventTypeLiquidateList))
}
