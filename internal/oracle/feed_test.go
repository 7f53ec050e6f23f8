package oracle_test

import (
	"testing"
	"time"

	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/oracle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFeed_NoPrice(t *testing.T) {
	f := oracle.NewFeed(time.Minute)
	_, err := f.GetPrice(t0)
	require.ErrorIs(t, err, oracle.ErrNoPrice)
}

func TestFeed_StaleAfterMaxAge(t *testing.T) {
	f := oracle.NewFeed(time.Minute)
	_, err := f.Update(fpmath.Units(200), 1, t0)
	require.NoError(t, err)

	p, err := f.GetPrice(t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, p.Eq(fpmath.Units(200)))

	_, err = f.GetPrice(t0.Add(time.Minute + time.Second))
	require.ErrorIs(t, err, oracle.ErrStalePrice)
}

func TestFeed_IgnoresOutOfOrderSequence(t *testing.T) {
	f := oracle.NewFeed(0)
	applied, err := f.Update(fpmath.Units(200), 5, t0)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = f.Update(fpmath.Units(100), 4, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, applied)

	p, err := f.GetPrice(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, p.Eq(fpmath.Units(200)))
	assert.Equal(t, int64(5), f.LastSequence())
}

func TestFeed_RejectsZero(t *testing.T) {
	f := oracle.NewFeed(0)
	_, err := f.Update(fpmath.Zero(), 1, t0)
	require.ErrorIs(t, err, oracle.ErrZeroPrice)
}

func TestFeed_ExportRestore(t *testing.T) {
	f := oracle.NewFeed(time.Minute)
	_, err := f.Update(fpmath.Units(150), 3, t0)
	require.NoError(t, err)

	g := oracle.NewFeed(time.Minute)
	g.Restore(f.Export())
	p, err := g.GetPrice(t0)
	require.NoError(t, err)
	assert.True(t, p.Eq(fpmath.Units(150)))
}
