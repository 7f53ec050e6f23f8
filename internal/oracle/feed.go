// Package oracle holds the last accepted collateral price.
package oracle

import (
	"errors"
	"fmt"
	"time"

	fpmath "TroveLedger/internal/math"
)

var (
	ErrNoPrice    = errors.New("oracle: no price received")
	ErrStalePrice = errors.New("oracle: price is stale")
	ErrZeroPrice  = errors.New("oracle: zero price")
)

// Feed stores the latest price update. It never reads the wall clock:
// staleness is judged against the timestamp of the command being processed.
type Feed struct {
	price     fpmath.Amount
	sequence  int64
	updatedAt time.Time
	maxAge    time.Duration
	set       bool
}

// NewFeed creates a feed. A zero maxAge disables staleness checks.
func NewFeed(maxAge time.Duration) *Feed {
	return &Feed{maxAge: maxAge}
}

// Update records a price. Updates whose sequence does not advance are
// ignored and reported as not applied.
func (f *Feed) Update(price fpmath.Amount, sequence int64, at time.Time) (bool, error) {
	if price.IsZero() {
		return false, ErrZeroPrice
	}
	if f.set && sequence <= f.sequence {
		return false, nil
	}
	f.price = price
	f.sequence = sequence
	f.updatedAt = at
	f.set = true
	return true, nil
}

// GetPrice returns the price as of asOf.
func (f *Feed) GetPrice(asOf time.Time) (fpmath.Amount, error) {
	if !f.set {
		return fpmath.Zero(), ErrNoPrice
	}
	if f.maxAge > 0 && asOf.Sub(f.updatedAt) > f.maxAge {
		return fpmath.Zero(), fmt.Errorf("%w: updated %s, as of %s", ErrStalePrice,
			f.updatedAt.UTC().Format(time.RFC3339), asOf.UTC().Format(time.RFC3339))
	}
	return f.price, nil
}

// State is the persisted form of a feed.
type State struct {
	Price     fpmath.Amount `json:"price"`
	Sequence  int64         `json:"sequence"`
	UpdatedAt time.Time     `json:"updated_at"`
	Set       bool          `json:"set"`
}

func (f *Feed) Export() State {
	return State{Price: f.price, Sequence: f.sequence, UpdatedAt: f.updatedAt, Set: f.set}
}

func (f *Feed) Restore(s State) {
	f.price = s.Price
	f.sequence = s.Sequence
	f.updatedAt = s.UpdatedAt
	f.set = s.Set
}

// LastSequence returns the sequence of the last accepted update.
func (f *Feed) LastSequence() int64 { return f.sequence }
