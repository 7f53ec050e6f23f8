// Package sortedtroves keeps open troves ordered by nominal collateral ratio
// so liquidation can walk them riskiest-first.
package sortedtroves

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"

	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

const (
	// MaxLevel supports ~4 billion entries at p=1/4.
	MaxLevel = 32
	// SkipListP is the promotion probability of a node.
	SkipListP = 0.25
)

var (
	ErrExists   = errors.New("sortedtroves: trove already present")
	ErrNotFound = errors.New("sortedtroves: trove not present")
)

type node struct {
	id   uuid.UUID
	nicr fpmath.Amount
	next []*node
}

// SkipList orders troves by (NICR ascending, owner bytes ascending). Head is
// the riskiest trove.
type SkipList struct {
	head   *node
	height int
	length int
	index  map[uuid.UUID]*node
	rng    *rand.Rand
}

// New creates an empty list. The seed only shapes node heights; iteration
// order never depends on it.
func New(seed int64) *SkipList {
	return &SkipList{
		head:   &node{next: make([]*node, MaxLevel)},
		height: 1,
		index:  make(map[uuid.UUID]*node),
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func less(aNICR fpmath.Amount, aID uuid.UUID, bNICR fpmath.Amount, bID uuid.UUID) bool {
	if c := aNICR.Cmp(bNICR); c != 0 {
		return c < 0
	}
	return bytes.Compare(aID[:], bID[:]) < 0
}

func (sl *SkipList) randomHeight() int {
	h := 1
	for sl.rng.Float64() < SkipListP && h < MaxLevel {
		h++
	}
	return h
}

// path records the predecessor of (nicr, id) at every level.
func (sl *SkipList) path(nicr fpmath.Amount, id uuid.UUID) [MaxLevel]*node {
	var path [MaxLevel]*node
	curr := sl.head
	for i := sl.height - 1; i >= 0; i-- {
		for curr.next[i] != nil && less(curr.next[i].nicr, curr.next[i].id, nicr, id) {
			curr = curr.next[i]
		}
		path[i] = curr
	}
	return path
}

// Insert adds a trove at the given NICR.
func (sl *SkipList) Insert(id uuid.UUID, nicr fpmath.Amount) error {
	if _, ok := sl.index[id]; ok {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	path := sl.path(nicr, id)

	h := sl.randomHeight()
	if h > sl.height {
		for i := sl.height; i < h; i++ {
			path[i] = sl.head
		}
		sl.height = h
	}

	n := &node{id: id, nicr: nicr, next: make([]*node, h)}
	for i := 0; i < h; i++ {
		n.next[i] = path[i].next[i]
		path[i].next[i] = n
	}
	sl.index[id] = n
	sl.length++
	return nil
}

// Remove deletes a trove.
func (sl *SkipList) Remove(id uuid.UUID) error {
	n, ok := sl.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	path := sl.path(n.nicr, n.id)
	for i := 0; i < len(n.next); i++ {
		if path[i].next[i] == n {
			path[i].next[i] = n.next[i]
		}
	}
	for sl.height > 1 && sl.head.next[sl.height-1] == nil {
		sl.height--
	}
	delete(sl.index, id)
	sl.length--
	return nil
}

// Reinsert moves a trove to its new NICR.
func (sl *SkipList) Reinsert(id uuid.UUID, nicr fpmath.Amount) error {
	if err := sl.Remove(id); err != nil {
		return err
	}
	return sl.Insert(id, nicr)
}

// Head returns the trove with the lowest NICR.
func (sl *SkipList) Head() (uuid.UUID, bool) {
	first := sl.head.next[0]
	if first == nil {
		return uuid.Nil, false
	}
	return first.id, true
}

// Next returns the trove following id in ascending NICR order.
func (sl *SkipList) Next(id uuid.UUID) (uuid.UUID, bool) {
	n, ok := sl.index[id]
	if !ok || n.next[0] == nil {
		return uuid.Nil, false
	}
	return n.next[0].id, true
}

// Contains reports whether a trove is listed.
func (sl *SkipList) Contains(id uuid.UUID) bool {
	_, ok := sl.index[id]
	return ok
}

// NICR returns the key a trove is currently listed under.
func (sl *SkipList) NICR(id uuid.UUID) (fpmath.Amount, bool) {
	n, ok := sl.index[id]
	if !ok {
		return fpmath.Zero(), false
	}
	return n.nicr, true
}

func (sl *SkipList) Len() int { return sl.length }

// Reset empties the list.
func (sl *SkipList) Reset() {
	sl.head = &node{next: make([]*node, MaxLevel)}
	sl.height = 1
	sl.length = 0
	sl.index = make(map[uuid.UUID]*node)
}
