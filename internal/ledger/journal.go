package ledger

import (
	"encoding/binary"
	"fmt"

	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeMint JournalType = iota
	JournalTypeBurn
	JournalTypeTransfer
	JournalTypeCollateralMove
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeMint:
		return "MINT"
	case JournalTypeBurn:
		return "BURN"
	case JournalTypeTransfer:
		return "TRANSFER"
	case JournalTypeCollateralMove:
		return "COLLATERAL_MOVE"
	default:
		return "UNKNOWN"
	}
}

// batchNamespace seeds deterministic batch IDs so a replayed event produces
// the same journal rows.
var batchNamespace = uuid.MustParse("7b0f3c9e-5d61-4d8a-9a43-2f6de1c0a8b4")

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string        // Idempotency key of source event
	Sequence      int64         // Global event sequence
	DebitAccount  AccountKey    // Account receiving the asset (balance increases)
	CreditAccount AccountKey    // Account giving the asset (balance decreases)
	AssetID       AssetID       // Asset being moved
	Amount        fpmath.Amount // Always positive
	JournalType   JournalType
	Timestamp     int64 // Input timestamp (epoch microseconds)
}

// Batch is the set of custody movements produced by one operation. It is
// applied all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NewBatch creates an empty batch for an event.
func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(batchNamespace, []byte(eventRef)),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

func (b *Batch) add(debit, credit AccountKey, asset AssetID, amount fpmath.Amount, jt JournalType) {
	if amount.IsZero() {
		return
	}
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(len(b.Journals)))
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, idx[:]),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       asset,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// Mint issues debt tokens into an account.
func (b *Batch) Mint(to AccountKey, amount fpmath.Amount) {
	b.add(to, DebtIssuance(), AssetDebt, amount, JournalTypeMint)
}

// Burn destroys debt tokens held by an account.
func (b *Batch) Burn(from AccountKey, amount fpmath.Amount) {
	b.add(DebtIssuance(), from, AssetDebt, amount, JournalTypeBurn)
}

// Transfer moves debt tokens between accounts.
func (b *Batch) Transfer(from, to AccountKey, amount fpmath.Amount) {
	b.add(to, from, AssetDebt, amount, JournalTypeTransfer)
}

// MoveCollateral moves the collateral asset between accounts.
func (b *Batch) MoveCollateral(from, to AccountKey, amount fpmath.Amount) {
	b.add(to, from, AssetCollateral, amount, JournalTypeCollateralMove)
}

// Len returns the number of journal entries.
func (b *Batch) Len() int { return len(b.Journals) }

// Validate ensures the batch is well-formed. Each journal is a balanced
// transfer by construction, so Σ debits == Σ credits holds per entry.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}
	return nil
}
