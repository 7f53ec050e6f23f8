package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/oracle"
	"TroveLedger/internal/sortedtroves"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// indexSeed fixes the skip list's level draws so replays build the same shape.
const indexSeed = 1

// DefaultConservationInterval is how often (in sequences) the core walks every
// trove and deposit to prove claims never exceed system totals.
const DefaultConservationInterval = 1000

// Outcome classifies an accepted event.
type Outcome string

const (
	OutcomeApplied            Outcome = "applied"
	OutcomePriceAccepted      Outcome = "price_accepted"
	OutcomeNothingToLiquidate Outcome = "nothing_to_liquidate"
)

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	custody           *ledger.Custody
	feed              *oracle.Feed
	protocol          *state.Protocol
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	conservationInterval int64
	replaying            bool
	replayEmits          bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	Receipt    *state.Receipt
	Outcome    Outcome
	StateDelta []byte

	// Copies taken after commit, safe to read from other goroutines.
	Troves   []TroveView
	Deposits []DepositView
	Pool     PoolView
}

// TroveView is a touched trove after the event. Trove is nil when the
// record no longer exists.
type TroveView struct {
	Owner uuid.UUID
	Trove *state.Trove
}

// DepositView is a touched deposit after the event, with its live values.
// Deposit is nil once fully withdrawn.
type DepositView struct {
	Owner      uuid.UUID
	Deposit    *state.Deposit
	Compounded fpmath.Amount
	Gain       fpmath.Amount
}

// PoolView is the protocol-wide state after the event.
type PoolView struct {
	P             fpmath.Amount `json:"p"`
	S             fpmath.Amount `json:"s"`
	Epoch         uint64        `json:"epoch"`
	Scale         uint64        `json:"scale"`
	TotalDeposits fpmath.Amount `json:"total_deposits"`
	CollBalance   fpmath.Amount `json:"coll_balance"`
	LColl         fpmath.Amount `json:"l_coll"`
	LDebt         fpmath.Amount `json:"l_debt"`
	DefaultColl   fpmath.Amount `json:"default_coll"`
	DefaultDebt   fpmath.Amount `json:"default_debt"`
	SystemColl    fpmath.Amount `json:"system_coll"`
	SystemDebt    fpmath.Amount `json:"system_debt"`
	ActiveTroves  int           `json:"active_troves"`
	TotalStakes   fpmath.Amount `json:"total_stakes"`
	Price         fpmath.Amount `json:"price"`
	PriceSequence int64         `json:"price_sequence"`
}

// Options configure a core. Zero values fall back to defaults.
type Options struct {
	Params               state.Params
	IdempotencyCapacity  int
	ConservationInterval int64
	DBChecker            DBIdempotencyChecker
	Metrics              *observability.Metrics
	Logger               *zerolog.Logger

	// ReplayEmits sends replayed events to the output channels, used to
	// rebuild projections from the log.
	ReplayEmits bool
}

func NewDeterministicCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	opts Options,
) (*DeterministicCore, error) {
	if opts.IdempotencyCapacity <= 0 {
		opts.IdempotencyCapacity = 1_000_000
	}
	if opts.ConservationInterval <= 0 {
		opts.ConservationInterval = DefaultConservationInterval
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	custody := ledger.NewCustody()
	feed := oracle.NewFeed(opts.Params.MaxPriceAge)
	protocol, err := state.NewProtocol(opts.Params, feed, sortedtroves.New(indexSeed), custody)
	if err != nil {
		return nil, err
	}

	return &DeterministicCore{
		sequence:             startSequence,
		hasher:               NewStateHasher(),
		custody:              custody,
		feed:                 feed,
		protocol:             protocol,
		idempotency:          NewIdempotencyChecker(opts.IdempotencyCapacity, opts.DBChecker, opts.Metrics),
		sequenceValidator:    NewSequenceValidator(opts.Metrics),
		metrics:              opts.Metrics,
		logger:               logger,
		conservationInterval: opts.ConservationInterval,
		replayEmits:          opts.ReplayEmits,
		persistChan:          persistChan,
		projectionChan:       projectionChan,
	}, nil
}

// ProcessEvent is the main processing pipeline. A returned error means the
// event was rejected with no effect. Invariant breaks after commit panic:
// the process must stop before anything else is persisted.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier). Logged events are unique, so
	// replay skips it.
	var isDuplicate bool
	if !c.replaying {
		dup, err := c.idempotency.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			c.reject(eventType, "dedup_unavailable")
			return fmt.Errorf("%w: %w", state.ErrExternalDependency, err)
		}
		isDuplicate = dup
	}

	// Step 2: Sequence validation. Price updates tolerate gaps and silently
	// drop stale sequences.
	partition := evt.Partition()
	if evt.EventType() == event.EventTypePriceUpdate {
		if !isDuplicate && !c.sequenceValidator.ValidatePriceSequence(partition, evt.SourceSequence()) {
			c.reject(eventType, "stale_price")
			return nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		c.reject(eventType, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	payload, err := event.Encode(evt)
	if err != nil {
		c.reject(eventType, "encode")
		return fmt.Errorf("encode payload: %w", err)
	}

	// Step 3: Dispatch. Operations validate, check custody projections and
	// only then commit, so an error here leaves no trace.
	op := state.Op{Ref: idempotencyKey, Sequence: c.sequence, At: evt.OccurredAt()}
	receipt, outcome, err := c.dispatchEvent(evt, op)
	if err != nil {
		c.reject(eventType, rejectReason(err))
		if errors.Is(err, state.ErrInvariantViolation) {
			c.logger.Error().Err(err).Str("event_type", eventType).Str("idempotency_key", idempotencyKey).
				Msg("invariant check refused commit")
		}
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4: Post-commit invariants
	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: State digest and hash chain
	hashStart := time.Now()
	var batch *ledger.Batch
	if receipt != nil {
		batch = receipt.Batch
	}
	stateDigest := c.computeStateDigest(receipt)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Timestamp:      evt.OccurredAt(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		Receipt:    receipt,
		Outcome:    outcome,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 6: Emit. Persistence blocks (backpressure); projections drop on
	// full and rebuild from the event log. Replayed events are already stored.
	if !c.replaying || c.replayEmits {
		c.captureViews(&output)
		c.emit(output)
	}

	// Step 7: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordApplied(evt, eventType, output, start)
	return nil
}

func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}
	if c.projectionChan == nil {
		return
	}
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
		}
	}
}

// ReplayEvent re-applies a logged envelope and verifies that the recomputed
// state hash matches the stored one. A mismatch means the log and the code
// disagree and recovery must stop.
func (c *DeterministicCore) ReplayEvent(env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay out of order: expected seq %d, got %d", c.sequence, env.Sequence)
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	// Rejected commands consumed source sequences without reaching the log.
	if env.EventType != event.EventTypePriceUpdate {
		c.sequenceValidator.RestorePartition(env.Partition, env.SourceSequence)
	}

	c.replaying = true
	defer func() { c.replaying = false }()
	if err := c.ProcessEvent(evt); err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}
	if got := c.hasher.GetPrevHash(); got != env.StateHash {
		return fmt.Errorf("replay seq %d: state hash %x, log has %x", env.Sequence, got, env.StateHash)
	}
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrValidation):
		return "validation"
	case errors.Is(err, state.ErrNotFound):
		return "not_found"
	case errors.Is(err, state.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, state.ErrTroveNotBelowThreshold):
		return "not_below_threshold"
	case errors.Is(err, state.ErrPoolStateInconsistent):
		return "pool_inconsistent"
	case errors.Is(err, state.ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, state.ErrExternalDependency):
		return "external"
	default:
		return "other"
	}
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) dispatchEvent(evt event.Event, op state.Op) (*state.Receipt, Outcome, error) {
	var (
		r   state.Receipt
		err error
	)
	switch e := evt.(type) {
	case *event.PriceUpdate:
		if _, err := c.feed.Update(e.Price, e.PriceSequence, e.OccurredAt()); err != nil {
			return nil, "", fmt.Errorf("%w: %w", state.ErrValidation, err)
		}
		return nil, OutcomePriceAccepted, nil
	case *event.OpenTrove:
		r, err = c.protocol.OpenTrove(op, e.Owner, e.Collateral, e.NetDebt)
	case *event.AdjustTrove:
		r, err = c.protocol.AdjustTrove(op, e.Owner, state.Adjustment{
			CollChange:   e.CollChange,
			CollIncrease: e.CollIncrease,
			DebtChange:   e.DebtChange,
			DebtIncrease: e.DebtIncrease,
		})
	case *event.CloseTrove:
		r, err = c.protocol.CloseTrove(op, e.Owner)
	case *event.ApplyPendingRewards:
		r, err = c.protocol.ApplyPendingRewards(op, e.Owner)
	case *event.ProvideToStabilityPool:
		r, err = c.protocol.ProvideToSP(op, e.Depositor, e.Amount)
	case *event.WithdrawFromStabilityPool:
		r, err = c.protocol.WithdrawFromSP(op, e.Depositor, e.Amount)
	case *event.ClaimGainToTrove:
		r, err = c.protocol.ClaimGainToTrove(op, e.Depositor)
	case *event.Liquidate:
		r, err = c.protocol.Liquidate(op, e.Liquidator, e.Owner)
	case *event.LiquidateBatch:
		r, err = c.protocol.LiquidateBatch(op, e.Liquidator, e.MaxCount)
	case *event.LiquidateList:
		r, err = c.protocol.LiquidateList(op, e.Liquidator, e.Owners)
	case *event.TransferTokens:
		r, err = c.protocol.TransferTokens(op, e.From, e.To, e.Amount)
	case *event.ClaimCollSurplus:
		r, err = c.protocol.ClaimCollSurplus(op, e.Owner)
	default:
		return nil, "", fmt.Errorf("%w: unknown event type %T", state.ErrValidation, evt)
	}

	// An empty liquidation call is a valid no-op, logged like any other event.
	if errors.Is(err, state.ErrNothingToLiquidate) {
		return nil, OutcomeNothingToLiquidate, nil
	}
	if err != nil {
		return nil, "", err
	}
	return &r, OutcomeApplied, nil
}

// postCheckInvariants reconciles custody with the protocol totals after
// every commit, and proves conservation periodically.
func (c *DeterministicCore) postCheckInvariants() error {
	if err := c.protocol.CheckReconciliation(); err != nil {
		return fmt.Errorf("post-check reconciliation at seq %d: %w", c.sequence, err)
	}
	if c.sequence > 0 && c.sequence%c.conservationInterval == 0 {
		cons, err := c.protocol.CheckConservation()
		if err != nil {
			return fmt.Errorf("post-check conservation at seq %d: %w", c.sequence, err)
		}
		if c.metrics != nil {
			c.metrics.CollateralDust.Set(cons.CollDust().Decimal().InexactFloat64())
			c.metrics.DepositDust.Set(cons.DepositDust().Decimal().InexactFloat64())
		}
	}
	return nil
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched, every trove and deposit the receipt names, and
// the protocol-wide accumulators.
func (c *DeterministicCore) computeStateDigest(receipt *state.Receipt) []byte {
	digest := make([]byte, 0, 512)

	if receipt != nil && receipt.Batch != nil {
		affected := make(map[ledger.AccountKey]bool)
		for _, j := range receipt.Batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
		accounts := make([]ledger.AccountKey, 0, len(affected))
		for key := range affected {
			accounts = append(accounts, key)
		}
		sort.Slice(accounts, func(i, j int) bool {
			return accounts[i].AccountPath() < accounts[j].AccountPath()
		})
		balances := c.custody.Balances(accounts)
		for _, key := range accounts {
			path := key.AccountPath()
			digest = append(digest, byte(len(path)))
			digest = append(digest, path...)
			b := balances[key]
			digest = append(digest, byte(b.Sign()+1))
			var abs [32]byte
			digest = append(digest, b.FillBytes(abs[:])...)
		}
	}

	if receipt != nil {
		for _, id := range sortedIDs(receipt.Troves) {
			digest = append(digest, id[:]...)
			if t := c.protocol.Troves().GetTrove(id); t != nil {
				digest = append(digest, t.CanonicalBytes()...)
			}
		}
		for _, id := range sortedIDs(receipt.Deposits) {
			digest = append(digest, id[:]...)
			if d := c.protocol.Pool().GetDeposit(id); d != nil {
				digest = append(digest, d.CanonicalBytes()...)
			}
		}
	}

	pool := c.protocol.Pool()
	es := pool.EpochScale()
	lColl, lDebt := c.protocol.Rewards().L()
	stakesSnap, collSnap := c.protocol.Troves().StakeSnapshots()
	oracleState := c.feed.Export()
	for _, a := range []fpmath.Amount{
		pool.P(), pool.Sum(es), pool.TotalDeposits(), pool.CollateralBalance(),
		lColl, lDebt, c.protocol.Troves().TotalStakes(), stakesSnap, collSnap,
		oracleState.Price,
	} {
		b := a.Bytes32()
		digest = append(digest, b[:]...)
	}
	digest = appendInt64LE(digest, int64(es.Epoch))
	digest = appendInt64LE(digest, int64(es.Scale))
	digest = appendInt64LE(digest, oracleState.Sequence)

	return digest
}

func (c *DeterministicCore) captureViews(out *CoreOutput) {
	if r := out.Receipt; r != nil {
		for _, owner := range r.Troves {
			out.Troves = append(out.Troves, TroveView{Owner: owner, Trove: c.protocol.Troves().GetTrove(owner)})
		}
		pool := c.protocol.Pool()
		for _, owner := range r.Deposits {
			out.Deposits = append(out.Deposits, DepositView{
				Owner:      owner,
				Deposit:    pool.GetDeposit(owner),
				Compounded: pool.CompoundedDeposit(owner),
				Gain:       pool.CollateralGain(owner),
			})
		}
	}
	out.Pool = c.PoolView()
}

// PoolView is the current pool and system state. Callers off the core
// goroutine go through Runner.Inspect.
func (c *DeterministicCore) PoolView() PoolView {
	tm := c.protocol.Troves()
	pool := c.protocol.Pool()
	es := pool.EpochScale()
	lColl, lDebt := c.protocol.Rewards().L()
	defColl, defDebt := c.protocol.Rewards().DefaultPool()
	sysColl, sysDebt := tm.SystemTotals()
	oracleState := c.feed.Export()
	return PoolView{
		P:             pool.P(),
		S:             pool.Sum(es),
		Epoch:         es.Epoch,
		Scale:         es.Scale,
		TotalDeposits: pool.TotalDeposits(),
		CollBalance:   pool.CollateralBalance(),
		LColl:         lColl,
		LDebt:         lDebt,
		DefaultColl:   defColl,
		DefaultDebt:   defDebt,
		SystemColl:    sysColl,
		SystemDebt:    sysDebt,
		ActiveTroves:  tm.ActiveCount(),
		TotalStakes:   tm.TotalStakes(),
		Price:         oracleState.Price,
		PriceSequence: oracleState.Sequence,
	}
}

func sortedIDs(ids []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), ids...)
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (c *DeterministicCore) recordApplied(evt event.Event, eventType string, out CoreOutput, start time.Time) {
	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.CoreEventsApplied.WithLabelValues(eventType).Inc()
	m.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence))
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}

	switch evt.(type) {
	case *event.Liquidate, *event.LiquidateBatch, *event.LiquidateList:
		m.LiquidationCalls.WithLabelValues(eventType, string(out.Outcome)).Inc()
		if out.Receipt != nil && out.Receipt.Liquidation != nil {
			res := out.Receipt.Liquidation
			m.TrovesLiquidated.WithLabelValues(eventType).Add(float64(len(res.Liquidated)))
			m.DebtOffset.Add(res.Totals.DebtOffset.Decimal().InexactFloat64())
			m.DebtRedistributed.Add(res.Totals.DebtRedistributed.Decimal().InexactFloat64())
			m.CollToStabilityPool.Add(res.Totals.CollToStabilityPool.Decimal().InexactFloat64())
			m.CollRedistributed.Add(res.Totals.CollRedistributed.Decimal().InexactFloat64())
			if res.PoolReset {
				m.PoolEpochResets.Inc()
			}
			if res.ScaleBump {
				m.PoolScaleBumps.Inc()
			}
		}
	}

	tm := c.protocol.Troves()
	pool := c.protocol.Pool()
	coll, debt := tm.SystemTotals()
	defColl, defDebt := c.protocol.Rewards().DefaultPool()
	es := pool.EpochScale()
	m.ActiveTroves.Set(float64(tm.ActiveCount()))
	m.SystemCollateral.Set(coll.Decimal().InexactFloat64())
	m.SystemDebt.Set(debt.Decimal().InexactFloat64())
	m.DefaultPoolColl.Set(defColl.Decimal().InexactFloat64())
	m.DefaultPoolDebt.Set(defDebt.Decimal().InexactFloat64())
	m.PoolDeposits.Set(pool.TotalDeposits().Decimal().InexactFloat64())
	m.PoolCollateral.Set(pool.CollateralBalance().Decimal().InexactFloat64())
	m.PoolP.Set(pool.P().Decimal().InexactFloat64())
	m.PoolEpoch.Set(float64(es.Epoch))
	m.PoolScale.Set(float64(es.Scale))
	if price, err := c.feed.GetPrice(evt.OccurredAt()); err == nil {
		m.OraclePrice.Set(price.Decimal().InexactFloat64())
		tcr := tm.TCR(price)
		m.SystemTCR.Set(tcr.Decimal().InexactFloat64())
		recovery := 0.0
		if tm.IsRecoveryMode(price) {
			recovery = 1
		}
		m.RecoveryMode.Set(recovery)
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       [32]byte              `json:"state_hash"`
	Protocol        state.Snapshot        `json:"protocol"`
	Balances        []ledger.BalanceEntry `json:"balances"`
	Oracle          oracle.State          `json:"oracle"`
	SequenceState   map[string]int64      `json:"sequence_state"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// It must be called on a freshly constructed core, before any event.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.protocol.Restore(snap.Protocol); err != nil {
		return fmt.Errorf("restore protocol: %w", err)
	}
	c.custody.Restore(snap.Balances)
	c.feed.Restore(snap.Oracle)
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	if err := c.protocol.CheckReconciliation(); err != nil {
		return fmt.Errorf("snapshot does not reconcile: %w", err)
	}
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// ExpectedSourceSequence is the next source sequence a partition accepts.
func (c *DeterministicCore) ExpectedSourceSequence(partition string) int64 {
	return c.sequenceValidator.GetExpectedSequence(partition)
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// Protocol exposes the accounting core for read-only inspection. Callers on
// other goroutines must not touch it while the core is running.
func (c *DeterministicCore) Protocol() *state.Protocol {
	return c.protocol
}

// Custody exposes the balance ledger, with the same caveat as Protocol.
func (c *DeterministicCore) Custody() *ledger.Custody {
	return c.custody
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Protocol:        c.protocol.Export(),
		Balances:        c.custody.Snapshot(),
		Oracle:          c.feed.Export(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
