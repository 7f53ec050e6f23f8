package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates the read-model tables from core outputs. The
// projection channel drops when full, so projections are eventually
// consistent and rebuilt from the event log when they fall behind.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64

	invalidator Invalidator
}

// Invalidator is told which owners a committed output rewrote, so read
// caches can drop them.
type Invalidator interface {
	InvalidateOwners(ctx context.Context, owners []uuid.UUID) error
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "projection").Logger(),
		lastSeq:   -1,
	}
}

// InvalidateWith registers a cache to notify after each commit.
func (pw *ProjectionWorker) InvalidateWith(inv Invalidator) {
	pw.invalidator = inv
}

// Run applies outputs until the channel closes or ctx is cancelled.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if seq, err := LoadWatermark(ctx, pw.db); err != nil {
		pw.logger.Warn().Err(err).Msg("watermark unavailable, starting from channel")
	} else {
		pw.lastSeq = seq
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.Apply(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
			}
		}
	}
}

// Apply writes one output's effects in a single transaction. Outputs at or
// below the watermark are skipped.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	if seq <= pw.lastSeq {
		return nil
	}
	if pw.lastSeq >= 0 && seq != pw.lastSeq+1 && pw.metrics != nil {
		pw.metrics.ProjectionDrops.WithLabelValues("gap").Inc()
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		name string
		fn   func(context.Context, *sql.Tx, core.CoreOutput) error
	}{
		{"balances", applyBalances},
		{"troves", applyTroves},
		{"deposits", applyDeposits},
		{"pool_state", applyPool},
		{"liquidations", applyLiquidations},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.fn(ctx, tx, out); err != nil {
			return fmt.Errorf("%s projection: %w", step.name, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(step.name).Observe(time.Since(start).Seconds())
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	pw.lastSeq = seq
	pw.invalidate(ctx, out)
	return nil
}

func (pw *ProjectionWorker) invalidate(ctx context.Context, out core.CoreOutput) {
	if pw.invalidator == nil {
		return
	}
	owners := make([]uuid.UUID, 0, len(out.Troves)+len(out.Deposits))
	for _, v := range out.Troves {
		owners = append(owners, v.Owner)
	}
	for _, v := range out.Deposits {
		owners = append(owners, v.Owner)
	}
	if err := pw.invalidator.InvalidateOwners(ctx, owners); err != nil {
		pw.logger.Debug().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("cache invalidation failed")
	}
}

func applyBalances(ctx context.Context, tx *sql.Tx, out core.CoreOutput) error {
	if out.Batch == nil {
		return nil
	}
	seq := out.Envelope.Sequence
	for _, d := range BalanceDeltas(out.Batch) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3::numeric, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
		`, d.AccountPath, d.AssetID, d.Delta.String(), seq); err != nil {
			return err
		}
	}
	return nil
}

func applyTroves(ctx context.Context, tx *sql.Tx, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	for _, v := range out.Troves {
		if v.Trove == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projections.troves WHERE owner = $1`, v.Owner); err != nil {
				return err
			}
			continue
		}
		t := v.Trove
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.troves
				(owner, status, collateral, debt, stake, l_coll, l_debt, version, last_sequence, updated_at)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)
			ON CONFLICT (owner) DO UPDATE SET
				status = $2, collateral = $3::numeric, debt = $4::numeric, stake = $5::numeric,
				l_coll = $6::numeric, l_debt = $7::numeric, version = $8, last_sequence = $9, updated_at = $10
		`, v.Owner, t.Status.String(), t.Collateral.Raw(), t.Debt.Raw(), t.Stake.Raw(),
			t.Snapshot.Collateral.Raw(), t.Snapshot.Debt.Raw(), t.Version, seq, out.Envelope.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func applyDeposits(ctx context.Context, tx *sql.Tx, out core.CoreOutput) error {
	seq := out.Envelope.Sequence
	for _, v := range out.Deposits {
		if v.Deposit == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM projections.deposits WHERE owner = $1`, v.Owner); err != nil {
				return err
			}
			continue
		}
		d := v.Deposit
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.deposits
				(owner, initial, snapshot_p, snapshot_s, epoch, scale, compounded, gain, last_sequence, updated_at)
			VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5, $6, $7::numeric, $8::numeric, $9, $10)
			ON CONFLICT (owner) DO UPDATE SET
				initial = $2::numeric, snapshot_p = $3::numeric, snapshot_s = $4::numeric,
				epoch = $5, scale = $6, compounded = $7::numeric, gain = $8::numeric,
				last_sequence = $9, updated_at = $10
		`, v.Owner, d.Initial.Raw(), d.Snapshot.P.Raw(), d.Snapshot.S.Raw(), d.Snapshot.Epoch, d.Snapshot.Scale,
			v.Compounded.Raw(), v.Gain.Raw(), seq, out.Envelope.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

func applyPool(ctx context.Context, tx *sql.Tx, out core.CoreOutput) error {
	p := out.Pool
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_state
			(id, p, s, epoch, scale, total_deposits, coll_balance, l_coll, l_debt,
			 default_coll, default_debt, system_coll, system_debt, active_troves,
			 total_stakes, price, price_sequence, last_sequence, updated_at)
		VALUES (1, $1::numeric, $2::numeric, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13,
			$14::numeric, $15::numeric, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			p = EXCLUDED.p, s = EXCLUDED.s, epoch = EXCLUDED.epoch, scale = EXCLUDED.scale,
			total_deposits = EXCLUDED.total_deposits, coll_balance = EXCLUDED.coll_balance,
			l_coll = EXCLUDED.l_coll, l_debt = EXCLUDED.l_debt,
			default_coll = EXCLUDED.default_coll, default_debt = EXCLUDED.default_debt,
			system_coll = EXCLUDED.system_coll, system_debt = EXCLUDED.system_debt,
			active_troves = EXCLUDED.active_troves, total_stakes = EXCLUDED.total_stakes,
			price = EXCLUDED.price, price_sequence = EXCLUDED.price_sequence,
			last_sequence = EXCLUDED.last_sequence, updated_at = EXCLUDED.updated_at
	`, p.P.Raw(), p.S.Raw(), p.Epoch, p.Scale, p.TotalDeposits.Raw(), p.CollBalance.Raw(),
		p.LColl.Raw(), p.LDebt.Raw(), p.DefaultColl.Raw(), p.DefaultDebt.Raw(),
		p.SystemColl.Raw(), p.SystemDebt.Raw(), p.ActiveTroves, p.TotalStakes.Raw(),
		p.Price.Raw(), p.PriceSequence, out.Envelope.Sequence, out.Envelope.Timestamp)
	return err
}

func applyLiquidations(ctx context.Context, tx *sql.Tx, out core.CoreOutput) error {
	if out.Receipt == nil || out.Receipt.Liquidation == nil {
		return nil
	}
	res := out.Receipt.Liquidation
	mode := liquidationMode(out.Envelope.EventType)
	for _, lt := range res.Liquidated {
		if err := insertLiquidation(ctx, tx, out.Envelope, mode, res, lt); err != nil {
			return err
		}
	}
	return nil
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, env *event.EventEnvelope, mode string, res *state.LiquidationResult, lt state.LiquidatedTrove) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, owner, liquidator, mode, collateral, debt, coll_gas_comp, debt_offset,
			 coll_to_sp, debt_redistributed, coll_redistributed, coll_surplus, price, occurred_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric, $14)
		ON CONFLICT (sequence, owner) DO NOTHING
	`, env.Sequence, lt.Owner, res.Liquidator, mode, lt.Collateral.Raw(), lt.Debt.Raw(),
		lt.CollGasCompensation.Raw(), lt.DebtOffset.Raw(), lt.CollToStabilityPool.Raw(),
		lt.DebtRedistributed.Raw(), lt.CollRedistributed.Raw(), lt.CollSurplus.Raw(), res.Price.Raw(), env.Timestamp)
	return err
}

func liquidationMode(et event.EventType) string {
	switch et {
	case event.EventTypeLiquidateBatch:
		return "batch"
	case event.EventTypeLiquidateList:
		return "list"
	default:
		return "single"
	}
}

// LoadWatermark returns the last projected sequence, or -1.
func LoadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID).Scan(&seq)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}
