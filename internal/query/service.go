package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a projection has no row for the key.
var ErrNotFound = errors.New("query: not found")

// Reader is the read side served over gRPC and HTTP.
type Reader interface {
	GetTrove(ctx context.Context, owner uuid.UUID) (*TroveResponse, error)
	GetTroves(ctx context.Context, owners []uuid.UUID) ([]TroveResponse, error)
	GetDeposit(ctx context.Context, owner uuid.UUID) (*DepositResponse, error)
	GetPool(ctx context.Context) (*PoolResponse, error)
	GetBalances(ctx context.Context, owner uuid.UUID) (*BalanceResponse, error)
	GetLiquidations(ctx context.Context, owner *uuid.UUID, limit int, beforeSequence *int64) ([]LiquidationRecord, error)
	GetJournalHistory(ctx context.Context, owner uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*IntegrityReport, error)
}

var _ Reader = (*QueryService)(nil)

// QueryService provides read-only access to projection tables.
// All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const troveColumns = `owner, status, collateral::text, debt::text, stake::text,
	l_coll::text, l_debt::text, version, updated_at`

// GetTrove returns one trove from the projection.
func (qs *QueryService) GetTrove(ctx context.Context, owner uuid.UUID) (*TroveResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	row := qs.db.QueryRowContext(ctx, `SELECT `+troveColumns+` FROM projections.troves WHERE owner = $1`, owner)
	t, err := scanTrove(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.AsOfSequence = asOfSeq
	return t, nil
}

// GetTroves returns the projected troves of several owners in one round
// trip. Unknown owners are omitted.
func (qs *QueryService) GetTroves(ctx context.Context, owners []uuid.UUID) ([]TroveResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	ids := make([]string, len(owners))
	for i, o := range owners {
		ids[i] = o.String()
	}
	rows, err := qs.db.QueryContext(ctx,
		`SELECT `+troveColumns+` FROM projections.troves WHERE owner = ANY($1::uuid[]) ORDER BY owner`,
		pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var troves []TroveResponse
	for rows.Next() {
		t, err := scanTrove(rows)
		if err != nil {
			return nil, err
		}
		t.AsOfSequence = asOfSeq
		troves = append(troves, *t)
	}
	return troves, rows.Err()
}

// GetDeposit returns a deposit's values as of its last touch.
func (qs *QueryService) GetDeposit(ctx context.Context, owner uuid.UUID) (*DepositResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	var (
		d                         DepositResponse
		initial, compounded, gain string
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT owner, initial::text, compounded::text, gain::text, epoch, scale, updated_at
		FROM projections.deposits WHERE owner = $1
	`, owner).Scan(&d.Owner, &initial, &compounded, &gain, &d.Epoch, &d.Scale, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := parseAmounts(
		amountField{&d.Initial, initial},
		amountField{&d.Compounded, compounded},
		amountField{&d.Gain, gain},
	); err != nil {
		return nil, err
	}
	d.AsOfSequence = asOfSeq
	return &d, nil
}

// GetPool returns the projected pool and system state.
func (qs *QueryService) GetPool(ctx context.Context) (*PoolResponse, error) {
	var (
		p   PoolResponse
		raw [12]string
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT p::text, s::text, epoch, scale, total_deposits::text, coll_balance::text,
		       l_coll::text, l_debt::text, default_coll::text, default_debt::text,
		       system_coll::text, system_debt::text, active_troves, total_stakes::text,
		       price::text, price_sequence, last_sequence
		FROM projections.pool_state WHERE id = 1
	`).Scan(&raw[0], &raw[1], &p.Epoch, &p.Scale, &raw[2], &raw[3],
		&raw[4], &raw[5], &raw[6], &raw[7],
		&raw[8], &raw[9], &p.ActiveTroves, &raw[10],
		&raw[11], &p.PriceSequence, &p.AsOfSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := parseAmounts(
		amountField{&p.P, raw[0]}, amountField{&p.S, raw[1]},
		amountField{&p.TotalDeposits, raw[2]}, amountField{&p.CollBalance, raw[3]},
		amountField{&p.LColl, raw[4]}, amountField{&p.LDebt, raw[5]},
		amountField{&p.DefaultColl, raw[6]}, amountField{&p.DefaultDebt, raw[7]},
		amountField{&p.SystemColl, raw[8]}, amountField{&p.SystemDebt, raw[9]},
		amountField{&p.TotalStakes, raw[10]}, amountField{&p.Price, raw[11]},
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// GetBalances returns every projected ledger account of an owner.
func (qs *QueryService) GetBalances(ctx context.Context, owner uuid.UUID) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance::text, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, ownerPrefix(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalanceResponse{Owner: owner, AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			b       AccountBalance
			assetID uint16
		)
		if err := rows.Scan(&b.AccountPath, &assetID, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
		resp.Accounts = append(resp.Accounts, b)
	}
	return resp, rows.Err()
}

// GetLiquidations returns liquidation records, newest first, optionally for
// one owner. beforeSequence is an exclusive cursor.
func (qs *QueryService) GetLiquidations(ctx context.Context, owner *uuid.UUID, limit int, beforeSequence *int64) ([]LiquidationRecord, error) {
	query := `
		SELECT sequence, owner, liquidator, mode, collateral::text, debt::text,
		       coll_gas_comp::text, debt_offset::text, coll_to_sp::text,
		       debt_redistributed::text, coll_redistributed::text, coll_surplus::text,
		       price::text, occurred_at
		FROM projections.liquidations
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if owner != nil {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, *owner)
		argIdx++
	}
	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC, owner"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LiquidationRecord
	for rows.Next() {
		var (
			r   LiquidationRecord
			raw [9]string
		)
		if err := rows.Scan(&r.Sequence, &r.Owner, &r.Liquidator, &r.Mode,
			&raw[0], &raw[1], &raw[2], &raw[3], &raw[4], &raw[5], &raw[6], &raw[7], &raw[8],
			&r.OccurredAt); err != nil {
			return nil, err
		}
		if err := parseAmounts(
			amountField{&r.Collateral, raw[0]}, amountField{&r.Debt, raw[1]},
			amountField{&r.CollGasComp, raw[2]}, amountField{&r.DebtOffset, raw[3]},
			amountField{&r.CollToSP, raw[4]}, amountField{&r.DebtRedistributed, raw[5]},
			amountField{&r.CollRedistributed, raw[6]}, amountField{&r.CollSurplus, raw[7]},
			amountField{&r.Price, raw[8]},
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetJournalHistory returns journal entries touching an owner's accounts.
func (qs *QueryService) GetJournalHistory(ctx context.Context, owner uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount::text, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{ownerPrefix(owner)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e      JournalHistoryEntry
			amount string
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if e.Amount, err = fpmath.ParseRaw(amount); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report := &IntegrityReport{AsOfSequence: asOfSeq}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrove(row rowScanner) (*TroveResponse, error) {
	var (
		t   TroveResponse
		raw [5]string
	)
	if err := row.Scan(&t.Owner, &t.Status, &raw[0], &raw[1], &raw[2], &raw[3], &raw[4], &t.Version, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := parseAmounts(
		amountField{&t.Collateral, raw[0]}, amountField{&t.Debt, raw[1]},
		amountField{&t.Stake, raw[2]}, amountField{&t.LColl, raw[3]},
		amountField{&t.LDebt, raw[4]},
	); err != nil {
		return nil, err
	}
	return &t, nil
}

type amountField struct {
	dst *fpmath.Amount
	raw string
}

func parseAmounts(fields ...amountField) error {
	for _, f := range fields {
		a, err := fpmath.ParseRaw(f.raw)
		if err != nil {
			return err
		}
		*f.dst = a
	}
	return nil
}

// ownerPrefix matches every user account path of owner.
func ownerPrefix(owner uuid.UUID) string {
	return "user:" + strings.ToLower(owner.String()) + ":%"
}

const maxPageSize = 500

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
