package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Messages ---

type Empty struct{}

type OwnerRequest struct {
	Owner string `json:"owner"`
}

type OwnersRequest struct {
	Owners []string `json:"owners"`
}

type PageRequest struct {
	Owner          string `json:"owner,omitempty"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type TrovesResponse struct {
	Troves []query.TroveResponse `json:"troves"`
}

type LiquidationsResponse struct {
	Liquidations []query.LiquidationRecord `json:"liquidations"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// CommandRequest carries a command in its NATS wire format. Kind is the
// subject kind ("open_trove", "liquidate_batch", ...). The payload's source
// must be "admin"; its sequence is assigned by the core.
type CommandRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// PriceRequest is a price in the NATS wire format.
type PriceRequest = json.RawMessage

type SubmitResponse struct {
	Ticket   int64 `json:"ticket"`
	Sequence int64 `json:"sequence"`
}

type SnapshotResponse struct {
	Sequence  int64  `json:"sequence"`
	StateHash string `json:"state_hash"`
	Verified  bool   `json:"verified"`
}

type EventLogInfo struct {
	LastPersisted int64 `json:"last_persisted_sequence"`
	CoreSequence  int64 `json:"core_sequence"`
}

// SnapshotStore checkpoints core snapshots and reports the event log tip.
type SnapshotStore interface {
	Checkpoint(ctx context.Context, snap *core.SnapshotState, wait time.Duration) (bool, error)
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Deps wires the service. Nil Live, Ingest, Runner or Snapshots disable the
// endpoints that need them.
type Deps struct {
	Reader    query.Reader
	Live      *query.LiveReader
	Ingest    *ingestion.AdminIngestService
	Runner    *core.Runner
	Snapshots SnapshotStore
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// LedgerService implements the query, live, ingest and admin endpoints
// shared by the gRPC server and the HTTP gateway.
type LedgerService struct {
	deps   Deps
	logger zerolog.Logger
}

func NewLedgerService(deps Deps) *LedgerService {
	return &LedgerService{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "server").Logger(),
	}
}

// --- Projection reads ---

func (s *LedgerService) GetTrove(ctx context.Context, req *OwnerRequest) (*query.TroveResponse, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	t, err := s.deps.Reader.GetTrove(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	s.observeLag("GetTrove", t.AsOfSequence)
	return t, nil
}

func (s *LedgerService) GetTroves(ctx context.Context, req *OwnersRequest) (*TrovesResponse, error) {
	if len(req.Owners) == 0 {
		return nil, status.Error(codes.InvalidArgument, "owners is required")
	}
	owners := make([]uuid.UUID, 0, len(req.Owners))
	for _, o := range req.Owners {
		id, err := parseOwner(o)
		if err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	troves, err := s.deps.Reader.GetTroves(ctx, owners)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TrovesResponse{Troves: troves}, nil
}

func (s *LedgerService) GetDeposit(ctx context.Context, req *OwnerRequest) (*query.DepositResponse, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	d, err := s.deps.Reader.GetDeposit(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	s.observeLag("GetDeposit", d.AsOfSequence)
	return d, nil
}

func (s *LedgerService) GetPool(ctx context.Context, _ *Empty) (*query.PoolResponse, error) {
	p, err := s.deps.Reader.GetPool(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	s.observeLag("GetPool", p.AsOfSequence)
	return p, nil
}

func (s *LedgerService) GetBalances(ctx context.Context, req *OwnerRequest) (*query.BalanceResponse, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	b, err := s.deps.Reader.GetBalances(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	s.observeLag("GetBalances", b.AsOfSequence)
	return b, nil
}

func (s *LedgerService) ListLiquidations(ctx context.Context, req *PageRequest) (*LiquidationsResponse, error) {
	var owner *uuid.UUID
	if req.Owner != "" {
		id, err := parseOwner(req.Owner)
		if err != nil {
			return nil, err
		}
		owner = &id
	}
	recs, err := s.deps.Reader.GetLiquidations(ctx, owner, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &LiquidationsResponse{Liquidations: recs}, nil
}

func (s *LedgerService) ListJournals(ctx context.Context, req *PageRequest) (*JournalsResponse, error) {
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	entries, err := s.deps.Reader.GetJournalHistory(ctx, owner, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: entries}, nil
}

func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.deps.Reader.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	if !report.IsHealthy {
		s.logger.Error().
			Ints64("hash_chain_breaks", report.HashChainBreaks).
			Int("unbalanced_assets", len(report.UnbalancedAssets)).
			Msg("integrity check failed")
	}
	return report, nil
}

// --- Live reads ---

func (s *LedgerService) GetLiveTrove(ctx context.Context, req *OwnerRequest) (*query.LiveTrove, error) {
	if s.deps.Live == nil {
		return nil, unavailable("live reads")
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	t, err := s.deps.Live.Trove(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return t, nil
}

func (s *LedgerService) GetLiveDeposit(ctx context.Context, req *OwnerRequest) (*query.LiveDeposit, error) {
	if s.deps.Live == nil {
		return nil, unavailable("live reads")
	}
	owner, err := parseOwner(req.Owner)
	if err != nil {
		return nil, err
	}
	d, err := s.deps.Live.Deposit(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return d, nil
}

func (s *LedgerService) GetSystemStatus(ctx context.Context, _ *Empty) (*query.SystemStatus, error) {
	if s.deps.Live == nil {
		return nil, unavailable("live reads")
	}
	st, err := s.deps.Live.System(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

// --- Ingest ---

func (s *LedgerService) SubmitCommand(ctx context.Context, req *CommandRequest) (*SubmitResponse, error) {
	if s.deps.Ingest == nil {
		return nil, unavailable("admin ingest")
	}
	cmd, err := ingestion.ParseCommand(req.Kind, req.Payload)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ticket, err := s.deps.Ingest.SubmitCommand(ctx, callerFromContext(ctx), cmd)
	if err != nil {
		return nil, submitStatus(err)
	}
	return &SubmitResponse{Ticket: ticket.ID, Sequence: ticket.Sequence}, nil
}

func (s *LedgerService) SubmitPrice(ctx context.Context, req *PriceRequest) (*SubmitResponse, error) {
	if s.deps.Ingest == nil {
		return nil, unavailable("admin ingest")
	}
	p, err := ingestion.ParsePrice(*req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ticket, err := s.deps.Ingest.SubmitPrice(ctx, callerFromContext(ctx), p)
	if err != nil {
		return nil, submitStatus(err)
	}
	return &SubmitResponse{Ticket: ticket.ID, Sequence: ticket.Sequence}, nil
}

// --- Admin ---

// snapshotWait bounds how long TakeSnapshot waits for the event log to
// reach the snapshot before answering unverified.
const snapshotWait = 5 * time.Second

func (s *LedgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.Runner == nil || s.deps.Snapshots == nil {
		return nil, unavailable("snapshots")
	}
	snap, err := s.deps.Runner.Snapshot(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	verified, err := s.deps.Snapshots.Checkpoint(ctx, snap, snapshotWait)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Bool("verified", verified).Msg("snapshot taken")
	return &SnapshotResponse{
		Sequence:  snap.Sequence,
		StateHash: hex.EncodeToString(snap.StateHash[:]),
		Verified:  verified,
	}, nil
}

func (s *LedgerService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfo, error) {
	if s.deps.Snapshots == nil {
		return nil, unavailable("event log")
	}
	last, err := s.deps.Snapshots.GetLatestSequence(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	info := &EventLogInfo{LastPersisted: last, CoreSequence: -1}
	if s.deps.Runner != nil {
		info.CoreSequence = s.deps.Runner.Sequence()
	}
	return info, nil
}

// observeLag records how many applied events a projection answer trails
// the core by.
func (s *LedgerService) observeLag(endpoint string, asOf int64) {
	if s.deps.Metrics == nil || s.deps.Runner == nil {
		return
	}
	lag := s.deps.Runner.Sequence() - 1 - asOf
	if lag < 0 {
		lag = 0
	}
	s.deps.Metrics.QueryFreshnessLag.WithLabelValues(endpoint).Observe(float64(lag))
}

// --- Helpers ---

func parseOwner(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid owner: %v", err)
	}
	return id, nil
}

func unavailable(what string) error {
	return status.Errorf(codes.Unavailable, "%s not enabled", what)
}

// toStatus maps service errors to gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ingestion.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// submitStatus maps a submission error. Anything not transport related is
// the core rejecting the event.
func submitStatus(err error) error {
	switch {
	case errors.Is(err, ingestion.ErrRateLimited),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return toStatus(err)
	default:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
}
