package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/observability"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// AdminSource is the command source of operator-submitted commands.
const AdminSource = "admin"

// ErrRateLimited is returned when a caller exceeds its submission rate.
var ErrRateLimited = errors.New("ingest: rate limit exceeded")

// RateLimit bounds submissions per caller.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Ticket identifies one admin submission in logs and responses.
type Ticket struct {
	ID       int64 `json:"ticket"`
	Sequence int64 `json:"sequence"` // next global sequence after the event
}

// AdminIngestService injects commands and prices submitted over gRPC. NATS
// remains the high-throughput path; admin commands are sequenced by the
// core runner on their own partition and answered synchronously.
type AdminIngestService struct {
	submissions chan<- core.Submission
	node        *snowflake.Node
	limit       RateLimit
	metrics     *observability.Metrics
	logger      zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewAdminIngestService(
	submissions chan<- core.Submission,
	nodeID int64,
	limit RateLimit,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*AdminIngestService, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	if limit.PerSecond <= 0 {
		limit.PerSecond = 1
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &AdminIngestService{
		submissions: submissions,
		node:        node,
		limit:       limit,
		metrics:     metrics,
		logger:      logger.With().Str("component", "admin_ingest").Logger(),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// SubmitCommand applies an admin command. Its source sequence is assigned
// by the runner, so callers leave it zero.
func (s *AdminIngestService) SubmitCommand(ctx context.Context, caller string, cmd event.Command) (Ticket, error) {
	if cmd.Partition() != event.CommandPartition(AdminSource) {
		return Ticket{}, fmt.Errorf("ingest: admin commands must use source %q, got partition %s", AdminSource, cmd.Partition())
	}
	return s.submit(ctx, caller, cmd, true)
}

// SubmitPrice applies an operator price. The caller supplies the oracle
// sequence; stale sequences are accepted and ignored by the core.
func (s *AdminIngestService) SubmitPrice(ctx context.Context, caller string, p *event.PriceUpdate) (Ticket, error) {
	if p.Price.IsZero() {
		return Ticket{}, errors.New("ingest: price must be positive")
	}
	return s.submit(ctx, caller, p, false)
}

func (s *AdminIngestService) submit(ctx context.Context, caller string, evt event.Event, stamp bool) (Ticket, error) {
	if !s.limiter(caller).Allow() {
		if s.metrics != nil {
			s.metrics.IngestRateLimited.WithLabelValues(caller).Inc()
		}
		return Ticket{}, ErrRateLimited
	}

	ticket := Ticket{ID: s.node.Generate().Int64()}
	start := time.Now()
	result := make(chan core.SubmitResult, 1)

	select {
	case s.submissions <- core.Submission{Event: evt, Stamp: stamp, Result: result}:
	case <-ctx.Done():
		return ticket, ctx.Err()
	}

	var res core.SubmitResult
	select {
	case res = <-result:
	case <-ctx.Done():
		// Already queued: the core still applies it.
		return ticket, ctx.Err()
	}

	if s.metrics != nil {
		s.metrics.IngestToApply.WithLabelValues(evt.EventType().String()).Observe(time.Since(start).Seconds())
	}
	ticket.Sequence = res.Sequence
	err := res.Err

	log := s.logger.Info()
	if err != nil {
		log = s.logger.Warn().Err(err)
	}
	log.Int64("ticket", ticket.ID).
		Str("caller", caller).
		Str("event_type", evt.EventType().String()).
		Str("idempotency_key", evt.IdempotencyKey()).
		Msg("admin submission")
	return ticket, err
}

func (s *AdminIngestService) limiter(caller string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[caller]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.limit.PerSecond), s.limit.Burst)
		s.limiters[caller] = l
	}
	return l
}
