package server

import (
	"context"
	"fmt"
	"net"
	"path"
	"time"

	"TroveLedger/internal/observability"
	"TroveLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "troveledger.v1.Ledger"

// CallerHeader names the caller for per-caller rate limits, as gRPC
// metadata or an HTTP header.
const CallerHeader = "x-caller"

// LedgerServer is the handler type registered under ServiceName.
type LedgerServer interface {
	GetTrove(context.Context, *OwnerRequest) (*query.TroveResponse, error)
	GetTroves(context.Context, *OwnersRequest) (*TrovesResponse, error)
	GetDeposit(context.Context, *OwnerRequest) (*query.DepositResponse, error)
	GetPool(context.Context, *Empty) (*query.PoolResponse, error)
	GetBalances(context.Context, *OwnerRequest) (*query.BalanceResponse, error)
	ListLiquidations(context.Context, *PageRequest) (*LiquidationsResponse, error)
	ListJournals(context.Context, *PageRequest) (*JournalsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetLiveTrove(context.Context, *OwnerRequest) (*query.LiveTrove, error)
	GetLiveDeposit(context.Context, *OwnerRequest) (*query.LiveDeposit, error)
	GetSystemStatus(context.Context, *Empty) (*query.SystemStatus, error)
	SubmitCommand(context.Context, *CommandRequest) (*SubmitResponse, error)
	SubmitPrice(context.Context, *PriceRequest) (*SubmitResponse, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfo, error)
}

var _ LedgerServer = (*LedgerService)(nil)

// unary adapts a LedgerService method to a grpc.MethodDesc.
func unary[Req, Resp any](name string, call func(*LedgerService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(*LedgerService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(svc, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetTrove", (*LedgerService).GetTrove),
		unary("GetTroves", (*LedgerService).GetTroves),
		unary("GetDeposit", (*LedgerService).GetDeposit),
		unary("GetPool", (*LedgerService).GetPool),
		unary("GetBalances", (*LedgerService).GetBalances),
		unary("ListLiquidations", (*LedgerService).ListLiquidations),
		unary("ListJournals", (*LedgerService).ListJournals),
		unary("VerifyIntegrity", (*LedgerService).VerifyIntegrity),
		unary("GetLiveTrove", (*LedgerService).GetLiveTrove),
		unary("GetLiveDeposit", (*LedgerService).GetLiveDeposit),
		unary("GetSystemStatus", (*LedgerService).GetSystemStatus),
		unary("SubmitCommand", (*LedgerService).SubmitCommand),
		unary("SubmitPrice", (*LedgerService).SubmitPrice),
		unary("TakeSnapshot", (*LedgerService).TakeSnapshot),
		unary("GetEventLogInfo", (*LedgerService).GetEventLogInfo),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "troveledger/v1/ledger",
}

// GRPCServer serves the ledger service and the standard health service.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

func NewGRPCServer(addr string, svc *LedgerService, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(metrics)))
	grpcServer.RegisterService(&ledgerServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{
		grpcServer: grpcServer,
		health:     healthServer,
		addr:       addr,
		logger:     logger.With().Str("component", "grpc").Logger(),
	}
}

// SetServing flips the health status once recovery completes.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

func metricsInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		recordCall(metrics, path.Base(info.FullMethod), start, err)
		return resp, err
	}
}

func recordCall(metrics *observability.Metrics, endpoint string, start time.Time, err error) {
	if metrics == nil {
		return
	}
	code := status.Code(err)
	metrics.QueryRequests.WithLabelValues(endpoint, code.String()).Inc()
	metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
	}
}

// callerFromContext names the caller by the x-caller metadata, falling back
// to the peer address.
func callerFromContext(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CallerHeader); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "anonymous"
}
