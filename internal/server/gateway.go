package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"TroveLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// maxBodyBytes bounds POST bodies on the gateway.
const maxBodyBytes = 1 << 20

// Gateway serves the ledger service as HTTP/JSON, next to health and
// metrics endpoints.
type Gateway struct {
	svc     *LedgerService
	mux     *runtime.ServeMux
	handler http.Handler
	metrics *observability.Metrics
	logger  zerolog.Logger

	httpServer *http.Server
}

// NewGateway builds the HTTP routes. health and gatherer may be nil.
func NewGateway(svc *LedgerService, health *observability.HealthChecker, gatherer prometheus.Gatherer, metrics *observability.Metrics, logger zerolog.Logger) (*Gateway, error) {
	g := &Gateway{
		svc:     svc,
		mux:     runtime.NewServeMux(),
		metrics: metrics,
		logger:  logger.With().Str("component", "gateway").Logger(),
	}

	routes := []struct {
		method, pattern, endpoint string
		call                      func(context.Context, *http.Request, map[string]string) (interface{}, error)
	}{
		{"GET", "/v1/troves/{owner}", "GetTrove", func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetTrove(ctx, &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/troves", "GetTroves", func(ctx context.Context, r *http.Request, _ map[string]string) (interface{}, error) {
			return svc.GetTroves(ctx, &OwnersRequest{Owners: r.URL.Query()["owner"]})
		}},
		{"GET", "/v1/deposits/{owner}", "GetDeposit", func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetDeposit(ctx, &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/pool", "GetPool", func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return svc.GetPool(ctx, &Empty{})
		}},
		{"GET", "/v1/balances/{owner}", "GetBalances", func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetBalances(ctx, &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/liquidations", "ListLiquidations", func(ctx context.Context, r *http.Request, _ map[string]string) (interface{}, error) {
			req, err := pageRequest(r, r.URL.Query().Get("owner"))
			if err != nil {
				return nil, err
			}
			return svc.ListLiquidations(ctx, req)
		}},
		{"GET", "/v1/journals/{owner}", "ListJournals", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			req, err := pageRequest(r, p["owner"])
			if err != nil {
				return nil, err
			}
			return svc.ListJournals(ctx, req)
		}},
		{"GET", "/v1/live/troves/{owner}", "GetLiveTrove", func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetLiveTrove(ctx, &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/live/deposits/{owner}", "GetLiveDeposit", func(ctx context.Context, _ *http.Request, p map[string]string) (interface{}, error) {
			return svc.GetLiveDeposit(ctx, &OwnerRequest{Owner: p["owner"]})
		}},
		{"GET", "/v1/live/system", "GetSystemStatus", func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return svc.GetSystemStatus(ctx, &Empty{})
		}},
		{"POST", "/v1/commands/{kind}", "SubmitCommand", func(ctx context.Context, r *http.Request, p map[string]string) (interface{}, error) {
			body, err := readBody(r)
			if err != nil {
				return nil, err
			}
			return svc.SubmitCommand(ctx, &CommandRequest{Kind: p["kind"], Payload: body})
		}},
		{"POST", "/v1/prices", "SubmitPrice", func(ctx context.Context, r *http.Request, _ map[string]string) (interface{}, error) {
			body, err := readBody(r)
			if err != nil {
				return nil, err
			}
			req := PriceRequest(body)
			return svc.SubmitPrice(ctx, &req)
		}},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return svc.VerifyIntegrity(ctx, &Empty{})
		}},
		{"POST", "/v1/admin/snapshots", "TakeSnapshot", func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return svc.TakeSnapshot(ctx, &Empty{})
		}},
		{"GET", "/v1/admin/event-log", "GetEventLogInfo", func(ctx context.Context, _ *http.Request, _ map[string]string) (interface{}, error) {
			return svc.GetEventLogInfo(ctx, &Empty{})
		}},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, g.wrap(rt.endpoint, rt.call)); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	root := http.NewServeMux()
	if health != nil {
		root.HandleFunc("/healthz", health.LivenessHandler)
		root.HandleFunc("/readyz", health.ReadinessHandler)
	}
	if gatherer != nil {
		root.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	root.Handle("/", g.mux)
	g.handler = root
	return g, nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler { return g.handler }

func (g *Gateway) wrap(endpoint string, call func(context.Context, *http.Request, map[string]string) (interface{}, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		ctx := metadata.NewIncomingContext(r.Context(), metadata.Pairs(CallerHeader, httpCaller(r)))

		resp, err := call(ctx, r, params)
		recordCall(g.metrics, endpoint, start, err)
		if err != nil {
			runtime.HTTPError(ctx, g.mux, &runtime.JSONPb{}, w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			g.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("write response")
		}
	}
}

// Start serves HTTP on addr until ctx is done.
func (g *Gateway) Start(ctx context.Context, addr string) error {
	g.httpServer = &http.Server{
		Addr:              addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		g.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.httpServer.Shutdown(shutdownCtx)
	}()

	g.logger.Info().Str("addr", addr).Msg("HTTP gateway listening")
	if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func pageRequest(r *http.Request, owner string) (*PageRequest, error) {
	q := r.URL.Query()
	req := &PageRequest{Owner: owner}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit %q", v)
		}
		req.Limit = n
	}
	if v := q.Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before %q", v)
		}
		req.BeforeSequence = &seq
	}
	return req, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, status.Error(codes.InvalidArgument, "body too large")
	}
	return body, nil
}

func httpCaller(r *http.Request) string {
	if v := r.Header.Get(CallerHeader); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
