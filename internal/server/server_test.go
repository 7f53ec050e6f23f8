package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"TroveLedger/internal/core"
	"TroveLedger/internal/ingestion"
	"TroveLedger/internal/observability"
	"TroveLedger/internal/query"
	"TroveLedger/internal/server"
	"TroveLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// stubReader answers projection reads from a fixed set of troves.
type stubReader struct {
	query.Reader
	troves map[uuid.UUID]query.TroveResponse
}

func (r *stubReader) GetTrove(_ context.Context, owner uuid.UUID) (*query.TroveResponse, error) {
	t, ok := r.troves[owner]
	if !ok {
		return nil, query.ErrNotFound
	}
	return &t, nil
}

// stubStore records checkpoints and reports them verified.
type stubStore struct {
	saved []*core.SnapshotState
}

func (s *stubStore) Checkpoint(_ context.Context, snap *core.SnapshotState, _ time.Duration) (bool, error) {
	s.saved = append(s.saved, snap)
	return true, nil
}

func (s *stubStore) GetLatestSequence(context.Context) (int64, error) { return 6, nil }

type fixture struct {
	svc     *server.LedgerService
	runner  *core.Runner
	store   *stubStore
	metrics *observability.Metrics
}

// newFixture runs the liquidation scenario and serves the resulting core.
func newFixture(t *testing.T, limit ingestion.RateLimit) *fixture {
	t.Helper()
	c, _ := testutil.NewCore(t)
	var s testutil.Script
	testutil.Apply(t, c, s.Scenario()...)

	subs := make(chan core.Submission)
	r := core.NewRunner(c, nil, subs, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	ingest, err := ingestion.NewAdminIngestService(subs, 1, limit, metrics, zerolog.Nop())
	require.NoError(t, err)

	store := &stubStore{}
	whale := testutil.ID("whale")
	reader := &stubReader{troves: map[uuid.UUID]query.TroveResponse{
		whale: {Owner: whale, Status: "Active", AsOfSequence: 4},
	}}
	svc := server.NewLedgerService(server.Deps{
		Reader:    reader,
		Live:      query.NewLiveReader(r),
		Ingest:    ingest,
		Runner:    r,
		Snapshots: store,
		Metrics:   metrics,
		Logger:    zerolog.Nop(),
	})
	return &fixture{svc: svc, runner: r, store: store, metrics: metrics}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func openPayload(source, owner string) map[string]interface{} {
	return map[string]interface{}{
		"command_id":   uuid.NewString(),
		"source":       source,
		"timestamp_us": testutil.T0.UnixMicro(),
		"owner":        testutil.ID(owner).String(),
		"collateral":   "10",
		"net_debt":     "100",
	}
}

// --- gRPC ---

func dialBufconn(t *testing.T, f *fixture) (*grpc.ClientConn, *server.GRPCServer) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("bufnet", f.svc, f.metrics, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, lis)
	}()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn, srv
}

func invoke(conn *grpc.ClientConn, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Invoke(ctx, "/"+server.ServiceName+"/"+method, req, resp,
		grpc.CallContentSubtype(server.CodecName))
}

func TestGRPC_SystemStatusFromLiveCore(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 100, Burst: 100})
	conn, _ := dialBufconn(t, f)

	var st query.SystemStatus
	require.NoError(t, invoke(conn, "GetSystemStatus", &server.Empty{}, &st))

	assert.Equal(t, int64(7), st.Sequence)
	assert.Equal(t, 1, st.Pool.ActiveTroves, "dave was liquidated")
	assert.True(t, st.Pool.TotalDeposits.IsZero())
	assert.False(t, st.RecoveryMode)
}

func TestGRPC_NotFoundIsCountedAsError(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 100, Burst: 100})
	conn, _ := dialBufconn(t, f)

	var tr query.TroveResponse
	err := invoke(conn, "GetTrove", &server.OwnerRequest{Owner: testutil.ID("nobody").String()}, &tr)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = invoke(conn, "GetTrove", &server.OwnerRequest{Owner: "not-a-uuid"}, &tr)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	require.NoError(t, invoke(conn, "GetTrove", &server.OwnerRequest{Owner: testutil.ID("whale").String()}, &tr))
	assert.Equal(t, "Active", tr.Status)

	assert.Equal(t, 1.0, counterValue(t, f.metrics.QueryErrors.WithLabelValues("GetTrove", "NotFound")))
	assert.Equal(t, 1.0, counterValue(t, f.metrics.QueryRequests.WithLabelValues("GetTrove", "OK")))
}

func TestGRPC_SubmitCommandOpensTrove(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 100, Burst: 100})
	conn, _ := dialBufconn(t, f)

	payload, err := json.Marshal(openPayload(ingestion.AdminSource, "erin"))
	require.NoError(t, err)

	var resp server.SubmitResponse
	require.NoError(t, invoke(conn, "SubmitCommand", &server.CommandRequest{Kind: "open_trove", Payload: payload}, &resp))
	assert.NotZero(t, resp.Ticket)
	assert.Equal(t, int64(8), resp.Sequence)

	var live query.LiveTrove
	require.NoError(t, invoke(conn, "GetLiveTrove", &server.OwnerRequest{Owner: testutil.ID("erin").String()}, &live))
	assert.Equal(t, "Active", live.Status)
}

func TestGRPC_HealthFollowsRecovery(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 100, Burst: 100})
	conn, srv := dialBufconn(t, f)
	client := healthpb.NewHealthClient(conn)
	req := &healthpb.HealthCheckRequest{Service: server.ServiceName}

	resp, err := client.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	srv.SetServing(true)
	resp, err = client.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// --- HTTP gateway ---

func newGateway(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	health := observability.NewHealthChecker()
	health.SetReady(true)
	reg := prometheus.NewRegistry()
	g, err := server.NewGateway(f.svc, health, reg, f.metrics, zerolog.Nop())
	require.NoError(t, err)
	ts := httptest.NewServer(g.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, caller string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(string(data)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(server.CallerHeader, caller)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGateway_ReadsAndStatusCodes(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 100, Burst: 100})
	ts := newGateway(t, f)

	resp := get(t, ts, "/v1/troves/"+testutil.ID("whale").String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr query.TroveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	assert.Equal(t, testutil.ID("whale"), tr.Owner)

	assert.Equal(t, http.StatusNotFound, get(t, ts, "/v1/troves/"+testutil.ID("nobody").String()).StatusCode)
	assert.Equal(t, http.StatusBadRequest, get(t, ts, "/v1/liquidations?limit=ten").StatusCode)

	resp = get(t, ts, "/v1/live/deposits/"+testutil.ID("sally").String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dep query.LiveDeposit
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dep))
	assert.True(t, dep.Compounded.IsZero(), "pool was emptied by the offset")
	assert.False(t, dep.Gain.IsZero())

	assert.Equal(t, http.StatusOK, get(t, ts, "/readyz").StatusCode)
	assert.Equal(t, http.StatusOK, get(t, ts, "/metrics").StatusCode)
}

func TestGateway_SubmitCommand(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 100, Burst: 100})
	ts := newGateway(t, f)

	resp := post(t, ts, "/v1/commands/open_trove", "ops", openPayload(ingestion.AdminSource, "erin"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sub server.SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	assert.Equal(t, int64(8), sub.Sequence)

	// Commands from other sources belong on NATS.
	resp = post(t, ts, "/v1/commands/open_trove", "ops", openPayload("bots", "frank"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, ts, "/v1/commands/mint", "ops", openPayload(ingestion.AdminSource, "frank"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Opening twice is rejected by the core.
	resp = post(t, ts, "/v1/commands/open_trove", "ops", openPayload(ingestion.AdminSource, "erin"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGateway_RateLimitedPerCaller(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 0.001, Burst: 1})
	ts := newGateway(t, f)
	price := map[string]interface{}{"price": "150", "price_sequence": 10, "price_timestamp_us": testutil.T0.UnixMicro()}

	assert.Equal(t, http.StatusOK, post(t, ts, "/v1/prices", "alice", price).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, post(t, ts, "/v1/prices", "alice", price).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, ts, "/v1/prices", "bob", price).StatusCode)
}

func TestGateway_TakeSnapshot(t *testing.T) {
	f := newFixture(t, ingestion.RateLimit{PerSecond: 100, Burst: 100})
	ts := newGateway(t, f)

	resp := post(t, ts, "/v1/admin/snapshots", "", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap server.SnapshotResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, int64(6), snap.Sequence)
	assert.True(t, snap.Verified)
	require.Len(t, f.store.saved, 1)

	resp = get(t, ts, "/v1/admin/event-log")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info server.EventLogInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, int64(6), info.LastPersisted)
	assert.Equal(t, int64(7), info.CoreSequence)
}
