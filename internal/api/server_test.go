package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"autotrade/internal/domain"
	"autotrade/internal/engine"
	"autotrade/internal/report"
	"autotrade/internal/store"
)

var _ Engine = (*engine.Engine)(nil)

type fakeEngine struct {
	mu        sync.Mutex
	hb        engine.Heartbeat
	positions []domain.Position
	diag      []engine.Diagnosis
	diagErr   error
	hooks     []func(engine.Heartbeat)
}

func (f *fakeEngine) Heartbeat() engine.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hb
}

func (f *fakeEngine) ActivePositions() []domain.Position { return f.positions }

func (f *fakeEngine) Diagnose(context.Context) ([]engine.Diagnosis, error) {
	return f.diag, f.diagErr
}

func (f *fakeEngine) OnTick(fn func(engine.Heartbeat)) {
	f.mu.Lock()
	f.hooks = append(f.hooks, fn)
	f.mu.Unlock()
}

// tick publishes hb to every hook the way the engine does after a tick.
func (f *fakeEngine) tick(hb engine.Heartbeat) {
	f.mu.Lock()
	f.hb = hb
	hooks := slices.Clone(f.hooks)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(hb)
	}
}

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (*Server, *fakeEngine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	eng := &fakeEngine{}
	s := NewServer(Options{Engine: eng, Store: st, Loc: time.UTC, Now: func() time.Time { return testNow }})
	return s, eng, st
}

func get(t *testing.T, s *Server, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			t.Fatalf("GET %s: decoding body: %v", path, err)
		}
	}
	return rec.Code
}

func TestFresh(t *testing.T) {
	hb := engine.Heartbeat{LastTick: testNow, IntervalSec: 30}
	cases := []struct {
		at   time.Time
		want bool
	}{
		{testNow, true},
		{testNow.Add(90 * time.Second), true},
		{testNow.Add(91 * time.Second), false},
	}
	for _, c := range cases {
		if got := Fresh(hb, c.at); got != c.want {
			t.Errorf("Fresh at +%v = %v, want %v", c.at.Sub(testNow), got, c.want)
		}
	}
	if Fresh(engine.Heartbeat{}, testNow) {
		t.Error("a missing heartbeat is fresh")
	}
	// Intervals below the engine minimum are clamped.
	if !Fresh(engine.Heartbeat{LastTick: testNow, IntervalSec: 1}, testNow.Add(15*time.Second)) {
		t.Error("interval below minimum was not clamped")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, eng, _ := newTestServer(t)

	var resp HealthResponse
	if code := get(t, s, "/health", &resp); code != http.StatusServiceUnavailable || resp.Status != "stale" {
		t.Errorf("before first tick: %d %q, want 503 stale", code, resp.Status)
	}

	eng.tick(engine.Heartbeat{LastTick: testNow.Add(-time.Minute), IntervalSec: 30, Mode: domain.ModeDryRun, Ticks: 7})
	resp = HealthResponse{}
	if code := get(t, s, "/health", &resp); code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("after tick: %d %q, want 200 ok", code, resp.Status)
	}
	if resp.Heartbeat.Ticks != 7 || resp.Heartbeat.Mode != domain.ModeDryRun {
		t.Errorf("heartbeat = %+v", resp.Heartbeat)
	}
}

func TestGRPCHealthFollowsHeartbeat(t *testing.T) {
	now := testNow
	r := NewHealthReporter(func() time.Time { return now })
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := r.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if st := check(); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial status = %s, want NOT_SERVING", st)
	}
	r.Observe(engine.Heartbeat{LastTick: now, IntervalSec: 10})
	if st := check(); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after heartbeat = %s, want SERVING", st)
	}
	now = now.Add(31 * time.Second)
	if r.Check() {
		t.Error("Check reported fresh after 3 intervals")
	}
	if st := check(); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after stall = %s, want NOT_SERVING", st)
	}
}

func TestPositionsEndpoint(t *testing.T) {
	s, eng, st := newTestServer(t)
	eng.positions = []domain.Position{{ID: "p1", Symbol: "005930", Status: domain.PositionOpen, Qty: 21}}

	var resp PositionsResponse
	if code := get(t, s, "/api/positions", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if resp.Count != 1 || resp.Positions[0].Symbol != "005930" {
		t.Errorf("positions = %+v", resp)
	}

	ctx := context.Background()
	closed := domain.Position{
		ID: "p0", Symbol: "000660", Status: domain.PositionClosed, Qty: 10,
		EntryTime: testNow.Add(-2 * time.Hour), ExitTime: testNow.Add(-time.Hour), RealizedPnL: 1000,
	}
	if err := st.SavePosition(ctx, &closed); err != nil {
		t.Fatal(err)
	}
	resp = PositionsResponse{}
	get(t, s, "/api/positions/closed?from=2026-10-19&to=2026-10-19", &resp)
	if resp.Count != 1 || resp.Positions[0].ID != "p0" {
		t.Errorf("closed = %+v", resp)
	}
	resp = PositionsResponse{}
	get(t, s, "/api/positions/closed?from=2026-10-01&to=2026-10-18", &resp)
	if resp.Count != 0 {
		t.Errorf("closed outside range = %+v", resp)
	}
}

func TestSignalsEndpoint(t *testing.T) {
	s, _, st := newTestServer(t)
	ctx := context.Background()
	for i, sym := range []string{"005930", "000660", "005930"} {
		sig := &domain.Signal{
			ID: sym + string(rune('a'+i)), Symbol: sym, CreatedAt: testNow.Add(time.Duration(i) * time.Second),
			Decision: domain.DecisionRejected, Stage: domain.StageTrigger, Reason: domain.BlockerLowVolume,
		}
		if err := st.SaveSignal(ctx, sig); err != nil {
			t.Fatal(err)
		}
	}

	var resp SignalsResponse
	get(t, s, "/api/signals?symbol=005930", &resp)
	if resp.Count != 2 || resp.Signals[0].ID != "005930c" {
		t.Errorf("signals = %+v, want 2 newest first", resp)
	}
	resp = SignalsResponse{}
	get(t, s, "/api/signals?limit=1", &resp)
	if resp.Count != 1 {
		t.Errorf("limited count = %d", resp.Count)
	}
	if code := get(t, s, "/api/signals?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", code)
	}
}

func TestTradesEndpoint(t *testing.T) {
	s, _, st := newTestServer(t)
	tr := &domain.Trade{
		ID: "t1", PositionID: "p1", Symbol: "005930", Side: domain.SideBuy, Qty: 21, Price: 71000,
		Timestamp: testNow, ClientOrderID: "c1", ResultCode: "SIMULATED",
	}
	if _, err := st.AppendTrade(context.Background(), tr); err != nil {
		t.Fatal(err)
	}

	var resp TradesResponse
	get(t, s, "/api/trades", &resp)
	if resp.Count != 1 || resp.To != "2026-10-19" || resp.From != "2026-09-20" {
		t.Errorf("trades = %+v", resp)
	}
	if code := get(t, s, "/api/trades?from=2026-10-20&to=2026-10-19", nil); code != http.StatusBadRequest {
		t.Errorf("inverted range status = %d, want 400", code)
	}
	if code := get(t, s, "/api/trades?from=yesterday", nil); code != http.StatusBadRequest {
		t.Errorf("bad date status = %d, want 400", code)
	}
}

func TestDiagnosisEndpoint(t *testing.T) {
	s, eng, _ := newTestServer(t)
	eng.diag = []engine.Diagnosis{
		{Symbol: "005930", Score: 100, Passed: true, CanAutoOrderNow: true},
		{Symbol: "000660", Stage: domain.StageTrigger, Blocker: domain.BlockerLowVolume},
	}

	var resp DiagnosisResponse
	if code := get(t, s, "/api/diagnosis", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp.Symbols) != 2 || !resp.Symbols[0].CanAutoOrderNow || resp.Symbols[1].Blocker != domain.BlockerLowVolume {
		t.Errorf("diagnosis = %+v", resp)
	}

	eng.diagErr = errors.New("quotes unavailable")
	if code := get(t, s, "/api/diagnosis", nil); code != http.StatusBadGateway {
		t.Errorf("failing diagnosis status = %d, want 502", code)
	}
}

func TestReportEndpoint(t *testing.T) {
	s, _, st := newTestServer(t)
	ctx := context.Background()
	for i, pnl := range []float64{3000, -1000} {
		p := domain.Position{
			ID: string(rune('a' + i)), Symbol: "005930", Status: domain.PositionClosed, Qty: 1,
			EntryTime: testNow.Add(-time.Hour), ExitTime: testNow.Add(time.Duration(i) * time.Minute), RealizedPnL: pnl,
		}
		if err := st.SavePosition(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}

	var rep report.Report
	if code := get(t, s, "/api/report?period=M", &rep); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if rep.Period != report.Monthly || len(rep.Rows) != 1 || rep.Rows[0].Period != "2026-10" || rep.Total.NetPnL != 2000 {
		t.Errorf("report = %+v", rep)
	}
	if code := get(t, s, "/api/report?period=W", nil); code != http.StatusBadRequest {
		t.Errorf("bad period status = %d, want 400", code)
	}
}

func TestEventStream(t *testing.T) {
	s, eng, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Hub().Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev := domain.Event{Type: domain.EventOrderFilled, Symbol: "005930", Message: "BUY 21 @ 71000", At: testNow}
	if err := s.Hub().Send(ctx, ev); err != nil {
		t.Fatalf("Send: %v", err)
	}
	eng.tick(engine.Heartbeat{LastTick: testNow, Ticks: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second StreamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("reading heartbeat: %v", err)
	}
	if first.Kind != "event" || first.Event == nil || first.Event.Symbol != "005930" {
		t.Errorf("first frame = %+v", first)
	}
	if second.Kind != "heartbeat" || second.Heartbeat == nil || second.Heartbeat.Ticks != 1 {
		t.Errorf("second frame = %+v", second)
	}
}
