package session

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kelicad/simagent/internal/domain"
	"github.com/kelicad/simagent/internal/engine"
	"github.com/kelicad/simagent/internal/protocol"
	"github.com/kelicad/simagent/internal/state"
)

type fakeSimulator struct {
	mu       sync.Mutex
	jobs     []engine.Job
	outcome  engine.Outcome
	release  chan struct{}
	cancelID string
}

func (f *fakeSimulator) Run(_ context.Context, job engine.Job) engine.Outcome {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	release := f.release
	out := f.outcome
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	return out
}

func (f *fakeSimulator) Cancel(jobID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return jobID != "" && jobID == f.cancelID
}

func (f *fakeSimulator) set(fn func(f *fakeSimulator)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeSimulator) submitted() []engine.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Job(nil), f.jobs...)
}

type testEnv struct {
	server *httptest.Server
	state  *state.AgentState
	sim    *fakeSimulator
	h      *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := state.New(state.Engines{LTspicePath: "/Applications/LTspice.app/Contents/MacOS/LTspice"}, protocol.DefaultPort, protocol.AgentVersion)
	sim := &fakeSimulator{outcome: engine.Outcome{
		Engine:  domain.EngineLTspice,
		Elapsed: 1500 * time.Millisecond,
		Results: &domain.SimulationResults{
			Time:         []float64{0, 0.001, 0.002},
			Traces:       []domain.Trace{{Name: "v(out)", Data: []float64{0, 0.5, 0.8}, Unit: "V"}},
			AnalysisType: domain.AnalysisTransient,
		},
	}}
	h := NewHandler(context.Background(), Config{MaxSimulationTime: 120 * time.Second, MaxMessageSize: 1 << 20}, st, sim, nil, nil, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Wait()
	})
	return &testEnv{server: srv, state: st, sim: sim, h: h}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("response is not JSON: %v: %s", err, data)
	}
	return msg
}

func handshake(t *testing.T, conn *websocket.Conn, origin string) map[string]any {
	t.Helper()
	send(t, conn, `{"id":"h1","type":"handshake","timestamp":1,"origin":"`+origin+`","version":"1.0.0"}`)
	return receive(t, conn)
}

func TestHandshake_Accepted(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	resp := handshake(t, conn, "https://kelicad.com")
	if resp["type"] != protocol.TypeHandshakeResponse || resp["success"] != true {
		t.Fatalf("response = %v", resp)
	}
	if resp["ltspicePath"] != "/Applications/LTspice.app/Contents/MacOS/LTspice" {
		t.Errorf("ltspicePath = %v", resp["ltspicePath"])
	}
	caps := resp["capabilities"].(map[string]any)
	if caps["ltspiceAvailable"] != true || caps["ngspiceAvailable"] != false {
		t.Errorf("capabilities = %v", caps)
	}
	if caps["maxSimulationTime"] != float64(120) {
		t.Errorf("maxSimulationTime = %v", caps["maxSimulationTime"])
	}
	if got := caps["supportedAnalyses"].([]any); len(got) != 3 {
		t.Errorf("supportedAnalyses = %v", got)
	}
	if resp["id"] == "" || resp["id"] == "h1" {
		t.Errorf("response id = %v, want a fresh id", resp["id"])
	}
}

func TestHandshake_RejectedLeaksNothing(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	resp := handshake(t, conn, "https://kelicad.com.evil.example")
	if resp["success"] != false || resp["error"] != "Invalid origin" {
		t.Fatalf("response = %v", resp)
	}
	if _, ok := resp["ltspicePath"]; ok {
		t.Error("rejected handshake carries ltspicePath")
	}
	caps := resp["capabilities"].(map[string]any)
	if caps["ltspiceAvailable"] != false || len(caps["supportedAnalyses"].([]any)) != 0 {
		t.Errorf("capabilities = %v", caps)
	}

	// Simulate is dropped until a handshake succeeds; the next reply is the pong.
	send(t, conn, `{"id":"s1","type":"simulate","timestamp":1,"netlist":"* x\n.end","waveformQuality":"fast"}`)
	send(t, conn, `{"id":"p1","type":"ping","timestamp":1}`)
	if got := receive(t, conn); got["type"] != protocol.TypePong {
		t.Fatalf("got %v, want pong", got)
	}
	if n := len(env.sim.submitted()); n != 0 {
		t.Errorf("submitted jobs = %d, want 0", n)
	}
}

func TestHandshake_OriginIsCaseSensitive(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	if resp := handshake(t, conn, "https://KeliCAD.com"); resp["success"] != false {
		t.Errorf("success = %v, want false", resp["success"])
	}
}

func TestSimulate_ProgressThenResult(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	handshake(t, conn, "http://localhost:3000")

	send(t, conn, `{"id":"sim-1","type":"simulate","timestamp":1,"netlist":"* rc\n.end","waveformQuality":"fast","timeout":30000}`)

	progress := receive(t, conn)
	if progress["type"] != protocol.TypeSimulationProgress || progress["requestId"] != "sim-1" || progress["stage"] != "preparing" {
		t.Fatalf("progress = %v", progress)
	}

	result := receive(t, conn)
	if result["type"] != protocol.TypeSimulationResult || result["requestId"] != "sim-1" || result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["executionTime"] != float64(1500) || result["simulator"] != "ltspice" {
		t.Errorf("executionTime = %v, simulator = %v", result["executionTime"], result["simulator"])
	}
	results := result["results"].(map[string]any)
	if results["analysis_type"] != "transient" {
		t.Errorf("analysis_type = %v", results["analysis_type"])
	}
	trace := results["traces"].([]any)[0].(map[string]any)
	if trace["name"] != "v(out)" || trace["unit"] != "V" {
		t.Errorf("trace = %v", trace)
	}

	jobs := env.sim.submitted()
	if len(jobs) != 1 {
		t.Fatalf("submitted jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Quality != "fast" || jobs[0].Timeout != 30*time.Second || jobs[0].ConnID == "" {
		t.Errorf("job = %+v", jobs[0])
	}
}

func TestSimulate_FailureMessage(t *testing.T) {
	env := newTestEnv(t)
	env.sim.set(func(f *fakeSimulator) {
		f.outcome = engine.Outcome{Err: engine.ErrAlreadyBusy, Engine: domain.EngineNgspice}
	})
	conn := env.dial(t)
	handshake(t, conn, "https://www.kelicad.com")

	send(t, conn, `{"id":"sim-2","type":"simulate","timestamp":1,"netlist":"* x","waveformQuality":"high"}`)
	receive(t, conn) // progress
	result := receive(t, conn)
	if result["success"] != false || result["error"] != "Another simulation is already running" {
		t.Fatalf("result = %v", result)
	}
	if _, ok := result["results"]; ok {
		t.Error("failed result carries results")
	}
	if result["simulator"] != "ngspice" {
		t.Errorf("simulator = %v", result["simulator"])
	}
}

func TestSimulate_UnencodableResultsBecomeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.sim.set(func(f *fakeSimulator) {
		f.outcome = engine.Outcome{
			Engine: domain.EngineLTspice,
			Results: &domain.SimulationResults{
				Time:         []float64{0, 1},
				Traces:       []domain.Trace{{Name: "v(x)", Data: []float64{math.NaN(), 1}, Unit: "V"}},
				AnalysisType: domain.AnalysisTransient,
			},
		}
	})
	conn := env.dial(t)
	handshake(t, conn, "http://127.0.0.1:3000")

	send(t, conn, `{"id":"sim-nan","type":"simulate","timestamp":1,"netlist":"* x","waveformQuality":"fast"}`)
	receive(t, conn)
	result := receive(t, conn)
	if result["success"] != false || result["requestId"] != "sim-nan" {
		t.Fatalf("result = %v", result)
	}
	if !strings.Contains(result["error"].(string), "Failed to encode results") {
		t.Errorf("error = %v", result["error"])
	}
}

func TestPing_ReportsBusy(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, `{"id":"p1","type":"ping","timestamp":1}`)
	if got := receive(t, conn); got["status"] != protocol.StatusReady {
		t.Errorf("status = %v, want ready", got["status"])
	}

	if err := env.state.BeginJob("other"); err != nil {
		t.Fatal(err)
	}
	defer env.state.EndJob("other", false)

	send(t, conn, `{"id":"p2","type":"ping","timestamp":1}`)
	if got := receive(t, conn); got["status"] != protocol.StatusBusy {
		t.Errorf("status = %v, want busy", got["status"])
	}
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	env.sim.set(func(f *fakeSimulator) { f.cancelID = "sim-7" })
	conn := env.dial(t)

	send(t, conn, `{"id":"c1","type":"cancel","timestamp":1,"requestId":"sim-7"}`)
	resp := receive(t, conn)
	if resp["type"] != protocol.TypeCancelResponse || resp["requestId"] != "sim-7" || resp["success"] != true {
		t.Errorf("response = %v", resp)
	}

	send(t, conn, `{"id":"c2","type":"cancel","timestamp":1,"requestId":"sim-8"}`)
	if resp := receive(t, conn); resp["success"] != false {
		t.Errorf("mismatched cancel success = %v, want false", resp["success"])
	}
}

func TestMalformedAndUnknownKeepConnection(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, `{not json`)
	send(t, conn, `{"id":"x","type":"telemetry","timestamp":1}`)
	send(t, conn, `{"id":"c","type":"cancel","timestamp":1,"requestId":42}`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}

	send(t, conn, `{"id":"p","type":"ping","timestamp":1}`)
	if got := receive(t, conn); got["type"] != protocol.TypePong {
		t.Errorf("got %v, want pong", got)
	}
}

type labelObserver struct {
	mu     sync.Mutex
	labels []string
}

func (o *labelObserver) ConnectionOpened() {}
func (o *labelObserver) ConnectionClosed() {}
func (o *labelObserver) MessageReceived(msgType string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.labels = append(o.labels, msgType)
}

func TestUnknownTypesShareOneLabel(t *testing.T) {
	st := state.New(state.Engines{}, protocol.DefaultPort, protocol.AgentVersion)
	obs := &labelObserver{}
	h := NewHandler(context.Background(), Config{MaxSimulationTime: time.Minute}, st, &fakeSimulator{}, nil, obs, nil)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		h.Wait()
	})
	env := &testEnv{server: srv, state: st, h: h}
	conn := env.dial(t)

	send(t, conn, `{"id":"a","type":"telemetry","timestamp":1}`)
	send(t, conn, `{"id":"b","type":"random-1234","timestamp":1}`)
	send(t, conn, `{"id":"p","type":"ping","timestamp":1}`)
	receive(t, conn)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	want := []string{protocol.TypeUnknown, protocol.TypeUnknown, protocol.TypePing}
	if strings.Join(obs.labels, ",") != strings.Join(want, ",") {
		t.Errorf("labels = %v, want %v", obs.labels, want)
	}
}

func TestResultDeliveredWhileOtherMessagesFlow(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	env.sim.set(func(f *fakeSimulator) { f.release = release })
	conn := env.dial(t)
	handshake(t, conn, "https://kelicad.com")

	send(t, conn, `{"id":"slow","type":"simulate","timestamp":1,"netlist":"* x","waveformQuality":"fast"}`)
	receive(t, conn) // progress

	send(t, conn, `{"id":"p","type":"ping","timestamp":1}`)
	if got := receive(t, conn); got["type"] != protocol.TypePong {
		t.Fatalf("got %v, want pong while job runs", got)
	}

	unblock()
	if got := receive(t, conn); got["type"] != protocol.TypeSimulationResult || got["requestId"] != "slow" {
		t.Errorf("got %v, want result for slow", got)
	}
}

func TestConnectionCount(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	send(t, conn, `{"id":"p","type":"ping","timestamp":1}`)
	receive(t, conn)
	if got := env.state.Snapshot().WSConnections; got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
	if got := env.h.Registry().Count(); got != 1 {
		t.Errorf("registry count = %d, want 1", got)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(5 * time.Second)
	for env.state.Snapshot().WSConnections != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection count not decremented after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestUpgradeOriginCheck(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	if err == nil {
		t.Fatal("Dial() from disallowed origin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://kelicad.com"}},
	})
	if err != nil {
		t.Fatalf("Dial() from allowed origin error = %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestRegistryCloseAll(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)
	send(t, conn, `{"id":"p","type":"ping","timestamp":1}`)
	receive(t, conn)

	env.h.Registry().CloseAll("agent shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away (err %v)", websocket.CloseStatus(err), err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.h.Registry().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("registry still holds %d connections after CloseAll", env.h.Registry().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
