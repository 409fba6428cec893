package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	RecordTransition("a", "Activated", "Running")
	IncRun("a")
	IncKill("a")
	ObserveRunDuration("a", 1.25)
	SetRunning(2)
	IncLogLine("Info")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"taskboard_task_transitions_total":    false,
		"taskboard_task_runs_total":           false,
		"taskboard_task_kills_total":          false,
		"taskboard_task_run_duration_seconds": false,
		"taskboard_task_running":              false,
		"taskboard_log_lines_total":           false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestRegisterAlreadyRegisteredIsIgnored(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(runs); err != nil {
		t.Fatalf("pre-register: %v", err)
	}
	regOK.Store(false)
	defer regOK.Store(true)
	if err := Register(reg); err != nil {
		t.Fatalf("register with existing collector: %v", err)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	_ = Register(prometheus.DefaultRegisterer)
	IncRun("served")
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	b, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(b), `taskboard_task_runs_total{name="served"}`) {
		t.Fatalf("runs counter not exposed")
	}
}

func TestSamplerReadsOwnProcess(t *testing.T) {
	pid := os.Getpid()
	s := NewSampler(time.Hour, func() map[string]int { return map[string]int{"self": pid, "bad": 0} }, nil)
	got := s.Sample()
	u, ok := got["self"]
	if !ok {
		t.Fatalf("no sample for own process: %+v", got)
	}
	if u.PID != pid || u.RSS == 0 {
		t.Fatalf("unexpected usage: %+v", u)
	}
	if _, ok := got["bad"]; ok {
		t.Fatalf("non-positive pid must be skipped")
	}
	if len(s.Last()) != 1 {
		t.Fatalf("Last should mirror the latest sample")
	}
}

func TestSamplerForgetsExitedProcesses(t *testing.T) {
	cur := map[string]int{"self": os.Getpid()}
	s := NewSampler(10*time.Millisecond, func() map[string]int { return cur }, nil)
	s.Sample()
	cur = map[string]int{}
	s.Sample()
	if len(s.Last()) != 0 || len(s.procs) != 0 {
		t.Fatalf("sampler kept state of a gone process")
	}
}

func TestSamplerRunStopsOnCancel(t *testing.T) {
	s := NewSampler(5*time.Millisecond, func() map[string]int { return nil }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
