package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	original := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(original) })
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a")
	IncStart("a")
	IncRestart("a")
	IncStop("a")
	IncFailure("a", "spawn")
	ObserveRestartBackoff("a", 1.25)
	RecordTransition("a", "pending", "starting")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"sessionr_node_starts_total":            false,
		"sessionr_node_restarts_total":          false,
		"sessionr_node_stops_total":             false,
		"sessionr_node_failures_total":          false,
		"sessionr_node_restart_backoff_seconds": false,
		"sessionr_node_state_transitions_total": false,
		"sessionr_node_current_state":           false,
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

func TestRecordTransitionMovesGauge(t *testing.T) {
	reg := freshRegistry(t)
	RecordTransition("gauge.service", "", "pending")
	RecordTransition("gauge.service", "pending", "starting")
	RecordTransition("gauge.service", "starting", "running")

	if v := sample(t, reg, "sessionr_node_current_state", "gauge.service", "running"); v != 1 {
		t.Fatalf("running gauge = %v", v)
	}
	if v := sample(t, reg, "sessionr_node_current_state", "gauge.service", "starting"); v != 0 {
		t.Fatalf("starting gauge = %v", v)
	}

	Forget("gauge.service")
	if currentStates.DeleteLabelValues("gauge.service", "running") {
		t.Fatalf("running gauge still present after Forget")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Handler() reads the default registry.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "sessionr_node_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncRestart("c")
			IncStop("c")
			RecordTransition("c", "running", "exited")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	IncStart("test")
	IncRestart("test")
	IncStop("test")
	IncFailure("test", "exit")
	ObserveRestartBackoff("test", 1.0)
	RecordTransition("test", "starting", "running")
	Forget("test")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{shouldError: true})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

// Custom registerer for testing error handling
type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

// sample returns the value of the series of metric whose label values include all of want.
func sample(t *testing.T, reg *prometheus.Registry, metric string, want ...string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != metric {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			values := map[string]bool{}
			for _, lp := range m.GetLabel() {
				values[lp.GetValue()] = true
			}
			for _, w := range want {
				if !values[w] {
					continue next
				}
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	t.Fatalf("no %s sample for %v", metric, want)
	return 0
}
