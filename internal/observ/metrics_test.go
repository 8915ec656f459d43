package observ

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCanonLabelsStableAcrossKeyOrder(t *testing.T) {
	a := canonLabels(map[string]string{"symbol": "AAPL", "op": "submit"})
	b := canonLabels(map[string]string{"op": "submit", "symbol": "AAPL"})
	if a != b {
		t.Errorf("label keys produced different canonical forms: %q vs %q", a, b)
	}
	if canonLabels(nil) != "" {
		t.Error("empty labels must canonicalize to the empty string")
	}
}

func TestCounterAccumulatesAcrossLabelSets(t *testing.T) {
	name := "test_counter_" + t.Name()
	IncCounter(name, map[string]string{"symbol": "AAPL"})
	IncCounter(name, map[string]string{"symbol": "AAPL"})
	IncCounter(name, map[string]string{"symbol": "NVDA"})

	if got := CounterValue(name); got != 3 {
		t.Errorf("CounterValue = %d, want 3", got)
	}
}

func TestHandlerDumpsRegistry(t *testing.T) {
	IncCounter("test_dump_counter", nil)
	SetGauge("test_dump_gauge", 42, nil)
	RecordDuration("test_dump_duration", 5*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var dump struct {
		Counters map[string]map[string]int64     `json:"counters"`
		Gauges   map[string]map[string]float64   `json:"gauges"`
		Hist     map[string]map[string][]float64 `json:"histograms"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dump); err != nil {
		t.Fatalf("decode dump: %v", err)
	}
	if dump.Counters["test_dump_counter"][""] < 1 {
		t.Error("counter missing from dump")
	}
	if dump.Gauges["test_dump_gauge"][""] != 42 {
		t.Error("gauge missing from dump")
	}
	if len(dump.Hist["test_dump_duration_ms"][""]) == 0 {
		t.Error("duration observation missing from dump")
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	Health().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}
