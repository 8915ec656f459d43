package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmarchetti/tradegate/internal/observ"
)

// EventType identifies one kind of audit record.
type EventType string

const (
	EventSignalGenerated     EventType = "signal_generated"
	EventOrderApproved       EventType = "order_approved"
	EventOrderRejected       EventType = "order_rejected"
	EventOrderSubmitted      EventType = "order_submitted"
	EventOrderFilled         EventType = "order_filled"
	EventOrderFailed         EventType = "order_failed"
	EventBreakerTripped      EventType = "breaker_tripped"
	EventBreakerReset        EventType = "breaker_reset"
	EventKillSwitchTriggered EventType = "kill_switch_triggered"
	EventKillSwitchReset     EventType = "kill_switch_reset"
	EventReconcileDivergence EventType = "reconcile_divergence"
	EventBrokerError         EventType = "broker_error"
	EventPortfolioSnapshot   EventType = "portfolio_snapshot"
	EventSessionStarted      EventType = "session_started"
	EventSessionFinished     EventType = "session_finished"
)

// Event is one immutable audit record. Seq is assigned by the trail in
// arrival order and increases monotonically within a process.
type Event struct {
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"type"`
	Symbol    string         `json:"symbol,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Trail is an append-only event log with a single background writer.
// Producers enqueue onto a bounded channel and never touch disk; the
// consumer goroutine persists events in arrival order. Close drains the
// queue before returning.
type Trail struct {
	ch     chan Event
	done   chan struct{}
	f      *os.File
	w      *bufio.Writer
	seq    int64 // consumer-owned after Open
	closed sync.Once
}

// Open creates or appends to the JSONL file at path and starts the
// consumer. Sequence numbering resumes from the last persisted event so a
// restarted process keeps ids monotonic.
func Open(path string, queueSize int) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	last, err := lastSeq(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	t := &Trail{
		ch:   make(chan Event, queueSize),
		done: make(chan struct{}),
		f:    f,
		w:    bufio.NewWriter(f),
		seq:  last,
	}
	go t.consume()
	return t, nil
}

// Record enqueues one event. The seq field is assigned by the consumer;
// any value set by the caller is overwritten. Record blocks only when the
// queue is full (backpressure, not disk I/O).
func (t *Trail) Record(typ EventType, symbol string, ts time.Time, payload map[string]any) {
	t.ch <- Event{Type: typ, Symbol: symbol, Timestamp: ts, Payload: payload}
	observ.IncCounter("audit_events_enqueued_total", map[string]string{"type": string(typ)})
}

// Close drains the queue, flushes and closes the file. Safe to call more
// than once.
func (t *Trail) Close() error {
	var err error
	t.closed.Do(func() {
		close(t.ch)
		<-t.done
		if ferr := t.w.Flush(); ferr != nil {
			err = ferr
		}
		if cerr := t.f.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

func (t *Trail) consume() {
	defer close(t.done)
	for e := range t.ch {
		t.seq++
		e.Seq = t.seq
		b, err := json.Marshal(e)
		if err != nil {
			observ.IncCounter("audit_marshal_errors_total", nil)
			continue
		}
		if _, err := t.w.Write(append(b, '\n')); err != nil {
			observ.IncCounter("audit_write_errors_total", nil)
			continue
		}
		// Flush per event so an external reader sees records promptly and a
		// crash loses at most the event being written.
		if err := t.w.Flush(); err != nil {
			observ.IncCounter("audit_write_errors_total", nil)
		}
	}
}

// lastSeq returns the sequence id of the final event in an existing file,
// or zero when the file is absent or empty.
func lastSeq(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var last int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, sc.Err()
}
