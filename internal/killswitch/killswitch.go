package killswitch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmarchetti/tradegate/internal/audit"
	"github.com/dmarchetti/tradegate/internal/observ"
)

// Record is the single persisted halt flag. It survives process restarts:
// every write goes to disk before the in-memory cache is updated, and a new
// Switch loads it from disk at construction.
type Record struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitempty"`
	ResetBy     string    `json:"reset_by,omitempty"`
	ResetAt     time.Time `json:"reset_at,omitempty"`
}

// Recorder receives audit events for switch transitions.
type Recorder interface {
	Record(typ audit.EventType, symbol string, ts time.Time, payload map[string]any)
}

// Switch is the durable global halt flag. Reads are served from a cache
// that is invalidated on every write, so IsActive is cheap enough to call
// on every evaluation and never performs network I/O.
type Switch struct {
	mu    sync.RWMutex
	path  string
	rec   Record
	trail Recorder
}

// Open loads the persisted record (or starts inactive when none exists).
func Open(path string, trail Recorder) (*Switch, error) {
	s := &Switch{path: path, trail: trail}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read kill switch state: %w", err)
	}
	if err := json.Unmarshal(b, &s.rec); err != nil {
		return nil, fmt.Errorf("unmarshal kill switch state: %w", err)
	}
	return s, nil
}

// IsActive reports whether trading is halted.
func (s *Switch) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec.Active
}

// State returns a copy of the persisted record.
func (s *Switch) State() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec
}

// CheckAndBlock returns a non-empty reason when order construction must be
// blocked. Called before any order is built.
func (s *Switch) CheckAndBlock() (blocked bool, reason string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec.Active {
		return true, "kill_switch_active"
	}
	return false, ""
}

// Trigger activates the switch. Callable by the risk gate, the broker
// layer, or an operator; idempotent while already active (the original
// reason is preserved).
func (s *Switch) Trigger(source, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec.Active {
		return nil
	}
	rec := Record{
		Active:      true,
		Reason:      reason,
		TriggeredBy: source,
		TriggeredAt: time.Now().UTC(),
	}
	if err := s.persist(rec); err != nil {
		return err
	}
	s.rec = rec

	observ.IncCounter("kill_switch_triggers_total", map[string]string{"source": source})
	observ.Log("kill_switch_triggered", map[string]any{"source": source, "reason": reason})
	if s.trail != nil {
		s.trail.Record(audit.EventKillSwitchTriggered, "", rec.TriggeredAt, map[string]any{
			"source": source,
			"reason": reason,
		})
	}
	return nil
}

// Reset deactivates the switch. Requires an explicit operator identity;
// there is no automatic path back to inactive.
func (s *Switch) Reset(operator string) error {
	if operator == "" {
		return fmt.Errorf("kill switch reset requires an operator id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.rec.Active {
		return nil
	}
	rec := s.rec
	rec.Active = false
	rec.ResetBy = operator
	rec.ResetAt = time.Now().UTC()
	if err := s.persist(rec); err != nil {
		return err
	}
	s.rec = rec

	observ.IncCounter("kill_switch_resets_total", map[string]string{"operator": operator})
	observ.Log("kill_switch_reset", map[string]any{"operator": operator, "prev_reason": rec.Reason})
	if s.trail != nil {
		s.trail.Record(audit.EventKillSwitchReset, "", rec.ResetAt, map[string]any{
			"operator":    operator,
			"prev_reason": rec.Reason,
		})
	}
	return nil
}

// persist writes the record with temp-file + rename so a crash mid-write
// never leaves a corrupt state file.
func (s *Switch) persist(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kill switch state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("write kill switch state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename kill switch state: %w", err)
	}
	return nil
}
