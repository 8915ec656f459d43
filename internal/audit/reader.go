package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"time"
)

// Filter narrows a query over the persisted trail. Zero values match
// everything.
type Filter struct {
	Type   EventType
	Symbol string
	From   time.Time
	To     time.Time
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Symbol != "" && e.Symbol != f.Symbol {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Query reads the JSONL file at path and returns events matching the
// filter, in persisted (sequence) order. It works on a live trail's file
// as well as offline copies, so reporting tools never need the process.
func Query(path string, f Filter) ([]Event, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer fh.Close()

	var out []Event
	sc := bufio.NewScanner(fh)
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
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out, sc.Err()
}
