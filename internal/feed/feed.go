package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/dmarchetti/tradegate/internal/domain"
)

// ErrEndOfFeed is returned by Next when a finite source is exhausted or a
// stream has been closed.
var ErrEndOfFeed = errors.New("feed: end of bars")

// BarSource yields bars one at a time. Historical replay and live streams
// implement the same interface so the engine code is identical in both
// modes.
type BarSource interface {
	Next(ctx context.Context) (domain.Bar, error)
}

// SliceSource replays a finite, in-memory bar sequence.
type SliceSource struct {
	bars []domain.Bar
	idx  int
}

// NewSliceSource wraps a bar slice. Bars are replayed in the given order.
func NewSliceSource(bars []domain.Bar) *SliceSource {
	return &SliceSource{bars: bars}
}

func (s *SliceSource) Next(ctx context.Context) (domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return domain.Bar{}, err
	}
	if s.idx >= len(s.bars) {
		return domain.Bar{}, ErrEndOfFeed
	}
	bar := s.bars[s.idx]
	s.idx++
	return bar, nil
}

// ChannelSource adapts an unbounded stream of bars. Closing the channel
// ends the feed.
type ChannelSource struct {
	ch <-chan domain.Bar
}

func NewChannelSource(ch <-chan domain.Bar) *ChannelSource {
	return &ChannelSource{ch: ch}
}

func (c *ChannelSource) Next(ctx context.Context) (domain.Bar, error) {
	select {
	case bar, ok := <-c.ch:
		if !ok {
			return domain.Bar{}, ErrEndOfFeed
		}
		return bar, nil
	case <-ctx.Done():
		return domain.Bar{}, ctx.Err()
	}
}

// LoadBarsJSON reads a fixture file of the form {"bars":[...]} and returns
// the bars sorted by timestamp.
func LoadBarsJSON(path string) ([]domain.Bar, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fixture struct {
		Bars []domain.Bar `json:"bars"`
	}
	if err := json.Unmarshal(b, &fixture); err != nil {
		return nil, fmt.Errorf("parse bars fixture %s: %w", path, err)
	}
	sort.SliceStable(fixture.Bars, func(i, j int) bool {
		return fixture.Bars[i].Timestamp.Before(fixture.Bars[j].Timestamp)
	})
	return fixture.Bars, nil
}
