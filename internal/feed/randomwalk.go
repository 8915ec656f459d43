package feed

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/dmarchetti/tradegate/internal/domain"
)

// RandomWalk synthesizes bars on a fixed interval for paper sessions. The
// walk is seeded explicitly so demo runs can be reproduced.
type RandomWalk struct {
	symbol     string
	price      float64
	dailyVol   float64
	interval   time.Duration
	rng        *rand.Rand
	barsPerDay float64
}

// NewRandomWalk creates a generator around a starting price with the given
// daily volatility.
func NewRandomWalk(symbol string, startPrice, dailyVol float64, interval time.Duration, seed int64) *RandomWalk {
	barsPerDay := 6.5 * float64(time.Hour) / float64(interval)
	if barsPerDay < 1 {
		barsPerDay = 1
	}
	return &RandomWalk{
		symbol:     symbol,
		price:      startPrice,
		dailyVol:   dailyVol,
		interval:   interval,
		rng:        rand.New(rand.NewSource(seed)),
		barsPerDay: barsPerDay,
	}
}

// Next blocks for one interval and emits the next bar.
func (w *RandomWalk) Next(ctx context.Context) (domain.Bar, error) {
	select {
	case <-time.After(w.interval):
	case <-ctx.Done():
		return domain.Bar{}, ctx.Err()
	}
	return w.generate(time.Now().UTC()), nil
}

// generate advances the walk one bar.
func (w *RandomWalk) generate(ts time.Time) domain.Bar {
	barVol := w.dailyVol / math.Sqrt(w.barsPerDay)
	open := w.price
	close := open * (1 + w.rng.NormFloat64()*barVol)
	high := math.Max(open, close) * (1 + w.rng.Float64()*barVol/2)
	low := math.Min(open, close) * (1 - w.rng.Float64()*barVol/2)
	w.price = close
	return domain.Bar{
		Symbol:    w.symbol,
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    int64(100000 * (0.7 + w.rng.Float64()*0.6)),
	}
}
