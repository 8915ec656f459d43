package risk

import (
	"sort"
)

// minVarObservations is the number of daily returns required before the
// VaR gate activates. Below this the estimate is too noisy to act on.
const minVarObservations = 20

// VarWindow keeps a rolling window of realized daily returns for
// historical-simulation VaR.
type VarWindow struct {
	size    int
	returns []float64
}

// NewVarWindow creates a window holding at most size observations.
func NewVarWindow(size int) *VarWindow {
	if size <= 0 {
		size = 252
	}
	return &VarWindow{size: size}
}

// Add appends one daily return, evicting the oldest past capacity.
func (w *VarWindow) Add(r float64) {
	w.returns = append(w.returns, r)
	if len(w.returns) > w.size {
		w.returns = w.returns[len(w.returns)-w.size:]
	}
}

// Len returns the number of observations held.
func (w *VarWindow) Len() int { return len(w.returns) }

// VaR returns the historical-simulation value-at-risk and conditional VaR
// at the given confidence level, both expressed as returns (losses are
// negative). ok is false while the window holds too few observations.
func (w *VarWindow) VaR(confidence float64) (varRet, cvarRet float64, ok bool) {
	n := len(w.returns)
	if n < minVarObservations {
		return 0, 0, false
	}
	sorted := make([]float64, n)
	copy(sorted, w.returns)
	sort.Float64s(sorted)

	idx := int((1 - confidence) * float64(n))
	if idx >= n {
		idx = n - 1
	}
	varRet = sorted[idx]

	var sum float64
	for i := 0; i <= idx; i++ {
		sum += sorted[i]
	}
	cvarRet = sum / float64(idx+1)
	return varRet, cvarRet, true
}
