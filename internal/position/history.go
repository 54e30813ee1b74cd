// internal/position/history.go
package position

import (
	"sync"
	"time"
)

// PricePoint is one observed price.
type PricePoint struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

// PriceHistory is a rolling price window bounded by both length and age.
type PriceHistory struct {
	mu     sync.RWMutex
	points []PricePoint
	maxLen int
	maxAge time.Duration
}

// NewPriceHistory creates a window. Non-positive bounds default to 1000
// points and 24 hours.
func NewPriceHistory(maxLen int, maxAge time.Duration) *PriceHistory {
	if maxLen <= 0 {
		maxLen = 1000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &PriceHistory{maxLen: maxLen, maxAge: maxAge}
}

// Add appends a price and prunes by age and length.
func (h *PriceHistory) Add(price float64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.points = append(h.points, PricePoint{Price: price, At: at})

	cutoff := at.Add(-h.maxAge)
	drop := 0
	for drop < len(h.points) && h.points[drop].At.Before(cutoff) {
		drop++
	}
	if over := len(h.points) - drop - h.maxLen; over > 0 {
		drop += over
	}
	if drop > 0 {
		h.points = append(h.points[:0], h.points[drop:]...)
	}
}

// Len returns the number of retained points.
func (h *PriceHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.points)
}

// Range returns the low and high of prices observed within window of now.
func (h *PriceHistory) Range(window time.Duration, now time.Time) (low, high float64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cutoff := now.Add(-window)
	for _, p := range h.points {
		if p.At.Before(cutoff) {
			continue
		}
		if !ok {
			low, high, ok = p.Price, p.Price, true
			continue
		}
		if p.Price < low {
			low = p.Price
		}
		if p.Price > high {
			high = p.Price
		}
	}
	return low, high, ok
}

// Points returns a copy of the retained points, oldest first.
func (h *PriceHistory) Points() []PricePoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PricePoint, len(h.points))
	copy(out, h.points)
	return out
}
