package services

import (
	"sort"
	"sync"
	"time"

	"prediction-rounds/internal/models"
)

// PriceHistory is a fixed-capacity FIFO ring of price samples kept in
// timestamp order. Appending to a full ring evicts the oldest sample.
type PriceHistory struct {
	mu   sync.RWMutex
	buf  []models.PriceSample
	head int // index of the oldest sample
	size int
}

func NewPriceHistory(capacity int) *PriceHistory {
	if capacity <= 0 {
		capacity = 1
	}
	return &PriceHistory{buf: make([]models.PriceSample, capacity)}
}

// Append records a sample. Samples older than the newest one are dropped so
// the ring stays ordered.
func (h *PriceHistory) Append(s models.PriceSample) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size > 0 && s.Timestamp.Before(h.at(h.size-1).Timestamp) {
		return false
	}
	if h.size < len(h.buf) {
		h.buf[(h.head+h.size)%len(h.buf)] = s
		h.size++
		return true
	}
	h.buf[h.head] = s
	h.head = (h.head + 1) % len(h.buf)
	return true
}

// at returns the i-th oldest sample. Caller holds the lock.
func (h *PriceHistory) at(i int) models.PriceSample {
	return h.buf[(h.head+i)%len(h.buf)]
}

func (h *PriceHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

func (h *PriceHistory) Cap() int {
	return len(h.buf)
}

// Latest returns the newest sample.
func (h *PriceHistory) Latest() (models.PriceSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return models.PriceSample{}, false
	}
	return h.at(h.size - 1), true
}

// FirstAtOrAfter returns the oldest sample with timestamp >= t.
func (h *PriceHistory) FirstAtOrAfter(t time.Time) (models.PriceSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := h.search(t)
	if i == h.size {
		return models.PriceSample{}, false
	}
	return h.at(i), true
}

// Since returns every sample with timestamp >= t, oldest first.
func (h *PriceHistory) Since(t time.Time) []models.PriceSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	i := h.search(t)
	out := make([]models.PriceSample, 0, h.size-i)
	for ; i < h.size; i++ {
		out = append(out, h.at(i))
	}
	return out
}

func (h *PriceHistory) search(t time.Time) int {
	return sort.Search(h.size, func(i int) bool {
		return !h.at(i).Timestamp.Before(t)
	})
}
