package monitor

import "sync"

// history retains a bounded, time-ordered sequence of samples per queue for
// trend queries. Samples are immutable once stored.
type history struct {
	mu      sync.RWMutex
	size    int
	byQueue map[string][]MetricsSample
}

func newHistory(size int) *history {
	return &history{
		size:    size,
		byQueue: make(map[string][]MetricsSample),
	}
}

// add appends a sample, evicting the oldest entry once the retention bound is
// reached. Samples older than the newest retained one are discarded.
func (h *history) add(s MetricsSample) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	samples := h.byQueue[s.QueueName]
	if n := len(samples); n > 0 && !s.CapturedAt.After(samples[n-1].CapturedAt) {
		return false
	}

	samples = append(samples, s)
	if len(samples) > h.size {
		samples = samples[len(samples)-h.size:]
	}
	h.byQueue[s.QueueName] = samples
	return true
}

// latest returns the newest sample for a queue.
func (h *history) latest(queueName string) (MetricsSample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	samples := h.byQueue[queueName]
	if len(samples) == 0 {
		return MetricsSample{}, false
	}
	return samples[len(samples)-1], true
}

// trend returns up to n samples for a queue, newest first.
func (h *history) trend(queueName string, n int) []MetricsSample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	samples := h.byQueue[queueName]
	if n > len(samples) {
		n = len(samples)
	}

	out := make([]MetricsSample, 0, n)
	for i := len(samples) - 1; i >= len(samples)-n; i-- {
		out = append(out, samples[i])
	}
	return out
}
