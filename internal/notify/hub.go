package notify

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer is the channel depth for each subscriber. A subscriber that
// falls this far behind starts losing events.
const subscriberBuffer = 16

// Hub is the in-process Notifier. Listeners subscribe either globally (every
// job) or to a single job id. Fan-out is non-blocking: slow subscribers drop.
type Hub struct {
	logger *slog.Logger

	mu     sync.Mutex
	global map[chan Event]struct{}
	perJob map[string]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		global: make(map[chan Event]struct{}),
		perJob: make(map[string]map[chan Event]struct{}),
	}
}

// Subscribe registers a global listener. The returned cancel func removes the
// subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.global[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.global[ch]; ok {
			delete(h.global, ch)
			close(ch)
		}
	}
}

// SubscribeJob registers a listener for one job id.
func (h *Hub) SubscribeJob(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.perJob[jobID] == nil {
		h.perJob[jobID] = make(map[chan Event]struct{})
	}
	h.perJob[jobID][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs, ok := h.perJob[jobID]
		if !ok {
			return
		}
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(h.perJob, jobID)
		}
	}
}

// Publish delivers the event to every global subscriber and every subscriber
// of the event's job id. Never blocks.
func (h *Hub) Publish(_ context.Context, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.global {
		h.send(ch, ev)
	}
	for ch := range h.perJob[ev.JobID] {
		h.send(ch, ev)
	}
}

func (h *Hub) send(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		h.logger.Warn("Progress subscriber is slow, dropping event",
			slog.String("job_id", ev.JobID),
			slog.String("status", string(ev.Status)),
		)
	}
}
