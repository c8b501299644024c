package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/theatreos/engine/internal/logging"
	"github.com/theatreos/engine/internal/metrics"
	"github.com/theatreos/engine/internal/models"
)

// HeartbeatInterval is the maximum idle time before every stream gets a
// heartbeat frame.
const HeartbeatInterval = 30 * time.Second

// subscriberQueueSize bounds each subscriber's pending events. Overflow
// drops the oldest queued event.
const subscriberQueueSize = 256

// Subscriber is one connected stream (websocket or SSE) for one user.
type Subscriber struct {
	id        string
	userID    string
	theatreID string

	mu     sync.Mutex
	stages map[string]bool

	queue chan models.Event
	done  chan struct{}
	once  sync.Once
}

// UserID returns the subscriber's authenticated user.
func (s *Subscriber) UserID() string { return s.userID }

// Events is the subscriber's receive channel; closed when the hub drops
// the subscriber.
func (s *Subscriber) Events() <-chan models.Event { return s.queue }

// Done is closed when the subscriber is detached.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// SubscribeStage adds a stage subscription on the live stream.
func (s *Subscriber) SubscribeStage(stageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stageID] = true
}

// UnsubscribeStage removes a stage subscription.
func (s *Subscriber) UnsubscribeStage(stageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stages, stageID)
}

func (s *Subscriber) hasStage(stageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[stageID]
}

// enqueue offers one event, dropping the oldest queued event when full
// so producers never block on a slow stream.
func (s *Subscriber) enqueue(ev models.Event) {
	for {
		select {
		case s.queue <- ev:
			metrics.RealtimeDelivered.Inc()
			return
		default:
		}
		select {
		case <-s.queue:
			metrics.RealtimeDropped.Inc()
		default:
		}
	}
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.queue)
	})
}

// Hub is the subscriber table and the selector dispatch. Readers of the
// table hold a read lock; attach/detach take a short write lock; the
// hot path is each subscriber's own queue.
type Hub struct {
	bus *Bus
	sub *nats.Subscription

	mu          sync.RWMutex
	subscribers map[*Subscriber]bool
}

// NewHub constructs a Hub over a Bus.
func NewHub(bus *Bus) *Hub {
	return &Hub{bus: bus, subscribers: make(map[*Subscriber]bool)}
}

// Attach registers a new stream for a user.
func (h *Hub) Attach(userID, theatreID string, stageIDs []string) *Subscriber {
	s := &Subscriber{
		id:        uuid.NewString(),
		userID:    userID,
		theatreID: theatreID,
		stages:    make(map[string]bool, len(stageIDs)),
		queue:     make(chan models.Event, subscriberQueueSize),
		done:      make(chan struct{}),
	}
	for _, id := range stageIDs {
		s.stages[id] = true
	}
	h.mu.Lock()
	h.subscribers[s] = true
	n := len(h.subscribers)
	h.mu.Unlock()
	metrics.RealtimeClients.Set(float64(n))
	logging.Debug().Str("user_id", userID).Int("total", n).Msg("realtime subscriber attached")
	return s
}

// Detach removes a stream and closes its channel.
func (h *Hub) Detach(s *Subscriber) {
	h.mu.Lock()
	if !h.subscribers[s] {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, s)
	n := len(h.subscribers)
	h.mu.Unlock()
	s.close()
	metrics.RealtimeClients.Set(float64(n))
	logging.Debug().Str("user_id", s.userID).Int("total", n).Msg("realtime subscriber detached")
}

// Dispatch routes one event to the most specific non-empty selector:
// listed users first, else the stage's subscribers, else the theatre's,
// else everyone.
func (h *Hub) Dispatch(ev models.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case len(ev.Target.UserIDs) > 0:
		targets := make(map[string]bool, len(ev.Target.UserIDs))
		for _, id := range ev.Target.UserIDs {
			targets[id] = true
		}
		for s := range h.subscribers {
			if targets[s.userID] {
				s.enqueue(ev)
			}
		}
	case ev.Target.StageID != "":
		for s := range h.subscribers {
			if s.hasStage(ev.Target.StageID) {
				s.enqueue(ev)
			}
		}
	case ev.Target.TheatreWide:
		for s := range h.subscribers {
			if s.theatreID == ev.TheatreID {
				s.enqueue(ev)
			}
		}
	default:
		for s := range h.subscribers {
			s.enqueue(ev)
		}
	}
}

// Serve subscribes the Hub to the bus and ticks heartbeats until the
// context ends. Runs under the supervisor tree.
func (h *Hub) Serve(ctx context.Context) error {
	sub, err := h.bus.Subscribe(h.Dispatch)
	if err != nil {
		return err
	}
	h.sub = sub
	defer func() {
		_ = sub.Unsubscribe()
	}()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case now := <-ticker.C:
			h.heartbeat(now)
		}
	}
}

func (h *Hub) String() string { return "realtime-hub" }

func (h *Hub) heartbeat(now time.Time) {
	ev := models.Event{
		EventID: uuid.NewString(),
		At:      now.UTC(),
		Kind:    models.EventHeartbeat,
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers {
		s.enqueue(ev)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		s.close()
		delete(h.subscribers, s)
	}
	metrics.RealtimeClients.Set(0)
}
