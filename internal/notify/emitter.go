package notify

import (
	"context"
	"sync"
	"time"

	"prediction-rounds/internal/observability"

	"github.com/rs/zerolog"
)

const queueSize = 1024

// Sink delivers messages to subscribers. Deliver is called from a single
// goroutine in sequence order.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

// Emitter assigns sequence numbers to domain events and hands the resulting
// messages to its sinks in the order Emit was called.
type Emitter struct {
	mu      sync.Mutex
	seq     uint64
	queue   chan Message
	sinks   []Sink
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics
}

// NewEmitter creates an emitter. metrics may be nil.
func NewEmitter(logger zerolog.Logger, metrics *observability.Metrics, sinks ...Sink) *Emitter {
	return &Emitter{
		queue:   make(chan Message, queueSize),
		sinks:   sinks,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
		metrics: metrics,
	}
}

// Emit translates and enqueues events without blocking: callers hold round
// locks. A message that finds the queue full is dropped and counted; its
// sequence number is still consumed so subscribers see the gap.
func (e *Emitter) Emit(events ...Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, ev := range events {
		for _, r := range translate(ev, now) {
			e.seq++
			msg := Message{
				Seq:       e.seq,
				Type:      r.data.messageType(),
				Channel:   r.channel,
				Timestamp: now,
				Data:      r.data,
			}
			select {
			case e.queue <- msg:
				if e.metrics != nil {
					e.metrics.EventsEmitted.WithLabelValues(string(msg.Type)).Inc()
				}
			default:
				if e.metrics != nil {
					e.metrics.EventsDropped.Inc()
				}
				e.logger.Warn().
					Uint64("seq", msg.Seq).
					Str("type", string(msg.Type)).
					Msg("notification queue full, message dropped")
			}
		}
	}
}

// Run delivers queued messages until ctx is cancelled, then drains what is left.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case msg := <-e.queue:
			e.deliver(ctx, msg)
		}
	}
}

func (e *Emitter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case msg := <-e.queue:
			e.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (e *Emitter) deliver(ctx context.Context, msg Message) {
	for _, s := range e.sinks {
		if err := s.Deliver(ctx, msg); err != nil {
			if e.metrics != nil {
				e.metrics.EventsDropped.Inc()
			}
			e.logger.Warn().Err(err).
				Uint64("seq", msg.Seq).
				Str("type", string(msg.Type)).
				Msg("notification delivery failed")
		}
	}
}
