// internal/events/bus.go
package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBusClosed = errors.New("event bus closed")
	ErrQueueFull = errors.New("event queue full")
)

const busLaneCount = 4

type registration struct {
	id      string
	handler Handler
}

// Bus fans trade and provider events out to subscribers off the trading
// path. Events sharing a partition key (a token mint, a provider name) ride
// the same lane, so subscribers see one token's lifecycle in publish order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[string]Handler
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	lanes  []chan Event
}

// NewBus starts the delivery lanes. depth bounds the events queued per lane.
func NewBus(logger *zap.Logger, depth int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers: make(map[EventType]map[string]Handler),
		logger:   logger.Named("event_bus"),
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make([]chan Event, busLaneCount),
	}
	for i := range b.lanes {
		b.lanes[i] = make(chan Event, depth)
		b.wg.Add(1)
		go b.runLane(b.lanes[i])
	}
	return b
}

// Subscribe registers handler for eventType, or for every event when
// eventType is AllEvents.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Subscription {
	id := uuid.NewString()

	b.mu.Lock()
	set, ok := b.handlers[eventType]
	if !ok {
		set = make(map[string]Handler)
		b.handlers[eventType] = set
	}
	set[id] = handler
	b.mu.Unlock()

	b.logger.Debug("Subscriber added",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))
	return &subscription{id: id, eventBus: b, typ: eventType}
}

func (b *Bus) SubscribeFunc(eventType EventType, fn func(context.Context, Event) error) Subscription {
	return b.Subscribe(eventType, HandlerFunc(fn))
}

var _ Publisher = (*Bus)(nil)

// Publish queues event on its lane without blocking. A full lane drops the
// event. A nil bus discards events.
func (b *Bus) Publish(event Event) error {
	if b == nil {
		return nil
	}
	if b.ctx.Err() != nil {
		return ErrBusClosed
	}
	select {
	case b.lane(event) <- event:
		return nil
	default:
		b.logger.Warn("⚠️ Event dropped, lane is full",
			zap.String("event_type", string(event.Type())),
			zap.String("key", partitionKey(event)))
		return fmt.Errorf("%w: %s", ErrQueueFull, event.Type())
	}
}

// PublishSync delivers event to its subscribers on the calling goroutine
// and joins their errors.
func (b *Bus) PublishSync(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range b.subscribers(event.Type()) {
		if err := r.handler.Handle(ctx, event); err != nil {
			b.logger.Error("Subscriber failed",
				zap.String("event_type", string(event.Type())),
				zap.String("event_id", event.EventID()),
				zap.String("subscription_id", r.id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d subscriber(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (b *Bus) subscribers(t EventType) []registration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]registration, 0, len(b.handlers[t])+len(b.handlers[AllEvents]))
	for id, h := range b.handlers[t] {
		out = append(out, registration{id: id, handler: h})
	}
	if t != AllEvents {
		for id, h := range b.handlers[AllEvents] {
			out = append(out, registration{id: id, handler: h})
		}
	}
	return out
}

func (b *Bus) lane(e Event) chan Event {
	h := fnv.New32a()
	_, _ = h.Write([]byte(partitionKey(e)))
	return b.lanes[h.Sum32()%uint32(len(b.lanes))]
}

// runLane delivers one event at a time. After close it flushes what is
// still queued with a fresh context so late trade events reach the sinks.
func (b *Bus) runLane(queue chan Event) {
	defer b.wg.Done()
	for {
		select {
		case e := <-queue:
			_ = b.PublishSync(b.ctx, e)
		case <-b.ctx.Done():
			for {
				select {
				case e := <-queue:
					_ = b.PublishSync(context.Background(), e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) unsubscribe(id string, eventType EventType) {
	b.mu.Lock()
	if set, ok := b.handlers[eventType]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.handlers, eventType)
		}
	}
	b.mu.Unlock()

	b.logger.Debug("Subscriber removed",
		zap.String("event_type", string(eventType)),
		zap.String("subscription_id", id))
}

// Shutdown stops intake and waits for the lanes to flush or ctx to end.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.logger.Info("🔌 Closing event bus", zap.Int("queued", b.Pending()))
	b.cancel()

	flushed := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		b.logger.Info("✅ Event bus flushed")
		return nil
	case <-ctx.Done():
		b.logger.Warn("⚠️ Event bus flush interrupted", zap.Int("queued", b.Pending()))
		return ctx.Err()
	}
}

// Pending counts queued, undelivered events across lanes.
func (b *Bus) Pending() int {
	n := 0
	for _, q := range b.lanes {
		n += len(q)
	}
	return n
}
