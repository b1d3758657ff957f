// Package commbus — commbus.go
//
// In-kernel messaging: publish/subscribe, one-shot command send, and
// query/response with a timeout. Publish fan-out uses the teacher's
// bounded-channel-plus-non-blocking-send idiom from
// internal/kernel.Processor.Run: a slow subscriber gets its own queue
// and a drop counter, but never blocks delivery to anyone else.
//
// Subscribe is the in-process API; over IPC, CommBusService's subscribe
// method hands out the subscription's ID and its next_message method
// long-polls Next on that subscription to emulate streaming over a
// request/response transport.

package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/flowkernel/flowkernel/internal/recovery"
	"github.com/flowkernel/flowkernel/internal/types"
)

// PanicTopic is the topic Bus publishes to when a handler panics.
// Subscribing to it lets operators observe recovered faults without
// the kernel itself being touched by the panicking callback.
const PanicTopic = "system.panic_recovered"

// Message is one delivered publish.
type Message struct {
	Topic   string
	Payload any
}

// CommandHandler services exactly one send(target, payload) call.
type CommandHandler func(payload any) (any, error)

// QueryHandler services exactly one query(target, payload) call. It
// receives a context so a handler can observe the caller's timeout and
// abandon work early, though it is not required to.
type QueryHandler func(ctx context.Context, payload any) (any, error)

// Subscription is one live publish/subscribe registration. Next blocks
// until a message arrives or ctx is cancelled.
//
// closed is signaled, never the queue itself: Publish sends into queue
// without holding the Bus lock, so closing queue on Unsubscribe could
// race a concurrent send and panic. closed is safe to close exactly
// once (guarded by closeOnce) regardless of in-flight publishes.
type Subscription struct {
	ID        types.SubscriptionId
	Topic     string
	queue     chan Message
	closed    chan struct{}
	closeOnce sync.Once
	dropped   uint64
	mu        sync.Mutex
}

// Next returns the next message delivered to this subscription, or
// ctx.Err() if ctx is cancelled first, or NotFound if the subscription
// was removed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.queue:
		return msg, nil
	case <-s.closed:
		// Drain any message already queued before reporting removal.
		select {
		case msg := <-s.queue:
			return msg, nil
		default:
			return Message{}, types.ErrNotFound("commbus: subscription was removed")
		}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *Subscription) markClosed() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Dropped reports how many messages this subscription has lost to a
// full queue since registration.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) incDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// Bus owns every subscription and handler. All three patterns — pub/sub,
// send, query — share one lock for registration bookkeeping; message
// delivery and handler execution happen outside the lock so one slow
// subscriber or handler cannot stall registration of another.
type Bus struct {
	mu            sync.Mutex
	subsByTopic   map[string][]*Subscription
	subsByID      map[types.SubscriptionId]*Subscription
	commandByName map[string]CommandHandler
	queryByName   map[string]QueryHandler
	queueCap      int
}

// New creates an empty Bus. queueCap bounds each subscriber's backlog;
// publishes beyond that are dropped and counted, never blocked on.
func New(queueCap int) *Bus {
	if queueCap <= 0 {
		queueCap = 1
	}
	return &Bus{
		subsByTopic:   make(map[string][]*Subscription),
		subsByID:      make(map[types.SubscriptionId]*Subscription),
		commandByName: make(map[string]CommandHandler),
		queryByName:   make(map[string]QueryHandler),
		queueCap:      queueCap,
	}
}

// Subscribe registers a new subscriber for topic and returns its handle.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &Subscription{
		ID:     types.NewSubscriptionID(),
		Topic:  topic,
		queue:  make(chan Message, b.queueCap),
		closed: make(chan struct{}),
	}
	b.subsByTopic[topic] = append(b.subsByTopic[topic], sub)
	b.subsByID[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription. Idempotent: unsubscribing an
// already-removed or unknown ID is a no-op.
func (b *Bus) Unsubscribe(id types.SubscriptionId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subsByID[id]
	if !ok {
		return
	}
	delete(b.subsByID, id)
	list := b.subsByTopic[sub.Topic]
	for i, s := range list {
		if s.ID == id {
			b.subsByTopic[sub.Topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subsByTopic[sub.Topic]) == 0 {
		delete(b.subsByTopic, sub.Topic)
	}
	sub.markClosed()
}

// Publish delivers payload to every subscriber of topic, in FIFO order
// per subscriber. Delivery to a full subscriber queue is dropped rather
// than blocked: one stalled subscriber must not stall fan-out to
// others.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := append([]*Subscription(nil), b.subsByTopic[topic]...)
	b.mu.Unlock()

	msg := Message{Topic: topic, Payload: payload}
	for _, sub := range subs {
		select {
		case sub.queue <- msg:
		default:
			sub.incDropped()
		}
	}
}

// RegisterCommandHandler installs the single command handler for
// target, replacing any previous registration.
func (b *Bus) RegisterCommandHandler(target string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commandByName[target] = handler
}

// RegisterQueryHandler installs the single query handler for target,
// replacing any previous registration.
func (b *Bus) RegisterQueryHandler(target string, handler QueryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryByName[target] = handler
}

// Send invokes target's command handler synchronously and returns
// whatever it returns. Fails with NoHandler if target has none
// registered. A panicking handler is recovered and reported as an
// Internal error; it cannot corrupt the handler table.
func (b *Bus) Send(target string, payload any) (any, error) {
	b.mu.Lock()
	handler, ok := b.commandByName[target]
	b.mu.Unlock()
	if !ok {
		return nil, types.ErrNoHandler("commbus: no command handler for target: " + target)
	}
	return recovery.Guard(target, b.notifyPanic, func() (any, error) {
		return handler(payload)
	})
}

// Query invokes target's query handler and waits up to timeout for a
// result. On timeout it returns a Timeout error immediately; the
// handler goroutine keeps running to completion but its eventual
// result is discarded.
func (b *Bus) Query(ctx context.Context, target string, payload any, timeout time.Duration) (any, error) {
	b.mu.Lock()
	handler, ok := b.queryByName[target]
	b.mu.Unlock()
	if !ok {
		return nil, types.ErrNoHandler("commbus: no query handler for target: " + target)
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		val, err := recovery.GuardQuery(qctx, target, b.notifyPanic, func(c context.Context) (any, error) {
			return handler(c, payload)
		})
		resultCh <- outcome{val, err}
	}()

	select {
	case res := <-resultCh:
		return res.val, res.err
	case <-qctx.Done():
		return nil, types.ErrTimeout("commbus: query to " + target + " timed out")
	}
}

// notifyPanic publishes a recovered panic to PanicTopic. Publish itself
// never panics (channel sends are select/default-guarded), so this is
// safe to call from within a recover().
func (b *Bus) notifyPanic(ev recovery.Event) {
	b.Publish(PanicTopic, ev)
}

// Clear drops every subscription and handler. Any subscriber blocked in
// Next observes its subscription's closed signal and, once its queue is
// empty, returns NotFound.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subsByID {
		sub.markClosed()
	}
	b.subsByTopic = make(map[string][]*Subscription)
	b.subsByID = make(map[types.SubscriptionId]*Subscription)
	b.commandByName = make(map[string]CommandHandler)
	b.queryByName = make(map[string]QueryHandler)
}
