// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/maestro/pkg/errkind"
)

const defaultBufferSize = 64

// Handler processes a delivered event. Returned errors are counted and
// swallowed; they never reach other subscribers or the emitter.
type Handler func(ctx context.Context, ev Event) error

// Subscription is the handle returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id        string
	eventType string
	handler   Handler
	ch        chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Options configures a Bus.
type Options struct {
	// NodeID identifies this process on the remote channel. Remote messages
	// whose origin matches NodeID are dropped (loop prevention).
	NodeID string

	// Remote is the optional cross-process transport. Nil means local-only.
	Remote Remote

	// BufferSize is the per-subscriber queue depth. Delivery is best-effort:
	// events beyond a full queue are dropped for that subscriber.
	BufferSize int

	// SubscriberErrors counts handler errors and panics. Optional.
	SubscriberErrors prometheus.Counter
}

// Bus is the in-process publish/subscribe hub with optional remote fan-out.
type Bus struct {
	nodeID     string
	remote     Remote
	bufferSize int
	errCounter prometheus.Counter

	mu      sync.RWMutex
	subs    map[string][]*Subscription
	waiters map[string]*requestWaiter
	closed  bool

	wg sync.WaitGroup
}

// requestWaiter is a pending Request. A reply resolves it only when its
// reply_to field names the original request event.
type requestWaiter struct {
	ch        chan Event
	requestID string
}

// New creates a Bus. The bus is usable immediately for local delivery;
// call Start to connect the remote transport.
func New(opts Options) *Bus {
	if opts.NodeID == "" {
		opts.NodeID = uuid.New().String()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	return &Bus{
		nodeID:     opts.NodeID,
		remote:     opts.Remote,
		bufferSize: opts.BufferSize,
		errCounter: opts.SubscriberErrors,
		subs:       make(map[string][]*Subscription),
		waiters:    make(map[string]*requestWaiter),
	}
}

// NodeID returns the bus node identifier used for loop prevention.
func (b *Bus) NodeID() string {
	return b.nodeID
}

// Start connects the remote transport and begins re-emitting received
// messages locally. It returns immediately; the receive loop reconnects
// with exponential backoff until ctx is cancelled or Close is called.
func (b *Bus) Start(ctx context.Context) error {
	if b.remote == nil {
		return nil
	}
	return b.remote.Start(ctx, b.receiveRemote)
}

// receiveRemote handles a message from the shared channel.
func (b *Bus) receiveRemote(ev Event) {
	if ev.OriginNode == b.nodeID {
		// Our own message echoed back; drop it.
		return
	}
	b.dispatch(context.Background(), ev)
}

// EmitOption adjusts the behavior of a single Emit call.
type EmitOption func(*emitConfig)

type emitConfig struct {
	localOnly bool
}

// LocalOnly suppresses the remote publish for this event.
func LocalOnly() EmitOption {
	return func(c *emitConfig) { c.localOnly = true }
}

// Emit delivers the event to all local subscribers of its type and, unless
// LocalOnly is given, publishes it to the remote channel. It returns after
// local delivery is initiated; the remote publish is fire-and-forget.
func (b *Bus) Emit(ctx context.Context, ev Event, opts ...EmitOption) {
	var cfg emitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.OriginNode = b.nodeID

	b.dispatch(ctx, ev)

	if !cfg.localOnly && b.remote != nil {
		if err := b.remote.Publish(ctx, ev); err != nil {
			slog.Warn("Remote publish failed, event delivered locally only",
				"event_type", ev.Type,
				"event_id", ev.ID,
				"error", err)
		}
	}
}

// dispatch queues the event for every local subscriber of its type and
// resolves any pending Request waiter.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Type]
	var waiter chan Event
	if ev.CorrelationID != "" {
		if replyTo, ok := ev.Payload["reply_to"].(string); ok && replyTo != "" {
			if w := b.waiters[ev.CorrelationID]; w != nil && w.requestID == replyTo {
				waiter = w.ch
			}
		}
	}
	b.mu.RUnlock()

	if waiter != nil {
		select {
		case waiter <- ev:
		default:
			// Waiter already satisfied or gone.
		}
	}

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		default:
			slog.Warn("Subscriber queue full, dropping event",
				"event_type", ev.Type,
				"event_id", ev.ID)
		}
	}
}

// Subscribe registers a handler for an event type. Handlers run on a
// dedicated goroutine per subscription: concurrent with the emitter,
// serialized within the subscription.
func (b *Bus) Subscribe(eventType string, handler Handler) *Subscription {
	sub := &Subscription{
		id:        uuid.New().String(),
		eventType: eventType,
		handler:   handler,
		ch:        make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(sub)

	return sub
}

// SubscribeOnce registers a handler that fires for the first matching event
// and then unsubscribes itself. match may be nil to accept any event.
func (b *Bus) SubscribeOnce(eventType string, match func(Event) bool, handler Handler) *Subscription {
	var once sync.Once
	var sub *Subscription
	sub = b.Subscribe(eventType, func(ctx context.Context, ev Event) error {
		if match != nil && !match(ev) {
			return nil
		}
		var err error
		once.Do(func() {
			err = handler(ctx, ev)
			go b.Unsubscribe(sub)
		})
		return err
	})
	return sub
}

// deliver drains a subscription queue, invoking the handler serially.
func (b *Bus) deliver(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.ch:
			b.invoke(sub, ev)
		case <-sub.done:
			// Drain what was queued before shutdown.
			for {
				select {
				case ev := <-sub.ch:
					b.invoke(sub, ev)
				default:
					return
				}
			}
		}
	}
}

// invoke runs a handler, containing errors and panics.
func (b *Bus) invoke(sub *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.countError()
			slog.Error("Subscriber panicked",
				"event_type", ev.Type,
				"event_id", ev.ID,
				"panic", r)
		}
	}()

	if err := sub.handler(context.Background(), ev); err != nil {
		b.countError()
		slog.Warn("Subscriber returned error",
			"event_type", ev.Type,
			"event_id", ev.ID,
			"error", err)
	}
}

func (b *Bus) countError() {
	if b.errCounter != nil {
		b.errCounter.Inc()
	}
}

// Unsubscribe removes a subscription. Pending queued events are still
// delivered before the subscription goroutine exits.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.close()
}

// Request emits the event with a fresh correlation ID and waits for a single
// reply carrying the same correlation ID and a reply_to payload field equal
// to the request's event ID. It fails with a timeout error when no reply
// arrives in time.
func (b *Bus) Request(ctx context.Context, ev Event, timeout time.Duration) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.CorrelationID = uuid.New().String()

	waiter := &requestWaiter{ch: make(chan Event, 1), requestID: ev.ID}
	b.mu.Lock()
	b.waiters[ev.CorrelationID] = waiter
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.waiters, ev.CorrelationID)
		b.mu.Unlock()
	}()

	b.Emit(ctx, ev)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter.ch:
		return reply, nil
	case <-timer.C:
		return Event{}, errkind.Newf(errkind.Timeout, "no reply to %s within %s", ev.Type, timeout)
	case <-ctx.Done():
		return Event{}, errkind.Wrap(errkind.Timeout, "request cancelled", ctx.Err())
	}
}

// Reply emits a response to a Request event, tagged so the waiter matches it.
func (b *Bus) Reply(ctx context.Context, req Event, source string, payload map[string]any) {
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["reply_to"] = req.ID

	reply := NewEvent(req.Type+".reply", source, payload)
	reply.CorrelationID = req.CorrelationID
	b.Emit(ctx, reply)
}

// Close shuts the bus down. Queued events are drained, the remote transport
// is closed, and subsequent subscriptions are inert.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	b.wg.Wait()

	if b.remote != nil {
		return b.remote.Close()
	}
	return nil
}
