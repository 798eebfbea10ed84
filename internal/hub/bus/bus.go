// Package bus is the in-memory fanout layer: it multiplexes committed
// events and transient guidance to filtered subscriptions, each with
// its own bounded delivery queue.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/agorahub/agora/internal/hub/id"
	"github.com/agorahub/agora/internal/hub/policy"
	"github.com/agorahub/agora/internal/hub/store"
	"github.com/agorahub/agora/internal/metrics"
)

// Delivery errors returned by Subscription.Next after the stream ends.
var (
	// ErrClosed means the subscription was removed (unsubscribe or
	// bus shutdown).
	ErrClosed = errors.New("subscription closed")
	// ErrOverrun means the subscriber was too slow and was dropped
	// under the DropSlow policy. Reconnect with sinceSeq to resume.
	ErrOverrun = errors.New("subscriber overrun")
)

// DeliveryPolicy selects what happens when a subscription's queue is full.
type DeliveryPolicy int

const (
	// Block stalls the publisher until the subscriber drains. This is
	// the default: event order is never silently broken.
	Block DeliveryPolicy = iota
	// DropSlow closes the slow subscription with ErrOverrun instead of
	// blocking the publisher.
	DropSlow
)

// Filter admits a subset of a conversation's events. Empty slices admit
// everything. Guidance is not filtered here.
type Filter struct {
	Types  []store.EventType
	Agents []string
}

func (f Filter) admits(ev *store.Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, ev.Type) {
		return false
	}
	if len(f.Agents) > 0 && !containsString(f.Agents, ev.AgentID) {
		return false
	}
	return true
}

// Item is one delivery: exactly one of Event or Guidance is set.
type Item struct {
	Event    *store.Event
	Guidance *policy.Guidance
}

// Options configures a subscription.
type Options struct {
	Conversation    int64
	Filter          Filter
	IncludeGuidance bool
	Buffer          int            // 0 uses the bus default
	Policy          *DeliveryPolicy // nil uses the bus default
	// Staging makes the subscription buffer live publishes until
	// FinishReplay is called, so a caller can splice in stored events
	// without gaps or reordering.
	Staging bool
}

// Subscription is one registered listener. Consume with Next; the
// channel behind it is the bounded delivery queue.
type Subscription struct {
	id              string
	conversation    int64
	filter          Filter
	includeGuidance bool
	policy          DeliveryPolicy

	ch   chan Item
	done chan struct{}

	closeOnce sync.Once
	err       error // written before done closes, read after

	mu      sync.Mutex
	staging bool
	staged  []Item
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() string { return s.id }

// Conversation returns the conversation this subscription watches.
func (s *Subscription) Conversation() int64 { return s.conversation }

// Next blocks for the next item. It returns ErrOverrun when the
// subscription was dropped for falling behind, ErrClosed after
// unsubscribe, or ctx.Err() on cancellation.
func (s *Subscription) Next(ctx context.Context) (Item, error) {
	select {
	case it := <-s.ch:
		return it, nil
	default:
	}
	select {
	case it := <-s.ch:
		return it, nil
	case <-s.done:
		// Drain anything already queued before reporting the end.
		select {
		case it := <-s.ch:
			return it, nil
		default:
		}
		return Item{}, s.err
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

// Deliver injects one item into this subscription only, respecting the
// staging window and queue policy. Used for guidance rehydration.
func (s *Subscription) Deliver(it Item) {
	s.push(it)
}

// close ends the subscription with the given error. Safe to call
// multiple times and from any goroutine.
func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// push delivers one item, applying the queue policy. Items published
// while staging are parked until FinishReplay.
func (s *Subscription) push(it Item) {
	s.mu.Lock()
	if s.staging {
		s.staged = append(s.staged, it)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deliver(it)
}

func (s *Subscription) deliver(it Item) {
	switch s.policy {
	case DropSlow:
		select {
		case s.ch <- it:
		case <-s.done:
		default:
			s.close(ErrOverrun)
		}
	default: // Block
		select {
		case s.ch <- it:
		case <-s.done:
		}
	}
}

// FinishReplay splices stored events into the stream and switches the
// subscription live. Events staged while the replay was loading are
// delivered afterwards, minus any the replay already covered.
func (s *Subscription) FinishReplay(events []store.Event) {
	var maxSeq int64
	for i := range events {
		ev := &events[i]
		if !s.filter.admits(ev) {
			continue
		}
		s.deliver(Item{Event: ev})
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}
	if len(events) > 0 {
		if last := events[len(events)-1].Seq; last > maxSeq {
			maxSeq = last
		}
	}

	// Drain staged batches until none are left, then flip live inside
	// the same critical section so no publish can overtake the drain.
	for {
		s.mu.Lock()
		if len(s.staged) == 0 {
			s.staging = false
			s.mu.Unlock()
			return
		}
		batch := s.staged
		s.staged = nil
		s.mu.Unlock()

		for _, it := range batch {
			if it.Event != nil && it.Event.Seq <= maxSeq {
				continue
			}
			s.deliver(it)
		}
	}
}

// Bus is the in-process fanout registry. Lookups on publish take the
// read lock; (un)subscribe takes the write lock.
type Bus struct {
	mu     sync.RWMutex
	byConv map[int64]map[string]*Subscription
	byID   map[string]*Subscription

	defaultBuffer int
	defaultPolicy DeliveryPolicy
}

// New creates a bus. defaultBuffer is the per-subscription queue
// capacity; policy is applied to subscriptions that do not override it.
func New(defaultBuffer int, defaultPolicy DeliveryPolicy) *Bus {
	if defaultBuffer <= 0 {
		defaultBuffer = 64
	}
	return &Bus{
		byConv:        make(map[int64]map[string]*Subscription),
		byID:          make(map[string]*Subscription),
		defaultBuffer: defaultBuffer,
		defaultPolicy: defaultPolicy,
	}
}

// Subscribe registers a listener and returns its subscription.
func (b *Bus) Subscribe(opts Options) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = b.defaultBuffer
	}
	pol := b.defaultPolicy
	if opts.Policy != nil {
		pol = *opts.Policy
	}

	s := &Subscription{
		id:              id.Generate(),
		conversation:    opts.Conversation,
		filter:          opts.Filter,
		includeGuidance: opts.IncludeGuidance,
		policy:          pol,
		ch:              make(chan Item, buffer),
		done:            make(chan struct{}),
		staging:         opts.Staging,
	}

	b.mu.Lock()
	if b.byConv[opts.Conversation] == nil {
		b.byConv[opts.Conversation] = make(map[string]*Subscription)
	}
	b.byConv[opts.Conversation][s.id] = s
	b.byID[s.id] = s
	b.mu.Unlock()

	metrics.SubscriptionsActive.Inc()
	return s
}

// Unsubscribe removes a subscription by id. In-flight deliveries are
// released; Next returns ErrClosed once the queue drains.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	s, ok := b.byID[subID]
	if ok {
		delete(b.byID, subID)
		if m := b.byConv[s.conversation]; m != nil {
			delete(m, subID)
			if len(m) == 0 {
				delete(b.byConv, s.conversation)
			}
		}
	}
	b.mu.Unlock()

	if ok {
		s.close(ErrClosed)
		metrics.SubscriptionsActive.Dec()
	}
}

// Publish fans one committed event out to every matching subscription.
// The caller must publish events of a conversation in seq order.
func (b *Bus) Publish(ev *store.Event) {
	for _, s := range b.snapshot(ev.Conversation) {
		if !s.filter.admits(ev) {
			continue
		}
		s.push(Item{Event: ev})
	}
}

// PublishGuidance fans transient guidance out to subscriptions that
// opted in. Callers publish guidance after its triggering event.
func (b *Bus) PublishGuidance(g *policy.Guidance) {
	for _, s := range b.snapshot(g.Conversation) {
		if !s.includeGuidance {
			continue
		}
		s.push(Item{Guidance: g})
	}
}

// Shutdown closes every subscription.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.byID))
	for _, s := range b.byID {
		subs = append(subs, s)
	}
	b.byID = make(map[string]*Subscription)
	b.byConv = make(map[int64]map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close(ErrClosed)
		metrics.SubscriptionsActive.Dec()
	}
}

// Count returns the number of live subscriptions for a conversation.
func (b *Bus) Count(conversation int64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byConv[conversation])
}

// snapshot copies the subscriber set so deliveries do not hold the
// registry lock.
func (b *Bus) snapshot(conversation int64) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := b.byConv[conversation]
	if len(m) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func containsType(ts []store.EventType, t store.EventType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
