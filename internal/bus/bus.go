// Package bus is the in-process event broker between components and the
// WebSocket broker. Topics are raw.<kind>, processed.<kind>, event.<name>
// and monitoring. Payloads are pre-serialized envelopes so a message is
// marshaled once no matter how many subscribers receive it.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/ring"
	"github.com/lxbio/linkbandd/internal/sensor"
)

// TopicMonitoring carries the 1 Hz monitoring_metrics envelope.
const TopicMonitoring = "monitoring"

// RawTopic returns the topic for a sensor's raw stream.
func RawTopic(k sensor.Kind) string { return "raw." + k.String() }

// ProcessedTopic returns the topic for a pipeline's output stream.
func ProcessedTopic(k sensor.Kind) string { return "processed." + k.String() }

// EventTopic returns the topic for a lifecycle event name.
func EventTopic(name string) string { return "event." + name }

// DefaultPatterns is the subscription set every new client starts with.
func DefaultPatterns() []string {
	return []string{"raw.*", "processed.*", "event.*", TopicMonitoring}
}

// Match reports whether a subscription pattern covers a topic. Patterns
// are exact topics, "<prefix>.*" wildcards, or "*" for everything.
func Match(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}

// Message is one published payload tagged with its topic.
type Message struct {
	Topic string
	Data  []byte
}

// slowStreak is how many consecutive seconds of drops force-close a
// subscription.
const slowStreak = 3

// Subscription is one subscriber's bounded delivery queue plus its
// topic-pattern set. All methods are safe for concurrent use.
type Subscription struct {
	id  string
	bus *Bus

	patterns *PatternSet
	queue    *ring.Chan[Message]

	lagDrops atomic.Int64

	// drop-streak tracking, guarded by mu
	mu         sync.Mutex
	dropSec    int64
	dropStreak int

	closed    atomic.Bool
	closeOnce sync.Once
}

// ID returns the subscriber id the subscription was registered with.
func (s *Subscription) ID() string { return s.id }

// C is the delivery channel. It is closed when the subscription closes,
// either explicitly or by the slow-subscriber policy.
func (s *Subscription) C() <-chan Message { return s.queue.C() }

// Subscribe adds topic patterns to the set.
func (s *Subscription) Subscribe(patterns ...string) { s.patterns.Add(patterns...) }

// Unsubscribe removes topic patterns from the set.
func (s *Subscription) Unsubscribe(patterns ...string) { s.patterns.Remove(patterns...) }

// Patterns lists the active topic patterns.
func (s *Subscription) Patterns() []string { return s.patterns.List() }

// LagDrops returns how many messages were evicted from this subscriber's
// queue since it was created.
func (s *Subscription) LagDrops() int64 { return s.lagDrops.Load() }

// Closed reports whether the subscription has been closed.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Close removes the subscription from the bus and closes its channel.
// Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.bus.remove(s)
		s.queue.Close()
	})
}

// noteDrop records a queue eviction and reports whether the drop streak
// has reached the force-close threshold. Drops within one wall-clock
// second count once; a second without drops resets the streak.
func (s *Subscription) noteDrop(nowSec int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case nowSec == s.dropSec:
		// same second, streak unchanged
	case nowSec == s.dropSec+1:
		s.dropStreak++
	default:
		s.dropStreak = 1
	}
	s.dropSec = nowSec
	return s.dropStreak >= slowStreak
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published   int64
	Delivered   int64
	LagDrops    int64
	Subscribers int
}

// Bus fans published messages out to subscriptions. Publish never blocks:
// a full subscriber queue evicts its oldest message and the drop is
// charged to that subscriber alone.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	logger zerolog.Logger

	published atomic.Int64
	delivered atomic.Int64
	lagDrops  atomic.Int64

	// onSlow runs after a subscription is force-closed for sustained
	// drops. Set once during wiring, before any Publish.
	onSlow func(id string)
}

// New creates an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

// SetSlowHandler registers the callback invoked with the subscriber id
// whenever the slow-subscriber policy closes a subscription.
func (b *Bus) SetSlowHandler(fn func(id string)) {
	b.onSlow = fn
}

// Subscribe registers a new subscription with the given queue capacity
// and initial topic patterns.
func (b *Bus) Subscribe(id string, queueSize int, patterns ...string) *Subscription {
	sub := &Subscription{
		id:       id,
		bus:      b,
		patterns: NewPatternSet(patterns...),
		queue:    ring.New[Message](queueSize),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug().
		Str("subscriber", id).
		Int("queue_size", queueSize).
		Strs("patterns", patterns).
		Msg("Subscription registered")
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers data to every subscription whose patterns match topic.
// The caller keeps ownership of nothing: data must not be mutated after
// the call.
func (b *Bus) Publish(topic string, data []byte) {
	b.published.Add(1)
	nowSec := time.Now().Unix()

	var slow []*Subscription

	b.mu.RLock()
	for sub := range b.subs {
		if sub.closed.Load() || !sub.patterns.Matches(topic) {
			continue
		}
		if dropped := sub.queue.Send(Message{Topic: topic, Data: data}); dropped {
			sub.lagDrops.Add(1)
			b.lagDrops.Add(1)
			if sub.noteDrop(nowSec) {
				slow = append(slow, sub)
			}
			continue
		}
		b.delivered.Add(1)
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		b.logger.Warn().
			Str("subscriber", sub.id).
			Int64("lag_drops", sub.LagDrops()).
			Int("streak_seconds", slowStreak).
			Msg("Closing subscription after sustained drops")
		sub.Close()
		if b.onSlow != nil {
			b.onSlow(sub.id)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Snapshot returns current counters for monitoring.
func (b *Bus) Snapshot() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		LagDrops:    b.lagDrops.Load(),
		Subscribers: n,
	}
}

// Close closes every subscription. The bus must not be published to
// afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
