// Package memory is the in-process pub/sub transport and flag store used when
// API and worker share one process, and as the substitutable fake in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

const defaultBuffer = 256

// Broker fans payloads out to the subscribers present at publish time. A slow
// subscriber whose buffer is full loses the payload; publishers never block.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[*subscription]struct{}
	buffer  int
	dropped func(channel string)
}

type BrokerOption func(*Broker)

func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithDropHook is called for every payload a full subscriber buffer rejects.
func WithDropHook(fn func(channel string)) BrokerOption {
	return func(b *Broker) { b.dropped = fn }
}

func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[string]map[*subscription]struct{}),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			if b.dropped != nil {
				b.dropped(channel)
			}
		}
	}
	return nil
}

func (b *Broker) Subscribe(_ context.Context, channel string) (ports.Subscription, error) {
	sub := &subscription{
		broker:  b,
		channel: channel,
		ch:      make(chan []byte, b.buffer),
	}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*subscription]struct{})
	}
	b.subs[channel][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Subscribers reports how many subscriptions are open on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sub.channel]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.channel)
	}
	close(sub.ch)
}

type subscription struct {
	broker  *Broker
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *subscription) Messages() <-chan []byte {
	return s.ch
}

func (s *subscription) Close() error {
	s.once.Do(func() { s.broker.remove(s) })
	return nil
}

// FlagStore keeps string flags with an absolute expiry. Expired entries are
// dropped lazily on read.
type FlagStore struct {
	mu      sync.Mutex
	entries map[string]flagEntry
	now     func() time.Time
}

type flagEntry struct {
	value     string
	expiresAt time.Time
}

func NewFlagStore() *FlagStore {
	return &FlagStore{
		entries: make(map[string]flagEntry),
		now:     time.Now,
	}
}

func (s *FlagStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		delete(s.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// SetWithExpiry stores value under key; a non-positive ttl never expires.
func (s *FlagStore) SetWithExpiry(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := flagEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}
