package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
	"github.com/kirillkom/generation-orchestrator/internal/infrastructure/resilience"
)

const (
	defaultChannelPrefix = "generate."
	defaultChannelBuffer = 256
)

// ChannelBus carries task channels over core NATS subjects. Delivery is at
// most once and only to subscriptions open at publish time.
type ChannelBus struct {
	conn     *nats.Conn
	prefix   string
	buffer   int
	executor *resilience.Executor
	logger   *zap.Logger
}

type ChannelBusOptions struct {
	SubjectPrefix      string
	Buffer             int
	ResilienceExecutor *resilience.Executor
}

func NewChannelBus(conn *nats.Conn, options ChannelBusOptions, logger *zap.Logger) *ChannelBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := options.SubjectPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	return &ChannelBus{
		conn:     conn,
		prefix:   prefix,
		buffer:   buffer,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}
}

func (b *ChannelBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return publish(ctx, b.conn, b.executor, "nats.channel_publish", b.subject(channel), payload)
}

// Subscribe opens the subscription and flushes so the server has registered
// interest before the caller dispatches work that publishes on channel.
func (b *ChannelBus) Subscribe(_ context.Context, channel string) (ports.Subscription, error) {
	subject := b.subject(channel)
	out := &channelSubscription{ch: make(chan []byte, b.buffer)}
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		if !out.deliver(msg.Data) {
			b.logger.Warn("channel_payload_dropped", zap.String("channel", channel))
		}
	})
	if err != nil {
		return nil, wrapTemporaryIfNeeded(fmt.Errorf("nats subscribe %s: %w", subject, err))
	}
	out.sub = sub
	if err := b.conn.Flush(); err != nil {
		_ = out.Close()
		return nil, wrapTemporaryIfNeeded(fmt.Errorf("nats flush: %w", err))
	}
	return out, nil
}

func (b *ChannelBus) subject(channel string) string {
	return b.prefix + subjectToken(channel)
}

// subjectToken keeps a channel name inside a single NATS subject token.
func subjectToken(channel string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, channel)
}

type channelSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *channelSubscription) deliver(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- append([]byte(nil), data...):
		return true
	default:
		return false
	}
}

func (s *channelSubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *channelSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("nats unsubscribe: %w", err)
	}
	return nil
}
