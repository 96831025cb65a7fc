package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kirillkom/generation-orchestrator/internal/core/domain"
	"github.com/kirillkom/generation-orchestrator/internal/core/ports"
)

const (
	channelPrefix    = "generate_result:"
	stoppedKeyPrefix = "generate_result_stopped:"

	DefaultStopFlagTTL = 600 * time.Second
)

// ChannelName is the pub/sub channel of one (principal, task) pair.
func ChannelName(principal domain.Principal, taskID string) (string, error) {
	if !principal.Valid() {
		return "", domain.WrapError(domain.ErrInvalidInput, "channel name", errors.New("principal is required"))
	}
	return channelPrefix + principal.ChannelFragment() + "-" + taskID, nil
}

// StoppedKey is the cancellation flag key of one (principal, task) pair.
func StoppedKey(principal domain.Principal, taskID string) (string, error) {
	if !principal.Valid() {
		return "", domain.WrapError(domain.ErrInvalidInput, "stopped key", errors.New("principal is required"))
	}
	return stoppedKeyPrefix + principal.ChannelFragment() + "-" + taskID, nil
}

// TaskStream publishes the lifecycle events of a single task and observes its
// stop flag. Delivery is fire-and-forget: nothing is buffered for late
// subscribers.
type TaskStream struct {
	publisher  ports.Publisher
	flags      ports.FlagStore
	metrics    ports.TaskMetrics
	logger     *zap.Logger
	taskID     string
	channel    string
	stoppedKey string

	chainEvents bool
}

// StreamOptions gates optional events. Agent thoughts are always published.
type StreamOptions struct {
	ChainEvents bool
}

func NewTaskStream(
	publisher ports.Publisher,
	flags ports.FlagStore,
	metrics ports.TaskMetrics,
	logger *zap.Logger,
	principal domain.Principal,
	taskID string,
	options StreamOptions,
) (*TaskStream, error) {
	channel, err := ChannelName(principal, taskID)
	if err != nil {
		return nil, err
	}
	stoppedKey, err := StoppedKey(principal, taskID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskStream{
		publisher:   publisher,
		flags:       flags,
		metrics:     metrics,
		logger:      logger,
		taskID:      taskID,
		channel:     channel,
		stoppedKey:  stoppedKey,
		chainEvents: options.ChainEvents,
	}, nil
}

func (s *TaskStream) Channel() string {
	return s.channel
}

// PublishText publishes a message fragment and then checks the stop flag. The
// fragment always goes out before a stop is honoured.
func (s *TaskStream) PublishText(ctx context.Context, msg *domain.Message, conv *domain.Conversation, text string) error {
	err := s.publish(ctx, domain.Event{
		Kind: domain.EventMessage,
		Data: domain.MessageEventData{
			TaskID:         s.taskID,
			MessageID:      msg.ID,
			Text:           text,
			Mode:           conv.Mode,
			ConversationID: conv.ID,
		},
	})
	if err != nil {
		return err
	}
	return s.stopCheckpoint(ctx)
}

// PublishChain publishes a completed reasoning chain when chain events are
// enabled. The stop flag is checked either way.
func (s *TaskStream) PublishChain(ctx context.Context, msg *domain.Message, conv *domain.Conversation, chain domain.MessageChain) error {
	if s.chainEvents {
		err := s.publish(ctx, domain.Event{
			Kind: domain.EventChain,
			Data: domain.ChainEventData{
				TaskID:         s.taskID,
				MessageID:      msg.ID,
				ChainID:        chain.ID,
				Type:           chain.Type,
				Input:          rawJSON(chain.Input),
				Output:         rawJSON(chain.Output),
				Mode:           conv.Mode,
				ConversationID: conv.ID,
			},
		})
		if err != nil {
			return err
		}
	}
	return s.stopCheckpoint(ctx)
}

// PublishAgentThought publishes a started thought and then checks the stop
// flag.
func (s *TaskStream) PublishAgentThought(ctx context.Context, msg *domain.Message, conv *domain.Conversation, thought domain.AgentThought) error {
	err := s.publish(ctx, domain.Event{
		Kind: domain.EventAgentThought,
		Data: domain.AgentThoughtEventData{
			ID:             thought.ID,
			TaskID:         s.taskID,
			MessageID:      msg.ID,
			ChainID:        thought.MessageChainID,
			Position:       thought.Position,
			Thought:        thought.Thought,
			Tool:           thought.Tool,
			ToolInput:      thought.ToolInput,
			Mode:           conv.Mode,
			ConversationID: conv.ID,
		},
	})
	if err != nil {
		return err
	}
	return s.stopCheckpoint(ctx)
}

func (s *TaskStream) PublishEnd(ctx context.Context) error {
	return s.publish(ctx, domain.Event{Kind: domain.EventEnd})
}

// IsStopped is a point-in-time read of the stop flag.
func (s *TaskStream) IsStopped(ctx context.Context) (bool, error) {
	_, ok, err := s.flags.Get(ctx, s.stoppedKey)
	if err != nil {
		return false, fmt.Errorf("read stop flag: %w", err)
	}
	return ok, nil
}

func (s *TaskStream) stopCheckpoint(ctx context.Context) error {
	stopped, err := s.IsStopped(ctx)
	if err != nil {
		return err
	}
	if !stopped {
		return nil
	}
	if err := s.PublishEnd(ctx); err != nil {
		return err
	}
	s.logger.Info("task_stop_observed", zap.String("channel", s.channel))
	return domain.ErrTaskStopped
}

func (s *TaskStream) publish(ctx context.Context, event domain.Event) error {
	if err := publishEvent(ctx, s.publisher, s.channel, event); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.EventPublished(event.Kind)
	}
	return nil
}

// StreamControl is the out-of-band side of the protocol: anything that only
// knows the (principal, task) pair. It is safe to call from other processes.
type StreamControl struct {
	publisher   ports.Publisher
	flags       ports.FlagStore
	metrics     ports.TaskMetrics
	stopFlagTTL time.Duration
}

func NewStreamControl(publisher ports.Publisher, flags ports.FlagStore, metrics ports.TaskMetrics, stopFlagTTL time.Duration) *StreamControl {
	if stopFlagTTL <= 0 {
		stopFlagTTL = DefaultStopFlagTTL
	}
	return &StreamControl{
		publisher:   publisher,
		flags:       flags,
		metrics:     metrics,
		stopFlagTTL: stopFlagTTL,
	}
}

func (c *StreamControl) ChannelName(principal domain.Principal, taskID string) (string, error) {
	return ChannelName(principal, taskID)
}

// RequestStop sets the stop flag. It does not publish anything; the running
// task ends the stream at its next publish checkpoint.
func (c *StreamControl) RequestStop(ctx context.Context, principal domain.Principal, taskID string) error {
	key, err := StoppedKey(principal, taskID)
	if err != nil {
		return err
	}
	if err := c.flags.SetWithExpiry(ctx, key, "1", c.stopFlagTTL); err != nil {
		return fmt.Errorf("set stop flag: %w", err)
	}
	if c.metrics != nil {
		c.metrics.StopRequested()
	}
	return nil
}

func (c *StreamControl) Ping(ctx context.Context, principal domain.Principal, taskID string) error {
	channel, err := ChannelName(principal, taskID)
	if err != nil {
		return err
	}
	return publishEvent(ctx, c.publisher, channel, domain.Event{Kind: domain.EventPing})
}

func (c *StreamControl) PublishError(ctx context.Context, principal domain.Principal, taskID string, cause error) error {
	channel, err := ChannelName(principal, taskID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(domain.ErrorEvent{
		Error:       domain.ErrorName(cause),
		Description: describeError(cause),
	})
	if err != nil {
		return fmt.Errorf("marshal error event: %w", err)
	}
	if err := c.publisher.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish error event: %w", err)
	}
	return nil
}

func publishEvent(ctx context.Context, publisher ports.Publisher, channel string, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Kind, err)
	}
	if err := publisher.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Kind, err)
	}
	return nil
}

func describeError(err error) string {
	var pe *domain.ProviderError
	if errors.As(err, &pe) && pe.Message != "" {
		return pe.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func rawJSON(s string) json.RawMessage {
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(s)
}
