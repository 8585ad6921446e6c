package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/dispatch"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/resilience"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidNotification is returned by Bridge.Handle for payloads that
// carry no usable question or answer.
var ErrInvalidNotification = errors.New("invalid notification")

type broadcaster interface {
	Broadcast(ctx context.Context, ev qa.Event) int
}

// Bridge re-broadcasts notifications published by other instances to the
// subscribers of this one. Messages carrying this instance's origin were
// already delivered locally and are skipped. Payloads without an envelope,
// such as answers written by the generation workers, are taken as the bare
// entity of their channel.
type Bridge struct {
	out     broadcaster
	origin  string
	cfg     config.DispatchConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewBridge(out broadcaster, origin string, cfg config.DispatchConfig, m *metrics.Metrics) *Bridge {
	return &Bridge{
		out:     out,
		origin:  origin,
		cfg:     cfg,
		metrics: m,
		logger:  slog.Default().With("component", "bridge", "origin", origin),
	}
}

// Handle decodes one notification received on channel and broadcasts it.
func (b *Bridge) Handle(ctx context.Context, channel string, payload []byte) error {
	var n dispatch.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		b.metrics.BridgeMessages.WithLabelValues(channel, "invalid").Inc()
		return fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if n.Origin != "" && n.Origin == b.origin {
		b.metrics.BridgeMessages.WithLabelValues(channel, "skipped_own").Inc()
		return nil
	}

	ev, err := b.event(channel, n, payload)
	if err != nil {
		b.metrics.BridgeMessages.WithLabelValues(channel, "invalid").Inc()
		return err
	}
	delivered := b.out.Broadcast(ctx, ev)
	b.metrics.BridgeMessages.WithLabelValues(channel, "broadcast").Inc()
	b.logger.Debug("notification re-broadcast", "channel", channel, "from", n.Origin, "delivered", delivered)
	return nil
}

func (b *Bridge) event(channel string, n dispatch.Notification, payload []byte) (qa.Event, error) {
	switch channel {
	case b.cfg.QuestionChannel:
		body := n.Question
		if n.Origin == "" && len(body) == 0 {
			body = payload
		}
		if len(body) == 0 {
			return qa.Event{}, fmt.Errorf("%w: no question on %q", ErrInvalidNotification, channel)
		}
		var q qa.Question
		if err := json.Unmarshal(body, &q); err != nil {
			return qa.Event{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
		}
		if q.CourseCode == "" {
			return qa.Event{}, fmt.Errorf("%w: question %d has no course code", ErrInvalidNotification, q.ID)
		}
		return qa.QuestionEvent(q), nil
	case b.cfg.AnswerChannel:
		body := n.Answer
		if n.Origin == "" && len(body) == 0 {
			body = payload
		}
		if len(body) == 0 {
			return qa.Event{}, fmt.Errorf("%w: no answer on %q", ErrInvalidNotification, channel)
		}
		var a qa.Answer
		if err := json.Unmarshal(body, &a); err != nil {
			return qa.Event{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
		}
		if a.QuestionID == 0 {
			return qa.Event{}, fmt.Errorf("%w: answer %d has no question id", ErrInvalidNotification, a.ID)
		}
		return qa.AnswerEvent(a), nil
	default:
		return qa.Event{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidNotification, channel)
	}
}

// RunRedis subscribes to the question and answer channels and handles
// messages until ctx is cancelled.
func (b *Bridge) RunRedis(ctx context.Context, client *redis.Client) error {
	var sub *redis.Subscription
	err := resilience.Retry(ctx, "bridge-subscribe", resilience.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
	}, func() error {
		var err error
		sub, err = client.Subscribe(ctx, 256, b.cfg.QuestionChannel, b.cfg.AnswerChannel)
		return err
	})
	if err != nil {
		return fmt.Errorf("starting redis bridge: %w", err)
	}
	defer sub.Close()
	b.logger.Info("redis bridge started", "channels", []string{b.cfg.QuestionChannel, b.cfg.AnswerChannel})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := b.Handle(ctx, msg.Channel, msg.Payload); err != nil {
				b.logger.Warn("dropping notification", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// RunKafka consumes the question and answer topics with a consumer group
// unique to this instance, so every instance sees every notification.
func (b *Bridge) RunKafka(ctx context.Context, cfg config.KafkaConfig) error {
	topics := map[string]string{
		cfg.Topics.Questions: b.cfg.QuestionChannel,
		cfg.Topics.Answers:   b.cfg.AnswerChannel,
	}
	group := "qa-bridge-" + b.origin

	g, ctx := errgroup.WithContext(ctx)
	for topic, channel := range topics {
		consumer := kafka.NewConsumer(cfg, topic, group, func(ctx context.Context, _ []byte, value []byte) error {
			if err := b.Handle(ctx, channel, value); err != nil {
				// Invalid payloads are committed, not redelivered.
				b.logger.Warn("dropping notification", "topic", topic, "error", err)
			}
			return nil
		})
		g.Go(func() error { return consumer.Start(ctx) })
	}
	b.logger.Info("kafka bridge started", "group", group)
	return g.Wait()
}
