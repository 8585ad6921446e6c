package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/kafka"
)

// BatchPublisher is satisfied by *kafka.Producer.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// KafkaNotifier maps each logical channel to a topic producer.
type KafkaNotifier struct {
	topics map[string]BatchPublisher
}

func NewKafkaNotifier(topics map[string]BatchPublisher) *KafkaNotifier {
	return &KafkaNotifier{topics: topics}
}

func (n *KafkaNotifier) Notify(ctx context.Context, channel string, payload []byte) error {
	p, ok := n.topics[channel]
	if !ok {
		return fmt.Errorf("no kafka topic configured for channel %q", channel)
	}
	return p.PublishBatch(ctx, []kafka.Event{{Key: channel, Value: json.RawMessage(payload)}})
}

// kafkaJob mirrors the stream entry layout of RedisJobLog.
type kafkaJob struct {
	Question string `json:"question"`
	Replica  int    `json:"replica"`
}

// KafkaJobLog writes jobs keyed by question id, so all replicas of one
// question land on the same partition in order.
type KafkaJobLog struct {
	producer BatchPublisher
}

func NewKafkaJobLog(producer BatchPublisher) *KafkaJobLog {
	return &KafkaJobLog{producer: producer}
}

func (l *KafkaJobLog) Append(ctx context.Context, jobs []Job) error {
	events := make([]kafka.Event, len(jobs))
	for i, job := range jobs {
		events[i] = kafka.Event{
			Key:   job.Key,
			Value: kafkaJob{Question: string(job.Question), Replica: job.Replica},
		}
	}
	return l.producer.PublishBatch(ctx, events)
}
