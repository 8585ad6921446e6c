package dispatch

import (
	"context"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
)

// RedisNotifier publishes on Redis pub/sub channels.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, channel string, payload []byte) error {
	_, err := n.client.Publish(ctx, channel, payload)
	return err
}

// RedisJobLog appends jobs to a Redis stream. Each entry carries the
// serialized question under "question", the field the worker reads, plus
// its replica index.
type RedisJobLog struct {
	client *redis.Client
	stream string
}

func NewRedisJobLog(client *redis.Client, stream string) *RedisJobLog {
	return &RedisJobLog{client: client, stream: stream}
}

func (l *RedisJobLog) Append(ctx context.Context, jobs []Job) error {
	entries := make([]map[string]any, len(jobs))
	for i, job := range jobs {
		entries[i] = map[string]any{
			"question": string(job.Question),
			"replica":  strconv.Itoa(job.Replica),
		}
	}
	_, err := l.client.AppendStream(ctx, l.stream, entries)
	return err
}
