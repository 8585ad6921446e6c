package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/resilience"
	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		Backend:             config.BackendRedis,
		JobStream:           "ai_gen_answers",
		QuestionChannel:     "questions",
		AnswerChannel:       "answers",
		Timeout:             time.Second,
		BreakerThreshold:    2,
		BreakerResetTimeout: time.Minute,
	}
}

func sampleQuestion() qa.Question {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return qa.Question{ID: 42, CourseCode: "CS101", Body: "What is a goroutine?", UserID: "u1", CreatedAt: ts, UpdatedAt: ts}
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return client, mr
}

// streamField returns the value of field in a flattened miniredis entry.
func streamField(values []string, field string) string {
	for i := 0; i+1 < len(values); i += 2 {
		if values[i] == field {
			return values[i+1]
		}
	}
	return ""
}

func TestOnQuestionCreatedRedis(t *testing.T) {
	client, mr := newRedis(t)
	ctx := context.Background()
	cfg := testConfig()
	m := metrics.NewNop()
	d := New(NewRedisNotifier(client), NewRedisJobLog(client, cfg.JobStream), cfg, "instance-a", m)

	sub, err := client.Subscribe(ctx, 4, cfg.QuestionChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	q := sampleQuestion()
	if err := d.OnQuestionCreated(ctx, q); err != nil {
		t.Fatalf("OnQuestionCreated: %v", err)
	}

	entries, err := mr.Stream(cfg.JobStream)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != ReplicationFactor {
		t.Fatalf("expected %d jobs, got %d", ReplicationFactor, len(entries))
	}
	for i, e := range entries {
		var got qa.Question
		if err := json.Unmarshal([]byte(streamField(e.Values, "question")), &got); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
		if got.ID != q.ID || got.Body != q.Body || got.CourseCode != q.CourseCode || !got.CreatedAt.Equal(q.CreatedAt) {
			t.Errorf("entry %d payload = %+v, want %+v", i, got, q)
		}
		if streamField(e.Values, "replica") != string(rune('0'+i)) {
			t.Errorf("entry %d replica = %q", i, streamField(e.Values, "replica"))
		}
	}

	select {
	case msg := <-sub.C:
		var n Notification
		if err := json.Unmarshal(msg.Payload, &n); err != nil {
			t.Fatal(err)
		}
		var got qa.Question
		_ = json.Unmarshal(n.Question, &got)
		if n.Origin != "instance-a" || got.ID != q.ID {
			t.Errorf("unexpected notification %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification published")
	}
	select {
	case msg := <-sub.C:
		t.Fatalf("expected exactly one notification, got another: %s", msg.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	if got := testutil.ToFloat64(m.JobsEnqueued); got != ReplicationFactor {
		t.Errorf("jobs metric = %v", got)
	}
}

func TestOnAnswerCreatedPublishesOnly(t *testing.T) {
	client, mr := newRedis(t)
	ctx := context.Background()
	cfg := testConfig()
	d := New(NewRedisNotifier(client), NewRedisJobLog(client, cfg.JobStream), cfg, "instance-a", metrics.NewNop())

	sub, err := client.Subscribe(ctx, 4, cfg.AnswerChannel)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := d.OnAnswerCreated(ctx, qa.Answer{ID: 7, QuestionID: 42, Body: "b"}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sub.C:
		if !strings.Contains(string(msg.Payload), `"questionId":42`) {
			t.Errorf("unexpected payload %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no answer notification")
	}
	if mr.Exists(cfg.JobStream) {
		t.Error("answers must not enqueue jobs")
	}
}

type fakeNotifier struct{ err error }

func (n fakeNotifier) Notify(context.Context, string, []byte) error { return n.err }

type fakePublisher struct {
	mu     sync.Mutex
	events []kafka.Event
	err    error
}

func (p *fakePublisher) PublishBatch(_ context.Context, events []kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func TestNotifyFailureStillAppendsJobs(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerThreshold = 10
	jobs := &fakePublisher{}
	notifyErr := errors.New("pubsub down")
	d := New(fakeNotifier{err: notifyErr}, NewKafkaJobLog(jobs), cfg, "a", metrics.NewNop())

	err := d.OnQuestionCreated(context.Background(), sampleQuestion())
	if !errors.Is(err, notifyErr) {
		t.Fatalf("expected notify error surfaced, got %v", err)
	}
	if len(jobs.events) != ReplicationFactor {
		t.Fatalf("expected %d jobs despite notify failure, got %d", ReplicationFactor, len(jobs.events))
	}
	for i, ev := range jobs.events {
		if ev.Key != "42" {
			t.Errorf("job %d key = %q, want question id", i, ev.Key)
		}
		job, ok := ev.Value.(kafkaJob)
		if !ok || job.Replica != i || !strings.Contains(job.Question, `"id":42`) {
			t.Errorf("job %d = %+v", i, ev.Value)
		}
	}
}

func TestKafkaNotifierRoutesByChannel(t *testing.T) {
	questions, answers := &fakePublisher{}, &fakePublisher{}
	n := NewKafkaNotifier(map[string]BatchPublisher{"questions": questions, "answers": answers})
	if err := n.Notify(context.Background(), "answers", []byte(`{"origin":"a"}`)); err != nil {
		t.Fatal(err)
	}
	if len(answers.events) != 1 || len(questions.events) != 0 {
		t.Errorf("routed to wrong topic: q=%d a=%d", len(questions.events), len(answers.events))
	}
	if err := n.Notify(context.Background(), "unknown", nil); err == nil {
		t.Error("expected error for unmapped channel")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	m := metrics.NewNop()
	jobs := &fakePublisher{err: errors.New("broker down")}
	d := New(fakeNotifier{err: errors.New("down")}, NewKafkaJobLog(jobs), cfg, "a", m)

	_ = d.OnQuestionCreated(context.Background(), sampleQuestion())
	err := d.OnQuestionCreated(context.Background(), sampleQuestion())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit open after threshold, got %v", err)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("dispatch-redis")); got != float64(resilience.StateOpen) {
		t.Errorf("breaker gauge = %v", got)
	}
}
