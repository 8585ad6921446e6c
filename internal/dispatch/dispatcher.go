// Package dispatch publishes create-notifications for other server
// instances and appends answer-generation jobs to a durable log read by the
// external worker pool.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/resilience"
)

// ReplicationFactor is the number of identical generation jobs appended per
// question. Downstream workers each produce one candidate answer.
const ReplicationFactor = 3

// Notification is the envelope published on the question and answer
// channels. Origin identifies the publishing instance so it can skip its own
// messages when re-broadcasting.
type Notification struct {
	Origin   string          `json:"origin"`
	Question json.RawMessage `json:"question,omitempty"`
	Answer   json.RawMessage `json:"answer,omitempty"`
}

// Job is one entry in the generation log.
type Job struct {
	Key      string
	Question json.RawMessage
	Replica  int
}

// Notifier publishes a payload on a named broadcast channel.
type Notifier interface {
	Notify(ctx context.Context, channel string, payload []byte) error
}

// JobLog appends jobs to the durable, ordered, multi-consumer log. All jobs
// of one call are appended together.
type JobLog interface {
	Append(ctx context.Context, jobs []Job) error
}

// Dispatcher runs the side effects of a created question or answer. It
// provides no idempotency: calling OnQuestionCreated twice for one question
// publishes twice and appends 2*ReplicationFactor jobs.
type Dispatcher struct {
	notifier Notifier
	jobs     JobLog
	cfg      config.DispatchConfig
	origin   string
	breaker  *resilience.CircuitBreaker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Dispatcher. origin is this instance's id.
func New(notifier Notifier, jobs JobLog, cfg config.DispatchConfig, origin string, m *metrics.Metrics) *Dispatcher {
	breaker := resilience.NewCircuitBreaker("dispatch-"+cfg.Backend, resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &Dispatcher{
		notifier: notifier,
		jobs:     jobs,
		cfg:      cfg,
		origin:   origin,
		breaker:  breaker,
		metrics:  m,
		logger:   slog.Default().With("component", "dispatcher", "backend", cfg.Backend),
	}
}

// OnQuestionCreated publishes one notification on the question channel and
// appends ReplicationFactor jobs carrying the serialized question. Both steps
// are attempted; their errors are joined.
func (d *Dispatcher) OnQuestionCreated(ctx context.Context, q qa.Question) error {
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshaling question %d: %w", q.ID, err)
	}

	notifyErr := d.notify(ctx, d.cfg.QuestionChannel, Notification{Origin: d.origin, Question: payload})

	jobs := make([]Job, ReplicationFactor)
	for i := range jobs {
		jobs[i] = Job{Key: strconv.FormatInt(q.ID, 10), Question: payload, Replica: i}
	}
	appendErr := d.call(ctx, "append_jobs", func(ctx context.Context) error {
		return d.jobs.Append(ctx, jobs)
	})
	if appendErr == nil {
		d.metrics.JobsEnqueued.Add(float64(len(jobs)))
		d.logger.Debug("jobs appended", "question_id", q.ID, "count", len(jobs))
	}

	return errors.Join(notifyErr, appendErr)
}

// OnAnswerCreated publishes one notification on the answer channel.
func (d *Dispatcher) OnAnswerCreated(ctx context.Context, a qa.Answer) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshaling answer %d: %w", a.ID, err)
	}
	return d.notify(ctx, d.cfg.AnswerChannel, Notification{Origin: d.origin, Answer: payload})
}

func (d *Dispatcher) notify(ctx context.Context, channel string, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}
	return d.call(ctx, "notify_"+channel, func(ctx context.Context) error {
		return d.notifier.Notify(ctx, channel, body)
	})
}

// call bounds op with the dispatch timeout and the circuit breaker, and
// records the outcome.
func (d *Dispatcher) call(ctx context.Context, op string, fn func(context.Context) error) error {
	err := d.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, d.cfg.Timeout, op, fn)
	})
	status := "ok"
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	d.metrics.DispatchTotal.WithLabelValues(op, status).Inc()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
