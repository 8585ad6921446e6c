package realtime

import (
	"context"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	"github.com/gorilla/websocket"
)

// Router delivers domain events to matching registry entries. Delivery is
// at most once with no retry and no ordering across recipients.
type Router struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewRouter(registry *Registry, m *metrics.Metrics) *Router {
	return &Router{
		registry: registry,
		metrics:  m,
		logger:   slog.Default().With("component", "broadcast-router"),
	}
}

// Broadcast encodes ev once and enqueues it on every matching connection. A
// connection that cannot take the message is removed from the registry and
// closed; the others are unaffected. It returns the number of connections
// the message was enqueued on.
func (r *Router) Broadcast(ctx context.Context, ev qa.Event) int {
	var (
		kind  EndpointKind
		match Match
		name  string
		msg   any
	)
	switch {
	case ev.Kind == qa.QuestionCreated && ev.Question != nil:
		kind, match, name = QuestionFeed, MatchCourse(ev.Question.CourseCode), EventQuestion
		msg = questionMessage{Event: EventQuestion, Question: *ev.Question}
	case ev.Kind == qa.AnswerCreated && ev.Answer != nil:
		kind, match, name = AnswerFeed, MatchQuestion(ev.Answer.QuestionKey()), EventAnswer
		msg = answerMessage{Event: EventAnswer, Answer: *ev.Answer}
	default:
		r.logger.Warn("ignoring malformed event", "kind", ev.Kind.String())
		return 0
	}

	payload, err := encode(msg)
	if err != nil {
		r.logger.Error("failed to encode event", "event", name, "error", err)
		return 0
	}

	targets := r.registry.Lookup(kind, match)
	r.metrics.BroadcastsTotal.WithLabelValues(name).Inc()
	r.metrics.BroadcastRecipients.WithLabelValues(name).Observe(float64(len(targets)))

	delivered := 0
	for _, c := range targets {
		if err := c.Handle.Send(payload); err != nil {
			r.metrics.DeliveriesTotal.WithLabelValues(name, "failed").Inc()
			if r.registry.Remove(c) {
				logger.FromContext(ctx).Warn("dropping subscriber after failed delivery",
					"endpoint", c.Kind.String(),
					"username", c.Identity,
					"subscription", c.Key,
					"error", err,
				)
			}
			c.Handle.Close(websocket.CloseTryAgainLater, "subscriber too slow")
			continue
		}
		r.metrics.DeliveriesTotal.WithLabelValues(name, "sent").Inc()
		delivered++
	}
	return delivered
}
