// Package service implements the Q&A write path: validate, rate limit,
// persist, then fan out to local subscribers and the job dispatcher.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/store"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/validator"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/tracing"
	"github.com/jonboulle/clockwork"
)

// Limiter reserves a cooldown slot before a write.
type Limiter interface {
	Reserve(ctx context.Context, action, identity string, now time.Time) (*ratelimit.Reservation, error)
}

// Dispatcher notifies other instances and enqueues follow-up jobs.
type Dispatcher interface {
	OnQuestionCreated(ctx context.Context, q qa.Question) error
	OnAnswerCreated(ctx context.Context, a qa.Answer) error
}

// Broadcaster pushes events to subscribers connected to this instance and
// returns how many received it.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev qa.Event) int
}

// CourseCache serves the course list, calling load on a miss.
type CourseCache interface {
	Courses(ctx context.Context, load func(context.Context) ([]qa.Course, error)) ([]qa.Course, error)
}

// Deps are the collaborators a Service is built from. Courses may be nil.
type Deps struct {
	Store       store.Store
	Limiter     Limiter
	Dispatcher  Dispatcher
	Broadcaster Broadcaster
	Courses     CourseCache
	Clock       clockwork.Clock
}

type Service struct {
	store       store.Store
	limiter     Limiter
	dispatcher  Dispatcher
	broadcaster Broadcaster
	courses     CourseCache
	clock       clockwork.Clock
	logger      *slog.Logger
}

func New(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	return &Service{
		store:       d.Store,
		limiter:     d.Limiter,
		dispatcher:  d.Dispatcher,
		broadcaster: d.Broadcaster,
		courses:     d.Courses,
		clock:       d.Clock,
		logger:      slog.Default().With("component", "qa-service"),
	}
}

// CreateQuestion persists a question for userID. A rate-limit rejection
// returns *ratelimit.RejectedError before anything is written. Dispatch
// failures are logged and do not fail the call.
func (s *Service) CreateQuestion(ctx context.Context, userID string, nq qa.NewQuestion) (q qa.Question, err error) {
	if err := validator.ValidateIdentity(userID); err != nil {
		return qa.Question{}, err
	}
	if err := validator.ValidateQuestion(&nq); err != nil {
		return qa.Question{}, err
	}

	ctx, span := tracing.Start(ctx, "create_question")
	span.SetAttr("course_code", nq.CourseCode)
	log := logger.FromContext(ctx)

	defer func() {
		span.End(err)
		span.Log(ctx, log)
	}()

	err = s.guarded(ctx, ratelimit.ActionQuestion, userID, func(ctx context.Context) error {
		var err error
		q, err = s.store.CreateQuestion(ctx, userID, nq)
		return err
	})
	if err != nil {
		return qa.Question{}, err
	}

	log.Info("question created", "question_id", q.ID, "course_code", q.CourseCode, "user_id", userID)

	// The write has succeeded; notification must not depend on the caller
	// staying connected.
	bg := context.WithoutCancel(ctx)
	delivered := s.broadcast(bg, qa.QuestionEvent(q))
	if err := s.step(bg, "dispatch", func(ctx context.Context) error {
		return s.dispatcher.OnQuestionCreated(ctx, q)
	}); err != nil {
		log.Error("question dispatch failed", "question_id", q.ID, "error", err)
	}
	log.Debug("question fanned out", "question_id", q.ID, "local_recipients", delivered)
	return q, nil
}

// CreateAnswer persists an answer for userID, guarded by the answer cooldown.
func (s *Service) CreateAnswer(ctx context.Context, userID string, na qa.NewAnswer) (a qa.Answer, err error) {
	if err := validator.ValidateIdentity(userID); err != nil {
		return qa.Answer{}, err
	}
	if err := validator.ValidateAnswer(&na); err != nil {
		return qa.Answer{}, err
	}

	ctx, span := tracing.Start(ctx, "create_answer")
	span.SetAttr("question_id", na.QuestionID)
	log := logger.FromContext(ctx)

	defer func() {
		span.End(err)
		span.Log(ctx, log)
	}()

	err = s.guarded(ctx, ratelimit.ActionAnswer, userID, func(ctx context.Context) error {
		var err error
		a, err = s.store.CreateAnswer(ctx, userID, na)
		return err
	})
	if err != nil {
		return qa.Answer{}, err
	}

	log.Info("answer created", "answer_id", a.ID, "question_id", a.QuestionID, "user_id", userID)

	bg := context.WithoutCancel(ctx)
	s.broadcast(bg, qa.AnswerEvent(a))
	if err := s.step(bg, "dispatch", func(ctx context.Context) error {
		return s.dispatcher.OnAnswerCreated(ctx, a)
	}); err != nil {
		log.Error("answer dispatch failed", "answer_id", a.ID, "error", err)
	}
	return a, nil
}

// guarded runs write inside a rate-limit reservation, committing it on
// success and handing the slot back on failure.
func (s *Service) guarded(ctx context.Context, action, userID string, write func(context.Context) error) error {
	_, reserveSpan := tracing.Start(ctx, "ratelimit_reserve")
	res, err := s.limiter.Reserve(ctx, action, userID, s.clock.Now())
	reserveSpan.End(err)
	if err != nil {
		return err
	}
	if err := s.step(ctx, "store_write", write); err != nil {
		if cerr := res.Cancel(context.WithoutCancel(ctx)); cerr != nil {
			s.logger.Warn("failed to release rate limit slot", "action", action, "user_id", userID, "error", cerr)
		}
		return err
	}
	if err := res.Commit(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("failed to record rate limit entry", "action", action, "user_id", userID, "error", err)
	}
	return nil
}

// step runs fn as a child span named name.
func (s *Service) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracing.Start(ctx, name)
	err := fn(ctx)
	span.End(err)
	return err
}

func (s *Service) broadcast(ctx context.Context, ev qa.Event) int {
	_, span := tracing.Start(ctx, "broadcast")
	delivered := s.broadcaster.Broadcast(ctx, ev)
	span.SetAttr("recipients", delivered)
	span.End(nil)
	return delivered
}

// Vote records a single vote per user and votable.
func (s *Service) Vote(ctx context.Context, v qa.Vote) (qa.Vote, error) {
	if err := validator.ValidateVote(&v); err != nil {
		return qa.Vote{}, err
	}
	return s.store.Vote(ctx, v)
}

// Questions lists a page of questions for a course, newest first.
func (s *Service) Questions(ctx context.Context, courseCode string, oldest *time.Time) ([]qa.Question, error) {
	if err := validator.ValidateCourseCode(courseCode); err != nil {
		return nil, err
	}
	questions, err := s.store.ListQuestions(ctx, courseCode, oldest)
	if err != nil {
		return nil, fmt.Errorf("listing questions for %s: %w", courseCode, err)
	}
	return questions, nil
}

// Answers lists a page of answers for a question, newest first.
func (s *Service) Answers(ctx context.Context, questionID int64, oldest *time.Time) ([]qa.Answer, error) {
	answers, err := s.store.ListAnswers(ctx, questionID, oldest)
	if err != nil {
		return nil, fmt.Errorf("listing answers for %d: %w", questionID, err)
	}
	return answers, nil
}

// Courses returns every course, through the cache when one is configured.
func (s *Service) Courses(ctx context.Context) ([]qa.Course, error) {
	if s.courses == nil {
		return s.store.ListCourses(ctx)
	}
	return s.courses.Courses(ctx, s.store.ListCourses)
}
