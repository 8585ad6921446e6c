package store

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
	"github.com/jonboulle/clockwork"
)

// MemoryStore keeps everything in process memory. It backs tests and local
// runs without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	clock     clockwork.Clock
	courses   []qa.Course
	questions map[int64]*qa.Question
	answers   map[int64]*qa.Answer
	votes     map[voteKey]qa.Vote
	nextID    int64
}

type voteKey struct {
	userID      string
	votableID   int64
	votableType string
}

func NewMemory(clock clockwork.Clock, courses ...qa.Course) *MemoryStore {
	return &MemoryStore{
		clock:     clock,
		courses:   courses,
		questions: make(map[int64]*qa.Question),
		answers:   make(map[int64]*qa.Answer),
		votes:     make(map[voteKey]qa.Vote),
	}
}

func (s *MemoryStore) ListCourses(context.Context) ([]qa.Course, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]qa.Course, len(s.courses))
	copy(out, s.courses)
	return out, nil
}

func (s *MemoryStore) ListQuestions(_ context.Context, courseCode string, oldest *time.Time) ([]qa.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]qa.Question, 0)
	for _, q := range s.questions {
		if !strings.EqualFold(q.CourseCode, courseCode) || !before(q.UpdatedAt, oldest) {
			continue
		}
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i].UpdatedAt, out[i].ID, out[j].UpdatedAt, out[j].ID) })
	return limit(out, qa.QuestionPageSize), nil
}

func (s *MemoryStore) CreateQuestion(_ context.Context, userID string, nq qa.NewQuestion) (qa.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	now := s.clock.Now().UTC()
	q := &qa.Question{
		ID:         s.nextID,
		CourseCode: nq.CourseCode,
		Body:       nq.Body,
		UserID:     qa.UserRef(userID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.questions[q.ID] = q
	return *q, nil
}

func (s *MemoryStore) ListAnswers(_ context.Context, questionID int64, oldest *time.Time) ([]qa.Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]qa.Answer, 0)
	for _, a := range s.answers {
		if a.QuestionID != questionID || !before(a.UpdatedAt, oldest) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i].UpdatedAt, out[i].ID, out[j].UpdatedAt, out[j].ID) })
	return limit(out, qa.AnswerPageSize), nil
}

func (s *MemoryStore) CreateAnswer(_ context.Context, userID string, na qa.NewAnswer) (qa.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[na.QuestionID]
	if !ok {
		return qa.Answer{}, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "question %d not found", na.QuestionID)
	}
	s.nextID++
	now := s.clock.Now().UTC()
	a := &qa.Answer{
		ID:         s.nextID,
		QuestionID: na.QuestionID,
		Body:       na.Body,
		UserID:     qa.UserRef(userID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.answers[a.ID] = a
	q.Answers++
	q.UpdatedAt = now
	return *a, nil
}

func (s *MemoryStore) Vote(_ context.Context, v qa.Vote) (qa.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voteKey{string(v.UserID), v.VotableID, v.VotableType}
	if _, dup := s.votes[key]; dup {
		return qa.Vote{}, apperrors.ErrAlreadyVoted
	}
	switch v.VotableType {
	case qa.VotableQuestion:
		q, ok := s.questions[v.VotableID]
		if !ok {
			return qa.Vote{}, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "question %d not found", v.VotableID)
		}
		q.Votes += v.VoteValue
	case qa.VotableAnswer:
		a, ok := s.answers[v.VotableID]
		if !ok {
			return qa.Vote{}, apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "answer %d not found", v.VotableID)
		}
		a.Votes += v.VoteValue
	}
	v.VotedAt = s.clock.Now().UTC()
	s.votes[key] = v
	return v, nil
}

func before(t time.Time, oldest *time.Time) bool {
	return oldest == nil || t.Before(*oldest)
}

func newer(ti time.Time, idi int64, tj time.Time, idj int64) bool {
	if !ti.Equal(tj) {
		return ti.After(tj)
	}
	return idi > idj
}

func limit[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
