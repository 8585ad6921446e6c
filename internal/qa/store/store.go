// Package store persists courses, questions, answers and votes.
package store

import (
	"context"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
)

// Store is the persistence contract the write path and listings depend on.
// A nil oldest cursor starts from the newest entry.
type Store interface {
	ListCourses(ctx context.Context) ([]qa.Course, error)
	ListQuestions(ctx context.Context, courseCode string, oldest *time.Time) ([]qa.Question, error)
	CreateQuestion(ctx context.Context, userID string, q qa.NewQuestion) (qa.Question, error)
	ListAnswers(ctx context.Context, questionID int64, oldest *time.Time) ([]qa.Answer, error)
	CreateAnswer(ctx context.Context, userID string, a qa.NewAnswer) (qa.Answer, error)
	Vote(ctx context.Context, v qa.Vote) (qa.Vote, error)
}
