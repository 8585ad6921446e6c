package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS courses (
	code TEXT PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS questions (
	id          BIGSERIAL PRIMARY KEY,
	course_code TEXT NOT NULL,
	body        TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	votes       INTEGER NOT NULL DEFAULT 0,
	answers     INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS questions_course_updated_idx ON questions (lower(course_code), updated_at DESC);
CREATE TABLE IF NOT EXISTS answers (
	id          BIGSERIAL PRIMARY KEY,
	question_id BIGINT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	body        TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	votes       INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS answers_question_updated_idx ON answers (question_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS votes (
	user_id      TEXT NOT NULL,
	votable_id   BIGINT NOT NULL,
	votable_type TEXT NOT NULL,
	vote_value   INTEGER NOT NULL,
	voted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, votable_id, votable_type)
);`

type PostgresStore struct {
	db     *postgres.Client
	logger *slog.Logger
}

func NewPostgres(db *postgres.Client) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "qa-store"),
	}
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCourses(ctx context.Context) ([]qa.Course, error) {
	rows, err := s.db.DB.QueryContext(ctx, `SELECT name, code FROM courses ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("listing courses: %w", err)
	}
	defer rows.Close()

	courses := make([]qa.Course, 0)
	for rows.Next() {
		var c qa.Course
		if err := rows.Scan(&c.Name, &c.Code); err != nil {
			return nil, fmt.Errorf("scanning course: %w", err)
		}
		courses = append(courses, c)
	}
	return courses, rows.Err()
}

func (s *PostgresStore) ListQuestions(ctx context.Context, courseCode string, oldest *time.Time) ([]qa.Question, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, course_code, body, user_id, created_at, updated_at, votes, answers
		FROM questions
		WHERE course_code ILIKE $1 AND ($2::timestamptz IS NULL OR updated_at < $2)
		ORDER BY updated_at DESC
		LIMIT $3`,
		courseCode, nullableTime(oldest), qa.QuestionPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("listing questions: %w", err)
	}
	defer rows.Close()

	questions := make([]qa.Question, 0, qa.QuestionPageSize)
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *PostgresStore) CreateQuestion(ctx context.Context, userID string, nq qa.NewQuestion) (qa.Question, error) {
	row := s.db.DB.QueryRowContext(ctx,
		`INSERT INTO questions (course_code, body, user_id)
		VALUES ($1, $2, $3)
		RETURNING id, course_code, body, user_id, created_at, updated_at, votes, answers`,
		nq.CourseCode, nq.Body, userID,
	)
	q, err := scanQuestion(row)
	if err != nil {
		return qa.Question{}, fmt.Errorf("inserting question: %w", err)
	}
	return q, nil
}

func (s *PostgresStore) ListAnswers(ctx context.Context, questionID int64, oldest *time.Time) ([]qa.Answer, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, question_id, body, user_id, created_at, updated_at, votes
		FROM answers
		WHERE question_id = $1 AND ($2::timestamptz IS NULL OR updated_at < $2)
		ORDER BY updated_at DESC
		LIMIT $3`,
		questionID, nullableTime(oldest), qa.AnswerPageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("listing answers: %w", err)
	}
	defer rows.Close()

	answers := make([]qa.Answer, 0, qa.AnswerPageSize)
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// CreateAnswer inserts the answer and bumps the question's answer count and
// updated_at in the same transaction, so the question resurfaces at the top
// of its course listing.
func (s *PostgresStore) CreateAnswer(ctx context.Context, userID string, na qa.NewAnswer) (qa.Answer, error) {
	var a qa.Answer
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE questions SET answers = answers + 1, updated_at = NOW() WHERE id = $1`,
			na.QuestionID,
		)
		if err != nil {
			return fmt.Errorf("updating question: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "question %d not found", na.QuestionID)
		}
		row := tx.QueryRowContext(ctx,
			`INSERT INTO answers (question_id, body, user_id)
			VALUES ($1, $2, $3)
			RETURNING id, question_id, body, user_id, created_at, updated_at, votes`,
			na.QuestionID, na.Body, userID,
		)
		a, err = scanAnswer(row)
		if err != nil {
			return fmt.Errorf("inserting answer: %w", err)
		}
		return nil
	})
	return a, err
}

func (s *PostgresStore) Vote(ctx context.Context, v qa.Vote) (qa.Vote, error) {
	table := "questions"
	if v.VotableType == qa.VotableAnswer {
		table = "answers"
	}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`INSERT INTO votes (user_id, votable_id, votable_type, vote_value)
			VALUES ($1, $2, $3, $4)
			RETURNING voted_at`,
			string(v.UserID), v.VotableID, v.VotableType, v.VoteValue,
		).Scan(&v.VotedAt)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return apperrors.ErrAlreadyVoted
			}
			return fmt.Errorf("inserting vote: %w", err)
		}
		// table is one of two constants above.
		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET votes = votes + $1 WHERE id = $2`,
			v.VoteValue, v.VotableID,
		)
		if err != nil {
			return fmt.Errorf("updating vote count: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.Newf(apperrors.ErrNotFound, http.StatusNotFound, "%s %d not found", v.VotableType, v.VotableID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrAlreadyVoted) {
			s.logger.Debug("duplicate vote", "user_id", v.UserID, "votable_id", v.VotableID)
		}
		return qa.Vote{}, err
	}
	return v, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(r scanner) (qa.Question, error) {
	var q qa.Question
	var userID string
	if err := r.Scan(&q.ID, &q.CourseCode, &q.Body, &userID, &q.CreatedAt, &q.UpdatedAt, &q.Votes, &q.Answers); err != nil {
		return qa.Question{}, fmt.Errorf("scanning question: %w", err)
	}
	q.UserID = qa.UserRef(userID)
	return q, nil
}

func scanAnswer(r scanner) (qa.Answer, error) {
	var a qa.Answer
	var userID string
	if err := r.Scan(&a.ID, &a.QuestionID, &a.Body, &userID, &a.CreatedAt, &a.UpdatedAt, &a.Votes); err != nil {
		return qa.Answer{}, fmt.Errorf("scanning answer: %w", err)
	}
	a.UserID = qa.UserRef(userID)
	return a, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
