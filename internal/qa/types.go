// Package qa defines the course Q&A domain types and the events raised when
// questions and answers are created.
package qa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Page sizes for the listing queries.
const (
	QuestionPageSize = 20
	AnswerPageSize   = 10
)

// Votable types.
const (
	VotableQuestion = "question"
	VotableAnswer   = "answer"
)

type Course struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type Question struct {
	ID         int64     `json:"id"`
	CourseCode string    `json:"courseCode"`
	Body       string    `json:"body"`
	UserID     UserRef   `json:"userId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Votes      int       `json:"votes"`
	Answers    int       `json:"answers"`
}

type Answer struct {
	ID         int64     `json:"id"`
	QuestionID int64     `json:"questionId"`
	Body       string    `json:"body"`
	UserID     UserRef   `json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Votes      int       `json:"votes"`
}

// QuestionKey is the answer-feed subscription key the answer belongs to.
func (a Answer) QuestionKey() string {
	return strconv.FormatInt(a.QuestionID, 10)
}

type Vote struct {
	UserID      UserRef   `json:"userId"`
	VotableID   int64     `json:"votableId"`
	VotableType string    `json:"votableType"`
	VoteValue   int       `json:"voteValue"`
	VotedAt     time.Time `json:"votedAt,omitzero"`
}

// NewQuestion is the body accepted when posting a question.
type NewQuestion struct {
	CourseCode string `json:"courseCode"`
	Body       string `json:"body"`
}

// NewAnswer is the body accepted when posting an answer.
type NewAnswer struct {
	QuestionID int64  `json:"questionId"`
	Body       string `json:"body"`
}

// UserRef is a user identifier. Browser clients send UUID strings while the
// answer-generation worker writes numeric ids, so both decode.
type UserRef string

func (u *UserRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*u = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*u = UserRef(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("user id must be a string or number: %w", err)
		}
		*u = UserRef(n.String())
	}
	return nil
}

// EventKind identifies a domain event.
type EventKind int

const (
	QuestionCreated EventKind = iota + 1
	AnswerCreated
)

func (k EventKind) String() string {
	switch k {
	case QuestionCreated:
		return "question_created"
	case AnswerCreated:
		return "answer_created"
	default:
		return "unknown"
	}
}

// Event is raised by the write path after an entity has been persisted.
// Exactly one of Question and Answer is set, matching Kind.
type Event struct {
	Kind     EventKind
	Question *Question
	Answer   *Answer
}

func QuestionEvent(q Question) Event {
	return Event{Kind: QuestionCreated, Question: &q}
}

func AnswerEvent(a Answer) Event {
	return Event{Kind: AnswerCreated, Answer: &a}
}
