// Package realtime tracks live WebSocket subscribers and fans domain events
// out to the ones whose subscription matches.
//
// A Registry holds at most one connection per (endpoint kind, username). A
// Router looks up matching connections for an event and enqueues the encoded
// message on each; a connection whose queue is full is dropped. A Bridge
// feeds events published by other server instances into the local Router.
package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
)

// EndpointKind names one of the two feeds a client can subscribe to.
type EndpointKind int

const (
	// QuestionFeed subscribers are keyed by course code, matched
	// case-insensitively.
	QuestionFeed EndpointKind = iota + 1
	// AnswerFeed subscribers are keyed by question id, matched exactly.
	AnswerFeed
)

func (k EndpointKind) String() string {
	switch k {
	case QuestionFeed:
		return "questions"
	case AnswerFeed:
		return "answers"
	default:
		return "unknown"
	}
}

// Wire event names.
const (
	EventHello             = "hello"
	EventQuestion          = "question"
	EventAnswer            = "answer"
	EventFetchOldQuestions = "fetch-old-questions"
	EventFetchOldAnswers   = "fetch-old-answers"
	EventVote              = "vote"
	EventError             = "error"

	EventSendQuestion   = "send-question"
	EventFetchQuestions = "fetch-questions"
	EventSendAnswer     = "send-answer"
	EventFetchAnswers   = "fetch-answers"
	EventSendVote       = "send-vote"
)

type helloMessage struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type errorMessage struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

type questionMessage struct {
	Event    string      `json:"event"`
	Question qa.Question `json:"question"`
}

type answerMessage struct {
	Event  string    `json:"event"`
	Answer qa.Answer `json:"answer"`
}

type questionsMessage struct {
	Event     string        `json:"event"`
	Questions []qa.Question `json:"questions"`
}

type answersMessage struct {
	Event   string      `json:"event"`
	Answers []qa.Answer `json:"answers"`
}

type voteMessage struct {
	Event string  `json:"event"`
	Vote  qa.Vote `json:"vote"`
}

// inbound is every field any client event may carry.
type inbound struct {
	Event      string          `json:"event"`
	Question   *qa.NewQuestion `json:"question"`
	Answer     *qa.NewAnswer   `json:"answer"`
	Vote       *qa.Vote        `json:"vote"`
	CourseCode string          `json:"courseCode"`
	QuestionID flexID          `json:"questionId"`
	Oldest     *time.Time      `json:"oldest"`
}

// flexID accepts a question id sent either as a number or as a string.
type flexID int64

func (id *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*id = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("questionId must be an integer: %w", err)
	}
	*id = flexID(n)
	return nil
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return b, nil
}
