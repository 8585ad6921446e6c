// Package validator checks write requests before they reach the rate limiter
// or the store, returning per-field error details.
package validator

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
)

const (
	maxBodyLength       = 4096
	maxCourseCodeLength = 32
	maxIdentityLength   = 128
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", field, msg))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// PublicMessage lists the failing fields for clients.
func (e *ValidationError) PublicMessage() string {
	return "validation failed: " + e.Error()
}

// ValidateIdentity checks the caller-supplied username or user id.
func ValidateIdentity(identity string) error {
	errs := make(map[string]string)
	checkIdentity(errs, identity)
	return result(errs)
}

// ValidateQuestion checks a new question and trims its fields in place.
func ValidateQuestion(q *qa.NewQuestion) error {
	errs := make(map[string]string)
	q.CourseCode = strings.TrimSpace(q.CourseCode)
	q.Body = strings.TrimSpace(q.Body)
	checkCourseCode(errs, q.CourseCode)
	checkBody(errs, q.Body)
	return result(errs)
}

// ValidateAnswer checks a new answer and trims its body in place.
func ValidateAnswer(a *qa.NewAnswer) error {
	errs := make(map[string]string)
	a.Body = strings.TrimSpace(a.Body)
	if a.QuestionID <= 0 {
		errs["questionId"] = "questionId must be a positive integer"
	}
	checkBody(errs, a.Body)
	return result(errs)
}

// ValidateVote checks a vote request.
func ValidateVote(v *qa.Vote) error {
	errs := make(map[string]string)
	checkIdentity(errs, string(v.UserID))
	if v.VotableID <= 0 {
		errs["votableId"] = "votableId must be a positive integer"
	}
	switch v.VotableType {
	case qa.VotableQuestion, qa.VotableAnswer:
	default:
		errs["votableType"] = fmt.Sprintf("votableType must be %q or %q", qa.VotableQuestion, qa.VotableAnswer)
	}
	if v.VoteValue != 1 && v.VoteValue != -1 {
		errs["voteValue"] = "voteValue must be 1 or -1"
	}
	return result(errs)
}

// ValidateCourseCode checks a course code taken from a path or query.
func ValidateCourseCode(code string) error {
	errs := make(map[string]string)
	checkCourseCode(errs, strings.TrimSpace(code))
	return result(errs)
}

func checkIdentity(errs map[string]string, identity string) {
	switch {
	case strings.TrimSpace(identity) == "":
		errs["userId"] = "user identity is required"
	case len(identity) > maxIdentityLength:
		errs["userId"] = fmt.Sprintf("user identity must be at most %d characters", maxIdentityLength)
	}
}

func checkCourseCode(errs map[string]string, code string) {
	switch {
	case code == "":
		errs["courseCode"] = "courseCode is required"
	case len(code) > maxCourseCodeLength:
		errs["courseCode"] = fmt.Sprintf("courseCode must be at most %d characters", maxCourseCodeLength)
	}
}

func checkBody(errs map[string]string, body string) {
	switch {
	case body == "":
		errs["body"] = "body is required and must not be empty"
	case utf8.RuneCountInString(body) > maxBodyLength:
		errs["body"] = fmt.Sprintf("body must be at most %d characters", maxBodyLength)
	}
}

func result(errs map[string]string) error {
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
