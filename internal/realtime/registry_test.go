package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeHandle struct {
	mu         sync.Mutex
	sent       [][]byte
	fail       bool
	closeCode  int
	closeCalls int
}

func (h *fakeHandle) Send(msg []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errQueueFull
	}
	h.sent = append(h.sent, msg)
	return nil
}

func (h *fakeHandle) Close(code int, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	if h.closeCode == 0 {
		h.closeCode = code
	}
}

func (h *fakeHandle) messages(t *testing.T) []map[string]any {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, 0, len(h.sent))
	for _, b := range h.sent {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("bad frame %s: %v", b, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRegisterRejectsDuplicateIdentity(t *testing.T) {
	m := metrics.NewNop()
	r := NewRegistry(m)
	first := &fakeHandle{}
	if _, err := r.Register(QuestionFeed, "alice", "CS101", first); err != nil {
		t.Fatal(err)
	}
	_, err := r.Register(QuestionFeed, "alice", "CS150", &fakeHandle{})
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if _, err := r.Register(AnswerFeed, "alice", "7", &fakeHandle{}); err != nil {
		t.Errorf("the answer feed is a separate namespace: %v", err)
	}

	got := r.Lookup(QuestionFeed, MatchCourse("cs101"))
	if len(got) != 1 || got[0].Handle != first {
		t.Errorf("original entry was replaced: %+v", got)
	}
	if v := testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("questions")); v != 1 {
		t.Errorf("questions gauge = %v", v)
	}
}

func TestRemoveIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry(metrics.NewNop())
	old, _ := r.Register(AnswerFeed, "bob", "1", &fakeHandle{})
	if !r.Remove(old) {
		t.Fatal("expected first remove to succeed")
	}
	fresh, _ := r.Register(AnswerFeed, "bob", "1", &fakeHandle{})
	if r.Remove(old) {
		t.Error("stale connection removed the newer one")
	}
	if r.Count(AnswerFeed) != 1 {
		t.Errorf("count = %d", r.Count(AnswerFeed))
	}
	r.Unregister(AnswerFeed, "bob")
	if r.Remove(fresh) || r.Count(AnswerFeed) != 0 {
		t.Error("unregister should have removed the entry")
	}
}

func TestMatching(t *testing.T) {
	if !MatchCourse("CS101")("cs101") {
		t.Error("course codes match case-insensitively")
	}
	if MatchCourse("CS101")("CS1010") {
		t.Error("course match must be exact apart from case")
	}
	if MatchQuestion("12")("012") || !MatchQuestion("12")("12") {
		t.Error("question ids match exactly")
	}
}

func TestBroadcastQuestionTargetsCourse(t *testing.T) {
	r := NewRegistry(metrics.NewNop())
	a, b, c := &fakeHandle{}, &fakeHandle{}, &fakeHandle{}
	r.Register(QuestionFeed, "a", "cs101", a)
	r.Register(QuestionFeed, "b", "cs150", b)
	r.Register(AnswerFeed, "c", "1", c)

	router := NewRouter(r, metrics.NewNop())
	n := router.Broadcast(context.Background(), qa.QuestionEvent(qa.Question{ID: 1, CourseCode: "CS101", Body: "hi"}))
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	msgs := a.messages(t)
	if len(msgs) != 1 || msgs[0]["event"] != EventQuestion {
		t.Fatalf("a got %+v", msgs)
	}
	q := msgs[0]["question"].(map[string]any)
	if q["courseCode"] != "CS101" || q["body"] != "hi" {
		t.Errorf("unexpected payload %+v", q)
	}
	if len(b.messages(t)) != 0 || len(c.messages(t)) != 0 {
		t.Error("non-matching subscribers received the question")
	}
}

func TestBroadcastAnswerTargetsQuestion(t *testing.T) {
	r := NewRegistry(metrics.NewNop())
	match, other := &fakeHandle{}, &fakeHandle{}
	r.Register(AnswerFeed, "a", "5", match)
	r.Register(AnswerFeed, "b", "6", other)

	n := NewRouter(r, metrics.NewNop()).Broadcast(context.Background(), qa.AnswerEvent(qa.Answer{ID: 9, QuestionID: 5, Body: "x"}))
	if n != 1 || len(match.messages(t)) != 1 || len(other.messages(t)) != 0 {
		t.Errorf("answer went to the wrong subscribers (n=%d)", n)
	}
	if match.messages(t)[0]["event"] != EventAnswer {
		t.Errorf("event = %v", match.messages(t)[0]["event"])
	}
}

func TestBroadcastIsolatesFailingSubscriber(t *testing.T) {
	m := metrics.NewNop()
	r := NewRegistry(m)
	ok1, slow, ok2 := &fakeHandle{}, &fakeHandle{fail: true}, &fakeHandle{}
	r.Register(QuestionFeed, "a", "CS101", ok1)
	r.Register(QuestionFeed, "b", "CS101", slow)
	r.Register(QuestionFeed, "c", "CS101", ok2)

	n := NewRouter(r, m).Broadcast(context.Background(), qa.QuestionEvent(qa.Question{ID: 1, CourseCode: "CS101"}))
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if len(ok1.messages(t)) != 1 || len(ok2.messages(t)) != 1 {
		t.Error("healthy subscribers missed the event")
	}
	if slow.closeCode != websocket.CloseTryAgainLater {
		t.Errorf("slow subscriber close code = %d", slow.closeCode)
	}
	if r.Count(QuestionFeed) != 2 {
		t.Errorf("slow subscriber still registered, count = %d", r.Count(QuestionFeed))
	}
	if v := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues(EventQuestion, "failed")); v != 1 {
		t.Errorf("failed deliveries = %v", v)
	}
}

func TestBroadcastIgnoresEmptyEvent(t *testing.T) {
	r := NewRegistry(metrics.NewNop())
	r.Register(QuestionFeed, "a", "CS101", &fakeHandle{})
	if n := NewRouter(r, metrics.NewNop()).Broadcast(context.Background(), qa.Event{Kind: qa.QuestionCreated}); n != 0 {
		t.Errorf("delivered = %d", n)
	}
}

func TestCloseAll(t *testing.T) {
	m := metrics.NewNop()
	r := NewRegistry(m)
	h1, h2 := &fakeHandle{}, &fakeHandle{}
	r.Register(QuestionFeed, "a", "CS101", h1)
	r.Register(AnswerFeed, "a", "3", h2)

	if n := r.CloseAll(websocket.CloseGoingAway, "server shutting down"); n != 2 {
		t.Fatalf("closed %d", n)
	}
	if h1.closeCode != websocket.CloseGoingAway || h2.closeCode != websocket.CloseGoingAway {
		t.Errorf("close codes %d %d", h1.closeCode, h2.closeCode)
	}
	if r.Count(QuestionFeed)+r.Count(AnswerFeed) != 0 {
		t.Error("registry not emptied")
	}
	if v := testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("answers")); v != 0 {
		t.Errorf("answers gauge = %v", v)
	}
}

func TestEncodeTimestamps(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b, err := encode(questionMessage{Event: EventQuestion, Question: qa.Question{ID: 1, CreatedAt: ts, UpdatedAt: ts}})
	if err != nil {
		t.Fatal(err)
	}
	var m struct {
		Question struct {
			CreatedAt string `json:"createdAt"`
		} `json:"question"`
	}
	if err := json.Unmarshal(b, &m); err != nil || m.Question.CreatedAt != "2024-03-01T12:00:00Z" {
		t.Errorf("createdAt = %q, %v", m.Question.CreatedAt, err)
	}
}

func TestFlexID(t *testing.T) {
	var in inbound
	if err := json.Unmarshal([]byte(`{"event":"fetch-answers","questionId":"17"}`), &in); err != nil || in.QuestionID != 17 {
		t.Errorf("string id: %v %v", in.QuestionID, err)
	}
	if err := json.Unmarshal([]byte(`{"event":"fetch-answers","questionId":18}`), &in); err != nil || in.QuestionID != 18 {
		t.Errorf("numeric id: %v %v", in.QuestionID, err)
	}
	if err := json.Unmarshal([]byte(`{"questionId":"abc"}`), &in); err == nil {
		t.Error("expected error for non-numeric id")
	}
}
