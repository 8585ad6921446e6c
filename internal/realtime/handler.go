package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// DuplicateReason is the close reason sent when a username is already
// connected on the same feed.
const DuplicateReason = "This connection already exists"

const operationTimeout = 10 * time.Second

// Service is the part of the Q&A service reachable from the socket.
type Service interface {
	CreateQuestion(ctx context.Context, userID string, nq qa.NewQuestion) (qa.Question, error)
	CreateAnswer(ctx context.Context, userID string, na qa.NewAnswer) (qa.Answer, error)
	Questions(ctx context.Context, courseCode string, oldest *time.Time) ([]qa.Question, error)
	Answers(ctx context.Context, questionID int64, oldest *time.Time) ([]qa.Answer, error)
	Vote(ctx context.Context, v qa.Vote) (qa.Vote, error)
}

// Handler upgrades feed requests and runs one read loop per connection.
type Handler struct {
	registry *Registry
	service  Service
	upgrader websocket.Upgrader
	cfg      config.RealtimeConfig
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHandler creates the socket handler. checkOrigin may be nil to accept
// any origin.
func NewHandler(registry *Registry, svc Service, cfg config.RealtimeConfig, checkOrigin func(*http.Request) bool, clock clockwork.Clock, m *metrics.Metrics) *Handler {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		registry: registry,
		service:  svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  slog.Default().With("component", "socket"),
	}
}

// QuestionFeed serves GET /ws/questions/{courseCode}?username=.
func (h *Handler) QuestionFeed(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, QuestionFeed, r.PathValue("courseCode"))
}

// AnswerFeed serves GET /ws/answers/{questionId}?username=.
func (h *Handler) AnswerFeed(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, AnswerFeed, r.PathValue("questionId"))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, kind EndpointKind, key string) {
	username := r.URL.Query().Get("username")
	if username == "" || key == "" {
		h.metrics.ConnectionsRejected.WithLabelValues(kind.String(), "missing_username").Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "username query parameter is required"})
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.metrics.ConnectionsRejected.WithLabelValues(kind.String(), "upgrade").Inc()
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	c := newConn(ws, h.cfg, h.clock)

	log := logger.FromContext(r.Context()).With(
		"component", "socket",
		"endpoint", kind.String(),
		"username", username,
		"subscription", key,
	)

	entry, err := h.registry.Register(kind, username, key, c)
	if err != nil {
		h.metrics.ConnectionsRejected.WithLabelValues(kind.String(), "duplicate").Inc()
		log.Info("rejecting duplicate connection")
		c.Close(websocket.ClosePolicyViolation, DuplicateReason)
		c.wait()
		return
	}
	log.Info("client connected")

	defer func() {
		h.registry.Remove(entry)
		c.Close(websocket.CloseNormalClosure, "")
		c.wait()
		log.Info("client disconnected")
	}()

	h.reply(c, log, helloMessage{Event: EventHello, Message: "Hello from server, " + username})
	h.readLoop(r.Context(), entry, c, log)
}

func (h *Handler) readLoop(ctx context.Context, entry *Connection, c *conn, log *slog.Logger) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.InboundRatePerSec), h.cfg.InboundBurst)
	c.extendRead()
	c.ws.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("read loop ended", "error", err)
			}
			return
		}
		c.extendRead()

		if !limiter.Allow() {
			h.metrics.InboundMessages.WithLabelValues("any", "throttled").Inc()
			h.reply(c, log, errorMessage{Event: EventError, Message: "too many messages, slow down"})
			continue
		}
		h.handleMessage(ctx, entry, c, log, data)
	}
}

// handleMessage processes one client frame. Malformed JSON gets an error
// frame and unknown events are ignored; neither ends the connection.
func (h *Handler) handleMessage(ctx context.Context, entry *Connection, c *conn, log *slog.Logger, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		h.metrics.InboundMessages.WithLabelValues("invalid", "malformed").Inc()
		h.reply(c, log, errorMessage{Event: EventError, Message: "malformed message: expected a JSON object with an event field"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var (
		reply any
		err   error
	)
	switch in.Event {
	case EventSendQuestion:
		err = h.sendQuestion(ctx, entry, in)
	case EventFetchQuestions:
		reply, err = h.fetchQuestions(ctx, entry, in)
	case EventSendAnswer:
		err = h.sendAnswer(ctx, entry, in)
	case EventFetchAnswers:
		reply, err = h.fetchAnswers(ctx, entry, in)
	case EventSendVote:
		reply, err = h.sendVote(ctx, entry, in)
	default:
		h.metrics.InboundMessages.WithLabelValues("unknown", "ignored").Inc()
		log.Debug("ignoring unknown event", "event", in.Event)
		return
	}

	if err != nil {
		h.metrics.InboundMessages.WithLabelValues(in.Event, "error").Inc()
		if apperrors.HTTPStatusCode(err) >= http.StatusInternalServerError {
			log.Error("socket event failed", "event", in.Event, "error", err)
		}
		h.reply(c, log, errorMessage{Event: EventError, Message: apperrors.PublicMessage(err)})
		return
	}
	h.metrics.InboundMessages.WithLabelValues(in.Event, "ok").Inc()
	if reply != nil {
		h.reply(c, log, reply)
	}
}

// sendQuestion creates a question. The new question reaches this client
// through the regular broadcast if it is subscribed to the course.
func (h *Handler) sendQuestion(ctx context.Context, entry *Connection, in inbound) error {
	if in.Question == nil {
		return apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "question is required")
	}
	nq := *in.Question
	if nq.CourseCode == "" && entry.Kind == QuestionFeed {
		nq.CourseCode = entry.Key
	}
	_, err := h.service.CreateQuestion(ctx, entry.Identity, nq)
	return err
}

func (h *Handler) fetchQuestions(ctx context.Context, entry *Connection, in inbound) (any, error) {
	code := in.CourseCode
	if code == "" && entry.Kind == QuestionFeed {
		code = entry.Key
	}
	questions, err := h.service.Questions(ctx, code, in.Oldest)
	if err != nil {
		return nil, err
	}
	return questionsMessage{Event: EventFetchOldQuestions, Questions: questions}, nil
}

func (h *Handler) sendAnswer(ctx context.Context, entry *Connection, in inbound) error {
	if in.Answer == nil {
		return apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "answer is required")
	}
	na := *in.Answer
	if na.QuestionID == 0 {
		id, err := h.questionID(entry, in)
		if err != nil {
			return err
		}
		na.QuestionID = id
	}
	_, err := h.service.CreateAnswer(ctx, entry.Identity, na)
	return err
}

func (h *Handler) fetchAnswers(ctx context.Context, entry *Connection, in inbound) (any, error) {
	id, err := h.questionID(entry, in)
	if err != nil {
		return nil, err
	}
	answers, err := h.service.Answers(ctx, id, in.Oldest)
	if err != nil {
		return nil, err
	}
	return answersMessage{Event: EventFetchOldAnswers, Answers: answers}, nil
}

func (h *Handler) sendVote(ctx context.Context, entry *Connection, in inbound) (any, error) {
	if in.Vote == nil {
		return nil, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "vote is required")
	}
	v := *in.Vote
	if v.UserID == "" {
		v.UserID = qa.UserRef(entry.Identity)
	}
	saved, err := h.service.Vote(ctx, v)
	if err != nil {
		return nil, err
	}
	return voteMessage{Event: EventVote, Vote: saved}, nil
}

// questionID takes the id from the message, falling back to the answer
// feed's own subscription.
func (h *Handler) questionID(entry *Connection, in inbound) (int64, error) {
	if in.QuestionID != 0 {
		return int64(in.QuestionID), nil
	}
	if entry.Kind == AnswerFeed {
		if id, err := strconv.ParseInt(entry.Key, 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "questionId is required")
}

func (h *Handler) reply(c *conn, log *slog.Logger, msg any) {
	payload, err := encode(msg)
	if err != nil {
		log.Error("failed to encode reply", "error", err)
		return
	}
	if err := c.Send(payload); err != nil {
		log.Warn("failed to enqueue reply", "error", err)
		if errors.Is(err, errQueueFull) {
			c.Close(websocket.CloseTryAgainLater, "subscriber too slow")
		}
	}
}
