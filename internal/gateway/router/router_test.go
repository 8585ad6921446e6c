package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa"
	qahandler "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/handler"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/service"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/store"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/realtime"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type nopDispatcher struct{}

func (nopDispatcher) OnQuestionCreated(context.Context, qa.Question) error { return nil }
func (nopDispatcher) OnAnswerCreated(context.Context, qa.Answer) error     { return nil }

func newServer(t *testing.T) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	cfg := config.Defaults()
	clock := clockwork.NewRealClock()
	m := metrics.NewNop()
	registry := realtime.NewRegistry(m)
	svc := service.New(service.Deps{
		Store:       store.NewMemory(clock, qa.Course{Name: "Intro", Code: "CS101"}),
		Limiter:     ratelimit.New(ratelimit.NewMemoryStore(), cfg.RateLimit, m),
		Dispatcher:  nopDispatcher{},
		Broadcaster: realtime.NewRouter(registry, m),
		Clock:       clock,
	})
	cors := pkgmw.DefaultCORSConfig([]string{"http://localhost:3000"})
	sockets := realtime.NewHandler(registry, svc, cfg.Realtime, cors.CheckOrigin, clock, m)
	checker := health.NewChecker()
	checker.Register("registry", health.Static(health.StatusUp, ""))

	h := New(qahandler.New(svc), sockets, checker, Options{
		Metrics:        m,
		CORS:           cors,
		RequestTimeout: time.Second,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
		srv.Close()
	})
	return srv, m
}

func TestRESTRoutes(t *testing.T) {
	srv, m := newServer(t)

	resp, err := http.Get(srv.URL + "/courses")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /courses = %d", resp.StatusCode)
	}
	if resp.Header.Get(pkgmw.RequestIDHeader) == "" {
		t.Error("missing request id header")
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/courses/CS101/questions", strings.NewReader(`{"body":"q"}`))
	req.Header.Set(qahandler.IdentityHeader, "u1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST question = %d", resp.StatusCode)
	}

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/courses/{code}/questions", "201")); v != 1 {
		t.Errorf("request counter = %v", v)
	}
}

func TestHealthRoutes(t *testing.T) {
	srv, _ := newServer(t)
	for _, path := range []string{"/health/live", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s = %d", path, resp.StatusCode)
		}
	}
}

func TestPreflight(t *testing.T) {
	srv, _ := newServer(t)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/votes", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("preflight = %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestSocketThroughMiddleware(t *testing.T) {
	srv, m := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/questions/cs101?username=alice"

	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var hello map[string]any
	if err := c.ReadJSON(&hello); err != nil || hello["event"] != realtime.EventHello {
		t.Fatalf("hello = %+v, %v", hello, err)
	}

	// Past the REST request timeout the socket must still be open.
	time.Sleep(1200 * time.Millisecond)
	if err := c.WriteJSON(map[string]any{"event": realtime.EventFetchQuestions}); err != nil {
		t.Fatal(err)
	}
	var reply map[string]any
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := c.ReadJSON(&reply); err != nil || reply["event"] != realtime.EventFetchOldQuestions {
		t.Fatalf("reply = %+v, %v", reply, err)
	}
	if v := testutil.ToFloat64(m.ConnectionsActive.WithLabelValues("questions")); v != 1 {
		t.Errorf("active connections = %v", v)
	}
}

func TestSocketRejectsForeignOrigin(t *testing.T) {
	srv, _ := newServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/questions/cs101?username=alice"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %+v", resp)
	}
}
