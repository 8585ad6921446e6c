// Package router wires the REST, WebSocket and health routes of the API
// server and applies the middleware chain.
package router

import (
	"net/http"
	"time"

	qahandler "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/qa/handler"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/internal/realtime"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/middleware"
)

// Options carries what New needs besides the handlers.
type Options struct {
	Metrics        *metrics.Metrics
	CORS           pkgmw.CORSConfig
	RequestTimeout time.Duration
}

// New builds the API server handler.
//
// Route table:
//
//	GET    /courses                      → course list (cached)
//	GET    /courses/{code}/questions     → question page, ?oldest= cursor
//	POST   /courses/{code}/questions     → create question
//	GET    /questions/{id}/answers       → answer page, ?oldest= cursor
//	POST   /questions/{id}/answers       → create answer
//	POST   /votes                        → vote
//	GET    /ws/questions/{courseCode}    → question feed socket
//	GET    /ws/answers/{questionId}      → answer feed socket
//	GET    /health/live, /health/ready   → probes
//
// Middleware chain (outermost first):
//
//	RequestID → CORS → Metrics → [Timeout, REST only] → handler
func New(rest *qahandler.Handler, sockets *realtime.Handler, checker *health.Checker, opts Options) http.Handler {
	restMux := http.NewServeMux()
	rest.Register(restMux)
	var restChain http.Handler = restMux
	if opts.RequestTimeout > 0 {
		restChain = pkgmw.Timeout(opts.RequestTimeout)(restChain)
	}

	mux := http.NewServeMux()
	mux.Handle("/courses", restChain)
	mux.Handle("/courses/", restChain)
	mux.Handle("/questions/", restChain)
	mux.Handle("/votes", restChain)

	// Sockets are long-lived; no request timeout.
	mux.HandleFunc("GET /ws/questions/{courseCode}", sockets.QuestionFeed)
	mux.HandleFunc("GET /ws/answers/{questionId}", sockets.AnswerFeed)

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = pkgmw.Metrics(opts.Metrics)(chain)
	chain = pkgmw.CORS(opts.CORS)(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
