// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/receiptreward/internal/domain/model"
	"github.com/okian/receiptreward/internal/domain/submission"
	"github.com/okian/receiptreward/pkg/logger"
	"github.com/okian/receiptreward/pkg/metrics"
)

const defaultMaxBodyBytes = 10 << 20

// Submitter runs one receipt through the captcha gate and the pipeline.
type Submitter interface {
	SubmitReceipt(ctx context.Context, captchaToken string, raw submission.RawSubmission) (model.Outcome, error)
}

// Option configures the Server.
type Option func(*Server)

// WithMaxBodyBytes caps the POST /submitReceipt body.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	statusHandler *StatusHandler
	submitHandler *SubmitHandler

	maxBodyBytes int64
	log          logger.Logger
}

// NewServer creates a new API server with all handlers.
func NewServer(submitter Submitter, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Named("api")
	}
	s.statusHandler = NewStatusHandler(statsProvider)
	s.submitHandler = NewSubmitHandler(submitter, s.maxBodyBytes, s.log)
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.HandleFunc("/healthz", MetricsMiddleware(s.statusHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statusHandler.HandleStats, "stats"))
	mux.HandleFunc("/submitReceipt", MetricsMiddleware(s.submitHandler.HandleSubmit, "submitReceipt"))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
}

// Wrap adds panic recovery and CORS for the browser client around h.
func Wrap(h http.Handler, allowedOrigins []string, log logger.Logger) http.Handler {
	if log == nil {
		log = logger.Named("api")
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(allowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
		handlers.MaxAge(600),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log: log}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(h))
}

// recoveryLogger adapts Logger to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	log logger.Logger
}

func (r recoveryLogger) Println(v ...any) {
	metrics.RecordErrorByComponent("http", "panic")
	r.log.Error(context.Background(), "recovered from panic", logger.String("panic", fmt.Sprint(v...)))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) failure {
	f := classify(err)
	if rec, ok := w.(*statusRecorder); ok {
		rec.code = f.code
	}
	writeJSON(w, f.status, errorResponse{Code: f.code, Message: f.message})
	return f
}
