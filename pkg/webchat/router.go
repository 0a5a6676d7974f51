package webchat

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/auth"
	"github.com/go-go-golems/feedbackstream/pkg/feedback"
	"github.com/go-go-golems/feedbackstream/pkg/metrics"
)

// FeedbackService is the session surface the HTTP handlers call.
type FeedbackService interface {
	StartSession(ctx context.Context, identity auth.Identity, in feedback.StartInput) (*feedback.Session, error)
	ResumeSession(ctx context.Context, identity auth.Identity, chatID string) (*feedback.Resumed, error)
}

var _ FeedbackService = &feedback.Service{}

type RouterOption func(*Router)

func WithAuthenticator(a auth.Authenticator) RouterOption {
	return func(r *Router) { r.authn = a }
}

// WithWebSocket enables the websocket resume endpoint. An empty origin list
// only admits same-origin requests.
func WithWebSocket(enabled bool, allowedOrigins []string) RouterOption {
	return func(r *Router) {
		r.enableWS = enabled
		r.allowedOrigins = allowedOrigins
	}
}

func WithLogger(l zerolog.Logger) RouterOption {
	return func(r *Router) { r.log = l }
}

// Router serves the feedback API plus health and metrics endpoints.
type Router struct {
	svc            FeedbackService
	authn          auth.Authenticator
	enableWS       bool
	allowedOrigins []string
	upgrader       websocket.Upgrader
	log            zerolog.Logger
	mux            *http.ServeMux
}

func NewRouter(svc FeedbackService, opts ...RouterOption) (*Router, error) {
	if svc == nil {
		return nil, errors.New("feedback service is nil")
	}
	r := &Router{
		svc:   svc,
		authn: auth.Chain{},
		log:   log.With().Str("component", "webchat").Logger(),
		mux:   http.NewServeMux(),
	}
	for _, o := range opts {
		o(r)
	}
	r.upgrader = websocket.Upgrader{CheckOrigin: r.checkOrigin}

	r.mux.Handle("/api/feedback", instrument("feedback", http.HandlerFunc(r.handleFeedback)))
	r.mux.Handle("/api/feedback/ws", instrument("feedback_ws", http.HandlerFunc(r.handleResumeWS)))
	r.mux.Handle("/metrics", metrics.Handler())
	r.mux.Handle("/healthz", metrics.HealthHandler())
	return r, nil
}

// Handle attaches an extra handler to the router mux.
func (r *Router) Handle(pattern string, h http.Handler) { r.mux.Handle(pattern, h) }

func (r *Router) Handler() http.Handler { return r.mux }

func (r *Router) identity(req *http.Request) (auth.Identity, error) {
	if id, ok := auth.FromContext(req.Context()); ok {
		return id, nil
	}
	id, ok, err := r.authn.Authenticate(req)
	if err != nil {
		return auth.Identity{}, err
	}
	if !ok {
		return auth.Identity{}, nil
	}
	return id, nil
}

func (r *Router) handleFeedback(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.startFeedback(w, req)
	case http.MethodGet:
		r.resumeFeedback(w, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Router) startFeedback(w http.ResponseWriter, req *http.Request) {
	logger := r.log.With().Str("route", "POST /api/feedback").Logger()
	id, err := r.identity(req)
	if err != nil {
		writeError(w, errors.Wrap(err, "authenticate"), logger)
		return
	}
	in, err := decodeStartRequest(req)
	if err != nil {
		writeError(w, err, logger)
		return
	}
	sess, err := r.svc.StartSession(req.Context(), id, in)
	if err != nil {
		writeError(w, err, logger.With().Str("chat_id", in.ChatID).Logger())
		return
	}
	logger = logger.With().Str("chat_id", in.ChatID).Str("stream_id", sess.StreamID).Logger()
	w.Header().Set(StreamIDHeader, sess.StreamID)
	if err := writeSSE(req.Context(), w, sess.Stream, logger); err != nil {
		logger.Error().Err(err).Msg("feedback stream failed")
	}
}

func (r *Router) resume(w http.ResponseWriter, req *http.Request, logger zerolog.Logger) (*feedback.Resumed, bool) {
	id, err := r.identity(req)
	if err != nil {
		writeError(w, errors.Wrap(err, "authenticate"), logger)
		return nil, false
	}
	chatID := strings.TrimSpace(req.URL.Query().Get("chatId"))
	res, err := r.svc.ResumeSession(req.Context(), id, chatID)
	if err != nil {
		writeError(w, err, logger.With().Str("chat_id", chatID).Logger())
		return nil, false
	}
	return res, true
}

func (r *Router) resumeFeedback(w http.ResponseWriter, req *http.Request) {
	logger := r.log.With().Str("route", "GET /api/feedback").Logger()
	res, ok := r.resume(w, req, logger)
	if !ok {
		return
	}
	logger = logger.With().Str("stream_id", res.StreamID).Str("outcome", res.Outcome).Logger()
	w.Header().Set(StreamIDHeader, res.StreamID)
	if err := writeSSE(req.Context(), w, res.Stream, logger); err != nil {
		logger.Error().Err(err).Msg("resumed stream failed")
	}
}

// statusRecorder remembers the response status for the request counter and
// passes flushing and hijacking through to the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if s.status == 0 {
		s.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}
