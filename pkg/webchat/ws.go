package webchat

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

const wsWriteTimeout = 10 * time.Second

func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range r.allowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}

// handleResumeWS is the websocket form of GET /api/feedback: one text frame per
// event, closed after the terminal event. Errors before the upgrade are plain
// HTTP responses.
func (r *Router) handleResumeWS(w http.ResponseWriter, req *http.Request) {
	if !r.enableWS {
		http.NotFound(w, req)
		return
	}
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := r.log.With().Str("route", "GET /api/feedback/ws").Logger()
	res, ok := r.resume(w, req, logger)
	if !ok {
		return
	}
	defer func() { _ = res.Stream.Close() }()

	hdr := http.Header{}
	hdr.Set(StreamIDHeader, res.StreamID)
	conn, err := r.upgrader.Upgrade(w, req, hdr)
	if err != nil {
		logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	logger = logger.With().Str("stream_id", res.StreamID).Logger()

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	// reads only serve to notice the client leaving
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		ev, err := res.Stream.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Debug().Err(err).Msg("resumed stream stopped")
			return
		}
		payload, err := wire.Marshal(ev)
		if err != nil {
			logger.Error().Err(err).Msg("encode event")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"),
		time.Now().Add(time.Second),
	)
}
