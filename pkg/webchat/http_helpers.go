package webchat

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/feedback"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

const maxRequestBody = 64 << 10

// StreamIDHeader carries the id of the stream a response belongs to.
const StreamIDHeader = "X-Stream-Id"

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// writeError maps service errors to responses. Resumption that is unsupported
// or has nothing to resume is answered with 204.
func writeError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	if stderrors.Is(err, feedback.ErrResumptionUnsupported) || stderrors.Is(err, feedback.ErrNoStreamHistory) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body := errorBody{Code: "internal:api", Message: "internal error"}
	status := http.StatusInternalServerError
	if fe, ok := feedback.AsError(err); ok {
		status = fe.Status()
		body.Code = fe.Code()
		body.Message = fe.Message
		if fe.Kind == feedback.KindBadRequest && fe.Cause != nil {
			body.Cause = fe.Cause.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type startRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Language  string `json:"language"`
}

// chatSDKRequest is the envelope chat SDK clients post: the feedback
// parameters travel in the data field of the last message.
type chatSDKRequest struct {
	ID       string `json:"id"`
	Messages []struct {
		Data *startRequest `json:"data"`
	} `json:"messages"`
}

func decodeStartRequest(r *http.Request) (feedback.StartInput, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return feedback.StartInput{}, feedback.NewError(feedback.KindBadRequest, feedback.SurfaceAPI, "could not read request body", err)
	}
	if len(b) > maxRequestBody {
		return feedback.StartInput{}, feedback.NewError(feedback.KindBadRequest, feedback.SurfaceAPI, "request body too large", nil)
	}

	var flat startRequest
	if err := json.Unmarshal(b, &flat); err != nil {
		return feedback.StartInput{}, feedback.NewError(feedback.KindBadRequest, feedback.SurfaceAPI, "request body is not valid JSON", err)
	}
	if flat.ChatID == "" && flat.MessageID == "" {
		var env chatSDKRequest
		if err := json.Unmarshal(b, &env); err == nil {
			for i := len(env.Messages) - 1; i >= 0; i-- {
				if d := env.Messages[i].Data; d != nil {
					flat = *d
					if flat.ChatID == "" {
						flat.ChatID = env.ID
					}
					break
				}
			}
		}
	}
	return feedback.StartInput{
		ChatID:    strings.TrimSpace(flat.ChatID),
		MessageID: strings.TrimSpace(flat.MessageID),
		Language:  strings.TrimSpace(flat.Language),
	}, nil
}

// writeSSE streams events as Server-Sent Events until the stream ends or the
// client goes away. The stream is always closed.
func writeSSE(ctx context.Context, w http.ResponseWriter, s datastream.Stream, logger zerolog.Logger) error {
	defer func() { _ = s.Close() }()

	h := w.Header()
	h.Set("Content-Type", wire.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		ev, err := s.Next(ctx)
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug().Err(err).Msg("client went away")
				return nil
			}
			return errors.Wrap(err, "read stream")
		}
		frame, err := wire.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			logger.Debug().Err(err).Msg("write event")
			return nil
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
