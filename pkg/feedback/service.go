// Package feedback runs prompt-feedback sessions: it validates a request
// against the chat store, starts a streamed generation for the target message,
// and lets a client reattach to the latest stream of a chat.
package feedback

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/auth"
	"github.com/go-go-golems/feedbackstream/pkg/chatstore"
	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/inference"
	"github.com/go-go-golems/feedbackstream/pkg/metrics"
	"github.com/go-go-golems/feedbackstream/pkg/prompts"
	"github.com/go-go-golems/feedbackstream/pkg/resumable"
	"github.com/go-go-golems/feedbackstream/pkg/wire"
)

const (
	DefaultLanguage   = "en"
	MaxLanguageLength = 10
	MaxTextLength     = 2000
)

type ServiceConfig struct {
	Store       chatstore.Store
	Coordinator *resumable.Coordinator
	Engine      inference.Engine
	Catalog     *prompts.Catalog
	// Model is set on every request. Engines configured with their own model
	// ignore it.
	Model string
	// StreamOptions configure the multiplexer of every session.
	StreamOptions []datastream.Option
	StaleAfter    time.Duration
	Now           func() time.Time
}

type Service struct {
	store          chatstore.Store
	coordinator    *resumable.Coordinator
	engine         inference.Engine
	catalog        *prompts.Catalog
	model          string
	streamOpts     []datastream.Option
	reconstruction resumable.ReconstructionPolicy
	now            func() time.Time

	// saves tracks feedback still being stored after its stream finished.
	saves sync.WaitGroup
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("feedback: store is nil")
	}
	if cfg.Engine == nil {
		return nil, errors.New("feedback: engine is nil")
	}
	s := &Service{
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		engine:      cfg.Engine,
		catalog:     cfg.Catalog,
		model:       cfg.Model,
		streamOpts:  cfg.StreamOptions,
		reconstruction: resumable.ReconstructionPolicy{
			Messages:   cfg.Store,
			StaleAfter: cfg.StaleAfter,
		},
		now: cfg.Now,
	}
	if s.coordinator == nil {
		s.coordinator = resumable.Unavailable("no coordinator configured")
	}
	if s.catalog == nil {
		s.catalog = prompts.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Wait blocks until the feedback of every finished session is stored.
func (s *Service) Wait() {
	s.saves.Wait()
}

// Coordinator exposes the resumption coordinator, e.g. for shutdown.
func (s *Service) Coordinator() *resumable.Coordinator {
	return s.coordinator
}

type StartInput struct {
	ChatID    string
	MessageID string
	Language  string
}

type Session struct {
	StreamID string
	Stream   datastream.Stream
}

// StartSession validates in and starts a feedback generation for the target
// message. Validation and lookup failures are returned as *Error before any
// stream id is registered.
func (s *Service) StartSession(ctx context.Context, identity auth.Identity, in StartInput) (*Session, error) {
	in.ChatID = strings.TrimSpace(in.ChatID)
	in.MessageID = strings.TrimSpace(in.MessageID)
	target, lang, err := s.validateStart(ctx, identity, in)
	if err != nil {
		metrics.SessionsFinished.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, err
	}
	text, _ := chatstore.FirstText(target.Parts)

	streamID := uuid.NewString()
	logger := log.With().
		Str("component", "feedback").
		Str("chat_id", in.ChatID).
		Str("message_id", in.MessageID).
		Str("stream_id", streamID).
		Logger()

	if err := s.store.Register(ctx, streamID, in.ChatID); err != nil {
		logger.Error().Err(err).Msg("register stream id")
		metrics.SessionsFinished.WithLabelValues(metrics.OutcomeRejected).Inc()
		return nil, NewError(KindStorageUnavailable, SurfaceStream, "could not register stream", err)
	}

	req := inference.NewFeedbackRequest(s.catalog, s.model, lang, text)
	build := func(ctx context.Context) datastream.Stream {
		p := inference.NewProducer(s.engine, req,
			inference.WithOnComplete(s.saveFeedback(in.ChatID, in.MessageID)),
			inference.WithCompletionGroup(&s.saves),
		)
		return &observedStream{Stream: datastream.New(p, s.streamOpts...)}
	}

	stream, err := s.coordinator.PublishAndServe(ctx, streamID, build)
	if err != nil {
		return nil, errors.Wrap(err, "start stream")
	}
	metrics.SessionsStarted.Inc()
	logger.Info().Str("language", lang).Bool("resumable", s.coordinator.Available()).Msg("feedback session started")
	return &Session{StreamID: streamID, Stream: stream}, nil
}

// validateStart expects in.ChatID and in.MessageID to be trimmed already.
func (s *Service) validateStart(ctx context.Context, identity auth.Identity, in StartInput) (chatstore.Message, string, error) {
	if _, err := uuid.Parse(in.ChatID); err != nil {
		return chatstore.Message{}, "", NewError(KindBadRequest, SurfaceAPI, "chatId must be a UUID", err)
	}
	if _, err := uuid.Parse(in.MessageID); err != nil {
		return chatstore.Message{}, "", NewError(KindBadRequest, SurfaceAPI, "messageId must be a UUID", err)
	}
	lang := strings.TrimSpace(in.Language)
	if lang == "" {
		lang = DefaultLanguage
	}
	if utf8.RuneCountInString(lang) > MaxLanguageLength {
		return chatstore.Message{}, "", NewError(KindBadRequest, SurfaceAPI, "language is too long", nil)
	}
	if identity.UserID == "" {
		return chatstore.Message{}, "", NewError(KindUnauthorized, SurfaceFeedback, "sign in to request feedback", nil)
	}

	msg, ok, err := s.store.GetMessage(ctx, in.MessageID)
	if err != nil {
		return chatstore.Message{}, "", NewError(KindStorageUnavailable, SurfaceFeedback, "could not load message", err)
	}
	if !ok || msg.ChatID != in.ChatID {
		return chatstore.Message{}, "", NewError(KindNotFound, SurfaceFeedback, "message not found", nil)
	}

	if _, err := s.loadChat(ctx, identity, in.ChatID); err != nil {
		return chatstore.Message{}, "", err
	}

	text, ok := chatstore.FirstText(msg.Parts)
	if !ok {
		return chatstore.Message{}, "", NewError(KindBadRequest, SurfaceAPI, "message has no text to review", nil)
	}
	if utf8.RuneCountInString(text) > MaxTextLength {
		return chatstore.Message{}, "", NewError(KindBadRequest, SurfaceAPI, "message text is too long", nil)
	}
	return msg, lang, nil
}

// loadChat returns the chat if identity may read it.
func (s *Service) loadChat(ctx context.Context, identity auth.Identity, chatID string) (chatstore.Chat, error) {
	chat, ok, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return chatstore.Chat{}, NewError(KindStorageUnavailable, SurfaceChat, "could not load chat", err)
	}
	if !ok {
		return chatstore.Chat{}, NewError(KindNotFound, SurfaceChat, "chat not found", nil)
	}
	if chat.Visibility != chatstore.VisibilityPublic && chat.UserID != identity.UserID {
		return chatstore.Chat{}, NewError(KindForbidden, SurfaceChat, "chat belongs to another user", nil)
	}
	return chat, nil
}

func (s *Service) saveFeedback(chatID, messageID string) inference.CompletionFunc {
	return func(ctx context.Context, t inference.Transcript) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		rec := chatstore.FeedbackRecord{
			ID:        t.MessageID,
			MessageID: messageID,
			ChatID:    chatID,
			Parts:     t.Parts,
			CreatedAt: s.now(),
		}
		if err := s.store.SaveFeedback(sctx, rec); err != nil {
			metrics.FeedbackPersistFailures.Inc()
			log.Error().Err(err).
				Str("component", "feedback").
				Str("chat_id", chatID).
				Str("message_id", messageID).
				Str("feedback_id", rec.ID).
				Msg("could not store feedback")
			return
		}
		log.Debug().Str("component", "feedback").Str("chat_id", chatID).Str("feedback_id", rec.ID).Msg("feedback stored")
	}
}

type Resumed struct {
	StreamID string
	Stream   datastream.Stream
	Outcome  string
}

// ResumeSession reattaches to the latest stream of chatID, or reconstructs its
// final state when the stream is no longer live.
func (s *Service) ResumeSession(ctx context.Context, identity auth.Identity, chatID string) (*Resumed, error) {
	requestedAt := s.now()
	chatID = strings.TrimSpace(chatID)
	if !s.coordinator.Available() {
		metrics.ResumeOutcomes.WithLabelValues(metrics.ResumeUnsupported).Inc()
		return nil, ErrResumptionUnsupported
	}
	if _, err := uuid.Parse(chatID); err != nil {
		return nil, NewError(KindBadRequest, SurfaceAPI, "chatId must be a UUID", err)
	}
	if identity.UserID == "" {
		return nil, NewError(KindUnauthorized, SurfaceChat, "sign in to resume a stream", nil)
	}
	if _, err := s.loadChat(ctx, identity, chatID); err != nil {
		return nil, err
	}

	streamID, ok, err := s.store.Tail(ctx, chatID)
	if err != nil {
		return nil, NewError(KindStorageUnavailable, SurfaceStream, "could not load stream history", err)
	}
	if !ok {
		metrics.ResumeOutcomes.WithLabelValues(metrics.ResumeNoHistory).Inc()
		return nil, ErrNoStreamHistory
	}

	logger := log.With().Str("component", "feedback").Str("chat_id", chatID).Str("stream_id", streamID).Logger()
	live, ok, err := s.coordinator.Resume(ctx, streamID)
	if err != nil {
		return nil, errors.Wrap(err, "resume stream")
	}
	if ok {
		metrics.ResumeOutcomes.WithLabelValues(metrics.ResumeLive).Inc()
		logger.Debug().Msg("resuming live stream")
		return &Resumed{StreamID: streamID, Stream: live, Outcome: metrics.ResumeLive}, nil
	}

	stream, how, err := s.reconstruction.Reconstruct(ctx, chatID, requestedAt)
	if err != nil {
		return nil, NewError(KindStorageUnavailable, SurfaceStream, "could not reconstruct stream", err)
	}
	outcome := metrics.ResumeEmpty
	if how == resumable.ReconstructedMessage {
		outcome = metrics.ResumeReconstructed
	}
	metrics.ResumeOutcomes.WithLabelValues(outcome).Inc()
	logger.Debug().Str("outcome", outcome).Msg("stream reconstructed")
	return &Resumed{StreamID: streamID, Stream: stream, Outcome: outcome}, nil
}

// observedStream counts how a produced stream ended.
type observedStream struct {
	datastream.Stream
	done bool
}

func (o *observedStream) Next(ctx context.Context) (wire.Event, error) {
	ev, err := o.Stream.Next(ctx)
	if err == nil && !o.done && ev.IsTerminal() {
		o.done = true
		outcome := metrics.OutcomeCompleted
		if ev.Kind == wire.KindError {
			outcome = metrics.OutcomeFailed
		}
		metrics.SessionsFinished.WithLabelValues(outcome).Inc()
	}
	return ev, err
}
