package resumable

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/datastream"
	"github.com/go-go-golems/feedbackstream/pkg/metrics"
	"github.com/go-go-golems/feedbackstream/pkg/redisstream"
)

const StreamSlug = "stream"

// StreamSettings tunes how streams are produced and resumed.
type StreamSettings struct {
	Smoothing         string `glazed:"smoothing"`
	SmoothDelay       string `glazed:"smooth-delay"`
	ErrorMessage      string `glazed:"error-message"`
	StaleAfter        string `glazed:"resume-stale-after"`
	ResumeIdleTimeout string `glazed:"resume-idle-timeout"`
}

func NewStreamSection() (schema.Section, error) {
	return schema.NewSection(
		StreamSlug,
		"Stream production and resumption",
		schema.WithFields(
			fields.New("smoothing", fields.TypeString, fields.WithDefault("word"), fields.WithHelp("Delta smoothing (word, line, none)")),
			fields.New("smooth-delay", fields.TypeString, fields.WithDefault("10ms"), fields.WithHelp("Delay between smoothed chunks")),
			fields.New("error-message", fields.TypeString, fields.WithDefault(datastream.DefaultErrorMessage), fields.WithHelp("Message sent to clients when generation fails")),
			fields.New("resume-stale-after", fields.TypeString, fields.WithDefault("15s"), fields.WithHelp("Age after which a finished message is no longer replayed on resume")),
			fields.New("resume-idle-timeout", fields.TypeString, fields.WithDefault("30s"), fields.WithHelp("End a resumed stream that receives nothing for this long")),
		),
	)
}

// Chunking maps the smoothing setting to a chunking function; nil disables smoothing.
func (s StreamSettings) Chunking() (datastream.Chunking, error) {
	switch strings.ToLower(strings.TrimSpace(s.Smoothing)) {
	case "", "none":
		return nil, nil
	case "word":
		return datastream.WordChunking, nil
	case "line":
		return datastream.LineChunking, nil
	default:
		return nil, errors.Errorf("unknown smoothing %q", s.Smoothing)
	}
}

func (s StreamSettings) SmoothDelayDuration() (time.Duration, error) {
	return durationOr(s.SmoothDelay, 0)
}

func (s StreamSettings) StaleAfterDuration() (time.Duration, error) {
	return durationOr(s.StaleAfter, DefaultStaleAfter)
}

func (s StreamSettings) IdleTimeoutDuration() (time.Duration, error) {
	return durationOr(s.ResumeIdleTimeout, 30*time.Second)
}

// StreamOptions returns the multiplexer options for new sessions.
func (s StreamSettings) StreamOptions() ([]datastream.Option, error) {
	chunking, err := s.Chunking()
	if err != nil {
		return nil, err
	}
	delay, err := s.SmoothDelayDuration()
	if err != nil {
		return nil, err
	}
	opts := []datastream.Option{datastream.WithSmoothingDelay(delay)}
	if chunking != nil {
		opts = append(opts, datastream.WithSmoothing(chunking))
	}
	if s.ErrorMessage != "" {
		opts = append(opts, datastream.WithErrorMessage(s.ErrorMessage))
	}
	return opts, nil
}

func (s StreamSettings) CoordinatorOptions() ([]Option, error) {
	idle, err := s.IdleTimeoutDuration()
	if err != nil {
		return nil, err
	}
	opts := []Option{WithResumeIdleTimeout(idle)}
	if s.ErrorMessage != "" {
		opts = append(opts, WithErrorMessage(s.ErrorMessage))
	}
	return opts, nil
}

func durationOr(v string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", v)
	}
	return d, nil
}

const pingTimeout = 2 * time.Second

// FromSettings decides once whether streams are resumable. Missing Redis
// configuration or a failed connection check yields an unavailable coordinator;
// with a re-check interval a failed check is retried in the background until
// it succeeds or baseCtx ends.
func FromSettings(baseCtx context.Context, rs redisstream.Settings, opts ...Option) (*Coordinator, error) {
	ttl, err := rs.TTLDuration()
	if err != nil {
		return nil, errors.Wrap(err, "redis-ttl")
	}
	recheck, err := rs.RecheckDuration()
	if err != nil {
		return nil, errors.Wrap(err, "redis-recheck-interval")
	}
	liveTTL, err := rs.LiveTTLDuration()
	if err != nil {
		return nil, errors.Wrap(err, "resume-live-ttl")
	}
	backendOpts := []BackendOption{WithTTL(ttl), WithLiveTTL(liveTTL), WithKeyPrefix(rs.Prefix())}
	opts = append([]Option{WithHeartbeatInterval(liveTTL / 3)}, opts...)

	switch strings.ToLower(strings.TrimSpace(rs.Backend)) {
	case redisstream.BackendNone:
		return disabledCoordinator(baseCtx, "resumption disabled", opts...), nil
	case redisstream.BackendMemory:
		b, err := NewMemoryBackend(backendOpts...)
		if err != nil {
			return nil, err
		}
		log.Info().Str("component", "resumable").Str("backend", "memory").Msg("stream resumption enabled")
		metrics.SetComponent("side-channel", true, false, "")
		return New(baseCtx, b, opts...), nil
	case "", redisstream.BackendRedis:
	default:
		return nil, errors.Errorf("unknown resume backend %q", rs.Backend)
	}

	if !rs.Configured() {
		return disabledCoordinator(baseCtx, "redis not configured", opts...), nil
	}
	client, err := redisstream.NewClient(rs)
	if err != nil {
		return nil, err
	}

	c := newCoordinator(baseCtx, opts...)
	if err := pingRedis(baseCtx, client); err != nil {
		reason := "redis unreachable: " + err.Error()
		c.setBackend(nil, reason)
		log.Warn().Err(err).Str("component", "resumable").Msg("stream resumption unavailable, redis unreachable")
		metrics.SetComponent("side-channel", false, false, reason)
		if recheck > 0 {
			go c.recheck(client, recheck, backendOpts)
		} else {
			_ = client.Close()
		}
		return c, nil
	}

	if err := c.attachRedis(client, backendOpts); err != nil {
		_ = client.Close()
		return nil, err
	}
	return c, nil
}

func disabledCoordinator(baseCtx context.Context, reason string, opts ...Option) *Coordinator {
	c := newCoordinator(baseCtx, opts...)
	c.setBackend(nil, reason)
	log.Info().Str("component", "resumable").Str("reason", reason).Msg("stream resumption unavailable")
	metrics.SetComponent("side-channel", false, false, reason)
	return c
}

func pingRedis(ctx context.Context, client redis.UniversalClient) error {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return redisstream.Ping(pctx, client)
}

func (c *Coordinator) attachRedis(client *redis.Client, opts []BackendOption) error {
	opts = append(opts, WithCloser(client.Close))
	b, err := NewRedisBackend(client, opts...)
	if err != nil {
		return errors.Wrap(err, "build redis backend")
	}
	c.setBackend(b, "")
	metrics.SetComponent("side-channel", true, false, "")
	log.Info().Str("component", "resumable").Str("backend", "redis").Msg("stream resumption enabled")
	return nil
}

func (c *Coordinator) recheck(client *redis.Client, every time.Duration, opts []BackendOption) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.baseCtx.Done():
			_ = client.Close()
			return
		case <-ticker.C:
			if err := pingRedis(c.baseCtx, client); err != nil {
				log.Debug().Err(err).Str("component", "resumable").Msg("redis still unreachable")
				continue
			}
			if err := c.attachRedis(client, opts); err != nil {
				log.Error().Err(err).Str("component", "resumable").Msg("redis reachable but backend setup failed")
				_ = client.Close()
				return
			}
			return
		}
	}
}
