package redisstream

import (
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const Slug = "redis"

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
	BackendNone   = "none"
)

// Settings holds the configuration of the resumption side-channel.
type Settings struct {
	URL             string `glazed:"redis-url"`
	Addr            string `glazed:"redis-addr"`
	Backend         string `glazed:"resume-backend"`
	TTL             string `glazed:"redis-ttl"`
	LiveTTL         string `glazed:"resume-live-ttl"`
	RecheckInterval string `glazed:"redis-recheck-interval"`
	KeyPrefix       string `glazed:"redis-key-prefix"`
}

// NewSection returns the glazed section for Settings.
func NewSection() (schema.Section, error) {
	return schema.NewSection(
		Slug,
		"Redis side-channel used to resume streams",
		schema.WithFields(
			fields.New("redis-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis URL, e.g. redis://localhost:6379/0 (falls back to REDIS_URL)")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis address host:port, used when no URL is set")),
			fields.New("resume-backend", fields.TypeString, fields.WithDefault(BackendRedis), fields.WithHelp("Side-channel backend (redis, memory, none)")),
			fields.New("redis-ttl", fields.TypeString, fields.WithDefault("24h"), fields.WithHelp("Lifetime of a finished stream in the side-channel")),
			fields.New("resume-live-ttl", fields.TypeString, fields.WithDefault("30s"), fields.WithHelp("How long a stream stays resumable after its producer stopped sending heartbeats")),
			fields.New("redis-recheck-interval", fields.TypeString, fields.WithDefault("0s"), fields.WithHelp("Re-check an unreachable Redis at this interval (0s = never)")),
			fields.New("redis-key-prefix", fields.TypeString, fields.WithDefault("resumable-stream"), fields.WithHelp("Prefix of side-channel keys")),
		),
	)
}

// ResolvedURL returns the configured URL, falling back to REDIS_URL.
func (s Settings) ResolvedURL() string {
	if u := strings.TrimSpace(s.URL); u != "" {
		return u
	}
	return strings.TrimSpace(os.Getenv("REDIS_URL"))
}

// Configured reports whether any Redis location was given.
func (s Settings) Configured() bool {
	return s.ResolvedURL() != "" || strings.TrimSpace(s.Addr) != ""
}

func (s Settings) Options() (*redis.Options, error) {
	if u := s.ResolvedURL(); u != "" {
		opts, err := redis.ParseURL(u)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		return opts, nil
	}
	if addr := strings.TrimSpace(s.Addr); addr != "" {
		return &redis.Options{Addr: addr}, nil
	}
	return nil, errors.New("redis is not configured")
}

func (s Settings) TTLDuration() (time.Duration, error) {
	return parseDuration(s.TTL, 24*time.Hour)
}

func (s Settings) LiveTTLDuration() (time.Duration, error) {
	d, err := parseDuration(s.LiveTTL, 30*time.Second)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.Errorf("resume-live-ttl must be positive, got %s", s.LiveTTL)
	}
	return d, nil
}

func (s Settings) RecheckDuration() (time.Duration, error) {
	return parseDuration(s.RecheckInterval, 0)
}

func (s Settings) Prefix() string {
	if p := strings.TrimSpace(s.KeyPrefix); p != "" {
		return p
	}
	return "resumable-stream"
}

func parseDuration(v string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", v)
	}
	return d, nil
}
