package cmds

import (
	"context"
	"fmt"
	"io"

	geppettosections "github.com/go-go-golems/geppetto/pkg/sections"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/feedbackstream/pkg/feedback"
	"github.com/go-go-golems/feedbackstream/pkg/inference/runtime"
	"github.com/go-go-golems/feedbackstream/pkg/metrics"
	"github.com/go-go-golems/feedbackstream/pkg/prompts"
	"github.com/go-go-golems/feedbackstream/pkg/redisstream"
	"github.com/go-go-golems/feedbackstream/pkg/resumable"
	"github.com/go-go-golems/feedbackstream/pkg/webchat"
)

type ServeCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ServeCommand)(nil)

func NewServeCommand() (*ServeCommand, error) {
	serverSection, err := webchat.NewServerSection()
	if err != nil {
		return nil, errors.Wrap(err, "build server section")
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	engineSection, err := runtime.NewEngineSection()
	if err != nil {
		return nil, errors.Wrap(err, "build engine section")
	}
	streamSection, err := resumable.NewStreamSection()
	if err != nil {
		return nil, errors.Wrap(err, "build stream section")
	}
	geSections, err := geppettosections.CreateGeppettoSections()
	if err != nil {
		return nil, errors.Wrap(err, "create geppetto sections")
	}

	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve the prompt feedback API"),
		cmds.WithLong(`Serve POST /api/feedback (start a feedback stream) and GET /api/feedback
(resume the latest stream of a chat). Streams are resumable when Redis is
configured and reachable; otherwise they are passed through and resume
requests answer 204. The model provider is configured through the geppetto
flags and profiles.`),
		cmds.WithSections(append(geSections, serverSection, redisSection, engineSection, streamSection)...),
	)
	return &ServeCommand{CommandDescription: desc}, nil
}

func (c *ServeCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	var (
		srvSettings    webchat.ServerSettings
		redisSettings  redisstream.Settings
		engineSettings runtime.EngineSettings
		streamSettings resumable.StreamSettings
	)
	if err := parsed.DecodeSectionInto(webchat.ServerSlug, &srvSettings); err != nil {
		return errors.Wrap(err, "decode server settings")
	}
	if err := parsed.DecodeSectionInto(redisstream.Slug, &redisSettings); err != nil {
		return errors.Wrap(err, "decode redis settings")
	}
	if err := parsed.DecodeSectionInto(runtime.EngineSlug, &engineSettings); err != nil {
		return errors.Wrap(err, "decode engine settings")
	}
	if err := parsed.DecodeSectionInto(resumable.StreamSlug, &streamSettings); err != nil {
		return errors.Wrap(err, "decode stream settings")
	}

	store, err := openStore(srvSettings.DB)
	if err != nil {
		metrics.SetComponent("store", false, true, err.Error())
		return err
	}
	metrics.SetComponent("store", true, true, "")

	engine, err := runtime.NewEngine(engineSettings, parsed)
	if err != nil {
		_ = store.Close()
		return err
	}
	catalog, err := prompts.LoadFile(engineSettings.PromptsFile)
	if err != nil {
		_ = store.Close()
		return err
	}

	streamOpts, err := streamSettings.StreamOptions()
	if err != nil {
		_ = store.Close()
		return err
	}
	coordOpts, err := streamSettings.CoordinatorOptions()
	if err != nil {
		_ = store.Close()
		return err
	}
	staleAfter, err := streamSettings.StaleAfterDuration()
	if err != nil {
		_ = store.Close()
		return err
	}
	shutdownTimeout, err := srvSettings.ShutdownTimeoutDuration()
	if err != nil {
		_ = store.Close()
		return err
	}
	authn, err := srvSettings.Authenticator()
	if err != nil {
		_ = store.Close()
		return err
	}

	coordinator, err := resumable.FromSettings(ctx, redisSettings, coordOpts...)
	if err != nil {
		_ = store.Close()
		return err
	}
	log.Info().Str("component", "serve").Str("engine", engineSettings.Type).Msg("engine ready")
	if coordinator.Available() {
		log.Info().Str("component", "serve").Msg("resumable streams enabled")
	} else {
		log.Warn().Str("component", "serve").Str("reason", coordinator.Reason()).Msg("resumable streams unavailable, streams are passed through")
	}

	svc, err := feedback.NewService(feedback.ServiceConfig{
		Store:         store,
		Coordinator:   coordinator,
		Engine:        engine,
		Catalog:       catalog,
		StreamOptions: streamOpts,
		StaleAfter:    staleAfter,
	})
	if err != nil {
		_ = coordinator.Close()
		_ = store.Close()
		return err
	}
	router, err := webchat.NewRouter(svc,
		webchat.WithAuthenticator(authn),
		webchat.WithWebSocket(srvSettings.EnableWS, srvSettings.AllowedOrigins),
	)
	if err != nil {
		_ = coordinator.Close()
		_ = store.Close()
		return err
	}

	srv := webchat.NewServer(srvSettings.Addr, router.Handler(),
		webchat.WithShutdownTimeout(shutdownTimeout),
		webchat.WithCloser("coordinator", coordinator.Close),
		webchat.WithCloser("feedback", func() error {
			svc.Wait()
			return nil
		}),
		webchat.WithCloser("store", store.Close),
	)
	_, _ = fmt.Fprintf(w, "feedback server listening on %s\n", srvSettings.Addr)
	return srv.Run(ctx)
}
