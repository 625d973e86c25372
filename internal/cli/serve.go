package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dmadigital/autoflow/internal/agent"
	"github.com/dmadigital/autoflow/internal/config"
	"github.com/dmadigital/autoflow/internal/dispatch"
	"github.com/dmadigital/autoflow/internal/httpapi"
	"github.com/dmadigital/autoflow/internal/natsbus"
	"github.com/dmadigital/autoflow/internal/publish"
	"github.com/dmadigital/autoflow/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	NoHTTP bool
	NoNATS bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent service",
		Long: `Run the agent: the HTTP API (/health, /capabilities, /handle_event)
and, when nats.url is configured, a queue subscriber on nats.inbound_subject.

Outbound events go to the orchestrator (publish.maestro_url) and to NATS
subjects under nats.outbound_prefix. With neither configured they are
logged.

Configuration comes from --config and AUTOFLOW_* environment variables,
e.g. AUTOFLOW_AGENT__INTERNAL_API_KEY or AUTOFLOW_HTTP__PORT.

Stops gracefully on SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.NoHTTP, "no-http", false, "do not start the HTTP API")
	cmd.Flags().BoolVar(&opts.NoNATS, "no-nats", false, "do not connect to NATS even if configured")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.NoNATS {
		cfg.NATS.URL = ""
	}
	if opts.NoHTTP && cfg.NATS.URL == "" {
		return NewExitError(ExitCommandError, "nothing to serve: HTTP disabled and no NATS url configured")
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)

	svc, err := buildService(cfg, logger, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	g, ctx := errgroup.WithContext(ctx)
	if !opts.NoHTTP {
		srv := httpapi.New(httpapi.Config{
			Addr:        cfg.HTTP.Addr(),
			APIKey:      cfg.Agent.InternalAPIKey,
			CORSOrigins: cfg.HTTP.CORSOrigins,
			Timeout:     cfg.HTTP.Timeout,
		}, svc.agent, logger)
		g.Go(func() error { return srv.ListenAndServe(ctx) })
	}
	if svc.nc != nil {
		sub := natsbus.NewSubscriber(svc.agent, logger, cfg.NATS.HandleTimeout)
		g.Go(func() error {
			return sub.Serve(ctx, svc.nc, cfg.NATS.InboundSubject, cfg.NATS.Queue)
		})
	}

	logger.Info("agent started",
		"agent", cfg.Agent.Name,
		"mode", cfg.Agent.Mode,
		"rules", svc.rulesSource,
		"store", cfg.Store.Path,
	)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "service stopped", err)
	}
	logger.Info("agent stopped")
	return nil
}

// service is the wired agent plus the resources it owns.
type service struct {
	agent       *agent.Agent
	store       *store.Store // nil when persistence is disabled
	nc          *nats.Conn   // nil when NATS is disabled
	rulesSource string
}

// buildService wires rules, dispatcher, store and publishers from cfg.
// Without withPublish outbound events are only returned, never delivered.
func buildService(cfg *config.Config, logger *slog.Logger, withPublish bool) (svc *service, err error) {
	base, err := loadRules(cfg.Rules.Dir)
	if err != nil {
		return nil, err
	}
	svc = &service{rulesSource: base.Source()}
	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	d := dispatch.New(base,
		dispatch.WithSource(cfg.Agent.Name),
		dispatch.WithLogger(logger),
		dispatch.WithMinConfidence(cfg.Engine.MinConfidence),
		dispatch.WithPreOptimize(cfg.Engine.PreOptimize),
	)
	agentOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithMode(cfg.Agent.Mode),
	}

	if cfg.Store.Path != "" {
		st, err := openStore(cfg.Store.Path, false)
		if err != nil {
			return nil, err
		}
		svc.store = st
		agentOpts = append(agentOpts, agent.WithRecorder(st))
	}

	if withPublish {
		if cfg.NATS.URL != "" {
			nc, err := natsbus.Connect(cfg.NATS.URL, logger)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to connect to NATS", err)
			}
			svc.nc = nc
		}
		agentOpts = append(agentOpts, agent.WithPublisher(publishers(cfg, logger, svc.nc)))
	}

	svc.agent = agent.New(cfg.Agent.Name, d, agentOpts...)
	return svc, nil
}

// publishers builds the outbound chain: the orchestrator, then NATS.
func publishers(cfg *config.Config, logger *slog.Logger, nc *nats.Conn) publish.Publisher {
	var chain publish.Fanout
	if cfg.Publish.MaestroURL != "" {
		chain = append(chain, publish.NewMaestro(cfg.Publish.MaestroURL,
			publish.WithTimeout(cfg.Publish.Timeout),
			publish.WithRetries(cfg.Publish.Retries),
			publish.WithRateLimit(cfg.Publish.RateLimit, cfg.Publish.Burst),
			publish.WithLogger(logger),
		))
	}
	if nc != nil {
		chain = append(chain, natsbus.NewPublisher(nc, cfg.NATS.OutboundPrefix))
	}
	switch len(chain) {
	case 0:
		return publish.Log{Logger: logger}
	case 1:
		return chain[0]
	default:
		return chain
	}
}

// Close releases the NATS connection and the store.
func (s *service) Close() {
	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
}
