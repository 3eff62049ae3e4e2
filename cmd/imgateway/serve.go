package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaydesk/imgateway/internal/backend"
	"github.com/relaydesk/imgateway/internal/channel"
	"github.com/relaydesk/imgateway/internal/channel/adapters/dingtalk"
	"github.com/relaydesk/imgateway/internal/channel/adapters/discord"
	"github.com/relaydesk/imgateway/internal/channel/adapters/feishu"
	"github.com/relaydesk/imgateway/internal/channel/adapters/telegram"
	"github.com/relaydesk/imgateway/internal/config"
	"github.com/relaydesk/imgateway/internal/handlers"
	"github.com/relaydesk/imgateway/internal/healthcheck"
	channelchecker "github.com/relaydesk/imgateway/internal/healthcheck/checkers/channel"
	storechecker "github.com/relaydesk/imgateway/internal/healthcheck/checkers/store"
	"github.com/relaydesk/imgateway/internal/logger"
	"github.com/relaydesk/imgateway/internal/media"
	"github.com/relaydesk/imgateway/internal/metrics"
	"github.com/relaydesk/imgateway/internal/server"
	"github.com/relaydesk/imgateway/internal/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateways and the host API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runServe(cfg)
			return nil
		},
	}
}

func runServe(cfg config.Config) {
	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideStore,
			provideMediaStore,
			provideObserver,
			provideChannelRegistry,
			provideChannelManager,
			provideBackend,
			provideHealth,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(handlers.NewGatewayHandler),
			provideServerHandler(provideMetricsHandler),
			provideServerHandler(provideAuthHandler),
			provideServer,
		),
		fx.Invoke(
			startChannelManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*store.Store, error) {
	st, err := store.Open(log, cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if _, err := st.Migrate(); err != nil {
		_ = st.Close()
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return st.Close() }})
	return st, nil
}

func provideMediaStore(log *slog.Logger, cfg config.Config) (*media.Store, error) {
	return media.NewStore(log, cfg.Media.DataDir, cfg.Media.MaxBytes)
}

func provideObserver() (*metrics.Observer, error) {
	return metrics.NewObserver(nil)
}

func provideChannelRegistry(log *slog.Logger, mediaStore *media.Store) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(dingtalk.NewAdapter(log, mediaStore))
	registry.MustRegister(feishu.NewAdapter(log, mediaStore))
	registry.MustRegister(discord.NewAdapter(log, mediaStore))
	registry.MustRegister(telegram.NewAdapter(log, mediaStore))
	return registry
}

func provideChannelManager(log *slog.Logger, cfg config.Config, registry *channel.Registry, st *store.Store, observer *metrics.Observer) (*channel.Manager, error) {
	opts := cfg.SupervisorOptions()
	opts.Store = st
	opts.Observer = observer
	mgr := channel.NewManager(log, registry, opts)
	mgr.Use(logHandling(log))
	for _, chCfg := range cfg.ChannelConfigs() {
		if !chCfg.Enabled {
			continue
		}
		if _, err := mgr.Configure(chCfg); err != nil {
			return nil, fmt.Errorf("configure %s: %w", chCfg.ChannelType, err)
		}
	}
	return mgr, nil
}

// logHandling records how long the host took per message.
func logHandling(log *slog.Logger) channel.Middleware {
	return func(next channel.MessageHandler) channel.MessageHandler {
		return func(ctx context.Context, msg channel.Message, reply channel.ReplyFunc) error {
			started := time.Now()
			err := next(ctx, msg, reply)
			log.Debug("message handled",
				slog.String("channel", msg.Platform.String()),
				slog.String("message_id", msg.MessageID),
				slog.Duration("took", time.Since(started)),
				slog.Bool("ok", err == nil))
			return err
		}
	}
}

func provideBackend(log *slog.Logger, cfg config.Config, mgr *channel.Manager) *backend.Client {
	client := backend.NewClient(log, cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.Timeout)
	mgr.SetMessageHandler(client.Handle)
	return client
}

func provideHealth(log *slog.Logger, mgr *channel.Manager, st *store.Store) *healthcheck.Aggregator {
	return healthcheck.NewAggregator(
		channelchecker.NewChecker(log, mgr),
		storechecker.NewChecker(log, st),
	)
}

func provideMetricsHandler(observer *metrics.Observer) *handlers.MetricsHandler {
	return handlers.NewMetricsHandler(observer.Handler())
}

func provideAuthHandler(cfg config.Config) *handlers.AuthHandler {
	return handlers.NewAuthHandler(cfg.Server.JWTSecret, cfg.Server.JWTExpiresIn)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Server.JWTSecret, params.ServerHandlers...)
}

func startChannelManager(lc fx.Lifecycle, log *slog.Logger, channelManager *channel.Manager, _ *backend.Client) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// A platform that fails to start stays down until a reconnect
			// is requested; it must not take the process down.
			go func() {
				if err := channelManager.StartAll(ctx); err != nil {
					log.Warn("some gateways failed to start", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error { cancel(); return channelManager.Shutdown(stopCtx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
