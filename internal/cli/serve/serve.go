package serve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/mtgate/api"
	"github.com/rustyeddy/mtgate/instrument"
	"github.com/rustyeddy/mtgate/internal/cli/config"
	"github.com/rustyeddy/mtgate/internal/trace"
	"github.com/rustyeddy/mtgate/session"
)

func New(rc *config.RootConfig, version string) *cobra.Command {
	var (
		listen     string
		noProcs    bool
		reclaimAll bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rc.Cfg
			log := rc.Log
			defer func() { _ = log.Sync() }()

			if listen != "" {
				cfg.Server.Listen = listen
			}
			if cfg.Production() {
				gin.SetMode(gin.ReleaseMode)
			}

			if err := trace.Init(trace.Config{
				Enabled: cfg.Trace.Enabled,
				Pretty:  cfg.Trace.Pretty,
				Version: version,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}

			store, err := rc.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			term, err := rc.Terminal()
			if err != nil {
				return err
			}

			opts := []session.Option{
				session.WithLogger(log),
				session.WithRecorder(instrument.NewRecorder(log)),
				session.WithTimeouts(cfg.Session.AcquireTimeout, cfg.Session.CallTimeout),
			}
			if !noProcs {
				procs, err := rc.ProcessManager()
				if err != nil {
					return err
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), cfg.Process.TerminateGrace+5*time.Second)
					defer cancel()
					if err := procs.Shutdown(ctx); err != nil {
						log.Warn("stop terminals", zap.Error(err))
					}
				}()
				if reclaimAll {
					if err := procs.ReclaimAll(cmd.Context()); err != nil {
						return err
					}
				}
				opts = append(opts, session.WithProcessManager(procs))
			}

			broker := session.New(store, term, opts...)

			ctx := cmd.Context()
			if err := broker.Initialize(ctx, rc.ExePath()); err != nil {
				return fmt.Errorf("initialize terminal: %w", err)
			}
			log.Info("terminal attached",
				zap.String("kind", cfg.Terminal.Kind),
				zap.String("store", cfg.Store.Driver),
			)

			var apiOpts []api.Option
			if cfg.Server.AdminToken != "" {
				apiOpts = append(apiOpts, api.WithAdminToken(cfg.Server.AdminToken))
			} else if !noProcs {
				log.Info("admin routes disabled: server.admin_token is not set")
			}
			srv := api.New(broker, log, apiOpts...)
			serveErr := srv.ListenAndServe(ctx, cfg.Server.Listen, cfg.Server.ShutdownTimeout)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			err = errors.Join(
				serveErr,
				broker.Shutdown(shutdownCtx),
				trace.Shutdown(shutdownCtx),
			)
			stats := broker.Recorder().Stats()
			log.Info("stopped",
				zap.Int64("requests", stats.Requests),
				zap.Int64("failures", stats.Failures),
				zap.Duration("max_wait", stats.MaxWait),
			)
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides server.listen)")
	cmd.Flags().BoolVar(&noProcs, "no-procs", false, "Run without the terminal process manager")
	cmd.Flags().BoolVar(&reclaimAll, "reclaim-all", false, "Remove every account installation before serving")
	return cmd
}
