package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/maxwatch/internal/auth"
	"github.com/example/maxwatch/internal/cache"
	"github.com/example/maxwatch/internal/config"
	"github.com/example/maxwatch/internal/fetch"
	"github.com/example/maxwatch/internal/logging"
	"github.com/example/maxwatch/internal/remote/rodriver"
	"github.com/example/maxwatch/internal/scheduler"
	"github.com/example/maxwatch/internal/session"
	"github.com/example/maxwatch/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API, the auto-confirm scheduler and the background sweepers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			repo, closeRepo, err := openTaskRepo(ctx, cfg, migrateUp, log.Named("store"))
			if err != nil {
				return err
			}
			defer closeRepo()

			driverOpts := rodriver.Options{
				BaseURL:  cfg.RemoteBaseURL,
				Bin:      cfg.BrowserBin,
				Headless: cfg.BrowserHeadless,
				Timeout:  cfg.RemoteTimeout,
			}
			anonOpts := driverOpts
			anonOpts.ForbiddenIsBlock = true
			anonDriver := rodriver.New(anonOpts, log.Named("driver"))
			userDriver := rodriver.New(driverOpts, log.Named("driver.user"))

			sessions := session.NewManager(anonDriver, session.Options{
				Timeout:           cfg.SessionTimeout,
				MaxBlockRetries:   cfg.BlockMaxRetries,
				Proxies:           cfg.Proxies,
				RotateAfterBlocks: cfg.RotateAfterBlocks,
			}, log.Named("session"))
			defer func() {
				if err := sessions.Close(); err != nil {
					log.Warn("closing anonymous session", zap.Error(err))
				}
			}()

			c := cache.New(log.Named("cache"),
				cache.WithLocation(cfg.Location),
				cache.WithSweepInterval(cfg.CacheSweepInterval))
			orch := fetch.New(sessions, c, fetch.Options{
				Concurrency: cfg.FetchConcurrency,
				BatchDelay:  cfg.FetchBatchDelay,
				Location:    cfg.Location,
			}, log.Named("fetch"))

			accounts := auth.NewStore(userDriver, rodriver.NewFlow(userDriver, log.Named("login")), repo, auth.Options{
				MaxIdle:       cfg.AuthMaxIdle,
				SweepInterval: cfg.AuthSweepInterval,
				Location:      cfg.Location,
			}, log.Named("auth"))
			defer func() {
				if err := accounts.Close(); err != nil {
					log.Warn("closing user sessions", zap.Error(err))
				}
			}()

			sched := scheduler.New(accounts, repo, scheduler.Options{
				Interval: cfg.SchedPollInterval,
				Window:   cfg.ConfirmWindow,
			}, log.Named("scheduler"))

			ws := &web.Server{
				Sessions:  sessions,
				Cache:     c,
				Fetch:     orch,
				Accounts:  accounts,
				Tasks:     sched,
				Cookies:   web.NewCookies(cfg.CookieHashKey, cfg.CookieBlockKey),
				AdminHash: cfg.AdminPasswordBcrypt,
				Location:  cfg.Location,
				Log:       log.Named("web"),
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return quiet(c.Run(gctx)) })
			g.Go(func() error { return quiet(accounts.RunSweeper(gctx)) })
			g.Go(func() error { return quiet(sched.Run(gctx)) })
			g.Go(func() error {
				err := web.Start(gctx, cfg.ListenAddr, ws.Routes(), log.Named("web"))
				// stop the loops when the listener dies on its own
				cancel()
				return err
			})

			log.Info("maxwatch started", zap.String("version", Version), zap.String("task_store", cfg.TaskStore))
			err = g.Wait()
			log.Info("shutting down")
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup (postgres task store)")
	return cmd
}

// quiet treats cancellation as a clean stop.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
