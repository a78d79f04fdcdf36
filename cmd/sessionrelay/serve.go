package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/sessionrelay/internal/api"
	"github.com/codefionn/sessionrelay/internal/config"
	"github.com/codefionn/sessionrelay/internal/configstore"
	"github.com/codefionn/sessionrelay/internal/consts"
	"github.com/codefionn/sessionrelay/internal/events"
	"github.com/codefionn/sessionrelay/internal/lockfile"
	"github.com/codefionn/sessionrelay/internal/logger"
	"github.com/codefionn/sessionrelay/internal/metrics"
	"github.com/codefionn/sessionrelay/internal/pprof"
	"github.com/codefionn/sessionrelay/internal/queue"
	"github.com/codefionn/sessionrelay/internal/relay"
	"github.com/codefionn/sessionrelay/internal/session"
	"github.com/codefionn/sessionrelay/internal/transport/whatsapp"
)

var (
	serveAddr     string
	goroutineDump string
)

// serveCmd runs the relay.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long: `Start every stored session, the delivery queue, the HTTP API and the websocket relay.
The process holds a lock on the data directory until it exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config and PORT)")
	serveCmd.Flags().StringVar(&goroutineDump, "goroutine-dump", "", "Write a goroutine dump to this file on shutdown")
}

func runServe(ctx context.Context, c *config.Config) error {
	lock := lockfile.New(c.LockPath())
	if err := lock.TryAcquire(c.Server.Addr); err != nil {
		return fmt.Errorf("failed to lock %s: %w", c.Storage.DataDir, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release lock: %v", err)
		}
	}()

	store, closeStore, err := openStore(ctx, c)
	if err != nil {
		return err
	}
	defer closeStore()

	metrics.Register()
	bus := events.NewBus()
	provider := whatsapp.NewProvider(c.Storage.DataDir)
	ctrl := session.NewController(provider, store, nil, bus, session.Options{
		GraceDelay:     c.LinkGrace(),
		ReconnectDelay: c.ReconnectDelay(),
	})

	deliveries := queue.New(ctrl.Registry(), queue.Config{
		Interval:        c.DrainInterval(),
		CaptionDelay:    c.CaptionDelay(),
		MaxAttempts:     c.Queue.MaxAttempts,
		Lanes:           c.Queue.Lanes,
		RecipientSuffix: c.Queue.RecipientSuffix,
	}, queue.WithBus(bus))

	hub := relay.NewHub()
	ws := relay.New(ctx, hub, ctrl, bus)

	if c.Server.APIToken == "" && c.Server.JWTSecret == "" {
		logger.Warn("neither %s nor %s is set", config.EnvAPIToken, config.EnvJWTSecret)
	}
	srv, err := api.NewServer(ctrl, deliveries,
		api.NewAuthenticator(c.Server.APIToken, c.Server.JWTSecret),
		api.Options{
			Addr:         c.Server.Addr,
			ReadTimeout:  c.ReadTimeout(),
			MaxBodyBytes: c.Server.MaxBodyBytes,
			WebSocket:    ws.ServeWS,
		})
	if err != nil {
		return err
	}

	debug := pprof.NewHandler(pprof.Config{HTTPAddr: c.Server.DebugAddr, GoroutineDump: goroutineDump})
	if err := debug.Start(); err != nil {
		return err
	}
	defer debug.Stop(context.Background())

	logger.Info("starting sessionrelay %s (%s)", version, c.Server)
	if err := ctrl.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		deliveries.Run(gctx)
		return nil
	})

	if c.Storage.WatchSessionFile {
		if fileStore, ok := store.(*configstore.FileStore); ok {
			w, err := configstore.NewWatcher(gctx, fileStore, func(e configstore.Entry) {
				if _, err := ctrl.CreateOrGet(gctx, e.SessionID); err != nil {
					logger.Error("failed to start session %s added to %s: %v", e.SessionID, fileStore.Path(), err)
				}
			})
			if err != nil {
				logger.Warn("not watching the session file: %v", err)
			} else {
				g.Go(func() error {
					w.Run(gctx)
					return nil
				})
			}
		} else {
			logger.Warn("watch_sessions_file only applies to the file backend")
		}
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), consts.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := ctrl.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
		}
		if err := debug.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
