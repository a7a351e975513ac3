// Package app assembles the relay process: local store, stream broker,
// reconciler, health and the LAN HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourownai/relay/internal/api"
	"github.com/yourownai/relay/internal/auth"
	"github.com/yourownai/relay/internal/broker"
	"github.com/yourownai/relay/internal/config"
	"github.com/yourownai/relay/internal/events"
	"github.com/yourownai/relay/internal/health"
	"github.com/yourownai/relay/internal/reconcile"
	"github.com/yourownai/relay/internal/remote"
	"github.com/yourownai/relay/internal/services"
	"github.com/yourownai/relay/internal/store"
)

const busBuffer = 256

// Serve runs the relay until ctx is cancelled or a component fails.
func Serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	log.Info().
		Str("device_name", cfg.DeviceName).
		Int("http_port", cfg.HTTPPort).
		Str("remote_driver", cfg.RemoteDriver).
		Str("inference_driver", cfg.InferenceDriver).
		Msg("relay starting")

	bus := events.NewBus(busBuffer)
	st, err := openStore(ctx, cfg, bus, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("store unavailable")
		return err
	}
	defer func() { _ = st.Close() }()

	mirror, err := newMirror(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("remote mirror unavailable")
		return err
	}
	if mirror != nil {
		defer func() { _ = mirror.Close() }()
	}

	policy, err := reconcile.NewPolicy(cfg.ConflictPolicy)
	if err != nil {
		return err
	}
	gen := newGenerator(cfg)
	b := broker.New(st.Messages(), log, cfg.SubscriberBuffer)

	g, gctx := errgroup.WithContext(ctx)
	svcHealth := startHealthCheckers(gctx, cfg, log, st, mirror)

	mirrorName := ""
	if mirror != nil {
		mirrorName = mirror.Name()
		rec := reconcile.New(st.Sync(), mirror, policy, bus, reconcileConfig(cfg), log)
		g.Go(func() error { return rec.Run(gctx) })
	}

	router := api.NewRouter(api.Deps{
		Chat:          services.NewChatService(st, b, gen, cfg.DeviceID, log),
		Conversations: services.NewConversationService(st, b, log),
		Memories:      services.NewMemoryService(st),
		Personas:      services.NewPersonaService(st),
		Status: services.NewStatusService(st, b, bus, services.DeviceInfo{
			DeviceID:   cfg.DeviceID,
			DeviceName: cfg.DeviceName,
			AppVersion: cfg.AppVersion,
			Port:       cfg.HTTPPort,
		}, mirrorName),
		Health:     svcHealth,
		Authorizer: auth.NewAuthorizer(cfg.PairingToken),
	})

	server := newHTTPServer(gctx, cfg, router)
	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Finalize in-flight generations first so open streams end with a
		// terminal frame before their connections are closed.
		b.Shutdown(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Stack().Err(err).Msg("relay stopped with error")
		return err
	}
	return nil
}

// SyncOnce runs a single push and pull cycle against the configured mirror.
func SyncOnce(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	st, err := openStore(ctx, cfg, nil, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	mirror, err := newMirror(ctx, cfg, log)
	if err != nil {
		return err
	}
	if mirror == nil {
		return fmt.Errorf("sync is disabled: no remote mirror configured")
	}
	defer func() { _ = mirror.Close() }()

	policy, err := reconcile.NewPolicy(cfg.ConflictPolicy)
	if err != nil {
		return err
	}
	rec := reconcile.New(st.Sync(), mirror, policy, nil, reconcileConfig(cfg), log)
	if err := rec.RunOnce(ctx); err != nil {
		return err
	}
	stats, err := st.Sync().Stats(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("pending", stats.Pending).Int("failed", stats.Failed).Msg("sync cycle complete")
	return nil
}

func reconcileConfig(cfg *config.Config) reconcile.Config {
	return reconcile.Config{
		DeviceID:     cfg.DeviceID,
		BatchSize:    cfg.PushBatchSize,
		PushInterval: cfg.PushInterval,
		PullInterval: cfg.PullInterval,
		MaxAttempts:  cfg.MaxSyncAttempts,
		CallTimeout:  cfg.RemoteTimeout,
		Realtime:     cfg.RealtimeFeed,
		CycleRetries: 2,
	}
}

// startHealthCheckers runs the store checker as required and the mirror
// checker as optional, so a lost remote never takes the LAN surface down.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, st store.Store, mirror remote.Mirror) *health.ServiceHealthChecker {
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	storeChecker := store.NewStoreHealthChecker(st, log, probeTimeout)
	go storeChecker.Start(ctx, interval)

	svcHealth := health.NewServiceHealthChecker(log, storeChecker)
	if mirror != nil {
		remoteChecker := health.NewPingChecker("remote", mirror, log, probeTimeout)
		go remoteChecker.Start(ctx, interval)
		svcHealth.WithOptional(remoteChecker)
	}
	go svcHealth.Start(ctx, interval)
	return svcHealth
}

// newHTTPServer leaves WriteTimeout unset: SSE responses stay open for the
// length of a generation.
func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
}
