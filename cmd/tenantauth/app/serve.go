// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/tenantauth/pkg/authserver"
	"github.com/stacklok/tenantauth/pkg/authserver/events"
	"github.com/stacklok/tenantauth/pkg/authserver/runconfig"
	"github.com/stacklok/tenantauth/pkg/authserver/storage"
	"github.com/stacklok/tenantauth/pkg/authserver/telemetry"
	"github.com/stacklok/tenantauth/pkg/logger"
)

const readHeaderTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server.

Configuration is read from the file given with --config, TENANTAUTH_*
environment variables and the flags below, in increasing precedence. The
seed file, when set, is applied to storage before the domains are activated.`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", runconfig.DefaultListenAddr, "HTTP listen address")
	cmd.Flags().String("base-url", "", "Externally visible base URL; domain issuers are <base-url>/<domain>")
	cmd.Flags().String("seed-file", "", "Seed file with domains, clients, certificates and users")
	cmd.Flags().Bool("metrics", false, "Expose Prometheus metrics at /metrics")
	for key, flag := range map[string]string{
		"listen":    "listen",
		"base_url":  "base-url",
		"seed_file": "seed-file",
		"metrics":   "metrics",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			logger.Errorf("Error binding %s flag: %v", flag, err)
		}
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	v := viper.GetViper()
	if err := runconfig.Configure(v); err != nil {
		return err
	}
	runCfg, err := runconfig.Load(v, v.GetString("config"))
	if err != nil {
		return err
	}
	cfg, err := runCfg.BuildConfig()
	if err != nil {
		return err
	}

	stor, err := authserver.NewStorageFromRunConfig(ctx, &runCfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := stor.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	var opts []authserver.Option
	if runCfg.SeedFile != "" {
		seed, err := runconfig.LoadSeed(runCfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, stor); err != nil {
			return fmt.Errorf("failed to apply seed: %w", err)
		}
		if len(seed.Users) > 0 {
			auth, err := seed.Authenticator()
			if err != nil {
				return err
			}
			opts = append(opts, authserver.WithAuthenticator(auth))
		}
	}

	bus, err := newEventBus(ctx, runCfg.Events, stor)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warnw("failed to close event bus", "error", err)
		}
	}()
	opts = append(opts, authserver.WithEventBus(bus))
	if runCfg.Metrics {
		opts = append(opts, authserver.WithMetrics(telemetry.NewMetrics()))
	}

	srv, err := authserver.New(ctx, *cfg, stor, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	if err := srv.Start(ctx); err != nil {
		// Failed domains stay inactive and are retried on their next event.
		logger.Warnw("some domains failed to activate", "error", err)
	}

	return listenAndServe(ctx, runCfg.Listen, srv.Handler(), runCfg.ShutdownTimeout)
}

// newEventBus returns the bus selected by cfg. The redis bus reuses the
// storage connection.
func newEventBus(ctx context.Context, cfg runconfig.EventsConfig, stor storage.Storage) (events.Bus, error) {
	if cfg.Type != runconfig.EventsRedis {
		return events.NewMemoryBus(), nil
	}
	rs, ok := stor.(*storage.RedisStorage)
	if !ok {
		return nil, errors.New("the redis event bus requires redis storage")
	}
	bus := events.NewRedisBus(rs.Client(), cfg.Channel)
	if err := bus.Start(ctx); err != nil {
		return nil, err
	}
	return bus, nil
}

// listenAndServe serves h on addr until ctx is cancelled, then drains
// in-flight requests for at most shutdownTimeout.
func listenAndServe(ctx context.Context, addr string, h http.Handler, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("authorization server listening", "address", ln.Addr().String())
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down authorization server")
	if shutdownTimeout <= 0 {
		shutdownTimeout = runconfig.DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
