package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"forgeq/internal/coordinator"
	"forgeq/pkg/config"
	"forgeq/pkg/store"
)

func main() {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "coordinator",
		Short:        "forgeq job coordinator: dispatches CI jobs to registered runners",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connectivity failure is fatal here and only here; once the loops are
	// running, store errors are transient.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		return errors.Wrap(err, "store unreachable at startup")
	}
	logger.Info("connected to store")

	coord := coordinator.New(st, coordinator.Config{
		RunnerTimeout:     cfg.Coordinator.RunnerTimeout(),
		HeartbeatInterval: cfg.Coordinator.HeartbeatInterval(),
		PollTimeout:       cfg.Coordinator.PollTimeout(),
		BackoffBase:       cfg.Coordinator.DispatchBackoff(),
		BackoffMax:        cfg.Coordinator.DispatchBackoffMax(),
	}, logger)
	if err := coord.Recover(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Coordinator.ListenAddr,
		Handler: coord.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(ctx) })
	g.Go(func() error {
		logger.Info("http api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("coordinator stopped")
	return err
}
