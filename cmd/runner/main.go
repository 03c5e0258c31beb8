package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeq/internal/runner"
	"forgeq/internal/runner/executor"
	"forgeq/pkg/config"
	"forgeq/pkg/store"
)

func main() {
	var (
		cfgPath  string
		id       string
		capacity int
	)
	cmd := &cobra.Command{
		Use:          "runner",
		Short:        "forgeq runner: executes jobs assigned by the coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, id, capacity)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&id, "id", "", "runner id (default: hostname plus random suffix)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "max concurrent jobs (overrides config)")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath, id string, capacity int) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if id != "" {
		cfg.Runner.ID = id
	}
	if capacity > 0 {
		cfg.Runner.Capacity = capacity
	}

	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		return errors.Wrap(err, "store unreachable at startup")
	}
	logger.Info("connected to store")

	var probe runner.Probe = runner.NewHostProbe(logger)
	if len(cfg.Runner.Capabilities) > 0 {
		probe = runner.StaticProbe(cfg.Runner.Capabilities)
	}
	caps := probe.Detect(ctx)

	opts := []runner.Option{}
	if contains(caps, "docker") {
		dockerExec, err := executor.NewDocker(logger)
		if err != nil {
			logger.Warn("docker advertised but executor init failed, falling back to shell", zap.Error(err))
		} else {
			opts = append(opts, runner.WithDockerExecutor(dockerExec))
		}
	}

	agent := runner.New(st, runner.Config{
		ID:                cfg.Runner.ID,
		Capacity:          cfg.Runner.Capacity,
		HeartbeatInterval: cfg.Runner.HeartbeatInterval(),
		PollTimeout:       cfg.Runner.PollTimeout(),
	}, runner.StaticProbe(caps), logger, opts...)

	err = agent.Run(ctx)
	logger.Info("runner stopped", zap.String("runner_id", agent.ID()))
	return err
}

func contains(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
