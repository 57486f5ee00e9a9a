// Command dqntrain runs a deep Q-learning training loop on the
// synthetic grid mowing environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"sfneuman.com/dqn/collector"
	"sfneuman.com/dqn/config"
	"sfneuman.com/dqn/deepq"
	"sfneuman.com/dqn/environment/gridveg"
	"sfneuman.com/dqn/experiment"
	"sfneuman.com/dqn/experiment/checkpointer"
	"sfneuman.com/dqn/experiment/tracker"
	"sfneuman.com/dqn/initwfn"
	"sfneuman.com/dqn/policy"
	"sfneuman.com/dqn/replay"
)

var configPath string

func newTracker(cfg config.Config) (tracker.Tracker, error) {
	switch {
	case cfg.MetricsURL != "":
		return tracker.NewRemote(cfg.MetricsURL, cfg.RunName), nil
	case cfg.MetricsFile != "":
		return tracker.NewFile(cfg.MetricsFile, cfg.RunName)
	default:
		return tracker.NewNop(), nil
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %v", cfg.LogLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Str("run", cfg.RunName).Logger()

	factory := gridveg.Factory(cfg.Env.Height, cfg.Env.Width,
		cfg.Env.MaxSteps, cfg.Env.VegDensity)
	env, err := factory(cfg.Seed)
	if err != nil {
		return fmt.Errorf("could not create environment: %v", err)
	}
	spec := env.Spec()
	env.Close()

	init, err := initwfn.New(initwfn.Type(cfg.Network.Init),
		cfg.Network.InitGain)
	if err != nil {
		return err
	}

	learner, err := deepq.NewLearner(spec, cfg.Network.Arch(), cfg.Learner,
		init)
	if err != nil {
		return err
	}
	defer learner.Close()

	buffer, err := replay.New(cfg.Buffer, spec, cfg.Seed)
	if err != nil {
		return err
	}
	defer buffer.Close()

	schedule, err := policy.NewSchedule(cfg.Epsilon.Start, cfg.Epsilon.End,
		cfg.Epsilon.AnnealingSteps)
	if err != nil {
		return err
	}

	coll, err := collector.New(cfg.Collector, factory, learner.Online(),
		schedule, cfg.Seed, log)
	if err != nil {
		return err
	}

	ckpt, err := checkpointer.New(cfg.CheckpointDir, cfg.RunName)
	if err != nil {
		return err
	}

	track, err := newTracker(cfg)
	if err != nil {
		return err
	}
	defer track.Close()

	exp, err := experiment.New(cfg.Experiment, coll, buffer, learner,
		schedule, ckpt, track, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGTERM)
	defer stop()

	return exp.Run(ctx)
}

func main() {
	root := &cobra.Command{
		Use:           "dqntrain",
		Short:         "Train a deep Q-learning agent on the grid mowing task",
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dqntrain: %v\n", err)
		os.Exit(1)
	}
}
