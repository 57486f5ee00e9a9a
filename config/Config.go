// Package config loads and validates training run configurations
package config

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"sfneuman.com/dqn/collector"
	"sfneuman.com/dqn/deepq"
	"sfneuman.com/dqn/experiment"
	"sfneuman.com/dqn/initwfn"
	"sfneuman.com/dqn/network"
	"sfneuman.com/dqn/replay"
	"sfneuman.com/dqn/solver"
)

// EnvConfig describes the synthetic grid environment
type EnvConfig struct {
	Height     int
	Width      int
	MaxSteps   int
	VegDensity float64
}

// NetworkConfig describes the QNetwork architecture and weight
// initialization
type NetworkConfig struct {
	CNNChannels []int
	KernelSizes []int
	Strides     []int
	EmbedDim    int
	Init        string
	InitGain    float64
}

// Arch returns the network architecture the configuration describes
func (n NetworkConfig) Arch() network.Arch {
	return network.Arch{
		CNNChannels: n.CNNChannels,
		KernelSizes: n.KernelSizes,
		Strides:     n.Strides,
		EmbedDim:    n.EmbedDim,
	}
}

// EpsilonConfig describes the exploration annealing schedule
type EpsilonConfig struct {
	Start          float64
	End            float64
	AnnealingSteps int
}

// Config aggregates the configuration of every component of a training
// run
type Config struct {
	// Seed seeds every source of randomness in the run
	Seed uint64

	// Device selects the compute device. Only "cpu" is supported;
	// "auto" resolves to it.
	Device string

	// RunName keys checkpoints and metrics. Empty selects a fresh
	// UUID.
	RunName string

	CheckpointDir string
	MetricsFile   string // JSON-lines metric sink; empty disables
	MetricsURL    string // HTTP metric sink; empty disables
	LogLevel      string

	Env        EnvConfig
	Network    NetworkConfig
	Epsilon    EpsilonConfig
	Collector  collector.Config
	Buffer     replay.Config
	Learner    deepq.Config
	Experiment experiment.Config
}

// setDefaults installs the default configuration of a small training
// run
func setDefaults(v *viper.Viper) {
	v.SetDefault("seed", 1)
	v.SetDefault("device", "auto")
	v.SetDefault("checkpointdir", "checkpoints")
	v.SetDefault("loglevel", "info")

	v.SetDefault("env.height", 8)
	v.SetDefault("env.width", 8)
	v.SetDefault("env.maxsteps", 200)
	v.SetDefault("env.vegdensity", 0.4)

	v.SetDefault("network.cnnchannels", []int{16, 32, 64})
	v.SetDefault("network.kernelsizes", []int{3, 3, 3})
	v.SetDefault("network.strides", []int{1, 1, 1})
	v.SetDefault("network.embeddim", 256)
	v.SetDefault("network.init", string(initwfn.GlorotN))
	v.SetDefault("network.initgain", 1.0)

	v.SetDefault("epsilon.start", 1.0)
	v.SetDefault("epsilon.end", 0.05)
	v.SetDefault("epsilon.annealingsteps", 100000)

	v.SetDefault("collector.workers", 4)
	v.SetDefault("collector.framesperbatch", 1000)
	v.SetDefault("collector.totalframes", 500000)
	v.SetDefault("collector.initrandomframes", 5000)

	v.SetDefault("buffer.maxcapacity", 100000)
	v.SetDefault("buffer.mincapacity", 1000)
	v.SetDefault("buffer.batchsize", 32)
	v.SetDefault("buffer.alpha", 0.7)
	v.SetDefault("buffer.beta", 0.5)
	v.SetDefault("buffer.nstep", 3)
	v.SetDefault("buffer.gamma", 0.99)
	v.SetDefault("buffer.prefetch", 10)

	v.SetDefault("learner.batchsize", 32)
	v.SetDefault("learner.gamma", 0.99)
	v.SetDefault("learner.nstep", 3)
	v.SetDefault("learner.targetupdateinterval", 500)
	v.SetDefault("learner.loss", string(deepq.Huber))
	v.SetDefault("learner.maxgradnorm", 10.0)
	v.SetDefault("learner.valuerescale", true)
	v.SetDefault("learner.stepsize", 0.0005)
	v.SetDefault("learner.solver", string(solver.Adam))

	v.SetDefault("experiment.totalframes", 500000)
	v.SetDefault("experiment.framesperbatch", 1000)
	v.SetDefault("experiment.testinterval", 10000)
	v.SetDefault("experiment.utdratio", 1.0)
	v.SetDefault("experiment.initrandomframes", 5000)
	v.SetDefault("experiment.progressbar", true)
}

// Load reads the configuration file at path, applying defaults for
// unset keys, and validates the result. An empty path loads the
// defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("load: could not read "+
				"configuration: %v", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("load: could not unmarshal "+
			"configuration: %v", err)
	}

	if config.RunName == "" {
		config.RunName = uuid.NewString()
	}
	if config.Device == "auto" {
		config.Device = "cpu"
	}

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("load: %v", err)
	}
	return config, nil
}

// Validate checks every component configuration and their mutual
// consistency. A Config is validated eagerly at load time so that
// invalid settings fail the run before any resource is created.
func (c Config) Validate() error {
	if c.Device != "cpu" {
		return fmt.Errorf("config: unsupported device: %v", c.Device)
	}
	if c.Env.Height < 2 || c.Env.Width < 2 {
		return fmt.Errorf("config: grid must be at least 2x2 "+
			"\n\thave(%v x %v)", c.Env.Height, c.Env.Width)
	}
	if c.Env.MaxSteps < 1 {
		return fmt.Errorf("config: episode length must be positive "+
			"\n\thave(%v)", c.Env.MaxSteps)
	}
	if c.Env.VegDensity <= 0 || c.Env.VegDensity > 1 {
		return fmt.Errorf("config: vegetation density must be in (0, 1] "+
			"\n\thave(%v)", c.Env.VegDensity)
	}
	if err := c.Network.Arch().Validate(); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if _, err := initwfn.New(initwfn.Type(c.Network.Init),
		c.Network.InitGain); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if err := c.Collector.Validate(); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if err := c.Learner.Validate(); err != nil {
		return fmt.Errorf("config: %v", err)
	}
	if err := c.Experiment.Validate(); err != nil {
		return fmt.Errorf("config: %v", err)
	}

	if c.Learner.BatchSize != c.Buffer.BatchSize {
		return fmt.Errorf("config: learner and buffer batch sizes differ"+
			"\n\twant(%v)\n\thave(%v)", c.Buffer.BatchSize,
			c.Learner.BatchSize)
	}
	if c.Learner.NStep != c.Buffer.NStep {
		return fmt.Errorf("config: learner and buffer n-step horizons "+
			"differ\n\twant(%v)\n\thave(%v)", c.Buffer.NStep, c.Learner.NStep)
	}
	if c.Learner.Gamma != c.Buffer.Gamma {
		return fmt.Errorf("config: learner and buffer discounts differ"+
			"\n\twant(%v)\n\thave(%v)", c.Buffer.Gamma, c.Learner.Gamma)
	}
	if c.Experiment.TotalFrames != c.Collector.TotalFrames {
		return fmt.Errorf("config: experiment and collector frame budgets "+
			"differ\n\twant(%v)\n\thave(%v)", c.Collector.TotalFrames,
			c.Experiment.TotalFrames)
	}
	if c.Experiment.FramesPerBatch != c.Collector.FramesPerBatch {
		return fmt.Errorf("config: experiment and collector batch sizes "+
			"differ\n\twant(%v)\n\thave(%v)", c.Collector.FramesPerBatch,
			c.Experiment.FramesPerBatch)
	}
	if c.Experiment.InitRandomFrames != c.Collector.InitRandomFrames {
		return fmt.Errorf("config: experiment and collector random frame "+
			"counts differ\n\twant(%v)\n\thave(%v)",
			c.Collector.InitRandomFrames, c.Experiment.InitRandomFrames)
	}
	return nil
}
