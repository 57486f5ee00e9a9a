// Package collector implements asynchronous experience collection with
// a pool of rollout workers
package collector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"sfneuman.com/dqn/environment"
	"sfneuman.com/dqn/network"
	"sfneuman.com/dqn/policy"
	ts "sfneuman.com/dqn/timestep"
)

// Config describes a Collector
type Config struct {
	// Workers is the number of rollout workers stepping environments
	// concurrently
	Workers int

	// FramesPerBatch is the number of transitions per collected batch
	FramesPerBatch int

	// TotalFrames is the total number of transitions the collector
	// delivers before reporting exhaustion
	TotalFrames int

	// InitRandomFrames is the number of initial transitions collected
	// under a uniformly random policy, shared across workers
	InitRandomFrames int

	// MaxEnvRestarts is the number of transient environment failures a
	// worker survives by recreating its environment before the failure
	// becomes fatal. 0 selects the default of 3.
	MaxEnvRestarts int
}

// Validate returns an error describing the first invalid field of the
// configuration
func (c Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("collector config: workers must be positive "+
			"\n\thave(%v)", c.Workers)
	}
	if c.FramesPerBatch < 1 {
		return fmt.Errorf("collector config: frames per batch must be "+
			"positive \n\thave(%v)", c.FramesPerBatch)
	}
	if c.TotalFrames < 1 {
		return fmt.Errorf("collector config: total frames must be positive "+
			"\n\thave(%v)", c.TotalFrames)
	}
	if c.InitRandomFrames < 0 {
		return fmt.Errorf("collector config: initial random frames must be "+
			"non-negative \n\thave(%v)", c.InitRandomFrames)
	}
	if c.MaxEnvRestarts < 0 {
		return fmt.Errorf("collector config: max environment restarts must "+
			"be non-negative \n\thave(%v)", c.MaxEnvRestarts)
	}
	return nil
}

// Collector runs a pool of rollout workers, each stepping its own
// environment instance with an epsilon-greedy policy, and assembles
// their transitions into fixed-size batches. Workers run ahead of
// consumption only as far as the bounded output channel allows.
//
// Worker policies act on a snapshot of the online network that only
// changes when UpdateWeights is called, so collection is off-policy
// with respect to at most one weight refresh.
type Collector struct {
	config   Config
	factory  environment.Factory
	schedule *policy.Schedule
	log      zerolog.Logger
	seed     uint64

	weightsMu  sync.RWMutex
	weights    network.NeuralNet
	weightsGen uint64

	out  chan ts.Transition
	errs chan error
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	delivered  int
	randomLeft int64
}

// New returns a Collector whose workers act with copies of the given
// network, which must predict one value per environmental action
func New(config Config, factory environment.Factory,
	net network.NeuralNet, schedule *policy.Schedule, seed uint64,
	log zerolog.Logger) (*Collector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	if config.MaxEnvRestarts == 0 {
		config.MaxEnvRestarts = 3
	}

	weights, err := net.CloneWithBatch(1)
	if err != nil {
		return nil, fmt.Errorf("new: could not snapshot network weights: %v",
			err)
	}

	return &Collector{
		config:     config,
		factory:    factory,
		schedule:   schedule,
		log:        log,
		seed:       seed,
		weights:    weights,
		out:        make(chan ts.Transition, config.FramesPerBatch),
		errs:       make(chan error, config.Workers),
		stop:       make(chan struct{}),
		randomLeft: int64(config.InitRandomFrames),
	}, nil
}

// Start launches the rollout workers
func (c *Collector) Start() error {
	for i := 0; i < c.config.Workers; i++ {
		net, err := c.weights.CloneWithBatch(1)
		if err != nil {
			return fmt.Errorf("start: could not create network of worker "+
				"%v: %v", i, err)
		}
		egreedy, err := policy.NewEGreedy(net, c.schedule,
			c.seed+uint64(i))
		if err != nil {
			return fmt.Errorf("start: could not create policy of worker "+
				"%v: %v", i, err)
		}

		c.wg.Add(1)
		go c.run(i, net, egreedy)
	}
	return nil
}

// fatal reports an unrecoverable worker failure to the consumer
func (c *Collector) fatal(worker int, err error) {
	c.log.Error().Int("worker", worker).Err(err).
		Msg("rollout worker failed")
	select {
	case c.errs <- &RolloutError{Worker: worker, Err: err}:
	case <-c.stop:
	}
}

// run is the main loop of one rollout worker
func (c *Collector) run(id int, net network.NeuralNet,
	egreedy *policy.EGreedy) {
	defer c.wg.Done()
	defer egreedy.Close()

	env, err := c.factory(c.seed + uint64(id))
	if err != nil {
		c.fatal(id, fmt.Errorf("could not create environment: %v", err))
		return
	}
	defer func() { env.Close() }()

	rng := rand.New(rand.NewSource(c.seed + uint64(id)))
	numActions := env.Spec().NumActions
	gen := atomic.LoadUint64(&c.weightsGen)
	restarts := 0
	step := env.Reset()

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		if g := atomic.LoadUint64(&c.weightsGen); g != gen {
			c.weightsMu.RLock()
			err := net.Set(c.weights)
			c.weightsMu.RUnlock()
			if err != nil {
				c.fatal(id, fmt.Errorf("could not refresh weights: %v", err))
				return
			}
			gen = g
		}

		var action int
		if atomic.AddInt64(&c.randomLeft, -1) >= 0 {
			action = rng.Intn(numActions)
		} else {
			action, _, err = egreedy.SelectAction(step.Observation)
			if err != nil {
				c.fatal(id, fmt.Errorf("could not select action: %v", err))
				return
			}
		}

		next, err := env.Step(action)
		if err != nil {
			restarts++
			if restarts > c.config.MaxEnvRestarts {
				c.fatal(id, fmt.Errorf("environment failed %v times: %v",
					restarts, err))
				return
			}
			c.log.Warn().Int("worker", id).Int("restarts", restarts).
				Err(err).Msg("restarting environment after transient failure")

			env.Close()
			if env, err = c.factory(c.seed + uint64(id)); err != nil {
				c.fatal(id, fmt.Errorf("could not recreate environment: %v",
					err))
				return
			}
			numActions = env.Spec().NumActions
			step = env.Reset()
			continue
		}

		select {
		case c.out <- ts.NewTransition(step, action, next, id):
		case <-c.stop:
			return
		}

		if next.Last() {
			step = env.Reset()
		} else {
			step = next
		}
	}
}

// Next blocks until a full batch of transitions has been collected and
// returns it. The final batch is truncated to the remaining frame
// budget; once the budget is delivered, Next returns an error
// satisfying IsExhausted. A fatal worker failure surfaces here as a
// RolloutError.
func (c *Collector) Next(ctx context.Context) ([]ts.Transition, error) {
	if c.delivered >= c.config.TotalFrames {
		return nil, fmt.Errorf("next: %w", ErrExhausted)
	}

	want := c.config.FramesPerBatch
	if remaining := c.config.TotalFrames - c.delivered; remaining < want {
		want = remaining
	}

	batch := make([]ts.Transition, 0, want)
	for len(batch) < want {
		select {
		case t := <-c.out:
			batch = append(batch, t)
		case err := <-c.errs:
			return nil, fmt.Errorf("next: %w", err)
		case <-ctx.Done():
			return nil, fmt.Errorf("next: %w", ctx.Err())
		}
	}

	c.delivered += want
	return batch, nil
}

// Frames returns the number of transitions delivered so far
func (c *Collector) Frames() int {
	return c.delivered
}

// UpdateWeights copies the weights of the given network into the
// snapshot that workers act with. Workers pick up the new snapshot
// before their next action selection.
func (c *Collector) UpdateWeights(net network.NeuralNet) error {
	c.weightsMu.Lock()
	defer c.weightsMu.Unlock()

	if err := c.weights.Set(net); err != nil {
		return fmt.Errorf("updateweights: %v", err)
	}
	atomic.AddUint64(&c.weightsGen, 1)
	return nil
}

// Shutdown stops all rollout workers and waits for them to exit. It is
// safe to call more than once.
func (c *Collector) Shutdown() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
