// Package experiment orchestrates the collect/store/optimize loop of a
// deep Q-learning training run
package experiment

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"sfneuman.com/dqn/collector"
	"sfneuman.com/dqn/deepq"
	"sfneuman.com/dqn/experiment/checkpointer"
	"sfneuman.com/dqn/experiment/tracker"
	"sfneuman.com/dqn/policy"
	"sfneuman.com/dqn/replay"
	ts "sfneuman.com/dqn/timestep"
	"sfneuman.com/dqn/utils/progressbar"
)

// Config describes an Experiment
type Config struct {
	// TotalFrames is the environment frame budget of the run and
	// FramesPerBatch the number of frames per collected batch
	TotalFrames    int
	FramesPerBatch int

	// TestInterval is the frame interval at which checkpoints are
	// written. A checkpoint is also written at the end of the run.
	TestInterval int

	// UTDRatio is the update-to-data ratio. Each collected batch
	// triggers ceil(FramesPerBatch / batchSize * UTDRatio) updates.
	UTDRatio float64

	// InitRandomFrames is the number of initial frames during which
	// collected batches are stored but trigger no optimization
	InitRandomFrames int

	// ProgressBar shows a terminal progress bar over TotalFrames
	ProgressBar bool
}

// Validate returns an error describing the first invalid field of the
// configuration
func (c Config) Validate() error {
	if c.TotalFrames < 1 {
		return fmt.Errorf("experiment config: total frames must be "+
			"positive \n\thave(%v)", c.TotalFrames)
	}
	if c.FramesPerBatch < 1 || c.FramesPerBatch > c.TotalFrames {
		return fmt.Errorf("experiment config: frames per batch must be in "+
			"\n\twant(1 - %v)\n\thave(%v)", c.TotalFrames, c.FramesPerBatch)
	}
	if c.TestInterval < 1 {
		return fmt.Errorf("experiment config: test interval must be "+
			"positive \n\thave(%v)", c.TestInterval)
	}
	if c.UTDRatio <= 0 {
		return fmt.Errorf("experiment config: update-to-data ratio must be "+
			"positive \n\thave(%v)", c.UTDRatio)
	}
	if c.InitRandomFrames < 0 {
		return fmt.Errorf("experiment config: initial random frames must "+
			"be non-negative \n\thave(%v)", c.InitRandomFrames)
	}
	return nil
}

// Counters reports the cumulative progress of a run
type Counters struct {
	Frames      int // Environment frames collected
	Updates     int // Gradient updates performed
	Episodes    int // Episodes finished
	Checkpoints int // Checkpoints written
}

// Experiment wires a collector, a replay buffer, and a learner into a
// training run. Each iteration collects one batch of frames, folds it
// into the buffer, performs a fixed number of prioritized updates,
// refreshes the collector's policy weights, and checkpoints the online
// network whenever the cumulative frame count crosses a test interval
// boundary.
type Experiment struct {
	config Config

	collector *collector.Collector
	buffer    *replay.Buffer
	learner   *deepq.Learner
	schedule  *policy.Schedule
	ckpt      *checkpointer.Checkpointer
	track     tracker.Tracker
	log       zerolog.Logger

	updatesPerBatch int
	counters        Counters
}

// New returns an Experiment running the given components under the
// given configuration
func New(config Config, c *collector.Collector, buffer *replay.Buffer,
	learner *deepq.Learner, schedule *policy.Schedule,
	ckpt *checkpointer.Checkpointer, track tracker.Tracker,
	log zerolog.Logger) (*Experiment, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}

	updatesPerBatch := int(math.Ceil(float64(config.FramesPerBatch) /
		float64(buffer.BatchSize()) * config.UTDRatio))

	return &Experiment{
		config:          config,
		collector:       c,
		buffer:          buffer,
		learner:         learner,
		schedule:        schedule,
		ckpt:            ckpt,
		track:           track,
		log:             log,
		updatesPerBatch: updatesPerBatch,
	}, nil
}

// Counters returns the cumulative progress of the run
func (e *Experiment) Counters() Counters {
	return e.counters
}

// emit sends one metric to the tracker. Metric delivery is best
// effort; failures are logged and swallowed.
func (e *Experiment) emit(name string, value float64) {
	if err := e.track.LogScalar(name, value, e.counters.Frames); err != nil {
		e.log.Warn().Err(err).Str("metric", name).
			Msg("could not emit metric")
	}
}

// episodeMetrics emits the mean episode statistics over the finished
// episodes of a batch. Batches without a finished episode emit
// nothing.
func (e *Experiment) episodeMetrics(batch []ts.Transition) {
	var reward, length, aux []float64
	for _, t := range batch {
		if !t.Done {
			continue
		}
		reward = append(reward, t.EpisodeReward)
		length = append(length, float64(t.StepCount))
		aux = append(aux, t.Aux)
	}
	if len(reward) == 0 {
		return
	}
	e.counters.Episodes += len(reward)

	e.emit("episode_reward", stat.Mean(reward, nil))
	e.emit("episode_length", stat.Mean(length, nil))
	e.emit("episode_aux", stat.Mean(aux, nil))
}

// optimize performs the updates owed for one collected batch and emits
// the training metrics
func (e *Experiment) optimize() error {
	var loss, qValues, qLogits float64
	var samplingTime, trainingTime time.Duration
	updates := 0

	for i := 0; i < e.updatesPerBatch; i++ {
		start := time.Now()
		batch, err := e.buffer.Sample()
		samplingTime += time.Since(start)
		if replay.IsInsufficientSamples(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("optimize: could not sample batch: %v", err)
		}

		start = time.Now()
		result, err := e.learner.Step(batch)
		trainingTime += time.Since(start)
		if err != nil {
			return fmt.Errorf("optimize: %w", err)
		}

		err = e.buffer.UpdatePriority(batch.Keys, result.TDErrors)
		if err != nil {
			return fmt.Errorf("optimize: could not update priorities: %v",
				err)
		}

		loss += result.Loss
		qValues += result.QValues
		qLogits += result.QLogits
		updates++
	}

	if updates == 0 {
		return nil
	}
	e.counters.Updates += updates

	e.emit("q_loss", loss/float64(updates))
	e.emit("q_values", qValues/float64(updates))
	if e.learner.Rescaled() {
		e.emit("q_logits", qLogits/float64(updates))
	}
	e.emit("sampling_time", samplingTime.Seconds())
	e.emit("training_time", trainingTime.Seconds())

	if err := e.collector.UpdateWeights(e.learner.Online()); err != nil {
		return fmt.Errorf("optimize: could not refresh collector "+
			"weights: %v", err)
	}
	return nil
}

// checkpoint writes a snapshot of the online network when the batch
// that moved the frame counter from prevFrames crossed a test interval
// boundary, and unconditionally at the end of the run
func (e *Experiment) checkpoint(prevFrames int) error {
	crossed := prevFrames/e.config.TestInterval <
		e.counters.Frames/e.config.TestInterval
	final := e.counters.Frames >= e.config.TotalFrames
	if !crossed && !final {
		return nil
	}

	model, ok := e.learner.Online().(interface {
		GobEncode() ([]byte, error)
	})
	if !ok {
		return fmt.Errorf("checkpoint: network is not serializable")
	}
	if err := e.ckpt.Save(model, e.counters.Frames); err != nil {
		return fmt.Errorf("checkpoint: %v", err)
	}

	e.counters.Checkpoints++
	e.log.Info().Int("frames", e.counters.Frames).
		Str("path", e.ckpt.Path(e.counters.Frames)).
		Msg("wrote checkpoint")
	return nil
}

// Run executes the training run to completion. Collection starts when
// Run is called and stops before it returns, whether the run finished
// or failed.
func (e *Experiment) Run(ctx context.Context) error {
	if err := e.collector.Start(); err != nil {
		return fmt.Errorf("run: could not start collector: %v", err)
	}
	defer e.collector.Shutdown()

	var pbar *progressbar.ProgressBar
	if e.config.ProgressBar {
		pbar = progressbar.NewProgressBar(50, e.config.TotalFrames,
			time.Second)
		pbar.Display()
		defer pbar.Close()
	}

	e.log.Info().Int("total_frames", e.config.TotalFrames).
		Int("frames_per_batch", e.config.FramesPerBatch).
		Int("updates_per_batch", e.updatesPerBatch).
		Msg("starting training run")

	for {
		batch, err := e.collector.Next(ctx)
		if collector.IsExhausted(err) {
			break
		}
		if err != nil {
			return fmt.Errorf("run: could not collect batch: %w", err)
		}

		prevFrames := e.counters.Frames
		e.counters.Frames += len(batch)
		e.schedule.Step(len(batch))
		if pbar != nil {
			pbar.IncrementBy(len(batch))
		}

		e.episodeMetrics(batch)
		if err := e.buffer.Extend(batch); err != nil {
			return fmt.Errorf("run: could not store batch: %v", err)
		}

		// Warmup batches seed the buffer but trigger no optimization
		if e.counters.Frames >= e.config.InitRandomFrames {
			if err := e.optimize(); err != nil {
				return fmt.Errorf("run: %w", err)
			}
		}
		e.emit("epsilon", e.schedule.Epsilon())

		if err := e.checkpoint(prevFrames); err != nil {
			return fmt.Errorf("run: %v", err)
		}
		if e.counters.Frames >= e.config.TotalFrames {
			break
		}
	}

	e.log.Info().Int("frames", e.counters.Frames).
		Int("updates", e.counters.Updates).
		Int("episodes", e.counters.Episodes).
		Int("checkpoints", e.counters.Checkpoints).
		Msg("training run finished")
	return nil
}
