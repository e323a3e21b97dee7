// Package pipeline owns the denoising loop: it repeatedly calls the external
// model and feeds the output through the scheduler until the sample is clean.
// Batching, guidance and the model itself stay on the caller's side of the
// ModelFunc boundary.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-sampler/internal/logger"
	"github.com/23skdu/longbow-sampler/internal/metrics"
	"github.com/23skdu/longbow-sampler/internal/sampler"
	"github.com/23skdu/longbow-sampler/internal/tensor"
	"github.com/23skdu/longbow-sampler/internal/trace"
)

// ModelFunc evaluates the denoising model at one timestep. The sample passed
// in has already been through ScaleModelInput.
type ModelFunc func(sample *tensor.Tensor, timestep float64) (*tensor.Tensor, error)

type Options struct {
	// Method labels metrics; it does not affect behavior.
	Method string

	// NumInferenceSteps rebuilds the schedule before the run when positive.
	NumInferenceSteps int

	// ScaleInitNoise multiplies the initial latents by the scheduler's
	// init noise sigma, the way every upstream pipeline seeds its loop.
	ScaleInitNoise bool

	// Recorder, when set, captures a per-step trajectory.
	Recorder *trace.Recorder
}

// Run drives one full denoising pass and returns the final sample. The
// scheduler instance must not be shared with another concurrent run.
func Run(ctx context.Context, sched sampler.Scheduler, model ModelFunc, initial *tensor.Tensor, opts Options) (*tensor.Tensor, error) {
	start := time.Now()
	log := logger.With("pipeline")

	run := func() (*tensor.Tensor, error) {
		if opts.NumInferenceSteps > 0 {
			if err := sched.SetTimesteps(opts.NumInferenceSteps); err != nil {
				return nil, err
			}
			metrics.RecordSetTimesteps(opts.Method, opts.NumInferenceSteps, sched.InitNoiseSigma())
		}

		sample := initial.Clone()
		if opts.ScaleInitNoise {
			sample.Scale(sched.InitNoiseSigma())
		}

		timesteps := sched.Timesteps()
		sigmas := sched.Sigmas()
		log.Info().
			Str("method", opts.Method).
			Int("steps", len(timesteps)).
			Float64("init_noise_sigma", sched.InitNoiseSigma()).
			Msg("starting denoising run")

		for i, t := range timesteps {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("denoising run aborted at step %d: %w", i, ctx.Err())
			default:
			}

			scaled, err := sched.ScaleModelInput(sample, t)
			if err != nil {
				return nil, err
			}
			modelOutput, err := model(scaled, t)
			if err != nil {
				return nil, fmt.Errorf("model evaluation at timestep %v: %w", t, err)
			}

			stepStart := time.Now()
			out, err := sched.Step(modelOutput, t, sample)
			if err != nil {
				return nil, err
			}
			metrics.RecordStep(opts.Method, time.Since(stepStart))
			sample = out.PrevSample

			min, max, mean, nans, infs := sample.Stats()
			if nans > 0 || infs > 0 {
				metrics.RecordNumericalInstability("step", nans, infs)
				log.Warn().Int("step", i).Int("nans", nans).Int("infs", infs).
					Msg("numerical instability in latents")
			}
			if opts.Recorder != nil {
				sigma := 0.0
				if i < len(sigmas) {
					sigma = sigmas[i]
				}
				opts.Recorder.Observe(trace.StepRecord{
					Step:       i,
					Timestep:   t,
					Sigma:      sigma,
					LatentMin:  min,
					LatentMax:  max,
					LatentMean: mean,
					LatentNorm: sample.Norm(),
				})
			}
			log.Debug().Int("step", i).Float64("timestep", t).Float64("latent_mean", mean).Msg("step complete")
		}
		return sample, nil
	}

	result, err := run()
	metrics.RecordRun(opts.Method, time.Since(start), err)
	if err != nil {
		log.Error().Err(err).Str("method", opts.Method).Msg("denoising run failed")
		return nil, err
	}
	log.Info().Str("method", opts.Method).Dur("duration", time.Since(start)).Msg("denoising run complete")
	return result, nil
}
