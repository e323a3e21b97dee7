// Package sampler implements the numerical integrators that drive the
// iterative denoising loop: Euler, Heun predictor-corrector, linear
// multistep, PNDM pseudo-numerical multistep and the score-SDE
// variance-exploding predictor-corrector.
//
// A scheduler instance carries per-run mutable state (derivative history,
// predictor/corrector phase). It is not safe for concurrent sampling runs;
// give each run its own instance.
package sampler

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

var (
	// ErrNotImplemented marks a recognized but unsupported option.
	ErrNotImplemented = errors.New("sampler: not implemented")

	// ErrTimestepLookup is returned when a supplied timestep is absent from
	// the currently configured schedule, including calling Step before
	// SetTimesteps.
	ErrTimestepLookup = errors.New("sampler: timestep not in current schedule")
)

// Output is what one integrator step hands back: the previous (less noisy)
// sample, and the predicted fully-denoised sample when the method forms one.
// The scheduler retains no ownership of either tensor.
type Output struct {
	PrevSample         *tensor.Tensor
	PredOriginalSample *tensor.Tensor
}

// Scheduler is the single capability surface shared by every variant.
// Timesteps and Sigmas expose the inference schedule read-only; Sigmas is nil
// for variants that do not operate in sigma space (PNDM).
//
// SetTimesteps accepts an optional training-length override as its second
// argument so one run can re-map its schedule against a different reference
// length; when absent, the configured num_train_timesteps applies.
type Scheduler interface {
	SetTimesteps(numInferenceSteps int, numTrainTimesteps ...int) error
	ScaleModelInput(sample *tensor.Tensor, timestep float64) (*tensor.Tensor, error)
	Step(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error)
	AddNoise(original, noise *tensor.Tensor, timesteps []float64) (*tensor.Tensor, error)
	InitNoiseSigma() float64
	Timesteps() []float64
	Sigmas() []float64
	Order() int
}

// indexForTimestep resolves a timestep to its position in ts. Schedules with
// duplicated entries (Heun) need the tie-break: pickLast selects the final
// match (predictor phase), otherwise the first match wins (corrector phase).
func indexForTimestep(timestep float64, ts []float64, pickLast bool) (int, error) {
	found := -1
	for i, t := range ts {
		if t == timestep {
			found = i
			if !pickLast {
				break
			}
		}
	}
	if found < 0 {
		if len(ts) == 0 {
			return 0, fmt.Errorf("%w: no schedule configured, call SetTimesteps first", ErrTimestepLookup)
		}
		return 0, fmt.Errorf("%w: timestep %v", ErrTimestepLookup, timestep)
	}
	return found, nil
}

// predOriginal converts a model output into the predicted fully-denoised
// sample for the sigma-space variants.
func predOriginal(pt config.PredictionType, sample, modelOutput *tensor.Tensor, sigma float64) (*tensor.Tensor, error) {
	switch pt {
	case config.PredictEpsilon:
		// x0 = sample - sigma * eps
		return tensor.Axpy(sample, -sigma, modelOutput)
	case config.PredictV:
		// x0 = v * (-sigma/sqrt(sigma^2+1)) + sample/(sigma^2+1)
		s2 := sigma * sigma
		return tensor.Lerp(-sigma/math.Sqrt(s2+1), modelOutput, 1/(s2+1), sample)
	case config.PredictSample:
		return nil, fmt.Errorf("%w: prediction_type sample", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("%w: prediction_type %q", config.ErrInvalid, pt)
	}
}

// resolveTrainTimesteps picks the per-call training-length override when one
// is supplied, falling back to the configured value.
func resolveTrainTimesteps(override []int, configured int) (int, error) {
	if len(override) == 0 {
		return configured, nil
	}
	n := override[0]
	if n <= 0 {
		return 0, fmt.Errorf("%w: num_train_timesteps override %d (must be positive)", config.ErrInvalid, n)
	}
	return n, nil
}

// checkInferenceSteps applies the bounds the schedule math assumes. The upper
// bound is enforced here deliberately: exceeding the training range produces
// duplicate interpolation positions and silently corrupt sigmas.
func checkInferenceSteps(numInferenceSteps, numTrainTimesteps int) error {
	if numInferenceSteps < 1 {
		return fmt.Errorf("%w: num_inference_steps %d (must be >= 1)", config.ErrInvalid, numInferenceSteps)
	}
	if numInferenceSteps > numTrainTimesteps {
		return fmt.Errorf("%w: num_inference_steps %d exceeds num_train_timesteps %d",
			config.ErrInvalid, numInferenceSteps, numTrainTimesteps)
	}
	return nil
}

// scaleBySigma implements sample / sqrt(sigma^2 + 1).
func scaleBySigma(sample *tensor.Tensor, sigma float64) *tensor.Tensor {
	out := sample.Clone()
	out.Scale(1 / math.Sqrt(sigma*sigma+1))
	return out
}
