package schedule

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-sampler/internal/config"
)

// maxBeta caps the cosine schedule to avoid a singularity at the last step.
const maxBeta = 0.999

// Betas derives the per-training-step noise variance increments. Explicit
// trained betas bypass generation entirely.
func Betas(cfg config.ScheduleConfig) ([]float64, error) {
	n := cfg.NumTrainTimesteps
	if len(cfg.TrainedBetas) > 0 {
		if len(cfg.TrainedBetas) != n {
			return nil, fmt.Errorf("%w: trained_betas length %d != num_train_timesteps %d",
				config.ErrInvalid, len(cfg.TrainedBetas), n)
		}
		return append([]float64(nil), cfg.TrainedBetas...), nil
	}

	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case config.BetaLinear:
		floats.Span(betas, cfg.BetaStart, cfg.BetaEnd)
	case config.BetaScaledLinear:
		// Tuned for latent-space models: linear in sqrt(beta).
		floats.Span(betas, math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd))
		for i, b := range betas {
			betas[i] = b * b
		}
	case config.BetaSquaredCos:
		for i := 0; i < n; i++ {
			t1 := float64(i) / float64(n)
			t2 := float64(i+1) / float64(n)
			betas[i] = math.Min(1-alphaBar(t2)/alphaBar(t1), maxBeta)
		}
	default:
		return nil, fmt.Errorf("%w: beta_schedule %q is not implemented", config.ErrInvalid, cfg.BetaSchedule)
	}
	return betas, nil
}

func alphaBar(t float64) float64 {
	c := math.Cos((t + 0.008) / 1.008 * math.Pi / 2)
	return c * c
}

// AlphasCumprod returns the running product of (1 - beta).
func AlphasCumprod(betas []float64) []float64 {
	alphas := make([]float64, len(betas))
	for i, b := range betas {
		alphas[i] = 1 - b
	}
	ac := make([]float64, len(alphas))
	floats.CumProd(ac, alphas)
	return ac
}

// Sigmas converts cumulative alpha products to noise standard deviations,
// sigma_i = sqrt((1-ac_i)/ac_i). Strictly increasing with timestep index.
func Sigmas(alphasCumprod []float64) []float64 {
	sigmas := make([]float64, len(alphasCumprod))
	for i, ac := range alphasCumprod {
		sigmas[i] = math.Sqrt((1 - ac) / ac)
	}
	return sigmas
}

// Linspace returns n values evenly spaced over [lo, hi], endpoints included.
func Linspace(lo, hi float64, n int) []float64 {
	if n == 1 {
		return []float64{lo}
	}
	out := make([]float64, n)
	floats.Span(out, lo, hi)
	return out
}

// TrainTimesteps returns numInference values linearly spaced over
// [0, numTrain-1], reversed so sampling walks from noisiest to cleanest.
func TrainTimesteps(numInference, numTrain int) []float64 {
	ts := Linspace(0, float64(numTrain-1), numInference)
	floats.Reverse(ts)
	return ts
}

// InterpAtIndices evaluates values at possibly-fractional index positions,
// matching np.interp over an implicit 0..len(values)-1 grid. Positions
// outside the grid clamp to the boundary values.
func InterpAtIndices(positions, values []float64) []float64 {
	out := make([]float64, len(positions))
	n := len(values)
	for i, p := range positions {
		switch {
		case p <= 0:
			out[i] = values[0]
		case p >= float64(n-1):
			out[i] = values[n-1]
		default:
			lo := int(math.Floor(p))
			frac := p - float64(lo)
			out[i] = values[lo] + frac*(values[lo+1]-values[lo])
		}
	}
	return out
}

// LogSigmas returns elementwise ln(sigma).
func LogSigmas(sigmas []float64) []float64 {
	out := make([]float64, len(sigmas))
	for i, s := range sigmas {
		out[i] = math.Log(s)
	}
	return out
}

// SigmaToT inverts the log-sigma interpolation: it finds the bracketing pair
// of training log-sigmas and linearly interpolates the fractional timestep.
// The low index is clamped to len-2 so the bracket stays in range at the top
// of the schedule.
func SigmaToT(sigma float64, logSigmas []float64) float64 {
	logSigma := math.Log(sigma)

	// Largest index whose log-sigma does not exceed the target; the training
	// log-sigmas are increasing.
	lowIdx := 0
	for i := 0; i < len(logSigmas)-1; i++ {
		if logSigma-logSigmas[i] >= 0 {
			lowIdx = i
		}
	}
	if lowIdx > len(logSigmas)-2 {
		lowIdx = len(logSigmas) - 2
	}
	highIdx := lowIdx + 1

	low := logSigmas[lowIdx]
	high := logSigmas[highIdx]
	w := (low - logSigma) / (low - high)
	if w < 0 {
		w = 0
	} else if w > 1 {
		w = 1
	}
	return (1-w)*float64(lowIdx) + w*float64(highIdx)
}

// KarrasSigmas reparametrizes a sigma range onto the rho=7 power-law ramp of
// Karras et al. (2022), descending from sigmaMax to sigmaMin.
func KarrasSigmas(sigmaMin, sigmaMax float64, numInferenceSteps int) []float64 {
	const rho = 7.0
	ramp := Linspace(0, 1, numInferenceSteps)
	minInvRho := math.Pow(sigmaMin, 1/rho)
	maxInvRho := math.Pow(sigmaMax, 1/rho)
	sigmas := make([]float64, numInferenceSteps)
	for i, r := range ramp {
		sigmas[i] = math.Pow(maxInvRho+r*(minInvRho-maxInvRho), rho)
	}
	return sigmas
}
