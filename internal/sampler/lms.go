package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate/quad"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/schedule"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

// LMS is the linear multistep sampler: it keeps a short history of ODE
// derivatives and combines them with Adams-Bashforth coefficients obtained by
// integrating the Lagrange basis polynomials over each sigma interval.
type LMS struct {
	cfg config.ScheduleConfig

	betas         []float64
	alphasCumprod []float64
	trainSigmas   []float64
	logSigmas     []float64

	numInferenceSteps int
	timesteps         []float64
	sigmas            []float64
	initNoiseSigma    float64

	derivatives []*tensor.Tensor
}

func NewLMS(cfg config.ScheduleConfig) (*LMS, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	betas, err := schedule.Betas(cfg)
	if err != nil {
		return nil, err
	}
	ac := schedule.AlphasCumprod(betas)
	trainSigmas := schedule.Sigmas(ac)
	l := &LMS{
		cfg:           cfg,
		betas:         betas,
		alphasCumprod: ac,
		trainSigmas:   trainSigmas,
		logSigmas:     schedule.LogSigmas(trainSigmas),
	}
	if err := l.SetTimesteps(cfg.NumTrainTimesteps); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *LMS) SetTimesteps(numInferenceSteps int, numTrainTimesteps ...int) error {
	trainRef, err := resolveTrainTimesteps(numTrainTimesteps, l.cfg.NumTrainTimesteps)
	if err != nil {
		return err
	}
	if err := checkInferenceSteps(numInferenceSteps, trainRef); err != nil {
		return err
	}
	l.numInferenceSteps = numInferenceSteps

	ts := schedule.TrainTimesteps(numInferenceSteps, trainRef)
	sigmas := schedule.InterpAtIndices(ts, l.trainSigmas)

	if l.cfg.UseKarrasSigmas {
		sigmas = schedule.KarrasSigmas(sigmas[len(sigmas)-1], sigmas[0], numInferenceSteps)
		for i, s := range sigmas {
			ts[i] = schedule.SigmaToT(s, l.logSigmas)
		}
	}

	l.sigmas = append(sigmas, 0)
	l.timesteps = ts
	l.initNoiseSigma = floats.Max(l.sigmas)
	l.derivatives = nil
	return nil
}

// lmsCoefficient integrates the current-order Lagrange basis polynomial over
// [sigma_t, sigma_t+1]. The integrand is a polynomial of degree order-1, so a
// fixed Gauss-Legendre rule evaluates it exactly.
func (l *LMS) lmsCoefficient(order, t, currentOrder int) float64 {
	derivative := func(tau float64) float64 {
		prod := 1.0
		for k := 0; k < order; k++ {
			if k == currentOrder {
				continue
			}
			prod *= (tau - l.sigmas[t-k]) / (l.sigmas[t-currentOrder] - l.sigmas[t-k])
		}
		return prod
	}
	// Sigmas descend, so the integration interval is reversed; quad.Fixed
	// wants min < max.
	lo, hi := l.sigmas[t], l.sigmas[t+1]
	sign := 1.0
	if hi < lo {
		lo, hi = hi, lo
		sign = -1
	}
	return sign * quad.Fixed(derivative, lo, hi, 8, nil, 0)
}

func (l *LMS) ScaleModelInput(sample *tensor.Tensor, timestep float64) (*tensor.Tensor, error) {
	idx, err := indexForTimestep(timestep, l.timesteps, true)
	if err != nil {
		return nil, err
	}
	return scaleBySigma(sample, l.sigmas[idx]), nil
}

func (l *LMS) Step(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error) {
	if err := tensor.CheckSameShape(modelOutput, sample); err != nil {
		return nil, err
	}
	idx, err := indexForTimestep(timestep, l.timesteps, true)
	if err != nil {
		return nil, err
	}
	sigma := l.sigmas[idx]

	pred, err := predOriginal(l.cfg.PredictionType, sample, modelOutput, sigma)
	if err != nil {
		return nil, err
	}
	derivative, err := tensor.Lerp(1/sigma, sample, -1/sigma, pred)
	if err != nil {
		return nil, err
	}

	l.derivatives = append(l.derivatives, derivative)
	if len(l.derivatives) > l.cfg.SolverOrder {
		l.derivatives = l.derivatives[1:]
	}

	order := idx + 1
	if order > l.cfg.SolverOrder {
		order = l.cfg.SolverOrder
	}

	prev := sample.Clone()
	for i := 0; i < order; i++ {
		coeff := l.lmsCoefficient(order, idx, i)
		d := l.derivatives[len(l.derivatives)-1-i]
		prev, err = tensor.Axpy(prev, coeff, d)
		if err != nil {
			return nil, err
		}
	}
	return &Output{PrevSample: prev, PredOriginalSample: pred}, nil
}

func (l *LMS) AddNoise(original, noise *tensor.Tensor, timesteps []float64) (*tensor.Tensor, error) {
	if len(timesteps) == 0 {
		return nil, fmt.Errorf("%w: no timesteps supplied", ErrTimestepLookup)
	}
	sigmas := make([]float64, len(timesteps))
	for i, t := range timesteps {
		idx, err := indexForTimestep(t, l.timesteps, true)
		if err != nil {
			return nil, err
		}
		sigmas[i] = l.sigmas[idx]
	}
	return tensor.AddScaledBatch(original, noise, sigmas)
}

func (l *LMS) InitNoiseSigma() float64 { return l.initNoiseSigma }
func (l *LMS) Timesteps() []float64    { return l.timesteps }
func (l *LMS) Sigmas() []float64       { return l.sigmas }
func (l *LMS) Order() int              { return 1 }
