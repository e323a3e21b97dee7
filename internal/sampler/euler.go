package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/schedule"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

// Euler is the first-order discrete sampler: one model evaluation and one
// Euler step per timestep. It shares the sigma machinery with Heun but keeps
// no cross-call state.
type Euler struct {
	cfg config.ScheduleConfig

	betas         []float64
	alphasCumprod []float64
	trainSigmas   []float64
	logSigmas     []float64

	numInferenceSteps int
	timesteps         []float64
	sigmas            []float64
	initNoiseSigma    float64
}

func NewEuler(cfg config.ScheduleConfig) (*Euler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	betas, err := schedule.Betas(cfg)
	if err != nil {
		return nil, err
	}
	ac := schedule.AlphasCumprod(betas)
	trainSigmas := schedule.Sigmas(ac)
	e := &Euler{
		cfg:           cfg,
		betas:         betas,
		alphasCumprod: ac,
		trainSigmas:   trainSigmas,
		logSigmas:     schedule.LogSigmas(trainSigmas),
	}
	if err := e.SetTimesteps(cfg.NumTrainTimesteps); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Euler) SetTimesteps(numInferenceSteps int, numTrainTimesteps ...int) error {
	trainRef, err := resolveTrainTimesteps(numTrainTimesteps, e.cfg.NumTrainTimesteps)
	if err != nil {
		return err
	}
	if err := checkInferenceSteps(numInferenceSteps, trainRef); err != nil {
		return err
	}
	e.numInferenceSteps = numInferenceSteps

	ts := schedule.TrainTimesteps(numInferenceSteps, trainRef)
	sigmas := schedule.InterpAtIndices(ts, e.trainSigmas)

	if e.cfg.UseKarrasSigmas {
		sigmas = schedule.KarrasSigmas(sigmas[len(sigmas)-1], sigmas[0], numInferenceSteps)
		for i, s := range sigmas {
			ts[i] = schedule.SigmaToT(s, e.logSigmas)
		}
	}

	e.sigmas = append(sigmas, 0)
	e.timesteps = ts
	e.initNoiseSigma = floats.Max(e.sigmas)
	return nil
}

func (e *Euler) ScaleModelInput(sample *tensor.Tensor, timestep float64) (*tensor.Tensor, error) {
	idx, err := indexForTimestep(timestep, e.timesteps, true)
	if err != nil {
		return nil, err
	}
	return scaleBySigma(sample, e.sigmas[idx]), nil
}

func (e *Euler) Step(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error) {
	if err := tensor.CheckSameShape(modelOutput, sample); err != nil {
		return nil, err
	}
	idx, err := indexForTimestep(timestep, e.timesteps, true)
	if err != nil {
		return nil, err
	}
	sigma := e.sigmas[idx]

	pred, err := predOriginal(e.cfg.PredictionType, sample, modelOutput, sigma)
	if err != nil {
		return nil, err
	}
	derivative, err := tensor.Lerp(1/sigma, sample, -1/sigma, pred)
	if err != nil {
		return nil, err
	}
	dt := e.sigmas[idx+1] - sigma
	prev, err := tensor.Axpy(sample, dt, derivative)
	if err != nil {
		return nil, err
	}
	return &Output{PrevSample: prev, PredOriginalSample: pred}, nil
}

func (e *Euler) AddNoise(original, noise *tensor.Tensor, timesteps []float64) (*tensor.Tensor, error) {
	if len(timesteps) == 0 {
		return nil, fmt.Errorf("%w: no timesteps supplied", ErrTimestepLookup)
	}
	sigmas := make([]float64, len(timesteps))
	for i, t := range timesteps {
		idx, err := indexForTimestep(t, e.timesteps, true)
		if err != nil {
			return nil, err
		}
		sigmas[i] = e.sigmas[idx]
	}
	return tensor.AddScaledBatch(original, noise, sigmas)
}

func (e *Euler) InitNoiseSigma() float64 { return e.initNoiseSigma }
func (e *Euler) Timesteps() []float64    { return e.timesteps }
func (e *Euler) Sigmas() []float64       { return e.sigmas }
func (e *Euler) Order() int              { return 1 }
