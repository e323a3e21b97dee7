package sampler

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/schedule"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

// SdeVe is the variance-exploding score-SDE predictor-corrector sampler.
// StepPred reverses the SDE one timestep; StepCorrect nudges the sample along
// the score direction with a signal-to-noise scaled step size. The continuous
// timesteps run from 1 down to SamplingEps.
type SdeVe struct {
	cfg config.ScheduleConfig
	rng *rand.Rand

	numInferenceSteps int
	timesteps         []float64
	discreteSigmas    []float64
	sigmas            []float64
}

// NewSdeVe seeds the internal noise generator; a zero seed falls back to the
// wall clock.
func NewSdeVe(cfg config.ScheduleConfig, seed int64) (*SdeVe, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SigmaMin <= 0 || cfg.SigmaMax <= 0 {
		return nil, fmt.Errorf("%w: sde-ve requires positive sigma_min and sigma_max", config.ErrInvalid)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &SdeVe{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
	if err := s.SetTimesteps(cfg.NumTrainTimesteps); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SdeVe) SetTimesteps(numInferenceSteps int, numTrainTimesteps ...int) error {
	trainRef, err := resolveTrainTimesteps(numTrainTimesteps, s.cfg.NumTrainTimesteps)
	if err != nil {
		return err
	}
	if err := checkInferenceSteps(numInferenceSteps, trainRef); err != nil {
		return err
	}
	s.numInferenceSteps = numInferenceSteps
	s.timesteps = schedule.Linspace(1, s.cfg.SamplingEps, numInferenceSteps)

	logSpan := schedule.Linspace(math.Log(s.cfg.SigmaMin), math.Log(s.cfg.SigmaMax), numInferenceSteps)
	s.discreteSigmas = make([]float64, numInferenceSteps)
	for i, v := range logSpan {
		s.discreteSigmas[i] = math.Exp(v)
	}

	s.sigmas = make([]float64, numInferenceSteps)
	for i, t := range s.timesteps {
		s.sigmas[i] = s.cfg.SigmaMin * math.Pow(s.cfg.SigmaMax/s.cfg.SigmaMin, t)
	}
	return nil
}

func (s *SdeVe) sigmaIndex(timestep float64) int {
	return int(timestep * float64(s.numInferenceSteps-1))
}

// StepPred reverses the SDE by one timestep: the drift follows the score
// scaled by the local diffusion, and fresh noise of the same magnitude is
// injected. Returns the new sample and its noise-free mean.
func (s *SdeVe) StepPred(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (prev, prevMean *tensor.Tensor, err error) {
	if err := tensor.CheckSameShape(modelOutput, sample); err != nil {
		return nil, nil, err
	}
	if _, err := indexForTimestep(timestep, s.timesteps, true); err != nil {
		return nil, nil, err
	}
	idx := s.sigmaIndex(timestep)
	sigma := s.discreteSigmas[idx]
	adjacent := 0.0
	if idx > 0 {
		adjacent = s.discreteSigmas[idx-1]
	}
	diffusion := math.Sqrt(sigma*sigma - adjacent*adjacent)

	prevMean, err = tensor.Axpy(sample, diffusion*diffusion, modelOutput)
	if err != nil {
		return nil, nil, err
	}
	noise := s.randnLike(sample)
	prev, err = tensor.Axpy(prevMean, diffusion, noise)
	if err != nil {
		return nil, nil, err
	}
	return prev, prevMean, nil
}

// StepCorrect performs one Langevin correction: step size is chosen from the
// ratio of noise norm to score norm so the update keeps the configured
// signal-to-noise ratio.
func (s *SdeVe) StepCorrect(modelOutput *tensor.Tensor, sample *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.CheckSameShape(modelOutput, sample); err != nil {
		return nil, err
	}
	if len(s.timesteps) == 0 {
		return nil, fmt.Errorf("%w: no schedule configured, call SetTimesteps first", ErrTimestepLookup)
	}
	noise := s.randnLike(sample)
	gradNorm := batchNormMean(modelOutput)
	noiseNorm := batchNormMean(noise)
	stepSize := s.cfg.SNR * noiseNorm / gradNorm
	stepSize = stepSize * stepSize * 2

	mean, err := tensor.Axpy(sample, stepSize, modelOutput)
	if err != nil {
		return nil, err
	}
	return tensor.Axpy(mean, math.Sqrt(stepSize*2), noise)
}

// Step satisfies Scheduler: CorrectSteps Langevin corrections followed by one
// predictor step, the usual predictor-corrector sampling order.
func (s *SdeVe) Step(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error) {
	var err error
	for i := 0; i < s.cfg.CorrectSteps; i++ {
		if sample, err = s.StepCorrect(modelOutput, sample); err != nil {
			return nil, err
		}
	}
	prev, _, err := s.StepPred(modelOutput, timestep, sample)
	if err != nil {
		return nil, err
	}
	return &Output{PrevSample: prev}, nil
}

// ScaleModelInput is the identity for the variance-exploding parametrization.
func (s *SdeVe) ScaleModelInput(sample *tensor.Tensor, timestep float64) (*tensor.Tensor, error) {
	return sample, nil
}

// AddNoise maps each continuous timestep to its sigma on the exponential
// ramp and returns original + noise*sigma.
func (s *SdeVe) AddNoise(original, noise *tensor.Tensor, timesteps []float64) (*tensor.Tensor, error) {
	if len(timesteps) == 0 {
		return nil, fmt.Errorf("%w: no timesteps supplied", ErrTimestepLookup)
	}
	sigmas := make([]float64, len(timesteps))
	for i, t := range timesteps {
		if t < 0 || t > 1 {
			return nil, fmt.Errorf("%w: timestep %v outside [0, 1]", ErrTimestepLookup, t)
		}
		sigmas[i] = s.cfg.SigmaMin * math.Pow(s.cfg.SigmaMax/s.cfg.SigmaMin, t)
	}
	return tensor.AddScaledBatch(original, noise, sigmas)
}

func (s *SdeVe) randnLike(t *tensor.Tensor) *tensor.Tensor {
	out := tensor.New(t.Shape...)
	for i := range out.Data {
		out.Data[i] = float32(s.rng.NormFloat64())
	}
	return out
}

// batchNormMean averages the Frobenius norm of each leading-axis element.
func batchNormMean(t *tensor.Tensor) float64 {
	batch := t.Batch()
	per := t.Len() / batch
	total := 0.0
	for b := 0; b < batch; b++ {
		sum := 0.0
		for i := b * per; i < (b+1)*per; i++ {
			v := float64(t.Data[i])
			sum += v * v
		}
		total += math.Sqrt(sum)
	}
	return total / float64(batch)
}

func (s *SdeVe) InitNoiseSigma() float64 { return s.cfg.SigmaMax }
func (s *SdeVe) Timesteps() []float64    { return s.timesteps }
func (s *SdeVe) Sigmas() []float64       { return s.sigmas }
func (s *SdeVe) Order() int              { return 1 }
