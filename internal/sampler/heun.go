package sampler

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/schedule"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

// Heun implements Algorithm 2 (Heun steps) from Karras et al. (2022) for
// discrete beta schedules. Every interior timestep is visited twice: a
// first-order Euler estimate (predictor) followed by an averaged-derivative
// refinement (corrector).
type Heun struct {
	cfg config.ScheduleConfig

	betas         []float64
	alphasCumprod []float64
	trainSigmas   []float64
	logSigmas     []float64

	numInferenceSteps int
	timesteps         []float64
	sigmas            []float64
	initNoiseSigma    float64

	// Predictor state, cleared by the corrector and by SetTimesteps. A nil
	// prevDerivative means the next Step runs in first-order mode.
	prevDerivative *tensor.Tensor
	dt             float64
	prevSample     *tensor.Tensor
}

func NewHeun(cfg config.ScheduleConfig) (*Heun, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	betas, err := schedule.Betas(cfg)
	if err != nil {
		return nil, err
	}
	ac := schedule.AlphasCumprod(betas)
	trainSigmas := schedule.Sigmas(ac)
	h := &Heun{
		cfg:           cfg,
		betas:         betas,
		alphasCumprod: ac,
		trainSigmas:   trainSigmas,
		logSigmas:     schedule.LogSigmas(trainSigmas),
	}
	if err := h.SetTimesteps(cfg.NumTrainTimesteps); err != nil {
		return nil, err
	}
	return h, nil
}

// SetTimesteps rebuilds the inference schedule and resets the integrator
// state. Interior sigma/timestep entries are duplicated so each nominal
// timestep resolves to a predictor and a corrector sub-step.
func (h *Heun) SetTimesteps(numInferenceSteps int, numTrainTimesteps ...int) error {
	trainRef, err := resolveTrainTimesteps(numTrainTimesteps, h.cfg.NumTrainTimesteps)
	if err != nil {
		return err
	}
	if err := checkInferenceSteps(numInferenceSteps, trainRef); err != nil {
		return err
	}
	h.numInferenceSteps = numInferenceSteps

	ts := schedule.TrainTimesteps(numInferenceSteps, trainRef)
	sigmas := schedule.InterpAtIndices(ts, h.trainSigmas)

	if h.cfg.UseKarrasSigmas {
		sigmas = schedule.KarrasSigmas(sigmas[len(sigmas)-1], sigmas[0], numInferenceSteps)
		for i, s := range sigmas {
			ts[i] = schedule.SigmaToT(s, h.logSigmas)
		}
	}

	// Terminal sigma is exactly zero: the fully denoised state.
	sigmas = append(sigmas, 0)

	dupSigmas := make([]float64, 0, 2*numInferenceSteps)
	dupSigmas = append(dupSigmas, sigmas[0])
	for _, s := range sigmas[1 : len(sigmas)-1] {
		dupSigmas = append(dupSigmas, s, s)
	}
	dupSigmas = append(dupSigmas, sigmas[len(sigmas)-1])

	dupTs := make([]float64, 0, 2*numInferenceSteps-1)
	dupTs = append(dupTs, ts[0])
	for _, t := range ts[1:] {
		dupTs = append(dupTs, t, t)
	}

	h.sigmas = dupSigmas
	h.timesteps = dupTs
	h.initNoiseSigma = floats.Max(dupSigmas)

	h.prevDerivative = nil
	h.dt = 0
	h.prevSample = nil
	return nil
}

// stateInFirstOrder reports whether the next Step call is a predictor
// sub-step. Determined entirely by whether a derivative is pending.
func (h *Heun) stateInFirstOrder() bool { return h.prevDerivative == nil }

func (h *Heun) ScaleModelInput(sample *tensor.Tensor, timestep float64) (*tensor.Tensor, error) {
	idx, err := indexForTimestep(timestep, h.timesteps, h.stateInFirstOrder())
	if err != nil {
		return nil, err
	}
	return scaleBySigma(sample, h.sigmas[idx]), nil
}

// Step advances one sub-step. In the predictor phase it takes a plain Euler
// step and stores (derivative, dt, sample); in the corrector phase it
// averages the stored and freshly computed derivatives, restores the
// pre-predictor sample, and clears the state.
func (h *Heun) Step(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error) {
	if err := tensor.CheckSameShape(modelOutput, sample); err != nil {
		return nil, err
	}
	firstOrder := h.stateInFirstOrder()
	idx, err := indexForTimestep(timestep, h.timesteps, firstOrder)
	if err != nil {
		return nil, err
	}

	// A pending corrector pairs with the predictor one entry earlier; the
	// first schedule entry has no such predecessor.
	if !firstOrder && idx == 0 {
		return nil, fmt.Errorf("%w: timestep %v cannot complete a pending predictor sub-step", ErrTimestepLookup, timestep)
	}

	var sigma, sigmaNext float64
	if firstOrder {
		sigma = h.sigmas[idx]
		sigmaNext = h.sigmas[idx+1]
	} else {
		sigma = h.sigmas[idx-1]
		sigmaNext = h.sigmas[idx]
	}

	// The corrector evaluates the model at the next sigma.
	sigmaInput := sigma
	if !firstOrder {
		sigmaInput = sigmaNext
	}
	pred, err := predOriginal(h.cfg.PredictionType, sample, modelOutput, sigmaInput)
	if err != nil {
		return nil, err
	}

	if firstOrder {
		derivative, err := tensor.Lerp(1/sigma, sample, -1/sigma, pred)
		if err != nil {
			return nil, err
		}
		dt := sigmaNext - sigma

		h.prevDerivative = derivative
		h.dt = dt
		h.prevSample = sample.Clone()

		prev, err := tensor.Axpy(sample, dt, derivative)
		if err != nil {
			return nil, err
		}
		return &Output{PrevSample: prev, PredOriginalSample: pred}, nil
	}

	derivative2, err := tensor.Lerp(1/sigmaNext, sample, -1/sigmaNext, pred)
	if err != nil {
		return nil, err
	}
	avg, err := tensor.Lerp(0.5, h.prevDerivative, 0.5, derivative2)
	if err != nil {
		return nil, err
	}
	dt := h.dt
	base := h.prevSample

	h.prevDerivative = nil
	h.dt = 0
	h.prevSample = nil

	prev, err := tensor.Axpy(base, dt, avg)
	if err != nil {
		return nil, err
	}
	return &Output{PrevSample: prev, PredOriginalSample: pred}, nil
}

// AddNoise corrupts original to the noise level of the given per-batch
// timesteps: original + noise*sigma. Not phase-aware; uses the first-order
// tie-break for duplicated entries.
func (h *Heun) AddNoise(original, noise *tensor.Tensor, timesteps []float64) (*tensor.Tensor, error) {
	if len(timesteps) == 0 {
		return nil, fmt.Errorf("%w: no timesteps supplied", ErrTimestepLookup)
	}
	sigmas := make([]float64, len(timesteps))
	for i, t := range timesteps {
		idx, err := indexForTimestep(t, h.timesteps, true)
		if err != nil {
			return nil, err
		}
		sigmas[i] = h.sigmas[idx]
	}
	return tensor.AddScaledBatch(original, noise, sigmas)
}

func (h *Heun) InitNoiseSigma() float64 { return h.initNoiseSigma }
func (h *Heun) Timesteps() []float64    { return h.timesteps }
func (h *Heun) Sigmas() []float64       { return h.sigmas }
func (h *Heun) Order() int              { return 2 }
