package sampler

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/schedule"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

// pndmOrder is the multistep depth of the pseudo linear multistep phase.
const pndmOrder = 4

// PNDM is the pseudo-numerical multistep sampler. Unlike the sigma-space
// variants it works directly on cumulative alpha products: a Runge-Kutta
// warmup (PRK) seeds the output history, then a pseudo linear multistep
// (PLMS) phase consumes it. With SkipPrkSteps the warmup is replaced by a
// duplicated leading timestep.
type PNDM struct {
	cfg config.ScheduleConfig

	betas             []float64
	alphasCumprod     []float64
	finalAlphaCumprod float64

	numInferenceSteps int
	stepRatio         int
	prkTimesteps      []float64
	plmsTimesteps     []float64
	timesteps         []float64

	// Cross-call state: model output history, the call counter that selects
	// the current phase, and the samples carried between sub-steps.
	ets            []*tensor.Tensor
	counter        int
	curSample      *tensor.Tensor
	curModelOutput *tensor.Tensor
}

func NewPNDM(cfg config.ScheduleConfig) (*PNDM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	betas, err := schedule.Betas(cfg)
	if err != nil {
		return nil, err
	}
	ac := schedule.AlphasCumprod(betas)
	p := &PNDM{
		cfg:           cfg,
		betas:         betas,
		alphasCumprod: ac,
	}
	// For img2img-style starts the "previous alpha" of the first step is
	// either the cumprod at zero or exactly one.
	if cfg.SetAlphaToOne {
		p.finalAlphaCumprod = 1.0
	} else {
		p.finalAlphaCumprod = ac[0]
	}
	if err := p.SetTimesteps(cfg.NumTrainTimesteps); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PNDM) SetTimesteps(numInferenceSteps int, numTrainTimesteps ...int) error {
	trainRef, err := resolveTrainTimesteps(numTrainTimesteps, p.cfg.NumTrainTimesteps)
	if err != nil {
		return err
	}
	// Timesteps index the trained alpha products directly, so the reference
	// length cannot exceed them.
	if trainRef > len(p.alphasCumprod) {
		return fmt.Errorf("%w: num_train_timesteps override %d exceeds the %d trained alpha products",
			config.ErrInvalid, trainRef, len(p.alphasCumprod))
	}
	if err := checkInferenceSteps(numInferenceSteps, trainRef); err != nil {
		return err
	}
	n := numInferenceSteps
	// A single step leaves nothing for the Runge-Kutta warmup to interleave
	// and would build an empty schedule.
	if n < 2 && !p.cfg.SkipPrkSteps {
		return fmt.Errorf("%w: num_inference_steps %d needs at least 2 steps unless skip_prk_steps is set",
			config.ErrInvalid, n)
	}
	p.numInferenceSteps = n
	p.stepRatio = trainRef / n

	base := make([]float64, n)
	for i := range base {
		base[i] = float64(i*p.stepRatio + p.cfg.StepsOffset)
	}

	if p.cfg.SkipPrkSteps {
		// No warmup: repeat the second-to-last (ascending) entry so the
		// multistep phase can bootstrap from a single duplicated timestep.
		p.prkTimesteps = nil
		plms := make([]float64, 0, n+1)
		plms = append(plms, base[:n-1]...)
		if n >= 2 {
			plms = append(plms, base[n-2])
		}
		plms = append(plms, base[n-1])
		reverse(plms)
		p.plmsTimesteps = plms
	} else {
		order := pndmOrder
		if order > n {
			order = n
		}
		half := float64(p.stepRatio / 2)
		tail := base[n-order:]
		raw := make([]float64, 0, 2*len(tail))
		for _, t := range tail {
			raw = append(raw, t, t+half)
		}
		// Each Runge-Kutta step contributes four stages; drop the ends of
		// the doubled sequence to interleave them.
		x := raw[:len(raw)-1]
		rep := make([]float64, 0, 2*len(x))
		for _, v := range x {
			rep = append(rep, v, v)
		}
		prk := append([]float64(nil), rep[1:len(rep)-1]...)
		reverse(prk)
		p.prkTimesteps = prk

		m := n - 3
		if m < 0 {
			m = 0
		}
		plms := append([]float64(nil), base[:m]...)
		reverse(plms)
		p.plmsTimesteps = plms
	}

	p.timesteps = append(append([]float64(nil), p.prkTimesteps...), p.plmsTimesteps...)

	p.ets = nil
	p.counter = 0
	p.curSample = nil
	p.curModelOutput = nil
	return nil
}

func reverse(s []float64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// ScaleModelInput is the identity for PNDM; the model consumes unscaled
// samples in the alpha parametrization.
func (p *PNDM) ScaleModelInput(sample *tensor.Tensor, timestep float64) (*tensor.Tensor, error) {
	return sample, nil
}

func (p *PNDM) Step(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error) {
	if err := tensor.CheckSameShape(modelOutput, sample); err != nil {
		return nil, err
	}
	if _, err := indexForTimestep(timestep, p.timesteps, false); err != nil {
		return nil, err
	}
	if p.counter < len(p.prkTimesteps) && !p.cfg.SkipPrkSteps {
		return p.stepPrk(modelOutput, timestep, sample)
	}
	return p.stepPlms(modelOutput, timestep, sample)
}

// stepPrk runs one Runge-Kutta stage. Four consecutive calls form one full
// step from the stored sample; the first stage of each group also feeds the
// output history used later by the multistep phase.
func (p *PNDM) stepPrk(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error) {
	diffToPrev := 0.0
	if p.counter%2 == 0 {
		diffToPrev = float64(p.stepRatio / 2)
	}
	prevTimestep := timestep - diffToPrev
	timestep = p.prkTimesteps[(p.counter/4)*4]

	var outForStep *tensor.Tensor
	var err error
	switch p.counter % 4 {
	case 0:
		if p.curModelOutput == nil {
			p.curModelOutput = tensor.New(modelOutput.Shape...)
		}
		if p.curModelOutput, err = tensor.Axpy(p.curModelOutput, 1.0/6, modelOutput); err != nil {
			return nil, err
		}
		p.ets = append(p.ets, modelOutput.Clone())
		p.curSample = sample.Clone()
		outForStep = modelOutput
	case 1, 2:
		if p.curModelOutput, err = tensor.Axpy(p.curModelOutput, 1.0/3, modelOutput); err != nil {
			return nil, err
		}
		outForStep = modelOutput
	case 3:
		if outForStep, err = tensor.Axpy(p.curModelOutput, 1.0/6, modelOutput); err != nil {
			return nil, err
		}
		p.curModelOutput = nil
	}

	base := sample
	if p.curSample != nil {
		base = p.curSample
	}
	prev, err := p.getPrevSample(base, timestep, prevTimestep, outForStep)
	if err != nil {
		return nil, err
	}
	p.counter++
	return &Output{PrevSample: prev}, nil
}

// stepPlms runs one pseudo linear multistep, blending up to four stored model
// outputs with Adams-Bashforth weights.
func (p *PNDM) stepPlms(modelOutput *tensor.Tensor, timestep float64, sample *tensor.Tensor) (*Output, error) {
	if !p.cfg.SkipPrkSteps && len(p.ets) < 3 {
		return nil, fmt.Errorf(
			"%w: multistep phase needs at least 3 stored model outputs; run the Runge-Kutta warmup first",
			config.ErrInvalid)
	}

	prevTimestep := timestep - float64(p.stepRatio)
	if p.counter != 1 {
		if len(p.ets) > 3 {
			p.ets = p.ets[len(p.ets)-3:]
		}
		p.ets = append(p.ets, modelOutput.Clone())
	} else {
		prevTimestep = timestep
		timestep = timestep + float64(p.stepRatio)
	}

	n := len(p.ets)
	var out *tensor.Tensor
	var err error
	sampleForStep := sample
	switch {
	case n == 1 && p.counter == 0:
		out = modelOutput
		p.curSample = sample.Clone()
	case n == 1 && p.counter == 1:
		if out, err = tensor.Lerp(0.5, modelOutput, 0.5, p.ets[n-1]); err != nil {
			return nil, err
		}
		sampleForStep = p.curSample
		p.curSample = nil
	case n == 2:
		if out, err = tensor.Lerp(1.5, p.ets[n-1], -0.5, p.ets[n-2]); err != nil {
			return nil, err
		}
	case n == 3:
		if out, err = tensor.Lerp(23.0/12, p.ets[n-1], -16.0/12, p.ets[n-2]); err != nil {
			return nil, err
		}
		if out, err = tensor.Axpy(out, 5.0/12, p.ets[n-3]); err != nil {
			return nil, err
		}
	default:
		if out, err = tensor.Lerp(55.0/24, p.ets[n-1], -59.0/24, p.ets[n-2]); err != nil {
			return nil, err
		}
		if out, err = tensor.Axpy(out, 37.0/24, p.ets[n-3]); err != nil {
			return nil, err
		}
		if out, err = tensor.Axpy(out, -9.0/24, p.ets[n-4]); err != nil {
			return nil, err
		}
	}

	prev, err := p.getPrevSample(sampleForStep, timestep, prevTimestep, out)
	if err != nil {
		return nil, err
	}
	p.counter++
	return &Output{PrevSample: prev}, nil
}

// getPrevSample applies the PNDM transfer formula (eq. 11 of the paper) in
// the cumulative-alpha parametrization.
func (p *PNDM) getPrevSample(sample *tensor.Tensor, timestep, prevTimestep float64, modelOutput *tensor.Tensor) (*tensor.Tensor, error) {
	alphaProdT := p.alphasCumprod[int(timestep)]
	alphaProdTPrev := p.finalAlphaCumprod
	if prevTimestep >= 0 {
		alphaProdTPrev = p.alphasCumprod[int(prevTimestep)]
	}
	betaProdT := 1 - alphaProdT
	betaProdTPrev := 1 - alphaProdTPrev

	mo := modelOutput
	var err error
	switch p.cfg.PredictionType {
	case config.PredictEpsilon:
	case config.PredictV:
		if mo, err = tensor.Lerp(math.Sqrt(alphaProdT), modelOutput, math.Sqrt(betaProdT), sample); err != nil {
			return nil, err
		}
	case config.PredictSample:
		return nil, fmt.Errorf("%w: prediction_type sample", ErrNotImplemented)
	default:
		return nil, fmt.Errorf("%w: prediction_type %q", config.ErrInvalid, p.cfg.PredictionType)
	}

	sampleCoeff := math.Sqrt(alphaProdTPrev / alphaProdT)
	denom := alphaProdT*math.Sqrt(betaProdTPrev) + math.Sqrt(alphaProdT*betaProdT*alphaProdTPrev)
	return tensor.Lerp(sampleCoeff, sample, -(alphaProdTPrev-alphaProdT)/denom, mo)
}

// AddNoise corrupts original in the alpha parametrization:
// sqrt(ac)*original + sqrt(1-ac)*noise per batch element.
func (p *PNDM) AddNoise(original, noise *tensor.Tensor, timesteps []float64) (*tensor.Tensor, error) {
	if len(timesteps) == 0 {
		return nil, fmt.Errorf("%w: no timesteps supplied", ErrTimestepLookup)
	}
	cOrig := make([]float64, len(timesteps))
	cNoise := make([]float64, len(timesteps))
	for i, t := range timesteps {
		ti := int(t)
		if ti < 0 || ti >= len(p.alphasCumprod) {
			return nil, fmt.Errorf("%w: timestep %v outside training range", ErrTimestepLookup, t)
		}
		ac := p.alphasCumprod[ti]
		cOrig[i] = math.Sqrt(ac)
		cNoise[i] = math.Sqrt(1 - ac)
	}
	return tensor.MixBatch(original, noise, cOrig, cNoise)
}

func (p *PNDM) InitNoiseSigma() float64 { return 1.0 }
func (p *PNDM) Timesteps() []float64    { return p.timesteps }
func (p *PNDM) Sigmas() []float64       { return nil }
func (p *PNDM) Order() int              { return 1 }
