package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrInvalid is wrapped by every validation failure so callers can test for
// the configuration-error kind with errors.Is.
var ErrInvalid = errors.New("invalid schedule configuration")

type BetaSchedule string

const (
	BetaLinear       BetaSchedule = "linear"
	BetaScaledLinear BetaSchedule = "scaled_linear"
	BetaSquaredCos   BetaSchedule = "squaredcos_cap_v2"
)

type PredictionType string

const (
	PredictEpsilon PredictionType = "epsilon"
	PredictSample  PredictionType = "sample"
	PredictV       PredictionType = "v_prediction"
)

// ScheduleConfig is the immutable description of a noise schedule. It is
// created once, validated once, and never mutated afterwards. The JSON form
// is a flat key-value document so a run can be reconstructed exactly.
type ScheduleConfig struct {
	NumTrainTimesteps int            `json:"num_train_timesteps"`
	BetaStart         float64        `json:"beta_start"`
	BetaEnd           float64        `json:"beta_end"`
	BetaSchedule      BetaSchedule   `json:"beta_schedule"`
	TrainedBetas      []float64      `json:"trained_betas,omitempty"`
	PredictionType    PredictionType `json:"prediction_type"`
	UseKarrasSigmas   bool           `json:"use_karras_sigmas"`
	SolverOrder       int            `json:"solver_order"`

	// PNDM options.
	SkipPrkSteps  bool `json:"skip_prk_steps"`
	SetAlphaToOne bool `json:"set_alpha_to_one"`
	StepsOffset   int  `json:"steps_offset"`

	// Score-SDE (variance exploding) options.
	SigmaMin     float64 `json:"sigma_min"`
	SigmaMax     float64 `json:"sigma_max"`
	SNR          float64 `json:"snr"`
	SamplingEps  float64 `json:"sampling_eps"`
	CorrectSteps int     `json:"correct_steps"`
}

func (c *ScheduleConfig) Validate() error {
	if c.NumTrainTimesteps <= 0 {
		return fmt.Errorf("%w: num_train_timesteps %d (must be positive)", ErrInvalid, c.NumTrainTimesteps)
	}
	if len(c.TrainedBetas) > 0 {
		if len(c.TrainedBetas) != c.NumTrainTimesteps {
			return fmt.Errorf("%w: trained_betas length %d != num_train_timesteps %d",
				ErrInvalid, len(c.TrainedBetas), c.NumTrainTimesteps)
		}
	} else {
		switch c.BetaSchedule {
		case BetaLinear, BetaScaledLinear, BetaSquaredCos:
		default:
			return fmt.Errorf("%w: beta_schedule %q is not implemented", ErrInvalid, c.BetaSchedule)
		}
		if c.BetaStart <= 0 || c.BetaEnd <= 0 {
			return fmt.Errorf("%w: beta range [%g, %g] must be positive", ErrInvalid, c.BetaStart, c.BetaEnd)
		}
		if c.BetaStart >= 1 || c.BetaEnd >= 1 {
			return fmt.Errorf("%w: beta range [%g, %g] must stay below 1", ErrInvalid, c.BetaStart, c.BetaEnd)
		}
	}
	switch c.PredictionType {
	case PredictEpsilon, PredictSample, PredictV:
	default:
		return fmt.Errorf("%w: prediction_type %q (must be one of epsilon, sample, v_prediction)",
			ErrInvalid, c.PredictionType)
	}
	if c.SolverOrder <= 0 {
		return fmt.Errorf("%w: solver_order %d (must be positive)", ErrInvalid, c.SolverOrder)
	}
	if c.SigmaMin < 0 || c.SigmaMax < 0 {
		return fmt.Errorf("%w: sigma range [%g, %g] must be non-negative", ErrInvalid, c.SigmaMin, c.SigmaMax)
	}
	if c.SigmaMin > 0 && c.SigmaMax > 0 && c.SigmaMin >= c.SigmaMax {
		return fmt.Errorf("%w: sigma_min %g >= sigma_max %g", ErrInvalid, c.SigmaMin, c.SigmaMax)
	}
	if c.CorrectSteps < 0 {
		return fmt.Errorf("%w: correct_steps %d (must be non-negative)", ErrInvalid, c.CorrectSteps)
	}
	return nil
}

// Default mirrors the values latent diffusion checkpoints ship with.
func Default() ScheduleConfig {
	return ScheduleConfig{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      BetaLinear,
		PredictionType:    PredictEpsilon,
		SolverOrder:       4,

		SkipPrkSteps:  false,
		SetAlphaToOne: false,
		StepsOffset:   0,

		SigmaMin:     0.01,
		SigmaMax:     1348.0,
		SNR:          0.15,
		SamplingEps:  1e-5,
		CorrectSteps: 1,
	}
}

// Save writes the flat key-value document to path.
func (c *ScheduleConfig) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schedule config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a config previously written by Save and validates it.
func Load(path string) (ScheduleConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read schedule config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
