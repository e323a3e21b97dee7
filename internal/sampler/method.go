package sampler

import (
	"fmt"

	"github.com/23skdu/longbow-sampler/internal/config"
)

// Method tags the closed set of integrator variants.
type Method string

const (
	MethodEuler Method = "euler"
	MethodHeun  Method = "heun"
	MethodLMS   Method = "lms"
	MethodPNDM  Method = "pndm"
	MethodSdeVe Method = "sde-ve"
)

// Methods lists every supported method tag, for flag help and validation.
func Methods() []Method {
	return []Method{MethodEuler, MethodHeun, MethodLMS, MethodPNDM, MethodSdeVe}
}

// New constructs a scheduler for the given method. The seed only matters for
// stochastic variants (sde-ve); deterministic methods ignore it.
func New(method Method, cfg config.ScheduleConfig, seed int64) (Scheduler, error) {
	switch method {
	case MethodEuler:
		return NewEuler(cfg)
	case MethodHeun:
		return NewHeun(cfg)
	case MethodLMS:
		return NewLMS(cfg)
	case MethodPNDM:
		return NewPNDM(cfg)
	case MethodSdeVe:
		return NewSdeVe(cfg, seed)
	default:
		return nil, fmt.Errorf("%w: unknown sampling method %q", config.ErrInvalid, method)
	}
}
