package sampler

import (
	"math"
	"testing"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

func TestLMSSchedule(t *testing.T) {
	l, err := NewLMS(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}
	if len(l.Timesteps()) != 10 {
		t.Fatalf("len(timesteps) = %d, want 10", len(l.Timesteps()))
	}
	sigmas := l.Sigmas()
	if len(sigmas) != 11 {
		t.Fatalf("len(sigmas) = %d, want 11", len(sigmas))
	}
	if sigmas[10] != 0 {
		t.Errorf("terminal sigma = %g, want exactly 0", sigmas[10])
	}
	if l.InitNoiseSigma() != sigmas[0] {
		t.Errorf("InitNoiseSigma = %g, want %g", l.InitNoiseSigma(), sigmas[0])
	}
}

// With a single stored derivative the multistep collapses to order one: the
// lone Lagrange basis is the constant 1 and its integral is exactly dt. The
// first LMS step must therefore match the first Euler step.
func TestLMSFirstStepMatchesEuler(t *testing.T) {
	l, err := NewLMS(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}

	sample := constTensor(1, 1, 4)
	modelOutput := constTensor(0.5, 1, 4)

	lOut, err := l.Step(modelOutput, l.Timesteps()[0], sample)
	if err != nil {
		t.Fatal(err)
	}
	eOut, err := e.Step(modelOutput, e.Timesteps()[0], sample)
	if err != nil {
		t.Fatal(err)
	}
	if d := maxAbsDiff(lOut.PrevSample, eOut.PrevSample); d > 1e-4 {
		t.Errorf("first LMS step differs from Euler by %g", d)
	}
}

func TestLMSHistoryCappedAtSolverOrder(t *testing.T) {
	cfg := config.Default()
	cfg.SolverOrder = 2
	l, err := NewLMS(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetTimesteps(8); err != nil {
		t.Fatal(err)
	}

	sample := constTensor(1, 1, 4)
	for _, ts := range l.Timesteps() {
		out, err := l.Step(constTensor(0.5, 1, 4), ts, sample)
		if err != nil {
			t.Fatalf("Step(%v): %v", ts, err)
		}
		sample = out.PrevSample
		if len(l.derivatives) > cfg.SolverOrder {
			t.Fatalf("derivative history grew to %d, cap is %d", len(l.derivatives), cfg.SolverOrder)
		}
	}
}

func TestLMSSetTimestepsClearsHistory(t *testing.T) {
	l, err := NewLMS(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetTimesteps(6); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Step(constTensor(0.5, 1, 4), l.Timesteps()[0], constTensor(1, 1, 4)); err != nil {
		t.Fatal(err)
	}
	if len(l.derivatives) != 1 {
		t.Fatalf("derivative history = %d, want 1", len(l.derivatives))
	}
	if err := l.SetTimesteps(6); err != nil {
		t.Fatal(err)
	}
	if len(l.derivatives) != 0 {
		t.Error("SetTimesteps did not clear the derivative history")
	}
}

// Like Heun, a multistep blend of constant derivatives telescopes to the
// Euler endpoint; Adams-Bashforth weights always sum to the step width.
func TestLMSConstantModelMatchesEuler(t *testing.T) {
	const n = 8
	const c = 0.5

	l, err := NewLMS(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetTimesteps(n); err != nil {
		t.Fatal(err)
	}
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(n); err != nil {
		t.Fatal(err)
	}

	model := func(float64) *tensor.Tensor { return constTensor(c, 1, 4) }
	lFinal := runLoop(t, l, constTensor(1, 1, 4), model)
	eFinal := runLoop(t, e, constTensor(1, 1, 4), model)

	if d := maxAbsDiff(lFinal, eFinal); d > 1e-2 {
		t.Errorf("LMS and Euler disagree by %g with a constant model", d)
	}
}

// Adams-Bashforth coefficients over a hand-picked sigma grid. For
// sigmas = [4, 2, 1, 0] and the step from 2 to 1 at order 2:
//
//	c0 = integral of (tau-4)/(2-4) over [2,1] = -1.25
//	c1 = integral of (tau-2)/(4-2) over [2,1] =  0.25
//
// and the coefficients of any order sum to the step width.
func TestLMSCoefficients(t *testing.T) {
	l, err := NewLMS(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	l.sigmas = []float64{4, 2, 1, 0}

	if c := l.lmsCoefficient(2, 1, 0); math.Abs(c-(-1.25)) > 1e-9 {
		t.Errorf("c0 = %g, want -1.25", c)
	}
	if c := l.lmsCoefficient(2, 1, 1); math.Abs(c-0.25) > 1e-9 {
		t.Errorf("c1 = %g, want 0.25", c)
	}

	// Order 1 at the first step is exactly the Euler increment.
	if c := l.lmsCoefficient(1, 0, 0); math.Abs(c-(2-4)) > 1e-9 {
		t.Errorf("order-1 coefficient = %g, want -2", c)
	}

	// Coefficient sums telescope to dt at every order.
	for _, tc := range []struct {
		order, t int
		dt       float64
	}{
		{1, 0, -2}, {2, 1, -1}, {3, 2, -1},
	} {
		sum := 0.0
		for i := 0; i < tc.order; i++ {
			sum += l.lmsCoefficient(tc.order, tc.t, i)
		}
		if math.Abs(sum-tc.dt) > 1e-9 {
			t.Errorf("order %d coefficients sum to %g, want %g", tc.order, sum, tc.dt)
		}
	}
}
