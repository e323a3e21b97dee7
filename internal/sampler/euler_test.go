package sampler

import (
	"errors"
	"math"
	"testing"

	"github.com/23skdu/longbow-sampler/internal/config"
	"github.com/23skdu/longbow-sampler/internal/tensor"
)

func TestEulerSchedule(t *testing.T) {
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(3); err != nil {
		t.Fatal(err)
	}

	ts := e.Timesteps()
	want := []float64{999, 499.5, 0}
	if len(ts) != len(want) {
		t.Fatalf("len(timesteps) = %d, want %d", len(ts), len(want))
	}
	for i := range want {
		if math.Abs(ts[i]-want[i]) > 1e-9 {
			t.Errorf("timesteps[%d] = %g, want %g", i, ts[i], want[i])
		}
	}

	sigmas := e.Sigmas()
	if len(sigmas) != 4 {
		t.Fatalf("len(sigmas) = %d, want 4", len(sigmas))
	}
	if sigmas[3] != 0 {
		t.Errorf("terminal sigma = %g, want exactly 0", sigmas[3])
	}
	for i := 1; i < len(sigmas); i++ {
		if sigmas[i] >= sigmas[i-1] {
			t.Fatalf("sigmas not strictly decreasing at %d", i)
		}
	}
	if e.InitNoiseSigma() != sigmas[0] {
		t.Errorf("InitNoiseSigma = %g, want sigmas[0] = %g", e.InitNoiseSigma(), sigmas[0])
	}
	if e.Order() != 1 {
		t.Errorf("Order = %d, want 1", e.Order())
	}
}

func TestEulerSetTimestepsBounds(t *testing.T) {
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(0); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("SetTimesteps(0) = %v, want ErrInvalid", err)
	}
	if err := e.SetTimesteps(1001); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("SetTimesteps(1001) = %v, want ErrInvalid", err)
	}
	if err := e.SetTimesteps(1); err != nil {
		t.Errorf("SetTimesteps(1) = %v, want nil", err)
	}
}

// The optional second argument re-maps the schedule against a different
// training length without touching the configured one.
func TestEulerSetTimestepsTrainOverride(t *testing.T) {
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(3, 500); err != nil {
		t.Fatal(err)
	}

	ts := e.Timesteps()
	want := []float64{499, 249.5, 0}
	for i := range want {
		if math.Abs(ts[i]-want[i]) > 1e-9 {
			t.Errorf("timesteps[%d] = %g, want %g", i, ts[i], want[i])
		}
	}

	// The bound check follows the override, not the config.
	if err := e.SetTimesteps(600, 500); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("steps above override = %v, want ErrInvalid", err)
	}
	if err := e.SetTimesteps(3, 0); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("zero override = %v, want ErrInvalid", err)
	}
	if err := e.SetTimesteps(3, -7); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("negative override = %v, want ErrInvalid", err)
	}

	// Omitting the override falls back to the configured length.
	if err := e.SetTimesteps(3); err != nil {
		t.Fatal(err)
	}
	if math.Abs(e.Timesteps()[0]-999) > 1e-9 {
		t.Errorf("timesteps[0] = %g, want 999 from config", e.Timesteps()[0])
	}
}

func TestEulerScaleModelInput(t *testing.T) {
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(5); err != nil {
		t.Fatal(err)
	}
	sigma := e.Sigmas()[0]
	sample := constTensor(1, 1, 4)
	scaled, err := e.ScaleModelInput(sample, e.Timesteps()[0])
	if err != nil {
		t.Fatal(err)
	}
	want := 1 / math.Sqrt(sigma*sigma+1)
	if math.Abs(float64(scaled.Data[0])-want) > 1e-6 {
		t.Errorf("scaled[0] = %g, want %g", scaled.Data[0], want)
	}
	// Input must not be mutated.
	if sample.Data[0] != 1 {
		t.Error("ScaleModelInput mutated its input")
	}
}

// With a constant epsilon c the Euler updates telescope to
// final = x0 - c*sigmas[0].
func TestEulerConstantModelTelescopes(t *testing.T) {
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}

	const c = 0.5
	x0 := constTensor(1, 1, 4)
	final := runLoop(t, e, x0, func(float64) *tensor.Tensor {
		return constTensor(c, 1, 4)
	})

	want := 1 - c*e.Sigmas()[0]
	if math.Abs(float64(final.Data[0])-want) > 1e-3 {
		t.Errorf("final = %g, want %g", final.Data[0], want)
	}
}

func TestEulerStepErrors(t *testing.T) {
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(5); err != nil {
		t.Fatal(err)
	}

	sample := constTensor(1, 1, 4)
	if _, err := e.Step(constTensor(0, 1, 4), 123.456, sample); !errors.Is(err, ErrTimestepLookup) {
		t.Errorf("unknown timestep = %v, want ErrTimestepLookup", err)
	}
	if _, err := e.Step(constTensor(0, 1, 3), e.Timesteps()[0], sample); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("shape mismatch = %v, want ErrShapeMismatch", err)
	}

	cfg := config.Default()
	cfg.PredictionType = config.PredictSample
	e2, err := NewEuler(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e2.Step(constTensor(0, 1, 4), e2.Timesteps()[0], sample); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("sample prediction = %v, want ErrNotImplemented", err)
	}
}

func TestEulerAddNoiseAtMaxTimestep(t *testing.T) {
	e, err := NewEuler(config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}

	orig := constTensor(2, 1, 4)
	noise := constTensor(1, 1, 4)
	noisy, err := e.AddNoise(orig, noise, []float64{e.Timesteps()[0]})
	if err != nil {
		t.Fatal(err)
	}
	want := 2 + e.InitNoiseSigma()
	if math.Abs(float64(noisy.Data[0])-want) > 1e-3 {
		t.Errorf("noisy[0] = %g, want %g", noisy.Data[0], want)
	}

	if _, err := e.AddNoise(orig, noise, nil); !errors.Is(err, ErrTimestepLookup) {
		t.Errorf("empty timesteps = %v, want ErrTimestepLookup", err)
	}
	if _, err := e.AddNoise(orig, noise, []float64{42}); !errors.Is(err, ErrTimestepLookup) {
		t.Errorf("unknown timestep = %v, want ErrTimestepLookup", err)
	}
}

func TestEulerKarrasSigmas(t *testing.T) {
	cfg := config.Default()
	cfg.UseKarrasSigmas = true
	e, err := NewEuler(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.SetTimesteps(10); err != nil {
		t.Fatal(err)
	}

	sigmas := e.Sigmas()
	for i := 1; i < len(sigmas); i++ {
		if sigmas[i] >= sigmas[i-1] {
			t.Fatalf("karras sigmas not strictly decreasing at %d", i)
		}
	}
	for i, ts := range e.Timesteps() {
		if ts < 0 || ts > 999 {
			t.Errorf("timesteps[%d] = %g outside [0, 999]", i, ts)
		}
	}
	// Timesteps stay aligned with sigmas: both descend.
	ts := e.Timesteps()
	for i := 1; i < len(ts); i++ {
		if ts[i] >= ts[i-1] {
			t.Fatalf("karras timesteps not strictly decreasing at %d", i)
		}
	}
}
