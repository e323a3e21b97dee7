package trace

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
)

func TestRecorderRecord(t *testing.T) {
	r := NewRecorder()
	r.Observe(StepRecord{Step: 0, Timestep: 999, Sigma: 14.6, LatentNorm: 1.5})
	r.Observe(StepRecord{Step: 1, Timestep: 499.5, Sigma: 7.1, LatentNorm: 1.2})
	r.Observe(StepRecord{Step: 2, Timestep: 0, Sigma: 0.03, LatentNorm: 1.0})

	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	rec := r.Record()
	defer rec.Release()

	if rec.NumRows() != 3 {
		t.Fatalf("NumRows = %d, want 3", rec.NumRows())
	}
	if rec.NumCols() != 7 {
		t.Fatalf("NumCols = %d, want 7", rec.NumCols())
	}

	steps := rec.Column(0).(*array.Int32)
	if steps.Value(2) != 2 {
		t.Errorf("step[2] = %d, want 2", steps.Value(2))
	}
	timesteps := rec.Column(1).(*array.Float64)
	if timesteps.Value(1) != 499.5 {
		t.Errorf("timestep[1] = %g, want 499.5", timesteps.Value(1))
	}
	sigmas := rec.Column(2).(*array.Float64)
	if sigmas.Value(0) != 14.6 {
		t.Errorf("sigma[0] = %g, want 14.6", sigmas.Value(0))
	}
}

func TestRecorderReset(t *testing.T) {
	r := NewRecorder()
	r.Observe(StepRecord{Step: 0})
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len after Reset = %d, want 0", r.Len())
	}

	rec := r.Record()
	defer rec.Release()
	if rec.NumRows() != 0 {
		t.Errorf("NumRows after Reset = %d, want 0", rec.NumRows())
	}
}

func TestSchemaFieldNames(t *testing.T) {
	want := []string{"step", "timestep", "sigma", "latent_min", "latent_max", "latent_mean", "latent_norm"}
	fields := stepSchema.Fields()
	if len(fields) != len(want) {
		t.Fatalf("schema has %d fields, want %d", len(fields), len(want))
	}
	for i, f := range fields {
		if f.Name != want[i] {
			t.Errorf("field[%d] = %q, want %q", i, f.Name, want[i])
		}
	}
}
