// Package trace exports sampling trajectories as Arrow record batches so a
// run can be inspected offline (sigma decay, latent statistics per step).
// Records are shipped to a Flight endpoint via DoPut.
package trace

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// StepRecord is one row of a trajectory: where the integrator was and what
// the latents looked like afterwards.
type StepRecord struct {
	Step       int
	Timestep   float64
	Sigma      float64
	LatentMin  float64
	LatentMax  float64
	LatentMean float64
	LatentNorm float64
}

var stepSchema = arrow.NewSchema([]arrow.Field{
	{Name: "step", Type: arrow.PrimitiveTypes.Int32},
	{Name: "timestep", Type: arrow.PrimitiveTypes.Float64},
	{Name: "sigma", Type: arrow.PrimitiveTypes.Float64},
	{Name: "latent_min", Type: arrow.PrimitiveTypes.Float64},
	{Name: "latent_max", Type: arrow.PrimitiveTypes.Float64},
	{Name: "latent_mean", Type: arrow.PrimitiveTypes.Float64},
	{Name: "latent_norm", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// Recorder accumulates step rows for one sampling run.
type Recorder struct {
	mem   memory.Allocator
	steps []StepRecord
}

func NewRecorder() *Recorder {
	return &Recorder{mem: memory.DefaultAllocator}
}

func (r *Recorder) Observe(rec StepRecord) {
	r.steps = append(r.steps, rec)
}

func (r *Recorder) Len() int { return len(r.steps) }

func (r *Recorder) Reset() { r.steps = r.steps[:0] }

// Record materializes the accumulated rows as a single Arrow record. The
// caller owns the returned record and must Release it.
func (r *Recorder) Record() arrow.Record {
	bld := array.NewRecordBuilder(r.mem, stepSchema)
	defer bld.Release()

	stepB := bld.Field(0).(*array.Int32Builder)
	tsB := bld.Field(1).(*array.Float64Builder)
	sigmaB := bld.Field(2).(*array.Float64Builder)
	minB := bld.Field(3).(*array.Float64Builder)
	maxB := bld.Field(4).(*array.Float64Builder)
	meanB := bld.Field(5).(*array.Float64Builder)
	normB := bld.Field(6).(*array.Float64Builder)

	for _, s := range r.steps {
		stepB.Append(int32(s.Step))
		tsB.Append(s.Timestep)
		sigmaB.Append(s.Sigma)
		minB.Append(s.LatentMin)
		maxB.Append(s.LatentMax)
		meanB.Append(s.LatentMean)
		normB.Append(s.LatentNorm)
	}
	return bld.NewRecord()
}

// FlightSink publishes trajectory records to an Arrow Flight endpoint.
type FlightSink struct {
	addr    string
	timeout time.Duration
}

func NewFlightSink(addr string) *FlightSink {
	return &FlightSink{addr: addr, timeout: 30 * time.Second}
}

// Publish ships one run's record under a run-scoped descriptor path.
func (fs *FlightSink) Publish(ctx context.Context, runID string, rec arrow.Record) error {
	ctx, cancel := context.WithTimeout(ctx, fs.timeout)
	defer cancel()

	client, err := flight.NewClientWithMiddleware(fs.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect flight sink %s: %w", fs.addr, err)
	}
	defer client.Close()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("open DoPut stream: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"runs", runID},
	})
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("write trajectory record: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("close record writer: %w", err)
	}
	return stream.CloseSend()
}
