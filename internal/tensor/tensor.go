package tensor

import (
	"errors"
	"fmt"
	"math"
)

// ErrShapeMismatch is returned when two tensors that must agree in shape do not.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float32 container. The first axis is the batch
// axis for anything batch-aware (AddNoise sigma broadcast).
type Tensor struct {
	Shape []int
	Data  []float32
}

func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
	}
}

// FromData wraps an existing slice. The slice is not copied.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("%w: invalid dimension %d", ErrShapeMismatch, d)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v wants %d elements, have %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func (t *Tensor) Len() int { return len(t.Data) }

func (t *Tensor) Rank() int { return len(t.Shape) }

// Batch returns the size of the leading axis, or 1 for rank-0.
func (t *Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(out.Data, t.Data)
	return out
}

func (t *Tensor) SameShape(o *Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// CheckSameShape returns ErrShapeMismatch if the shapes disagree.
func CheckSameShape(a, b *Tensor) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float64) {
	for i, v := range t.Data {
		t.Data[i] = float32(float64(v) * s)
	}
}

// Axpy computes dst = a + scale*b elementwise into a fresh tensor.
func Axpy(a *Tensor, scale float64, b *Tensor) (*Tensor, error) {
	if err := CheckSameShape(a, b); err != nil {
		return nil, err
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = float32(float64(a.Data[i]) + scale*float64(b.Data[i]))
	}
	return out, nil
}

// Lerp computes ca*a + cb*b elementwise into a fresh tensor.
func Lerp(ca float64, a *Tensor, cb float64, b *Tensor) (*Tensor, error) {
	if err := CheckSameShape(a, b); err != nil {
		return nil, err
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = float32(ca*float64(a.Data[i]) + cb*float64(b.Data[i]))
	}
	return out, nil
}

// AddScaledBatch computes original + noise*sigma[batch] with one sigma per
// leading-axis element, broadcast across the trailing axes.
func AddScaledBatch(original, noise *Tensor, sigmas []float64) (*Tensor, error) {
	if err := CheckSameShape(original, noise); err != nil {
		return nil, err
	}
	batch := original.Batch()
	if len(sigmas) != batch && len(sigmas) != 1 {
		return nil, fmt.Errorf("%w: %d sigmas for batch %d", ErrShapeMismatch, len(sigmas), batch)
	}
	per := len(original.Data) / batch
	out := New(original.Shape...)
	for b := 0; b < batch; b++ {
		sigma := sigmas[0]
		if len(sigmas) > 1 {
			sigma = sigmas[b]
		}
		off := b * per
		for i := 0; i < per; i++ {
			out.Data[off+i] = float32(float64(original.Data[off+i]) + float64(noise.Data[off+i])*sigma)
		}
	}
	return out, nil
}

// MixBatch computes cOrig[batch]*original + cNoise[batch]*noise with one
// coefficient pair per leading-axis element, broadcast across trailing axes.
func MixBatch(original, noise *Tensor, cOrig, cNoise []float64) (*Tensor, error) {
	if err := CheckSameShape(original, noise); err != nil {
		return nil, err
	}
	if len(cOrig) != len(cNoise) {
		return nil, fmt.Errorf("%w: %d original coefficients vs %d noise coefficients",
			ErrShapeMismatch, len(cOrig), len(cNoise))
	}
	batch := original.Batch()
	if len(cOrig) != batch && len(cOrig) != 1 {
		return nil, fmt.Errorf("%w: %d coefficients for batch %d", ErrShapeMismatch, len(cOrig), batch)
	}
	per := len(original.Data) / batch
	out := New(original.Shape...)
	for b := 0; b < batch; b++ {
		co, cn := cOrig[0], cNoise[0]
		if len(cOrig) > 1 {
			co, cn = cOrig[b], cNoise[b]
		}
		off := b * per
		for i := 0; i < per; i++ {
			out.Data[off+i] = float32(co*float64(original.Data[off+i]) + cn*float64(noise.Data[off+i]))
		}
	}
	return out, nil
}

// Norm returns the Frobenius norm.
func (t *Tensor) Norm() float64 {
	sum := 0.0
	for _, v := range t.Data {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Stats reports min/max/mean plus NaN and Inf counts for audit logging.
func (t *Tensor) Stats() (min, max, mean float64, nans, infs int) {
	if len(t.Data) == 0 {
		return 0, 0, 0, 0, 0
	}
	min = math.Inf(1)
	max = math.Inf(-1)
	sum := 0.0
	valid := 0
	for _, raw := range t.Data {
		v := float64(raw)
		switch {
		case math.IsNaN(v):
			nans++
		case math.IsInf(v, 0):
			infs++
		default:
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
			sum += v
			valid++
		}
	}
	if valid > 0 {
		mean = sum / float64(valid)
	}
	return min, max, mean, nans, infs
}
