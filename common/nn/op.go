// Copyright 2025 itemsim Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nn

import (
	"github.com/chewxy/math32"

	"github.com/itemsim-io/itemsim/common/floats"
)

type op interface {
	String() string
	forward(inputs ...*Tensor) *Tensor
	backward(dy *Tensor) []*Tensor
	inputsAndOutput() ([]*Tensor, *Tensor)
	setInputs(inputs ...*Tensor)
	setOutput(y *Tensor)
}

type base struct {
	inputs []*Tensor
	output *Tensor
}

func (b *base) inputsAndOutput() ([]*Tensor, *Tensor) {
	return b.inputs, b.output
}

func (b *base) setInputs(inputs ...*Tensor) {
	b.inputs = inputs
}

func (b *base) setOutput(y *Tensor) {
	b.output = y
}

func apply[T op](f T, inputs ...*Tensor) *Tensor {
	y := f.forward(inputs...)
	f.setInputs(inputs...)
	f.setOutput(y)
	y.op = f
	return y
}

type add struct {
	base
}

func (a *add) String() string {
	return "Add"
}

func (a *add) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.add(inputs[1])
	return y
}

func (a *add) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(a.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type sub struct {
	base
}

func (s *sub) String() string {
	return "Sub"
}

func (s *sub) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.sub(inputs[1])
	return y
}

func (s *sub) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx1 := Zeros(s.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] -= dy.data[i]
	}
	return []*Tensor{gx0, gx1}
}

type mul struct {
	base
}

func (m *mul) String() string {
	return "Mul"
}

func (m *mul) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.mul(inputs[1])
	return y
}

func (m *mul) backward(dy *Tensor) []*Tensor {
	gx0 := dy.clone()
	gx0.mul(m.inputs[1])
	gx1 := Zeros(m.inputs[1].shape...)
	wSize := 1
	for i := range gx1.shape {
		wSize *= gx1.shape[i]
	}
	for i := range dy.data {
		gx1.data[i%wSize] += dy.data[i] * m.inputs[0].data[i]
	}
	return []*Tensor{gx0, gx1}
}

type square struct {
	base
}

func (s *square) String() string {
	return "Square"
}

func (s *square) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.square()
	return y
}

func (s *square) backward(dy *Tensor) []*Tensor {
	dx := s.inputs[0].clone()
	dx.mul(dy)
	for i := range dx.data {
		dx.data[i] *= 2
	}
	return []*Tensor{dx}
}

type sum struct {
	base
}

func (s *sum) String() string {
	return "Sum"
}

func (s *sum) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	return y
}

func (s *sum) backward(dy *Tensor) []*Tensor {
	dx := Zeros(s.inputs[0].shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[0]
	}
	return []*Tensor{dx}
}

type mean struct {
	base
}

func (m *mean) String() string {
	return "Mean"
}

func (m *mean) forward(inputs ...*Tensor) *Tensor {
	x := inputs[0]
	y := NewScalar(0)
	for i := range x.data {
		y.data[0] += x.data[i]
	}
	y.data[0] /= float32(len(x.data))
	return y
}

func (m *mean) backward(dy *Tensor) []*Tensor {
	dx := Zeros(m.inputs[0].shape...)
	for i := range dx.data {
		dx.data[i] = dy.data[0] / float32(len(dx.data))
	}
	return []*Tensor{dx}
}

type flatten struct {
	base
}

func (f *flatten) String() string {
	return "Flatten"
}

func (f *flatten) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	y.shape = []int{len(y.data)}
	return y
}

func (f *flatten) backward(dy *Tensor) []*Tensor {
	dx := dy.clone()
	dx.shape = f.inputs[0].shape
	return []*Tensor{dx}
}

type embedding struct {
	base
}

func (e *embedding) String() string {
	return "Embedding"
}

func (e *embedding) forward(inputs ...*Tensor) *Tensor {
	w, x := inputs[0], inputs[1]
	rowSize := 1
	for _, s := range w.shape[1:] {
		rowSize *= s
	}
	shape := make([]int, 0, len(x.shape)+len(w.shape)-1)
	shape = append(shape, x.shape...)
	shape = append(shape, w.shape[1:]...)
	data := make([]float32, len(x.data)*rowSize)
	for i := range x.data {
		index := int(x.data[i])
		copy(data[i*rowSize:(i+1)*rowSize], w.data[index*rowSize:(index+1)*rowSize])
	}
	return NewTensor(data, shape...)
}

func (e *embedding) backward(dy *Tensor) []*Tensor {
	w, x := e.inputs[0], e.inputs[1]
	rowSize := 1
	for _, s := range w.shape[1:] {
		rowSize *= s
	}
	dw := Zeros(w.shape...)
	for i := range x.data {
		index := int(x.data[i])
		floats.Add(dw.data[index*rowSize:(index+1)*rowSize], dy.data[i*rowSize:(i+1)*rowSize])
	}
	// indices are not differentiable
	dx := Zeros(x.shape...)
	return []*Tensor{dw, dx}
}

type maskedMean struct {
	base
}

func (m *maskedMean) String() string {
	return "MaskedMean"
}

func (m *maskedMean) forward(inputs ...*Tensor) *Tensor {
	x, mask := inputs[0], inputs[1]
	batchSize, slots := x.shape[0], x.shape[1]
	dim := 1
	for _, s := range x.shape[2:] {
		dim *= s
	}
	shape := make([]int, 0, len(x.shape)-1)
	shape = append(shape, batchSize)
	shape = append(shape, x.shape[2:]...)
	y := Zeros(shape...)
	for b := 0; b < batchSize; b++ {
		var count float32
		for s := 0; s < slots; s++ {
			count += mask.data[b*slots+s]
		}
		// a fully masked row yields zero, never NaN
		if count == 0 {
			continue
		}
		for s := 0; s < slots; s++ {
			weight := mask.data[b*slots+s]
			if weight == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				y.data[b*dim+d] += weight * x.data[(b*slots+s)*dim+d]
			}
		}
		for d := 0; d < dim; d++ {
			y.data[b*dim+d] /= count
		}
	}
	return y
}

func (m *maskedMean) backward(dy *Tensor) []*Tensor {
	x, mask := m.inputs[0], m.inputs[1]
	batchSize, slots := x.shape[0], x.shape[1]
	dim := 1
	for _, s := range x.shape[2:] {
		dim *= s
	}
	dx := Zeros(x.shape...)
	for b := 0; b < batchSize; b++ {
		var count float32
		for s := 0; s < slots; s++ {
			count += mask.data[b*slots+s]
		}
		if count == 0 {
			continue
		}
		for s := 0; s < slots; s++ {
			weight := mask.data[b*slots+s]
			if weight == 0 {
				continue
			}
			for d := 0; d < dim; d++ {
				dx.data[(b*slots+s)*dim+d] = weight / count * dy.data[b*dim+d]
			}
		}
	}
	dMask := Zeros(mask.shape...)
	return []*Tensor{dx, dMask}
}

// normEpsilon guards the L2 norm of cosine similarity against zero vectors.
const normEpsilon = 1e-12

type cosine struct {
	base
}

func (c *cosine) String() string {
	return "Cosine"
}

func (c *cosine) forward(inputs ...*Tensor) *Tensor {
	x, y := inputs[0], inputs[1]
	batchSize, dim := x.shape[0], x.shape[1]
	out := Zeros(batchSize, 1)
	for b := 0; b < batchSize; b++ {
		rowX := x.data[b*dim : (b+1)*dim]
		rowY := y.data[b*dim : (b+1)*dim]
		dot := floats.Dot(rowX, rowY)
		nx := math32.Sqrt(math32.Max(floats.Dot(rowX, rowX), normEpsilon))
		ny := math32.Sqrt(math32.Max(floats.Dot(rowY, rowY), normEpsilon))
		out.data[b] = dot / nx / ny
	}
	return out
}

func (c *cosine) backward(dy *Tensor) []*Tensor {
	x, y := c.inputs[0], c.inputs[1]
	batchSize, dim := x.shape[0], x.shape[1]
	dx := Zeros(x.shape...)
	dyIn := Zeros(y.shape...)
	for b := 0; b < batchSize; b++ {
		xx := floats.Dot(x.data[b*dim:(b+1)*dim], x.data[b*dim:(b+1)*dim])
		yy := floats.Dot(y.data[b*dim:(b+1)*dim], y.data[b*dim:(b+1)*dim])
		nx := math32.Sqrt(math32.Max(xx, normEpsilon))
		ny := math32.Sqrt(math32.Max(yy, normEpsilon))
		cos := c.output.data[b]
		for d := 0; d < dim; d++ {
			dx.data[b*dim+d] = (y.data[b*dim+d]/ny - cos*x.data[b*dim+d]/nx) / nx * dy.data[b]
			dyIn.data[b*dim+d] = (x.data[b*dim+d]/nx - cos*y.data[b*dim+d]/ny) / ny * dy.data[b]
		}
	}
	return []*Tensor{dx, dyIn}
}

type clip struct {
	base
	min, max float32
}

func (c *clip) String() string {
	return "Clip"
}

func (c *clip) forward(inputs ...*Tensor) *Tensor {
	y := inputs[0].clone()
	for i := range y.data {
		y.data[i] = math32.Min(math32.Max(y.data[i], c.min), c.max)
	}
	return y
}

func (c *clip) backward(dy *Tensor) []*Tensor {
	x := c.inputs[0]
	dx := Zeros(x.shape...)
	for i := range dx.data {
		if x.data[i] >= c.min && x.data[i] <= c.max {
			dx.data[i] = dy.data[i]
		}
	}
	return []*Tensor{dx}
}

// Add returns the element-wise sum of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Add(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
	return apply(&add{}, x0, x1)
}

// Sub returns the element-wise difference of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Sub(x0, x1 *Tensor) *Tensor {
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
	return apply(&sub{}, x0, x1)
}

// Mul returns the element-wise product of two tensors. The shape of the second tensor must be a suffix sequence of the shape of the first tensor.
func Mul(x0, x1 *Tensor) *Tensor {
	if len(x0.shape) < len(x1.shape) {
		x0, x1 = x1, x0
	}
	for i := 0; i < len(x1.shape); i++ {
		if x0.shape[len(x0.shape)-len(x1.shape)+i] != x1.shape[i] {
			panic("the shape of the second tensor must be a suffix sequence of the shape of the first tensor")
		}
	}
	return apply(&mul{}, x0, x1)
}

// Square returns the element-wise square of a tensor.
func Square(x *Tensor) *Tensor {
	return apply(&square{}, x)
}

// Sum returns the sum of all elements in a tensor.
func Sum(x *Tensor) *Tensor {
	return apply(&sum{}, x)
}

// Mean returns the mean of all elements in a tensor.
func Mean(x *Tensor) *Tensor {
	return apply(&mean{}, x)
}

// Flatten reshapes a tensor to one dimension.
func Flatten(x *Tensor) *Tensor {
	return apply(&flatten{}, x)
}

// Embedding looks up rows of w by the (integer valued) indices tensor. The
// output shape is the shape of indices followed by the row shape of w.
func Embedding(w, indices *Tensor) *Tensor {
	return apply(&embedding{}, w, indices)
}

// MaskedMean reduces the slot axis of x (batch, slots, dim...) to the
// mask-weighted average (batch, dim...). A row whose mask weights sum to
// zero yields an exact zero vector.
func MaskedMean(x, mask *Tensor) *Tensor {
	if len(x.shape) < 2 || len(mask.shape) != 2 || x.shape[0] != mask.shape[0] || x.shape[1] != mask.shape[1] {
		panic("the mask must match the batch and slot axes of the input")
	}
	return apply(&maskedMean{}, x, mask)
}

// CosineSimilarity returns the row-wise cosine similarity of two
// (batch, dim) tensors as a (batch, 1) tensor. Zero vectors yield zero.
func CosineSimilarity(x, y *Tensor) *Tensor {
	if len(x.shape) != 2 || len(y.shape) != 2 || x.shape[0] != y.shape[0] || x.shape[1] != y.shape[1] {
		panic("cosine similarity requires two tensors of the same (batch, dim) shape")
	}
	return apply(&cosine{}, x, y)
}

// Clip clamps every element of a tensor into [min, max].
func Clip(x *Tensor, min, max float32) *Tensor {
	return apply(&clip{min: min, max: max}, x)
}

// MeanSquareError returns the mean square error between two tensors.
func MeanSquareError(x, y *Tensor) *Tensor {
	return Mean(Square(Sub(x, y)))
}
