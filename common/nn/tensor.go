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
	"fmt"
	"math/rand"
	"strings"

	"github.com/itemsim-io/itemsim/common/floats"
)

type Tensor struct {
	data  []float32
	shape []int
	grad  *Tensor
	op    op
}

func NewTensor(data []float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	if n != len(data) {
		panic(fmt.Sprintf("shape %v does not match data length %d", shape, len(data)))
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func NewScalar(data float32) *Tensor {
	return &Tensor{
		data:  []float32{data},
		shape: []int{},
	}
}

// Rand creates a tensor filled with uniform random values in [0,1).
func Rand(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = rand.Float32()
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Normal creates a tensor filled with normal random values.
func Normal(mean, stdDev float32, shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(rand.NormFloat64())*stdDev + mean
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// NormalInit refills a tensor with normal random values.
func NormalInit(t *Tensor, mean, stdDev float32) {
	for i := range t.data {
		t.data[i] = float32(rand.NormFloat64())*stdDev + mean
	}
}

// Ones creates a tensor filled with ones.
func Ones(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape ...int) *Tensor {
	n := 1
	for _, s := range shape {
		n *= s
	}
	data := make([]float32, n)
	return &Tensor{
		data:  data,
		shape: shape,
	}
}

func (t *Tensor) Shape() []int {
	return t.shape
}

// Data returns the underlying buffer of the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// NoGrad detaches the tensor from the computation graph.
func (t *Tensor) NoGrad() *Tensor {
	if t.op != nil {
		t.op = nil
	}
	return t
}

func (t *Tensor) String() string {
	// Print scalar value
	if len(t.shape) == 0 {
		return fmt.Sprint(t.data[0])
	}

	builder := strings.Builder{}
	builder.WriteString("[")
	if len(t.data) <= 10 {
		for i := 0; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	} else {
		for i := 0; i < 5; i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			builder.WriteString(", ")
		}
		builder.WriteString("..., ")
		for i := len(t.data) - 5; i < len(t.data); i++ {
			builder.WriteString(fmt.Sprint(t.data[i]))
			if i != len(t.data)-1 {
				builder.WriteString(", ")
			}
		}
	}
	builder.WriteString("]")
	return builder.String()
}

// Backward propagates gradients from the tensor to every tensor it was
// computed from. Ops are processed in reverse topological order and
// gradients flowing into the same tensor are accumulated, so a parameter
// feeding several branches of the graph receives the sum over all paths.
func (t *Tensor) Backward() {
	t.grad = Ones(t.shape...)
	var ordered []op
	visited := make(map[op]bool)
	var visit func(o op)
	visit = func(o op) {
		if o == nil || visited[o] {
			return
		}
		visited[o] = true
		inputs, _ := o.inputsAndOutput()
		for _, input := range inputs {
			visit(input.op)
		}
		ordered = append(ordered, o)
	}
	visit(t.op)
	for i := len(ordered) - 1; i >= 0; i-- {
		op := ordered[i]
		inputs, output := op.inputsAndOutput()
		grads := op.backward(output.grad)
		for j := range grads {
			if inputs[j].grad == nil {
				inputs[j].grad = grads[j]
			} else {
				inputs[j].grad.add(grads[j])
			}
		}
	}
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// TensorState is the serializable form of a tensor.
type TensorState struct {
	Shape []int
	Data  []float32
}

// State copies the tensor into its serializable form.
func (t *Tensor) State() TensorState {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return TensorState{Shape: shape, Data: data}
}

// LoadState restores the tensor in place from its serializable form. The
// shape recorded in the state must match the shape of the tensor.
func (t *Tensor) LoadState(state TensorState) error {
	if len(state.Shape) != len(t.shape) {
		return fmt.Errorf("shape mismatch: expected %v, got %v", t.shape, state.Shape)
	}
	for i := range t.shape {
		if t.shape[i] != state.Shape[i] {
			return fmt.Errorf("shape mismatch: expected %v, got %v", t.shape, state.Shape)
		}
	}
	if len(state.Data) != len(t.data) {
		return fmt.Errorf("data length mismatch: expected %d, got %d", len(t.data), len(state.Data))
	}
	copy(t.data, state.Data)
	return nil
}

func (t *Tensor) clone() *Tensor {
	newData := make([]float32, len(t.data))
	copy(newData, t.data)
	return &Tensor{
		data:  newData,
		shape: t.shape,
	}
}

func (t *Tensor) add(other *Tensor) *Tensor {
	if len(t.data) == len(other.data) {
		floats.Add(t.data, other.data)
		return t
	}
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] += other.data[i%wSize]
	}
	return t
}

func (t *Tensor) sub(other *Tensor) *Tensor {
	if len(t.data) == len(other.data) {
		floats.Sub(t.data, other.data)
		return t
	}
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] -= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) mul(other *Tensor) *Tensor {
	if len(t.data) == len(other.data) {
		floats.Mul(t.data, other.data)
		return t
	}
	wSize := 1
	for i := range other.shape {
		wSize *= other.shape[i]
	}
	for i := range t.data {
		t.data[i] *= other.data[i%wSize]
	}
	return t
}

func (t *Tensor) square() *Tensor {
	for i := range t.data {
		t.data[i] = t.data[i] * t.data[i]
	}
	return t
}
