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
	"testing"

	"github.com/stretchr/testify/assert"
)

// fitLine fits w in y = w*x on a fixed sample and returns the fitted w.
func fitLine(optimizerFactory func(params []*Tensor) Optimizer) float32 {
	x := NewTensor([]float32{1, 2, 3, 4}, 4)
	y := NewTensor([]float32{2, 4, 6, 8}, 4)
	w := NewScalar(0)
	optimizer := optimizerFactory([]*Tensor{w})
	for i := 0; i < 500; i++ {
		loss := MeanSquareError(Mul(x, w), y)
		optimizer.ZeroGrad()
		loss.Backward()
		optimizer.Step()
	}
	return w.data[0]
}

func TestSGD(t *testing.T) {
	w := fitLine(func(params []*Tensor) Optimizer {
		return NewSGD(params, 0.01)
	})
	assert.InDelta(t, 2, w, 1e-2)
}

func TestAdam(t *testing.T) {
	w := fitLine(func(params []*Tensor) Optimizer {
		return NewAdam(params, 0.05)
	})
	assert.InDelta(t, 2, w, 1e-2)
}
