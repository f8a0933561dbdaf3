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

package sim

import (
	"testing"

	"github.com/itemsim-io/itemsim/common/nn"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverage(t *testing.T) {
	average := NewAverage()
	// the average of bags {a, b} is (a+b)/2, padding slots are ignored
	x := nn.NewTensor([]float32{
		1, 2,
		3, 4,
		100, 200,
	}, 1, 3, 2)
	mask := nn.NewTensor([]float32{1, 1, 0}, 1, 3)
	y := average.Forward(x, mask)
	assert.Equal(t, []int{1, 2}, y.Shape())
	assert.Equal(t, []float32{2, 3}, y.Data())

	// an all-padding bag averages to zero
	mask = nn.NewTensor([]float32{0, 0, 0}, 1, 3)
	y = average.Forward(x, mask)
	assert.Equal(t, []float32{0, 0}, y.Data())
}

func TestClip(t *testing.T) {
	clip := NewClip(-1, 1)
	x := nn.NewTensor([]float32{-1.5, -0.25, 0.75, 3}, 4)
	y := clip.Forward(x)
	assert.Equal(t, []float32{-1, -0.25, 0.75, 1}, y.Data())
}

func TestLayerRoundTrip(t *testing.T) {
	for _, layer := range []nn.Layer{NewAverage(), NewClip(-1, 1)} {
		spec, err := nn.MarshalLayer(layer)
		require.NoError(t, err)
		restored, err := nn.NewLayerFromSpec(spec)
		require.NoError(t, err)
		assert.Equal(t, layer.Kind(), restored.Kind())
	}
	clip, err := nn.NewLayerFromSpec(lo.Must(nn.MarshalLayer(NewClip(-0.5, 0.5))))
	require.NoError(t, err)
	assert.Equal(t, float32(-0.5), clip.(*Clip).Min)
	assert.Equal(t, float32(0.5), clip.(*Clip).Max)
}
