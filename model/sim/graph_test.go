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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraph(t *testing.T) {
	_, err := NewGraph(GraphConfig{FeatureSize: 0, EmbeddingSize: 4, ItemSize: 5, MaxFeatureIndex: 10}, 0.005)
	assert.Error(t, err)
	g, err := NewGraph(GraphConfig{FeatureSize: 3, EmbeddingSize: 4, ItemSize: 5, MaxFeatureIndex: 10}, 0.005)
	require.NoError(t, err)
	// index 0 is reserved for padding in both tables
	assert.Equal(t, []int{11, 4}, g.embedding.W.Shape())
	assert.Equal(t, []int{6, 1}, g.biasEmbedding.W.Shape())
}

func TestGraphSymmetry(t *testing.T) {
	g, err := NewGraph(GraphConfig{FeatureSize: 3, EmbeddingSize: 4, ItemSize: 5, MaxFeatureIndex: 10}, 0.1)
	require.NoError(t, err)
	xIndex := nn.NewTensor([]float32{1}, 1, 1)
	yIndex := nn.NewTensor([]float32{2}, 1, 1)
	xFeature := nn.NewTensor([]float32{3, 7, 0}, 1, 3)
	yFeature := nn.NewTensor([]float32{1, 4, 9}, 1, 3)
	forward := g.Forward(xIndex, yIndex, xFeature, yFeature)
	backward := g.Forward(yIndex, xIndex, yFeature, xFeature)
	assert.InDelta(t, forward.Data()[0], backward.Data()[0], 1e-6)
}

func TestGraphBounds(t *testing.T) {
	g, err := NewGraph(GraphConfig{FeatureSize: 3, EmbeddingSize: 4, ItemSize: 5, MaxFeatureIndex: 10}, 1)
	require.NoError(t, err)
	// with large initial weights the raw sum can leave [-1, 1], the
	// output never does
	for i := 0; i < 10; i++ {
		xIndex := nn.NewTensor([]float32{float32(i%5 + 1)}, 1, 1)
		yIndex := nn.NewTensor([]float32{float32((i+1)%5 + 1)}, 1, 1)
		xFeature := nn.NewTensor([]float32{float32(i%10 + 1), 2, 3}, 1, 3)
		yFeature := nn.NewTensor([]float32{4, 5, float32(i%10 + 1)}, 1, 3)
		similarity := g.Forward(xIndex, yIndex, xFeature, yFeature).Data()[0]
		assert.GreaterOrEqual(t, similarity, float32(-1))
		assert.LessOrEqual(t, similarity, float32(1))
	}
}

func TestGraphEmbed(t *testing.T) {
	g, err := NewGraph(GraphConfig{FeatureSize: 3, EmbeddingSize: 4, ItemSize: 5, MaxFeatureIndex: 10}, 0.1)
	require.NoError(t, err)
	// a bag and the same bag without padding aggregate identically
	padded := g.Embed(nn.NewTensor([]float32{3, 7, 0}, 1, 3))
	table := g.embedding.W.Data()
	for d := 0; d < 4; d++ {
		expected := (table[3*4+d] + table[7*4+d]) / 2
		assert.InDelta(t, expected, padded.Data()[d], 1e-6)
	}

	// an all-padding bag embeds to zeros
	zero := g.Embed(nn.NewTensor([]float32{0, 0, 0}, 1, 3))
	assert.Equal(t, []float32{0, 0, 0, 0}, zero.Data())
}

func TestGraphPaddingItemBias(t *testing.T) {
	g, err := NewGraph(GraphConfig{FeatureSize: 2, EmbeddingSize: 4, ItemSize: 5, MaxFeatureIndex: 10}, 0.1)
	require.NoError(t, err)
	// the bias of the padding item is masked to zero
	bias := g.bias(nn.NewTensor([]float32{0}, 1, 1))
	assert.Equal(t, []float32{0}, bias.Data())
}
