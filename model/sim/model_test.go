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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModel(t *testing.T) *FeatureAggregationSimilarity {
	m, err := NewFeatureAggregationSimilarity(Config{
		EmbeddingSize:   4,
		LearningRate:    0.01,
		FeatureSize:     3,
		ItemSize:        5,
		MaxFeatureIndex: 10,
	})
	require.NoError(t, err)
	return m
}

func TestNewFeatureAggregationSimilarity(t *testing.T) {
	_, err := NewFeatureAggregationSimilarity(Config{
		EmbeddingSize: 4, FeatureSize: 3, ItemSize: 5, MaxFeatureIndex: 10,
	})
	assert.Error(t, err)

	m := newTestModel(t)
	assert.Equal(t, float32(defaultInitStdDev), m.Config().InitStdDev)
	assert.Equal(t, float32(defaultReg), m.Config().Reg)
}

func TestFit(t *testing.T) {
	m := newTestModel(t)
	data := newTestDataset(t, 100, 3, 5, 10)
	err := m.Fit(context.Background(), data, NewFitConfig().
		SetBatchSize(16).
		SetEpochs(3))
	require.NoError(t, err)

	similarities, err := m.CalculateSimilarity(
		data.XItemIndices, data.YItemIndices, data.XItemFeatures, data.YItemFeatures, 0)
	require.NoError(t, err)
	assert.Len(t, similarities, data.Count())
	for _, similarity := range similarities {
		assert.False(t, math32.IsNaN(similarity))
		assert.GreaterOrEqual(t, similarity, float32(-1))
		assert.LessOrEqual(t, similarity, float32(1))
	}

	score, err := Evaluate(m, data)
	require.NoError(t, err)
	assert.False(t, math32.IsNaN(score.MSE))
}

func TestFitValidation(t *testing.T) {
	m := newTestModel(t)
	data := newTestDataset(t, 100, 3, 5, 10)

	// bad fit config
	assert.Error(t, m.Fit(context.Background(), data, NewFitConfig().SetBatchSize(0)))
	assert.Error(t, m.Fit(context.Background(), data, NewFitConfig().SetEpochs(0)))

	// empty dataset
	empty, err := NewDataset(nil, nil, nil, nil, nil)
	require.NoError(t, err)
	assert.Error(t, m.Fit(context.Background(), empty, NewFitConfig()))

	// out-of-range item index
	bad := newTestDataset(t, 10, 3, 5, 10)
	bad.XItemIndices[3] = 6
	assert.Error(t, m.Fit(context.Background(), bad, NewFitConfig()))

	// out-of-range feature index
	bad = newTestDataset(t, 10, 3, 5, 10)
	bad.YItemFeatures[7][1] = 11
	assert.Error(t, m.Fit(context.Background(), bad, NewFitConfig()))
}

func TestCalculateSimilaritySymmetry(t *testing.T) {
	m := newTestModel(t)
	data := newTestDataset(t, 20, 3, 5, 10)
	forward, err := m.CalculateSimilarity(
		data.XItemIndices, data.YItemIndices, data.XItemFeatures, data.YItemFeatures, 0)
	require.NoError(t, err)
	backward, err := m.CalculateSimilarity(
		data.YItemIndices, data.XItemIndices, data.YItemFeatures, data.XItemFeatures, 0)
	require.NoError(t, err)
	for i := range forward {
		assert.InDelta(t, forward[i], backward[i], 1e-6)
	}
}

func TestCalculateEmbeddings(t *testing.T) {
	m := newTestModel(t)
	embeddings, err := m.CalculateEmbeddings([][]int32{{1, 2, 3}, {4, 0, 0}, {0, 0, 0}}, 2)
	require.NoError(t, err)
	assert.Len(t, embeddings, 3)
	for _, embedding := range embeddings {
		assert.Len(t, embedding, 4)
	}
	// an all-padding bag embeds to zeros
	assert.Equal(t, []float32{0, 0, 0, 0}, embeddings[2])

	// feature bag width mismatch
	_, err = m.CalculateEmbeddings([][]int32{{1, 2}}, 0)
	assert.Error(t, err)
	// out-of-range feature index
	_, err = m.CalculateEmbeddings([][]int32{{1, 2, 11}}, 0)
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	m := newTestModel(t)
	data := newTestDataset(t, 100, 3, 5, 10)
	require.NoError(t, m.Fit(context.Background(), data, NewFitConfig().
		SetBatchSize(16).
		SetEpochs(3)))

	buf := bytes.NewBuffer(nil)
	require.NoError(t, MarshalModel(buf, m))
	restored, err := UnmarshalModel(buf)
	require.NoError(t, err)
	assert.Equal(t, m.Config().FeatureSize, restored.Config().FeatureSize)
	assert.Equal(t, m.Config().EmbeddingSize, restored.Config().EmbeddingSize)

	// the restored model scores and embeds exactly like the source model
	expected, err := m.CalculateSimilarity(
		data.XItemIndices, data.YItemIndices, data.XItemFeatures, data.YItemFeatures, 0)
	require.NoError(t, err)
	actual, err := restored.CalculateSimilarity(
		data.XItemIndices, data.YItemIndices, data.XItemFeatures, data.YItemFeatures, 0)
	require.NoError(t, err)
	assert.Equal(t, expected, actual)

	expectedEmbeddings, err := m.CalculateEmbeddings(data.XItemFeatures, 0)
	require.NoError(t, err)
	actualEmbeddings, err := restored.CalculateEmbeddings(data.XItemFeatures, 0)
	require.NoError(t, err)
	assert.Equal(t, expectedEmbeddings, actualEmbeddings)

	// the learning rate is not part of a snapshot
	assert.Zero(t, restored.Config().LearningRate)
	assert.Error(t, restored.Fit(context.Background(), data, NewFitConfig()))
}

func TestImportStateErrors(t *testing.T) {
	m := newTestModel(t)
	state, err := m.ExportState()
	require.NoError(t, err)

	// a state round trip reproduces the graph dimensions
	var restored FeatureAggregationSimilarity
	require.NoError(t, restored.ImportState(state))
	assert.Equal(t, m.Config().EmbeddingSize, restored.Config().EmbeddingSize)

	// an unregistered layer kind is an error, never a silent fallback
	corrupted := state
	corrupted.ModelStructure = strings.Replace(state.ModelStructure, `"clip"`, `"softmax"`, 1)
	assert.ErrorContains(t, (&FeatureAggregationSimilarity{}).ImportState(corrupted), "unknown layer kind")

	// mismatched weights are rejected
	corrupted = state
	corrupted.ModelWeights = state.ModelWeights[:1]
	assert.Error(t, (&FeatureAggregationSimilarity{}).ImportState(corrupted))
}

func TestUnmarshalErrors(t *testing.T) {
	// unknown header
	buf := bytes.NewBuffer(nil)
	require.NoError(t, MarshalModel(buf, newTestModel(t)))
	corrupted := append([]byte{}, buf.Bytes()...)
	corrupted[4] = 'X'
	_, err := UnmarshalModel(bytes.NewReader(corrupted))
	assert.Error(t, err)

	// truncated stream
	_, err = UnmarshalModel(bytes.NewReader(buf.Bytes()[:8]))
	assert.Error(t, err)
}
