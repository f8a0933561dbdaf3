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

	"github.com/c-bata/goptuna"
	"github.com/c-bata/goptuna/tpe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelSearch(t *testing.T) {
	trainSet := newTestDataset(t, 100, 3, 5, 10)
	testSet := newTestDataset(t, 20, 3, 5, 10)
	search := NewModelSearch(Config{
		FeatureSize:     3,
		ItemSize:        5,
		MaxFeatureIndex: 10,
	}, trainSet, testSet, NewFitConfig().
		SetBatchSize(16).
		SetEpochs(2).
		SetVerbose(10))
	study, err := goptuna.CreateStudy("TestModelSearch",
		goptuna.StudyOptionDirection(goptuna.StudyDirectionMinimize),
		goptuna.StudyOptionSampler(tpe.NewSampler()))
	require.NoError(t, err)
	require.NoError(t, study.Optimize(search.Objective, 3))

	best, err := study.GetBestValue()
	require.NoError(t, err)
	result := search.Result()
	assert.InDelta(t, best, float64(result.Score.MSE), 1e-6)
	assert.Greater(t, result.Config.EmbeddingSize, 0)
	assert.Greater(t, result.Config.LearningRate, float32(0))
}
