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
	"context"

	"github.com/c-bata/goptuna"
	"github.com/juju/errors"
)

// ModelSearch tunes hyperparameters against a held-out test set. The base
// config fixes the dimensions of the data, trials suggest the rest.
type ModelSearch struct {
	base      Config
	trainSet  *Dataset
	testSet   *Dataset
	fitConfig *FitConfig
	result    SearchResult
}

type SearchResult struct {
	Config Config
	Score  Score
}

func NewModelSearch(base Config, trainSet, testSet *Dataset, fitConfig *FitConfig) *ModelSearch {
	return &ModelSearch{
		base:      base,
		trainSet:  trainSet,
		testSet:   testSet,
		fitConfig: fitConfig,
		result:    SearchResult{Score: Score{MSE: float32(1e30)}},
	}
}

func (ms *ModelSearch) Objective(trial goptuna.Trial) (float64, error) {
	embeddingSize, err := trial.SuggestStepInt("EmbeddingSize", 8, 64, 8)
	if err != nil {
		return 0, errors.Trace(err)
	}
	learningRate, err := trial.SuggestLogFloat("LearningRate", 0.0001, 0.1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	reg, err := trial.SuggestLogFloat("Reg", 1e-6, 1e-2)
	if err != nil {
		return 0, errors.Trace(err)
	}
	config := ms.base
	config.EmbeddingSize = embeddingSize
	config.LearningRate = float32(learningRate)
	config.Reg = float32(reg)
	m, err := NewFeatureAggregationSimilarity(config)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := m.Fit(context.Background(), ms.trainSet, ms.fitConfig); err != nil {
		return 0, errors.Trace(err)
	}
	score, err := Evaluate(m, ms.testSet)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if score.BetterThan(ms.result.Score) {
		ms.result = SearchResult{Config: config, Score: score}
	}
	return float64(score.MSE), nil
}

func (ms *ModelSearch) Result() SearchResult {
	return ms.result
}
