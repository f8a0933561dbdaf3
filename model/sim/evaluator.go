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
	"github.com/chewxy/math32"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type Score struct {
	MSE float32
}

func (score Score) ZapFields() []zap.Field {
	return []zap.Field{
		zap.Float32("MSE", score.MSE),
	}
}

func (score Score) GetValue() float32 {
	return score.MSE
}

func (score Score) BetterThan(s Score) bool {
	return score.MSE < s.MSE
}

// Evaluate scores a model against labelled pairs by mean square error.
func Evaluate(m *FeatureAggregationSimilarity, data *Dataset) (Score, error) {
	if data.Count() == 0 {
		return Score{MSE: math32.NaN()}, errors.New("empty dataset")
	}
	similarities, err := m.CalculateSimilarity(
		data.XItemIndices, data.YItemIndices, data.XItemFeatures, data.YItemFeatures, 0)
	if err != nil {
		return Score{}, errors.Trace(err)
	}
	var sum float32
	for i, similarity := range similarities {
		diff := similarity - data.Scores[i]
		sum += diff * diff
	}
	return Score{MSE: sum / float32(len(similarities))}, nil
}
