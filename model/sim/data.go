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
	"math/rand"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"
)

// Dataset holds aligned columns of training examples. Row i pairs item
// XItemIndices[i] carrying feature bag XItemFeatures[i] with item
// YItemIndices[i] carrying YItemFeatures[i], labelled with similarity
// Scores[i]. Feature bags are fixed width, padded with index 0.
type Dataset struct {
	XItemIndices  []int32
	YItemIndices  []int32
	XItemFeatures [][]int32
	YItemFeatures [][]int32
	Scores        []float32
}

// NewDataset validates column alignment and feature bag width. All columns
// must have the same number of rows and every feature bag in both columns
// must have the same width.
func NewDataset(xIndices, yIndices []int32, xFeatures, yFeatures [][]int32, scores []float32) (*Dataset, error) {
	n := len(scores)
	if len(xIndices) != n || len(yIndices) != n || len(xFeatures) != n || len(yFeatures) != n {
		return nil, errors.Errorf("misaligned columns: %d x indices, %d y indices, %d x features, %d y features, %d scores",
			len(xIndices), len(yIndices), len(xFeatures), len(yFeatures), n)
	}
	if n > 0 {
		width := len(xFeatures[0])
		for i := 0; i < n; i++ {
			if len(xFeatures[i]) != width || len(yFeatures[i]) != width {
				return nil, errors.Errorf("feature bag width mismatch at row %d: expected %d, got (%d, %d)",
					i, width, len(xFeatures[i]), len(yFeatures[i]))
			}
		}
	}
	return &Dataset{
		XItemIndices:  xIndices,
		YItemIndices:  yIndices,
		XItemFeatures: xFeatures,
		YItemFeatures: yFeatures,
		Scores:        scores,
	}, nil
}

// Count returns the number of rows.
func (d *Dataset) Count() int {
	return len(d.Scores)
}

// FeatureSize returns the width of the feature bags.
func (d *Dataset) FeatureSize() int {
	if len(d.XItemFeatures) == 0 {
		return 0
	}
	return len(d.XItemFeatures[0])
}

// Sample returns a dataset of at most size rows drawn without replacement
// in random order. The returned dataset owns copies of the sampled rows,
// so mutating it never touches the receiver.
func (d *Dataset) Sample(size int) *Dataset {
	if size > d.Count() {
		size = d.Count()
	}
	perm := rand.Perm(d.Count())
	sampled := &Dataset{
		XItemIndices:  make([]int32, size),
		YItemIndices:  make([]int32, size),
		XItemFeatures: make([][]int32, size),
		YItemFeatures: make([][]int32, size),
		Scores:        make([]float32, size),
	}
	for i := 0; i < size; i++ {
		row := perm[i]
		sampled.XItemIndices[i] = d.XItemIndices[row]
		sampled.YItemIndices[i] = d.YItemIndices[row]
		sampled.XItemFeatures[i] = append([]int32(nil), d.XItemFeatures[row]...)
		sampled.YItemFeatures[i] = append([]int32(nil), d.YItemFeatures[row]...)
		sampled.Scores[i] = d.Scores[row]
	}
	return sampled
}

// CountItems returns the number of distinct items appearing in either column.
func (d *Dataset) CountItems() int {
	items := mapset.NewSet[int32]()
	for _, index := range d.XItemIndices {
		items.Add(index)
	}
	for _, index := range d.YItemIndices {
		items.Add(index)
	}
	return items.Cardinality()
}

// CountFeatures returns the number of distinct non-padding feature indices
// appearing in either column.
func (d *Dataset) CountFeatures() int {
	features := mapset.NewSet[int32]()
	for _, bags := range [][][]int32{d.XItemFeatures, d.YItemFeatures} {
		for _, bag := range bags {
			for _, index := range bag {
				if index != 0 {
					features.Add(index)
				}
			}
		}
	}
	return features.Cardinality()
}

// split cuts off the leading rows as a validation set. The prefix is
// deterministic so the held-out rows stay the same across epochs.
func (d *Dataset) split(testSize int) (train, test *Dataset) {
	test = &Dataset{
		XItemIndices:  d.XItemIndices[:testSize],
		YItemIndices:  d.YItemIndices[:testSize],
		XItemFeatures: d.XItemFeatures[:testSize],
		YItemFeatures: d.YItemFeatures[:testSize],
		Scores:        d.Scores[:testSize],
	}
	train = &Dataset{
		XItemIndices:  d.XItemIndices[testSize:],
		YItemIndices:  d.YItemIndices[testSize:],
		XItemFeatures: d.XItemFeatures[testSize:],
		YItemFeatures: d.YItemFeatures[testSize:],
		Scores:        d.Scores[testSize:],
	}
	return
}
