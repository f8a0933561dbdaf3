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
	"github.com/itemsim-io/itemsim/common/nn"
	"github.com/juju/errors"
)

// GraphConfig fixes the dimensions of a similarity graph. Feature and item
// tables reserve index 0 as the padding sentinel, so they hold
// MaxFeatureIndex+1 and ItemSize+1 rows respectively.
type GraphConfig struct {
	FeatureSize     int `json:"feature_size"`
	EmbeddingSize   int `json:"embedding_size"`
	ItemSize        int `json:"item_size"`
	MaxFeatureIndex int `json:"max_feature_index"`
}

// Graph scores the similarity of two items from their feature bags. Each
// bag is embedded and masked-averaged into one vector, the vectors are
// compared by cosine similarity, per-item biases are added and the sum is
// clipped to [-1, 1]. Both items share the same feature table.
type Graph struct {
	config        GraphConfig
	embedding     *nn.EmbeddingLayer
	biasEmbedding *nn.EmbeddingLayer
	average       *Average
	clip          *Clip
}

// NewGraph creates a similarity graph with tables initialized from a
// normal distribution.
func NewGraph(config GraphConfig, initStdDev float32) (*Graph, error) {
	if err := validateGraphConfig(config); err != nil {
		return nil, errors.Trace(err)
	}
	g := &Graph{
		config:        config,
		embedding:     nn.NewEmbedding(config.MaxFeatureIndex+1, config.EmbeddingSize, true),
		biasEmbedding: nn.NewEmbedding(config.ItemSize+1, 1, true),
		average:       NewAverage(),
		clip:          NewClip(-1, 1),
	}
	nn.NormalInit(g.embedding.W, 0, initStdDev)
	nn.NormalInit(g.biasEmbedding.W, 0, initStdDev)
	return g, nil
}

func validateGraphConfig(config GraphConfig) error {
	if config.FeatureSize <= 0 {
		return errors.Errorf("feature size must be positive, got %d", config.FeatureSize)
	}
	if config.EmbeddingSize <= 0 {
		return errors.Errorf("embedding size must be positive, got %d", config.EmbeddingSize)
	}
	if config.ItemSize <= 0 {
		return errors.Errorf("item size must be positive, got %d", config.ItemSize)
	}
	if config.MaxFeatureIndex <= 0 {
		return errors.Errorf("max feature index must be positive, got %d", config.MaxFeatureIndex)
	}
	return nil
}

// Forward scores a batch. Indices are (batch, 1) tensors, feature bags are
// (batch, FeatureSize) tensors, the result is (batch, 1).
func (g *Graph) Forward(xIndex, yIndex, xFeature, yFeature *nn.Tensor) *nn.Tensor {
	embeddingX := g.Embed(xFeature)
	embeddingY := g.Embed(yFeature)
	biasX := g.bias(xIndex)
	biasY := g.bias(yIndex)
	innerProd := nn.CosineSimilarity(embeddingX, embeddingY)
	similarity := nn.Add(nn.Add(innerProd, biasX), biasY)
	return g.clip.Forward(similarity)
}

// Embed aggregates a (batch, FeatureSize) bag tensor into (batch,
// EmbeddingSize) item vectors.
func (g *Graph) Embed(feature *nn.Tensor) *nn.Tensor {
	mask := g.embedding.ComputeMask(feature)
	return g.average.Forward(g.embedding.Forward(feature), mask)
}

// bias looks up the per-item bias of a (batch, 1) index tensor. Masked
// averaging turns the (batch, 1, 1) lookup back into (batch, 1) and zeroes
// the bias of the padding item.
func (g *Graph) bias(index *nn.Tensor) *nn.Tensor {
	mask := g.biasEmbedding.ComputeMask(index)
	return g.average.Forward(g.biasEmbedding.Forward(index), mask)
}

// Parameters returns the trainable tensors.
func (g *Graph) Parameters() []*nn.Tensor {
	return []*nn.Tensor{g.embedding.W, g.biasEmbedding.W}
}

// Layers lists the layers of the graph in descriptor order.
func (g *Graph) Layers() []nn.Layer {
	return []nn.Layer{g.embedding, g.biasEmbedding, g.average, g.clip}
}

// graphFromLayers rebuilds a graph around layers reconstructed from a
// structure descriptor. The descriptor order is the order of Layers.
func graphFromLayers(config GraphConfig, layers []nn.Layer) (*Graph, error) {
	if err := validateGraphConfig(config); err != nil {
		return nil, errors.Trace(err)
	}
	if len(layers) != 4 {
		return nil, errors.Errorf("expected 4 layers, got %d", len(layers))
	}
	embedding, ok := layers[0].(*nn.EmbeddingLayer)
	if !ok {
		return nil, errors.Errorf("expected embedding layer, got %q", layers[0].Kind())
	}
	biasEmbedding, ok := layers[1].(*nn.EmbeddingLayer)
	if !ok {
		return nil, errors.Errorf("expected embedding layer, got %q", layers[1].Kind())
	}
	average, ok := layers[2].(*Average)
	if !ok {
		return nil, errors.Errorf("expected masked average layer, got %q", layers[2].Kind())
	}
	clip, ok := layers[3].(*Clip)
	if !ok {
		return nil, errors.Errorf("expected clip layer, got %q", layers[3].Kind())
	}
	if embedding.InputDim != config.MaxFeatureIndex+1 || embedding.OutputDim != config.EmbeddingSize {
		return nil, errors.Errorf("feature table shape (%d, %d) does not match config",
			embedding.InputDim, embedding.OutputDim)
	}
	if biasEmbedding.InputDim != config.ItemSize+1 || biasEmbedding.OutputDim != 1 {
		return nil, errors.Errorf("bias table shape (%d, %d) does not match config",
			biasEmbedding.InputDim, biasEmbedding.OutputDim)
	}
	return &Graph{
		config:        config,
		embedding:     embedding,
		biasEmbedding: biasEmbedding,
		average:       average,
		clip:          clip,
	}, nil
}
