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
	"encoding/json"

	"github.com/juju/errors"
)

// Layer is a named, serializable unit of a computation graph. The kind
// identifies the layer in a structure descriptor and must be registered
// with RegisterLayer before the descriptor can be reconstructed.
type Layer interface {
	Kind() string
	Config() any
	Parameters() []*Tensor
}

// LayerSpec is one entry of a structure descriptor.
type LayerSpec struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalLayer converts a layer to its descriptor entry.
func MarshalLayer(l Layer) (LayerSpec, error) {
	spec := LayerSpec{Kind: l.Kind()}
	if config := l.Config(); config != nil {
		data, err := json.Marshal(config)
		if err != nil {
			return LayerSpec{}, errors.Trace(err)
		}
		spec.Config = data
	}
	return spec, nil
}

var layerRegistry = make(map[string]func(config json.RawMessage) (Layer, error))

// RegisterLayer registers a constructor for a layer kind. Reconstruction of
// a structure descriptor resolves every layer through this registry.
func RegisterLayer(kind string, ctor func(config json.RawMessage) (Layer, error)) {
	layerRegistry[kind] = ctor
}

// NewLayerFromSpec reconstructs a layer from its descriptor entry. An
// unregistered kind is an error, never a silent fallback.
func NewLayerFromSpec(spec LayerSpec) (Layer, error) {
	ctor, ok := layerRegistry[spec.Kind]
	if !ok {
		return nil, errors.Errorf("unknown layer kind %q", spec.Kind)
	}
	return ctor(spec.Config)
}

type EmbeddingLayer struct {
	W         *Tensor
	InputDim  int
	OutputDim int
	MaskZero  bool
}

type embeddingLayerConfig struct {
	InputDim  int  `json:"input_dim"`
	OutputDim int  `json:"output_dim"`
	MaskZero  bool `json:"mask_zero"`
}

func NewEmbedding(inputDim, outputDim int, maskZero bool) *EmbeddingLayer {
	return &EmbeddingLayer{
		W:         Rand(inputDim, outputDim),
		InputDim:  inputDim,
		OutputDim: outputDim,
		MaskZero:  maskZero,
	}
}

func (e *EmbeddingLayer) Kind() string {
	return "embedding"
}

func (e *EmbeddingLayer) Config() any {
	return embeddingLayerConfig{
		InputDim:  e.InputDim,
		OutputDim: e.OutputDim,
		MaskZero:  e.MaskZero,
	}
}

func (e *EmbeddingLayer) Parameters() []*Tensor {
	return []*Tensor{e.W}
}

func (e *EmbeddingLayer) Forward(x *Tensor) *Tensor {
	return Embedding(e.W, x)
}

// ComputeMask returns a mask tensor parallel to the indices, 1 where the
// slot holds a real index and 0 where it holds the padding sentinel. When
// MaskZero is off every slot is real.
func (e *EmbeddingLayer) ComputeMask(x *Tensor) *Tensor {
	mask := Ones(x.shape...)
	if !e.MaskZero {
		return mask
	}
	for i := range x.data {
		if x.data[i] == 0 {
			mask.data[i] = 0
		}
	}
	return mask
}

func init() {
	RegisterLayer("embedding", func(config json.RawMessage) (Layer, error) {
		var c embeddingLayerConfig
		if err := json.Unmarshal(config, &c); err != nil {
			return nil, errors.Trace(err)
		}
		if c.InputDim <= 0 || c.OutputDim <= 0 {
			return nil, errors.Errorf("invalid embedding dimensions (%d, %d)", c.InputDim, c.OutputDim)
		}
		return NewEmbedding(c.InputDim, c.OutputDim, c.MaskZero), nil
	})
}
