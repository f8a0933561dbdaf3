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
	"encoding/json"

	"github.com/itemsim-io/itemsim/common/nn"
	"github.com/juju/errors"
)

// Average reduces a stack of embeddings to their mean, weighted by a mask
// so padding slots never contribute. A fully masked row averages to zero.
type Average struct{}

func NewAverage() *Average {
	return &Average{}
}

func (a *Average) Kind() string {
	return "masked_average"
}

func (a *Average) Config() any {
	return nil
}

func (a *Average) Parameters() []*nn.Tensor {
	return nil
}

func (a *Average) Forward(x, mask *nn.Tensor) *nn.Tensor {
	return nn.MaskedMean(x, mask)
}

// Clip bounds its input to [Min, Max].
type Clip struct {
	Min float32
	Max float32
}

type clipConfig struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

func NewClip(min, max float32) *Clip {
	return &Clip{Min: min, Max: max}
}

func (c *Clip) Kind() string {
	return "clip"
}

func (c *Clip) Config() any {
	return clipConfig{Min: c.Min, Max: c.Max}
}

func (c *Clip) Parameters() []*nn.Tensor {
	return nil
}

func (c *Clip) Forward(x *nn.Tensor) *nn.Tensor {
	return nn.Clip(x, c.Min, c.Max)
}

func init() {
	nn.RegisterLayer("masked_average", func(config json.RawMessage) (nn.Layer, error) {
		return NewAverage(), nil
	})
	nn.RegisterLayer("clip", func(config json.RawMessage) (nn.Layer, error) {
		var c clipConfig
		if err := json.Unmarshal(config, &c); err != nil {
			return nil, errors.Trace(err)
		}
		if c.Min > c.Max {
			return nil, errors.Errorf("invalid clip interval [%f, %f]", c.Min, c.Max)
		}
		return NewClip(c.Min, c.Max), nil
	})
}
