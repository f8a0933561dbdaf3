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

package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteString(buf, "hello"))
	assert.NoError(t, WriteString(buf, ""))
	s, err := ReadString(buf)
	assert.NoError(t, err)
	assert.Equal(t, "hello", s)
	s, err = ReadString(buf)
	assert.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestGob(t *testing.T) {
	type pair struct {
		Name  string
		Value float32
	}
	buf := bytes.NewBuffer(nil)
	assert.NoError(t, WriteGob(buf, pair{Name: "a", Value: 1.5}))
	var p pair
	assert.NoError(t, ReadGob(buf, &p))
	assert.Equal(t, pair{Name: "a", Value: 1.5}, p)
}
