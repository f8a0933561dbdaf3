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

// Package floats provides vector arithmetic on float32 slices.
package floats

// Zero clears a vector.
func Zero(a []float32) {
	for i := range a {
		a[i] = 0
	}
}

// Add adds s to dst element-wise.
func Add(dst, s []float32) {
	if len(dst) != len(s) {
		panic("floats: slice lengths do not match")
	}
	for i := range dst {
		dst[i] += s[i]
	}
}

// Sub subtracts s from dst element-wise.
func Sub(dst, s []float32) {
	if len(dst) != len(s) {
		panic("floats: slice lengths do not match")
	}
	for i := range dst {
		dst[i] -= s[i]
	}
}

// Mul multiplies dst by s element-wise.
func Mul(dst, s []float32) {
	if len(dst) != len(s) {
		panic("floats: slice lengths do not match")
	}
	for i := range dst {
		dst[i] *= s[i]
	}
}

// MulConst multiplies dst by a constant.
func MulConst(dst []float32, c float32) {
	for i := range dst {
		dst[i] *= c
	}
}

// MulConstAdd adds a*c to dst element-wise.
func MulConstAdd(a []float32, c float32, dst []float32) {
	if len(dst) != len(a) {
		panic("floats: slice lengths do not match")
	}
	for i := range dst {
		dst[i] += a[i] * c
	}
}

// Dot returns the inner product of two vectors.
func Dot(a, b []float32) (ret float32) {
	if len(a) != len(b) {
		panic("floats: slice lengths do not match")
	}
	for i := range a {
		ret += a[i] * b[i]
	}
	return
}
