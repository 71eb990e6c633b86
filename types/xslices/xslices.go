/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package xslices provides the generic slice and map helpers used throughout
// the library.
package xslices

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Map executes the given function sequentially for every element on in, and
// returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// At returns the element at the given position. Negative positions are taken
// from the end, with At(slice, -1) returning the last element.
func At[T any](slice []T, pos int) T {
	if pos < 0 {
		pos = len(slice) + pos
	}
	return slice[pos]
}

// Last returns the last element of the slice.
func Last[T any](slice []T) T {
	return At(slice, -1)
}

// SortedKeys returns the keys of the map in sorted order.
func SortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// Number is the constraint on the numeric types accepted by the helpers.
type Number interface {
	constraints.Integer | constraints.Float
}

// Iota returns a slice of n incremental values, starting with start.
func Iota[T Number](start T, n int) []T {
	slice := make([]T, n)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return slice
}
