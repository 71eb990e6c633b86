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

package graph_test

import (
	"testing"

	. "github.com/gomlx/miniflow/graph"
	"github.com/stretchr/testify/require"
)

// runGradientTest builds the gradient of output with respect to the given
// nodes and evaluates output and gradients in a single execution.
func runGradientTest(t *testing.T, g *Graph, feed FeedMap, output *Node, wrt ...*Node) (got float64, gradients []float64) {
	gradients = make([]float64, len(wrt))
	outputs := append([]*Node{output}, Gradient(output, wrt...)...)
	require.NoError(t, g.Error())
	results := g.Run(feed, outputs...)
	got = results[0]
	copy(gradients, results[1:])
	return
}

func TestGradientAdd(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	z := g.Input("z")
	sum := Add(x, y, z)

	got, gradients := runGradientTest(t, g, FeedMap{x: 4, y: 5, z: 10}, sum, x, y, z)
	require.Equal(t, 19.0, got)
	require.Equal(t, []float64{1, 1, 1}, gradients)
}

func TestGradientMul(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	z := g.Input("z")
	product := Mul(x, y, z)

	got, gradients := runGradientTest(t, g, FeedMap{x: 4, y: 5, z: 10}, product, x, y, z)
	require.Equal(t, 200.0, got)
	// d(xyz)/dx = yz, etc.
	require.Equal(t, []float64{50, 40, 20}, gradients)
}

func TestGradientChainRule(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	z := g.Input("z")
	// f = (x+y)*z: df/dx = z, df/dy = z, df/dz = x+y.
	f := Mul(Add(x, y), z)

	got, gradients := runGradientTest(t, g, FeedMap{x: 4, y: 5, z: 10}, f, x, y, z)
	require.Equal(t, 90.0, got)
	require.Equal(t, []float64{10, 10, 9}, gradients)
}

func TestGradientRepeatedInput(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")

	// d(x*x)/dx = 2x.
	square := Mul(x, x)
	_, gradients := runGradientTest(t, g, FeedMap{x: 3}, square, x)
	require.Equal(t, []float64{6}, gradients)

	// d(x+x)/dx = 2.
	double := Add(x, x)
	_, gradients = runGradientTest(t, g, FeedMap{x: 3}, double, x)
	require.Equal(t, []float64{2}, gradients)

	// d(x*x*x)/dx = 3x^2.
	cube := Mul(x, x, x)
	_, gradients = runGradientTest(t, g, FeedMap{x: 3}, cube, x)
	require.Equal(t, []float64{27}, gradients)
}

func TestGradientOfDeepComposition(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	// f = x*y + x: df/dx = y+1, df/dy = x. The x node is consumed by two
	// different ops, so its adjoints must accumulate.
	f := Add(Mul(x, y), x)

	got, gradients := runGradientTest(t, g, FeedMap{x: 4, y: 5}, f, x, y)
	require.Equal(t, 24.0, got)
	require.Equal(t, []float64{6, 4}, gradients)
}

func TestGradientWithConst(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	// f = 3*x + 7: df/dx = 3.
	f := Add(Mul(Const(g, 3), x), Const(g, 7))

	got, gradients := runGradientTest(t, g, FeedMap{x: 2}, f, x)
	require.Equal(t, 13.0, got)
	require.Equal(t, []float64{3}, gradients)
}

func TestGradientUnreachableNodeIsZero(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	f := Mul(x, x)

	// y doesn't affect f, so df/dy = 0.
	got, gradients := runGradientTest(t, g, FeedMap{x: 4, y: 5}, f, x, y)
	require.Equal(t, 16.0, got)
	require.Equal(t, []float64{8, 0}, gradients)
}

func TestGradientOfGradient(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	// f = x*x*x, df/dx = 3x^2, d2f/dx2 = 6x. Gradients are ordinary nodes,
	// so they can be differentiated again.
	f := Mul(x, x, x)
	df := Gradient(f, x)[0]
	d2f := Gradient(df, x)[0]
	require.NoError(t, g.Error())

	results := g.Run(FeedMap{x: 3}, f, df, d2f)
	require.Equal(t, []float64{27, 27, 18}, results)
}

func TestGradientErrors(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	f := Mul(x, x)

	// Differentiating with respect to nothing is a bug in the caller.
	require.Panics(t, func() { Gradient(f) })

	// Gradient on a graph in error is a no-op.
	g.SetErrorf("deliberate test error")
	require.Nil(t, Gradient(f, x))
}
