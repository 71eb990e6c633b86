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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	z := g.Input("z")
	sum := Add(x, y, z)
	require.NoError(t, g.Error())

	got := g.Run1(FeedMap{x: 4, y: 5, z: 10}, sum)
	require.Equal(t, 19.0, got)

	// Single input Add is the identity.
	identity := Add(x)
	require.Equal(t, 4.0, g.Run1(FeedMap{x: 4, y: 5, z: 10}, identity))
}

func TestMul(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	z := g.Input("z")
	product := Mul(x, y, z)
	require.NoError(t, g.Error())

	got := g.Run1(FeedMap{x: 4, y: 5, z: 10}, product)
	require.Equal(t, 200.0, got)
}

// TestForwardPass checks that one execution serves multiple outputs, the way
// a forward pass evaluates the whole graph once in topological order.
func TestForwardPass(t *testing.T) {
	g := NewGraph(t.Name())
	x := g.Input("x")
	y := g.Input("y")
	z := g.Input("z")
	sum := Add(x, y, z)
	product := Mul(x, y, z)
	require.NoError(t, g.Error())

	results := g.Run(FeedMap{x: 4, y: 5, z: 10}, sum, product)
	require.Equal(t, []float64{19, 200}, results)

	// Composition: (x+y)*z.
	composed := Mul(Add(x, y), z)
	require.Equal(t, 90.0, g.Run1(FeedMap{x: 4, y: 5, z: 10}, composed))
}

func TestConst(t *testing.T) {
	g := NewGraph(t.Name())
	c := Const(g, 3.5)
	require.Equal(t, NodeTypeConst, c.Type())
	require.Equal(t, 3.5, c.ConstValue())

	// Repeated scalar values share the same node.
	c2 := Const(g, 3.5)
	require.Same(t, c, c2)
	assert.NotSame(t, c, Const(g, -3.5))

	require.Equal(t, 7.0, g.Run1(FeedMap{}, Add(c, c2)))
}

func TestOpsWithoutInputs(t *testing.T) {
	// With no inputs there is no graph to build the op on.
	require.Nil(t, Add())
	require.Nil(t, Mul())
}
