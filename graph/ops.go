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

package graph

import (
	"github.com/gomlx/exceptions"
)

// validateBuildingGraphFromInputs returns the common Graph of the given
// nodes. If the nodes belong to different graphs it sets an error on the
// graph of the first node; with no nodes at all there is no graph to attach
// an error to, and it returns nil.
func validateBuildingGraphFromInputs(inputs ...*Node) *Graph {
	if len(inputs) == 0 {
		return nil
	}
	g := inputs[0].Graph()
	if g == nil {
		return nil
	}
	for _, input := range inputs[1:] {
		if input == nil || input.Graph() != g {
			g.SetErrorf("op combines nodes from different graphs -- all nodes of an op must be created on the same Graph")
			break
		}
	}
	return g
}

// Const returns a node holding the given constant value. Repeated values
// share the same node, see scalarCache.
func Const(g *Graph, value float64) *Node {
	if !g.Ok() {
		return g.InvalidNode()
	}
	return g.getScalarConst(value)
}

// Add returns the sum of the values of all its inputs. It takes one or more
// inputs: with none there is no graph to build the op on, and it returns nil.
func Add(inputs ...*Node) *Node {
	g := validateBuildingGraphFromInputs(inputs...)
	if g == nil {
		return nil
	}
	if !g.Ok() {
		return g.InvalidNode()
	}
	return newNode(g, NodeTypeAdd, inputs)
}

// Mul returns the product of the values of all its inputs. It takes one or
// more inputs: with none there is no graph to build the op on, and it
// returns nil.
func Mul(inputs ...*Node) *Node {
	g := validateBuildingGraphFromInputs(inputs...)
	if g == nil {
		return nil
	}
	if !g.Ok() {
		return g.InvalidNode()
	}
	return newNode(g, NodeTypeMul, inputs)
}

// forwardFn computes the value of a node during the forward pass. values
// holds the already computed values of every earlier node, indexed by NodeId.
type forwardFn func(node *Node, values []float64) float64

// forwardRegistration maps each node type to its implementation of the
// forward pass. Input nodes are not here: their values come from the FeedMap,
// and are handled directly by Graph.RunError.
var forwardRegistration = map[NodeType]forwardFn{
	NodeTypeConst: forwardConst,
	NodeTypeAdd:   forwardAdd,
	NodeTypeMul:   forwardMul,
}

// forwardForNode dispatches to the forward implementation registered for the
// node type. It panics for node types without one.
func forwardForNode(node *Node, values []float64) float64 {
	fn, ok := forwardRegistration[node.Type()]
	if !ok {
		exceptions.Panicf("graph has node %s, for which no forward implementation is registered", node)
	}
	return fn(node, values)
}

func forwardConst(node *Node, _ []float64) float64 {
	return node.constValue
}

func forwardAdd(node *Node, values []float64) float64 {
	sum := 0.0
	for _, input := range node.inputNodes {
		sum += values[input.Id()]
	}
	return sum
}

func forwardMul(node *Node, values []float64) float64 {
	product := 1.0
	for _, input := range node.inputNodes {
		product *= values[input.Id()]
	}
	return product
}
