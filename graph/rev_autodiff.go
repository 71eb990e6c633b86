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
	. "github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// This file implements reverse-mode automatic differentiation, using VJPs
// (Vector Jacobian Products). There are many sources discussing the topic,
// some below:
//
// Jax Autodiff Cookbook: https://jax.readthedocs.io/en/latest/notebooks/autodiff_cookbook.html
// What is Automatic Differentiation ? (YouTube video), https://www.youtube.com/watch?v=wG_nF1awSSY&t=864s
//
// Overall in this file we assume the following conventions:
//
// * root node: the output of the graph being differentiated. The objective is
//      to generate the gradient of this value with respect to a list of
//      selected gradient nodes (typically the graph inputs).
// * selected gradient nodes: the nodes with respect to which we want to
//      calculate the gradient of the root.
// * VJP / Adjoint: the accumulated reverse gradient of the root node with
//      respect to the current node being processed. The final gradients are
//      the adjoints of the selected gradient nodes. They are generated in
//      reverse topological order, from the root back to the graph inputs.
// * "new nodes": nodes created on the fly to calculate the adjoints. They are
//      not included in the reverse graph.

// reverseGraph stores the dependency information of the Graph in reverse
// order (consumer links), needed to back-propagate the adjoints.
type reverseGraph struct {
	Graph *Graph
	Root  *Node

	ReverseNodes []*reverseNode
	NumConsumers []int
}

type reverseNode struct {
	Node *Node

	// Consumers is the list of nodes that utilize the output of this node,
	// that is, the nodes whose inputs include this node.
	Consumers []*reverseNode

	// Selected indicates whether this is one of the nodes for which we want
	// the gradient.
	Selected bool

	// Included is true for nodes on which the root node depends. Nodes not
	// included are irrelevant for the root.
	Included bool

	// Useful is true when this node is in the path from the root to one of
	// the nodes we are calculating the gradient with respect to. For nodes
	// not marked as useful we don't need to generate adjoints.
	Useful bool

	// AccumulatedVJP is the gradient of the root node with respect to the
	// output of this node. In the end it is the sum of the VJPs
	// back-propagated by all its consumers. Once all of them are included,
	// this node is ready to push its VJP to its inputs.
	AccumulatedVJP *Node
}

// Gradient creates new nodes for the gradient of the output with respect to
// each node in gradientNodes, applying the chain rule in reverse topological
// order. The returned nodes are part of the same graph, and are evaluated
// with a normal Graph.Run call.
//
// Nodes with no path to the output get a constant zero gradient.
func Gradient(output *Node, gradientNodes ...*Node) []*Node {
	allNodes := make([]*Node, 0, len(gradientNodes)+1)
	allNodes = append(allNodes, output)
	allNodes = append(allNodes, gradientNodes...)
	g := validateBuildingGraphFromInputs(allNodes...)
	if g == nil || !g.Ok() {
		return nil
	}
	if len(gradientNodes) == 0 {
		Panicf("Gradient requires at least one node to differentiate %s with respect to", output)
	}

	rg := newReverseGraph(g, output, gradientNodes)
	rOutput := rg.ReverseNodes[output.Id()]
	// Gradient of the output with respect to itself is 1, the seed from
	// which all adjoints derive.
	rOutput.AccumulatedVJP = Const(g, 1)

	// Whether we need the gradient for the node.
	needGradientForNode := func(node *Node) bool {
		rNode := rg.ReverseNodes[node.Id()]
		return rNode.Included && rNode.Useful
	}

	// Loop from the output node backwards, back-propagating the adjoints.
	// Notice that the nodes are ordered according to the DAG, meaning that by
	// the time g.nodes[nodeIdx] is reached, all nodes consuming its output
	// will already have been accounted for, and their VJPs summed up.
	for nodeIdx := output.Id(); nodeIdx >= 0; nodeIdx-- {
		node := g.nodes[nodeIdx]
		rNode := rg.ReverseNodes[nodeIdx]

		// No need to propagate the VJP if either the node is not of interest
		// or none of its inputs is.
		if !needGradientForNode(node) {
			continue
		}
		needInputs := false
		for _, input := range node.Inputs() {
			if needGradientForNode(input) {
				needInputs = true
				break
			}
		}
		if !needInputs {
			continue
		}

		// If no adjoint arrived at rNode there is nothing to propagate: the
		// node doesn't affect the output.
		if rNode.AccumulatedVJP == nil {
			continue
		}

		// Find the vjpFn that back-propagates through this node type.
		vjpFn, ok := VJPRegistration[node.Type()]
		if !ok {
			Panicf("graph has node %s, for which no gradient is defined yet, cannot generate graph gradient", node)
		}
		if klog.V(2).Enabled() {
			klog.Infof("backprop #%d: %s", nodeIdx, node)
		}
		inputsVJPs := vjpFn(node, rNode.AccumulatedVJP)
		if len(inputsVJPs) != len(node.Inputs()) {
			Panicf("VJP(%s) returned %d gradients, but the node has %d inputs, implementation of auto-differentiation for node failed",
				node, len(inputsVJPs), len(node.Inputs()))
		}
		for ii, input := range node.Inputs() {
			vjp := inputsVJPs[ii]
			if vjp == nil {
				// Skip this vjp, input is assumed to be static.
				continue
			}
			rInput := rg.ReverseNodes[input.Id()]
			if rInput.AccumulatedVJP == nil {
				rInput.AccumulatedVJP = vjp
			} else {
				// The same node consumed more than once: adjoints add up.
				rInput.AccumulatedVJP = Add(rInput.AccumulatedVJP, vjp)
			}
		}
	}

	gradients := make([]*Node, len(gradientNodes))
	for ii, node := range gradientNodes {
		rNode := rg.ReverseNodes[node.Id()]
		if rNode.AccumulatedVJP == nil {
			// There is no path from the output to the gradient node, so the
			// gradient is zero.
			gradients[ii] = Const(g, 0)
		} else {
			gradients[ii] = rNode.AccumulatedVJP
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("Gradient of %s with respect to %d nodes: graph %q grew to %d nodes",
			output, len(gradientNodes), g.Name(), g.NumNodes())
	}
	return gradients
}

func newReverseGraph(g *Graph, root *Node, gradientNodes []*Node) *reverseGraph {
	numNodes := len(g.nodes)
	rg := &reverseGraph{
		Graph:        g,
		Root:         root,
		ReverseNodes: make([]*reverseNode, numNodes),
		NumConsumers: make([]int, numNodes),
	}

	// Stitch reverse "consumer" links to graph.
	for ii, node := range g.nodes[:numNodes] {
		rg.ReverseNodes[ii] = &reverseNode{Node: node}
		for _, input := range node.inputNodes {
			rg.NumConsumers[input.Id()]++
		}
	}
	for ii, node := range g.nodes[:numNodes] {
		rNode := rg.ReverseNodes[ii]
		rNode.Consumers = make([]*reverseNode, 0, rg.NumConsumers[ii])
		for _, input := range node.inputNodes {
			rInput := rg.ReverseNodes[input.Id()]
			rInput.Consumers = append(rInput.Consumers, rNode)
		}
	}

	// Mark nodes with a path from root as Included.
	recursivePathFromRoot(rg, root)

	// Mark gradient nodes as selected, and recursively mark all the nodes in
	// a path from root to the selected gradient nodes as Useful.
	for _, selected := range gradientNodes {
		rNode := rg.ReverseNodes[selected.Id()]
		rNode.Selected = true
		recursiveMarkAsUseful(rg, rNode)
	}

	return rg
}

// recursivePathFromRoot marks the node and its inputs recursively as Included.
func recursivePathFromRoot(rg *reverseGraph, node *Node) {
	rNode := rg.ReverseNodes[node.Id()]
	if rNode.Included {
		// Already visited.
		return
	}
	rNode.Included = true
	for _, input := range node.inputNodes {
		recursivePathFromRoot(rg, input)
	}
}

func recursiveMarkAsUseful(rg *reverseGraph, rNode *reverseNode) {
	if !rNode.Included || rNode.Useful {
		// Not relevant or already marked as useful.
		return
	}
	rNode.Useful = true
	for _, consumer := range rNode.Consumers {
		recursiveMarkAsUseful(rg, consumer)
	}
}

// VJP returns the gradients of the root with respect to each of the inputs of
// node (given by node.Inputs()), for an adjoint v arriving at the node: the
// chain-rule step for one node. A nil entry means no gradient flows to the
// corresponding input.
type VJP func(node, v *Node) []*Node

// VJPRegistration maps each node type to its implementation of VJP. If
// implementing a new op, or for experimentation, one can dynamically change
// this.
var VJPRegistration = map[NodeType]VJP{
	NodeTypeInput: nilVJP,
	NodeTypeConst: nilVJP,
	NodeTypeAdd:   addVJP,
	NodeTypeMul:   mulVJP,
}

// nilVJP returns no gradient, for leaf nodes without any inputs.
func nilVJP(_, _ *Node) []*Node {
	return nil
}

// addVJP: F(x_1,...,x_n) = x_1+...+x_n -> v*dF/dx_i = v for every input.
func addVJP(node, v *Node) []*Node {
	inputsVJPs := make([]*Node, len(node.inputNodes))
	for ii := range node.inputNodes {
		inputsVJPs[ii] = v
	}
	return inputsVJPs
}

// mulVJP: F(x_1,...,x_n) = x_1*...*x_n -> v*dF/dx_i = v * prod of the other
// inputs. A node consumed more than once gets one contribution per edge, and
// the main Gradient loop adds them up (so d(x*x)/dx = 2x).
func mulVJP(node, v *Node) []*Node {
	inputsVJPs := make([]*Node, len(node.inputNodes))
	for ii := range node.inputNodes {
		factors := make([]*Node, 0, len(node.inputNodes))
		factors = append(factors, v)
		for jj, input := range node.inputNodes {
			if jj == ii {
				continue
			}
			factors = append(factors, input)
		}
		if len(factors) == 1 {
			inputsVJPs[ii] = v
		} else {
			inputsVJPs[ii] = Mul(factors...)
		}
	}
	return inputsVJPs
}
