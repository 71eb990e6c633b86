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

// Package graph implements a small differentiable computation graph: a
// directed acyclic graph whose nodes are differentiable functions and whose
// edges are data dependencies. It supports forward evaluation of scalar
// values and reverse-mode automatic differentiation (backpropagation).
//
// The main elements in the package are:
//
//   - Graph: holds the nodes of a computation and the dependencies among
//     them. One builds a Graph by putting together nodes or "ops" defining
//     the operations, then executes it with Graph.Run (or Graph.RunError),
//     feeding values for the Input nodes.
//
//   - Node: represents the result of an operation ("op" for short): Input,
//     Const, Add or Mul. Nodes are created in dependency order, so the node
//     ids are always a valid topological order of the graph -- this is what
//     both the forward pass and the backward pass iterate over.
//
//   - Gradient: creates new nodes that compute the derivative of a scalar
//     output with respect to any other nodes of the graph, by propagating
//     adjoints in reverse topological order (the chain rule). The gradients
//     are ordinary nodes, evaluated with the same Graph.Run call as
//     everything else.
//
// # Deferred error handling
//
// Graph (and its Node) methods don't return errors, they store them -- or
// rather store the first error that happened during the building of a Graph.
// This way the user doesn't need to check for errors at every op, which
// severely impacts readability. Instead, one can check with Graph.Error()
// at the very end of building a Graph. Since the stack trace is preserved,
// it's easy to trace where and what caused the error. After an error is set,
// all further graph building operations become no-ops.
package graph

import (
	"fmt"
	"strings"

	"github.com/gomlx/miniflow/types/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Graph with the operations and dependencies needed to run a computation.
//
// It uses a deferred error reporting model, where if any error happens during
// the building of a graph the first error is stored, and all further
// operations become no-ops. At the very end one can check with Graph.Error()
// if any error occurred: it includes a stack trace. See discussion on package
// documentation.
type Graph struct {
	error error

	name  string
	nodes []*Node

	inputs            []*Node
	inputNameToHandle map[string]InputHandle

	traced bool

	scalars scalarCache

	// lastValues hold the values computed by the latest call to RunError,
	// indexed by NodeId. Nil before the first execution.
	lastValues []float64
}

// NodeId is a unique Node id within a Graph. Since ops can only refer to
// previously created nodes, ids are always a valid topological order of the
// graph.
type NodeId int

// InvalidNodeId indicates a node that failed to be created.
const InvalidNodeId = NodeId(-1)

// InputHandle is the index of an Input node among the graph inputs, in order
// of creation.
type InputHandle int

// InvalidInputHandle represents an invalid (or non-existent) input.
const InvalidInputHandle = InputHandle(-1)

// FeedMap maps Input nodes to the values fed to them on a graph execution.
// See Graph.RunError.
type FeedMap map[*Node]float64

// NewGraph creates an empty computation Graph with the given name, to which
// nodes can be added with the various ops (Graph.Input, Const, Add, Mul).
func NewGraph(name string) *Graph {
	return &Graph{
		name:              name,
		inputNameToHandle: make(map[string]InputHandle),
		scalars:           make(scalarCache),
	}
}

// Name of the computation this Graph defines, set during its construction.
func (g *Graph) Name() string { return g.name }

// Error returns the first error that happened during the building of the
// Graph. It's just a convenience method to report errors, so they can be
// handled at the end of graph building (as opposed to at every step). See
// also Ok, which reports whether there were any errors.
// Node creation methods (all the ops) become no-op if the graph has an error.
func (g *Graph) Error() error {
	if g == nil {
		return errors.Errorf("the Graph is nil")
	}
	return g.error
}

// Ok returns whether there were no errors during the computation Graph
// building so far.
func (g *Graph) Ok() bool { return g != nil && g.error == nil }

// MustOk panics if graph is not ok, printing the stack of where the error
// happened. Otherwise, it's a no-op.
func (g *Graph) MustOk() {
	if !g.Ok() {
		panic(fmt.Sprintf("Graph %q failed: %+v", g.name, g.Error()))
	}
}

// SetError for the Graph. After an error is set, most operations become
// no-ops. Only the first error is kept.
func (g *Graph) SetError(err error) {
	if !g.Ok() {
		return
	}
	g.error = err
}

// SetErrorf is similar to SetError, but allows formatting in place. It also
// automatically adds a stack trace.
func (g *Graph) SetErrorf(format string, args ...any) {
	if !g.Ok() {
		return
	}
	g.SetError(errors.WithStack(fmt.Errorf(format, args...)))
}

// ResetError clears the Graph error state. This will not fix any underlying
// causes of the error, and may leave the Graph in an unstable, undefined
// state. Used only for convenience in testing, when graph errors are
// deliberately being created, and we want to reset them (as opposed to
// creating a new Graph).
func (g *Graph) ResetError() {
	g.error = nil
}

// SetTraced defines whether each node creation is traced. If true, every node
// will save a stack-trace of where it was created, which is helpful for
// debugging. See Node.Trace().
func (g *Graph) SetTraced(traced bool) {
	g.traced = traced
}

// NumNodes returns the number of nodes created so far in the graph.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// registerNode in the graph, returning a new unique id within the Graph.
func (g *Graph) registerNode(node *Node) (id NodeId) {
	if !g.Ok() {
		return InvalidNodeId
	}
	id = NodeId(len(g.nodes))
	g.nodes = append(g.nodes, node)
	return
}

// NodeById returns the node with the given id, or an invalid node (setting
// the graph error) if no such node exists.
func (g *Graph) NodeById(id NodeId) *Node {
	if id == InvalidNodeId {
		return g.InvalidNode()
	}
	if int(id) >= len(g.nodes) {
		g.SetErrorf("invalid request Graph.NodeById(id=%d): there are only %d nodes", id, len(g.nodes))
		return g.InvalidNode()
	}
	return g.nodes[id]
}

// NumInputs returns the number of Input nodes created for this graph.
func (g *Graph) NumInputs() int {
	return len(g.inputs)
}

// InputByIndex returns the ii-th input, in order of creation, registered for
// this graph.
func (g *Graph) InputByIndex(ii int) *Node {
	return g.inputs[ii]
}

// InputByName returns the Input node registered with the given name. Returns
// nil if no input with the given name has been registered (see Graph.Input).
func (g *Graph) InputByName(name string) (node *Node) {
	if !g.Ok() {
		return
	}
	if name == "" {
		return
	}
	handle, ok := g.inputNameToHandle[name]
	if !ok {
		return
	}
	return g.inputs[handle]
}

// Input registers a named input for the computation Graph (e.g: a feature
// fed to the computation). It can be used in two different ways: as a Node
// when building the Graph, so when defining a function of the input, or as
// the key of the FeedMap when executing the graph (see Graph.RunError).
//
// Requesting an already registered name returns the previously created node.
func (g *Graph) Input(name string) (node *Node) {
	if !g.Ok() {
		return g.InvalidNode()
	}

	handle := InputHandle(len(g.inputs))
	if name == "" {
		// Generated names skip over names already taken, so an explicitly
		// named "input#N" never aliases a later anonymous input.
		for ii := int(handle); ; ii++ {
			name = fmt.Sprintf("input#%d", ii)
			if _, taken := g.inputNameToHandle[name]; !taken {
				break
			}
		}
	}

	// Check whether the input already exists, and return it instead if yes.
	if prevHandle, ok := g.inputNameToHandle[name]; ok {
		return g.inputs[prevHandle]
	}

	node = newNode(g, NodeTypeInput, nil)
	if !g.Ok() {
		return g.InvalidNode()
	}
	node.inputName = name
	node.inputHandle = handle
	g.inputs = append(g.inputs, node)
	g.inputNameToHandle[name] = handle
	return
}

// selectOutputNodes either takes the last node (if no output was given) or
// validates the ones given.
func (g *Graph) selectOutputNodes(outputs []*Node) []*Node {
	if !g.Ok() {
		return nil
	}
	if len(g.nodes) == 0 {
		g.SetErrorf("cannot run empty graph %q, it has no nodes", g.name)
		return nil
	}
	for ii, n := range outputs {
		if n == nil {
			g.SetErrorf("output node %d is nil when running graph %q", ii, g.name)
			return nil
		}
		if n.Graph() != g {
			g.SetErrorf("output node %d is part of a different graph (name=%q) than the one being run (name=%q)",
				ii, n.graph.name, g.name)
			return nil
		}
	}
	if len(outputs) == 0 {
		return []*Node{xslices.Last(g.nodes)}
	}
	return outputs
}

// validateFeed checks that the feed provides a value for every Input node of
// the graph, and nothing else.
func (g *Graph) validateFeed(feed FeedMap) error {
	fed := make(map[string]bool, len(feed))
	for node := range feed {
		if node == nil || node.Graph() != g {
			return errors.Errorf("feed for graph %q contains a node from a different graph", g.name)
		}
		if node.Type() != NodeTypeInput {
			return errors.Errorf("feed for graph %q contains non-input node %s: only Input nodes can be fed", g.name, node)
		}
		fed[node.InputName()] = true
	}
	if len(feed) == g.NumInputs() {
		return nil
	}
	missing := make(map[string]bool, g.NumInputs())
	for _, input := range g.inputs {
		if !fed[input.InputName()] {
			missing[input.InputName()] = true
		}
	}
	return errors.Errorf("graph %q takes %d inputs, %d given to RunError() -- missing values for inputs %v",
		g.name, g.NumInputs(), len(feed), xslices.SortedKeys(missing))
}

// RunError executes a forward pass over the graph with the given feed of
// Input values, and returns the value computed for each of the requested
// output nodes. If no output node is given, it assumes it's the last node
// created in the graph.
//
// Every node of the graph is evaluated exactly once, in topological
// (creation) order, so multiple outputs share the common sub-expressions.
// The feed must provide a value for every Input node of the graph.
func (g *Graph) RunError(feed FeedMap, outputs ...*Node) ([]float64, error) {
	if !g.Ok() {
		return nil, errors.WithMessage(g.Error(), "graph in error, cannot be executed")
	}
	outputNodes := g.selectOutputNodes(outputs)
	if !g.Ok() {
		return nil, g.Error()
	}
	if err := g.validateFeed(feed); err != nil {
		return nil, err
	}

	// Forward pass: nodes are stored in topological order, so by the time a
	// node is reached all its inputs have already been computed.
	values := make([]float64, len(g.nodes))
	for id, node := range g.nodes {
		if node.Type() == NodeTypeInput {
			values[id] = feed[node]
		} else {
			values[id] = forwardForNode(node, values)
		}
		if klog.V(1).Enabled() {
			klog.Infof("forward #%d: %s = %g", id, node, values[id])
		}
		if node.IsLogged() {
			klog.Infof("%s: %s = %g", node.LogMessage(), node, values[id])
		}
	}
	g.lastValues = values

	results := xslices.Map(outputNodes, func(node *Node) float64 {
		return values[node.Id()]
	})
	return results, nil
}

// Run is an alias to RunError that panics in case of error.
func (g *Graph) Run(feed FeedMap, outputs ...*Node) []float64 {
	results, err := g.RunError(feed, outputs...)
	if err != nil {
		fmt.Printf("%s\n", g)
		panic(fmt.Sprintf("Failed to run graph %q: %+v", g.name, err))
	}
	return results
}

// Run1 is a shortcut for Run when one cares about only one output node.
func (g *Graph) Run1(feed FeedMap, output *Node) float64 {
	return g.Run(feed, output)[0]
}

// String converts the Graph to a multi-line string, one line per node.
func (g *Graph) String() string {
	if !g.Ok() {
		return fmt.Sprintf("Computation Graph: #ERROR: %v", g.error)
	}
	parts := []string{fmt.Sprintf("Graph %q: %d nodes, %d inputs", g.name, len(g.nodes), g.NumInputs())}
	parts = append(parts, xslices.Map(g.nodes, func(node *Node) string {
		return fmt.Sprintf("#%d\t%s", node.Id(), node)
	})...)
	return strings.Join(parts, "\n")
}

// InvalidNode returns an empty node. This is usually what is returned by
// operations when the graph is in error.
func (g *Graph) InvalidNode() *Node {
	if g == nil {
		return nil
	}
	return &Node{graph: g, id: InvalidNodeId}
}

// LoggedNodes returns all nodes from the graph marked to be logged.
// Graph.RunError makes use of this information and logs those values when
// executing the graph.
func (g *Graph) LoggedNodes() (nodes []*Node) {
	for _, node := range g.nodes {
		if node.IsLogged() {
			nodes = append(nodes, node)
		}
	}
	return
}

// scalarCache provides a cache of a scalar value to its pre-created *Node.
// It helps avoid creating duplicate nodes for common values -- the gradient
// seed of 1 in particular is requested over and over.
type scalarCache map[float64]*Node

// getScalarConst either creates a scalar constant or returns a previously
// created one from the cache. It shouldn't be called directly by users,
// rather Const uses it.
func (g *Graph) getScalarConst(value float64) (output *Node) {
	output, found := g.scalars[value]
	if found {
		return
	}
	output = newNode(g, NodeTypeConst, nil)
	output.constValue = value
	g.scalars[value] = output
	return
}
