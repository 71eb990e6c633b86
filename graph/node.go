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
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/miniflow/types/xslices"
	"github.com/pkg/errors"
)

// NodeType identifies the operation performed by a node.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeInput
	NodeTypeConst
	NodeTypeAdd
	NodeTypeMul
)

// String implements the fmt.Stringer interface.
func (t NodeType) String() string {
	switch t {
	case NodeTypeInput:
		return "Input"
	case NodeTypeConst:
		return "Const"
	case NodeTypeAdd:
		return "Add"
	case NodeTypeMul:
		return "Mul"
	}
	return "Invalid"
}

// Node represents the result of an op in a computation Graph. It holds the
// edges to the nodes it consumes (its inputNodes), which together define the
// data dependencies of the graph.
type Node struct {
	graph    *Graph
	id       NodeId // id within graph.
	nodeType NodeType

	// inputNodes are the edges of the computation graph: the nodes whose
	// values this node consumes.
	inputNodes []*Node

	// inputName and inputHandle are set for NodeTypeInput only.
	inputName   string
	inputHandle InputHandle

	// constValue is set for NodeTypeConst only.
	constValue float64

	// logMessage is set if node is marked for logging.
	logMessage string

	trace error // Stack-trace error of where Node was created. Stored if graph.traced is true.
}

// newNode creates a node of the given type and inputs, and registers it in
// the graph. It validates that all inputs belong to the same graph. On error
// it returns an invalid node and sets the error on the graph.
func newNode(g *Graph, nodeType NodeType, inputs []*Node) *Node {
	if !g.Ok() {
		return g.InvalidNode()
	}
	for ii, input := range inputs {
		if input == nil || input.id == InvalidNodeId {
			g.SetErrorf("input %d of %s op is invalid", ii, nodeType)
			return g.InvalidNode()
		}
		if input.graph != g {
			g.SetErrorf("input %d of %s op belongs to a different graph (name=%q) than the one being built (name=%q)",
				ii, nodeType, input.graph.name, g.name)
			return g.InvalidNode()
		}
	}
	node := &Node{
		graph:      g,
		nodeType:   nodeType,
		inputNodes: inputs,
	}
	node.id = g.registerNode(node)
	if node.id == InvalidNodeId {
		return g.InvalidNode()
	}
	if g.traced {
		node.trace = errors.Errorf("stack-trace for node creation")
	}
	return node
}

// Type identifies the operation performed by the node.
func (n *Node) Type() NodeType {
	if n == nil || n.id == InvalidNodeId {
		return NodeTypeInvalid
	}
	return n.nodeType
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id is the unique id of this node within the Graph. Ids follow creation
// order, which is always a valid topological order of the graph.
func (n *Node) Id() NodeId {
	if n == nil {
		return InvalidNodeId
	}
	return n.id
}

// Inputs are the other nodes that are direct inputs to the node, that is,
// the edges of the computation graph arriving at this node.
func (n *Node) Inputs() []*Node { return n.inputNodes }

// InputName returns the name under which this Input node was registered.
// It panics if node is not an Input.
func (n *Node) InputName() string {
	n.AssertValid()
	if n.Type() != NodeTypeInput {
		exceptions.Panicf("trying to get InputName of a non-input node %s", n)
	}
	return n.inputName
}

// GetInputHandle returns the input index in the graph.
// It panics if node is not an Input.
func (n *Node) GetInputHandle() InputHandle {
	n.AssertValid()
	if n.Type() != NodeTypeInput {
		exceptions.Panicf("node %s is not an Input node", n)
	}
	return n.inputHandle
}

// ConstValue returns the constant held by a Const node.
// It panics if node is not a Const.
func (n *Node) ConstValue() float64 {
	n.AssertValid()
	if n.Type() != NodeTypeConst {
		exceptions.Panicf("trying to get ConstValue of a non-const node %s", n)
	}
	return n.constValue
}

// Value returns the value computed for this node by the latest Graph.RunError
// call. It panics if the graph hasn't been executed since the node was
// created.
func (n *Node) Value() float64 {
	n.AssertValid()
	if int(n.id) >= len(n.graph.lastValues) {
		exceptions.Panicf("node %s has no value: Graph.Run the graph first", n)
	}
	return n.graph.lastValues[n.id]
}

// AssertValid panics if n is nil or invalid, or if its graph is in error.
func (n *Node) AssertValid() {
	if n == nil {
		exceptions.Panicf("Node is nil")
	}
	if n.id == InvalidNodeId {
		exceptions.Panicf("Node in an invalid state")
	}
	n.graph.MustOk()
}

// SetLogged indicates that the node value should be logged (with the given
// message) whenever the graph is executed.
func (n *Node) SetLogged(message string) {
	n.logMessage = message
}

// IsLogged returns whether node is marked to be logged.
func (n *Node) IsLogged() bool {
	return n.logMessage != ""
}

// LogMessage associated with node, if any.
func (n *Node) LogMessage() string {
	return n.logMessage
}

// Trace returns stack-trace in form of an error, of when the node was
// created. Only available if enabled by Graph.SetTraced(true).
func (n *Node) Trace() error {
	return n.trace
}

// String implements the fmt.Stringer interface.
// Logged nodes are marked with [Logged].
func (n *Node) String() (str string) {
	if n == nil {
		return "Node(nil)"
	}
	if n.graph == nil || n.id == InvalidNodeId {
		return "Node(invalid)"
	}
	switch n.nodeType {
	case NodeTypeInput:
		str = fmt.Sprintf("Input(%q)", n.inputName)
	case NodeTypeConst:
		str = fmt.Sprintf("Const(%g)", n.constValue)
	default:
		ids := xslices.Map(n.inputNodes, func(input *Node) string {
			return fmt.Sprintf("#%d", input.Id())
		})
		str = fmt.Sprintf("%s(%s)", n.nodeType, strings.Join(ids, ", "))
	}
	if n.logMessage != "" {
		str += " [Logged]"
	}
	return
}
