/*
 *	Copyright 2025 Jan Pfeifer
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

// Package pc implements the building blocks of predictive-coding networks on top of
// GoMLX: stateful nodes (activities and weights), energy functions, parameter masks
// and weight serialization.
//
// A predictive-coding network holds one activity Node per layer, updated by an
// iterative inference loop, and weight Nodes updated by a learning phase. Both kinds
// of state are context.Variable's, registered in an explicit ordered registry (the
// Model), so that masks and optimizers can address subsets of parameters by role,
// status or name without any reflection.
//
// See the trainer package for the iterative solver that drives inference and
// learning, and the optim package for masked optimizers.
package pc

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Role of a Node, fixed at construction.
type Role int

const (
	// RoleActivity marks per-sample inference state, relaxed by the inference phase.
	RoleActivity Role = iota

	// RoleWeight marks learned parameters, updated by the learning phase.
	RoleWeight
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleActivity:
		return "activity"
	case RoleWeight:
		return "weight"
	}
	return "invalid_role"
}

// Status of a Node. Unlike Role it can be toggled between phases.
type Status int

const (
	// StatusTrainable nodes are candidates for gradient updates.
	StatusTrainable Status = iota

	// StatusFrozen nodes hold their value: they still contribute energy (the
	// clamped output node is the canonical case) but receive no updates.
	StatusFrozen

	// StatusCache nodes don't hold state at all: they pass through the upstream
	// prediction and contribute no energy. Only activity nodes can be caches.
	StatusCache
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusTrainable:
		return "trainable"
	case StatusFrozen:
		return "frozen"
	case StatusCache:
		return "cache"
	}
	return "invalid_status"
}

// Node is one leaf of predictive-coding state: either a layer activity or a weight
// tensor, backed by a context.Variable. Nodes are created by the Model and addressed
// through masks (see NewMask).
type Node struct {
	name     string
	role     Role
	status   Status
	variable *context.Variable
	energyFn EnergyFn

	// Prediction ("u") computed by the upstream layer, cached per graph so the
	// energy and the activity initialization reuse the same sub-expression.
	preds map[graph.GraphId]*graph.Node
}

func newNode(name string, role Role, status Status, v *context.Variable, energyFn EnergyFn) *Node {
	return &Node{
		name:     name,
		role:     role,
		status:   status,
		variable: v,
		energyFn: energyFn,
		preds:    make(map[graph.GraphId]*graph.Node),
	}
}

// Name of the node, unique within its Model.
func (n *Node) Name() string { return n.name }

// Role of the node. Fixed at construction.
func (n *Node) Role() Role { return n.role }

// Status of the node.
func (n *Node) Status() Status { return n.status }

// Variable backing the node state.
func (n *Node) Variable() *context.Variable { return n.variable }

// SetStatus toggles the node status. StatusCache is only meaningful for activity
// nodes, setting it on a weight node panics.
func (n *Node) SetStatus(status Status) *Node {
	if status == StatusCache && n.role != RoleActivity {
		Panicf("node %q has role %s, only activity nodes can have status %s", n.name, n.role, StatusCache)
	}
	n.status = status
	return n
}

// Freeze is shorthand for SetStatus(StatusFrozen).
func (n *Node) Freeze() *Node { return n.SetStatus(StatusFrozen) }

// Prediction returns the cached upstream prediction "u" for graph g, or nil if the
// forward pass hasn't populated it yet for this graph.
func (n *Node) Prediction(g *graph.Graph) *graph.Node {
	return n.preds[g.GraphId()]
}

func (n *Node) setPrediction(g *graph.Graph, u *graph.Node) {
	n.preds[g.GraphId()] = u
}

func (n *Node) clearCache() {
	for id := range n.preds {
		delete(n.preds, id)
	}
}
