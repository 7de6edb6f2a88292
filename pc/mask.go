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

package pc

import (
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predicate selects nodes for a Mask. Combine predicates with And, Or and Not.
type Predicate func(*Node) bool

// RoleIs selects nodes with the given role.
func RoleIs(role Role) Predicate {
	return func(n *Node) bool { return n.role == role }
}

// StatusIs selects nodes with the given status.
func StatusIs(status Status) Predicate {
	return func(n *Node) bool { return n.status == status }
}

// NameIs selects the node with exactly the given name.
func NameIs(name string) Predicate {
	return func(n *Node) bool { return n.name == name }
}

// NameHasPrefix selects nodes whose name starts with prefix, e.g. all leaves of
// one layer.
func NameHasPrefix(prefix string) Predicate {
	return func(n *Node) bool { return strings.HasPrefix(n.name, prefix) }
}

// And selects nodes matched by every given predicate.
func And(preds ...Predicate) Predicate {
	return func(n *Node) bool {
		for _, pred := range preds {
			if !pred(n) {
				return false
			}
		}
		return true
	}
}

// Or selects nodes matched by at least one of the given predicates.
func Or(preds ...Predicate) Predicate {
	return func(n *Node) bool {
		for _, pred := range preds {
			if pred(n) {
				return true
			}
		}
		return false
	}
}

// Not inverts a predicate.
func Not(pred Predicate) Predicate {
	return func(n *Node) bool { return !pred(n) }
}

// MaskEntry is one leaf of a Mask, in registry order.
type MaskEntry struct {
	Node     *Node
	Included bool
}

// Mask is an inclusion marking over a Model's full parameter list, used to limit
// which leaves an optimizer updates. Entries are ordered exactly like
// Model.Nodes() and Model.Params(), so a mask and the gradients of the full
// parameter list can be zipped positionally.
//
// A Mask is a snapshot: the predicate is evaluated once at construction, toggling
// node statuses afterwards does not change existing masks.
type Mask struct {
	entries []MaskEntry
}

// NewMask evaluates pred over the model's registry and records which leaves are
// included.
func NewMask(m *Model, pred Predicate) *Mask {
	mask := &Mask{entries: make([]MaskEntry, len(m.nodes))}
	for ii, node := range m.nodes {
		mask.entries[ii] = MaskEntry{Node: node, Included: pred(node)}
	}
	return mask
}

// Entries of the mask, in registry order.
func (mask *Mask) Entries() []MaskEntry {
	entries := make([]MaskEntry, len(mask.entries))
	copy(entries, mask.entries)
	return entries
}

// Size returns the total number of leaves, included or not.
func (mask *Mask) Size() int { return len(mask.entries) }

// NumIncluded returns how many leaves are included.
func (mask *Mask) NumIncluded() int {
	count := 0
	for _, entry := range mask.entries {
		if entry.Included {
			count++
		}
	}
	return count
}

// Includes reports whether the given node is included in the mask.
func (mask *Mask) Includes(n *Node) bool {
	for _, entry := range mask.entries {
		if entry.Node == n {
			return entry.Included
		}
	}
	return false
}

// Params returns the variables of the included leaves, in registry order.
func (mask *Mask) Params() []*context.Variable {
	params := make([]*context.Variable, 0, len(mask.entries))
	for _, entry := range mask.entries {
		if entry.Included {
			params = append(params, entry.Node.variable)
		}
	}
	return params
}

// IncludedNodes returns the included nodes, in registry order.
func (mask *Mask) IncludedNodes() []*Node {
	nodes := make([]*Node, 0, len(mask.entries))
	for _, entry := range mask.entries {
		if entry.Included {
			nodes = append(nodes, entry.Node)
		}
	}
	return nodes
}

// Complement returns the mask with every inclusion flipped. A mask and its
// complement partition the registry: every leaf is included in exactly one of the
// two.
func (mask *Mask) Complement() *Mask {
	complement := &Mask{entries: make([]MaskEntry, len(mask.entries))}
	for ii, entry := range mask.entries {
		complement.entries[ii] = MaskEntry{Node: entry.Node, Included: !entry.Included}
	}
	return complement
}

// Apply zeroes out the gradients of excluded leaves, preserving the list
// structure: grads must have one entry per mask leaf, in registry order, each with
// the leaf's shape. Structural disagreements panic with an error wrapping
// ErrShapeMismatch, checked eagerly over the whole list before any output is
// built.
//
// This is the explicit-gradient path; optimizers built with optim.New instead
// avoid building excluded gradients at all.
func (mask *Mask) Apply(grads []*graph.Node) []*graph.Node {
	if len(grads) != len(mask.entries) {
		panic(errors.Wrapf(ErrShapeMismatch,
			"mask has %d leaves, got %d gradients", len(mask.entries), len(grads)))
	}
	for ii, grad := range grads {
		node := mask.entries[ii].Node
		if grad == nil {
			panic(errors.Wrapf(ErrShapeMismatch, "gradient #%d (node %q) is nil", ii, node.name))
		}
		if !grad.Shape().Equal(node.variable.Shape()) {
			panic(errors.Wrapf(ErrShapeMismatch,
				"gradient #%d has shape %s, node %q holds shape %s",
				ii, grad.Shape(), node.name, node.variable.Shape()))
		}
	}
	masked := make([]*graph.Node, len(grads))
	for ii, grad := range grads {
		if mask.entries[ii].Included {
			masked[ii] = grad
		} else {
			masked[ii] = graph.ZerosLike(grad)
		}
	}
	return masked
}
