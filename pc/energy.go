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
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// EnergyFn computes the scalar energy of one node, given the activity value x held
// by the node and the prediction u computed by its upstream layer. Both have shape
// [batchSize, dim]; the returned node is a scalar, summed over the batch.
//
// The total energy of a model is the sum of its contributing nodes' energies, see
// Model.EnergyGraph.
type EnergyFn func(x, u *graph.Node) *graph.Node

// SquaredError is the standard predictive-coding energy: 0.5 * Σ (x-u)².
func SquaredError(x, u *graph.Node) *graph.Node {
	return graph.MulScalar(graph.ReduceAllSum(graph.Square(graph.Sub(x, u))), 0.5)
}

// SoftmaxCrossEntropy treats the prediction u as logits and the held activity x as
// a target distribution (e.g. the clamped one-hot labels on the output node), and
// returns Σ -x*logSoftmax(u), summed over the batch.
//
// Typically used as the output node energy of a classifier, see
// Config.OutputSoftmaxCrossEntropy.
func SoftmaxCrossEntropy(x, u *graph.Node) *graph.Node {
	return graph.Neg(graph.ReduceAllSum(graph.Mul(x, graph.LogSoftmax(u))))
}
