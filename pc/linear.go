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
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Linear is a learnable affine transformation x·W+b, the predictive layer between
// two consecutive activity nodes. Its weights and biases are registered as
// RoleWeight nodes in the owning Model.
type Linear struct {
	name          string
	weights, bias *Node
	inDim, outDim int
}

// newLinear creates the weight variables under ctx (already scoped to the layers
// collection) and wraps them as weight nodes. Weights are Glorot-initialized,
// biases start at zero.
func newLinear(ctx *context.Context, name string, inDim, outDim int, dtype dtypes.DType) *Linear {
	layerCtx := ctx.In(name)
	wVar := layerCtx.WithInitializer(initializers.GlorotUniformFn(layerCtx)).
		VariableWithShape("weights", shapes.Make(dtype, inDim, outDim))
	bVar := layerCtx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(dtype, outDim))
	return &Linear{
		name:    name,
		weights: newNode(name+"/weights", RoleWeight, StatusTrainable, wVar, nil),
		bias:    newNode(name+"/biases", RoleWeight, StatusTrainable, bVar, nil),
		inDim:   inDim,
		outDim:  outDim,
	}
}

// Name of the layer.
func (l *Linear) Name() string { return l.name }

// WeightsNode returns the registry node holding the [inDim, outDim] weights matrix.
func (l *Linear) WeightsNode() *Node { return l.weights }

// BiasNode returns the registry node holding the [outDim] bias vector.
func (l *Linear) BiasNode() *Node { return l.bias }

// ApplyGraph builds the prediction x·W+b for input of shape [batchSize, inDim].
func (l *Linear) ApplyGraph(g *graph.Graph, x *graph.Node) *graph.Node {
	output := graph.Dot(x, l.weights.variable.ValueGraph(g))
	bias := l.bias.variable.ValueGraph(g)
	return graph.Add(output, graph.InsertAxes(bias, 0))
}
