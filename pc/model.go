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
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// NodesScope is the context scope under which activity variables are created.
	NodesScope = "nodes"

	// LayersScope is the context scope under which layer weight variables are created.
	LayersScope = "layers"
)

// Config builds a Model. Create it with New, configure and call Done.
type Config struct {
	ctx                *context.Context
	dims               []int
	batchSize          int
	dtype              dtypes.DType
	activationName     string
	outputCrossEntropy bool
}

// New starts the configuration of a predictive-coding Model with the given layer
// dimensions: dims[0] is the input dimension, dims[len(dims)-1] the output. One
// Linear layer and one activity node are created per consecutive pair.
//
// Activity variables have a fixed batch size, chosen here. All variables are
// created in ctx (under the scopes NodesScope and LayersScope), so the caller can
// seed initialization with ctx.RngStateWithSeed before calling Done.
func New(ctx *context.Context, dims []int, batchSize int) *Config {
	return &Config{
		ctx:       ctx,
		dims:      slices.Clone(dims),
		batchSize: batchSize,
		dtype:     dtypes.Float32,
	}
}

// Activation sets the activation applied to activities before they feed the next
// layer. It defaults to the context hyperparameter activations.ParamActivation, or
// "tanh" if that is also unset.
func (c *Config) Activation(name string) *Config {
	c.activationName = name
	return c
}

// DType sets the dtype of all model variables. Defaults to Float32.
func (c *Config) DType(dtype dtypes.DType) *Config {
	c.dtype = dtype
	return c
}

// OutputSoftmaxCrossEntropy switches the output node energy from SquaredError to
// SoftmaxCrossEntropy, for classification targets clamped as one-hot rows.
func (c *Config) OutputSoftmaxCrossEntropy() *Config {
	c.outputCrossEntropy = true
	return c
}

// Done validates the configuration and builds the Model, creating its variables.
// Invalid configurations return an error wrapping ErrConfiguration.
func (c *Config) Done() (m *Model, err error) {
	if len(c.dims) < 2 {
		return nil, errors.Wrapf(ErrConfiguration,
			"model needs at least an input and an output dimension, got dims=%v", c.dims)
	}
	for ii, dim := range c.dims {
		if dim <= 0 {
			return nil, errors.Wrapf(ErrConfiguration, "dims[%d]=%d, dimensions must be positive", ii, dim)
		}
	}
	if c.batchSize <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "batchSize=%d, must be positive", c.batchSize)
	}
	if !c.dtype.IsFloat() {
		return nil, errors.Wrapf(ErrConfiguration, "dtype %s is not a float type", c.dtype)
	}
	activationName := c.activationName
	if activationName == "" {
		activationName = context.GetParamOr(c.ctx, activations.ParamActivation, "tanh")
	}
	var activation activations.Type
	err = exceptions.TryCatch[error](func() { activation = activations.FromName(activationName) })
	if err != nil {
		return nil, errors.Wrapf(ErrConfiguration, "invalid activation %q: %v", activationName, err)
	}
	return c.build(activation), nil
}

func (c *Config) build(activation activations.Type) *Model {
	m := &Model{
		ctx:        c.ctx,
		dims:       c.dims,
		batchSize:  c.batchSize,
		dtype:      c.dtype,
		activation: activation,
	}
	layersCtx := c.ctx.In(LayersScope)
	nodesCtx := c.ctx.In(NodesScope)
	numLayers := len(c.dims) - 1
	for l := range numLayers {
		layer := newLinear(layersCtx, fmt.Sprintf("dense_%d", l), c.dims[l], c.dims[l+1], c.dtype)
		m.layers = append(m.layers, layer)

		name := fmt.Sprintf("x_%d", l)
		v := nodesCtx.In(name).WithInitializer(initializers.Zero).
			VariableWithShape("x", shapes.Make(c.dtype, c.batchSize, c.dims[l+1]))
		energyFn := EnergyFn(SquaredError)
		status := StatusTrainable
		if l == numLayers-1 {
			// The output node is clamped to the target during training.
			status = StatusFrozen
			if c.outputCrossEntropy {
				energyFn = SoftmaxCrossEntropy
			}
		}
		node := newNode(name, RoleActivity, status, v, energyFn)
		m.activities = append(m.activities, node)
		m.nodes = append(m.nodes, layer.weights, layer.bias, node)
	}
	return m
}

// Model is a fixed-topology chain of Linear layers interleaved with activity
// nodes, plus the explicit ordered registry of all parameter leaves that masks and
// optimizers operate on.
//
// Nodes appear in the registry in layer order, weights then bias then activity.
// This order is what makes masks isomorphic to Params(): both are derived from the
// same list.
type Model struct {
	ctx        *context.Context
	dims       []int
	batchSize  int
	dtype      dtypes.DType
	activation activations.Type

	layers     []*Linear
	activities []*Node
	nodes      []*Node
}

// Context in which the model variables live.
func (m *Model) Context() *context.Context { return m.ctx }

// BatchSize of the activity variables.
func (m *Model) BatchSize() int { return m.batchSize }

// DType of the model variables.
func (m *Model) DType() dtypes.DType { return m.dtype }

// Dims returns a copy of the layer dimensions, input first.
func (m *Model) Dims() []int { return slices.Clone(m.dims) }

// InputDim of the model.
func (m *Model) InputDim() int { return m.dims[0] }

// OutputDim of the model.
func (m *Model) OutputDim() int { return m.dims[len(m.dims)-1] }

// Activation applied between layers.
func (m *Model) Activation() activations.Type { return m.activation }

// Layers returns the model's linear layers in order.
func (m *Model) Layers() []*Linear { return slices.Clone(m.layers) }

// Nodes returns the full ordered registry of parameter leaves.
func (m *Model) Nodes() []*Node { return slices.Clone(m.nodes) }

// ActivityNodes returns the activity nodes in layer order.
func (m *Model) ActivityNodes() []*Node { return slices.Clone(m.activities) }

// OutputNode returns the last activity node, the one clamped to targets.
func (m *Model) OutputNode() *Node { return m.activities[len(m.activities)-1] }

// NodeByName returns the registry node with the given name, or nil.
func (m *Model) NodeByName(name string) *Node {
	for _, node := range m.nodes {
		if node.name == name {
			return node
		}
	}
	return nil
}

// Params returns the variables backing the registry, in registry order.
func (m *Model) Params() []*context.Variable {
	params := make([]*context.Variable, len(m.nodes))
	for ii, node := range m.nodes {
		params[ii] = node.variable
	}
	return params
}

// ContributingNodes returns the activity nodes that contribute energy, in layer
// order. These are the columns of the per-iteration energy histories reported by
// the trainer.
func (m *Model) ContributingNodes() []*Node {
	contributing := make([]*Node, 0, len(m.activities))
	for _, node := range m.activities {
		if node.status != StatusCache {
			contributing = append(contributing, node)
		}
	}
	return contributing
}

// ClearCache drops all cached per-graph predictions. Call it at the start of every
// graph building function that runs a forward pass, so predictions from previously
// built graphs don't accumulate.
func (m *Model) ClearCache() {
	for _, node := range m.activities {
		node.clearCache()
	}
}

// Clamp sets the output node value to target and freezes it. The target shape must
// match the output activity shape [batchSize, outputDim] exactly, otherwise it
// panics with an error wrapping ErrShapeMismatch.
//
// The model keeps a reference to target, the caller must not finalize it while the
// model is in use.
func (m *Model) Clamp(target *tensors.Tensor) {
	out := m.OutputNode()
	want := out.variable.Shape()
	if !target.Shape().Equal(want) {
		panic(errors.Wrapf(ErrShapeMismatch,
			"clamp target has shape %s, output node %q holds shape %s", target.Shape(), out.name, want))
	}
	out.Freeze()
	out.variable.SetValue(target)
}

// EnergyGraph builds the total energy and the per-node energies of the model for
// the current activity values, with input of shape [batchSize, inputDim]. Each
// layer's prediction u is computed from the previous held activity (cache nodes
// pass the prediction through) and compared to the held activity by the node's
// EnergyFn. Predictions are cached per graph, see Node.Prediction.
//
// perNode corresponds to ContributingNodes(), total is their sum, all scalars of
// the model dtype.
func (m *Model) EnergyGraph(g *graph.Graph, input *graph.Node) (total *graph.Node, perNode []*graph.Node) {
	h := input
	for l, node := range m.activities {
		u := node.Prediction(g)
		if u == nil {
			u = m.layers[l].ApplyGraph(g, h)
			node.setPrediction(g, u)
		}
		var x *graph.Node
		if node.status == StatusCache {
			x = u
		} else {
			x = node.variable.ValueGraph(g)
			energy := node.energyFn(x, u)
			perNode = append(perNode, energy)
			if total == nil {
				total = energy
			} else {
				total = graph.Add(total, energy)
			}
		}
		if l < len(m.layers)-1 {
			h = activations.Apply(m.activation, x)
		}
	}
	if total == nil {
		exceptions.Panicf("model has no energy-contributing nodes, all %d activity nodes have status %s",
			len(m.activities), StatusCache)
	}
	return
}

// ForwardGraph builds the pure feed-forward output of the model, ignoring held
// activities: each layer consumes the previous layer's prediction. The output is
// the last layer's prediction, without output activation.
func (m *Model) ForwardGraph(g *graph.Graph, input *graph.Node) *graph.Node {
	h := input
	var u *graph.Node
	for l, layer := range m.layers {
		u = layer.ApplyGraph(g, h)
		if l < len(m.layers)-1 {
			h = activations.Apply(m.activation, u)
		}
	}
	return u
}

// InitActivitiesGraph initializes activities feed-forward: every trainable
// activity is set to its layer's prediction. Frozen nodes (e.g. the clamped
// output) and cache nodes are left untouched. It returns the final prediction.
func (m *Model) InitActivitiesGraph(g *graph.Graph, input *graph.Node) *graph.Node {
	h := input
	var u *graph.Node
	for l, node := range m.activities {
		u = m.layers[l].ApplyGraph(g, h)
		node.setPrediction(g, u)
		if node.status == StatusTrainable {
			node.variable.SetValueGraph(u)
		}
		if l < len(m.layers)-1 {
			h = activations.Apply(m.activation, u)
		}
	}
	return u
}
