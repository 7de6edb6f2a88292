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

package pc_test

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pcax/internal/pctest"
	"github.com/gomlx/pcax/pc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidation(t *testing.T) {
	ctx := pctest.NewTestContext(42)

	_, err := pc.New(ctx, []int{4}, 2).Done()
	require.ErrorIs(t, err, pc.ErrConfiguration)

	_, err = pc.New(ctx, []int{4, 0, 2}, 2).Done()
	require.ErrorIs(t, err, pc.ErrConfiguration)

	_, err = pc.New(ctx, []int{4, 2}, 0).Done()
	require.ErrorIs(t, err, pc.ErrConfiguration)

	_, err = pc.New(ctx, []int{4, 2}, 2).Activation("no_such_activation").Done()
	require.ErrorIs(t, err, pc.ErrConfiguration)
}

func TestRegistryOrder(t *testing.T) {
	model := buildTestModel(t, []int{4, 3, 2}, 2)
	var names []string
	for _, node := range model.Nodes() {
		names = append(names, node.Name())
	}
	assert.Equal(t, []string{
		"dense_0/weights", "dense_0/biases", "x_0",
		"dense_1/weights", "dense_1/biases", "x_1",
	}, names)
	assert.Len(t, model.Params(), 6)
	assert.Equal(t, "x_1", model.OutputNode().Name())
	assert.Equal(t, pc.StatusFrozen, model.OutputNode().Status())
	assert.Equal(t, pc.RoleActivity, model.OutputNode().Role())
}

func TestRoleAndStatusRules(t *testing.T) {
	model := buildTestModel(t, []int{4, 3, 2}, 2)

	// Only activity nodes can become caches.
	err := exceptions.TryCatch[error](func() {
		model.NodeByName("dense_0/weights").SetStatus(pc.StatusCache)
	})
	require.Error(t, err)

	hidden := model.NodeByName("x_0")
	hidden.SetStatus(pc.StatusCache)
	assert.Len(t, model.ContributingNodes(), 1)
	hidden.SetStatus(pc.StatusTrainable)
	assert.Len(t, model.ContributingNodes(), 2)
}

// setLinear overwrites a layer with known weights for hand-computed checks.
func setLinear(layer *pc.Linear, weights [][]float32, biases []float32) {
	layer.WeightsNode().Variable().SetValue(tensors.FromValue(weights))
	layer.BiasNode().Variable().SetValue(tensors.FromValue(biases))
}

func TestEnergyGraphHandComputed(t *testing.T) {
	backend := pctest.BuildTestBackend()
	model := buildTestModel(t, []int{1, 1}, 1)
	setLinear(model.Layers()[0], [][]float32{{2}}, []float32{1})

	exec := context.MustNewExec(backend, model.Context(), func(ctx *context.Context, input *graph.Node) []*graph.Node {
		g := input.Graph()
		model.ClearCache()
		total, perNode := model.EnergyGraph(g, input)
		return append([]*graph.Node{total}, perNode...)
	})

	// u = 1*2+1 = 3, clamped x = 5 => energy = 0.5*(5-3)^2 = 2.
	model.Clamp(tensors.FromValue([][]float32{{5}}))
	results := exec.Call(tensors.FromValue([][]float32{{1}}))
	require.Len(t, results, 2)
	assert.InDelta(t, 2.0, float64(tensors.ToScalar[float32](results[0])), 1e-6)
	assert.InDelta(t, 2.0, float64(tensors.ToScalar[float32](results[1])), 1e-6)
}

func TestForwardAndInit(t *testing.T) {
	backend := pctest.BuildTestBackend()
	model := buildTestModel(t, []int{1, 2, 1}, 1)
	setLinear(model.Layers()[0], [][]float32{{1, -1}}, []float32{0, 0})
	setLinear(model.Layers()[1], [][]float32{{1}, {1}}, []float32{0.5})

	forward := context.MustNewExec(backend, model.Context(), func(ctx *context.Context, input *graph.Node) *graph.Node {
		model.ClearCache()
		return model.ForwardGraph(input.Graph(), input)
	})
	// u1 = [2, -2], h = tanh(u1), out = h[0]+h[1]+0.5 = 0.5 (tanh is odd).
	out := tensors.ToScalar[float32](forward.Call(tensors.FromValue([][]float32{{2}}))[0])
	assert.InDelta(t, 0.5, float64(out), 1e-6)

	initExec := context.MustNewExec(backend, model.Context(), func(ctx *context.Context, input *graph.Node) *graph.Node {
		model.ClearCache()
		return model.InitActivitiesGraph(input.Graph(), input)
	})
	model.Clamp(tensors.FromValue([][]float32{{0}}))
	initExec.Call(tensors.FromValue([][]float32{{2}}))

	// The hidden activity now holds its feed-forward prediction, the clamped
	// output keeps the target.
	hidden := tensors.CopyFlatData[float32](model.NodeByName("x_0").Variable().Value())
	assert.InDeltaSlice(t, []float32{2, -2}, hidden, 1e-6)
	output := tensors.CopyFlatData[float32](model.OutputNode().Variable().Value())
	assert.Equal(t, []float32{0}, output)
}

func TestClampShapeMismatch(t *testing.T) {
	model := buildTestModel(t, []int{4, 3, 2}, 2)
	err := exceptions.TryCatch[error](func() {
		model.Clamp(tensors.FromValue([][]float32{{1, 2, 3}})) // [1, 3] vs [2, 2].
	})
	require.ErrorIs(t, err, pc.ErrShapeMismatch)
}
