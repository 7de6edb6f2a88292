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

func buildTestModel(t *testing.T, dims []int, batchSize int) *pc.Model {
	ctx := pctest.NewTestContext(42)
	model, err := pc.New(ctx, dims, batchSize).Done()
	require.NoError(t, err)
	return model
}

func TestPredicates(t *testing.T) {
	model := buildTestModel(t, []int{4, 3, 2}, 2)

	// 2 layers -> 2 weights, 2 biases, 2 activities, the last activity frozen.
	nodes := model.Nodes()
	require.Len(t, nodes, 6)

	maskW := pc.NewMask(model, pc.RoleIs(pc.RoleWeight))
	assert.Equal(t, 4, maskW.NumIncluded())

	maskX := pc.NewMask(model, pc.And(pc.RoleIs(pc.RoleActivity), pc.StatusIs(pc.StatusTrainable)))
	assert.Equal(t, 1, maskX.NumIncluded())
	assert.True(t, maskX.Includes(model.NodeByName("x_0")))
	assert.False(t, maskX.Includes(model.OutputNode()))

	maskFrozen := pc.NewMask(model, pc.StatusIs(pc.StatusFrozen))
	assert.Equal(t, 1, maskFrozen.NumIncluded())
	assert.True(t, maskFrozen.Includes(model.OutputNode()))

	maskLayer0 := pc.NewMask(model, pc.NameHasPrefix("dense_0/"))
	assert.Equal(t, 2, maskLayer0.NumIncluded())

	maskNotW := pc.NewMask(model, pc.Not(pc.RoleIs(pc.RoleWeight)))
	assert.Equal(t, 2, maskNotW.NumIncluded())

	maskAll := pc.NewMask(model, pc.Or(pc.RoleIs(pc.RoleWeight), pc.RoleIs(pc.RoleActivity)))
	assert.Equal(t, len(nodes), maskAll.NumIncluded())
}

func TestMaskPartition(t *testing.T) {
	model := buildTestModel(t, []int{4, 3, 2}, 2)
	mask := pc.NewMask(model, pc.RoleIs(pc.RoleActivity))
	complement := mask.Complement()

	// A mask and its complement include every leaf exactly once.
	entries, coEntries := mask.Entries(), complement.Entries()
	require.Equal(t, len(entries), len(coEntries))
	require.Equal(t, len(entries), len(model.Nodes()))
	for ii, entry := range entries {
		assert.Same(t, entry.Node, coEntries[ii].Node)
		assert.NotEqual(t, entry.Included, coEntries[ii].Included,
			"node %q must be in exactly one of mask and complement", entry.Node.Name())
	}
	assert.Equal(t, mask.Size(), mask.NumIncluded()+complement.NumIncluded())
}

func TestMaskSnapshot(t *testing.T) {
	model := buildTestModel(t, []int{4, 3, 2}, 2)
	mask := pc.NewMask(model, pc.StatusIs(pc.StatusTrainable))
	included := mask.NumIncluded()

	// Toggling status after the mask was built doesn't change it.
	model.NodeByName("x_0").Freeze()
	assert.Equal(t, included, mask.NumIncluded())

	// A freshly-built mask sees the new status.
	assert.Equal(t, included-1, pc.NewMask(model, pc.StatusIs(pc.StatusTrainable)).NumIncluded())
}

func TestMaskApply(t *testing.T) {
	backend := pctest.BuildTestBackend()
	model := buildTestModel(t, []int{2, 2}, 1)
	mask := pc.NewMask(model, pc.RoleIs(pc.RoleWeight))

	exec := context.MustNewExec(backend, model.Context(), func(ctx *context.Context, input *graph.Node) []*graph.Node {
		g := input.Graph()
		model.ClearCache()
		total, _ := model.EnergyGraph(g, input)
		params := model.Params()
		values := make([]*graph.Node, len(params))
		for ii, param := range params {
			values[ii] = param.ValueGraph(g)
		}
		grads := graph.Gradient(total, values...)
		return mask.Apply(grads)
	})
	model.Clamp(tensors.FromValue([][]float32{{1, -1}}))
	results := exec.Call(tensors.FromValue([][]float32{{1, 2}}))
	require.Len(t, results, 3) // weights, biases, activity.

	// Excluded leaves (the activity) come back zeroed, included ones keep their
	// gradient. The frozen output with a clamped +/-1 target guarantees a
	// non-zero energy gradient.
	weightsGrad := tensors.CopyFlatData[float32](results[0])
	activityGrad := tensors.CopyFlatData[float32](results[2])
	assert.NotEqual(t, []float32{0, 0, 0, 0}, weightsGrad)
	assert.Equal(t, []float32{0, 0}, activityGrad)
}

func TestMaskApplyShapeMismatch(t *testing.T) {
	model := buildTestModel(t, []int{2, 2}, 1)
	mask := pc.NewMask(model, pc.RoleIs(pc.RoleWeight))

	// Wrong list length fails eagerly.
	err := exceptions.TryCatch[error](func() { mask.Apply(nil) })
	require.ErrorIs(t, err, pc.ErrShapeMismatch)

	// Wrong leaf shape fails too, before any output is built.
	backend := pctest.BuildTestBackend()
	var applyErr error
	exec := context.MustNewExec(backend, model.Context(), func(ctx *context.Context, input *graph.Node) *graph.Node {
		wrong := make([]*graph.Node, mask.Size())
		for ii := range wrong {
			wrong[ii] = graph.ZerosLike(input) // Every leaf gets the input shape.
		}
		applyErr = exceptions.TryCatch[error](func() { mask.Apply(wrong) })
		return input
	})
	exec.Call(tensors.FromValue([][]float32{{1, 2}}))
	require.ErrorIs(t, applyErr, pc.ErrShapeMismatch)
}
