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
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pcax/internal/pctest"
	"github.com/gomlx/pcax/pc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSeededModel builds a model with its own freshly seeded context.
func newSeededModel(t *testing.T, seed int64, dims []int, batchSize int) *pc.Model {
	ctx := pctest.NewTestContext(seed)
	model, err := pc.New(ctx, dims, batchSize).Done()
	require.NoError(t, err)
	return model
}

// forwardExec wraps the model's pure feed-forward pass, which also materializes
// any still-deferred variable initializers.
func forwardExec(backend backends.Backend, model *pc.Model) *context.Exec {
	return context.MustNewExec(backend, model.Context(), func(ctx *context.Context, input *graph.Node) *graph.Node {
		model.ClearCache()
		return model.ForwardGraph(input.Graph(), input)
	})
}

func TestWeightsRoundTrip(t *testing.T) {
	backend := pctest.BuildTestBackend()
	dims := []int{3, 4, 2}
	input := tensors.FromValue([][]float32{{1, -0.5, 2}})

	source := newSeededModel(t, 42, dims, 1)
	sourceFwd := forwardExec(backend, source)
	sourceOut := tensors.CopyFlatData[float32](sourceFwd.Call(input)[0])

	dir := t.TempDir()
	require.NoError(t, source.SaveWeights(dir))

	// A differently seeded model starts with different weights...
	target := newSeededModel(t, 7, dims, 1)
	targetFwd := forwardExec(backend, target)
	targetOut := tensors.CopyFlatData[float32](targetFwd.Call(input)[0])
	assert.NotEqual(t, sourceOut, targetOut)

	// ...and becomes bit-identical to the source after loading.
	require.NoError(t, target.LoadWeights(dir))
	for _, node := range source.Nodes() {
		if node.Role() != pc.RoleWeight {
			continue
		}
		loaded := target.NodeByName(node.Name())
		require.NotNil(t, loaded)
		assert.True(t, node.Variable().Value().Equal(loaded.Variable().Value()),
			"weight %q changed across a save/load round-trip", node.Name())
	}
	restoredOut := tensors.CopyFlatData[float32](targetFwd.Call(input)[0])
	assert.Equal(t, sourceOut, restoredOut)
}

func TestSaveWeightsBeforeInit(t *testing.T) {
	// Variables are initialized lazily on first execution, saving before that is
	// a storage error.
	model := newSeededModel(t, 42, []int{3, 2}, 1)
	err := model.SaveWeights(t.TempDir())
	require.ErrorIs(t, err, pc.ErrStorage)
}

func TestLoadWeightsErrors(t *testing.T) {
	backend := pctest.BuildTestBackend()
	source := newSeededModel(t, 42, []int{3, 4, 2}, 1)
	forwardExec(backend, source).Call(tensors.FromValue([][]float32{{1, 2, 3}}))
	dir := t.TempDir()
	require.NoError(t, source.SaveWeights(dir))

	// Missing directory.
	err := source.LoadWeights(filepath.Join(dir, "no_such_dir"))
	require.ErrorIs(t, err, pc.ErrStorage)

	// Same node names, different layer dimensions.
	mismatched := newSeededModel(t, 42, []int{3, 5, 2}, 1)
	err = mismatched.LoadWeights(dir)
	require.ErrorIs(t, err, pc.ErrShapeMismatch)

	// A shallower model doesn't know the second layer's nodes at all.
	shallow := newSeededModel(t, 42, []int{3, 4}, 1)
	err = shallow.LoadWeights(dir)
	require.ErrorIs(t, err, pc.ErrStorage)

	// The reverse direction fails too: an index covering only some of the
	// model's weight nodes must not partially restore. Nothing is modified.
	small := newSeededModel(t, 7, []int{3, 4}, 1)
	forwardExec(backend, small).Call(tensors.FromValue([][]float32{{1, 2, 3}}))
	partialDir := t.TempDir()
	require.NoError(t, small.SaveWeights(partialDir))
	before := tensors.CopyFlatData[float32](source.NodeByName("dense_0/weights").Variable().Value())
	err = source.LoadWeights(partialDir)
	require.ErrorIs(t, err, pc.ErrStorage)
	after := tensors.CopyFlatData[float32](source.NodeByName("dense_0/weights").Variable().Value())
	assert.Equal(t, before, after)
}
