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

package trainer

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pcax/pc"
	"github.com/pkg/errors"
)

// Dataset provides data one batch at a time: an input tensor of shape
// [batchSize, inputDim] and a target of shape [batchSize, outputDim], matching
// the model's fixed batch size.
//
// Yield returns io.EOF at the end of an epoch; Reset restarts the dataset so
// another epoch (or an evaluation pass) can run. Any other Yield error aborts
// the epoch and is returned to the caller.
type Dataset interface {
	// Name identifies the dataset, for logging.
	Name() string

	// Reset restarts the dataset from the beginning. Called after io.EOF is
	// reached, e.g. between epochs.
	Reset()

	// Yield returns the next batch, or io.EOF at the end of the epoch.
	//
	// The trainer only reads the yielded tensors; it may keep a reference to
	// the last target (see pc.Model.Clamp), so they must not be finalized while
	// training runs.
	Yield() (input, target *tensors.Tensor, err error)
}

// InMemoryDataset serves pre-built batches from memory, in order. It's the
// simplest Dataset implementation, enough for experiments whose data fits in
// host memory.
type InMemoryDataset struct {
	name            string
	inputs, targets []*tensors.Tensor
	next            int
}

// InMemory creates a dataset from parallel slices of input and target batches.
func InMemory(name string, inputs, targets []*tensors.Tensor) (*InMemoryDataset, error) {
	if len(inputs) != len(targets) {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"dataset %q: %d input batches but %d target batches", name, len(inputs), len(targets))
	}
	return &InMemoryDataset{name: name, inputs: inputs, targets: targets}, nil
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (input, target *tensors.Tensor, err error) {
	if ds.next >= len(ds.inputs) {
		return nil, nil, io.EOF
	}
	input, target = ds.inputs[ds.next], ds.targets[ds.next]
	ds.next++
	return input, target, nil
}

// NumBatches of the dataset.
func (ds *InMemoryDataset) NumBatches() int { return len(ds.inputs) }
