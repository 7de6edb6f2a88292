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
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	// WeightsIndexFile holds the json index of serialized weights inside a
	// weights directory.
	WeightsIndexFile = "weights.json"

	// WeightsDataFile holds the concatenated raw weight values.
	WeightsDataFile = "weights.bin"
)

// serializedWeight describes one weight tensor inside WeightsDataFile: its raw
// bytes live at [Pos, Pos+Length).
type serializedWeight struct {
	Name       string
	Dimensions []int
	DType      dtypes.DType
	Pos        int64
	Length     int64
}

// SaveWeights persists the RoleWeight leaves of the model (and nothing else) to
// dir, creating it if needed: a json index plus a raw binary blob. The byte-level
// representation is preserved exactly, so a LoadWeights round-trip restores
// bit-identical weights.
//
// Failures return an error wrapping ErrStorage.
func (m *Model) SaveWeights(dir string) error {
	var index []serializedWeight
	var blob bytes.Buffer
	for _, node := range m.nodes {
		if node.role != RoleWeight {
			continue
		}
		value := node.variable.Value()
		if value == nil {
			return errors.Wrapf(ErrStorage,
				"weight node %q has no value yet, run at least one forward pass before saving", node.name)
		}
		entry := serializedWeight{
			Name:       node.name,
			Dimensions: value.Shape().Dimensions,
			DType:      value.Shape().DType,
			Pos:        int64(blob.Len()),
		}
		value.ConstBytes(func(data []byte) {
			entry.Length = int64(len(data))
			blob.Write(data)
		})
		index = append(index, entry)
	}

	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(ErrStorage, "failed to create weights directory %q: %v", dir, err)
	}
	indexJson, err := json.MarshalIndent(index, "", "\t")
	if err != nil {
		return errors.Wrapf(ErrStorage, "failed to encode weights index for %q: %v", dir, err)
	}
	indexPath := filepath.Join(dir, WeightsIndexFile)
	if err := os.WriteFile(indexPath, indexJson, 0666); err != nil {
		return errors.Wrapf(ErrStorage, "failed to write %q: %v", indexPath, err)
	}
	dataPath := filepath.Join(dir, WeightsDataFile)
	if err := os.WriteFile(dataPath, blob.Bytes(), 0666); err != nil {
		return errors.Wrapf(ErrStorage, "failed to write %q: %v", dataPath, err)
	}
	return nil
}

// LoadWeights restores the RoleWeight leaves of the model from a directory
// written by SaveWeights. The index must cover every weight node of the model,
// and every entry must name an existing weight node and match its shape,
// otherwise the error wraps ErrShapeMismatch; I/O, decoding and coverage
// failures wrap ErrStorage. No node is modified unless the whole load succeeds.
// Activities are not touched.
func (m *Model) LoadWeights(dir string) error {
	indexPath := filepath.Join(dir, WeightsIndexFile)
	indexJson, err := os.ReadFile(indexPath)
	if err != nil {
		return errors.Wrapf(ErrStorage, "failed to read %q: %v", indexPath, err)
	}
	var index []serializedWeight
	if err := json.Unmarshal(indexJson, &index); err != nil {
		return errors.Wrapf(ErrStorage, "failed to decode weights index %q: %v", indexPath, err)
	}
	dataPath := filepath.Join(dir, WeightsDataFile)
	blob, err := os.ReadFile(dataPath)
	if err != nil {
		return errors.Wrapf(ErrStorage, "failed to read %q: %v", dataPath, err)
	}

	loaded := make(map[string]*tensors.Tensor, len(index))
	for _, entry := range index {
		node := m.NodeByName(entry.Name)
		if node == nil || node.role != RoleWeight {
			return errors.Wrapf(ErrStorage, "weights index %q names unknown weight node %q", indexPath, entry.Name)
		}
		shape := shapes.Make(entry.DType, entry.Dimensions...)
		if !shape.Equal(node.variable.Shape()) {
			return errors.Wrapf(ErrShapeMismatch,
				"serialized weight %q has shape %s, node holds shape %s", entry.Name, shape, node.variable.Shape())
		}
		if entry.Pos < 0 || entry.Pos+entry.Length > int64(len(blob)) {
			return errors.Wrapf(ErrStorage,
				"serialized weight %q points at bytes [%d, %d) outside of %q (%d bytes)",
				entry.Name, entry.Pos, entry.Pos+entry.Length, dataPath, len(blob))
		}
		value := tensors.FromShape(shape)
		var sizeErr error
		value.MutableBytes(func(data []byte) {
			if int64(len(data)) != entry.Length {
				sizeErr = errors.Wrapf(ErrStorage,
					"serialized weight %q has %d bytes, shape %s requires %d",
					entry.Name, entry.Length, shape, len(data))
				return
			}
			copy(data, blob[entry.Pos:entry.Pos+entry.Length])
		})
		if sizeErr != nil {
			return sizeErr
		}
		loaded[entry.Name] = value
	}

	// The index must restore every weight node: a partial restore would silently
	// mix checkpoints.
	var missing []string
	for _, node := range m.nodes {
		if node.role != RoleWeight {
			continue
		}
		if _, found := loaded[node.name]; !found {
			missing = append(missing, node.name)
		}
	}
	if len(missing) > 0 {
		return errors.Wrapf(ErrStorage,
			"weights index %q does not cover weight nodes %v", indexPath, missing)
	}

	for name, value := range loaded {
		m.NodeByName(name).variable.SetValue(value)
	}
	return nil
}
