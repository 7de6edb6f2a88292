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
	"math"

	"github.com/gomlx/pcax/pc"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BatchMetrics reports what the solver did on one batch.
type BatchMetrics struct {
	// MSE is the feed-forward mean squared error against the target, after the
	// batch's updates.
	MSE float64

	// Energies holds the per-node energies measured after each iteration's
	// updates: Energies[iter][node], with nodes ordered like
	// pc.Model.ContributingNodes.
	Energies [][]float64

	// Iterations actually run; less than the budget T when inference converged
	// early in ModeEfficientPPC.
	Iterations int

	// NumXUpdates and NumWUpdates count the activity and weight updates within
	// Iterations. Simultaneous modes count both per iteration.
	NumXUpdates int
	NumWUpdates int
}

// TotalEnergies returns the total energy per iteration, the row sums of
// Energies.
func (m *BatchMetrics) TotalEnergies() []float64 {
	totals := make([]float64, len(m.Energies))
	for ii, perNode := range m.Energies {
		sum := 0.0
		for _, energy := range perNode {
			sum += energy
		}
		totals[ii] = sum
	}
	return totals
}

// EpochMetrics summarizes one training epoch.
type EpochMetrics struct {
	Epoch int

	// TrainMSE is the mean batch MSE over the epoch's counted train batches
	// (see Config on how many batches count).
	TrainMSE float64

	// EvalMSE is the mean eval batch MSE, NaN when no eval dataset was given.
	EvalMSE float64

	TrainBatches, EvalBatches int
}

// DivergenceScore is the sentinel score reported by SearchScore for diverged
// trials, so a hyperparameter search ranks them last instead of aborting.
const DivergenceScore = math.MaxFloat32

// SearchScore converts a (score, error) pair from a training run into a score a
// hyperparameter search can always consume: divergence maps to DivergenceScore
// (with a warning logged), any other error is passed through.
func SearchScore(score float64, err error) (float64, error) {
	if err == nil {
		return score, nil
	}
	if errors.Is(err, pc.ErrDivergence) {
		klog.Warningf("trial diverged (%v), reporting sentinel score %g", err, float64(DivergenceScore))
		return DivergenceScore, nil
	}
	return 0, err
}
