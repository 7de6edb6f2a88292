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
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunEpoch trains over every batch of ds (resetting it first) and returns the
// epoch summary. lastN limits how many of the trailing batches count toward the
// epoch's TrainMSE, since early batches of an epoch are noisy; lastN <= 0 counts
// all batches.
func (t *Trainer) RunEpoch(ds Dataset, lastN int) (EpochMetrics, error) {
	var metrics EpochMetrics
	var mses []float64
	ds.Reset()
	for {
		input, target, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return metrics, errors.WithMessagef(err, "dataset %q failed to yield", ds.Name())
		}
		batch, err := t.TrainStep(input, target)
		if err != nil {
			return metrics, err
		}
		mses = append(mses, batch.MSE)
		metrics.TrainBatches++
	}
	if lastN > 0 && lastN < len(mses) {
		mses = mses[len(mses)-lastN:]
	}
	metrics.TrainMSE = mean(mses)
	metrics.EvalMSE = math.NaN()
	return metrics, nil
}

// Evaluate runs EvalStep over every batch of ds (resetting it first) and
// returns the mean batch MSE.
func (t *Trainer) Evaluate(ds Dataset) (float64, int, error) {
	var mses []float64
	ds.Reset()
	for {
		input, target, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, 0, errors.WithMessagef(err, "dataset %q failed to yield", ds.Name())
		}
		batch, err := t.EvalStep(input, target)
		if err != nil {
			return 0, 0, err
		}
		mses = append(mses, batch.MSE)
	}
	return mean(mses), len(mses), nil
}

// Fit runs numEpochs epochs of training over trainDS, evaluating on evalDS after
// each (evalDS may be nil). onEpoch, if not nil, is called with each epoch's
// summary -- the place to hook checkpointing of the best weights. The full
// history is returned.
//
// metricsLastN is passed through to RunEpoch.
func (t *Trainer) Fit(trainDS, evalDS Dataset, numEpochs, metricsLastN int, onEpoch func(EpochMetrics)) ([]EpochMetrics, error) {
	history := make([]EpochMetrics, 0, numEpochs)
	for epoch := range numEpochs {
		metrics, err := t.RunEpoch(trainDS, metricsLastN)
		if err != nil {
			return history, errors.WithMessagef(err, "epoch %d", epoch)
		}
		metrics.Epoch = epoch
		if evalDS != nil {
			evalMSE, evalBatches, err := t.Evaluate(evalDS)
			if err != nil {
				return history, errors.WithMessagef(err, "epoch %d evaluation", epoch)
			}
			metrics.EvalMSE = evalMSE
			metrics.EvalBatches = evalBatches
		}
		history = append(history, metrics)
		klog.V(1).Infof("epoch %d: train MSE %.6f (%d batches), eval MSE %.6f (%d batches)",
			epoch, metrics.TrainMSE, metrics.TrainBatches, metrics.EvalMSE, metrics.EvalBatches)
		if onEpoch != nil {
			onEpoch(metrics)
		}
	}
	return history, nil
}

// BestEpoch returns the index of the epoch with the lowest eval MSE (falling
// back to train MSE when no evaluation ran), or -1 for an empty history.
func BestEpoch(history []EpochMetrics) int {
	best := -1
	bestMSE := math.Inf(1)
	for ii, metrics := range history {
		mse := metrics.EvalMSE
		if math.IsNaN(mse) {
			mse = metrics.TrainMSE
		}
		if mse < bestMSE {
			bestMSE = mse
			best = ii
		}
	}
	return best
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
