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

// Package trainer implements the two-phase iterative solver of predictive
// coding: an inference phase that relaxes activities toward the clamped target,
// and a learning phase that updates weights, orchestrated per batch in one of
// several modes.
//
//   - ModePC: a fixed number of inference steps followed by exactly one
//     learning step.
//   - ModePPC: activities and weights updated simultaneously every step, with
//     the weight step damped by a scale factor.
//   - ModeEfficientPPC: inference runs until the total energy plateaus (or its
//     iteration budget is exhausted), the remaining budget goes to learning
//     steps.
//   - ModeInterleaved: activity and weight updates alternate on even/odd steps.
//
// The solver drives compiled step graphs from a host-side loop built with the
// flow package; the loop state is an explicit value (see LoopState), fresh per
// batch.
package trainer

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pcax/flow"
	"github.com/gomlx/pcax/optim"
	"github.com/gomlx/pcax/pc"
	"github.com/pkg/errors"
)

// Solver modes, see the package documentation. Selected with Config.Mode or the
// context hyperparameter ParamMode.
const (
	ModePC           = "pc"
	ModePPC          = "ppc"
	ModeEfficientPPC = "efficient_ppc"
	ModeInterleaved  = "interleaved"
)

// KnownModes lists the valid solver modes.
var KnownModes = []string{ModePC, ModePPC, ModeEfficientPPC, ModeInterleaved}

// Context hyperparameters read by New as defaults; explicit Config setters take
// precedence.
const (
	// ParamMode is the context parameter with the solver mode. Defaults to "pc".
	ParamMode = "pc_mode"

	// ParamSteps is the context parameter with the total iteration budget T per
	// batch.
	ParamSteps = "pc_steps"

	// ParamMinXUpdates is the context parameter with the minimum number of
	// inference steps of ModeEfficientPPC.
	ParamMinXUpdates = "pc_min_x_updates"

	// ParamMinWUpdates is the context parameter with the number of iterations
	// ModeEfficientPPC reserves for weight updates.
	ParamMinWUpdates = "pc_min_w_updates"

	// ParamEnergyThreshold is the context parameter with the absolute
	// energy-plateau threshold of ModeEfficientPPC.
	ParamEnergyThreshold = "pc_energy_threshold"

	// ParamWeightScale is the context parameter with the damping factor applied
	// to weight updates in the simultaneous modes.
	ParamWeightScale = "pc_weight_scale"
)

// Defaults for the solver configuration, used when neither the Config setters
// nor the context hyperparameters say otherwise.
const (
	DefaultSteps           = 8
	DefaultMinXUpdates     = 1
	DefaultMinWUpdates     = 1
	DefaultEnergyThreshold = 1e-4
	DefaultWeightScale     = 1.0
)

// Config builds a Trainer, see New.
type Config struct {
	backend        backends.Backend
	model          *pc.Model
	optimX, optimW *optim.Optim

	mode            string
	steps           int
	minXUpdates     int
	minWUpdates     int
	energyThreshold float64
	weightScale     float64
	carryOver       bool
	keepXState      bool
}

// New starts the configuration of a Trainer for the given model: optimX relaxes
// the activity leaves during inference, optimW updates the weight leaves during
// learning. Defaults are read from the model context's hyperparameters (see
// ParamMode and friends); the Config setters override them.
func New(backend backends.Backend, model *pc.Model, optimX, optimW *optim.Optim) *Config {
	c := &Config{
		backend: backend,
		model:   model,
		optimX:  optimX,
		optimW:  optimW,
	}
	if model != nil {
		ctx := model.Context()
		c.mode = context.GetParamOr(ctx, ParamMode, ModePC)
		c.steps = context.GetParamOr(ctx, ParamSteps, DefaultSteps)
		c.minXUpdates = context.GetParamOr(ctx, ParamMinXUpdates, DefaultMinXUpdates)
		c.minWUpdates = context.GetParamOr(ctx, ParamMinWUpdates, DefaultMinWUpdates)
		c.energyThreshold = context.GetParamOr(ctx, ParamEnergyThreshold, DefaultEnergyThreshold)
		c.weightScale = context.GetParamOr(ctx, ParamWeightScale, DefaultWeightScale)
	}
	return c
}

// Mode sets the solver mode, one of KnownModes.
func (c *Config) Mode(mode string) *Config {
	c.mode = mode
	return c
}

// Steps sets the total iteration budget T per batch.
func (c *Config) Steps(t int) *Config {
	c.steps = t
	return c
}

// MinXUpdates sets the minimum number of inference steps ModeEfficientPPC runs
// before the plateau check may stop inference. At least 1.
func (c *Config) MinXUpdates(n int) *Config {
	c.minXUpdates = n
	return c
}

// MinWUpdates sets the number of trailing iterations ModeEfficientPPC reserves
// for weight updates: inference never runs past Steps-MinWUpdates.
func (c *Config) MinWUpdates(n int) *Config {
	c.minWUpdates = n
	return c
}

// EnergyThreshold sets the absolute plateau threshold: inference in
// ModeEfficientPPC continues while |currEnergy-prevEnergy| > threshold.
func (c *Config) EnergyThreshold(threshold float64) *Config {
	c.energyThreshold = threshold
	return c
}

// WeightScale sets the damping factor applied to weight updates in ModePPC,
// where weights move in the same step activities are still relaxing.
func (c *Config) WeightScale(scale float64) *Config {
	c.weightScale = scale
	return c
}

// StateCarryOver keeps activities from one batch as the starting point of the
// next, instead of re-initializing them feed-forward per batch. Off by default.
func (c *Config) StateCarryOver() *Config {
	c.carryOver = true
	return c
}

// KeepXStateAcrossBatches keeps the activity optimizer's state (momentum etc.)
// across batches. By default it is reset (see optim.Optim.InitState) at the
// start of every batch, since activity state is per-sample.
func (c *Config) KeepXStateAcrossBatches() *Config {
	c.keepXState = true
	return c
}

// Done validates the configuration and builds the Trainer with its compiled step
// executables. Invalid configurations return an error wrapping
// pc.ErrConfiguration before any computation runs.
func (c *Config) Done() (*Trainer, error) {
	if c.backend == nil || c.model == nil || c.optimX == nil || c.optimW == nil {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"trainer.New requires a backend, a model and both optimizers")
	}
	for _, node := range c.optimX.Mask().IncludedNodes() {
		if c.optimW.Mask().Includes(node) {
			// Overlapping masks would have both rules write the same variable
			// in one simultaneous step, one update clobbering the other.
			return nil, errors.Wrapf(pc.ErrConfiguration,
				"node %q is included in both the activity and the weight optimizer masks, phase masks must be disjoint",
				node.Name())
		}
	}
	if !slices.Contains(KnownModes, c.mode) {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"unknown solver mode %q, valid values are %v", c.mode, KnownModes)
	}
	if c.steps < 1 {
		return nil, errors.Wrapf(pc.ErrConfiguration, "steps=%d, the iteration budget must be at least 1", c.steps)
	}
	if c.minXUpdates < 1 {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"minXUpdates=%d, at least one inference step is required", c.minXUpdates)
	}
	if c.minWUpdates < 0 || c.minWUpdates > c.steps {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"minWUpdates=%d must be in [0, steps=%d]", c.minWUpdates, c.steps)
	}
	if c.minXUpdates > c.steps {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"minXUpdates=%d must not exceed steps=%d", c.minXUpdates, c.steps)
	}
	if c.energyThreshold < 0 {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"energyThreshold=%g must be non-negative", c.energyThreshold)
	}
	if c.weightScale <= 0 {
		return nil, errors.Wrapf(pc.ErrConfiguration, "weightScale=%g must be positive", c.weightScale)
	}

	t := &Trainer{
		backend:         c.backend,
		model:           c.model,
		optimX:          c.optimX,
		optimW:          c.optimW,
		mode:            c.mode,
		steps:           c.steps,
		minXUpdates:     c.minXUpdates,
		minWUpdates:     c.minWUpdates,
		energyThreshold: c.energyThreshold,
		weightScale:     c.weightScale,
		carryOver:       c.carryOver,
		keepXState:      c.keepXState,
	}
	t.buildExecs()
	return t, nil
}

// Trainer runs the iterative predictive-coding solver over batches. Create it
// with New(...).Done().
//
// A Trainer is not safe for concurrent use: activities and optimizer state live
// in the model context and are mutated by every step.
type Trainer struct {
	backend        backends.Backend
	model          *pc.Model
	optimX, optimW *optim.Optim

	mode            string
	steps           int
	minXUpdates     int
	minWUpdates     int
	energyThreshold float64
	weightScale     float64
	carryOver       bool
	keepXState      bool

	initExec   *context.Exec
	xStepExec  *context.Exec
	wStepExec  *context.Exec
	xwStepExec *context.Exec
	mseExec    *context.Exec

	started bool
}

// Mode of the trainer.
func (t *Trainer) Mode() string { return t.mode }

// Steps returns the per-batch iteration budget T.
func (t *Trainer) Steps() int { return t.steps }

// Model being trained.
func (t *Trainer) Model() *pc.Model { return t.model }

func (t *Trainer) buildExecs() {
	ctx := t.model.Context()
	t.initExec = context.MustNewExec(t.backend, ctx, func(ctx *context.Context, input *graph.Node) *graph.Node {
		g := input.Graph()
		t.model.ClearCache()
		return t.model.InitActivitiesGraph(g, input)
	})
	t.xStepExec = t.stepExec(true, false)
	t.wStepExec = t.stepExec(false, true)
	t.xwStepExec = t.stepExec(true, true)
	t.mseExec = context.MustNewExec(t.backend, ctx, func(ctx *context.Context, input, target *graph.Node) *graph.Node {
		g := input.Graph()
		t.model.ClearCache()
		output := t.model.ForwardGraph(g, input)
		return graph.ConvertDType(graph.ReduceAllMean(graph.Square(graph.Sub(output, target))), dtypes.Float64)
	})
}

// stepExec compiles one solver step: energy of the current state, the requested
// masked updates, then the energy re-measured on the updated state. It outputs
// the post-update total energy and per-node energies, as Float64: the
// convergence and divergence checks of the host loop must see the effect of
// this iteration's updates, not the previous one's.
func (t *Trainer) stepExec(updateX, updateW bool) *context.Exec {
	ctx := t.model.Context()
	return context.MustNewExec(t.backend, ctx, func(ctx *context.Context, input *graph.Node) []*graph.Node {
		g := input.Graph()
		t.model.ClearCache()
		total, _ := t.model.EnergyGraph(g, input)
		if updateX {
			t.optimX.UpdateGraph(g, total, 1)
		}
		if updateW {
			scale := 1.0
			if updateX {
				// Simultaneous update: damp the weight step while activities
				// are still relaxing.
				scale = t.weightScale
			}
			t.optimW.UpdateGraph(g, total, scale)
		}
		t.model.ClearCache()
		updatedTotal, updatedPerNode := t.model.EnergyGraph(g, input)
		perNode64 := xslices.Map(updatedPerNode, func(energy *graph.Node) *graph.Node {
			return graph.ConvertDType(energy, dtypes.Float64)
		})
		return []*graph.Node{
			graph.ConvertDType(updatedTotal, dtypes.Float64),
			graph.Stack(perNode64, 0),
		}
	})
}

// LoopState is the explicit state threaded through the solver loop of one batch.
// PrevEnergy and CurrEnergy are the total energies measured after the updates of
// the two most recent iterations (initially +Inf); Energies collects the
// post-update per-node energies of every iteration, in ContributingNodes order.
type LoopState struct {
	Iter        int
	NumXUpdates int
	NumWUpdates int
	PrevEnergy  float64
	CurrEnergy  float64
	Energies    [][]float64
}

func newLoopState() LoopState {
	return LoopState{PrevEnergy: math.Inf(1), CurrEnergy: math.Inf(1)}
}

// runStep executes one compiled step and folds its observations into the state.
// A non-finite total energy after the step's updates aborts the batch with
// pc.ErrDivergence, so even the last update of a batch cannot leave silently
// corrupted state behind.
func (t *Trainer) runStep(exec *context.Exec, input *tensors.Tensor, state LoopState, countX, countW bool) LoopState {
	results := exec.Call(input)
	total := tensors.ToScalar[float64](results[0])
	perNode := tensors.CopyFlatData[float64](results[1])
	state.PrevEnergy = state.CurrEnergy
	state.CurrEnergy = total
	state.Energies = append(state.Energies, perNode)
	state.Iter++
	if countX {
		state.NumXUpdates++
	}
	if countW {
		state.NumWUpdates++
	}
	if math.IsNaN(total) || math.IsInf(total, 0) {
		panic(errors.Wrapf(pc.ErrDivergence,
			"total energy %v at iteration %d is not finite", total, state.Iter))
	}
	return state
}

func (t *Trainer) xBody(input *tensors.Tensor) func(LoopState) LoopState {
	return func(state LoopState) LoopState {
		return t.runStep(t.xStepExec, input, state, true, false)
	}
}

func (t *Trainer) wBody(input *tensors.Tensor) func(LoopState) LoopState {
	return func(state LoopState) LoopState {
		return t.runStep(t.wStepExec, input, state, false, true)
	}
}

func (t *Trainer) xwBody(input *tensors.Tensor) func(LoopState) LoopState {
	return func(state LoopState) LoopState {
		return t.runStep(t.xwStepExec, input, state, true, true)
	}
}

// withinBudget accepts states that still have iterations left in the budget.
func (t *Trainer) withinBudget(state LoopState) bool {
	return state.Iter < t.steps
}

// stillRelaxing is the inference predicate of ModeEfficientPPC: keep relaxing
// activities while there is budget left beyond the reserved weight updates, and
// the energy has not plateaued (or the minimum inference steps aren't done yet).
func (t *Trainer) stillRelaxing(state LoopState) bool {
	return state.Iter < t.steps-t.minWUpdates &&
		(math.Abs(state.CurrEnergy-state.PrevEnergy) > t.energyThreshold ||
			state.Iter < t.minXUpdates)
}

// checkInput validates the batch shape eagerly, before any graph runs.
func (t *Trainer) checkInput(input *tensors.Tensor) {
	want := shapes.Make(t.model.DType(), t.model.BatchSize(), t.model.InputDim())
	if !input.Shape().Equal(want) {
		panic(errors.Wrapf(pc.ErrShapeMismatch,
			"input batch has shape %s, model expects %s", input.Shape(), want))
	}
}

// TrainStep runs the full solver on one batch: clamp the target, initialize
// activities (feed-forward, unless state carry-over is on), relax and learn
// according to the mode, and report the batch metrics.
//
// Divergence surfaces as an error wrapping pc.ErrDivergence, bad batch shapes as
// pc.ErrShapeMismatch.
func (t *Trainer) TrainStep(input, target *tensors.Tensor) (metrics *BatchMetrics, err error) {
	err = exceptions.TryCatch[error](func() { metrics = t.trainStep(input, target) })
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func (t *Trainer) trainStep(input, target *tensors.Tensor) *BatchMetrics {
	t.checkInput(input)
	t.model.Clamp(target)
	if !t.carryOver || !t.started {
		t.initExec.Call(input)
	}
	if !t.keepXState {
		t.optimX.InitState()
	}
	t.started = true

	state := newLoopState()
	switch t.mode {
	case ModePC:
		state = flow.While(t.xBody(input), t.withinBudget)(state)
		state = t.wBody(input)(state)
	case ModePPC:
		state = flow.While(t.xwBody(input), t.withinBudget)(state)
	case ModeEfficientPPC:
		state = flow.While(t.xBody(input), t.stillRelaxing)(state)
		state = flow.While(t.wBody(input), t.withinBudget)(state)
	case ModeInterleaved:
		step := flow.Switch(
			func(state LoopState, ii int) int { return ii % 2 },
			func(state LoopState, _ int) (LoopState, float64) {
				state = t.xBody(input)(state)
				return state, state.CurrEnergy
			},
			func(state LoopState, _ int) (LoopState, float64) {
				state = t.wBody(input)(state)
				return state, state.CurrEnergy
			})
		state, _ = flow.Scan(step, flow.Iota(t.steps))(state)
	}

	return &BatchMetrics{
		MSE:         t.forwardMSE(input, target),
		Energies:    state.Energies,
		Iterations:  state.Iter,
		NumXUpdates: state.NumXUpdates,
		NumWUpdates: state.NumWUpdates,
	}
}

// EvalStep relaxes activities on one batch with weights untouched, and reports
// the batch metrics: feed-forward MSE against the target plus the energy history
// of the relaxation.
func (t *Trainer) EvalStep(input, target *tensors.Tensor) (metrics *BatchMetrics, err error) {
	err = exceptions.TryCatch[error](func() { metrics = t.evalStep(input, target) })
	if err != nil {
		return nil, err
	}
	return metrics, nil
}

func (t *Trainer) evalStep(input, target *tensors.Tensor) *BatchMetrics {
	t.checkInput(input)
	t.model.Clamp(target)
	t.initExec.Call(input)
	t.optimX.InitState()

	state := flow.While(t.xBody(input), t.withinBudget)(newLoopState())
	return &BatchMetrics{
		MSE:         t.forwardMSE(input, target),
		Energies:    state.Energies,
		Iterations:  state.Iter,
		NumXUpdates: state.NumXUpdates,
	}
}

func (t *Trainer) forwardMSE(input, target *tensors.Tensor) float64 {
	return tensors.ToScalar[float64](t.mseExec.Call(input, target)[0])
}
