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

// Package optim implements masked optimizers for predictive-coding models.
//
// An Optim pairs an update Rule (SGD with momentum, Adam) with a pc.Mask: each
// step takes the gradient of the total energy with respect to the masked-in
// leaves only, and applies the rule's update to exactly those leaves. Rules keep
// their auxiliary state (momentum buffers, Adam moments) in non-trainable
// variables of the same context, in a scope of their own, so state survives
// across graph executions and can be reset or dropped independently of the
// parameters.
package optim

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/pcax/pc"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ParamLearningRate is the context parameter with the default learning rate, used
// by rules whose learning rate was not set explicitly.
const ParamLearningRate = "learning_rate"

// Rule is one update algorithm, applied by an Optim to its masked-in leaves.
type Rule interface {
	// Name of the rule, see KnownRules.
	Name() string

	// UpdateGraph builds the in-graph updates of params given their gradients,
	// one gradient per parameter. Updates are applied with
	// Variable.SetValueGraph, the executor materializes them after the run.
	UpdateGraph(ctx *context.Context, g *graph.Graph, params []*context.Variable, grads []*graph.Node)

	// StateVariables returns all auxiliary state the rule keeps for the given
	// parameter set, creating the variables zero-initialized if missing.
	StateVariables(ctx *context.Context, params []*context.Variable) []*context.Variable
}

// KnownRules maps rule names to their default constructors, for
// configuration-driven selection. See RuleByName.
var KnownRules = map[string]func() Rule{
	"sgd":    func() Rule { return SGD().Done() },
	"adam":   func() Rule { return Adam().Done() },
	"adamw":  func() Rule { return Adam().WeightDecay(0.004).Done() },
	"adamax": func() Rule { return Adam().Adamax().Done() },
}

// RuleByName returns the rule with the given name with its default
// configuration. Unknown names return an error wrapping pc.ErrConfiguration.
func RuleByName(name string) (Rule, error) {
	builder, found := KnownRules[name]
	if !found {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"unknown optimizer rule %q, valid values are %v", name, maps.Keys(KnownRules))
	}
	return builder(), nil
}

// stateVariable returns the rule state variable attached to param, creating it
// zero-initialized and non-trainable if missing. It lives under
// /<scopeName>/<param scope>/<param name><suffix>, mirroring the parameter scope
// tree so parameters of different optimizers never collide.
func stateVariable(ctx *context.Context, scopeName string, param *context.Variable, suffix string) *context.Variable {
	scopePath := context.ScopeSeparator + scopeName + param.Scope()
	name := param.Name() + suffix
	return ctx.InAbsPath(scopePath).Checked(false).WithInitializer(initializers.Zero).
		VariableWithShape(name, param.Shape()).SetTrainable(false)
}

// Config builds an Optim, see New.
type Config struct {
	ctx               *context.Context
	rule              Rule
	mask              *pc.Mask
	allowMissingGrads bool
}

// New starts the configuration of a masked optimizer: rule applied to the leaves
// masked in by mask. State variables are created in ctx, which must be the
// context holding the masked parameters.
func New(ctx *context.Context, rule Rule, mask *pc.Mask) *Config {
	return &Config{ctx: ctx, rule: rule, mask: mask}
}

// AllowMissingGrads makes masked-in leaves that don't participate in the energy
// graph be silently skipped (their gradient treated as zero). The default is to
// panic with an error wrapping pc.ErrMissingGradient.
func (c *Config) AllowMissingGrads() *Config {
	c.allowMissingGrads = true
	return c
}

// Done validates the configuration and returns the Optim.
func (c *Config) Done() (*Optim, error) {
	if c.ctx == nil || c.rule == nil || c.mask == nil {
		return nil, errors.Wrapf(pc.ErrConfiguration,
			"optim.New requires a context, a rule and a mask (got ctx=%v, rule=%v, mask=%v)",
			c.ctx != nil, c.rule, c.mask)
	}
	return &Optim{
		ctx:               c.ctx,
		rule:              c.rule,
		mask:              c.mask,
		allowMissingGrads: c.allowMissingGrads,
	}, nil
}

// Optim applies an update Rule to the leaves masked in by a pc.Mask.
type Optim struct {
	ctx               *context.Context
	rule              Rule
	mask              *pc.Mask
	allowMissingGrads bool
}

// Rule of this optimizer.
func (o *Optim) Rule() Rule { return o.rule }

// Mask of this optimizer.
func (o *Optim) Mask() *pc.Mask { return o.mask }

// targets returns the masked-in nodes that participate in graph g, checking the
// missing-gradient contract.
func (o *Optim) targets(g *graph.Graph) []*context.Variable {
	var params []*context.Variable
	for _, node := range o.mask.IncludedNodes() {
		v := node.Variable()
		if !v.InUseByGraph(g) {
			if o.allowMissingGrads {
				continue
			}
			panic(errors.Wrapf(pc.ErrMissingGradient,
				"node %q (role %s) is masked in but does not participate in the energy graph",
				node.Name(), node.Role()))
		}
		params = append(params, v)
	}
	return params
}

// UpdateGraph builds one masked update step into graph g: gradients of the scalar
// energy with respect to the masked-in leaves, scaled by scaleBy, fed to the
// rule. Gradients of excluded leaves are never built. An all-excluded (or
// all-skipped) mask builds nothing, leaving every parameter untouched.
//
// scaleBy is typically 1; the trainer uses it to damp weight updates in
// simultaneous modes and to average gradients over accumulated batches.
func (o *Optim) UpdateGraph(g *graph.Graph, energy *graph.Node, scaleBy float64) {
	if !energy.Shape().IsScalar() {
		Panicf("optimizer requires a scalar energy, got energy.shape=%s", energy.Shape())
	}
	params := o.targets(g)
	if len(params) == 0 {
		return
	}
	values := make([]*graph.Node, len(params))
	for ii, param := range params {
		values[ii] = param.ValueGraph(g)
	}
	grads := graph.Gradient(energy, values...)
	if scaleBy != 1 {
		for ii, grad := range grads {
			grads[ii] = graph.MulScalar(grad, scaleBy)
		}
	}
	o.rule.UpdateGraph(o.ctx, g, params, grads)
}

// Init allocates the rule's state for every masked-in leaf, zero-initialized.
// Optional: UpdateGraph creates state lazily; Init exists so state can be
// inspected or reset before the first step.
func (o *Optim) Init() {
	o.stateVariables()
}

// InitState resets the rule's state (momentum buffers, moments, step counters)
// for every masked-in leaf back to zeros, without touching the parameters
// themselves. The solver calls this between batches when activity-optimizer state
// should not leak across examples.
func (o *Optim) InitState() {
	for _, sv := range o.stateVariables() {
		sv.SetValue(tensors.FromShape(sv.Shape()))
	}
}

// Clear deletes the rule's state variables for the masked-in leaves, freeing
// their space. They are recreated zero-initialized on the next step.
func (o *Optim) Clear() {
	for _, sv := range o.stateVariables() {
		o.ctx.DeleteVariable(sv.Scope(), sv.Name())
	}
}

func (o *Optim) stateVariables() []*context.Variable {
	return o.rule.StateVariables(o.ctx, o.mask.Params())
}
