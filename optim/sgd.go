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

package optim

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

const (
	// SgdDefaultLearningRate is used by SGD if no learning rate is configured
	// nor set in the context parameters.
	SgdDefaultLearningRate = 0.1

	// SgdDefaultScope is the scope name under which SGD keeps momentum buffers.
	SgdDefaultScope = "SGDOptimizer"
)

// SGD returns the configuration of a stochastic gradient descent rule with a
// constant learning rate and optional momentum. Configure and call Done.
//
// The inference phase of predictive coding typically runs plain SGD (momentum 0)
// on activities; momentum buffers are only allocated when momentum > 0.
func SGD() *SGDConfig {
	return &SGDConfig{
		scopeName:    SgdDefaultScope,
		learningRate: -1, // < 0 means take it from the context parameters.
	}
}

// SGDConfig is created with SGD(), configured, and turned into a Rule by Done.
type SGDConfig struct {
	scopeName    string
	learningRate float64
	momentum     float64
}

// Scope sets the scope name for the momentum buffers. Use distinct scopes when
// two optimizers of the same rule must keep independent state over the same
// parameters. Defaults to SgdDefaultScope.
func (c *SGDConfig) Scope(name string) *SGDConfig {
	c.scopeName = name
	return c
}

// LearningRate sets a fixed learning rate. Defaults to the context parameter
// ParamLearningRate, or SgdDefaultLearningRate if that is unset.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Momentum sets the momentum coefficient µ, with the update m = µ·m + grad.
// Zero (the default) disables momentum and keeps no state.
func (c *SGDConfig) Momentum(value float64) *SGDConfig {
	c.momentum = value
	return c
}

// Done returns the configured rule.
func (c *SGDConfig) Done() Rule {
	return &sgd{config: c}
}

type sgd struct {
	config *SGDConfig
}

// Name implements Rule.
func (o *sgd) Name() string { return "sgd" }

// UpdateGraph implements Rule.
func (o *sgd) UpdateGraph(ctx *context.Context, g *Graph, params []*context.Variable, grads []*Node) {
	if len(params) == 0 {
		return
	}
	dtype := grads[0].DType()
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, SgdDefaultLearningRate)
	}
	learningRate := Const(g, shapes.CastAsDType(lrValue, dtype))
	for ii, param := range params {
		grad := grads[ii]
		step := grad
		if o.config.momentum > 0 {
			mVar := stateVariable(ctx, o.config.scopeName, param, "_momentum")
			momentum := mVar.ValueGraph(g)
			momentum = Add(MulScalar(momentum, o.config.momentum), grad)
			mVar.SetValueGraph(momentum)
			step = momentum
		}
		lrCast := learningRate
		if lrCast.DType() != grad.DType() {
			lrCast = ConvertDType(learningRate, grad.DType())
		}
		updated := Sub(param.ValueGraph(g), Mul(lrCast, step))
		param.SetValueGraph(updated)
	}
}

// StateVariables implements Rule. Without momentum SGD is stateless.
func (o *sgd) StateVariables(ctx *context.Context, params []*context.Variable) []*context.Variable {
	if o.config.momentum <= 0 {
		return nil
	}
	state := make([]*context.Variable, 0, len(params))
	for _, param := range params {
		state = append(state, stateVariable(ctx, o.config.scopeName, param, "_momentum"))
	}
	return state
}
