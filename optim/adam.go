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
	// AdamDefaultLearningRate is used by Adam if no learning rate is configured
	// nor set in the context parameters.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the scope name under which Adam keeps its moments and
	// step counter.
	AdamDefaultScope = "AdamOptimizer"

	// adamStepName is the name of the per-rule step counter used for debiasing.
	adamStepName = "step"
)

// Adam optimization is a stochastic gradient descent method based on adaptive
// estimation of first-order and second-order moments, see
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object; configure and call Done to build the Rule.
// In predictive coding Adam is the usual choice for the weight (learning) phase.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1, // < 0 means take it from the context parameters.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig is created with Adam(), configured, and turned into a Rule by Done.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // L-infinity for the second moment.
	weightDecay  float64 // Works as AdamW.
}

// Scope sets the scope name for the moments and the step counter. Use distinct
// scopes when two optimizers of the same rule must keep independent state (e.g.
// an activity and a weight optimizer both running Adam). Defaults to
// AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets a fixed base learning rate. Defaults to the context parameter
// ParamLearningRate, or AdamDefaultLearningRate if that is unset.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving-average constants (exponential decays). They default
// to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configures Adam to use the L-infinity norm for the second moment, as
// described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configures the rule to work as AdamW, with the given static weight
// decay. L2 regularization doesn't combine well with Adam, decoupled decay does.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done returns the configured rule.
func (c *AdamConfig) Done() Rule {
	return &adam{config: c}
}

type adam struct {
	config *AdamConfig
}

// Name implements Rule.
func (o *adam) Name() string { return "adam" }

// stepVar returns the rule's step counter, shared by all parameters it updates.
func (o *adam) stepVar(ctx *context.Context) *context.Variable {
	return ctx.InAbsPath(context.ScopeSeparator + o.config.scopeName).Checked(false).
		VariableWithValue(adamStepName, 0).SetTrainable(false)
}

// UpdateGraph implements Rule.
func (o *adam) UpdateGraph(ctx *context.Context, g *Graph, params []*context.Variable, grads []*Node) {
	if len(params) == 0 {
		return
	}
	dtype := grads[0].DType()
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}
	learningRate := Const(g, shapes.CastAsDType(lrValue, dtype))

	stepVar := o.stepVar(ctx)
	stepNode := stepVar.ValueGraph(g)
	stepNode = Add(stepNode, OnesLike(stepNode))
	stepVar.SetValueGraph(stepNode)
	adamStep := stepNode
	if adamStep.DType() != dtype {
		adamStep = ConvertDType(adamStep, dtype)
	}

	beta1 := Const(g, shapes.CastAsDType(o.config.beta1, dtype))
	debiasTermBeta1 := Inverse(OneMinus(Pow(beta1, adamStep)))
	beta2 := Const(g, shapes.CastAsDType(o.config.beta2, dtype))
	debiasTermBeta2 := Inverse(OneMinus(Pow(beta2, adamStep)))
	epsilon := Const(g, shapes.CastAsDType(o.config.epsilon, dtype))

	for ii, param := range params {
		o.applyAdamGraph(ctx, g, param, grads[ii], learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
	}
}

// applyAdamGraph builds the updates of one parameter and its 1st and 2nd order
// moments. If adamax is set, moment2 stores the L-infinity norm of the gradient
// instead.
func (o *adam) applyAdamGraph(ctx *context.Context, g *Graph, param *context.Variable, grad *Node,
	learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {

	m1Var := stateVariable(ctx, o.config.scopeName, param, "_1st_moment")
	m2Var := stateVariable(ctx, o.config.scopeName, param, "_2nd_moment")
	moment1, moment2 := m1Var.ValueGraph(g), m2Var.ValueGraph(g)

	moment1 = Add(Mul(beta1, moment1), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	var denominator *Node
	if o.config.adamax {
		moment2 = Max(Mul(beta2, moment2), Abs(grad)) // L-infinity norm.
		m2Var.SetValueGraph(moment2)
		denominator = Add(moment2, epsilon)
	} else {
		moment2 = Add(Mul(beta2, moment2), Mul(OneMinus(beta2), Square(grad)))
		m2Var.SetValueGraph(moment2)
		debiasedMoment2 := Mul(moment2, debiasTermBeta2)
		denominator = Add(Sqrt(debiasedMoment2), epsilon)
	}

	value := param.ValueGraph(g)
	stepDirection := Div(debiasedMoment1, denominator)
	if o.config.weightDecay > 0 {
		stepDirection = Add(stepDirection, MulScalar(value, o.config.weightDecay))
	}
	updated := Sub(value, Mul(learningRate, stepDirection))
	param.SetValueGraph(updated)
}

// StateVariables implements Rule: the step counter plus two moments per
// parameter.
func (o *adam) StateVariables(ctx *context.Context, params []*context.Variable) []*context.Variable {
	state := make([]*context.Variable, 0, 2*len(params)+1)
	state = append(state, o.stepVar(ctx))
	for _, param := range params {
		state = append(state,
			stateVariable(ctx, o.config.scopeName, param, "_1st_moment"),
			stateVariable(ctx, o.config.scopeName, param, "_2nd_moment"))
	}
	return state
}
