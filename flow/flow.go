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

// Package flow provides host-side flow-control combinators used by the solver:
// While, Scan and Switch.
//
// They thread an explicit state value through step functions, so loop bodies stay
// pure state machines: each body maps a state to the next state, and the
// combinators own the iteration. The iteration count of While is decided at run
// time by its predicate; Scan runs over a fixed input slice and collects per-step
// outputs; Switch dispatches each step to one of several branches.
package flow

// While returns a function that repeatedly applies body while shouldContinue
// accepts the current state, starting from the state it is given. The predicate
// is evaluated before every application, so a rejecting initial state is returned
// unchanged.
func While[S any](body func(S) S, shouldContinue func(S) bool) func(S) S {
	return func(state S) S {
		for shouldContinue(state) {
			state = body(state)
		}
		return state
	}
}

// StepFn consumes a state and one input element, returning the next state and a
// per-step output.
type StepFn[S, X, O any] func(S, X) (S, O)

// Scan returns a function that threads a state through step over each element of
// xs in order, collecting the per-step outputs.
func Scan[S, X, O any](step StepFn[S, X, O], xs []X) func(S) (S, []O) {
	return func(state S) (S, []O) {
		outputs := make([]O, 0, len(xs))
		for _, x := range xs {
			var out O
			state, out = step(state, x)
			outputs = append(outputs, out)
		}
		return state, outputs
	}
}

// Switch combines branches into one StepFn that dispatches every step to the
// branch chosen by selector. The selector must return an index in
// [0, len(branches)); Switch panics otherwise, like an out-of-range slice index.
func Switch[S, X, O any](selector func(S, X) int, branches ...StepFn[S, X, O]) StepFn[S, X, O] {
	return func(state S, x X) (S, O) {
		return branches[selector(state, x)](state, x)
	}
}

// Iota returns [0, 1, ..., n-1], a convenient input for Scan when the steps only
// need their index.
func Iota(n int) []int {
	xs := make([]int, n)
	for ii := range xs {
		xs[ii] = ii
	}
	return xs
}
