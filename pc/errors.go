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

import "github.com/pkg/errors"

// Sentinel errors shared across the engine. Errors raised by pcax packages wrap one
// of these, so callers can classify failures with errors.Is regardless of where the
// failure surfaced.
var (
	// ErrConfiguration indicates an invalid build-time configuration: unknown
	// solver mode, unknown optimizer name, inconsistent iteration bounds. Raised
	// eagerly, before any computation runs.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch indicates a structural disagreement between a parameter
	// list and the values applied to it (gradients, clamped targets, loaded
	// weights).
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMissingGradient indicates a masked-in parameter for which no gradient
	// exists, typically because the parameter does not participate in the energy.
	ErrMissingGradient = errors.New("missing gradient")

	// ErrDivergence indicates the total energy became non-finite during the
	// solver loop. Distinct from failure to converge, which is not an error.
	ErrDivergence = errors.New("energy diverged")

	// ErrStorage indicates weight serialization input/output failed.
	ErrStorage = errors.New("weights storage failure")
)
