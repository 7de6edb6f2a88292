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

package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhile(t *testing.T) {
	double := While(
		func(x int) int { return 2 * x },
		func(x int) bool { return x < 100 })
	assert.Equal(t, 128, double(1))

	// The predicate runs before the first application: a rejecting initial
	// state comes back unchanged.
	assert.Equal(t, 100, double(100))
	assert.Equal(t, 1000, double(1000))
}

func TestScan(t *testing.T) {
	// Running sum, emitting the partial sums.
	sum, partials := Scan(
		func(acc, x int) (int, int) { return acc + x, acc + x },
		[]int{1, 2, 3, 4})(10)
	assert.Equal(t, 20, sum)
	assert.Equal(t, []int{11, 13, 16, 20}, partials)

	// Empty input: the state passes through, no outputs.
	sum, partials = Scan(
		func(acc, x int) (int, int) { return acc + x, acc },
		nil)(7)
	assert.Equal(t, 7, sum)
	assert.Empty(t, partials)
}

func TestSwitch(t *testing.T) {
	// Even steps add, odd steps multiply.
	step := Switch(
		func(_ int, ii int) int { return ii % 2 },
		func(acc, _ int) (int, string) { return acc + 1, "add" },
		func(acc, _ int) (int, string) { return acc * 3, "mul" },
	)
	state, outs := Scan(step, Iota(4))(0)
	// 0 ->+1-> 1 ->*3-> 3 ->+1-> 4 ->*3-> 12.
	assert.Equal(t, 12, state)
	assert.Equal(t, []string{"add", "mul", "add", "mul"}, outs)

	require.Panics(t, func() {
		badStep := Switch(
			func(_ int, _ int) int { return 2 },
			func(acc, _ int) (int, string) { return acc, "" },
		)
		badStep(0, 0)
	})
}

func TestIota(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2}, Iota(3))
	assert.Empty(t, Iota(0))
}
