/*Package sweep provides setpoint descriptors for data acquisition loops.

A Sweep is a small parametrized recipe for a finite 1-D sequence of
setpoints, plus the metadata an acquisition loop needs: which parameter to
drive, how long to dwell between points, and any side-effect actions to run
after each set.  Sweeps are not lazy; Setpoints always returns a fresh slice
and a sweep may be replayed as many times as desired.
*/
package sweep

import (
	"math"
	"time"
)

// Action is a side effect run after a setpoint is applied, e.g. triggering
// a lock-in or waiting out a settling filter
type Action func() error

// Sweep describes a finite, restartable sequence of setpoints for one
// parameter
type Sweep interface {
	// Setpoints returns the setpoint values.  The slice is owned by the
	// caller; mutating it does not change the sweep.
	Setpoints() []float64

	// NumPoints returns the number of setpoints
	NumPoints() int

	// Delay returns the dwell time between two consecutive setpoints
	Delay() time.Duration

	// Param returns the identity of the swept parameter
	Param() string

	// PostActions returns the actions to run after each setpoint is applied
	PostActions() []Action
}

// meta holds the fields common to all sweep flavors
type meta struct {
	param   string
	delay   time.Duration
	actions []Action
}

func (m meta) Delay() time.Duration  { return m.delay }
func (m meta) Param() string         { return m.param }
func (m meta) PostActions() []Action { return m.actions }

// Lin is an evenly spaced sweep from start to stop inclusive
type Lin struct {
	meta
	start, stop float64
	n           int
}

// NewLin returns a linear sweep of param over [start, stop] with n points
func NewLin(param string, start, stop float64, n int, delay time.Duration, actions ...Action) Lin {
	return Lin{
		meta:  meta{param: param, delay: delay, actions: actions},
		start: start,
		stop:  stop,
		n:     n,
	}
}

// NumPoints returns the number of setpoints
func (s Lin) NumPoints() int { return s.n }

// Setpoints returns n evenly spaced values.  The first and last points are
// exactly start and stop; intermediate points may carry float rounding.
func (s Lin) Setpoints() []float64 {
	return linspace(s.start, s.stop, s.n)
}

// Log is a logarithmically spaced sweep; start and stop are exponents of 10,
// matching the semantics of numpy's logspace
type Log struct {
	meta
	start, stop float64
	n           int
}

// NewLog returns a logarithmic sweep of param over [10^start, 10^stop] with
// n points
func NewLog(param string, start, stop float64, n int, delay time.Duration, actions ...Action) Log {
	return Log{
		meta:  meta{param: param, delay: delay, actions: actions},
		start: start,
		stop:  stop,
		n:     n,
	}
}

// NumPoints returns the number of setpoints
func (s Log) NumPoints() int { return s.n }

// Setpoints returns n logarithmically spaced values
func (s Log) Setpoints() []float64 {
	pts := linspace(s.start, s.stop, s.n)
	for i, v := range pts {
		pts[i] = math.Pow(10, v)
	}
	return pts
}

// Array is a sweep over an explicit caller-provided sequence
type Array struct {
	meta
	values []float64
}

// NewArray returns a sweep over a copy of values
func NewArray(param string, values []float64, delay time.Duration, actions ...Action) Array {
	cpy := make([]float64, len(values))
	copy(cpy, values)
	return Array{
		meta:   meta{param: param, delay: delay, actions: actions},
		values: cpy,
	}
}

// NumPoints returns the number of setpoints
func (s Array) NumPoints() int { return len(s.values) }

// Setpoints returns a copy of the stored values
func (s Array) Setpoints() []float64 {
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// linspace mirrors numpy.linspace for n >= 2; n == 1 yields just start and
// n <= 0 yields an empty slice
func linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	// pin the endpoint; the incremental form drifts by an ulp or two
	out[n-1] = stop
	return out
}
