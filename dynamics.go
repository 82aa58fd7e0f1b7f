package gnc

import (
	"math"

	"github.com/ChristopherRabotin/ode"
	"github.com/gonum/matrix/mat64"
)

// propagationStep is the internal integration step of the proximity propagator.
const propagationStep = 1.0 // seconds

// proximityProp propagates a body-relative state and its state transition
// matrix under point-mass small-body gravity. It is an ode.Integrable so the
// same RK4 integrator drives both the filter prediction and the guidance
// feasibility checks.
type proximityProp struct {
	Φ        *mat64.Dense // STM, 6x6
	R, V     []float64    // km, km/s in the mission frame
	Accel    []float64    // km/s², non-gravitational (thrust, SRP), held constant
	μ        float64      // km³/s²
	duration float64      // seconds to propagate
	elapsed  float64
	step     float64
}

// newProximityProp returns a propagator for the given state. A nil accel means
// pure coasting.
func newProximityProp(R, V, accel []float64, μ, duration float64) *proximityProp {
	if accel == nil {
		accel = []float64{0, 0, 0}
	}
	step := propagationStep
	if duration < step {
		step = duration
	}
	return &proximityProp{denseIdentity(6), append([]float64{}, R...), append([]float64{}, V...), accel, μ, duration, 0, step}
}

// PropagateProximity advances a body-relative state under two-body gravity
// plus a constant non-gravitational acceleration, and returns the new
// position and velocity. Durations in seconds.
func PropagateProximity(R, V, accel []float64, μ, duration float64) ([]float64, []float64) {
	p := newProximityProp(R, V, accel, μ, duration)
	p.Propagate()
	return p.R, p.V
}

// Propagate runs the integration to completion.
func (p *proximityProp) Propagate() {
	if p.duration <= 0 {
		return
	}
	ode.NewRK4(0, p.step, p).Solve() // Blocking.
}

// GetState implements the ode.Integrable interface.
func (p *proximityProp) GetState() []float64 {
	s := make([]float64, 6+36)
	copy(s[0:3], p.R)
	copy(s[3:6], p.V)
	sIdx := 6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			s[sIdx] = p.Φ.At(i, j)
			sIdx++
		}
	}
	return s
}

// SetState implements the ode.Integrable interface.
func (p *proximityProp) SetState(t float64, s []float64) {
	copy(p.R, s[0:3])
	copy(p.V, s[3:6])
	sIdx := 6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			p.Φ.Set(i, j, s[sIdx])
			sIdx++
		}
	}
	p.elapsed += p.step
}

// Stop implements the ode.Integrable interface.
func (p *proximityProp) Stop(t float64) bool {
	return p.elapsed >= p.duration
}

// Func implements the ode.Integrable interface: two-body acceleration plus the
// held non-gravitational acceleration, and the STM derivative Φ̇ = AΦ.
func (p *proximityProp) Func(t float64, f []float64) (fDot []float64) {
	fDot = make([]float64, 6+36)
	R := f[0:3]
	r := norm(R)
	bodyAcc := -p.μ / math.Pow(r, 3)
	fDot[0] = f[3]
	fDot[1] = f[4]
	fDot[2] = f[5]
	for i := 0; i < 3; i++ {
		fDot[i+3] = bodyAcc*R[i] + p.Accel[i]
	}

	// Gravity gradient partials, the bottom-left block of A.
	x, y, z := R[0], R[1], R[2]
	r2 := x*x + y*y + z*z
	r232 := math.Pow(r2, 3/2.)
	r252 := math.Pow(r2, 5/2.)
	A := mat64.NewDense(6, 6, nil)
	A.Set(0, 3, 1)
	A.Set(1, 4, 1)
	A.Set(2, 5, 1)
	A.Set(3, 0, 3*p.μ*x*x/r252-p.μ/r232)
	A.Set(3, 1, 3*p.μ*x*y/r252)
	A.Set(3, 2, 3*p.μ*x*z/r252)
	A.Set(4, 0, 3*p.μ*x*y/r252)
	A.Set(4, 1, 3*p.μ*y*y/r252-p.μ/r232)
	A.Set(4, 2, 3*p.μ*y*z/r252)
	A.Set(5, 0, 3*p.μ*x*z/r252)
	A.Set(5, 1, 3*p.μ*y*z/r252)
	A.Set(5, 2, 3*p.μ*z*z/r252-p.μ/r232)

	Φ := mat64.NewDense(6, 6, nil)
	fIdx := 6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			Φ.Set(i, j, f[fIdx])
			fIdx++
		}
	}
	var ΦDot mat64.Dense
	ΦDot.Mul(A, Φ)
	fIdx = 6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			fDot[fIdx] = ΦDot.At(i, j)
			fIdx++
		}
	}
	return fDot
}

// denseIdentity returns an n×n identity matrix.
func denseIdentity(n int) *mat64.Dense {
	m := mat64.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
