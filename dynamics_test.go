package gnc

import (
	"math"
	"testing"

	"github.com/gonum/floats"
)

func TestPropagateProximityCoast(t *testing.T) {
	// Circular two-body orbit: specific energy is conserved and the radius
	// stays on the circle.
	μ := 4.9e-9
	r0 := 1.0
	v0 := math.Sqrt(μ / r0)
	R := []float64{r0, 0, 0}
	V := []float64{0, v0, 0}
	ε0 := v0*v0/2 - μ/r0

	R1, V1 := PropagateProximity(R, V, nil, μ, 1000)
	ε1 := dot(V1, V1)/2 - μ/norm(R1)
	if !floats.EqualWithinAbs(ε1, ε0, math.Abs(ε0)*1e-8) {
		t.Fatalf("energy not conserved: %g != %g", ε1, ε0)
	}
	if !floats.EqualWithinAbs(norm(R1), r0, 1e-9) {
		t.Fatalf("circular orbit radius drifted: %f", norm(R1))
	}
	// The inputs are never mutated.
	if R[0] != r0 || V[1] != v0 {
		t.Fatal("propagation mutated its inputs")
	}
}

func TestPropagateProximityThrust(t *testing.T) {
	// Constant acceleration with negligible gravity: x = x0 + a·t²/2.
	a := 1e-6
	R, V := PropagateProximity([]float64{1, 0, 0}, []float64{0, 0, 0}, []float64{a, 0, 0}, 0, 10)
	if !floats.EqualWithinAbs(R[0], 1+a*100/2, 1e-12) {
		t.Fatalf("position after burn: got %f", R[0])
	}
	if !floats.EqualWithinAbs(V[0], a*10, 1e-12) {
		t.Fatalf("velocity after burn: got %f", V[0])
	}
}

func TestStateTransitionMatrix(t *testing.T) {
	// Over a short arc the STM is I + A·dt to first order: unit diagonal and
	// dt on the position-velocity coupling block.
	dt := 1.0
	p := newProximityProp([]float64{5, 0, 0}, []float64{0, 1e-5, 0}, nil, 4.9e-9, dt)
	p.Propagate()
	for i := 0; i < 6; i++ {
		if !floats.EqualWithinAbs(p.Φ.At(i, i), 1, 1e-6) {
			t.Fatalf("Φ[%d][%d] = %f, expected ~1", i, i, p.Φ.At(i, i))
		}
	}
	for i := 0; i < 3; i++ {
		if !floats.EqualWithinAbs(p.Φ.At(i, i+3), dt, 1e-6) {
			t.Fatalf("Φ[%d][%d] = %f, expected ~%f", i, i+3, p.Φ.At(i, i+3), dt)
		}
	}
}
