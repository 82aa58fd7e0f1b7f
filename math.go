package gnc

import (
	"math"

	"github.com/gonum/floats"
	"github.com/gonum/matrix/mat64"
)

const (
	deg2rad = math.Pi / 180
	rad2deg = 180 / math.Pi
)

// norm returns the norm of a given vector which is supposed to be 3x1.
func norm(v []float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

// unit returns the unit vector of a given vector.
func unit(a []float64) (b []float64) {
	n := norm(a)
	if floats.EqualWithinAbs(n, 0, 1e-12) {
		return []float64{0, 0, 0}
	}
	b = make([]float64, len(a))
	for i, val := range a {
		b[i] = val / n
	}
	return
}

// dot performs the inner product via mat64/BLAS.
func dot(a, b []float64) float64 {
	return mat64.Dot(mat64.NewVector(len(a), a), mat64.NewVector(len(b), b))
}

// cross performs the cross product.
func cross(a, b []float64) []float64 {
	return []float64{a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0]}
}

// Quaternion is a scalar-first attitude quaternion [q0 q1 q2 q3].
type Quaternion [4]float64

// IdentityQuaternion returns the no-rotation quaternion.
func IdentityQuaternion() Quaternion {
	return Quaternion{1, 0, 0, 0}
}

// Normalized returns the unit quaternion, falling back to identity for a nil quaternion.
func (q Quaternion) Normalized() Quaternion {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if floats.EqualWithinAbs(n, 0, 1e-12) {
		return IdentityQuaternion()
	}
	return Quaternion{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Conjugate returns the quaternion conjugate.
func (q Quaternion) Conjugate() Quaternion {
	return Quaternion{q[0], -q[1], -q[2], -q[3]}
}

// Mul performs the Hamilton product q ⊗ p.
func (q Quaternion) Mul(p Quaternion) Quaternion {
	return Quaternion{
		q[0]*p[0] - q[1]*p[1] - q[2]*p[2] - q[3]*p[3],
		q[0]*p[1] + q[1]*p[0] + q[2]*p[3] - q[3]*p[2],
		q[0]*p[2] - q[1]*p[3] + q[2]*p[0] + q[3]*p[1],
		q[0]*p[3] + q[1]*p[2] - q[2]*p[1] + q[3]*p[0],
	}
}

// Integrate propagates the quaternion by the body rate ω (rad/s) over dt seconds.
func (q Quaternion) Integrate(ω []float64, dt float64) Quaternion {
	Ω := Quaternion{0, ω[0], ω[1], ω[2]}
	qDot := q.Mul(Ω)
	for i := 0; i < 4; i++ {
		qDot[i] *= 0.5 * dt
	}
	return Quaternion{q[0] + qDot[0], q[1] + qDot[1], q[2] + qDot[2], q[3] + qDot[3]}.Normalized()
}

// Blend rotates q toward p by the given gain in (0, 1]. A gain of 1 returns p.
// Linear blending is only valid for the small corrections used in attitude
// filtering.
func (q Quaternion) Blend(p Quaternion, gain float64) Quaternion {
	// Keep the pair in the same hemisphere to avoid the long way around.
	if q[0]*p[0]+q[1]*p[1]+q[2]*p[2]+q[3]*p[3] < 0 {
		p = Quaternion{-p[0], -p[1], -p[2], -p[3]}
	}
	var b Quaternion
	for i := 0; i < 4; i++ {
		b[i] = (1-gain)*q[i] + gain*p[i]
	}
	return b.Normalized()
}

// AngleTo returns the rotation angle in radians between two quaternions.
func (q Quaternion) AngleTo(p Quaternion) float64 {
	d := q.Conjugate().Mul(p).Normalized()
	c := math.Abs(d[0])
	if c > 1 {
		c = 1
	}
	return 2 * math.Acos(c)
}

// Rotate applies the quaternion rotation to the vector v.
func (q Quaternion) Rotate(v []float64) []float64 {
	p := Quaternion{0, v[0], v[1], v[2]}
	r := q.Mul(p).Mul(q.Conjugate())
	return []float64{r[1], r[2], r[3]}
}

// QuaternionBetween returns the shortest rotation taking unit vector a onto unit vector b.
func QuaternionBetween(a, b []float64) Quaternion {
	a, b = unit(a), unit(b)
	c := cross(a, b)
	w := 1 + dot(a, b)
	if floats.EqualWithinAbs(w, 0, 1e-12) {
		// Antiparallel: rotate π about any axis orthogonal to a.
		ortho := cross(a, []float64{1, 0, 0})
		if floats.EqualWithinAbs(norm(ortho), 0, 1e-9) {
			ortho = cross(a, []float64{0, 1, 0})
		}
		ortho = unit(ortho)
		return Quaternion{0, ortho[0], ortho[1], ortho[2]}
	}
	return Quaternion{w, c[0], c[1], c[2]}.Normalized()
}
