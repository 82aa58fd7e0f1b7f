package gnc

import (
	"math"
	"math/rand"
	"time"

	"github.com/gonum/matrix/mat64"
	"github.com/gonum/stat/distmv"
)

// SensorSource produces at most one normalized measurement per control cycle.
// Each source samples independently, potentially on its own timer.
type SensorSource interface {
	Kind() SensorKind
	// Sample returns the measurement for the cycle at dt. The second return
	// is false when the source has nothing to report this cycle.
	Sample(dt time.Time) (Measurement, bool)
}

// Collect joins all sensor sources for one cycle: each source samples on its
// own goroutine and the barrier waits until every source reported or the
// deadline expired. Late sources are dropped for the cycle; a dropped source
// surfaces later as a StaleData condition in the filter, never as a hang.
func Collect(sources []SensorSource, dt time.Time, deadline time.Duration) []Measurement {
	type result struct {
		m  Measurement
		ok bool
	}
	results := make(chan result, len(sources))
	for _, src := range sources {
		go func(s SensorSource) {
			m, ok := s.Sample(dt)
			results <- result{m, ok}
		}(src)
	}
	timeout := time.After(deadline)
	var ms []Measurement
	for i := 0; i < len(sources); i++ {
		select {
		case r := <-results:
			if r.ok {
				ms = append(ms, r.m)
			}
		case <-timeout:
			return ms
		}
	}
	return ms
}

/* Simulated sensor suite. Used by the closed-loop simulation and the tests. */

// TruthState is the simulated ground-truth consumed by the sensor models.
type TruthState struct {
	Position     []float64 // km, mission frame
	Velocity     []float64 // km/s
	Attitude     Quaternion
	AngularRate  []float64 // rad/s
	Acceleration []float64 // km/s², non-gravitational, body frame
	SunDirection []float64 // unit vector, mission frame
}

// TruthProvider supplies the ground truth at a given time.
type TruthProvider func(dt time.Time) TruthState

func gaussian(σ2 float64) *distmv.Normal {
	if σ2 <= 0 {
		// Noiseless sensor.
		return nil
	}
	seed := rand.New(rand.NewSource(time.Now().UnixNano()))
	n, ok := distmv.NewNormal([]float64{0}, mat64.NewSymDense(1, []float64{σ2}), seed)
	if !ok {
		panic("NOK in Gaussian")
	}
	return n
}

func draw(n *distmv.Normal) float64 {
	if n == nil {
		return 0
	}
	return n.Rand(nil)[0]
}

// SimIMU models a 6-DOF inertial measurement unit with per-axis noise and a
// constant bias on each gyro axis.
type SimIMU struct {
	truth                 TruthProvider
	accelNoise, gyroNoise *distmv.Normal
	σAccel, σGyro         float64
	GyroBias              []float64
}

// NewSimIMU returns an IMU with the given 1σ noises (km/s² and rad/s).
func NewSimIMU(truth TruthProvider, σAccel, σGyro float64, gyroBias []float64) *SimIMU {
	if gyroBias == nil {
		gyroBias = []float64{0, 0, 0}
	}
	return &SimIMU{truth, gaussian(σAccel * σAccel), gaussian(σGyro * σGyro), σAccel, σGyro, gyroBias}
}

// Kind implements the SensorSource interface.
func (s *SimIMU) Kind() SensorKind { return IMU }

// Sample implements the SensorSource interface.
func (s *SimIMU) Sample(dt time.Time) (Measurement, bool) {
	t := s.truth(dt)
	payload := make([]float64, 6)
	for i := 0; i < 3; i++ {
		payload[i] = t.Acceleration[i] + draw(s.accelNoise)
		payload[i+3] = t.AngularRate[i] + s.GyroBias[i] + draw(s.gyroNoise)
	}
	noise := mat64.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		noise.SetSym(i, i, s.σAccel*s.σAccel)
		noise.SetSym(i+3, i+3, s.σGyro*s.σGyro)
	}
	return Measurement{IMU, dt, mat64.NewVector(6, payload), true, noise}, true
}

// SimStarTracker models an absolute attitude sensor.
type SimStarTracker struct {
	truth TruthProvider
	noise *distmv.Normal
	σ     float64
}

// NewSimStarTracker returns a star tracker with the given 1σ noise in radians.
func NewSimStarTracker(truth TruthProvider, σ float64) *SimStarTracker {
	return &SimStarTracker{truth, gaussian(σ * σ), σ}
}

// Kind implements the SensorSource interface.
func (s *SimStarTracker) Kind() SensorKind { return StarTracker }

// Sample implements the SensorSource interface.
func (s *SimStarTracker) Sample(dt time.Time) (Measurement, bool) {
	t := s.truth(dt)
	q := t.Attitude
	payload := make([]float64, 4)
	for i := 0; i < 4; i++ {
		payload[i] = q[i] + draw(s.noise)
	}
	qn := Quaternion{payload[0], payload[1], payload[2], payload[3]}.Normalized()
	noise := mat64.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		noise.SetSym(i, i, s.σ*s.σ)
	}
	return Measurement{StarTracker, dt, mat64.NewVector(4, []float64{qn[0], qn[1], qn[2], qn[3]}), true, noise}, true
}

// SimSunSensor models a coarse Sun direction sensor with a field of view:
// a Sun outside the FOV produces an invalid measurement.
type SimSunSensor struct {
	truth TruthProvider
	noise *distmv.Normal
	σ     float64
	FOV   float64 // full field of view, radians
}

// NewSimSunSensor returns a sun sensor with the given 1σ angular noise and FOV.
func NewSimSunSensor(truth TruthProvider, σ, fov float64) *SimSunSensor {
	return &SimSunSensor{truth, gaussian(σ * σ), σ, fov}
}

// Kind implements the SensorSource interface.
func (s *SimSunSensor) Kind() SensorKind { return SunSensor }

// Sample implements the SensorSource interface.
func (s *SimSunSensor) Sample(dt time.Time) (Measurement, bool) {
	t := s.truth(dt)
	sunBody := t.Attitude.Conjugate().Rotate(t.SunDirection)
	noise := mat64.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		noise.SetSym(i, i, s.σ*s.σ)
	}
	// The boresight is +Z in the body frame.
	if math.Acos(sunBody[2]) > s.FOV/2 {
		return Measurement{SunSensor, dt, mat64.NewVector(3, []float64{0, 0, 0}), false, noise}, true
	}
	az := math.Atan2(sunBody[1], sunBody[0]) + draw(s.noise)
	el := math.Asin(sunBody[2]) + draw(s.noise)
	measured := []float64{math.Cos(el) * math.Cos(az), math.Cos(el) * math.Sin(az), math.Sin(el)}
	return Measurement{SunSensor, dt, mat64.NewVector(3, measured), true, noise}, true
}

// SimCamera models the optical navigation camera: a line of sight to the body
// center with one-pixel angular noise, invalid when the body leaves the FOV.
type SimCamera struct {
	truth TruthProvider
	noise *distmv.Normal
	σ     float64
	FOV   float64
}

// NewSimCamera returns a camera with the given 1σ angular noise and FOV.
func NewSimCamera(truth TruthProvider, σ, fov float64) *SimCamera {
	return &SimCamera{truth, gaussian(σ * σ), σ, fov}
}

// Kind implements the SensorSource interface.
func (s *SimCamera) Kind() SensorKind { return OpticalCamera }

// Sample implements the SensorSource interface.
func (s *SimCamera) Sample(dt time.Time) (Measurement, bool) {
	t := s.truth(dt)
	losBody := t.Attitude.Conjugate().Rotate(unit([]float64{-t.Position[0], -t.Position[1], -t.Position[2]}))
	noise := mat64.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		noise.SetSym(i, i, s.σ*s.σ)
	}
	if math.Acos(losBody[2]) > s.FOV/2 {
		return Measurement{OpticalCamera, dt, mat64.NewVector(3, []float64{0, 0, 0}), false, noise}, true
	}
	// The filter consumes the LOS in the mission frame: h(x) = r/|r|.
	u := unit(t.Position)
	measured := make([]float64, 3)
	for i := 0; i < 3; i++ {
		measured[i] = u[i] + draw(s.noise)
	}
	measured = unit(measured)
	return Measurement{OpticalCamera, dt, mat64.NewVector(3, measured), true, noise}, true
}

// SimLIDAR models the laser ranging system. The sensor adapter resolves the
// raw range along the boresight into a body-relative position; beyond the
// maximum range the measurement is invalid.
type SimLIDAR struct {
	truth    TruthProvider
	noise    *distmv.Normal
	σ        float64 // km
	MaxRange float64 // km
}

// NewSimLIDAR returns a LIDAR with the given 1σ range noise and maximum range.
func NewSimLIDAR(truth TruthProvider, σ, maxRange float64) *SimLIDAR {
	return &SimLIDAR{truth, gaussian(σ * σ), σ, maxRange}
}

// Kind implements the SensorSource interface.
func (s *SimLIDAR) Kind() SensorKind { return LIDAR }

// Sample implements the SensorSource interface.
func (s *SimLIDAR) Sample(dt time.Time) (Measurement, bool) {
	t := s.truth(dt)
	ρ := norm(t.Position)
	noise := mat64.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		noise.SetSym(i, i, s.σ*s.σ)
	}
	if ρ > s.MaxRange {
		return Measurement{LIDAR, dt, mat64.NewVector(3, []float64{0, 0, 0}), false, noise}, true
	}
	u := unit(t.Position)
	ρNoisy := ρ + draw(s.noise)
	measured := []float64{u[0] * ρNoisy, u[1] * ρNoisy, u[2] * ρNoisy}
	return Measurement{LIDAR, dt, mat64.NewVector(3, measured), true, noise}, true
}
