package gnc

import (
	"math"
	"testing"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/gonum/floats"
	"github.com/gonum/matrix/mat64"
)

func testFilter(t *testing.T, cfg GNCConfig) (*NavigationFilter, StateEstimate) {
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	P0 := mat64.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		P0.SetSym(i, i, 1e-4)     // (10 m)²
		P0.SetSym(i+3, i+3, 1e-8) // (0.1 m/s)²
	}
	initial := StateEstimate{
		DT:          t0,
		Position:    []float64{10, 0, 0},
		Velocity:    []float64{0, 0, 0},
		Attitude:    IdentityQuaternion(),
		AngularRate: []float64{0, 0, 0},
		GyroBias:    []float64{0, 0, 0},
		Covariance:  P0,
		AttitudeVar: 1e-4,
	}
	nf, err := NewNavigationFilter(cfg, initial, []float64{1, 0, 0}, kitlog.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}
	return nf, initial
}

func lidarNoise() *mat64.SymDense {
	n := mat64.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		n.SetSym(i, i, 1e-6)
	}
	return n
}

func TestFilterAcceptsRangeMeasurement(t *testing.T) {
	nf, initial := testFilter(t, DefaultConfig())
	before := nf.Estimate().CovarianceTrace()
	dt := time.Second
	m := Measurement{
		Kind:    LIDAR,
		DT:      initial.DT.Add(dt),
		Payload: mat64.NewVector(3, append([]float64{}, initial.Position...)),
		Valid:   true,
		Noise:   lidarNoise(),
	}
	est, err := nf.Update([]Measurement{m}, dt)
	if err != nil {
		t.Fatal(err)
	}
	// An accepted correction never increases the covariance trace.
	if est.CovarianceTrace() > before {
		t.Fatalf("covariance trace grew on accepted correction: %g > %g", est.CovarianceTrace(), before)
	}
	health := nf.Health()
	if !health.Healthy() || !health.LastAccepted.Equal(m.DT) {
		t.Fatalf("measurement not accepted: %+v", health)
	}
	if est.DT != initial.DT.Add(dt) {
		t.Fatal("estimate epoch not advanced")
	}
}

func TestFilterGatesOutliers(t *testing.T) {
	nf, initial := testFilter(t, DefaultConfig())
	dt := time.Second
	// A 5 km offset against a millimetric noise floor must be gated.
	off := []float64{initial.Position[0] + 5, initial.Position[1], initial.Position[2]}
	m := Measurement{Kind: LIDAR, DT: initial.DT.Add(dt),
		Payload: mat64.NewVector(3, off), Valid: true, Noise: lidarNoise()}
	est, err := nf.Update([]Measurement{m}, dt)
	if err != nil {
		t.Fatal(err)
	}
	if nf.Health().GatedCount != 1 {
		t.Fatalf("outlier not gated: %d", nf.Health().GatedCount)
	}
	// The gated measurement must not move the state.
	if !floats.EqualWithinAbs(est.Position[0], initial.Position[0], 1e-6) {
		t.Fatalf("gated measurement moved the estimate: %f", est.Position[0])
	}
}

func TestFilterIgnoresInvalidMeasurements(t *testing.T) {
	nf, initial := testFilter(t, DefaultConfig())
	before := nf.Estimate()
	m := Measurement{Kind: LIDAR, DT: initial.DT.Add(time.Second),
		Payload: mat64.NewVector(3, []float64{99, 99, 99}), Valid: false, Noise: lidarNoise()}
	est, err := nf.Update([]Measurement{m}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !floats.EqualWithinAbs(est.Position[0], before.Position[0], 1e-9) {
		t.Fatal("invalid measurement affected the estimate")
	}
	if nf.Health().GatedCount != 0 {
		t.Fatal("invalid measurements are dropped, not gated")
	}
}

func TestFilterStaleDataFault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleTimeout = 2 * time.Second
	nf, _ := testFilter(t, cfg)
	var err error
	for i := 0; i < 3; i++ {
		_, err = nf.Update(nil, time.Second)
	}
	if err == nil {
		t.Fatal("expected a stale data fault")
	}
	fault, ok := err.(EstimatorFault)
	if !ok || fault.Kind != StaleData {
		t.Fatalf("wrong fault: %s", err)
	}
	if nf.Health().Healthy() {
		t.Fatal("health must carry the fault")
	}
}

func TestFilterDivergenceFault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DivergenceCeiling = 1e-9 // below the initial trace
	nf, _ := testFilter(t, cfg)
	_, err := nf.Update(nil, time.Second)
	if err == nil {
		t.Fatal("expected a divergence fault")
	}
	if fault, ok := err.(EstimatorFault); !ok || fault.Kind != Divergence {
		t.Fatalf("wrong fault: %s", err)
	}
}

func TestFilterIMUDrivesPropagation(t *testing.T) {
	nf, initial := testFilter(t, DefaultConfig())
	ω := 0.1 // rad/s about Z
	m := Measurement{Kind: IMU, DT: initial.DT.Add(time.Second),
		Payload: mat64.NewVector(6, []float64{0, 0, 0, 0, 0, ω}),
		Valid:   true, Noise: mat64.NewSymDense(6, nil)}
	est, err := nf.Update([]Measurement{m}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !floats.EqualWithinAbs(est.AngularRate[2], ω, 1e-12) {
		t.Fatalf("body rate not taken from the IMU: %f", est.AngularRate[2])
	}
	if !floats.EqualWithinAbs(est.Attitude.AngleTo(initial.Attitude), ω, 1e-3) {
		t.Fatalf("attitude not integrated: %f rad", est.Attitude.AngleTo(initial.Attitude))
	}
}

func TestFilterAttitudeCorrection(t *testing.T) {
	nf, initial := testFilter(t, DefaultConfig())
	varBefore := nf.Estimate().AttitudeVar
	// A star tracker fix 0.01 rad off the current attitude, well inside the gate.
	half := 0.005
	qMeas := Quaternion{math.Cos(half), 0, 0, math.Sin(half)}
	noise := mat64.NewSymDense(4, nil)
	for i := 0; i < 4; i++ {
		noise.SetSym(i, i, 1e-6)
	}
	m := Measurement{Kind: StarTracker, DT: initial.DT.Add(time.Second),
		Payload: mat64.NewVector(4, []float64{qMeas[0], qMeas[1], qMeas[2], qMeas[3]}),
		Valid:   true, Noise: noise}
	est, err := nf.Update([]Measurement{m}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if est.AttitudeVar >= varBefore {
		t.Fatal("attitude variance must shrink on an accepted fix")
	}
	// The blended attitude lies between the prediction and the measurement.
	if est.Attitude.AngleTo(qMeas) >= 0.01 {
		t.Fatalf("attitude did not move toward the fix: %f rad away", est.Attitude.AngleTo(qMeas))
	}
}

func TestFilterAttitudeGating(t *testing.T) {
	cfg := DefaultConfig()
	nf, initial := testFilter(t, cfg)
	// A fix far outside GatingSigma·σ must be rejected.
	qMeas := Quaternion{math.Cos(0.5), 0, 0, math.Sin(0.5)} // 1 rad off
	noise := mat64.NewSymDense(4, nil)
	noise.SetSym(0, 0, 1e-6)
	m := Measurement{Kind: StarTracker, DT: initial.DT.Add(time.Second),
		Payload: mat64.NewVector(4, []float64{qMeas[0], qMeas[1], qMeas[2], qMeas[3]}),
		Valid:   true, Noise: noise}
	est, err := nf.Update([]Measurement{m}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if nf.Health().GatedCount != 1 {
		t.Fatal("attitude outlier not gated")
	}
	if !floats.EqualWithinAbs(est.Attitude.AngleTo(initial.Attitude), 0, 1e-9) {
		t.Fatal("gated fix moved the attitude")
	}
}
