package gnc

import (
	"fmt"
	"math"
	"time"

	"github.com/ChristopherRabotin/gokalman"
	kitlog "github.com/go-kit/kit/log"
	"github.com/gonum/matrix/mat64"
)

// biasGain is the fraction of a star tracker innovation folded into the gyro
// bias estimate.
const biasGain = 0.05

// StateEstimate is the fused navigation state. Exactly one current estimate
// exists at any time: the navigation filter owns and mutates it, every other
// component reads per-cycle copies.
type StateEstimate struct {
	DT          time.Time
	Position    []float64 // km, mission (body-relative) frame
	Velocity    []float64 // km/s
	Attitude    Quaternion
	AngularRate []float64 // rad/s, body frame
	GyroBias    []float64 // rad/s
	Covariance  *mat64.SymDense // 6x6 translational covariance
	AttitudeVar float64         // rad², scalar attitude uncertainty
}

// CovarianceTrace returns trace(P), the scalar consumed by the authority guard.
func (e StateEstimate) CovarianceTrace() float64 {
	return mat64.Trace(e.Covariance)
}

// copyEstimate returns a deep copy safe to hand out as a snapshot.
func copyEstimate(e StateEstimate) StateEstimate {
	c := e
	c.Position = append([]float64{}, e.Position...)
	c.Velocity = append([]float64{}, e.Velocity...)
	c.AngularRate = append([]float64{}, e.AngularRate...)
	c.GyroBias = append([]float64{}, e.GyroBias...)
	c.Covariance = mat64.NewSymDense(6, nil)
	c.Covariance.CopySym(e.Covariance)
	return c
}

// EstimatorHealth is the per-cycle health snapshot consumed by the mode manager.
type EstimatorHealth struct {
	Fault        error // nil when healthy
	CovTrace     float64
	LastAccepted time.Time
	GatedCount   int
}

// Healthy returns whether the filter carries no fault.
func (h EstimatorHealth) Healthy() bool { return h.Fault == nil }

// NavigationFilter fuses sensor measurements into the state estimate with a
// propagate and correct cycle: RK4 propagation of the reference state and STM,
// then sequential hybrid Kalman corrections in timestamp order.
type NavigationFilter struct {
	cfg    GNCConfig
	kf     gokalman.NLDKF
	est    StateEstimate
	sunRef []float64 // unit vector toward the Sun in the mission frame
	logger kitlog.Logger

	noiseQ       *mat64.SymDense
	lastAccepted time.Time
	accepted     int
	gatedCount   int
	fault        error
}

// NewNavigationFilter returns a filter initialized on the given estimate.
// The estimate covariance must be 6x6.
func NewNavigationFilter(cfg GNCConfig, initial StateEstimate, sunRef []float64, logger kitlog.Logger) (*NavigationFilter, error) {
	if r, _ := initial.Covariance.Dims(); r != 6 {
		return nil, fmt.Errorf("initial covariance must be 6x6, got %dx%d", r, r)
	}
	noiseQ := mat64.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		noiseQ.SetSym(i, i, cfg.ProcessNoise)
	}
	// The measurement noise is replaced per measurement; start with identity.
	noiseR := mat64.NewSymDense(3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	x0 := mat64.NewVector(6, nil)
	kf, _, err := gokalman.NewHybridKF(x0, initial.Covariance, gokalman.NewNoiseless(noiseQ, noiseR), 3)
	if err != nil {
		return nil, err
	}
	logger = kitlog.With(logger, "subsys", "nav")
	return &NavigationFilter{cfg: cfg, kf: kf, est: copyEstimate(initial), sunRef: unit(sunRef),
		noiseQ: noiseQ, lastAccepted: initial.DT, logger: logger}, nil
}

// Estimate returns a read-only snapshot of the current estimate.
func (nf *NavigationFilter) Estimate() StateEstimate {
	return copyEstimate(nf.est)
}

// Health returns the per-cycle health snapshot.
func (nf *NavigationFilter) Health() EstimatorHealth {
	return EstimatorHealth{nf.fault, nf.est.CovarianceTrace(), nf.lastAccepted, nf.gatedCount}
}

// Update advances the estimate by dt and corrects it with each valid
// measurement in timestamp order. It fails with an EstimatorFault on
// divergence or stale data; the caller surfaces the fault to the mode manager
// and must not retry within the same cycle.
func (nf *NavigationFilter) Update(measurements []Measurement, dt time.Duration) (StateEstimate, error) {
	SortMeasurements(measurements)
	Δt := dt.Seconds()

	// The IMU drives the propagation: body rates and non-gravitational
	// acceleration are taken from the first valid IMU record of the cycle.
	accel := []float64{0, 0, 0}
	for _, m := range measurements {
		if m.Kind != IMU || !m.Valid || m.IsNil() {
			continue
		}
		for i := 0; i < 3; i++ {
			accel[i] = m.Payload.At(i, 0)
			nf.est.AngularRate[i] = m.Payload.At(i+3, 0) - nf.est.GyroBias[i]
		}
		nf.est.Attitude = nf.est.Attitude.Integrate(nf.est.AngularRate, Δt)
		nf.est.AttitudeVar += nf.cfg.ProcessNoise * Δt
		nf.lastAccepted = m.DT
		nf.accepted++
		break
	}

	// Propagate the reference trajectory and the STM.
	prop := newProximityProp(nf.est.Position, nf.est.Velocity, nf.est.Attitude.Rotate(accel), nf.cfg.BodyMu, Δt)
	prop.Propagate()
	copy(nf.est.Position, prop.R)
	copy(nf.est.Velocity, prop.V)
	Φ := prop.Φ

	if !nf.kf.EKFEnabled() && nf.accepted >= nf.cfg.EKFTrigger {
		nf.kf.EnableEKF()
		nf.logger.Log("level", "info", "msg", "EKF now enabled", "accepted", nf.accepted)
	}

	corrected := false
	for _, m := range measurements {
		if !m.Valid || m.IsNil() {
			// Dropped without affecting the covariance.
			continue
		}
		switch m.Kind {
		case StarTracker, SunSensor:
			if nf.correctAttitude(m) {
				nf.lastAccepted = m.DT
				nf.accepted++
			}
		case OpticalCamera, LIDAR:
			stepΦ := Φ
			if corrected {
				// Sequential processing: the reference was already transitioned.
				stepΦ = denseIdentity(6)
			}
			ok, err := nf.correctTranslation(m, stepΦ, Δt)
			if err != nil {
				return copyEstimate(nf.est), err
			}
			if ok {
				corrected = true
				nf.lastAccepted = m.DT
				nf.accepted++
			}
		}
	}
	if !corrected {
		// No relative navigation correction: predict the covariance forward.
		nf.kf.Prepare(Φ, nil)
		estI, err := nf.kf.Predict()
		if err != nil {
			return copyEstimate(nf.est), fmt.Errorf("covariance prediction: %s", err)
		}
		nf.updateCovariance(estI.Covariance())
	}

	nf.est.DT = nf.est.DT.Add(dt)

	// Fault detection, observable by the mode manager every cycle.
	nf.fault = nil
	if trace := nf.est.CovarianceTrace(); trace > nf.cfg.DivergenceCeiling {
		nf.fault = EstimatorFault{Divergence, fmt.Sprintf("trace=%g ceiling=%g", trace, nf.cfg.DivergenceCeiling)}
	} else if nf.est.DT.Sub(nf.lastAccepted) > nf.cfg.StaleTimeout {
		nf.fault = EstimatorFault{StaleData, fmt.Sprintf("last accepted %s ago", nf.est.DT.Sub(nf.lastAccepted))}
	}
	if nf.fault != nil {
		nf.logger.Log("level", "error", "fault", nf.fault)
		return copyEstimate(nf.est), nf.fault
	}
	return copyEstimate(nf.est), nil
}

// correctAttitude fuses a star tracker or sun sensor measurement into the
// attitude estimate. Returns whether the measurement was accepted.
func (nf *NavigationFilter) correctAttitude(m Measurement) bool {
	measVar := m.Noise.At(0, 0)
	var qMeas Quaternion
	switch m.Kind {
	case StarTracker:
		qMeas = Quaternion{m.Payload.At(0, 0), m.Payload.At(1, 0), m.Payload.At(2, 0), m.Payload.At(3, 0)}.Normalized()
	case SunSensor:
		// The measured Sun direction pins the attitude about two axes.
		measured := []float64{m.Payload.At(0, 0), m.Payload.At(1, 0), m.Payload.At(2, 0)}
		predicted := nf.est.Attitude.Conjugate().Rotate(nf.sunRef)
		qMeas = nf.est.Attitude.Mul(QuaternionBetween(measured, predicted))
	}
	// Innovation gating on the rotation angle.
	angle := nf.est.Attitude.AngleTo(qMeas)
	gate := nf.cfg.GatingSigma * math.Sqrt(nf.est.AttitudeVar+measVar)
	if angle > gate {
		nf.gatedCount++
		nf.logger.Log("level", "warning", "gated", m.Kind, "angle(rad)", angle, "gate(rad)", gate)
		return false
	}
	gain := nf.est.AttitudeVar / (nf.est.AttitudeVar + measVar)
	if m.Kind == StarTracker {
		// Fold part of the innovation into the gyro bias estimate.
		d := nf.est.Attitude.Conjugate().Mul(qMeas)
		for i := 0; i < 3; i++ {
			nf.est.GyroBias[i] -= biasGain * 2 * d[i+1]
		}
	}
	nf.est.Attitude = nf.est.Attitude.Blend(qMeas, gain)
	nf.est.AttitudeVar *= 1 - gain
	return true
}

// correctTranslation performs one hybrid Kalman correction with a relative
// navigation measurement. Returns whether the measurement was fused.
func (nf *NavigationFilter) correctTranslation(m Measurement, Φ *mat64.Dense, Δt float64) (bool, error) {
	z, h, Htilde := nf.observationModel(m)
	if z == nil {
		return false, nil
	}
	// Innovation gating against the predicted innovation covariance
	// S = HΦPΦᵀHᵀ + R.
	innov := mat64.NewVector(3, nil)
	innov.SubVec(z, h)
	var PΦt, ΦPΦt, HP, S mat64.Dense
	PΦt.Mul(nf.est.Covariance, Φ.T())
	ΦPΦt.Mul(Φ, &PΦt)
	HP.Mul(Htilde, &ΦPΦt)
	S.Mul(&HP, Htilde.T())
	S.Add(&S, m.Noise)
	var Sinv mat64.Dense
	if err := Sinv.Inverse(&S); err != nil {
		return false, fmt.Errorf("innovation covariance singular: %s", err)
	}
	var Sν mat64.Vector
	Sν.MulVec(&Sinv, innov)
	d2 := mat64.Dot(innov, &Sν)
	if d2 > nf.cfg.GatingSigma*nf.cfg.GatingSigma {
		nf.gatedCount++
		nf.logger.Log("level", "warning", "gated", m.Kind, "mahalanobis²", d2)
		return false, nil
	}

	nf.kf.Prepare(Φ, Htilde)
	nf.kf.SetNoise(gokalman.NewNoiseless(nf.noiseQ, m.Noise))
	if nf.cfg.ProcessNoise > 0 && Δt > 0 {
		Γtop := gokalman.ScaledDenseIdentity(3, math.Pow(Δt, 2)/2)
		Γbot := gokalman.ScaledDenseIdentity(3, Δt)
		Γ := mat64.NewDense(6, 3, nil)
		Γ.Stack(Γtop, Γbot)
		nf.kf.PreparePNT(Γ)
	}
	estI, err := nf.kf.Update(z, h)
	if err != nil {
		return false, fmt.Errorf("kalman update: %s", err)
	}
	est := estI.(*gokalman.HybridKFEstimate)
	nf.updateCovariance(est.Covariance())
	if nf.kf.EKFEnabled() {
		// Fold the error state back into the reference trajectory.
		for i := 0; i < 3; i++ {
			nf.est.Position[i] += est.State().At(i, 0)
			nf.est.Velocity[i] += est.State().At(i+3, 0)
		}
	}
	return true, nil
}

// observationModel returns the observation z, the computed observation h(x)
// and the observation matrix Htilde for a relative navigation measurement.
func (nf *NavigationFilter) observationModel(m Measurement) (z, h *mat64.Vector, Htilde *mat64.Dense) {
	R := nf.est.Position
	ρ := norm(R)
	switch m.Kind {
	case LIDAR:
		// Direct relative position observation.
		z = m.Payload
		h = mat64.NewVector(3, append([]float64{}, R...))
		Htilde = mat64.NewDense(3, 6, nil)
		for i := 0; i < 3; i++ {
			Htilde.Set(i, i, 1)
		}
	case OpticalCamera:
		// Line-of-sight observation, h(x) = r/|r|.
		z = m.Payload
		u := unit(R)
		h = mat64.NewVector(3, u)
		Htilde = mat64.NewDense(3, 6, nil)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				v := -u[i] * u[j] / ρ
				if i == j {
					v += 1 / ρ
				}
				Htilde.Set(i, j, v)
			}
		}
	}
	return
}

// updateCovariance copies the filter covariance into the owned estimate.
func (nf *NavigationFilter) updateCovariance(cov mat64.Symmetric) {
	for i := 0; i < 6; i++ {
		for j := i; j < 6; j++ {
			nf.est.Covariance.SetSym(i, j, cov.At(i, j))
		}
	}
}
