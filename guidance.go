package gnc

import (
	"fmt"
	"math"
	"time"

	kitlog "github.com/go-kit/kit/log"
)

// guidanceHorizon is how far ahead of the estimate a reference stays valid
// before replanning is required.
const guidanceHorizon = 60 * time.Second

// GuidanceReference is the trajectory reference tracked by the control loop.
// It is read-only to the control loop.
type GuidanceReference struct {
	DT         time.Time
	Position   []float64 // km, mission frame
	Velocity   []float64 // km/s
	Attitude   Quaternion
	ValidUntil time.Time
}

// Waypoint is one time-indexed point of a guidance profile.
type Waypoint struct {
	DT       time.Time
	Position []float64
	Velocity []float64
}

// AbortTrajectory is the precomputed TAG escape profile. Once computed it
// remains executable for the whole proximity time budget without any further
// estimate update.
type AbortTrajectory struct {
	Waypoints  []Waypoint
	ComputedAt time.Time
	ValidUntil time.Time
}

// FeasibilityPolicy decides whether a touch-and-go profile can be flown under
// the current estimate uncertainty. The exact criterion is mission-specific,
// so it is configuration, not code: a nil return means feasible.
type FeasibilityPolicy func(est StateEstimate, cfg GNCConfig, profileDuration time.Duration) error

// DefaultFeasibility bounds the position uncertainty against the body gravity
// uncertainty, checks the fuel margin and the proximity time budget.
func DefaultFeasibility(est StateEstimate, cfg GNCConfig, profileDuration time.Duration) error {
	posVar := est.Covariance.At(0, 0) + est.Covariance.At(1, 1) + est.Covariance.At(2, 2)
	// The gravity uncertainty inflates the effective navigation error near
	// the surface: 3σ position must stay inside the safe-distance envelope.
	μInflation := 1 + cfg.BodyMuSigma/cfg.BodyMu
	if 3*math.Sqrt(posVar)*μInflation > cfg.MinSafeDistance {
		return GuidanceFault{InfeasibleTrajectory,
			fmt.Sprintf("3σ position %.4f km exceeds safe envelope %.4f km", 3*math.Sqrt(posVar)*μInflation, cfg.MinSafeDistance)}
	}
	if cfg.AvailableFuelKg <= cfg.FuelMarginKg {
		return GuidanceFault{InfeasibleTrajectory, "fuel below margin"}
	}
	if profileDuration > cfg.ProximityTimeBudget {
		return GuidanceFault{InfeasibleTrajectory,
			fmt.Sprintf("profile %s exceeds proximity budget %s", profileDuration, cfg.ProximityTimeBudget)}
	}
	return nil
}

// GuidancePlanner produces reference trajectories consistent with the current
// mode: a multi-day waypoint approach for RENDEZVOUS and a bounded
// descent/contact/ascent profile with a precomputed abort for TOUCH_AND_GO.
type GuidancePlanner struct {
	cfg      GNCConfig
	feasible FeasibilityPolicy
	logger   kitlog.Logger
	events   *Recorder

	ready bool
	abort *AbortTrajectory
}

// NewGuidancePlanner returns a planner with the given feasibility policy; a
// nil policy selects DefaultFeasibility.
func NewGuidancePlanner(cfg GNCConfig, policy FeasibilityPolicy, logger kitlog.Logger, events *Recorder) *GuidancePlanner {
	if policy == nil {
		policy = DefaultFeasibility
	}
	return &GuidancePlanner{cfg: cfg, feasible: policy,
		logger: kitlog.With(logger, "subsys", "guidance"), events: events}
}

// Ready reports whether the last touch-and-go plan validated, the readiness
// signal consumed by the RENDEZVOUS to TOUCH_AND_GO guard.
func (g *GuidancePlanner) Ready() bool { return g.ready }

// Abort returns the current abort reference when a precomputed abort
// trajectory exists and is still within its validity window.
func (g *GuidancePlanner) Abort(dt time.Time) (GuidanceReference, bool) {
	if g.abort == nil || dt.After(g.abort.ValidUntil) {
		return GuidanceReference{}, false
	}
	wp := g.abort.Waypoints[len(g.abort.Waypoints)-1]
	for _, w := range g.abort.Waypoints {
		if !w.DT.Before(dt) {
			wp = w
			break
		}
	}
	return GuidanceReference{DT: dt, Position: wp.Position, Velocity: wp.Velocity,
		Attitude: pointAwayAttitude(wp.Position), ValidUntil: g.abort.ValidUntil}, true
}

// Plan produces the guidance reference for the given mode and estimate. It is
// deterministic: identical inputs yield an identical reference. On
// InfeasibleTrajectory the fault is surfaced for the mode manager to act on,
// never retried here.
func (g *GuidancePlanner) Plan(mode Mode, est StateEstimate, phase PhaseFlags) (GuidanceReference, error) {
	switch mode {
	case Safe, Nominal:
		return g.holdReference(est), nil
	case Rendezvous:
		// Validate the upcoming TAG profile whenever the window allows it,
		// so readiness is known before the mode promotion.
		if phase.TAGWindow {
			if _, err := g.planTAG(est, false); err != nil {
				g.ready = false
				g.recordFault(est.DT, err)
				// Rendezvous guidance itself is still valid.
			} else {
				g.ready = true
			}
		}
		return g.planRendezvous(est, phase)
	case TouchAndGo:
		ref, err := g.planTAG(est, true)
		if err != nil {
			g.ready = false
			g.recordFault(est.DT, err)
			return GuidanceReference{}, err
		}
		return ref, nil
	}
	return GuidanceReference{}, GuidanceFault{InfeasibleTrajectory, "unknown mode"}
}

// holdReference keeps station at the current position with zero relative
// velocity, pointing the boresight at the body.
func (g *GuidancePlanner) holdReference(est StateEstimate) GuidanceReference {
	return GuidanceReference{
		DT:         est.DT,
		Position:   append([]float64{}, est.Position...),
		Velocity:   []float64{0, 0, 0},
		Attitude:   pointAtBodyAttitude(est.Position),
		ValidUntil: est.DT.Add(guidanceHorizon),
	}
}

// RendezvousProfile returns the waypoint sequence spanning the remaining
// approach window: an exponential range decay toward the arrival standoff,
// sampled daily, which keeps the closing rate proportional to the remaining
// range (minimal relative velocity at arrival).
func (g *GuidancePlanner) RendezvousProfile(est StateEstimate, phase PhaseFlags) []Waypoint {
	ρ := norm(est.Position)
	u := unit(est.Position)
	remaining := phase.WindowClose.Sub(est.DT)
	if remaining <= 0 {
		remaining = time.Hour
	}
	// Range decay constant such that the profile lands on the standoff
	// envelope at window close: ρ(t) = a + (ρ0-a)·exp(-λt), λ = 5/T.
	a := g.cfg.ArrivalStandoff
	λ := 5 / remaining.Seconds()
	step := 24 * time.Hour
	if remaining < step {
		step = remaining / 4
	}
	var wps []Waypoint
	for t := time.Duration(0); t <= remaining; t += step {
		ts := t.Seconds()
		r := a + (ρ-a)*math.Exp(-λ*ts)
		v := -λ * (ρ - a) * math.Exp(-λ*ts) // radial closing rate, signed
		if v < -g.cfg.MaxApproachVelocity {
			v = -g.cfg.MaxApproachVelocity
		}
		wps = append(wps, Waypoint{
			DT:       est.DT.Add(t),
			Position: []float64{u[0] * r, u[1] * r, u[2] * r},
			Velocity: []float64{u[0] * v, u[1] * v, u[2] * v},
		})
	}
	return wps
}

// planRendezvous derives the current reference from the head of the profile.
func (g *GuidancePlanner) planRendezvous(est StateEstimate, phase PhaseFlags) (GuidanceReference, error) {
	wps := g.RendezvousProfile(est, phase)
	wp := wps[0]
	if len(wps) > 1 {
		wp = wps[1]
	}
	return GuidanceReference{
		DT:         est.DT,
		Position:   wp.Position,
		Velocity:   wp.Velocity,
		Attitude:   pointAtBodyAttitude(est.Position),
		ValidUntil: est.DT.Add(guidanceHorizon),
	}, nil
}

// TAGProfile returns the descent, contact and ascent waypoints for a
// touch-and-go from the current estimate, descending radially at the
// configured contact velocity.
func (g *GuidancePlanner) TAGProfile(est StateEstimate) ([]Waypoint, time.Duration) {
	u := unit(est.Position)
	ρ := norm(est.Position)
	surface := g.cfg.BodyRadius
	descent := time.Duration((ρ-surface)/g.cfg.TAGVerticalVelocity) * time.Second
	total := 2*descent + g.cfg.TAGContactDwell

	sample := func(r, v float64, at time.Duration) Waypoint {
		return Waypoint{
			DT:       est.DT.Add(at),
			Position: []float64{u[0] * r, u[1] * r, u[2] * r},
			Velocity: []float64{u[0] * v, u[1] * v, u[2] * v},
		}
	}
	wps := []Waypoint{
		sample(ρ, -g.cfg.TAGVerticalVelocity, 0),
		sample(surface, 0, descent),
		sample(surface, 0, descent+g.cfg.TAGContactDwell),
	}
	// The abort-altitude crossing only lies on the ascent leg when the
	// profile starts above it.
	if g.cfg.AbortAltitude < ρ-surface {
		wps = append(wps, sample(g.cfg.AbortAltitude+surface, g.cfg.TAGVerticalVelocity,
			total-time.Duration(g.cfg.AbortAltitude/g.cfg.TAGVerticalVelocity)*time.Second))
	}
	wps = append(wps, sample(ρ, 0, total))
	return wps, total
}

// planTAG validates and, when commit is set, returns the touch-and-go
// reference plus the precomputed abort trajectory.
func (g *GuidancePlanner) planTAG(est StateEstimate, commit bool) (GuidanceReference, error) {
	wps, total := g.TAGProfile(est)
	if err := g.feasible(est, g.cfg, total); err != nil {
		return GuidanceReference{}, err
	}
	abort := g.computeAbort(est)
	if abort == nil {
		return GuidanceReference{}, GuidanceFault{InfeasibleTrajectory, "abort trajectory does not clear the safe envelope in budget"}
	}
	if commit {
		g.abort = abort
	}
	u := unit(est.Position)
	wp := wps[1]
	return GuidanceReference{
		DT:         est.DT,
		Position:   wp.Position,
		Velocity:   []float64{-u[0] * g.cfg.TAGVerticalVelocity, -u[1] * g.cfg.TAGVerticalVelocity, -u[2] * g.cfg.TAGVerticalVelocity},
		Attitude:   pointAtBodyAttitude(est.Position),
		ValidUntil: est.DT.Add(guidanceHorizon),
	}, nil
}

// computeAbort precomputes the escape profile: a radial burn at full thrust
// propagated under worst-case gravity (μ + 3σ), valid for the whole proximity
// budget. Returns nil when the burn does not clear the safe envelope in time.
func (g *GuidancePlanner) computeAbort(est StateEstimate) *AbortTrajectory {
	u := unit(est.Position)
	mass := g.cfg.DryMassKg + g.cfg.AvailableFuelKg
	aMag := g.cfg.MaxThrust / mass / 1e3 // N/kg = m/s² -> km/s²
	accel := []float64{u[0] * aMag, u[1] * aMag, u[2] * aMag}
	μWorst := g.cfg.BodyMu + 3*g.cfg.BodyMuSigma

	budget := g.cfg.ProximityTimeBudget
	step := 10 * time.Second
	wps := make([]Waypoint, 0, int(budget/step)+1)
	R := append([]float64{}, est.Position...)
	V := append([]float64{}, est.Velocity...)
	cleared := false
	for t := time.Duration(0); t <= budget; t += step {
		wps = append(wps, Waypoint{est.DT.Add(t), append([]float64{}, R...), append([]float64{}, V...)})
		if norm(R) > g.cfg.MinSafeDistance+g.cfg.BodyRadius {
			cleared = true
		}
		prop := newProximityProp(R, V, accel, μWorst, step.Seconds())
		prop.Propagate()
		R, V = prop.R, prop.V
	}
	if !cleared {
		return nil
	}
	return &AbortTrajectory{Waypoints: wps, ComputedAt: est.DT, ValidUntil: est.DT.Add(budget)}
}

// recordFault logs and records a guidance fault.
func (g *GuidancePlanner) recordFault(dt time.Time, err error) {
	g.logger.Log("level", "error", "fault", err)
	if g.events != nil {
		g.events.Record(Event{DT: dt, Kind: EventGuidanceFault, Cause: err.Error()})
	}
}

// pointAtBodyAttitude aligns the +Z boresight with the direction to the body.
func pointAtBodyAttitude(position []float64) Quaternion {
	toBody := []float64{-position[0], -position[1], -position[2]}
	return QuaternionBetween([]float64{0, 0, 1}, toBody)
}

// pointAwayAttitude aligns the +Z boresight away from the body (abort posture).
func pointAwayAttitude(position []float64) Quaternion {
	return QuaternionBetween([]float64{0, 0, 1}, position)
}
