package gnc

import (
	"testing"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/gonum/floats"
	"github.com/gonum/matrix/mat64"
)

func guidanceEstimate(position []float64, posVar float64) StateEstimate {
	P := mat64.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		P.SetSym(i, i, posVar)
		P.SetSym(i+3, i+3, 1e-10)
	}
	return StateEstimate{
		DT:          time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Position:    position,
		Velocity:    []float64{0, 0, 0},
		Attitude:    IdentityQuaternion(),
		AngularRate: []float64{0, 0, 0},
		GyroBias:    []float64{0, 0, 0},
		Covariance:  P,
		AttitudeVar: 1e-6,
	}
}

func TestGuidanceHoldReference(t *testing.T) {
	g := NewGuidancePlanner(DefaultConfig(), nil, kitlog.NewNopLogger(), nil)
	est := guidanceEstimate([]float64{25, 0, 0}, 1e-8)
	ref, err := g.Plan(Nominal, est, PhaseFlags{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if !floats.EqualWithinAbs(ref.Position[i], est.Position[i], 1e-12) {
			t.Fatal("hold reference must keep station")
		}
		if ref.Velocity[i] != 0 {
			t.Fatal("hold reference must have zero relative velocity")
		}
	}
	if !ref.ValidUntil.After(est.DT) {
		t.Fatal("reference must carry a validity horizon")
	}
	// The boresight points at the body.
	los := ref.Attitude.Rotate([]float64{0, 0, 1})
	if !floats.EqualWithinAbs(los[0], -1, 1e-9) {
		t.Fatalf("boresight not on the body: %v", los)
	}
}

func TestGuidanceIdempotence(t *testing.T) {
	g := NewGuidancePlanner(DefaultConfig(), nil, kitlog.NewNopLogger(), nil)
	est := guidanceEstimate([]float64{30, 0, 0}, 1e-8)
	phase := PhaseFlags{Phase: "approach", RendezvousWindow: true, WindowClose: est.DT.Add(10 * 24 * time.Hour)}
	a, err := g.Plan(Rendezvous, est, phase)
	if err != nil {
		t.Fatal(err)
	}
	b, err := g.Plan(Rendezvous, est, phase)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if a.Position[i] != b.Position[i] || a.Velocity[i] != b.Velocity[i] {
			t.Fatal("identical inputs must produce an identical reference")
		}
	}
}

func TestGuidanceRendezvousProfile(t *testing.T) {
	cfg := DefaultConfig()
	g := NewGuidancePlanner(cfg, nil, kitlog.NewNopLogger(), nil)
	est := guidanceEstimate([]float64{30, 0, 0}, 1e-8)
	phase := PhaseFlags{Phase: "approach", RendezvousWindow: true, WindowClose: est.DT.Add(10 * 24 * time.Hour)}
	wps := g.RendezvousProfile(est, phase)
	if len(wps) < 2 {
		t.Fatalf("profile too short: %d waypoints", len(wps))
	}
	if !floats.EqualWithinAbs(norm(wps[0].Position), 30, 1e-9) {
		t.Fatal("profile must start at the current range")
	}
	last := norm(wps[len(wps)-1].Position)
	if !floats.EqualWithinAbs(last, cfg.ArrivalStandoff, 0.1) {
		t.Fatalf("profile must land on the standoff envelope: %f km", last)
	}
	for i, wp := range wps {
		if norm(wp.Velocity) > cfg.MaxApproachVelocity+1e-12 {
			t.Fatalf("waypoint %d exceeds the approach velocity bound: %g", i, norm(wp.Velocity))
		}
		if i > 0 && norm(wp.Position) >= norm(wps[i-1].Position) {
			t.Fatalf("range must decay monotonically at waypoint %d", i)
		}
	}
}

func TestGuidanceTAGProfile(t *testing.T) {
	cfg := DefaultConfig()
	g := NewGuidancePlanner(cfg, nil, kitlog.NewNopLogger(), nil)
	est := guidanceEstimate([]float64{0.52, 0, 0}, 1e-8)

	ref, err := g.Plan(TouchAndGo, est, PhaseFlags{Phase: "proximity", TAGWindow: true})
	if err != nil {
		t.Fatal(err)
	}
	// Radial descent at the configured contact velocity.
	if !floats.EqualWithinAbs(ref.Velocity[0], -cfg.TAGVerticalVelocity, 1e-12) {
		t.Fatalf("descent velocity wrong: %g", ref.Velocity[0])
	}
	if !floats.EqualWithinAbs(norm(ref.Position), cfg.BodyRadius, 1e-9) {
		t.Fatalf("contact waypoint not on the surface: %f km", norm(ref.Position))
	}

	wps, total := g.TAGProfile(est)
	if wps[0].DT != est.DT {
		t.Fatal("profile must start at the estimate epoch")
	}
	if total != wps[len(wps)-1].DT.Sub(est.DT) {
		t.Fatal("profile duration must cover descent, dwell and ascent")
	}
	// Contact dwell: two consecutive surface waypoints at zero velocity.
	if !floats.EqualWithinAbs(norm(wps[1].Position), cfg.BodyRadius, 1e-9) || norm(wps[1].Velocity) != 0 {
		t.Fatal("contact waypoint wrong")
	}
	if wps[2].DT.Sub(wps[1].DT) != cfg.TAGContactDwell {
		t.Fatal("dwell duration wrong")
	}
}

func TestGuidanceTAGProfileChronological(t *testing.T) {
	cfg := DefaultConfig()
	g := NewGuidancePlanner(cfg, nil, kitlog.NewNopLogger(), nil)

	for _, r := range []float64{0.52, 0.65} {
		wps, total := g.TAGProfile(guidanceEstimate([]float64{r, 0, 0}, 1e-8))
		for i := 1; i < len(wps); i++ {
			if wps[i].DT.Before(wps[i-1].DT) {
				t.Fatalf("start %g km: waypoint %d predates waypoint %d", r, i, i-1)
			}
		}
		if wps[len(wps)-1].DT.Sub(wps[0].DT) != total {
			t.Fatalf("start %g km: last waypoint not at the profile end", r)
		}
	}

	// Starting above the abort altitude, the crossing sits on the ascent leg.
	wps, total := g.TAGProfile(guidanceEstimate([]float64{0.65, 0, 0}, 1e-8))
	if len(wps) != 5 {
		t.Fatalf("expected the abort-altitude crossing, got %d waypoints", len(wps))
	}
	crossing := wps[3]
	if !floats.EqualWithinAbs(norm(crossing.Position), cfg.BodyRadius+cfg.AbortAltitude, 1e-9) {
		t.Fatalf("crossing altitude wrong: %f km", norm(crossing.Position))
	}
	want := total - time.Duration(cfg.AbortAltitude/cfg.TAGVerticalVelocity)*time.Second
	if got := crossing.DT.Sub(wps[0].DT); got != want {
		t.Fatalf("crossing at %s, want %s", got, want)
	}

	// Starting below it, the crossing is dropped rather than emitted out of
	// chronological order.
	if wps, _ := g.TAGProfile(guidanceEstimate([]float64{0.52, 0, 0}, 1e-8)); len(wps) != 4 {
		t.Fatalf("expected 4 waypoints below the abort altitude, got %d", len(wps))
	}
}

func TestGuidanceInfeasibleUncertainty(t *testing.T) {
	g := NewGuidancePlanner(DefaultConfig(), nil, kitlog.NewNopLogger(), nil)
	// 3σ position error far beyond the safe envelope.
	est := guidanceEstimate([]float64{0.52, 0, 0}, 1e-2)
	_, err := g.Plan(TouchAndGo, est, PhaseFlags{Phase: "proximity", TAGWindow: true})
	if err == nil {
		t.Fatal("expected an infeasibility fault")
	}
	if _, ok := err.(GuidanceFault); !ok {
		t.Fatalf("wrong fault type: %s", err)
	}
	if g.Ready() {
		t.Fatal("readiness must drop on an infeasible plan")
	}
}

func TestGuidanceInfeasibleFuel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AvailableFuelKg = cfg.FuelMarginKg // at the margin: nothing left to fly with
	g := NewGuidancePlanner(cfg, nil, kitlog.NewNopLogger(), nil)
	est := guidanceEstimate([]float64{0.52, 0, 0}, 1e-8)
	if _, err := g.Plan(TouchAndGo, est, PhaseFlags{TAGWindow: true}); err == nil {
		t.Fatal("expected a fuel infeasibility fault")
	}
}

func TestGuidanceReadinessValidation(t *testing.T) {
	g := NewGuidancePlanner(DefaultConfig(), nil, kitlog.NewNopLogger(), nil)
	est := guidanceEstimate([]float64{0.52, 0, 0}, 1e-8)
	phase := PhaseFlags{Phase: "proximity", RendezvousWindow: true, TAGWindow: true,
		WindowClose: est.DT.Add(2 * time.Hour)}

	if g.Ready() {
		t.Fatal("planner must not be ready before any validation")
	}
	// Planning the rendezvous leg inside a TAG window validates readiness.
	if _, err := g.Plan(Rendezvous, est, phase); err != nil {
		t.Fatal(err)
	}
	if !g.Ready() {
		t.Fatal("feasible TAG profile must set readiness")
	}

	// A later infeasible estimate clears it again.
	bad := guidanceEstimate([]float64{0.52, 0, 0}, 1e-2)
	if _, err := g.Plan(Rendezvous, bad, phase); err != nil {
		t.Fatal("rendezvous guidance itself stays valid")
	}
	if g.Ready() {
		t.Fatal("readiness must clear on an infeasible validation")
	}
}

func TestGuidanceAbortTrajectory(t *testing.T) {
	cfg := DefaultConfig()
	g := NewGuidancePlanner(cfg, nil, kitlog.NewNopLogger(), nil)
	est := guidanceEstimate([]float64{0.52, 0, 0}, 1e-8)

	if _, ok := g.Abort(est.DT); ok {
		t.Fatal("no abort exists before a committed TAG plan")
	}
	if _, err := g.Plan(TouchAndGo, est, PhaseFlags{TAGWindow: true}); err != nil {
		t.Fatal(err)
	}

	// The abort stays executable on a stale estimate for the whole budget.
	for _, age := range []time.Duration{0, time.Minute, cfg.ProximityTimeBudget - time.Minute} {
		ref, ok := g.Abort(est.DT.Add(age))
		if !ok {
			t.Fatalf("abort unavailable %s after commit", age)
		}
		if norm(ref.Position) < norm(est.Position)-1e-9 {
			t.Fatalf("abort must move away from the body: %f km at %s", norm(ref.Position), age)
		}
	}
	// Beyond the proximity budget it expires.
	if _, ok := g.Abort(est.DT.Add(cfg.ProximityTimeBudget + time.Minute)); ok {
		t.Fatal("abort must expire with the proximity budget")
	}
}
