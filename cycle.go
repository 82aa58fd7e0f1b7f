package gnc

import (
	"fmt"
	"time"

	kitlog "github.com/go-kit/kit/log"
)

// CycleResult is everything one control cycle produced, handed out as
// read-only snapshots.
type CycleResult struct {
	DT             time.Time
	State          GNCState
	Estimate       StateEstimate
	Reference      GuidanceReference
	Command        ActuatorCommand
	EstimatorFault error
	GuidanceFault  error
}

// Executive runs the fixed-cadence control cycle: sensor intake, filter
// update, mode transition check, guidance planning and control step, strictly
// in that order. No step of a cycle begins before the previous one completed.
type Executive struct {
	cfg      GNCConfig
	sources  []SensorSource
	filter   *NavigationFilter
	manager  *ModeAuthorityManager
	planner  *GuidancePlanner
	loop     *ControlLoop
	timeline *MissionPhaseTimeline
	events   *Recorder
	perf     *PerformanceLog
	logger   kitlog.Logger

	// Ground commands queue here and are honored at the next scheduling
	// boundary, never mid-cycle.
	commands chan GroundCommand

	lastContact time.Time
	lastRef     GuidanceReference
	clock       time.Time
}

// NewExecutive wires the decision core together. The clock starts at epoch.
func NewExecutive(cfg GNCConfig, epoch time.Time, sources []SensorSource,
	filter *NavigationFilter, manager *ModeAuthorityManager, planner *GuidancePlanner,
	loop *ControlLoop, timeline *MissionPhaseTimeline, events *Recorder, logger kitlog.Logger) *Executive {
	return &Executive{
		cfg: cfg, sources: sources, filter: filter, manager: manager,
		planner: planner, loop: loop, timeline: timeline, events: events,
		perf:     NewPerformanceLog(1000),
		logger:   kitlog.With(logger, "subsys", "exec"),
		commands: make(chan GroundCommand, 16),
		clock:    epoch, lastContact: epoch,
	}
}

// Submit queues a ground command for the next cycle boundary.
func (x *Executive) Submit(cmd GroundCommand) {
	x.commands <- cmd
}

// Performance exposes the tracking performance log.
func (x *Executive) Performance() *PerformanceLog { return x.perf }

// drainCommands consumes every pending ground command, keeping the most
// recent one per kind so a confirmation queued alongside an authority change
// is not lost. Overrides are installed on the control loop directly; an abort
// is returned with the rest and wins at the transition check.
func (x *Executive) drainCommands() []GroundCommand {
	var cmds []GroundCommand
	for {
		select {
		case cmd := <-x.commands:
			x.lastContact = x.clock
			if cmd.Kind == CmdActuatorOverride {
				x.loop.SetOverride(cmd.Override)
				continue
			}
			kept := false
			for i := range cmds {
				if cmds[i].Kind == cmd.Kind {
					cmds[i] = cmd
					kept = true
					break
				}
			}
			if !kept {
				cmds = append(cmds, cmd)
			}
		default:
			return cmds
		}
	}
}

// RunCycle executes exactly one control cycle and returns its products.
func (x *Executive) RunCycle() CycleResult {
	dt := x.cfg.ControlCadence
	x.clock = x.clock.Add(dt)
	cmds := x.drainCommands()

	// 1. Sensor intake: barrier over independent sources with a deadline.
	measurements := Collect(x.sources, x.clock, dt/2)

	// 2. Navigation update. A fault is surfaced, never retried this cycle.
	est, estErr := x.filter.Update(measurements, dt)
	if estErr != nil && x.events != nil {
		x.events.Record(Event{DT: est.DT, Kind: EventEstimatorFault, Cause: estErr.Error()})
	}

	// 3. Mode and authority transition check.
	phase := x.timeline.At(est.DT)
	state := x.manager.Step(TransitionContext{
		DT:              est.DT,
		Health:          x.filter.Health(),
		Phase:           phase,
		GuidanceReady:   x.planner.Ready(),
		ActuationFault:  x.loop.Fault(),
		SafetyViolation: x.safetyEnvelope(est, x.manager.Snapshot().Mode),
		Commands:        cmds,
		ContactAge:      est.DT.Sub(x.lastContact),
	})

	// 4. Guidance planning, only when the mode requires a reference.
	var guidErr error
	ref := x.lastRef
	if state.Mode != Safe {
		newRef, err := x.planner.Plan(state.Mode, est, phase)
		if err != nil {
			// Reported; the downgrade happens through the mode manager on
			// the next transition check.
			guidErr = err
		} else {
			ref = newRef
			x.lastRef = newRef
		}
	}

	// 5. Control step. In SAFE the loop only executes ground overrides and
	// otherwise retreats radially from the body.
	var actCmd ActuatorCommand
	if state.Mode == Safe {
		actCmd = x.loop.Step(ref, est, Ground)
		if norm(actCmd.Thrust) == 0 && norm(actCmd.Torque) == 0 {
			actCmd = x.loop.SafeCommand(est.Position, est.DT)
		}
	} else if ref.Position == nil {
		// No valid reference yet: never track a reference the planner has
		// not produced.
		actCmd = x.loop.Step(ref, est, Ground)
	} else {
		actCmd = x.loop.Step(ref, est, state.Authority)
	}

	if ref.Position != nil {
		x.perf.Add(est.DT, ref, est, actCmd)
	}

	return CycleResult{
		DT:             est.DT,
		State:          state,
		Estimate:       est,
		Reference:      ref,
		Command:        actCmd,
		EstimatorFault: estErr,
		GuidanceFault:  guidErr,
	}
}

// safetyEnvelope checks the proximity envelope on the current estimate:
// outside TOUCH_AND_GO the spacecraft must stay clear of the body, and no
// mode may close on it faster than the configured bound.
func (x *Executive) safetyEnvelope(est StateEstimate, mode Mode) string {
	ρ := norm(est.Position)
	if mode != TouchAndGo && ρ < x.cfg.BodyRadius+x.cfg.MinSafeDistance {
		return fmt.Sprintf("%.4f km from body center", ρ)
	}
	if closing := -dot(est.Velocity, unit(est.Position)); closing > x.cfg.MaxApproachVelocity {
		return fmt.Sprintf("closing at %.6f km/s", closing)
	}
	return ""
}

// Run executes cycles at the configured cadence until the stop channel fires.
// Results stream to the out channel, which is closed on return.
func (x *Executive) Run(stop <-chan struct{}, out chan<- CycleResult) {
	ticker := time.NewTicker(x.cfg.ControlCadence)
	defer ticker.Stop()
	defer close(out)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			out <- x.RunCycle()
		}
	}
}
