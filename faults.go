package gnc

import "fmt"

// EstimatorFaultKind enumerates the navigation filter failure causes.
type EstimatorFaultKind uint8

const (
	// Divergence is raised when the covariance trace exceeds the configured ceiling.
	Divergence EstimatorFaultKind = iota + 1
	// StaleData is raised when no valid measurement has been accepted within the timeout.
	StaleData
)

func (k EstimatorFaultKind) String() string {
	if k == Divergence {
		return "divergence"
	}
	return "staledata"
}

// EstimatorFault is a navigation filter failure. It is surfaced to the mode
// manager every cycle and never retried within the cycle which raised it.
type EstimatorFault struct {
	Kind   EstimatorFaultKind
	Detail string
}

func (f EstimatorFault) Error() string {
	return fmt.Sprintf("estimator fault: %s (%s)", f.Kind, f.Detail)
}

// GuidanceFaultKind enumerates the guidance planner failure causes.
type GuidanceFaultKind uint8

// InfeasibleTrajectory is raised when the dynamics, fuel or attitude
// constraints cannot be satisfied within the current estimate uncertainty.
const InfeasibleTrajectory GuidanceFaultKind = iota + 1

func (k GuidanceFaultKind) String() string { return "infeasible" }

// GuidanceFault is a guidance planning failure. It triggers a mode or
// authority downgrade through the mode manager, not a retry loop.
type GuidanceFault struct {
	Kind   GuidanceFaultKind
	Detail string
}

func (f GuidanceFault) Error() string {
	return fmt.Sprintf("guidance fault: %s (%s)", f.Kind, f.Detail)
}

// ActuationFaultKind enumerates the control loop failure causes.
type ActuationFaultKind uint8

// SaturationPersistent is raised after the configured number of consecutive
// saturated actuator commands.
const SaturationPersistent ActuationFaultKind = iota + 1

func (k ActuationFaultKind) String() string { return "saturation-persistent" }

// ActuationFault is a control loop distrust signal fed back to the mode manager.
type ActuationFault struct {
	Kind  ActuationFaultKind
	Count int
}

func (f ActuationFault) Error() string {
	return fmt.Sprintf("actuation fault: %s after %d cycles", f.Kind, f.Count)
}
