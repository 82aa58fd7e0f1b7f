package gnc

import (
	"time"

	kitlog "github.com/go-kit/kit/log"
)

// ActuatorCommand is one actuation record at the control cycle cadence:
// a thrust vector in Newtons and a torque vector in Newton-meters, both in
// the body frame.
type ActuatorCommand struct {
	DT        time.Time
	Thrust    []float64
	Torque    []float64
	Saturated bool
}

// ControlLoop converts the guidance reference and navigation estimate into a
// bounded actuator command. Commands exceeding the physical limits are
// saturated, never rejected; repeated saturation is a distrust signal fed back
// to the mode manager.
type ControlLoop struct {
	cfg    GNCConfig
	logger kitlog.Logger
	events *Recorder

	consecutiveSat int
	totalSat       int
	override       *ActuatorCommand
}

// NewControlLoop returns a control loop tuned from the configuration.
func NewControlLoop(cfg GNCConfig, logger kitlog.Logger, events *Recorder) *ControlLoop {
	return &ControlLoop{cfg: cfg, logger: kitlog.With(logger, "subsys", "control"), events: events}
}

// SetOverride installs a ground-issued actuator command, executed only under
// GROUND authority. A nil override clears it.
func (c *ControlLoop) SetOverride(cmd *ActuatorCommand) {
	c.override = cmd
}

// Fault returns the persistent saturation fault, if the configured number of
// consecutive saturated commands has been reached.
func (c *ControlLoop) Fault() error {
	if c.consecutiveSat >= c.cfg.SaturationWindow {
		return ActuationFault{SaturationPersistent, c.consecutiveSat}
	}
	return nil
}

// SaturationCount returns the total number of saturated cycles, exposed as a
// health signal.
func (c *ControlLoop) SaturationCount() int { return c.totalSat }

// Step computes one actuator command. Under GROUND authority only the
// explicitly ground-issued override is executed and the reference is ignored;
// under AUTONOMOUS the reference is tracked with a PD law.
func (c *ControlLoop) Step(ref GuidanceReference, est StateEstimate, authority Authority) ActuatorCommand {
	if authority == Ground {
		cmd := ActuatorCommand{DT: est.DT, Thrust: []float64{0, 0, 0}, Torque: []float64{0, 0, 0}}
		if c.override != nil {
			cmd.Thrust = append([]float64{}, c.override.Thrust...)
			cmd.Torque = append([]float64{}, c.override.Torque...)
			cmd = c.clamp(cmd)
		}
		c.updateSaturation(cmd)
		return cmd
	}

	// Translational PD tracking. Errors in km and km/s, gains sized to
	// produce Newtons on a spacecraft of the configured mass.
	mass := c.cfg.DryMassKg + c.cfg.AvailableFuelKg
	thrust := make([]float64, 3)
	for i := 0; i < 3; i++ {
		posErr := ref.Position[i] - est.Position[i]
		velErr := ref.Velocity[i] - est.Velocity[i]
		// km -> m for a force in N.
		thrust[i] = mass * 1e3 * (c.cfg.PosGain*posErr + c.cfg.VelGain*velErr)
	}

	// Attitude PD from the quaternion error vector part and the body rate.
	qErr := est.Attitude.Conjugate().Mul(ref.Attitude).Normalized()
	if qErr[0] < 0 { // shortest path
		qErr = Quaternion{-qErr[0], -qErr[1], -qErr[2], -qErr[3]}
	}
	torque := make([]float64, 3)
	for i := 0; i < 3; i++ {
		torque[i] = c.cfg.AttGain*2*qErr[i+1] - c.cfg.RateGain*est.AngularRate[i]
	}

	cmd := c.clamp(ActuatorCommand{DT: est.DT, Thrust: thrust, Torque: torque})
	c.updateSaturation(cmd)
	return cmd
}

// SafeCommand is the SAFE-mode retreat: thrust radially away from the body.
// It requires no live estimator dependency beyond the last known position.
func (c *ControlLoop) SafeCommand(position []float64, dt time.Time) ActuatorCommand {
	u := unit(position)
	retreat := c.cfg.MaxThrust / 4
	cmd := ActuatorCommand{DT: dt,
		Thrust: []float64{u[0] * retreat, u[1] * retreat, u[2] * retreat},
		Torque: []float64{0, 0, 0}}
	return c.clamp(cmd)
}

// clamp saturates the command to the configured physical limits, preserving
// direction.
func (c *ControlLoop) clamp(cmd ActuatorCommand) ActuatorCommand {
	if t := norm(cmd.Thrust); t > c.cfg.MaxThrust {
		scale := c.cfg.MaxThrust / t
		for i := range cmd.Thrust {
			cmd.Thrust[i] *= scale
		}
		cmd.Saturated = true
	}
	if τ := norm(cmd.Torque); τ > c.cfg.MaxTorque {
		scale := c.cfg.MaxTorque / τ
		for i := range cmd.Torque {
			cmd.Torque[i] *= scale
		}
		cmd.Saturated = true
	}
	return cmd
}

// updateSaturation maintains the consecutive saturation window and records the
// persistent fault once per streak.
func (c *ControlLoop) updateSaturation(cmd ActuatorCommand) {
	if !cmd.Saturated {
		c.consecutiveSat = 0
		return
	}
	c.consecutiveSat++
	c.totalSat++
	if c.consecutiveSat == c.cfg.SaturationWindow {
		fault := ActuationFault{SaturationPersistent, c.consecutiveSat}
		c.logger.Log("level", "error", "fault", fault)
		if c.events != nil {
			c.events.Record(Event{DT: cmd.DT, Kind: EventSaturation, Cause: fault.Error()})
		}
	}
}
