package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/gonum/matrix/mat64"
	"github.com/sbnav/gnc"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// getFloat64Slice reads a []float64 config value; viper has no GetFloat64Slice.
func getFloat64Slice(v *viper.Viper, key string) []float64 {
	raw := cast.ToSlice(v.Get(key))
	out := make([]float64, len(raw))
	for i, x := range raw {
		out[i] = cast.ToFloat64(x)
	}
	return out
}

const defaultScenario = "~~unset~~"

var (
	scenario string
	debug    bool
)

func init() {
	flag.StringVar(&scenario, "scenario", defaultScenario, "simulation scenario TOML file")
	flag.BoolVar(&debug, "debug", false, "verbose debug")
}

// truthModel propagates the simulated ground truth between cycles.
type truthModel struct {
	state gnc.TruthState
	cfg   gnc.GNCConfig
}

func (t *truthModel) provider() gnc.TruthProvider {
	return func(time.Time) gnc.TruthState { return t.state }
}

// step applies the actuator command over one cadence and coasts the truth.
func (t *truthModel) step(cmd gnc.ActuatorCommand, dt time.Duration) {
	mass := t.cfg.DryMassKg + t.cfg.AvailableFuelKg
	accel := make([]float64, 3) // km/s², mission frame
	for i := 0; i < 3; i++ {
		accel[i] = cmd.Thrust[i] / mass / 1e3
	}
	t.state.Position, t.state.Velocity = gnc.PropagateProximity(
		t.state.Position, t.state.Velocity, accel, t.cfg.BodyMu, dt.Seconds())
	// The IMU senses the non-gravitational acceleration in the body frame.
	t.state.Acceleration = t.state.Attitude.Conjugate().Rotate(accel)
	t.state.Attitude = t.state.Attitude.Integrate(t.state.AngularRate, dt.Seconds())
}

func main() {
	flag.Parse()
	if scenario == defaultScenario {
		log.Fatal("no scenario provided")
	}
	scenario = strings.Replace(scenario, ".toml", "", 1)
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName(scenario)
	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("./%s.toml: Error %s", scenario, err)
	}

	cfg, err := gnc.LoadConfig(".", scenario)
	if err != nil {
		log.Fatalf("config: %s", err)
	}
	timeline, err := gnc.TimelineFromConfig(v)
	if err != nil {
		log.Fatalf("timeline: %s", err)
	}

	epoch := v.GetTime("sim.epoch")
	duration := v.GetDuration("sim.duration")
	numCycles := int(duration / cfg.ControlCadence)

	klog := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stdout))
	klog = kitlog.With(klog, "sim", scenario)

	// Ground truth and sensor suite.
	truth := &truthModel{cfg: cfg, state: gnc.TruthState{
		Position:     getFloat64Slice(v, "truth.position"),
		Velocity:     getFloat64Slice(v, "truth.velocity"),
		Attitude:     gnc.IdentityQuaternion(),
		AngularRate:  []float64{0, 0, 0},
		Acceleration: []float64{0, 0, 0},
		SunDirection: []float64{1, 0, 0},
	}}
	sources := []gnc.SensorSource{
		gnc.NewSimIMU(truth.provider(), 1e-10, 1e-6, nil),
		gnc.NewSimStarTracker(truth.provider(), 1.7e-5),
		gnc.NewSimSunSensor(truth.provider(), 8.7e-3, 120*math.Pi/180),
		gnc.NewSimCamera(truth.provider(), 5e-5, 8*math.Pi/180),
		gnc.NewSimLIDAR(truth.provider(), 1e-4, 25),
	}

	// Initial estimate: the truth plus the configured initial uncertainty.
	P0 := mat64.NewSymDense(6, nil)
	for i := 0; i < 3; i++ {
		P0.SetSym(i, i, v.GetFloat64("estimator.initial_position_var"))
		P0.SetSym(i+3, i+3, v.GetFloat64("estimator.initial_velocity_var"))
	}
	initial := gnc.StateEstimate{
		DT:          epoch,
		Position:    append([]float64{}, truth.state.Position...),
		Velocity:    append([]float64{}, truth.state.Velocity...),
		Attitude:    gnc.IdentityQuaternion(),
		AngularRate: []float64{0, 0, 0},
		GyroBias:    []float64{0, 0, 0},
		Covariance:  P0,
		AttitudeVar: 1e-4,
	}

	events := gnc.NewRecorder()
	filter, err := gnc.NewNavigationFilter(cfg, initial, truth.state.SunDirection, klog)
	if err != nil {
		log.Fatalf("filter: %s", err)
	}
	manager := gnc.NewModeAuthorityManager(cfg, klog, events)
	planner := gnc.NewGuidancePlanner(cfg, nil, klog, events)
	loop := gnc.NewControlLoop(cfg, klog, events)
	exec := gnc.NewExecutive(cfg, epoch, sources, filter, manager, planner, loop, timeline, events, klog)

	// Scripted ground commands.
	confirmAfter := v.GetDuration("sim.confirm_after")
	autonomousAfter := v.GetDuration("sim.autonomous_after")
	confirmed, authorized := false, false

	start := time.Now()
	for i := 0; i < numCycles; i++ {
		elapsed := time.Duration(i) * cfg.ControlCadence
		if !confirmed && confirmAfter > 0 && elapsed >= confirmAfter {
			exec.Submit(gnc.GroundCommand{Kind: gnc.CmdConfirmModeTransition, DT: epoch.Add(elapsed)})
			confirmed = true
		}
		if !authorized && autonomousAfter > 0 && elapsed >= autonomousAfter {
			exec.Submit(gnc.GroundCommand{Kind: gnc.CmdSetAuthority, Authority: gnc.Autonomous, DT: epoch.Add(elapsed)})
			authorized = true
		}
		rslt := exec.RunCycle()
		truth.step(rslt.Command, cfg.ControlCadence)
		if debug && i%100 == 0 {
			fmt.Printf("[%06d] %s covtrace=%g\n", i, rslt.State, rslt.Estimate.CovarianceTrace())
		}
	}

	compliance := exec.Performance().Compliance()
	klog.Log("level", "notice", "status", "finished", "cycles", numCycles,
		"wall", time.Since(start), "positionOK", compliance.PositionOK,
		"velocityOK", compliance.VelocityOK, "attitudeOK", compliance.AttitudeOK,
		"effort(N)", exec.Performance().TotalEffort())

	out := v.GetString("sim.events_file")
	if out == "" {
		out = scenario + "-events.csv"
	}
	if err := events.WriteCSV(out); err != nil {
		log.Fatalf("events: %s", err)
	}
	klog.Log("level", "info", "events", out)
}
