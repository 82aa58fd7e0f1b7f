package gnc

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// GNCConfig gathers every tunable of the decision core. It is loaded once at
// mission configuration and treated as read-only afterwards.
type GNCConfig struct {
	// Estimator
	CovarianceThreshold float64       // trace(P) bound for AUTONOMOUS authority (km²-based units)
	DivergenceCeiling   float64       // trace(P) bound above which the filter declares divergence
	GatingSigma         float64       // innovation gate, in multiples of the predicted innovation σ
	StaleTimeout        time.Duration // no accepted measurement within this window raises StaleData
	EKFTrigger          int           // accepted measurements before the filter switches from CKF to EKF mode
	ProcessNoise        float64       // SNC σ² on acceleration

	// Mode and authority
	ConfirmationWindow   time.Duration // sustained-health requirement before SAFE->NOMINAL
	GroundContactTimeout time.Duration // loss of contact beyond this under AUTONOMOUS forces SAFE/GROUND

	// Control
	ControlCadence    time.Duration
	MaxThrust         float64 // N
	MaxTorque         float64 // N·m
	PosGain, VelGain  float64 // translational PD gains
	AttGain, RateGain float64 // attitude PD gains
	SaturationWindow  int     // consecutive saturated cycles before SaturationPersistent

	// Guidance
	RendezvousDuration  time.Duration // full approach window, e.g. 24 days
	ArrivalStandoff     float64       // km, e.g. 20
	MinSafeDistance     float64       // km
	MaxApproachVelocity float64       // km/s
	AbortAltitude       float64       // km
	TAGVerticalVelocity float64       // km/s, descent rate at contact
	TAGContactDwell     time.Duration
	ProximityTimeBudget time.Duration
	FuelMarginKg        float64

	// Target body
	BodyMu          float64 // km³/s²
	BodyMuSigma     float64 // 1σ gravity uncertainty
	BodyRadius      float64 // km
	AvailableFuelKg float64
	DryMassKg       float64
}

// DefaultConfig returns the Hayabusa-heritage tuning used when no scenario
// overrides a value.
func DefaultConfig() GNCConfig {
	return GNCConfig{
		CovarianceThreshold:  1e-2,
		DivergenceCeiling:    1e2,
		GatingSigma:          3,
		StaleTimeout:         30 * time.Second,
		EKFTrigger:           15,
		ProcessNoise:         1e-12,
		ConfirmationWindow:   60 * time.Second,
		GroundContactTimeout: 120 * time.Second,
		ControlCadence:       100 * time.Millisecond, // 10 Hz
		MaxThrust:            20,
		MaxTorque:            1,
		PosGain:              2e-3,
		VelGain:              8e-2,
		AttGain:              5e-2,
		RateGain:             2e-1,
		SaturationWindow:     5,
		RendezvousDuration:   24 * 24 * time.Hour,
		ArrivalStandoff:      20,
		MinSafeDistance:      0.05,
		MaxApproachVelocity:  5e-4,
		AbortAltitude:        0.1,
		TAGVerticalVelocity:  1e-4, // 0.1 m/s
		TAGContactDwell:      5 * time.Second,
		ProximityTimeBudget:  30 * time.Minute,
		FuelMarginKg:         5,
		BodyMu:               4.9e-9, // Ryugu-class body
		BodyMuSigma:          1e-9,
		BodyRadius:           0.45,
		AvailableFuelKg:      48,
		DryMassKg:            560,
	}
}

// LoadConfig reads a TOML configuration and overlays it on the defaults.
// Only keys present in the file override the default tuning.
func LoadConfig(path, name string) (GNCConfig, error) {
	cfg := DefaultConfig()
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("%s/%s.toml: %s", path, name, err)
	}
	setF := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}
	setD := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}
	setF("estimator.covariance_threshold", &cfg.CovarianceThreshold)
	setF("estimator.divergence_ceiling", &cfg.DivergenceCeiling)
	setF("estimator.gating_sigma", &cfg.GatingSigma)
	setD("estimator.stale_timeout", &cfg.StaleTimeout)
	if v.IsSet("estimator.ekf_trigger") {
		cfg.EKFTrigger = v.GetInt("estimator.ekf_trigger")
	}
	setF("estimator.process_noise", &cfg.ProcessNoise)
	setD("mode.confirmation_window", &cfg.ConfirmationWindow)
	setD("mode.ground_contact_timeout", &cfg.GroundContactTimeout)
	setD("control.cadence", &cfg.ControlCadence)
	setF("control.max_thrust", &cfg.MaxThrust)
	setF("control.max_torque", &cfg.MaxTorque)
	setF("control.pos_gain", &cfg.PosGain)
	setF("control.vel_gain", &cfg.VelGain)
	setF("control.att_gain", &cfg.AttGain)
	setF("control.rate_gain", &cfg.RateGain)
	if v.IsSet("control.saturation_window") {
		cfg.SaturationWindow = v.GetInt("control.saturation_window")
	}
	setD("guidance.rendezvous_duration", &cfg.RendezvousDuration)
	setF("guidance.arrival_standoff", &cfg.ArrivalStandoff)
	setF("guidance.min_safe_distance", &cfg.MinSafeDistance)
	setF("guidance.max_approach_velocity", &cfg.MaxApproachVelocity)
	setF("guidance.abort_altitude", &cfg.AbortAltitude)
	setF("guidance.tag_vertical_velocity", &cfg.TAGVerticalVelocity)
	setD("guidance.tag_contact_dwell", &cfg.TAGContactDwell)
	setD("guidance.proximity_time_budget", &cfg.ProximityTimeBudget)
	setF("guidance.fuel_margin", &cfg.FuelMarginKg)
	setF("body.mu", &cfg.BodyMu)
	setF("body.mu_sigma", &cfg.BodyMuSigma)
	setF("body.radius", &cfg.BodyRadius)
	setF("body.available_fuel", &cfg.AvailableFuelKg)
	setF("body.dry_mass", &cfg.DryMassKg)
	return cfg, nil
}
