package gnc

import (
	"math"
	"time"
)

// perfSample is one cycle of tracking performance.
type perfSample struct {
	dt            time.Time
	posErr        float64 // km
	velErr        float64 // km/s
	attErr        float64 // rad
	controlEffort float64 // N
}

// PerformanceLog keeps tracking errors over a fixed-size window sized at
// configuration time, so logging allocates nothing inside the control cycle.
type PerformanceLog struct {
	samples []perfSample
	next    int
	filled  bool
}

// NewPerformanceLog returns a log holding the given number of cycles.
func NewPerformanceLog(window int) *PerformanceLog {
	if window <= 0 {
		window = 100
	}
	return &PerformanceLog{samples: make([]perfSample, window)}
}

// Add records one cycle of tracking performance.
func (p *PerformanceLog) Add(dt time.Time, ref GuidanceReference, est StateEstimate, cmd ActuatorCommand) {
	posErr := make([]float64, 3)
	velErr := make([]float64, 3)
	for i := 0; i < 3; i++ {
		posErr[i] = ref.Position[i] - est.Position[i]
		velErr[i] = ref.Velocity[i] - est.Velocity[i]
	}
	p.samples[p.next] = perfSample{
		dt:            dt,
		posErr:        norm(posErr),
		velErr:        norm(velErr),
		attErr:        est.Attitude.AngleTo(ref.Attitude),
		controlEffort: norm(cmd.Thrust),
	}
	p.next++
	if p.next == len(p.samples) {
		p.next = 0
		p.filled = true
	}
}

// Compliance is the 3σ accuracy verdict over the logged window.
type Compliance struct {
	PositionOK bool // 3σ position error within 25 m
	VelocityOK bool // 3σ velocity error within 2.5 cm/s
	AttitudeOK bool // 3σ attitude error within 0.1°
	Samples    int
}

// Accuracy requirements, 3σ.
const (
	positionAccuracyKm   = 0.025
	velocityAccuracyKmS  = 2.5e-5
	attitudeAccuracyRad  = 0.1 * deg2rad
	complianceMinSamples = 10
)

// Compliance computes the 3σ statistics over the logged window.
func (p *PerformanceLog) Compliance() Compliance {
	n := p.next
	if p.filled {
		n = len(p.samples)
	}
	if n < complianceMinSamples {
		return Compliance{Samples: n}
	}
	σ := func(get func(perfSample) float64) float64 {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += get(p.samples[i])
		}
		mean /= float64(n)
		variance := 0.0
		for i := 0; i < n; i++ {
			d := get(p.samples[i]) - mean
			variance += d * d
		}
		return math.Sqrt(variance / float64(n))
	}
	return Compliance{
		PositionOK: 3*σ(func(s perfSample) float64 { return s.posErr }) <= positionAccuracyKm,
		VelocityOK: 3*σ(func(s perfSample) float64 { return s.velErr }) <= velocityAccuracyKmS,
		AttitudeOK: 3*σ(func(s perfSample) float64 { return s.attErr }) <= attitudeAccuracyRad,
		Samples:    n,
	}
}

// TotalEffort returns the summed control effort over the window, in N·cycles.
func (p *PerformanceLog) TotalEffort() float64 {
	n := p.next
	if p.filled {
		n = len(p.samples)
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += p.samples[i].controlEffort
	}
	return total
}
