package gnc

import (
	"fmt"
	"sort"
	"time"

	"github.com/gonum/matrix/mat64"
)

// SensorKind identifies the sensor which produced a measurement.
type SensorKind uint8

const (
	// IMU is the inertial measurement unit, payload [ax ay az ωx ωy ωz].
	IMU SensorKind = iota + 1
	// StarTracker provides an absolute attitude quaternion, payload [q0 q1 q2 q3].
	StarTracker
	// SunSensor provides the Sun direction in the body frame, payload [sx sy sz].
	SunSensor
	// OpticalCamera provides the line of sight to the target body, payload [ux uy uz].
	OpticalCamera
	// LIDAR provides the body-relative position resolved along the boresight,
	// payload [rx ry rz] (the sensor adapter resolves range and surface normal).
	LIDAR
)

func (k SensorKind) String() string {
	switch k {
	case IMU:
		return "imu"
	case StarTracker:
		return "startracker"
	case SunSensor:
		return "sunsensor"
	case OpticalCamera:
		return "camera"
	case LIDAR:
		return "lidar"
	}
	return "unknown"
}

// fusionRank orders sensors within a shared timestamp: the IMU drives the
// propagation, then the attitude sensors, then the relative navigation sensors.
func (k SensorKind) fusionRank() int {
	switch k {
	case IMU:
		return 0
	case StarTracker:
		return 1
	case SunSensor:
		return 2
	case OpticalCamera:
		return 3
	case LIDAR:
		return 4
	}
	return 5
}

// Measurement is a normalized sensor record as delivered by the sensor adapter.
// It is immutable once produced and owned by the fusion pipeline for the
// duration of one update cycle.
type Measurement struct {
	Kind    SensorKind
	DT      time.Time
	Payload *mat64.Vector
	Valid   bool
	Noise   *mat64.SymDense // estimated measurement noise covariance
}

// IsNil returns whether the measurement carries no payload.
func (m Measurement) IsNil() bool {
	return m.Payload == nil
}

func (m Measurement) String() string {
	return fmt.Sprintf("%s@%s (valid=%v)", m.Kind, m.DT.Format(time.RFC3339), m.Valid)
}

// SortMeasurements orders measurements by timestamp, breaking ties by fusion
// rank so that a shared timestamp is processed IMU first, attitude sensors
// next, relative navigation sensors last.
func SortMeasurements(ms []Measurement) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].DT.Equal(ms[j].DT) {
			return ms[i].Kind.fusionRank() < ms[j].Kind.fusionRank()
		}
		return ms[i].DT.Before(ms[j].DT)
	})
}
