package gnc

import (
	"fmt"
	"time"

	"github.com/soniakeys/meeus/julian"
	"github.com/spf13/viper"
)

// PhaseWindow is one entry of the mission phase timeline. A window opens and
// closes either on an epoch or on an approved phase-advance event.
type PhaseWindow struct {
	Name             string
	Open, Close      time.Time
	RendezvousWindow bool // the rendezvous approach may run during this window
	TAGWindow        bool // a touch-and-go event is authorized during this window
	advanced         bool // set by an approved phase-advance event
}

// Contains returns whether the window covers dt.
func (w PhaseWindow) Contains(dt time.Time) bool {
	return !dt.Before(w.Open) && dt.Before(w.Close)
}

// PhaseFlags is the per-cycle snapshot of the timeline consumed by the mode manager.
type PhaseFlags struct {
	Phase            string
	RendezvousWindow bool
	TAGWindow        bool
	WindowClose      time.Time
}

// MissionPhaseTimeline is the ordered sequence of phase windows. It is loaded
// once at mission configuration and advanced only via approved events.
type MissionPhaseTimeline struct {
	windows []PhaseWindow
	current int
}

// NewTimeline builds a timeline from ordered windows. Windows must not be empty.
func NewTimeline(windows []PhaseWindow) (*MissionPhaseTimeline, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("timeline requires at least one phase window")
	}
	for i := 1; i < len(windows); i++ {
		if windows[i].Open.Before(windows[i-1].Open) {
			return nil, fmt.Errorf("phase %s opens before %s", windows[i].Name, windows[i-1].Name)
		}
	}
	return &MissionPhaseTimeline{windows: windows}, nil
}

// At returns the phase flags applying at dt. Time never moves the timeline
// backwards: once a window was advanced past, it stays closed.
func (tl *MissionPhaseTimeline) At(dt time.Time) PhaseFlags {
	for i := tl.current; i < len(tl.windows); i++ {
		w := tl.windows[i]
		if w.advanced {
			continue
		}
		if w.Contains(dt) {
			return PhaseFlags{w.Name, w.RendezvousWindow, w.TAGWindow, w.Close}
		}
	}
	return PhaseFlags{Phase: "idle"}
}

// Advance closes the named window via an approved phase-advance event and
// moves the timeline to the next window. It is the only runtime mutation.
func (tl *MissionPhaseTimeline) Advance(name string) error {
	for i := tl.current; i < len(tl.windows); i++ {
		if tl.windows[i].Name == name {
			tl.windows[i].advanced = true
			tl.current = i + 1
			return nil
		}
	}
	return fmt.Errorf("phase %s not found or already passed", name)
}

// TimelineFromConfig reads the [phases] table of a scenario. Each phase epoch
// may be given either as a Julian date (float) or as a time value.
func TimelineFromConfig(v *viper.Viper) (*MissionPhaseTimeline, error) {
	names := v.GetStringSlice("phases.order")
	if len(names) == 0 {
		return nil, fmt.Errorf("phases.order is empty")
	}
	windows := make([]PhaseWindow, len(names))
	for i, name := range names {
		key := fmt.Sprintf("phase.%s.", name)
		windows[i] = PhaseWindow{
			Name:             name,
			Open:             readJDEorTime(v, key+"open"),
			Close:            readJDEorTime(v, key+"close"),
			RendezvousWindow: v.GetBool(key + "rendezvous"),
			TAGWindow:        v.GetBool(key + "tag"),
		}
	}
	return NewTimeline(windows)
}

// readJDEorTime reads an epoch given either as a Julian date or a time value.
func readJDEorTime(v *viper.Viper, key string) (dt time.Time) {
	jde := v.GetFloat64(key)
	if jde == 0 {
		dt = v.GetTime(key)
	} else {
		dt = julian.JDToTime(jde)
	}
	return
}
