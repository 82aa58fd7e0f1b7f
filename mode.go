package gnc

import (
	"sync"
	"time"

	kitlog "github.com/go-kit/kit/log"
)

// Mode is the GNC operating mode.
type Mode uint8

const (
	// Safe is the fallback mode, reachable from every other mode with no
	// live estimator dependency.
	Safe Mode = iota
	// Nominal is regular station keeping away from the target body.
	Nominal
	// Rendezvous is the multi-day approach phase.
	Rendezvous
	// TouchAndGo is the descent, contact and ascent proximity operation.
	TouchAndGo
)

func (m Mode) String() string {
	switch m {
	case Safe:
		return "SAFE"
	case Nominal:
		return "NOMINAL"
	case Rendezvous:
		return "RENDEZVOUS"
	case TouchAndGo:
		return "TOUCH_AND_GO"
	}
	return "INVALID"
}

// Authority designates where actuation commands originate.
type Authority uint8

const (
	// Ground authority: only explicitly ground-issued commands are executed.
	Ground Authority = iota
	// Autonomous authority: the onboard loop tracks guidance directly.
	Autonomous
)

func (a Authority) String() string {
	if a == Autonomous {
		return "AUTONOMOUS"
	}
	return "GROUND"
}

// GNCState is the (Mode × Authority) pair, always observed consistently.
type GNCState struct {
	Mode      Mode
	Authority Authority
}

// GroundCommandKind enumerates the discrete ground commands.
type GroundCommandKind uint8

const (
	// CmdSetAuthority requests an authority change.
	CmdSetAuthority GroundCommandKind = iota + 1
	// CmdAbort forces the unconditional SAFE/GROUND fallback.
	CmdAbort
	// CmdConfirmModeTransition confirms a pending mode promotion.
	CmdConfirmModeTransition
	// CmdActuatorOverride carries a direct actuator command, only honored
	// under GROUND authority.
	CmdActuatorOverride
)

// GroundCommand is one discrete command from the ground segment. Authenticity
// and link timeouts are handled by the external link layer.
type GroundCommand struct {
	Kind      GroundCommandKind
	Authority Authority // for CmdSetAuthority
	Override  *ActuatorCommand
	DT        time.Time
}

// TransitionContext carries every signal the transition table guards on,
// gathered once per cycle.
type TransitionContext struct {
	DT              time.Time
	Health          EstimatorHealth
	Phase           PhaseFlags
	GuidanceReady   bool
	ActuationFault  error           // SaturationPersistent or nil
	SafetyViolation string          // non-empty when the proximity envelope is breached
	Commands        []GroundCommand // at most one per kind, gathered this cycle
	ContactAge      time.Duration   // time since last ground contact
}

// command returns the pending ground command of the given kind, or nil.
func (ctx TransitionContext) command(k GroundCommandKind) *GroundCommand {
	for i := range ctx.Commands {
		if ctx.Commands[i].Kind == k {
			return &ctx.Commands[i]
		}
	}
	return nil
}

// transitionRule is one row of the transition table: data, not dispatch, so
// the table can be tested exhaustively.
type transitionRule struct {
	name  string
	from  Mode
	to    Mode
	guard func(GNCState, TransitionContext, GNCConfig, time.Duration) bool
}

// modeTable holds the nominal promotion rules. The unconditional SAFE/GROUND
// fallback and the authority rules are evaluated before this table and can
// never be blocked by it.
var modeTable = []transitionRule{
	{
		name: "safe-to-nominal",
		from: Safe, to: Nominal,
		guard: func(s GNCState, ctx TransitionContext, cfg GNCConfig, healthyFor time.Duration) bool {
			return ctx.command(CmdConfirmModeTransition) != nil &&
				ctx.Health.Healthy() && ctx.Health.CovTrace < cfg.CovarianceThreshold &&
				healthyFor >= cfg.ConfirmationWindow
		},
	},
	{
		name: "nominal-to-rendezvous",
		from: Nominal, to: Rendezvous,
		guard: func(s GNCState, ctx TransitionContext, cfg GNCConfig, _ time.Duration) bool {
			return ctx.Phase.RendezvousWindow
		},
	},
	{
		name: "rendezvous-to-touchandgo",
		from: Rendezvous, to: TouchAndGo,
		guard: func(s GNCState, ctx TransitionContext, cfg GNCConfig, _ time.Duration) bool {
			return ctx.Health.Healthy() && ctx.Phase.TAGWindow && ctx.GuidanceReady
		},
	},
	{
		// A guidance infeasibility during TAG downgrades the mode; it never
		// forces SAFE by itself.
		name: "touchandgo-demote-infeasible",
		from: TouchAndGo, to: Rendezvous,
		guard: func(s GNCState, ctx TransitionContext, cfg GNCConfig, _ time.Duration) bool {
			return !ctx.GuidanceReady
		},
	},
}

// ModeAuthorityManager owns the (Mode, Authority) pair. All transitions are
// atomic with respect to reader snapshots and logged with their cause.
type ModeAuthorityManager struct {
	mu      sync.Mutex
	state   GNCState
	cfg     GNCConfig
	logger  kitlog.Logger
	events  *Recorder
	healthy time.Time // start of the current healthy streak; zero when unhealthy
}

// NewModeAuthorityManager starts in (SAFE, GROUND).
func NewModeAuthorityManager(cfg GNCConfig, logger kitlog.Logger, events *Recorder) *ModeAuthorityManager {
	return &ModeAuthorityManager{
		state:  GNCState{Safe, Ground},
		cfg:    cfg,
		logger: kitlog.With(logger, "subsys", "mode"),
		events: events,
	}
}

// Snapshot returns the current consistent (Mode, Authority) pair.
func (m *ModeAuthorityManager) Snapshot() GNCState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Step evaluates the transition table for one cycle and returns the resulting
// state. The SAFE/GROUND fallback is evaluated first and unconditionally.
func (m *ModeAuthorityManager) Step(ctx TransitionContext) GNCState {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Track the healthy streak for the confirmation window guard.
	if ctx.Health.Healthy() && ctx.Health.CovTrace < m.cfg.CovarianceThreshold {
		if m.healthy.IsZero() {
			m.healthy = ctx.DT
		}
	} else {
		m.healthy = time.Time{}
	}
	healthyFor := time.Duration(0)
	if !m.healthy.IsZero() {
		healthyFor = ctx.DT.Sub(m.healthy)
	}

	// Terminal safety fallback: immediate, unconditional, never blocked.
	if cause := m.safeCause(ctx); cause != "" {
		m.transition(GNCState{Safe, Ground}, cause, ctx.DT)
		return m.state
	}

	// Authority auto-revert: AUTONOMOUS requires Mode != SAFE and the
	// covariance below threshold, checked every cycle.
	if m.state.Authority == Autonomous &&
		(m.state.Mode == Safe || ctx.Health.CovTrace >= m.cfg.CovarianceThreshold) {
		m.transition(GNCState{m.state.Mode, Ground}, "authority-covariance-revert", ctx.DT)
	}

	// Ground authorization for AUTONOMOUS.
	if cmd := ctx.command(CmdSetAuthority); cmd != nil {
		switch cmd.Authority {
		case Autonomous:
			if m.state.Mode != Safe && ctx.Health.Healthy() && ctx.Health.CovTrace < m.cfg.CovarianceThreshold {
				m.transition(GNCState{m.state.Mode, Autonomous}, "ground-authorized-autonomous", ctx.DT)
			} else {
				m.logger.Log("level", "warning", "msg", "autonomous authorization refused",
					"mode", m.state.Mode, "covtrace", ctx.Health.CovTrace)
			}
		case Ground:
			m.transition(GNCState{m.state.Mode, Ground}, "ground-commanded", ctx.DT)
		}
	}

	// Mode promotions from the table.
	for _, rule := range modeTable {
		if rule.from == m.state.Mode && rule.guard(m.state, ctx, m.cfg, healthyFor) {
			m.transition(GNCState{rule.to, m.state.Authority}, rule.name, ctx.DT)
			break
		}
	}
	return m.state
}

// safeCause returns the cause string when the unconditional fallback applies.
func (m *ModeAuthorityManager) safeCause(ctx TransitionContext) string {
	switch {
	case ctx.command(CmdAbort) != nil:
		return "ground-abort"
	case ctx.Health.Fault != nil:
		return "estimator-fault: " + ctx.Health.Fault.Error()
	case ctx.ActuationFault != nil:
		return "actuation-fault: " + ctx.ActuationFault.Error()
	case ctx.SafetyViolation != "":
		return "safety-envelope: " + ctx.SafetyViolation
	case m.state.Authority == Autonomous && ctx.ContactAge > m.cfg.GroundContactTimeout:
		return "ground-contact-lost"
	}
	return ""
}

// transition applies and logs a state change. No-op transitions are dropped.
func (m *ModeAuthorityManager) transition(to GNCState, cause string, dt time.Time) {
	if m.state == to {
		return
	}
	from := m.state
	m.state = to
	m.logger.Log("level", "notice", "from", from.Mode, "fromAuth", from.Authority,
		"to", to.Mode, "toAuth", to.Authority, "cause", cause)
	if m.events != nil {
		m.events.Record(Event{DT: dt, Kind: EventTransition, Cause: cause,
			From: from.String(), To: to.String()})
	}
}

func (s GNCState) String() string {
	return s.Mode.String() + "/" + s.Authority.String()
}
