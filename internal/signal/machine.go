// Package signal implements the per-instrument state machine that decides
// when a digit is tradeable.
//
// The canonical two-stage protocol arms on a run of equal digits, waits a
// bounded number of ticks for the armed digit to reappear and fires on the
// first different digit after the reappearance. The single variant fires
// directly on the digit that breaks a long enough run. In both variants a
// tick is evaluated by exactly one stage.
package signal

import (
	"deriv-digit-bot-go/internal/digits"
	"deriv-digit-bot-go/internal/models"
)

// Variant selects the detection protocol.
type Variant string

const (
	TwoStage Variant = "two_stage"
	Single   Variant = "single"
)

// Config parameterises a Machine.
type Config struct {
	Variant      Variant
	RunThreshold int              // X
	Countdown    int              // W
	Arm          digits.Exclusion // extremes filter at arming
	Breakout     digits.Exclusion // extremes filter at breakout
}

// ConfigFrom converts the JSON config section.
func ConfigFrom(c models.SignalConfig) Config {
	v := TwoStage
	if c.Variant == string(Single) {
		v = Single
	}
	return Config{
		Variant:      v,
		RunThreshold: max(2, c.RunThreshold),
		Countdown:    max(1, c.Countdown),
		Arm:          digits.Exclusion{Top: c.ArmTop, Bottom: c.ArmBottom},
		Breakout:     digits.Exclusion{Top: c.BreakoutTop, Bottom: c.BreakoutBottom},
	}
}

// EventKind classifies the outcome of one tick.
type EventKind int

const (
	None        EventKind = iota
	Armed                 // run reached X, digit armed
	Reappeared            // armed digit seen again
	Breakout              // trade the event digit
	Invalidated           // armed state dropped without trading
	Ignored               // run or breakout blocked by the extremes filter
	Suppressed            // tick arrived while executing
)

func (k EventKind) String() string {
	switch k {
	case None:
		return "none"
	case Armed:
		return "armed"
	case Reappeared:
		return "reappeared"
	case Breakout:
		return "breakout"
	case Invalidated:
		return "invalidated"
	case Ignored:
		return "ignored"
	case Suppressed:
		return "suppressed"
	}
	return "unknown"
}

// Event is emitted for every tick fed to the machine.
type Event struct {
	Kind       EventKind
	Digit      models.Digit // armed digit, or the traded digit for Breakout
	WindowLeft int
	Reason     string
}

// Machine is not safe for concurrent use; the statemanager event loop owns it.
type Machine struct {
	cfg        Config
	status     models.ArmStatus
	armed      models.Digit
	windowLeft int
	run        []models.Digit
}

// NewMachine creates an idle machine.
func NewMachine(cfg Config) *Machine {
	if cfg.Variant == "" {
		cfg.Variant = TwoStage
	}
	cfg.RunThreshold = max(2, cfg.RunThreshold)
	cfg.Countdown = max(1, cfg.Countdown)
	return &Machine{cfg: cfg}
}

// Status returns the current status.
func (m *Machine) Status() models.ArmStatus { return m.status }

// State returns a copy of the arming state.
func (m *Machine) State() models.ArmingState {
	return models.ArmingState{
		Status:     m.status,
		ArmedDigit: m.armed,
		WindowLeft: m.windowLeft,
		TailRun:    append([]models.Digit(nil), m.run...),
	}
}

// Step consumes one digit. counts is the distribution snapshot after the
// digit was pushed.
func (m *Machine) Step(d models.Digit, counts models.Counts) Event {
	if m.status == models.Executing {
		return Event{Kind: Suppressed, Digit: m.armed}
	}
	if m.cfg.Variant == Single {
		return m.stepSingle(d, counts)
	}

	m.trackRun(d)

	switch m.status {
	case models.Idle:
		// Only the tick that completes the run arms; longer runs do not retry.
		if len(m.run) != m.cfg.RunThreshold {
			return Event{Kind: None}
		}
		if digits.IsExtreme(d, counts, m.cfg.Arm) {
			return Event{Kind: Ignored, Digit: d, Reason: "run digit is extreme at arming"}
		}
		m.status = models.Armed
		m.armed = d
		m.windowLeft = m.cfg.Countdown
		return Event{Kind: Armed, Digit: d, WindowLeft: m.windowLeft}

	case models.Armed:
		if d == m.armed {
			m.status = models.Reappeared
			return Event{Kind: Reappeared, Digit: d, WindowLeft: m.windowLeft}
		}
		m.windowLeft--
		if m.windowLeft <= 0 {
			armed := m.armed
			m.toIdle()
			return Event{Kind: Invalidated, Digit: armed, Reason: "countdown exhausted"}
		}
		return Event{Kind: None, Digit: m.armed, WindowLeft: m.windowLeft}

	case models.Reappeared:
		if d == m.armed {
			return Event{Kind: None, Digit: m.armed, WindowLeft: m.windowLeft}
		}
		armed := m.armed
		if digits.IsExtreme(armed, counts, m.cfg.Breakout) {
			m.toIdle()
			return Event{Kind: Invalidated, Digit: armed, Reason: "armed digit is extreme at breakout"}
		}
		m.status = models.Executing
		return Event{Kind: Breakout, Digit: armed}
	}
	return Event{Kind: None}
}

func (m *Machine) stepSingle(d models.Digit, counts models.Counts) Event {
	if len(m.run) > 0 && m.run[len(m.run)-1] == d {
		m.run = append(m.run, d)
		return Event{Kind: None}
	}
	prevLen := len(m.run)
	m.run = append(m.run[:0], d)
	if prevLen < m.cfg.RunThreshold {
		return Event{Kind: None}
	}
	if digits.IsExtreme(d, counts, m.cfg.Breakout) {
		return Event{Kind: Ignored, Digit: d, Reason: "breakout digit is extreme"}
	}
	m.status = models.Executing
	m.armed = d
	return Event{Kind: Breakout, Digit: d}
}

// trackRun extends the run of equal digits or starts a new one.
func (m *Machine) trackRun(d models.Digit) {
	if len(m.run) > 0 && m.run[len(m.run)-1] == d {
		m.run = append(m.run, d)
		return
	}
	m.run = append(m.run[:0], d)
}

func (m *Machine) toIdle() {
	m.status = models.Idle
	m.armed = 0
	m.windowLeft = 0
}

// Complete returns an executing machine to Idle once its phase is done.
func (m *Machine) Complete() {
	if m.status != models.Executing {
		return
	}
	m.toIdle()
	m.run = m.run[:0]
}

// Reset drops all signal state, e.g. on an instrument switch.
func (m *Machine) Reset() {
	m.toIdle()
	m.run = m.run[:0]
}
