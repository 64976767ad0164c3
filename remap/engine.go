package remap

// Remap engine: a per-device state machine that turns one input event into
// zero or more output events.
//
// Layers are evaluated in a fixed order and the first one that claims the
// event decides the output:
//
//	1. MSC_SCAN annotations are dropped.
//	2. Non-key events pass through unchanged.
//	3. Caps-lock sub-machine (only with Options.CapsToEscape).
//	4. Meta interception while LEFT_META is held.
//	5. LEFT_META press enters layer 4.
//	6. Everything else passes through unchanged.
//
// The engine never performs I/O and never fails.

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/holoplot/go-evdev"
)

// MaxOutput bounds the number of events a single Transform call can return.
const MaxOutput = 4

// Mode selects how the meta key's own keystroke is suppressed.
type Mode int

const (
	// ModeDisabled never suppresses the meta key.
	ModeDisabled Mode = 0
	// ModeBlock suppresses the meta key, replaying a bare tap on release
	// when no remap fired during the hold.
	ModeBlock Mode = 1
	// ModePassthrough is ModeBlock plus a synthetic meta press injected ahead
	// of any other non-modifier key, so ordinary meta combos keep working.
	ModePassthrough Mode = 2
)

func (m Mode) Valid() bool { return m >= ModeDisabled && m <= ModePassthrough }

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeBlock:
		return "block"
	case ModePassthrough:
		return "passthrough"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// ParseMode accepts the numeric form ("0", "1", "2") or the mode name.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m := ModeDisabled; m <= ModePassthrough; m++ {
		if s == strconv.Itoa(int(m)) || s == m.String() {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid blocking mode %q (want 0, 1 or 2)", s)
}

// Meta is the designated modifier key.
const Meta evdev.EvCode = evdev.KEY_LEFTMETA

// Navigation maps a directional key to the key emitted while Meta is held.
var Navigation = map[evdev.EvCode]evdev.EvCode{
	evdev.KEY_LEFT:  evdev.KEY_HOME,
	evdev.KEY_RIGHT: evdev.KEY_END,
	evdev.KEY_UP:    evdev.KEY_PAGEUP,
	evdev.KEY_DOWN:  evdev.KEY_PAGEDOWN,
}

// arrowBit gives each directional key a bit in the State masks.
func arrowBit(code evdev.EvCode) (uint8, bool) {
	switch code {
	case evdev.KEY_LEFT:
		return 1 << 0, true
	case evdev.KEY_RIGHT:
		return 1 << 1, true
	case evdev.KEY_UP:
		return 1 << 2, true
	case evdev.KEY_DOWN:
		return 1 << 3, true
	}
	return 0, false
}

// DefaultPassthroughExempt lists the modifiers that never trigger a synthetic
// meta press in ModePassthrough.
func DefaultPassthroughExempt() []evdev.EvCode {
	return []evdev.EvCode{
		evdev.KEY_LEFTSHIFT, evdev.KEY_RIGHTSHIFT,
		evdev.KEY_LEFTALT, evdev.KEY_RIGHTALT,
		evdev.KEY_LEFTMETA, evdev.KEY_RIGHTMETA,
		evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL,
	}
}

// Options configure one engine instance.
type Options struct {
	Mode         Mode
	CapsToEscape bool

	// PassthroughExempt are keys that do not trigger meta injection in
	// ModePassthrough. Nil means DefaultPassthroughExempt.
	PassthroughExempt []evdev.EvCode
}

func (o Options) exempt(code evdev.EvCode) bool {
	if o.PassthroughExempt == nil {
		return slices.Contains(DefaultPassthroughExempt(), code)
	}
	return slices.Contains(o.PassthroughExempt, code)
}

// State is the engine's entire mutable state. The zero value is the idle state.
type State struct {
	// MetaHeld is the engine's view of LEFT_META, which may differ from what
	// the consumer sees since the real press can be suppressed.
	MetaHeld bool
	// MetaComboFired is set once a navigation remap fired during the hold.
	MetaComboFired bool
	// PassthroughActive is set while a synthetic meta press injected in
	// ModePassthrough has not been released yet.
	PassthroughActive bool

	CapsHeld            bool
	EscapeFallbackTaken bool

	// ArrowsDelivered has a bit for every directional key whose press
	// reached the consumer unmapped and has not been released yet.
	ArrowsDelivered uint8
	// ArrowsRemapped has a bit for every directional key whose press was
	// consumed by a remap and has not been released yet.
	ArrowsRemapped uint8
	// CtrlDelivered is set while a real LEFT_CTRL press is down on the
	// consumer side; CtrlAbsorbed while one swallowed under caps-lock is down.
	CtrlDelivered bool
	CtrlAbsorbed  bool
	// CtrlInjected is set while the synthetic LEFT_CTRL of the caps-lock
	// fallback is down.
	CtrlInjected bool
	// EscapeAsCaps is set while an ESCAPE press rewritten to CAPS_LOCK is down.
	EscapeAsCaps bool
}

// Transform runs one event through the layers, updating st in place.
// The returned slice never exceeds MaxOutput events.
func Transform(ev Event, st *State, opts Options) []Event {
	switch ev.Kind() {
	case KindScan:
		return nil
	case KindOther:
		return []Event{ev}
	}

	if opts.CapsToEscape {
		if st.CapsHeld {
			return transformCapsHeld(ev, st, opts)
		}
		if ev.Is(evdev.KEY_CAPSLOCK, Pressed) {
			st.CapsHeld = true
			return nil
		}
	}

	if st.MetaHeld {
		if out, ok := transformMetaHeld(ev, st, opts); ok {
			return out
		}
	} else if ev.Is(Meta, Pressed) {
		st.MetaHeld = true
		st.MetaComboFired = false
		st.PassthroughActive = false
		if opts.Mode != ModeDisabled {
			return nil
		}
		return []Event{ev}
	}

	return passThrough(ev, st)
}

// passThrough is the default layer. It also keeps the bookkeeping that lets
// later layers preserve press/release balance.
func passThrough(ev Event, st *State) []Event {
	if bit, ok := arrowBit(ev.Code); ok {
		switch {
		case st.ArrowsRemapped&bit != 0:
			// The press was turned into a navigation key; its repeats and
			// release stay consumed even after meta is let go.
			if ev.Phase() == Released {
				st.ArrowsRemapped &^= bit
			}
			return nil
		case ev.Phase() == Pressed:
			st.ArrowsDelivered |= bit
		case ev.Phase() == Released:
			st.ArrowsDelivered &^= bit
		}
	}
	switch {
	case ev.Code == evdev.KEY_LEFTCTRL && st.CtrlAbsorbed:
		if ev.Phase() == Released {
			st.CtrlAbsorbed = false
		}
		return nil
	case ev.Code == evdev.KEY_LEFTCTRL:
		st.CtrlDelivered = ev.Phase() != Released
	case ev.Code == evdev.KEY_ESC && st.EscapeAsCaps:
		if ev.Phase() == Released {
			st.EscapeAsCaps = false
		}
		ev.Code = evdev.KEY_CAPSLOCK
	}
	return []Event{ev}
}

func transformCapsHeld(ev Event, st *State, opts Options) []Event {
	switch ev.Code {
	case evdev.KEY_CAPSLOCK:
		if ev.Phase() != Released {
			return nil
		}
		st.CapsHeld = false
		if st.EscapeFallbackTaken {
			st.EscapeFallbackTaken = false
			if st.CtrlInjected {
				st.CtrlInjected = false
				return []Event{Up(evdev.KEY_LEFTCTRL)}
			}
			return nil
		}
		return []Event{Down(evdev.KEY_ESC), Up(evdev.KEY_ESC)}

	case evdev.KEY_LEFTCTRL:
		// Some keyboards report a held caps-lock as LEFT_CTRL as well. Only
		// a ctrl press the consumer actually saw gets its release through.
		if ev.Phase() == Released {
			if st.CtrlDelivered {
				st.CtrlDelivered = false
				return []Event{ev}
			}
			st.CtrlAbsorbed = false
			return nil
		}
		if !st.CtrlDelivered {
			st.CtrlAbsorbed = true
		}
		return nil

	case evdev.KEY_ESC:
		// caps-lock + escape is the real caps-lock toggle.
		switch {
		case ev.Phase() == Pressed:
			st.EscapeFallbackTaken = true
			st.EscapeAsCaps = true
		case !st.EscapeAsCaps:
			// Pressed before caps-lock went down: finish it as escape.
			return []Event{ev}
		case ev.Phase() == Released:
			st.EscapeAsCaps = false
		}
		ev.Code = evdev.KEY_CAPSLOCK
		return []Event{ev}

	case Meta:
		// A meta hold that started before caps-lock still has to end the
		// way it began.
		if st.MetaHeld {
			if out, ok := transformMetaHeld(ev, st, opts); ok {
				return out
			}
		}
	}

	out := make([]Event, 0, 2)
	if !st.EscapeFallbackTaken && ev.Phase() != Released {
		st.EscapeFallbackTaken = true
		st.CtrlInjected = true
		out = append(out, Down(evdev.KEY_LEFTCTRL))
	}
	return append(out, passThrough(ev, st)...)
}

// transformMetaHeld returns ok=false when the event falls through to the
// default layer.
func transformMetaHeld(ev Event, st *State, opts Options) ([]Event, bool) {
	if ev.Code == Meta {
		if ev.Phase() == Released {
			return releaseMeta(st, opts), true
		}
		// Repeats of a suppressed meta press would reach the consumer for a
		// key it never saw go down.
		if opts.Mode == ModeBlock || (opts.Mode == ModePassthrough && !st.PassthroughActive) {
			return nil, true
		}
		return nil, false
	}

	if nav, ok := Navigation[ev.Code]; ok {
		bit, _ := arrowBit(ev.Code)
		if ev.Phase() == Released {
			if st.ArrowsDelivered&bit != 0 {
				return nil, false
			}
			st.ArrowsRemapped &^= bit
			return nil, true
		}
		out := make([]Event, 0, 3)
		if st.PassthroughActive {
			out = append(out, Up(Meta))
			st.PassthroughActive = false
		}
		if ev.Phase() == Pressed {
			st.ArrowsRemapped |= bit
		}
		st.MetaComboFired = true
		return append(out, Down(nav), Up(nav)), true
	}

	if opts.Mode == ModePassthrough && !opts.exempt(ev.Code) && ev.IsPressOrRepeat() {
		if st.PassthroughActive {
			return nil, false
		}
		st.PassthroughActive = true
		return append([]Event{Down(Meta)}, passThrough(ev, st)...), true
	}

	return nil, false
}

func releaseMeta(st *State, opts Options) []Event {
	var out []Event
	switch {
	case opts.Mode == ModeDisabled:
		out = []Event{Up(Meta)}
	case opts.Mode == ModePassthrough && st.PassthroughActive:
		out = []Event{Up(Meta)}
	case !st.MetaComboFired:
		out = []Event{Down(Meta), Up(Meta)}
	}
	// The combo flags only describe a hold in progress.
	st.MetaHeld = false
	st.MetaComboFired = false
	st.PassthroughActive = false
	return out
}

// Engine owns the state for one device. It is not safe for concurrent use;
// events must be fed in arrival order.
type Engine struct {
	opts  Options
	state State
}

func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Transform feeds one event and returns the events to emit, in order.
func (e *Engine) Transform(ev Event) []Event {
	return Transform(ev, &e.state, e.opts)
}

func (e *Engine) State() State     { return e.state }
func (e *Engine) Options() Options { return e.opts }

// Reset returns the engine to the idle state.
func (e *Engine) Reset() { e.state = State{} }
