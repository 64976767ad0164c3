package remap

import "github.com/holoplot/go-evdev"

// Resync brings st in line with the physical key state after the kernel
// dropped events. Every key the engine still tracks as held but down reports
// as up is released through the normal layers, so the consumer gets exactly
// the releases it is owed. A lost release never replays a tap: meta is
// treated as if a combo fired and caps-lock as if the escape fallback was
// taken. The result is not bounded by MaxOutput.
func Resync(st *State, opts Options, down func(evdev.EvCode) bool) []Event {
	var out []Event
	release := func(code evdev.EvCode) {
		out = append(out, Transform(Up(code), st, opts)...)
	}

	if st.MetaHeld && !down(Meta) {
		st.MetaComboFired = true
		release(Meta)
	}
	for _, code := range []evdev.EvCode{evdev.KEY_LEFT, evdev.KEY_RIGHT, evdev.KEY_UP, evdev.KEY_DOWN} {
		bit, _ := arrowBit(code)
		if (st.ArrowsDelivered|st.ArrowsRemapped)&bit != 0 && !down(code) {
			release(code)
		}
	}
	if (st.CtrlDelivered || st.CtrlAbsorbed) && !down(evdev.KEY_LEFTCTRL) {
		release(evdev.KEY_LEFTCTRL)
	}
	if st.EscapeAsCaps && !down(evdev.KEY_ESC) {
		release(evdev.KEY_ESC)
	}
	if st.CapsHeld && !down(evdev.KEY_CAPSLOCK) {
		st.EscapeFallbackTaken = true
		release(evdev.KEY_CAPSLOCK)
	}
	return out
}

// Resync runs Resync on the engine's state.
func (e *Engine) Resync(down func(evdev.EvCode) bool) []Event {
	return Resync(&e.state, e.opts, down)
}
