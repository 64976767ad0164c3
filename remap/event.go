package remap

// Event model shared by the engine and the device session.
//
// The engine only needs type/code/value; timestamps are dropped on the way in
// and the kernel stamps synthetic events on the way out.

import (
	"fmt"

	"github.com/holoplot/go-evdev"
)

// Phase is the value of an EV_KEY event.
type Phase int32

const (
	Released Phase = 0
	Pressed  Phase = 1
	Repeated Phase = 2
)

func (p Phase) String() string {
	switch p {
	case Released:
		return "up"
	case Pressed:
		return "down"
	case Repeated:
		return "repeat"
	}
	return fmt.Sprintf("phase(%d)", int32(p))
}

// Kind classifies an event for the first two layers of the engine.
type Kind int

const (
	// KindKey is an EV_KEY state change.
	KindKey Kind = iota
	// KindScan is the EV_MSC/MSC_SCAN annotation that precedes a key event.
	KindScan
	// KindOther is anything else (sync, axes, leds, misc).
	KindOther
)

// Event is an immutable input event value.
type Event struct {
	Type  evdev.EvType
	Code  evdev.EvCode
	Value int32
}

// Key builds an EV_KEY event.
func Key(code evdev.EvCode, phase Phase) Event {
	return Event{Type: evdev.EV_KEY, Code: code, Value: int32(phase)}
}

// Down and Up are shorthands for Key(code, Pressed) and Key(code, Released).
func Down(code evdev.EvCode) Event { return Key(code, Pressed) }
func Up(code evdev.EvCode) Event   { return Key(code, Released) }

// SyncReport is the SYN_REPORT frame terminator.
var SyncReport = Event{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}

// FromInput copies the fields the engine cares about out of a raw evdev event.
func FromInput(in *evdev.InputEvent) Event {
	return Event{Type: in.Type, Code: in.Code, Value: in.Value}
}

// Input converts back to a raw evdev event suitable for WriteOne.
func (e Event) Input() *evdev.InputEvent {
	return &evdev.InputEvent{Type: e.Type, Code: e.Code, Value: e.Value}
}

func (e Event) Kind() Kind {
	switch {
	case e.Type == evdev.EV_MSC && e.Code == evdev.MSC_SCAN:
		return KindScan
	case e.Type != evdev.EV_KEY:
		return KindOther
	}
	return KindKey
}

// Phase is only meaningful for KindKey events.
func (e Event) Phase() Phase { return Phase(e.Value) }

// Is reports whether e is an EV_KEY event for code in the given phase.
func (e Event) Is(code evdev.EvCode, phase Phase) bool {
	return e.Type == evdev.EV_KEY && e.Code == code && Phase(e.Value) == phase
}

// IsPressOrRepeat reports whether e is a key press or auto-repeat.
func (e Event) IsPressOrRepeat() bool {
	p := e.Phase()
	return p == Pressed || p == Repeated
}

func (e Event) String() string {
	if e.Type == evdev.EV_KEY {
		return fmt.Sprintf("%s %s", e.Input().CodeName(), e.Phase())
	}
	return fmt.Sprintf("%s %s %d", evdev.TypeName(e.Type), e.Input().CodeName(), e.Value)
}
