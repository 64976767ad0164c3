package main

// Linux input plumbing:
// - opening and grabbing the physical keyboard (EVIOCGRAB via go-evdev)
// - creating the uinput device that carries the remapped stream
// - reading events and flagging spans the kernel dropped

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"

	"xps-keymapping/remap"
)

var errDeviceUnavailable = errors.New("device unavailable")

// errEventsDropped is returned by ReadEvent once a SYN_DROPPED span is over;
// the caller should resync from KeyState before reading on.
var errEventsDropped = errors.New("events dropped by the kernel")

// Keys the virtual device must be able to emit even when the physical one
// does not report them.
var sinkExtraKeys = []evdev.EvCode{
	evdev.KEY_ESC, evdev.KEY_CAPSLOCK, evdev.KEY_LEFTCTRL, remap.Meta,
	evdev.KEY_HOME, evdev.KEY_END, evdev.KEY_PAGEUP, evdev.KEY_PAGEDOWN,
}

// KEY_WLAN is dropped from the virtual device: some laptops report it on the
// keyboard node and the desktop then toggles wifi on every grab.
var sinkDroppedKeys = []evdev.EvCode{evdev.KEY_WLAN}

// Event types copied from the physical device. Axes need absinfo that the
// clone does not carry, and EV_SYN is implicit.
var sinkTypes = []evdev.EvType{evdev.EV_KEY, evdev.EV_MSC, evdev.EV_LED, evdev.EV_REL}

// evdevSource reads from a grabbed physical device.
type evdevSource struct {
	dev *evdev.InputDevice
	// dropping is set after SYN_DROPPED until the next SYN_REPORT.
	dropping bool
}

func (s *evdevSource) ReadEvent() (remap.Event, error) {
	for {
		in, err := s.dev.ReadOne()
		if err != nil {
			return remap.Event{}, err
		}
		if in.Type == evdev.EV_SYN {
			switch in.Code {
			case evdev.SYN_DROPPED:
				s.dropping = true
				continue
			case evdev.SYN_REPORT:
				if s.dropping {
					s.dropping = false
					return remap.Event{}, errEventsDropped
				}
			}
		}
		if s.dropping {
			continue
		}
		return remap.FromInput(in), nil
	}
}

// KeyState reports which keys the device currently has down.
func (s *evdevSource) KeyState() (map[evdev.EvCode]bool, error) {
	return s.dev.State(evdev.EV_KEY)
}

// evdevSink writes to the uinput clone.
type evdevSink struct {
	dev *evdev.InputDevice
}

func (s *evdevSink) WriteEvent(ev remap.Event) error { return s.dev.WriteOne(ev.Input()) }
func (s *evdevSink) WriteSync() error                { return s.dev.WriteOne(remap.SyncReport.Input()) }

// deviceSession is one grabbed device plus its virtual clone.
type deviceSession struct {
	path   string
	name   string
	dev    *evdev.InputDevice
	uinput *evdev.InputDevice
}

// openSession opens path, waits grabDelay, grabs it and creates the virtual
// sink. Every failure is wrapped in errDeviceUnavailable.
func openSession(path string, grabDelay time.Duration) (*deviceSession, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", errDeviceUnavailable, path, err)
	}
	name, err := dev.Name()
	if err != nil {
		name = path
	}

	// Give the user time to let go of the key that launched us; grabbing
	// with a key down leaves it stuck on the consumer side.
	time.Sleep(grabDelay)

	if err := dev.Grab(); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("%w: grab %s: %w", errDeviceUnavailable, path, err)
	}

	uinput, err := createSink(dev, name)
	if err != nil {
		_ = dev.Ungrab()
		_ = dev.Close()
		return nil, fmt.Errorf("%w: create virtual device for %s: %w", errDeviceUnavailable, path, err)
	}

	return &deviceSession{path: path, name: name, dev: dev, uinput: uinput}, nil
}

func createSink(dev *evdev.InputDevice, name string) (*evdev.InputDevice, error) {
	id, err := dev.InputID()
	if err != nil {
		return nil, err
	}
	caps := make(map[evdev.EvType][]evdev.EvCode)
	for _, t := range dev.CapableTypes() {
		if slices.Contains(sinkTypes, t) {
			caps[t] = dev.CapableEvents(t)
		}
	}
	caps[evdev.EV_KEY] = sinkKeys(caps[evdev.EV_KEY])
	return evdev.CreateDevice("xps-keymapping "+name, id, caps)
}

// sinkKeys adds sinkExtraKeys and removes sinkDroppedKeys.
func sinkKeys(keys []evdev.EvCode) []evdev.EvCode {
	out := make([]evdev.EvCode, 0, len(keys)+len(sinkExtraKeys))
	for _, k := range keys {
		if !slices.Contains(sinkDroppedKeys, k) && !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	for _, k := range sinkExtraKeys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}

func (s *deviceSession) Source() *evdevSource { return &evdevSource{dev: s.dev} }
func (s *deviceSession) Sink() *evdevSink     { return &evdevSink{dev: s.uinput} }

// Close tears down in reverse order: virtual device, grab, device.
func (s *deviceSession) Close() error {
	errUinput := s.uinput.Close()
	_ = s.dev.Ungrab()
	errDev := s.dev.Close()
	if errors.Is(errDev, os.ErrClosed) {
		// Already closed to unblock a read on shutdown.
		errDev = nil
	}
	return errors.Join(errUinput, errDev)
}

// isEndOfStream reports read errors that mean the device went away or was
// closed on purpose.
func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, unix.ENODEV)
}
