package main

import (
	"errors"
	"reflect"
	"testing"

	"github.com/holoplot/go-evdev"
)

func fakeProbe(keys map[string][]evdev.EvCode) keyProbe {
	return func(devnode string) ([]evdev.EvCode, error) {
		k, ok := keys[devnode]
		if !ok {
			return nil, errors.New("permission denied")
		}
		return k, nil
	}
}

func TestShouldGrab(t *testing.T) {
	sel := &selector{
		anchors: []evdev.EvCode{evdev.KEY_ESC, evdev.KEY_CAPSLOCK},
		probe: fakeProbe(map[string][]evdev.EvCode{
			"/dev/input/event3": {evdev.KEY_A, evdev.KEY_ESC},
			"/dev/input/event4": {evdev.BTN_LEFT},
			"/dev/input/event5": nil,
			"/dev/input/event9": {evdev.KEY_CAPSLOCK},
		}),
	}
	physical := "/sys/devices/platform/i8042/serio0/input/input3/event3"

	cases := []struct {
		name    string
		d       deviceDescriptor
		initial bool
		want    bool
		reason  string
	}{
		{"keyboard at startup", deviceDescriptor{Devnode: "/dev/input/event3", Syspath: physical}, true, true, ""},
		{"hotplugged keyboard", deviceDescriptor{Devnode: "/dev/input/event9", Syspath: physical, Action: "add"}, false, true, ""},
		{"own uinput clone", deviceDescriptor{Devnode: "/dev/input/event3", Syspath: "/sys/devices/virtual/input/input40/event3"}, true, false, "virtual device"},
		{"removal", deviceDescriptor{Devnode: "/dev/input/event3", Syspath: physical, Action: "remove"}, false, false, "action remove"},
		{"parent node", deviceDescriptor{Syspath: "/sys/devices/platform/i8042/serio0/input/input3"}, true, false, "not an event node"},
		{"mouse node", deviceDescriptor{Devnode: "/dev/input/mouse0", Syspath: physical}, true, false, "not an event node"},
		{"mouse", deviceDescriptor{Devnode: "/dev/input/event4", Syspath: physical}, true, false, "no anchor key"},
		{"no EV_KEY", deviceDescriptor{Devnode: "/dev/input/event5", Syspath: physical}, true, false, "no anchor key"},
		{"unreadable", deviceDescriptor{Devnode: "/dev/input/event7", Syspath: physical}, true, false, "probe failed: permission denied"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := sel.shouldGrab(tc.d, tc.initial)
			if ok != tc.want || reason != tc.reason {
				t.Fatalf("got (%v, %q), want (%v, %q)", ok, reason, tc.want, tc.reason)
			}
		})
	}
}

const procDevices = `I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
P: Phys=PNP0C0C/button/input0
S: Sysfs=/devices/LNXSYSTM:00/LNXSYBUS:00/PNP0C0C:00/input/input0
U: Uniq=
H: Handlers=kbd event0 
B: PROP=0
B: EV=3

I: Bus=0011 Vendor=0001 Product=0001 Version=ab83
N: Name="AT Translated Set 2 keyboard"
P: Phys=isa0060/serio0/input0
S: Sysfs=/devices/platform/i8042/serio0/input/input3
U: Uniq=
H: Handlers=sysrq kbd leds event3 
B: PROP=0
B: EV=120013

I: Bus=0003 Vendor=046d Product=c52b Version=0111
N: Name="Logitech Mouse"
H: Handlers=mouse0
`

func TestParseProcInputDevices(t *testing.T) {
	got := parseProcInputDevices([]byte(procDevices))
	if len(got) != 3 {
		t.Fatalf("expected 3 devices, got %d: %+v", len(got), got)
	}
	kbd := got[1]
	if kbd.name != "AT Translated Set 2 keyboard" {
		t.Fatalf("name %q", kbd.name)
	}
	if kbd.sysfs != "/sys/devices/platform/i8042/serio0/input/input3" {
		t.Fatalf("sysfs %q", kbd.sysfs)
	}
	if !reflect.DeepEqual(kbd.handlers, []string{"sysrq", "kbd", "leds", "event3"}) {
		t.Fatalf("handlers %v", kbd.handlers)
	}
	if n := kbd.eventNode(); n != "/dev/input/event3" {
		t.Fatalf("event node %q", n)
	}
	if n := got[2].eventNode(); n != "" {
		t.Fatalf("mouse-only device has event node %q", n)
	}
}
