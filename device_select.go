package main

// Input device selection.
//
// A device is worth a worker when it is a real (non-virtual) evdev node that
// can report at least one anchor key. Our own uinput clones live under the
// virtual namespace, which keeps us from grabbing what we create.

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/holoplot/go-evdev"
)

const (
	virtualDevicesDirectory = "/sys/devices/virtual/input/"
	inputEventPrefix        = "/dev/input/event"
)

// deviceDescriptor is what discovery reports about a device node.
type deviceDescriptor struct {
	Devnode string
	Syspath string
	// Action is the hot-plug action ("add", "remove", ...); empty for the
	// initial enumeration.
	Action string
}

// keyProbe returns the EV_KEY codes a device can report, or nil when it has
// no EV_KEY capability at all.
type keyProbe func(devnode string) ([]evdev.EvCode, error)

func evdevKeyProbe(devnode string) ([]evdev.EvCode, error) {
	dev, err := evdev.Open(devnode)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	if !slices.Contains(dev.CapableTypes(), evdev.EV_KEY) {
		return nil, nil
	}
	return dev.CapableEvents(evdev.EV_KEY), nil
}

type selector struct {
	anchors []evdev.EvCode
	probe   keyProbe
}

// shouldGrab decides whether d gets a worker. The reason is empty on accept.
func (s *selector) shouldGrab(d deviceDescriptor, initialScan bool) (bool, string) {
	if strings.HasPrefix(d.Syspath, virtualDevicesDirectory) {
		return false, "virtual device"
	}
	if !initialScan && d.Action != "add" {
		return false, "action " + d.Action
	}
	if !strings.HasPrefix(d.Devnode, inputEventPrefix) {
		return false, "not an event node"
	}
	keys, err := s.probe(d.Devnode)
	if err != nil {
		return false, fmt.Sprintf("probe failed: %v", err)
	}
	for _, anchor := range s.anchors {
		if slices.Contains(keys, anchor) {
			return true, ""
		}
	}
	return false, "no anchor key"
}

type inputDeviceInfo struct {
	name     string
	sysfs    string
	handlers []string
}

// eventNode returns /dev/input/eventN for the device, or "".
func (d inputDeviceInfo) eventNode() string {
	for _, h := range d.handlers {
		if strings.HasPrefix(h, "event") {
			return "/dev/input/" + h
		}
	}
	return ""
}

// parseProcInputDevices parses the /proc/bus/input/devices format.
func parseProcInputDevices(b []byte) []inputDeviceInfo {
	blocks := strings.Split(string(b), "\n\n")
	var out []inputDeviceInfo
	for _, blk := range blocks {
		info := inputDeviceInfo{}
		for _, line := range strings.Split(blk, "\n") {
			key, value, ok := strings.Cut(line, "=")
			if !ok {
				continue
			}
			switch key {
			case "N: Name":
				info.name = strings.Trim(value, " \"")
			case "S: Sysfs":
				info.sysfs = "/sys" + strings.TrimSpace(value)
			case "H: Handlers":
				info.handlers = strings.Fields(value)
			}
		}
		if info.name != "" || len(info.handlers) > 0 {
			out = append(out, info)
		}
	}
	return out
}

func listProcInputDevices() ([]inputDeviceInfo, error) {
	b, err := os.ReadFile("/proc/bus/input/devices")
	if err != nil {
		return nil, err
	}
	return parseProcInputDevices(b), nil
}

// printDeviceList backs -list-devices: every event node with the decision
// the selector would take for it.
func printDeviceList(sel *selector) error {
	devices, err := listProcInputDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		node := d.eventNode()
		if node == "" {
			continue
		}
		ok, reason := sel.shouldGrab(deviceDescriptor{Devnode: node, Syspath: d.sysfs}, true)
		verdict := "grab"
		if !ok {
			verdict = "skip (" + reason + ")"
		}
		fmt.Printf("%s name=%q handlers=%v %s\n", node, d.name, d.handlers, verdict)
	}
	return nil
}
