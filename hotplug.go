package main

// Device discovery backends.
//
// udev is the default and matches what the desktop sees. The inotify backend
// watches /dev/input directly for systems without a udev daemon (containers,
// minimal images) and resolves the sysfs path through /sys/class/input.

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/jochenvg/go-udev"
	log "github.com/sirupsen/logrus"
)

// deviceDiscovery is the enumerate + watch pair the supervisor consumes.
// Watch must be armed before Enumerate is called so nothing plugged in
// between the two is missed; the supervisor deduplicates by device node.
type deviceDiscovery interface {
	Enumerate() ([]deviceDescriptor, error)
	// Watch delivers hot-plug notifications until ctx is done. The
	// subscription cannot be restarted.
	Watch(ctx context.Context) (<-chan deviceDescriptor, error)
}

func newDiscovery(backend string) (deviceDiscovery, error) {
	switch strings.ToLower(backend) {
	case "udev":
		return &udevDiscovery{}, nil
	case "inotify":
		return &inotifyDiscovery{devDir: "/dev/input", sysClassDir: "/sys/class/input"}, nil
	}
	return nil, fmt.Errorf("%w: unknown hotplug backend %q", errUsage, backend)
}

type udevDiscovery struct {
	u udev.Udev
}

func (d *udevDiscovery) Enumerate() ([]deviceDescriptor, error) {
	e := d.u.NewEnumerate()
	if err := e.AddMatchSubsystem("input"); err != nil {
		return nil, fmt.Errorf("udev enumerate: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("udev enumerate: %w", err)
	}
	out := make([]deviceDescriptor, 0, len(devices))
	for _, dev := range devices {
		out = append(out, deviceDescriptor{Devnode: dev.Devnode(), Syspath: dev.Syspath()})
	}
	return out, nil
}

func (d *udevDiscovery) Watch(ctx context.Context) (<-chan deviceDescriptor, error) {
	m := d.u.NewMonitorFromNetlink("udev")
	if m == nil {
		return nil, errors.New("cannot create udev monitor")
	}
	if err := m.FilterAddMatchSubsystem("input"); err != nil {
		return nil, fmt.Errorf("udev monitor filter: %w", err)
	}
	devices, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, fmt.Errorf("udev monitor: %w", err)
	}
	out := make(chan deviceDescriptor)
	go func() {
		defer close(out)
		for dev := range devices {
			desc := deviceDescriptor{Devnode: dev.Devnode(), Syspath: dev.Syspath(), Action: dev.Action()}
			select {
			case out <- desc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type inotifyDiscovery struct {
	devDir      string
	sysClassDir string
}

func (d *inotifyDiscovery) describe(devnode, action string) deviceDescriptor {
	desc := deviceDescriptor{Devnode: devnode, Action: action}
	// /sys/class/input/eventN links into /sys/devices/...; virtual devices
	// resolve under /sys/devices/virtual/input.
	link := filepath.Join(d.sysClassDir, filepath.Base(devnode))
	if resolved, err := filepath.EvalSymlinks(link); err == nil {
		desc.Syspath = resolved
	}
	return desc
}

func (d *inotifyDiscovery) Enumerate() ([]deviceDescriptor, error) {
	matches, err := filepath.Glob(filepath.Join(d.devDir, "event*"))
	if err != nil {
		return nil, err
	}
	out := make([]deviceDescriptor, 0, len(matches))
	for _, m := range matches {
		out = append(out, d.describe(m, ""))
	}
	return out, nil
}

func (d *inotifyDiscovery) Watch(ctx context.Context) (<-chan deviceDescriptor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("inotify: %w", err)
	}
	if err := w.Add(d.devDir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("inotify watch %s: %w", d.devDir, err)
	}
	out := make(chan deviceDescriptor)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("inotify watch error")
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), "event") {
					continue
				}
				var action string
				switch {
				case ev.Has(fsnotify.Create):
					action = "add"
				case ev.Has(fsnotify.Remove):
					action = "remove"
				default:
					continue
				}
				select {
				case out <- d.describe(ev.Name, action):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
