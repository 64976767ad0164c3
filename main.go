package main

// xps-keymapping entrypoint.
//
// Without a positional argument the binary is the selector: it enumerates
// input devices, watches for new ones and re-executes itself once per
// matching keyboard. With a device path it is the worker for that device.
//
// Code is split across:
// - util.go: env helpers
// - config.go: defaults, env, TOML file and flags
// - logging.go: logrus setup
// - linux_input.go: evdev open/grab, uinput clone, event reading
// - worker.go: read -> remap -> write loop
// - device_select.go: which devices get a worker, -list-devices
// - hotplug.go: udev and inotify discovery backends
// - supervisor.go: worker processes and reaping
// - ws_client.go: optional lifecycle feed
// - remap/: the remapping engine

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

const banner = `Keymapping:
  [Super_L] + LEFT  = [Home]
  [Super_L] + RIGHT = [End]
  [Super_L] + UP    = [PgUp]
  [Super_L] + DOWN  = [PgDown]

Super_L's effect is cancelled once a keymapping fires; holding the arrow
keeps repeating the mapped key.`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, rest, err := loadConfig(args, osGetenv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "xps-keymapping: %v\n", err)
		return 2
	}
	if len(rest) > 1 {
		fmt.Fprintln(stderr, "usage: xps-keymapping [-0|-1|-2] [flags] [device-path]")
		return 2
	}
	if err := setupLogging(cfg.Log, stderr); err != nil {
		fmt.Fprintf(stderr, "xps-keymapping: %v\n", err)
		return 2
	}

	sel := &selector{anchors: cfg.Anchors(), probe: evdevKeyProbe}
	if cfg.ListDevices {
		if err := printDeviceList(sel); err != nil {
			log.WithError(err).Error("list devices")
			return 1
		}
		return 0
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(rest) == 1 {
		if err := runWorker(ctx, rest[0], cfg); err != nil {
			log.WithField("device", rest[0]).WithError(err).Error("worker failed")
			return 1
		}
		return 0
	}

	return runSelector(ctx, cfg, sel, args, stdout)
}

func runSelector(ctx context.Context, cfg Config, sel *selector, args []string, stdout io.Writer) int {
	fmt.Fprintln(stdout, banner)
	log.WithFields(log.Fields{
		"mode":     cfg.Mode,
		"caps2esc": cfg.CapsToEscape,
		"hotplug":  cfg.Hotplug,
	}).Info("selector starting")

	disc, err := newDiscovery(cfg.Hotplug)
	if err != nil {
		log.WithError(err).Error("discovery")
		return 2
	}

	exe, err := os.Executable()
	if err != nil {
		log.WithError(err).Error("cannot locate own executable")
		return 1
	}

	var status statusPublisher = noStatus{}
	if cfg.StatusURL != "" {
		reporter := newStatusReporter(cfg.StatusURL)
		go reporter.run(ctx)
		status = reporter
	}

	sup := newSupervisor(sel, status, exe, args)
	if err := sup.run(ctx, disc); err != nil {
		log.WithError(err).Error("selector stopped")
		return 1
	}
	return 0
}
