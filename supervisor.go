package main

// Supervisor: one worker process per accepted device.
//
// Workers are this same binary re-executed with the selector's own flags plus the
// device path. They are started and released, never waited on directly;
// SIGCHLD drives a non-blocking wait4 loop that reaps whatever has exited so
// the selector never accumulates zombies.

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// envSession carries the worker's session id from supervisor to worker.
const envSession = "XPS_SESSION"

type workerInfo struct {
	session string
	device  string
}

type supervisor struct {
	sel    *selector
	status statusPublisher

	// start launches a worker and returns its pid.
	start func(devnode, session string) (int, error)
	// wait reaps one exited child without blocking; pid 0 means none.
	wait func() (int, unix.WaitStatus, error)

	mu       sync.Mutex
	workers  map[int]workerInfo
	byDevice map[string]int
}

func newSupervisor(sel *selector, status statusPublisher, exe string, args []string) *supervisor {
	return &supervisor{
		sel:      sel,
		status:   status,
		start:    execWorker(exe, args),
		wait:     wait4NoHang,
		workers:  make(map[int]workerInfo),
		byDevice: make(map[string]int),
	}
}

func execWorker(exe string, args []string) func(devnode, session string) (int, error) {
	return func(devnode, session string) (int, error) {
		argv := append(append([]string{}, args...), devnode)
		cmd := exec.Command(exe, argv...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), envSession+"="+session)
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		pid := cmd.Process.Pid
		// Reaping is done by the SIGCHLD loop, not by cmd.Wait.
		_ = cmd.Process.Release()
		return pid, nil
	}
}

func wait4NoHang() (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	return pid, ws, err
}

// consider runs the selector on d and spawns a worker when it is accepted and
// not already served.
func (s *supervisor) consider(d deviceDescriptor, initialScan bool) {
	if !initialScan && d.Action == "remove" && d.Devnode != "" {
		s.forget(d.Devnode)
	}
	ok, reason := s.sel.shouldGrab(d, initialScan)
	if !ok {
		log.WithFields(log.Fields{"device": d.Devnode, "syspath": d.Syspath}).Debugf("skip: %s", reason)
		if d.Devnode != "" && !initialScan && d.Action == "add" {
			s.status.Publish(statusMessage{T: "device_rejected", Device: d.Devnode, Reason: reason})
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pid, busy := s.byDevice[d.Devnode]; busy {
		log.WithFields(log.Fields{"device": d.Devnode, "pid": pid}).Debug("already served")
		return
	}

	session := uuid.NewString()
	logger := log.WithFields(log.Fields{"device": d.Devnode, "session": session})
	pid, err := s.start(d.Devnode, session)
	if err != nil {
		logger.WithError(err).Error("worker spawn failed")
		return
	}
	s.workers[pid] = workerInfo{session: session, device: d.Devnode}
	s.byDevice[d.Devnode] = pid
	logger.WithField("pid", pid).Info("worker started")
	s.status.Publish(statusMessage{T: "worker_started", ID: session, Device: d.Devnode, PID: pid})
}

// forget releases devnode for a new worker. The old worker, if any, stays in
// the pid table until it is reaped; a replug that reuses the node must not
// wait for that.
func (s *supervisor) forget(devnode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pid, ok := s.byDevice[devnode]; ok {
		delete(s.byDevice, devnode)
		log.WithFields(log.Fields{"device": devnode, "pid": pid}).Debug("device removed")
	}
}

// reap collects every exited child.
func (s *supervisor) reap() {
	for {
		pid, ws, err := s.wait()
		if err != nil || pid <= 0 {
			return
		}
		s.mu.Lock()
		info, known := s.workers[pid]
		delete(s.workers, pid)
		if known && s.byDevice[info.device] == pid {
			delete(s.byDevice, info.device)
		}
		s.mu.Unlock()

		status := describeWaitStatus(ws)
		logger := log.WithFields(log.Fields{"pid": pid, "device": info.device, "session": info.session})
		if ws.Exited() && ws.ExitStatus() == 0 {
			logger.Info("worker exited")
		} else {
			logger.Warnf("worker exited: %s", status)
		}
		if known {
			s.status.Publish(statusMessage{T: "worker_exited", ID: info.session, Device: info.device, PID: pid, Status: status})
		}
	}
}

func describeWaitStatus(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exit status %d", ws.ExitStatus())
	case ws.Signaled():
		return "killed by " + ws.Signal().String()
	}
	return fmt.Sprintf("wait status %#x", uint32(ws))
}

func (s *supervisor) running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// run serves devices until ctx is done or the hot-plug subscription ends.
func (s *supervisor) run(ctx context.Context, disc deviceDiscovery) error {
	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, unix.SIGCHLD)
	defer signal.Stop(sigchld)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigchld:
				s.reap()
			}
		}
	}()

	events, err := disc.Watch(ctx)
	if err != nil {
		return fmt.Errorf("hotplug subscription: %w", err)
	}

	devices, err := disc.Enumerate()
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	for _, d := range devices {
		s.consider(d, true)
	}
	log.WithField("workers", s.running()).Info("initial scan done; watching for new devices")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("hotplug subscription closed")
			}
			s.consider(d, false)
		}
	}
}
