package main

// Worker run loop: one grabbed device, one engine, one virtual sink.
//
// Read, transform and write are strictly sequential. The blocking read is
// the only place the loop waits; removal of the device shows up as a failed
// read and ends the worker normally.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holoplot/go-evdev"
	log "github.com/sirupsen/logrus"

	"xps-keymapping/remap"
)

var errSinkWrite = errors.New("sink write failed")

type eventSource interface {
	ReadEvent() (remap.Event, error)
	KeyState() (map[evdev.EvCode]bool, error)
}

type eventSink interface {
	WriteEvent(remap.Event) error
	WriteSync() error
}

type pump struct {
	src       eventSource
	sink      eventSink
	engine    *remap.Engine
	emitDelay time.Duration
	sleep     func(time.Duration)
	log       *log.Entry

	eventsIn  int64
	eventsOut int64
}

// run returns nil when the source ends (device removed or closed) and an
// error for anything that should be reported.
func (p *pump) run(ctx context.Context) error {
	for {
		ev, err := p.src.ReadEvent()
		if errors.Is(err, errEventsDropped) {
			if err := p.resync(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil || isEndOfStream(err) {
				p.log.WithError(err).Debug("input stream ended")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		p.eventsIn++

		out := p.engine.Transform(ev)
		if p.log.Logger.IsLevelEnabled(log.TraceLevel) {
			p.log.Tracef("%v -> %v", ev, out)
		}
		if err := p.emit(out); err != nil {
			return err
		}
	}
}

// resync releases whatever the engine still holds for keys the device
// reports as up; those releases were lost with the dropped events.
func (p *pump) resync() error {
	down, err := p.src.KeyState()
	if err != nil {
		if isEndOfStream(err) {
			return nil
		}
		p.log.WithError(err).Warn("key state unavailable after dropped events; resetting")
		p.engine.Reset()
		return nil
	}
	out := p.engine.Resync(func(code evdev.EvCode) bool { return down[code] })
	p.log.WithField("released", len(out)).Warn("input events dropped; resynced key state")
	if len(out) == 0 {
		return nil
	}
	if err := p.emit(out); err != nil {
		return err
	}
	if err := p.sink.WriteSync(); err != nil {
		return fmt.Errorf("%w: sync after resync: %w", errSinkWrite, err)
	}
	return nil
}

// emit writes one batch in order. Consecutive synthetic events are framed by
// a SYN_REPORT and a short pause so the consumer sees distinct key actions;
// the last one relies on the terminator that follows in the input stream.
// The rest of the batch is abandoned on the first write failure.
func (p *pump) emit(batch []remap.Event) error {
	for i, ev := range batch {
		if err := p.sink.WriteEvent(ev); err != nil {
			return fmt.Errorf("%w: %v: %w", errSinkWrite, ev, err)
		}
		p.eventsOut++
		if i+1 == len(batch) {
			break
		}
		if err := p.sink.WriteSync(); err != nil {
			return fmt.Errorf("%w: sync after %v: %w", errSinkWrite, ev, err)
		}
		p.sleep(p.emitDelay)
	}
	return nil
}

// runWorker serves a single device until it disappears or the context is
// cancelled.
func runWorker(ctx context.Context, path string, cfg Config) error {
	logger := log.WithFields(log.Fields{"device": path, "session": cfg.Session})

	sess, err := openSession(path, msDuration(cfg.GrabDelayMS))
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.WithError(err).Warn("teardown")
		}
	}()

	opts := cfg.EngineOptions()
	logger.WithFields(log.Fields{
		"name":     sess.name,
		"mode":     opts.Mode,
		"caps2esc": opts.CapsToEscape,
	}).Info("device grabbed")

	// Closing the device is the only way to interrupt a blocking read.
	stop := context.AfterFunc(ctx, func() { _ = sess.dev.Close() })
	defer stop()

	p := &pump{
		src:       sess.Source(),
		sink:      sess.Sink(),
		engine:    remap.New(opts),
		emitDelay: msDuration(cfg.EmitDelayMS),
		sleep:     time.Sleep,
		log:       logger,
	}
	err = p.run(ctx)
	logger.WithFields(log.Fields{"events_in": p.eventsIn, "events_out": p.eventsOut}).Info("worker stopped")
	return err
}
