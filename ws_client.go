package main

// Worker lifecycle feed over WebSocket.
//
// The selector publishes one JSON message per worker start and exit (and per
// rejected hot-plugged device) to an optional monitoring endpoint. Key events
// are never sent. One session goroutine owns the connection and is its only
// writer: it sends queued messages and pings, and a pong watchdog on the read
// side notices a dead peer. Lost sessions are redialled with jittered backoff.
// Publishing never blocks; messages are dropped while the queue is full.

import (
	"context"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type statusMessage struct {
	T      string `json:"t"`
	ID     string `json:"id,omitempty"`
	Device string `json:"device"`
	PID    int    `json:"pid,omitempty"`
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	TS     int64  `json:"ts"`
}

type statusPublisher interface {
	Publish(statusMessage)
}

type noStatus struct{}

func (noStatus) Publish(statusMessage) {}

const (
	statusWriteWait    = 5 * time.Second
	statusMinReconnect = 500 * time.Millisecond
	statusMaxReconnect = 5 * time.Second
)

// statusReporter owns the outgoing queue and, while connected, the socket.
type statusReporter struct {
	url       string
	pingEvery time.Duration
	pongWait  time.Duration
	queue     chan statusMessage
	dialer    websocket.Dialer
}

func newStatusReporter(wsURL string) *statusReporter {
	return &statusReporter{
		url:       wsURL,
		pingEvery: 2 * time.Second,
		pongWait:  8 * time.Second,
		queue:     make(chan statusMessage, 64),
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			NetDialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 15 * time.Second,
			}).DialContext,
		},
	}
}

func (r *statusReporter) Publish(m statusMessage) {
	if m.TS == 0 {
		m.TS = nowMS()
	}
	select {
	case r.queue <- m:
	default:
		log.WithField("t", m.T).Debug("status queue full; dropping message")
	}
}

// run keeps a session up until ctx is done.
func (r *statusReporter) run(ctx context.Context) {
	delay := statusMinReconnect
	for {
		conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
		if err == nil {
			log.WithField("url", r.url).Info("status feed connected")
			delay = statusMinReconnect
			err = r.serve(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		wait := delay + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
		log.WithError(err).Debugf("status feed unavailable; retrying in %s", wait)
		if !sleepCtx(ctx, wait) {
			return
		}
		delay = time.Duration(math.Min(float64(statusMaxReconnect), float64(delay)*1.7))
	}
}

// serve runs one connected session. It returns when the peer goes away, a
// write fails or ctx is done; the caller closes conn.
func (r *statusReporter) serve(ctx context.Context, conn *websocket.Conn) error {
	// Control frames are only processed while somebody reads.
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(r.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.pongWait))
	})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ping := time.NewTicker(r.pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, bye, time.Now().Add(statusWriteWait))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(statusWriteWait)); err != nil {
				return err
			}
		case m := <-r.queue:
			_ = conn.SetWriteDeadline(time.Now().Add(statusWriteWait))
			if err := conn.WriteJSON(m); err != nil {
				return err
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
