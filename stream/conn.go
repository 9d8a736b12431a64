package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fundingwatch/logger"
	"fundingwatch/metrics"
	"fundingwatch/models"
)

const handshakeTimeout = 10 * time.Second

// dataHandler receives decoded data frames. Control frames never reach it.
type dataHandler func(frame models.StreamFrame)

// wsConn owns one websocket session and its reconnect loop. A session that
// drops is redialed on the backoff schedule until the context ends.
type wsConn struct {
	url          string
	topics       []string
	handler      dataHandler
	pingInterval time.Duration
	bo           *backoff
	log          *logger.Entry

	// prepare runs between dial and subscribe. The private stream uses it
	// to authenticate; a failure forces a reconnect.
	prepare func(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex) error

	// subscribed is swapped to true once the exchange acks the subscribe
	// request of the current session.
	mu         sync.Mutex
	subscribed bool
}

func newWSConn(url string, topics []string, handler dataHandler, pingInterval time.Duration, bo *backoff, log *logger.Entry) *wsConn {
	return &wsConn{
		url:          url,
		topics:       topics,
		handler:      handler,
		pingInterval: pingInterval,
		bo:           bo,
		log:          log,
	}
}

// Subscribed reports whether the current session has an acked subscription.
func (c *wsConn) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

func (c *wsConn) setSubscribed(v bool) {
	c.mu.Lock()
	c.subscribed = v
	c.mu.Unlock()
}

// run drives the connect/subscribe/read cycle until ctx is cancelled.
func (c *wsConn) run(ctx context.Context) {
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			metrics.RecordWSReconnect()
			delay := c.bo.next()
			c.log.WithField("delay", delay).Info("reconnecting after backoff")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		first = false

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		ws, _, err := dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RecordWSError()
			c.log.WithError(err).Warn("websocket dial failed")
			continue
		}

		metrics.ConnOpened()
		start := time.Now()
		err = c.session(ctx, ws)
		ws.Close()
		metrics.ConnClosed()
		c.setSubscribed(false)
		c.bo.observe(time.Since(start))

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.RecordWSError()
			c.log.WithError(err).Warn("websocket session ended")
		}
	}
}

// session authenticates if needed, subscribes, and pumps frames until the
// connection breaks or ctx ends.
func (c *wsConn) session(ctx context.Context, ws *websocket.Conn) error {
	var writeMu sync.Mutex

	if c.prepare != nil {
		if err := c.prepare(ctx, ws, &writeMu); err != nil {
			return fmt.Errorf("session preparation failed: %w", err)
		}
	}

	if len(c.topics) > 0 {
		sub := map[string]interface{}{
			"op":     "subscribe",
			"req_id": uuid.NewString(),
			"args":   c.topics,
		}
		writeMu.Lock()
		err := ws.WriteJSON(sub)
		writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("subscribe request failed: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, ws, &writeMu, done)

	// Unblock the read loop on cancellation; a blocked ReadMessage only
	// returns once the connection is closed.
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		var frame models.StreamFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			metrics.RecordWSParseDrop()
			c.log.WithError(err).Debug("undecodable frame dropped")
			continue
		}

		if frame.Op != "" {
			if err := c.handleControl(frame); err != nil {
				return err
			}
			continue
		}
		if frame.Topic == "" {
			metrics.RecordWSParseDrop()
			continue
		}

		metrics.RecordWSMessage()
		c.handler(frame)
	}
}

// handleControl processes acks and pongs. A failed subscribe is fatal to the
// session so the reconnect loop retries it from scratch.
func (c *wsConn) handleControl(frame models.StreamFrame) error {
	switch frame.Op {
	case "subscribe":
		if !frame.Success {
			return fmt.Errorf("subscribe rejected: %s", frame.RetMsg)
		}
		c.setSubscribed(true)
		c.log.WithField("topics", len(c.topics)).Info("subscription acknowledged")
	case "pong", "ping":
		// Heartbeat acks carry no data.
	case "auth":
		// The private stream consumes auth acks in prepare; one arriving
		// here is a duplicate.
	default:
		c.log.WithFields(logger.Fields{
			"op":      frame.Op,
			"ret_msg": frame.RetMsg,
		}).Debug("unhandled control frame")
	}
	return nil
}

// pingLoop sends the application-level heartbeat the exchange expects.
func (c *wsConn) pingLoop(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	interval := c.pingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeMu.Lock()
			err := ws.WriteJSON(map[string]string{"op": "ping"})
			writeMu.Unlock()
			if err != nil {
				// The read loop will surface the broken connection.
				return
			}
		}
	}
}
