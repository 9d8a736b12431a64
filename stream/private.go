package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"fundingwatch/bybitapi"
	"fundingwatch/config"
	"fundingwatch/logger"
	"fundingwatch/metrics"
	"fundingwatch/models"
)

// PositionHandler receives decoded position updates from the private stream.
type PositionHandler func(events []models.PositionEvent)

// PrivateStream maintains the authenticated connection carrying position
// updates. Authentication happens inside the session, guarded by a deadline;
// a stalled or rejected auth forces a reconnect so the stream never sits
// half-open without credentials.
type PrivateStream struct {
	url     string
	apiKey  string
	secret  string
	cfg     config.StreamingConfig
	handler PositionHandler
	log     *logger.Entry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    *wsConn
}

func NewPrivateStream(bybit config.BybitConfig, cfg config.StreamingConfig, handler PositionHandler, log *logger.Log) *PrivateStream {
	if log == nil {
		log = logger.GetLogger()
	}
	return &PrivateStream{
		url:     bybit.PrivateWS(),
		apiKey:  bybit.APIKey,
		secret:  bybit.APISecret,
		cfg:     cfg,
		handler: handler,
		log:     log.WithComponent("private_stream"),
	}
}

// Start launches the stream. Missing credentials are an error; position
// tracking cannot run unauthenticated.
func (p *PrivateStream) Start(ctx context.Context) error {
	if p.apiKey == "" || p.secret == "" {
		return fmt.Errorf("private stream requires api credentials")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("private stream already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	p.conn = newWSConn(
		p.url,
		[]string{"position"},
		p.handleFrame,
		p.cfg.PingInterval.Std(),
		newBackoff(p.cfg.BackoffSeconds, p.cfg.ResetAfter.Std()),
		p.log,
	)
	p.conn.prepare = p.authenticate

	go func() {
		defer close(p.done)
		p.conn.run(ctx)
	}()

	p.log.Info("private stream started")
	return nil
}

// Stop halts the stream and waits for the connection goroutine.
func (p *PrivateStream) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.log.Info("private stream stopped")
}

// IsRunning reports whether the stream loop is active.
func (p *PrivateStream) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// authenticate sends the auth frame and blocks until the exchange responds,
// bounded by the auth timeout. Any failure aborts the session.
func (p *PrivateStream) authenticate(ctx context.Context, ws *websocket.Conn, writeMu *sync.Mutex) error {
	timeout := p.cfg.AuthTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	auth := map[string]interface{}{
		"op":   "auth",
		"args": bybitapi.WSAuthArgs(p.apiKey, p.secret, time.Now()),
	}
	writeMu.Lock()
	err := ws.WriteJSON(auth)
	writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(timeout))
	defer ws.SetReadDeadline(time.Time{})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var frame models.StreamFrame
		if err := ws.ReadJSON(&frame); err != nil {
			metrics.RecordAuthRetry()
			return fmt.Errorf("auth response not received: %w", err)
		}
		if frame.Op != "auth" {
			// Pongs or stray frames may arrive before the ack.
			continue
		}
		if !frame.Success {
			metrics.RecordAuthRetry()
			return fmt.Errorf("auth rejected: %s", frame.RetMsg)
		}
		p.log.Info("private stream authenticated")
		return nil
	}
}

func (p *PrivateStream) handleFrame(frame models.StreamFrame) {
	if frame.Topic != "position" {
		return
	}
	events, dropped, err := models.PositionEventsFromPayload(frame.Data)
	if err != nil {
		metrics.RecordWSParseDrop()
		p.log.WithError(err).Debug("position frame dropped")
		return
	}
	if dropped > 0 {
		metrics.RecordWSParseDrop()
		p.log.WithField("dropped", dropped).Warn("position rows dropped during decode")
	}
	if len(events) > 0 && p.handler != nil {
		p.handler(events)
	}
}
