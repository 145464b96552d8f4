package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/codepod/internal/observability"
	"github.com/danmuck/codepod/internal/protocol/wire"
	"github.com/danmuck/codepod/internal/router"
	"github.com/danmuck/codepod/internal/sessions"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Websocket timeouts.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 1 << 20
	sendQueueSize    = 256
	commandQueueSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks are handled by the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Conn is one client websocket. Commands run one at a time in arrival
// order; events for every session the client touched are forwarded until
// another connection claims the session.
type Conn struct {
	id      string
	ws      *websocket.Conn
	svc     *Service
	limiter *rate.Limiter
	log     zerolog.Logger

	send     chan []byte
	commands chan Command
	dropped  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]*router.Subscription

	closeOnce sync.Once
}

func newConn(svc *Service, ws *websocket.Conn) *Conn {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(svc.baseContext())
	return &Conn{
		id:       id,
		ws:       ws,
		svc:      svc,
		limiter:  rate.NewLimiter(rate.Limit(svc.cfg.CommandRate), svc.cfg.CommandBurst),
		log:      observability.Component("bridge").With().Str("conn", id).Logger(),
		send:     make(chan []byte, sendQueueSize),
		commands: make(chan Command, commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]*router.Subscription),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// serve blocks until the client disconnects or the service closes the conn.
func (c *Conn) serve() {
	go c.writePump()
	go c.commandLoop()
	c.readPump()
}

// Close stops the pumps and releases every subscription. Repeated calls are
// no-ops.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.subsMu.Lock()
		subs := c.subs
		c.subs = make(map[string]*router.Subscription)
		c.subsMu.Unlock()
		for _, sub := range subs {
			c.svc.router.Unsubscribe(sub)
		}
		_ = c.ws.Close()
		c.log.Debug().Uint64("dropped", c.dropped.Load()).Msg("bridge conn closed")
	})
}

func (c *Conn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(wsMaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("bridge read ended")
			}
			return
		}
		c.accept(data)
	}
}

// accept validates one inbound frame and queues it for commandLoop.
func (c *Conn) accept(data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("bridge rejected command")
		c.enqueue(errorEvent(partialPayload(data), ErrNameBadCommand, err))
		return
	}
	if !c.limiter.Allow() {
		c.enqueue(errorEvent(cmd.Payload, ErrNameRateLimited, fmt.Errorf("%s rejected: command rate exceeded", cmd.Type)))
		return
	}
	select {
	case c.commands <- cmd:
	case <-c.ctx.Done():
	default:
		c.enqueue(errorEvent(cmd.Payload, ErrNameBusy, fmt.Errorf("%s rejected: command queue full", cmd.Type)))
	}
}

func partialPayload(data []byte) CommandPayload {
	var env struct {
		Payload CommandPayload `json:"payload"`
	}
	_ = json.Unmarshal(data, &env)
	return env.Payload
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("bridge write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands an envelope to writePump without blocking. A full queue
// drops the envelope.
func (c *Conn) enqueue(out Outbound) {
	data, err := json.Marshal(out)
	if err != nil {
		c.log.Error().Err(err).Str("type", out.Type).Msg("bridge encode failed")
		return
	}
	select {
	case <-c.ctx.Done():
	case c.send <- data:
	default:
		n := c.dropped.Add(1)
		observability.RecordDroppedEvent("client_queue")
		if n == 1 || n%100 == 0 {
			c.log.Warn().Uint64("dropped", n).Msg("bridge client queue full")
		}
	}
}

func (c *Conn) commandLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.commands:
			c.handle(cmd)
		}
	}
}

func (c *Conn) handle(cmd Command) {
	p := cmd.Payload
	log := c.log.With().Str("cmd", string(cmd.Type)).Str("session", p.SessionID).Str("lang", p.Lang).Logger()
	switch cmd.Type {
	case CmdConnectKernel:
		c.subscribe(p.SessionID)
		h, ok := c.ensure(p)
		if !ok {
			return
		}
		if _, err := h.Link.RequestKernelInfo(); err != nil {
			c.enqueue(errorEvent(p, ErrNameKernelUnavailable, err))
		}
		log.Info().Str("address", h.Address).Msg("bridge kernel connected")

	case CmdRunCode:
		c.subscribe(p.SessionID)
		h, ok := c.ensure(p)
		if !ok {
			return
		}
		ledger := c.svc.router.Ledger()
		msgID := wire.MsgID(p.PodID, p.PortName)
		ledger.Start(router.Run{
			SessionID: p.SessionID,
			Lang:      h.Language,
			MsgID:     msgID,
			PodID:     p.PodID,
			PortName:  p.PortName,
		})
		if _, err := h.Link.Execute(p.PodID, p.PortName, p.Code); err != nil {
			ledger.Finish(p.SessionID, msgID)
			log.Warn().Err(err).Msg("bridge execute failed")
			c.enqueue(errorEvent(p, ErrNameKernelUnavailable, err))
		}

	case CmdRequestKernelStatus:
		c.subscribe(p.SessionID)
		h, ok := c.svc.registry.Handle(p.SessionID, p.Lang)
		if !ok {
			c.enqueue(statusEvent(p, c.lang(p), StatusNotStarted))
			return
		}
		if _, err := h.Link.RequestKernelInfo(); err != nil {
			c.enqueue(errorEvent(p, ErrNameKernelUnavailable, err))
		}

	case CmdInterruptKernel:
		h, ok := c.svc.registry.Handle(p.SessionID, p.Lang)
		if !ok {
			c.enqueue(errorEvent(p, ErrNameKernelUnavailable, errors.New("no running kernel")))
			return
		}
		if _, err := h.Link.Interrupt(); err != nil {
			c.enqueue(errorEvent(p, ErrNameKernelUnavailable, err))
			return
		}
		log.Info().Msg("bridge kernel interrupted")
	}
}

// ensure waits for a ready kernel and reports spawn failures to the client.
func (c *Conn) ensure(p CommandPayload) (*sessions.KernelHandle, bool) {
	h, err := c.svc.registry.EnsureWait(c.ctx, p.SessionID, p.Lang)
	if err != nil {
		c.log.Warn().Err(err).Str("session", p.SessionID).Str("lang", p.Lang).Msg("bridge kernel unavailable")
		c.enqueue(errorEvent(p, ErrNameKernelUnavailable, err))
		return nil, false
	}
	return h, true
}

func (c *Conn) lang(p CommandPayload) string {
	if p.Lang != "" {
		return p.Lang
	}
	return strings.TrimSpace(c.svc.registry.Catalog().DefaultLanguage)
}

// subscribe claims sessionID's event stream for this connection.
func (c *Conn) subscribe(sessionID string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	if sub, ok := c.subs[sessionID]; ok && c.svc.router.Current(sub) {
		return
	}
	sub := c.svc.router.Subscribe(sessionID)
	c.subs[sessionID] = sub
	go c.forward(sub)
}

// forward copies one subscription's events to the client until the router
// closes it.
func (c *Conn) forward(sub *router.Subscription) {
	for ev := range sub.Events() {
		c.enqueue(outboundEvent(ev))
	}
	c.subsMu.Lock()
	if c.subs[sub.SessionID] == sub {
		delete(c.subs, sub.SessionID)
	}
	c.subsMu.Unlock()
}
