package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Poker/internal/app/orch"
	"github.com/dkeye/Poker/internal/core"
	"github.com/dkeye/Poker/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit      int64
	PingPeriod     time.Duration
	SendBuffer     int
	AllowedOrigins []string
	Limiter        *RoomRateLimiter
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RoomRateLimiter

	readLimit  int64
	pingPeriod time.Duration
	pongWait   time.Duration
	sendBuffer int
	upgrader   websocket.Upgrader
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 32768
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	return &SignalWSController{
		Orch:       o,
		Limiter:    opts.Limiter,
		readLimit:  opts.ReadLimit,
		pingPeriod: opts.PingPeriod,
		pongWait:   opts.PingPeriod * 10 / 9,
		sendBuffer: opts.SendBuffer,
		upgrader:   websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// WsSignalConn is one websocket endpoint; the write pump owns the socket writes.
type WsSignalConn struct {
	id     domain.ConnectionID
	member domain.MemberID
	conn   *websocket.Conn
	send   chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	member := domain.MemberID(c.GetString("client_token"))
	id := domain.ConnectionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("conn", string(id)).Str("member", string(member)).Msg("new WS connection")

	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		id:     id,
		member: member,
		conn:   ws,
		send:   make(chan core.Frame, ctl.sendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Attach(id, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, conn)
}
