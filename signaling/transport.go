package signaling

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/meonardo/videoroom-rtc/internal/errors"
	"github.com/meonardo/videoroom-rtc/internal/log"
)

const (
	ErrBufferFull errors.Code = "buffer_full"
	ErrDial       errors.Code = "dial_error"
)

const (
	janusSubprotocol = "janus-protocol"

	dialTimeout  = 10 * time.Second
	pingInterval = 10 * time.Second
	pingTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
	bufMessages  = 16
)

// TransportHandler receives inbound frames and the terminal close
// notification. OnFrame is called from the read loop goroutine; OnClosed is
// called exactly once per established connection, whatever ends it.
type TransportHandler interface {
	OnFrame(data []byte)
	OnClosed(err error)
}

// Transport is one logical signaling link. A single Transport can be
// connected repeatedly; each Connect establishes a fresh connection after
// the previous one reported OnClosed.
type Transport interface {
	Connect(ctx context.Context, handler TransportHandler) error
	Send(data []byte) error
	Close() error
}

// NewWebSocketTransport returns a Transport dialing the given Janus
// WebSocket URL with the videoroom subprotocol.
func NewWebSocketTransport(url string, logger *log.Logger) Transport {
	return &wsTransport{
		url:    url,
		logger: logger.Module("ws_transport"),
	}
}

type wsTransport struct {
	url    string
	logger *log.Logger

	mtx  sync.Mutex
	conn *wsConn
}

func (t *wsTransport) Connect(ctx context.Context, handler TransportHandler) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.url, &websocket.DialOptions{
		Subprotocols: []string{janusSubprotocol},
	})
	if err != nil {
		return errors.Wrapf(ErrDial, err, "dial %s", t.url)
	}
	// Janus frames can carry full SDPs
	conn.SetReadLimit(1 << 20)

	wc := newWSConn(conn, handler, t.logger)
	t.mtx.Lock()
	t.conn = wc
	t.mtx.Unlock()

	wc.open(ctx)
	return nil
}

func (t *wsTransport) Send(data []byte) error {
	t.mtx.Lock()
	wc := t.conn
	t.mtx.Unlock()

	if wc == nil {
		return ErrNotConnected
	}
	return wc.write(data)
}

func (t *wsTransport) Close() error {
	t.mtx.Lock()
	wc := t.conn
	t.mtx.Unlock()

	if wc != nil {
		wc.close(nil)
	}
	return nil
}

func newWSConn(conn *websocket.Conn, handler TransportHandler, logger *log.Logger) *wsConn {
	return &wsConn{
		conn:    conn,
		handler: handler,
		chBuf:   make(chan func() error, bufMessages),
		logger:  logger,
	}
}

// wsConn owns one established WebSocket connection: a write pump serializes
// outbound frames and pings, a read loop feeds the handler. Both end the
// connection through close, which fires OnClosed exactly once.
type wsConn struct {
	conn    *websocket.Conn
	handler TransportHandler
	chBuf   chan func() error

	connCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *log.Logger
}

func (ws *wsConn) open(ctx context.Context) {
	ws.connCtx, ws.cancel = context.WithCancel(ctx)

	go func() {
		err := ws.writePump(ws.connCtx)
		ws.close(err)
	}()
	go func() {
		err := ws.readLoop(ws.connCtx)
		ws.close(err)
	}()
}

// only buffer full is reported synchronously; write failures surface
// through OnClosed
func (ws *wsConn) write(data []byte) error {
	select {
	case <-ws.connCtx.Done():
		return ErrNotConnected
	default:
	}

	action := func() error {
		ctx, cancel := context.WithTimeout(ws.connCtx, writeTimeout)
		defer cancel()
		return ws.conn.Write(ctx, websocket.MessageText, data)
	}

	select {
	case ws.chBuf <- action:
		return nil
	default:
		ws.close(ErrBufferFull)
		return ErrBufferFull
	}
}

func (ws *wsConn) readLoop(ctx context.Context) error {
	for {
		_, data, err := ws.conn.Read(ctx)
		if err != nil {
			return err
		}
		ws.handler.OnFrame(data)
	}
}

func (ws *wsConn) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ws.ping(ctx); err != nil {
				return err
			}
		case action, ok := <-ws.chBuf:
			if !ok {
				return net.ErrClosed
			}
			if err := action(); err != nil {
				return err
			}
		}
	}
}

func (ws *wsConn) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return ws.conn.Ping(ctx)
}

func (ws *wsConn) close(err error) {
	ws.closeOnce.Do(func() {
		code, abrupt := closeDisposition(ws.logger, err)

		if abrupt {
			_ = ws.conn.CloseNow()
		} else {
			_ = ws.conn.Close(code, "bye")
		}
		ws.cancel()
		ws.handler.OnClosed(err)
	})
}

// closeDisposition classifies a close cause: the status code for a graceful
// close, or abrupt when the connection is past a close handshake.
// coder/websocket wraps CloseError by value.
func closeDisposition(logger *log.Logger, err error) (code websocket.StatusCode, abrupt bool) {
	closeErr, peerClosed := errors.As[websocket.CloseError](err)

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("connection closed normally")
		return websocket.StatusNormalClosure, false
	case peerClosed:
		logger.Warn("connection closed by peer", log.Any("code", closeErr.Code))
		return websocket.StatusNormalClosure, true
	case errors.Is(err, net.ErrClosed):
		logger.Warn("connection closed, net.ErrClosed")
		return websocket.StatusNormalClosure, true
	case errors.Is(err, ErrBufferFull):
		logger.Error("connection closed due to buffer full")
		return websocket.StatusPolicyViolation, false
	default:
		logger.Error("connection closed", log.Error(err))
		return websocket.StatusInternalError, true
	}
}
