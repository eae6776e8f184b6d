package websocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
)

const (
	ErrBufferFull errors.Code = "buffer_full"
	ErrMarshal    errors.Code = "marshal_error"
)

const (
	pingInterval = 10 * time.Second
	pingTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
	bufMessages  = 16
)

func newStream(conn *websocket.Conn, logger *log.Logger) *wsStream {
	return &wsStream{
		conn:   conn,
		chBuf:  make(chan func() error, bufMessages),
		logger: logger,
	}
}

// wsStream wraps a WebSocket connection to implement jsonrpc2.ObjectStream
type wsStream struct {
	conn  *websocket.Conn
	chBuf chan func() error

	connCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	code      atomic.Int32
	logger    *log.Logger
}

// only marshal error or buffer full returne error
func (ws *wsStream) Write(ctx context.Context, obj any) error {
	// rcp reply might not have chance to close the connetion ?

	select {
	case <-ctx.Done():
		return net.ErrClosed
	default:
	}

	action := func() error {
		ctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		return wsjson.Write(ctx, ws.conn, obj)
	}

	select {
	case ws.chBuf <- action:
		return nil
	default:
		ws.close(ErrBufferFull)
		return ErrBufferFull
	}
}

func (ws *wsStream) Read(ctx context.Context, v any) error {
	// read loop share the same read ctx
	// read failure lead to connection close
	if err := wsjson.Read(ctx, ws.conn, v); err != nil {
		// TODO: what if json unmarshal error ? just ignore for next read ?
		ws.close(err)
		return err
	}
	return nil
}

func (ws *wsStream) Open(ctx context.Context) error {
	ws.connCtx, ws.cancel = context.WithCancel(ctx)

	go func() {
		err := ws.writePump(ws.connCtx)
		ws.close(err)
	}()

	return nil
}

func (ws *wsStream) Close() error {
	ws.close(nil)
	return nil
}

func (ws *wsStream) close(err error) {

	ws.closeOnce.Do(func() {
		closed := false
		code := websocket.StatusNormalClosure

		switch {
		case err == nil:
			ws.logger.Debug("connect closed normally")
			code = websocket.StatusNormalClosure
		case websocket.CloseStatus(err) != -1:
			code = websocket.CloseStatus(err)
			ws.logger.Debug("connect closed by peer", log.Any("code", code))
			closed = true
		case errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
			ws.logger.Debug("connect closed, net.ErrClosed")
			code = websocket.StatusAbnormalClosure
			closed = true
		case errors.Is(err, ErrBufferFull):
			ws.logger.Warn("connect closed due to buffer full")
			code = websocket.StatusPolicyViolation
		default:
			ws.logger.Warn("connect closed due to unknown error", log.Error(err))
			code = websocket.StatusAbnormalClosure
			closed = true
		}
		ws.code.Store(int32(code))

		if closed {
			_ = ws.conn.CloseNow()
		} else {
			ws.conn.Close(code, "bye")
		}
		ws.cancel()
	})
}

func (ws *wsStream) wait() {
	<-ws.connCtx.Done()
}

func (ws *wsStream) closeCode() int {
	return int(ws.code.Load())
}

func (ws *wsStream) writePump(ctx context.Context) error {
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

func (ws *wsStream) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	return ws.conn.Ping(ctx)
}
