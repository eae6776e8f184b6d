package jsonrpc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/imtaco/conf-sfu/internal/log"
)

type handlerFunc[T any] func(context.Context, *connImpl[T], *Request)

// connImpl is the server side of one JSON-RPC connection. Requests are
// handled in arrival order on the read loop; the server never issues
// requests of its own, so responses from the peer are dropped.
type connImpl[T any] struct {
	stream   ObjectStream
	mctx     MethodContext[T]
	handler  handlerFunc[T]
	sendLock sync.Mutex
	closed   atomic.Bool
	readDone chan struct{}
	logger   *log.Logger
}

func newConn[T any](
	stream ObjectStream,
	v *T,
	handler handlerFunc[T],
	logger *log.Logger,
) *connImpl[T] {
	c := &connImpl[T]{
		stream:   stream,
		handler:  handler,
		readDone: make(chan struct{}),
		logger:   logger,
	}
	c.mctx = NewContext(c, v)
	return c
}

func (c *connImpl[T]) Open(ctx context.Context) error {
	if err := c.stream.Open(ctx); err != nil {
		return err
	}

	go c.readLoop(ctx)
	return nil
}

func (c *connImpl[T]) Close() error {
	return c.close(nil)
}

// Done is closed once the read loop exits, which is after the last request
// handler returned.
func (c *connImpl[T]) Done() <-chan struct{} {
	return c.readDone
}

func (c *connImpl[T]) Context() MethodContext[T] {
	return c.mctx
}

func (c *connImpl[T]) Notify(ctx context.Context, method string, params interface{}) error {
	req, err := newNotificationMessage(method, params)
	if err != nil {
		return err
	}
	return c.send(ctx, req)
}

// reply sends a successful response with a result.
func (c *connImpl[T]) reply(ctx context.Context, id *ID, result interface{}) error {
	if id == nil {
		return nil
	}
	resp, err := newResponseMessage(*id, result, nil)
	if err != nil {
		return err
	}
	return c.send(ctx, resp)
}

func (c *connImpl[T]) replyError(ctx context.Context, id *ID, respErr *Error) error {
	if id == nil {
		return nil
	}

	resp, err := newResponseMessage(*id, nil, respErr)
	if err != nil {
		return err
	}
	return c.send(ctx, resp)
}

func (c *connImpl[T]) close(err error) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		c.logger.Error("jsonrpc unknown error", log.Error(err))
	}

	return c.stream.Close()
}

func (c *connImpl[T]) readLoop(ctx context.Context) {
	defer close(c.readDone)
	for {
		var m message
		err := c.stream.Read(ctx, &m)
		if err != nil {
			c.logger.Debug("jsonrpc read loop done", log.Error(err))
			_ = c.close(err)
			return
		}

		// validation failure -> UnknownType
		m.validate()

		switch m.msgType {
		case typeRequst, typeNotification:
			req := &Request{
				ID:     m.ID,
				Method: *m.Method,
				Params: m.Params,
			}
			c.logger.Debug("jsonrpc handle request", log.String("method", req.Method))
			c.handler(ctx, c, req)

		case typeResponse:
			c.logger.Debug("ignore response, no request outstanding", log.Any("id", m.ID))

		default:
			c.logger.Warn("ignore invalid message: neither request nor response is set")
		}
	}
}

func (c *connImpl[T]) send(ctx context.Context, m *message) error {
	// not allow concurrent sends
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	return c.stream.Write(ctx, m)
}
