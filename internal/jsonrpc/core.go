package jsonrpc

import (
	"context"
	"encoding/json"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
)

// handlerImpl holds the method table shared by every connection.
type handlerImpl[T any] struct {
	methods map[string]func(MethodContext[T], *json.RawMessage, Reply)
	logger  *log.Logger
}

// NewHandler creates a new RPC server with the given logger
func NewHandler[T any](logger *log.Logger) Handler[T] {
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &handlerImpl[T]{
		methods: make(map[string]func(MethodContext[T], *json.RawMessage, Reply)),
		logger:  logger,
	}
}

// Def registers a method handler (thread-safe)
func (s *handlerImpl[T]) Def(method string, handler MethodHandler[T]) {
	if _, ok := s.methods[method]; ok {
		panic("method already defined: " + method)
	}
	s.methods[method] = func(mctx MethodContext[T], params *json.RawMessage, replier Reply) {
		defer s.recoverPanic(method, replier)
		replier(handler(mctx, params))
	}
}

// a single faulty handler must never take the connection (or process) down
func (s *handlerImpl[T]) recoverPanic(method string, replier Reply) {
	if r := recover(); r != nil {
		s.logger.Error("RPC handler panicked",
			log.String("method", method),
			log.Any("panic", r))
		replier(nil, ErrInternal("internal error"))
	}
}

func (s *handlerImpl[T]) NewConn(stream ObjectStream, v *T) Conn[T] {
	return newConn(stream, v, s.handle, s.logger)
}

func (s *handlerImpl[T]) handle(ctx context.Context, conn *connImpl[T], req *Request) {

	s.logger.Debug("RPC request received",
		log.String("method", req.Method),
		log.Any("id", req.ID))

	handler, ok := s.methods[req.Method]
	if !ok {
		s.logger.Warn("Method not found",
			log.Int("len", len(s.methods)),
			log.String("method", req.Method),
			log.Any("id", req.ID))

		_ = conn.replyError(ctx, req.ID, ErrMethodNotFound(req.Method))
		return
	}

	reply := func(result any, err error) {
		if err := s.reply(ctx, conn, req, result, err); err != nil {
			s.logger.Error("Failed to send RPC reply",
				log.String("method", req.Method),
				log.Any("id", req.ID),
				log.Error(err))
		}
	}
	handler(conn.mctx, req.Params, reply)
}

func (s *handlerImpl[T]) reply(
	ctx context.Context,
	conn *connImpl[T],
	req *Request,
	result any,
	err error,
) error {

	if err == nil {
		s.logger.Debug("RPC request completed",
			log.Any("id", req.ID))
		return conn.reply(ctx, req.ID, result)
	}

	if p, ok := errors.As[*Error](err); ok {
		rpcErr := *p
		s.logger.Error("RPC handler returned error",
			log.String("method", req.Method),
			log.Any("id", req.ID),
			log.Int64("error_code", rpcErr.Code),
			log.String("error_message", rpcErr.Message))
		return conn.replyError(ctx, req.ID, rpcErr)
	}
	if rpcErr := FromCoded(err); rpcErr != nil {
		s.logger.Warn("RPC handler failed",
			log.String("method", req.Method),
			log.Any("id", req.ID),
			log.Error(err))
		return conn.replyError(ctx, req.ID, rpcErr)
	}

	s.logger.Error("RPC handler returned unexpected error",
		log.String("method", req.Method),
		log.Any("id", req.ID),
		log.Error(err))

	// do not disclose internal error details to client
	return conn.replyError(ctx, req.ID, ErrInternal("unknown error"))
}
