package jsonrpc

import (
	"context"
	"encoding/json"
	"io"
)

type Handler[T any] interface {
	// all connections created by this handler share the same method handlers
	Def(method string, handler MethodHandler[T])
	NewConn(stream ObjectStream, v *T) Conn[T]
}

// Conn is one server-side connection. It pushes notifications to the peer
// and answers the peer's requests.
type Conn[T any] interface {
	Notify(ctx context.Context, method string, params interface{}) error
	Open(ctx context.Context) error
	// Done is closed once no request handler can run any more.
	Done() <-chan struct{}
	Context() MethodContext[T]
	io.Closer
}

// MethodHandler is a function that handles a JSON-RPC method
// method context is shared across all method calls for a connection
type MethodHandler[T any] func(mctx MethodContext[T], params *json.RawMessage) (interface{}, error)

type Reply func(result interface{}, err error)

type ObjectStream interface {
	Open(ctx context.Context) error
	Read(ctx context.Context, v interface{}) error
	Write(ctx context.Context, obj interface{}) error
	io.Closer
}
