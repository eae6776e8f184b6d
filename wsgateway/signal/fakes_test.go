package signal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/jsonrpc"
	"github.com/imtaco/conf-sfu/mixers"
)

type notification struct {
	method string
	params any
}

type mockConn struct {
	mctx   *mockMethodContext
	mu     sync.Mutex
	notes  []notification
	closed atomic.Bool
}

func newMockConn(rtcCtx *rtcContext) *mockConn {
	c := &mockConn{}
	c.mctx = &mockMethodContext{context: rtcCtx, peer: c}
	return c
}

func (c *mockConn) Open(context.Context) error { return nil }

func (c *mockConn) Done() <-chan struct{} { return nil }

func (c *mockConn) Notify(_ context.Context, method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, notification{method: method, params: params})
	return nil
}

func (c *mockConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *mockConn) Context() jsonrpc.MethodContext[rtcContext] {
	return c.mctx
}

func (c *mockConn) methods() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.notes))
	for _, n := range c.notes {
		out = append(out, n.method)
	}
	return out
}

func (c *mockConn) withMethod(method string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, n := range c.notes {
		if n.method == method {
			out = append(out, n.params)
		}
	}
	return out
}

type mockMethodContext struct {
	context *rtcContext
	peer    jsonrpc.Conn[rtcContext]
}

func (m *mockMethodContext) Get() *rtcContext {
	return m.context
}

func (m *mockMethodContext) Set(ctx *rtcContext) {
	m.context = ctx
}

func (m *mockMethodContext) Peer() jsonrpc.Conn[rtcContext] {
	return m.peer
}

// recordingHandler captures registered methods so tests can invoke them
// without a transport.
type recordingHandler struct {
	methods map[string]jsonrpc.MethodHandler[rtcContext]
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{methods: make(map[string]jsonrpc.MethodHandler[rtcContext])}
}

func (h *recordingHandler) Def(method string, handler jsonrpc.MethodHandler[rtcContext]) {
	h.methods[method] = handler
}

func (h *recordingHandler) NewConn(jsonrpc.ObjectStream, *rtcContext) jsonrpc.Conn[rtcContext] {
	return nil
}

func (h *recordingHandler) call(conn *mockConn, method string, params any) (any, error) {
	var raw *json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg := json.RawMessage(b)
		raw = &msg
	}
	return h.methods[method](conn.mctx, raw)
}

type fakeCompositor struct {
	mu           sync.Mutex
	requests     []mixers.StartRequest
	stopped      []string
	stoppedRooms []string
}

func (f *fakeCompositor) Start(_ context.Context, req mixers.StartRequest) (*mixers.StartResult, error) {
	if len(req.Audio)+len(req.Video) == 0 {
		return nil, errors.New(errors.ErrInvalidState, "no live producers to stream")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	id := req.RoomID + "-s1"
	return &mixers.StartResult{StreamID: id, PlaylistURL: "/hls/" + id + "/stream.m3u8"}, nil
}

func (f *fakeCompositor) Stop(_ context.Context, streamID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, streamID)
	return nil
}

func (f *fakeCompositor) StopRoom(_ context.Context, roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stoppedRooms = append(f.stoppedRooms, roomID)
}

func (f *fakeCompositor) Streams() []mixers.StreamInfo { return nil }

func (f *fakeCompositor) Close(context.Context) {}

func (f *fakeCompositor) lastRequest() (mixers.StartRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return mixers.StartRequest{}, false
	}
	return f.requests[len(f.requests)-1], true
}

func (f *fakeCompositor) roomsStopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stoppedRooms...)
}
