package signal

import (
	"sync"

	"github.com/imtaco/conf-sfu/internal/jsonrpc"
	"github.com/imtaco/conf-sfu/internal/log"
)

// ConnectionGuard allows a single live connection per participant id.
type ConnectionGuard interface {
	// MustHold claims the participant for this connection. A connection
	// that loses is closed and false is returned.
	MustHold(mctx jsonrpc.MethodContext[rtcContext]) bool
	// Release frees the claim if this connection still owns it.
	Release(mctx jsonrpc.MethodContext[rtcContext])
}

type connGuardImpl struct {
	mu     sync.Mutex
	owners map[string]string // participantId -> connId
	logger *log.Logger
}

func NewConnGuard(logger *log.Logger) ConnectionGuard {
	return &connGuardImpl{
		owners: make(map[string]string),
		logger: logger,
	}
}

func (g *connGuardImpl) MustHold(mctx jsonrpc.MethodContext[rtcContext]) bool {
	rtcCtx := mctx.Get()

	g.mu.Lock()
	cur, ok := g.owners[rtcCtx.participantID]
	if !ok || cur == rtcCtx.connID {
		g.owners[rtcCtx.participantID] = rtcCtx.connID
		g.mu.Unlock()
		return true
	}
	g.mu.Unlock()

	// TODO: close with a policy violation code so clients stop reconnecting
	_ = mctx.Peer().Close()
	g.logger.Debug("Connection rejected due to existing connection",
		log.String("connId", rtcCtx.connID),
		log.String("participantId", rtcCtx.participantID),
	)
	return false
}

func (g *connGuardImpl) Release(mctx jsonrpc.MethodContext[rtcContext]) {
	rtcCtx := mctx.Get()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owners[rtcCtx.participantID] == rtcCtx.connID {
		delete(g.owners, rtcCtx.participantID)
	}
}
