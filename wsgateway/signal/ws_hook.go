package signal

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/jsonrpc"
	wsrpc "github.com/imtaco/conf-sfu/internal/jsonrpc/websocket"
	"github.com/imtaco/conf-sfu/internal/jwt"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/wsgateway"
)

// leaveTimeout bounds the implicit leave once the socket is gone.
const leaveTimeout = 10 * time.Second

// NewWSHook builds the connection hooks. A nil jwtAuth accepts every
// connection with a fresh anonymous participant id.
func NewWSHook(
	cfg *wsgateway.Config,
	connMgr *WSConnManager,
	connGuard ConnectionGuard,
	leaver *RoomLeaver,
	jwtAuth jwt.Auth,
	logger *log.Logger,
) wsrpc.ConnectionHooks[rtcContext] {
	return &wsHookImpl{
		cfg:       cfg,
		connMgr:   connMgr,
		connGuard: connGuard,
		leaver:    leaver,
		jwtAuth:   jwtAuth,
		logger:    logger,
	}
}

type wsHookImpl struct {
	cfg       *wsgateway.Config
	connMgr   *WSConnManager
	connGuard ConnectionGuard
	leaver    *RoomLeaver
	jwtAuth   jwt.Auth
	logger    *log.Logger
}

func (h *wsHookImpl) newLimiter() *rate.Limiter {
	if h.cfg == nil || h.cfg.RateLimit <= 0 {
		return nil
	}
	burst := h.cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.cfg.RateLimit), burst)
}

func (h *wsHookImpl) OnVerify(r *http.Request) (*rtcContext, bool, error) {
	rtcCtx := &rtcContext{
		reqCtx:  r.Context(),
		limiter: h.newLimiter(),
	}

	if h.jwtAuth == nil {
		rtcCtx.participantID = uuid.New().String()
		return rtcCtx, true, nil
	}

	ctx := r.Context()
	authAttempts.Add(ctx, 1)

	// Extract JWT from query parameter or header
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		authFailures.Add(ctx, 1)
		return nil, false, nil
	}

	payload, err := h.jwtAuth.Verify(token)
	if err != nil {
		authFailures.Add(ctx, 1)
		if errors.Is(err, jwt.ErrInvalidToken) || errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, jwt.ErrNoToken) {
			return nil, false, nil
		}
		return nil, false, err
	}
	rtcCtx.participantID = payload.ParticipantID
	rtcCtx.tokenRoomID = payload.RoomID

	return rtcCtx, true, nil
}

func (h *wsHookImpl) OnConnect(mctx jsonrpc.MethodContext[rtcContext]) {
	rtcCtx := mctx.Get()
	rtcCtx.connID = uuid.New().String()

	if !h.connGuard.MustHold(mctx) {
		wsRejectedTotal.Add(context.Background(), 1)
		return
	}

	h.connMgr.AddClient(rtcCtx.connID, mctx.Peer())
	wsConnectionsTotal.Add(context.Background(), 1)
	h.logger.Info("Client connected",
		log.String("connId", rtcCtx.connID),
		log.String("participantId", rtcCtx.participantID),
	)
}

func (h *wsHookImpl) OnDisconnect(mctx jsonrpc.MethodContext[rtcContext], errCode int) {
	rtcCtx := mctx.Get()
	connID := rtcCtx.connID

	if _, joined := rtcCtx.room(); joined {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		if err := h.leaver.Leave(ctx, rtcCtx); err != nil {
			h.logger.Error("Failed to leave room on disconnect",
				log.String("connId", connID),
				log.String("participantId", rtcCtx.participantID),
				log.Error(err),
			)
		}
		cancel()
	}

	h.connMgr.RemoveClient(connID)
	h.connGuard.Release(mctx)
	wsDisconnectsTotal.Add(context.Background(), 1)

	h.logger.Info("Client disconnected",
		log.String("connId", connID),
		log.Int("errorCode", errCode),
	)
}
