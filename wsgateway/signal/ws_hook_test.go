package signal

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/engine/enginetest"
	"github.com/imtaco/conf-sfu/internal/errors"
	wsrpc "github.com/imtaco/conf-sfu/internal/jsonrpc/websocket"
	"github.com/imtaco/conf-sfu/internal/jwt"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/rooms"
	"github.com/imtaco/conf-sfu/rooms/service"
	"github.com/imtaco/conf-sfu/workers"
	"github.com/imtaco/conf-sfu/wsgateway"
)

type WSHookSuite struct {
	suite.Suite
	ctx      context.Context
	pool     workers.Pool
	registry rooms.Registry
	connMgr  *WSConnManager
	guard    ConnectionGuard
	leaver   *RoomLeaver
	auth     jwt.Auth
	cfg      *wsgateway.Config
}

func TestWSHookSuite(t *testing.T) {
	suite.Run(t, new(WSHookSuite))
}

func (s *WSHookSuite) SetupTest() {
	s.ctx = context.Background()
	logger := log.NewNop()

	s.pool = workers.NewPool(&workers.Config{Count: 1, PortBase: 10000, UsageInterval: time.Hour}, enginetest.New(), logger)
	s.Require().NoError(s.pool.Initialize(s.ctx))
	s.registry = service.NewRegistry(
		&rooms.Config{SpeakerInterval: 300 * time.Millisecond},
		s.pool,
		engine.WebRtcTransportOptions{ListenIPs: []engine.ListenIP{{IP: "127.0.0.1"}}},
		logger,
	)
	s.connMgr = NewWSConnMgr(logger)
	s.guard = NewConnGuard(logger)
	s.leaver = NewRoomLeaver(s.registry, s.connMgr, logger)
	s.auth = jwt.NewAuth("test-secret")
	s.cfg = &wsgateway.Config{RateLimit: 10, RateBurst: 20}
}

func (s *WSHookSuite) TearDownTest() {
	s.registry.CloseAll(s.ctx)
	s.pool.Close()
}

func (s *WSHookSuite) hook(auth jwt.Auth) wsrpc.ConnectionHooks[rtcContext] {
	return NewWSHook(s.cfg, s.connMgr, s.guard, s.leaver, auth, log.NewNop())
}

func (s *WSHookSuite) TestOnVerifyAnonymous() {
	h := s.hook(nil)

	c1, pass, err := h.OnVerify(httptest.NewRequest("GET", "/ws", nil))
	s.Require().NoError(err)
	s.True(pass)
	c2, _, _ := h.OnVerify(httptest.NewRequest("GET", "/ws", nil))

	s.NotEmpty(c1.participantID)
	s.NotEqual(c1.participantID, c2.participantID)
	s.Empty(c1.tokenRoomID)
	s.NotNil(c1.limiter)
}

func (s *WSHookSuite) TestOnVerifyQueryToken() {
	token, err := s.auth.Sign("alice", "R1")
	s.Require().NoError(err)

	rtcCtx, pass, err := s.hook(s.auth).OnVerify(httptest.NewRequest("GET", "/ws?token="+token, nil))
	s.Require().NoError(err)
	s.True(pass)
	s.Equal("alice", rtcCtx.participantID)
	s.Equal("R1", rtcCtx.tokenRoomID)
}

func (s *WSHookSuite) TestOnVerifyBearerToken() {
	token, err := s.auth.Sign("bob", "R2")
	s.Require().NoError(err)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rtcCtx, pass, err := s.hook(s.auth).OnVerify(req)
	s.Require().NoError(err)
	s.True(pass)
	s.Equal("bob", rtcCtx.participantID)
}

func (s *WSHookSuite) TestOnVerifyRejects() {
	h := s.hook(s.auth)

	_, pass, err := h.OnVerify(httptest.NewRequest("GET", "/ws", nil))
	s.NoError(err)
	s.False(pass)

	_, pass, err = h.OnVerify(httptest.NewRequest("GET", "/ws?token=garbage", nil))
	s.NoError(err)
	s.False(pass)

	other, err := jwt.NewAuth("other-secret").Sign("alice", "R1")
	s.Require().NoError(err)
	_, pass, err = h.OnVerify(httptest.NewRequest("GET", "/ws?token="+other, nil))
	s.NoError(err)
	s.False(pass)
}

func (s *WSHookSuite) TestOnVerifyRejectsExpiredToken() {
	clock := clockwork.NewFakeClock()
	auth := jwt.NewAuth("test-secret", jwt.WithClock(clock), jwt.WithTTL(time.Minute))
	token, err := auth.Sign("alice", "R1")
	s.Require().NoError(err)

	clock.Advance(2 * time.Minute)
	_, pass, err := s.hook(auth).OnVerify(httptest.NewRequest("GET", "/ws?token="+token, nil))
	s.NoError(err)
	s.False(pass)
}

func (s *WSHookSuite) TestOnConnectRegistersClient() {
	h := s.hook(nil)
	rtcCtx, _, _ := h.OnVerify(httptest.NewRequest("GET", "/ws", nil))
	c := newMockConn(rtcCtx)

	h.OnConnect(c.mctx)
	s.NotEmpty(rtcCtx.connID)
	s.Equal(1, s.connMgr.ConnCount())

	h.OnDisconnect(c.mctx, 1000)
	s.Equal(0, s.connMgr.ConnCount())
}

func (s *WSHookSuite) TestDuplicateParticipantRejected() {
	h := s.hook(nil)
	first := newMockConn(&rtcContext{participantID: "alice", reqCtx: s.ctx})
	second := newMockConn(&rtcContext{participantID: "alice", reqCtx: s.ctx})

	h.OnConnect(first.mctx)
	h.OnConnect(second.mctx)

	s.True(second.closed.Load())
	s.Equal(1, s.connMgr.ConnCount())

	// the loser's disconnect must not free the winner's claim
	h.OnDisconnect(second.mctx, 1000)
	s.Equal(1, s.connMgr.ConnCount())
	s.False(s.guard.MustHold(newMockConn(&rtcContext{connID: "c3", participantID: "alice"}).mctx))
}

func (s *WSHookSuite) TestDisconnectLeavesRoom() {
	h := s.hook(nil)
	a := newMockConn(&rtcContext{participantID: "a", reqCtx: s.ctx})
	b := newMockConn(&rtcContext{participantID: "b", reqCtx: s.ctx})
	h.OnConnect(a.mctx)
	h.OnConnect(b.mctx)

	for _, c := range []*mockConn{a, b} {
		rtcCtx := c.mctx.Get()
		_, err := s.registry.CreateRoom(s.ctx, "R1")
		s.Require().NoError(err)
		_, err = s.registry.JoinRoom(s.ctx, "R1", rtcCtx.participantID)
		s.Require().NoError(err)
		rtcCtx.setRoom("R1")
		s.connMgr.JoinRoom(rtcCtx.connID, "R1")
	}

	h.OnDisconnect(a.mctx, 1006)
	s.Equal([]any{map[string]string{"participantId": "a"}}, b.withMethod(EventProducerClosed))
	state, err := s.registry.RoomState("R1")
	s.Require().NoError(err)
	s.Len(state.Participants, 1)

	h.OnDisconnect(b.mctx, 1006)
	_, err = s.registry.RoomState("R1")
	s.True(errors.Is(err, errors.ErrNotFound))
	s.Equal(0, s.connMgr.ConnCount())
}
