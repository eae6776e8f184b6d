package signal

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/imtaco/conf-sfu/internal/engine"
	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/jsonrpc"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/mixers"
	"github.com/imtaco/conf-sfu/rooms"
)

// joinAttempts bounds retries when the room is destroyed by a concurrent
// last leave between create and join.
const joinAttempts = 3

type Server struct {
	jsonrpc.Handler[rtcContext]
	registry   rooms.Registry
	compositor mixers.Compositor
	connMgr    *WSConnManager
	leaver     *RoomLeaver
	logger     *log.Logger
}

func NewServer(
	handler jsonrpc.Handler[rtcContext],
	registry rooms.Registry,
	compositor mixers.Compositor,
	connMgr *WSConnManager,
	leaver *RoomLeaver,
	logger *log.Logger,
) *Server {
	return &Server{
		Handler:    handler,
		registry:   registry,
		compositor: compositor,
		connMgr:    connMgr,
		leaver:     leaver,
		logger:     logger,
	}
}

func (s *Server) Open(context.Context) error {
	s.logger.Info("Opening Signal Server")
	s.register()
	return nil
}

func (s *Server) Close() error {
	s.logger.Info("Closing Signal Server")
	return nil
}

func (s *Server) register() {
	// handlers run on the connection's read loop, one request at a time
	s.def("joinRoom", s.handleJoin)
	s.def("leaveRoom", s.handleLeave)
	s.def("getRtpCapabilities", s.handleRtpCapabilities)
	s.def("createTransport", s.handleCreateTransport)
	s.def("createWebRtcTransport", s.handleCreateTransport)
	s.def("connectTransport", s.handleConnectTransport)
	s.def("produce", s.handleProduce)
	s.def("consume", s.handleConsume)
	s.def("resume", s.handleResume)
	s.def("getProducers", s.handleGetProducers)
	s.def("getRoomState", s.handleRoomState)
	s.def("startHLS", s.handleStartHLS)
	s.def("stopHLS", s.handleStopHLS)
}

// def wraps a handler with the per-connection rate limit and request metrics.
func (s *Server) def(method string, handler jsonrpc.MethodHandler[rtcContext]) {
	attrs := metric.WithAttributes(attribute.String("method", method))
	s.Def(method, func(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
		ctx := context.Background()
		rpcRequestsTotal.Add(ctx, 1, attrs)

		if !mctx.Get().allow() {
			rpcRateLimited.Add(ctx, 1, attrs)
			return nil, jsonrpc.ErrRateLimited()
		}

		result, err := handler(mctx, params)
		if err != nil {
			rpcRequestsFailed.Add(ctx, 1, attrs)
		}
		return result, err
	})
}

// bind treats missing params as an empty object so requests whose fields
// are all optional can omit them.
func bind(params *json.RawMessage, v any) error {
	if params == nil {
		empty := json.RawMessage("{}")
		params = &empty
	}
	return jsonrpc.ShouldBindParams(params, v)
}

// joinedRoom resolves the room a request targets. roomId may be omitted
// after join; when given it must match the joined room.
func joinedRoom(rtcCtx *rtcContext, requested string) (string, error) {
	roomID, joined := rtcCtx.room()
	if !joined {
		return "", errors.New(errors.ErrInvalidState, "not joined to any room")
	}
	if requested != "" && requested != roomID {
		return "", errors.Newf(errors.ErrInvalidState, "not joined to room %s", requested)
	}
	return roomID, nil
}

// anyRoom resolves read-only requests that are allowed before join.
func anyRoom(rtcCtx *rtcContext, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	return joinedRoom(rtcCtx, "")
}

type roomParams struct {
	RoomID string `json:"roomId" validate:"omitempty,roomid"`
}

func (s *Server) handleJoin(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()
	if _, joined := rtcCtx.room(); joined {
		return nil, errors.New(errors.ErrInvalidState, "already joined")
	}

	var data struct {
		RoomID string `json:"roomId" validate:"required,roomid"`
	}
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	if rtcCtx.tokenRoomID != "" && rtcCtx.tokenRoomID != data.RoomID {
		return nil, jsonrpc.ErrInvalidRequest("room not permitted by token")
	}

	ctx := rtcCtx.reqCtx
	producers, err := s.createAndJoin(ctx, data.RoomID, rtcCtx.participantID)
	if err != nil {
		return nil, err
	}

	rtcCtx.setRoom(data.RoomID)
	s.connMgr.JoinRoom(rtcCtx.connID, data.RoomID)
	s.broadcastCount(data.RoomID)

	if producers == nil {
		producers = []rooms.ProducerInfo{}
	}
	return producers, nil
}

func (s *Server) createAndJoin(ctx context.Context, roomID, participantID string) ([]rooms.ProducerInfo, error) {
	var err error
	for range joinAttempts {
		if _, err = s.registry.CreateRoom(ctx, roomID); err != nil {
			return nil, err
		}
		var producers []rooms.ProducerInfo
		producers, err = s.registry.JoinRoom(ctx, roomID, participantID)
		if err == nil {
			return producers, nil
		}
		if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		s.logger.Debug("Room vanished before join, retrying", log.String("roomId", roomID))
	}
	return nil, err
}

func (s *Server) broadcastCount(roomID string) {
	state, err := s.registry.RoomState(roomID)
	if err != nil {
		s.logger.Debug("Skip participant count broadcast",
			log.String("roomId", roomID),
			log.Error(err))
		return
	}
	s.connMgr.Broadcast(roomID, "", EventRoomParticipantCount, participantCount{
		RoomID: roomID,
		Count:  len(state.Participants),
	})
}

func (s *Server) handleLeave(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data roomParams
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	if _, err := joinedRoom(rtcCtx, data.RoomID); err != nil {
		return nil, err
	}

	if err := s.leaver.Leave(rtcCtx.reqCtx, rtcCtx); err != nil {
		return nil, err
	}
	//nolint:nilnil
	return nil, nil
}

func (s *Server) handleRtpCapabilities(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	var data roomParams
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := anyRoom(mctx.Get(), data.RoomID)
	if err != nil {
		return nil, err
	}
	return s.registry.RtpCapabilities(roomID)
}

func (s *Server) handleCreateTransport(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data struct {
		RoomID string `json:"roomId" validate:"omitempty,roomid"`
		Role   string `json:"role" validate:"omitempty,transportrole"`
		Type   string `json:"type" validate:"omitempty,transportrole"`
	}
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	role := data.Role
	if role == "" {
		role = data.Type
	}
	if role == "" {
		return nil, jsonrpc.ErrInvalidParams("invalid params: role")
	}
	roomID, err := joinedRoom(rtcCtx, data.RoomID)
	if err != nil {
		return nil, err
	}
	return s.registry.CreateTransport(rtcCtx.reqCtx, roomID, rtcCtx.participantID, rooms.TransportRole(role))
}

func (s *Server) handleConnectTransport(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data struct {
		RoomID         string                 `json:"roomId" validate:"omitempty,roomid"`
		TransportID    string                 `json:"transportId" validate:"required"`
		DtlsParameters *engine.DtlsParameters `json:"dtlsParameters" validate:"required"`
	}
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := joinedRoom(rtcCtx, data.RoomID)
	if err != nil {
		return nil, err
	}

	err = s.registry.ConnectTransport(rtcCtx.reqCtx, roomID, rtcCtx.participantID, data.TransportID, *data.DtlsParameters)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"connected": true}, nil
}

func (s *Server) handleProduce(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data struct {
		RoomID        string                `json:"roomId" validate:"omitempty,roomid"`
		Kind          string                `json:"kind" validate:"required,mediakind"`
		RtpParameters *engine.RtpParameters `json:"rtpParameters" validate:"required"`
	}
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := joinedRoom(rtcCtx, data.RoomID)
	if err != nil {
		return nil, err
	}

	producerID, err := s.registry.Produce(rtcCtx.reqCtx, roomID, rtcCtx.participantID,
		engine.MediaKind(data.Kind), *data.RtpParameters)
	if err != nil {
		return nil, err
	}

	s.connMgr.Broadcast(roomID, rtcCtx.connID, EventNewProducer, rooms.ProducerInfo{
		ProducerID:    producerID,
		ParticipantID: rtcCtx.participantID,
		Kind:          engine.MediaKind(data.Kind),
	})
	return map[string]string{"producerId": producerID}, nil
}

func (s *Server) handleConsume(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data struct {
		RoomID              string                  `json:"roomId" validate:"omitempty,roomid"`
		SourceParticipantID string                  `json:"sourceParticipantId" validate:"required,participantid"`
		RtpCapabilities     *engine.RtpCapabilities `json:"rtpCapabilities" validate:"required"`
	}
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := joinedRoom(rtcCtx, data.RoomID)
	if err != nil {
		return nil, err
	}

	consumers, err := s.registry.Consume(rtcCtx.reqCtx, roomID, rtcCtx.participantID,
		data.SourceParticipantID, *data.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	if consumers == nil {
		consumers = []rooms.ConsumerInfo{}
	}
	return consumers, nil
}

func (s *Server) handleResume(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data struct {
		RoomID     string `json:"roomId" validate:"omitempty,roomid"`
		ConsumerID string `json:"consumerId" validate:"required"`
	}
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := joinedRoom(rtcCtx, data.RoomID)
	if err != nil {
		return nil, err
	}

	if err := s.registry.Resume(rtcCtx.reqCtx, roomID, rtcCtx.participantID, data.ConsumerID); err != nil {
		return nil, err
	}
	return map[string]bool{"resumed": true}, nil
}

func (s *Server) handleGetProducers(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data roomParams
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := joinedRoom(rtcCtx, data.RoomID)
	if err != nil {
		return nil, err
	}

	producers, err := s.registry.Producers(roomID, rtcCtx.participantID)
	if err != nil {
		return nil, err
	}
	if producers == nil {
		producers = []rooms.ProducerInfo{}
	}
	return producers, nil
}

func (s *Server) handleRoomState(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	var data roomParams
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := anyRoom(mctx.Get(), data.RoomID)
	if err != nil {
		return nil, err
	}
	return s.registry.RoomState(roomID)
}

func (s *Server) handleStartHLS(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	rtcCtx := mctx.Get()

	var data roomParams
	if err := bind(params, &data); err != nil {
		return nil, err
	}
	roomID, err := joinedRoom(rtcCtx, data.RoomID)
	if err != nil {
		return nil, err
	}

	sources, err := s.registry.StreamSources(roomID)
	if err != nil {
		return nil, err
	}

	// the outcome is delivered to the requester only
	peer := mctx.Peer()
	return s.compositor.Start(rtcCtx.reqCtx, mixers.StartRequest{
		RoomID: sources.RoomID,
		Router: sources.Router,
		Audio:  sources.Audio,
		Video:  sources.Video,
		OnResolved: func(streamID string, err error) {
			if err == nil {
				s.connMgr.notify(peer, EventHLSStreamReady, map[string]string{
					"streamId": streamID,
				})
				return
			}
			s.connMgr.notify(peer, EventHLSStreamFailed, map[string]string{
				"streamId": streamID,
				"error":    errors.Message(err),
			})
		},
	})
}

func (s *Server) handleStopHLS(mctx jsonrpc.MethodContext[rtcContext], params *json.RawMessage) (any, error) {
	var data struct {
		StreamID string `json:"streamId" validate:"required,streamid"`
	}
	if err := bind(params, &data); err != nil {
		return nil, err
	}

	if err := s.compositor.Stop(mctx.Get().reqCtx, data.StreamID); err != nil {
		return nil, err
	}
	return map[string]bool{"stopped": true}, nil
}
