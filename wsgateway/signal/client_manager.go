package signal

import (
	"context"
	"sync"

	"github.com/imtaco/conf-sfu/internal/jsonrpc"
	"github.com/imtaco/conf-sfu/internal/log"
)

// Wire events pushed to clients.
const (
	EventNewProducer            = "newProducer"
	EventProducerClosed         = "producerClosed"
	EventHLSStreamReady         = "hlsStreamReady"
	EventHLSStreamFailed        = "hlsStreamFailed"
	EventDominantSpeakerChanged = "dominantSpeakerChanged"
	EventRoomParticipantCount   = "roomParticipantCount"
)

// WSConnManager tracks live connections and the room each one joined, and
// fans room events out to them.
type WSConnManager struct {
	conns        map[string]jsonrpc.Conn[rtcContext]            // connId -> conn
	room2clients map[string]map[string]jsonrpc.Conn[rtcContext] // roomId -> connId -> conn
	client2room  map[string]string                              // connId -> roomId
	clientsMux   sync.RWMutex
	logger       *log.Logger
}

func NewWSConnMgr(logger *log.Logger) *WSConnManager {
	return &WSConnManager{
		conns:        make(map[string]jsonrpc.Conn[rtcContext]),
		room2clients: make(map[string]map[string]jsonrpc.Conn[rtcContext]),
		client2room:  make(map[string]string),
		logger:       logger,
	}
}

func (m *WSConnManager) AddClient(connID string, conn jsonrpc.Conn[rtcContext]) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	m.conns[connID] = conn
	wsConnectionsActive.Add(context.Background(), 1)
	m.logger.Debug("Client added", log.String("connId", connID))
}

// JoinRoom moves a known connection into roomID, leaving any previous room.
func (m *WSConnManager) JoinRoom(connID, roomID string) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return
	}
	m.detach(connID)

	m.client2room[connID] = roomID
	room, ok := m.room2clients[roomID]
	if !ok {
		room = make(map[string]jsonrpc.Conn[rtcContext])
		m.room2clients[roomID] = room
	}
	room[connID] = conn

	m.logger.Debug("Client joined",
		log.String("connId", connID),
		log.String("roomId", roomID),
	)
}

func (m *WSConnManager) LeaveRoom(connID string) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()
	m.detach(connID)
}

func (m *WSConnManager) RemoveClient(connID string) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	if _, ok := m.conns[connID]; !ok {
		return
	}
	m.detach(connID)
	delete(m.conns, connID)
	wsConnectionsActive.Add(context.Background(), -1)

	m.logger.Debug("Client removed", log.String("connId", connID))
}

func (m *WSConnManager) RemoveRoom(roomID string) {
	m.clientsMux.Lock()
	defer m.clientsMux.Unlock()

	room, ok := m.room2clients[roomID]
	if !ok {
		return
	}
	for connID := range room {
		delete(m.client2room, connID)
	}
	delete(m.room2clients, roomID)

	m.logger.Debug("Room removed", log.String("roomId", roomID))
}

// detach requires clientsMux held.
func (m *WSConnManager) detach(connID string) {
	roomID, ok := m.client2room[connID]
	if !ok {
		return
	}
	if room, ok := m.room2clients[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(m.room2clients, roomID)
		}
	}
	delete(m.client2room, connID)
}

func (m *WSConnManager) ConnCount() int {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()
	return len(m.conns)
}

func (m *WSConnManager) RoomConnCount(roomID string) int {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()
	return len(m.room2clients[roomID])
}

func (m *WSConnManager) getRoomConns(roomID, exceptConnID string) []jsonrpc.Conn[rtcContext] {
	m.clientsMux.RLock()
	defer m.clientsMux.RUnlock()

	clients := m.room2clients[roomID]
	if len(clients) == 0 {
		return nil
	}

	conns := make([]jsonrpc.Conn[rtcContext], 0, len(clients))
	for connID, client := range clients {
		if connID == exceptConnID {
			continue
		}
		conns = append(conns, client)
	}
	return conns
}

// Broadcast notifies every connection in roomID except exceptConnID.
func (m *WSConnManager) Broadcast(roomID, exceptConnID, method string, data any) {
	for _, conn := range m.getRoomConns(roomID, exceptConnID) {
		m.notify(conn, method, data)
	}
	m.logger.Debug("Notified room peers",
		log.String("roomId", roomID),
		log.String("method", method),
	)
}

func (m *WSConnManager) notify(conn jsonrpc.Conn[rtcContext], method string, data any) {
	// writes are queued and bounded by the stream, the connection context
	// must outlive this call
	ctx := context.Background()
	if rtcCtx := conn.Context().Get(); rtcCtx != nil && rtcCtx.reqCtx != nil {
		ctx = rtcCtx.reqCtx
	}

	if err := conn.Notify(ctx, method, data); err != nil {
		notificationsFailed.Add(ctx, 1)
		m.logger.Warn("Failed to notify client",
			log.String("method", method),
			log.Error(err),
		)
		return
	}
	notificationsSent.Add(ctx, 1)
}

// DominantSpeakerChanged relays active speaker observer events to the room.
func (m *WSConnManager) DominantSpeakerChanged(roomID, participantID string) {
	m.Broadcast(roomID, "", EventDominantSpeakerChanged, map[string]string{
		"participantId": participantID,
	})
}
