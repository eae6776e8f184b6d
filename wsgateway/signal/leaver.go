package signal

import (
	"context"

	"github.com/imtaco/conf-sfu/internal/errors"
	"github.com/imtaco/conf-sfu/internal/log"
	"github.com/imtaco/conf-sfu/rooms"
)

// RoomLeaver runs the full teardown of a connection's room membership. It
// backs both the leaveRoom request and the implicit leave on disconnect.
type RoomLeaver struct {
	registry rooms.Registry
	connMgr  *WSConnManager
	logger   *log.Logger
}

func NewRoomLeaver(registry rooms.Registry, connMgr *WSConnManager, logger *log.Logger) *RoomLeaver {
	return &RoomLeaver{
		registry: registry,
		connMgr:  connMgr,
		logger:   logger,
	}
}

func (l *RoomLeaver) Leave(ctx context.Context, rtcCtx *rtcContext) error {
	roomID, joined := rtcCtx.clearRoom()
	if !joined {
		return errors.New(errors.ErrInvalidState, "not joined to any room")
	}
	l.connMgr.LeaveRoom(rtcCtx.connID)

	result, err := l.registry.LeaveRoom(ctx, roomID, rtcCtx.participantID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			// room already gone, nothing left to tell
			return nil
		}
		return err
	}

	l.connMgr.Broadcast(roomID, rtcCtx.connID, EventProducerClosed, map[string]string{
		"participantId": rtcCtx.participantID,
	})
	if result.Closed {
		// connections still indexed under the room can no longer reach it
		l.connMgr.RemoveRoom(roomID)
	} else {
		l.connMgr.Broadcast(roomID, "", EventRoomParticipantCount, participantCount{
			RoomID: roomID,
			Count:  result.Remaining,
		})
	}

	l.logger.Info("Participant left",
		log.String("roomId", roomID),
		log.String("participantId", rtcCtx.participantID),
		log.Int("remaining", result.Remaining),
		log.Int("roomConns", l.connMgr.RoomConnCount(roomID)),
		log.Bool("roomClosed", result.Closed),
	)
	return nil
}

type participantCount struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}
