package signal

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// rtcContext is the per-connection state shared by every request on it.
type rtcContext struct {
	connID        string
	participantID string
	// tokenRoomID pins the connection to one room when a JWT carried it.
	tokenRoomID string
	reqCtx      context.Context
	limiter     *rate.Limiter

	mu     sync.Mutex
	roomID string
	joined bool
}

func (c *rtcContext) room() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.joined
}

func (c *rtcContext) setRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
	c.joined = true
}

// clearRoom marks the connection as outside any room and returns the room
// it was in.
func (c *rtcContext) clearRoom() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomID, joined := c.roomID, c.joined
	c.roomID, c.joined = "", false
	return roomID, joined
}

func (c *rtcContext) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}
