package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// Auth issues and checks signaling tokens. A token admits one participant
// into one room.
type Auth interface {
	Sign(participantID, roomID string) (string, error)
	Verify(tokenString string) (*Payload, error)
}

type Payload struct {
	ParticipantID string `json:"participantId"`
	RoomID        string `json:"roomId"`
	jwt.RegisteredClaims
}
