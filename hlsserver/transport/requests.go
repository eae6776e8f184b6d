package transport

// GenerateTokenRequest asks for a signaling token bound to a room.
type GenerateTokenRequest struct {
	RoomID string `json:"roomId" binding:"required,roomid"`
	// ParticipantID is optional; a random id is issued when empty.
	ParticipantID string `json:"participantId" binding:"omitempty,participantid"`
}

// HLSFileRequest addresses one file of a composite stream.
type HLSFileRequest struct {
	StreamID string `uri:"streamId" binding:"required,streamid"`
	File     string `uri:"file" binding:"required"`
}
