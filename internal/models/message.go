package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signaling message types.
const (
	TypeJoin              = "join"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICECandidate      = "ice-candidate"
	TypeLeave             = "leave"
	TypeParticipantUpdate = "participant-update"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeError             = "error"
)

// Message websocket signaling message. Never persisted.
type Message struct {
	Type         string          `json:"type"`
	UserID       string          `json:"userId,omitempty"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Participant  *Member         `json:"participant,omitempty"`
	Participants []Member        `json:"participants,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// Negotiation returns true for the WebRTC negotiation types.
func (m Message) Negotiation() bool {
	return m.Type == TypeOffer || m.Type == TypeAnswer || m.Type == TypeICECandidate
}

func (m Message) String() string {
	return fmt.Sprintf("Message(type=%s, userId=%s, targetUserId=%s, timestamp=%d)", m.Type, m.UserID, m.TargetUserID, m.Timestamp)
}

// Member live roster entry of a connected participant.
type Member struct {
	UserID   string    `json:"userId"`
	UserType UserType  `json:"userType"`
	Role     string    `json:"role,omitempty"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (m Member) String() string {
	return fmt.Sprintf("Member(userId=%s, userType=%s, role=%s)", m.UserID, m.UserType, m.Role)
}

// Timestamp unix milliseconds used to stamp relayed messages.
func Timestamp(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
