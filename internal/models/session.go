package models

import (
	"fmt"
	"time"
)

// SessionStatus lifecycle state of a video session.
type SessionStatus string

// Session statuses.
const (
	StatusScheduled SessionStatus = "scheduled"
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusEnded     SessionStatus = "ended"
	StatusFailed    SessionStatus = "failed"
)

// Joinable returns true if participants may still enter a session in this status.
func (s SessionStatus) Joinable() bool {
	return s == StatusWaiting || s == StatusActive || s == StatusScheduled
}

// Terminal returns true for statuses a session never leaves.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// EndReason cause of a session termination.
type EndReason string

// End reasons.
const (
	ReasonCompleted EndReason = "completed"
	ReasonTimeout   EndReason = "timeout"
	ReasonError     EndReason = "error"
	ReasonCancelled EndReason = "cancelled"
)

// Valid checks that the reason is one of the known end reasons.
func (r EndReason) Valid() bool {
	switch r {
	case ReasonCompleted, ReasonTimeout, ReasonError, ReasonCancelled:
		return true
	}
	return false
}

// TerminalStatus status a session ends up in when ended for this reason.
func (r EndReason) TerminalStatus() SessionStatus {
	if r == ReasonError || r == ReasonTimeout {
		return StatusFailed
	}
	return StatusEnded
}

// VideoSession a video call bound to one appointment.
type VideoSession struct {
	ID             string        `json:"id"`
	AppointmentID  string        `json:"appointmentId"`
	MediaSessionID string        `json:"mediaSessionId,omitempty"`
	RelayServer    string        `json:"relayServer,omitempty"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      *time.Time    `json:"startedAt,omitempty"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
	EndReason      EndReason     `json:"endReason,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	Participants   []Participant `json:"participants,omitempty"`
}

// ActiveParticipants returns the participants currently in the call.
func (s VideoSession) ActiveParticipants() []Participant {
	active := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.IsActive {
			active = append(active, p)
		}
	}
	return active
}

func (s VideoSession) String() string {
	return fmt.Sprintf(
		"VideoSession(id=%s, appointmentId=%s, status=%s, mediaSessionId=%s, relayServer=%s, createdAt=%v, participants=%d)",
		s.ID,
		s.AppointmentID,
		s.Status,
		s.MediaSessionID,
		s.RelayServer,
		s.CreatedAt,
		len(s.Participants),
	)
}

// Participant membership of a user in a session over time. Re-joins reactivate the same row.
type Participant struct {
	ID             string     `json:"id"`
	VideoSessionID string     `json:"videoSessionId"`
	UserType       UserType   `json:"userType"`
	UserID         string     `json:"userId"`
	Role           string     `json:"role,omitempty"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
	IsActive       bool       `json:"isActive"`
}

func (p Participant) String() string {
	return fmt.Sprintf(
		"Participant(id=%s, videoSessionId=%s, userType=%s, userId=%s, role=%s, isActive=%t)",
		p.ID,
		p.VideoSessionID,
		p.UserType,
		p.UserID,
		p.Role,
		p.IsActive,
	)
}

// CreateResult outcome of a create call.
type CreateResult struct {
	Session        VideoSession
	Grant          MediaGrant
	IsNewSession   bool
	JoinedExisting bool
}

// JoinResult outcome of a join call.
type JoinResult struct {
	Session VideoSession
	Grant   MediaGrant
}

// MediaGrant metadata a client needs to attach to the media transport of a session.
type MediaGrant struct {
	Token          string        `json:"token,omitempty"`
	MediaSessionID string        `json:"mediaSessionId,omitempty"`
	RelayServer    string        `json:"-"`
	ExpiresAt      time.Time     `json:"expiresAt"`
	TURN           TurnCandidate `json:"turn,omitempty"`
	STUN           StunCandidate `json:"stun,omitempty"`
}

// TurnCandidate ICE candidate for inititating a peer connection using a relay server.
type TurnCandidate struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
}

// StunCandidate ICE candidate for inititating a peer connection using a STUN server for network information exchange.
type StunCandidate struct {
	URL string `json:"url,omitempty"`
}
