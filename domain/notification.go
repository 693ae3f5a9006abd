package domain

// Notification is the push payload sent to a backgrounded participant.
type Notification struct {
	To             ParticipantID `json:"to" validate:"required"`
	Title          string        `json:"title" validate:"required"`
	Body           string        `json:"body" validate:"required"`
	SessionID      SessionID     `json:"sessionId" validate:"required"`
	SenderUsername string        `json:"senderUsername"`
}
