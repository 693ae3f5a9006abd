// Package domain contains the core concepts of a transfer session.
// Types here are pure values: no runtime, network, or storage logic.
package domain

import "github.com/google/uuid"

type SessionID string

type ParticipantID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Identity is what the authentication collaborator hands over for a device.
// Token is opaque to the core and only checked at the transport boundary.
type Identity struct {
	Participant ParticipantID `validate:"required"`
	Token       string
}

func (i Identity) Validate() error {
	return validate.Struct(i)
}
