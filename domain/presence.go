package domain

import "time"

// Presence is the liveness record of one participant in one session.
type Presence struct {
	Participant   ParticipantID
	Session       SessionID
	LastHeartbeat time.Time
}

func (p Presence) Alive(now time.Time, timeout time.Duration) bool {
	if p.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(p.LastHeartbeat) <= timeout
}
