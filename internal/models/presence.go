package models

import "time"

// Presence records a client currently attached to the event stream.
type Presence struct {
	ClientID    string    `json:"client_id"`
	Subject     string    `json:"subject"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}
