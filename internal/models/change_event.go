package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeEvent is a server-authoritative change pushed over the realtime channel.
type ChangeEvent struct {
	ID             uuid.UUID `json:"id"`
	Key            EntityKey `json:"key"`
	Version        int64     `json:"version"`
	Data           Data      `json:"data"`
	MutationID     string    `json:"mutation_id,omitempty"`
	SequenceNumber int64     `json:"sequence_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChannelSignal is a connection-level notification from the realtime channel.
type ChannelSignal string

const (
	SignalConnected    ChannelSignal = "connected"
	SignalDisconnected ChannelSignal = "disconnected"
)

// ChannelMessage is one item read from the realtime channel: either a change
// event or a signal.
type ChannelMessage struct {
	Signal ChannelSignal `json:"signal,omitempty"`
	Event  *ChangeEvent  `json:"event,omitempty"`
}

// Snapshot is the full server state of one key, used for resync.
type Snapshot struct {
	Key     EntityKey `json:"key"`
	Version int64     `json:"version"`
	Data    Data      `json:"data"`
	Found   bool      `json:"found"`
}
