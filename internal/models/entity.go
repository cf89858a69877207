package models

import (
	"fmt"
	"time"
)

// EntityKey identifies a record across every business module.
// Two keys are equal only when both Type and ID match exactly.
type EntityKey struct {
	Type string `json:"entity_type"`
	ID   string `json:"entity_id"`
}

func NewEntityKey(entityType, id string) EntityKey {
	return EntityKey{Type: entityType, ID: id}
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

func (k EntityKey) Valid() bool {
	return k.Type != "" && k.ID != ""
}

// EntityRecord is a server-confirmed state of an entity.
type EntityRecord struct {
	Key             EntityKey `json:"key"`
	Version         int64     `json:"version"`
	Data            Data      `json:"data"`
	LastConfirmedAt time.Time `json:"last_confirmed_at"`
}

// Clone returns a copy that shares no maps with r.
func (r EntityRecord) Clone() EntityRecord {
	r.Data = r.Data.Clone()
	return r
}
