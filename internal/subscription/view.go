package subscription

import "github.com/prudhvinik1/optisync/internal/models"

// View is the reconciled value handed to subscribers: the last confirmed
// record with every pending patch for the key folded on top.
type View struct {
	Key     models.EntityKey `json:"key"`
	Version int64            `json:"version"`
	Data    models.Data      `json:"data"`
	// Exists is false until the server has confirmed a record for Key.
	Exists bool `json:"exists"`
	// Pending counts local mutations folded into Data.
	Pending int `json:"pending"`
}

func (v View) Equal(other View) bool {
	return v.Key == other.Key &&
		v.Version == other.Version &&
		v.Exists == other.Exists &&
		v.Pending == other.Pending &&
		v.Data.Equal(other.Data)
}

func equalViews(a, b []View) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Source computes views. It is implemented by the session that owns the
// entity store and pending log.
type Source interface {
	View(key models.EntityKey) View
	ViewsOf(entityType string) []View
}
