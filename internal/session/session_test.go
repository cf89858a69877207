package session

import (
	"sync"
	"testing"
	"time"

	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/pending"
	"github.com/prudhvinik1/optisync/internal/store"
	"github.com/prudhvinik1/optisync/internal/subscription"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	base   = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	invKey = models.NewEntityKey("inventory_item", "sku-42")
)

func appendPatch(t *testing.T, s *Session, id string, at time.Duration, patch models.Data) {
	t.Helper()
	s.Apply(invKey, func(_ *store.Store, log *pending.Log) bool {
		_, err := log.Append(models.PendingMutation{
			ID:        id,
			Key:       invKey,
			Patch:     patch,
			State:     models.StateApplied,
			CreatedAt: base.Add(at),
		})
		require.NoError(t, err)
		return true
	})
}

func merge(s *Session, version int64, data models.Data) {
	s.Apply(invKey, func(st *store.Store, _ *pending.Log) bool {
		return st.Merge(invKey, version, data)
	})
}

func TestSession_View_NoPendingEqualsRecord(t *testing.T) {
	s := New()
	merge(s, 4, models.Data{"qty": 10, "bin": "A1"})

	v := s.View(invKey)

	rec, _ := s.Store().Get(invKey)
	assert.Equal(t, rec.Data, v.Data)
	assert.Equal(t, rec.Version, v.Version)
	assert.True(t, v.Exists)
	assert.Zero(t, v.Pending)
}

func TestSession_View_FoldsPatchesInCreatedAtOrder(t *testing.T) {
	s := New()
	merge(s, 1, models.Data{"a": 0, "b": 0})

	appendPatch(t, s, "second", 2*time.Second, models.Data{"b": 2})
	appendPatch(t, s, "first", 1*time.Second, models.Data{"a": 1})

	assert.Equal(t, models.Data{"a": 1, "b": 2}, s.View(invKey).Data)
}

func TestSession_View_FoldIndependentOfResolutionOrder(t *testing.T) {
	s := New()
	merge(s, 1, models.Data{"a": 0, "b": 0})
	appendPatch(t, s, "m1", 1*time.Second, models.Data{"a": 1})
	appendPatch(t, s, "m2", 2*time.Second, models.Data{"b": 2})
	appendPatch(t, s, "m3", 3*time.Second, models.Data{"c": 3})

	// Resolving a later mutation first leaves the other two folded.
	s.Apply(invKey, func(_ *store.Store, log *pending.Log) bool {
		_, err := log.Resolve("m3", models.Rejected("validation_failed"))
		return err == nil
	})

	assert.Equal(t, models.Data{"a": 1, "b": 2}, s.View(invKey).Data)
	assert.Equal(t, 2, s.View(invKey).Pending)
}

func TestSession_View_PatchWinsOverNewerBase(t *testing.T) {
	s := New()
	merge(s, 5, models.Data{"qty": 10, "note": "old"})
	appendPatch(t, s, "local", 0, models.Data{"qty": 11})

	merge(s, 6, models.Data{"qty": 12, "note": "remote"})

	v := s.View(invKey)
	assert.Equal(t, 11, v.Data["qty"], "pending patch is folded on top of the newer base")
	assert.Equal(t, "remote", v.Data["note"], "untouched fields follow the newer base")
	assert.Equal(t, int64(6), v.Version)
}

func TestSession_View_PendingCreation(t *testing.T) {
	s := New()
	appendPatch(t, s, "create", 0, models.Data{"name": "new pump"})

	v := s.View(invKey)

	assert.False(t, v.Exists)
	assert.Equal(t, 1, v.Pending)
	assert.Equal(t, models.Data{"name": "new pump"}, v.Data)
}

func TestSession_Subscribe_ReceivesMergesAndPatches(t *testing.T) {
	s := New()
	var views []subscription.View
	s.Subscribe(invKey, func(v subscription.View) { views = append(views, v) })

	merge(s, 1, models.Data{"qty": 1})
	appendPatch(t, s, "m1", 0, models.Data{"qty": 2})
	merge(s, 1, models.Data{"qty": 99}) // stale, no notification

	require.Len(t, views, 3)
	assert.False(t, views[0].Exists)
	assert.Equal(t, 1, views[1].Data["qty"])
	assert.Equal(t, 2, views[2].Data["qty"])
}

func TestSession_Keys_UnionsAllSources(t *testing.T) {
	s := New()
	merge(s, 1, models.Data{})
	other := models.NewEntityKey("lead", "l-9")
	s.Apply(other, func(_ *store.Store, log *pending.Log) bool {
		log.Append(models.PendingMutation{ID: "x", Key: other, CreatedAt: base})
		return true
	})
	watched := models.NewEntityKey("work_order", "wo-1")
	s.Subscribe(watched, func(subscription.View) {})

	assert.ElementsMatch(t, []models.EntityKey{invKey, other, watched}, s.Keys())
}

func TestSession_Close_StopsNotifications(t *testing.T) {
	s := New()
	calls := 0
	s.Subscribe(invKey, func(subscription.View) { calls++ })

	s.Close()
	merge(s, 3, models.Data{"qty": 3})

	assert.Equal(t, 1, calls)
	assert.True(t, s.Closed())
}

func TestSession_Apply_ConcurrentMergesKeepMaxVersion(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for v := int64(1); v <= 100; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			merge(s, v, models.Data{"v": v})
		}(v)
	}
	wg.Wait()

	view := s.View(invKey)
	assert.Equal(t, int64(100), view.Version)
	assert.Equal(t, int64(100), view.Data["v"])
}
