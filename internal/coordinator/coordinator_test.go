package coordinator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/pending"
	"github.com/prudhvinik1/optisync/internal/session"
	"github.com/prudhvinik1/optisync/internal/store"
)

var stockKey = models.NewEntityKey("stock_level", "wh1-sku9")

// fakeDispatcher records requests and answers through respond.
type fakeDispatcher struct {
	mu       sync.Mutex
	requests []models.MutationRequest
	respond  func(ctx context.Context, req models.MutationRequest, call int) (*models.MutationResponse, error)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req models.MutationRequest) (*models.MutationResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := 0
	for _, r := range f.requests {
		if r.MutationID == req.MutationID {
			call++
		}
	}
	f.mu.Unlock()
	return f.respond(ctx, req, call)
}

func (f *fakeDispatcher) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.MutationID == id {
			n++
		}
	}
	return n
}

func (f *fakeDispatcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// gate blocks a dispatch until the test answers it.
type gate struct {
	answers chan func(models.MutationRequest) (*models.MutationResponse, error)
}

func newGate() *gate {
	return &gate{answers: make(chan func(models.MutationRequest) (*models.MutationResponse, error), 16)}
}

func (g *gate) respond(ctx context.Context, req models.MutationRequest, _ int) (*models.MutationResponse, error) {
	select {
	case answer := <-g.answers:
		return answer(req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) commit(version int64, data models.Data) {
	g.answers <- func(req models.MutationRequest) (*models.MutationResponse, error) {
		return &models.MutationResponse{MutationID: req.MutationID, FinalVersion: version, FinalData: data}, nil
	}
}

func (g *gate) reject(reason string) {
	g.answers <- func(req models.MutationRequest) (*models.MutationResponse, error) {
		return &models.MutationResponse{MutationID: req.MutationID, Rejection: &models.Rejection{Reason: reason}}, nil
	}
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		Multiplier:      2,
		DispatchTimeout: 2 * time.Second,
	}
}

func newTestCoordinator(t *testing.T, d Dispatcher, mutate func(*Config)) (*Coordinator, *session.Session) {
	t.Helper()
	sess := session.New()
	cfg := Config{Retry: fastPolicy(), Log: quietLog()}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(sess, d, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, sess
}

func seed(sess *session.Session, version int64, data models.Data) {
	sess.Apply(stockKey, func(st *store.Store, _ *pending.Log) bool {
		return st.Merge(stockKey, version, data)
	})
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestCoordinator_Submit_AppliesTentativelyThenCommits(t *testing.T) {
	g := newGate()
	d := &fakeDispatcher{respond: g.respond}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 5, models.Data{"qty": 10, "bin": "A"})

	h, err := c.Submit(stockKey, models.Data{"qty": 11})
	require.NoError(t, err)

	// ASSERT: visible before the server answers
	v := sess.View(stockKey)
	assert.Equal(t, 11, v.Data["qty"])
	assert.Equal(t, 1, v.Pending)
	require.Eventually(t, func() bool { return d.total() == 1 }, time.Second, time.Millisecond)

	pendingList := c.Pending(stockKey)
	require.Len(t, pendingList, 1)
	assert.Equal(t, int64(5), pendingList[0].BaseVersion)
	assert.True(t, pendingList[0].AppliedTentative)

	g.commit(6, models.Data{"qty": 11, "bin": "A"})
	res, err := h.Wait(waitCtx(t))

	require.NoError(t, err)
	assert.Equal(t, models.StateCommitted, res.State)
	assert.Equal(t, int64(6), res.Version)
	assert.Equal(t, 0, sess.Log().Len())
	rec, _ := sess.Store().Get(stockKey)
	assert.Equal(t, int64(6), rec.Version)
}

func TestCoordinator_RealtimeEventDuringPending_PatchWins(t *testing.T) {
	g := newGate()
	d := &fakeDispatcher{respond: g.respond}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 5, models.Data{"qty": 10})

	h, err := c.Submit(stockKey, models.Data{"qty": 11})
	require.NoError(t, err)
	assert.Equal(t, 11, sess.View(stockKey).Data["qty"])

	// Another user's edit lands first.
	seed(sess, 6, models.Data{"qty": 12, "reserved": 2})

	v := sess.View(stockKey)
	assert.Equal(t, 11, v.Data["qty"], "pending patch re-folds on the newer base")
	assert.Equal(t, 2, v.Data["reserved"])
	assert.Equal(t, int64(6), v.Version)
	assert.Equal(t, 1, v.Pending, "realtime event does not reject the mutation")

	g.commit(7, models.Data{"qty": 11, "reserved": 2})
	_, err = h.Wait(waitCtx(t))
	require.NoError(t, err)

	v = sess.View(stockKey)
	assert.Equal(t, models.Data{"qty": 11, "reserved": 2}, v.Data)
	assert.Equal(t, int64(7), v.Version)
}

func TestCoordinator_TransportTimeouts_ExhaustRetriesAsUnconfirmed(t *testing.T) {
	d := &fakeDispatcher{respond: func(ctx context.Context, _ models.MutationRequest, _ int) (*models.MutationResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	var resolved []Result
	var mu sync.Mutex
	c, sess := newTestCoordinator(t, d, func(cfg *Config) {
		cfg.Retry.DispatchTimeout = 10 * time.Millisecond
		cfg.OnResolved = func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			resolved = append(resolved, r)
		}
	})
	seed(sess, 5, models.Data{"qty": 10})

	h, err := c.Submit(stockKey, models.Data{"qty": 11})
	require.NoError(t, err)
	res, err := h.Wait(waitCtx(t))

	require.ErrorIs(t, err, ErrUnconfirmed)
	assert.Equal(t, models.StateUnconfirmed, res.State)
	assert.Equal(t, "unconfirmed", res.Reason)
	assert.Equal(t, 4, res.Attempts, "first attempt plus three retries")
	assert.Equal(t, 4, d.callsFor(h.ID()))

	assert.Equal(t, 0, sess.Log().Len())
	rec, _ := sess.Store().Get(stockKey)
	assert.Equal(t, int64(5), rec.Version)
	assert.Equal(t, models.Data{"qty": 10}, sess.View(stockKey).Data)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resolved, 1)
	assert.Equal(t, h.ID(), resolved[0].MutationID)
}

func TestCoordinator_TransportFailure_RetriesSameMutationID(t *testing.T) {
	d := &fakeDispatcher{}
	d.respond = func(_ context.Context, req models.MutationRequest, call int) (*models.MutationResponse, error) {
		if call < 3 {
			return nil, errors.New("connection reset")
		}
		return &models.MutationResponse{MutationID: req.MutationID, FinalVersion: 2, FinalData: req.Patch}, nil
	}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 1, models.Data{"qty": 1})

	h, err := c.Submit(stockKey, models.Data{"qty": 2})
	require.NoError(t, err)
	res, err := h.Wait(waitCtx(t))

	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, d.callsFor(h.ID()))
	assert.Equal(t, 3, d.total(), "every attempt reuses the mutation id")
}

func TestCoordinator_Rejection_RollsBackOnlyThatPatch(t *testing.T) {
	gates := map[string]*gate{}
	var gmu sync.Mutex
	gateFor := func(id string) *gate {
		gmu.Lock()
		defer gmu.Unlock()
		if gates[id] == nil {
			gates[id] = newGate()
		}
		return gates[id]
	}
	d := &fakeDispatcher{respond: func(ctx context.Context, req models.MutationRequest, call int) (*models.MutationResponse, error) {
		return gateFor(req.MutationID).respond(ctx, req, call)
	}}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 1, models.Data{"a": 0, "b": 0})

	first, err := c.Submit(stockKey, models.Data{"a": 1})
	require.NoError(t, err)
	second, err := c.Submit(stockKey, models.Data{"b": 2})
	require.NoError(t, err)
	assert.Equal(t, models.Data{"a": 1, "b": 2}, sess.View(stockKey).Data)

	gateFor(first.ID()).reject("permission_denied")
	res, err := first.Wait(waitCtx(t))

	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "permission_denied", res.Reason)
	assert.Equal(t, 1, d.callsFor(first.ID()), "rejections are never retried")

	v := sess.View(stockKey)
	assert.Equal(t, models.Data{"a": 0, "b": 2}, v.Data)
	assert.Equal(t, 1, v.Pending)

	gateFor(second.ID()).commit(2, models.Data{"a": 0, "b": 2})
	_, err = second.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestCoordinator_Commit_LaterPendingStaysFolded(t *testing.T) {
	gates := map[string]*gate{}
	var gmu sync.Mutex
	gateFor := func(id string) *gate {
		gmu.Lock()
		defer gmu.Unlock()
		if gates[id] == nil {
			gates[id] = newGate()
		}
		return gates[id]
	}
	d := &fakeDispatcher{respond: func(ctx context.Context, req models.MutationRequest, call int) (*models.MutationResponse, error) {
		return gateFor(req.MutationID).respond(ctx, req, call)
	}}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 1, models.Data{"status": "open", "owner": ""})

	first, _ := c.Submit(stockKey, models.Data{"owner": "kim"})
	second, _ := c.Submit(stockKey, models.Data{"status": "closed"})

	gateFor(first.ID()).commit(2, models.Data{"status": "open", "owner": "kim"})
	_, err := first.Wait(waitCtx(t))
	require.NoError(t, err)

	v := sess.View(stockKey)
	assert.Equal(t, models.Data{"status": "closed", "owner": "kim"}, v.Data)
	assert.Equal(t, int64(2), v.Version)
	assert.Equal(t, 1, v.Pending)
	_, done := second.Result()
	assert.False(t, done)

	gateFor(second.ID()).commit(3, models.Data{"status": "closed", "owner": "kim"})
	_, err = second.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestCoordinator_Commit_RoundTripEqualsFinalData(t *testing.T) {
	final := models.Data{"qty": 40, "uom": "ea", "updated_by": "server"}
	d := &fakeDispatcher{respond: func(_ context.Context, req models.MutationRequest, _ int) (*models.MutationResponse, error) {
		return &models.MutationResponse{MutationID: req.MutationID, FinalVersion: 9, FinalData: final}, nil
	}}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 8, models.Data{"qty": 30, "uom": "ea"})

	h, err := c.Submit(stockKey, models.Data{"qty": 40})
	require.NoError(t, err)
	_, err = h.Wait(waitCtx(t))
	require.NoError(t, err)

	v := sess.View(stockKey)
	assert.Equal(t, final, v.Data)
	assert.Zero(t, v.Pending)
}

func TestCoordinator_Commit_OlderThanRealtimeKeepsNewerBase(t *testing.T) {
	g := newGate()
	d := &fakeDispatcher{respond: g.respond}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 5, models.Data{"qty": 10})

	h, _ := c.Submit(stockKey, models.Data{"qty": 11})
	seed(sess, 8, models.Data{"qty": 14})

	g.commit(6, models.Data{"qty": 11})
	_, err := h.Wait(waitCtx(t))
	require.NoError(t, err)

	rec, _ := sess.Store().Get(stockKey)
	assert.Equal(t, int64(8), rec.Version)
	assert.Equal(t, models.Data{"qty": 14}, sess.View(stockKey).Data)
}

func TestCoordinator_Cancel_BeforeDispatch(t *testing.T) {
	d := &fakeDispatcher{respond: func(context.Context, models.MutationRequest, int) (*models.MutationResponse, error) {
		return nil, errors.New("must not be called")
	}}
	c, sess := newTestCoordinator(t, d, func(cfg *Config) { cfg.DispatchDelay = time.Hour })
	seed(sess, 1, models.Data{"qty": 1})

	h, err := c.Submit(stockKey, models.Data{"qty": 2})
	require.NoError(t, err)
	assert.Equal(t, 2, sess.View(stockKey).Data["qty"])

	require.NoError(t, c.Cancel(h.ID()))

	res, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, models.StateCancelled, res.State)
	assert.Equal(t, 1, sess.View(stockKey).Data["qty"])
	assert.Equal(t, 0, d.total())
	assert.ErrorIs(t, c.Cancel(h.ID()), ErrUnknownMutation)
}

func TestCoordinator_Cancel_AfterDispatchFails(t *testing.T) {
	g := newGate()
	d := &fakeDispatcher{respond: g.respond}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 1, models.Data{"qty": 1})

	h, _ := c.Submit(stockKey, models.Data{"qty": 2})
	require.Eventually(t, func() bool { return d.total() == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, c.Cancel(h.ID()), ErrAlreadyDispatched)

	g.commit(2, models.Data{"qty": 2})
	_, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
}

func TestCoordinator_Update_DiffsAgainstTentativeView(t *testing.T) {
	g := newGate()
	d := &fakeDispatcher{respond: g.respond}
	c, sess := newTestCoordinator(t, d, nil)
	seed(sess, 1, models.Data{"a": 1, "b": 1})

	_, err := c.Submit(stockKey, models.Data{"a": 2})
	require.NoError(t, err)

	var seen models.Data
	h, err := c.Update(stockKey, func(view models.Data) models.Data {
		seen = view
		return models.Data{"a": 2, "b": 3}
	})
	require.NoError(t, err)

	assert.Equal(t, models.Data{"a": 2, "b": 1}, seen, "edits stack on the tentative view")
	list := c.Pending(stockKey)
	require.Len(t, list, 2)
	assert.Equal(t, h.ID(), list[1].ID)
	assert.Equal(t, models.Data{"b": 3}, list[1].Patch)

	_, err = c.Update(stockKey, func(view models.Data) models.Data { return view })
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestCoordinator_Submit_Validation(t *testing.T) {
	c, _ := newTestCoordinator(t, &fakeDispatcher{}, nil)

	_, err := c.Submit(models.EntityKey{Type: "lead"}, models.Data{"x": 1})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = c.Submit(stockKey, models.Data{})
	assert.ErrorIs(t, err, ErrEmptyPatch)
}

func TestCoordinator_Close_AbortsInFlightAsUnconfirmed(t *testing.T) {
	g := newGate()
	d := &fakeDispatcher{respond: g.respond}
	sess := session.New()
	c := New(sess, d, Config{Retry: fastPolicy(), Log: quietLog()})
	seed(sess, 1, models.Data{"qty": 1})

	h, err := c.Submit(stockKey, models.Data{"qty": 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.total() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Close(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	res, _ := h.Result()
	assert.Equal(t, models.StateUnconfirmed, res.State)
	assert.Equal(t, 0, sess.Log().Len())

	_, err = c.Submit(stockKey, models.Data{"qty": 3})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCoordinator_Close_CancelsUndispatched(t *testing.T) {
	d := &fakeDispatcher{}
	sess := session.New()
	c := New(sess, d, Config{Retry: fastPolicy(), Log: quietLog(), DispatchDelay: time.Hour})

	h, err := c.Submit(stockKey, models.Data{"qty": 2})
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))

	res, ok := h.Result()
	require.True(t, ok)
	assert.Equal(t, models.StateCancelled, res.State)
	assert.Equal(t, 0, d.total())
}
