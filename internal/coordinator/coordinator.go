package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/optisync/internal/metrics"
	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/pending"
	"github.com/prudhvinik1/optisync/internal/session"
	"github.com/prudhvinik1/optisync/internal/store"
)

// Dispatcher sends a mutation to the server. A response with a Rejection is a
// semantic refusal; an error is a transport failure and may be retried with
// the same mutation id.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.MutationRequest) (*models.MutationResponse, error)
}

type DispatchFunc func(ctx context.Context, req models.MutationRequest) (*models.MutationResponse, error)

func (f DispatchFunc) Dispatch(ctx context.Context, req models.MutationRequest) (*models.MutationResponse, error) {
	return f(ctx, req)
}

// Coordinator applies local edits tentatively, dispatches them and repairs
// the session state when the server answers.
//
// Per mutation: Applied (tentative, cancellable) -> Dispatched -> one of
// Committed, Rejected, Unconfirmed. Cancelled is reachable only before dispatch.
type Coordinator struct {
	sess       *session.Session
	dispatcher Dispatcher
	cfg        Config
	log        *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

func New(sess *session.Session, dispatcher Dispatcher, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		sess:       sess,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        cfg.Log.WithField("component", "coordinator"),
		ctx:        ctx,
		cancel:     cancel,
		handles:    make(map[string]*Handle),
	}
}

// Submit applies patch on top of the current tentative view of key and
// dispatches it in the background.
func (c *Coordinator) Submit(key models.EntityKey, patch models.Data) (*Handle, error) {
	if len(patch) == 0 {
		return nil, ErrEmptyPatch
	}
	return c.submit(key, func(models.Data) (models.Data, error) {
		return patch.Clone(), nil
	})
}

// Update lets the caller derive the change from the current tentative view.
// fn receives a copy of the view and returns the fields it wants; only the
// fields that differ become the patch.
func (c *Coordinator) Update(key models.EntityKey, fn func(view models.Data) models.Data) (*Handle, error) {
	return c.submit(key, func(view models.Data) (models.Data, error) {
		patch := view.Diff(fn(view.Clone()))
		if len(patch) == 0 {
			return nil, ErrEmptyPatch
		}
		return patch, nil
	})
}

func (c *Coordinator) submit(key models.EntityKey, compute func(view models.Data) (models.Data, error)) (*Handle, error) {
	if !key.Valid() {
		return nil, ErrInvalidKey
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	var (
		entry models.PendingMutation
		err   error
	)
	c.sess.Apply(key, func(st *store.Store, log *pending.Log) bool {
		rec, _ := st.Get(key)
		view := models.Fold(rec.Data, log.Patches(key)...)

		var patch models.Data
		patch, err = compute(view)
		if err != nil {
			return false
		}

		entry, err = log.Append(models.PendingMutation{
			ID:               c.cfg.NewID(),
			Key:              key,
			BaseVersion:      rec.Version,
			Patch:            patch,
			AppliedTentative: true,
			State:            models.StateApplied,
			CreatedAt:        c.cfg.Clock(),
		})
		return err == nil
	})
	if err != nil {
		c.wg.Done()
		return nil, err
	}

	h := newHandle(entry.ID, key)
	c.mu.Lock()
	c.handles[entry.ID] = h
	c.mu.Unlock()

	metrics.MutationsSubmitted.Inc()
	metrics.PendingMutations.Inc()
	c.entryLog(entry).Debug("mutation applied tentatively")

	go c.run(h, entry)
	return h, nil
}

// Cancel removes a mutation that has not been dispatched yet. Dispatched
// mutations can only be awaited.
func (c *Coordinator) Cancel(mutationID string) error {
	c.mu.Lock()
	h, ok := c.handles[mutationID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownMutation
	}

	var err error
	c.sess.Apply(h.key, func(_ *store.Store, log *pending.Log) bool {
		m, found := log.Get(mutationID)
		if !found {
			err = ErrUnknownMutation
			return false
		}
		if m.State != models.StateApplied {
			err = ErrAlreadyDispatched
			return false
		}
		_, err = log.Resolve(mutationID, models.Cancelled())
		return err == nil
	})
	if err != nil {
		return err
	}

	c.finish(h, Result{
		MutationID: mutationID,
		Key:        h.key,
		State:      models.StateCancelled,
		Reason:     "cancelled",
		Err:        ErrCancelled,
	})
	return nil
}

// Pending returns the in-flight mutations for key in fold order.
func (c *Coordinator) Pending(key models.EntityKey) []models.PendingMutation {
	return c.sess.Log().ListFor(key)
}

// Close stops accepting submissions, cancels undispatched mutations and waits
// for dispatched ones. When ctx ends first, in-flight dispatches are aborted
// and resolve as unconfirmed.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ids := make([]string, 0, len(c.handles))
	for id := range c.handles {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		_ = c.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) run(h *Handle, m models.PendingMutation) {
	defer c.wg.Done()

	if c.cfg.DispatchDelay > 0 {
		timer := time.NewTimer(c.cfg.DispatchDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.Done():
			return
		case <-c.ctx.Done():
			_ = c.Cancel(m.ID)
			return
		}
	}

	if !c.markDispatched(m) {
		return
	}

	resp, attempts, err := c.dispatch(m)
	switch {
	case err != nil:
		c.unconfirmed(h, m, attempts, err)
	case resp.Rejected():
		c.reject(h, m, attempts, resp.Rejection.Reason)
	default:
		c.commit(h, m, attempts, resp)
	}
}

func (c *Coordinator) markDispatched(m models.PendingMutation) bool {
	dispatched := false
	c.sess.Apply(m.Key, func(_ *store.Store, log *pending.Log) bool {
		_, _ = log.Update(m.ID, func(p *models.PendingMutation) {
			if p.State == models.StateApplied {
				p.State = models.StateDispatched
				dispatched = true
			}
		})
		return false
	})
	return dispatched
}

func (c *Coordinator) dispatch(m models.PendingMutation) (*models.MutationResponse, int, error) {
	req := models.MutationRequest{
		MutationID:  m.ID,
		Key:         m.Key,
		BaseVersion: m.BaseVersion,
		Patch:       m.Patch,
	}

	attempts := 0
	op := func() (*models.MutationResponse, error) {
		attempts++
		ctx, cancel := c.attemptContext()
		defer cancel()

		start := time.Now()
		resp, err := c.dispatcher.Dispatch(ctx, req)
		switch {
		case err != nil:
			metrics.DispatchDuration.WithLabelValues("transport_error").Observe(time.Since(start).Seconds())
			return nil, err
		case resp == nil:
			metrics.DispatchDuration.WithLabelValues("transport_error").Observe(time.Since(start).Seconds())
			return nil, errors.New("empty mutation response")
		case resp.Rejected():
			metrics.DispatchDuration.WithLabelValues("rejected").Observe(time.Since(start).Seconds())
		default:
			metrics.DispatchDuration.WithLabelValues("committed").Observe(time.Since(start).Seconds())
		}
		return resp, nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.DispatchRetries.Inc()
		c.sess.Apply(m.Key, func(_ *store.Store, log *pending.Log) bool {
			_, _ = log.Update(m.ID, func(p *models.PendingMutation) { p.RetryCount++ })
			return false
		})
		c.entryLog(m).WithFields(logrus.Fields{
			"attempt": attempts,
			"backoff": wait,
		}).WithError(err).Warn("mutation dispatch failed, retrying")
	}

	resp, err := backoff.RetryNotifyWithData[*models.MutationResponse](op, c.cfg.Retry.backOff(c.ctx), notify)
	return resp, attempts, err
}

func (c *Coordinator) attemptContext() (context.Context, context.CancelFunc) {
	if c.cfg.Retry.DispatchTimeout > 0 {
		return context.WithTimeout(c.ctx, c.cfg.Retry.DispatchTimeout)
	}
	return context.WithCancel(c.ctx)
}

func (c *Coordinator) commit(h *Handle, m models.PendingMutation, attempts int, resp *models.MutationResponse) {
	c.sess.Apply(m.Key, func(st *store.Store, log *pending.Log) bool {
		if !st.Commit(m.Key, resp.FinalVersion, resp.FinalData) {
			c.entryLog(m).WithField("version", resp.FinalVersion).Debug("commit older than stored record, keeping newer base")
		}
		_, _ = log.Resolve(m.ID, models.Committed(resp.FinalVersion, resp.FinalData))
		return true
	})

	c.finish(h, Result{
		MutationID: m.ID,
		Key:        m.Key,
		State:      models.StateCommitted,
		Version:    resp.FinalVersion,
		Data:       resp.FinalData.Clone(),
		Attempts:   attempts,
	})
}

func (c *Coordinator) reject(h *Handle, m models.PendingMutation, attempts int, reason string) {
	c.sess.Apply(m.Key, func(_ *store.Store, log *pending.Log) bool {
		_, err := log.Resolve(m.ID, models.Rejected(reason))
		return err == nil
	})

	c.finish(h, Result{
		MutationID: m.ID,
		Key:        m.Key,
		State:      models.StateRejected,
		Reason:     reason,
		Attempts:   attempts,
		Err:        fmt.Errorf("%w: %s", ErrRejected, reason),
	})
}

func (c *Coordinator) unconfirmed(h *Handle, m models.PendingMutation, attempts int, cause error) {
	c.sess.Apply(m.Key, func(_ *store.Store, log *pending.Log) bool {
		_, err := log.Resolve(m.ID, models.Superseded())
		return err == nil
	})

	c.finish(h, Result{
		MutationID: m.ID,
		Key:        m.Key,
		State:      models.StateUnconfirmed,
		Reason:     "unconfirmed",
		Attempts:   attempts,
		Err:        fmt.Errorf("%w: %v", ErrUnconfirmed, cause),
	})
}

func (c *Coordinator) finish(h *Handle, res Result) {
	if !h.complete(res) {
		return
	}

	c.mu.Lock()
	delete(c.handles, h.id)
	c.mu.Unlock()

	metrics.PendingMutations.Dec()
	metrics.MutationsResolved.WithLabelValues(string(res.State)).Inc()

	entry := c.log.WithFields(logrus.Fields{
		"mutation_id": res.MutationID,
		"entity_type": res.Key.Type,
		"entity_id":   res.Key.ID,
		"state":       res.State,
		"attempts":    res.Attempts,
	})
	switch res.State {
	case models.StateCommitted:
		entry.WithField("version", res.Version).Debug("mutation committed")
	case models.StateCancelled:
		entry.Debug("mutation cancelled")
	default:
		entry.WithField("reason", res.Reason).Warn("mutation not applied")
	}

	if c.cfg.OnResolved != nil {
		c.cfg.OnResolved(res)
	}
}

func (c *Coordinator) entryLog(m models.PendingMutation) *logrus.Entry {
	return c.log.WithFields(logrus.Fields{
		"mutation_id": m.ID,
		"entity_type": m.Key.Type,
		"entity_id":   m.Key.ID,
	})
}
