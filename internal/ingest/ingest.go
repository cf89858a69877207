package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/prudhvinik1/optisync/internal/metrics"
	"github.com/prudhvinik1/optisync/internal/models"
	"github.com/prudhvinik1/optisync/internal/pending"
	"github.com/prudhvinik1/optisync/internal/session"
	"github.com/prudhvinik1/optisync/internal/store"
)

var (
	ErrChannelClosed    = errors.New("realtime channel closed")
	ErrResyncIncomplete = errors.New("resync incomplete")
)

// Channel is the realtime collaborator. It owns connecting and reconnecting;
// every (re)connect is reported as a SignalConnected message. Snapshot and
// List errors wrapped with backoff.Permanent are not retried.
type Channel interface {
	Messages() <-chan models.ChannelMessage
	Snapshot(ctx context.Context, key models.EntityKey) (models.Snapshot, error)
	List(ctx context.Context, entityType string) ([]models.EntityRecord, error)
}

type Config struct {
	Log *logrus.Entry
	// ResyncConcurrency bounds parallel snapshot requests during a resync.
	ResyncConcurrency int
	// SnapshotRetryInterval is the first wait before re-requesting a snapshot
	// that failed; later waits grow up to SnapshotRetryMax.
	SnapshotRetryInterval time.Duration
	SnapshotRetryMax      time.Duration
}

func DefaultConfig() Config {
	return Config{
		ResyncConcurrency:     8,
		SnapshotRetryInterval: 250 * time.Millisecond,
		SnapshotRetryMax:      10 * time.Second,
	}
}

// Ingest applies server-pushed changes to the session's entity store. It
// knows nothing about pending mutations; the tentative view re-folds them on
// whatever base the store holds.
type Ingest struct {
	sess *session.Session
	ch   Channel
	cfg  Config
	log  *logrus.Entry

	mu        sync.Mutex
	connected bool
	gap       bool
	resyncs   int
}

func New(sess *session.Session, ch Channel, cfg Config) *Ingest {
	def := DefaultConfig()
	if cfg.ResyncConcurrency <= 0 {
		cfg.ResyncConcurrency = def.ResyncConcurrency
	}
	if cfg.SnapshotRetryInterval <= 0 {
		cfg.SnapshotRetryInterval = def.SnapshotRetryInterval
	}
	if cfg.SnapshotRetryMax <= 0 {
		cfg.SnapshotRetryMax = def.SnapshotRetryMax
	}
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Ingest{
		sess: sess,
		ch:   ch,
		cfg:  cfg,
		log:  cfg.Log.WithField("component", "ingest"),
		gap:  true,
	}
}

// Run consumes the channel until ctx ends or the channel is closed. Messages
// that arrive while a resync is in progress wait in the channel and are
// applied after it.
func (i *Ingest) Run(ctx context.Context) error {
	msgs := i.ch.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				i.setConnected(false)
				return ErrChannelClosed
			}
			if err := i.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (i *Ingest) handle(ctx context.Context, msg models.ChannelMessage) error {
	if msg.Event != nil {
		i.Apply(*msg.Event)
		return nil
	}

	switch msg.Signal {
	case models.SignalConnected:
		i.setConnected(true)
		if err := i.Resync(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			i.log.WithError(err).Error("resync failed, gap stays open until the next connect")
		}
	case models.SignalDisconnected:
		i.setConnected(false)
		i.log.Info("realtime channel disconnected")
	}
	return nil
}

// Apply merges one change event. Stale events are dropped silently.
func (i *Ingest) Apply(ev models.ChangeEvent) bool {
	applied := i.sess.Apply(ev.Key, func(st *store.Store, _ *pending.Log) bool {
		return st.Merge(ev.Key, ev.Version, ev.Data)
	})

	entry := i.log.WithFields(logrus.Fields{
		"entity_type": ev.Key.Type,
		"entity_id":   ev.Key.ID,
		"version":     ev.Version,
	})
	if applied {
		metrics.IngestEvents.WithLabelValues("applied").Inc()
		entry.Debug("change event applied")
	} else {
		metrics.IngestEvents.WithLabelValues("stale").Inc()
		entry.Debug("stale change event ignored")
	}
	return applied
}

// Resync refetches every key the session knows, plus every entity of each
// type watched by a query subscription, and merges the results. Transient
// failures are retried until they succeed or ctx ends. A permanent failure is
// logged and reported as ErrResyncIncomplete once everything else has been
// merged; the gap then stays open until a later resync succeeds.
func (i *Ingest) Resync(ctx context.Context) error {
	keys := i.sess.Keys()
	types := i.sess.QueryTypes()
	snaps := make([]models.Snapshot, len(keys))
	lists := make([][]models.EntityRecord, len(types))

	var failMu sync.Mutex
	var failures []error
	fail := func(err error) {
		failMu.Lock()
		failures = append(failures, err)
		failMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.ResyncConcurrency)
	for idx, entityType := range types {
		idx, entityType := idx, entityType
		g.Go(func() error {
			records, err := retry(gctx, i, logrus.Fields{"entity_type": entityType}, func() ([]models.EntityRecord, error) {
				return i.ch.List(gctx, entityType)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fail(fmt.Errorf("failed to list %s: %w", entityType, err))
				return nil
			}
			lists[idx] = records
			return nil
		})
	}
	for idx, key := range keys {
		idx, key := idx, key
		g.Go(func() error {
			snap, err := retry(gctx, i, logrus.Fields{"entity_type": key.Type, "entity_id": key.ID}, func() (models.Snapshot, error) {
				return i.ch.Snapshot(gctx, key)
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				fail(fmt.Errorf("failed to fetch snapshot for %s: %w", key, err))
				return nil
			}
			snaps[idx] = snap
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	applied := 0
	merge := func(key models.EntityKey, version int64, data models.Data) {
		if i.sess.Apply(key, func(st *store.Store, _ *pending.Log) bool {
			return st.Merge(key, version, data)
		}) {
			applied++
		}
	}
	for _, records := range lists {
		for _, rec := range records {
			merge(rec.Key, rec.Version, rec.Data)
		}
	}
	for _, snap := range snaps {
		if snap.Found {
			merge(snap.Key, snap.Version, snap.Data)
		}
	}

	entry := i.log.WithFields(logrus.Fields{"keys": len(keys), "types": len(types), "applied": applied})
	if len(failures) > 0 {
		for _, err := range failures {
			entry.WithError(err).Error("resync skipped an entity")
		}
		return fmt.Errorf("%w: %w", ErrResyncIncomplete, errors.Join(failures...))
	}

	i.mu.Lock()
	i.gap = false
	i.resyncs++
	i.mu.Unlock()

	metrics.Resyncs.Inc()
	entry.Info("resync complete")
	return nil
}

// retry runs op with the snapshot backoff schedule. Errors marked
// backoff.Permanent end it at once.
func retry[T any](ctx context.Context, i *Ingest, fields logrus.Fields, op func() (T, error)) (T, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = i.cfg.SnapshotRetryInterval
	exp.MaxInterval = i.cfg.SnapshotRetryMax
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.RetryNotifyWithData[T](op, backoff.WithContext(exp, ctx), func(err error, wait time.Duration) {
		i.log.WithFields(fields).WithField("backoff", wait).WithError(err).Warn("snapshot request failed, retrying")
	})
}

func (i *Ingest) setConnected(connected bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.connected = connected
	if !connected {
		i.gap = true
	}
}

// Connected reports whether the channel is up.
func (i *Ingest) Connected() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.connected
}

// InSync reports whether the store is known to be gap-free: the channel is
// up and a resync has completed since the last disconnect.
func (i *Ingest) InSync() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.connected && !i.gap
}

func (i *Ingest) Resyncs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resyncs
}
